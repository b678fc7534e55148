// Copyright (C) MongoDB, Inc. 2018-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver_test

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/fuzed-innovations/MongoKitten/internal/testutil"
	"github.com/fuzed-innovations/MongoKitten/x/command"
	"github.com/fuzed-innovations/MongoKitten/x/connection"
	. "github.com/fuzed-innovations/MongoKitten/x/driver"
	"github.com/fuzed-innovations/MongoKitten/x/session"
)

func numberDoc(n int32) bsoncore.Document {
	idx, doc := bsoncore.AppendDocumentStart(nil)
	doc = bsoncore.AppendInt32Element(doc, "n", n)
	doc, _ = bsoncore.AppendDocumentEnd(doc, idx)
	return doc
}

func dataset(count int32) []bsoncore.Document {
	docs := make([]bsoncore.Document, 0, count)
	for n := int32(0); n < count; n++ {
		docs = append(docs, numberDoc(n))
	}
	return docs
}

func cursorReply(id int64, ns, batchKey string, docs []bsoncore.Document) bsoncore.Document {
	cidx, cursorDoc := bsoncore.AppendDocumentStart(nil)
	cursorDoc = bsoncore.AppendInt64Element(cursorDoc, "id", id)
	cursorDoc = bsoncore.AppendStringElement(cursorDoc, "ns", ns)
	aidx, cursorDoc := bsoncore.AppendArrayElementStart(cursorDoc, batchKey)
	for i, doc := range docs {
		cursorDoc = bsoncore.AppendDocumentElement(cursorDoc, strconv.Itoa(i), doc)
	}
	cursorDoc, _ = bsoncore.AppendArrayEnd(cursorDoc, aidx)
	cursorDoc, _ = bsoncore.AppendDocumentEnd(cursorDoc, cidx)

	idx, doc := bsoncore.AppendDocumentStart(nil)
	doc = bsoncore.AppendDoubleElement(doc, "ok", 1)
	doc = bsoncore.AppendDocumentElement(doc, "cursor", cursorDoc)
	doc, _ = bsoncore.AppendDocumentEnd(doc, idx)
	return doc
}

// cursorServer serves a fixed document set through find/getMore/killCursors.
type cursorServer struct {
	mu        sync.Mutex
	docs      []bsoncore.Document
	remaining []bsoncore.Document
	cursorID  int64
	killed    bool
	getMores  int
}

func newCursorServer(docs []bsoncore.Document, firstBatch int) (*testutil.Server, *cursorServer) {
	cs := &cursorServer{docs: docs, cursorID: 77}

	handler := func(name string, cmd bsoncore.Document) *testutil.Response {
		cs.mu.Lock()
		defer cs.mu.Unlock()

		switch name {
		case "find":
			first := firstBatch
			if first > len(cs.docs) {
				first = len(cs.docs)
			}
			cs.remaining = cs.docs[first:]
			id := cs.cursorID
			if len(cs.remaining) == 0 {
				id = 0
			}
			return &testutil.Response{Doc: cursorReply(id, "db.coll", "firstBatch", cs.docs[:first])}
		case "getMore":
			cs.getMores++
			size := len(cs.remaining)
			if bs, ok := command.Int64(cmd.Lookup("batchSize")); ok && int(bs) < size {
				size = int(bs)
			}
			batch := cs.remaining[:size]
			cs.remaining = cs.remaining[size:]
			id := cs.cursorID
			if len(cs.remaining) == 0 {
				id = 0
			}
			return &testutil.Response{Doc: cursorReply(id, "db.coll", "nextBatch", batch)}
		case "killCursors":
			cs.killed = true
			return nil
		default:
			return nil
		}
	}

	return testutil.NewServer(handler), cs
}

func newDispatcher(t *testing.T, server *testutil.Server) (*Dispatcher, func()) {
	t.Helper()

	pool, err := connection.NewPool("fake:27017", 4, 4, connection.WithDialer(server))
	require.NoError(t, err)

	sessPool := session.NewPool(30)

	d := &Dispatcher{
		Pool:        pool,
		SessionPool: sessPool,
		Clock:       &session.ClusterClock{},
	}
	cleanup := func() {
		sessPool.Drain()
		_ = pool.Disconnect(context.Background())
	}
	return d, cleanup
}

func findCmd() bsoncore.Document {
	idx, cmd := bsoncore.AppendDocumentStart(nil)
	cmd = bsoncore.AppendStringElement(cmd, "find", "coll")
	cmd, _ = bsoncore.AppendDocumentEnd(cmd, idx)
	return cmd
}

func TestCursorCompleteness(t *testing.T) {
	t.Parallel()

	const total = 10

	for batchSize := int32(1); batchSize <= total+2; batchSize++ {
		batchSize := batchSize
		t.Run(fmt.Sprintf("batchSize=%d", batchSize), func(t *testing.T) {
			t.Parallel()

			server, _ := newCursorServer(dataset(total), 3)
			d, cleanup := newDispatcher(t, server)
			defer cleanup()

			cursor, err := d.RunCursorCommand(context.Background(), "db", findCmd(), nil, batchSize)
			require.NoError(t, err)

			var seen []int32
			err = cursor.ForEach(context.Background(), func(doc bsoncore.Document) error {
				n, ok := command.Int64(doc.Lookup("n"))
				require.True(t, ok)
				seen = append(seen, int32(n))
				return nil
			})
			require.NoError(t, err)

			require.Len(t, seen, total)
			for i, n := range seen {
				require.Equal(t, int32(i), n)
			}
			require.Equal(t, int64(0), cursor.ID())
		})
	}
}

func TestCursorKilledOnClose(t *testing.T) {
	t.Parallel()

	server, state := newCursorServer(dataset(10), 3)
	d, cleanup := newDispatcher(t, server)
	defer cleanup()

	cursor, err := d.RunCursorCommand(context.Background(), "db", findCmd(), nil, 2)
	require.NoError(t, err)
	require.Equal(t, int64(77), cursor.ID())

	require.True(t, cursor.Next(context.Background()))
	require.NoError(t, cursor.Close(context.Background()))

	state.mu.Lock()
	killed := state.killed
	state.mu.Unlock()
	require.True(t, killed)
	require.Equal(t, int64(0), cursor.ID())

	// Close is idempotent and Next after Close reports exhaustion.
	require.NoError(t, cursor.Close(context.Background()))
	require.False(t, cursor.Next(context.Background()))
}

func TestCursorNoKillWhenExhausted(t *testing.T) {
	t.Parallel()

	server, state := newCursorServer(dataset(3), 3)
	d, cleanup := newDispatcher(t, server)
	defer cleanup()

	cursor, err := d.RunCursorCommand(context.Background(), "db", findCmd(), nil, 0)
	require.NoError(t, err)
	require.Equal(t, int64(0), cursor.ID())

	count := 0
	require.NoError(t, cursor.ForEach(context.Background(), func(doc bsoncore.Document) error {
		count++
		return nil
	}))
	require.Equal(t, 3, count)

	state.mu.Lock()
	defer state.mu.Unlock()
	require.False(t, state.killed)
	require.Zero(t, state.getMores)
}

func TestCursorForEachStopsOnError(t *testing.T) {
	t.Parallel()

	server, state := newCursorServer(dataset(10), 3)
	d, cleanup := newDispatcher(t, server)
	defer cleanup()

	cursor, err := d.RunCursorCommand(context.Background(), "db", findCmd(), nil, 2)
	require.NoError(t, err)

	boom := fmt.Errorf("boom")
	count := 0
	err = cursor.ForEach(context.Background(), func(doc bsoncore.Document) error {
		count++
		if count == 2 {
			return boom
		}
		return nil
	})
	require.Equal(t, boom, err)
	require.Equal(t, 2, count)

	state.mu.Lock()
	defer state.mu.Unlock()
	require.True(t, state.killed)
}

func TestCursorDecode(t *testing.T) {
	t.Parallel()

	server, _ := newCursorServer(dataset(3), 3)
	d, cleanup := newDispatcher(t, server)
	defer cleanup()

	cursor, err := d.RunCursorCommand(context.Background(), "db", findCmd(), nil, 0)
	require.NoError(t, err)
	defer func() { _ = cursor.Close(context.Background()) }()

	require.True(t, cursor.Next(context.Background()))

	var got struct {
		N int32 `bson:"n"`
	}
	require.NoError(t, cursor.Decode(&got))
	require.Equal(t, int32(0), got.N)
}
