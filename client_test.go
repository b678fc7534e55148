// Copyright (C) MongoDB, Inc. 2018-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package mongokitten

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/fuzed-innovations/MongoKitten/internal/testutil"
	"github.com/fuzed-innovations/MongoKitten/x/session"
)

func changeEvent(owner string) bsoncore.Document {
	fidx, full := bsoncore.AppendDocumentStart(nil)
	full = bsoncore.AppendStringElement(full, "owner", owner)
	full, _ = bsoncore.AppendDocumentEnd(full, fidx)

	idx, doc := bsoncore.AppendDocumentStart(nil)
	doc = bsoncore.AppendStringElement(doc, "operationType", "insert")
	doc = bsoncore.AppendDocumentElement(doc, "fullDocument", full)
	doc, _ = bsoncore.AppendDocumentEnd(doc, idx)
	return doc
}

func streamReply(id int64, batchKey string, docs ...bsoncore.Document) bsoncore.Document {
	cidx, cursorDoc := bsoncore.AppendDocumentStart(nil)
	cursorDoc = bsoncore.AppendInt64Element(cursorDoc, "id", id)
	cursorDoc = bsoncore.AppendStringElement(cursorDoc, "ns", "app.pets")
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

func TestClientRunCommand(t *testing.T) {
	t.Parallel()

	server := testutil.NewServer(nil)

	client, err := Connect(context.Background(), "mongodb://localhost/app", WithDialer(server))
	require.NoError(t, err)
	defer func() { _ = client.Disconnect(context.Background()) }()

	raw, err := client.Database("app").RunCommand(context.Background(), bson.D{{Key: "ping", Value: 1}})
	require.NoError(t, err)

	ok, err := raw.LookupErr("ok")
	require.NoError(t, err)
	require.Equal(t, float64(1), ok.Double())
}

func TestClientRejectsBadURI(t *testing.T) {
	t.Parallel()

	_, err := Connect(context.Background(), "localhost:27017")
	require.Error(t, err)
}

func TestCollectionWatch(t *testing.T) {
	t.Parallel()

	events := []bsoncore.Document{changeEvent("Joannis"), changeEvent("Robbert")}
	delivered := 0

	server := testutil.NewServer(func(name string, cmd bsoncore.Document) *testutil.Response {
		switch name {
		case "aggregate":
			return &testutil.Response{Doc: streamReply(88, "firstBatch")}
		case "getMore":
			if delivered >= len(events) {
				return &testutil.Response{Doc: streamReply(88, "nextBatch")}
			}
			event := events[delivered]
			delivered++
			return &testutil.Response{Doc: streamReply(88, "nextBatch", event)}
		default:
			return nil
		}
	})

	client, err := Connect(context.Background(), "mongodb://localhost/app", WithDialer(server))
	require.NoError(t, err)
	defer func() { _ = client.Disconnect(context.Background()) }()

	stream, err := client.Database("app").Collection("pets").Watch(context.Background(), nil)
	require.NoError(t, err)

	var owners []string
	for len(owners) < 2 && stream.Next(context.Background()) {
		var event struct {
			FullDocument struct {
				Owner string `bson:"owner"`
			} `bson:"fullDocument"`
		}
		require.NoError(t, stream.Decode(&event))
		owners = append(owners, event.FullDocument.Owner)
	}

	require.NoError(t, stream.Err())
	require.Equal(t, []string{"Joannis", "Robbert"}, owners)

	require.NoError(t, stream.Close(context.Background()))

	commands := server.Commands()
	require.Equal(t, "killCursors", commands[len(commands)-1])
}

func TestCursorCommandUsesImplicitSession(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var sawLsid bool

	server := testutil.NewServer(func(name string, cmd bsoncore.Document) *testutil.Response {
		if name != "find" {
			return nil
		}
		mu.Lock()
		if _, err := cmd.LookupErr("lsid"); err == nil {
			sawLsid = true
		}
		mu.Unlock()
		return &testutil.Response{Doc: streamReply(0, "firstBatch", changeEvent("Joannis"))}
	})

	client, err := Connect(context.Background(), "mongodb://localhost/app", WithDialer(server))
	require.NoError(t, err)
	defer func() { _ = client.Disconnect(context.Background()) }()

	cursor, err := client.Database("app").RunCursorCommand(context.Background(), bson.D{{Key: "find", Value: "pets"}}, 0)
	require.NoError(t, err)

	mu.Lock()
	require.True(t, sawLsid, "cursor command ran without a session id")
	mu.Unlock()

	// The single-batch cursor already released its implicit session; buffered
	// documents still drain.
	count := 0
	require.NoError(t, cursor.ForEach(context.Background(), func(doc bsoncore.Document) error {
		count++
		return nil
	}))
	require.Equal(t, 1, count)
}

func TestSessionTransaction(t *testing.T) {
	t.Parallel()

	server := testutil.NewServer(nil)

	client, err := Connect(context.Background(), "mongodb://localhost/app", WithDialer(server))
	require.NoError(t, err)
	defer func() { _ = client.Disconnect(context.Background()) }()

	sess, err := client.StartSession()
	require.NoError(t, err)
	defer sess.EndSession()

	require.NoError(t, sess.StartTransaction())
	require.Equal(t, session.Starting, sess.TransactionState())

	_, err = sess.RunCommand(context.Background(), "app", bson.D{
		{Key: "insert", Value: "pets"},
		{Key: "documents", Value: bson.A{bson.D{{Key: "owner", Value: "Joannis"}}}},
	})
	require.NoError(t, err)
	require.Equal(t, session.InProgress, sess.TransactionState())

	require.NoError(t, sess.CommitTransaction(context.Background()))
	require.Equal(t, session.Committed, sess.TransactionState())
}

func TestDisconnectReportsSessions(t *testing.T) {
	t.Parallel()

	server := testutil.NewServer(nil)

	client, err := Connect(context.Background(), "mongodb://localhost/app", WithDialer(server))
	require.NoError(t, err)

	// Run a command on an implicit session so one lands in the pool.
	_, err = client.RunCommand(context.Background(), "app", bson.D{{Key: "ping", Value: 1}})
	require.NoError(t, err)

	require.NoError(t, client.Disconnect(context.Background()))

	var sawEndSessions bool
	for _, name := range server.Commands() {
		if name == "endSessions" {
			sawEndSessions = true
		}
	}
	require.True(t, sawEndSessions)
}
