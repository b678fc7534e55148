// Copyright (C) MongoDB, Inc. 2018-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package connection_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/fuzed-innovations/MongoKitten/internal/testutil"
	"github.com/fuzed-innovations/MongoKitten/x/command"
	. "github.com/fuzed-innovations/MongoKitten/x/connection"
)

func pingCmd(t *testing.T) bsoncore.Document {
	t.Helper()
	idx, cmd := bsoncore.AppendDocumentStart(nil)
	cmd = bsoncore.AppendInt32Element(cmd, "ping", 1)
	cmd, err := bsoncore.AppendDocumentEnd(cmd, idx)
	require.NoError(t, err)
	return cmd
}

func TestConnectionHandshake(t *testing.T) {
	t.Parallel()

	server := testutil.NewServer(nil)

	conn, err := New(context.Background(), "fake:27017", WithDialer(server))
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	desc := conn.Desc()
	require.Equal(t, int32(7), desc.WireVersion.Max)
	require.True(t, desc.SupportsOpMsg())
	require.True(t, desc.SessionsSupported())
	require.Equal(t, uint32(30), desc.SessionTimeoutMinutes)
	require.True(t, conn.Alive())
	require.Equal(t, []string{"isMaster"}, server.Commands())
}

func TestConnectionRoundTripCorrelation(t *testing.T) {
	t.Parallel()

	server := testutil.NewServer(nil)

	conn, err := New(context.Background(), "fake:27017", WithDialer(server))
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	for i := 0; i < 5; i++ {
		rdr, err := (&command.Command{DB: "admin", Command: pingCmd(t)}).RoundTrip(context.Background(), conn.Desc(), conn)
		require.NoError(t, err)

		ok, found := command.Float64(rdr.Lookup("ok"))
		require.True(t, found)
		require.Equal(t, float64(1), ok)
	}
}

func TestConnectionUnknownResponseToPoisons(t *testing.T) {
	t.Parallel()

	wrong := int32(424242)
	server := testutil.NewServer(func(name string, cmd bsoncore.Document) *testutil.Response {
		if name == "ping" {
			return &testutil.Response{Doc: testutil.OKReply(), ResponseTo: &wrong}
		}
		return nil
	})

	conn, err := New(context.Background(), "fake:27017", WithDialer(server))
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	_, err = (&command.Command{DB: "admin", Command: pingCmd(t)}).RoundTrip(context.Background(), conn.Desc(), conn)
	require.Error(t, err)
	require.False(t, conn.Alive())

	// The poisoned connection refuses further use.
	_, err = (&command.Command{DB: "admin", Command: pingCmd(t)}).RoundTrip(context.Background(), conn.Desc(), conn)
	require.Error(t, err)
}

func TestConnectionSocketTimeout(t *testing.T) {
	t.Parallel()

	server := testutil.NewServer(func(name string, cmd bsoncore.Document) *testutil.Response {
		if name == "ping" {
			return &testutil.Response{Silent: true}
		}
		return nil
	})

	const timeout = 150 * time.Millisecond

	conn, err := New(context.Background(), "fake:27017", WithDialer(server), WithSocketTimeout(timeout))
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	start := time.Now()
	_, err = (&command.Command{DB: "admin", Command: pingCmd(t)}).RoundTrip(context.Background(), conn.Desc(), conn)
	elapsed := time.Since(start)

	require.Error(t, err)
	var te TimeoutError
	require.ErrorAs(t, err, &te)
	require.Equal(t, ScopeSocket, te.Scope)

	require.GreaterOrEqual(t, elapsed, timeout-10*time.Millisecond)
	require.Less(t, elapsed, timeout+200*time.Millisecond)

	require.False(t, conn.Alive())
}

func TestConnectionClose(t *testing.T) {
	t.Parallel()

	server := testutil.NewServer(nil)

	conn, err := New(context.Background(), "fake:27017", WithDialer(server))
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	require.False(t, conn.Alive())

	_, err = (&command.Command{DB: "admin", Command: pingCmd(t)}).RoundTrip(context.Background(), conn.Desc(), conn)
	require.Error(t, err)

	// Closing again is a no-op.
	require.NoError(t, conn.Close())
}
