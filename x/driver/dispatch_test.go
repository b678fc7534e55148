// Copyright (C) MongoDB, Inc. 2018-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/fuzed-innovations/MongoKitten/internal/testutil"
	"github.com/fuzed-innovations/MongoKitten/x/command"
	"github.com/fuzed-innovations/MongoKitten/x/session"
)

func insertCmd() bsoncore.Document {
	idx, cmd := bsoncore.AppendDocumentStart(nil)
	cmd = bsoncore.AppendStringElement(cmd, "insert", "coll")
	aidx, cmd := bsoncore.AppendArrayElementStart(cmd, "documents")
	cmd = bsoncore.AppendDocumentElement(cmd, "0", numberDoc(1))
	cmd, _ = bsoncore.AppendArrayEnd(cmd, aidx)
	cmd, _ = bsoncore.AppendDocumentEnd(cmd, idx)
	return cmd
}

func TestDispatcherCommand(t *testing.T) {
	t.Parallel()

	server := testutil.NewServer(nil)
	d, cleanup := newDispatcher(t, server)
	defer cleanup()

	rdr, err := d.Command(context.Background(), "db", findCmd(), nil)
	require.NoError(t, err)

	ok, found := command.Float64(rdr.Lookup("ok"))
	require.True(t, found)
	require.Equal(t, float64(1), ok)
}

func TestTransactionPinsConnection(t *testing.T) {
	t.Parallel()

	server := testutil.NewServer(nil)
	d, cleanup := newDispatcher(t, server)
	defer cleanup()

	sess, err := session.NewClientSession(d.SessionPool, session.Explicit)
	require.NoError(t, err)
	defer sess.EndSession()

	require.NoError(t, d.StartTransaction(sess))

	_, err = d.Command(context.Background(), "db", insertCmd(), sess)
	require.NoError(t, err)

	pinned := sess.PinnedConnection
	require.NotNil(t, pinned)

	_, err = d.Command(context.Background(), "db", insertCmd(), sess)
	require.NoError(t, err)
	require.Equal(t, pinned, sess.PinnedConnection)

	// Both transaction commands ran on the single dialed connection.
	require.Equal(t, int64(1), server.Dials())

	require.NoError(t, d.CommitTransaction(context.Background(), sess))
	require.Nil(t, sess.PinnedConnection)
	require.Equal(t, session.Committed, sess.TransactionState())

	commands := server.Commands()
	require.Equal(t, "commitTransaction", commands[len(commands)-1])
}

func TestTransactionAbort(t *testing.T) {
	t.Parallel()

	server := testutil.NewServer(nil)
	d, cleanup := newDispatcher(t, server)
	defer cleanup()

	sess, err := session.NewClientSession(d.SessionPool, session.Explicit)
	require.NoError(t, err)
	defer sess.EndSession()

	require.NoError(t, d.StartTransaction(sess))
	_, err = d.Command(context.Background(), "db", insertCmd(), sess)
	require.NoError(t, err)

	require.NoError(t, d.AbortTransaction(context.Background(), sess))
	require.Equal(t, session.Aborted, sess.TransactionState())
	require.Nil(t, sess.PinnedConnection)

	commands := server.Commands()
	require.Equal(t, "abortTransaction", commands[len(commands)-1])
}

func TestTransactionWithoutOperations(t *testing.T) {
	t.Parallel()

	server := testutil.NewServer(nil)
	d, cleanup := newDispatcher(t, server)
	defer cleanup()

	sess, err := session.NewClientSession(d.SessionPool, session.Explicit)
	require.NoError(t, err)
	defer sess.EndSession()

	require.NoError(t, d.StartTransaction(sess))
	require.NoError(t, d.CommitTransaction(context.Background(), sess))
	require.Equal(t, session.Committed, sess.TransactionState())

	// The server never saw the transaction.
	for _, name := range server.Commands() {
		require.NotEqual(t, "commitTransaction", name)
	}
}

func TestTransactionNetworkErrorIsTransient(t *testing.T) {
	t.Parallel()

	server := testutil.NewServer(func(name string, cmd bsoncore.Document) *testutil.Response {
		if name == "insert" {
			return &testutil.Response{CloseConn: true}
		}
		return nil
	})
	d, cleanup := newDispatcher(t, server)
	defer cleanup()

	sess, err := session.NewClientSession(d.SessionPool, session.Explicit)
	require.NoError(t, err)
	defer sess.EndSession()

	require.NoError(t, d.StartTransaction(sess))
	require.Equal(t, int64(1), sess.TxnNumber)

	_, err = d.Command(context.Background(), "db", insertCmd(), sess)
	require.Error(t, err)

	cmdErr, ok := err.(command.Error)
	require.True(t, ok, "expected a command.Error, got %T", err)
	require.True(t, cmdErr.HasErrorLabel(command.TransientTransactionError))

	require.Equal(t, session.Aborted, sess.TransactionState())
	require.Nil(t, sess.PinnedConnection)

	// The caller can retry the whole transaction with a fresh number.
	require.NoError(t, d.StartTransaction(sess))
	require.Equal(t, int64(2), sess.TxnNumber)
}

func TestTransientServerErrorAbortsTransaction(t *testing.T) {
	t.Parallel()

	server := testutil.NewServer(func(name string, cmd bsoncore.Document) *testutil.Response {
		if name != "insert" {
			return nil
		}

		idx, doc := bsoncore.AppendDocumentStart(nil)
		doc = bsoncore.AppendInt32Element(doc, "ok", 0)
		doc = bsoncore.AppendStringElement(doc, "errmsg", "WriteConflict")
		doc = bsoncore.AppendInt32Element(doc, "code", 112)
		aidx, doc := bsoncore.AppendArrayElementStart(doc, "errorLabels")
		doc = bsoncore.AppendStringElement(doc, "0", command.TransientTransactionError)
		doc, _ = bsoncore.AppendArrayEnd(doc, aidx)
		doc, _ = bsoncore.AppendDocumentEnd(doc, idx)
		return &testutil.Response{Doc: doc}
	})
	d, cleanup := newDispatcher(t, server)
	defer cleanup()

	sess, err := session.NewClientSession(d.SessionPool, session.Explicit)
	require.NoError(t, err)
	defer sess.EndSession()

	require.NoError(t, d.StartTransaction(sess))

	_, err = d.Command(context.Background(), "db", insertCmd(), sess)
	require.Error(t, err)

	cmdErr, ok := err.(command.Error)
	require.True(t, ok)
	require.True(t, cmdErr.HasErrorLabel(command.TransientTransactionError))
	require.Equal(t, session.Aborted, sess.TransactionState())
}
