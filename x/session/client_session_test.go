// Copyright (C) MongoDB, Inc. 2018-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

func clusterTimeDoc(t *testing.T, epoch, ord uint32) bsoncore.Document {
	t.Helper()

	iidx, inner := bsoncore.AppendDocumentStart(nil)
	inner = bsoncore.AppendTimestampElement(inner, "clusterTime", epoch, ord)
	inner, err := bsoncore.AppendDocumentEnd(inner, iidx)
	require.NoError(t, err)

	oidx, outer := bsoncore.AppendDocumentStart(nil)
	outer = bsoncore.AppendDocumentElement(outer, "$clusterTime", inner)
	outer, err = bsoncore.AppendDocumentEnd(outer, oidx)
	require.NoError(t, err)

	return outer
}

func TestMaxClusterTime(t *testing.T) {
	t.Parallel()

	ct1 := clusterTimeDoc(t, 10, 5)
	ct2 := clusterTimeDoc(t, 5, 5)
	ct3 := clusterTimeDoc(t, 5, 0)

	require.Equal(t, ct1, MaxClusterTime(ct1, ct2))
	require.Equal(t, ct2, MaxClusterTime(ct3, ct2))
	require.Equal(t, ct1, MaxClusterTime(nil, ct1))
}

func TestAdvanceClusterTime(t *testing.T) {
	t.Parallel()

	pool := NewPool(30)
	defer pool.Drain()

	sess, err := NewClientSession(pool, Explicit)
	require.NoError(t, err)
	defer sess.EndSession()

	ct1 := clusterTimeDoc(t, 10, 5)
	ct2 := clusterTimeDoc(t, 5, 5)

	require.NoError(t, sess.AdvanceClusterTime(ct2))
	require.Equal(t, ct2, sess.ClusterTime)

	require.NoError(t, sess.AdvanceClusterTime(ct1))
	require.Equal(t, ct1, sess.ClusterTime)

	// Lower times never move the session backwards.
	require.NoError(t, sess.AdvanceClusterTime(ct2))
	require.Equal(t, ct1, sess.ClusterTime)
}

func TestAdvanceOperationTime(t *testing.T) {
	t.Parallel()

	pool := NewPool(30)
	defer pool.Drain()

	sess, err := NewClientSession(pool, Explicit)
	require.NoError(t, err)
	defer sess.EndSession()

	require.NoError(t, sess.AdvanceOperationTime(10, 5))
	tT, tI, ok := sess.OperationTime()
	require.True(t, ok)
	require.Equal(t, uint32(10), tT)
	require.Equal(t, uint32(5), tI)

	require.NoError(t, sess.AdvanceOperationTime(10, 4))
	tT, tI, _ = sess.OperationTime()
	require.Equal(t, uint32(10), tT)
	require.Equal(t, uint32(5), tI)

	require.NoError(t, sess.AdvanceOperationTime(11, 0))
	tT, tI, _ = sess.OperationTime()
	require.Equal(t, uint32(11), tT)
	require.Equal(t, uint32(0), tI)
}

func TestTransactionStateMachine(t *testing.T) {
	t.Parallel()

	pool := NewPool(30)
	defer pool.Drain()

	sess, err := NewClientSession(pool, Explicit)
	require.NoError(t, err)
	defer sess.EndSession()

	require.Equal(t, None, sess.TransactionState())
	require.Equal(t, ErrNoTransactStarted, sess.CommitTransaction())
	require.Equal(t, ErrNoTransactStarted, sess.AbortTransaction())

	require.NoError(t, sess.StartTransaction())
	require.Equal(t, Starting, sess.TransactionState())
	require.Equal(t, int64(1), sess.TxnNumber)
	require.True(t, sess.TransactionStarting())
	require.True(t, sess.TransactionRunning())

	require.Equal(t, ErrTransactInProgress, sess.StartTransaction())

	sess.ApplyCommand()
	require.Equal(t, InProgress, sess.TransactionState())
	require.False(t, sess.TransactionStarting())
	require.True(t, sess.TransactionRunning())

	require.NoError(t, sess.CommitTransaction())
	require.Equal(t, Committed, sess.TransactionState())
	require.False(t, sess.TransactionRunning())
	require.Nil(t, sess.PinnedConnection)

	// A new transaction gets a strictly larger number.
	require.NoError(t, sess.StartTransaction())
	require.Equal(t, int64(2), sess.TxnNumber)
	sess.ApplyCommand()
	require.NoError(t, sess.AbortTransaction())
	require.Equal(t, Aborted, sess.TransactionState())

	require.NoError(t, sess.StartTransaction())
	require.Equal(t, int64(3), sess.TxnNumber)
}

func TestTransitionAborted(t *testing.T) {
	t.Parallel()

	pool := NewPool(30)
	defer pool.Drain()

	sess, err := NewClientSession(pool, Explicit)
	require.NoError(t, err)
	defer sess.EndSession()

	require.NoError(t, sess.StartTransaction())
	sess.ApplyCommand()
	sess.TransitionAborted()
	require.Equal(t, Aborted, sess.TransactionState())
	require.Nil(t, sess.PinnedConnection)

	// Outside of a transaction the call is a no-op.
	require.NoError(t, sess.StartTransaction())
	require.NoError(t, sess.CommitTransaction())
	sess.TransitionAborted()
	require.Equal(t, Committed, sess.TransactionState())
}

func TestEndSession(t *testing.T) {
	t.Parallel()

	pool := NewPool(30)
	defer pool.Drain()

	sess, err := NewClientSession(pool, Explicit)
	require.NoError(t, err)

	sess.EndSession()
	require.True(t, sess.Terminated)
	require.Equal(t, ErrSessionEnded, sess.UpdateUseTime())
	require.Equal(t, ErrSessionEnded, sess.AdvanceClusterTime(clusterTimeDoc(t, 1, 1)))
	require.Equal(t, ErrSessionEnded, sess.StartTransaction())

	// Ending twice is safe.
	sess.EndSession()
}
