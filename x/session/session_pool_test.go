// Copyright (C) MongoDB, Inc. 2018-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPoolReusesSessions(t *testing.T) {
	t.Parallel()

	pool := NewPool(30)
	defer pool.Drain()

	first, err := pool.GetSession()
	require.NoError(t, err)
	require.NotEmpty(t, first.SessionID)

	pool.ReturnSession(first)

	second, err := pool.GetSession()
	require.NoError(t, err)
	require.Equal(t, first.SessionID, second.SessionID)
}

func TestPoolDiscardsExpiredSessions(t *testing.T) {
	t.Parallel()

	pool := NewPool(30)
	defer pool.Drain()

	stale, err := pool.GetSession()
	require.NoError(t, err)
	stale.LastUsed = time.Now().Add(-29*time.Minute - time.Second)
	pool.ReturnSession(stale)

	fresh, err := pool.GetSession()
	require.NoError(t, err)
	require.NotEqual(t, stale.SessionID, fresh.SessionID)
}

func TestPoolDrain(t *testing.T) {
	t.Parallel()

	pool := NewPool(30)

	first, err := pool.GetSession()
	require.NoError(t, err)
	second, err := pool.GetSession()
	require.NoError(t, err)
	require.NotEqual(t, first.SessionID, second.SessionID)

	pool.ReturnSession(first)
	pool.ReturnSession(second)

	ids := pool.Drain()
	require.Len(t, ids, 2)

	_, err = pool.GetSession()
	require.Equal(t, ErrPoolClosed, err)
}

func TestSessionIDIsUUIDv4(t *testing.T) {
	t.Parallel()

	ss, err := newServerSession()
	require.NoError(t, err)

	subtype, data, ok := ss.SessionID.Lookup("id").BinaryOK()
	require.True(t, ok)
	require.Equal(t, UUIDSubtype, subtype)
	require.Len(t, data, 16)
	require.Equal(t, byte(0x40), data[6]&0xf0)
}
