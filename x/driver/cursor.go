// Copyright (C) MongoDB, Inc. 2018-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/fuzed-innovations/MongoKitten/x/command"
	"github.com/fuzed-innovations/MongoKitten/x/connection"
	"github.com/fuzed-innovations/MongoKitten/x/session"
)

// Batch size bounds applied to cursor batches.
const (
	minBatchSize = 1
	maxBatchSize = 1000000
)

func clampBatchSize(size int32) int32 {
	if size == 0 {
		return 0 // unset, let the server choose
	}
	if size < minBatchSize {
		return minBatchSize
	}
	if size > maxBatchSize {
		return maxBatchSize
	}
	return size
}

// Cursor iterates over result batches of a cursor-producing command. The
// cursor owns the connection it was created on until it is exhausted or
// closed; getMore always runs on that connection.
type Cursor struct {
	mu sync.Mutex

	id        int64
	ns        command.Namespace
	batch     []bsoncore.Document
	pos       int
	batchSize int32
	current   bsoncore.Document
	err       error

	conn   *connection.PooledConnection
	sess   *session.Client
	clock  *session.ClusterClock
	closed bool
}

// RunCursorCommand executes a cursor-producing command (find, aggregate,
// listCollections, listIndexes) and returns a Cursor over its result set.
func (d *Dispatcher) RunCursorCommand(ctx context.Context, db string, cmd bsoncore.Document, sess *session.Client, batchSize int32, opts ...CommandOption) (*Cursor, error) {
	cfg := commandConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	conn, pinned, err := d.selectConnection(ctx, sess)
	if err != nil {
		return nil, err
	}

	c := &command.Command{
		DB:           db,
		Command:      cmd,
		ReadConcern:  cfg.readConcern,
		WriteConcern: cfg.writeConcern,
		Session:      sess,
		Clock:        d.Clock,
	}

	rdr, err := c.RoundTrip(ctx, conn.Desc(), conn)
	if err != nil {
		if !pinned {
			_ = conn.Close()
		}
		return nil, d.processError(err, sess)
	}

	resp, err := command.DecodeCursorResponse(rdr, "firstBatch")
	if err != nil {
		if !pinned {
			_ = conn.Close()
		}
		return nil, err
	}

	cursor := &Cursor{
		id:        resp.ID,
		ns:        resp.NS,
		batch:     resp.Batch,
		batchSize: clampBatchSize(batchSize),
		conn:      conn,
		sess:      sess,
		clock:     d.Clock,
	}

	if cursor.id == 0 {
		// Single batch; nothing left on the server, so the connection and any
		// implicit session are released immediately.
		cursor.mu.Lock()
		cursor.releaseLocked()
		cursor.mu.Unlock()
	}

	return cursor, nil
}

// ID returns the server-assigned cursor id. An id of 0 means the cursor is
// exhausted.
func (c *Cursor) ID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Next advances the cursor to the next document, fetching a new batch from
// the server when the buffer runs out. It returns false when the cursor is
// exhausted or an error occurred.
func (c *Cursor) Next(ctx context.Context) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.err != nil {
		return false
	}

	if c.pos < len(c.batch) {
		c.current = c.batch[c.pos]
		c.pos++
		return true
	}

	if c.id == 0 {
		c.releaseLocked()
		return false
	}

	c.getMoreLocked(ctx)
	if c.err != nil || len(c.batch) == 0 {
		return false
	}

	c.current = c.batch[0]
	c.pos = 1
	return true
}

// getMoreLocked refills the buffer from the pinned connection. The cursor
// mutex is held, so at most one getMore is outstanding at any time.
func (c *Cursor) getMoreLocked(ctx context.Context) {
	c.batch = c.batch[:0]
	c.pos = 0

	// A cursor must not outlive its session: buffered documents may still be
	// drained, but no further wire operation is issued.
	if c.sess != nil && c.sess.Terminated {
		c.err = session.ErrSessionEnded
		c.releaseLocked()
		return
	}

	if c.conn == nil {
		c.err = connection.ErrConnectionClosed
		return
	}

	gm := &command.GetMore{
		ID:        c.id,
		NS:        c.ns,
		BatchSize: c.batchSize,
		Session:   c.sess,
		Clock:     c.clock,
	}

	rdr, err := gm.RoundTrip(ctx, c.conn.Desc(), c.conn)
	if err != nil {
		c.err = err
		c.releaseLocked()
		return
	}

	resp, err := command.DecodeCursorResponse(rdr, "nextBatch")
	if err != nil {
		c.err = err
		c.releaseLocked()
		return
	}

	c.id = resp.ID
	c.batch = resp.Batch

	if c.id == 0 {
		c.releaseLocked()
	}
}

// Current returns the document the cursor is positioned on.
func (c *Cursor) Current() bsoncore.Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Decode unmarshals the current document into v. A decode failure is
// surfaced to the caller without disturbing the cursor.
func (c *Cursor) Decode(v interface{}) error {
	c.mu.Lock()
	doc := c.current
	c.mu.Unlock()

	if doc == nil {
		return command.ErrNoCommandResponse
	}
	return bson.Unmarshal(doc, v)
}

// Err returns the error the cursor stopped on, if any.
func (c *Cursor) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// ForEach drives the cursor to exhaustion, invoking f for every document. It
// stops on the first error from f and kills the cursor.
func (c *Cursor) ForEach(ctx context.Context, f func(doc bsoncore.Document) error) error {
	for c.Next(ctx) {
		if err := f(c.Current()); err != nil {
			_ = c.Close(ctx)
			return err
		}
	}
	if err := c.Err(); err != nil {
		return err
	}
	return c.Close(ctx)
}

// Close kills the server-side cursor, best effort, and releases the pinned
// connection.
func (c *Cursor) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.id != 0 && c.conn != nil {
		kc := &command.KillCursors{NS: c.ns, IDs: []int64{c.id}}
		// Errors killing the cursor are ignored; the server reaps abandoned
		// cursors on its own timeout.
		_, _ = kc.RoundTrip(ctx, c.conn.Desc(), c.conn)
		c.id = 0
	}

	c.releaseLocked()
	return nil
}

// releaseLocked returns the pinned connection to the pool. Inside a
// transaction the connection belongs to the session, not the cursor.
func (c *Cursor) releaseLocked() {
	if c.conn != nil {
		if c.sess == nil || c.sess.PinnedConnection != c.conn {
			_ = c.conn.Close()
		}
		c.conn = nil
	}

	// An implicit session exists only to serve this one command; it returns
	// to the session pool along with the connection.
	if c.sess != nil && c.sess.SessionType == session.Implicit {
		c.sess.EndSession()
	}
}
