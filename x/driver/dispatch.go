// Copyright (C) MongoDB, Inc. 2018-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/fuzed-innovations/MongoKitten/x/command"
	"github.com/fuzed-innovations/MongoKitten/x/connection"
	"github.com/fuzed-innovations/MongoKitten/x/session"
)

// Dispatcher routes commands to connections. It owns the pool handle and
// attaches session, transaction and cluster time metadata through the
// command layer.
type Dispatcher struct {
	Pool            *connection.Pool
	SessionPool     *session.Pool
	Clock           *session.ClusterClock
	CheckoutTimeout time.Duration
}

// Command executes a single command and returns its reply document.
//
// When the session has a transaction running, the command is routed to the
// transaction's pinned connection; the first command of a transaction pins
// the connection it checked out.
func (d *Dispatcher) Command(ctx context.Context, db string, cmd bsoncore.Document, sess *session.Client, opts ...CommandOption) (bsoncore.Document, error) {
	cfg := commandConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	conn, pinned, err := d.selectConnection(ctx, sess)
	if err != nil {
		return nil, err
	}
	if !pinned {
		defer func() { _ = conn.Close() }()
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
		err = d.processError(err, sess)
		// An aborted transaction no longer owns its pinned connection.
		if pinned && (sess == nil || !sess.TransactionRunning()) {
			_ = conn.Close()
		}
		return nil, err
	}

	return rdr, nil
}

// selectConnection picks the connection a command should run on. The second
// return value is true when the connection is pinned to a transaction and
// must not be released after the command.
func (d *Dispatcher) selectConnection(ctx context.Context, sess *session.Client) (*connection.PooledConnection, bool, error) {
	if sess != nil && sess.TransactionRunning() {
		if pc, ok := sess.PinnedConnection.(*connection.PooledConnection); ok && pc != nil {
			return pc, true, nil
		}

		conn, err := d.checkout(ctx)
		if err != nil {
			return nil, false, err
		}
		sess.PinnedConnection = conn
		return conn, true, nil
	}

	conn, err := d.checkout(ctx)
	return conn, false, err
}

func (d *Dispatcher) checkout(ctx context.Context) (*connection.PooledConnection, error) {
	if d.CheckoutTimeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d.CheckoutTimeout)
			defer cancel()
		}
	}
	return d.Pool.Get(ctx)
}

// processError applies transaction semantics to a command error: network
// errors inside a transaction pick up the TransientTransactionError label and
// abort the transaction state machine. The original error classification is
// preserved for the caller.
func (d *Dispatcher) processError(err error, sess *session.Client) error {
	if sess == nil || !sess.TransactionRunning() {
		return err
	}

	switch e := err.(type) {
	case command.Error:
		if e.HasErrorLabel(command.TransientTransactionError) {
			sess.TransitionAborted()
		}
		return e
	case connection.NetworkError, connection.TimeoutError, connection.ProtocolError:
		sess.TransitionAborted()
		return command.Error{
			Message: err.Error(),
			Labels:  []string{command.TransientTransactionError},
		}
	}

	return err
}

// StartTransaction begins a transaction on the session. No command is sent;
// the first operation in the transaction carries startTransaction.
func (d *Dispatcher) StartTransaction(sess *session.Client) error {
	return sess.StartTransaction()
}

// CommitTransaction commits the session's transaction on its pinned
// connection.
func (d *Dispatcher) CommitTransaction(ctx context.Context, sess *session.Client) error {
	err := d.endTransaction(ctx, sess, &commitCmd{sess: sess, clock: d.Clock})
	if cerr := sess.CommitTransaction(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// AbortTransaction aborts the session's transaction on its pinned connection.
// The server-side abort is best effort.
func (d *Dispatcher) AbortTransaction(ctx context.Context, sess *session.Client) error {
	err := d.endTransaction(ctx, sess, &abortCmd{sess: sess, clock: d.Clock})
	if aerr := sess.AbortTransaction(); aerr != nil && err == nil {
		err = aerr
	}
	return err
}

type transactionCommand interface {
	run(ctx context.Context, conn *connection.PooledConnection) error
}

type commitCmd struct {
	sess  *session.Client
	clock *session.ClusterClock
}

func (c *commitCmd) run(ctx context.Context, conn *connection.PooledConnection) error {
	_, err := (&command.CommitTransaction{Session: c.sess, Clock: c.clock}).RoundTrip(ctx, conn.Desc(), conn)
	return err
}

type abortCmd struct {
	sess  *session.Client
	clock *session.ClusterClock
}

func (c *abortCmd) run(ctx context.Context, conn *connection.PooledConnection) error {
	_, err := (&command.AbortTransaction{Session: c.sess, Clock: c.clock}).RoundTrip(ctx, conn.Desc(), conn)
	return err
}

// endTransaction runs a commit or abort on the pinned connection and releases
// it. A transaction that never ran a command has no pinned connection and
// ends locally.
func (d *Dispatcher) endTransaction(ctx context.Context, sess *session.Client, cmd transactionCommand) error {
	if sess == nil {
		return session.ErrNoTransactStarted
	}
	if !sess.TransactionRunning() {
		return session.ErrNoTransactStarted
	}

	pc, ok := sess.PinnedConnection.(*connection.PooledConnection)
	if !ok || pc == nil {
		return nil
	}
	defer func() { _ = pc.Close() }()

	if sess.TransactionState() == session.Starting {
		// No operation ever ran; the server knows nothing of this
		// transaction.
		return nil
	}

	err := cmd.run(ctx, pc)
	if err != nil {
		return d.processError(err, sess)
	}
	return err
}

type commandConfig struct {
	readConcern  bsoncore.Document
	writeConcern bsoncore.Document
}

// CommandOption configures an individual command dispatch.
type CommandOption func(*commandConfig)

// WithReadConcern attaches a read concern to the command.
func WithReadConcern(rc bsoncore.Document) CommandOption {
	return func(c *commandConfig) { c.readConcern = rc }
}

// WithWriteConcern attaches a write concern to the command.
func WithWriteConcern(wc bsoncore.Document) CommandOption {
	return func(c *commandConfig) { c.writeConcern = wc }
}
