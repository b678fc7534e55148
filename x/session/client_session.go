// Copyright (C) MongoDB, Inc. 2018-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"errors"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

// ErrSessionEnded is returned when a command is attempted on an ended session.
var ErrSessionEnded = errors.New("ended session was used")

// ErrNoTransactStarted is returned when a transaction operation is attempted
// with no transaction running.
var ErrNoTransactStarted = errors.New("no transaction started")

// ErrTransactInProgress is returned when StartTransaction is called while a
// transaction is already running.
var ErrTransactInProgress = errors.New("transaction already in progress")

// TransactionState indicates the state of the session's transaction.
type TransactionState uint8

// These constants are the valid states for a transaction.
const (
	None TransactionState = iota
	Starting
	InProgress
	Committed
	Aborted
)

func (s TransactionState) String() string {
	switch s {
	case None:
		return "none"
	case Starting:
		return "starting"
	case InProgress:
		return "in progress"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// PinnedConnection is the connection a transaction is pinned to. The concrete
// type lives in the connection package; the session only carries the handle.
type PinnedConnection interface {
	Close() error
}

// Type describes the type of the session.
type Type uint8

// These constants are the valid types for a client session.
const (
	Explicit Type = iota
	Implicit
)

// Client is a session for clients to run commands.
type Client struct {
	SessionID   bsoncore.Document
	ClusterTime bsoncore.Document
	SessionType Type
	Terminated  bool

	TxnNumber        int64
	PinnedConnection PinnedConnection

	state         TransactionState
	pool          *Pool
	serverSession *Server

	operationTimeT uint32
	operationTimeI uint32
	hasOpTime      bool
}

// NewClientSession creates a Client backed by a server session from the pool.
func NewClientSession(pool *Pool, sessionType Type) (*Client, error) {
	servSess, err := pool.GetSession()
	if err != nil {
		return nil, err
	}

	return &Client{
		SessionID:     servSess.SessionID,
		SessionType:   sessionType,
		pool:          pool,
		serverSession: servSess,
	}, nil
}

// AdvanceClusterTime updates the session's cluster time to the maximum of its
// current value and the provided one.
func (c *Client) AdvanceClusterTime(clusterTime bsoncore.Document) error {
	if c.Terminated {
		return ErrSessionEnded
	}
	c.ClusterTime = MaxClusterTime(c.ClusterTime, clusterTime)
	return nil
}

// AdvanceOperationTime updates the session's operation time, used for
// afterClusterTime on causally consistent reads.
func (c *Client) AdvanceOperationTime(t, i uint32) error {
	if c.Terminated {
		return ErrSessionEnded
	}
	if !c.hasOpTime || t > c.operationTimeT || (t == c.operationTimeT && i > c.operationTimeI) {
		c.operationTimeT, c.operationTimeI = t, i
		c.hasOpTime = true
	}
	return nil
}

// OperationTime returns the session's operation time, if one has been observed.
func (c *Client) OperationTime() (t, i uint32, ok bool) {
	return c.operationTimeT, c.operationTimeI, c.hasOpTime
}

// UpdateUseTime marks the server session as used. Must be called whenever this
// session is used to send a command to the server.
func (c *Client) UpdateUseTime() error {
	if c.Terminated {
		return ErrSessionEnded
	}
	c.serverSession.updateUseTime()
	return nil
}

// TransactionState returns the state of the session's transaction.
func (c *Client) TransactionState() TransactionState {
	return c.state
}

// TransactionStarting returns true if the session is starting a transaction.
func (c *Client) TransactionStarting() bool {
	return c.state == Starting
}

// TransactionRunning returns true if the session has a transaction in
// flight, started or in progress.
func (c *Client) TransactionRunning() bool {
	return c.state == Starting || c.state == InProgress
}

// StartTransaction initializes the transaction state. The transaction number
// strictly increases per session and is never reused.
func (c *Client) StartTransaction() error {
	if c.Terminated {
		return ErrSessionEnded
	}
	if c.TransactionRunning() {
		return ErrTransactInProgress
	}

	c.TxnNumber++
	c.state = Starting
	return nil
}

// ApplyCommand advances the state machine based on a command executing.
func (c *Client) ApplyCommand() {
	if c.state == Starting {
		c.state = InProgress
	}
}

// CommitTransaction transitions the transaction to committed and unpins its
// connection.
func (c *Client) CommitTransaction() error {
	if !c.TransactionRunning() {
		return ErrNoTransactStarted
	}
	c.state = Committed
	c.PinnedConnection = nil
	return nil
}

// AbortTransaction transitions the transaction to aborted and unpins its
// connection.
func (c *Client) AbortTransaction() error {
	if !c.TransactionRunning() {
		return ErrNoTransactStarted
	}
	c.state = Aborted
	c.PinnedConnection = nil
	return nil
}

// TransitionAborted forces the transaction into the aborted state. Used when a
// command inside the transaction fails with a transient error.
func (c *Client) TransitionAborted() {
	if c.TransactionRunning() {
		c.state = Aborted
		c.PinnedConnection = nil
	}
}

// EndSession ends the session and returns the server session to the pool.
func (c *Client) EndSession() {
	if c.Terminated {
		return
	}

	c.Terminated = true
	c.PinnedConnection = nil
	c.pool.ReturnSession(c.serverSession)
}
