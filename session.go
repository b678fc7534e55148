// Copyright (C) MongoDB, Inc. 2018-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package mongokitten

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/fuzed-innovations/MongoKitten/x/driver"
	"github.com/fuzed-innovations/MongoKitten/x/session"
)

// Session is an explicit logical session. Commands run through the same
// session are causally consistent, and a session carries at most one
// transaction at a time.
type Session struct {
	client *Client
	sess   *session.Client
}

// RunCommand runs a command against the given database on this session.
func (s *Session) RunCommand(ctx context.Context, db string, cmd interface{}) (bson.Raw, error) {
	doc, err := marshalCommand(cmd)
	if err != nil {
		return nil, err
	}

	rdr, err := s.client.dispatcher.Command(ctx, db, doc, s.sess)
	if err != nil {
		return nil, err
	}
	return bson.Raw(rdr), nil
}

// RunCursorCommand runs a cursor-producing command on this session. The
// cursor must be exhausted or closed before the session ends.
func (s *Session) RunCursorCommand(ctx context.Context, db string, cmd interface{}, batchSize int32) (*driver.Cursor, error) {
	doc, err := marshalCommand(cmd)
	if err != nil {
		return nil, err
	}
	return s.client.dispatcher.RunCursorCommand(ctx, db, doc, s.sess, batchSize)
}

// StartTransaction begins a transaction on this session.
func (s *Session) StartTransaction() error {
	return s.client.dispatcher.StartTransaction(s.sess)
}

// CommitTransaction commits the session's transaction.
func (s *Session) CommitTransaction(ctx context.Context) error {
	return s.client.dispatcher.CommitTransaction(ctx, s.sess)
}

// AbortTransaction aborts the session's transaction.
func (s *Session) AbortTransaction(ctx context.Context) error {
	return s.client.dispatcher.AbortTransaction(ctx, s.sess)
}

// TransactionState returns the state of the session's transaction.
func (s *Session) TransactionState() session.TransactionState {
	return s.sess.TransactionState()
}

// EndSession ends the session and returns its server session to the pool.
func (s *Session) EndSession() {
	s.sess.EndSession()
}
