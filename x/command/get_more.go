// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package command

import (
	"context"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/fuzed-innovations/MongoKitten/x/description"
	"github.com/fuzed-innovations/MongoKitten/x/session"
	"github.com/fuzed-innovations/MongoKitten/x/wiremessage"
)

// GetMore represents the getMore command.
//
// The getMore command retrieves additional documents from a cursor.
type GetMore struct {
	ID        int64
	NS        Namespace
	BatchSize int32

	Session *session.Client
	Clock   *session.ClusterClock

	result bsoncore.Document
	err    error
}

func (gm *GetMore) encode() *Command {
	idx, cmd := bsoncore.AppendDocumentStart(nil)
	cmd = bsoncore.AppendInt64Element(cmd, "getMore", gm.ID)
	cmd = bsoncore.AppendStringElement(cmd, "collection", gm.NS.Collection)
	if gm.BatchSize > 0 {
		cmd = bsoncore.AppendInt32Element(cmd, "batchSize", gm.BatchSize)
	}
	cmd, _ = bsoncore.AppendDocumentEnd(cmd, idx)

	return &Command{
		DB:      gm.NS.DB,
		Command: cmd,
		Session: gm.Session,
		Clock:   gm.Clock,
	}
}

// Encode will encode this command into a wire message for the given server
// description.
func (gm *GetMore) Encode(desc description.Server) (wiremessage.WireMessage, error) {
	return gm.encode().Encode(desc)
}

// Decode will decode the wire message using the provided server description.
// Errors during decoding are deferred until either the Result or Err methods
// are called.
func (gm *GetMore) Decode(desc description.Server, wm wiremessage.WireMessage) *GetMore {
	cmd := &Command{Session: gm.Session, Clock: gm.Clock}
	gm.result, gm.err = cmd.Decode(desc, wm).Result()
	return gm
}

// Result returns the result of a decoded wire message and server description.
func (gm *GetMore) Result() (bsoncore.Document, error) {
	if gm.err != nil {
		return nil, gm.err
	}
	return gm.result, nil
}

// Err returns the error set on this command.
func (gm *GetMore) Err() error { return gm.err }

// RoundTrip handles the execution of this command using the provided
// connection.
func (gm *GetMore) RoundTrip(ctx context.Context, desc description.Server, rt wiremessage.RoundTripper) (bsoncore.Document, error) {
	return gm.encode().RoundTrip(ctx, desc, rt)
}
