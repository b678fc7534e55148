// Copyright (C) MongoDB, Inc. 2018-present.
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

// CommitTransaction represents the commitTransaction command. It is always
// run against the admin database.
type CommitTransaction struct {
	Session *session.Client
	Clock   *session.ClusterClock
}

func (ct *CommitTransaction) encode() *Command {
	idx, cmd := bsoncore.AppendDocumentStart(nil)
	cmd = bsoncore.AppendInt32Element(cmd, "commitTransaction", 1)
	cmd, _ = bsoncore.AppendDocumentEnd(cmd, idx)

	return &Command{
		DB:      "admin",
		Command: cmd,
		Session: ct.Session,
		Clock:   ct.Clock,
	}
}

// Encode will encode this command into a wire message for the given server
// description.
func (ct *CommitTransaction) Encode(desc description.Server) (wiremessage.WireMessage, error) {
	return ct.encode().Encode(desc)
}

// RoundTrip handles the execution of this command using the provided
// connection.
func (ct *CommitTransaction) RoundTrip(ctx context.Context, desc description.Server, rt wiremessage.RoundTripper) (bsoncore.Document, error) {
	return ct.encode().RoundTrip(ctx, desc, rt)
}

// AbortTransaction represents the abortTransaction command. It is always run
// against the admin database.
type AbortTransaction struct {
	Session *session.Client
	Clock   *session.ClusterClock
}

func (at *AbortTransaction) encode() *Command {
	idx, cmd := bsoncore.AppendDocumentStart(nil)
	cmd = bsoncore.AppendInt32Element(cmd, "abortTransaction", 1)
	cmd, _ = bsoncore.AppendDocumentEnd(cmd, idx)

	return &Command{
		DB:      "admin",
		Command: cmd,
		Session: at.Session,
		Clock:   at.Clock,
	}
}

// Encode will encode this command into a wire message for the given server
// description.
func (at *AbortTransaction) Encode(desc description.Server) (wiremessage.WireMessage, error) {
	return at.encode().Encode(desc)
}

// RoundTrip handles the execution of this command using the provided
// connection.
func (at *AbortTransaction) RoundTrip(ctx context.Context, desc description.Server, rt wiremessage.RoundTripper) (bsoncore.Document, error) {
	return at.encode().RoundTrip(ctx, desc, rt)
}
