// Copyright (C) MongoDB, Inc. 2018-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package command

import (
	"context"
	"strconv"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/fuzed-innovations/MongoKitten/x/description"
	"github.com/fuzed-innovations/MongoKitten/x/session"
	"github.com/fuzed-innovations/MongoKitten/x/wiremessage"
)

// EndSessionsBatchSize is the max number of sessions to be included in one
// endSessions command.
const EndSessionsBatchSize = 10000

// EndSessions represents an endSessions command. It is sent to the admin
// database at client shutdown to let the server reap the sessions eagerly.
type EndSessions struct {
	Clock      *session.ClusterClock
	SessionIDs []bsoncore.Document

	errors []error
}

func (es *EndSessions) split() [][]bsoncore.Document {
	var batches [][]bsoncore.Document

	for start := 0; start < len(es.SessionIDs); start += EndSessionsBatchSize {
		end := start + EndSessionsBatchSize
		if end > len(es.SessionIDs) {
			end = len(es.SessionIDs)
		}
		batches = append(batches, es.SessionIDs[start:end])
	}

	return batches
}

func (es *EndSessions) encodeBatch(batch []bsoncore.Document) *Command {
	idx, cmd := bsoncore.AppendDocumentStart(nil)

	aidx, cmd := bsoncore.AppendArrayElementStart(cmd, "endSessions")
	for i, id := range batch {
		cmd = bsoncore.AppendDocumentElement(cmd, strconv.Itoa(i), id)
	}
	cmd, _ = bsoncore.AppendArrayEnd(cmd, aidx)

	cmd, _ = bsoncore.AppendDocumentEnd(cmd, idx)

	return &Command{DB: "admin", Command: cmd, Clock: es.Clock}
}

// Encode will encode this command into a series of wire messages for the
// given server description.
func (es *EndSessions) Encode(desc description.Server) ([]wiremessage.WireMessage, error) {
	batches := es.split()
	wms := make([]wiremessage.WireMessage, 0, len(batches))

	for _, batch := range batches {
		wm, err := es.encodeBatch(batch).Encode(desc)
		if err != nil {
			return nil, err
		}
		wms = append(wms, wm)
	}

	return wms, nil
}

// RoundTrip handles the execution of this command using the provided
// connection. Any errors are collected; ending sessions is best effort.
func (es *EndSessions) RoundTrip(ctx context.Context, desc description.Server, rt wiremessage.RoundTripper) []error {
	for _, batch := range es.split() {
		_, err := es.encodeBatch(batch).RoundTrip(ctx, desc, rt)
		if err != nil {
			es.errors = append(es.errors, err)
		}
	}

	return es.errors
}
