// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package command

import (
	"context"
	"strconv"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/fuzed-innovations/MongoKitten/x/description"
	"github.com/fuzed-innovations/MongoKitten/x/wiremessage"
)

// IsMaster represents the isMaster command.
//
// The isMaster command is used for setting up a connection to MongoDB and for
// monitoring a server.
type IsMaster struct {
	Client      bsoncore.Document
	Compressors []string

	result IsMasterResult
	err    error
}

// IsMasterResult is the result of executing this command.
type IsMasterResult struct {
	OK                           float64  `bson:"ok"`
	IsMaster                     bool     `bson:"ismaster"`
	MaxBSONObjectSize            uint32   `bson:"maxBsonObjectSize"`
	MaxMessageSizeBytes          uint32   `bson:"maxMessageSizeBytes"`
	MaxWriteBatchSize            uint32   `bson:"maxWriteBatchSize"`
	LogicalSessionTimeoutMinutes uint32   `bson:"logicalSessionTimeoutMinutes"`
	MinWireVersion               int32    `bson:"minWireVersion"`
	MaxWireVersion               int32    `bson:"maxWireVersion"`
	Compression                  []string `bson:"compression"`
	ReadOnly                     bool     `bson:"readOnly"`
}

// Encode will encode this command into a wire message. The handshake always uses the legacy opcode; the wire version
// is not known until the reply arrives.
func (im *IsMaster) Encode() (wiremessage.WireMessage, error) {
	idx, cmd := bsoncore.AppendDocumentStart(nil)
	cmd = bsoncore.AppendInt32Element(cmd, "isMaster", 1)
	if im.Client != nil {
		cmd = bsoncore.AppendDocumentElement(cmd, "client", im.Client)
	}

	cidx, cmd := bsoncore.AppendArrayElementStart(cmd, "compression")
	for i, compressor := range im.Compressors {
		cmd = bsoncore.AppendStringElement(cmd, strconv.Itoa(i), compressor)
	}
	cmd, _ = bsoncore.AppendArrayEnd(cmd, cidx)

	cmd, _ = bsoncore.AppendDocumentEnd(cmd, idx)

	return wiremessage.Query{
		Flags:              wiremessage.SecondaryOK,
		FullCollectionName: "admin.$cmd",
		NumberToReturn:     -1,
		Query:              cmd,
	}, nil
}

// Decode will decode the wire message. Errors during decoding are deferred until either the Result or Err methods
// are called.
func (im *IsMaster) Decode(wm wiremessage.WireMessage) *IsMaster {
	rdr, err := (&Command{}).Decode(description.Server{}, wm).Result()
	if err != nil {
		im.err = err
		return im
	}

	if err := bson.Unmarshal(rdr, &im.result); err != nil {
		im.err = NewCommandResponseError("unable to decode isMaster reply", err)
		return im
	}

	return im
}

// Result returns the result of a decoded wire message and server description.
func (im *IsMaster) Result() (IsMasterResult, error) {
	if im.err != nil {
		return IsMasterResult{}, im.err
	}
	return im.result, nil
}

// Err returns the error set on this command.
func (im *IsMaster) Err() error { return im.err }

// RoundTrip handles the execution of this command using the provided
// connection.
func (im *IsMaster) RoundTrip(ctx context.Context, rt wiremessage.RoundTripper) (IsMasterResult, error) {
	wm, err := im.Encode()
	if err != nil {
		return IsMasterResult{}, err
	}

	wm, err = rt.RoundTrip(ctx, wm)
	if err != nil {
		return IsMasterResult{}, err
	}

	return im.Decode(wm).Result()
}
