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

// KillCursors represents the killCursors command.
//
// The killCursors command kills a set of cursors.
type KillCursors struct {
	NS  Namespace
	IDs []int64

	result KillCursorsResult
	err    error
}

// KillCursorsResult is the result of executing a killCursors command.
type KillCursorsResult struct {
	CursorsKilled   []int64 `bson:"cursorsKilled"`
	CursorsNotFound []int64 `bson:"cursorsNotFound"`
	CursorsAlive    []int64 `bson:"cursorsAlive"`
}

func (kc *KillCursors) encode() *Command {
	idx, cmd := bsoncore.AppendDocumentStart(nil)
	cmd = bsoncore.AppendStringElement(cmd, "killCursors", kc.NS.Collection)

	aidx, cmd := bsoncore.AppendArrayElementStart(cmd, "cursors")
	for i, id := range kc.IDs {
		cmd = bsoncore.AppendInt64Element(cmd, strconv.Itoa(i), id)
	}
	cmd, _ = bsoncore.AppendArrayEnd(cmd, aidx)

	cmd, _ = bsoncore.AppendDocumentEnd(cmd, idx)

	return &Command{DB: kc.NS.DB, Command: cmd}
}

// Encode will encode this command into a wire message for the given server
// description.
func (kc *KillCursors) Encode(desc description.Server) (wiremessage.WireMessage, error) {
	return kc.encode().Encode(desc)
}

// Decode will decode the wire message using the provided server description.
// Errors during decoding are deferred until either the Result or Err methods
// are called.
func (kc *KillCursors) Decode(desc description.Server, wm wiremessage.WireMessage) *KillCursors {
	rdr, err := (&Command{}).Decode(desc, wm).Result()
	if err != nil {
		kc.err = err
		return kc
	}

	if err := bson.Unmarshal(rdr, &kc.result); err != nil {
		kc.err = NewCommandResponseError("unable to decode killCursors reply", err)
		return kc
	}
	return kc
}

// Result returns the result of a decoded wire message and server description.
func (kc *KillCursors) Result() (KillCursorsResult, error) {
	if kc.err != nil {
		return KillCursorsResult{}, kc.err
	}
	return kc.result, nil
}

// Err returns the error set on this command.
func (kc *KillCursors) Err() error { return kc.err }

// RoundTrip handles the execution of this command using the provided
// connection.
func (kc *KillCursors) RoundTrip(ctx context.Context, desc description.Server, rt wiremessage.RoundTripper) (KillCursorsResult, error) {
	wm, err := kc.Encode(desc)
	if err != nil {
		return KillCursorsResult{}, err
	}

	wm, err = rt.RoundTrip(ctx, wm)
	if err != nil {
		return KillCursorsResult{}, err
	}

	return kc.Decode(desc, wm).Result()
}
