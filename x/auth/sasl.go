// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"context"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/fuzed-innovations/MongoKitten/x/command"
	"github.com/fuzed-innovations/MongoKitten/x/description"
	"github.com/fuzed-innovations/MongoKitten/x/wiremessage"
)

// SaslClient is the client piece of a sasl conversation.
type SaslClient interface {
	Start() (string, []byte, error)
	Next(challenge []byte) ([]byte, error)
	Completed() bool
}

// SaslClientCloser is a SaslClient that has resources to clean up.
type SaslClientCloser interface {
	SaslClient
	Close()
}

type saslResponse struct {
	conversationID int64
	code           int64
	done           bool
	payload        []byte
}

func decodeSaslResponse(rdr bsoncore.Document) (saslResponse, error) {
	var resp saslResponse

	elems, err := rdr.Elements()
	if err != nil {
		return resp, newAuthError("malformed sasl reply", err)
	}

	for _, elem := range elems {
		switch elem.Key() {
		case "conversationId":
			// conversationId may arrive as int32 or int64.
			if id, ok := command.Int64(elem.Value()); ok {
				resp.conversationID = id
			}
		case "code":
			if code, ok := command.Int64(elem.Value()); ok {
				resp.code = code
			}
		case "done":
			if done, ok := elem.Value().BooleanOK(); ok {
				resp.done = done
			}
		case "payload":
			if _, payload, ok := elem.Value().BinaryOK(); ok {
				resp.payload = payload
			}
		}
	}

	return resp, nil
}

// ConductSaslConversation runs a full sasl conversation over the provided
// connection. No session metadata is ever attached to the commands.
func ConductSaslConversation(ctx context.Context, desc description.Server, rt wiremessage.RoundTripper, db string, client SaslClient) error {
	if db == "" {
		db = defaultAuthDB
	}

	if closer, ok := client.(SaslClientCloser); ok {
		defer closer.Close()
	}

	mech, payload, err := client.Start()
	if err != nil {
		return newError(err, mech)
	}

	idx, saslStart := bsoncore.AppendDocumentStart(nil)
	saslStart = bsoncore.AppendInt32Element(saslStart, "saslStart", 1)
	saslStart = bsoncore.AppendStringElement(saslStart, "mechanism", mech)
	saslStart = bsoncore.AppendBinaryElement(saslStart, "payload", 0x00, payload)
	saslStart, _ = bsoncore.AppendDocumentEnd(saslStart, idx)

	rdr, err := (&command.Command{DB: db, Command: saslStart}).RoundTrip(ctx, desc, rt)
	if err != nil {
		return newError(err, mech)
	}

	resp, err := decodeSaslResponse(rdr)
	if err != nil {
		return newError(err, mech)
	}

	cid := resp.conversationID

	for {
		if resp.code != 0 {
			return newError(newAuthError("server returned error on sasl conversation", nil), mech)
		}

		if resp.done && client.Completed() {
			return nil
		}

		payload, err = client.Next(resp.payload)
		if err != nil {
			return newError(err, mech)
		}

		if resp.done && client.Completed() {
			return nil
		}

		idx, saslContinue := bsoncore.AppendDocumentStart(nil)
		saslContinue = bsoncore.AppendInt32Element(saslContinue, "saslContinue", 1)
		saslContinue = bsoncore.AppendInt64Element(saslContinue, "conversationId", cid)
		saslContinue = bsoncore.AppendBinaryElement(saslContinue, "payload", 0x00, payload)
		saslContinue, _ = bsoncore.AppendDocumentEnd(saslContinue, idx)

		rdr, err = (&command.Command{DB: db, Command: saslContinue}).RoundTrip(ctx, desc, rt)
		if err != nil {
			return newError(err, mech)
		}

		resp, err = decodeSaslResponse(rdr)
		if err != nil {
			return newError(err, mech)
		}

		// After the client side finished, one trailing empty saslContinue is
		// allowed; its reply must report done.
		if client.Completed() && !resp.done {
			return newError(newAuthError("sasl conversation did not complete", nil), mech)
		}
	}
}
