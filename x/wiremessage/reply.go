// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package wiremessage

import (
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

// Reply represents the OP_REPLY message of the MongoDB wire protocol.
type Reply struct {
	MsgHeader      Header
	ResponseFlags  ReplyFlag
	CursorID       int64
	StartingFrom   int32
	NumberReturned int32
	Documents      []bsoncore.Document
}

// ReplyFlag represents the flags on an OP_REPLY message.
type ReplyFlag int32

// These constants represent the individual flags on an OP_REPLY message.
const (
	CursorNotFound ReplyFlag = 1 << iota
	QueryFailure
	ShardConfigStale
	AwaitCapable
)

// MarshalWireMessage implements the Marshaler and WireMessage interfaces.
func (r Reply) MarshalWireMessage() ([]byte, error) {
	b := make([]byte, 0, r.Len())
	return r.AppendWireMessage(b)
}

// ValidateWireMessage implements the Validator and WireMessage interfaces.
func (r Reply) ValidateWireMessage() error {
	if int(r.MsgHeader.MessageLength) != r.Len() {
		return errors.New("incorrect header: message length is not correct")
	}
	if r.MsgHeader.OpCode != OpReply {
		return errors.New("incorrect header: op code is not OpReply")
	}

	return nil
}

// AppendWireMessage implements the Appender and WireMessage interfaces.
//
// AppendWireMessage will set the MessageLength and OpCode properties of the
// MsgHeader.
func (r Reply) AppendWireMessage(b []byte) ([]byte, error) {
	r.MsgHeader.MessageLength = int32(r.Len())
	r.MsgHeader.OpCode = OpReply

	b = r.MsgHeader.AppendHeader(b)
	b = appendInt32(b, int32(r.ResponseFlags))
	b = appendInt64(b, r.CursorID)
	b = appendInt32(b, r.StartingFrom)
	b = appendInt32(b, r.NumberReturned)
	for _, doc := range r.Documents {
		b = append(b, doc...)
	}

	return b, nil
}

// String implements the fmt.Stringer interface.
func (r Reply) String() string {
	return fmt.Sprintf(
		`OP_REPLY{MsgHeader: %s, ResponseFlags: %d, CursorID: %d, StartingFrom: %d, NumberReturned: %d, Documents: %v}`,
		r.MsgHeader, r.ResponseFlags, r.CursorID, r.StartingFrom, r.NumberReturned, r.Documents,
	)
}

// Len implements the WireMessage interface.
func (r Reply) Len() int {
	// Header + Flags + CursorID + StartingFrom + NumberReturned + Length of documents
	length := HeaderSize + 4 + 8 + 4 + 4
	for _, doc := range r.Documents {
		length += len(doc)
	}
	return length
}

// RequestID returns the request id from the header.
func (r Reply) RequestID() int32 { return r.MsgHeader.RequestID }

// UnmarshalWireMessage implements the Unmarshaler interface.
func (r *Reply) UnmarshalWireMessage(b []byte) error {
	var err error
	r.MsgHeader, err = ReadHeader(b, 0)
	if err != nil {
		return err
	}
	if r.MsgHeader.MessageLength < int32(HeaderSize+20) {
		return errors.New("invalid OP_REPLY: header length too small")
	}
	if len(b) < int(r.MsgHeader.MessageLength) {
		return errors.New("invalid OP_REPLY: short message")
	}

	r.ResponseFlags = ReplyFlag(readInt32(b, 16))
	r.CursorID = readInt64(b, 20)
	r.StartingFrom = readInt32(b, 28)
	r.NumberReturned = readInt32(b, 32)
	r.Documents = r.Documents[:0]

	rem := b[36:r.MsgHeader.MessageLength]
	for len(rem) > 0 {
		var doc bsoncore.Document
		var ok bool
		doc, rem, ok = bsoncore.ReadDocument(rem)
		if !ok {
			return errors.New("invalid OP_REPLY: malformed document")
		}
		r.Documents = append(r.Documents, doc)
	}

	if int(r.NumberReturned) != len(r.Documents) {
		return errors.New("invalid OP_REPLY: numberReturned does not match number of documents")
	}

	return nil
}

// GetMainDocument returns the first document of this reply.
func (r *Reply) GetMainDocument() (bsoncore.Document, error) {
	if len(r.Documents) == 0 {
		return nil, errors.New("OP_REPLY contains no documents")
	}
	return r.Documents[0], nil
}
