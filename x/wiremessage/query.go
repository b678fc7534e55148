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

// Query represents the OP_QUERY message of the MongoDB wire protocol.
type Query struct {
	MsgHeader            Header
	Flags                QueryFlag
	FullCollectionName   string
	NumberToSkip         int32
	NumberToReturn       int32
	Query                bsoncore.Document
	ReturnFieldsSelector bsoncore.Document
}

// QueryFlag represents the flags on an OP_QUERY message.
type QueryFlag int32

// These constants represent the individual flags on an OP_QUERY message.
const (
	_ QueryFlag = 1 << iota
	TailableCursor
	SecondaryOK
	OplogReplay
	NoCursorTimeout
	AwaitData
	Exhaust
	Partial
)

// MarshalWireMessage implements the Marshaler and WireMessage interfaces.
func (q Query) MarshalWireMessage() ([]byte, error) {
	b := make([]byte, 0, q.Len())
	return q.AppendWireMessage(b)
}

// ValidateWireMessage implements the Validator and WireMessage interfaces.
func (q Query) ValidateWireMessage() error {
	if int(q.MsgHeader.MessageLength) != q.Len() {
		return errors.New("incorrect header: message length is not correct")
	}
	if q.MsgHeader.OpCode != OpQuery {
		return errors.New("incorrect header: op code is not OpQuery")
	}
	if len(q.Query) == 0 {
		return errors.New("query document cannot be empty")
	}

	return nil
}

// AppendWireMessage implements the Appender and WireMessage interfaces.
//
// AppendWireMessage will set the MessageLength and OpCode properties of the
// MsgHeader.
func (q Query) AppendWireMessage(b []byte) ([]byte, error) {
	q.MsgHeader.MessageLength = int32(q.Len())
	q.MsgHeader.OpCode = OpQuery

	b = q.MsgHeader.AppendHeader(b)
	b = appendInt32(b, int32(q.Flags))
	b = appendCString(b, q.FullCollectionName)
	b = appendInt32(b, q.NumberToSkip)
	b = appendInt32(b, q.NumberToReturn)
	b = append(b, q.Query...)
	b = append(b, q.ReturnFieldsSelector...)

	return b, nil
}

// String implements the fmt.Stringer interface.
func (q Query) String() string {
	return fmt.Sprintf(
		`OP_QUERY{MsgHeader: %s, Flags: %d, FullCollectionname: %s, NumberToSkip: %d, NumberToReturn: %d, Query: %s}`,
		q.MsgHeader, q.Flags, q.FullCollectionName, q.NumberToSkip, q.NumberToReturn, q.Query,
	)
}

// Len implements the WireMessage interface.
func (q Query) Len() int {
	// Header + Flags + CollectionName + Null Terminator + Skip + Return + Query + Selector
	return HeaderSize + 4 + len(q.FullCollectionName) + 1 + 4 + 4 + len(q.Query) + len(q.ReturnFieldsSelector)
}

// RequestID returns the request id from the header.
func (q Query) RequestID() int32 { return q.MsgHeader.RequestID }

// UnmarshalWireMessage implements the Unmarshaler interface.
func (q *Query) UnmarshalWireMessage(b []byte) error {
	var err error
	q.MsgHeader, err = ReadHeader(b, 0)
	if err != nil {
		return err
	}
	if len(b) < int(q.MsgHeader.MessageLength) {
		return errors.New("invalid OP_QUERY: short message")
	}

	q.Flags = QueryFlag(readInt32(b, HeaderSize))

	pos := int32(HeaderSize + 4)
	q.FullCollectionName, err = readCString(b, pos)
	if err != nil {
		return err
	}
	pos += int32(len(q.FullCollectionName)) + 1

	q.NumberToSkip = readInt32(b, pos)
	pos += 4
	q.NumberToReturn = readInt32(b, pos)
	pos += 4

	doc, rem, ok := bsoncore.ReadDocument(b[pos:q.MsgHeader.MessageLength])
	if !ok {
		return errors.New("invalid OP_QUERY: malformed query document")
	}
	q.Query = doc

	if len(rem) > 0 {
		doc, _, ok = bsoncore.ReadDocument(rem)
		if !ok {
			return errors.New("invalid OP_QUERY: malformed return fields selector")
		}
		q.ReturnFieldsSelector = doc
	}

	return nil
}
