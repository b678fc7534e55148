// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package wiremessage

import (
	"context"
	"errors"
	"fmt"
)

// WireMessage represents a message in the MongoDB wire protocol.
type WireMessage interface {
	Marshaler
	Validator
	Appender
	fmt.Stringer

	// Len returns the length in bytes of this WireMessage.
	Len() int
}

// Validator is the interface implemented by types that can validate
// themselves as a wire message.
type Validator interface {
	ValidateWireMessage() error
}

// Marshaler is the interface implemented by types that can marshal
// themselves into a valid wire message.
type Marshaler interface {
	MarshalWireMessage() ([]byte, error)
}

// Appender is the interface implemented by types that can append themselves,
// as a wire message, to the provided slice of bytes.
type Appender interface {
	AppendWireMessage([]byte) ([]byte, error)
}

// Unmarshaler is the interface implemented by types that can unmarshal a
// wire message version of themselves. The input can be assumed to be a valid
// wire message.
type Unmarshaler interface {
	UnmarshalWireMessage([]byte) error
}

// RoundTripper writes a request to the server and reads the matching reply.
// Implementations correlate the reply to the request by its responseTo field.
type RoundTripper interface {
	RoundTrip(ctx context.Context, wm WireMessage) (WireMessage, error)
}

// ErrInvalidHeader is returned when methods are called on a malformed Header.
var ErrInvalidHeader = errors.New("invalid header")

// ErrHeaderTooSmall is returned when the size of the header is too small to be valid.
var ErrHeaderTooSmall = errors.New("the header is too small to be valid")

// ErrHeaderTooLarge is returned when the size of the header is too large.
var ErrHeaderTooLarge = errors.New("the header is too large")

// ErrInvalidMessageLength is returned when the message length is too small to be valid.
var ErrInvalidMessageLength = errors.New("the message length is too small, it must be at least 16")

// ErrUnknownOpCode is returned when the opcode is not one this library knows.
type ErrUnknownOpCode OpCode

func (e ErrUnknownOpCode) Error() string {
	return fmt.Sprintf("opcode %d not implemented", int32(e))
}

// HeaderSize is the size of the header in a wire message.
const HeaderSize = 16

// Header represents the header of a MongoDB wire protocol message.
type Header struct {
	MessageLength int32
	RequestID     int32
	ResponseTo    int32
	OpCode        OpCode
}

// ReadHeader reads a header from the given slice of bytes starting at offset
// pos.
func ReadHeader(b []byte, pos int32) (Header, error) {
	if len(b) < int(pos)+HeaderSize {
		return Header{}, ErrHeaderTooSmall
	}

	return Header{
		MessageLength: readInt32(b, pos),
		RequestID:     readInt32(b, pos+4),
		ResponseTo:    readInt32(b, pos+8),
		OpCode:        OpCode(readInt32(b, pos+12)),
	}, nil
}

// AppendHeader appends the header to the given slice of bytes.
func (h Header) AppendHeader(b []byte) []byte {
	b = appendInt32(b, h.MessageLength)
	b = appendInt32(b, h.RequestID)
	b = appendInt32(b, h.ResponseTo)
	b = appendInt32(b, int32(h.OpCode))

	return b
}

func (h Header) String() string {
	return fmt.Sprintf(
		`Header{MessageLength: %d, RequestID: %d, ResponseTo: %d, OpCode: %v}`,
		h.MessageLength, h.RequestID, h.ResponseTo, h.OpCode,
	)
}

// OpCode represents a MongoDB wire protocol opcode.
type OpCode int32

// These constants are the valid opcodes for the version of the wire protocol
// supported by this library.
const (
	OpReply      OpCode = 1
	OpQuery      OpCode = 2004
	OpCompressed OpCode = 2012
	OpMsg        OpCode = 2013
)

// String implements the fmt.Stringer interface.
func (oc OpCode) String() string {
	switch oc {
	case OpReply:
		return "OP_REPLY"
	case OpQuery:
		return "OP_QUERY"
	case OpCompressed:
		return "OP_COMPRESSED"
	case OpMsg:
		return "OP_MSG"
	default:
		return "<invalid opcode>"
	}
}

// CompressorID is the ID for each type of compressor.
type CompressorID uint8

// These constants represent the individual compressor IDs for an OP_COMPRESSED.
const (
	CompressorNoOp CompressorID = iota
	CompressorSnappy
	CompressorZLib
)

func appendInt32(b []byte, i int32) []byte {
	return append(b, byte(i), byte(i>>8), byte(i>>16), byte(i>>24))
}

func appendInt64(b []byte, i int64) []byte {
	return append(b, byte(i), byte(i>>8), byte(i>>16), byte(i>>24),
		byte(i>>32), byte(i>>40), byte(i>>48), byte(i>>56))
}

func appendCString(b []byte, s string) []byte {
	b = append(b, s...)
	return append(b, 0x00)
}

func readInt32(b []byte, pos int32) int32 {
	return (int32(b[pos])) | (int32(b[pos+1]) << 8) | (int32(b[pos+2]) << 16) | (int32(b[pos+3]) << 24)
}

func readInt64(b []byte, pos int32) int64 {
	return (int64(b[pos])) | (int64(b[pos+1]) << 8) | (int64(b[pos+2]) << 16) | (int64(b[pos+3]) << 24) |
		(int64(b[pos+4]) << 32) | (int64(b[pos+5]) << 40) | (int64(b[pos+6]) << 48) | (int64(b[pos+7]) << 56)
}

func readCString(b []byte, pos int32) (string, error) {
	null := int32(-1)
	for i := pos; i < int32(len(b)); i++ {
		if b[i] == 0x00 {
			null = i
			break
		}
	}
	if null == -1 {
		return "", errors.New("c string missing null terminator")
	}
	return string(b[pos:null]), nil
}
