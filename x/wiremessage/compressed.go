// Copyright (C) MongoDB, Inc. 2018-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package wiremessage

import (
	"errors"
	"fmt"
)

// Compressed represents the OP_COMPRESSED message of the MongoDB wire protocol.
type Compressed struct {
	MsgHeader         Header
	OriginalOpCode    OpCode
	UncompressedSize  int32
	CompressorID      CompressorID
	CompressedMessage []byte
}

// MarshalWireMessage implements the Marshaler and WireMessage interfaces.
func (c Compressed) MarshalWireMessage() ([]byte, error) {
	b := make([]byte, 0, c.Len())
	return c.AppendWireMessage(b)
}

// ValidateWireMessage implements the Validator and WireMessage interfaces.
func (c Compressed) ValidateWireMessage() error {
	if int(c.MsgHeader.MessageLength) != c.Len() {
		return errors.New("incorrect header: message length is not correct")
	}
	if c.MsgHeader.OpCode != OpCompressed {
		return errors.New("incorrect header: opcode is not OpCompressed")
	}
	if c.OriginalOpCode == OpCompressed {
		return errors.New("invalid OP_COMPRESSED: cannot nest compressed messages")
	}

	return nil
}

// AppendWireMessage implements the Appender and WireMessage interfaces.
//
// AppendWireMessage will set the MessageLength and OpCode properties of the
// MsgHeader.
func (c Compressed) AppendWireMessage(b []byte) ([]byte, error) {
	c.MsgHeader.MessageLength = int32(c.Len())
	c.MsgHeader.OpCode = OpCompressed

	b = c.MsgHeader.AppendHeader(b)
	b = appendInt32(b, int32(c.OriginalOpCode))
	b = appendInt32(b, c.UncompressedSize)
	b = append(b, byte(c.CompressorID))
	b = append(b, c.CompressedMessage...)

	return b, nil
}

// String implements the fmt.Stringer interface.
func (c Compressed) String() string {
	return fmt.Sprintf(
		`OP_COMPRESSED{MsgHeader: %s, OriginalOpCode: %v, UncompressedSize: %d, CompressorID: %d}`,
		c.MsgHeader, c.OriginalOpCode, c.UncompressedSize, c.CompressorID,
	)
}

// Len implements the WireMessage interface.
func (c Compressed) Len() int {
	// Header + OriginalOpCode + UncompressedSize + CompressorID + CompressedMessage
	return HeaderSize + 4 + 4 + 1 + len(c.CompressedMessage)
}

// RequestID returns the request id from the header.
func (c Compressed) RequestID() int32 { return c.MsgHeader.RequestID }

// UnmarshalWireMessage implements the Unmarshaler interface.
func (c *Compressed) UnmarshalWireMessage(b []byte) error {
	var err error
	c.MsgHeader, err = ReadHeader(b, 0)
	if err != nil {
		return err
	}
	if c.MsgHeader.MessageLength < int32(HeaderSize+9) {
		return errors.New("invalid OP_COMPRESSED: header length too small")
	}
	if len(b) < int(c.MsgHeader.MessageLength) {
		return errors.New("invalid OP_COMPRESSED: short message")
	}

	c.OriginalOpCode = OpCode(readInt32(b, HeaderSize))
	c.UncompressedSize = readInt32(b, HeaderSize+4)
	c.CompressorID = CompressorID(b[HeaderSize+8])
	c.CompressedMessage = b[HeaderSize+9 : c.MsgHeader.MessageLength]

	return nil
}
