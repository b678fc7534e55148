// Copyright (C) MongoDB, Inc. 2018-present.
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

// Msg represents the OP_MSG message of the MongoDB wire protocol.
type Msg struct {
	MsgHeader Header
	FlagBits  MsgFlag
	Sections  []Section
	Checksum  uint32
}

// MsgFlag represents the flags on an OP_MSG message.
type MsgFlag uint32

// These constants represent the individual flags on an OP_MSG message.
const (
	ChecksumPresent MsgFlag = 1 << iota
	MoreToCome

	ExhaustAllowed MsgFlag = 1 << 16
)

// Section represents a section on an OP_MSG message.
type Section interface {
	Kind() SectionType
	Len() int
	append([]byte) []byte
}

// SectionType represents the type for 1 section in an OP_MSG.
type SectionType uint8

// These constants represent the individual section types for a section in an OP_MSG.
const (
	SingleDocument SectionType = iota
	DocumentSequence
)

// SectionBody represents the kind body of an OP_MSG message.
type SectionBody struct {
	Document bsoncore.Document
}

// Kind implements the Section interface.
func (sb SectionBody) Kind() SectionType {
	return SingleDocument
}

// Len implements the Section interface.
func (sb SectionBody) Len() int {
	return 1 + len(sb.Document) // kind byte + document
}

func (sb SectionBody) append(b []byte) []byte {
	b = append(b, byte(SingleDocument))
	return append(b, sb.Document...)
}

// SectionDocumentSequence represents the kind document sequence of an OP_MSG message.
type SectionDocumentSequence struct {
	Size       int32
	Identifier string
	Documents  []bsoncore.Document
}

// Kind implements the Section interface.
func (sds SectionDocumentSequence) Kind() SectionType {
	return DocumentSequence
}

// Len implements the Section interface.
func (sds SectionDocumentSequence) Len() int {
	// kind byte + payload length + identifier + null byte + documents
	return 1 + sds.PayloadLen()
}

// PayloadLen returns the length of the payload of this section, which is the
// size that goes over the wire.
func (sds SectionDocumentSequence) PayloadLen() int {
	total := 4 + len(sds.Identifier) + 1
	for _, doc := range sds.Documents {
		total += len(doc)
	}
	return total
}

func (sds SectionDocumentSequence) append(b []byte) []byte {
	b = append(b, byte(DocumentSequence))
	b = appendInt32(b, int32(sds.PayloadLen()))
	b = appendCString(b, sds.Identifier)
	for _, doc := range sds.Documents {
		b = append(b, doc...)
	}
	return b
}

// MarshalWireMessage implements the Marshaler and WireMessage interfaces.
func (m Msg) MarshalWireMessage() ([]byte, error) {
	b := make([]byte, 0, m.Len())
	return m.AppendWireMessage(b)
}

// ValidateWireMessage implements the Validator and WireMessage interfaces.
func (m Msg) ValidateWireMessage() error {
	if int(m.MsgHeader.MessageLength) != m.Len() {
		return errors.New("incorrect header: message length is not correct")
	}
	if m.MsgHeader.OpCode != OpMsg {
		return errors.New("incorrect header: opcode is not OpMsg")
	}

	return nil
}

// AppendWireMessage implements the Appender and WireMessage interfaces.
//
// AppendWireMessage will set the MessageLength and OpCode properties of the
// MsgHeader.
func (m Msg) AppendWireMessage(b []byte) ([]byte, error) {
	var err error
	m.MsgHeader.MessageLength = int32(m.Len())
	m.MsgHeader.OpCode = OpMsg

	b = m.MsgHeader.AppendHeader(b)
	b = appendInt32(b, int32(m.FlagBits))

	for _, section := range m.Sections {
		b = section.append(b)
	}

	if m.FlagBits&ChecksumPresent > 0 {
		b = appendInt32(b, int32(m.Checksum))
	}

	return b, err
}

// String implements the fmt.Stringer interface.
func (m Msg) String() string {
	return fmt.Sprintf(`OP_MSG{MsgHeader: %s, FlagBits: %d, Sections: %v}`, m.MsgHeader, m.FlagBits, m.Sections)
}

// Len implements the WireMessage interface.
func (m Msg) Len() int {
	length := HeaderSize + 4 // flags
	for _, section := range m.Sections {
		length += section.Len()
	}
	if m.FlagBits&ChecksumPresent > 0 {
		length += 4
	}
	return length
}

// RequestID returns the request id from the header.
func (m Msg) RequestID() int32 { return m.MsgHeader.RequestID }

// UnmarshalWireMessage implements the Unmarshaler interface.
func (m *Msg) UnmarshalWireMessage(b []byte) error {
	var err error
	m.MsgHeader, err = ReadHeader(b, 0)
	if err != nil {
		return err
	}
	if m.MsgHeader.MessageLength < int32(HeaderSize+4) {
		return errors.New("invalid OP_MSG: header length too small")
	}
	if len(b) < int(m.MsgHeader.MessageLength) {
		return errors.New("invalid OP_MSG: short message")
	}

	m.FlagBits = MsgFlag(readInt32(b, HeaderSize))

	pos := int32(HeaderSize + 4)
	end := m.MsgHeader.MessageLength
	if m.FlagBits&ChecksumPresent > 0 {
		end -= 4
	}

	m.Sections = m.Sections[:0]
	for pos < end {
		sectionType := SectionType(b[pos])
		pos++

		switch sectionType {
		case SingleDocument:
			if int(pos)+4 > len(b) {
				return errors.New("invalid OP_MSG: truncated body section")
			}
			docLen := readInt32(b, pos)
			if docLen < 5 || pos+docLen > end {
				return errors.New("invalid OP_MSG: malformed body section")
			}
			m.Sections = append(m.Sections, SectionBody{
				Document: bsoncore.Document(b[pos : pos+docLen]),
			})
			pos += docLen
		case DocumentSequence:
			if int(pos)+4 > len(b) {
				return errors.New("invalid OP_MSG: truncated document sequence")
			}
			payloadLen := readInt32(b, pos)
			if payloadLen < 5 || pos+payloadLen > end {
				return errors.New("invalid OP_MSG: malformed document sequence")
			}
			sds := SectionDocumentSequence{Size: payloadLen}
			seqEnd := pos + payloadLen
			pos += 4

			sds.Identifier, err = readCString(b, pos)
			if err != nil {
				return err
			}
			pos += int32(len(sds.Identifier)) + 1

			for pos < seqEnd {
				docLen := readInt32(b, pos)
				if docLen < 5 || pos+docLen > seqEnd {
					return errors.New("invalid OP_MSG: malformed document in sequence")
				}
				sds.Documents = append(sds.Documents, bsoncore.Document(b[pos:pos+docLen]))
				pos += docLen
			}
			m.Sections = append(m.Sections, sds)
		default:
			return fmt.Errorf("invalid OP_MSG: unknown section type %d", sectionType)
		}
	}

	if m.FlagBits&ChecksumPresent > 0 {
		m.Checksum = uint32(readInt32(b, end))
	}

	return nil
}

// GetMainDocument returns the document contained in the first section of type
// SingleDocument.
func (m *Msg) GetMainDocument() (bsoncore.Document, error) {
	for _, section := range m.Sections {
		if body, ok := section.(SectionBody); ok {
			return body.Document, nil
		}
	}
	return nil, errors.New("OP_MSG contains no body section")
}
