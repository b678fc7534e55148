// Copyright (C) MongoDB, Inc. 2018-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package testutil provides an in-process wire protocol server for driver
// tests. It speaks just enough OP_QUERY/OP_REPLY and OP_MSG to stand in for
// a mongod behind a net.Pipe.
package testutil

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/fuzed-innovations/MongoKitten/x/wiremessage"
)

// Response tells the server how to answer one command.
type Response struct {
	// Doc is the reply body. When nil, the server answers {ok: 1}.
	Doc bsoncore.Document
	// Silent suppresses the reply entirely; the client is left waiting.
	Silent bool
	// CloseConn drops the connection without replying.
	CloseConn bool
	// ResponseTo overrides the responseTo header field, to exercise the
	// client's correlation checks.
	ResponseTo *int32
}

// Handler produces a response for a command by name. Returning nil falls
// back to the server defaults: a full isMaster reply and {ok: 1} for
// everything else.
type Handler func(name string, cmd bsoncore.Document) *Response

// Server is an in-process fake. Its Dialer hands out net.Pipe connections
// served by a goroutine each.
type Server struct {
	Handle Handler

	// MaxWireVersion advertised in the default isMaster reply.
	MaxWireVersion int32

	dials    int64
	mu       sync.Mutex
	commands []string
}

// NewServer creates a fake server with a wire version that selects OP_MSG.
func NewServer(handle Handler) *Server {
	return &Server{Handle: handle, MaxWireVersion: 7}
}

// DialContext implements the connection Dialer contract.
func (s *Server) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	atomic.AddInt64(&s.dials, 1)
	client, server := net.Pipe()
	go s.serve(server)
	return client, nil
}

// Dials reports how many connections have been dialed.
func (s *Server) Dials() int64 {
	return atomic.LoadInt64(&s.dials)
}

// Commands returns the names of all commands the server has received.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.commands))
	copy(out, s.commands)
	return out
}

func (s *Server) record(name string) {
	s.mu.Lock()
	s.commands = append(s.commands, name)
	s.mu.Unlock()
}

func (s *Server) serve(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	for {
		frame, err := readFrame(conn)
		if err != nil {
			return
		}

		hdr, err := wiremessage.ReadHeader(frame, 0)
		if err != nil {
			return
		}

		var body bsoncore.Document
		var legacy bool
		switch hdr.OpCode {
		case wiremessage.OpQuery:
			var q wiremessage.Query
			if err := q.UnmarshalWireMessage(frame); err != nil {
				return
			}
			body = q.Query
			legacy = true
		case wiremessage.OpMsg:
			var m wiremessage.Msg
			if err := m.UnmarshalWireMessage(frame); err != nil {
				return
			}
			body, err = m.GetMainDocument()
			if err != nil {
				return
			}
		default:
			return
		}

		name := commandName(body)
		s.record(name)

		resp := s.response(name, body)
		if resp.CloseConn {
			return
		}
		if resp.Silent {
			continue
		}

		doc := resp.Doc
		if doc == nil {
			doc = OKReply()
		}

		respTo := hdr.RequestID
		if resp.ResponseTo != nil {
			respTo = *resp.ResponseTo
		}

		if err := writeReply(conn, doc, respTo, legacy); err != nil {
			return
		}
	}
}

func (s *Server) response(name string, body bsoncore.Document) *Response {
	if s.Handle != nil {
		if resp := s.Handle(name, body); resp != nil {
			return resp
		}
	}

	switch name {
	case "isMaster", "ismaster", "hello":
		return &Response{Doc: s.isMasterReply()}
	default:
		return &Response{Doc: OKReply()}
	}
}

func (s *Server) isMasterReply() bsoncore.Document {
	idx, doc := bsoncore.AppendDocumentStart(nil)
	doc = bsoncore.AppendDoubleElement(doc, "ok", 1)
	doc = bsoncore.AppendBooleanElement(doc, "ismaster", true)
	doc = bsoncore.AppendInt32Element(doc, "minWireVersion", 0)
	doc = bsoncore.AppendInt32Element(doc, "maxWireVersion", s.MaxWireVersion)
	doc = bsoncore.AppendInt32Element(doc, "maxBsonObjectSize", 16777216)
	doc = bsoncore.AppendInt32Element(doc, "maxMessageSizeBytes", 48000000)
	doc = bsoncore.AppendInt32Element(doc, "maxWriteBatchSize", 100000)
	doc = bsoncore.AppendInt32Element(doc, "logicalSessionTimeoutMinutes", 30)
	doc, _ = bsoncore.AppendDocumentEnd(doc, idx)
	return doc
}

// OKReply builds the minimal success reply.
func OKReply() bsoncore.Document {
	idx, doc := bsoncore.AppendDocumentStart(nil)
	doc = bsoncore.AppendDoubleElement(doc, "ok", 1)
	doc, _ = bsoncore.AppendDocumentEnd(doc, idx)
	return doc
}

func commandName(body bsoncore.Document) string {
	elems, err := body.Elements()
	if err != nil || len(elems) == 0 {
		return ""
	}
	return elems[0].Key()
}

func readFrame(conn net.Conn) ([]byte, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(conn, sizeBuf[:]); err != nil {
		return nil, err
	}
	size := int32(sizeBuf[0]) | int32(sizeBuf[1])<<8 | int32(sizeBuf[2])<<16 | int32(sizeBuf[3])<<24
	if size < wiremessage.HeaderSize {
		return nil, io.ErrUnexpectedEOF
	}

	frame := make([]byte, size)
	copy(frame, sizeBuf[:])
	if _, err := io.ReadFull(conn, frame[4:]); err != nil {
		return nil, err
	}
	return frame, nil
}

func writeReply(conn net.Conn, doc bsoncore.Document, respTo int32, legacy bool) error {
	var wm wiremessage.WireMessage
	if legacy {
		wm = wiremessage.Reply{
			MsgHeader:      wiremessage.Header{ResponseTo: respTo},
			NumberReturned: 1,
			Documents:      []bsoncore.Document{doc},
		}
	} else {
		wm = wiremessage.Msg{
			MsgHeader: wiremessage.Header{ResponseTo: respTo},
			Sections:  []wiremessage.Section{wiremessage.SectionBody{Document: doc}},
		}
	}

	b, err := wm.MarshalWireMessage()
	if err != nil {
		return err
	}
	_, err = conn.Write(b)
	return err
}
