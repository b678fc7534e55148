// Copyright (C) MongoDB, Inc. 2018-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package connection

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/fuzed-innovations/MongoKitten/internal"
	"github.com/fuzed-innovations/MongoKitten/x/address"
	"github.com/fuzed-innovations/MongoKitten/x/command"
	"github.com/fuzed-innovations/MongoKitten/x/compressor"
	"github.com/fuzed-innovations/MongoKitten/x/description"
	"github.com/fuzed-innovations/MongoKitten/x/wiremessage"
)

var globalConnectionID int64

func nextConnectionID() int64 {
	return atomic.AddInt64(&globalConnectionID, 1)
}

// Commands that are never sent compressed, matching server behavior.
var uncompressibleCommands = map[string]struct{}{
	"isMaster":        {},
	"ismaster":        {},
	"hello":           {},
	"saslStart":       {},
	"saslContinue":    {},
	"getnonce":        {},
	"authenticate":    {},
	"createUser":      {},
	"updateUser":      {},
	"copydbsaslstart": {},
	"copydbgetnonce":  {},
	"copydb":          {},
}

type readResult struct {
	wm  wiremessage.WireMessage
	err error
}

// Connection owns a single socket to a server. Outbound frames are
// serialized under a write lock; a single background reader demultiplexes
// replies to in-flight waiters by the responseTo field of the header.
type Connection struct {
	id   string
	addr address.Address
	conn net.Conn

	desc       description.Server
	compressor compressor.Compressor

	// maxMessageSize is read by the background reader while the handshake may
	// still be updating the description.
	maxMessageSize uint32

	requestID int32

	writeLock sync.Mutex

	mu       sync.Mutex
	inflight map[int32]chan readResult
	partial  map[int32]*wiremessage.Msg
	poisoned error
	closed   bool

	config *config
}

// New dials a connection to the server at the given address, performs the
// isMaster handshake and, when an authenticator is configured,
// authenticates before returning.
func New(ctx context.Context, addr address.Address, opts ...Option) (*Connection, error) {
	cfg, err := newConfig(opts...)
	if err != nil {
		return nil, err
	}

	dialCtx := ctx
	if cfg.connectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.connectTimeout)
		defer cancel()
	}

	nc, err := cfg.dialer.DialContext(dialCtx, addr.Network(), addr.String())
	if err != nil {
		if isTimeout(err) {
			return nil, TimeoutError{Scope: ScopeConnect, Wrapped: err}
		}
		return nil, NetworkError{ConnectionID: string(addr), Wrapped: err}
	}

	if cfg.tlsConfig != nil {
		tlsConn := tls.Client(nc, cfg.tlsConfig)
		if err = tlsConn.HandshakeContext(dialCtx); err != nil {
			_ = nc.Close()
			if isTimeout(err) {
				return nil, TimeoutError{Scope: ScopeConnect, Wrapped: err}
			}
			return nil, NetworkError{ConnectionID: string(addr), Wrapped: err}
		}
		nc = tlsConn
	}

	c := &Connection{
		id:       fmt.Sprintf("%s[-%d]", addr, nextConnectionID()),
		addr:     addr,
		conn:     nc,
		inflight: make(map[int32]chan readResult),
		partial:  make(map[int32]*wiremessage.Msg),
		config:   cfg,
	}
	c.desc = description.Server{
		Addr:            addr,
		MaxDocumentSize: description.DefaultMaxDocumentSize,
		MaxMessageSize:  cfg.maxMessageSize,
		MaxBatchCount:   description.DefaultMaxBatchSize,
	}
	atomic.StoreUint32(&c.maxMessageSize, cfg.maxMessageSize)

	go c.readLoop()

	if err = c.initialize(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}

	if cfg.authenticator != nil {
		if err = cfg.authenticator.Auth(ctx, c.desc, c); err != nil {
			_ = c.Close()
			return nil, err
		}
	}

	cfg.logger.WithField("connection", c.id).Debug("connection established")

	return c, nil
}

// initialize runs the isMaster handshake and records the server description.
func (c *Connection) initialize(ctx context.Context) error {
	isMaster := &command.IsMaster{
		Client:      createClientDoc(c.config.appName),
		Compressors: c.config.compressors,
	}

	result, err := isMaster.RoundTrip(ctx, c)
	if err != nil {
		return err
	}

	c.desc = description.Server{
		Addr:                  c.addr,
		Compression:           result.Compression,
		MaxBatchCount:         orDefault(result.MaxWriteBatchSize, description.DefaultMaxBatchSize),
		MaxDocumentSize:       orDefault(result.MaxBSONObjectSize, description.DefaultMaxDocumentSize),
		MaxMessageSize:        orDefault(result.MaxMessageSizeBytes, c.config.maxMessageSize),
		SessionTimeoutMinutes: result.LogicalSessionTimeoutMinutes,
		WireVersion: description.VersionRange{
			Min: result.MinWireVersion,
			Max: result.MaxWireVersion,
		},
	}
	if c.desc.MaxMessageSize > c.config.maxMessageSize {
		c.desc.MaxMessageSize = c.config.maxMessageSize
	}
	atomic.StoreUint32(&c.maxMessageSize, c.desc.MaxMessageSize)

	// The server replies with the subset of offered compressors it supports,
	// in its preference order.
	for _, name := range result.Compression {
		if comp, ok := compressor.ByName(name); ok {
			c.compressor = comp
			break
		}
	}

	return nil
}

func orDefault(v, def uint32) uint32 {
	if v == 0 {
		return def
	}
	return v
}

// Desc returns the server description gathered from the handshake.
func (c *Connection) Desc() description.Server {
	return c.desc
}

// ID returns the connection's identifier.
func (c *Connection) ID() string {
	return c.id
}

// Alive returns false when the connection has been closed or poisoned.
func (c *Connection) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.poisoned == nil
}

// nextRequestID allocates a request id for this connection. Ids are strictly
// increasing and wrap modulo 2^31.
func (c *Connection) nextRequestID() int32 {
	return atomic.AddInt32(&c.requestID, 1) & 0x7FFFFFFF
}

// RoundTrip writes the wire message and blocks until its reply arrives or the
// context expires. A context expiry mid-flight poisons the connection: the
// reply, if it ever arrives, can no longer be matched with a caller.
func (c *Connection) RoundTrip(ctx context.Context, wm wiremessage.WireMessage) (wiremessage.WireMessage, error) {
	if c.config.socketTimeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.config.socketTimeout)
			defer cancel()
		}
	}

	reqID := c.nextRequestID()
	wm, err := setRequestID(wm, reqID)
	if err != nil {
		return nil, err
	}

	b, err := wm.MarshalWireMessage()
	if err != nil {
		return nil, Error{ConnectionID: c.id, Wrapped: err, message: "unable to encode wire message"}
	}
	if uint32(len(b)) > c.desc.MaxMessageSize {
		return nil, ProtocolError{ConnectionID: c.id, Message: "attempted to send message larger than the maximum message size"}
	}

	if b, err = c.compress(wm, b, reqID); err != nil {
		return nil, err
	}

	ch := make(chan readResult, 1)

	c.mu.Lock()
	if c.closed || c.poisoned != nil {
		err := c.poisoned
		c.mu.Unlock()
		if err == nil {
			return nil, ErrConnectionClosed
		}
		return nil, err
	}
	if _, ok := c.inflight[reqID]; ok {
		c.mu.Unlock()
		return nil, ProtocolError{ConnectionID: c.id, Message: "request id already in flight"}
	}
	c.inflight[reqID] = ch
	c.mu.Unlock()

	if err = c.write(ctx, b); err != nil {
		c.poison(err)
		return nil, err
	}

	select {
	case res := <-ch:
		return res.wm, res.err
	case <-ctx.Done():
		err := ctx.Err()
		c.poison(NetworkError{ConnectionID: c.id, Wrapped: err})
		if err == context.DeadlineExceeded {
			return nil, TimeoutError{Scope: ScopeSocket, Wrapped: err}
		}
		return nil, NetworkError{ConnectionID: c.id, Wrapped: err}
	}
}

// compress wraps an OP_MSG in an OP_COMPRESSED frame when a compressor has
// been negotiated and the command is eligible.
func (c *Connection) compress(wm wiremessage.WireMessage, b []byte, reqID int32) ([]byte, error) {
	if c.compressor == nil {
		return b, nil
	}

	msg, ok := wm.(wiremessage.Msg)
	if !ok {
		return b, nil
	}
	body, err := msg.GetMainDocument()
	if err != nil {
		return b, nil
	}
	elems, err := body.Elements()
	if err != nil || len(elems) == 0 {
		return b, nil
	}
	if _, skip := uncompressibleCommands[elems[0].Key()]; skip {
		return b, nil
	}

	compressed, err := c.compressor.CompressBytes(b[wiremessage.HeaderSize:])
	if err != nil {
		return nil, Error{ConnectionID: c.id, Wrapped: err, message: "unable to compress wire message"}
	}

	cwm := wiremessage.Compressed{
		MsgHeader:         wiremessage.Header{RequestID: reqID},
		OriginalOpCode:    wiremessage.OpMsg,
		UncompressedSize:  int32(len(b) - wiremessage.HeaderSize),
		CompressorID:      c.compressor.CompressorID(),
		CompressedMessage: compressed,
	}

	out, err := cwm.MarshalWireMessage()
	if err != nil {
		return nil, Error{ConnectionID: c.id, Wrapped: err, message: "unable to encode compressed wire message"}
	}
	return out, nil
}

func (c *Connection) write(ctx context.Context, b []byte) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	deadline := time.Time{}
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return NetworkError{ConnectionID: c.id, Wrapped: err}
	}

	if _, err := c.conn.Write(b); err != nil {
		if isTimeout(err) {
			return TimeoutError{Scope: ScopeSocket, Wrapped: err}
		}
		return NetworkError{ConnectionID: c.id, Wrapped: err}
	}

	return nil
}

// readLoop is the single background reader for this connection. It reads
// frames, validates them, and completes the matching waiter.
func (c *Connection) readLoop() {
	for {
		wm, err := c.readWireMessage()
		if err != nil {
			c.poison(err)
			return
		}

		c.deliver(wm)
	}
}

func (c *Connection) readWireMessage() (wiremessage.WireMessage, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(c.conn, sizeBuf[:]); err != nil {
		return nil, NetworkError{ConnectionID: c.id, Wrapped: err}
	}

	size := int32(sizeBuf[0]) | int32(sizeBuf[1])<<8 | int32(sizeBuf[2])<<16 | int32(sizeBuf[3])<<24
	if size < wiremessage.HeaderSize {
		return nil, ProtocolError{ConnectionID: c.id, Message: "message length too small"}
	}
	if uint32(size) > atomic.LoadUint32(&c.maxMessageSize) {
		return nil, ProtocolError{ConnectionID: c.id, Message: "message length exceeds maximum message size"}
	}

	b := make([]byte, size)
	copy(b, sizeBuf[:])
	if _, err := io.ReadFull(c.conn, b[4:]); err != nil {
		return nil, NetworkError{ConnectionID: c.id, Wrapped: err}
	}

	return c.decodeWireMessage(b)
}

func (c *Connection) decodeWireMessage(b []byte) (wiremessage.WireMessage, error) {
	hdr, err := wiremessage.ReadHeader(b, 0)
	if err != nil {
		return nil, ProtocolError{ConnectionID: c.id, Message: "malformed header", Wrapped: err}
	}

	if hdr.OpCode == wiremessage.OpCompressed {
		var compressed wiremessage.Compressed
		if err := compressed.UnmarshalWireMessage(b); err != nil {
			return nil, ProtocolError{ConnectionID: c.id, Message: "malformed OP_COMPRESSED", Wrapped: err}
		}
		b, err = c.uncompress(compressed)
		if err != nil {
			return nil, err
		}
		hdr, err = wiremessage.ReadHeader(b, 0)
		if err != nil {
			return nil, ProtocolError{ConnectionID: c.id, Message: "malformed decompressed header", Wrapped: err}
		}
	}

	switch hdr.OpCode {
	case wiremessage.OpMsg:
		var msg wiremessage.Msg
		if err := msg.UnmarshalWireMessage(b); err != nil {
			return nil, ProtocolError{ConnectionID: c.id, Message: "malformed OP_MSG", Wrapped: err}
		}
		return msg, nil
	case wiremessage.OpReply:
		var reply wiremessage.Reply
		if err := reply.UnmarshalWireMessage(b); err != nil {
			return nil, ProtocolError{ConnectionID: c.id, Message: "malformed OP_REPLY", Wrapped: err}
		}
		return reply, nil
	default:
		return nil, ProtocolError{ConnectionID: c.id, Message: wiremessage.ErrUnknownOpCode(hdr.OpCode).Error()}
	}
}

func (c *Connection) uncompress(compressed wiremessage.Compressed) ([]byte, error) {
	comp, ok := compressor.ByID(compressed.CompressorID)
	if !ok {
		return nil, ProtocolError{
			ConnectionID: c.id,
			Message:      fmt.Sprintf("unknown compressor id %d", compressed.CompressorID),
		}
	}

	uncompressed, err := comp.UncompressBytes(compressed.CompressedMessage, compressed.UncompressedSize)
	if err != nil {
		return nil, ProtocolError{ConnectionID: c.id, Message: "unable to decompress message", Wrapped: err}
	}

	hdr := wiremessage.Header{
		MessageLength: int32(len(uncompressed)) + wiremessage.HeaderSize,
		RequestID:     compressed.MsgHeader.RequestID,
		ResponseTo:    compressed.MsgHeader.ResponseTo,
		OpCode:        compressed.OriginalOpCode,
	}
	b := make([]byte, 0, hdr.MessageLength)
	b = hdr.AppendHeader(b)
	b = append(b, uncompressed...)
	return b, nil
}

// deliver completes the waiter registered for the reply's responseTo. A reply
// that matches no waiter poisons the connection.
func (c *Connection) deliver(wm wiremessage.WireMessage) {
	responseTo, moreToCome := replyMeta(wm)

	c.mu.Lock()

	if msg, ok := wm.(wiremessage.Msg); ok {
		if prev, ok := c.partial[responseTo]; ok {
			prev.Sections = append(prev.Sections, msg.Sections...)
			msg.Sections = prev.Sections
			delete(c.partial, responseTo)
		}
		if moreToCome {
			// Exhaust-style reply: hold the accumulated sections until the
			// final frame arrives.
			hold := msg
			c.partial[responseTo] = &hold
			c.mu.Unlock()
			return
		}
		wm = msg
	}

	ch, ok := c.inflight[responseTo]
	if !ok {
		c.mu.Unlock()
		c.poison(ProtocolError{
			ConnectionID: c.id,
			Message:      fmt.Sprintf("unknown responseTo %d", responseTo),
		})
		return
	}
	delete(c.inflight, responseTo)
	c.mu.Unlock()

	ch <- readResult{wm: wm}
}

func replyMeta(wm wiremessage.WireMessage) (responseTo int32, moreToCome bool) {
	switch converted := wm.(type) {
	case wiremessage.Msg:
		return converted.MsgHeader.ResponseTo, converted.FlagBits&wiremessage.MoreToCome > 0
	case wiremessage.Reply:
		return converted.MsgHeader.ResponseTo, false
	}
	return 0, false
}

// poison fails every in-flight waiter with the given error and makes the
// connection ineligible for reuse.
func (c *Connection) poison(err error) {
	c.mu.Lock()
	if c.poisoned != nil || c.closed {
		c.mu.Unlock()
		return
	}
	c.poisoned = err

	waiters := c.inflight
	c.inflight = make(map[int32]chan readResult)
	c.partial = make(map[int32]*wiremessage.Msg)
	c.mu.Unlock()

	for _, ch := range waiters {
		ch <- readResult{err: err}
	}

	_ = c.conn.Close()

	c.config.logger.WithField("connection", c.id).WithError(err).Debug("connection poisoned")
}

// Close closes the connection. Any in-flight waiters fail with
// ErrConnectionClosed.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true

	waiters := c.inflight
	c.inflight = make(map[int32]chan readResult)
	c.partial = make(map[int32]*wiremessage.Msg)
	c.mu.Unlock()

	for _, ch := range waiters {
		ch <- readResult{err: ErrConnectionClosed}
	}

	err := c.conn.Close()

	c.config.logger.WithField("connection", c.id).Debug("connection closed")

	return err
}

// setRequestID stamps the allocated request id into the message header.
func setRequestID(wm wiremessage.WireMessage, id int32) (wiremessage.WireMessage, error) {
	switch converted := wm.(type) {
	case wiremessage.Msg:
		converted.MsgHeader.RequestID = id
		return converted, nil
	case wiremessage.Query:
		converted.MsgHeader.RequestID = id
		return converted, nil
	case wiremessage.Compressed:
		converted.MsgHeader.RequestID = id
		return converted, nil
	default:
		return nil, fmt.Errorf("cannot assign request id to %T", wm)
	}
}

func isTimeout(err error) bool {
	if err == context.DeadlineExceeded {
		return true
	}
	if ne, ok := err.(net.Error); ok {
		return ne.Timeout()
	}
	return false
}

func createClientDoc(appName string) bsoncore.Document {
	idx, doc := bsoncore.AppendDocumentStart(nil)

	didx, doc := bsoncore.AppendDocumentElementStart(doc, "driver")
	doc = bsoncore.AppendStringElement(doc, "name", internal.DriverName)
	doc = bsoncore.AppendStringElement(doc, "version", internal.Version)
	doc, _ = bsoncore.AppendDocumentEnd(doc, didx)

	oidx, doc := bsoncore.AppendDocumentElementStart(doc, "os")
	doc = bsoncore.AppendStringElement(doc, "type", runtime.GOOS)
	doc = bsoncore.AppendStringElement(doc, "architecture", runtime.GOARCH)
	doc, _ = bsoncore.AppendDocumentEnd(doc, oidx)

	if appName != "" {
		aidx, appDoc := bsoncore.AppendDocumentElementStart(doc, "application")
		appDoc = bsoncore.AppendStringElement(appDoc, "name", appName)
		appDoc, _ = bsoncore.AppendDocumentEnd(appDoc, aidx)
		doc = appDoc
	}

	doc, _ = bsoncore.AppendDocumentEnd(doc, idx)
	return doc
}
