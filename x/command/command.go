// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package command

import (
	"context"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/fuzed-innovations/MongoKitten/x/description"
	"github.com/fuzed-innovations/MongoKitten/x/session"
	"github.com/fuzed-innovations/MongoKitten/x/wiremessage"
)

// Command represents a generic database command.
//
// This can be used to send arbitrary commands to the database. The first key
// of the command document must be the command name.
type Command struct {
	DB      string
	Command bsoncore.Document

	ReadConcern  bsoncore.Document
	WriteConcern bsoncore.Document

	Session *session.Client
	Clock   *session.ClusterClock

	result bsoncore.Document
	err    error
}

// Encode will encode this command into a wire message for the given server
// description.
func (c *Command) Encode(desc description.Server) (wiremessage.WireMessage, error) {
	if len(c.Command) == 0 {
		return nil, ErrNothingToDo
	}
	if err := c.Command.Validate(); err != nil {
		return nil, err
	}

	if desc.SupportsOpMsg() {
		return c.encodeOpMsg(desc)
	}
	return c.encodeOpQuery(desc)
}

// encodeOpMsg builds the body section, attaching $db, session, cluster time
// and transaction metadata, and splits batch arrays into a type 1 section.
func (c *Command) encodeOpMsg(desc description.Server) (wiremessage.WireMessage, error) {
	body, seq := opmsgRemoveArray(c.Command)

	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = append(dst, body[4:len(body)-1]...)
	dst = bsoncore.AppendStringElement(dst, "$db", c.DB)
	dst, err := c.addMetadata(dst, desc)
	if err != nil {
		return nil, err
	}
	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)

	msg := wiremessage.Msg{
		Sections: []wiremessage.Section{wiremessage.SectionBody{Document: dst}},
	}
	if seq != nil {
		msg.Sections = append(msg.Sections, *seq)
	}

	return msg, nil
}

// encodeOpQuery encodes the command for servers that predate OP_MSG. Session
// and transaction metadata is not attached; such servers do not support it.
func (c *Command) encodeOpQuery(desc description.Server) (wiremessage.WireMessage, error) {
	query := wiremessage.Query{
		Flags:              wiremessage.SecondaryOK,
		FullCollectionName: c.DB + ".$cmd",
		NumberToReturn:     -1,
		Query:              c.Command,
	}
	return query, nil
}

// addMetadata appends the session, cluster time, transaction and concern
// fields in wire order.
func (c *Command) addMetadata(dst []byte, desc description.Server) ([]byte, error) {
	sess := c.Session

	if sess != nil && desc.SessionsSupported() {
		if sess.Terminated {
			return nil, session.ErrSessionEnded
		}

		dst = bsoncore.AppendDocumentElement(dst, "lsid", sess.SessionID)
	}

	if clusterTime := c.clusterTime(desc); clusterTime != nil {
		// clusterTime is a full {$clusterTime: ...} document; concatenate
		// its elements.
		dst = append(dst, clusterTime[4:len(clusterTime)-1]...)
	}

	if sess != nil && sess.TransactionRunning() {
		dst = bsoncore.AppendInt64Element(dst, "txnNumber", sess.TxnNumber)
		dst = bsoncore.AppendBooleanElement(dst, "autocommit", false)
		if sess.TransactionStarting() {
			dst = bsoncore.AppendBooleanElement(dst, "startTransaction", true)
		}
	}

	if len(c.ReadConcern) != 0 {
		dst = bsoncore.AppendDocumentElement(dst, "readConcern", c.ReadConcern)
	}
	if len(c.WriteConcern) != 0 {
		dst = bsoncore.AppendDocumentElement(dst, "writeConcern", c.WriteConcern)
	}

	if sess != nil {
		// Advance the transaction state machine now that the command carries
		// the startTransaction field.
		sess.ApplyCommand()
	}

	return dst, nil
}

func (c *Command) clusterTime(desc description.Server) bsoncore.Document {
	if !desc.SessionsSupported() {
		return nil
	}

	var clusterTime bsoncore.Document
	if c.Clock != nil {
		clusterTime = c.Clock.GetClusterTime()
	}
	if c.Session != nil {
		clusterTime = session.MaxClusterTime(clusterTime, c.Session.ClusterTime)
	}

	return clusterTime
}

// Decode will decode the wire message using the provided server description.
// Errors during decoding are deferred until either the Result or Err methods
// are called.
func (c *Command) Decode(desc description.Server, wm wiremessage.WireMessage) *Command {
	var rdr bsoncore.Document
	var err error

	switch converted := wm.(type) {
	case wiremessage.Msg:
		rdr, err = converted.GetMainDocument()
	case *wiremessage.Msg:
		rdr, err = converted.GetMainDocument()
	case wiremessage.Reply:
		if converted.ResponseFlags&wiremessage.QueryFailure == wiremessage.QueryFailure {
			doc, _ := converted.GetMainDocument()
			c.err = QueryFailureError{Message: "command failure", Response: doc}
			return c
		}
		rdr, err = converted.GetMainDocument()
	case *wiremessage.Reply:
		if converted.ResponseFlags&wiremessage.QueryFailure == wiremessage.QueryFailure {
			doc, _ := converted.GetMainDocument()
			c.err = QueryFailureError{Message: "command failure", Response: doc}
			return c
		}
		rdr, err = converted.GetMainDocument()
	default:
		c.err = ErrNoCommandResponse
		return c
	}
	if err != nil {
		c.err = NewCommandResponseError("malformed command response", err)
		return c
	}
	if err = rdr.Validate(); err != nil {
		c.err = NewCommandResponseError("malformed command response", err)
		return c
	}

	ProcessReply(c.Session, c.Clock, rdr)

	if err = extractError(rdr); err != nil {
		c.err = err
		return c
	}

	c.result = rdr
	return c
}

// Result returns the result of a decoded wire message and server description.
func (c *Command) Result() (bsoncore.Document, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.result, nil
}

// Err returns the error set on this command.
func (c *Command) Err() error { return c.err }

// RoundTrip handles the execution of this command using the provided
// connection.
func (c *Command) RoundTrip(ctx context.Context, desc description.Server, rt wiremessage.RoundTripper) (bsoncore.Document, error) {
	wm, err := c.Encode(desc)
	if err != nil {
		return nil, err
	}

	wm, err = rt.RoundTrip(ctx, wm)
	if err != nil {
		return nil, err
	}

	return c.Decode(desc, wm).Result()
}

// ProcessReply updates session and clock state from a reply document: the
// max-seen cluster time, the operation time, and the session use time.
func ProcessReply(sess *session.Client, clock *session.ClusterClock, reply bsoncore.Document) {
	clusterTime := responseClusterTime(reply)

	if clock != nil && clusterTime != nil {
		clock.AdvanceClusterTime(clusterTime)
	}

	if sess == nil {
		return
	}

	if clusterTime != nil {
		_ = sess.AdvanceClusterTime(clusterTime)
	}

	if opTime, err := reply.LookupErr("operationTime"); err == nil {
		if t, i, ok := opTime.TimestampOK(); ok {
			_ = sess.AdvanceOperationTime(t, i)
		}
	}

	_ = sess.UpdateUseTime()
}

func responseClusterTime(reply bsoncore.Document) bsoncore.Document {
	value, err := reply.LookupErr("$clusterTime")
	if err != nil {
		// $clusterTime not included by the server
		return nil
	}

	ctDoc, ok := value.DocumentOK()
	if !ok {
		return nil
	}

	idx, doc := bsoncore.AppendDocumentStart(nil)
	doc = bsoncore.AppendDocumentElement(doc, "$clusterTime", ctDoc)
	doc, _ = bsoncore.AppendDocumentEnd(doc, idx)
	return doc
}

// opmsgRemoveArray splits the batch array out of a command body so it can be
// encoded as a type 1 payload in OP_MSG. The returned document is the body
// without the array; the section is nil when the body carries no batch key.
func opmsgRemoveArray(cmd bsoncore.Document) (bsoncore.Document, *wiremessage.SectionDocumentSequence) {
	keys := []string{"documents", "updates", "deletes"}

	elems, err := cmd.Elements()
	if err != nil {
		return cmd, nil
	}

	var seq *wiremessage.SectionDocumentSequence
	for _, key := range keys {
		val, lookupErr := cmd.LookupErr(key)
		if lookupErr != nil {
			continue
		}
		arr, ok := val.ArrayOK()
		if !ok {
			continue
		}
		vals, valsErr := arr.Values()
		if valsErr != nil {
			continue
		}

		docs := make([]bsoncore.Document, 0, len(vals))
		for _, v := range vals {
			doc, dok := v.DocumentOK()
			if !dok {
				docs = nil
				break
			}
			docs = append(docs, doc)
		}
		if docs == nil {
			continue
		}

		idx, body := bsoncore.AppendDocumentStart(nil)
		for _, elem := range elems {
			if elem.Key() == key {
				continue
			}
			body = append(body, elem...)
		}
		body, _ = bsoncore.AppendDocumentEnd(body, idx)

		s := wiremessage.SectionDocumentSequence{
			Identifier: key,
			Documents:  docs,
		}
		s.Size = int32(s.PayloadLen())
		seq = &s

		return body, seq
	}

	return cmd, nil
}
