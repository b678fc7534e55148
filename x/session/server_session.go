// Copyright (C) MongoDB, Inc. 2018-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

// UUIDSubtype is the BSON binary subtype that a UUID should be encoded as.
const UUIDSubtype byte = 4

// Server is an open session with the server.
type Server struct {
	SessionID bsoncore.Document
	LastUsed  time.Time
}

func newServerSession() (*Server, error) {
	id, err := genUUID()
	if err != nil {
		return nil, err
	}

	return &Server{
		SessionID: id,
		LastUsed:  time.Now(),
	}, nil
}

// expired reports whether the session has expired given a timeout in minutes.
// A session is considered expired when it has less than 1 minute left before
// becoming stale on the server.
func (ss *Server) expired(timeoutMinutes uint32) bool {
	if timeoutMinutes == 0 {
		return false
	}
	timeUnused := time.Since(ss.LastUsed).Minutes()
	return timeUnused > float64(timeoutMinutes-1)
}

func (ss *Server) updateUseTime() {
	ss.LastUsed = time.Now()
}

func genUUID() (bsoncore.Document, error) {
	uuidBytes, err := uuid.New().MarshalBinary()
	if err != nil {
		return nil, err
	}

	idx, doc := bsoncore.AppendDocumentStart(nil)
	doc = bsoncore.AppendBinaryElement(doc, "id", UUIDSubtype, uuidBytes)
	doc, _ = bsoncore.AppendDocumentEnd(doc, idx)
	return doc, nil
}
