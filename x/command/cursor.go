// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package command

import (
	"fmt"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

// CursorResponse is the cursor subdocument of a reply to a cursor-producing
// command such as find, aggregate, listCollections or listIndexes.
type CursorResponse struct {
	ID    int64
	NS    Namespace
	Batch []bsoncore.Document
}

// DecodeCursorResponse extracts the cursor from a command reply. The batch
// key is "firstBatch" on the originating command and "nextBatch" on getMore.
func DecodeCursorResponse(rdr bsoncore.Document, batchKey string) (CursorResponse, error) {
	cur, err := rdr.LookupErr("cursor")
	if err != nil {
		return CursorResponse{}, NewCommandResponseError("reply is missing the cursor document", err)
	}

	curDoc, ok := cur.DocumentOK()
	if !ok {
		return CursorResponse{}, NewCommandResponseError(
			fmt.Sprintf("cursor should be an embedded document but is BSON type %s", cur.Type), nil)
	}

	resp := CursorResponse{ID: -1}

	elems, err := curDoc.Elements()
	if err != nil {
		return CursorResponse{}, NewCommandResponseError("malformed cursor document", err)
	}

	for _, elem := range elems {
		switch elem.Key() {
		case "id":
			id, idOK := Int64(elem.Value())
			if !idOK {
				return CursorResponse{}, NewCommandResponseError(
					fmt.Sprintf("id should be an int64 but is BSON type %s", elem.Value().Type), nil)
			}
			resp.ID = id
		case "ns":
			ns, nsOK := elem.Value().StringValueOK()
			if !nsOK {
				return CursorResponse{}, NewCommandResponseError(
					fmt.Sprintf("ns should be a string but is BSON type %s", elem.Value().Type), nil)
			}
			resp.NS = ParseNamespace(ns)
			if err := resp.NS.Validate(); err != nil {
				return CursorResponse{}, NewCommandResponseError("invalid cursor namespace", err)
			}
		case batchKey:
			arr, arrOK := elem.Value().ArrayOK()
			if !arrOK {
				return CursorResponse{}, NewCommandResponseError(
					fmt.Sprintf("%s should be an array but is BSON type %s", batchKey, elem.Value().Type), nil)
			}
			vals, valsErr := arr.Values()
			if valsErr != nil {
				return CursorResponse{}, NewCommandResponseError("malformed cursor batch", valsErr)
			}
			for _, val := range vals {
				doc, docOK := val.DocumentOK()
				if !docOK {
					return CursorResponse{}, NewCommandResponseError("non-document in cursor batch", nil)
				}
				resp.Batch = append(resp.Batch, doc)
			}
		}
	}

	if resp.ID == -1 {
		return CursorResponse{}, NewCommandResponseError("cursor document is missing the id field", nil)
	}

	return resp, nil
}
