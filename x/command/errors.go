// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package command

import (
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

var (
	// ErrUnknownCommandFailure occurs when a command fails for an unknown reason.
	ErrUnknownCommandFailure = errors.New("unknown command failure")
	// ErrNoCommandResponse occurs when the server sent no response document to a command.
	ErrNoCommandResponse = errors.New("no command response document")
	// ErrNothingToDo occurs when a command would be empty and cannot be formed.
	ErrNothingToDo = errors.New("cannot form command: nothing to do")
)

// Error labels the driver inspects on server errors.
const (
	TransientTransactionError      = "TransientTransactionError"
	UnknownTransactionCommitResult = "UnknownTransactionCommitResult"
)

// Error is a command execution error from the database.
type Error struct {
	Code    int32
	Message string
	Name    string
	Labels  []string
}

// Error implements the error interface.
func (e Error) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("(%v) %v", e.Name, e.Message)
	}
	return e.Message
}

// HasErrorLabel returns true if the error contains the specified label.
func (e Error) HasErrorLabel(label string) bool {
	for _, l := range e.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// ResponseError is an error parsing the response to a command: the reply
// parsed as a document but required fields were missing or of the wrong type.
type ResponseError struct {
	Message string
	Wrapped error
}

// NewCommandResponseError creates a ResponseError.
func NewCommandResponseError(msg string, err error) ResponseError {
	return ResponseError{Message: msg, Wrapped: err}
}

// Error implements the error interface.
func (e ResponseError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Wrapped)
	}
	return e.Message
}

// QueryFailureError is an error representing a legacy command failure.
type QueryFailureError struct {
	Message  string
	Response bsoncore.Document
}

// Error implements the error interface.
func (e QueryFailureError) Error() string {
	return fmt.Sprintf("%s: %v", e.Message, e.Response)
}

// Int64 widens a BSON numeric value to an int64. The second return value is
// false when the value is not numeric or cannot be represented.
func Int64(val bsoncore.Value) (int64, bool) {
	switch val.Type {
	case bsontype.Int32:
		i32, ok := val.Int32OK()
		return int64(i32), ok
	case bsontype.Int64:
		return val.Int64OK()
	case bsontype.Double:
		f, ok := val.DoubleOK()
		if !ok || f != float64(int64(f)) {
			return 0, false
		}
		return int64(f), true
	default:
		return 0, false
	}
}

// Float64 widens a BSON numeric value to a float64.
func Float64(val bsoncore.Value) (float64, bool) {
	switch val.Type {
	case bsontype.Int32:
		i32, ok := val.Int32OK()
		return float64(i32), ok
	case bsontype.Int64:
		i64, ok := val.Int64OK()
		return float64(i64), ok
	case bsontype.Double:
		return val.DoubleOK()
	default:
		return 0, false
	}
}

// extractError parses a command error from a reply document. It returns nil
// when the reply indicates success.
func extractError(rdr bsoncore.Document) error {
	var errmsg, codeName string
	var code int32
	var labels []string
	var ok bool

	elems, err := rdr.Elements()
	if err != nil {
		return NewCommandResponseError("malformed command response", err)
	}

	for _, elem := range elems {
		switch elem.Key() {
		case "ok":
			if v, vok := Float64(elem.Value()); vok && v >= 1 {
				return nil
			}
			ok = true
		case "errmsg":
			if str, sok := elem.Value().StringValueOK(); sok {
				errmsg = str
			}
		case "codeName":
			if str, sok := elem.Value().StringValueOK(); sok {
				codeName = str
			}
		case "code":
			if c, cok := elem.Value().Int32OK(); cok {
				code = c
			}
		case "errorLabels":
			arr, aok := elem.Value().ArrayOK()
			if !aok {
				continue
			}
			vals, verr := arr.Values()
			if verr != nil {
				continue
			}
			for _, val := range vals {
				if str, sok := val.StringValueOK(); sok {
					labels = append(labels, str)
				}
			}
		}
	}

	if !ok {
		return NewCommandResponseError("command response missing ok field", nil)
	}

	if errmsg == "" {
		errmsg = "command failed"
	}

	return Error{
		Code:    code,
		Message: errmsg,
		Name:    codeName,
		Labels:  labels,
	}
}
