// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"context"
	"fmt"

	"github.com/fuzed-innovations/MongoKitten/x/description"
	"github.com/fuzed-innovations/MongoKitten/x/wiremessage"
)

const defaultAuthDB = "admin"

// AuthenticatorFactory constructs an authenticator.
type AuthenticatorFactory func(cred *Cred) (Authenticator, error)

var authFactories = map[string]AuthenticatorFactory{
	SCRAMSHA1:   newScramSHA1Authenticator,
	SCRAMSHA256: newScramSHA256Authenticator,
}

// CreateAuthenticator creates an authenticator.
func CreateAuthenticator(name string, cred *Cred) (Authenticator, error) {
	if factory, ok := authFactories[name]; ok {
		return factory(cred)
	}

	return nil, newAuthError(fmt.Sprintf("unsupported mechanism %q", name), nil)
}

// Cred is a user's credential.
type Cred struct {
	Source      string
	Username    string
	Password    string
	PasswordSet bool
}

// Authenticator handles authenticating a connection. Authentication runs on
// the freshly dialed connection before it is visible to the pool, and never
// attaches session or transaction metadata.
type Authenticator interface {
	// Auth authenticates the connection.
	Auth(ctx context.Context, desc description.Server, rt wiremessage.RoundTripper) error
}

// Error is an error that occurred during authentication.
type Error struct {
	message string
	inner   error
}

func (e *Error) Error() string {
	if e.inner == nil {
		return e.message
	}
	return fmt.Sprintf("%s: %s", e.message, e.inner)
}

// Inner returns the wrapped error.
func (e *Error) Inner() error {
	return e.inner
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	return e.inner
}

// Message returns the message.
func (e *Error) Message() string {
	return e.message
}

func newAuthError(msg string, inner error) error {
	return &Error{
		message: msg,
		inner:   inner,
	}
}

func newError(err error, mech string) error {
	return &Error{
		message: fmt.Sprintf("unable to authenticate using mechanism \"%s\"", mech),
		inner:   err,
	}
}
