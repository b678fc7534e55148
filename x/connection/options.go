// Copyright (C) MongoDB, Inc. 2018-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package connection

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fuzed-innovations/MongoKitten/x/auth"
	"github.com/fuzed-innovations/MongoKitten/x/description"
)

// Dialer is used to make network connections.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type config struct {
	appName        string
	connectTimeout time.Duration
	socketTimeout  time.Duration
	tlsConfig      *tls.Config
	maxMessageSize uint32
	compressors    []string
	authenticator  auth.Authenticator
	dialer         Dialer
	logger         *logrus.Logger
}

func newConfig(opts ...Option) (*config, error) {
	cfg := &config{
		connectTimeout: 10 * time.Second,
		socketTimeout:  30 * time.Second,
		maxMessageSize: description.DefaultMaxMessageSize,
		logger:         discardLogger(),
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.dialer == nil {
		cfg.dialer = &net.Dialer{Timeout: cfg.connectTimeout}
	}

	return cfg, nil
}

func discardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.Out = io.Discard
	return logger
}

// Option is used to configure a connection.
type Option func(*config) error

// WithAppName sets the application name which gets sent to MongoDB on first
// connection.
func WithAppName(name string) Option {
	return func(c *config) error {
		c.appName = name
		return nil
	}
}

// WithConnectTimeout configures the maximum amount of time a dial will wait
// for a connection to become established.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *config) error {
		c.connectTimeout = d
		return nil
	}
}

// WithSocketTimeout configures the maximum amount of time to wait for a
// single in-flight command to complete.
func WithSocketTimeout(d time.Duration) Option {
	return func(c *config) error {
		c.socketTimeout = d
		return nil
	}
}

// WithTLSConfig configures the TLS for a connection. A nil config disables
// TLS.
func WithTLSConfig(tlsConfig *tls.Config) Option {
	return func(c *config) error {
		c.tlsConfig = tlsConfig
		return nil
	}
}

// WithMaxMessageSize configures the largest frame this connection will accept
// or emit.
func WithMaxMessageSize(size uint32) Option {
	return func(c *config) error {
		c.maxMessageSize = size
		return nil
	}
}

// WithCompressors sets the compressors offered to the server during the
// handshake.
func WithCompressors(compressors []string) Option {
	return func(c *config) error {
		c.compressors = compressors
		return nil
	}
}

// WithAuthenticator sets the authenticator run on the connection after the
// handshake, before the connection is handed to its pool.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(c *config) error {
		c.authenticator = a
		return nil
	}
}

// WithDialer configures the Dialer used to dial the server.
func WithDialer(d Dialer) Option {
	return func(c *config) error {
		c.dialer = d
		return nil
	}
}

// WithLogger sets the logger used for connection lifecycle events.
func WithLogger(logger *logrus.Logger) Option {
	return func(c *config) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}
