// Copyright (C) MongoDB, Inc. 2018-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package mongokitten is a native asynchronous MongoDB driver core: wire
// protocol framing, SCRAM authentication, connection pooling, cursors, and
// session/transaction bookkeeping. Higher level CRUD surfaces are thin
// command builders on top of Client.RunCommand and friends.
package mongokitten

import (
	"context"
	"crypto/tls"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/fuzed-innovations/MongoKitten/x/address"
	"github.com/fuzed-innovations/MongoKitten/x/auth"
	"github.com/fuzed-innovations/MongoKitten/x/command"
	"github.com/fuzed-innovations/MongoKitten/x/connection"
	"github.com/fuzed-innovations/MongoKitten/x/connstring"
	"github.com/fuzed-innovations/MongoKitten/x/driver"
	"github.com/fuzed-innovations/MongoKitten/x/session"
)

// Client is a handle to a MongoDB deployment. It owns the connection pool,
// the session pool and the cluster clock; databases, collections and
// sessions are lightweight views holding a Client handle.
type Client struct {
	connString  connstring.ConnString
	pool        *connection.Pool
	sessionPool *session.Pool
	clock       *session.ClusterClock
	dispatcher  *driver.Dispatcher
}

// ClientOption configures a Client beyond what the connection string carries.
type ClientOption func(*clientConfig)

type clientConfig struct {
	logger      *logrus.Logger
	compressors []string
	dialer      connection.Dialer
}

// WithLogger directs connection lifecycle logging to the provided logger.
func WithLogger(logger *logrus.Logger) ClientOption {
	return func(c *clientConfig) { c.logger = logger }
}

// WithCompressors sets the wire compressors offered during the handshake,
// e.g. "snappy" or "zlib".
func WithCompressors(compressors []string) ClientOption {
	return func(c *clientConfig) { c.compressors = compressors }
}

// WithDialer overrides how sockets to the server are dialed.
func WithDialer(d connection.Dialer) ClientOption {
	return func(c *clientConfig) { c.dialer = d }
}

// Connect parses the connection string and prepares a client. Connections
// are dialed lazily on first command.
func Connect(ctx context.Context, uri string, opts ...ClientOption) (*Client, error) {
	cs, err := connstring.Parse(uri)
	if err != nil {
		return nil, err
	}
	if err = cs.Validate(); err != nil {
		return nil, err
	}

	cfg := clientConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	connOpts := []connection.Option{
		connection.WithAppName(cs.AppName),
		connection.WithConnectTimeout(cs.ConnectTimeout),
		connection.WithSocketTimeout(cs.SocketTimeout),
	}

	if cs.UseSSL {
		tlsConfig := &tls.Config{}
		if !cs.VerifySSLCertificates {
			tlsConfig.InsecureSkipVerify = true
		}
		connOpts = append(connOpts, connection.WithTLSConfig(tlsConfig))
	}

	if cfg.logger != nil {
		connOpts = append(connOpts, connection.WithLogger(cfg.logger))
	}
	if cfg.dialer != nil {
		connOpts = append(connOpts, connection.WithDialer(cfg.dialer))
	}
	if len(cfg.compressors) > 0 {
		connOpts = append(connOpts, connection.WithCompressors(cfg.compressors))
	}

	if cs.AuthEnabled {
		cred := &auth.Cred{
			Source:      cs.AuthSource(),
			Username:    cs.Username,
			Password:    cs.Password,
			PasswordSet: true,
		}
		authenticator, err := auth.CreateAuthenticator(string(cs.AuthMechanism), cred)
		if err != nil {
			return nil, err
		}
		connOpts = append(connOpts, connection.WithAuthenticator(authenticator))
	}

	capacity := cs.MaxConnections
	if capacity == 0 {
		capacity = connstring.DefaultMaxConnections
	}

	// Topology selection is out of scope; the client talks to the first host.
	addr := address.Address(cs.Hosts[0].String())
	pool, err := connection.NewPool(addr, capacity, capacity, connOpts...)
	if err != nil {
		return nil, err
	}

	clock := &session.ClusterClock{}
	sessionPool := session.NewPool(30)

	return &Client{
		connString:  cs,
		pool:        pool,
		sessionPool: sessionPool,
		clock:       clock,
		dispatcher: &driver.Dispatcher{
			Pool:            pool,
			SessionPool:     sessionPool,
			Clock:           clock,
			CheckoutTimeout: cs.ConnectTimeout,
		},
	}, nil
}

// ConnString returns the parsed connection string in use.
func (c *Client) ConnString() connstring.ConnString {
	return c.connString
}

// Database returns a handle for a database with the given name.
func (c *Client) Database(name string) *Database {
	return &Database{name: name, client: c}
}

// StartSession starts a new explicit session.
func (c *Client) StartSession() (*Session, error) {
	sess, err := session.NewClientSession(c.sessionPool, session.Explicit)
	if err != nil {
		return nil, err
	}
	return &Session{client: c, sess: sess}, nil
}

// RunCommand runs an arbitrary command against the given database on an
// implicit session. The first key of cmd must be the command name.
func (c *Client) RunCommand(ctx context.Context, db string, cmd interface{}) (bson.Raw, error) {
	doc, err := marshalCommand(cmd)
	if err != nil {
		return nil, err
	}

	sess, err := session.NewClientSession(c.sessionPool, session.Implicit)
	if err != nil {
		return nil, err
	}
	defer sess.EndSession()

	rdr, err := c.dispatcher.Command(ctx, db, doc, sess)
	if err != nil {
		return nil, err
	}
	return bson.Raw(rdr), nil
}

// RunCursorCommand runs a cursor-producing command against the given
// database on an implicit session and returns a cursor over the result set.
// The session lives as long as the cursor: it ends when the cursor is
// exhausted or closed.
func (c *Client) RunCursorCommand(ctx context.Context, db string, cmd interface{}, batchSize int32) (*driver.Cursor, error) {
	doc, err := marshalCommand(cmd)
	if err != nil {
		return nil, err
	}

	sess, err := session.NewClientSession(c.sessionPool, session.Implicit)
	if err != nil {
		return nil, err
	}

	cursor, err := c.dispatcher.RunCursorCommand(ctx, db, doc, sess, batchSize)
	if err != nil {
		sess.EndSession()
		return nil, err
	}
	return cursor, nil
}

// Disconnect reports pooled sessions through endSessions, best effort, and
// shuts the connection pool down.
func (c *Client) Disconnect(ctx context.Context) error {
	ids := c.sessionPool.Drain()
	if len(ids) > 0 {
		if conn, err := c.pool.Get(ctx); err == nil {
			es := &command.EndSessions{Clock: c.clock, SessionIDs: ids}
			_ = es.RoundTrip(ctx, conn.Desc(), conn)
			_ = conn.Close()
		}
	}

	return c.pool.Disconnect(ctx)
}

func marshalCommand(cmd interface{}) (bsoncore.Document, error) {
	switch converted := cmd.(type) {
	case nil:
		return nil, command.ErrNothingToDo
	case bsoncore.Document:
		return converted, nil
	case bson.Raw:
		return bsoncore.Document(converted), nil
	case []byte:
		return bsoncore.Document(converted), nil
	default:
		b, err := bson.Marshal(cmd)
		if err != nil {
			return nil, err
		}
		return bsoncore.Document(b), nil
	}
}
