// Copyright (C) MongoDB, Inc. 2018-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package mongokitten

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/fuzed-innovations/MongoKitten/x/command"
	"github.com/fuzed-innovations/MongoKitten/x/driver"
)

// Database is a thin view over a named database: a name and a client handle.
type Database struct {
	name   string
	client *Client
}

// Name returns the name of the database.
func (db *Database) Name() string {
	return db.name
}

// Client returns the client the database was created from.
func (db *Database) Client() *Client {
	return db.client
}

// Collection returns a handle for a collection in this database.
func (db *Database) Collection(name string) *Collection {
	return &Collection{
		ns:     command.NewNamespace(db.name, name),
		client: db.client,
	}
}

// RunCommand runs an arbitrary command against this database.
func (db *Database) RunCommand(ctx context.Context, cmd interface{}) (bson.Raw, error) {
	return db.client.RunCommand(ctx, db.name, cmd)
}

// RunCursorCommand runs a cursor-producing command against this database.
func (db *Database) RunCursorCommand(ctx context.Context, cmd interface{}, batchSize int32) (*driver.Cursor, error) {
	return db.client.RunCursorCommand(ctx, db.name, cmd, batchSize)
}
