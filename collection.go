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

// Collection is a handle to a collection: a namespace and a client handle.
type Collection struct {
	ns     command.Namespace
	client *Client
}

// Namespace returns the collection's namespace.
func (coll *Collection) Namespace() command.Namespace {
	return coll.ns
}

// Name returns the name of the collection.
func (coll *Collection) Name() string {
	return coll.ns.Collection
}

// Watch opens a change stream over the collection. The stream is a cursor
// like any other; each successful Next positions it on one change event
// document.
func (coll *Collection) Watch(ctx context.Context, pipeline interface{}) (*driver.Cursor, error) {
	stages := bson.A{bson.D{{Key: "$changeStream", Value: bson.D{}}}}
	if pipeline != nil {
		extra, ok := pipeline.(bson.A)
		if !ok {
			return nil, command.ErrNothingToDo
		}
		stages = append(stages, extra...)
	}

	cmd := bson.D{
		{Key: "aggregate", Value: coll.ns.Collection},
		{Key: "pipeline", Value: stages},
		{Key: "cursor", Value: bson.D{}},
	}

	return coll.client.RunCursorCommand(ctx, coll.ns.DB, cmd, 0)
}
