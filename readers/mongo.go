//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Copyright (C) 2025 Aaron Mathis aaron.mathis@gmail.com
//
// This file is part of microbatch.
//
// microbatch is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// microbatch is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with microbatch. If not, see https://www.gnu.org/licenses/.

package readers

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/aaronlmathis/microbatch/core"
)

// MongoReaderError wraps structured error information for the MongoDB reader.
type MongoReaderError struct {
	Op         string
	Collection string
	Err        error
}

func (e *MongoReaderError) Error() string {
	if e.Collection != "" {
		return fmt.Sprintf("mongo reader %s (%s): %v", e.Op, e.Collection, e.Err)
	}
	return fmt.Sprintf("mongo reader %s: %v", e.Op, e.Err)
}

func (e *MongoReaderError) Unwrap() error {
	return e.Err
}

// MongoReadMode selects how documents are queried.
type MongoReadMode string

const (
	MongoModeFind      MongoReadMode = "find"
	MongoModeAggregate MongoReadMode = "aggregate"
)

// MongoReaderOptions configures the MongoDB reader.
type MongoReaderOptions struct {
	URI            string
	Database       string
	Collection     string
	Mode           MongoReadMode
	Filter         bson.M
	Projection     bson.M
	Sort           bson.D
	Pipeline       []bson.M
	Limit          int64
	BatchSize      int32
	ConnectTimeout time.Duration
	ReadPreference string
}

// ReaderOptionMongo allows functional customization of MongoReader.
type ReaderOptionMongo func(*MongoReaderOptions)

func WithMongoURI(uri string) ReaderOptionMongo {
	return func(o *MongoReaderOptions) { o.URI = uri }
}

func WithMongoCollection(database, collection string) ReaderOptionMongo {
	return func(o *MongoReaderOptions) {
		o.Database = database
		o.Collection = collection
	}
}

// WithMongoFind reads the documents matching filter, optionally projected.
func WithMongoFind(filter, projection bson.M) ReaderOptionMongo {
	return func(o *MongoReaderOptions) {
		o.Mode = MongoModeFind
		o.Filter = filter
		o.Projection = projection
	}
}

func WithMongoSort(sort bson.D) ReaderOptionMongo {
	return func(o *MongoReaderOptions) { o.Sort = sort }
}

// WithMongoPipeline reads the output of an aggregation pipeline.
func WithMongoPipeline(pipeline []bson.M) ReaderOptionMongo {
	return func(o *MongoReaderOptions) {
		o.Mode = MongoModeAggregate
		o.Pipeline = pipeline
	}
}

func WithMongoLimit(limit int64) ReaderOptionMongo {
	return func(o *MongoReaderOptions) { o.Limit = limit }
}

func WithMongoBatchSize(size int32) ReaderOptionMongo {
	return func(o *MongoReaderOptions) { o.BatchSize = size }
}

func WithMongoReadPreference(pref string) ReaderOptionMongo {
	return func(o *MongoReaderOptions) { o.ReadPreference = pref }
}

func (o MongoReaderOptions) validate() error {
	switch {
	case o.URI == "":
		return fmt.Errorf("uri is required")
	case o.Database == "" || o.Collection == "":
		return fmt.Errorf("database and collection are required")
	case o.Mode == MongoModeAggregate && len(o.Pipeline) == 0:
		return fmt.Errorf("pipeline is required for aggregate mode")
	case o.Mode != MongoModeFind && o.Mode != MongoModeAggregate:
		return fmt.Errorf("unsupported read mode %q", o.Mode)
	}
	return nil
}

// MongoReader implements core.DataSource over a find or aggregate cursor. It connects on
// the first Read.
type MongoReader struct {
	client     *mongo.Client
	collection *mongo.Collection
	cursor     *mongo.Cursor
	opts       MongoReaderOptions
	stats      ReaderStats
}

func NewMongoReader(options ...ReaderOptionMongo) (*MongoReader, error) {
	opts := MongoReaderOptions{
		Mode:           MongoModeFind,
		BatchSize:      1000,
		ConnectTimeout: 10 * time.Second,
	}
	for _, opt := range options {
		opt(&opts)
	}
	if err := opts.validate(); err != nil {
		return nil, &MongoReaderError{Op: "validate", Err: err}
	}
	return &MongoReader{opts: opts, stats: newReaderStats()}, nil
}

func (m *MongoReader) Read(ctx context.Context) (core.Record, error) {
	start := time.Now()
	if m.cursor == nil {
		if err := m.open(ctx); err != nil {
			return nil, err
		}
	}

	if !m.cursor.Next(ctx) {
		if err := m.cursor.Err(); err != nil {
			return nil, &MongoReaderError{Op: "cursor_next", Collection: m.opts.Collection, Err: err}
		}
		return nil, io.EOF
	}
	var doc bson.M
	if err := m.cursor.Decode(&doc); err != nil {
		return nil, &MongoReaderError{Op: "decode", Collection: m.opts.Collection, Err: err}
	}

	record := make(core.Record, len(doc))
	for key, value := range doc {
		v := convertBSONValue(value)
		if v == nil {
			m.stats.NullValueCounts[key]++
		}
		record[key] = v
	}
	m.stats.recordRead(start)
	return record, nil
}

func (m *MongoReader) open(ctx context.Context) error {
	clientOpts := options.Client().ApplyURI(m.opts.URI).SetConnectTimeout(m.opts.ConnectTimeout)
	if m.opts.ReadPreference != "" {
		mode, err := readpref.ModeFromString(m.opts.ReadPreference)
		if err != nil {
			return &MongoReaderError{Op: "read_preference", Err: err}
		}
		pref, err := readpref.New(mode)
		if err != nil {
			return &MongoReaderError{Op: "read_preference", Err: err}
		}
		clientOpts.SetReadPreference(pref)
	}

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return &MongoReaderError{Op: "connect", Err: err}
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return &MongoReaderError{Op: "ping", Err: err}
	}
	m.client = client
	m.collection = client.Database(m.opts.Database).Collection(m.opts.Collection)

	var cursor *mongo.Cursor
	if m.opts.Mode == MongoModeAggregate {
		cursor, err = m.collection.Aggregate(ctx, m.opts.Pipeline, options.Aggregate().SetBatchSize(m.opts.BatchSize))
	} else {
		findOpts := options.Find().SetBatchSize(m.opts.BatchSize)
		if m.opts.Limit > 0 {
			findOpts.SetLimit(m.opts.Limit)
		}
		if m.opts.Projection != nil {
			findOpts.SetProjection(m.opts.Projection)
		}
		if m.opts.Sort != nil {
			findOpts.SetSort(m.opts.Sort)
		}
		filter := m.opts.Filter
		if filter == nil {
			filter = bson.M{}
		}
		cursor, err = m.collection.Find(ctx, filter, findOpts)
	}
	if err != nil {
		return &MongoReaderError{Op: "init_cursor", Collection: m.opts.Collection, Err: err}
	}
	m.cursor = cursor
	m.stats.BatchesRead++
	return nil
}

func (m *MongoReader) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ConnectTimeout)
	defer cancel()

	var err error
	if m.cursor != nil {
		err = m.cursor.Close(ctx)
		m.cursor = nil
	}
	if m.client != nil {
		if derr := m.client.Disconnect(ctx); err == nil {
			err = derr
		}
		m.client = nil
	}
	if err != nil {
		return &MongoReaderError{Op: "close", Collection: m.opts.Collection, Err: err}
	}
	return nil
}

func (m *MongoReader) Stats() ReaderStats {
	return m.stats
}

// convertBSONValue maps BSON types onto record value types. Nested documents become
// maps and arrays become slices.
func convertBSONValue(value interface{}) interface{} {
	switch v := value.(type) {
	case primitive.ObjectID:
		return v.Hex()
	case primitive.DateTime:
		return v.Time().UTC()
	case primitive.Timestamp:
		return time.Unix(int64(v.T), 0).UTC()
	case primitive.Decimal128:
		return v.String()
	case primitive.Binary:
		return v.Data
	case primitive.Regex:
		return v.Pattern
	case primitive.Null, primitive.Undefined:
		return nil
	case int32:
		return int64(v)
	case bson.M:
		out := make(map[string]interface{}, len(v))
		for k, inner := range v {
			out[k] = convertBSONValue(inner)
		}
		return out
	case bson.D:
		out := make(map[string]interface{}, len(v))
		for _, e := range v {
			out[e.Key] = convertBSONValue(e.Value)
		}
		return out
	case bson.A:
		out := make([]interface{}, len(v))
		for i, inner := range v {
			out[i] = convertBSONValue(inner)
		}
		return out
	default:
		return v
	}
}
