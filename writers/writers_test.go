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

package writers

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow/go/v12/arrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronlmathis/microbatch/core"
)

type mockWriteCloser struct {
	mu        sync.Mutex
	buf       strings.Builder
	closed    bool
	failWrite bool
}

func (m *mockWriteCloser) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite {
		return 0, io.ErrUnexpectedEOF
	}
	return m.buf.Write(p)
}

func (m *mockWriteCloser) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockWriteCloser) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf.String()
}

func TestCSVWriter(t *testing.T) {
	out := &mockWriteCloser{}
	w, err := NewCSVWriter(out)
	require.NoError(t, err)

	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, w.Write(context.Background(), core.Record{"name": "ann", "id": int64(1), "at": at}))
	require.NoError(t, w.Write(context.Background(), core.Record{"name": nil, "id": int64(2), "extra": "ignored"}))
	assert.Empty(t, out.String(), "rows are buffered until flush")

	require.NoError(t, w.Close())
	assert.Equal(t, "at,id,name\n2025-01-02T03:04:05Z,1,ann\n,2,\n", out.String())
	assert.True(t, out.closed)

	stats := w.Stats()
	assert.Equal(t, int64(2), stats.RecordsWritten)
	assert.Equal(t, int64(1), stats.NullValueCounts["name"])

	err = w.Write(context.Background(), core.Record{"id": 3})
	assert.ErrorIs(t, err, core.ErrClosed)
	assert.NoError(t, w.Close())
}

func TestCSVWriter_Options(t *testing.T) {
	out := &mockWriteCloser{}
	w, err := NewCSVWriter(out,
		WithHeaders([]string{"id", "name"}),
		WithComma(';'),
		WithWriteHeader(false),
		WithCSVBatchSize(1),
	)
	require.NoError(t, err)

	require.NoError(t, w.Write(context.Background(), core.Record{"name": "a;b", "id": 7}))
	assert.Equal(t, "7;\"a;b\"\n", out.String())
	assert.Equal(t, int64(1), w.Stats().FlushCount)
}

func TestCSVWriter_WriteFailure(t *testing.T) {
	out := &mockWriteCloser{failWrite: true}
	w, err := NewCSVWriter(out, WithCSVBatchSize(1))
	require.NoError(t, err)

	err = w.Write(context.Background(), core.Record{"id": 1})
	require.Error(t, err)
	err = w.Write(context.Background(), core.Record{"id": 2})
	assert.ErrorContains(t, err, "error state")
}

func TestJSONWriter(t *testing.T) {
	out := &mockWriteCloser{}
	w := NewJSONWriter(out)

	require.NoError(t, w.Write(context.Background(), core.Record{"id": int64(1), "tags": []string{"x"}}))
	require.NoError(t, w.Write(context.Background(), core.Record{"id": int64(2), "name": nil}))
	require.NoError(t, w.Flush())
	assert.Equal(t, "{\"id\":1,\"tags\":[\"x\"]}\n{\"id\":2,\"name\":null}\n", out.String())

	require.NoError(t, w.Close())
	assert.True(t, out.closed)
	assert.Equal(t, int64(2), w.Stats().RecordsWritten)
	assert.Equal(t, int64(1), w.Stats().NullValueCounts["name"])
	assert.ErrorIs(t, w.Write(context.Background(), core.Record{}), core.ErrClosed)
}

func TestJSONWriter_UnencodableRecord(t *testing.T) {
	w := NewJSONWriter(&mockWriteCloser{})
	err := w.Write(context.Background(), core.Record{"ch": make(chan int)})
	var jsonErr *JSONWriterError
	require.ErrorAs(t, err, &jsonErr)
	assert.Equal(t, "encode", jsonErr.Op)
}

func TestParquetWriter_Schema(t *testing.T) {
	schema := core.MustSchema(
		core.Field{Name: "id", Type: core.FieldInt},
		core.Field{Name: "ok", Type: core.FieldBool},
		core.Field{Name: "raw", Type: core.FieldAny},
	)
	out := &mockWriteCloser{}
	w := NewParquetStreamWriter(out, WithParquetSchema(schema), WithParquetBatchSize(1))

	require.NoError(t, w.Write(context.Background(), core.Record{"id": 1, "ok": true, "raw": 2.5}))
	require.Len(t, w.schema.Fields(), 3)
	assert.Equal(t, arrow.PrimitiveTypes.Int64, w.schema.Field(0).Type)
	assert.Equal(t, arrow.FixedWidthTypes.Boolean, w.schema.Field(1).Type)
	assert.Equal(t, arrow.PrimitiveTypes.Float64, w.schema.Field(2).Type)
	assert.Equal(t, int64(1), w.Stats().FlushCount)

	err := w.Write(context.Background(), core.Record{"id": "x", "ok": true})
	var pqErr *ParquetWriterError
	require.ErrorAs(t, err, &pqErr)
	assert.Equal(t, "convert", pqErr.Op)

	// a failed writer refuses further rows
	err = w.Write(context.Background(), core.Record{"id": 2})
	assert.Error(t, err)
	_ = w.Close()
}

func TestParquetWriter_EmptyWithSchema(t *testing.T) {
	out := &mockWriteCloser{}
	w := NewParquetStreamWriter(out, WithParquetSchema(core.MustSchema(core.Field{Name: "id", Type: core.FieldInt})))
	require.NoError(t, w.Close())
	assert.True(t, out.closed)
	assert.True(t, strings.HasPrefix(out.String(), "PAR1"))
}

func TestSQLHelpers(t *testing.T) {
	assert.Equal(t, "BIGINT", sqlType(int32(1)))
	assert.Equal(t, "DOUBLE PRECISION", sqlType(1.5))
	assert.Equal(t, "TIMESTAMPTZ", sqlType(time.Now()))
	assert.Equal(t, "TEXT", sqlType(nil))

	assert.Equal(t, int64(3), sqlValue(uint16(3)))
	assert.Equal(t, "[1 2]", sqlValue([]int{1, 2}))

	opts := PostgresWriterOptions{
		TableName:          "events",
		ConflictResolution: ConflictUpdate,
		ConflictColumns:    []string{"id"},
		UpdateColumns:      []string{"name"},
	}
	assert.Equal(t,
		`INSERT INTO "events" ("id", "name") VALUES ($1, $2) ON CONFLICT ("id") DO UPDATE SET "name" = EXCLUDED."name"`,
		insertSQL(opts, []string{"id", "name"}),
	)
	assert.Equal(t,
		`CREATE TABLE IF NOT EXISTS "events" ("id" BIGINT, "name" TEXT)`,
		createTableSQL("events", []string{"id", "name"}, core.Record{"id": int64(1), "name": "x"}),
	)
}

func TestNewPostgresWriter_Validation(t *testing.T) {
	_, err := NewPostgresWriter(WithTableName("t"))
	assert.ErrorContains(t, err, "dsn is required")

	_, err = NewPostgresWriter(WithPostgresDSN("postgres://x"), WithTableName("t"),
		WithConflictResolution(ConflictIgnore, nil, nil))
	var pgErr *PostgresWriterError
	require.True(t, errors.As(err, &pgErr))
	assert.Equal(t, "validate", pgErr.Op)
}
