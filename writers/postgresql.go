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
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/aaronlmathis/microbatch/core"
)

// PostgresWriterError wraps PostgreSQL-specific write errors with the failing operation.
type PostgresWriterError struct {
	Op  string
	Err error
}

func (e *PostgresWriterError) Error() string {
	return fmt.Sprintf("postgres writer %s: %v", e.Op, e.Err)
}

func (e *PostgresWriterError) Unwrap() error {
	return e.Err
}

// ConflictResolution defines how INSERT conflicts are handled.
type ConflictResolution int

const (
	// ConflictError fails on conflict. Batches are loaded with COPY.
	ConflictError ConflictResolution = iota
	// ConflictIgnore skips conflicting rows (ON CONFLICT DO NOTHING).
	ConflictIgnore
	// ConflictUpdate overwrites conflicting rows (ON CONFLICT DO UPDATE).
	ConflictUpdate
)

// PostgresWriterOptions configures the PostgreSQL writer.
type PostgresWriterOptions struct {
	DSN                string
	TableName          string
	Columns            []string
	BatchSize          int
	CreateTable        bool
	TruncateTable      bool
	ConflictResolution ConflictResolution
	ConflictColumns    []string
	UpdateColumns      []string
	MaxOpenConns       int
	MaxIdleConns       int
	ConnMaxLifetime    time.Duration
	QueryTimeout       time.Duration
}

// PostgresWriterOption represents a configuration function for PostgresWriterOptions.
type PostgresWriterOption func(*PostgresWriterOptions)

func WithPostgresDSN(dsn string) PostgresWriterOption {
	return func(o *PostgresWriterOptions) { o.DSN = dsn }
}

func WithTableName(name string) PostgresWriterOption {
	return func(o *PostgresWriterOptions) { o.TableName = name }
}

func WithColumns(columns []string) PostgresWriterOption {
	return func(o *PostgresWriterOptions) { o.Columns = append([]string(nil), columns...) }
}

func WithPostgresBatchSize(size int) PostgresWriterOption {
	return func(o *PostgresWriterOptions) { o.BatchSize = size }
}

func WithCreateTable(create bool) PostgresWriterOption {
	return func(o *PostgresWriterOptions) { o.CreateTable = create }
}

func WithTruncateTable(truncate bool) PostgresWriterOption {
	return func(o *PostgresWriterOptions) { o.TruncateTable = truncate }
}

// WithConflictResolution sets the conflict strategy and the columns it applies to.
func WithConflictResolution(resolution ConflictResolution, conflictCols, updateCols []string) PostgresWriterOption {
	return func(o *PostgresWriterOptions) {
		o.ConflictResolution = resolution
		o.ConflictColumns = append([]string(nil), conflictCols...)
		o.UpdateColumns = append([]string(nil), updateCols...)
	}
}

func WithPostgresConnectionPool(maxOpen, maxIdle int, maxLifetime time.Duration) PostgresWriterOption {
	return func(o *PostgresWriterOptions) {
		o.MaxOpenConns = maxOpen
		o.MaxIdleConns = maxIdle
		o.ConnMaxLifetime = maxLifetime
	}
}

func WithPostgresQueryTimeout(timeout time.Duration) PostgresWriterOption {
	return func(o *PostgresWriterOptions) { o.QueryTimeout = timeout }
}

// PostgresWriter implements core.DataSink for a PostgreSQL table. Every batch is
// written in one transaction. It is safe for concurrent use.
type PostgresWriter struct {
	mu          sync.Mutex
	db          *sql.DB
	opts        PostgresWriterOptions
	columns     []string
	buffer      []core.Record
	stats       WriterStats
	initialized bool
	failed      bool
	closed      bool
}

// NewPostgresWriter connects to the database and checks the connection.
func NewPostgresWriter(options ...PostgresWriterOption) (*PostgresWriter, error) {
	opts := PostgresWriterOptions{
		BatchSize:       1000,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		QueryTimeout:    30 * time.Second,
	}
	for _, option := range options {
		option(&opts)
	}
	if err := opts.validate(); err != nil {
		return nil, &PostgresWriterError{Op: "validate", Err: err}
	}

	db, err := sql.Open("postgres", opts.DSN)
	if err != nil {
		return nil, &PostgresWriterError{Op: "connect", Err: err}
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), opts.QueryTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &PostgresWriterError{Op: "connect", Err: err}
	}

	return &PostgresWriter{
		db:      db,
		opts:    opts,
		columns: append([]string(nil), opts.Columns...),
		stats:   newWriterStats(),
	}, nil
}

func (o PostgresWriterOptions) validate() error {
	switch {
	case o.DSN == "":
		return fmt.Errorf("dsn is required")
	case o.TableName == "":
		return fmt.Errorf("table name is required")
	case o.ConflictResolution != ConflictError && len(o.ConflictColumns) == 0:
		return fmt.Errorf("conflict columns required for conflict resolution")
	case o.ConflictResolution == ConflictUpdate && len(o.UpdateColumns) == 0:
		return fmt.Errorf("update columns required for conflict update resolution")
	}
	return nil
}

func (w *PostgresWriter) Write(ctx context.Context, record core.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return &PostgresWriterError{Op: "write", Err: core.ErrClosed}
	}
	if w.failed {
		return &PostgresWriterError{Op: "write", Err: fmt.Errorf("writer is in error state")}
	}
	if !w.initialized {
		if err := w.initialize(ctx, record); err != nil {
			w.failed = true
			return &PostgresWriterError{Op: "initialize", Err: err}
		}
	}

	for key, value := range record {
		if value == nil {
			w.stats.NullValueCounts[key]++
		}
	}
	w.buffer = append(w.buffer, record)
	w.stats.RecordsWritten++

	if len(w.buffer) >= w.opts.BatchSize {
		if err := w.flushLocked(ctx); err != nil {
			w.failed = true
			return err
		}
	}
	return nil
}

func (w *PostgresWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), w.opts.QueryTimeout)
	defer cancel()
	return w.flushLocked(ctx)
}

func (w *PostgresWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	ctx, cancel := context.WithTimeout(context.Background(), w.opts.QueryTimeout)
	defer cancel()
	err := w.flushLocked(ctx)
	if cerr := w.db.Close(); err == nil {
		err = cerr
	}
	return err
}

func (w *PostgresWriter) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats.clone()
}

func (w *PostgresWriter) initialize(ctx context.Context, first core.Record) error {
	if len(w.columns) == 0 {
		for key := range first {
			w.columns = append(w.columns, key)
		}
		sort.Strings(w.columns)
	}
	if w.opts.CreateTable {
		if _, err := w.db.ExecContext(ctx, createTableSQL(w.opts.TableName, w.columns, first)); err != nil {
			return fmt.Errorf("creating table: %w", err)
		}
	}
	if w.opts.TruncateTable {
		if _, err := w.db.ExecContext(ctx, "TRUNCATE TABLE "+pq.QuoteIdentifier(w.opts.TableName)); err != nil {
			return fmt.Errorf("truncating table: %w", err)
		}
	}
	w.initialized = true
	return nil
}

func (w *PostgresWriter) flushLocked(ctx context.Context) (err error) {
	if len(w.buffer) == 0 {
		return nil
	}
	start := time.Now()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return &PostgresWriterError{Op: "begin", Err: err}
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query := insertSQL(w.opts, w.columns)
	if w.opts.ConflictResolution == ConflictError {
		query = pq.CopyIn(w.opts.TableName, w.columns...)
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return &PostgresWriterError{Op: "prepare", Err: err}
	}

	for _, record := range w.buffer {
		values := make([]interface{}, len(w.columns))
		for i, col := range w.columns {
			values[i] = sqlValue(record[col])
		}
		if _, err = stmt.ExecContext(ctx, values...); err != nil {
			_ = stmt.Close()
			return &PostgresWriterError{Op: "exec", Err: err}
		}
	}
	if w.opts.ConflictResolution == ConflictError {
		// flushes the COPY buffer
		if _, err = stmt.ExecContext(ctx); err != nil {
			_ = stmt.Close()
			return &PostgresWriterError{Op: "copy", Err: err}
		}
	}
	if err = stmt.Close(); err != nil {
		return &PostgresWriterError{Op: "exec", Err: err}
	}
	if err = tx.Commit(); err != nil {
		return &PostgresWriterError{Op: "commit", Err: err}
	}

	w.buffer = w.buffer[:0]
	w.stats.recordFlush(time.Since(start))
	return nil
}

func createTableSQL(table string, columns []string, sample core.Record) string {
	defs := make([]string, len(columns))
	for i, col := range columns {
		defs[i] = pq.QuoteIdentifier(col) + " " + sqlType(sample[col])
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", pq.QuoteIdentifier(table), strings.Join(defs, ", "))
}

func insertSQL(opts PostgresWriterOptions, columns []string) string {
	quoted := quoteAll(columns)
	placeholders := make([]string, len(columns))
	for i := range placeholders {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		pq.QuoteIdentifier(opts.TableName), strings.Join(quoted, ", "), strings.Join(placeholders, ", "))

	switch opts.ConflictResolution {
	case ConflictIgnore:
		query += fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", strings.Join(quoteAll(opts.ConflictColumns), ", "))
	case ConflictUpdate:
		sets := make([]string, len(opts.UpdateColumns))
		for i, col := range opts.UpdateColumns {
			q := pq.QuoteIdentifier(col)
			sets[i] = q + " = EXCLUDED." + q
		}
		query += fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s",
			strings.Join(quoteAll(opts.ConflictColumns), ", "), strings.Join(sets, ", "))
	}
	return query
}

func quoteAll(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = pq.QuoteIdentifier(n)
	}
	return out
}

func sqlType(value interface{}) string {
	switch core.TypeOf(value) {
	case core.FieldBool:
		return "BOOLEAN"
	case core.FieldInt:
		return "BIGINT"
	case core.FieldFloat:
		return "DOUBLE PRECISION"
	case core.FieldTime:
		return "TIMESTAMPTZ"
	case core.FieldBytes:
		return "BYTEA"
	default:
		return "TEXT"
	}
}

// sqlValue converts a value to a type database/sql accepts.
func sqlValue(value interface{}) interface{} {
	switch v := value.(type) {
	case nil, bool, int64, float64, string, []byte, time.Time:
		return v
	case float32:
		return float64(v)
	default:
		if n, ok := toInt64(value); ok {
			return n
		}
		return fmt.Sprint(v)
	}
}
