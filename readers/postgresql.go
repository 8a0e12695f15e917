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
	"database/sql"
	"fmt"
	"io"
	"regexp"
	"time"

	_ "github.com/lib/pq" // registers the postgres driver

	"github.com/aaronlmathis/microbatch/core"
)

// PostgresReaderError wraps structured error information for the PostgreSQL reader.
type PostgresReaderError struct {
	Op  string
	Err error
}

func (e *PostgresReaderError) Error() string {
	return fmt.Sprintf("postgres reader %s: %v", e.Op, e.Err)
}

func (e *PostgresReaderError) Unwrap() error {
	return e.Err
}

// PostgresReaderOptions configures the PostgreSQL reader.
type PostgresReaderOptions struct {
	DSN          string
	Query        string
	Params       []interface{}
	MaxOpenConns int
	MaxIdleConns int
	QueryTimeout time.Duration
	// UseCursor streams rows through a server-side cursor, FetchSize rows at a time.
	UseCursor  bool
	CursorName string
	FetchSize  int
}

// PostgresReaderOption represents a configuration function for PostgresReaderOptions.
type PostgresReaderOption func(*PostgresReaderOptions)

func WithPostgresDSN(dsn string) PostgresReaderOption {
	return func(o *PostgresReaderOptions) { o.DSN = dsn }
}

// WithPostgresQuery sets the SQL query and its positional parameters.
func WithPostgresQuery(query string, params ...interface{}) PostgresReaderOption {
	return func(o *PostgresReaderOptions) {
		o.Query = query
		o.Params = append([]interface{}(nil), params...)
	}
}

func WithPostgresConnectionPool(maxOpen, maxIdle int) PostgresReaderOption {
	return func(o *PostgresReaderOptions) {
		o.MaxOpenConns = maxOpen
		o.MaxIdleConns = maxIdle
	}
}

func WithPostgresQueryTimeout(timeout time.Duration) PostgresReaderOption {
	return func(o *PostgresReaderOptions) { o.QueryTimeout = timeout }
}

func WithPostgresCursor(name string, fetchSize int) PostgresReaderOption {
	return func(o *PostgresReaderOptions) {
		o.UseCursor = true
		o.CursorName = name
		o.FetchSize = fetchSize
	}
}

var cursorNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

func (o PostgresReaderOptions) validate() error {
	switch {
	case o.DSN == "":
		return fmt.Errorf("dsn is required")
	case o.Query == "":
		return fmt.Errorf("query is required")
	case o.UseCursor && !cursorNamePattern.MatchString(o.CursorName):
		return fmt.Errorf("invalid cursor name %q", o.CursorName)
	case o.UseCursor && o.FetchSize < 1:
		return fmt.Errorf("fetch size must be >= 1")
	}
	return nil
}

// PostgresReader implements core.DataSource for the result of one SQL query. The query
// runs on the first Read.
type PostgresReader struct {
	db      *sql.DB
	tx      *sql.Tx
	rows    *sql.Rows
	columns []string
	types   []*sql.ColumnType
	opts    PostgresReaderOptions
	fetched int
	done    bool
	stats   ReaderStats
}

// NewPostgresReader connects to the database and checks the connection.
func NewPostgresReader(options ...PostgresReaderOption) (*PostgresReader, error) {
	opts := PostgresReaderOptions{
		MaxOpenConns: 5,
		MaxIdleConns: 2,
		QueryTimeout: 30 * time.Second,
		CursorName:   "microbatch_cursor",
		FetchSize:    1000,
	}
	for _, opt := range options {
		opt(&opts)
	}
	if err := opts.validate(); err != nil {
		return nil, &PostgresReaderError{Op: "validate", Err: err}
	}

	db, err := sql.Open("postgres", opts.DSN)
	if err != nil {
		return nil, &PostgresReaderError{Op: "connect", Err: err}
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)

	ctx, cancel := context.WithTimeout(context.Background(), opts.QueryTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &PostgresReaderError{Op: "connect", Err: err}
	}
	return &PostgresReader{db: db, opts: opts, stats: newReaderStats()}, nil
}

func (p *PostgresReader) Read(ctx context.Context) (core.Record, error) {
	start := time.Now()
	if p.done {
		return nil, io.EOF
	}
	if p.rows == nil {
		if err := p.query(ctx); err != nil {
			return nil, err
		}
	}

	for !p.rows.Next() {
		if err := p.rows.Err(); err != nil {
			return nil, &PostgresReaderError{Op: "read", Err: err}
		}
		// a short cursor page means the result set is exhausted
		if !p.opts.UseCursor || p.fetched < p.opts.FetchSize {
			p.done = true
			return nil, io.EOF
		}
		if err := p.fetch(ctx); err != nil {
			return nil, err
		}
	}
	p.fetched++

	values := make([]interface{}, len(p.columns))
	ptrs := make([]interface{}, len(values))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := p.rows.Scan(ptrs...); err != nil {
		return nil, &PostgresReaderError{Op: "scan", Err: err}
	}

	record := make(core.Record, len(p.columns))
	for i, name := range p.columns {
		if values[i] == nil {
			p.stats.NullValueCounts[name]++
			record[name] = nil
			continue
		}
		record[name] = convertSQLValue(values[i], p.types[i].DatabaseTypeName())
	}
	p.stats.recordRead(start)
	return record, nil
}

func (p *PostgresReader) query(ctx context.Context) error {
	if !p.opts.UseCursor {
		rows, err := p.db.QueryContext(ctx, p.opts.Query, p.opts.Params...)
		if err != nil {
			return &PostgresReaderError{Op: "query", Err: err}
		}
		return p.setRows(rows)
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return &PostgresReaderError{Op: "begin", Err: err}
	}
	p.tx = tx
	declare := fmt.Sprintf("DECLARE %s NO SCROLL CURSOR FOR %s", p.opts.CursorName, p.opts.Query)
	if _, err := tx.ExecContext(ctx, declare, p.opts.Params...); err != nil {
		return &PostgresReaderError{Op: "declare_cursor", Err: err}
	}
	return p.fetch(ctx)
}

func (p *PostgresReader) fetch(ctx context.Context) error {
	if p.rows != nil {
		p.rows.Close()
	}
	rows, err := p.tx.QueryContext(ctx, fmt.Sprintf("FETCH %d FROM %s", p.opts.FetchSize, p.opts.CursorName))
	if err != nil {
		return &PostgresReaderError{Op: "fetch_cursor", Err: err}
	}
	p.fetched = 0
	p.stats.BatchesRead++
	return p.setRows(rows)
}

func (p *PostgresReader) setRows(rows *sql.Rows) error {
	p.rows = rows
	columns, err := rows.Columns()
	if err != nil {
		return &PostgresReaderError{Op: "columns", Err: err}
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return &PostgresReaderError{Op: "column_types", Err: err}
	}
	p.columns, p.types = columns, types
	return nil
}

func (p *PostgresReader) Close() error {
	var err error
	if p.rows != nil {
		err = p.rows.Close()
	}
	if p.tx != nil {
		// the cursor is read only
		_ = p.tx.Rollback()
	}
	if cerr := p.db.Close(); err == nil {
		err = cerr
	}
	return err
}

// Columns returns the result column names once the query has run.
func (p *PostgresReader) Columns() []string {
	return append([]string(nil), p.columns...)
}

func (p *PostgresReader) Stats() ReaderStats {
	return p.stats
}

// convertSQLValue maps driver values onto the record value types. lib/pq returns text
// and numeric columns as []byte.
func convertSQLValue(value interface{}, dbType string) interface{} {
	switch v := value.(type) {
	case []byte:
		switch dbType {
		case "BYTEA":
			return append([]byte(nil), v...)
		case "NUMERIC":
			return inferCell(string(v))
		default:
			return string(v)
		}
	case int32:
		return int64(v)
	case float32:
		return float64(v)
	default:
		return v
	}
}
