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
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/apache/arrow/go/v12/arrow"
	"github.com/apache/arrow/go/v12/arrow/array"
	"github.com/apache/arrow/go/v12/arrow/memory"
	"github.com/apache/arrow/go/v12/parquet"
	"github.com/apache/arrow/go/v12/parquet/compress"
	"github.com/apache/arrow/go/v12/parquet/pqarrow"

	"github.com/aaronlmathis/microbatch/core"
)

// ParquetWriterError wraps Parquet-specific write errors with the failing operation.
type ParquetWriterError struct {
	Op  string
	Err error
}

func (e *ParquetWriterError) Error() string {
	return fmt.Sprintf("parquet writer %s: %v", e.Op, e.Err)
}

func (e *ParquetWriterError) Unwrap() error {
	return e.Err
}

// ParquetWriterOptions configures a ParquetWriter.
type ParquetWriterOptions struct {
	BatchSize    int64
	RowGroupSize int64
	Compression  compress.Compression
	// Schema fixes the column order and types. Without one they are inferred from the
	// first record, columns sorted by name.
	Schema *core.Schema
}

// ParquetWriterOption customizes ParquetWriterOptions.
type ParquetWriterOption func(*ParquetWriterOptions)

func WithParquetBatchSize(size int64) ParquetWriterOption {
	return func(o *ParquetWriterOptions) { o.BatchSize = size }
}

func WithRowGroupSize(size int64) ParquetWriterOption {
	return func(o *ParquetWriterOptions) { o.RowGroupSize = size }
}

func WithCompression(c compress.Compression) ParquetWriterOption {
	return func(o *ParquetWriterOptions) { o.Compression = c }
}

func WithParquetSchema(schema *core.Schema) ParquetWriterOption {
	return func(o *ParquetWriterOptions) { o.Schema = schema }
}

// ParquetWriter buffers records and writes them as Arrow record batches.
type ParquetWriter struct {
	out       io.WriteCloser
	opts      ParquetWriterOptions
	alloc     memory.Allocator
	schema    *arrow.Schema
	writer    *pqarrow.FileWriter
	buffer    []core.Record
	stats     WriterStats
	closed    bool
	lastError error
}

// NewParquetWriter creates the file, and its parent directories, at filename.
func NewParquetWriter(filename string, options ...ParquetWriterOption) (*ParquetWriter, error) {
	if dir := filepath.Dir(filename); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &ParquetWriterError{Op: "create_directory", Err: err}
		}
	}
	f, err := os.Create(filename)
	if err != nil {
		return nil, &ParquetWriterError{Op: "open_file", Err: err}
	}
	return NewParquetStreamWriter(f, options...), nil
}

// NewParquetStreamWriter writes Parquet to w, closing it on Close.
func NewParquetStreamWriter(w io.WriteCloser, options ...ParquetWriterOption) *ParquetWriter {
	opts := ParquetWriterOptions{
		BatchSize:    1000,
		RowGroupSize: 10000,
		Compression:  compress.Codecs.Snappy,
	}
	for _, option := range options {
		option(&opts)
	}
	return &ParquetWriter{
		out:    w,
		opts:   opts,
		alloc:  memory.NewGoAllocator(),
		buffer: make([]core.Record, 0, opts.BatchSize),
		stats:  newWriterStats(),
	}
}

func (p *ParquetWriter) Stats() WriterStats { return p.stats }

// Write buffers a record and writes a batch once BatchSize records are buffered.
func (p *ParquetWriter) Write(ctx context.Context, record core.Record) error {
	if p.closed {
		return &ParquetWriterError{Op: "write", Err: core.ErrClosed}
	}
	if p.lastError != nil {
		return &ParquetWriterError{Op: "write", Err: fmt.Errorf("writer failed earlier: %w", p.lastError)}
	}
	if p.writer == nil {
		if err := p.open(record); err != nil {
			p.lastError = err
			return &ParquetWriterError{Op: "schema", Err: err}
		}
	}

	p.buffer = append(p.buffer, record)
	p.stats.RecordsWritten++
	if int64(len(p.buffer)) >= p.opts.BatchSize {
		return p.Flush()
	}
	return nil
}

// Flush writes buffered records as one record batch.
func (p *ParquetWriter) Flush() error {
	if len(p.buffer) == 0 || p.writer == nil {
		return nil
	}
	start := time.Now()

	rec, err := p.toArrow(p.buffer)
	if err != nil {
		p.lastError = err
		return &ParquetWriterError{Op: "convert", Err: err}
	}
	defer rec.Release()

	if err := p.writer.Write(rec); err != nil {
		p.lastError = err
		return &ParquetWriterError{Op: "write_batch", Err: err}
	}

	p.buffer = p.buffer[:0]
	p.stats.recordFlush(time.Since(start))
	return nil
}

// Close flushes and finalizes the file. A writer that never received a record still
// produces a valid file when a schema was configured.
func (p *ParquetWriter) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true

	if p.writer == nil && p.opts.Schema != nil {
		if err := p.open(nil); err != nil {
			_ = p.out.Close()
			return &ParquetWriterError{Op: "schema", Err: err}
		}
	}
	if err := p.Flush(); err != nil {
		if p.writer != nil {
			_ = p.writer.Close()
		} else {
			_ = p.out.Close()
		}
		return err
	}
	if p.writer == nil {
		return p.out.Close()
	}
	// the file writer closes the underlying sink
	if err := p.writer.Close(); err != nil {
		return &ParquetWriterError{Op: "close", Err: err}
	}
	return nil
}

func (p *ParquetWriter) open(first core.Record) error {
	schema, err := p.arrowSchema(first)
	if err != nil {
		return err
	}
	props := parquet.NewWriterProperties(
		parquet.WithCompression(p.opts.Compression),
		parquet.WithMaxRowGroupLength(p.opts.RowGroupSize),
	)
	w, err := pqarrow.NewFileWriter(schema, p.out, props, pqarrow.DefaultWriterProps())
	if err != nil {
		return fmt.Errorf("creating file writer: %w", err)
	}
	p.schema = schema
	p.writer = w
	return nil
}

func (p *ParquetWriter) arrowSchema(first core.Record) (*arrow.Schema, error) {
	var fields []arrow.Field
	if p.opts.Schema != nil {
		for _, f := range p.opts.Schema.Fields() {
			t := arrowTypeOf(f.Type)
			if f.Type == core.FieldAny && first != nil {
				t = inferArrowType(first[f.Name])
			}
			fields = append(fields, arrow.Field{Name: f.Name, Type: t, Nullable: true})
		}
		return arrow.NewSchema(fields, nil), nil
	}

	names := make([]string, 0, len(first))
	for name := range first {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fields = append(fields, arrow.Field{Name: name, Type: inferArrowType(first[name]), Nullable: true})
	}
	return arrow.NewSchema(fields, nil), nil
}

func arrowTypeOf(t core.FieldType) arrow.DataType {
	switch t {
	case core.FieldInt:
		return arrow.PrimitiveTypes.Int64
	case core.FieldFloat:
		return arrow.PrimitiveTypes.Float64
	case core.FieldBool:
		return arrow.FixedWidthTypes.Boolean
	case core.FieldTime:
		return arrow.FixedWidthTypes.Timestamp_us
	case core.FieldBytes:
		return arrow.BinaryTypes.Binary
	default:
		return arrow.BinaryTypes.String
	}
}

func inferArrowType(v interface{}) arrow.DataType {
	return arrowTypeOf(core.TypeOf(v))
}

func (p *ParquetWriter) toArrow(records []core.Record) (arrow.Record, error) {
	b := array.NewRecordBuilder(p.alloc, p.schema)
	defer b.Release()

	for _, record := range records {
		for i, field := range p.schema.Fields() {
			value, ok := record[field.Name]
			if !ok || value == nil {
				b.Field(i).AppendNull()
				p.stats.NullValueCounts[field.Name]++
				continue
			}
			if err := appendValue(b.Field(i), value); err != nil {
				return nil, fmt.Errorf("field %s: %w", field.Name, err)
			}
		}
	}
	return b.NewRecord(), nil
}

func appendValue(builder array.Builder, value interface{}) error {
	switch b := builder.(type) {
	case *array.Int64Builder:
		n, ok := toInt64(value)
		if !ok {
			return fmt.Errorf("cannot write %T as int64", value)
		}
		b.Append(n)
	case *array.Float64Builder:
		switch v := value.(type) {
		case float64:
			b.Append(v)
		case float32:
			b.Append(float64(v))
		default:
			n, ok := toInt64(value)
			if !ok {
				return fmt.Errorf("cannot write %T as float64", value)
			}
			b.Append(float64(n))
		}
	case *array.BooleanBuilder:
		v, ok := value.(bool)
		if !ok {
			return fmt.Errorf("cannot write %T as bool", value)
		}
		b.Append(v)
	case *array.TimestampBuilder:
		v, ok := value.(time.Time)
		if !ok {
			return fmt.Errorf("cannot write %T as timestamp", value)
		}
		b.Append(arrow.Timestamp(v.UnixMicro()))
	case *array.BinaryBuilder:
		switch v := value.(type) {
		case []byte:
			b.Append(v)
		default:
			b.Append([]byte(fmt.Sprint(v)))
		}
	case *array.StringBuilder:
		if v, ok := value.(string); ok {
			b.Append(v)
		} else {
			b.Append(fmt.Sprint(value))
		}
	default:
		return fmt.Errorf("unsupported column type %T", builder)
	}
	return nil
}

func toInt64(value interface{}) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		return int64(v), true
	case uint:
		return int64(v), true
	default:
		return 0, false
	}
}
