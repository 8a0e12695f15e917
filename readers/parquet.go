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
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/apache/arrow/go/v12/arrow"
	"github.com/apache/arrow/go/v12/arrow/array"
	"github.com/apache/arrow/go/v12/arrow/memory"
	"github.com/apache/arrow/go/v12/parquet"
	"github.com/apache/arrow/go/v12/parquet/file"
	"github.com/apache/arrow/go/v12/parquet/pqarrow"

	"github.com/aaronlmathis/microbatch/core"
)

// ParquetReaderError wraps structured error information for the Parquet reader.
type ParquetReaderError struct {
	Op  string
	Err error
}

func (e *ParquetReaderError) Error() string {
	return fmt.Sprintf("parquet reader %s: %v", e.Op, e.Err)
}

func (e *ParquetReaderError) Unwrap() error {
	return e.Err
}

// ParquetReaderOptions configures the Parquet reader.
type ParquetReaderOptions struct {
	BatchSize int64
	// Columns projects the named columns. Empty reads every column.
	Columns []string
}

// ReaderOptionParquet allows functional customization of ParquetReader.
type ReaderOptionParquet func(*ParquetReaderOptions)

func WithParquetBatchSize(size int64) ReaderOptionParquet {
	return func(o *ParquetReaderOptions) { o.BatchSize = size }
}

func WithParquetColumns(columns ...string) ReaderOptionParquet {
	return func(o *ParquetReaderOptions) { o.Columns = append([]string(nil), columns...) }
}

// ParquetReader implements core.DataSource over Arrow record batches read from Parquet.
// Integers read as int64, floats as float64 and timestamps as UTC time.Time.
type ParquetReader struct {
	closer  io.Closer
	records pqarrow.RecordReader
	schema  *arrow.Schema
	batch   arrow.Record
	row     int
	stats   ReaderStats
}

// NewParquetReader opens a Parquet file.
func NewParquetReader(filename string, options ...ReaderOptionParquet) (*ParquetReader, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, &ParquetReaderError{Op: "open_file", Err: err}
	}
	r, err := NewParquetStreamReader(f, options...)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// NewParquetStreamReader reads Parquet from src, closing it on Close when it is an io.Closer.
func NewParquetStreamReader(src parquet.ReaderAtSeeker, options ...ReaderOptionParquet) (*ParquetReader, error) {
	opts := ParquetReaderOptions{BatchSize: 1000}
	for _, opt := range options {
		opt(&opts)
	}

	pf, err := file.NewParquetReader(src)
	if err != nil {
		return nil, &ParquetReaderError{Op: "create_reader", Err: err}
	}
	fr, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{BatchSize: opts.BatchSize}, memory.NewGoAllocator())
	if err != nil {
		return nil, &ParquetReaderError{Op: "create_arrow_reader", Err: err}
	}
	schema, err := fr.Schema()
	if err != nil {
		return nil, &ParquetReaderError{Op: "schema", Err: err}
	}

	var cols []int
	for _, name := range opts.Columns {
		idx := schema.FieldIndices(name)
		if len(idx) == 0 {
			return nil, &ParquetReaderError{Op: "column_projection", Err: fmt.Errorf("column %q not found", name)}
		}
		cols = append(cols, idx[0])
	}

	rr, err := fr.GetRecordReader(context.Background(), cols, nil)
	if err != nil {
		return nil, &ParquetReaderError{Op: "create_record_reader", Err: err}
	}

	r := &ParquetReader{records: rr, schema: rr.Schema(), stats: newReaderStats()}
	if c, ok := src.(io.Closer); ok {
		r.closer = c
	}
	return r, nil
}

func (p *ParquetReader) Read(ctx context.Context) (core.Record, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, &ParquetReaderError{Op: "read", Err: err}
	}

	for p.batch == nil || p.row >= int(p.batch.NumRows()) {
		if p.batch != nil {
			p.batch.Release()
			p.batch = nil
		}
		rec, err := p.records.Read()
		if errors.Is(err, io.EOF) || (err == nil && rec == nil) {
			return nil, io.EOF
		}
		if err != nil {
			return nil, &ParquetReaderError{Op: "load_batch", Err: err}
		}
		// the record reader releases rec on its next Read
		rec.Retain()
		p.batch = rec
		p.row = 0
		p.stats.BatchesRead++
	}

	record := make(core.Record, p.batch.NumCols())
	for i, field := range p.batch.Schema().Fields() {
		v, err := columnValue(p.batch.Column(i), p.row)
		if err != nil {
			return nil, &ParquetReaderError{Op: "convert", Err: fmt.Errorf("column %s: %w", field.Name, err)}
		}
		if v == nil {
			p.stats.NullValueCounts[field.Name]++
		}
		record[field.Name] = v
	}
	p.row++
	p.stats.recordRead(start)
	return record, nil
}

func (p *ParquetReader) Close() error {
	if p.batch != nil {
		p.batch.Release()
		p.batch = nil
	}
	if p.records != nil {
		p.records.Release()
		p.records = nil
	}
	if p.closer != nil {
		return p.closer.Close()
	}
	return nil
}

// Schema returns the Arrow schema of the projected columns.
func (p *ParquetReader) Schema() *arrow.Schema {
	return p.schema
}

func (p *ParquetReader) Stats() ReaderStats {
	return p.stats
}

func columnValue(col arrow.Array, row int) (interface{}, error) {
	if col.IsNull(row) {
		return nil, nil
	}
	switch c := col.(type) {
	case *array.Boolean:
		return c.Value(row), nil
	case *array.Int8:
		return int64(c.Value(row)), nil
	case *array.Int16:
		return int64(c.Value(row)), nil
	case *array.Int32:
		return int64(c.Value(row)), nil
	case *array.Int64:
		return c.Value(row), nil
	case *array.Uint8:
		return int64(c.Value(row)), nil
	case *array.Uint16:
		return int64(c.Value(row)), nil
	case *array.Uint32:
		return int64(c.Value(row)), nil
	case *array.Uint64:
		return int64(c.Value(row)), nil
	case *array.Float32:
		return float64(c.Value(row)), nil
	case *array.Float64:
		return c.Value(row), nil
	case *array.String:
		return c.Value(row), nil
	case *array.LargeString:
		return c.Value(row), nil
	case *array.Binary:
		return append([]byte(nil), c.Value(row)...), nil
	case *array.Timestamp:
		unit := c.DataType().(*arrow.TimestampType).Unit
		return timestampToTime(int64(c.Value(row)), unit), nil
	case *array.Date32:
		return time.Unix(int64(c.Value(row))*86400, 0).UTC(), nil
	default:
		return nil, fmt.Errorf("unsupported arrow type %s", col.DataType())
	}
}

func timestampToTime(v int64, unit arrow.TimeUnit) time.Time {
	switch unit {
	case arrow.Second:
		return time.Unix(v, 0).UTC()
	case arrow.Millisecond:
		return time.UnixMilli(v).UTC()
	case arrow.Microsecond:
		return time.UnixMicro(v).UTC()
	default:
		return time.Unix(0, v).UTC()
	}
}
