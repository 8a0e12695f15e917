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
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/aaronlmathis/microbatch/core"
)

// CSVWriterError wraps CSV-specific write errors with context.
type CSVWriterError struct {
	Op  string
	Err error
}

func (e *CSVWriterError) Error() string {
	return fmt.Sprintf("csv writer %s: %v", e.Op, e.Err)
}

func (e *CSVWriterError) Unwrap() error {
	return e.Err
}

// CSVWriterOptions configures CSV output.
type CSVWriterOptions struct {
	Comma       rune
	UseCRLF     bool
	WriteHeader bool
	// Headers fixes the column order. Without it the first record's keys are used, sorted.
	Headers   []string
	BatchSize int
}

// WriterOptionCSV is a functional option.
type WriterOptionCSV func(*CSVWriterOptions)

func WithHeaders(headers []string) WriterOptionCSV {
	return func(o *CSVWriterOptions) { o.Headers = append([]string(nil), headers...) }
}

func WithComma(delim rune) WriterOptionCSV {
	return func(o *CSVWriterOptions) { o.Comma = delim }
}

func WithWriteHeader(write bool) WriterOptionCSV {
	return func(o *CSVWriterOptions) { o.WriteHeader = write }
}

func WithCSVBatchSize(size int) WriterOptionCSV {
	return func(o *CSVWriterOptions) { o.BatchSize = size }
}

func WithUseCRLF(useCRLF bool) WriterOptionCSV {
	return func(o *CSVWriterOptions) { o.UseCRLF = useCRLF }
}

// CSVWriter implements core.DataSink for CSV output. It is safe for concurrent use.
type CSVWriter struct {
	mu          sync.Mutex
	writer      *csv.Writer
	closer      io.Closer
	options     CSVWriterOptions
	headers     []string
	buffer      []core.Record
	stats       WriterStats
	wroteHeader bool
	failed      bool
	closed      bool
}

// NewCSVWriter creates a CSV writer over w. Close closes w.
func NewCSVWriter(w io.WriteCloser, opts ...WriterOptionCSV) (*CSVWriter, error) {
	options := CSVWriterOptions{Comma: ',', WriteHeader: true}
	for _, opt := range opts {
		opt(&options)
	}

	cw := csv.NewWriter(w)
	cw.Comma = options.Comma
	cw.UseCRLF = options.UseCRLF
	if err := cw.Error(); err != nil {
		return nil, &CSVWriterError{Op: "configure", Err: err}
	}

	return &CSVWriter{
		writer:  cw,
		closer:  w,
		options: options,
		headers: append([]string(nil), options.Headers...),
		stats:   newWriterStats(),
	}, nil
}

func (c *CSVWriter) Write(ctx context.Context, record core.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return &CSVWriterError{Op: "write", Err: core.ErrClosed}
	}
	if c.failed {
		return &CSVWriterError{Op: "write", Err: fmt.Errorf("writer is in error state")}
	}

	if len(c.headers) == 0 {
		for key := range record {
			c.headers = append(c.headers, key)
		}
		sort.Strings(c.headers)
	}
	if !c.wroteHeader && c.options.WriteHeader {
		if err := c.writer.Write(c.headers); err != nil {
			c.failed = true
			return &CSVWriterError{Op: "write_header", Err: err}
		}
	}
	c.wroteHeader = true

	for key, value := range record {
		if value == nil {
			c.stats.NullValueCounts[key]++
		}
	}
	c.buffer = append(c.buffer, record)
	c.stats.RecordsWritten++

	if c.options.BatchSize > 0 && len(c.buffer) >= c.options.BatchSize {
		if err := c.flushLocked(); err != nil {
			c.failed = true
			return err
		}
	}
	return nil
}

func (c *CSVWriter) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked()
}

func (c *CSVWriter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.flushLocked(); err != nil {
		_ = c.closer.Close()
		return err
	}
	return c.closer.Close()
}

// Stats returns a copy of the write statistics.
func (c *CSVWriter) Stats() WriterStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats.clone()
}

func (c *CSVWriter) flushLocked() error {
	start := time.Now()
	for _, record := range c.buffer {
		row := make([]string, len(c.headers))
		for i, key := range c.headers {
			row[i] = formatCell(record[key])
		}
		if err := c.writer.Write(row); err != nil {
			return &CSVWriterError{Op: "write_row", Err: err}
		}
	}
	c.buffer = c.buffer[:0]

	c.writer.Flush()
	if err := c.writer.Error(); err != nil {
		return &CSVWriterError{Op: "flush", Err: err}
	}
	c.stats.recordFlush(time.Since(start))
	return nil
}

func formatCell(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case time.Time:
		return v.Format(time.RFC3339Nano)
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}
