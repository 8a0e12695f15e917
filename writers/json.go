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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aaronlmathis/microbatch/core"
)

// JSONWriterError wraps JSON-specific write errors with context.
type JSONWriterError struct {
	Op  string
	Err error
}

func (e *JSONWriterError) Error() string {
	return fmt.Sprintf("json writer %s: %v", e.Op, e.Err)
}

func (e *JSONWriterError) Unwrap() error {
	return e.Err
}

// JSONWriter implements core.DataSink for line-delimited JSON. It is safe for
// concurrent use.
type JSONWriter struct {
	mu     sync.Mutex
	buf    *bufio.Writer
	enc    *json.Encoder
	closer io.Closer
	stats  WriterStats
	closed bool
}

// NewJSONWriter creates a JSON lines writer over w. Close closes w.
func NewJSONWriter(w io.WriteCloser) *JSONWriter {
	buf := bufio.NewWriter(w)
	return &JSONWriter{
		buf:    buf,
		enc:    json.NewEncoder(buf),
		closer: w,
		stats:  newWriterStats(),
	}
}

func (j *JSONWriter) Write(ctx context.Context, record core.Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return &JSONWriterError{Op: "write", Err: core.ErrClosed}
	}
	for key, value := range record {
		if value == nil {
			j.stats.NullValueCounts[key]++
		}
	}
	if err := j.enc.Encode(record); err != nil {
		return &JSONWriterError{Op: "encode", Err: err}
	}
	j.stats.RecordsWritten++
	return nil
}

func (j *JSONWriter) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.flushLocked()
}

func (j *JSONWriter) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.flushLocked(); err != nil {
		_ = j.closer.Close()
		return err
	}
	return j.closer.Close()
}

func (j *JSONWriter) Stats() WriterStats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stats.clone()
}

func (j *JSONWriter) flushLocked() error {
	start := time.Now()
	if err := j.buf.Flush(); err != nil {
		return &JSONWriterError{Op: "flush", Err: err}
	}
	j.stats.recordFlush(time.Since(start))
	return nil
}
