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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/aaronlmathis/microbatch/core"
)

// JSONReaderError wraps structured error information for the JSON lines reader.
type JSONReaderError struct {
	Op   string
	Line int
	Err  error
}

func (e *JSONReaderError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("json reader %s (line %d): %v", e.Op, e.Line, e.Err)
	}
	return fmt.Sprintf("json reader %s: %v", e.Op, e.Err)
}

func (e *JSONReaderError) Unwrap() error {
	return e.Err
}

// JSONReader implements core.DataSource for line-delimited JSON objects. Blank lines are
// skipped and numbers decode as int64 when they are whole, float64 otherwise.
type JSONReader struct {
	scanner *bufio.Scanner
	closer  io.Closer
	line    int
	stats   ReaderStats
}

// NewJSONReader creates a JSON lines reader over r.
func NewJSONReader(r io.ReadCloser) *JSONReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	return &JSONReader{scanner: scanner, closer: r, stats: newReaderStats()}
}

func (j *JSONReader) Read(ctx context.Context) (core.Record, error) {
	start := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return nil, &JSONReaderError{Op: "read", Err: err}
		}
		if !j.scanner.Scan() {
			if err := j.scanner.Err(); err != nil {
				return nil, &JSONReaderError{Op: "scan", Line: j.line, Err: err}
			}
			return nil, io.EOF
		}
		j.line++

		line := bytes.TrimSpace(j.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		record, err := decodeRecord(line)
		if err != nil {
			return nil, &JSONReaderError{Op: "decode", Line: j.line, Err: err}
		}
		for key, value := range record {
			if value == nil {
				j.stats.NullValueCounts[key]++
			}
		}
		j.stats.recordRead(start)
		return record, nil
	}
}

func (j *JSONReader) Close() error {
	return j.closer.Close()
}

func (j *JSONReader) Stats() ReaderStats {
	return j.stats
}

func decodeRecord(data []byte) (core.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	record := make(core.Record, len(raw))
	for k, v := range raw {
		record[k] = normalizeNumber(v)
	}
	return record, nil
}

func normalizeNumber(v interface{}) interface{} {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	case map[string]interface{}:
		for k, inner := range n {
			n[k] = normalizeNumber(inner)
		}
		return n
	case []interface{}:
		for i, inner := range n {
			n[i] = normalizeNumber(inner)
		}
		return n
	default:
		return v
	}
}
