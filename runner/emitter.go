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

package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aaronlmathis/microbatch/core"
	"github.com/aaronlmathis/microbatch/logger"
)

// bundleEmitter collects the rows an adapter emits during one bundle attempt. Rows are
// held until the bundle succeeds and only then written to the sinks, so a replayed
// bundle does not write the rows of its failed attempt twice.
type bundleEmitter struct {
	mu      sync.Mutex
	pending []emitted
}

type emitted struct {
	tag    string
	record core.Record
}

func (e *bundleEmitter) Emit(ctx context.Context, tag string, el core.Element, ts time.Time, window core.Window) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = append(e.pending, emitted{tag: tag, record: el.Record()})
	return nil
}

// take returns the collected rows and resets the buffer.
func (e *bundleEmitter) take() []emitted {
	e.mu.Lock()
	defer e.mu.Unlock()
	rows := e.pending
	e.pending = nil
	return rows
}

// discard drops the rows of a failed attempt and reports how many were dropped.
func (e *bundleEmitter) discard() int {
	return len(e.take())
}

// sinkSet routes committed rows to the sink registered for their tag.
type sinkSet struct {
	sinks map[string]core.DataSink
	log   *logger.Logger
	// dropped counts rows per tag that had no sink.
	dropped map[string]int64
}

func (s *sinkSet) commit(ctx context.Context, rows []emitted, written map[string]int64) error {
	for _, row := range rows {
		sink, ok := s.sinks[row.tag]
		if !ok {
			if s.dropped[row.tag] == 0 {
				s.log.Warn("no sink for output, dropping rows", logger.Fields("tag", row.tag))
			}
			s.dropped[row.tag]++
			continue
		}
		if err := sink.Write(ctx, row.record); err != nil {
			return fmt.Errorf("writing to sink %s: %w", row.tag, err)
		}
		written[row.tag]++
	}
	return nil
}

func (s *sinkSet) flush() error {
	for tag, sink := range s.sinks {
		if err := sink.Flush(); err != nil {
			return fmt.Errorf("flushing sink %s: %w", tag, err)
		}
	}
	return nil
}

func (s *sinkSet) close() error {
	var first error
	for tag, sink := range s.sinks {
		if err := sink.Close(); err != nil && first == nil {
			first = fmt.Errorf("closing sink %s: %w", tag, err)
		}
	}
	return first
}
