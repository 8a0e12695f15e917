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

// sink.go - SinkTask implementation
package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/aaronlmathis/microbatch/core"
)

// SinkTask terminates a channel of the graph. Each row it receives is passed to its
// row listeners in order and, when configured, written to a DataSink.
type SinkTask struct {
	baseTask
	channel   string
	sink      core.DataSink
	listeners []RowListener
}

// SinkOption configures a SinkTask
type SinkOption func(*SinkTask)

// WithChannel subscribes the sink to a named output channel of its dependency.
func WithChannel(name string) SinkOption {
	return func(st *SinkTask) {
		st.channel = name
	}
}

// WithDataSink also writes every received row to sink.
func WithDataSink(sink core.DataSink) SinkOption {
	return func(st *SinkTask) {
		st.sink = sink
	}
}

// NewSinkTask creates a new SinkTask reading from dependency.
func NewSinkTask(id string, dependency string, sinkOpts []SinkOption, options ...TaskOption) *SinkTask {
	task := &SinkTask{
		baseTask: newBaseTask(id, TaskTypeSink, []string{dependency}),
	}

	for _, opt := range sinkOpts {
		opt(task)
	}
	for _, opt := range options {
		opt(task)
	}

	return task
}

// Channel returns the named channel the sink subscribes to ("" for the default rows).
func (st *SinkTask) Channel() string { return st.channel }

// AddRowListener registers fn to be called for every row the sink receives.
func (st *SinkTask) AddRowListener(fn RowListener) {
	st.listeners = append(st.listeners, fn)
}

func (st *SinkTask) Execute(ctx context.Context, input TaskInput) (TaskOutput, error) {
	start := time.Now()

	for _, row := range input.Rows {
		select {
		case <-ctx.Done():
			return TaskOutput{}, ctx.Err()
		default:
		}

		for _, fn := range st.listeners {
			fn(row)
		}

		if st.sink != nil {
			if err := st.sink.Write(ctx, row.Record()); err != nil {
				return TaskOutput{}, fmt.Errorf("sink write failed: %w", err)
			}
		}
	}

	if st.sink != nil && len(input.Rows) > 0 {
		if err := st.sink.Flush(); err != nil {
			return TaskOutput{}, fmt.Errorf("sink flush failed: %w", err)
		}
	}

	return TaskOutput{
		Context:  input.Context,
		Metadata: st.record(start, len(input.Rows), len(input.Rows)),
	}, nil
}

// Close closes the underlying DataSink, if any.
func (st *SinkTask) Close() error {
	if st.sink != nil {
		return st.sink.Close()
	}
	return nil
}
