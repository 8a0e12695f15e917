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

package core

import (
	"context"
)

// Package core defines the core interfaces for microbatch.
//
// This file contains the interfaces for data sources, sinks, record level
// transformation and filtering, and the RowTransform contract driven by the
// micro pipeline.

// DataSource defines the interface for data extraction.
// Implementations stream records from a source (e.g., CSV, Parquet, PostgreSQL).
type DataSource interface {
	// Read returns the next record or io.EOF when no more records are available.
	Read(ctx context.Context) (Record, error)
	// Close releases any resources held by the data source.
	Close() error
}

// DataSink defines the interface for data loading.
// Implementations write records to a destination (e.g., CSV, Parquet, PostgreSQL).
type DataSink interface {
	// Write outputs a single record to the sink.
	Write(ctx context.Context, record Record) error
	// Flush ensures all buffered data is written to the sink.
	Flush() error
	// Close releases any resources held by the data sink.
	Close() error
}

// Transformer modifies or enriches a single record.
type Transformer interface {
	Transform(ctx context.Context, record Record) (Record, error)
}

// Filter determines whether a record should be kept.
type Filter interface {
	ShouldInclude(ctx context.Context, record Record) (bool, error)
}

// TransformResult carries the rows a RowTransform produced for one batch.
// Main holds rows for the default output; Named holds rows per named output channel.
type TransformResult struct {
	Main  []Element
	Named map[string][]Element
}

// Emit appends a row to the main output.
func (r *TransformResult) Emit(el Element) {
	r.Main = append(r.Main, el)
}

// EmitTo appends a row to the named output channel.
func (r *TransformResult) EmitTo(name string, el Element) {
	if r.Named == nil {
		r.Named = make(map[string][]Element)
	}
	r.Named[name] = append(r.Named[name], el)
}

// Len returns the number of rows across all outputs.
func (r TransformResult) Len() int {
	n := len(r.Main)
	for _, rows := range r.Named {
		n += len(rows)
	}
	return n
}

// RowTransform is a batch row processor. It is configured once and then
// driven through many ProcessBatch calls; implementations may keep state
// between calls.
type RowTransform interface {
	// Configure applies a serialized (JSON) configuration.
	Configure(config []byte) error
	// ProcessBatch processes rows in order and returns what each output received.
	ProcessBatch(ctx context.Context, rows []Element) (TransformResult, error)
}

// SourceTransform is implemented by transforms that generate rows without a main input.
type SourceTransform interface {
	IsSource() bool
}

// SideInputReceiver is implemented by transforms that consume reference datasets.
// SetSideInput is called once per dataset before the first batch.
type SideInputReceiver interface {
	SetSideInput(name string, rows []Element) error
}

// Initializer is implemented by components that need preparation before first use.
type Initializer interface {
	Init(ctx context.Context) error
}
