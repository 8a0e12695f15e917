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
	"time"
)

// Package core defines the shared data model for microbatch.
//
// This file contains the record, window and function adapter types.

// Record represents a single data record keyed by field name.
// Readers and writers exchange Records; the adapter works on Elements and
// converts at the edges.
type Record map[string]interface{}

// Window is the event-time window an element was delivered in by the host.
// The zero value is the global window.
type Window struct {
	Start time.Time
	End   time.Time
}

// GlobalWindow is the window used when the host does not window its input.
var GlobalWindow = Window{}

// IsGlobal reports whether w is the global window.
func (w Window) IsGlobal() bool {
	return w.Start.IsZero() && w.End.IsZero()
}

// Contains reports whether t falls inside the window. The global window contains every instant.
func (w Window) Contains(t time.Time) bool {
	if w.IsGlobal() {
		return true
	}
	return !t.Before(w.Start) && t.Before(w.End)
}

// TransformFunc is a function adapter for the Transformer interface.
type TransformFunc func(ctx context.Context, record Record) (Record, error)

// Transform implements the Transformer interface for TransformFunc.
func (f TransformFunc) Transform(ctx context.Context, record Record) (Record, error) {
	return f(ctx, record)
}

// FilterFunc is a function adapter for the Filter interface.
type FilterFunc func(ctx context.Context, record Record) (bool, error)

// ShouldInclude implements the Filter interface for FilterFunc.
func (f FilterFunc) ShouldInclude(ctx context.Context, record Record) (bool, error) {
	return f(ctx, record)
}
