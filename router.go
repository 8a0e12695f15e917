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

package microbatch

import (
	"context"
	"fmt"
	"time"

	"github.com/aaronlmathis/microbatch/core"
)

// Emitter receives rows from the adapter. It is implemented by the host runtime.
type Emitter interface {
	Emit(ctx context.Context, tag string, el core.Element, ts time.Time, window core.Window) error
}

// EmitterFunc is a function adapter for the Emitter interface.
type EmitterFunc func(ctx context.Context, tag string, el core.Element, ts time.Time, window core.Window) error

// Emit implements the Emitter interface for EmitterFunc.
func (f EmitterFunc) Emit(ctx context.Context, tag string, el core.Element, ts time.Time, window core.Window) error {
	return f(ctx, tag, el, ts, window)
}

// OutputRouter emits the rows accumulated by one flush: the main output first, then
// each named output in declaration order, each in accumulation order.
type OutputRouter struct {
	emitter Emitter
	metrics *flushMetrics
}

// newOutputRouter creates a router emitting through emitter.
func newOutputRouter(emitter Emitter, metrics *flushMetrics) *OutputRouter {
	return &OutputRouter{emitter: emitter, metrics: metrics}
}

// Route emits every output of mp. Emission stops at the first failure; rows emitted
// before it are not retracted. It returns the number of rows emitted.
func (r *OutputRouter) Route(ctx context.Context, mp *MicroPipeline, ts time.Time, window core.Window) (int, error) {
	total := 0
	for _, tag := range mp.Outputs() {
		rows := mp.Rows(tag)
		n, err := r.emitAll(ctx, tag, rows, ts, window)
		total += n
		r.metrics.recordEmit(ctx, tag, n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (r *OutputRouter) emitAll(ctx context.Context, tag string, rows []core.Element, ts time.Time, window core.Window) (int, error) {
	for i, el := range rows {
		if err := r.emitter.Emit(ctx, tag, el, ts, window); err != nil {
			return i, fmt.Errorf("emit %s row %d: %w", tag, i, err)
		}
	}
	return len(rows), nil
}
