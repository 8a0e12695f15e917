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
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/aaronlmathis/microbatch"

// Flush triggers, recorded as the "trigger" attribute.
const (
	TriggerSize     = "size"
	TriggerTimer    = "timer"
	TriggerFinalize = "finalize"
)

// Stats is a snapshot of an adapter's counters.
type Stats struct {
	ElementsIn  int64
	Flushes     int64
	RowsEmitted int64
	Errors      int64
	Lost        int64
	// Unrouted counts rows the transform sent to outputs that were not declared.
	Unrouted int64
	// MinBatch and MaxBatch are the smallest and largest non-empty flushes observed.
	MinBatch  int
	MaxBatch  int
	LastFlush time.Time
}

// flushMetrics records flush activity both in-process and on OpenTelemetry instruments.
type flushMetrics struct {
	mu    sync.Mutex
	stats Stats

	attrs         attribute.Set
	flushes       metric.Int64Counter
	rowsEmitted   metric.Int64Counter
	flushErrors   metric.Int64Counter
	elementsLost  metric.Int64Counter
	rowsUnrouted  metric.Int64Counter
	batchSize     metric.Int64Histogram
	flushDuration metric.Float64Histogram
}

func newFlushMetrics(provider metric.MeterProvider, pluginID string) (*flushMetrics, error) {
	meter := provider.Meter(meterName)

	flushes, err := meter.Int64Counter("microbatch.flushes",
		metric.WithDescription("Number of flushes that ran the micro pipeline"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating microbatch.flushes counter: %w", err)
	}

	rowsEmitted, err := meter.Int64Counter("microbatch.rows_emitted",
		metric.WithDescription("Rows emitted to the host runtime"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating microbatch.rows_emitted counter: %w", err)
	}

	flushErrors, err := meter.Int64Counter("microbatch.flush_errors",
		metric.WithDescription("Flushes that failed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating microbatch.flush_errors counter: %w", err)
	}

	elementsLost, err := meter.Int64Counter("microbatch.elements_lost",
		metric.WithDescription("Buffered elements dropped at teardown"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating microbatch.elements_lost counter: %w", err)
	}

	rowsUnrouted, err := meter.Int64Counter("microbatch.rows_unrouted",
		metric.WithDescription("Rows sent to undeclared outputs and dropped"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating microbatch.rows_unrouted counter: %w", err)
	}

	batchSize, err := meter.Int64Histogram("microbatch.batch_size",
		metric.WithDescription("Elements drained per flush"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating microbatch.batch_size histogram: %w", err)
	}

	flushDuration, err := meter.Float64Histogram("microbatch.flush_duration",
		metric.WithDescription("Duration of flushes in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating microbatch.flush_duration histogram: %w", err)
	}

	return &flushMetrics{
		attrs:         attribute.NewSet(attribute.String("plugin_id", pluginID)),
		flushes:       flushes,
		rowsEmitted:   rowsEmitted,
		flushErrors:   flushErrors,
		elementsLost:  elementsLost,
		rowsUnrouted:  rowsUnrouted,
		batchSize:     batchSize,
		flushDuration: flushDuration,
	}, nil
}

func (m *flushMetrics) recordElement() {
	m.mu.Lock()
	m.stats.ElementsIn++
	m.mu.Unlock()
}

func (m *flushMetrics) recordFlush(ctx context.Context, trigger string, batch int, at time.Time, took time.Duration) {
	m.mu.Lock()
	m.stats.Flushes++
	if m.stats.MinBatch == 0 || batch < m.stats.MinBatch {
		m.stats.MinBatch = batch
	}
	if batch > m.stats.MaxBatch {
		m.stats.MaxBatch = batch
	}
	m.stats.LastFlush = at
	m.mu.Unlock()

	triggerAttrs := metric.WithAttributeSet(attribute.NewSet(
		attribute.String("plugin_id", m.pluginID()),
		attribute.String("trigger", trigger),
	))
	m.flushes.Add(ctx, 1, triggerAttrs)
	m.batchSize.Record(ctx, int64(batch), metric.WithAttributeSet(m.attrs))
	m.flushDuration.Record(ctx, float64(took)/float64(time.Millisecond), triggerAttrs)
}

func (m *flushMetrics) recordEmit(ctx context.Context, tag string, n int) {
	if n == 0 {
		return
	}
	m.mu.Lock()
	m.stats.RowsEmitted += int64(n)
	m.mu.Unlock()

	m.rowsEmitted.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("plugin_id", m.pluginID()),
		attribute.String("tag", tag),
	))
}

func (m *flushMetrics) recordError(ctx context.Context, trigger string) {
	m.mu.Lock()
	m.stats.Errors++
	m.mu.Unlock()

	m.flushErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("plugin_id", m.pluginID()),
		attribute.String("trigger", trigger),
	))
}

func (m *flushMetrics) recordLost(ctx context.Context, n int) {
	if n == 0 {
		return
	}
	m.mu.Lock()
	m.stats.Lost += int64(n)
	m.mu.Unlock()

	m.elementsLost.Add(ctx, int64(n), metric.WithAttributeSet(m.attrs))
}

func (m *flushMetrics) recordUnrouted(ctx context.Context, output string, n int) {
	m.mu.Lock()
	m.stats.Unrouted += int64(n)
	m.mu.Unlock()

	m.rowsUnrouted.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("plugin_id", m.pluginID()),
		attribute.String("output", output),
	))
}

func (m *flushMetrics) snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *flushMetrics) pluginID() string {
	v, _ := m.attrs.Value("plugin_id")
	return v.AsString()
}
