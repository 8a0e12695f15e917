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

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/aaronlmathis/microbatch/runner"

const (
	outcomeCommitted = "committed"
	outcomeFailed    = "failed"
)

type runMetrics struct {
	bundles  metric.Int64Counter
	elements metric.Int64Counter
}

func newRunMetrics(provider metric.MeterProvider) (*runMetrics, error) {
	meter := provider.Meter(meterName)

	bundles, err := meter.Int64Counter("microbatch.runner.bundles",
		metric.WithDescription("Bundle attempts by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating microbatch.runner.bundles counter: %w", err)
	}

	elements, err := meter.Int64Counter("microbatch.runner.elements",
		metric.WithDescription("Elements handed to the adapter by bundle outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating microbatch.runner.elements counter: %w", err)
	}

	return &runMetrics{bundles: bundles, elements: elements}, nil
}

func (m *runMetrics) recordBundle(ctx context.Context, outcome string, size int) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.bundles.Add(ctx, 1, attrs)
	m.elements.Add(ctx, int64(size), attrs)
}
