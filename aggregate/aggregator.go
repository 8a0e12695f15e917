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

// Package aggregate provides grouped aggregation over records.
package aggregate

import (
	"context"
	"fmt"

	"github.com/aaronlmathis/microbatch/core"
)

// Aggregator accumulates records into a single value.
type Aggregator interface {
	// Add processes a record for aggregation.
	Add(ctx context.Context, record core.Record) error
	// Result returns the aggregated value.
	Result() (interface{}, error)
	// Reset clears the aggregator state for reuse.
	Reset()
	// Clone returns a fresh aggregator with the same configuration.
	Clone() Aggregator
}

// Spec is the serialized form of one aggregate column.
type Spec struct {
	Op    string `json:"op"`
	Field string `json:"field,omitempty"`
	As    string `json:"as"`
}

// New builds the aggregator a spec names.
func (s Spec) New() (Aggregator, error) {
	if s.Op != "count" && s.Field == "" {
		return nil, fmt.Errorf("%s aggregate requires a field", s.Op)
	}
	switch s.Op {
	case "count":
		return &CountAggregator{}, nil
	case "sum":
		return &SumAggregator{Field: s.Field}, nil
	case "avg":
		return &AvgAggregator{Field: s.Field}, nil
	case "min":
		return &MinAggregator{Field: s.Field}, nil
	case "max":
		return &MaxAggregator{Field: s.Field}, nil
	default:
		return nil, fmt.Errorf("unknown aggregate %q", s.Op)
	}
}

// OutputName is the column the aggregate is written to.
func (s Spec) OutputName() string {
	if s.As != "" {
		return s.As
	}
	if s.Field == "" {
		return s.Op
	}
	return s.Field + "_" + s.Op
}
