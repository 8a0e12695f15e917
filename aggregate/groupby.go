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

package aggregate

import (
	"context"
	"fmt"
	"strings"

	"github.com/aaronlmathis/microbatch/core"
)

// GroupBy groups records by key fields and aggregates each group. Groups are reported
// in first-seen order. State persists until Reset, so a GroupBy can aggregate across
// many Add calls.
type GroupBy struct {
	groupFields []string
	outputs     []string
	protos      []Aggregator

	groups map[string]*group
	order  []string
}

type group struct {
	key  []interface{}
	aggs []Aggregator
}

// NewGroupBy creates a GroupBy over the given key fields.
func NewGroupBy(groupFields ...string) *GroupBy {
	return &GroupBy{
		groupFields: groupFields,
		groups:      make(map[string]*group),
	}
}

// With adds an aggregator written to outputField.
func (g *GroupBy) With(outputField string, agg Aggregator) *GroupBy {
	g.outputs = append(g.outputs, outputField)
	g.protos = append(g.protos, agg)
	return g
}

// Count adds a count aggregator for the specified output field
func (g *GroupBy) Count(outputField string) *GroupBy {
	return g.With(outputField, &CountAggregator{})
}

// Sum adds a sum aggregator for the specified field
func (g *GroupBy) Sum(field, outputField string) *GroupBy {
	return g.With(outputField, &SumAggregator{Field: field})
}

// Avg adds an average aggregator for the specified field
func (g *GroupBy) Avg(field, outputField string) *GroupBy {
	return g.With(outputField, &AvgAggregator{Field: field})
}

// Min adds a minimum aggregator for the specified field
func (g *GroupBy) Min(field, outputField string) *GroupBy {
	return g.With(outputField, &MinAggregator{Field: field})
}

// Max adds a maximum aggregator for the specified field
func (g *GroupBy) Max(field, outputField string) *GroupBy {
	return g.With(outputField, &MaxAggregator{Field: field})
}

// Columns returns the output column names: group fields first, then aggregates.
func (g *GroupBy) Columns() []string {
	return append(append([]string(nil), g.groupFields...), g.outputs...)
}

// Add folds a record into its group and returns the group key.
func (g *GroupBy) Add(ctx context.Context, record core.Record) (string, error) {
	key, values := g.groupKey(record)

	grp, ok := g.groups[key]
	if !ok {
		grp = &group{key: values, aggs: make([]Aggregator, len(g.protos))}
		for i, proto := range g.protos {
			grp.aggs[i] = proto.Clone()
		}
		g.groups[key] = grp
		g.order = append(g.order, key)
	}

	for i, agg := range grp.aggs {
		if err := agg.Add(ctx, record); err != nil {
			return key, fmt.Errorf("aggregation error for field %s: %w", g.outputs[i], err)
		}
	}
	return key, nil
}

// Result returns the current row of one group.
func (g *GroupBy) Result(key string) (core.Record, error) {
	grp, ok := g.groups[key]
	if !ok {
		return nil, fmt.Errorf("unknown group %q", key)
	}

	result := make(core.Record, len(g.groupFields)+len(g.outputs))
	for i, field := range g.groupFields {
		result[field] = grp.key[i]
	}
	for i, agg := range grp.aggs {
		value, err := agg.Result()
		if err != nil {
			return nil, fmt.Errorf("failed to get result for field %s: %w", g.outputs[i], err)
		}
		result[g.outputs[i]] = value
	}
	return result, nil
}

// Results returns every group in first-seen order.
func (g *GroupBy) Results() ([]core.Record, error) {
	results := make([]core.Record, 0, len(g.order))
	for _, key := range g.order {
		r, err := g.Result(key)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, nil
}

// Len returns the number of groups.
func (g *GroupBy) Len() int { return len(g.order) }

// Reset drops every group.
func (g *GroupBy) Reset() {
	g.groups = make(map[string]*group)
	g.order = nil
}

// Process aggregates records from scratch and returns one row per group.
func (g *GroupBy) Process(ctx context.Context, records []core.Record) ([]core.Record, error) {
	g.Reset()
	for _, record := range records {
		if _, err := g.Add(ctx, record); err != nil {
			return nil, err
		}
	}
	return g.Results()
}

// groupKey encodes the key values with their types so 1 and "1" stay distinct.
func (g *GroupBy) groupKey(record core.Record) (string, []interface{}) {
	values := make([]interface{}, len(g.groupFields))
	parts := make([]string, len(g.groupFields))
	for i, field := range g.groupFields {
		values[i] = record[field]
		parts[i] = fmt.Sprintf("%T=%v", values[i], values[i])
	}
	return strings.Join(parts, "\x1f"), values
}

// CountAggregator counts the number of records
type CountAggregator struct {
	count int64
}

func (c *CountAggregator) Add(ctx context.Context, record core.Record) error {
	c.count++
	return nil
}

func (c *CountAggregator) Result() (interface{}, error) { return c.count, nil }
func (c *CountAggregator) Reset()                       { c.count = 0 }
func (c *CountAggregator) Clone() Aggregator            { return &CountAggregator{} }

// SumAggregator sums numeric values. Non-numeric values are ignored.
type SumAggregator struct {
	Field string
	sum   float64
}

func (s *SumAggregator) Add(ctx context.Context, record core.Record) error {
	if num, ok := toFloat64(record[s.Field]); ok {
		s.sum += num
	}
	return nil
}

func (s *SumAggregator) Result() (interface{}, error) { return s.sum, nil }
func (s *SumAggregator) Reset()                       { s.sum = 0 }
func (s *SumAggregator) Clone() Aggregator            { return &SumAggregator{Field: s.Field} }

// AvgAggregator calculates the average of numeric values. It is nil with no values.
type AvgAggregator struct {
	Field string
	sum   float64
	count int
}

func (a *AvgAggregator) Add(ctx context.Context, record core.Record) error {
	if num, ok := toFloat64(record[a.Field]); ok {
		a.sum += num
		a.count++
	}
	return nil
}

func (a *AvgAggregator) Result() (interface{}, error) {
	if a.count == 0 {
		return nil, nil
	}
	return a.sum / float64(a.count), nil
}

func (a *AvgAggregator) Reset() {
	a.sum = 0
	a.count = 0
}

func (a *AvgAggregator) Clone() Aggregator { return &AvgAggregator{Field: a.Field} }

// MinAggregator finds the minimum value
type MinAggregator struct {
	Field string
	min   interface{}
}

func (m *MinAggregator) Add(ctx context.Context, record core.Record) error {
	value := record[m.Field]
	if value == nil {
		return nil
	}
	if m.min == nil {
		m.min = value
		return nil
	}
	cmp, err := compareValues(value, m.min)
	if err != nil {
		return err
	}
	if cmp < 0 {
		m.min = value
	}
	return nil
}

func (m *MinAggregator) Result() (interface{}, error) { return m.min, nil }
func (m *MinAggregator) Reset()                       { m.min = nil }
func (m *MinAggregator) Clone() Aggregator            { return &MinAggregator{Field: m.Field} }

// MaxAggregator finds the maximum value
type MaxAggregator struct {
	Field string
	max   interface{}
}

func (m *MaxAggregator) Add(ctx context.Context, record core.Record) error {
	value := record[m.Field]
	if value == nil {
		return nil
	}
	if m.max == nil {
		m.max = value
		return nil
	}
	cmp, err := compareValues(value, m.max)
	if err != nil {
		return err
	}
	if cmp > 0 {
		m.max = value
	}
	return nil
}

func (m *MaxAggregator) Result() (interface{}, error) { return m.max, nil }
func (m *MaxAggregator) Reset()                       { m.max = nil }
func (m *MaxAggregator) Clone() Aggregator            { return &MaxAggregator{Field: m.Field} }

func toFloat64(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

// compareValues orders numbers numerically and strings lexically.
func compareValues(a, b interface{}) (int, error) {
	if fa, ok := toFloat64(a); ok {
		fb, ok := toFloat64(b)
		if !ok {
			return 0, fmt.Errorf("cannot compare %T with %T", a, b)
		}
		switch {
		case fa < fb:
			return -1, nil
		case fa > fb:
			return 1, nil
		}
		return 0, nil
	}
	sa, okA := a.(string)
	sb, okB := b.(string)
	if !okA || !okB {
		return 0, fmt.Errorf("cannot compare %T with %T", a, b)
	}
	return strings.Compare(sa, sb), nil
}
