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

package transform

import (
	"context"
	"fmt"

	"github.com/aaronlmathis/microbatch/aggregate"
	"github.com/aaronlmathis/microbatch/core"
	"github.com/aaronlmathis/microbatch/plugin"
)

// Aggregate groups rows and emits one row per group. In "batch" mode each flush is
// aggregated on its own. In "running" mode totals accumulate across flushes and each
// flush emits the updated rows of the groups it touched.
type Aggregate struct {
	env     plugin.Env
	running bool
	groups  *aggregate.GroupBy
	schema  *core.Schema
}

type aggregateConfig struct {
	GroupBy    []string         `json:"group_by"`
	Aggregates []aggregate.Spec `json:"aggregates"`
	Mode       string           `json:"mode"`
}

// NewAggregate creates an unconfigured aggregate.
func NewAggregate(env plugin.Env) core.RowTransform {
	return &Aggregate{env: env}
}

func (a *Aggregate) Configure(config []byte) error {
	var cfg aggregateConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return err
	}
	if len(cfg.Aggregates) == 0 {
		return fmt.Errorf("aggregate requires at least one aggregate")
	}

	switch cfg.Mode {
	case "", "batch":
	case "running":
		a.running = true
	default:
		return fmt.Errorf("unknown aggregate mode %q", cfg.Mode)
	}

	a.groups = aggregate.NewGroupBy(cfg.GroupBy...)
	for _, spec := range cfg.Aggregates {
		agg, err := spec.New()
		if err != nil {
			return err
		}
		a.groups.With(spec.OutputName(), agg)
	}

	columns := a.groups.Columns()
	fields := make([]core.Field, len(columns))
	for i, name := range columns {
		fields[i] = core.Field{Name: name, Type: core.FieldAny}
	}
	schema, err := core.NewSchema(fields...)
	if err != nil {
		return fmt.Errorf("output schema: %w", err)
	}
	a.schema = schema
	return nil
}

func (a *Aggregate) ProcessBatch(ctx context.Context, rows []core.Element) (core.TransformResult, error) {
	if !a.running {
		a.groups.Reset()
	}

	var touched []string
	seen := make(map[string]bool)
	for _, el := range rows {
		key, err := a.groups.Add(ctx, el.Record())
		if err != nil {
			return core.TransformResult{}, err
		}
		if !seen[key] {
			seen[key] = true
			touched = append(touched, key)
		}
	}

	var res core.TransformResult
	for _, key := range touched {
		record, err := a.groups.Result(key)
		if err != nil {
			return core.TransformResult{}, err
		}
		el, err := core.ElementFromRecord(a.schema, record)
		if err != nil {
			return core.TransformResult{}, err
		}
		res.Emit(el)
	}
	return res, nil
}
