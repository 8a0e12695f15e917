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
	"sort"
	"time"

	"github.com/aaronlmathis/microbatch/core"
	"github.com/aaronlmathis/microbatch/plugin"
)

// Generator is a source transform: it ignores its input and emits rows_per_flush
// rows on every flush, numbered by a sequence that continues across flushes. With a
// limit it stops after that many rows in total.
type Generator struct {
	env    plugin.Env
	cfg    generatorConfig
	schema *core.Schema
	names  []string
	next   int64
	now    func() time.Time
}

type generatorConfig struct {
	RowsPerFlush   int                    `json:"rows_per_flush"`
	SequenceField  string                 `json:"sequence_field"`
	TimestampField string                 `json:"timestamp_field"`
	Fields         map[string]interface{} `json:"fields"`
	Start          int64                  `json:"start"`
	Limit          int64                  `json:"limit"`
}

// NewGenerator creates an unconfigured generator.
func NewGenerator(env plugin.Env) core.RowTransform {
	return &Generator{env: env, now: time.Now}
}

// IsSource reports true: the generator has no main input.
func (g *Generator) IsSource() bool { return true }

func (g *Generator) Configure(config []byte) error {
	cfg := generatorConfig{RowsPerFlush: 1, SequenceField: "seq"}
	if err := decodeConfig(config, &cfg); err != nil {
		return err
	}
	if cfg.RowsPerFlush < 1 {
		return fmt.Errorf("rows_per_flush must be >= 1")
	}
	if cfg.Limit < 0 {
		return fmt.Errorf("limit must be >= 0")
	}
	if cfg.SequenceField == "" {
		return fmt.Errorf("sequence_field must not be empty")
	}

	fields := []core.Field{{Name: cfg.SequenceField, Type: core.FieldInt}}
	if cfg.TimestampField != "" {
		fields = append(fields, core.Field{Name: cfg.TimestampField, Type: core.FieldTime})
	}
	g.names = make([]string, 0, len(cfg.Fields))
	for name := range cfg.Fields {
		g.names = append(g.names, name)
	}
	sort.Strings(g.names)
	for _, name := range g.names {
		fields = append(fields, core.Field{Name: name, Type: core.TypeOf(cfg.Fields[name])})
	}

	schema, err := core.NewSchema(fields...)
	if err != nil {
		return err
	}
	g.schema = schema
	g.cfg = cfg
	g.next = cfg.Start
	return nil
}

func (g *Generator) ProcessBatch(ctx context.Context, _ []core.Element) (core.TransformResult, error) {
	var res core.TransformResult
	for i := 0; i < g.cfg.RowsPerFlush && !g.Exhausted(); i++ {
		values := make([]interface{}, 0, g.schema.Len())
		values = append(values, g.next)
		if g.cfg.TimestampField != "" {
			values = append(values, g.now())
		}
		for _, name := range g.names {
			values = append(values, g.cfg.Fields[name])
		}
		el, err := core.NewElement(g.schema, values...)
		if err != nil {
			return core.TransformResult{}, err
		}
		res.Emit(el)
		g.next++
	}
	return res, nil
}

// Exhausted reports whether a limited generator has emitted all of its rows.
func (g *Generator) Exhausted() bool {
	return g.cfg.Limit > 0 && g.next-g.cfg.Start >= g.cfg.Limit
}
