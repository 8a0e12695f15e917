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
	"strings"

	"github.com/aaronlmathis/microbatch/core"
	"github.com/aaronlmathis/microbatch/logger"
	"github.com/aaronlmathis/microbatch/plugin"
)

// Lookup hash-joins each row against a reference dataset delivered as a side input.
// The index is built once and kept for the transform's lifetime.
type Lookup struct {
	env plugin.Env
	log *logger.Logger
	cfg lookupConfig

	index     map[string][]core.Record
	refFields []core.Field
	schemas   map[*core.Schema]*core.Schema
}

type lookupConfig struct {
	SideInput string   `json:"side_input"`
	Keys      []string `json:"keys"`
	RefKeys   []string `json:"ref_keys"`
	// Prefix is prepended to reference fields. Without one, a reference field whose name
	// collides with a row field is renamed "ref_<name>".
	Prefix string `json:"prefix"`
	// Mode is "inner" (drop unmatched rows) or "left" (keep them with nil reference fields).
	Mode            string `json:"mode"`
	UnmatchedOutput string `json:"unmatched_output"`
}

// NewLookup creates an unconfigured lookup.
func NewLookup(env plugin.Env) core.RowTransform {
	return &Lookup{
		env:     env,
		log:     envLogger(env.Logger, "lookup"),
		index:   make(map[string][]core.Record),
		schemas: make(map[*core.Schema]*core.Schema),
	}
}

func (l *Lookup) Configure(config []byte) error {
	cfg := lookupConfig{Mode: "inner"}
	if err := decodeConfig(config, &cfg); err != nil {
		return err
	}
	if cfg.SideInput == "" {
		return fmt.Errorf("lookup requires side_input")
	}
	if len(cfg.Keys) == 0 {
		return fmt.Errorf("lookup requires keys")
	}
	if len(cfg.RefKeys) == 0 {
		cfg.RefKeys = cfg.Keys
	}
	if len(cfg.RefKeys) != len(cfg.Keys) {
		return fmt.Errorf("keys and ref_keys differ in length")
	}
	if cfg.Mode != "inner" && cfg.Mode != "left" {
		return fmt.Errorf("unknown lookup mode %q", cfg.Mode)
	}
	l.cfg = cfg
	return nil
}

// SetSideInput indexes the reference dataset. Rows with missing keys are skipped.
func (l *Lookup) SetSideInput(name string, rows []core.Element) error {
	if name != l.cfg.SideInput {
		return nil
	}
	skipped := 0
	for _, el := range rows {
		record := el.Record()
		key, ok := joinKey(record, l.cfg.RefKeys)
		if !ok {
			skipped++
			continue
		}
		l.index[key] = append(l.index[key], record)
	}
	if len(rows) > 0 {
		l.refFields = rows[0].Schema().Fields()
	}

	l.log.Info("reference dataset indexed", logger.Fields(
		"side_input", name,
		"rows", len(rows),
		"keys", len(l.index),
		"skipped", skipped,
	))
	return nil
}

func (l *Lookup) ProcessBatch(ctx context.Context, rows []core.Element) (core.TransformResult, error) {
	var res core.TransformResult
	for _, el := range rows {
		if err := ctx.Err(); err != nil {
			return core.TransformResult{}, err
		}

		record := el.Record()
		var matches []core.Record
		if key, ok := joinKey(record, l.cfg.Keys); ok {
			matches = l.index[key]
		}

		if len(matches) == 0 {
			if l.cfg.UnmatchedOutput != "" {
				res.EmitTo(l.cfg.UnmatchedOutput, el)
			}
			if l.cfg.Mode == "left" {
				joined, err := l.merge(el, nil)
				if err != nil {
					return core.TransformResult{}, err
				}
				res.Emit(joined)
			}
			continue
		}

		for _, ref := range matches {
			joined, err := l.merge(el, ref)
			if err != nil {
				return core.TransformResult{}, err
			}
			res.Emit(joined)
		}
	}
	return res, nil
}

// merge appends the reference fields to the row. ref may be nil for unmatched left rows.
func (l *Lookup) merge(el core.Element, ref core.Record) (core.Element, error) {
	schema, err := l.joinedSchema(el.Schema())
	if err != nil {
		return core.Element{}, err
	}

	values := make([]interface{}, 0, schema.Len())
	values = append(values, el.Values()...)
	for _, f := range l.refFields {
		var v interface{}
		if ref != nil {
			v = ref[f.Name]
		}
		values = append(values, v)
	}
	return core.NewElement(schema, values...)
}

func (l *Lookup) joinedSchema(left *core.Schema) (*core.Schema, error) {
	if s, ok := l.schemas[left]; ok {
		return s, nil
	}
	fields := left.Fields()
	for _, f := range l.refFields {
		name := l.cfg.Prefix + f.Name
		if _, clash := left.Index(name); clash && l.cfg.Prefix == "" {
			name = "ref_" + f.Name
		}
		fields = append(fields, core.Field{Name: name, Type: f.Type})
	}
	s, err := core.NewSchema(fields...)
	if err != nil {
		return nil, fmt.Errorf("joined schema: %w", err)
	}
	l.schemas[left] = s
	return s, nil
}

// joinKey builds a composite key. It reports false when a key field is missing or nil.
func joinKey(record core.Record, fields []string) (string, bool) {
	parts := make([]string, len(fields))
	for i, field := range fields {
		value, ok := record[field]
		if !ok || value == nil {
			return "", false
		}
		parts[i] = fmt.Sprintf("%v", value)
	}
	return strings.Join(parts, "|"), true
}
