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

	"github.com/tidwall/gjson"

	"github.com/aaronlmathis/microbatch/core"
	"github.com/aaronlmathis/microbatch/plugin"
)

// Extract pulls values out of a JSON document held in one field and adds them as
// new fields. Paths use gjson syntax. Missing paths yield nil.
type Extract struct {
	env    plugin.Env
	field  string
	names  []string
	paths  map[string]string
	drop   bool
	errs   rowErrors
	shaper *shaper
}

type extractConfig struct {
	Field         string            `json:"field"`
	Paths         map[string]string `json:"paths"`
	DropSource    bool              `json:"drop_source"`
	ErrorStrategy string            `json:"error_strategy"`
	ErrorOutput   string            `json:"error_output"`
}

// NewExtract creates an unconfigured extract.
func NewExtract(env plugin.Env) core.RowTransform {
	return &Extract{env: env, shaper: newShaper()}
}

func (e *Extract) Configure(config []byte) error {
	var cfg extractConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return err
	}
	if cfg.Field == "" {
		return fmt.Errorf("extract requires a field")
	}
	if len(cfg.Paths) == 0 {
		return fmt.Errorf("extract requires at least one path")
	}

	e.field = cfg.Field
	e.paths = cfg.Paths
	e.drop = cfg.DropSource
	e.names = make([]string, 0, len(cfg.Paths))
	for name := range cfg.Paths {
		e.names = append(e.names, name)
	}
	sort.Strings(e.names)

	errs, err := newRowErrors(cfg.ErrorStrategy, cfg.ErrorOutput, envLogger(e.env.Logger, "extract"))
	if err != nil {
		return err
	}
	e.errs = errs
	return nil
}

func (e *Extract) ProcessBatch(ctx context.Context, rows []core.Element) (core.TransformResult, error) {
	var res core.TransformResult
	for _, el := range rows {
		out, err := e.extract(el)
		if err == nil {
			res.Emit(out)
			continue
		}
		if err := e.errs.handle(&res, el, err); err != nil {
			return core.TransformResult{}, err
		}
	}
	return res, nil
}

func (e *Extract) extract(el core.Element) (core.Element, error) {
	raw, ok := el.Get(e.field)
	if !ok {
		return core.Element{}, fmt.Errorf("row has no field %s", e.field)
	}

	var doc string
	switch v := raw.(type) {
	case string:
		doc = v
	case []byte:
		doc = string(v)
	case nil:
		doc = ""
	default:
		return core.Element{}, fmt.Errorf("field %s holds %T, not JSON text", e.field, raw)
	}
	if doc != "" && !gjson.Valid(doc) {
		return core.Element{}, fmt.Errorf("field %s is not valid JSON", e.field)
	}

	record := el.Record()
	for _, name := range e.names {
		record[name] = jsonValue(gjson.Get(doc, e.paths[name]))
	}
	if e.drop {
		delete(record, e.field)
	}
	return e.shaper.element(record, el.Schema())
}

// jsonValue converts a gjson result, keeping whole numbers as int64.
func jsonValue(r gjson.Result) interface{} {
	switch r.Type {
	case gjson.Null:
		return nil
	case gjson.Number:
		if i := r.Int(); float64(i) == r.Num {
			return i
		}
		return r.Num
	case gjson.String:
		return r.Str
	case gjson.True, gjson.False:
		return r.Bool()
	default:
		if !r.Exists() {
			return nil
		}
		return r.Raw
	}
}
