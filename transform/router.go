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

	"github.com/aaronlmathis/microbatch/core"
	"github.com/aaronlmathis/microbatch/filter"
	"github.com/aaronlmathis/microbatch/plugin"
)

// Router copies rows to named outputs. In parity mode an integer field decides between
// the even and odd outputs; otherwise each route's conditions decide.
type Router struct {
	env    plugin.Env
	cfg    routerConfig
	routes []compiledRoute
}

type routerConfig struct {
	Mode       string  `json:"mode"`
	Field      string  `json:"field"`
	EvenOutput string  `json:"even_output"`
	OddOutput  string  `json:"odd_output"`
	Routes     []Route `json:"routes"`
	// EmitMain also emits every row to the main output. Defaults to true.
	EmitMain   *bool `json:"emit_main"`
	FirstMatch bool  `json:"first_match"`
	// Unmatched receives rows no route accepted.
	Unmatched string `json:"unmatched_output"`
}

// Route sends rows matching its conditions to Output.
type Route struct {
	Output     string             `json:"output"`
	Conditions []filter.Condition `json:"conditions"`
	Match      string             `json:"match"`
}

type compiledRoute struct {
	output string
	filter core.Filter
}

// NewRouter creates an unconfigured router.
func NewRouter(env plugin.Env) core.RowTransform {
	return &Router{env: env}
}

func (r *Router) Configure(config []byte) error {
	cfg := routerConfig{EvenOutput: "even", OddOutput: "odd"}
	if err := decodeConfig(config, &cfg); err != nil {
		return err
	}

	switch cfg.Mode {
	case "parity":
		if cfg.Field == "" {
			return fmt.Errorf("parity mode requires a field")
		}
	case "", "conditions":
		for i, route := range cfg.Routes {
			if route.Output == "" {
				return fmt.Errorf("route %d has no output", i)
			}
			f, err := filter.BuildAll(route.Conditions, route.Match)
			if err != nil {
				return fmt.Errorf("route %s: %w", route.Output, err)
			}
			r.routes = append(r.routes, compiledRoute{output: route.Output, filter: f})
		}
	default:
		return fmt.Errorf("unknown router mode %q", cfg.Mode)
	}

	r.cfg = cfg
	return nil
}

func (r *Router) emitMain() bool {
	return r.cfg.EmitMain == nil || *r.cfg.EmitMain
}

func (r *Router) ProcessBatch(ctx context.Context, rows []core.Element) (core.TransformResult, error) {
	var res core.TransformResult
	for _, el := range rows {
		if r.emitMain() {
			res.Emit(el)
		}

		if r.cfg.Mode == "parity" {
			out, err := r.parity(el)
			if err != nil {
				return core.TransformResult{}, err
			}
			res.EmitTo(out, el)
			continue
		}

		record := el.Record()
		matched := false
		for _, route := range r.routes {
			ok, err := route.filter.ShouldInclude(ctx, record)
			if err != nil {
				return core.TransformResult{}, fmt.Errorf("route %s: %w", route.output, err)
			}
			if !ok {
				continue
			}
			matched = true
			res.EmitTo(route.output, el)
			if r.cfg.FirstMatch {
				break
			}
		}
		if !matched && r.cfg.Unmatched != "" {
			res.EmitTo(r.cfg.Unmatched, el)
		}
	}
	return res, nil
}

func (r *Router) parity(el core.Element) (string, error) {
	value, ok := el.Get(r.cfg.Field)
	if !ok {
		return "", fmt.Errorf("row %s has no field %s", el, r.cfg.Field)
	}

	var n int64
	switch v := value.(type) {
	case int:
		n = int64(v)
	case int32:
		n = int64(v)
	case int64:
		n = v
	case float64:
		if v != float64(int64(v)) {
			return "", fmt.Errorf("field %s value %v is not an integer", r.cfg.Field, v)
		}
		n = int64(v)
	default:
		return "", fmt.Errorf("field %s has non-integer type %T", r.cfg.Field, value)
	}

	if n%2 == 0 {
		return r.cfg.EvenOutput, nil
	}
	return r.cfg.OddOutput, nil
}
