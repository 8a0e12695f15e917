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
	"github.com/aaronlmathis/microbatch/plugin"
)

// Mapper applies a chain of record operations to every row.
type Mapper struct {
	env    plugin.Env
	chain  core.Transformer
	errs   rowErrors
	shaper *shaper
}

type mapperConfig struct {
	Ops           []Op   `json:"ops"`
	ErrorStrategy string `json:"error_strategy"`
	ErrorOutput   string `json:"error_output"`
}

// NewMapper creates an unconfigured mapper.
func NewMapper(env plugin.Env) core.RowTransform {
	return &Mapper{env: env, shaper: newShaper()}
}

func (m *Mapper) Configure(config []byte) error {
	var cfg mapperConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return err
	}

	steps := make([]core.Transformer, 0, len(cfg.Ops))
	for i, op := range cfg.Ops {
		step, err := op.Build()
		if err != nil {
			return fmt.Errorf("op %d: %w", i, err)
		}
		steps = append(steps, step)
	}
	m.chain = Chain(steps...)

	errs, err := newRowErrors(cfg.ErrorStrategy, cfg.ErrorOutput, envLogger(m.env.Logger, "mapper"))
	if err != nil {
		return err
	}
	m.errs = errs
	return nil
}

func (m *Mapper) ProcessBatch(ctx context.Context, rows []core.Element) (core.TransformResult, error) {
	var res core.TransformResult
	for _, el := range rows {
		out, err := m.chain.Transform(ctx, el.Record())
		if err == nil {
			var mapped core.Element
			if mapped, err = m.shaper.element(out, el.Schema()); err == nil {
				res.Emit(mapped)
				continue
			}
		}
		if err := m.errs.handle(&res, el, err); err != nil {
			return core.TransformResult{}, fmt.Errorf("mapping %s: %w", el, err)
		}
	}
	return res, nil
}
