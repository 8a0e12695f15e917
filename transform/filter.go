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

	"github.com/aaronlmathis/microbatch/core"
	"github.com/aaronlmathis/microbatch/filter"
	"github.com/aaronlmathis/microbatch/plugin"
)

// Filter keeps rows matching its conditions. Rejected rows go to an optional output.
type Filter struct {
	env      plugin.Env
	pred     core.Filter
	rejected string
}

type filterConfig struct {
	Conditions     []filter.Condition `json:"conditions"`
	Match          string             `json:"match"`
	RejectedOutput string             `json:"rejected_output"`
}

// NewFilter creates an unconfigured filter.
func NewFilter(env plugin.Env) core.RowTransform {
	return &Filter{env: env}
}

func (f *Filter) Configure(config []byte) error {
	var cfg filterConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return err
	}
	pred, err := filter.BuildAll(cfg.Conditions, cfg.Match)
	if err != nil {
		return err
	}
	f.pred = pred
	f.rejected = cfg.RejectedOutput
	return nil
}

func (f *Filter) ProcessBatch(ctx context.Context, rows []core.Element) (core.TransformResult, error) {
	var res core.TransformResult
	for _, el := range rows {
		keep, err := f.pred.ShouldInclude(ctx, el.Record())
		if err != nil {
			return core.TransformResult{}, err
		}
		switch {
		case keep:
			res.Emit(el)
		case f.rejected != "":
			res.EmitTo(f.rejected, el)
		}
	}
	return res, nil
}
