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
	"errors"
	"fmt"

	"github.com/aaronlmathis/microbatch/core"
	"github.com/aaronlmathis/microbatch/logger"
	"github.com/aaronlmathis/microbatch/plugin"
	"github.com/aaronlmathis/microbatch/validators"
)

// Validate checks every row against field rules. Valid rows go to main; invalid rows are
// tagged with ErrorField and sent to the invalid output. Optional batch checks fail the
// whole batch.
type Validate struct {
	env     plugin.Env
	log     *logger.Logger
	rows    *validators.RecordValidator
	batch   *validators.DataQualityValidator
	invalid string
}

type validateConfig struct {
	Rules         []validators.Rule `json:"rules"`
	InvalidOutput string            `json:"invalid_output"`
	MinRecords    int               `json:"min_records"`
	MaxRecords    int               `json:"max_records"`
	MaxNullRate   float64           `json:"max_null_rate"`
}

// NewValidate creates an unconfigured validator.
func NewValidate(env plugin.Env) core.RowTransform {
	return &Validate{env: env, log: envLogger(env.Logger, "validate")}
}

func (v *Validate) Configure(config []byte) error {
	cfg := validateConfig{InvalidOutput: "invalid"}
	if err := decodeConfig(config, &cfg); err != nil {
		return err
	}
	rows, err := validators.NewRecordValidator(cfg.Rules)
	if err != nil {
		return err
	}
	v.rows = rows
	v.invalid = cfg.InvalidOutput
	if cfg.MinRecords > 0 || cfg.MaxRecords > 0 || cfg.MaxNullRate > 0 {
		v.batch = &validators.DataQualityValidator{
			MinRecords:  cfg.MinRecords,
			MaxRecords:  cfg.MaxRecords,
			MaxNullRate: cfg.MaxNullRate,
		}
	}
	return nil
}

func (v *Validate) ProcessBatch(ctx context.Context, rows []core.Element) (core.TransformResult, error) {
	records := make([]core.Record, len(rows))
	for i, el := range rows {
		records[i] = el.Record()
	}

	if v.batch != nil {
		if err := v.batch.Evaluate(records); err != nil {
			return core.TransformResult{}, fmt.Errorf("batch quality check: %w", err)
		}
	}

	var res core.TransformResult
	invalid := 0
	for i, el := range rows {
		errs := v.rows.Validate(records[i])
		if len(errs) == 0 {
			res.Emit(el)
			continue
		}
		invalid++
		tagged, err := el.With(ErrorField, errors.Join(errs...).Error())
		if err != nil {
			return core.TransformResult{}, err
		}
		res.EmitTo(v.invalid, tagged)
	}

	if invalid > 0 {
		v.log.Debug("invalid rows", logger.Fields(logger.FieldBatchSize, len(rows), "invalid", invalid))
	}
	return res, nil
}
