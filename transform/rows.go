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
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/aaronlmathis/microbatch/core"
	"github.com/aaronlmathis/microbatch/logger"
)

// ErrorField is added to rows routed to an error output.
const ErrorField = "_error"

// shaper turns records back into elements. Fields keep the order of a hint schema and
// new fields follow sorted by name. Schemas are cached by shape so rows of the same
// shape share one schema.
type shaper struct {
	cache map[string]*core.Schema
}

func newShaper() *shaper {
	return &shaper{cache: make(map[string]*core.Schema)}
}

func (s *shaper) element(record core.Record, hint *core.Schema) (core.Element, error) {
	fields := make([]core.Field, 0, len(record))
	seen := make(map[string]bool, len(record))

	for _, f := range hint.Fields() {
		value, ok := record[f.Name]
		if !ok {
			continue
		}
		if !f.Type.Accepts(value) {
			f.Type = core.TypeOf(value)
		}
		fields = append(fields, f)
		seen[f.Name] = true
	}

	extra := make([]string, 0, len(record)-len(fields))
	for name := range record {
		if !seen[name] {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	for _, name := range extra {
		fields = append(fields, core.Field{Name: name, Type: core.TypeOf(record[name])})
	}

	var key strings.Builder
	for _, f := range fields {
		key.WriteString(f.Name)
		key.WriteByte(':')
		key.WriteString(string(f.Type))
		key.WriteByte(',')
	}

	schema, ok := s.cache[key.String()]
	if !ok {
		var err error
		if schema, err = core.NewSchema(fields...); err != nil {
			return core.Element{}, err
		}
		s.cache[key.String()] = schema
	}

	values := make([]interface{}, len(fields))
	for i, f := range fields {
		values[i] = record[f.Name]
	}
	return core.NewElement(schema, values...)
}

// rowErrors applies an error strategy to a failing row.
type rowErrors struct {
	strategy core.ErrorStrategy
	output   string
	log      *logger.Logger
}

func newRowErrors(strategy, output string, log *logger.Logger) (rowErrors, error) {
	s, err := core.ParseErrorStrategy(strategy)
	if err != nil {
		return rowErrors{}, err
	}
	if output == "" {
		output = "errors"
	}
	if log == nil {
		log = logger.NewNop()
	}
	return rowErrors{strategy: s, output: output, log: log}, nil
}

// handle returns err under FailFast. Otherwise the row is dropped or routed to the
// error output with ErrorField set, and nil is returned.
func (h rowErrors) handle(res *core.TransformResult, el core.Element, err error) error {
	switch h.strategy {
	case core.SkipErrors:
		h.log.Debug("skipping row", logger.Fields("row", el.String(), logger.FieldError, err.Error()))
		return nil
	case core.CollectErrors:
		tagged, werr := el.With(ErrorField, err.Error())
		if werr != nil {
			return werr
		}
		res.EmitTo(h.output, tagged)
		return nil
	default:
		return err
	}
}

func decodeConfig(config []byte, v interface{}) error {
	if err := json.Unmarshal(config, v); err != nil {
		return fmt.Errorf("decoding config: %w", err)
	}
	return nil
}

func envLogger(log *logger.Logger, component string) *logger.Logger {
	if log == nil {
		return logger.NewNop()
	}
	return log.WithComponent(component)
}
