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

// Package config loads the application configuration from a YAML or JSON file, a .env
// file and MICROBATCH_ environment variables.
package config

import (
	"fmt"

	"github.com/aaronlmathis/microbatch"
	"github.com/aaronlmathis/microbatch/logger"
	"github.com/aaronlmathis/microbatch/observability"
	"github.com/aaronlmathis/microbatch/runner"
	"github.com/aaronlmathis/microbatch/types"
	"github.com/aaronlmathis/microbatch/validation"
)

// AppConfig is the full configuration of a microbatch run.
type AppConfig struct {
	Adapter microbatch.Config    `yaml:"adapter" mapstructure:"adapter" json:"adapter"`
	Runner  runner.Config        `yaml:"runner" mapstructure:"runner" json:"runner"`
	Logging logger.Config        `yaml:"logging" mapstructure:"logging" json:"logging"`
	Metrics observability.Config `yaml:"metrics" mapstructure:"metrics" json:"metrics"`
	Source  types.SourceSpec     `yaml:"source" mapstructure:"source" json:"source"`
	Sinks   []types.SinkSpec     `yaml:"sinks" mapstructure:"sinks" json:"sinks" validate:"dive"`
	// SideInputs maps auxiliary input names to the sources their rows are read from.
	SideInputs map[string]types.SourceSpec `yaml:"side_inputs" mapstructure:"side_inputs" json:"side_inputs" validate:"dive"`
}

// ApplyDefaults fills zero values in every section.
func (c *AppConfig) ApplyDefaults() {
	c.Adapter.ApplyDefaults()
	c.Runner.ApplyDefaults()
	c.Logging.ApplyDefaults()
	c.Metrics.ApplyDefaults()
}

// Validate checks struct tags first, then each section's own rules.
func (c *AppConfig) Validate() error {
	if err := validation.Validate(c); err != nil {
		return err
	}
	if err := c.Adapter.Validate(); err != nil {
		return err
	}
	if err := c.Runner.Validate(); err != nil {
		return err
	}
	if err := c.Logging.Validate(); err != nil {
		return err
	}

	declared := make(map[string]bool)
	for _, aux := range c.Adapter.AuxiliaryInputs {
		declared[aux.Name] = true
	}
	for name := range c.SideInputs {
		if !declared[name] {
			return fmt.Errorf("side_inputs: %q is not an auxiliary input of the adapter", name)
		}
	}

	tags := map[string]bool{microbatch.MainOutput: true}
	for _, out := range c.Adapter.NamedOutputs {
		tags[out] = true
	}
	seen := make(map[string]bool)
	for _, sink := range c.Sinks {
		if !tags[sink.Tag] {
			return fmt.Errorf("sinks: tag %q is not an output of the adapter", sink.Tag)
		}
		if seen[sink.Tag] {
			return fmt.Errorf("sinks: duplicate tag %q", sink.Tag)
		}
		seen[sink.Tag] = true
	}
	return nil
}
