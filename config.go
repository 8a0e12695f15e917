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

package microbatch

import (
	"fmt"
	"os"
	"time"

	"github.com/aaronlmathis/microbatch/core"
	"github.com/aaronlmathis/microbatch/validation"
)

const (
	// MainOutput is the tag rows of the default output are emitted under.
	MainOutput = "main"

	defaultTickInterval   = 10 * time.Millisecond
	defaultIntakeCapacity = 64
)

// AuxiliaryInput declares a reference dataset delivered to the transform at setup.
type AuxiliaryInput struct {
	Name   string `yaml:"name" mapstructure:"name" json:"name" validate:"required"`
	Schema string `yaml:"schema" mapstructure:"schema" json:"schema"`
}

// Config configures one adapter instance.
type Config struct {
	// BufferSizeThreshold flushes inline once this many elements are buffered. 0 disables it.
	BufferSizeThreshold int `yaml:"buffer_size_threshold" mapstructure:"buffer_size_threshold" json:"buffer_size_threshold" validate:"gte=0"`
	// FlushIntervalMs flushes from the scheduler once the buffer is this stale. 0 disables it.
	FlushIntervalMs int `yaml:"flush_interval_ms" mapstructure:"flush_interval_ms" json:"flush_interval_ms" validate:"gte=0"`

	TransformPluginID         string           `yaml:"transform_plugin_id" mapstructure:"transform_plugin_id" json:"transform_plugin_id" validate:"required"`
	SerializedTransformConfig string           `yaml:"serialized_transform_config" mapstructure:"serialized_transform_config" json:"serialized_transform_config"`
	InputSchema               string           `yaml:"input_schema" mapstructure:"input_schema" json:"input_schema"`
	AuxiliaryInputs           []AuxiliaryInput `yaml:"auxiliary_inputs" mapstructure:"auxiliary_inputs" json:"auxiliary_inputs" validate:"dive"`
	NamedOutputs              []string         `yaml:"named_outputs" mapstructure:"named_outputs" json:"named_outputs" validate:"dive,required"`

	// TickIntervalMs is how often the scheduler checks for staleness.
	TickIntervalMs int `yaml:"tick_interval_ms" mapstructure:"tick_interval_ms" json:"tick_interval_ms" validate:"gte=0"`
	// IntakeCapacity bounds the command channel feeding the coordinator.
	IntakeCapacity int `yaml:"intake_capacity" mapstructure:"intake_capacity" json:"intake_capacity" validate:"gte=0"`
	// TempDir is the scratch directory handed to the transform.
	TempDir string `yaml:"temp_dir" mapstructure:"temp_dir" json:"temp_dir"`
}

// ApplyDefaults fills zero-valued tuning fields.
func (c *Config) ApplyDefaults() {
	if c.TickIntervalMs == 0 {
		c.TickIntervalMs = int(defaultTickInterval / time.Millisecond)
	}
	if c.IntakeCapacity == 0 {
		c.IntakeCapacity = defaultIntakeCapacity
	}
	if c.TempDir == "" {
		c.TempDir = os.TempDir()
	}
}

// Validate checks the configuration. Every failure is a *core.ConfigurationError.
// Field rules come from the validate tags; the rest span fields.
func (c *Config) Validate() error {
	if err := validation.Validate(c); err != nil {
		return &core.ConfigurationError{Op: "config", Err: err}
	}
	if _, err := core.ParseSchema(c.InputSchema); err != nil {
		return configErr("input_schema: %v", err)
	}

	seen := make(map[string]bool)
	for _, aux := range c.AuxiliaryInputs {
		if seen[aux.Name] {
			return configErr("duplicate auxiliary input %q", aux.Name)
		}
		seen[aux.Name] = true
		if _, err := core.ParseSchema(aux.Schema); err != nil {
			return configErr("auxiliary input %q schema: %v", aux.Name, err)
		}
	}

	outputs := make(map[string]bool)
	for _, name := range c.NamedOutputs {
		switch {
		case name == MainOutput:
			return configErr("named output %q is reserved", MainOutput)
		case outputs[name]:
			return configErr("duplicate named output %q", name)
		}
		outputs[name] = true
	}
	return nil
}

// FlushInterval returns the staleness window; zero when time triggering is disabled.
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMs) * time.Millisecond
}

// TickInterval returns the scheduler tick.
func (c *Config) TickInterval() time.Duration {
	if c.TickIntervalMs <= 0 {
		return defaultTickInterval
	}
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}

func configErr(format string, args ...interface{}) error {
	return &core.ConfigurationError{Op: "config", Err: fmt.Errorf(format, args...)}
}
