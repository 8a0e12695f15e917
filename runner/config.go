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

package runner

import (
	"fmt"
	"time"

	"github.com/aaronlmathis/microbatch/core"
)

// Config contains host runtime configuration.
type Config struct {
	// BundleSize is the number of source records handed to the adapter per bundle.
	BundleSize int `yaml:"bundle_size" mapstructure:"bundle_size" json:"bundle_size" validate:"gte=0"`
	// MaxBundleAttempts bounds how often a failed bundle is replayed on a fresh adapter.
	MaxBundleAttempts int           `yaml:"max_bundle_attempts" mapstructure:"max_bundle_attempts" json:"max_bundle_attempts" validate:"gte=0"`
	RetryBackoff      time.Duration `yaml:"retry_backoff" mapstructure:"retry_backoff" json:"retry_backoff"`
	// ErrorStrategy applies to records the source cannot produce or the input schema rejects.
	ErrorStrategy string `yaml:"error_strategy" mapstructure:"error_strategy" json:"error_strategy" validate:"omitempty,oneof=fail skip collect"`
}

// ApplyDefaults applies default values to runner configuration.
func (c *Config) ApplyDefaults() {
	if c.BundleSize == 0 {
		c.BundleSize = 100
	}
	if c.MaxBundleAttempts == 0 {
		c.MaxBundleAttempts = 3
	}
	if c.ErrorStrategy == "" {
		c.ErrorStrategy = "fail"
	}
}

// Validate validates runner configuration.
func (c *Config) Validate() error {
	if c.BundleSize < 1 {
		return fmt.Errorf("runner.bundle_size must be >= 1 (got: %d)", c.BundleSize)
	}
	if c.MaxBundleAttempts < 1 {
		return fmt.Errorf("runner.max_bundle_attempts must be >= 1 (got: %d)", c.MaxBundleAttempts)
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("runner.retry_backoff must not be negative")
	}
	if _, err := core.ParseErrorStrategy(c.ErrorStrategy); err != nil {
		return fmt.Errorf("runner.error_strategy: %w", err)
	}
	return nil
}
