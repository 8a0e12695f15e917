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

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable the loader reads. Nested keys join
// with underscores: MICROBATCH_RUNNER_BUNDLE_SIZE sets runner.bundle_size.
const EnvPrefix = "MICROBATCH"

// LoaderConfig holds the optional file paths for Load.
type LoaderConfig struct {
	ConfigFile string
	EnvFile    string
}

// LoaderOption is a functional option for Load.
type LoaderOption func(*LoaderConfig)

// WithConfigFile sets the YAML or JSON config file. Without one only the environment
// and defaults apply.
func WithConfigFile(path string) LoaderOption {
	return func(lc *LoaderConfig) { lc.ConfigFile = path }
}

// WithEnvFile sets the .env file. A missing default .env is ignored; a missing
// explicit one is an error.
func WithEnvFile(path string) LoaderOption {
	return func(lc *LoaderConfig) { lc.EnvFile = path }
}

// envKeys lists the scalar keys that can be set from the environment alone.
var envKeys = []string{
	"adapter.buffer_size_threshold",
	"adapter.flush_interval_ms",
	"adapter.transform_plugin_id",
	"adapter.serialized_transform_config",
	"adapter.input_schema",
	"adapter.named_outputs",
	"adapter.tick_interval_ms",
	"adapter.intake_capacity",
	"adapter.temp_dir",
	"runner.bundle_size",
	"runner.max_bundle_attempts",
	"runner.retry_backoff",
	"runner.error_strategy",
	"logging.level",
	"logging.format",
	"logging.output",
	"logging.no_color",
	"logging.caller",
	"metrics.enabled",
	"metrics.service_name",
	"metrics.environment",
	"metrics.endpoint",
	"metrics.insecure",
	"metrics.interval",
	"source.format",
	"source.location",
}

// Load reads the configuration, applies defaults and validates it. Environment variables
// override the file.
func Load(opts ...LoaderOption) (*AppConfig, error) {
	var lc LoaderConfig
	for _, opt := range opts {
		opt(&lc)
	}

	if lc.EnvFile != "" {
		if err := godotenv.Load(lc.EnvFile); err != nil {
			return nil, fmt.Errorf("loading env file %s: %w", lc.EnvFile, err)
		}
	} else if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("loading .env: %w", err)
		}
	}

	v := viper.New()
	if lc.ConfigFile != "" {
		v.SetConfigFile(lc.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", lc.ConfigFile, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("binding %s: %w", key, err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
