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

// Package plugin resolves RowTransform implementations by identifier.
//
// Transforms are registered explicitly as factories. Resolving an identifier
// creates a fresh instance, validates the serialized configuration against the
// factory's JSON schema when one is declared, and applies it with Configure.
package plugin

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/aaronlmathis/microbatch/core"
	"github.com/aaronlmathis/microbatch/logger"
)

// Env is the per-instance environment handed to a factory.
type Env struct {
	InstanceID string
	TempDir    string
	Logger     *logger.Logger
}

// Factory builds RowTransform instances for one plugin identifier.
type Factory struct {
	// New returns a fresh, unconfigured transform.
	New func(env Env) core.RowTransform
	// ConfigSchema is an optional JSON schema the serialized config must satisfy.
	ConfigSchema []byte
	Description  string
}

// Registry maps plugin identifiers to factories. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a new empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory. Identifiers are unique.
func (r *Registry) Register(id string, f Factory) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("plugin id must not be empty")
	}
	if f.New == nil {
		return fmt.Errorf("plugin %s has no constructor", id)
	}
	if len(f.ConfigSchema) > 0 {
		if _, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(f.ConfigSchema)); err != nil {
			return fmt.Errorf("plugin %s has an invalid config schema: %w", id, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[id]; exists {
		return fmt.Errorf("plugin %s is already registered", id)
	}
	r.factories[id] = f
	return nil
}

// MustRegister is Register for init-time wiring; it panics on error.
func (r *Registry) MustRegister(id string, f Factory) {
	if err := r.Register(id, f); err != nil {
		panic(err)
	}
}

// Get retrieves a factory by identifier.
func (r *Registry) Get(id string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[id]
	return f, ok
}

// List returns sorted identifiers of all registered plugins.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Resolve creates and configures a transform. Every failure is a *core.ConfigurationError.
func (r *Registry) Resolve(id, serializedConfig string, env Env) (core.RowTransform, error) {
	f, ok := r.Get(id)
	if !ok {
		return nil, &core.ConfigurationError{Op: "resolve", Err: fmt.Errorf("%w: %q", core.ErrUnknownPlugin, id)}
	}

	config := []byte(strings.TrimSpace(serializedConfig))
	if len(config) == 0 {
		config = []byte("{}")
	}

	if len(f.ConfigSchema) > 0 {
		if err := validateConfig(f.ConfigSchema, config); err != nil {
			return nil, &core.ConfigurationError{Op: "validate", Err: fmt.Errorf("plugin %s: %w", id, err)}
		}
	}

	transform := f.New(env)
	if transform == nil {
		return nil, &core.ConfigurationError{Op: "resolve", Err: fmt.Errorf("plugin %s constructor returned nil", id)}
	}
	if err := transform.Configure(config); err != nil {
		return nil, &core.ConfigurationError{Op: "configure", Err: fmt.Errorf("plugin %s: %w", id, err)}
	}
	return transform, nil
}

func validateConfig(schema, config []byte) error {
	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schema), gojsonschema.NewBytesLoader(config))
	if err != nil {
		return err
	}

	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return errors.New(strings.Join(msgs, "; "))
	}
	return nil
}
