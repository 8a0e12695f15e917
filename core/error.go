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

package core

import (
	"context"
	"errors"
	"fmt"
)

// Package core defines the error types shared by the adapter, the micro
// pipeline engine and the plugin registry.

var (
	// ErrNotReady is returned when an operation requires a set up adapter.
	ErrNotReady = errors.New("adapter is not ready")
	// ErrDisposed is returned by any operation after teardown.
	ErrDisposed = errors.New("adapter is disposed")
	// ErrPoisoned is returned after an execution failure left the engine in an unknown state.
	ErrPoisoned = errors.New("adapter is poisoned and must be torn down")
	// ErrUnknownPlugin is wrapped by ConfigurationError when a plugin id cannot be resolved.
	ErrUnknownPlugin = errors.New("unknown transform plugin")
	// ErrClosed is returned by producers and sinks used after close or finish.
	ErrClosed = errors.New("closed")
)

// ConfigurationError reports an unresolvable plugin or malformed configuration.
type ConfigurationError struct {
	Op  string
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error [%s]: %v", e.Op, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// InitializationError reports that the micro pipeline could not be prepared.
type InitializationError struct {
	Op  string
	Err error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("initialization error [%s]: %v", e.Op, e.Err)
}

func (e *InitializationError) Unwrap() error {
	return e.Err
}

// ExecutionError reports a failed flush. Poisoned is set when the engine state can no
// longer be trusted and the adapter must be torn down.
type ExecutionError struct {
	Op       string
	Err      error
	Poisoned bool
}

func (e *ExecutionError) Error() string {
	if e.Poisoned {
		return fmt.Sprintf("execution error [%s] (poisoned): %v", e.Op, e.Err)
	}
	return fmt.Sprintf("execution error [%s]: %v", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsPoisoned reports whether err carries a poisoned ExecutionError.
func IsPoisoned(err error) bool {
	var execErr *ExecutionError
	return errors.As(err, &execErr) && execErr.Poisoned
}

// ErrorStrategy defines how a transform handles per-row failures.
type ErrorStrategy int

const (
	// FailFast fails the whole batch on the first row error.
	FailFast ErrorStrategy = iota
	// SkipErrors drops failing rows.
	SkipErrors
	// CollectErrors routes failing rows to an error output.
	CollectErrors
)

// ParseErrorStrategy maps "fail", "skip" and "collect" to an ErrorStrategy.
func ParseErrorStrategy(s string) (ErrorStrategy, error) {
	switch s {
	case "", "fail":
		return FailFast, nil
	case "skip":
		return SkipErrors, nil
	case "collect":
		return CollectErrors, nil
	default:
		return FailFast, fmt.Errorf("unknown error strategy %q", s)
	}
}

// ErrorHandler decides what happens to a row that failed processing.
// Returning a non-nil error stops the batch; returning nil continues.
type ErrorHandler interface {
	HandleError(ctx context.Context, el Element, err error) error
}

// ErrorHandlerFunc is a function adapter for the ErrorHandler interface.
type ErrorHandlerFunc func(ctx context.Context, el Element, err error) error

// HandleError implements the ErrorHandler interface for ErrorHandlerFunc.
func (f ErrorHandlerFunc) HandleError(ctx context.Context, el Element, err error) error {
	return f(ctx, el, err)
}
