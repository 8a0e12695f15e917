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

// base.go - Task interface and base types
package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/aaronlmathis/microbatch/core"
)

// TaskType represents the type of task
type TaskType string

const (
	TaskTypeInjector  TaskType = "injector"
	TaskTypeTransform TaskType = "transform"
	TaskTypeSink      TaskType = "sink"
)

// TaskMetadata holds metadata about a task
type TaskMetadata struct {
	Name           string
	Description    string
	TaskType       TaskType
	LastStart      time.Time
	LastEnd        time.Time
	Iterations     int64
	RecordsRead    int64
	RecordsWritten int64
	Timeout        time.Duration
	Tags           []string
	Owner          string
	CustomFields   map[string]interface{}
}

// LastDuration returns how long the most recent iteration of the task took.
func (tm *TaskMetadata) LastDuration() time.Duration {
	if tm.LastEnd.IsZero() {
		return 0
	}
	return tm.LastEnd.Sub(tm.LastStart)
}

// TaskInput represents input data for one task iteration
type TaskInput struct {
	// Rows holds the rows delivered by all dependencies, in dependency order.
	Rows []core.Element
	// SourceMap holds the same rows keyed by the dependency that produced them.
	SourceMap map[string][]core.Element
	Iteration int64
	Context   map[string]interface{}
}

// TaskOutput represents output data from one task iteration
type TaskOutput struct {
	// Rows is the default output channel.
	Rows []core.Element
	// Channels holds named output channels.
	Channels map[string][]core.Element
	Context  map[string]interface{}
	Metadata TaskResultMetadata
}

// Channel returns the rows of a named output channel, or the default rows for "".
func (o TaskOutput) Channel(name string) []core.Element {
	if name == "" {
		return o.Rows
	}
	return o.Channels[name]
}

// TaskResultMetadata holds execution result metadata
type TaskResultMetadata struct {
	StartTime  time.Time
	EndTime    time.Time
	RecordsIn  int64
	RecordsOut int64
	Success    bool
	Error      error
}

// Task defines the interface that all tasks must implement
type Task interface {
	ID() string
	Dependencies() []string
	Execute(ctx context.Context, input TaskInput) (TaskOutput, error)
	Metadata() TaskMetadata
	SetTimeout(timeout time.Duration)
	SetDescription(description string)
	SetTags(tags ...string)
	SetOwner(owner string)
	SetCustomField(key string, value interface{})
}

// Subscriber is implemented by tasks that read a named channel of their dependency
// instead of its default rows.
type Subscriber interface {
	Channel() string
}

// RowObserver is implemented by tasks that accept row listeners.
type RowObserver interface {
	AddRowListener(fn RowListener)
}

// RowListener is called once per row, in order, by the task it is registered on.
type RowListener func(el core.Element)

// TaskOption is a functional option for configuring tasks
type TaskOption func(Task)

// WithTimeout sets the per-iteration timeout for a task
func WithTimeout(timeout time.Duration) TaskOption {
	return func(t Task) {
		t.SetTimeout(timeout)
	}
}

// WithDescription sets the description for a task
func WithDescription(description string) TaskOption {
	return func(t Task) {
		t.SetDescription(description)
	}
}

// WithTags adds tags to a task
func WithTags(tags ...string) TaskOption {
	return func(t Task) {
		t.SetTags(tags...)
	}
}

// WithOwner sets the owner for a task
func WithOwner(owner string) TaskOption {
	return func(t Task) {
		t.SetOwner(owner)
	}
}

// WithCustomField adds a custom field to a task
func WithCustomField(key string, value interface{}) TaskOption {
	return func(t Task) {
		t.SetCustomField(key, value)
	}
}

// baseTask carries the bookkeeping shared by every task type.
type baseTask struct {
	id           string
	dependencies []string
	metadata     TaskMetadata
}

func newBaseTask(id string, taskType TaskType, dependencies []string) baseTask {
	return baseTask{
		id:           id,
		dependencies: dependencies,
		metadata: TaskMetadata{
			Name:     id,
			TaskType: taskType,
		},
	}
}

func (bt *baseTask) ID() string             { return bt.id }
func (bt *baseTask) Dependencies() []string { return bt.dependencies }
func (bt *baseTask) Metadata() TaskMetadata { return bt.metadata }

func (bt *baseTask) SetTimeout(timeout time.Duration)  { bt.metadata.Timeout = timeout }
func (bt *baseTask) SetDescription(description string) { bt.metadata.Description = description }
func (bt *baseTask) SetOwner(owner string)             { bt.metadata.Owner = owner }

func (bt *baseTask) SetTags(tags ...string) {
	bt.metadata.Tags = append(bt.metadata.Tags, tags...)
}

func (bt *baseTask) SetCustomField(key string, value interface{}) {
	if bt.metadata.CustomFields == nil {
		bt.metadata.CustomFields = make(map[string]interface{})
	}
	bt.metadata.CustomFields[key] = value
}

// record updates the iteration counters and returns the result metadata.
func (bt *baseTask) record(start time.Time, in, out int) TaskResultMetadata {
	end := time.Now()
	bt.metadata.LastStart = start
	bt.metadata.LastEnd = end
	bt.metadata.Iterations++
	bt.metadata.RecordsRead += int64(in)
	bt.metadata.RecordsWritten += int64(out)
	return TaskResultMetadata{
		StartTime:  start,
		EndTime:    end,
		RecordsIn:  int64(in),
		RecordsOut: int64(out),
		Success:    true,
	}
}

// PanicError wraps a panic recovered while a task was executing.
type PanicError struct {
	TaskID string
	Value  interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task %s panicked: %v", e.TaskID, e.Value)
}
