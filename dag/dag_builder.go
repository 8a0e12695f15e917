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

// dag_builder.go - Fluent API for DAG construction
package dag

import (
	"fmt"
	"time"

	"github.com/aaronlmathis/microbatch/core"
	"github.com/aaronlmathis/microbatch/dag/tasks"
)

// DAGBuilder provides a fluent API for constructing DAGs.
// The first error encountered is kept and reported by Build.
type DAGBuilder struct {
	dag *DAG
	err error
}

// NewDAG creates a new DAG builder
func NewDAG(id, name string) *DAGBuilder {
	return &DAGBuilder{
		dag: &DAG{
			id:           id,
			name:         name,
			tasks:        make(map[string]tasks.Task),
			dependencies: make(map[string][]string),
			metadata: DAGMetadata{
				MaxParallelism: 4,
				DefaultTimeout: 30 * time.Minute,
			},
		},
	}
}

// AddInjectorTask adds a root node fed through a Producer
func (db *DAGBuilder) AddInjectorTask(id string, schema *core.Schema, opts ...tasks.TaskOption) *DAGBuilder {
	return db.addTask(tasks.NewInjectorTask(id, schema, opts...))
}

// AddRowTransformTask adds a transform node. mainDep is empty for source transforms;
// sideInputs maps injector ids to side input names.
func (db *DAGBuilder) AddRowTransformTask(id string, transform core.RowTransform, mainDep string, sideInputs map[string]string, opts ...tasks.TaskOption) *DAGBuilder {
	if transform == nil {
		return db.fail(fmt.Errorf("task %s has a nil transform", id))
	}
	return db.addTask(tasks.NewRowTransformTask(id, transform, mainDep, sideInputs, opts...))
}

// AddSinkTask adds a sink node reading the default rows of dependency
func (db *DAGBuilder) AddSinkTask(id string, dependency string, sinkOpts []tasks.SinkOption, opts ...tasks.TaskOption) *DAGBuilder {
	return db.addTask(tasks.NewSinkTask(id, dependency, sinkOpts, opts...))
}

// AddChannelSinkTask adds a sink node reading a named output channel of dependency
func (db *DAGBuilder) AddChannelSinkTask(id string, dependency, channel string, opts ...tasks.TaskOption) *DAGBuilder {
	return db.AddSinkTask(id, dependency, []tasks.SinkOption{tasks.WithChannel(channel)}, opts...)
}

// AddTask adds an already constructed task
func (db *DAGBuilder) AddTask(task tasks.Task) *DAGBuilder {
	return db.addTask(task)
}

func (db *DAGBuilder) addTask(task tasks.Task) *DAGBuilder {
	if db.err != nil {
		return db
	}
	id := task.ID()
	if id == "" {
		return db.fail(fmt.Errorf("task id must not be empty"))
	}
	if _, exists := db.dag.tasks[id]; exists {
		return db.fail(fmt.Errorf("duplicate task id %s", id))
	}

	seen := make(map[string]bool)
	for _, dep := range task.Dependencies() {
		if seen[dep] {
			return db.fail(fmt.Errorf("task %s lists dependency %s twice", id, dep))
		}
		seen[dep] = true
	}

	db.dag.tasks[id] = task
	if deps := task.Dependencies(); len(deps) > 0 {
		db.dag.dependencies[id] = deps
	}
	if db.dag.metadata.DefaultTimeout > 0 && task.Metadata().Timeout == 0 {
		task.SetTimeout(db.dag.metadata.DefaultTimeout)
	}
	return db
}

func (db *DAGBuilder) fail(err error) *DAGBuilder {
	if db.err == nil {
		db.err = err
	}
	return db
}

// WithDescription sets the DAG description
func (db *DAGBuilder) WithDescription(description string) *DAGBuilder {
	db.dag.metadata.Description = description
	return db
}

// WithMaxParallelism sets the maximum number of concurrent tasks
func (db *DAGBuilder) WithMaxParallelism(max int) *DAGBuilder {
	db.dag.metadata.MaxParallelism = max
	return db
}

// WithDefaultTimeout sets the per-iteration timeout for tasks added after this call
func (db *DAGBuilder) WithDefaultTimeout(timeout time.Duration) *DAGBuilder {
	db.dag.metadata.DefaultTimeout = timeout
	return db
}

// WithGlobalContext sets global context available to all tasks
func (db *DAGBuilder) WithGlobalContext(ctx map[string]interface{}) *DAGBuilder {
	db.dag.metadata.GlobalContext = ctx
	return db
}

// validateDAG checks for cycles and missing dependencies
func (db *DAGBuilder) validateDAG() error {
	for taskID, deps := range db.dag.dependencies {
		for _, dep := range deps {
			if _, exists := db.dag.tasks[dep]; !exists {
				return fmt.Errorf("task %s depends on non-existent task %s", taskID, dep)
			}
		}
	}

	if db.dag.hasCycle() {
		return fmt.Errorf("DAG contains cycles")
	}

	return nil
}

// Build validates and returns the constructed DAG
func (db *DAGBuilder) Build() (*DAG, error) {
	if db.err != nil {
		return nil, db.err
	}
	if err := db.validateDAG(); err != nil {
		return nil, err
	}

	return db.dag, nil
}
