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

// transform.go - RowTransformTask implementation
package tasks

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/aaronlmathis/microbatch/core"
)

// RowTransformTask wraps a core.RowTransform in the DAG framework.
//
// The main dependency supplies the rows of each batch. Every other dependency is a
// side input: its rows are accumulated and handed to the transform, once, the first
// time they arrive. The transform instance lives as long as the task, so any state it
// keeps carries over between iterations.
type RowTransformTask struct {
	baseTask
	transform core.RowTransform
	mainDep   string
	sideDeps  map[string]string // dependency id -> side input name
	delivered map[string]bool

	// outputs lists the declared named channels; nil accepts any channel.
	outputs  map[string]bool
	unrouted map[string]int
}

// WithOutputs declares the named channels a transform task may emit to. Rows sent to
// any other channel are dropped and counted, see TakeUnrouted.
func WithOutputs(names ...string) TaskOption {
	return func(t Task) {
		tt, ok := t.(*RowTransformTask)
		if !ok {
			return
		}
		tt.outputs = make(map[string]bool, len(names))
		for _, name := range names {
			tt.outputs[name] = true
		}
	}
}

// NewRowTransformTask creates a transform task. mainDep may be empty for source transforms.
// sideInputs maps dependency ids to the names the transform knows them by.
func NewRowTransformTask(id string, transform core.RowTransform, mainDep string, sideInputs map[string]string, options ...TaskOption) *RowTransformTask {
	deps := make([]string, 0, len(sideInputs)+1)
	if mainDep != "" {
		deps = append(deps, mainDep)
	}
	sideIDs := make([]string, 0, len(sideInputs))
	for depID := range sideInputs {
		sideIDs = append(sideIDs, depID)
	}
	sort.Strings(sideIDs)
	deps = append(deps, sideIDs...)

	task := &RowTransformTask{
		baseTask:  newBaseTask(id, TaskTypeTransform, deps),
		transform: transform,
		mainDep:   mainDep,
		sideDeps:  sideInputs,
		delivered: make(map[string]bool, len(sideInputs)),
		unrouted:  make(map[string]int),
	}

	for _, opt := range options {
		opt(task)
	}

	return task
}

// Transform returns the wrapped transform.
func (tt *RowTransformTask) Transform() core.RowTransform { return tt.transform }

// Init prepares the wrapped transform if it needs preparation.
func (tt *RowTransformTask) Init(ctx context.Context) error {
	if init, ok := tt.transform.(core.Initializer); ok {
		return init.Init(ctx)
	}
	return nil
}

func (tt *RowTransformTask) Execute(ctx context.Context, input TaskInput) (TaskOutput, error) {
	start := time.Now()

	if err := tt.deliverSideInputs(input); err != nil {
		return TaskOutput{}, err
	}

	var rows []core.Element
	if tt.mainDep != "" {
		rows = input.SourceMap[tt.mainDep]
	}

	select {
	case <-ctx.Done():
		return TaskOutput{}, ctx.Err()
	default:
	}

	result, err := tt.transform.ProcessBatch(ctx, rows)
	if err != nil {
		return TaskOutput{}, fmt.Errorf("transform failed: %w", err)
	}
	tt.dropUndeclared(result.Named)

	return TaskOutput{
		Rows:     result.Main,
		Channels: result.Named,
		Context:  input.Context,
		Metadata: tt.record(start, len(rows), result.Len()),
	}, nil
}

func (tt *RowTransformTask) dropUndeclared(channels map[string][]core.Element) {
	if tt.outputs == nil {
		return
	}
	for name, rows := range channels {
		if tt.outputs[name] {
			continue
		}
		tt.unrouted[name] += len(rows)
		delete(channels, name)
	}
}

// TakeUnrouted returns the rows dropped per undeclared channel since the last call
// and resets the counts.
func (tt *RowTransformTask) TakeUnrouted() map[string]int {
	if len(tt.unrouted) == 0 {
		return nil
	}
	out := tt.unrouted
	tt.unrouted = make(map[string]int)
	return out
}

func (tt *RowTransformTask) deliverSideInputs(input TaskInput) error {
	receiver, ok := tt.transform.(core.SideInputReceiver)
	for depID, name := range tt.sideDeps {
		rows, arrived := input.SourceMap[depID]
		if tt.delivered[depID] || !arrived || len(rows) == 0 {
			continue
		}
		tt.delivered[depID] = true
		if !ok {
			continue
		}
		if err := receiver.SetSideInput(name, rows); err != nil {
			return fmt.Errorf("side input %s: %w", name, err)
		}
	}
	return nil
}

// Close releases the wrapped transform if it holds resources.
func (tt *RowTransformTask) Close() error {
	if closer, ok := tt.transform.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
