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

// injector.go - InjectorTask and Producer implementation
package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aaronlmathis/microbatch/core"
)

// Producer pushes rows into an injector node from outside the engine.
// Rows put between two iterations are delivered, in order, by the next iteration.
type Producer struct {
	schema   *core.Schema
	mu       sync.Mutex
	pending  []core.Element
	finished bool
}

// NewProducer creates a producer for rows of the given schema.
func NewProducer(schema *core.Schema) *Producer {
	return &Producer{schema: schema}
}

// Schema returns the schema rows must conform to.
func (p *Producer) Schema() *core.Schema { return p.schema }

// Put builds a row from schema and values and queues it.
func (p *Producer) Put(schema *core.Schema, values ...interface{}) error {
	el, err := core.NewElement(schema, values...)
	if err != nil {
		return err
	}
	return p.PutElement(el)
}

// PutElement queues an existing row. Its schema must match the producer's schema.
func (p *Producer) PutElement(el core.Element) error {
	if p.schema != nil && p.schema.Len() > 0 && !p.schema.Equal(el.Schema()) {
		return fmt.Errorf("row schema %s does not match producer schema %s", el.Schema(), p.schema)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.finished {
		return fmt.Errorf("put after finished: %w", core.ErrClosed)
	}
	p.pending = append(p.pending, el)
	return nil
}

// Finished marks the producer complete. Queued rows are still delivered.
func (p *Producer) Finished() {
	p.mu.Lock()
	p.finished = true
	p.mu.Unlock()
}

// IsFinished reports whether Finished has been called.
func (p *Producer) IsFinished() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finished
}

// Discard drops every queued row and returns how many were dropped.
func (p *Producer) Discard() int {
	return len(p.take())
}

// take removes and returns every queued row.
func (p *Producer) take() []core.Element {
	p.mu.Lock()
	defer p.mu.Unlock()

	rows := p.pending
	p.pending = nil
	return rows
}

// InjectorTask is a root node whose rows come from a Producer.
type InjectorTask struct {
	baseTask
	producer *Producer
}

// NewInjectorTask creates an injector for rows of the given schema.
func NewInjectorTask(id string, schema *core.Schema, options ...TaskOption) *InjectorTask {
	task := &InjectorTask{
		baseTask: newBaseTask(id, TaskTypeInjector, []string{}),
		producer: NewProducer(schema),
	}

	for _, opt := range options {
		opt(task)
	}

	return task
}

// Producer returns the handle used to feed the injector.
func (it *InjectorTask) Producer() *Producer { return it.producer }

func (it *InjectorTask) Execute(ctx context.Context, input TaskInput) (TaskOutput, error) {
	start := time.Now()

	select {
	case <-ctx.Done():
		return TaskOutput{}, ctx.Err()
	default:
	}

	rows := it.producer.take()

	return TaskOutput{
		Rows:     rows,
		Context:  input.Context,
		Metadata: it.record(start, 0, len(rows)),
	}, nil
}
