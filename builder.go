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
	"context"
	"fmt"

	"github.com/aaronlmathis/microbatch/core"
	"github.com/aaronlmathis/microbatch/dag"
	"github.com/aaronlmathis/microbatch/dag/tasks"
	"github.com/aaronlmathis/microbatch/plugin"
)

const (
	inputNodeID     = "input"
	transformNodeID = "transform"
	auxNodePrefix   = "aux:"
	outNodePrefix   = "out:"
)

// BuildConfig is everything the builder needs to assemble a micro pipeline.
type BuildConfig struct {
	ID               string
	InputSchema      *core.Schema
	AuxiliaryInputs  map[string]*core.Schema
	AuxiliaryOrder   []string
	PluginID         string
	SerializedConfig string
	NamedOutputs     []string
	Env              plugin.Env
	MaxWorkers       int
}

// MicroPipelineBuilder assembles the smallest graph able to run one transform standalone.
type MicroPipelineBuilder struct {
	registry *plugin.Registry
}

// NewMicroPipelineBuilder creates a builder resolving transforms from registry.
func NewMicroPipelineBuilder(registry *plugin.Registry) *MicroPipelineBuilder {
	return &MicroPipelineBuilder{registry: registry}
}

// MicroPipeline is a built graph plus the handles the adapter drives it through.
type MicroPipeline struct {
	graph     *dag.DAG
	executor  *dag.DAGExecutor
	transform core.RowTransform
	source    bool

	main      *tasks.Producer
	auxiliary map[string]*tasks.Producer
	node      *tasks.RowTransformTask

	outputs []string
	acc     map[string]*accumulator
}

// accumulator collects the rows one output sink received during the current flush.
type accumulator struct {
	rows []core.Element
}

// Build resolves the transform and wires injectors, transform and sinks. Resolution and
// wiring failures are *core.ConfigurationError.
func (b *MicroPipelineBuilder) Build(cfg BuildConfig) (*MicroPipeline, error) {
	transform, err := b.registry.Resolve(cfg.PluginID, cfg.SerializedConfig, cfg.Env)
	if err != nil {
		return nil, err
	}

	source := false
	if st, ok := transform.(core.SourceTransform); ok {
		source = st.IsSource()
	}
	if !source && cfg.InputSchema.Len() == 0 {
		return nil, &core.ConfigurationError{Op: "build", Err: fmt.Errorf("plugin %s needs an input schema", cfg.PluginID)}
	}

	builder := dag.NewDAG(cfg.ID, cfg.PluginID).
		WithDescription(fmt.Sprintf("micro pipeline for %s", cfg.PluginID)).
		WithDefaultTimeout(0)

	mainDep := ""
	if !source {
		mainDep = inputNodeID
		builder.AddInjectorTask(inputNodeID, cfg.InputSchema, tasks.WithDescription("main input"))
	}

	sideInputs := make(map[string]string, len(cfg.AuxiliaryOrder))
	for _, name := range cfg.AuxiliaryOrder {
		id := auxNodePrefix + name
		builder.AddInjectorTask(id, cfg.AuxiliaryInputs[name], tasks.WithDescription("reference dataset "+name))
		sideInputs[id] = name
	}

	builder.AddRowTransformTask(transformNodeID, transform, mainDep, sideInputs,
		tasks.WithCustomField("plugin_id", cfg.PluginID),
		tasks.WithOutputs(cfg.NamedOutputs...),
	)

	outputs := append([]string{MainOutput}, cfg.NamedOutputs...)
	builder.AddSinkTask(outNodePrefix+MainOutput, transformNodeID, nil)
	for _, name := range cfg.NamedOutputs {
		builder.AddChannelSinkTask(outNodePrefix+name, transformNodeID, name)
	}

	graph, err := builder.Build()
	if err != nil {
		return nil, &core.ConfigurationError{Op: "build", Err: err}
	}

	mp := &MicroPipeline{
		graph:     graph,
		executor:  dag.NewDAGExecutor(dag.WithMaxWorkers(cfg.MaxWorkers)),
		transform: transform,
		source:    source,
		auxiliary: make(map[string]*tasks.Producer, len(cfg.AuxiliaryOrder)),
		outputs:   outputs,
		acc:       make(map[string]*accumulator, len(outputs)),
	}

	if task, ok := graph.GetTask(transformNodeID); ok {
		mp.node, _ = task.(*tasks.RowTransformTask)
	}
	if !source {
		if mp.main, err = graph.Producer(inputNodeID); err != nil {
			return nil, &core.ConfigurationError{Op: "build", Err: err}
		}
	}
	for _, name := range cfg.AuxiliaryOrder {
		producer, err := graph.Producer(auxNodePrefix + name)
		if err != nil {
			return nil, &core.ConfigurationError{Op: "build", Err: err}
		}
		mp.auxiliary[name] = producer
	}

	// Sinks may run on different workers; each listener only touches its own
	// accumulator and the map is never written after this loop.
	for _, name := range outputs {
		acc := &accumulator{}
		mp.acc[name] = acc
		listener := func(el core.Element) {
			acc.rows = append(acc.rows, el)
		}
		if err := graph.AddRowListener(outNodePrefix+name, listener); err != nil {
			return nil, &core.ConfigurationError{Op: "build", Err: err}
		}
	}

	return mp, nil
}

// IsSource reports whether the transform generates rows without a main input.
func (mp *MicroPipeline) IsSource() bool { return mp.source }

// Graph returns the underlying DAG.
func (mp *MicroPipeline) Graph() *dag.DAG { return mp.graph }

// MainProducer returns the main input handle, nil for source transforms.
func (mp *MicroPipeline) MainProducer() *tasks.Producer { return mp.main }

// AuxiliaryProducer returns the handle of a reference dataset injector.
func (mp *MicroPipeline) AuxiliaryProducer(name string) (*tasks.Producer, bool) {
	p, ok := mp.auxiliary[name]
	return p, ok
}

// Seed pushes reference datasets into their injectors and marks every auxiliary
// injector finished. Datasets without a declared injector are rejected.
func (mp *MicroPipeline) Seed(sideInputs map[string][]core.Element) error {
	for name := range sideInputs {
		if _, ok := mp.auxiliary[name]; !ok {
			return &core.ConfigurationError{Op: "seed", Err: fmt.Errorf("undeclared auxiliary input %q", name)}
		}
	}
	for name, producer := range mp.auxiliary {
		for _, el := range sideInputs[name] {
			if err := producer.PutElement(el); err != nil {
				return &core.InitializationError{Op: "seed", Err: fmt.Errorf("auxiliary input %s: %w", name, err)}
			}
		}
		producer.Finished()
	}
	return nil
}

// Init prepares the graph and the transform.
func (mp *MicroPipeline) Init(ctx context.Context) error {
	if err := mp.executor.Init(ctx, mp.graph); err != nil {
		return &core.InitializationError{Op: "init", Err: err}
	}
	return nil
}

// Feed queues rows on the main input. Rows are ignored by source transforms.
func (mp *MicroPipeline) Feed(rows []core.Element) error {
	if mp.main == nil {
		return nil
	}
	for _, el := range rows {
		if err := mp.main.PutElement(el); err != nil {
			return err
		}
	}
	return nil
}

// Discard drops rows fed since the last iteration that the engine never consumed.
func (mp *MicroPipeline) Discard() int {
	if mp.main == nil {
		return 0
	}
	return mp.main.Discard()
}

// TakeUnrouted returns, per channel, rows the transform sent to outputs that were
// never declared. Counts reset on every call.
func (mp *MicroPipeline) TakeUnrouted() map[string]int {
	if mp.node == nil {
		return nil
	}
	return mp.node.TakeUnrouted()
}

// RunOneIteration executes the graph once.
func (mp *MicroPipeline) RunOneIteration(ctx context.Context) (*dag.IterationResult, error) {
	return mp.executor.RunOneIteration(ctx, mp.graph)
}

// ResetAccumulators empties every output accumulator, keeping the entries.
func (mp *MicroPipeline) ResetAccumulators() {
	for _, acc := range mp.acc {
		acc.rows = nil
	}
}

// Outputs returns the output names in emission order, main first.
func (mp *MicroPipeline) Outputs() []string {
	return mp.outputs
}

// Rows returns what an output accumulated during the current flush.
func (mp *MicroPipeline) Rows(output string) []core.Element {
	if acc, ok := mp.acc[output]; ok {
		return acc.rows
	}
	return nil
}

// Close releases the graph's tasks, including the transform.
func (mp *MicroPipeline) Close() error {
	return mp.graph.Close()
}
