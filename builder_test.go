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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronlmathis/microbatch/core"
	"github.com/aaronlmathis/microbatch/dag/tasks"
	"github.com/aaronlmathis/microbatch/plugin"
)

func TestMicroPipelineBuilder_Topology(t *testing.T) {
	b := NewMicroPipelineBuilder(testRegistry(t, &batchRecorder{}))
	mp, err := b.Build(BuildConfig{
		ID:              "test",
		InputSchema:     numSchema,
		AuxiliaryInputs: map[string]*core.Schema{"ref": numSchema},
		AuxiliaryOrder:  []string{"ref"},
		PluginID:        "parity",
		NamedOutputs:    []string{"even", "odd"},
	})
	require.NoError(t, err)
	defer mp.Close()

	g := mp.Graph()
	assert.Equal(t, 6, g.GetTaskCount())
	assert.Len(t, g.GetTasksByType(tasks.TaskTypeInjector), 2)
	assert.Equal(t, []string{"input", "aux:ref"}, g.GetDependencies(transformNodeID))
	assert.Equal(t, []string{"out:even", "out:main", "out:odd"}, g.GetDownstreamTasks(transformNodeID))
	assert.Equal(t, []string{MainOutput, "even", "odd"}, mp.Outputs())
	assert.False(t, mp.IsSource())
	assert.NotNil(t, mp.MainProducer())

	_, ok := mp.AuxiliaryProducer("ref")
	assert.True(t, ok)
}

func TestMicroPipeline_IterationFillsAccumulators(t *testing.T) {
	ctx := context.Background()
	mp, err := NewMicroPipelineBuilder(testRegistry(t, &batchRecorder{})).Build(BuildConfig{
		ID:           "test",
		InputSchema:  numSchema,
		PluginID:     "parity",
		NamedOutputs: []string{"even", "odd"},
		MaxWorkers:   4,
	})
	require.NoError(t, err)
	defer mp.Close()

	require.NoError(t, mp.Seed(nil))
	require.NoError(t, mp.Init(ctx))

	require.NoError(t, mp.Feed([]core.Element{num(1), num(2), num(3), num(4)}))
	_, err = mp.RunOneIteration(ctx)
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 3, 4}, numbers(mp.Rows(MainOutput)))
	assert.Equal(t, []int{2, 4}, numbers(mp.Rows("even")))
	assert.Equal(t, []int{1, 3}, numbers(mp.Rows("odd")))
	assert.Nil(t, mp.Rows("unknown"))

	mp.ResetAccumulators()
	for _, out := range mp.Outputs() {
		assert.Empty(t, mp.Rows(out))
	}

	// nothing fed, nothing produced
	_, err = mp.RunOneIteration(ctx)
	require.NoError(t, err)
	assert.Empty(t, mp.Rows(MainOutput))
}

func TestMicroPipeline_DiscardDropsUnconsumedRows(t *testing.T) {
	ctx := context.Background()
	rec := &batchRecorder{}
	mp, err := NewMicroPipelineBuilder(testRegistry(t, rec)).Build(BuildConfig{
		ID:          "test",
		InputSchema: numSchema,
		PluginID:    "record",
	})
	require.NoError(t, err)
	defer mp.Close()

	require.NoError(t, mp.Seed(nil))
	require.NoError(t, mp.Init(ctx))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.NoError(t, mp.Feed([]core.Element{num(1), num(2)}))
	_, err = mp.RunOneIteration(cancelled)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, mp.Discard())
	assert.Zero(t, mp.Discard())

	mp.ResetAccumulators()
	require.NoError(t, mp.Feed([]core.Element{num(3)}))
	_, err = mp.RunOneIteration(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, numbers(mp.Rows(MainOutput)))
	assert.Equal(t, [][]int{{3}}, rec.Batches())
}

func TestMicroPipelineBuilder_Errors(t *testing.T) {
	reg := testRegistry(t, &batchRecorder{})
	b := NewMicroPipelineBuilder(reg)

	_, err := b.Build(BuildConfig{ID: "x", InputSchema: numSchema, PluginID: "nope"})
	assert.ErrorIs(t, err, core.ErrUnknownPlugin)

	_, err = b.Build(BuildConfig{ID: "x", PluginID: "record"})
	var cfgErr *core.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr, "non-source transform without input schema")

	mp, err := b.Build(BuildConfig{ID: "x", PluginID: "ticker"})
	require.NoError(t, err)
	assert.True(t, mp.IsSource())
	assert.Nil(t, mp.MainProducer())
	assert.NoError(t, mp.Feed([]core.Element{num(1)}))
	assert.Zero(t, mp.Discard())
}

func TestMicroPipeline_SeedRejectsUndeclaredInputs(t *testing.T) {
	reg := plugin.NewRegistry()
	reg.MustRegister("enrich", plugin.Factory{New: func(plugin.Env) core.RowTransform { return &enricher{} }})

	mp, err := NewMicroPipelineBuilder(reg).Build(BuildConfig{ID: "x", InputSchema: numSchema, PluginID: "enrich"})
	require.NoError(t, err)

	err = mp.Seed(map[string][]core.Element{"ref": {num(1)}})
	var cfgErr *core.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}
