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

package dag

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronlmathis/microbatch/core"
	"github.com/aaronlmathis/microbatch/dag/tasks"
)

var numSchema = core.MustSchema(core.Field{Name: "n", Type: core.FieldInt})

// parityTransform routes rows to "even" and "odd" and echoes them on the main output.
type parityTransform struct {
	batches  int
	side     map[string][]core.Element
	panicOn  int
	failWith error
}

func (p *parityTransform) Configure(config []byte) error { return nil }

func (p *parityTransform) SetSideInput(name string, rows []core.Element) error {
	if p.side == nil {
		p.side = make(map[string][]core.Element)
	}
	p.side[name] = append(p.side[name], rows...)
	return nil
}

func (p *parityTransform) ProcessBatch(ctx context.Context, rows []core.Element) (core.TransformResult, error) {
	p.batches++
	if p.failWith != nil {
		return core.TransformResult{}, p.failWith
	}
	var result core.TransformResult
	for _, row := range rows {
		v, _ := row.Get("n")
		n := v.(int)
		if p.panicOn != 0 && n == p.panicOn {
			panic("bad row")
		}
		result.Emit(row)
		if n%2 == 0 {
			result.EmitTo("even", row)
		} else {
			result.EmitTo("odd", row)
		}
	}
	return result, nil
}

func buildParityDAG(t *testing.T, transform core.RowTransform) *DAG {
	t.Helper()
	d, err := NewDAG("test", "parity").
		AddInjectorTask("input", numSchema).
		AddInjectorTask("aux:ref", numSchema).
		AddRowTransformTask("transform", transform, "input", map[string]string{"aux:ref": "ref"}).
		AddSinkTask("out:main", "transform", nil).
		AddChannelSinkTask("out:even", "transform", "even").
		AddChannelSinkTask("out:odd", "transform", "odd").
		Build()
	require.NoError(t, err)
	return d
}

func collect(t *testing.T, d *DAG, node string) *[]int {
	t.Helper()
	var got []int
	require.NoError(t, d.AddRowListener(node, func(el core.Element) {
		v, _ := el.Get("n")
		got = append(got, v.(int))
	}))
	return &got
}

func TestDAGExecutor_RunOneIteration_RoutesChannels(t *testing.T) {
	d := buildParityDAG(t, &parityTransform{})
	main := collect(t, d, "out:main")
	even := collect(t, d, "out:even")
	odd := collect(t, d, "out:odd")

	exec := NewDAGExecutor(WithMaxWorkers(2))
	require.NoError(t, exec.Init(context.Background(), d))

	producer, err := d.Producer("input")
	require.NoError(t, err)
	for _, n := range []int{1, 2, 3, 4} {
		require.NoError(t, producer.Put(numSchema, n))
	}

	result, err := exec.RunOneIteration(context.Background(), d)
	require.NoError(t, err)

	assert.Equal(t, int64(1), result.Iteration)
	assert.Equal(t, []int{1, 2, 3, 4}, *main)
	assert.Equal(t, []int{2, 4}, *even)
	assert.Equal(t, []int{1, 3}, *odd)
	assert.True(t, result.TaskResults["transform"].Success)
}

func TestDAGExecutor_ProducerRowsDeliveredOnce(t *testing.T) {
	d := buildParityDAG(t, &parityTransform{})
	main := collect(t, d, "out:main")

	exec := NewDAGExecutor()
	require.NoError(t, exec.Init(context.Background(), d))

	producer, err := d.Producer("input")
	require.NoError(t, err)
	require.NoError(t, producer.Put(numSchema, 1))

	_, err = exec.RunOneIteration(context.Background(), d)
	require.NoError(t, err)
	_, err = exec.RunOneIteration(context.Background(), d)
	require.NoError(t, err)

	assert.Equal(t, []int{1}, *main)
	assert.Equal(t, int64(2), d.Iterations())
}

func TestDAGExecutor_SideInputDeliveredOnce(t *testing.T) {
	transform := &parityTransform{}
	d := buildParityDAG(t, transform)

	aux, err := d.Producer("aux:ref")
	require.NoError(t, err)
	require.NoError(t, aux.Put(numSchema, 10))
	require.NoError(t, aux.Put(numSchema, 20))
	aux.Finished()

	assert.Error(t, aux.Put(numSchema, 30))

	exec := NewDAGExecutor()
	require.NoError(t, exec.Init(context.Background(), d))

	for i := 0; i < 3; i++ {
		_, err := exec.RunOneIteration(context.Background(), d)
		require.NoError(t, err)
	}

	assert.Len(t, transform.side["ref"], 2)
	assert.Equal(t, 3, transform.batches)
}

func TestDAGExecutor_TransformErrorAndPanic(t *testing.T) {
	boom := errors.New("boom")
	d := buildParityDAG(t, &parityTransform{failWith: boom})
	exec := NewDAGExecutor()
	require.NoError(t, exec.Init(context.Background(), d))

	_, err := exec.RunOneIteration(context.Background(), d)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	d = buildParityDAG(t, &parityTransform{panicOn: 3})
	require.NoError(t, exec.Init(context.Background(), d))
	producer, _ := d.Producer("input")
	require.NoError(t, producer.Put(numSchema, 3))

	_, err = exec.RunOneIteration(context.Background(), d)
	var panicErr *tasks.PanicError
	require.ErrorAs(t, err, &panicErr)
	assert.Equal(t, "transform", panicErr.TaskID)
}

func TestDAGExecutor_RequiresInit(t *testing.T) {
	d := buildParityDAG(t, &parityTransform{})
	_, err := NewDAGExecutor().RunOneIteration(context.Background(), d)
	assert.Error(t, err)
}

func TestDAGBuilder_Validation(t *testing.T) {
	_, err := NewDAG("x", "x").
		AddInjectorTask("input", numSchema).
		AddInjectorTask("input", numSchema).
		Build()
	assert.Error(t, err, "duplicate id")

	_, err = NewDAG("x", "x").
		AddSinkTask("out", "missing", nil).
		Build()
	assert.Error(t, err, "missing dependency")

	_, err = NewDAG("x", "x").
		AddSinkTask("a", "b", nil).
		AddSinkTask("b", "a", nil).
		Build()
	assert.Error(t, err, "cycle")

	_, err = NewDAG("x", "x").
		AddRowTransformTask("t", nil, "", nil).
		Build()
	assert.Error(t, err, "nil transform")
}

func TestDAG_Accessors(t *testing.T) {
	d := buildParityDAG(t, &parityTransform{})

	_, err := d.Producer("transform")
	assert.Error(t, err)
	_, err = d.Producer("nope")
	assert.Error(t, err)
	assert.Error(t, d.AddRowListener("input", func(core.Element) {}))

	order, err := d.GetExecutionOrder()
	require.NoError(t, err)
	assert.Equal(t, "aux:ref", order[0])
	assert.Equal(t, "input", order[1])
	assert.Equal(t, "transform", order[2])

	assert.Equal(t, []string{"out:even", "out:main", "out:odd"}, d.GetDownstreamTasks("transform"))
	assert.Empty(t, d.ValidateDAGStructure())
	assert.Contains(t, d.Describe(), "channel=even")

	metrics := d.GetDAGMetrics()
	assert.Equal(t, 6, metrics["total_tasks"])
	assert.Equal(t, 3, metrics["sink_tasks"])
	assert.Equal(t, 3, metrics["max_depth"])
	assert.NoError(t, d.Close())
}
