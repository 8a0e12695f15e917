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
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/aaronlmathis/microbatch/core"
	"github.com/aaronlmathis/microbatch/plugin"
)

var numSchema = core.MustSchema(core.Field{Name: "n", Type: core.FieldInt})

func num(n int) core.Element {
	return core.MustElement(numSchema, n)
}

func numbers(rows []core.Element) []int {
	out := make([]int, len(rows))
	for i, el := range rows {
		out[i] = el.Value(0).(int)
	}
	return out
}

// batchRecorder passes rows through unchanged and remembers every batch it saw.
type batchRecorder struct {
	mu      sync.Mutex
	batches [][]int
}

func (r *batchRecorder) Configure([]byte) error { return nil }

func (r *batchRecorder) ProcessBatch(_ context.Context, rows []core.Element) (core.TransformResult, error) {
	r.mu.Lock()
	r.batches = append(r.batches, numbers(rows))
	r.mu.Unlock()
	return core.TransformResult{Main: rows}, nil
}

func (r *batchRecorder) Batches() [][]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]int(nil), r.batches...)
}

// parity sends every row to main and to "even" or "odd".
type parity struct{}

func (parity) Configure([]byte) error { return nil }

func (parity) ProcessBatch(_ context.Context, rows []core.Element) (core.TransformResult, error) {
	var res core.TransformResult
	for _, el := range rows {
		res.Emit(el)
		if el.Value(0).(int)%2 == 0 {
			res.EmitTo("even", el)
		} else {
			res.EmitTo("odd", el)
		}
	}
	return res, nil
}

// faulty fails batches containing a negative number and panics on -99.
type faulty struct{}

func (faulty) Configure([]byte) error { return nil }

func (faulty) ProcessBatch(_ context.Context, rows []core.Element) (core.TransformResult, error) {
	for _, el := range rows {
		switch n := el.Value(0).(int); {
		case n == -99:
			panic("corrupted engine state")
		case n < 0:
			return core.TransformResult{}, fmt.Errorf("negative value %d", n)
		}
	}
	return core.TransformResult{Main: rows}, nil
}

// ticker is a source transform emitting one row per iteration.
type ticker struct{ next int }

func (t *ticker) Configure([]byte) error { return nil }
func (t *ticker) IsSource() bool         { return true }

func (t *ticker) ProcessBatch(_ context.Context, rows []core.Element) (core.TransformResult, error) {
	t.next++
	return core.TransformResult{Main: []core.Element{num(t.next)}}, nil
}

// enricher appends the size of the "ref" dataset to every row.
type enricher struct{ refs int }

func (e *enricher) Configure([]byte) error { return nil }

func (e *enricher) SetSideInput(name string, rows []core.Element) error {
	if name == "ref" {
		e.refs = len(rows)
	}
	return nil
}

func (e *enricher) ProcessBatch(_ context.Context, rows []core.Element) (core.TransformResult, error) {
	var res core.TransformResult
	for _, el := range rows {
		out, err := el.With("refs", e.refs)
		if err != nil {
			return res, err
		}
		res.Emit(out)
	}
	return res, nil
}

type emitted struct {
	tag    string
	el     core.Element
	ts     time.Time
	window core.Window
}

// collector is a goroutine-safe Emitter.
type collector struct {
	mu   sync.Mutex
	rows []emitted
	fail error
}

func (c *collector) Emit(_ context.Context, tag string, el core.Element, ts time.Time, window core.Window) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.rows = append(c.rows, emitted{tag: tag, el: el, ts: ts, window: window})
	return nil
}

func (c *collector) Tagged(tag string) []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []int
	for _, r := range c.rows {
		if r.tag == tag {
			out = append(out, r.el.Value(0).(int))
		}
	}
	return out
}

func (c *collector) All() []emitted {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]emitted(nil), c.rows...)
}

func testRegistry(t *testing.T, recorder *batchRecorder) *plugin.Registry {
	t.Helper()
	reg := plugin.NewRegistry()
	require.NoError(t, reg.Register("record", plugin.Factory{New: func(plugin.Env) core.RowTransform { return recorder }}))
	require.NoError(t, reg.Register("parity", plugin.Factory{New: func(plugin.Env) core.RowTransform { return parity{} }}))
	require.NoError(t, reg.Register("faulty", plugin.Factory{New: func(plugin.Env) core.RowTransform { return faulty{} }}))
	require.NoError(t, reg.Register("ticker", plugin.Factory{New: func(plugin.Env) core.RowTransform { return &ticker{} }}))
	require.NoError(t, reg.Register("enrich", plugin.Factory{New: func(plugin.Env) core.RowTransform { return &enricher{} }}))
	return reg
}

func newTestAdapter(t *testing.T, cfg Config, emitter Emitter, recorder *batchRecorder, opts ...Option) *Adapter {
	t.Helper()
	if cfg.TransformPluginID == "" {
		cfg.TransformPluginID = "record"
	}
	if cfg.InputSchema == "" && cfg.TransformPluginID != "ticker" {
		cfg.InputSchema = "n:int"
	}
	if cfg.TickIntervalMs == 0 {
		cfg.TickIntervalMs = 2
	}
	a, err := New(cfg, testRegistry(t, recorder), emitter, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Teardown(context.Background()) })
	return a
}

func TestAdapter_SizeThresholdFlush(t *testing.T) {
	ctx := context.Background()
	rec := &batchRecorder{}
	out := &collector{}
	a := newTestAdapter(t, Config{BufferSizeThreshold: 2}, out, rec)

	require.NoError(t, a.Setup(ctx, nil))
	require.NoError(t, a.StartBundle(ctx))

	require.NoError(t, a.ProcessElement(ctx, num(1), core.GlobalWindow))
	assert.Empty(t, rec.Batches())

	require.NoError(t, a.ProcessElement(ctx, num(2), core.GlobalWindow))
	assert.Equal(t, [][]int{{1, 2}}, rec.Batches())

	require.NoError(t, a.ProcessElement(ctx, num(3), core.GlobalWindow))
	assert.Equal(t, 1, a.Pending())
	assert.Len(t, rec.Batches(), 1)

	require.NoError(t, a.FinishBundle(ctx))
	assert.Equal(t, [][]int{{1, 2}, {3}}, rec.Batches())
	assert.Equal(t, []int{1, 2, 3}, out.Tagged(MainOutput))
	assert.Equal(t, StateReady, a.State())

	stats := a.Stats()
	assert.EqualValues(t, 3, stats.ElementsIn)
	assert.EqualValues(t, 2, stats.Flushes)
	assert.EqualValues(t, 3, stats.RowsEmitted)
	assert.Equal(t, 1, stats.MinBatch)
	assert.Equal(t, 2, stats.MaxBatch)
}

func TestAdapter_StaleBufferFlushedByScheduler(t *testing.T) {
	ctx := context.Background()
	rec := &batchRecorder{}
	out := &collector{}
	a := newTestAdapter(t, Config{BufferSizeThreshold: 100, FlushIntervalMs: 50}, out, rec)

	require.NoError(t, a.Setup(ctx, nil))
	require.NoError(t, a.ProcessElement(ctx, num(1), core.GlobalWindow))

	require.Eventually(t, func() bool { return len(rec.Batches()) == 1 }, time.Second, 5*time.Millisecond)

	// an empty buffer never flushes again
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, [][]int{{1}}, rec.Batches())
	assert.Equal(t, []int{1}, out.Tagged(MainOutput))
	assert.Equal(t, 0, a.Pending())
}

func TestAdapter_NamedOutputsKeepRelativeOrder(t *testing.T) {
	ctx := context.Background()
	out := &collector{}
	a := newTestAdapter(t, Config{
		TransformPluginID: "parity",
		NamedOutputs:      []string{"even", "odd"},
	}, out, &batchRecorder{})

	require.NoError(t, a.Setup(ctx, nil))
	require.NoError(t, a.StartBundle(ctx))
	for _, n := range []int{1, 2, 3, 4} {
		require.NoError(t, a.ProcessElement(ctx, num(n), core.GlobalWindow))
	}
	require.NoError(t, a.FinishBundle(ctx))

	assert.Equal(t, []int{1, 2, 3, 4}, out.Tagged(MainOutput))
	assert.Equal(t, []int{2, 4}, out.Tagged("even"))
	assert.Equal(t, []int{1, 3}, out.Tagged("odd"))

	// main first, then named outputs in declaration order
	var tags []string
	for _, r := range out.All() {
		if len(tags) == 0 || tags[len(tags)-1] != r.tag {
			tags = append(tags, r.tag)
		}
	}
	assert.Equal(t, []string{MainOutput, "even", "odd"}, tags)
}

func TestAdapter_UndeclaredOutputRowsAreCounted(t *testing.T) {
	ctx := context.Background()
	out := &collector{}
	a := newTestAdapter(t, Config{
		TransformPluginID: "parity",
		NamedOutputs:      []string{"even"},
	}, out, &batchRecorder{})
	require.NoError(t, a.Setup(ctx, nil))

	for _, n := range []int{1, 2, 3, 4, 5} {
		require.NoError(t, a.ProcessElement(ctx, num(n), core.GlobalWindow))
	}
	require.NoError(t, a.FinishBundle(ctx))

	assert.Equal(t, []int{1, 2, 3, 4, 5}, out.Tagged(MainOutput))
	assert.Equal(t, []int{2, 4}, out.Tagged("even"))
	assert.Empty(t, out.Tagged("odd"))
	assert.EqualValues(t, 3, a.Stats().Unrouted)

	// counts are per flush, not cumulative in the task
	require.NoError(t, a.ProcessElement(ctx, num(7), core.GlobalWindow))
	require.NoError(t, a.FinishBundle(ctx))
	assert.EqualValues(t, 4, a.Stats().Unrouted)
}

func TestAdapter_EmissionUsesFlushTimeAndLastWindow(t *testing.T) {
	ctx := context.Background()
	out := &collector{}
	a := newTestAdapter(t, Config{}, out, &batchRecorder{})
	require.NoError(t, a.Setup(ctx, nil))

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	w1 := core.Window{Start: base, End: base.Add(time.Minute)}
	w2 := core.Window{Start: base.Add(time.Minute), End: base.Add(2 * time.Minute)}

	require.NoError(t, a.ProcessElement(ctx, num(1), w1))
	require.NoError(t, a.ProcessElement(ctx, num(2), w2))

	before := time.Now()
	require.NoError(t, a.FinishBundle(ctx))

	rows := out.All()
	require.Len(t, rows, 2)
	for _, r := range rows {
		assert.Equal(t, w2, r.window)
		assert.False(t, r.ts.Before(before))
	}
}

func TestAdapter_EmptyFlushIsNoop(t *testing.T) {
	ctx := context.Background()
	rec := &batchRecorder{}
	a := newTestAdapter(t, Config{FlushIntervalMs: 5}, &collector{}, rec)
	require.NoError(t, a.Setup(ctx, nil))

	require.NoError(t, a.StartBundle(ctx))
	require.NoError(t, a.FinishBundle(ctx))
	time.Sleep(30 * time.Millisecond)

	assert.Empty(t, rec.Batches())
	assert.EqualValues(t, 0, a.Stats().Flushes)
}

func TestAdapter_OnlyBundleFinishFlushesWhenTriggersDisabled(t *testing.T) {
	ctx := context.Background()
	rec := &batchRecorder{}
	a := newTestAdapter(t, Config{}, &collector{}, rec)
	require.NoError(t, a.Setup(ctx, nil))

	for n := 1; n <= 50; n++ {
		require.NoError(t, a.ProcessElement(ctx, num(n), core.GlobalWindow))
	}
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.Batches())
	assert.Equal(t, 50, a.Pending())

	require.NoError(t, a.FinishBundle(ctx))
	require.Len(t, rec.Batches(), 1)
	assert.Len(t, rec.Batches()[0], 50)
}

func TestAdapter_ConcurrentAppendsAreFlushedExactlyOnce(t *testing.T) {
	ctx := context.Background()
	rec := &batchRecorder{}
	out := &collector{}
	a := newTestAdapter(t, Config{BufferSizeThreshold: 7, FlushIntervalMs: 1, TickIntervalMs: 1}, out, rec)
	require.NoError(t, a.Setup(ctx, nil))

	const workers, perWorker = 8, 200
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				assert.NoError(t, a.ProcessElement(ctx, num(w*perWorker+i), core.GlobalWindow))
			}
		}(w)
	}
	wg.Wait()
	require.NoError(t, a.FinishBundle(ctx))

	got := out.Tagged(MainOutput)

	// each worker's rows keep the order that worker appended them in
	last := make([]int, workers)
	for w := range last {
		last[w] = -1
	}
	for _, n := range got {
		w := n / perWorker
		assert.Greater(t, n, last[w], "worker %d emitted %d after %d", w, n, last[w])
		last[w] = n
	}

	sort.Ints(got)
	want := make([]int, workers*perWorker)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, got)

	for _, batch := range rec.Batches() {
		assert.NotEmpty(t, batch)
		assert.LessOrEqual(t, len(batch), 7)
	}
	assert.EqualValues(t, workers*perWorker, a.Stats().ElementsIn)
}

func TestAdapter_FlushErrorIsReturnedAndAdapterRecovers(t *testing.T) {
	ctx := context.Background()
	out := &collector{}
	a := newTestAdapter(t, Config{TransformPluginID: "faulty", BufferSizeThreshold: 2}, out, &batchRecorder{})
	require.NoError(t, a.Setup(ctx, nil))

	require.NoError(t, a.ProcessElement(ctx, num(1), core.GlobalWindow))
	err := a.ProcessElement(ctx, num(-1), core.GlobalWindow)
	require.Error(t, err)

	var execErr *core.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "iteration", execErr.Op)
	assert.False(t, execErr.Poisoned)
	assert.Contains(t, err.Error(), "negative value -1")

	require.NoError(t, a.ProcessElement(ctx, num(3), core.GlobalWindow))
	require.NoError(t, a.ProcessElement(ctx, num(4), core.GlobalWindow))
	assert.Equal(t, []int{3, 4}, out.Tagged(MainOutput))
	assert.EqualValues(t, 1, a.Stats().Errors)
}

func TestAdapter_CancelledCallsBufferNothing(t *testing.T) {
	ctx := context.Background()
	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	t.Run("process element", func(t *testing.T) {
		rec := &batchRecorder{}
		out := &collector{}
		a := newTestAdapter(t, Config{BufferSizeThreshold: 1}, out, rec)
		require.NoError(t, a.Setup(ctx, nil))

		assert.ErrorIs(t, a.ProcessElement(cancelled, num(-1), core.GlobalWindow), context.Canceled)
		assert.Zero(t, a.Pending())
		assert.Zero(t, a.Stats().ElementsIn)
		assert.Zero(t, a.Stats().Errors)

		require.NoError(t, a.ProcessElement(ctx, num(2), core.GlobalWindow))
		assert.Equal(t, [][]int{{2}}, rec.Batches())
		assert.Equal(t, []int{2}, out.Tagged(MainOutput))
	})

	t.Run("finish bundle", func(t *testing.T) {
		rec := &batchRecorder{}
		out := &collector{}
		a := newTestAdapter(t, Config{}, out, rec)
		require.NoError(t, a.Setup(ctx, nil))

		require.NoError(t, a.ProcessElement(ctx, num(1), core.GlobalWindow))
		assert.ErrorIs(t, a.FinishBundle(cancelled), context.Canceled)
		assert.Equal(t, 1, a.Pending())
		assert.Empty(t, rec.Batches())

		require.NoError(t, a.FinishBundle(ctx))
		assert.Equal(t, [][]int{{1}}, rec.Batches())
		assert.Equal(t, []int{1}, out.Tagged(MainOutput))
	})
}

func TestAdapter_TimerFlushErrorSurfacesOnNextCall(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t, Config{TransformPluginID: "faulty", FlushIntervalMs: 5}, &collector{}, &batchRecorder{})
	require.NoError(t, a.Setup(ctx, nil))

	require.NoError(t, a.ProcessElement(ctx, num(-5), core.GlobalWindow))
	require.Eventually(t, func() bool { return a.Stats().Errors == 1 }, time.Second, 2*time.Millisecond)

	err := a.FinishBundle(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "negative value -5")

	// reported once
	assert.NoError(t, a.FinishBundle(ctx))
}

func TestAdapter_PanicPoisonsAdapter(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t, Config{TransformPluginID: "faulty", BufferSizeThreshold: 1}, &collector{}, &batchRecorder{})
	require.NoError(t, a.Setup(ctx, nil))

	err := a.ProcessElement(ctx, num(-99), core.GlobalWindow)
	require.Error(t, err)
	assert.True(t, core.IsPoisoned(err))

	assert.ErrorIs(t, a.ProcessElement(ctx, num(1), core.GlobalWindow), core.ErrPoisoned)
	assert.ErrorIs(t, a.FinishBundle(ctx), core.ErrPoisoned)
	assert.ErrorIs(t, a.StartBundle(ctx), core.ErrPoisoned)

	assert.NoError(t, a.Teardown(ctx))
	assert.Equal(t, StateDisposed, a.State())
}

func TestAdapter_EmitFailure(t *testing.T) {
	ctx := context.Background()
	out := &collector{fail: errors.New("downstream closed")}
	a := newTestAdapter(t, Config{}, out, &batchRecorder{})
	require.NoError(t, a.Setup(ctx, nil))

	require.NoError(t, a.ProcessElement(ctx, num(1), core.GlobalWindow))
	err := a.FinishBundle(ctx)

	var execErr *core.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "emit", execErr.Op)
	assert.False(t, execErr.Poisoned)
	assert.Equal(t, StateReady, a.State())
}

func TestAdapter_TeardownCountsBufferedElementsAsLost(t *testing.T) {
	ctx := context.Background()
	out := &collector{}
	a := newTestAdapter(t, Config{}, out, &batchRecorder{})
	require.NoError(t, a.Setup(ctx, nil))

	for n := 1; n <= 3; n++ {
		require.NoError(t, a.ProcessElement(ctx, num(n), core.GlobalWindow))
	}
	require.NoError(t, a.Teardown(ctx))

	assert.Empty(t, out.All())
	assert.EqualValues(t, 3, a.Stats().Lost)
	assert.Equal(t, StateDisposed, a.State())

	require.NoError(t, a.Teardown(ctx))
	assert.ErrorIs(t, a.ProcessElement(ctx, num(4), core.GlobalWindow), core.ErrDisposed)
	assert.ErrorIs(t, a.Setup(ctx, nil), core.ErrDisposed)
}

func TestAdapter_Lifecycle(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t, Config{}, &collector{}, &batchRecorder{})

	assert.Equal(t, StateUninitialized, a.State())
	assert.ErrorIs(t, a.ProcessElement(ctx, num(1), core.GlobalWindow), core.ErrNotReady)
	assert.ErrorIs(t, a.StartBundle(ctx), core.ErrNotReady)
	assert.ErrorIs(t, a.FinishBundle(ctx), core.ErrNotReady)

	require.NoError(t, a.Setup(ctx, nil))
	assert.Equal(t, StateReady, a.State())
	assert.Error(t, a.Setup(ctx, nil))

	require.NoError(t, a.StartBundle(ctx))
	assert.Equal(t, StateProcessing, a.State())
	require.NoError(t, a.FinishBundle(ctx))
	assert.Equal(t, StateReady, a.State())

	// hosts may skip StartBundle
	require.NoError(t, a.ProcessElement(ctx, num(1), core.GlobalWindow))
	assert.Equal(t, StateProcessing, a.State())
}

func TestAdapter_TeardownBeforeSetup(t *testing.T) {
	a := newTestAdapter(t, Config{}, &collector{}, &batchRecorder{})
	require.NoError(t, a.Teardown(context.Background()))
	assert.Equal(t, StateDisposed, a.State())
}

func TestAdapter_ConfigurationErrors(t *testing.T) {
	reg := testRegistry(t, &batchRecorder{})
	out := &collector{}

	tests := []struct {
		name string
		cfg  Config
	}{
		{"negative threshold", Config{TransformPluginID: "record", BufferSizeThreshold: -1}},
		{"negative interval", Config{TransformPluginID: "record", FlushIntervalMs: -1}},
		{"missing plugin", Config{}},
		{"bad schema", Config{TransformPluginID: "record", InputSchema: "n:decimal"}},
		{"reserved output", Config{TransformPluginID: "record", NamedOutputs: []string{"main"}}},
		{"duplicate output", Config{TransformPluginID: "record", NamedOutputs: []string{"a", "a"}}},
		{"duplicate aux", Config{TransformPluginID: "record", AuxiliaryInputs: []AuxiliaryInput{{Name: "x"}, {Name: "x"}}}},
		{"unnamed aux", Config{TransformPluginID: "record", AuxiliaryInputs: []AuxiliaryInput{{Schema: "n:int"}}}},
		{"empty output", Config{TransformPluginID: "record", NamedOutputs: []string{""}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, reg, out)
			var cfgErr *core.ConfigurationError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}

	_, err := New(Config{TransformPluginID: "record", BufferSizeThreshold: -1, NamedOutputs: []string{""}}, reg, out)
	assert.ErrorContains(t, err, "buffer_size_threshold: must be >= 0; named_outputs[0]: is required")

	_, err = New(Config{TransformPluginID: "record"}, nil, out)
	assert.Error(t, err)
	_, err = New(Config{TransformPluginID: "record"}, reg, nil)
	assert.Error(t, err)
}

func TestAdapter_SetupErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown plugin", func(t *testing.T) {
		a := newTestAdapter(t, Config{TransformPluginID: "missing"}, &collector{}, &batchRecorder{})
		err := a.Setup(ctx, nil)
		var cfgErr *core.ConfigurationError
		require.ErrorAs(t, err, &cfgErr)
		assert.ErrorIs(t, err, core.ErrUnknownPlugin)
		assert.Equal(t, StateUninitialized, a.State())
	})

	t.Run("undeclared side input", func(t *testing.T) {
		a := newTestAdapter(t, Config{}, &collector{}, &batchRecorder{})
		err := a.Setup(ctx, map[string][]core.Element{"ref": {num(1)}})
		var cfgErr *core.ConfigurationError
		assert.ErrorAs(t, err, &cfgErr)
	})

	t.Run("side input schema mismatch", func(t *testing.T) {
		a := newTestAdapter(t, Config{
			TransformPluginID: "enrich",
			AuxiliaryInputs:   []AuxiliaryInput{{Name: "ref", Schema: "name:string"}},
		}, &collector{}, &batchRecorder{})
		err := a.Setup(ctx, map[string][]core.Element{"ref": {num(1)}})
		var initErr *core.InitializationError
		assert.ErrorAs(t, err, &initErr)
	})
}

func TestAdapter_RejectsElementsWithForeignSchema(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t, Config{}, &collector{}, &batchRecorder{})
	require.NoError(t, a.Setup(ctx, nil))

	other := core.ElementOf(core.Record{"name": "x"})
	assert.Error(t, a.ProcessElement(ctx, other, core.GlobalWindow))
	assert.Equal(t, 0, a.Pending())
}

func TestAdapter_SideInputsReachTransform(t *testing.T) {
	ctx := context.Background()
	out := &collector{}
	a := newTestAdapter(t, Config{
		TransformPluginID: "enrich",
		AuxiliaryInputs:   []AuxiliaryInput{{Name: "ref", Schema: "n:int"}},
	}, out, &batchRecorder{})

	require.NoError(t, a.Setup(ctx, map[string][]core.Element{"ref": {num(10), num(20)}}))
	for round := 0; round < 2; round++ {
		require.NoError(t, a.ProcessElement(ctx, num(round), core.GlobalWindow))
		require.NoError(t, a.FinishBundle(ctx))
	}

	rows := out.All()
	require.Len(t, rows, 2)
	for _, r := range rows {
		refs, ok := r.el.Get("refs")
		require.True(t, ok)
		assert.Equal(t, 2, refs)
	}
}

func TestAdapter_SourceTransformTreatsElementsAsTriggers(t *testing.T) {
	ctx := context.Background()
	out := &collector{}
	a := newTestAdapter(t, Config{TransformPluginID: "ticker"}, out, &batchRecorder{})
	require.NoError(t, a.Setup(ctx, nil))

	trigger := core.ElementOf(core.Record{"anything": true})
	require.NoError(t, a.ProcessElement(ctx, trigger, core.GlobalWindow))
	require.NoError(t, a.ProcessElement(ctx, trigger, core.GlobalWindow))
	require.NoError(t, a.FinishBundle(ctx))
	require.NoError(t, a.ProcessElement(ctx, trigger, core.GlobalWindow))
	require.NoError(t, a.FinishBundle(ctx))

	// one generated row per flush
	assert.Equal(t, []int{1, 2}, out.Tagged(MainOutput))
}

func TestAdapter_RecordsMetrics(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	a := newTestAdapter(t, Config{BufferSizeThreshold: 2}, &collector{}, &batchRecorder{}, WithMeterProvider(provider))
	require.NoError(t, a.Setup(ctx, nil))
	for n := 1; n <= 3; n++ {
		require.NoError(t, a.ProcessElement(ctx, num(n), core.GlobalWindow))
	}
	require.NoError(t, a.FinishBundle(ctx))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if data, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range data.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(2), sums["microbatch.flushes"])
	assert.Equal(t, int64(3), sums["microbatch.rows_emitted"])
}
