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
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/aaronlmathis/microbatch/core"
	"github.com/aaronlmathis/microbatch/dag/tasks"
	"github.com/aaronlmathis/microbatch/logger"
	"github.com/aaronlmathis/microbatch/plugin"
)

// State is the lifecycle state of an Adapter.
type State int32

const (
	StateUninitialized State = iota
	StateReady
	StateProcessing
	StateFinalizing
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateProcessing:
		return "processing"
	case StateFinalizing:
		return "finalizing"
	case StateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type commandKind int

const (
	cmdAppend commandKind = iota
	cmdFinish
)

// command is a request to the coordinator. reply is buffered so the coordinator never blocks.
type command struct {
	kind   commandKind
	ctx    context.Context
	el     core.Element
	window core.Window
	reply  chan error
}

// Adapter drives a RowTransform from a push-based host. Elements are buffered and
// flushed through a micro pipeline when the buffer reaches a size threshold, when it
// has been stale for the flush interval, or when the host finishes a bundle.
//
// All buffer and pipeline work happens on one coordinator goroutine fed by a bounded
// command channel, so at most one flush runs at any time.
type Adapter struct {
	cfg        Config
	id         string
	registry   *plugin.Registry
	emitter    Emitter
	log        *logger.Logger
	provider   metric.MeterProvider
	maxWorkers int

	lifecycle sync.Mutex
	state     atomic.Int32
	poisoned  atomic.Bool

	inputSchema *core.Schema
	queue       *BufferedElementQueue
	pipeline    *MicroPipeline
	scheduler   *FlushScheduler
	router      *OutputRouter
	metrics     *flushMetrics

	commands chan command
	quit     chan struct{}
	done     chan struct{}

	// owned by the coordinator goroutine
	lastFlush time.Time
	asyncErr  error
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter's logger.
func WithLogger(log *logger.Logger) Option {
	return func(a *Adapter) {
		if log != nil {
			a.log = log
		}
	}
}

// WithMeterProvider sets the provider metric instruments are created on.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(a *Adapter) {
		if mp != nil {
			a.provider = mp
		}
	}
}

// WithMaxWorkers bounds the micro pipeline's worker pool.
func WithMaxWorkers(n int) Option {
	return func(a *Adapter) {
		a.maxWorkers = n
	}
}

// New validates cfg and creates an adapter in the Uninitialized state.
func New(cfg Config, registry *plugin.Registry, emitter Emitter, opts ...Option) (*Adapter, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if registry == nil {
		return nil, &core.ConfigurationError{Op: "new", Err: errors.New("plugin registry is required")}
	}
	if emitter == nil {
		return nil, &core.ConfigurationError{Op: "new", Err: errors.New("emitter is required")}
	}

	a := &Adapter{
		cfg:      cfg,
		id:       uuid.NewString(),
		registry: registry,
		emitter:  emitter,
		log:      logger.NewNop(),
		provider: otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.WithComponent("adapter").WithFields(logger.Fields(
		logger.FieldInstanceID, a.id,
		logger.FieldPluginID, cfg.TransformPluginID,
	))
	return a, nil
}

// ID returns the adapter instance id.
func (a *Adapter) ID() string { return a.id }

// State returns the current lifecycle state.
func (a *Adapter) State() State { return State(a.state.Load()) }

// Stats returns a snapshot of the adapter's counters.
func (a *Adapter) Stats() Stats {
	if a.metrics == nil {
		return Stats{}
	}
	return a.metrics.snapshot()
}

// Pending returns the number of buffered elements.
func (a *Adapter) Pending() int {
	if a.queue == nil {
		return 0
	}
	return a.queue.Len()
}

// Setup builds and initializes the micro pipeline, seeds the reference datasets and
// starts the coordinator and scheduler. On failure the adapter stays Uninitialized.
func (a *Adapter) Setup(ctx context.Context, sideInputs map[string][]core.Element) error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	switch a.State() {
	case StateUninitialized:
	case StateDisposed:
		return core.ErrDisposed
	default:
		return fmt.Errorf("setup: adapter is already %s", a.State())
	}

	inputSchema, err := core.ParseSchema(a.cfg.InputSchema)
	if err != nil {
		return &core.ConfigurationError{Op: "setup", Err: err}
	}

	auxSchemas := make(map[string]*core.Schema, len(a.cfg.AuxiliaryInputs))
	auxOrder := make([]string, 0, len(a.cfg.AuxiliaryInputs))
	for _, aux := range a.cfg.AuxiliaryInputs {
		s, err := core.ParseSchema(aux.Schema)
		if err != nil {
			return &core.ConfigurationError{Op: "setup", Err: fmt.Errorf("auxiliary input %s: %w", aux.Name, err)}
		}
		auxSchemas[aux.Name] = s
		auxOrder = append(auxOrder, aux.Name)
	}

	metrics, err := newFlushMetrics(a.provider, a.cfg.TransformPluginID)
	if err != nil {
		return &core.InitializationError{Op: "metrics", Err: err}
	}

	mp, err := NewMicroPipelineBuilder(a.registry).Build(BuildConfig{
		ID:               "microbatch-" + a.id,
		InputSchema:      inputSchema,
		AuxiliaryInputs:  auxSchemas,
		AuxiliaryOrder:   auxOrder,
		PluginID:         a.cfg.TransformPluginID,
		SerializedConfig: a.cfg.SerializedTransformConfig,
		NamedOutputs:     a.cfg.NamedOutputs,
		Env: plugin.Env{
			InstanceID: a.id,
			TempDir:    a.cfg.TempDir,
			Logger:     a.log.WithComponent("transform"),
		},
		MaxWorkers: a.maxWorkers,
	})
	if err != nil {
		a.log.Error("micro pipeline build failed", logger.ErrorFields("setup", err))
		return err
	}

	if err := mp.Seed(sideInputs); err != nil {
		_ = mp.Close()
		return err
	}
	if err := mp.Init(ctx); err != nil {
		_ = mp.Close()
		a.log.Error("micro pipeline init failed", logger.ErrorFields("setup", err))
		return err
	}

	a.inputSchema = inputSchema
	a.pipeline = mp
	a.metrics = metrics
	a.queue = NewBufferedElementQueue(a.cfg.BufferSizeThreshold)
	a.router = newOutputRouter(a.emitter, metrics)
	a.scheduler = NewFlushScheduler(a.cfg.FlushInterval(), a.cfg.TickInterval())
	a.commands = make(chan command, a.cfg.IntakeCapacity)
	a.quit = make(chan struct{})
	a.done = make(chan struct{})
	a.lastFlush = time.Now()

	go a.coordinate()
	a.scheduler.Start()
	a.state.Store(int32(StateReady))

	a.log.Info("adapter ready", logger.Fields(
		"buffer_size_threshold", a.cfg.BufferSizeThreshold,
		"flush_interval_ms", a.cfg.FlushIntervalMs,
		"named_outputs", a.cfg.NamedOutputs,
		"source", mp.IsSource(),
	))
	return nil
}

// StartBundle marks the beginning of a host bundle.
func (a *Adapter) StartBundle(ctx context.Context) error {
	if err := a.checkActive(); err != nil {
		return err
	}
	a.state.CompareAndSwap(int32(StateReady), int32(StateProcessing))
	return nil
}

// ProcessElement buffers one element. When the buffer reaches the size threshold the
// flush runs before ProcessElement returns and its error, if any, is returned. A failed
// time-triggered flush is reported by the next ProcessElement or FinishBundle call.
func (a *Adapter) ProcessElement(ctx context.Context, el core.Element, window core.Window) error {
	if err := a.checkActive(); err != nil {
		return err
	}
	if !a.pipeline.IsSource() && !a.inputSchema.Equal(el.Schema()) {
		return fmt.Errorf("element schema %s does not match input schema %s", el.Schema(), a.inputSchema)
	}
	a.state.CompareAndSwap(int32(StateReady), int32(StateProcessing))

	return a.send(ctx, command{kind: cmdAppend, ctx: ctx, el: el, window: window})
}

// FinishBundle flushes whatever is buffered, even below the threshold, and returns the
// adapter to Ready for the next bundle.
func (a *Adapter) FinishBundle(ctx context.Context) error {
	if err := a.checkActive(); err != nil {
		return err
	}
	prev := a.State()
	if !a.state.CompareAndSwap(int32(prev), int32(StateFinalizing)) {
		return fmt.Errorf("finish bundle: concurrent lifecycle change from %s", prev)
	}

	err := a.send(ctx, command{kind: cmdFinish, ctx: ctx})
	a.state.CompareAndSwap(int32(StateFinalizing), int32(StateReady))
	return err
}

// Teardown stops the scheduler and the coordinator, lets an in-flight flush finish,
// counts anything still buffered as lost and releases the micro pipeline. It is idempotent.
func (a *Adapter) Teardown(ctx context.Context) error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	switch a.State() {
	case StateDisposed:
		return nil
	case StateUninitialized:
		a.state.Store(int32(StateDisposed))
		return nil
	}

	a.scheduler.Stop()
	close(a.quit)
	<-a.done
	a.state.Store(int32(StateDisposed))

	lost := len(a.queue.DrainAll())
	if lost > 0 {
		a.metrics.recordLost(ctx, lost)
		a.log.Warn("dropping buffered elements at teardown", logger.Fields("lost", lost))
	}

	err := a.pipeline.Close()
	stats := a.metrics.snapshot()
	a.log.Info("adapter disposed", logger.Fields(
		"flushes", stats.Flushes,
		"rows_emitted", stats.RowsEmitted,
		"errors", stats.Errors,
		"lost", stats.Lost,
	))
	if err != nil {
		return fmt.Errorf("teardown: %w", err)
	}
	return nil
}

func (a *Adapter) checkActive() error {
	switch a.State() {
	case StateUninitialized:
		return core.ErrNotReady
	case StateDisposed:
		return core.ErrDisposed
	}
	if a.poisoned.Load() {
		return core.ErrPoisoned
	}
	return nil
}

// send hands a command to the coordinator and waits for its reply.
func (a *Adapter) send(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)

	select {
	case a.commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		return core.ErrDisposed
	}

	// An enqueued command is always answered; its reply says whether the element
	// was buffered, so ctx is not consulted here.
	select {
	case err := <-cmd.reply:
		return err
	case <-a.done:
		// the coordinator may have answered just before exiting
		select {
		case err := <-cmd.reply:
			return err
		default:
			return core.ErrDisposed
		}
	}
}

// coordinate is the single goroutine that owns the buffer and the micro pipeline.
func (a *Adapter) coordinate() {
	defer close(a.done)

	runCtx := context.Background()
	for {
		select {
		case <-a.quit:
			a.rejectPending()
			return
		case cmd := <-a.commands:
			cmd.reply <- a.handle(cmd)
		case now := <-a.scheduler.Ticks():
			a.onTick(runCtx, now)
		}
	}
}

// rejectPending answers commands that were queued but never handled.
func (a *Adapter) rejectPending() {
	for {
		select {
		case cmd := <-a.commands:
			cmd.reply <- core.ErrDisposed
		default:
			return
		}
	}
}

func (a *Adapter) handle(cmd command) error {
	if a.poisoned.Load() {
		return core.ErrPoisoned
	}
	// the caller has given up; nothing is buffered on its behalf
	if err := cmd.ctx.Err(); err != nil {
		return err
	}

	pending := a.takeAsyncErr()

	switch cmd.kind {
	case cmdAppend:
		n := a.queue.Append(cmd.el, cmd.window)
		a.metrics.recordElement()
		if a.cfg.BufferSizeThreshold > 0 && n >= a.cfg.BufferSizeThreshold {
			return errors.Join(pending, a.flush(cmd.ctx, TriggerSize))
		}
		return pending
	case cmdFinish:
		return errors.Join(pending, a.flush(cmd.ctx, TriggerFinalize))
	default:
		return fmt.Errorf("unknown command %d", cmd.kind)
	}
}

func (a *Adapter) onTick(ctx context.Context, now time.Time) {
	if a.poisoned.Load() {
		return
	}
	if !a.scheduler.Due(now, a.lastFlush, a.queue.Len()) {
		return
	}
	if err := a.flush(ctx, TriggerTimer); err != nil {
		a.asyncErr = errors.Join(a.asyncErr, err)
	}
}

func (a *Adapter) takeAsyncErr() error {
	err := a.asyncErr
	a.asyncErr = nil
	return err
}

// flush drains the buffer, runs one pipeline iteration and emits every output.
// An empty buffer is a no-op.
func (a *Adapter) flush(ctx context.Context, trigger string) error {
	if a.queue.IsEmpty() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()

	drained := a.queue.DrainAll()
	a.pipeline.ResetAccumulators()

	rows := make([]core.Element, len(drained))
	for i, p := range drained {
		rows[i] = p.el
	}
	window := drained[len(drained)-1].window

	emitted, err := a.execute(ctx, rows, window)
	if err != nil {
		a.metrics.recordError(ctx, trigger)
		fields := logger.Fields(logger.FieldTrigger, trigger, logger.FieldBatchSize, len(rows), "emitted", emitted)
		if core.IsPoisoned(err) {
			a.poisoned.Store(true)
			a.log.WithError(err).Error("flush poisoned the adapter", fields)
		} else {
			a.log.WithError(err).Error("flush failed", fields)
		}
		return err
	}

	a.lastFlush = time.Now()
	a.metrics.recordFlush(ctx, trigger, len(rows), a.lastFlush, a.lastFlush.Sub(start))
	a.log.Debug("flushed", logger.Fields(
		logger.FieldTrigger, trigger,
		logger.FieldBatchSize, len(rows),
		"emitted", emitted,
		logger.FieldDuration, a.lastFlush.Sub(start).Milliseconds(),
	))
	return nil
}

func (a *Adapter) execute(ctx context.Context, rows []core.Element, window core.Window) (int, error) {
	if err := a.pipeline.Feed(rows); err != nil {
		a.pipeline.Discard()
		return 0, &core.ExecutionError{Op: "feed", Err: err, Poisoned: true}
	}

	if _, err := a.pipeline.RunOneIteration(ctx); err != nil {
		// rows the injector never took belong to this failed flush only
		if n := a.pipeline.Discard(); n > 0 {
			a.log.Warn("discarded rows of failed flush", logger.Fields(logger.FieldBatchSize, n))
		}
		var panicErr *tasks.PanicError
		return 0, &core.ExecutionError{Op: "iteration", Err: err, Poisoned: errors.As(err, &panicErr)}
	}

	for channel, n := range a.pipeline.TakeUnrouted() {
		a.metrics.recordUnrouted(ctx, channel, n)
		a.log.Warn("rows sent to undeclared output dropped", logger.Fields("output", channel, "rows", n))
	}

	emitted, err := a.router.Route(ctx, a.pipeline, time.Now(), window)
	if err != nil {
		return emitted, &core.ExecutionError{Op: "emit", Err: err}
	}
	return emitted, nil
}
