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

// Package runner is a direct host runtime for the micro-batching adapter. It reads a
// DataSource in bundles, drives the adapter lifecycle for each bundle and writes the
// emitted rows to one DataSink per output tag.
//
// A bundle that fails is replayed on a freshly set up adapter, up to
// Config.MaxBundleAttempts times. Rows emitted during a failed attempt are discarded,
// so sinks only see the rows of committed bundles.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/aaronlmathis/microbatch"
	"github.com/aaronlmathis/microbatch/core"
	"github.com/aaronlmathis/microbatch/logger"
	"github.com/aaronlmathis/microbatch/plugin"
)

// RunResult summarizes one Run.
type RunResult struct {
	RunID string
	// Bundles is the number of committed bundles.
	Bundles int
	// Attempts counts every bundle attempt, including retries.
	Attempts   int
	ElementsIn int64
	// RowsByTag counts rows written to each sink.
	RowsByTag map[string]int64
	// Dropped counts rows emitted under a tag that had no sink.
	Dropped map[string]int64
	// Rejected counts source records skipped by the error strategy.
	Rejected int64
	Duration time.Duration
}

// Builder provides a fluent API for constructing a DirectRunner.
type Builder struct {
	runner *DirectRunner
}

// NewRunner starts building a runner for one adapter configuration.
func NewRunner(cfg Config, adapterCfg microbatch.Config, registry *plugin.Registry) *Builder {
	return &Builder{runner: &DirectRunner{
		cfg:        cfg,
		adapterCfg: adapterCfg,
		registry:   registry,
		sinks:      make(map[string]core.DataSink),
		sideInputs: make(map[string][]core.Element),
		log:        logger.NewNop(),
		provider:   otel.GetMeterProvider(),
	}}
}

// From sets the source records are read from.
func (b *Builder) From(source core.DataSource) *Builder {
	b.runner.source = source
	return b
}

// To routes rows emitted under tag to sink. Use microbatch.MainOutput for the main output.
func (b *Builder) To(tag string, sink core.DataSink) *Builder {
	b.runner.sinks[tag] = sink
	return b
}

// WithSideInput provides the rows of an auxiliary input.
func (b *Builder) WithSideInput(name string, rows []core.Element) *Builder {
	b.runner.sideInputs[name] = rows
	return b
}

// WithErrorHandler sets the handler consulted for rejected source records under the
// skip and collect strategies.
func (b *Builder) WithErrorHandler(handler core.ErrorHandler) *Builder {
	b.runner.errorHandler = handler
	return b
}

func (b *Builder) WithLogger(log *logger.Logger) *Builder {
	b.runner.log = log
	return b
}

func (b *Builder) WithMeterProvider(mp metric.MeterProvider) *Builder {
	b.runner.provider = mp
	return b
}

// WithAdapterOptions passes options to every adapter the runner creates.
func (b *Builder) WithAdapterOptions(opts ...microbatch.Option) *Builder {
	b.runner.adapterOpts = append(b.runner.adapterOpts, opts...)
	return b
}

// Build validates and constructs the runner.
func (b *Builder) Build() (*DirectRunner, error) {
	r := b.runner
	if r.source == nil {
		return nil, fmt.Errorf("runner requires a data source")
	}
	if r.registry == nil {
		return nil, fmt.Errorf("runner requires a plugin registry")
	}

	r.cfg.ApplyDefaults()
	if err := r.cfg.Validate(); err != nil {
		return nil, err
	}
	r.strategy, _ = core.ParseErrorStrategy(r.cfg.ErrorStrategy)

	r.adapterCfg.ApplyDefaults()
	if err := r.adapterCfg.Validate(); err != nil {
		return nil, err
	}
	schema, err := core.ParseSchema(r.adapterCfg.InputSchema)
	if err != nil {
		return nil, &core.ConfigurationError{Op: "runner", Err: err}
	}
	r.schema = schema

	metrics, err := newRunMetrics(r.provider)
	if err != nil {
		return nil, err
	}
	r.metrics = metrics
	return r, nil
}

// DirectRunner runs one adapter over a bounded source. A runner is single use.
type DirectRunner struct {
	cfg          Config
	adapterCfg   microbatch.Config
	registry     *plugin.Registry
	source       core.DataSource
	sinks        map[string]core.DataSink
	sideInputs   map[string][]core.Element
	errorHandler core.ErrorHandler
	strategy     core.ErrorStrategy
	schema       *core.Schema
	log          *logger.Logger
	provider     metric.MeterProvider
	adapterOpts  []microbatch.Option
	metrics      *runMetrics

	adapter *microbatch.Adapter
	emitter *bundleEmitter
}

// Run reads the source to the end. It takes ownership of the source and the sinks and
// closes them before returning.
func (r *DirectRunner) Run(ctx context.Context) (res *RunResult, err error) {
	start := time.Now()
	res = &RunResult{
		RunID:     uuid.NewString(),
		RowsByTag: make(map[string]int64),
		Dropped:   make(map[string]int64),
	}
	log := r.log.WithFields(logger.Fields(logger.FieldRunID, res.RunID, logger.FieldPluginID, r.adapterCfg.TransformPluginID))
	sinks := &sinkSet{sinks: r.sinks, log: log, dropped: res.Dropped}
	r.emitter = &bundleEmitter{}

	defer func() {
		r.teardown(ctx, log)
		if cerr := r.source.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("closing source: %w", cerr))
		}
		if ferr := sinks.flush(); ferr != nil {
			err = errors.Join(err, ferr)
		}
		if cerr := sinks.close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
		res.Duration = time.Since(start)
		log.Info("run finished", logger.Fields(
			"bundles", res.Bundles,
			"attempts", res.Attempts,
			"elements_in", res.ElementsIn,
			logger.FieldDuration, res.Duration.Milliseconds(),
		))
	}()

	log.Info("run started", logger.Fields("bundle_size", r.cfg.BundleSize, "sinks", len(r.sinks)))

	bundle := make([]core.Element, 0, r.cfg.BundleSize)
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		record, err := r.source.Read(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if herr := r.reject(ctx, res, record, err); herr != nil {
				return res, herr
			}
			continue
		}
		if len(record) == 0 {
			continue
		}

		el, err := toElement(r.schema, record)
		if err != nil {
			if herr := r.reject(ctx, res, record, err); herr != nil {
				return res, herr
			}
			continue
		}

		bundle = append(bundle, el)
		if len(bundle) >= r.cfg.BundleSize {
			if err := r.runBundle(ctx, log, bundle, res, sinks); err != nil {
				return res, err
			}
			bundle = make([]core.Element, 0, r.cfg.BundleSize)
		}
	}

	if len(bundle) > 0 {
		if err := r.runBundle(ctx, log, bundle, res, sinks); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (r *DirectRunner) reject(ctx context.Context, res *RunResult, record core.Record, err error) error {
	if r.strategy == core.FailFast {
		return fmt.Errorf("reading source: %w", err)
	}
	res.Rejected++
	if r.errorHandler != nil {
		return r.errorHandler.HandleError(ctx, core.ElementOf(record), err)
	}
	return nil
}

// runBundle processes one bundle, replaying it on a fresh adapter after a failure.
func (r *DirectRunner) runBundle(ctx context.Context, log *logger.Logger, bundle []core.Element, res *RunResult, sinks *sinkSet) error {
	for attempt := 1; ; attempt++ {
		res.Attempts++
		err := r.attempt(ctx, bundle)
		if err == nil {
			written := res.RowsByTag
			if err := sinks.commit(ctx, r.emitter.take(), written); err != nil {
				return err
			}
			res.Bundles++
			res.ElementsIn += int64(len(bundle))
			r.metrics.recordBundle(ctx, outcomeCommitted, len(bundle))
			return nil
		}

		discarded := r.emitter.discard()
		r.metrics.recordBundle(ctx, outcomeFailed, len(bundle))
		r.teardown(ctx, log)

		if !retryable(ctx, err) || attempt >= r.cfg.MaxBundleAttempts {
			log.Error("bundle failed", logger.Fields(
				"attempt", attempt,
				logger.FieldBatchSize, len(bundle),
				logger.FieldError, err.Error(),
			))
			return fmt.Errorf("bundle %d failed after %d attempts: %w", res.Bundles+1, attempt, err)
		}

		log.Warn("bundle failed, replaying on a new adapter", logger.Fields(
			"attempt", attempt,
			"discarded_rows", discarded,
			logger.FieldError, err.Error(),
		))
		if r.cfg.RetryBackoff > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.cfg.RetryBackoff * time.Duration(attempt)):
			}
		}
	}
}

func (r *DirectRunner) attempt(ctx context.Context, bundle []core.Element) error {
	if r.adapter == nil {
		ad, err := microbatch.New(r.adapterCfg, r.registry, r.emitter, r.adapterOpts...)
		if err != nil {
			return err
		}
		if err := ad.Setup(ctx, r.sideInputs); err != nil {
			_ = ad.Teardown(ctx)
			return err
		}
		r.adapter = ad
	}

	if err := r.adapter.StartBundle(ctx); err != nil {
		return err
	}
	for _, el := range bundle {
		if err := r.adapter.ProcessElement(ctx, el, core.GlobalWindow); err != nil {
			return err
		}
	}
	return r.adapter.FinishBundle(ctx)
}

func (r *DirectRunner) teardown(ctx context.Context, log *logger.Logger) {
	if r.adapter == nil {
		return
	}
	if err := r.adapter.Teardown(context.WithoutCancel(ctx)); err != nil {
		log.Warn("adapter teardown failed", logger.Fields(logger.FieldError, err.Error()))
	}
	r.adapter = nil
}

// retryable reports whether replaying the bundle can help. Configuration errors and
// cancellation are final.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var cfgErr *core.ConfigurationError
	return !errors.As(err, &cfgErr)
}

// ReadSideInput reads src to the end and binds every record to schema, for use with
// Builder.WithSideInput. It closes src.
func ReadSideInput(ctx context.Context, src core.DataSource, schema *core.Schema) (rows []core.Element, err error) {
	defer func() {
		if cerr := src.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	for {
		record, err := src.Read(ctx)
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		if schema.Len() == 0 {
			rows = append(rows, core.ElementOf(record))
			continue
		}
		el, err := toElement(schema, record)
		if err != nil {
			return nil, fmt.Errorf("side input row %d: %w", len(rows)+1, err)
		}
		rows = append(rows, el)
	}
}

// toElement binds a source record to the input schema, parsing text values into the
// declared field types. Sources such as CSV only produce strings.
func toElement(schema *core.Schema, record core.Record) (core.Element, error) {
	values := make([]interface{}, schema.Len())
	for i, f := range schema.Fields() {
		v, err := coerce(f, record[f.Name])
		if err != nil {
			return core.Element{}, err
		}
		values[i] = v
	}
	return core.NewElement(schema, values...)
}

func coerce(f core.Field, value interface{}) (interface{}, error) {
	if f.Type.Accepts(value) {
		return value, nil
	}
	str, ok := value.(string)
	if !ok {
		switch {
		case f.Type == core.FieldString:
			return fmt.Sprint(value), nil
		case f.Type == core.FieldFloat && core.TypeOf(value) == core.FieldInt:
			n, _ := strconv.ParseFloat(fmt.Sprint(value), 64)
			return n, nil
		}
		return value, nil
	}
	str = strings.TrimSpace(str)
	if str == "" {
		return nil, nil
	}

	switch f.Type {
	case core.FieldInt:
		n, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		return n, nil
	case core.FieldFloat:
		n, err := strconv.ParseFloat(str, 64)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		return n, nil
	case core.FieldBool:
		b, err := strconv.ParseBool(str)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		return b, nil
	case core.FieldTime:
		t, err := time.Parse(time.RFC3339, str)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		return t, nil
	case core.FieldBytes:
		return []byte(str), nil
	default:
		return value, nil
	}
}
