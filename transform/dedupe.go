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

package transform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"

	"github.com/aaronlmathis/microbatch/core"
	"github.com/aaronlmathis/microbatch/logger"
	"github.com/aaronlmathis/microbatch/plugin"
)

// Change types written to the change field.
const (
	ChangeInsert = "insert"
	ChangeUpdate = "update"
)

// Dedupe drops rows whose key was already seen, across flushes. With compare fields a
// repeated key whose compared values changed passes through as an update. The seen set
// can be persisted in the instance's temp directory so it survives a restart.
type Dedupe struct {
	env plugin.Env
	log *logger.Logger
	cfg dedupeConfig

	seen  map[string]string // key -> digest of compare fields
	order []string
	path  string
}

type dedupeConfig struct {
	Keys             []string `json:"keys"`
	CompareFields    []string `json:"compare_fields"`
	ChangeField      string   `json:"change_field"`
	DuplicatesOutput string   `json:"duplicates_output"`
	// MaxKeys bounds the seen set; the oldest keys are forgotten first. 0 is unbounded.
	MaxKeys   int    `json:"max_keys"`
	StateFile string `json:"state_file"`
}

type dedupeState struct {
	Order   []string          `json:"order"`
	Digests map[string]string `json:"digests"`
}

// NewDedupe creates an unconfigured dedupe.
func NewDedupe(env plugin.Env) core.RowTransform {
	return &Dedupe{
		env:  env,
		log:  envLogger(env.Logger, "dedupe"),
		seen: make(map[string]string),
	}
}

func (d *Dedupe) Configure(config []byte) error {
	var cfg dedupeConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return err
	}
	if len(cfg.Keys) == 0 {
		return fmt.Errorf("dedupe requires keys")
	}
	if cfg.MaxKeys < 0 {
		return fmt.Errorf("max_keys must be >= 0")
	}
	if cfg.StateFile != "" {
		d.path = cfg.StateFile
		if !filepath.IsAbs(d.path) {
			d.path = filepath.Join(d.env.TempDir, d.path)
		}
	}
	d.cfg = cfg
	return nil
}

// Init restores the seen set from the state file when one exists.
func (d *Dedupe) Init(ctx context.Context) error {
	if d.path == "" {
		return nil
	}
	data, err := os.ReadFile(d.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading dedupe state: %w", err)
	}

	var state dedupeState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("decoding dedupe state %s: %w", d.path, err)
	}
	for _, key := range state.Order {
		d.remember(key, state.Digests[key])
	}
	d.log.Info("dedupe state restored", logger.Fields("path", d.path, "keys", len(d.order)))
	return nil
}

// Close writes the seen set to the state file.
func (d *Dedupe) Close() error {
	if d.path == "" {
		return nil
	}
	data, err := json.Marshal(dedupeState{Order: d.order, Digests: d.seen})
	if err != nil {
		return fmt.Errorf("encoding dedupe state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	tmp := d.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing dedupe state: %w", err)
	}
	return os.Rename(tmp, d.path)
}

func (d *Dedupe) ProcessBatch(ctx context.Context, rows []core.Element) (core.TransformResult, error) {
	var res core.TransformResult
	for _, el := range rows {
		record := el.Record()
		key, ok := joinKey(record, d.cfg.Keys)
		if !ok {
			return core.TransformResult{}, fmt.Errorf("row %s is missing a dedupe key", el)
		}
		digest := d.digest(record)

		previous, known := d.seen[key]
		switch {
		case !known:
			d.remember(key, digest)
			if err := d.emitChange(&res, el, ChangeInsert); err != nil {
				return core.TransformResult{}, err
			}
		case len(d.cfg.CompareFields) > 0 && previous != digest:
			d.seen[key] = digest
			if err := d.emitChange(&res, el, ChangeUpdate); err != nil {
				return core.TransformResult{}, err
			}
		case d.cfg.DuplicatesOutput != "":
			res.EmitTo(d.cfg.DuplicatesOutput, el)
		}
	}
	return res, nil
}

func (d *Dedupe) emitChange(res *core.TransformResult, el core.Element, change string) error {
	if d.cfg.ChangeField == "" {
		res.Emit(el)
		return nil
	}
	tagged, err := el.With(d.cfg.ChangeField, change)
	if err != nil {
		return err
	}
	res.Emit(tagged)
	return nil
}

func (d *Dedupe) remember(key, digest string) {
	if _, ok := d.seen[key]; !ok {
		d.order = append(d.order, key)
	}
	d.seen[key] = digest
	for d.cfg.MaxKeys > 0 && len(d.order) > d.cfg.MaxKeys {
		delete(d.seen, d.order[0])
		d.order = d.order[1:]
	}
}

func (d *Dedupe) digest(record core.Record) string {
	if len(d.cfg.CompareFields) == 0 {
		return ""
	}
	h := fnv.New64a()
	for _, field := range d.cfg.CompareFields {
		fmt.Fprintf(h, "%T=%v\x1f", record[field], record[field])
	}
	return strconv.FormatUint(h.Sum64(), 16)
}
