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
	"github.com/aaronlmathis/microbatch/plugin"
)

// Built-in plugin identifiers.
const (
	PluginMapper    = "mapper"
	PluginRouter    = "router"
	PluginFilter    = "filter"
	PluginValidate  = "validate"
	PluginLookup    = "lookup"
	PluginAggregate = "aggregate"
	PluginDedupe    = "dedupe"
	PluginExtract   = "extract"
	PluginGenerator = "generator"
)

const conditionSchema = `{
  "type": "object",
  "required": ["field", "op"],
  "properties": {
    "field": {"type": "string", "minLength": 1},
    "op": {"enum": ["not_null", "eq", "ne", "contains", "starts_with", "ends_with", "regex", "gt", "gte", "lt", "lte", "between", "in"]},
    "value": {},
    "min": {"type": "number"},
    "max": {"type": "number"},
    "in": {"type": "array"}
  }
}`

const errorStrategySchema = `"error_strategy": {"enum": ["", "fail", "skip", "collect"]},
    "error_output": {"type": "string"}`

var builtins = map[string]plugin.Factory{
	PluginMapper: {
		New:         NewMapper,
		Description: "applies a chain of record operations to every row",
		ConfigSchema: []byte(`{
  "type": "object",
  "properties": {
    "ops": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["op"],
        "properties": {
          "op": {"enum": ["select", "rename", "remove", "trim", "upper", "lower", "set", "parse_time", "convert"]},
          "field": {"type": "string"},
          "fields": {"type": "array", "items": {"type": "string"}},
          "mapping": {"type": "object", "additionalProperties": {"type": "string"}},
          "to": {"enum": ["string", "int", "float", "bool"]},
          "layout": {"type": "string"},
          "value": {}
        }
      }
    },
    ` + errorStrategySchema + `
  },
  "additionalProperties": false
}`),
	},
	PluginRouter: {
		New:         NewRouter,
		Description: "copies rows to named outputs by parity or by conditions",
		ConfigSchema: []byte(`{
  "type": "object",
  "properties": {
    "mode": {"enum": ["", "parity", "conditions"]},
    "field": {"type": "string"},
    "even_output": {"type": "string", "minLength": 1},
    "odd_output": {"type": "string", "minLength": 1},
    "emit_main": {"type": "boolean"},
    "first_match": {"type": "boolean"},
    "unmatched_output": {"type": "string"},
    "routes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["output"],
        "properties": {
          "output": {"type": "string", "minLength": 1},
          "match": {"enum": ["", "all", "any"]},
          "conditions": {"type": "array", "items": ` + conditionSchema + `}
        }
      }
    }
  },
  "additionalProperties": false
}`),
	},
	PluginFilter: {
		New:         NewFilter,
		Description: "keeps rows matching conditions",
		ConfigSchema: []byte(`{
  "type": "object",
  "properties": {
    "conditions": {"type": "array", "items": ` + conditionSchema + `},
    "match": {"enum": ["", "all", "any"]},
    "rejected_output": {"type": "string"}
  },
  "additionalProperties": false
}`),
	},
	PluginValidate: {
		New:         NewValidate,
		Description: "routes rows failing field rules to an invalid output",
		ConfigSchema: []byte(`{
  "type": "object",
  "properties": {
    "rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["field"],
        "properties": {
          "field": {"type": "string", "minLength": 1},
          "required": {"type": "boolean"},
          "type": {"enum": ["string", "int", "float", "bool", "date", "email", "url", "uuid", "any"]},
          "pattern": {"type": "string"},
          "min": {"type": "number"},
          "max": {"type": "number"},
          "allowed_values": {"type": "array"}
        }
      }
    },
    "invalid_output": {"type": "string", "minLength": 1},
    "min_records": {"type": "integer", "minimum": 0},
    "max_records": {"type": "integer", "minimum": 0},
    "max_null_rate": {"type": "number", "minimum": 0, "maximum": 1}
  },
  "additionalProperties": false
}`),
	},
	PluginLookup: {
		New:         NewLookup,
		Description: "joins rows against a reference dataset",
		ConfigSchema: []byte(`{
  "type": "object",
  "required": ["side_input", "keys"],
  "properties": {
    "side_input": {"type": "string", "minLength": 1},
    "keys": {"type": "array", "minItems": 1, "items": {"type": "string"}},
    "ref_keys": {"type": "array", "items": {"type": "string"}},
    "prefix": {"type": "string"},
    "mode": {"enum": ["inner", "left"]},
    "unmatched_output": {"type": "string"}
  },
  "additionalProperties": false
}`),
	},
	PluginAggregate: {
		New:         NewAggregate,
		Description: "emits one aggregated row per group",
		ConfigSchema: []byte(`{
  "type": "object",
  "required": ["aggregates"],
  "properties": {
    "group_by": {"type": "array", "items": {"type": "string"}},
    "mode": {"enum": ["", "batch", "running"]},
    "aggregates": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["op"],
        "properties": {
          "op": {"enum": ["count", "sum", "avg", "min", "max"]},
          "field": {"type": "string"},
          "as": {"type": "string"}
        }
      }
    }
  },
  "additionalProperties": false
}`),
	},
	PluginDedupe: {
		New:         NewDedupe,
		Description: "drops rows whose key was already seen",
		ConfigSchema: []byte(`{
  "type": "object",
  "required": ["keys"],
  "properties": {
    "keys": {"type": "array", "minItems": 1, "items": {"type": "string"}},
    "compare_fields": {"type": "array", "items": {"type": "string"}},
    "change_field": {"type": "string"},
    "duplicates_output": {"type": "string"},
    "max_keys": {"type": "integer", "minimum": 0},
    "state_file": {"type": "string"}
  },
  "additionalProperties": false
}`),
	},
	PluginExtract: {
		New:         NewExtract,
		Description: "extracts fields from a JSON document column",
		ConfigSchema: []byte(`{
  "type": "object",
  "required": ["field", "paths"],
  "properties": {
    "field": {"type": "string", "minLength": 1},
    "paths": {"type": "object", "minProperties": 1, "additionalProperties": {"type": "string"}},
    "drop_source": {"type": "boolean"},
    ` + errorStrategySchema + `
  },
  "additionalProperties": false
}`),
	},
	PluginGenerator: {
		New:         NewGenerator,
		Description: "generates sequence rows on every flush",
		ConfigSchema: []byte(`{
  "type": "object",
  "properties": {
    "rows_per_flush": {"type": "integer", "minimum": 1},
    "sequence_field": {"type": "string", "minLength": 1},
    "timestamp_field": {"type": "string"},
    "start": {"type": "integer"},
    "limit": {"type": "integer", "minimum": 0},
    "fields": {"type": "object"}
  },
  "additionalProperties": false
}`),
	},
}

// RegisterBuiltins adds every built-in transform to reg.
func RegisterBuiltins(reg *plugin.Registry) error {
	for id, f := range builtins {
		if err := reg.Register(id, f); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a registry holding the built-in transforms.
func NewRegistry() *plugin.Registry {
	reg := plugin.NewRegistry()
	if err := RegisterBuiltins(reg); err != nil {
		panic(err)
	}
	return reg
}
