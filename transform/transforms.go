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

// Package transform provides record-level operations and the built-in RowTransform
// plugins assembled from them.
package transform

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/aaronlmathis/microbatch/core"
)

// Op is the serialized form of one record operation, applied by the mapper plugin.
type Op struct {
	Op      string            `json:"op"`
	Field   string            `json:"field,omitempty"`
	Fields  []string          `json:"fields,omitempty"`
	Mapping map[string]string `json:"mapping,omitempty"`
	To      string            `json:"to,omitempty"`
	Layout  string            `json:"layout,omitempty"`
	Value   interface{}       `json:"value,omitempty"`
}

// Build returns the transformer an Op describes.
func (o Op) Build() (core.Transformer, error) {
	needField := func() error {
		if o.Field == "" {
			return fmt.Errorf("%s requires a field", o.Op)
		}
		return nil
	}

	switch o.Op {
	case "select":
		return Select(o.Fields...), nil
	case "rename":
		return Rename(o.Mapping), nil
	case "remove":
		return RemoveFields(o.Fields...), nil
	case "trim":
		return TrimSpace(o.Fields...), nil
	case "upper":
		return ToUpper(o.Fields...), nil
	case "lower":
		return ToLower(o.Fields...), nil
	case "set":
		if err := needField(); err != nil {
			return nil, err
		}
		value := o.Value
		return AddField(o.Field, func(core.Record) interface{} { return value }), nil
	case "parse_time":
		if err := needField(); err != nil {
			return nil, err
		}
		layout := o.Layout
		if layout == "" {
			layout = time.RFC3339
		}
		return ParseTime(o.Field, layout), nil
	case "convert":
		if err := needField(); err != nil {
			return nil, err
		}
		target, ok := conversionTargets[o.To]
		if !ok {
			return nil, fmt.Errorf("convert: unsupported target type %q", o.To)
		}
		return ConvertType(o.Field, target), nil
	default:
		return nil, fmt.Errorf("unknown op %q", o.Op)
	}
}

var conversionTargets = map[string]reflect.Type{
	"string": reflect.TypeOf(""),
	"int":    reflect.TypeOf(0),
	"float":  reflect.TypeOf(0.0),
	"bool":   reflect.TypeOf(false),
}

// Chain applies transformers in order.
func Chain(steps ...core.Transformer) core.Transformer {
	return core.TransformFunc(func(ctx context.Context, record core.Record) (core.Record, error) {
		var err error
		for _, step := range steps {
			if record, err = step.Transform(ctx, record); err != nil {
				return nil, err
			}
		}
		return record, nil
	})
}

// copyRecord returns a shallow copy; operations never mutate their input.
func copyRecord(record core.Record) core.Record {
	result := make(core.Record, len(record))
	for k, v := range record {
		result[k] = v
	}
	return result
}

// Select keeps only the listed fields.
func Select(fields ...string) core.Transformer {
	return core.TransformFunc(func(ctx context.Context, record core.Record) (core.Record, error) {
		result := make(core.Record, len(fields))
		for _, field := range fields {
			if value, exists := record[field]; exists {
				result[field] = value
			}
		}
		return result, nil
	})
}

// Rename renames fields; keys are original names, values new names.
func Rename(mapping map[string]string) core.Transformer {
	return core.TransformFunc(func(ctx context.Context, record core.Record) (core.Record, error) {
		result := make(core.Record, len(record))
		for key, value := range record {
			if newKey, exists := mapping[key]; exists {
				key = newKey
			}
			result[key] = value
		}
		return result, nil
	})
}

// AddField sets field to the value fn computes from the record.
func AddField(field string, fn func(core.Record) interface{}) core.Transformer {
	return core.TransformFunc(func(ctx context.Context, record core.Record) (core.Record, error) {
		result := copyRecord(record)
		result[field] = fn(record)
		return result, nil
	})
}

// RemoveFields drops the listed fields. Missing fields are ignored.
func RemoveFields(fields ...string) core.Transformer {
	drop := make(map[string]bool, len(fields))
	for _, field := range fields {
		drop[field] = true
	}

	return core.TransformFunc(func(ctx context.Context, record core.Record) (core.Record, error) {
		result := make(core.Record, len(record))
		for k, v := range record {
			if !drop[k] {
				result[k] = v
			}
		}
		return result, nil
	})
}

// ConvertType converts field to targetType. A failed conversion is an error.
func ConvertType(field string, targetType reflect.Type) core.Transformer {
	return core.TransformFunc(func(ctx context.Context, record core.Record) (core.Record, error) {
		value, exists := record[field]
		if !exists {
			return record, nil
		}
		converted, err := convertValue(value, targetType)
		if err != nil {
			return nil, fmt.Errorf("failed to convert field %s: %w", field, err)
		}
		result := copyRecord(record)
		result[field] = converted
		return result, nil
	})
}

// mapStrings applies fn to every listed field holding a string.
func mapStrings(fields []string, fn func(string) string) core.Transformer {
	return core.TransformFunc(func(ctx context.Context, record core.Record) (core.Record, error) {
		result := copyRecord(record)
		for _, field := range fields {
			if str, ok := record[field].(string); ok {
				result[field] = fn(str)
			}
		}
		return result, nil
	})
}

// TrimSpace trims whitespace from the listed string fields.
func TrimSpace(fields ...string) core.Transformer { return mapStrings(fields, strings.TrimSpace) }

// ToUpper upper-cases the listed string fields.
func ToUpper(fields ...string) core.Transformer { return mapStrings(fields, strings.ToUpper) }

// ToLower lower-cases the listed string fields.
func ToLower(fields ...string) core.Transformer { return mapStrings(fields, strings.ToLower) }

// ParseTime parses a string field into a time.Time using layout.
func ParseTime(field, layout string) core.Transformer {
	return core.TransformFunc(func(ctx context.Context, record core.Record) (core.Record, error) {
		str, ok := record[field].(string)
		if !ok {
			return record, nil
		}
		parsed, err := time.Parse(layout, str)
		if err != nil {
			return nil, fmt.Errorf("failed to parse time field %s: %w", field, err)
		}
		result := copyRecord(record)
		result[field] = parsed
		return result, nil
	})
}

func convertValue(value interface{}, targetType reflect.Type) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	if reflect.TypeOf(value) == targetType {
		return value, nil
	}

	switch targetType.Kind() {
	case reflect.String:
		return fmt.Sprintf("%v", value), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return convertToInt(value)
	case reflect.Float32, reflect.Float64:
		return convertToFloat(value)
	case reflect.Bool:
		return convertToBool(value)
	default:
		return nil, fmt.Errorf("unsupported target type: %s", targetType)
	}
}

func convertToInt(value interface{}) (int, error) {
	switch v := value.(type) {
	case string:
		return strconv.Atoi(strings.TrimSpace(v))
	case int64:
		return int(v), nil
	case int32:
		return int(v), nil
	case float64:
		return int(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("cannot convert %T to int", value)
	}
}

func convertToFloat(value interface{}) (float64, error) {
	switch v := value.(type) {
	case string:
		return strconv.ParseFloat(strings.TrimSpace(v), 64)
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case float32:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("cannot convert %T to float64", value)
	}
}

func convertToBool(value interface{}) (bool, error) {
	switch v := value.(type) {
	case string:
		return strconv.ParseBool(strings.TrimSpace(v))
	case int:
		return v != 0, nil
	case int64:
		return v != 0, nil
	default:
		return false, fmt.Errorf("cannot convert %T to bool", value)
	}
}
