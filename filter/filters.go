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

// Package filter provides composable record predicates.
//
// Predicates are built either directly (Equals, GreaterThan, And, ...) or from
// serialized Conditions, which is how the filter and router transforms configure them.
package filter

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/aaronlmathis/microbatch/core"
)

// Condition is the serialized form of a single-field predicate.
type Condition struct {
	Field string        `json:"field"`
	Op    string        `json:"op"`
	Value interface{}   `json:"value,omitempty"`
	Min   *float64      `json:"min,omitempty"`
	Max   *float64      `json:"max,omitempty"`
	In    []interface{} `json:"in,omitempty"`
}

// Supported condition operators.
var Operators = []string{
	"not_null", "eq", "ne", "contains", "starts_with", "ends_with", "regex",
	"gt", "gte", "lt", "lte", "between", "in",
}

// Build turns a condition into a filter.
func (c Condition) Build() (core.Filter, error) {
	if c.Field == "" {
		return nil, fmt.Errorf("condition requires a field")
	}

	switch c.Op {
	case "not_null":
		return NotNull(c.Field), nil
	case "eq":
		return Equals(c.Field, c.Value), nil
	case "ne":
		return Not(Equals(c.Field, c.Value)), nil
	case "contains", "starts_with", "ends_with":
		s, ok := c.Value.(string)
		if !ok {
			return nil, fmt.Errorf("%s on %s needs a string value", c.Op, c.Field)
		}
		switch c.Op {
		case "contains":
			return Contains(c.Field, s), nil
		case "starts_with":
			return StartsWith(c.Field, s), nil
		default:
			return EndsWith(c.Field, s), nil
		}
	case "regex":
		s, _ := c.Value.(string)
		return MatchesRegex(c.Field, s)
	case "gt", "gte", "lt", "lte":
		threshold, ok := toFloat64(c.Value)
		if !ok {
			return nil, fmt.Errorf("%s on %s needs a numeric value", c.Op, c.Field)
		}
		switch c.Op {
		case "gt":
			return GreaterThan(c.Field, threshold), nil
		case "gte":
			return Or(GreaterThan(c.Field, threshold), Equals(c.Field, threshold)), nil
		case "lt":
			return LessThan(c.Field, threshold), nil
		default:
			return Or(LessThan(c.Field, threshold), Equals(c.Field, threshold)), nil
		}
	case "between":
		if c.Min == nil || c.Max == nil {
			return nil, fmt.Errorf("between on %s needs min and max", c.Field)
		}
		return Between(c.Field, *c.Min, *c.Max), nil
	case "in":
		return In(c.Field, c.In...), nil
	default:
		return nil, fmt.Errorf("unknown operator %q", c.Op)
	}
}

// BuildAll combines conditions with And ("all") or Or ("any"). No conditions match everything.
func BuildAll(conditions []Condition, match string) (core.Filter, error) {
	filters := make([]core.Filter, 0, len(conditions))
	for i, c := range conditions {
		f, err := c.Build()
		if err != nil {
			return nil, fmt.Errorf("condition %d: %w", i, err)
		}
		filters = append(filters, f)
	}

	switch match {
	case "", "all":
		return And(filters...), nil
	case "any":
		if len(filters) == 0 {
			return Custom(func(core.Record) bool { return true }), nil
		}
		return Or(filters...), nil
	default:
		return nil, fmt.Errorf("unknown match mode %q", match)
	}
}

// field is the common shape of single-field predicates: a missing field never matches.
func field(name string, pred func(value interface{}) bool) core.Filter {
	return core.FilterFunc(func(ctx context.Context, record core.Record) (bool, error) {
		value, exists := record[name]
		if !exists {
			return false, nil
		}
		return pred(value), nil
	})
}

func stringField(name string, pred func(string) bool) core.Filter {
	return field(name, func(value interface{}) bool {
		str, ok := value.(string)
		return ok && pred(str)
	})
}

func numericField(name string, pred func(float64) bool) core.Filter {
	return field(name, func(value interface{}) bool {
		num, ok := toFloat64(value)
		return ok && pred(num)
	})
}

// NotNull excludes records where the field is missing, nil or the empty string.
func NotNull(name string) core.Filter {
	return field(name, func(value interface{}) bool {
		if value == nil {
			return false
		}
		str, ok := value.(string)
		return !ok || str != ""
	})
}

// Equals includes records where the field equals expected. Numbers compare by value
// regardless of their Go type, so a JSON-decoded 2.0 equals an int 2.
func Equals(name string, expected interface{}) core.Filter {
	return field(name, func(value interface{}) bool {
		return equal(value, expected)
	})
}

// Contains includes records where the string field contains substring.
func Contains(name, substring string) core.Filter {
	return stringField(name, func(s string) bool { return strings.Contains(s, substring) })
}

// StartsWith includes records where the string field starts with prefix.
func StartsWith(name, prefix string) core.Filter {
	return stringField(name, func(s string) bool { return strings.HasPrefix(s, prefix) })
}

// EndsWith includes records where the string field ends with suffix.
func EndsWith(name, suffix string) core.Filter {
	return stringField(name, func(s string) bool { return strings.HasSuffix(s, suffix) })
}

// MatchesRegex includes records where the string field matches pattern.
func MatchesRegex(name, pattern string) (core.Filter, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern for %s: %w", name, err)
	}
	return stringField(name, re.MatchString), nil
}

// GreaterThan includes records where the numeric field is greater than threshold.
func GreaterThan(name string, threshold float64) core.Filter {
	return numericField(name, func(n float64) bool { return n > threshold })
}

// LessThan includes records where the numeric field is less than threshold.
func LessThan(name string, threshold float64) core.Filter {
	return numericField(name, func(n float64) bool { return n < threshold })
}

// Between includes records where the numeric field is within [min, max].
func Between(name string, min, max float64) core.Filter {
	return numericField(name, func(n float64) bool { return n >= min && n <= max })
}

// In includes records where the field equals one of values.
func In(name string, values ...interface{}) core.Filter {
	return field(name, func(value interface{}) bool {
		for _, v := range values {
			if equal(value, v) {
				return true
			}
		}
		return false
	})
}

// And requires every filter to pass.
func And(filters ...core.Filter) core.Filter {
	return core.FilterFunc(func(ctx context.Context, record core.Record) (bool, error) {
		for _, f := range filters {
			include, err := f.ShouldInclude(ctx, record)
			if err != nil || !include {
				return false, err
			}
		}
		return true, nil
	})
}

// Or requires at least one filter to pass.
func Or(filters ...core.Filter) core.Filter {
	return core.FilterFunc(func(ctx context.Context, record core.Record) (bool, error) {
		for _, f := range filters {
			include, err := f.ShouldInclude(ctx, record)
			if err != nil {
				return false, err
			}
			if include {
				return true, nil
			}
		}
		return false, nil
	})
}

// Not negates a filter.
func Not(f core.Filter) core.Filter {
	return core.FilterFunc(func(ctx context.Context, record core.Record) (bool, error) {
		include, err := f.ShouldInclude(ctx, record)
		if err != nil {
			return false, err
		}
		return !include, nil
	})
}

// Custom wraps a plain predicate.
func Custom(predicate func(core.Record) bool) core.Filter {
	return core.FilterFunc(func(ctx context.Context, record core.Record) (bool, error) {
		return predicate(record), nil
	})
}

func equal(a, b interface{}) bool {
	if fa, ok := toFloat64(a); ok {
		fb, ok := toFloat64(b)
		return ok && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func toFloat64(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}
