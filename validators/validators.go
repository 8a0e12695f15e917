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

// Package validators implements data quality checks for single records and for batches.
package validators

import (
	"fmt"
	"net/mail"
	"net/url"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/aaronlmathis/microbatch/core"
)

// FieldDataType represents expected data types for validation
type FieldDataType string

const (
	FieldTypeString FieldDataType = "string"
	FieldTypeInt    FieldDataType = "int"
	FieldTypeFloat  FieldDataType = "float"
	FieldTypeBool   FieldDataType = "bool"
	FieldTypeDate   FieldDataType = "date"
	FieldTypeEmail  FieldDataType = "email"
	FieldTypeURL    FieldDataType = "url"
	FieldTypeUUID   FieldDataType = "uuid"
	FieldTypeAny    FieldDataType = "any"
)

// Rule is the serialized validation rule for one field.
type Rule struct {
	Field         string        `json:"field"`
	Required      bool          `json:"required,omitempty"`
	Type          FieldDataType `json:"type,omitempty"`
	Pattern       string        `json:"pattern,omitempty"`
	Min           *float64      `json:"min,omitempty"`
	Max           *float64      `json:"max,omitempty"`
	AllowedValues []interface{} `json:"allowed_values,omitempty"`
}

// FieldValidator is a compiled Rule.
type FieldValidator struct {
	Field         string
	Required      bool
	DataType      FieldDataType
	Pattern       *regexp.Regexp
	MinValue      *float64
	MaxValue      *float64
	AllowedValues []interface{}
	CustomFunc    func(interface{}) (bool, error)
}

// Compile validates the rule and builds its FieldValidator.
func (r Rule) Compile() (FieldValidator, error) {
	if r.Field == "" {
		return FieldValidator{}, fmt.Errorf("rule requires a field")
	}
	fv := FieldValidator{
		Field:         r.Field,
		Required:      r.Required,
		DataType:      r.Type,
		MinValue:      r.Min,
		MaxValue:      r.Max,
		AllowedValues: r.AllowedValues,
	}
	if fv.DataType == "" {
		fv.DataType = FieldTypeAny
	}
	switch fv.DataType {
	case FieldTypeString, FieldTypeInt, FieldTypeFloat, FieldTypeBool, FieldTypeDate,
		FieldTypeEmail, FieldTypeURL, FieldTypeUUID, FieldTypeAny:
	default:
		return FieldValidator{}, fmt.Errorf("field %s: unknown type %q", r.Field, r.Type)
	}
	if r.Pattern != "" {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return FieldValidator{}, fmt.Errorf("field %s: invalid pattern: %w", r.Field, err)
		}
		fv.Pattern = re
	}
	return fv, nil
}

// Validate checks one record. A nil value passes every check except Required.
func (fv FieldValidator) Validate(record core.Record) error {
	value, exists := record[fv.Field]
	if !exists || value == nil {
		if fv.Required {
			return fmt.Errorf("field %s is required", fv.Field)
		}
		return nil
	}

	if !validateDataType(value, fv.DataType) {
		return fmt.Errorf("field %s has invalid type %T, expected %s", fv.Field, value, fv.DataType)
	}

	if fv.Pattern != nil {
		if str, ok := value.(string); ok && !fv.Pattern.MatchString(str) {
			return fmt.Errorf("field %s value %q does not match pattern", fv.Field, str)
		}
	}

	if num, ok := toFloat64(value); ok {
		if fv.MinValue != nil && num < *fv.MinValue {
			return fmt.Errorf("field %s value %v below minimum %v", fv.Field, value, *fv.MinValue)
		}
		if fv.MaxValue != nil && num > *fv.MaxValue {
			return fmt.Errorf("field %s value %v above maximum %v", fv.Field, value, *fv.MaxValue)
		}
	}

	if len(fv.AllowedValues) > 0 && !contains(fv.AllowedValues, value) {
		return fmt.Errorf("field %s value %v not in allowed values", fv.Field, value)
	}

	if fv.CustomFunc != nil {
		valid, err := fv.CustomFunc(value)
		if err != nil {
			return fmt.Errorf("field %s custom validation failed: %w", fv.Field, err)
		}
		if !valid {
			return fmt.Errorf("field %s failed custom validation", fv.Field)
		}
	}
	return nil
}

// RecordValidator applies a set of field validators to each record.
type RecordValidator struct {
	fields []FieldValidator
}

// NewRecordValidator compiles rules into a validator.
func NewRecordValidator(rules []Rule) (*RecordValidator, error) {
	rv := &RecordValidator{fields: make([]FieldValidator, 0, len(rules))}
	for _, r := range rules {
		fv, err := r.Compile()
		if err != nil {
			return nil, err
		}
		rv.fields = append(rv.fields, fv)
	}
	return rv, nil
}

// Validate returns every violation of the record, in rule order.
func (rv *RecordValidator) Validate(record core.Record) []error {
	var errs []error
	for _, fv := range rv.fields {
		if err := fv.Validate(record); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// DataQualityValidator performs batch-level checks: record counts and null rates.
type DataQualityValidator struct {
	MinRecords  int
	MaxRecords  int     // 0 = unlimited
	MaxNullRate float64 // 0.0-1.0, 0 disables the check
}

// Evaluate checks a batch. An empty batch passes unless MinRecords requires rows.
func (dqv *DataQualityValidator) Evaluate(records []core.Record) error {
	count := len(records)
	if count < dqv.MinRecords {
		return fmt.Errorf("insufficient records: got %d, need at least %d", count, dqv.MinRecords)
	}
	if dqv.MaxRecords > 0 && count > dqv.MaxRecords {
		return fmt.Errorf("too many records: got %d, maximum allowed %d", count, dqv.MaxRecords)
	}
	if count == 0 || dqv.MaxNullRate <= 0 {
		return nil
	}

	nulls := make(map[string]int)
	for _, record := range records {
		for field := range record {
			if _, seen := nulls[field]; !seen {
				nulls[field] = 0
			}
		}
	}
	for field := range nulls {
		for _, record := range records {
			if v, ok := record[field]; !ok || v == nil {
				nulls[field]++
			}
		}
		if rate := float64(nulls[field]) / float64(count); rate > dqv.MaxNullRate {
			return fmt.Errorf("field %s has null rate %.2f, exceeds maximum %.2f", field, rate, dqv.MaxNullRate)
		}
	}
	return nil
}

func validateDataType(value interface{}, expected FieldDataType) bool {
	switch expected {
	case FieldTypeAny, "":
		return true
	case FieldTypeString:
		_, ok := value.(string)
		return ok
	case FieldTypeInt:
		return core.TypeOf(value) == core.FieldInt
	case FieldTypeFloat:
		return core.TypeOf(value) == core.FieldFloat
	case FieldTypeBool:
		_, ok := value.(bool)
		return ok
	case FieldTypeDate:
		switch v := value.(type) {
		case time.Time:
			return true
		case string:
			_, err := time.Parse(time.RFC3339, v)
			if err != nil {
				_, err = time.Parse(time.DateOnly, v)
			}
			return err == nil
		}
		return false
	case FieldTypeEmail:
		str, ok := value.(string)
		if !ok {
			return false
		}
		_, err := mail.ParseAddress(str)
		return err == nil
	case FieldTypeURL:
		str, ok := value.(string)
		if !ok {
			return false
		}
		u, err := url.ParseRequestURI(str)
		return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
	case FieldTypeUUID:
		str, ok := value.(string)
		if !ok {
			return false
		}
		_, err := uuid.Parse(str)
		return err == nil
	default:
		return false
	}
}

func contains(values []interface{}, v interface{}) bool {
	fv, numeric := toFloat64(v)
	for _, allowed := range values {
		if numeric {
			if fa, ok := toFloat64(allowed); ok && fa == fv {
				return true
			}
			continue
		}
		if allowed == v {
			return true
		}
	}
	return false
}

func toFloat64(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
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
