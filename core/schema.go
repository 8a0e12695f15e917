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

package core

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// FieldType names the value type carried by a schema field.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldInt    FieldType = "int"
	FieldFloat  FieldType = "float"
	FieldBool   FieldType = "bool"
	FieldTime   FieldType = "time"
	FieldBytes  FieldType = "bytes"
	FieldAny    FieldType = "any"
)

// ParseFieldType converts a type name into a FieldType.
func ParseFieldType(name string) (FieldType, error) {
	switch ft := FieldType(strings.ToLower(strings.TrimSpace(name))); ft {
	case FieldString, FieldInt, FieldFloat, FieldBool, FieldTime, FieldBytes, FieldAny:
		return ft, nil
	case "":
		return FieldAny, nil
	default:
		return "", fmt.Errorf("unknown field type %q", name)
	}
}

// Accepts reports whether v may be stored in a field of type t. Nil is always accepted.
func (t FieldType) Accepts(v interface{}) bool {
	if v == nil || t == FieldAny {
		return true
	}
	switch v.(type) {
	case string:
		return t == FieldString
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return t == FieldInt
	case float32, float64:
		return t == FieldFloat
	case bool:
		return t == FieldBool
	case time.Time:
		return t == FieldTime
	case []byte:
		return t == FieldBytes
	default:
		return false
	}
}

// TypeOf infers the FieldType of a Go value.
func TypeOf(v interface{}) FieldType {
	switch v.(type) {
	case string:
		return FieldString
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return FieldInt
	case float32, float64:
		return FieldFloat
	case bool:
		return FieldBool
	case time.Time:
		return FieldTime
	case []byte:
		return FieldBytes
	default:
		return FieldAny
	}
}

// Field is one named, typed column of a Schema.
type Field struct {
	Name string
	Type FieldType
}

// Schema is an ordered set of uniquely named fields. Schemas are immutable once built.
type Schema struct {
	fields []Field
	index  map[string]int
}

// NewSchema builds a schema, rejecting empty and duplicate field names.
func NewSchema(fields ...Field) (*Schema, error) {
	s := &Schema{
		fields: make([]Field, len(fields)),
		index:  make(map[string]int, len(fields)),
	}
	for i, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("field %d has an empty name", i)
		}
		if _, dup := s.index[f.Name]; dup {
			return nil, fmt.Errorf("duplicate field name %q", f.Name)
		}
		if f.Type == "" {
			f.Type = FieldAny
		}
		s.fields[i] = f
		s.index[f.Name] = i
	}
	return s, nil
}

// MustSchema is NewSchema for static schemas; it panics on error.
func MustSchema(fields ...Field) *Schema {
	s, err := NewSchema(fields...)
	if err != nil {
		panic(err)
	}
	return s
}

// ParseSchema parses the compact form "name:type,name:type". A missing type means any.
// An empty string yields an empty schema.
func ParseSchema(spec string) (*Schema, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return NewSchema()
	}

	parts := strings.Split(spec, ",")
	fields := make([]Field, 0, len(parts))
	for _, part := range parts {
		name, typ, _ := strings.Cut(strings.TrimSpace(part), ":")
		ft, err := ParseFieldType(typ)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		fields = append(fields, Field{Name: strings.TrimSpace(name), Type: ft})
	}
	return NewSchema(fields...)
}

// InferSchema derives a schema from a record, ordering fields by name.
func InferSchema(record Record) *Schema {
	names := make([]string, 0, len(record))
	for k := range record {
		names = append(names, k)
	}
	sort.Strings(names)

	fields := make([]Field, len(names))
	for i, name := range names {
		fields[i] = Field{Name: name, Type: TypeOf(record[name])}
	}
	return MustSchema(fields...)
}

// Len returns the number of fields.
func (s *Schema) Len() int {
	if s == nil {
		return 0
	}
	return len(s.fields)
}

// Field returns the field at position i.
func (s *Schema) Field(i int) Field {
	return s.fields[i]
}

// Fields returns a copy of the schema's fields.
func (s *Schema) Fields() []Field {
	if s == nil {
		return nil
	}
	return append([]Field(nil), s.fields...)
}

// Names returns the field names in order.
func (s *Schema) Names() []string {
	if s == nil {
		return nil
	}
	names := make([]string, len(s.fields))
	for i, f := range s.fields {
		names[i] = f.Name
	}
	return names
}

// Index returns the position of the named field.
func (s *Schema) Index(name string) (int, bool) {
	if s == nil {
		return 0, false
	}
	i, ok := s.index[name]
	return i, ok
}

// Equal reports whether both schemas have the same fields in the same order.
func (s *Schema) Equal(other *Schema) bool {
	if s.Len() != other.Len() {
		return false
	}
	if s.Len() == 0 {
		return true
	}
	for i := range s.fields {
		if s.fields[i] != other.fields[i] {
			return false
		}
	}
	return true
}

// Extend returns a new schema with extra fields appended. Fields already present are skipped.
func (s *Schema) Extend(fields ...Field) (*Schema, error) {
	all := s.Fields()
	for _, f := range fields {
		if _, exists := s.Index(f.Name); exists {
			continue
		}
		all = append(all, f)
	}
	return NewSchema(all...)
}

// String renders the schema in the form accepted by ParseSchema.
func (s *Schema) String() string {
	if s == nil {
		return ""
	}
	parts := make([]string, len(s.fields))
	for i, f := range s.fields {
		parts[i] = f.Name + ":" + string(f.Type)
	}
	return strings.Join(parts, ",")
}
