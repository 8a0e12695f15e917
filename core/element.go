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
	"strings"
)

// Element is an immutable ordered tuple of field values bound to a schema.
// Values are positionally aligned with the schema's fields.
type Element struct {
	schema *Schema
	values []interface{}
}

// NewElement builds an element, checking arity and field types against the schema.
func NewElement(schema *Schema, values ...interface{}) (Element, error) {
	if schema == nil {
		return Element{}, fmt.Errorf("element requires a schema")
	}
	if len(values) != schema.Len() {
		return Element{}, fmt.Errorf("schema has %d fields, got %d values", schema.Len(), len(values))
	}
	for i, v := range values {
		f := schema.Field(i)
		if !f.Type.Accepts(v) {
			return Element{}, fmt.Errorf("field %q expects %s, got %T", f.Name, f.Type, v)
		}
	}
	return Element{schema: schema, values: append([]interface{}(nil), values...)}, nil
}

// MustElement is NewElement for fixtures and static data; it panics on error.
func MustElement(schema *Schema, values ...interface{}) Element {
	el, err := NewElement(schema, values...)
	if err != nil {
		panic(err)
	}
	return el
}

// ElementFromRecord builds an element from a record. Fields missing from the record are nil
// and record keys outside the schema are ignored.
func ElementFromRecord(schema *Schema, record Record) (Element, error) {
	values := make([]interface{}, schema.Len())
	for i, name := range schema.Names() {
		values[i] = record[name]
	}
	return NewElement(schema, values...)
}

// ElementOf builds an element from a record using an inferred schema.
func ElementOf(record Record) Element {
	schema := InferSchema(record)
	values := make([]interface{}, schema.Len())
	for i, name := range schema.Names() {
		values[i] = record[name]
	}
	return Element{schema: schema, values: values}
}

// Schema returns the element's schema.
func (e Element) Schema() *Schema { return e.schema }

// Len returns the number of values.
func (e Element) Len() int { return len(e.values) }

// IsZero reports whether e is the zero Element.
func (e Element) IsZero() bool { return e.schema == nil }

// Value returns the value at position i.
func (e Element) Value(i int) interface{} {
	return e.values[i]
}

// Get returns the value of the named field.
func (e Element) Get(name string) (interface{}, bool) {
	i, ok := e.schema.Index(name)
	if !ok {
		return nil, false
	}
	return e.values[i], true
}

// Values returns a copy of the element's values.
func (e Element) Values() []interface{} {
	return append([]interface{}(nil), e.values...)
}

// Record converts the element into a map keyed by field name.
func (e Element) Record() Record {
	r := make(Record, len(e.values))
	for i, name := range e.schema.Names() {
		r[name] = e.values[i]
	}
	return r
}

// With returns a copy of e with the named field set. The field is appended, typed as any,
// when the schema does not have it.
func (e Element) With(name string, value interface{}) (Element, error) {
	if i, ok := e.schema.Index(name); ok {
		values := e.Values()
		values[i] = value
		return NewElement(e.schema, values...)
	}
	schema, err := e.schema.Extend(Field{Name: name, Type: FieldAny})
	if err != nil {
		return Element{}, err
	}
	return NewElement(schema, append(e.Values(), value)...)
}

// String renders the element as {name=value, ...}.
func (e Element) String() string {
	if e.IsZero() {
		return "{}"
	}
	var b strings.Builder
	b.WriteByte('{')
	for i, name := range e.schema.Names() {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s=%v", name, e.values[i])
	}
	b.WriteByte('}')
	return b.String()
}
