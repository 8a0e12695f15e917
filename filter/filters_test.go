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

package filter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronlmathis/microbatch/core"
)

func include(t *testing.T, f core.Filter, r core.Record) bool {
	t.Helper()
	ok, err := f.ShouldInclude(context.Background(), r)
	require.NoError(t, err)
	return ok
}

func TestPredicates(t *testing.T) {
	r := core.Record{"name": "alice", "age": 30, "score": 7.5, "empty": "", "nothing": nil}

	assert.True(t, include(t, NotNull("name"), r))
	assert.False(t, include(t, NotNull("empty"), r))
	assert.False(t, include(t, NotNull("nothing"), r))
	assert.False(t, include(t, NotNull("missing"), r))

	assert.True(t, include(t, Equals("age", 30.0), r), "numbers compare by value")
	assert.True(t, include(t, Equals("name", "alice"), r))
	assert.False(t, include(t, Equals("name", "bob"), r))

	assert.True(t, include(t, Contains("name", "lic"), r))
	assert.True(t, include(t, StartsWith("name", "al"), r))
	assert.True(t, include(t, EndsWith("name", "ce"), r))
	assert.False(t, include(t, Contains("age", "3"), r))

	assert.True(t, include(t, GreaterThan("age", 29), r))
	assert.False(t, include(t, LessThan("age", 30), r))
	assert.True(t, include(t, Between("score", 7, 8), r))
	assert.True(t, include(t, In("name", "bob", "alice"), r))
	assert.True(t, include(t, In("age", 1.0, 30.0), r))

	re, err := MatchesRegex("name", "^a.+e$")
	require.NoError(t, err)
	assert.True(t, include(t, re, r))
	_, err = MatchesRegex("name", "(")
	assert.Error(t, err)

	assert.True(t, include(t, And(NotNull("name"), GreaterThan("age", 18)), r))
	assert.False(t, include(t, And(NotNull("name"), GreaterThan("age", 40)), r))
	assert.True(t, include(t, Or(GreaterThan("age", 40), Equals("name", "alice")), r))
	assert.True(t, include(t, Not(Equals("name", "bob")), r))
}

func TestCondition_Build(t *testing.T) {
	r := core.Record{"n": 10, "tag": "blue"}
	lo, hi := 5.0, 10.0

	tests := []struct {
		cond Condition
		want bool
	}{
		{Condition{Field: "n", Op: "gte", Value: 10.0}, true},
		{Condition{Field: "n", Op: "gt", Value: 10.0}, false},
		{Condition{Field: "n", Op: "lte", Value: 10.0}, true},
		{Condition{Field: "n", Op: "between", Min: &lo, Max: &hi}, true},
		{Condition{Field: "tag", Op: "ne", Value: "red"}, true},
		{Condition{Field: "tag", Op: "in", In: []interface{}{"red", "blue"}}, true},
		{Condition{Field: "tag", Op: "regex", Value: "^bl"}, true},
		{Condition{Field: "tag", Op: "not_null"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.cond.Op, func(t *testing.T) {
			f, err := tt.cond.Build()
			require.NoError(t, err)
			assert.Equal(t, tt.want, include(t, f, r))
		})
	}

	for _, bad := range []Condition{
		{Op: "eq"},
		{Field: "n", Op: "gt", Value: "x"},
		{Field: "n", Op: "between"},
		{Field: "n", Op: "contains", Value: 1},
		{Field: "n", Op: "nope"},
	} {
		_, err := bad.Build()
		assert.Error(t, err, "%+v", bad)
	}
}

func TestBuildAll(t *testing.T) {
	conds := []Condition{
		{Field: "n", Op: "gt", Value: 5.0},
		{Field: "tag", Op: "eq", Value: "red"},
	}
	r := core.Record{"n": 10, "tag": "blue"}

	all, err := BuildAll(conds, "all")
	require.NoError(t, err)
	assert.False(t, include(t, all, r))

	anyOf, err := BuildAll(conds, "any")
	require.NoError(t, err)
	assert.True(t, include(t, anyOf, r))

	none, err := BuildAll(nil, "")
	require.NoError(t, err)
	assert.True(t, include(t, none, r))

	_, err = BuildAll(conds, "most")
	assert.Error(t, err)
}
