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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronlmathis/microbatch/core"
	"github.com/aaronlmathis/microbatch/plugin"
)

func resolve(t *testing.T, id, config string, env ...plugin.Env) core.RowTransform {
	t.Helper()
	e := plugin.Env{InstanceID: "test", TempDir: t.TempDir()}
	if len(env) > 0 {
		e = env[0]
	}
	tr, err := NewRegistry().Resolve(id, config, e)
	require.NoError(t, err)
	return tr
}

func run(t *testing.T, tr core.RowTransform, rows ...core.Element) core.TransformResult {
	t.Helper()
	res, err := tr.ProcessBatch(context.Background(), rows)
	require.NoError(t, err)
	return res
}

func field(t *testing.T, rows []core.Element, name string) []interface{} {
	t.Helper()
	out := make([]interface{}, len(rows))
	for i, el := range rows {
		v, ok := el.Get(name)
		require.True(t, ok, "row %s has no %s", el, name)
		out[i] = v
	}
	return out
}

var people = core.MustSchema(
	core.Field{Name: "id", Type: core.FieldInt},
	core.Field{Name: "name", Type: core.FieldString},
	core.Field{Name: "age", Type: core.FieldString},
)

func person(id int, name, age string) core.Element {
	return core.MustElement(people, id, name, age)
}

func TestRegistry_Builtins(t *testing.T) {
	reg := NewRegistry()
	assert.Equal(t, []string{
		PluginAggregate, PluginDedupe, PluginExtract, PluginFilter, PluginGenerator,
		PluginLookup, PluginMapper, PluginRouter, PluginValidate,
	}, reg.List())

	_, err := reg.Resolve(PluginLookup, `{"keys":["id"]}`, plugin.Env{})
	var cfgErr *core.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "validate", cfgErr.Op)

	_, err = reg.Resolve(PluginMapper, `{"ops":[{"op":"convert","field":"x","to":"int"}],"bogus":1}`, plugin.Env{})
	assert.ErrorAs(t, err, &cfgErr)
}

func TestMapper(t *testing.T) {
	tr := resolve(t, PluginMapper, `{"ops":[
		{"op":"trim","fields":["name"]},
		{"op":"upper","fields":["name"]},
		{"op":"convert","field":"age","to":"int"},
		{"op":"rename","mapping":{"name":"display"}},
		{"op":"set","field":"source","value":"crm"}
	]}`)

	res := run(t, tr, person(1, "  ann ", "41"))
	require.Len(t, res.Main, 1)
	out := res.Main[0]

	assert.Equal(t, []string{"id", "age", "display", "source"}, out.Schema().Names())
	assert.Equal(t, core.Record{"id": 1, "age": 41, "display": "ANN", "source": "crm"}, out.Record())
}

func TestMapper_ErrorStrategies(t *testing.T) {
	ops := `"ops":[{"op":"convert","field":"age","to":"int"}]`
	rows := []core.Element{person(1, "a", "x"), person(2, "b", "3")}

	_, err := resolve(t, PluginMapper, `{`+ops+`}`).ProcessBatch(context.Background(), rows)
	assert.Error(t, err)

	res := run(t, resolve(t, PluginMapper, `{`+ops+`,"error_strategy":"skip"}`), rows...)
	assert.Equal(t, []interface{}{2}, field(t, res.Main, "id"))
	assert.Empty(t, res.Named)

	res = run(t, resolve(t, PluginMapper, `{`+ops+`,"error_strategy":"collect","error_output":"bad"}`), rows...)
	assert.Len(t, res.Main, 1)
	require.Len(t, res.Named["bad"], 1)
	msg, _ := res.Named["bad"][0].Get(ErrorField)
	assert.Contains(t, msg, "failed to convert field age")
}

func TestRouter_Parity(t *testing.T) {
	tr := resolve(t, PluginRouter, `{"mode":"parity","field":"n"}`)
	s := core.MustSchema(core.Field{Name: "n", Type: core.FieldInt})

	var rows []core.Element
	for _, n := range []int{1, 2, 3, 4} {
		rows = append(rows, core.MustElement(s, n))
	}
	res := run(t, tr, rows...)

	assert.Equal(t, []interface{}{1, 2, 3, 4}, field(t, res.Main, "n"))
	assert.Equal(t, []interface{}{2, 4}, field(t, res.Named["even"], "n"))
	assert.Equal(t, []interface{}{1, 3}, field(t, res.Named["odd"], "n"))

	_, err := tr.ProcessBatch(context.Background(), []core.Element{core.ElementOf(core.Record{"n": "x"})})
	assert.Error(t, err)
}

func TestRouter_Conditions(t *testing.T) {
	tr := resolve(t, PluginRouter, `{
		"emit_main": false,
		"first_match": true,
		"unmatched_output": "rest",
		"routes": [
			{"output": "minors", "conditions": [{"field": "age", "op": "lt", "value": 18}]},
			{"output": "named", "conditions": [{"field": "name", "op": "starts_with", "value": "a"}]}
		]
	}`)

	s := core.MustSchema(core.Field{Name: "name"}, core.Field{Name: "age"})
	res := run(t, tr,
		core.MustElement(s, "ann", 12),
		core.MustElement(s, "abe", 40),
		core.MustElement(s, "bob", 50),
	)

	assert.Empty(t, res.Main)
	assert.Equal(t, []interface{}{"ann"}, field(t, res.Named["minors"], "name"))
	assert.Equal(t, []interface{}{"abe"}, field(t, res.Named["named"], "name"))
	assert.Equal(t, []interface{}{"bob"}, field(t, res.Named["rest"], "name"))
}

func TestFilter(t *testing.T) {
	tr := resolve(t, PluginFilter, `{
		"conditions": [{"field": "name", "op": "ne", "value": "bob"}, {"field": "name", "op": "not_null"}],
		"rejected_output": "dropped"
	}`)
	res := run(t, tr, person(1, "ann", "1"), person(2, "bob", "2"), person(3, "", "3"))

	assert.Equal(t, []interface{}{1}, field(t, res.Main, "id"))
	assert.Equal(t, []interface{}{2, 3}, field(t, res.Named["dropped"], "id"))
}

func TestValidate(t *testing.T) {
	tr := resolve(t, PluginValidate, `{
		"rules": [{"field": "name", "required": true, "pattern": "^[a-z]+$"}]
	}`)
	res := run(t, tr, person(1, "ann", "1"), person(2, "B0b", "2"))

	assert.Equal(t, []interface{}{1}, field(t, res.Main, "id"))
	require.Len(t, res.Named["invalid"], 1)
	msg, _ := res.Named["invalid"][0].Get(ErrorField)
	assert.Contains(t, msg, "does not match pattern")

	strict := resolve(t, PluginValidate, `{"rules": [], "min_records": 2}`)
	_, err := strict.ProcessBatch(context.Background(), []core.Element{person(1, "a", "1")})
	assert.Error(t, err)
}

func TestLookup(t *testing.T) {
	refs := core.MustSchema(core.Field{Name: "id", Type: core.FieldInt}, core.Field{Name: "name", Type: core.FieldString})
	orders := core.MustSchema(core.Field{Name: "order", Type: core.FieldString}, core.Field{Name: "id", Type: core.FieldInt})

	tr := resolve(t, PluginLookup, `{"side_input":"customers","keys":["id"],"mode":"left","unmatched_output":"orphans"}`)
	receiver := tr.(core.SideInputReceiver)
	require.NoError(t, receiver.SetSideInput("customers", []core.Element{
		core.MustElement(refs, 1, "ann"),
		core.MustElement(refs, 2, "bob"),
	}))
	require.NoError(t, receiver.SetSideInput("other", []core.Element{core.MustElement(refs, 9, "zed")}))

	res := run(t, tr, core.MustElement(orders, "o1", 2), core.MustElement(orders, "o2", 7))

	require.Len(t, res.Main, 2)
	assert.Equal(t, []string{"order", "id", "ref_id", "name"}, res.Main[0].Schema().Names())
	assert.Equal(t, core.Record{"order": "o1", "id": 2, "ref_id": 2, "name": "bob"}, res.Main[0].Record())
	assert.Equal(t, core.Record{"order": "o2", "id": 7, "ref_id": nil, "name": nil}, res.Main[1].Record())
	assert.Equal(t, []interface{}{"o2"}, field(t, res.Named["orphans"], "order"))

	inner := resolve(t, PluginLookup, `{"side_input":"customers","keys":["id"],"prefix":"c_"}`)
	require.NoError(t, inner.(core.SideInputReceiver).SetSideInput("customers", []core.Element{core.MustElement(refs, 1, "ann")}))
	res = run(t, inner, core.MustElement(orders, "o1", 1), core.MustElement(orders, "o2", 5))
	require.Len(t, res.Main, 1)
	assert.Equal(t, []string{"order", "id", "c_id", "c_name"}, res.Main[0].Schema().Names())
}

func TestAggregate(t *testing.T) {
	s := core.MustSchema(core.Field{Name: "region"}, core.Field{Name: "amount"})
	rows := func(vals ...interface{}) []core.Element {
		var out []core.Element
		for i := 0; i < len(vals); i += 2 {
			out = append(out, core.MustElement(s, vals[i], vals[i+1]))
		}
		return out
	}
	config := `{"group_by":["region"],"aggregates":[{"op":"sum","field":"amount","as":"total"},{"op":"count"}]`

	batch := resolve(t, PluginAggregate, config+`}`)
	res := run(t, batch, rows("e", 1, "w", 2, "e", 3)...)
	assert.Equal(t, []interface{}{"e", "w"}, field(t, res.Main, "region"))
	assert.Equal(t, []interface{}{4.0, 2.0}, field(t, res.Main, "total"))

	res = run(t, batch, rows("e", 10)...)
	assert.Equal(t, []interface{}{10.0}, field(t, res.Main, "total"))

	running := resolve(t, PluginAggregate, config+`,"mode":"running"}`)
	run(t, running, rows("e", 1, "w", 2)...)
	res = run(t, running, rows("e", 5)...)
	require.Len(t, res.Main, 1)
	assert.Equal(t, core.Record{"region": "e", "total": 6.0, "count": int64(2)}, res.Main[0].Record())
}

func TestDedupe(t *testing.T) {
	s := core.MustSchema(core.Field{Name: "id"}, core.Field{Name: "v"})
	tr := resolve(t, PluginDedupe, `{"keys":["id"],"compare_fields":["v"],"change_field":"op","duplicates_output":"dups"}`)

	res := run(t, tr, core.MustElement(s, 1, "a"), core.MustElement(s, 2, "b"), core.MustElement(s, 1, "a"))
	assert.Equal(t, []interface{}{1, 2}, field(t, res.Main, "id"))
	assert.Equal(t, []interface{}{ChangeInsert, ChangeInsert}, field(t, res.Main, "op"))
	assert.Len(t, res.Named["dups"], 1)

	// state carries over to the next flush
	res = run(t, tr, core.MustElement(s, 2, "b"), core.MustElement(s, 1, "changed"))
	assert.Equal(t, []interface{}{1}, field(t, res.Main, "id"))
	assert.Equal(t, []interface{}{ChangeUpdate}, field(t, res.Main, "op"))
}

func TestDedupe_PersistsState(t *testing.T) {
	ctx := context.Background()
	env := plugin.Env{InstanceID: "a", TempDir: t.TempDir()}
	config := `{"keys":["id"],"state_file":"seen.json","max_keys":2}`
	s := core.MustSchema(core.Field{Name: "id"})

	first := resolve(t, PluginDedupe, config, env)
	require.NoError(t, first.(core.Initializer).Init(ctx))
	run(t, first, core.MustElement(s, 1), core.MustElement(s, 2), core.MustElement(s, 3))
	require.NoError(t, first.(interface{ Close() error }).Close())
	assert.FileExists(t, filepath.Join(env.TempDir, "seen.json"))

	second := resolve(t, PluginDedupe, config, env)
	require.NoError(t, second.(core.Initializer).Init(ctx))
	res := run(t, second, core.MustElement(s, 3), core.MustElement(s, 2), core.MustElement(s, 1))
	// key 1 was evicted by max_keys
	assert.Equal(t, []interface{}{1}, field(t, res.Main, "id"))

	require.NoError(t, os.WriteFile(filepath.Join(env.TempDir, "seen.json"), []byte("{"), 0o644))
	third := resolve(t, PluginDedupe, config, env)
	assert.Error(t, third.(core.Initializer).Init(ctx))
}

func TestExtract(t *testing.T) {
	s := core.MustSchema(core.Field{Name: "id", Type: core.FieldInt}, core.Field{Name: "payload", Type: core.FieldString})
	tr := resolve(t, PluginExtract, `{
		"field": "payload",
		"paths": {"user": "user.name", "score": "score", "ratio": "ratio", "missing": "nope"},
		"drop_source": true,
		"error_strategy": "collect"
	}`)

	res := run(t, tr,
		core.MustElement(s, 1, `{"user":{"name":"ann"},"score":7,"ratio":0.5}`),
		core.MustElement(s, 2, `{not json`),
	)

	require.Len(t, res.Main, 1)
	assert.Equal(t, core.Record{"id": 1, "user": "ann", "score": int64(7), "ratio": 0.5, "missing": nil}, res.Main[0].Record())
	require.Len(t, res.Named["errors"], 1)
}

func TestGenerator(t *testing.T) {
	tr := resolve(t, PluginGenerator, `{"rows_per_flush":2,"start":10,"timestamp_field":"at","fields":{"kind":"tick"}}`)
	assert.True(t, tr.(core.SourceTransform).IsSource())

	gen := tr.(*Generator)
	fixed := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	gen.now = func() time.Time { return fixed }

	res := run(t, tr)
	assert.Equal(t, []interface{}{int64(10), int64(11)}, field(t, res.Main, "seq"))
	assert.Equal(t, []string{"seq", "at", "kind"}, res.Main[0].Schema().Names())
	assert.Equal(t, fixed, res.Main[0].Record()["at"])

	res = run(t, tr)
	assert.Equal(t, []interface{}{int64(12), int64(13)}, field(t, res.Main, "seq"))
}

func TestGenerator_Limit(t *testing.T) {
	tr := resolve(t, PluginGenerator, `{"rows_per_flush":2,"limit":3}`)
	gen := tr.(*Generator)

	assert.Len(t, run(t, tr).Main, 2)
	assert.False(t, gen.Exhausted())
	assert.Equal(t, []interface{}{int64(2)}, field(t, run(t, tr).Main, "seq"))
	assert.True(t, gen.Exhausted())
	assert.Empty(t, run(t, tr).Main)
}
