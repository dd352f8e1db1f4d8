// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestValue_JSONIsPlain(t *testing.T) {
	v := Map(map[string]Value{
		"text":  String("hi"),
		"score": Number(0.5),
		"tags":  List(String("a"), Bool(true)),
		"none":  Null(),
	})

	data, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"hi","score":0.5,"tags":["a",true],"none":null}`, string(data))

	var back Value
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, v.Equal(back))
}

func TestValue_YAMLDecodesNestedConfig(t *testing.T) {
	src := []byte(`
service_endpoint: http://localhost:9091
temperature: 0.2
max_tokens: 128
stop: ["\n"]
extra:
  nested: true
`)
	var cfg Values
	require.NoError(t, yaml.Unmarshal(src, &cfg))

	assert.Equal(t, "http://localhost:9091", cfg.StringOr("service_endpoint", ""))
	assert.Equal(t, 128.0, cfg.NumberOr("max_tokens", 0))
	extra, ok := cfg["extra"].AsMap()
	require.True(t, ok)
	nested, _ := extra["nested"].AsBool()
	assert.True(t, nested)
}

func TestValues_CloneIsDeep(t *testing.T) {
	orig := Values{"list": List(String("a"))}
	cp := orig.Clone()

	items, _ := cp["list"].AsList()
	items[0] = String("changed")
	cp["new"] = Bool(true)

	assert.True(t, orig.Equal(Values{"list": List(String("a"))}))
	assert.NotContains(t, orig, "new")
}

func TestValues_Accessors(t *testing.T) {
	vs := Values{"a": String(""), "b": Number(3), "c": String("7.5")}

	assert.Equal(t, "def", vs.StringOr("a", "def"))
	assert.Equal(t, "3", vs.StringOr("b", ""))
	assert.Equal(t, 7.5, vs.NumberOr("c", 0))

	s, ok := vs.FirstString("a", "missing", "b")
	assert.True(t, ok)
	assert.Equal(t, "3", s)
}

func TestFromAny_RejectsUnsupported(t *testing.T) {
	_, err := FromAny(struct{}{})
	assert.Error(t, err)
}
