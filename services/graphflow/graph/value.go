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
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
)

// String returns the lower-case kind name.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// Value is a tagged variant used for node configuration, execution input
// and node outputs.
//
// # Description
//
// Values are immutable from the caller's point of view: constructors copy
// their arguments and accessors for lists and maps return copies. The zero
// Value is null.
//
// Values encode to plain JSON/YAML (a string Value is a JSON string, a map
// Value is a JSON object), so API payloads stay readable.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	list []Value
	m    map[string]Value
}

// Null returns the null Value.
func Null() Value { return Value{} }

// Bool returns a bool Value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number returns a number Value.
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }

// Int returns a number Value holding i.
func Int(i int) Value { return Value{kind: KindNumber, n: float64(i)} }

// String returns a string Value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// List returns a list Value holding copies of vs.
func List(vs ...Value) Value {
	out := make([]Value, len(vs))
	for i, v := range vs {
		out[i] = v.Clone()
	}
	return Value{kind: KindList, list: out}
}

// Map returns a map Value holding a copy of m.
func Map(m map[string]Value) Value {
	return Value{kind: KindMap, m: Values(m).Clone()}
}

// Kind returns the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the bool held by v.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsNumber returns the number held by v.
func (v Value) AsNumber() (float64, bool) { return v.n, v.kind == KindNumber }

// AsString returns the string held by v.
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// AsList returns a copy of the list held by v.
func (v Value) AsList() ([]Value, bool) {
	if v.kind != KindList {
		return nil, false
	}
	return List(v.list...).list, true
}

// AsMap returns a copy of the map held by v.
func (v Value) AsMap() (Values, bool) {
	if v.kind != KindMap {
		return nil, false
	}
	return Values(v.m).Clone(), true
}

// Text renders scalar values as text. Lists and maps render as JSON.
//
// Adapters use it to accept a number or bool where a string is expected.
func (v Value) Text() string {
	switch v.kind {
	case KindNull:
		return ""
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNumber:
		return strconv.FormatFloat(v.n, 'f', -1, 64)
	case KindString:
		return v.s
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

// String implements fmt.Stringer for logging.
func (v Value) String() string {
	if v.kind == KindString {
		return strconv.Quote(v.s)
	}
	if v.kind == KindNull {
		return "null"
	}
	return v.Text()
}

// Clone returns a deep copy of v.
func (v Value) Clone() Value {
	switch v.kind {
	case KindList:
		out := make([]Value, len(v.list))
		for i, item := range v.list {
			out[i] = item.Clone()
		}
		return Value{kind: KindList, list: out}
	case KindMap:
		return Value{kind: KindMap, m: Values(v.m).Clone()}
	default:
		return v
	}
}

// Equal reports whether v and o hold the same data.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindNumber:
		return v.n == o.n
	case KindString:
		return v.s == o.s
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		return Values(v.m).Equal(o.m)
	}
	return false
}

// Any converts v to plain Go data (nil, bool, float64, string, []any,
// map[string]any).
func (v Value) Any() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Any()
		}
		return out
	case KindMap:
		return Values(v.m).Any()
	default:
		return nil
	}
}

// FromAny converts decoded JSON/YAML data (or already-typed Go values) to
// a Value.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t.Clone(), nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(float64(t)), nil
	case int:
		return Number(float64(t)), nil
	case int32:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case uint:
		return Number(float64(t)), nil
	case uint32:
		return Number(float64(t)), nil
	case uint64:
		return Number(float64(t)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Null(), fmt.Errorf("invalid number %q: %w", t.String(), err)
		}
		return Number(f), nil
	case []string:
		out := make([]Value, len(t))
		for i, s := range t {
			out[i] = String(s)
		}
		return Value{kind: KindList, list: out}, nil
	case []any:
		out := make([]Value, len(t))
		for i, item := range t {
			v, err := FromAny(item)
			if err != nil {
				return Null(), fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = v
		}
		return Value{kind: KindList, list: out}, nil
	case map[string]string:
		out := make(map[string]Value, len(t))
		for k, s := range t {
			out[k] = String(s)
		}
		return Value{kind: KindMap, m: out}, nil
	case map[string]any:
		m, err := ValuesFromAny(t)
		if err != nil {
			return Null(), err
		}
		return Value{kind: KindMap, m: m}, nil
	case map[any]any:
		out := make(map[string]Value, len(t))
		for k, item := range t {
			v, err := FromAny(item)
			if err != nil {
				return Null(), fmt.Errorf("key %v: %w", k, err)
			}
			out[fmt.Sprint(k)] = v
		}
		return Value{kind: KindMap, m: out}, nil
	default:
		return Null(), fmt.Errorf("unsupported value type %T", x)
	}
}

// MarshalJSON encodes v as plain JSON.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == KindNumber && (math.IsNaN(v.n) || math.IsInf(v.n, 0)) {
		return nil, fmt.Errorf("cannot encode number %v as JSON", v.n)
	}
	return json.Marshal(v.Any())
}

// UnmarshalJSON decodes any JSON document into v.
func (v *Value) UnmarshalJSON(data []byte) error {
	var x any
	if err := json.Unmarshal(data, &x); err != nil {
		return err
	}
	decoded, err := FromAny(x)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

// MarshalYAML encodes v as plain YAML.
func (v Value) MarshalYAML() (any, error) {
	return v.Any(), nil
}

// UnmarshalYAML decodes any YAML node into v.
func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	var x any
	if err := node.Decode(&x); err != nil {
		return err
	}
	decoded, err := FromAny(x)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

// Values is a named set of Values: node config, execution input, or the
// outputs of one node.
type Values map[string]Value

// ValuesFromAny converts a decoded JSON object to Values.
func ValuesFromAny(m map[string]any) (Values, error) {
	out := make(Values, len(m))
	for k, item := range m {
		v, err := FromAny(item)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

// Clone returns a deep copy. A nil receiver yields an empty, non-nil map.
func (vs Values) Clone() Values {
	out := make(Values, len(vs))
	for k, v := range vs {
		out[k] = v.Clone()
	}
	return out
}

// Equal reports whether both sets hold the same keys and values.
func (vs Values) Equal(o Values) bool {
	if len(vs) != len(o) {
		return false
	}
	for k, v := range vs {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Any converts the set to map[string]any.
func (vs Values) Any() map[string]any {
	out := make(map[string]any, len(vs))
	for k, v := range vs {
		out[k] = v.Any()
	}
	return out
}

// Keys returns the keys in sorted order.
func (vs Values) Keys() []string {
	keys := make([]string, 0, len(vs))
	for k := range vs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// StringOr returns the text of key, or def when key is absent, null or an
// empty string.
func (vs Values) StringOr(key, def string) string {
	v, ok := vs[key]
	if !ok || v.IsNull() {
		return def
	}
	if s := strings.TrimSpace(v.Text()); s != "" {
		return v.Text()
	}
	return def
}

// NumberOr returns the number held by key, or def.
func (vs Values) NumberOr(key string, def float64) float64 {
	if v, ok := vs[key]; ok {
		if n, ok := v.AsNumber(); ok {
			return n
		}
		if s, ok := v.AsString(); ok {
			if n, err := strconv.ParseFloat(s, 64); err == nil {
				return n
			}
		}
	}
	return def
}

// FirstString returns the first key present with non-empty text.
func (vs Values) FirstString(keys ...string) (string, bool) {
	for _, k := range keys {
		if s := vs.StringOr(k, ""); s != "" {
			return s, true
		}
	}
	return "", false
}
