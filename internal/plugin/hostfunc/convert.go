// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

//nolint:gocritic // captLocal: L is the idiomatic name for lua.LState
package hostfunc

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	lua "github.com/yuin/gopher-lua"

	pluginapi "github.com/psychehost/psyche/pkg/plugin"
)

// maxConversionDepth bounds recursion when converting nested tables.
const maxConversionDepth = 64

// ToValue converts a Lua value passed to the host API into a payload value.
// Tables are sent as their JSON encoding.
func ToValue(lv lua.LValue) (pluginapi.Value, error) {
	switch v := lv.(type) {
	case *lua.LNilType:
		return pluginapi.Value{}, nil
	case lua.LString:
		return pluginapi.StringValue(string(v)), nil
	case lua.LNumber:
		return pluginapi.IntValue(int64(v)), nil
	case *lua.LTable:
		data, err := encodeJSON(v)
		if err != nil {
			return pluginapi.Value{}, err
		}
		return pluginapi.BytesValue(data), nil
	case *lua.LUserData:
		return pluginapi.HandleValue(v.Value), nil
	default:
		return pluginapi.Value{}, fmt.Errorf("cannot send a %s as payload data", lv.Type())
	}
}

// FromValue converts a payload value into its Lua representation.
func FromValue(L *lua.LState, v pluginapi.Value) lua.LValue {
	switch v.Kind() {
	case pluginapi.KindBytes, pluginapi.KindString:
		return lua.LString(v.String())
	case pluginapi.KindInt:
		n, _ := v.Int()
		return lua.LNumber(n)
	case pluginapi.KindHandle:
		h, _ := v.Handle()
		ud := L.NewUserData()
		ud.Value = h
		return ud
	default:
		return lua.LNil
	}
}

// PayloadTable builds the table handed to Lua payload callbacks.
func PayloadTable(L *lua.LState, p pluginapi.Payload) *lua.LTable {
	t := L.NewTable()
	L.SetField(t, "channel", ChannelNumber(p.ReceiverChannel))
	L.SetField(t, "data", FromValue(L, p.Data))
	L.SetField(t, "kind", lua.LString(p.Data.Kind().String()))
	L.SetField(t, "flags", lua.LNumber(p.Flags))
	L.SetField(t, "final", lua.LBool(p.Flags.Has(pluginapi.FlagFinal)))
	L.SetField(t, "error", lua.LBool(p.Flags.Has(pluginapi.FlagError)))
	return t
}

// dataBytes converts invoke data given by a plugin into request bytes.
func dataBytes(lv lua.LValue) ([]byte, error) {
	switch v := lv.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LString:
		return []byte(v), nil
	case *lua.LTable:
		return encodeJSON(v)
	default:
		return nil, fmt.Errorf("invoke data must be a string or table, got %s", lv.Type())
	}
}

func jsonEncodeFn(L *lua.LState) int {
	data, err := json.Marshal(luaValueToGo(L.CheckAny(1), 0))
	if err != nil {
		return pushError(L, err.Error())
	}
	return pushSuccess(L, lua.LString(data))
}

func jsonDecodeFn(L *lua.LState) int {
	var out any
	if err := json.Unmarshal([]byte(L.CheckString(1)), &out); err != nil {
		return pushError(L, err.Error())
	}
	return pushSuccess(L, goToLua(L, out))
}

func encodeJSON(t *lua.LTable) ([]byte, error) {
	data, err := json.Marshal(luaValueToGo(t, 0))
	if err != nil {
		return nil, fmt.Errorf("encode table: %w", err)
	}
	return data, nil
}

// luaValueToGo converts a Lua value into plain Go data suitable for JSON.
// Functions, userdata and threads become nil.
func luaValueToGo(lv lua.LValue, depth int) any {
	if depth > maxConversionDepth {
		return nil
	}
	switch v := lv.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		f := float64(v)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if isArray(v) {
			return luaTableToSlice(v, depth)
		}
		return luaTableToMap(v, depth)
	default:
		return nil
	}
}

func luaTableToMap(t *lua.LTable, depth int) map[string]any {
	result := make(map[string]any)
	t.ForEach(func(k, v lua.LValue) {
		result[k.String()] = luaValueToGo(v, depth+1)
	})
	return result
}

// isArray reports whether t is a non-empty sequence with keys 1..n.
func isArray(t *lua.LTable) bool {
	n := t.Len()
	if n == 0 {
		return false
	}
	count := 0
	t.ForEach(func(_, _ lua.LValue) { count++ })
	return count == n
}

func luaTableToSlice(t *lua.LTable, depth int) []any {
	n := t.Len()
	result := make([]any, 0, n)
	for i := 1; i <= n; i++ {
		result = append(result, luaValueToGo(t.RawGetInt(i), depth+1))
	}
	return result
}

// goToLua converts decoded JSON data into Lua values. Object keys are
// inserted in sorted order so iteration over small tables is stable.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		t := L.CreateTable(len(val), 0)
		for _, item := range val {
			t.Append(goToLua(L, item))
		}
		return t
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		t := L.CreateTable(0, len(val))
		for _, k := range keys {
			t.RawSetString(k, goToLua(L, val[k]))
		}
		return t
	default:
		return lua.LString(fmt.Sprint(val))
	}
}
