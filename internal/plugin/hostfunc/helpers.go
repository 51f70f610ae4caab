// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

//nolint:gocritic // captLocal: L is the idiomatic name for lua.LState
package hostfunc

import (
	"context"
	"errors"

	"github.com/oklog/ulid/v2"
	lua "github.com/yuin/gopher-lua"
)

// pushError pushes nil followed by an error string to the Lua stack and returns 2.
// This is the standard pattern for returning errors from host functions.
func pushError(L *lua.LState, errMsg string) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(errMsg))
	return 2
}

// pushSuccess pushes a value followed by nil (no error) to the Lua stack and returns 2.
func pushSuccess(L *lua.LState, value lua.LValue) int {
	L.Push(value)
	L.Push(lua.LNil)
	return 2
}

// sanitizeKVError logs the full storage error and returns a message that
// is safe to hand to plugin code.
func (f *Functions) sanitizeKVError(pluginName, op, key string, err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		f.logger.Warn("plugin kv operation timed out",
			"plugin", pluginName, "operation", op, "key", key, "error", err)
		return "operation timed out"
	}

	errorID := ulid.Make().String()
	f.logger.Error("plugin kv operation failed",
		"plugin", pluginName,
		"operation", op,
		"key", key,
		"error_id", errorID,
		"error", err)
	return "internal error (ref: " + errorID + ")"
}
