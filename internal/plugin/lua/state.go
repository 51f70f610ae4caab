// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

// Package lua loads scripted plugins into sandboxed gopher-lua states that
// run on the bridge scheduler.
package lua

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// ModulesDir is the per-plugin directory searched by require.
const ModulesDir = "lua_modules"

// safeLibrary represents a Lua library that is safe to load in sandboxed state.
type safeLibrary struct {
	name string
	fn   lua.LGFunction
}

// defaultSafeLibraries returns the list of libraries safe to load.
// Safe: base, table, string, math, package, coroutine.
// Blocked: os, io, debug.
func defaultSafeLibraries() []safeLibrary {
	return []safeLibrary{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
		{lua.LoadLibName, lua.OpenPackage},
		{lua.CoroutineLibName, lua.OpenCoroutine},
	}
}

// StateFactory creates sandboxed Lua states with only safe libraries.
type StateFactory struct {
	// libraries allows overriding the default safe libraries for testing.
	libraries []safeLibrary
}

// NewStateFactory creates a new state factory.
func NewStateFactory() *StateFactory {
	return &StateFactory{
		libraries: defaultSafeLibraries(),
	}
}

// unsafeBaseFunctions lists base library functions that must be blocked.
// Modules are loaded through require, which only searches the plugin's own
// directory.
var unsafeBaseFunctions = []string{"dofile", "loadfile", "loadstring", "load"}

// NewState creates a fresh Lua state with only safe libraries loaded. When
// dir is set, require resolves modules from dir and dir/lua_modules only.
func (f *StateFactory) NewState(ctx context.Context, dir string) (*lua.LState, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:        true,
		IncludeGoStackTrace: false,
	})

	for _, lib := range f.libraries {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.fn),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, fmt.Errorf("failed to open library %s: %w", lib.name, err)
		}
	}

	for _, fn := range unsafeBaseFunctions {
		L.SetGlobal(fn, lua.LNil)
	}

	if pkg, ok := L.GetGlobal(lua.LoadLibName).(*lua.LTable); ok {
		L.SetField(pkg, "path", lua.LString(packagePath(dir)))
		L.SetField(pkg, "cpath", lua.LString(""))
		L.SetField(pkg, "loadlib", lua.LNil)
	}

	if ctx != nil && ctx.Err() != nil {
		L.Close()
		return nil, ctx.Err()
	}
	return L, nil
}

func packagePath(dir string) string {
	if dir == "" {
		return ""
	}
	modules := filepath.Join(dir, ModulesDir)
	return strings.Join([]string{
		filepath.Join(dir, "?.lua"),
		filepath.Join(modules, "?.lua"),
		filepath.Join(modules, "?", "init.lua"),
	}, ";")
}
