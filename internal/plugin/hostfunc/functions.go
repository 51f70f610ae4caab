// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

// Package hostfunc provides the psyche host API to Lua plugins.
//
// Every scripted plugin gets its own Lua state with a global table named
// psyche. Functions that talk to the host are only usable between
// initialize and uninitialize; logging, identifiers, storage and JSON
// helpers are always available.
//
//nolint:gocritic // captLocal: L is the idiomatic name for lua.LState
package hostfunc

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	lua "github.com/yuin/gopher-lua"

	"github.com/psychehost/psyche/internal/bridge"
	"github.com/psychehost/psyche/internal/bus"
	pluginapi "github.com/psychehost/psyche/pkg/plugin"
)

// GlobalName is the name of the host API table inside every Lua state.
const GlobalName = "psyche"

// defaultKVTimeout bounds a single storage call made by a plugin.
const defaultKVTimeout = 5 * time.Second

// KVStore provides namespaced key-value storage.
type KVStore interface {
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	Set(ctx context.Context, namespace, key string, value []byte) error
	Delete(ctx context.Context, namespace, key string) error
}

// ScriptedHost is implemented by hosts that route payloads for Lua
// callbacks onto the scheduler with an owner liveness check.
type ScriptedHost interface {
	pluginapi.AgentHost
	RegisterScriptedCallback(channel int64, handler bus.ScriptedHandler)
	ScheduleScripted(task bridge.Task)
}

// Runner turns Lua functions into scheduler tasks. Arguments are built
// lazily on the scheduler thread since the Lua state is not safe to touch
// anywhere else.
type Runner interface {
	Task(fn *lua.LFunction, args func(L *lua.LState) []lua.LValue) bridge.Task
}

// Functions provides host functions to Lua plugins.
type Functions struct {
	kvStore KVStore
	logger  *slog.Logger
}

// Option configures Functions.
type Option func(*Functions)

// WithLogger sets the logger plugin messages are written to.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Functions) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// New creates host functions backed by kv, which may be nil.
func New(kv KVStore, opts ...Option) *Functions {
	f := &Functions{kvStore: kv, logger: slog.Default()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Register installs the psyche table into ls for pluginName. The returned
// Binding must be given the plugin's host once it is initialized.
func (f *Functions) Register(ls *lua.LState, pluginName string, runner Runner) *Binding {
	b := &Binding{plugin: pluginName, runner: runner, logger: f.logger.With("plugin", pluginName)}
	mod := ls.NewTable()

	ls.SetField(mod, "log", ls.NewFunction(f.logFn(b)))
	ls.SetField(mod, "new_request_id", ls.NewFunction(newRequestIDFn))
	ls.SetField(mod, "json_encode", ls.NewFunction(jsonEncodeFn))
	ls.SetField(mod, "json_decode", ls.NewFunction(jsonDecodeFn))

	ls.SetField(mod, "kv_get", ls.NewFunction(f.kvGetFn(pluginName)))
	ls.SetField(mod, "kv_set", ls.NewFunction(f.kvSetFn(pluginName)))
	ls.SetField(mod, "kv_delete", ls.NewFunction(f.kvDeleteFn(pluginName)))

	ls.SetField(mod, "new_channel_id", ls.NewFunction(b.newChannelIDFn))
	ls.SetField(mod, "send_payload", ls.NewFunction(b.sendPayloadFn))
	ls.SetField(mod, "invoke", ls.NewFunction(b.invokeFn))
	ls.SetField(mod, "invoke_with_callback", ls.NewFunction(b.invokeWithCallbackFn))
	ls.SetField(mod, "register_callback", ls.NewFunction(b.registerCallbackFn))
	ls.SetField(mod, "stop_stream", ls.NewFunction(b.stopStreamFn))
	ls.SetField(mod, "schedule", ls.NewFunction(b.scheduleFn))
	ls.SetField(mod, "on_initialized", ls.NewFunction(b.onInitializedFn))

	ls.SetField(mod, "FINAL", lua.LNumber(pluginapi.FlagFinal))
	ls.SetField(mod, "ERROR", lua.LNumber(pluginapi.FlagError))
	ls.SetField(mod, "NO_REPLY", lua.LNumber(pluginapi.NoReply))

	ls.SetGlobal(GlobalName, mod)
	return b
}

func (f *Functions) logFn(b *Binding) lua.LGFunction {
	return func(L *lua.LState) int {
		level := L.CheckString(1)
		message := L.CheckString(2)

		switch level {
		case "debug":
			b.logger.Debug(message)
		case "info":
			b.logger.Info(message)
		case "warn":
			b.logger.Warn(message)
		case "error":
			b.logger.Error(message)
		default:
			L.ArgError(1, "invalid log level "+level+": expected debug, info, warn or error")
		}
		return 0
	}
}

func newRequestIDFn(L *lua.LState) int {
	L.Push(lua.LString(ulid.Make().String()))
	return 1
}

func kvContext(L *lua.LState) (context.Context, context.CancelFunc) {
	parent := L.Context()
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, defaultKVTimeout)
}

func (f *Functions) kvGetFn(pluginName string) lua.LGFunction {
	return func(L *lua.LState) int {
		key := L.CheckString(1)
		if f.kvStore == nil {
			return pushError(L, "kv store not available")
		}

		ctx, cancel := kvContext(L)
		defer cancel()
		value, err := f.kvStore.Get(ctx, pluginName, key)
		if err != nil {
			return pushError(L, f.sanitizeKVError(pluginName, "get", key, err))
		}
		if value == nil {
			return pushSuccess(L, lua.LNil)
		}
		return pushSuccess(L, lua.LString(value))
	}
}

func (f *Functions) kvSetFn(pluginName string) lua.LGFunction {
	return func(L *lua.LState) int {
		key := L.CheckString(1)
		value := L.CheckString(2)
		if f.kvStore == nil {
			L.Push(lua.LString("kv store not available"))
			return 1
		}

		ctx, cancel := kvContext(L)
		defer cancel()
		if err := f.kvStore.Set(ctx, pluginName, key, []byte(value)); err != nil {
			L.Push(lua.LString(f.sanitizeKVError(pluginName, "set", key, err)))
			return 1
		}
		return 0
	}
}

func (f *Functions) kvDeleteFn(pluginName string) lua.LGFunction {
	return func(L *lua.LState) int {
		key := L.CheckString(1)
		if f.kvStore == nil {
			L.Push(lua.LString("kv store not available"))
			return 1
		}

		ctx, cancel := kvContext(L)
		defer cancel()
		if err := f.kvStore.Delete(ctx, pluginName, key); err != nil {
			L.Push(lua.LString(f.sanitizeKVError(pluginName, "delete", key, err)))
			return 1
		}
		return 0
	}
}
