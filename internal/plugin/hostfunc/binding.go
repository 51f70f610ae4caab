// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

//nolint:gocritic // captLocal: L is the idiomatic name for lua.LState
package hostfunc

import (
	"log/slog"
	"math"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/psychehost/psyche/internal/bridge"
	pluginapi "github.com/psychehost/psyche/pkg/plugin"
)

// Binding connects the psyche table of one Lua state to the host the
// plugin was initialized with.
type Binding struct {
	plugin string
	runner Runner
	logger *slog.Logger

	mu   sync.RWMutex
	host pluginapi.Host
}

// Attach makes host available to the plugin's host functions.
func (b *Binding) Attach(host pluginapi.Host) {
	b.mu.Lock()
	b.host = host
	b.mu.Unlock()
}

// Detach removes the host. Host functions called afterwards raise a Lua error.
func (b *Binding) Detach() {
	b.mu.Lock()
	b.host = nil
	b.mu.Unlock()
}

func (b *Binding) current() pluginapi.Host {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.host
}

func (b *Binding) mustHost(L *lua.LState, fn string) pluginapi.Host {
	h := b.current()
	if h == nil {
		L.RaiseError("psyche.%s: plugin %s is not initialized", fn, b.plugin)
	}
	return h
}

// mustAgentHost returns the host of an agent. Lua callbacks must run on
// the scheduler, so only hosts that can route them there qualify.
func (b *Binding) mustAgentHost(L *lua.LState, fn string) ScriptedHost {
	h, ok := b.mustHost(L, fn).(ScriptedHost)
	if !ok {
		L.RaiseError("psyche.%s: only available to agents", fn)
	}
	return h
}

func (b *Binding) register(host ScriptedHost, channel int64, fn *lua.LFunction) {
	host.RegisterScriptedCallback(channel, func(p pluginapi.Payload) bridge.Task {
		return b.runner.Task(fn, func(L *lua.LState) []lua.LValue {
			return []lua.LValue{PayloadTable(L, p)}
		})
	})
}

func (b *Binding) newChannelIDFn(L *lua.LState) int {
	L.Push(ChannelNumber(b.mustAgentHost(L, "new_channel_id").NewChannelID()))
	return 1
}

func (b *Binding) sendPayloadFn(L *lua.LState) int {
	host := b.mustHost(L, "send_payload")
	channel := checkChannel(L, 1)
	data, err := ToValue(L.Get(2))
	if err != nil {
		L.ArgError(2, err.Error())
	}
	flags := pluginapi.Flags(L.OptInt64(3, 0))
	host.SendPayload(pluginapi.Payload{ReceiverChannel: channel, Data: data, Flags: flags})
	return 0
}

func (b *Binding) invokeFn(L *lua.LState) int {
	host := b.mustAgentHost(L, "invoke")
	channel := checkChannel(L, 1)
	target := L.CheckString(2)
	data, err := dataBytes(L.Get(3))
	if err != nil {
		L.ArgError(3, err.Error())
	}
	aux, err := ToValue(L.Get(4))
	if err != nil {
		L.ArgError(4, err.Error())
	}
	host.Invoke(pluginapi.InvokeCommand{SenderChannel: channel, Target: target, Data: data, Aux: aux})
	return 0
}

func (b *Binding) invokeWithCallbackFn(L *lua.LState) int {
	host := b.mustAgentHost(L, "invoke_with_callback")
	target := L.CheckString(1)
	data, err := dataBytes(L.Get(2))
	if err != nil {
		L.ArgError(2, err.Error())
	}
	fn := L.CheckFunction(3)

	channel := host.NewChannelID()
	b.register(host, channel, fn)
	host.Invoke(pluginapi.InvokeCommand{SenderChannel: channel, Target: target, Data: data})
	L.Push(ChannelNumber(channel))
	return 1
}

func (b *Binding) registerCallbackFn(L *lua.LState) int {
	host := b.mustAgentHost(L, "register_callback")
	channel := checkChannel(L, 1)
	fn := L.CheckFunction(2)
	b.register(host, channel, fn)
	return 0
}

func (b *Binding) stopStreamFn(L *lua.LState) int {
	host := b.mustAgentHost(L, "stop_stream")
	channel := checkChannel(L, 1)
	target := L.OptString(2, "")
	host.StopStream(pluginapi.StopStreamCommand{Channel: channel, Target: target})
	return 0
}

func (b *Binding) scheduleFn(L *lua.LState) int {
	host := b.mustAgentHost(L, "schedule")
	fn := L.CheckFunction(1)
	host.ScheduleScripted(b.runner.Task(fn, nil))
	return 0
}

func (b *Binding) onInitializedFn(L *lua.LState) int {
	ok := L.OptBool(1, true)
	b.mustHost(L, "on_initialized").OnInitialized(ok)
	return 0
}

// MaxLuaChannel is the largest channel id magnitude a Lua number holds
// exactly. Channel ids are handed to Lua as numbers, so plugins only see
// exact ids up to this value.
const MaxLuaChannel = 1 << 53

// ChannelNumber converts a channel id for Lua.
func ChannelNumber(ch int64) lua.LNumber {
	return lua.LNumber(ch)
}

// checkChannel reads argument n as a channel id. Fractional numbers and
// numbers beyond MaxLuaChannel are rejected.
func checkChannel(L *lua.LState, n int) int64 {
	v := float64(L.CheckNumber(n))
	if v != math.Trunc(v) || v > MaxLuaChannel || v < -MaxLuaChannel {
		L.ArgError(n, "channel id must be an integer of magnitude at most 2^53")
	}
	return int64(v)
}
