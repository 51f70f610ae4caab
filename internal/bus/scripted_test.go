// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package bus_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psychehost/psyche/internal/bridge"
	"github.com/psychehost/psyche/internal/bus"
	pluginapi "github.com/psychehost/psyche/pkg/plugin"
)

// scriptedPlugin runs its work on the scheduler bridge like a Lua plugin.
type scriptedPlugin struct {
	bridge  *bridge.Bridge
	sender  bus.Sender
	invoked chan int64
	stopped chan int64
	onMain  atomic.Int32
}

func (p *scriptedPlugin) Info() string { return "scripted" }

func (p *scriptedPlugin) Uninitialize(context.Context) error { return nil }

func (p *scriptedPlugin) Invoke(context.Context, int64, []byte, pluginapi.Value) error {
	p.onMain.Add(1)
	return nil
}

func (p *scriptedPlugin) StopStream(context.Context, int64) error {
	p.onMain.Add(1)
	return nil
}

func (p *scriptedPlugin) InvokeDeferred(guard bridge.Releaser, ch int64, data []byte, _ pluginapi.Value) {
	p.bridge.ScheduleDeferred(guard, func(ctx context.Context) error {
		if !p.bridge.OnScheduler(ctx) {
			panic("not on scheduler")
		}
		p.sender.EnqueueMessage(bus.Deliver{Payload: pluginapi.Payload{
			ReceiverChannel: ch,
			Data:            pluginapi.BytesValue(data),
			Flags:           pluginapi.FlagFinal,
		}})
		p.invoked <- ch
		return nil
	})
}

func (p *scriptedPlugin) StopStreamDeferred(guard bridge.Releaser, ch int64) {
	p.bridge.ScheduleDeferred(guard, func(context.Context) error {
		p.stopped <- ch
		return nil
	})
}

func TestBus_ScriptedTargetRunsOnBridge(t *testing.T) {
	e := newEnv(t)
	sp := &scriptedPlugin{bridge: e.bridge, sender: e.bus, invoked: make(chan int64, 1), stopped: make(chan int64, 1)}
	e.load("lua_echo", pluginapi.RuntimeScripted, sp)

	ch := e.bus.NewChannelID()
	rec := &recorder{}
	e.bus.RegisterCallback(ch, rec.handle)
	e.bus.EnqueueMessage(bus.Invoke{Command: pluginapi.InvokeCommand{SenderChannel: ch, Target: "lua_echo", Data: []byte("ping")}})

	select {
	case got := <-sp.invoked:
		assert.Equal(t, ch, got)
	case <-time.After(time.Second):
		t.Fatal("deferred invoke did not run")
	}
	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "ping", rec.all()[0].Data.String())
	assert.Equal(t, int32(0), sp.onMain.Load())

	e.bus.EnqueueMessage(bus.StopStream{Command: pluginapi.StopStreamCommand{Channel: ch, Target: "lua_echo"}})
	select {
	case got := <-sp.stopped:
		assert.Equal(t, ch, got)
	case <-time.After(time.Second):
		t.Fatal("deferred stop did not run")
	}

	// Every guard handed to the bridge has been released.
	require.NoError(t, e.reg.Unload(context.Background(), "lua_echo"))
}

func TestBus_ScriptedCallbackRunsOnBridge(t *testing.T) {
	e := newEnv(t)
	sp := &scriptedPlugin{bridge: e.bridge, sender: e.bus}
	e.load("owner", pluginapi.RuntimeScripted, sp)
	gen, ok := e.reg.Generation("owner")
	require.True(t, ok)

	got := make(chan pluginapi.Payload, 2)
	ch := e.bus.NewChannelID()
	e.bus.RegisterScriptedCallback(ch, "owner", gen, func(p pluginapi.Payload) bridge.Task {
		return func(ctx context.Context) error {
			assert.True(t, e.bridge.OnScheduler(ctx))
			got <- p
			return nil
		}
	})

	e.bus.EnqueueMessage(bus.Deliver{Payload: pluginapi.Payload{ReceiverChannel: ch, Data: pluginapi.StringValue("a")}})
	e.bus.EnqueueMessage(bus.Deliver{Payload: pluginapi.Payload{ReceiverChannel: ch, Data: pluginapi.StringValue("b"), Flags: pluginapi.FlagFinal}})

	for _, want := range []string{"a", "b"} {
		select {
		case p := <-got:
			assert.Equal(t, want, p.Data.String())
		case <-time.After(time.Second):
			t.Fatal("scripted callback not run")
		}
	}
	assert.False(t, e.bus.HasCallback(ch))
	require.NoError(t, e.reg.Unload(context.Background(), "owner"))
}

func TestBus_ScriptedCallbackOfUnloadedOwnerIsDropped(t *testing.T) {
	e := newEnv(t)
	sp := &scriptedPlugin{bridge: e.bridge, sender: e.bus}
	e.load("owner", pluginapi.RuntimeScripted, sp)
	oldGen, _ := e.reg.Generation("owner")

	var runs atomic.Int32
	ch := e.bus.NewChannelID()
	e.bus.RegisterScriptedCallback(ch, "owner", oldGen, func(pluginapi.Payload) bridge.Task {
		return func(context.Context) error {
			runs.Add(1)
			return nil
		}
	})

	// Reload: same name, new generation.
	require.NoError(t, e.reg.Unload(context.Background(), "owner"))
	e.load("owner", pluginapi.RuntimeScripted, sp)

	e.bus.EnqueueMessage(bus.Deliver{Payload: pluginapi.Payload{ReceiverChannel: ch}})
	flush(t, e.bus)
	require.NoError(t, e.bridge.RunSynchronous(context.Background(), func(context.Context) error { return nil }))

	assert.Equal(t, int32(0), runs.Load())
	assert.False(t, e.bus.HasCallback(ch), "stale registration removed")
}

func TestBus_ScriptedCallbackSurvivesOtherPluginDisable(t *testing.T) {
	e := newEnv(t)
	e.load("owner", pluginapi.RuntimeScripted, &scriptedPlugin{bridge: e.bridge, sender: e.bus})
	e.load("other", pluginapi.RuntimeNative, &echoPlugin{sender: e.bus})
	gen, _ := e.reg.Generation("owner")

	var runs atomic.Int32
	ch := e.bus.NewChannelID()
	e.bus.RegisterScriptedCallback(ch, "owner", gen, func(pluginapi.Payload) bridge.Task {
		return func(context.Context) error {
			runs.Add(1)
			return nil
		}
	})

	stop := make(chan struct{})
	disabled := make(chan struct{})
	go func() {
		defer close(disabled)
		for {
			select {
			case <-stop:
				return
			default:
				e.reg.DisableAccess("other")
			}
		}
	}()

	const n = 2000
	for range n {
		e.bus.EnqueueMessage(bus.Deliver{Payload: pluginapi.Payload{ReceiverChannel: ch}})
	}
	flush(t, e.bus)
	close(stop)
	<-disabled
	require.NoError(t, e.bridge.RunSynchronous(context.Background(), func(context.Context) error { return nil }))

	assert.True(t, e.bus.HasCallback(ch))
	assert.Equal(t, int32(n), runs.Load())
	require.NoError(t, e.reg.Unload(context.Background(), "owner"))
}

// panickyPlugin panics when handed deferred work, before scheduling it.
type panickyPlugin struct {
	scriptedPlugin
}

func (p *panickyPlugin) InvokeDeferred(bridge.Releaser, int64, []byte, pluginapi.Value) {
	panic("invoke")
}

func (p *panickyPlugin) StopStreamDeferred(bridge.Releaser, int64) {
	panic("stop stream")
}

func unloadWithin(t *testing.T, e *env, name string) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- e.reg.Unload(context.Background(), name) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("unload of %s blocked on a leaked handle", name)
	}
}

func TestBus_PanickingDeferredInvokerReleasesHandle(t *testing.T) {
	e := newEnv(t)
	e.load("boom", pluginapi.RuntimeScripted, &panickyPlugin{scriptedPlugin{bridge: e.bridge, sender: e.bus}})

	e.bus.EnqueueMessage(bus.Invoke{Command: pluginapi.InvokeCommand{SenderChannel: pluginapi.NoReply, Target: "boom"}})
	e.bus.EnqueueMessage(bus.StopStream{Command: pluginapi.StopStreamCommand{Channel: 1, Target: "boom"}})
	flush(t, e.bus)

	unloadWithin(t, e, "boom")
}

func TestBus_PanickingScriptedHandlerReleasesHandle(t *testing.T) {
	e := newEnv(t)
	e.load("owner", pluginapi.RuntimeScripted, &scriptedPlugin{bridge: e.bridge, sender: e.bus})
	gen, _ := e.reg.Generation("owner")

	ch := e.bus.NewChannelID()
	e.bus.RegisterScriptedCallback(ch, "owner", gen, func(pluginapi.Payload) bridge.Task {
		panic("handler")
	})
	e.bus.EnqueueMessage(bus.Deliver{Payload: pluginapi.Payload{ReceiverChannel: ch}})
	flush(t, e.bus)

	unloadWithin(t, e, "owner")
}
