// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package core

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psychehost/psyche/internal/bridge"
	"github.com/psychehost/psyche/internal/bus"
	"github.com/psychehost/psyche/internal/plugin"
	pluginapi "github.com/psychehost/psyche/pkg/plugin"
)

type stubAgent struct{}

func (stubAgent) Info() string                                                 { return "stub" }
func (stubAgent) Uninitialize(context.Context) error                           { return nil }
func (stubAgent) Invoke(context.Context, int64, []byte, pluginapi.Value) error { return nil }
func (stubAgent) StopStream(context.Context, int64) error                      { return nil }
func (stubAgent) Initialize(context.Context, pluginapi.AgentHost) pluginapi.Status {
	return pluginapi.StatusSuccess
}
func (stubAgent) PluginAdded(context.Context, string)   {}
func (stubAgent) PluginRemoved(context.Context, string) {}

type hostFixture struct {
	registry *plugin.Registry
	bridge   *bridge.Bridge
	bus      *bus.Bus
	dir      string
}

func newHostFixture(t *testing.T) *hostFixture {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "stub")
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "info.yaml"),
		[]byte("name: stub\nkind: agent\nruntime: scripted\n"), 0o600))

	loader := plugin.LoaderFunc(func(context.Context, *plugin.Manifest, string) (pluginapi.Plugin, plugin.Module, error) {
		return stubAgent{}, plugin.NewModule(func() error { return nil }), nil
	})
	f := &hostFixture{
		registry: plugin.NewRegistry(plugin.WithLoader(pluginapi.RuntimeScripted, loader)),
		bridge:   bridge.New(),
		dir:      dir,
	}
	require.NoError(t, f.bridge.Start(context.Background()))
	f.bus = bus.New(f.registry, f.bridge)
	f.bus.Start()
	t.Cleanup(func() {
		f.bus.Stop()
		f.bridge.Stop()
		_ = f.registry.Close(context.Background())
	})
	require.NoError(t, f.registry.Load(context.Background(), dir))
	return f
}

func (f *hostFixture) host(t *testing.T) *pluginHost {
	t.Helper()
	gen, ok := f.registry.Generation("stub")
	require.True(t, ok)
	return &pluginHost{
		name:       "stub",
		generation: gen,
		bus:        f.bus,
		registry:   f.registry,
		bridge:     f.bridge,
		logger:     slog.Default(),
	}
}

func (f *hostFixture) reload(t *testing.T) {
	t.Helper()
	require.NoError(t, f.registry.Unload(context.Background(), "stub"))
	require.NoError(t, f.registry.Load(context.Background(), f.dir))
}

func flushBridge(t *testing.T, b *bridge.Bridge) {
	t.Helper()
	require.NoError(t, b.RunSynchronous(context.Background(), func(context.Context) error { return nil }))
}

func TestPluginHost_ScheduleScripted(t *testing.T) {
	f := newHostFixture(t)
	h := f.host(t)

	var ran atomic.Bool
	h.ScheduleScripted(func(context.Context) error {
		ran.Store(true)
		return nil
	})
	flushBridge(t, f.bridge)
	assert.True(t, ran.Load())
}

func TestPluginHost_ScheduleScripted_StaleGeneration(t *testing.T) {
	f := newHostFixture(t)
	h := f.host(t)
	f.reload(t)

	var ran atomic.Bool
	h.ScheduleScripted(func(context.Context) error {
		ran.Store(true)
		return nil
	})
	flushBridge(t, f.bridge)
	assert.False(t, ran.Load(), "work from a replaced instance is dropped")

	// The handle taken for the check must have been released.
	require.NoError(t, f.registry.Unload(context.Background(), "stub"))
}

func TestPluginHost_ScheduleScripted_Unloaded(t *testing.T) {
	f := newHostFixture(t)
	h := f.host(t)
	require.NoError(t, f.registry.Unload(context.Background(), "stub"))

	var ran atomic.Bool
	h.ScheduleScripted(func(context.Context) error {
		ran.Store(true)
		return nil
	})
	flushBridge(t, f.bridge)
	assert.False(t, ran.Load())
}

func TestPluginHost_OnInitialized(t *testing.T) {
	f := newHostFixture(t)
	stale := f.host(t)
	f.reload(t)
	current := f.host(t)

	stale.OnInitialized(true)
	assert.False(t, f.registry.List()[0].Initialized, "stale reports are ignored")

	current.OnInitialized(true)
	assert.True(t, f.registry.List()[0].Initialized)
}

func TestPluginHost_CallbacksAndSchedule(t *testing.T) {
	f := newHostFixture(t)
	h := f.host(t)

	got := make(chan pluginapi.Payload, 2)
	ch := h.NewChannelID()
	h.RegisterCallback(ch, func(p pluginapi.Payload) { got <- p })
	h.SendPayload(pluginapi.Payload{ReceiverChannel: ch, Data: pluginapi.StringValue("hi"), Flags: pluginapi.FlagFinal})

	select {
	case p := <-got:
		assert.Equal(t, "hi", p.Data.String())
	case <-time.After(time.Second):
		t.Fatal("payload not delivered")
	}
	assert.Eventually(t, func() bool { return !f.bus.HasCallback(ch) }, time.Second, time.Millisecond)

	done := make(chan struct{})
	h.Schedule(func() { close(done) })
	h.Schedule(nil)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduled function did not run")
	}
}

func TestPluginHost_ScriptedCallbackDroppedAfterReload(t *testing.T) {
	f := newHostFixture(t)
	h := f.host(t)

	var ran atomic.Bool
	ch := h.NewChannelID()
	h.RegisterScriptedCallback(ch, func(pluginapi.Payload) bridge.Task {
		return func(context.Context) error {
			ran.Store(true)
			return nil
		}
	})
	f.reload(t)
	f.registry.MarkInitialized("stub", true)

	h.SendPayload(pluginapi.Payload{ReceiverChannel: ch, Data: pluginapi.StringValue("late")})
	assert.Eventually(t, func() bool { return !f.bus.HasCallback(ch) }, time.Second, time.Millisecond)
	flushBridge(t, f.bridge)
	assert.False(t, ran.Load())
}

func TestResourceHost_ForwardsBaseCapabilities(t *testing.T) {
	f := newHostFixture(t)
	r := resourceHost{host: f.host(t)}

	r.OnInitialized(true)
	assert.True(t, f.registry.List()[0].Initialized)

	_, isAgentHost := any(r).(pluginapi.AgentHost)
	assert.False(t, isAgentHost)
}
