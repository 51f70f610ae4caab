// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package core

import (
	"context"
	"log/slog"

	"github.com/psychehost/psyche/internal/bridge"
	"github.com/psychehost/psyche/internal/bus"
	"github.com/psychehost/psyche/internal/plugin"
	"github.com/psychehost/psyche/internal/plugin/hostfunc"
	pluginapi "github.com/psychehost/psyche/pkg/plugin"
)

var (
	_ pluginapi.AgentHost   = (*pluginHost)(nil)
	_ hostfunc.ScriptedHost = (*pluginHost)(nil)
	_ pluginapi.Host        = resourceHost{}
)

// pluginHost is the capability interface handed to one loaded plugin. It is
// bound to the plugin's load generation so that callbacks and scheduled
// work from an unloaded instance are dropped.
type pluginHost struct {
	name       string
	generation uint64
	bus        *bus.Bus
	registry   *plugin.Registry
	bridge     *bridge.Bridge
	logger     *slog.Logger
}

func newPluginHost(e *Engine, name string, generation uint64) *pluginHost {
	return &pluginHost{
		name:       name,
		generation: generation,
		bus:        e.bus,
		registry:   e.registry,
		bridge:     e.bridge,
		logger:     e.logger.With("plugin", name),
	}
}

func (h *pluginHost) SendPayload(p pluginapi.Payload) {
	h.bus.EnqueueMessage(bus.Deliver{Payload: p})
}

// OnInitialized records a late initialization report. Reports from an
// instance that has since been replaced are ignored.
func (h *pluginHost) OnInitialized(success bool) {
	if gen, ok := h.registry.Generation(h.name); !ok || gen != h.generation {
		h.logger.Debug("ignoring initialization report from stale instance")
		return
	}
	h.registry.MarkInitialized(h.name, success)
	h.logger.Info("plugin reported initialization", "success", success)
}

func (h *pluginHost) NewChannelID() int64 {
	return h.bus.NewChannelID()
}

func (h *pluginHost) Invoke(cmd pluginapi.InvokeCommand) {
	h.bus.EnqueueMessage(bus.Invoke{Command: cmd})
}

func (h *pluginHost) InvokeWithCallback(cmd pluginapi.InvokeCommand, handler pluginapi.PayloadHandler) {
	h.bus.RegisterCallback(cmd.SenderChannel, handler)
	h.bus.EnqueueMessage(bus.Invoke{Command: cmd})
}

func (h *pluginHost) RegisterCallback(channel int64, handler pluginapi.PayloadHandler) {
	h.bus.RegisterCallback(channel, handler)
}

func (h *pluginHost) StopStream(cmd pluginapi.StopStreamCommand) {
	h.bus.EnqueueMessage(bus.StopStream{Command: cmd})
}

// Schedule runs fn on the dispatcher goroutine.
func (h *pluginHost) Schedule(fn func()) {
	if fn == nil {
		return
	}
	h.bus.EnqueueMessage(bus.Task{Fn: func(context.Context) { fn() }})
}

func (h *pluginHost) RegisterScriptedCallback(channel int64, handler bus.ScriptedHandler) {
	h.bus.RegisterScriptedCallback(channel, h.name, h.generation, handler)
}

// ScheduleScripted queues task on the scheduler bridge, holding a handle on
// the plugin until it completes.
func (h *pluginHost) ScheduleScripted(task bridge.Task) {
	handle, ok := h.registry.AcquireLoad(h.name, h.generation)
	if !ok {
		h.logger.Debug("dropping scheduled work for unloaded or replaced plugin")
		return
	}
	h.bridge.ScheduleDeferred(handle, task)
}

// resourceHost limits a resource to the base host capabilities.
type resourceHost struct {
	host *pluginHost
}

func (r resourceHost) SendPayload(p pluginapi.Payload) { r.host.SendPayload(p) }

func (r resourceHost) OnInitialized(success bool) { r.host.OnInitialized(success) }
