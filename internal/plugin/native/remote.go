// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package native

import (
	"context"
	"log/slog"
	"time"

	pluginapi "github.com/psychehost/psyche/pkg/plugin"
	"github.com/psychehost/psyche/pkg/pluginsdk"
)

// remotePlugin forwards plugin calls to the plugin process.
type remotePlugin struct {
	name        string
	info        string
	client      pluginsdk.PluginClient
	logger      *slog.Logger
	callTimeout time.Duration
}

func (p *remotePlugin) Info() string {
	return p.info
}

func (p *remotePlugin) Uninitialize(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()
	return p.client.Uninitialize(ctx)
}

func (p *remotePlugin) Invoke(ctx context.Context, channel int64, data []byte, aux pluginapi.Value) error {
	return p.client.Invoke(ctx, channel, data, aux)
}

func (p *remotePlugin) StopStream(ctx context.Context, channel int64) error {
	return p.client.StopStream(ctx, channel)
}

func (p *remotePlugin) initialize(ctx context.Context, kind pluginapi.Kind, host pluginapi.Host) pluginapi.Status {
	ctx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()
	st, err := p.client.Initialize(ctx, kind, host)
	if err != nil {
		p.logger.Error("plugin initialize failed", "error", err)
		return pluginapi.StatusError
	}
	return st
}

// remoteAgent is a native plugin of kind agent.
type remoteAgent struct {
	*remotePlugin
}

var _ pluginapi.Agent = (*remoteAgent)(nil)

func (a *remoteAgent) Initialize(ctx context.Context, host pluginapi.AgentHost) pluginapi.Status {
	return a.initialize(ctx, pluginapi.KindAgent, host)
}

func (a *remoteAgent) PluginAdded(ctx context.Context, info string) {
	if err := a.client.PluginAdded(ctx, info); err != nil {
		a.logger.Warn("plugin added notification failed", "error", err)
	}
}

func (a *remoteAgent) PluginRemoved(ctx context.Context, name string) {
	if err := a.client.PluginRemoved(ctx, name); err != nil {
		a.logger.Warn("plugin removed notification failed", "error", err)
	}
}

// remoteResource is a native plugin of kind resource.
type remoteResource struct {
	*remotePlugin
}

var _ pluginapi.Resource = (*remoteResource)(nil)

func (r *remoteResource) Initialize(ctx context.Context, host pluginapi.Host) pluginapi.Status {
	return r.initialize(ctx, pluginapi.KindResource, host)
}
