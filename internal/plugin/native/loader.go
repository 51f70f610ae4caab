// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

// Package native loads plugins that run as separate executables, using
// HashiCorp's go-plugin system over gRPC.
package native

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	hashiplug "github.com/hashicorp/go-plugin"

	"github.com/psychehost/psyche/internal/plugin"
	pluginapi "github.com/psychehost/psyche/pkg/plugin"
	"github.com/psychehost/psyche/pkg/pluginsdk"
)

// DefaultCallTimeout bounds lifecycle calls into a plugin process.
const DefaultCallTimeout = 5 * time.Second

// PluginClient wraps go-plugin client for testability.
type PluginClient interface {
	// Client returns the gRPC client protocol.
	Client() (hashiplug.ClientProtocol, error)
	// Kill terminates the plugin process.
	Kill()
}

// ClientFactory creates plugin clients.
type ClientFactory interface {
	// NewClient creates a client for the given executable path.
	NewClient(execPath string) PluginClient
}

// DefaultClientFactory creates real go-plugin clients.
type DefaultClientFactory struct {
	Logger *slog.Logger
}

// NewClient creates a real go-plugin client.
func (f *DefaultClientFactory) NewClient(execPath string) PluginClient {
	return hashiplug.NewClient(&hashiplug.ClientConfig{
		HandshakeConfig:  pluginsdk.HandshakeConfig,
		Plugins:          pluginsdk.PluginMap(f.Logger),
		Cmd:              exec.Command(execPath), // #nosec G204 -- execPath resolved from a validated manifest
		AllowedProtocols: []hashiplug.Protocol{hashiplug.ProtocolGRPC},
	})
}

// Loader starts native plugin processes.
type Loader struct {
	factory     ClientFactory
	logger      *slog.Logger
	callTimeout time.Duration
}

var _ plugin.Loader = (*Loader)(nil)

// Option configures a Loader.
type Option func(*Loader)

// WithClientFactory replaces the go-plugin client factory (for testing).
func WithClientFactory(f ClientFactory) Option {
	return func(l *Loader) {
		if f != nil {
			l.factory = f
		}
	}
}

// WithLogger sets the loader logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithCallTimeout bounds Info, Initialize and Uninitialize calls.
func WithCallTimeout(d time.Duration) Option {
	return func(l *Loader) {
		if d > 0 {
			l.callTimeout = d
		}
	}
}

// NewLoader creates a native plugin loader.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		logger:      slog.Default(),
		callTimeout: DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.factory == nil {
		l.factory = &DefaultClientFactory{Logger: l.logger}
	}
	return l
}

// Load starts the plugin executable and connects to it.
func (l *Loader) Load(ctx context.Context, m *plugin.Manifest, dir string) (pluginapi.Plugin, plugin.Module, error) {
	execPath := filepath.Join(dir, m.ExecutableName())
	info, err := os.Stat(execPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, plugin.ErrFileNotFound(m.Name, execPath)
		}
		return nil, nil, plugin.ErrInvalidPlugin(m.Name, err)
	}
	if info.IsDir() {
		return nil, nil, plugin.ErrInvalidPluginf(m.Name, "plugin executable %s is a directory", execPath)
	}

	client := l.factory.NewClient(execPath)

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, nil, plugin.ErrInvalidPlugin(m.Name, err)
	}

	raw, err := rpcClient.Dispense(pluginsdk.PluginName)
	if err != nil {
		client.Kill()
		return nil, nil, plugin.ErrInvalidPlugin(m.Name, err)
	}

	remote, ok := raw.(pluginsdk.PluginClient)
	if !ok || remote == nil {
		client.Kill()
		return nil, nil, plugin.ErrInvalidPluginf(m.Name, "plugin %s does not implement the plugin service", m.Name)
	}

	callCtx, cancel := context.WithTimeout(ctx, l.callTimeout)
	defer cancel()
	description, err := remote.Info(callCtx)
	if err != nil {
		client.Kill()
		return nil, nil, plugin.ErrInvalidPlugin(m.Name, err)
	}

	base := &remotePlugin{
		name:        m.Name,
		info:        description,
		client:      remote,
		logger:      l.logger.With("plugin", m.Name),
		callTimeout: l.callTimeout,
	}
	module := plugin.NewModule(func() error {
		client.Kill()
		return nil
	})

	l.logger.Debug("started native plugin", "plugin", m.Name, "path", execPath)
	if m.Kind == pluginapi.KindResource {
		return &remoteResource{base}, module, nil
	}
	return &remoteAgent{base}, module, nil
}
