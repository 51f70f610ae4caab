// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

// Package pluginsdk provides the SDK for building native Psyche plugins.
//
// Native plugins are separate executables that talk to the host over gRPC
// using the HashiCorp go-plugin framework. A plugin implements
// plugin.Agent or plugin.Resource and hands itself to Serve:
//
//	package main
//
//	import (
//		"context"
//
//		"github.com/psychehost/psyche/pkg/plugin"
//		"github.com/psychehost/psyche/pkg/pluginsdk"
//	)
//
//	type Echo struct{ host plugin.AgentHost }
//
//	func (e *Echo) Initialize(_ context.Context, host plugin.AgentHost) plugin.Status {
//		e.host = host
//		return plugin.StatusSuccess
//	}
//
//	func (e *Echo) Invoke(_ context.Context, ch int64, data []byte, _ plugin.Value) error {
//		e.host.SendPayload(plugin.Payload{ReceiverChannel: ch, Data: plugin.BytesValue(data), Flags: plugin.FlagFinal})
//		return nil
//	}
//
//	// Info, Uninitialize, StopStream, PluginAdded and PluginRemoved omitted.
//
//	func main() {
//		pluginsdk.Serve(&pluginsdk.ServeConfig{Plugin: &Echo{}})
//	}
package pluginsdk

import (
	"context"
	"errors"
	"log/slog"
	"os"

	hashiplug "github.com/hashicorp/go-plugin"
	"google.golang.org/grpc"

	pluginapi "github.com/psychehost/psyche/pkg/plugin"
)

// PluginName is the key under which the plugin is dispensed.
const PluginName = "plugin"

// HandshakeConfig is the go-plugin handshake configuration.
// Both host and plugins must use the same values.
var HandshakeConfig = hashiplug.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "PSYCHE_PLUGIN",
	MagicCookieValue: "psyche-v1",
}

// PluginMap returns the plugin set the host dispenses from.
func PluginMap(logger *slog.Logger) map[string]hashiplug.Plugin {
	return map[string]hashiplug.Plugin{
		PluginName: &GRPCPlugin{Logger: logger},
	}
}

// ServeConfig configures the plugin server.
type ServeConfig struct {
	// Plugin is the implementation, a plugin.Agent or a plugin.Resource.
	// Required; Serve will panic if nil.
	Plugin pluginapi.Plugin
	// Logger defaults to a JSON logger on stderr, which go-plugin forwards
	// to the host log.
	Logger *slog.Logger
}

// Serve starts the plugin server. This should be called from main().
// It blocks and never returns under normal operation.
func Serve(config *ServeConfig) {
	if config == nil {
		panic("pluginsdk: config cannot be nil")
	}
	if config.Plugin == nil {
		panic("pluginsdk: config.Plugin cannot be nil")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	hashiplug.Serve(&hashiplug.ServeConfig{
		HandshakeConfig: HandshakeConfig,
		Plugins: map[string]hashiplug.Plugin{
			PluginName: &GRPCPlugin{Impl: config.Plugin, Logger: logger},
		},
		GRPCServer: hashiplug.DefaultGRPCServer,
	})
}

// GRPCPlugin implements go-plugin's Plugin interface for gRPC.
type GRPCPlugin struct {
	hashiplug.NetRPCUnsupportedPlugin
	// Impl is used by the plugin side only.
	Impl   pluginapi.Plugin
	Logger *slog.Logger
}

func (p *GRPCPlugin) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// GRPCServer registers the plugin service (called by plugin process).
func (p *GRPCPlugin) GRPCServer(broker *hashiplug.GRPCBroker, s *grpc.Server) error {
	if p.Impl == nil {
		return errors.New("pluginsdk: plugin implementation is nil")
	}
	s.RegisterService(&pluginServiceDesc, &pluginServer{impl: p.Impl, broker: broker, logger: p.logger()})
	return nil
}

// GRPCClient returns a PluginClient (called by host process).
func (p *GRPCPlugin) GRPCClient(_ context.Context, broker *hashiplug.GRPCBroker, c *grpc.ClientConn) (interface{}, error) {
	return &grpcClient{conn: c, broker: broker, logger: p.logger()}, nil
}
