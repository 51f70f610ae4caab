// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

// Package core wires the runtime together: the record store, the scheduler
// bridge, the plugin registry, the message bus and the wire server. The
// Engine also owns the lifecycle of the configured agent and its chat
// channels.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/psychehost/psyche/internal/bridge"
	"github.com/psychehost/psyche/internal/bus"
	"github.com/psychehost/psyche/internal/command"
	"github.com/psychehost/psyche/internal/plugin"
	"github.com/psychehost/psyche/internal/plugin/hostfunc"
	pluginlua "github.com/psychehost/psyche/internal/plugin/lua"
	"github.com/psychehost/psyche/internal/plugin/native"
	"github.com/psychehost/psyche/internal/store"
	"github.com/psychehost/psyche/pkg/errutil"
	pluginapi "github.com/psychehost/psyche/pkg/plugin"
)

// Config holds the engine settings.
type Config struct {
	// PluginsDir is the root searched for plugin directories.
	PluginsDir string
	// Autoload lists glob patterns of plugin names loaded at start.
	Autoload []string
	// Agent is the name of the agent started with the engine. Its
	// directory is PluginsDir/Agent.
	Agent string
	// StorePath is the sqlite database file.
	StorePath string
}

// Server is a network front end started after the bus and shut down
// before it.
type Server interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Engine runs the plugin host.
type Engine struct {
	cfg        Config
	logger     *slog.Logger
	nativeOpts []native.Option
	newServer  func(*bus.Bus) Server

	store    *store.Store
	bridge   *bridge.Bridge
	registry *plugin.Registry
	bus      *bus.Bus
	server   Server
	chat     *Broadcaster

	// mu serializes agent start and stop.
	mu           sync.Mutex
	chatChannels []int64
	chatIn       atomic.Int64

	running  atomic.Bool
	stopOnce sync.Once
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger. Every component gets it too.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithServer installs a network front end built on the bus.
func WithServer(factory func(*bus.Bus) Server) Option {
	return func(e *Engine) {
		e.newServer = factory
	}
}

// WithNativeOptions passes options to the native plugin loader.
func WithNativeOptions(opts ...native.Option) Option {
	return func(e *Engine) {
		e.nativeOpts = append(e.nativeOpts, opts...)
	}
}

// New creates an engine. Call Start to bring it up.
func New(cfg Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:    cfg,
		logger: slog.Default(),
		chat:   NewBroadcaster(),
	}
	e.chatIn.Store(pluginapi.NoReply)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start opens the store, starts the bridge, bus and server, loads the
// autoload plugins and starts the configured agent. A failing agent is
// logged, not fatal; Reload can retry it.
func (e *Engine) Start(ctx context.Context) (err error) {
	if e.running.Load() {
		return nil
	}

	e.store, err = store.Open(ctx, e.cfg.StorePath)
	if err != nil {
		return ErrStartFailed("store", err)
	}

	e.bridge = bridge.New(bridge.WithLogger(e.logger))
	if err := e.bridge.Start(ctx); err != nil {
		_ = e.store.Close()
		return ErrStartFailed("bridge", err)
	}

	funcs := hostfunc.New(e.store, hostfunc.WithLogger(e.logger))
	nativeOpts := append([]native.Option{native.WithLogger(e.logger)}, e.nativeOpts...)
	e.registry = plugin.NewRegistry(
		plugin.WithLogger(e.logger),
		plugin.WithLoader(pluginapi.RuntimeNative, native.NewLoader(nativeOpts...)),
		plugin.WithLoader(pluginapi.RuntimeScripted, pluginlua.NewLoader(e.bridge, funcs, pluginlua.WithLogger(e.logger))),
	)
	e.bus = bus.New(e.registry, e.bridge,
		bus.WithLogger(e.logger),
		bus.WithCommandHandler(command.Factory(e.store, e.registry, command.WithLogger(e.logger))),
	)
	e.bus.Start()
	e.running.Store(true)

	if e.newServer != nil {
		e.server = e.newServer(e.bus)
		if err := e.server.Start(ctx); err != nil {
			e.server = nil
			_ = e.Stop(ctx)
			return ErrStartFailed("server", err)
		}
	}

	if err := e.autoload(ctx); err != nil {
		errutil.LogError(e.logger, "autoload failed", err, "dir", e.cfg.PluginsDir)
	}

	if e.cfg.Agent != "" {
		if err := e.StartAgent(ctx); err != nil {
			errutil.LogError(e.logger, "agent failed to start", err, "agent", e.cfg.Agent)
		}
	}
	return nil
}

func (e *Engine) autoload(ctx context.Context) error {
	if e.cfg.PluginsDir == "" || len(e.cfg.Autoload) == 0 {
		return nil
	}
	loaded, err := e.registry.LoadAll(ctx, e.cfg.PluginsDir, e.cfg.Autoload)
	if err != nil {
		return err
	}
	for _, name := range loaded {
		if name == e.cfg.Agent {
			continue
		}
		if err := e.initialize(ctx, name); err != nil {
			errutil.LogError(e.logger, "plugin failed to initialize", err, "plugin", name)
		}
	}
	return nil
}

// Stop shuts the engine down: server, bus, bridge, plugins, then store.
func (e *Engine) Stop(ctx context.Context) error {
	var errs []error
	e.stopOnce.Do(func() {
		e.running.Store(false)
		if e.server != nil {
			if err := e.server.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if e.bus != nil {
			e.bus.Stop()
		}
		if e.bridge != nil {
			e.bridge.Stop()
		}
		if e.registry != nil {
			if err := e.registry.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		e.chat.Close()
		if e.store != nil {
			if err := e.store.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		e.logger.Info("engine stopped")
	})
	return errors.Join(errs...)
}

// StartAgent loads the configured agent if needed, initializes it and
// opens its chat channels.
func (e *Engine) StartAgent(ctx context.Context) error {
	if !e.running.Load() {
		return ErrNotStarted()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startAgent(ctx)
}

// StopAgent disables access to the agent, waits for in-flight calls,
// uninitializes and unloads it.
func (e *Engine) StopAgent(ctx context.Context) error {
	if !e.running.Load() {
		return ErrNotStarted()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopAgent(ctx)
}

// Reload stops the agent, if loaded, and starts it again from disk.
func (e *Engine) Reload(ctx context.Context) error {
	if !e.running.Load() {
		return ErrNotStarted()
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.stopAgent(ctx); err != nil && !errutil.HasCode(err, plugin.CodeNotLoaded) {
		return err
	}
	return e.startAgent(ctx)
}

func (e *Engine) startAgent(ctx context.Context) error {
	name := e.cfg.Agent
	if name == "" {
		return ErrNoAgent()
	}
	if len(e.chatChannels) > 0 {
		return nil
	}

	if !e.registry.IsLoaded(name) {
		if err := e.registry.Load(ctx, filepath.Join(e.cfg.PluginsDir, name)); err != nil {
			return err
		}
	}
	if m, ok := e.registry.Manifest(name); ok && m.Kind != pluginapi.KindAgent {
		e.unloadQuietly(ctx, name)
		return ErrNotAnAgent(name)
	}
	if err := e.initialize(ctx, name); err != nil {
		e.unloadQuietly(ctx, name)
		return err
	}

	e.connectChat(name)
	e.logger.Info("agent started", "agent", name)
	return nil
}

func (e *Engine) stopAgent(ctx context.Context) error {
	name := e.cfg.Agent
	if name == "" {
		return ErrNoAgent()
	}

	e.disconnectChat()
	if err := e.registry.Unload(ctx, name); err != nil {
		return err
	}
	e.notifyRemoved(ctx, name)
	e.logger.Info("agent stopped", "agent", name)
	return nil
}

func (e *Engine) unloadQuietly(ctx context.Context, name string) {
	if err := e.registry.Unload(ctx, name); err != nil {
		errutil.LogWarn(e.logger, "unload after failed start", err, "plugin", name)
	}
}

// LoadPlugin loads and initializes the plugin in dir.
func (e *Engine) LoadPlugin(ctx context.Context, dir string) error {
	if !e.running.Load() {
		return ErrNotStarted()
	}
	m, err := plugin.ReadManifest(dir)
	if err != nil {
		return err
	}
	if err := e.registry.Load(ctx, dir); err != nil {
		return err
	}
	if err := e.initialize(ctx, m.Name); err != nil {
		e.unloadQuietly(ctx, m.Name)
		return err
	}
	return nil
}

// UnloadPlugin unloads a plugin and tells the remaining agents.
func (e *Engine) UnloadPlugin(ctx context.Context, name string) error {
	if !e.running.Load() {
		return ErrNotStarted()
	}
	if err := e.registry.Unload(ctx, name); err != nil {
		return err
	}
	e.notifyRemoved(ctx, name)
	return nil
}

// initialize hands the plugin its host and records the outcome. Other
// agents are told about the new plugin once it succeeds.
func (e *Engine) initialize(ctx context.Context, name string) error {
	h, ok := e.registry.Acquire(name)
	if !ok {
		return plugin.ErrNotLoaded(name)
	}
	host := newPluginHost(e, name, h.Generation())
	info := h.Plugin().Info()

	status := pluginapi.StatusError
	switch p := h.Plugin().(type) {
	case pluginapi.Agent:
		status = p.Initialize(ctx, host)
	case pluginapi.Resource:
		status = p.Initialize(ctx, resourceHost{host: host})
	default:
		e.logger.Error("plugin is neither agent nor resource", "plugin", name)
	}
	h.Release()

	initialized := status == pluginapi.StatusSuccess
	e.registry.MarkInitialized(name, initialized)
	if !initialized {
		return ErrInitializeFailed(name)
	}
	e.logger.Info("plugin initialized", "plugin", name)
	e.notifyAdded(ctx, name, info)
	return nil
}

func (e *Engine) notifyAdded(ctx context.Context, added, info string) {
	e.eachAgent(added, func(a pluginapi.Agent) {
		a.PluginAdded(ctx, info)
	})
}

func (e *Engine) notifyRemoved(ctx context.Context, removed string) {
	e.eachAgent(removed, func(a pluginapi.Agent) {
		a.PluginRemoved(ctx, removed)
	})
}

// eachAgent calls fn on every initialized agent other than skip.
func (e *Engine) eachAgent(skip string, fn func(pluginapi.Agent)) {
	for _, name := range e.registry.Names() {
		if name == skip {
			continue
		}
		h, ok := e.registry.Acquire(name)
		if !ok {
			continue
		}
		if a, isAgent := h.Plugin().(pluginapi.Agent); isAgent && h.Initialized() {
			fn(a)
		}
		h.Release()
	}
}

type agentRequest struct {
	Name string `json:"name"`
}

// connectChat asks the agent for its output stream and its input channel.
func (e *Engine) connectChat(agent string) {
	out := e.bus.NewChannelID()
	e.bus.RegisterCallback(out, func(p pluginapi.Payload) {
		e.chat.Broadcast(ChatLine{
			Agent: agent,
			Text:  p.Data.String(),
			Final: p.IsFinal(),
			Error: p.Flags.Has(pluginapi.FlagError),
		})
	})
	e.invokeAgent(out, "chat_out", pluginapi.Value{})

	in := e.bus.NewChannelID()
	e.bus.RegisterCallback(in, func(p pluginapi.Payload) {
		id, ok := p.Data.Int()
		if !ok {
			e.logger.Warn("chat_in reply is not a channel id",
				"agent", agent,
				"kind", p.Data.Kind().String())
			return
		}
		e.chatIn.Store(id)
		e.logger.Debug("chat input channel ready", "agent", agent, "channel", id)
	})
	e.invokeAgent(in, "chat_in", pluginapi.Value{})

	e.chatChannels = []int64{out, in}
}

func (e *Engine) disconnectChat() {
	e.chatIn.Store(pluginapi.NoReply)
	for _, ch := range e.chatChannels {
		e.bus.RemoveCallback(ch)
	}
	e.chatChannels = nil
}

func (e *Engine) invokeAgent(channel int64, name string, aux pluginapi.Value) {
	data, _ := json.Marshal(agentRequest{Name: name}) //nolint:errcheck // plain struct
	e.bus.EnqueueMessage(bus.Invoke{Command: pluginapi.InvokeCommand{
		SenderChannel: channel,
		Target:        e.cfg.Agent,
		Data:          data,
		Aux:           aux,
	}})
}

// Compute asks the agent to run its compute step.
func (e *Engine) Compute() error {
	return e.command("compute")
}

// Interrupt asks the agent to stop what it is computing.
func (e *Engine) Interrupt() error {
	return e.command("interrupt")
}

func (e *Engine) command(name string) error {
	if !e.running.Load() {
		return ErrNotStarted()
	}
	if e.cfg.Agent == "" {
		return ErrNoAgent()
	}
	e.invokeAgent(pluginapi.NoReply, name, pluginapi.Value{})
	return nil
}

// Chat sends a line of user input to the agent's chat input channel.
func (e *Engine) Chat(line string) error {
	if !e.running.Load() {
		return ErrNotStarted()
	}
	in := e.chatIn.Load()
	if in == pluginapi.NoReply {
		return ErrNoChatInput()
	}
	e.bus.EnqueueMessage(bus.Deliver{Payload: pluginapi.Payload{
		ReceiverChannel: in,
		Data:            pluginapi.StringValue(line),
	}})
	return nil
}

// ChatInput returns the agent's chat input channel, if it has one.
func (e *Engine) ChatInput() (int64, bool) {
	in := e.chatIn.Load()
	return in, in != pluginapi.NoReply
}

// ChatOutput returns the broadcaster carrying agent chat output.
func (e *Engine) ChatOutput() *Broadcaster { return e.chat }

// Bus returns the message bus. Nil before Start.
func (e *Engine) Bus() *bus.Bus { return e.bus }

// Registry returns the plugin registry. Nil before Start.
func (e *Engine) Registry() *plugin.Registry { return e.registry }

// Store returns the record store. Nil before Start.
func (e *Engine) Store() *store.Store { return e.store }

// Running reports whether Start succeeded and Stop has not been called.
func (e *Engine) Running() bool { return e.running.Load() }
