// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package lua

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	"github.com/psychehost/psyche/internal/bridge"
	"github.com/psychehost/psyche/internal/plugin"
	"github.com/psychehost/psyche/internal/plugin/hostfunc"
	pluginapi "github.com/psychehost/psyche/pkg/plugin"
)

// Loader creates scripted plugin instances. Every instance owns one Lua
// state that is only touched from the bridge scheduler.
type Loader struct {
	bridge  *bridge.Bridge
	funcs   *hostfunc.Functions
	factory *StateFactory
	logger  *slog.Logger
}

var _ plugin.Loader = (*Loader)(nil)

// Option configures a Loader.
type Option func(*Loader)

// WithLogger sets the loader logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithStateFactory replaces the Lua state factory.
func WithStateFactory(f *StateFactory) Option {
	return func(l *Loader) {
		if f != nil {
			l.factory = f
		}
	}
}

// NewLoader creates a scripted plugin loader running on b. funcs provides
// the psyche host API; nil installs one without storage.
func NewLoader(b *bridge.Bridge, funcs *hostfunc.Functions, opts ...Option) *Loader {
	if b == nil {
		panic("lua.NewLoader: bridge cannot be nil")
	}
	l := &Loader{
		bridge:  b,
		funcs:   funcs,
		factory: NewStateFactory(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.funcs == nil {
		l.funcs = hostfunc.New(nil, hostfunc.WithLogger(l.logger))
	}
	return l
}

// Load creates the plugin's Lua state, runs its entry script and calls the
// factory. The returned module closes the state.
func (l *Loader) Load(ctx context.Context, m *plugin.Manifest, dir string) (pluginapi.Plugin, plugin.Module, error) {
	if err := l.provision(m, dir); err != nil {
		return nil, nil, plugin.ErrInvalidPlugin(m.Name, err)
	}

	var inst *instance
	err := l.bridge.RunSynchronous(ctx, func(ctx context.Context) error {
		var err error
		inst, err = l.instantiate(ctx, m, dir)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	mod := plugin.NewModule(inst.close)
	if m.Kind == pluginapi.KindResource {
		return &resource{inst}, mod, nil
	}
	return &agent{inst}, mod, nil
}

// provision creates the module directory and reports dependencies that
// are not installed in it.
func (l *Loader) provision(m *plugin.Manifest, dir string) error {
	modules := filepath.Join(dir, ModulesDir)
	if err := os.MkdirAll(modules, 0o750); err != nil {
		return oops.In("lua").With("plugin", m.Name).With("path", modules).
			Hint("failed to create module directory").Wrap(err)
	}
	if m.Scripted == nil {
		return nil
	}
	for _, dep := range m.Scripted.Dependencies {
		if !moduleInstalled(modules, dep) {
			l.logger.Warn("scripted plugin dependency not installed",
				"plugin", m.Name, "dependency", dep, "path", modules)
		}
	}
	return nil
}

func moduleInstalled(modules, dep string) bool {
	rel := filepath.FromSlash(strings.ReplaceAll(dep, ".", "/"))
	for _, candidate := range []string{
		filepath.Join(modules, rel+".lua"),
		filepath.Join(modules, rel, "init.lua"),
	} {
		if _, err := os.Stat(candidate); err == nil {
			return true
		}
	}
	return false
}

func (l *Loader) instantiate(ctx context.Context, m *plugin.Manifest, dir string) (*instance, error) {
	L, err := l.factory.NewState(ctx, dir)
	if err != nil {
		return nil, plugin.ErrInvalidPlugin(m.Name, err)
	}

	inst := &instance{
		name:   m.Name,
		L:      L,
		bridge: l.bridge,
		logger: l.logger.With("plugin", m.Name),
	}
	inst.binding = l.funcs.Register(L, m.Name, inst)

	fail := func(err error) (*instance, error) {
		L.Close()
		return nil, plugin.ErrInvalidPlugin(m.Name, err)
	}

	entry := filepath.Join(dir, m.EntryName())
	if err := L.DoFile(entry); err != nil {
		return fail(oops.In("lua").With("entry", m.EntryName()).Hint("failed to run entry script").Wrap(err))
	}

	factoryName := m.FactoryName()
	factory, ok := L.GetGlobal(factoryName).(*lua.LFunction)
	if !ok {
		return fail(oops.In("lua").With("factory", factoryName).Errorf("factory %s is not defined", factoryName))
	}
	if err := L.CallByParam(lua.P{Fn: factory, NRet: 1, Protect: true}); err != nil {
		return fail(oops.In("lua").With("factory", factoryName).Hint("factory raised an error").Wrap(err))
	}
	ret := L.Get(-1)
	L.Pop(1)
	self, ok := ret.(*lua.LTable)
	if !ok {
		return fail(oops.In("lua").With("factory", factoryName).Errorf("factory returned %s, want table", ret.Type()))
	}
	inst.self = self
	if inst.method("invoke") == nil {
		return fail(oops.In("lua").Errorf("plugin object has no invoke method"))
	}

	inst.info = m.Description
	if fn := inst.method("get_info"); fn != nil {
		v, err := inst.call(fn, self)
		if err != nil {
			return fail(oops.In("lua").Hint("get_info raised an error").Wrap(err))
		}
		if s, ok := v.(lua.LString); ok {
			inst.info = string(s)
		}
	}
	if inst.info == "" {
		inst.info = m.Name
	}
	return inst, nil
}
