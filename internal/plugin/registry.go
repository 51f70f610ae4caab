// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package plugin

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/psychehost/psyche/pkg/errutil"
	pluginapi "github.com/psychehost/psyche/pkg/plugin"
)

// entry is the registry's record of one loaded plugin.
type entry struct {
	manifest *Manifest
	dir      string
	instance pluginapi.Plugin
	module   Module

	// mu is read-locked by every outstanding Handle and write-locked by
	// Unload to drain them.
	mu          sync.RWMutex
	alive       atomic.Bool
	initialized atomic.Bool
	generation  uint64
	// removed is guarded by mu.
	removed bool
}

// Info summarises a loaded plugin.
type Info struct {
	Name        string            `json:"name"`
	Kind        pluginapi.Kind    `json:"kind"`
	Runtime     pluginapi.Runtime `json:"runtime"`
	Version     string            `json:"version,omitempty"`
	Dir         string            `json:"dir"`
	Initialized bool              `json:"initialized"`
}

// Registry owns every loaded plugin and hands out liveness-guarded handles.
type Registry struct {
	logger  *slog.Logger
	loaders map[pluginapi.Runtime]Loader

	mu      sync.RWMutex
	entries map[string]*entry

	// gateClosers counts DisableAccess calls in progress. Acquire fails
	// fast while it is non-zero.
	gateClosers atomic.Int32
	generations atomic.Uint64
}

// RegistryOption configures the Registry.
type RegistryOption func(*Registry)

// WithLoader registers the loader for a runtime.
func WithLoader(runtime pluginapi.Runtime, l Loader) RegistryOption {
	return func(r *Registry) {
		r.loaders[runtime] = l
	}
}

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		logger:  slog.Default(),
		loaders: make(map[pluginapi.Runtime]Loader),
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load reads the manifest in dir and loads the plugin it describes. The
// plugin is not initialized.
func (r *Registry) Load(ctx context.Context, dir string) (err error) {
	defer func() { recordOperation("load", err) }()

	m, err := ReadManifest(dir)
	if err != nil {
		return err
	}

	if r.IsLoaded(m.Name) {
		return ErrAlreadyLoaded(m.Name)
	}

	loader, ok := r.loaders[m.Runtime]
	if !ok {
		return ErrInvalidPluginf(m.Name, "no loader for runtime %q", m.Runtime)
	}

	instance, mod, err := loader.Load(ctx, m, dir)
	if err != nil {
		return err
	}
	if instance == nil || mod == nil {
		if mod != nil {
			_ = mod.Release()
		}
		return ErrInvalidPluginf(m.Name, "loader returned no instance")
	}

	e := &entry{
		manifest:   m,
		dir:        dir,
		instance:   instance,
		module:     mod,
		generation: r.generations.Add(1),
	}
	e.alive.Store(true)

	r.mu.Lock()
	if _, exists := r.entries[m.Name]; exists {
		r.mu.Unlock()
		if relErr := mod.Release(); relErr != nil {
			errutil.LogWarn(r.logger, "release of duplicate plugin failed", relErr, "plugin", m.Name)
		}
		return ErrAlreadyLoaded(m.Name)
	}
	r.entries[m.Name] = e
	PluginsLoaded.Set(float64(len(r.entries)))
	r.mu.Unlock()

	r.logger.Info("loaded plugin",
		"plugin", m.Name,
		"kind", m.Kind,
		"runtime", m.Runtime,
		"version", m.Version,
		"generation", e.generation)
	return nil
}

// Acquire returns a handle to a live plugin. It fails while access to the
// plugin is being disabled, or once it has been.
func (r *Registry) Acquire(name string) (*Handle, bool) {
	if r.gateClosers.Load() > 0 {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok || !e.alive.Load() {
		return nil, false
	}
	// alive only flips under the registry write lock, so no writer can be
	// waiting on e.mu here.
	e.mu.RLock()
	return &Handle{entry: e}, true
}

// AcquireLoad returns a handle to the instance created by the load
// identified by generation. It does not consult the availability gate, so
// it only fails once that instance has been disabled or replaced.
func (r *Registry) AcquireLoad(name string, generation uint64) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok || !e.alive.Load() || e.generation != generation {
		return nil, false
	}
	e.mu.RLock()
	return &Handle{entry: e}, true
}

// DisableAccess stops new handles from being handed out for name. Handles
// already held stay valid.
func (r *Registry) DisableAccess(name string) {
	r.gateClosers.Add(1)
	defer r.gateClosers.Add(-1)

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		e.alive.Store(false)
	}
}

// Unload waits for every outstanding handle on name to be released, then
// uninitializes the instance and releases its module.
func (r *Registry) Unload(ctx context.Context, name string) (err error) {
	defer func() { recordOperation("unload", err) }()

	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return ErrNotLoaded(name)
	}

	if e.alive.Load() {
		r.DisableAccess(name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return ErrNotLoaded(name)
	}
	e.removed = true

	if uninitErr := e.instance.Uninitialize(ctx); uninitErr != nil {
		errutil.LogWarn(r.logger, "plugin uninitialize failed", uninitErr, "plugin", name)
	}
	e.initialized.Store(false)
	releaseErr := e.module.Release()

	r.gateClosers.Add(1)
	r.mu.Lock()
	if r.entries[name] == e {
		delete(r.entries, name)
	}
	PluginsLoaded.Set(float64(len(r.entries)))
	r.mu.Unlock()
	r.gateClosers.Add(-1)

	if releaseErr != nil {
		return ErrTeardownFailed(name, releaseErr)
	}
	r.logger.Info("unloaded plugin", "plugin", name)
	return nil
}

// IsLoaded reports whether name is in the registry, live or not.
func (r *Registry) IsLoaded(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Names returns the names of all loaded plugins, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List describes all loaded plugins, sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, Info{
			Name:        e.manifest.Name,
			Kind:        e.manifest.Kind,
			Runtime:     e.manifest.Runtime,
			Version:     e.manifest.Version,
			Dir:         e.dir,
			Initialized: e.initialized.Load(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Manifest returns the manifest of a loaded plugin.
func (r *Registry) Manifest(name string) (*Manifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.manifest, true
}

// Dir returns the directory a loaded plugin came from.
func (r *Registry) Dir(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return "", false
	}
	return e.dir, true
}

// Generation returns the load generation of a plugin without taking a
// handle on it.
func (r *Registry) Generation(name string) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return 0, false
	}
	return e.generation, true
}

// MarkInitialized records the outcome of a plugin's initialization.
func (r *Registry) MarkInitialized(name string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, found := r.entries[name]; found {
		e.initialized.Store(ok)
	}
}

// Close unloads every plugin. Errors are joined.
func (r *Registry) Close(ctx context.Context) error {
	var errs []error
	for _, name := range r.Names() {
		if err := r.Unload(ctx, name); err != nil && !errutil.HasCode(err, CodeNotLoaded) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
