// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package plugin

import (
	"context"
	"sync"

	"github.com/psychehost/psyche/internal/bridge"
	pluginapi "github.com/psychehost/psyche/pkg/plugin"
)

// Loader turns a plugin directory into a live instance for one runtime.
type Loader interface {
	// Load creates the plugin instance described by m. The returned Module
	// owns whatever keeps the instance alive (a child process, a Lua state)
	// and is released after the instance is uninitialized.
	Load(ctx context.Context, m *Manifest, dir string) (pluginapi.Plugin, Module, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, m *Manifest, dir string) (pluginapi.Plugin, Module, error)

// Load implements Loader.
func (f LoaderFunc) Load(ctx context.Context, m *Manifest, dir string) (pluginapi.Plugin, Module, error) {
	return f(ctx, m, dir)
}

// Module is the owning handle of a loaded plugin artifact.
type Module interface {
	Release() error
}

type module struct {
	once    sync.Once
	release func() error
	err     error
}

// NewModule returns a Module whose release function runs at most once.
// Later calls return the first result.
func NewModule(release func() error) Module {
	return &module{release: release}
}

func (m *module) Release() error {
	m.once.Do(func() {
		if m.release != nil {
			m.err = m.release()
		}
	})
	return m.err
}

// DeferredInvoker is implemented by instances that must run on the
// scheduler bridge. Ownership of guard passes to the callee, which releases
// it once the work has finished.
type DeferredInvoker interface {
	InvokeDeferred(guard bridge.Releaser, channel int64, data []byte, aux pluginapi.Value)
	StopStreamDeferred(guard bridge.Releaser, channel int64)
}
