// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package plugin

import (
	"sync"

	pluginapi "github.com/psychehost/psyche/pkg/plugin"
)

// Handle is a non-owning reference to a loaded plugin. While a Handle is
// held the plugin cannot be unloaded. Release must be called exactly when
// the holder is done; extra calls are ignored.
//
// A Handle may be released on a different goroutine than the one that
// acquired it.
type Handle struct {
	entry *entry
	once  sync.Once
}

// Plugin returns the instance.
func (h *Handle) Plugin() pluginapi.Plugin {
	return h.entry.instance
}

// Name returns the plugin name.
func (h *Handle) Name() string {
	return h.entry.manifest.Name
}

// Kind returns the plugin kind.
func (h *Handle) Kind() pluginapi.Kind {
	return h.entry.manifest.Kind
}

// Runtime returns the plugin runtime.
func (h *Handle) Runtime() pluginapi.Runtime {
	return h.entry.manifest.Runtime
}

// Generation identifies the load the instance came from. A plugin that is
// unloaded and loaded again gets a new generation.
func (h *Handle) Generation() uint64 {
	return h.entry.generation
}

// Initialized reports whether the plugin finished initialization.
func (h *Handle) Initialized() bool {
	return h.entry.initialized.Load()
}

// Release gives up the reference.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.entry.mu.RUnlock()
	})
}
