// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package command

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Invokable runs one host command. Replies go through the Responder.
type Invokable func(ctx context.Context, req *Request, resp *Responder) error

// Entry describes a registered host command.
type Entry struct {
	Name string
	Help string
	Fn   Invokable
}

// Registry manages command registration and lookup.
// It is thread-safe for concurrent access.
type Registry struct {
	commands map[string]Entry
	mu       sync.RWMutex
}

// NewRegistry creates a new command registry.
func NewRegistry() *Registry {
	return &Registry{
		commands: make(map[string]Entry),
	}
}

// Register adds a command to the registry. An existing command with the
// same name is overwritten and a warning is logged.
func (r *Registry) Register(entry Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.commands[entry.Name]; ok {
		slog.Warn("command conflict: overwriting existing command", "command", entry.Name)
	}
	r.commands[entry.Name] = entry
}

// Get retrieves a command by name.
func (r *Registry) Get(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.commands[name]
	return entry, ok
}

// All returns all registered commands sorted by name.
func (r *Registry) All() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]Entry, 0, len(r.commands))
	for _, e := range r.commands {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}
