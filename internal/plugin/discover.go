// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gobwas/glob"
)

// DiscoveredPlugin contains a manifest and its directory.
type DiscoveredPlugin struct {
	Manifest *Manifest
	Dir      string
}

// Discover finds all plugins with a valid manifest directly below root.
// Invalid plugins are logged and skipped.
func (r *Registry) Discover(_ context.Context, root string) ([]*DiscoveredPlugin, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read plugins directory: %w", err)
	}

	var plugins []*DiscoveredPlugin
	for _, de := range entries {
		if !de.IsDir() {
			continue
		}

		dir := filepath.Join(root, de.Name())
		m, err := ReadManifest(dir)
		if err != nil {
			r.logger.Warn("skipping plugin with invalid manifest",
				"dir", de.Name(),
				"error", err)
			continue
		}

		plugins = append(plugins, &DiscoveredPlugin{Manifest: m, Dir: dir})
	}

	return plugins, nil
}

// CompilePatterns compiles autoload patterns. Patterns use '.' as the
// separator, so "*" matches any plugin name.
func CompilePatterns(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '.')
		if err != nil {
			return nil, fmt.Errorf("invalid autoload pattern %q: %w", p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

// LoadAll loads every discovered plugin whose name matches one of patterns
// and returns the names it loaded. Individual failures are logged and
// skipped.
func (r *Registry) LoadAll(ctx context.Context, root string, patterns []string) ([]string, error) {
	globs, err := CompilePatterns(patterns)
	if err != nil {
		return nil, err
	}

	discovered, err := r.Discover(ctx, root)
	if err != nil {
		return nil, err
	}

	var loaded []string
	for _, dp := range discovered {
		if !matchesAny(globs, dp.Manifest.Name) {
			continue
		}
		if err := r.Load(ctx, dp.Dir); err != nil {
			r.logger.Error("failed to load plugin",
				"plugin", dp.Manifest.Name,
				"error", err)
			continue
		}
		loaded = append(loaded, dp.Manifest.Name)
	}
	return loaded, nil
}

func matchesAny(globs []glob.Glob, name string) bool {
	for _, g := range globs {
		if g.Match(name) {
			return true
		}
	}
	return false
}
