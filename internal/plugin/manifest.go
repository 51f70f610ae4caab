// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

// Package plugin provides the plugin registry and lifecycle control.
package plugin

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	pluginapi "github.com/psychehost/psyche/pkg/plugin"
)

// Manifest file names, in lookup order.
const (
	ManifestYAML = "info.yaml"
	ManifestJSON = "info.json"
)

// Default script entry point for scripted plugins.
const DefaultEntry = "init.lua"

// Manifest describes a plugin directory.
type Manifest struct {
	Name        string            `yaml:"name" json:"name" jsonschema:"minLength=1,maxLength=64,pattern=^[a-z]([a-z0-9_-]*[a-z0-9])?$"`
	Kind        pluginapi.Kind    `yaml:"kind" json:"kind" jsonschema:"enum=agent,enum=resource"`
	Runtime     pluginapi.Runtime `yaml:"runtime" json:"runtime" jsonschema:"enum=native,enum=scripted"`
	Version     string            `yaml:"version,omitempty" json:"version,omitempty"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Native      *NativeConfig     `yaml:"native,omitempty" json:"native,omitempty"`
	Scripted    *ScriptedConfig   `yaml:"scripted,omitempty" json:"scripted,omitempty"`
}

// NativeConfig holds native plugin configuration.
type NativeConfig struct {
	// Executable is relative to the plugin directory. Defaults to the plugin name.
	Executable string `yaml:"executable,omitempty" json:"executable,omitempty"`
}

// ScriptedConfig holds scripted plugin configuration.
type ScriptedConfig struct {
	Entry        string   `yaml:"entry,omitempty" json:"entry,omitempty"`
	Factory      string   `yaml:"factory,omitempty" json:"factory,omitempty"`
	Dependencies []string `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
}

// maxNameLength is the maximum allowed length for plugin names.
const maxNameLength = 64

// namePattern validates plugin names: must start with lowercase letter,
// followed by lowercase letters, digits, underscores or hyphens.
// Cannot end with a separator. Single character names are allowed.
var namePattern = regexp.MustCompile(`^[a-z]([a-z0-9_-]*[a-z0-9])?$`)

// ReadManifest reads the manifest of the plugin in dir, preferring
// info.yaml over info.json.
func ReadManifest(dir string) (*Manifest, error) {
	var data []byte
	var readErr error
	for _, name := range []string{ManifestYAML, ManifestJSON} {
		data, readErr = os.ReadFile(filepath.Join(dir, name)) //nolint:gosec // dir is an operator supplied plugin directory
		if readErr == nil {
			break
		}
	}
	if readErr != nil {
		if errors.Is(readErr, os.ErrNotExist) {
			return nil, ErrManifest(dir, fmt.Errorf("no %s or %s in %s", ManifestYAML, ManifestJSON, dir))
		}
		return nil, ErrManifest(dir, readErr)
	}

	m, err := ParseManifest(data)
	if err != nil {
		return nil, ErrManifest(dir, err)
	}
	return m, nil
}

// ParseManifest parses and validates manifest data. JSON is accepted since
// it is a subset of YAML.
func ParseManifest(data []byte) (*Manifest, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("manifest data is empty")
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Validate checks manifest constraints.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !namePattern.MatchString(m.Name) {
		return fmt.Errorf("name %q must start with a-z, contain only a-z, 0-9, underscores, hyphens, and not end with a separator", m.Name)
	}
	if len(m.Name) > maxNameLength {
		return fmt.Errorf("name must be %d characters or less, got %d", maxNameLength, len(m.Name))
	}

	switch m.Kind {
	case pluginapi.KindAgent, pluginapi.KindResource:
	case "":
		return fmt.Errorf("kind is required")
	default:
		return fmt.Errorf("kind must be 'agent' or 'resource', got %q", m.Kind)
	}

	switch m.Runtime {
	case pluginapi.RuntimeNative, pluginapi.RuntimeScripted:
	case "":
		return fmt.Errorf("runtime is required")
	default:
		return fmt.Errorf("runtime must be 'native' or 'scripted', got %q", m.Runtime)
	}

	if m.Version != "" {
		if _, err := semver.NewVersion(m.Version); err != nil {
			return fmt.Errorf("version %q is not a semantic version: %w", m.Version, err)
		}
	}

	for _, path := range []string{m.ExecutableName(), m.EntryName()} {
		if filepath.IsAbs(path) || strings.HasPrefix(filepath.Clean(path), "..") {
			return fmt.Errorf("path %q must stay inside the plugin directory", path)
		}
	}

	return nil
}

// ExecutableName returns the native executable path relative to the plugin
// directory.
func (m *Manifest) ExecutableName() string {
	if m.Native != nil && m.Native.Executable != "" {
		return m.Native.Executable
	}
	return m.Name
}

// EntryName returns the script entry point relative to the plugin directory.
func (m *Manifest) EntryName() string {
	if m.Scripted != nil && m.Scripted.Entry != "" {
		return m.Scripted.Entry
	}
	return DefaultEntry
}

// FactoryName returns the global the entry script must define. It defaults
// to the plugin name in PascalCase, so chat_agent becomes ChatAgent.
func (m *Manifest) FactoryName() string {
	if m.Scripted != nil && m.Scripted.Factory != "" {
		return m.Scripted.Factory
	}
	return PascalCase(m.Name)
}

// PascalCase joins the underscore or hyphen separated words of s, each
// starting with an upper case letter.
func PascalCase(s string) string {
	var b strings.Builder
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '_' || r == '-' }) {
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(part[1:])
	}
	return b.String()
}
