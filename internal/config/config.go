// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

// Package config loads psyche settings. Flag defaults are overridden by the
// YAML config file, which is overridden by flags set on the command line.
package config

import (
	"net"
	"os"
	"path/filepath"
	"slices"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/psychehost/psyche/internal/core"
	"github.com/psychehost/psyche/internal/logging"
	"github.com/psychehost/psyche/internal/xdg"
)

// Error codes.
const (
	CodeLoadFailed = "CONFIG_LOAD_FAILED"
	CodeInvalid    = "CONFIG_INVALID"
)

// Default values.
const (
	DefaultPluginsDir  = "plugins"
	DefaultAgent       = "chat_agent"
	DefaultWireAddr    = "127.0.0.1:8765"
	DefaultMetricsAddr = "127.0.0.1:9100"
	DefaultLogFormat   = logging.FormatText
	DefaultLogLevel    = "info"
	storeFile          = "psyche.db"
)

// Config is the full psyche configuration.
type Config struct {
	Plugins Plugins `koanf:"plugins"`
	Agent   Agent   `koanf:"agent"`
	Wire    Listen  `koanf:"wire"`
	Metrics Listen  `koanf:"metrics"`
	Store   Store   `koanf:"store"`
	Log     Log     `koanf:"log"`
	Console Console `koanf:"console"`
}

// Plugins configures plugin discovery.
type Plugins struct {
	Dir      string   `koanf:"dir"`
	Autoload []string `koanf:"autoload"`
}

// Agent names the agent plugin started with the engine.
type Agent struct {
	Name string `koanf:"name"`
}

// Listen is a listener address. Empty disables the listener.
type Listen struct {
	Addr string `koanf:"addr"`
}

// Store locates the record store database.
type Store struct {
	Path string `koanf:"path"`
}

// Log configures logging.
type Log struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

// Console toggles the interactive console.
type Console struct {
	Enabled bool `koanf:"enabled"`
}

// flagKeys maps command line flags to config keys.
var flagKeys = map[string]string{
	"plugins-dir":  "plugins.dir",
	"autoload":     "plugins.autoload",
	"agent":        "agent.name",
	"wire-addr":    "wire.addr",
	"metrics-addr": "metrics.addr",
	"store-path":   "store.path",
	"log-format":   "log.format",
	"log-level":    "log.level",
	"console":      "console.enabled",
}

// RegisterFlags adds the serve flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("plugins-dir", DefaultPluginsDir, "directory containing plugin directories")
	fs.StringSlice("autoload", nil, "glob patterns of plugins to load at startup")
	fs.String("agent", DefaultAgent, "agent plugin to start (empty = none)")
	fs.String("wire-addr", DefaultWireAddr, "WebSocket listen address (empty = disabled)")
	fs.String("metrics-addr", DefaultMetricsAddr, "metrics/health HTTP address (empty = disabled)")
	fs.String("store-path", "", "record store database (default: XDG_DATA_HOME/psyche/psyche.db)")
	fs.String("log-format", DefaultLogFormat, "log format (json or text)")
	fs.String("log-level", DefaultLogLevel, "log level (debug, info, warn, error)")
	fs.Bool("console", true, "read console commands from stdin")
}

// Load builds a Config from flags and the YAML file at path. An empty path
// means the XDG default, which is skipped when it does not exist; an
// explicit path must exist.
func Load(flags *pflag.FlagSet, path string) (*Config, error) {
	k := koanf.New(".")

	if path == "" {
		path = defaultFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.In("config").Code(CodeLoadFailed).
				With("path", path).
				Wrapf(err, "load config file")
		}
	}

	// Unchanged flags only fill keys the file left unset.
	err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
		key, ok := flagKeys[f.Name]
		if !ok {
			return "", nil
		}
		return key, posflag.FlagVal(flags, f)
	}), nil)
	if err != nil {
		return nil, oops.In("config").Code(CodeLoadFailed).Wrapf(err, "load flags")
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, oops.In("config").Code(CodeLoadFailed).Wrapf(err, "decode config")
	}
	if cfg.Store.Path == "" {
		dir, err := xdg.DataDir()
		if err != nil {
			return nil, oops.In("config").Code(CodeInvalid).
				Hint("set store.path or --store-path").
				Wrapf(err, "default store path")
		}
		cfg.Store.Path = filepath.Join(dir, storeFile)
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Plugins.Dir == "" {
		return invalid("plugins.dir", "plugins.dir is required")
	}
	if c.Store.Path == "" {
		return invalid("store.path", "store.path is required")
	}
	if !slices.Contains([]string{logging.FormatJSON, logging.FormatText}, c.Log.Format) {
		return invalid("log.format", "log.format must be 'json' or 'text', got %q", c.Log.Format)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return invalid("log.level", "log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	for key, addr := range map[string]string{"wire.addr": c.Wire.Addr, "metrics.addr": c.Metrics.Addr} {
		if addr == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return invalid(key, "%s %q is not host:port", key, addr)
		}
	}
	if c.Wire.Addr != "" && c.Wire.Addr == c.Metrics.Addr {
		return invalid("metrics.addr", "wire.addr and metrics.addr must differ")
	}
	return nil
}

// Engine returns the engine settings.
func (c *Config) Engine() core.Config {
	return core.Config{
		PluginsDir: c.Plugins.Dir,
		Autoload:   c.Plugins.Autoload,
		Agent:      c.Agent.Name,
		StorePath:  c.Store.Path,
	}
}

// EnsureStoreDir creates the directory holding the store database.
func (c *Config) EnsureStoreDir() error {
	dir := filepath.Dir(c.Store.Path)
	if _, err := os.Stat(dir); err == nil {
		return nil
	}
	return xdg.EnsureDir(dir)
}

// defaultFile returns the XDG config file, or "" when it does not exist.
func defaultFile() string {
	path, err := xdg.ConfigFile()
	if err != nil {
		return ""
	}
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

func invalid(key, format string, args ...any) error {
	return oops.In("config").Code(CodeInvalid).With("key", key).Errorf(format, args...)
}
