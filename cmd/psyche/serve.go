// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/psychehost/psyche/internal/bridge"
	"github.com/psychehost/psyche/internal/bus"
	"github.com/psychehost/psyche/internal/command"
	"github.com/psychehost/psyche/internal/config"
	"github.com/psychehost/psyche/internal/console"
	"github.com/psychehost/psyche/internal/core"
	"github.com/psychehost/psyche/internal/logging"
	"github.com/psychehost/psyche/internal/observability"
	"github.com/psychehost/psyche/internal/plugin"
	"github.com/psychehost/psyche/internal/wire"
)

const shutdownTimeout = 10 * time.Second

// Engine is what serve drives. *core.Engine implements it.
type Engine interface {
	console.Engine
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Running() bool
}

// MetricsServer is the metrics and health endpoint.
type MetricsServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
}

// ServeDeps contains injectable dependencies for the serve command.
// Nil fields use their default implementations.
type ServeDeps struct {
	// EngineFactory builds the engine. Default: core.New.
	EngineFactory func(cfg core.Config, opts ...core.Option) Engine

	// MetricsServerFactory builds the metrics server. Default:
	// observability.NewServer with every package's collectors.
	MetricsServerFactory func(addr string, ready observability.ReadinessChecker, logger *slog.Logger) MetricsServer

	// Stdin feeds the console. Default: os.Stdin.
	Stdin io.Reader

	// LogOutput receives log records. Default: os.Stderr.
	LogOutput io.Writer
}

func (d *ServeDeps) withDefaults() *ServeDeps {
	out := ServeDeps{}
	if d != nil {
		out = *d
	}
	if out.EngineFactory == nil {
		out.EngineFactory = func(cfg core.Config, opts ...core.Option) Engine {
			return core.New(cfg, opts...)
		}
	}
	if out.MetricsServerFactory == nil {
		out.MetricsServerFactory = newMetricsServer
	}
	if out.Stdin == nil {
		out.Stdin = os.Stdin
	}
	if out.LogOutput == nil {
		out.LogOutput = os.Stderr
	}
	return &out
}

func newMetricsServer(addr string, ready observability.ReadinessChecker, logger *slog.Logger) MetricsServer {
	return observability.NewServer(addr, ready,
		observability.WithLogger(logger),
		observability.WithBuildInfo(version),
		observability.WithRegistrations(
			bus.RegisterMetrics,
			bridge.RegisterMetrics,
			plugin.RegisterMetrics,
			command.RegisterMetrics,
			wire.RegisterMetrics,
		),
	)
}

// NewServeCmd creates the serve subcommand.
func NewServeCmd(deps *ServeDeps) *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the plugin host",
		Long: `Start the engine: open the record store, load the autoload plugins,
start the configured agent and serve the wire protocol. Console commands
are read from stdin: q quits, c computes, i interrupts, r reloads the
agent, and any other line is sent to the agent as chat.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags(), configFile)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cmd, cfg, deps.withDefaults())
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "config file (default: XDG_CONFIG_HOME/psyche/config.yaml)")
	config.RegisterFlags(cmd.Flags())

	return cmd
}

func runServe(ctx context.Context, cmd *cobra.Command, cfg *config.Config, deps *ServeDeps) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger := logging.Setup("psyche", version, cfg.Log.Format, level, deps.LogOutput)
	slog.SetDefault(logger)

	if err := cfg.EnsureStoreDir(); err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	opts := []core.Option{core.WithLogger(logger)}
	if cfg.Wire.Addr != "" {
		opts = append(opts, core.WithServer(func(b *bus.Bus) core.Server {
			return wire.NewServer(cfg.Wire.Addr, b, wire.WithLogger(logger))
		}))
	}
	engine := deps.EngineFactory(cfg.Engine(), opts...)

	logger.Info("starting psyche",
		"plugins_dir", cfg.Plugins.Dir,
		"agent", cfg.Agent.Name,
		"wire_addr", cfg.Wire.Addr,
		"store", cfg.Store.Path,
	)
	if err := engine.Start(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := engine.Stop(shutdownCtx); err != nil {
			logger.Warn("engine shutdown incomplete", "error", err)
		}
		logger.Info("shutdown complete")
	}()

	if cfg.Metrics.Addr != "" {
		metrics := deps.MetricsServerFactory(cfg.Metrics.Addr, engine.Running, logger)
		errCh, err := metrics.Start()
		if err != nil {
			return oops.In("serve").With("addr", cfg.Metrics.Addr).Wrapf(err, "start metrics server")
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()
			if err := metrics.Stop(shutdownCtx); err != nil {
				logger.Warn("error stopping metrics server", "error", err)
			}
		}()
		go monitorServerErrors(ctx, cancel, errCh, "metrics", logger)
	}

	if cfg.Console.Enabled {
		c := console.New(engine, deps.Stdin, cmd.OutOrStdout(), console.WithLogger(logger))
		go func() {
			if err := c.Run(ctx); err != nil {
				logger.Warn("console stopped", "error", err)
			}
			cancel()
		}()
	}

	logger.Info("psyche ready")
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// monitorServerErrors cancels ctx when the server reports an error.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, server string, logger *slog.Logger) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			logger.Error("server error, triggering shutdown", "server", server, "error", err)
			cancel()
		}
	case <-ctx.Done():
	}
}
