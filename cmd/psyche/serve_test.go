// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psychehost/psyche/internal/core"
	"github.com/psychehost/psyche/internal/observability"
)

type fakeEngine struct {
	mu       sync.Mutex
	cfg      core.Config
	opts     int
	started  bool
	stopped  bool
	chats    []string
	startErr error
	chat     *core.Broadcaster
}

func (f *fakeEngine) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return f.startErr
}

func (f *fakeEngine) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeEngine) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started && !f.stopped
}

func (f *fakeEngine) Compute() error                { return nil }
func (f *fakeEngine) Interrupt() error              { return nil }
func (f *fakeEngine) Reload(context.Context) error  { return nil }
func (f *fakeEngine) ChatOutput() *core.Broadcaster { return f.chat }

func (f *fakeEngine) Chat(line string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats = append(f.chats, line)
	return nil
}

type fakeMetrics struct {
	startErr error
	stopped  bool
}

func (m *fakeMetrics) Start() (<-chan error, error) {
	if m.startErr != nil {
		return nil, m.startErr
	}
	return make(chan error), nil
}

func (m *fakeMetrics) Stop(context.Context) error {
	m.stopped = true
	return nil
}

func (m *fakeMetrics) Addr() string { return "fake" }

type serveFixture struct {
	engine  *fakeEngine
	metrics *fakeMetrics
	deps    *ServeDeps
	stdout  *bytes.Buffer
}

func newServeFixture(t *testing.T, stdin io.Reader) *serveFixture {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(home, "data"))

	f := &serveFixture{
		engine:  &fakeEngine{chat: core.NewBroadcaster()},
		metrics: &fakeMetrics{},
		stdout:  new(bytes.Buffer),
	}
	f.deps = &ServeDeps{
		EngineFactory: func(cfg core.Config, opts ...core.Option) Engine {
			f.engine.cfg = cfg
			f.engine.opts = len(opts)
			return f.engine
		},
		MetricsServerFactory: func(string, observability.ReadinessChecker, *slog.Logger) MetricsServer {
			return f.metrics
		},
		Stdin:     stdin,
		LogOutput: io.Discard,
	}
	return f
}

func (f *serveFixture) run(ctx context.Context, args ...string) error {
	cmd := NewServeCmd(f.deps)
	cmd.SetOut(f.stdout)
	cmd.SetErr(io.Discard)
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func TestServe_ConsoleQuitStopsEngine(t *testing.T) {
	f := newServeFixture(t, strings.NewReader("hello\nq\n"))

	err := f.run(context.Background(), "--wire-addr=", "--agent=echo", "--autoload=res_*")
	require.NoError(t, err)

	assert.True(t, f.engine.started)
	assert.True(t, f.engine.stopped)
	assert.Equal(t, []string{"hello"}, f.engine.chats)
	assert.Equal(t, "echo", f.engine.cfg.Agent)
	assert.Equal(t, []string{"res_*"}, f.engine.cfg.Autoload)
	assert.Equal(t, 1, f.engine.opts, "no wire server option when wire is disabled")
	assert.True(t, strings.HasSuffix(f.engine.cfg.StorePath, filepath.Join("psyche", "psyche.db")))
	assert.True(t, f.metrics.stopped)
}

func TestServe_WireServerOption(t *testing.T) {
	f := newServeFixture(t, strings.NewReader("q\n"))

	require.NoError(t, f.run(context.Background(), "--wire-addr=127.0.0.1:0", "--metrics-addr="))
	assert.Equal(t, 2, f.engine.opts)
	assert.False(t, f.metrics.stopped, "metrics disabled")
}

func TestServe_ContextCancelWithoutConsole(t *testing.T) {
	f := newServeFixture(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.run(ctx, "--console=false", "--wire-addr=") }()

	require.Eventually(t, f.engine.Running, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not stop on cancel")
	}
	assert.True(t, f.engine.stopped)
}

func TestServe_EngineStartFailure(t *testing.T) {
	f := newServeFixture(t, strings.NewReader("q\n"))
	f.engine.startErr = errors.New("store locked")

	err := f.run(context.Background(), "--wire-addr=")
	require.ErrorContains(t, err, "store locked")
	assert.False(t, f.engine.stopped, "a failed start is not stopped again")
}

func TestServe_MetricsStartFailureStopsEngine(t *testing.T) {
	f := newServeFixture(t, strings.NewReader("q\n"))
	f.metrics.startErr = errors.New("address in use")

	err := f.run(context.Background(), "--wire-addr=")
	require.ErrorContains(t, err, "address in use")
	assert.True(t, f.engine.stopped)
}

func TestServe_InvalidConfig(t *testing.T) {
	f := newServeFixture(t, strings.NewReader("q\n"))

	err := f.run(context.Background(), "--log-format=xml")
	require.Error(t, err)
	assert.False(t, f.engine.started)
}
