// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

// Package bridge runs work on a single OS thread owned by a cooperative
// scheduler.
//
// Scripted plugins are not safe for concurrent use, so every call into them
// goes through the Bridge: synchronous calls block the caller until the task
// ran, deferred calls return immediately and release their guard once the
// task finished. A deferred task may return ErrYield to be resumed later.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/psychehost/psyche/internal/queue"
	"github.com/psychehost/psyche/pkg/errutil"
)

// Task is a unit of work executed on the scheduler thread. The context
// identifies the scheduler; pass it on to nested RunSynchronous calls.
type Task func(ctx context.Context) error

// Releaser is a guard held for the lifetime of a deferred task.
type Releaser interface {
	Release()
}

type job struct {
	fn    Task
	guard Releaser
	// done is nil for deferred jobs.
	done chan error
	stop bool
}

type schedulerKey struct{}

// Bridge owns the scheduler goroutine.
type Bridge struct {
	logger *slog.Logger
	q      *queue.Queue[*job]

	startOnce sync.Once
	stopOnce  sync.Once
	ready     chan struct{}
	done      chan struct{}
	started   atomic.Bool
	stopped   atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger used for deferred task failures.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New creates a Bridge. The scheduler starts on Start or on first use.
func New(opts ...Option) *Bridge {
	b := &Bridge{
		logger: slog.Default(),
		q:      queue.New[*job](),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.ctx, b.cancel = context.WithCancel(context.WithValue(context.Background(), schedulerKey{}, b))
	return b
}

// Start launches the scheduler and waits until it accepts work.
func (b *Bridge) Start(ctx context.Context) error {
	if b.stopped.Load() {
		return errStopped()
	}
	b.ensureStarted()
	return b.WaitUntilReady(ctx)
}

// WaitUntilReady blocks until the scheduler goroutine is running.
func (b *Bridge) WaitUntilReady(ctx context.Context) error {
	select {
	case <-b.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bridge) ensureStarted() {
	b.startOnce.Do(func() {
		b.started.Store(true)
		go b.loop()
	})
}

// OnScheduler reports whether ctx belongs to a task running on this bridge.
func (b *Bridge) OnScheduler(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	owner, _ := ctx.Value(schedulerKey{}).(*Bridge)
	return owner == b
}

// RunSynchronous runs fn on the scheduler and waits for it to finish.
// Called from a task already on the scheduler, fn runs inline.
func (b *Bridge) RunSynchronous(ctx context.Context, fn Task) error {
	if b.OnScheduler(ctx) {
		err := b.execute(ctx, fn)
		recordTask(ModeSync, statusOf(err))
		return errExecution(err)
	}
	if b.stopped.Load() {
		return errStopped()
	}
	b.ensureStarted()

	j := &job{fn: fn, done: make(chan error, 1)}
	if !b.q.Push(j) {
		return errStopped()
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call runs fn on the scheduler and returns its result.
func Call[T any](ctx context.Context, b *Bridge, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := b.RunSynchronous(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	return out, err
}

// ScheduleDeferred posts fn without waiting. guard, which may be nil, is
// released after fn has finished on the scheduler, or immediately if the
// bridge no longer accepts work.
func (b *Bridge) ScheduleDeferred(guard Releaser, fn Task) {
	if b.stopped.Load() {
		b.logger.Warn("deferred task posted after bridge stop")
		recordTask(ModeDeferred, StatusDropped)
		release(guard)
		return
	}
	b.ensureStarted()
	if !b.q.Push(&job{fn: fn, guard: guard}) {
		b.logger.Warn("deferred task posted after bridge stop")
		recordTask(ModeDeferred, StatusDropped)
		release(guard)
	}
}

// Stop runs everything already queued, then stops the scheduler and waits
// for it. Work re-queued after the stop request is released without running.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.stopped.Store(true)
		if !b.started.Load() {
			b.q.Close()
			b.cancel()
			return
		}
		b.q.Push(&job{stop: true})
		<-b.done
		b.cancel()
	})
}

func (b *Bridge) loop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(b.done)

	close(b.ready)
	for {
		j, ok := b.q.Pop(context.Background())
		if !ok {
			return
		}
		if j.stop {
			b.discard(b.q.Drain())
			return
		}
		b.run(j)
	}
}

func (b *Bridge) run(j *job) {
	err := b.execute(b.ctx, j.fn)

	if j.done != nil {
		recordTask(ModeSync, statusOf(err))
		j.done <- errExecution(err)
		return
	}

	if errors.Is(err, ErrYield) {
		recordTask(ModeDeferred, StatusYield)
		if !b.q.Push(j) {
			release(j.guard)
		}
		return
	}

	recordTask(ModeDeferred, statusOf(err))
	if err != nil {
		errutil.LogError(b.logger, "deferred task failed", errExecution(err))
	}
	release(j.guard)
}

func (b *Bridge) execute(ctx context.Context, fn Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errPanic(r)
		}
	}()
	return fn(ctx)
}

func (b *Bridge) discard(pending []*job) {
	for _, j := range pending {
		if j.stop {
			continue
		}
		recordTask(modeOf(j), StatusDropped)
		if j.done != nil {
			j.done <- errStopped()
			continue
		}
		release(j.guard)
	}
}

func release(guard Releaser) {
	if guard != nil {
		guard.Release()
	}
}

func statusOf(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}

func modeOf(j *job) string {
	if j.done != nil {
		return ModeSync
	}
	return ModeDeferred
}
