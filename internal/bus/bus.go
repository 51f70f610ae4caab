// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

// Package bus routes messages between the host, plugins and remote clients.
//
// Producers enqueue messages from any goroutine; a single dispatcher
// goroutine pops them in order and either invokes a plugin or delivers a
// payload to the callback registered on its channel. Callbacks owned by
// scripted plugins run on the scheduler bridge instead of the dispatcher.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/psychehost/psyche/internal/bridge"
	"github.com/psychehost/psyche/internal/plugin"
	"github.com/psychehost/psyche/internal/queue"
	"github.com/psychehost/psyche/pkg/errutil"
	pluginapi "github.com/psychehost/psyche/pkg/plugin"
)

// Sender is the part of the bus available to the command handler.
type Sender interface {
	EnqueueMessage(msg Message)
	NewChannelID() int64
}

// CommandHandler serves invocations addressed to the "host" target.
type CommandHandler interface {
	Invoke(ctx context.Context, cmd pluginapi.InvokeCommand)
	StopStream(ctx context.Context, channel int64)
}

// Registry resolves plugin names to guarded handles.
type Registry interface {
	Acquire(name string) (*plugin.Handle, bool)
	AcquireLoad(name string, generation uint64) (*plugin.Handle, bool)
}

// Scheduler runs deferred work on the scripted plugin thread.
type Scheduler interface {
	ScheduleDeferred(guard bridge.Releaser, fn bridge.Task)
}

// ScriptedHandler turns a payload into a task for the scheduler thread.
type ScriptedHandler func(p pluginapi.Payload) bridge.Task

type callback struct {
	handler    pluginapi.PayloadHandler
	scripted   ScriptedHandler
	owner      string
	generation uint64
}

// Bus is the message dispatcher.
type Bus struct {
	logger    *slog.Logger
	registry  Registry
	scheduler Scheduler
	commands  CommandHandler
	channels  Allocator
	q         *queue.Queue[Message]

	mu        sync.RWMutex
	callbacks map[int64]*callback

	running   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithCommandHandler installs the handler for the "host" target. The
// factory receives the bus so the handler can reply without holding a
// reference to the concrete type.
func WithCommandHandler(factory func(Sender) CommandHandler) Option {
	return func(b *Bus) {
		b.commands = factory(b)
	}
}

// New creates a Bus. Call Start to begin dispatching.
func New(registry Registry, scheduler Scheduler, opts ...Option) *Bus {
	b := &Bus{
		logger:    slog.Default(),
		registry:  registry,
		scheduler: scheduler,
		q:         queue.New[Message](),
		callbacks: make(map[int64]*callback),
		done:      make(chan struct{}),
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start launches the dispatcher goroutine.
func (b *Bus) Start() {
	b.startOnce.Do(func() {
		b.running.Store(true)
		go b.loop()
	})
}

// Running reports whether the dispatcher is processing messages.
func (b *Bus) Running() bool {
	return b.running.Load()
}

// Stop lets the dispatcher finish everything queued so far, waits for it
// and clears every callback registration. The scheduler bridge must still
// be running when Stop is called.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		started := false
		b.startOnce.Do(func() {})
		if b.running.Load() {
			started = true
			b.q.Push(exit{})
			<-b.done
		}
		b.q.Close()
		b.cancel()

		b.mu.Lock()
		n := len(b.callbacks)
		clear(b.callbacks)
		b.mu.Unlock()
		b.logger.Debug("bus stopped", "cleared_callbacks", n, "was_running", started)
	})
}

// NewChannelID allocates a fresh channel id.
func (b *Bus) NewChannelID() int64 {
	return b.channels.Next()
}

// EnqueueMessage queues msg for dispatch. It never blocks.
func (b *Bus) EnqueueMessage(msg Message) {
	if msg == nil {
		return
	}
	if !b.q.Push(msg) {
		recordDrop(DropStopped)
		b.logger.Debug("message enqueued after bus stop", "type", msg.messageType())
	}
}

// Pending returns the number of queued messages.
func (b *Bus) Pending() int {
	return b.q.Len()
}

// RegisterCallback routes payloads on channel to handler, replacing any
// earlier registration.
func (b *Bus) RegisterCallback(channel int64, handler pluginapi.PayloadHandler) {
	b.setCallback(channel, &callback{handler: handler})
}

// RegisterScriptedCallback routes payloads on channel to a handler owned by
// a scripted plugin. The handler only runs while owner is still the load
// identified by generation.
func (b *Bus) RegisterScriptedCallback(channel int64, owner string, generation uint64, handler ScriptedHandler) {
	b.setCallback(channel, &callback{scripted: handler, owner: owner, generation: generation})
}

func (b *Bus) setCallback(channel int64, cb *callback) {
	b.mu.Lock()
	b.callbacks[channel] = cb
	b.mu.Unlock()
}

// RemoveCallback drops the registration on channel, if any.
func (b *Bus) RemoveCallback(channel int64) {
	b.mu.Lock()
	delete(b.callbacks, channel)
	b.mu.Unlock()
}

// HasCallback reports whether channel has a registration.
func (b *Bus) HasCallback(channel int64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.callbacks[channel]
	return ok
}

func (b *Bus) loop() {
	defer close(b.done)
	for {
		msg, ok := b.q.Pop(context.Background())
		if !ok {
			b.running.Store(false)
			return
		}
		if _, isExit := msg.(exit); isExit {
			b.running.Store(false)
			return
		}
		b.dispatch(msg)
	}
}

func (b *Bus) dispatch(msg Message) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			recordDrop(DropPanic)
			b.logger.Error("message handler panicked",
				"type", msg.messageType(),
				"panic", r)
		}
		recordDispatch(msg.messageType(), time.Since(start))
	}()

	switch m := msg.(type) {
	case Invoke:
		b.handleInvoke(m.Command)
	case Deliver:
		b.handleDeliver(m.Payload)
	case StopStream:
		b.handleStopStream(m.Command)
	case Task:
		if m.Fn != nil {
			m.Fn(b.ctx)
		}
	default:
		b.logger.Warn("unknown message type", "type", msg.messageType())
	}
}

func (b *Bus) handleInvoke(cmd pluginapi.InvokeCommand) {
	if cmd.Target == pluginapi.HostTarget {
		if b.commands == nil {
			recordDrop(DropNoHandler)
			b.logger.Warn("invoke for host without a command handler", "channel", cmd.SenderChannel)
			return
		}
		b.commands.Invoke(b.ctx, cmd)
		return
	}

	h, ok := b.registry.Acquire(cmd.Target)
	if !ok {
		b.dropUnavailable(cmd.Target, cmd.SenderChannel)
		return
	}
	if !h.Initialized() {
		h.Release()
		b.dropUnavailable(cmd.Target, cmd.SenderChannel)
		return
	}

	if deferred, ok := h.Plugin().(plugin.DeferredInvoker); ok {
		handOff(h, func() {
			deferred.InvokeDeferred(h, cmd.SenderChannel, cmd.Data, cmd.Aux)
		})
		return
	}

	defer h.Release()
	if err := h.Plugin().Invoke(b.ctx, cmd.SenderChannel, cmd.Data, cmd.Aux); err != nil {
		errutil.LogError(b.logger, "plugin invoke failed", err,
			"plugin", cmd.Target,
			"channel", cmd.SenderChannel)
	}
}

func (b *Bus) dropUnavailable(target string, channel int64) {
	recordDrop(DropTargetUnavailable)
	errutil.LogWarn(b.logger, "invoke dropped", ErrTargetUnavailable(target, channel))
}

func (b *Bus) handleDeliver(p pluginapi.Payload) {
	b.mu.RLock()
	cb, ok := b.callbacks[p.ReceiverChannel]
	b.mu.RUnlock()
	if !ok {
		recordDrop(DropNoCallback)
		return
	}

	if p.IsFinal() {
		b.mu.Lock()
		if b.callbacks[p.ReceiverChannel] == cb {
			delete(b.callbacks, p.ReceiverChannel)
		}
		b.mu.Unlock()
	}

	if cb.scripted == nil {
		cb.handler(p)
		return
	}

	task := cb.scripted(p)
	h, ok := b.registry.AcquireLoad(cb.owner, cb.generation)
	if !ok {
		b.mu.Lock()
		if b.callbacks[p.ReceiverChannel] == cb {
			delete(b.callbacks, p.ReceiverChannel)
		}
		b.mu.Unlock()
		recordDrop(DropStaleOwner)
		b.logger.Debug("dropping payload for unloaded owner",
			"plugin", cb.owner,
			"channel", p.ReceiverChannel)
		return
	}
	handOff(h, func() {
		b.scheduler.ScheduleDeferred(h, task)
	})
}

// handOff runs fn, which takes ownership of h. If fn panics before
// returning, h is released here.
func handOff(h *plugin.Handle, fn func()) {
	done := false
	defer func() {
		if !done {
			h.Release()
		}
	}()
	fn()
	done = true
}

func (b *Bus) handleStopStream(cmd pluginapi.StopStreamCommand) {
	b.RemoveCallback(cmd.Channel)
	if cmd.Target == "" {
		return
	}

	if cmd.Target == pluginapi.HostTarget {
		if b.commands != nil {
			b.commands.StopStream(b.ctx, cmd.Channel)
		}
		return
	}

	h, ok := b.registry.Acquire(cmd.Target)
	if !ok {
		b.logger.Debug("stop stream for unavailable target",
			"target", cmd.Target,
			"channel", cmd.Channel)
		return
	}
	if deferred, ok := h.Plugin().(plugin.DeferredInvoker); ok {
		handOff(h, func() {
			deferred.StopStreamDeferred(h, cmd.Channel)
		})
		return
	}

	defer h.Release()
	if err := h.Plugin().StopStream(b.ctx, cmd.Channel); err != nil {
		errutil.LogError(b.logger, "plugin stop stream failed", err,
			"plugin", cmd.Target,
			"channel", cmd.Channel)
	}
}
