// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

// Package command implements the host command handler, the built-in target
// named "host" that serves JSON commands such as API key management and
// plugin listings.
package command

import (
	"context"
	"log/slog"
	"time"

	"github.com/psychehost/psyche/internal/bus"
	"github.com/psychehost/psyche/internal/plugin"
	"github.com/psychehost/psyche/internal/store"
	"github.com/psychehost/psyche/pkg/errutil"
	pluginapi "github.com/psychehost/psyche/pkg/plugin"
)

// KeyStore persists API keys.
type KeyStore interface {
	AddAPIKey(ctx context.Context, key string) (bool, error)
	RemoveAPIKey(ctx context.Context, key string) (bool, error)
	APIKeys(ctx context.Context) ([]store.APIKey, error)
}

// PluginLister lists the loaded plugins.
type PluginLister interface {
	List() []plugin.Info
}

// Handler serves invocations addressed to the host target.
type Handler struct {
	sender   bus.Sender
	keys     KeyStore
	plugins  PluginLister
	commands *Registry
	logger   *slog.Logger
}

var _ bus.CommandHandler = (*Handler)(nil)

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the handler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithCommand registers an additional command.
func WithCommand(entry Entry) Option {
	return func(h *Handler) {
		h.commands.Register(entry)
	}
}

// NewHandler creates a handler replying through sender.
func NewHandler(sender bus.Sender, keys KeyStore, plugins PluginLister, opts ...Option) *Handler {
	h := &Handler{
		sender:   sender,
		keys:     keys,
		plugins:  plugins,
		commands: NewRegistry(),
		logger:   slog.Default(),
	}
	h.registerBuiltins()
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Factory adapts NewHandler to bus.WithCommandHandler.
func Factory(keys KeyStore, plugins PluginLister, opts ...Option) func(bus.Sender) bus.CommandHandler {
	return func(sender bus.Sender) bus.CommandHandler {
		return NewHandler(sender, keys, plugins, opts...)
	}
}

// Commands returns the registered commands.
func (h *Handler) Commands() []Entry {
	return h.commands.All()
}

// Invoke parses and runs one command. Parse errors, including missing or
// mistyped fields, are logged and the command is dropped without a reply.
// Other failures are sent back as a final error payload when the invoker
// expects a reply.
func (h *Handler) Invoke(ctx context.Context, cmd pluginapi.InvokeCommand) {
	resp := &Responder{sender: h.sender, channel: cmd.SenderChannel}

	req, err := ParseRequest(cmd)
	if err != nil {
		RecordCommandExecution("", StatusMalformed)
		errutil.LogWarn(h.logger, "dropping malformed host command", err, "channel", cmd.SenderChannel)
		return
	}

	entry, ok := h.commands.Get(req.Name)
	if !ok {
		err := ErrUnknownCommand(req.Name)
		RecordCommandExecution(req.Name, StatusNotFound)
		errutil.LogWarn(h.logger, "unknown host command", err, "channel", cmd.SenderChannel)
		resp.Error(err)
		return
	}

	start := time.Now()
	err = entry.Fn(ctx, req, resp)
	RecordCommandDuration(req.Name, time.Since(start))
	if IsParseError(err) {
		RecordCommandExecution(req.Name, StatusMalformed)
		errutil.LogWarn(h.logger, "dropping malformed host command", err, "command", req.Name, "channel", cmd.SenderChannel)
		return
	}
	if err != nil {
		RecordCommandExecution(req.Name, StatusError)
		errutil.LogWarn(h.logger, "host command failed", err, "command", req.Name, "channel", cmd.SenderChannel)
		resp.Error(err)
		return
	}
	RecordCommandExecution(req.Name, StatusSuccess)
}

// StopStream is a no-op; host commands do not stream.
func (h *Handler) StopStream(context.Context, int64) {}
