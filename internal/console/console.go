// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

// Package console drives the engine from an interactive terminal.
//
// Single letter lines are commands: q quits, c asks the agent to compute,
// i interrupts it and r reloads it. Every other line is sent to the agent
// as chat input. Agent chat output is printed as it arrives.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/psychehost/psyche/internal/core"
	"github.com/psychehost/psyche/pkg/errutil"
)

// Engine is the part of the engine the console drives.
type Engine interface {
	Compute() error
	Interrupt() error
	Reload(ctx context.Context) error
	Chat(line string) error
	ChatOutput() *core.Broadcaster
}

// Console reads commands from in and prints agent output to out.
type Console struct {
	engine Engine
	in     io.Reader
	logger *slog.Logger

	mu  sync.Mutex
	out io.Writer
}

// Option configures a Console.
type Option func(*Console)

// WithLogger sets the console logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Console) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a console.
func New(engine Engine, in io.Reader, out io.Writer, opts ...Option) *Console {
	c := &Console{
		engine: engine,
		in:     in,
		out:    out,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run processes input until q, end of input or ctx is done.
func (c *Console) Run(ctx context.Context) error {
	chat := c.engine.ChatOutput().Subscribe()
	defer c.engine.ChatOutput().Unsubscribe(chat)

	lineCh := make(chan string)
	errCh := make(chan error, 1)
	go func() {
		reader := bufio.NewReader(c.in)
		for {
			line, err := reader.ReadString('\n')
			if line != "" {
				select {
				case lineCh <- strings.TrimRight(line, "\r\n"):
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				errCh <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-errCh:
			if !errors.Is(err, io.EOF) {
				return err
			}
			return nil

		case line := <-lineCh:
			if quit := c.processLine(ctx, line); quit {
				return nil
			}

		case out, ok := <-chat:
			if !ok {
				chat = nil
				continue
			}
			c.printLine(out)
		}
	}
}

func (c *Console) processLine(ctx context.Context, line string) bool {
	var err error
	switch line {
	case "":
		return false
	case "q":
		return true
	case "c":
		err = c.engine.Compute()
	case "i":
		err = c.engine.Interrupt()
	case "r":
		if err = c.engine.Reload(ctx); err == nil {
			c.println("agent reloaded")
		}
	default:
		err = c.engine.Chat(line)
		if errutil.HasCode(err, core.CodeNoChatInput) {
			c.logger.Warn("chat input not ready, line dropped")
			c.println("agent is not ready for chat yet")
			return false
		}
	}
	if err != nil {
		errutil.LogError(c.logger, "console command failed", err, "line", line)
		c.println("error: " + err.Error())
	}
	return false
}

func (c *Console) printLine(line core.ChatLine) {
	marker := ">"
	if line.Error {
		marker = "!"
	}
	c.println(fmt.Sprintf("%s%s %s", line.Agent, marker, line.Text))
}

func (c *Console) println(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintln(c.out, s)
}
