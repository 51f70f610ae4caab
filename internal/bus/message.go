// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package bus

import (
	"context"

	"github.com/psychehost/psyche/pkg/plugin"
)

// Message is one unit of work for the dispatcher. The concrete types are
// Invoke, Deliver, StopStream and Task.
type Message interface {
	messageType() string
}

// Invoke asks a plugin, or the host, to run a command.
type Invoke struct {
	Command plugin.InvokeCommand
}

// Deliver hands a payload to the callback registered on its channel.
type Deliver struct {
	Payload plugin.Payload
}

// StopStream closes a channel and optionally tells its producer to stop.
type StopStream struct {
	Command plugin.StopStreamCommand
}

// Task runs Fn on the dispatcher goroutine.
type Task struct {
	Fn func(ctx context.Context)
}

// exit stops the dispatcher once everything queued before it has run.
type exit struct{}

// Message type labels.
const (
	TypeInvoke     = "invoke"
	TypeDeliver    = "deliver"
	TypeStopStream = "stop_stream"
	TypeTask       = "task"
	typeExit       = "exit"
)

func (Invoke) messageType() string     { return TypeInvoke }
func (Deliver) messageType() string    { return TypeDeliver }
func (StopStream) messageType() string { return TypeStopStream }
func (Task) messageType() string       { return TypeTask }
func (exit) messageType() string       { return typeExit }
