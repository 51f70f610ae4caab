// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

// Package plugin defines the contract between the Psyche host and its plugins.
//
// A plugin is either an Agent, which takes part in multi-turn channel based
// interaction, or a Resource, which answers simpler requests. Both receive a
// Host at initialization and reply to invocations by sending Payloads tagged
// with the channel id they were invoked with.
package plugin

import "context"

// Kind identifies the role a plugin plays.
type Kind string

// Plugin kinds.
const (
	KindAgent    Kind = "agent"
	KindResource Kind = "resource"
)

// Runtime identifies how a plugin's code is executed.
type Runtime string

// Plugin runtimes.
const (
	// RuntimeNative plugins are independently built executables served over go-plugin.
	RuntimeNative Runtime = "native"
	// RuntimeScripted plugins are Lua scripts executed on the cooperative scheduler.
	RuntimeScripted Runtime = "scripted"
)

// Status is the outcome of plugin initialization.
type Status int

// Initialization results.
const (
	StatusSuccess Status = iota
	StatusError
)

// String returns the string representation of a Status.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// PayloadHandler receives payloads delivered to a registered channel.
type PayloadHandler func(Payload)

// Plugin is implemented by every plugin regardless of kind.
type Plugin interface {
	// Info returns a human readable description of the plugin.
	Info() string

	// Uninitialize releases everything the plugin acquired during Initialize.
	Uninitialize(ctx context.Context) error

	// Invoke handles a request sent on channel. Replies, if any, are sent
	// to channel through Host.SendPayload.
	Invoke(ctx context.Context, channel int64, data []byte, aux Value) error

	// StopStream tells the plugin to stop producing payloads for channel.
	StopStream(ctx context.Context, channel int64) error
}

// Agent is a plugin with the full agent lifecycle.
type Agent interface {
	Plugin
	Initialize(ctx context.Context, host AgentHost) Status
	PluginAdded(ctx context.Context, info string)
	PluginRemoved(ctx context.Context, name string)
}

// Resource is a plugin exposing request/response capability only.
type Resource interface {
	Plugin
	Initialize(ctx context.Context, host Host) Status
}

// Host is the capability interface handed to every plugin.
type Host interface {
	SendPayload(p Payload)
	OnInitialized(success bool)
}

// AgentHost is the capability interface handed to agents.
type AgentHost interface {
	Host
	NewChannelID() int64
	Invoke(cmd InvokeCommand)
	InvokeWithCallback(cmd InvokeCommand, handler PayloadHandler)
	RegisterCallback(channel int64, handler PayloadHandler)
	StopStream(cmd StopStreamCommand)
	// Schedule runs fn later on the host's dispatcher.
	Schedule(fn func())
}
