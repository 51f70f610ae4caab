// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package core

import "github.com/samber/oops"

// Error codes for engine failures.
const (
	CodeStartFailed      = "ENGINE_START_FAILED"
	CodeNotStarted       = "ENGINE_NOT_STARTED"
	CodeNoAgent          = "NO_AGENT_CONFIGURED"
	CodeNotAnAgent       = "NOT_AN_AGENT"
	CodeInitializeFailed = "INITIALIZE_FAILED"
	CodeNoChatInput      = "NO_CHAT_INPUT"
)

// ErrStartFailed wraps a failure to bring up one engine component.
func ErrStartFailed(component string, cause error) error {
	return oops.In("engine").Code(CodeStartFailed).
		With("component", component).
		Wrapf(cause, "start %s", component)
}

// ErrNotStarted is returned by operations that need a running engine.
func ErrNotStarted() error {
	return oops.In("engine").Code(CodeNotStarted).Errorf("engine is not running")
}

// ErrNoAgent is returned when no agent name is configured.
func ErrNoAgent() error {
	return oops.In("engine").Code(CodeNoAgent).
		Hint("set agent.name in the config file or pass --agent").
		Errorf("no agent configured")
}

// ErrNotAnAgent is returned when the configured agent's manifest declares a
// different kind.
func ErrNotAnAgent(name string) error {
	return oops.In("engine").Code(CodeNotAnAgent).
		With("plugin", name).
		Errorf("plugin %s is not an agent", name)
}

// ErrInitializeFailed is returned when a plugin reports a failed
// initialization.
func ErrInitializeFailed(name string) error {
	return oops.In("engine").Code(CodeInitializeFailed).
		With("plugin", name).
		Errorf("plugin %s failed to initialize", name)
}

// ErrNoChatInput is returned when chat is sent before the agent has opened
// its input channel.
func ErrNoChatInput() error {
	return oops.In("engine").Code(CodeNoChatInput).
		Hint("the agent has not answered chat_in yet").
		Errorf("no chat input channel")
}
