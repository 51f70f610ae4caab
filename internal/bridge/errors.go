// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package bridge

import (
	"errors"

	"github.com/samber/oops"
)

// Error codes returned by the bridge.
const (
	CodeExecutionFailed = "BRIDGE_EXECUTION_FAILED"
	CodeStopped         = "BRIDGE_STOPPED"
)

// ErrYield is returned by a deferred task that wants to give up the scheduler.
// The task is queued again behind everything already posted, with its guard
// still held.
var ErrYield = errors.New("bridge: task yielded")

func errStopped() error {
	return oops.In("bridge").Code(CodeStopped).Errorf("bridge is stopped")
}

func errExecution(err error) error {
	if err == nil {
		return nil
	}
	// Errors that already carry a code keep it so callers can tell a plugin
	// failure from a scheduler failure.
	if o, ok := oops.AsOops(err); ok && o.Code() != nil && o.Code() != "" {
		return err
	}
	return oops.In("bridge").Code(CodeExecutionFailed).Wrap(err)
}

func errPanic(r any) error {
	return oops.In("bridge").Code(CodeExecutionFailed).
		With("panic", r).
		Errorf("task panicked: %v", r)
}
