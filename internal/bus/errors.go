// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package bus

import "github.com/samber/oops"

// Error codes for dispatch failures.
const (
	CodeTargetUnavailable = "TARGET_UNAVAILABLE"
)

// ErrTargetUnavailable creates an error for an invoke whose target is not
// loaded or not initialized.
func ErrTargetUnavailable(target string, channel int64) error {
	return oops.In("bus").Code(CodeTargetUnavailable).
		With("target", target).
		With("channel", channel).
		Errorf("target %s is unavailable", target)
}
