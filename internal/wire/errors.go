// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package wire

import "github.com/samber/oops"

// Error codes for wire failures.
const (
	CodeMalformedFrame = "MALFORMED_FRAME"
	CodeListenFailed   = "LISTEN_FAILED"
)

// ErrMalformedFrame reports an inbound or outbound frame that cannot be
// decoded.
func ErrMalformedFrame(reason string, cause error) error {
	builder := oops.In("wire").Code(CodeMalformedFrame).With("reason", reason)
	if cause != nil {
		return builder.Wrapf(cause, "malformed frame: %s", reason)
	}
	return builder.Errorf("malformed frame: %s", reason)
}

// ErrListenFailed reports a listener that could not be bound.
func ErrListenFailed(addr string, cause error) error {
	return oops.In("wire").Code(CodeListenFailed).
		With("addr", addr).
		Wrapf(cause, "listen on %s", addr)
}
