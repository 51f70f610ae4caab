// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package command

import (
	"github.com/samber/oops"

	"github.com/psychehost/psyche/pkg/errutil"
)

// Error codes for host command failures.
const (
	CodeMalformedCommand = "MALFORMED_COMMAND"
	CodeMissingField     = "MISSING_FIELD"
	CodeUnknownCommand   = "UNKNOWN_COMMAND"
	CodeCommandFailed    = "COMMAND_FAILED"
)

// ErrMalformedCommand creates an error for request data that is not a JSON
// object with a string name.
func ErrMalformedCommand(reason string, cause error) error {
	builder := oops.In("command").Code(CodeMalformedCommand).With("reason", reason)
	if cause != nil {
		return builder.Wrap(cause)
	}
	return builder.Errorf("malformed command: %s", reason)
}

// ErrMissingField creates an error for a required field that is absent or
// has the wrong type.
func ErrMissingField(cmd, field string) error {
	return oops.In("command").Code(CodeMissingField).
		With("command", cmd).
		With("field", field).
		Errorf("command %s requires string field %q", cmd, field)
}

// ErrUnknownCommand creates an error for an unknown command.
func ErrUnknownCommand(cmd string) error {
	return oops.In("command").Code(CodeUnknownCommand).
		With("command", cmd).
		Errorf("unknown command: %s", cmd)
}

// ErrCommandFailed wraps an unexpected failure while running cmd.
func ErrCommandFailed(cmd string, cause error) error {
	return oops.In("command").Code(CodeCommandFailed).
		With("command", cmd).
		Wrap(cause)
}

// IsParseError reports whether err means the command data could not be
// parsed: malformed JSON, no name, or a required field missing.
func IsParseError(err error) bool {
	return errutil.HasCode(err, CodeMalformedCommand) || errutil.HasCode(err, CodeMissingField)
}

// ClientMessage extracts the message sent back to the invoker. Internal
// failures are not described in detail.
func ClientMessage(err error) string {
	if err == nil {
		return "something went wrong"
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return "something went wrong"
	}

	switch oopsErr.Code() {
	case CodeUnknownCommand:
		return oopsErr.Error()
	default:
		return "something went wrong"
	}
}

// codeOf returns the oops code of err, or CodeCommandFailed.
func codeOf(err error) string {
	if oopsErr, ok := oops.AsOops(err); ok {
		if code, ok := oopsErr.Code().(string); ok && code != "" {
			return code
		}
	}
	return CodeCommandFailed
}
