// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package plugin

import (
	"github.com/samber/oops"
)

// Error codes for registry and loader failures.
const (
	CodeManifestError  = "MANIFEST_ERROR"
	CodeAlreadyLoaded  = "ALREADY_LOADED"
	CodeFileNotFound   = "FILE_NOT_FOUND"
	CodeInvalidPlugin  = "INVALID_PLUGIN"
	CodeNotLoaded      = "NOT_LOADED"
	CodeTeardownFailed = "TEARDOWN_FAILED"
)

// ErrManifest creates an error for a missing or malformed manifest.
func ErrManifest(dir string, cause error) error {
	return oops.In("plugin").Code(CodeManifestError).
		With("dir", dir).
		Hint("every plugin directory needs an info.yaml or info.json with name, kind and runtime").
		Wrap(cause)
}

// ErrAlreadyLoaded creates an error for a duplicate load.
func ErrAlreadyLoaded(name string) error {
	return oops.In("plugin").Code(CodeAlreadyLoaded).
		With("plugin", name).
		Errorf("plugin %s is already loaded", name)
}

// ErrFileNotFound creates an error for a missing plugin artifact.
func ErrFileNotFound(name, path string) error {
	return oops.In("plugin").Code(CodeFileNotFound).
		With("plugin", name).
		With("path", path).
		Errorf("plugin file not found: %s", path)
}

// ErrInvalidPlugin creates an error for an artifact that could not be turned
// into a plugin instance.
func ErrInvalidPlugin(name string, cause error) error {
	return oops.In("plugin").Code(CodeInvalidPlugin).
		With("plugin", name).
		Wrap(cause)
}

// ErrInvalidPluginf is ErrInvalidPlugin with a formatted message.
func ErrInvalidPluginf(name, format string, args ...any) error {
	return oops.In("plugin").Code(CodeInvalidPlugin).
		With("plugin", name).
		Errorf(format, args...)
}

// ErrNotLoaded creates an error for an operation on an unknown plugin.
func ErrNotLoaded(name string) error {
	return oops.In("plugin").Code(CodeNotLoaded).
		With("plugin", name).
		Errorf("plugin %s is not loaded", name)
}

// ErrTeardownFailed creates an error for a failed module release.
func ErrTeardownFailed(name string, cause error) error {
	return oops.In("plugin").Code(CodeTeardownFailed).
		With("plugin", name).
		Wrap(cause)
}
