// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasExpectedSubcommands(t *testing.T) {
	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--help"})

	require.NoError(t, cmd.Execute())

	for _, sub := range []string{"serve", "client", "validate", "schema", "migrate", "status"} {
		assert.Contains(t, buf.String(), sub, "help missing %q command", sub)
	}
}

func TestRootCommand_Version(t *testing.T) {
	cmd := NewRootCmd()
	cmd.Version = "1.2.3 (commit: abc, built: today)"
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--version"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "1.2.3 (commit: abc, built: today)")
}

func TestServeCommand_Flags(t *testing.T) {
	cmd := NewServeCmd(nil)
	for _, name := range []string{"config", "plugins-dir", "autoload", "agent", "wire-addr", "metrics-addr", "store-path", "log-format", "log-level", "console"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "missing flag %q", name)
	}
}
