// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pluginDir(t *testing.T, file, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(body), 0o600))
	return dir
}

func runValidate(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := NewValidateCmd()
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestValidate_ValidManifests(t *testing.T) {
	yamlDir := pluginDir(t, "info.yaml", "name: echo\nkind: agent\nruntime: native\n")
	jsonDir := pluginDir(t, "info.json", `{"name":"kv","kind":"resource","runtime":"scripted"}`)

	stdout, _, err := runValidate(t, yamlDir, jsonDir)
	require.NoError(t, err)
	assert.Contains(t, stdout, "echo (agent, native)")
	assert.Contains(t, stdout, "kv (resource, scripted)")
}

func TestValidate_Failures(t *testing.T) {
	good := pluginDir(t, "info.yaml", "name: echo\nkind: agent\nruntime: native\n")
	badKind := pluginDir(t, "info.yaml", "name: echo\nkind: robot\nruntime: native\n")
	empty := t.TempDir()

	_, stderr, err := runValidate(t, good, badKind, empty)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 of 3")
	assert.Contains(t, stderr, "FAIL "+badKind)
	assert.Contains(t, stderr, "FAIL "+empty)
}

func TestValidate_JSONOutput(t *testing.T) {
	dir := pluginDir(t, "info.yaml", "name: echo\nkind: agent\nruntime: native\n")

	stdout, _, err := runValidate(t, "--json", dir)
	require.NoError(t, err)

	var reports []manifestReport
	require.NoError(t, json.Unmarshal([]byte(stdout), &reports))
	require.Len(t, reports, 1)
	assert.Equal(t, manifestReport{Dir: dir, Name: "echo", Kind: "agent", Runtime: "native"}, reports[0])
}

func TestValidate_RequiresArgument(t *testing.T) {
	_, _, err := runValidate(t)
	require.Error(t, err)
}

func TestSchema_Stdout(t *testing.T) {
	cmd := NewSchemaCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--out", "-"})

	require.NoError(t, cmd.Execute())
	assert.True(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
	assert.Contains(t, buf.String(), "Psyche Plugin Manifest")
}

func TestSchema_File(t *testing.T) {
	out := filepath.Join(t.TempDir(), "schemas", "plugin.schema.json")
	cmd := NewSchemaCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"-o", out})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "Generated "+out)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.True(t, json.Valid(data))
}
