// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package errutil_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psychehost/psyche/pkg/errutil"
)

func decodeEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestLogError_WithOopsError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	err := oops.Code("TARGET_UNAVAILABLE").
		With("target", "echo").
		Errorf("target unavailable")

	errutil.LogError(logger, "dispatch failed", err, "channel", int64(4))

	entry := decodeEntry(t, &buf)
	assert.Equal(t, "ERROR", entry["level"])
	assert.Equal(t, "dispatch failed", entry["msg"])
	assert.Equal(t, "TARGET_UNAVAILABLE", entry["code"])
	assert.EqualValues(t, 4, entry["channel"])
	ctx, ok := entry["context"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "echo", ctx["target"])
}

func TestLogError_WithStandardError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	errutil.LogError(logger, "operation failed", errors.New("standard error"))

	entry := decodeEntry(t, &buf)
	assert.Equal(t, "ERROR", entry["level"])
	assert.Contains(t, entry["error"], "standard error")
	assert.NotContains(t, entry, "code")
}

func TestLogWarn_UsesWarnLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	errutil.LogWarn(logger, "dropped", oops.Code("MISSING_FIELD").Errorf("no name"))

	entry := decodeEntry(t, &buf)
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "MISSING_FIELD", entry["code"])
}

func TestHasCode(t *testing.T) {
	base := oops.Code("NOT_LOADED").Errorf("plugin not loaded")

	tests := []struct {
		name string
		err  error
		code string
		want bool
	}{
		{"nil error", nil, "NOT_LOADED", false},
		{"matching code", base, "NOT_LOADED", true},
		{"other code", base, "ALREADY_LOADED", false},
		{"wrapped with fmt", fmt.Errorf("unload: %w", base), "NOT_LOADED", true},
		{"plain error", errors.New("boom"), "NOT_LOADED", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errutil.HasCode(tt.err, tt.code))
		})
	}
}
