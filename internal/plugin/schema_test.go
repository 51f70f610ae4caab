// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package plugin_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psychehost/psyche/internal/plugin"
)

func TestGenerateSchema(t *testing.T) {
	data, err := plugin.GenerateSchema()
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, plugin.SchemaID, doc["$id"])

	props, ok := doc["properties"].(map[string]any)
	require.True(t, ok)
	for _, key := range []string{"name", "kind", "runtime", "version", "native", "scripted"} {
		assert.Contains(t, props, key)
	}
	assert.ElementsMatch(t, []any{"name", "kind", "runtime"}, doc["required"])
}

func TestValidateSchema_Valid(t *testing.T) {
	for name, doc := range map[string]string{
		"yaml scripted": "name: chat_agent\nkind: agent\nruntime: scripted\nscripted:\n  entry: init.lua\n",
		"json native":   `{"name":"echo","kind":"resource","runtime":"native","version":"1.0.0"}`,
	} {
		t.Run(name, func(t *testing.T) {
			assert.NoError(t, plugin.ValidateSchema([]byte(doc)))
		})
	}
}

func TestValidateSchema_Invalid(t *testing.T) {
	tests := map[string]string{
		"missing runtime": "name: echo\nkind: agent\n",
		"bad kind":        "name: echo\nkind: tool\nruntime: native\n",
		"name too long":   "name: " + strings.Repeat("a", 65) + "\nkind: agent\nruntime: native\n",
		"bad name":        "name: Echo\nkind: agent\nruntime: native\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			err := plugin.ValidateSchema([]byte(doc))
			require.Error(t, err)
			assert.NotContains(t, plugin.FormatSchemaError(err), "schema validation failed: ")
		})
	}
}

func TestValidateSchema_Empty(t *testing.T) {
	assert.Error(t, plugin.ValidateSchema(nil))
}

func TestFormatSchemaError(t *testing.T) {
	assert.Empty(t, plugin.FormatSchemaError(nil))
	assert.Equal(t, "x", plugin.FormatSchemaError(errors.New("schema validation failed: x")))
}
