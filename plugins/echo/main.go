// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

// Command echo is a native agent that echoes what it is sent.
//
// Build it next to its manifest:
//
//	go build -o plugins/echo/echo ./plugins/echo
package main

import (
	"github.com/psychehost/psyche/pkg/pluginsdk"
)

func main() {
	pluginsdk.Serve(&pluginsdk.ServeConfig{Plugin: &Echo{}})
}
