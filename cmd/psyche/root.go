// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package main

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command for the psyche CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "psyche",
		Short: "Psyche - a plugin host for conversational agents",
		Long: `Psyche loads agent and resource plugins, routes messages between them
over a single message bus and exposes the bus to remote clients over
WebSocket.`,
		SilenceUsage: true,
	}

	cmd.AddCommand(NewServeCmd(nil))
	cmd.AddCommand(NewClientCmd())
	cmd.AddCommand(NewValidateCmd())
	cmd.AddCommand(NewSchemaCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewStatusCmd())

	return cmd
}
