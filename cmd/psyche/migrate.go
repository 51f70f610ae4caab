// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package main

import (
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/psychehost/psyche/internal/config"
	"github.com/psychehost/psyche/internal/store"
)

// NewMigrateCmd creates the migrate subcommand. serve migrates on open, so
// this is for inspecting or rolling back the record store.
func NewMigrateCmd() *cobra.Command {
	var storePath string

	cmd := &cobra.Command{
		Use:       "migrate [up|down|status]",
		Short:     "Manage record store migrations",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"up", "down", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			action := "status"
			if len(args) == 1 {
				action = args[0]
			}
			return runMigrate(cmd, storePath, action)
		},
	}

	cmd.Flags().StringVar(&storePath, "store-path", "", "record store database (default: XDG_DATA_HOME/psyche/psyche.db)")

	return cmd
}

func runMigrate(cmd *cobra.Command, storePath, action string) error {
	if storePath == "" {
		cfg, err := config.Load(cmd.Flags(), "")
		if err != nil {
			return err
		}
		storePath = cfg.Store.Path
		if err := cfg.EnsureStoreDir(); err != nil {
			return err
		}
	}

	m, err := store.NewMigrator(storePath)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()

	switch action {
	case "up":
		if err := m.Up(); err != nil {
			return err
		}
		cmd.Println("Migrations applied")
	case "down":
		if err := m.Down(); err != nil {
			return err
		}
		cmd.Println("Migrations rolled back")
	case "status":
	default:
		return oops.In("migrate").Code("UNKNOWN_ACTION").
			With("action", action).
			Errorf("unknown action %q, want up, down or status", action)
	}

	version, dirty, err := m.Version()
	if err != nil {
		return err
	}
	pending, err := m.PendingMigrations()
	if err != nil {
		return err
	}
	cmd.Printf("store: %s\nversion: %d (dirty: %t)\n", storePath, version, dirty)
	for _, mig := range pending {
		cmd.Printf("pending: %s\n", mig.Name)
	}
	return nil
}
