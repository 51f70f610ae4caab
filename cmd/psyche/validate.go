// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package main

import (
	"os"
	"path/filepath"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/psychehost/psyche/internal/plugin"
)

// manifestReport is one line of validate --json output.
type manifestReport struct {
	Dir     string `json:"dir"`
	Name    string `json:"name,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Runtime string `json:"runtime,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NewValidateCmd creates the validate subcommand.
func NewValidateCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "validate <plugin-dir>...",
		Short: "Check plugin manifests",
		Long: `Validate the info.yaml or info.json manifest of each plugin directory
against the manifest schema and the loader rules.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reports := make([]manifestReport, 0, len(args))
			failed := 0
			for _, dir := range args {
				r := validateDir(dir)
				if r.Error != "" {
					failed++
				}
				reports = append(reports, r)
			}

			if asJSON {
				if err := printJSON(cmd, reports); err != nil {
					return err
				}
			} else {
				for _, r := range reports {
					if r.Error != "" {
						cmd.PrintErrf("FAIL %s: %s\n", r.Dir, r.Error)
						continue
					}
					cmd.Printf("ok   %s: %s (%s, %s)\n", r.Dir, r.Name, r.Kind, r.Runtime)
				}
			}

			if failed > 0 {
				return oops.In("validate").Code("INVALID_MANIFESTS").
					With("failed", failed).
					Errorf("%d of %d manifests failed validation", failed, len(args))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")

	return cmd
}

func validateDir(dir string) manifestReport {
	r := manifestReport{Dir: dir}

	for _, name := range []string{plugin.ManifestYAML, plugin.ManifestJSON} {
		data, err := os.ReadFile(filepath.Join(dir, name)) //nolint:gosec // operator supplied path
		if err != nil {
			continue
		}
		if err := plugin.ValidateSchema(data); err != nil {
			r.Error = plugin.FormatSchemaError(err)
			return r
		}
		break
	}

	m, err := plugin.ReadManifest(dir)
	if err != nil {
		r.Error = err.Error()
		return r
	}
	r.Name = m.Name
	r.Kind = string(m.Kind)
	r.Runtime = string(m.Runtime)
	return r
}
