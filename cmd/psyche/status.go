// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/psychehost/psyche/internal/config"
)

// ServerStatus holds the health check results of a running server.
type ServerStatus struct {
	Addr  string `json:"addr"`
	Live  bool   `json:"live"`
	Ready bool   `json:"ready"`
	Error string `json:"error,omitempty"`
}

type statusConfig struct {
	addr       string
	jsonOutput bool
}

// NewStatusCmd creates the status subcommand.
func NewStatusCmd() *cobra.Command {
	cfg := &statusConfig{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the health of a running psyche server",
		Long:  `Query the liveness and readiness endpoints on the server's metrics address.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.addr, "metrics-addr", config.DefaultMetricsAddr, "metrics/health address of the server")
	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output status as JSON")

	return cmd
}

func runStatus(cmd *cobra.Command, cfg *statusConfig) error {
	status := queryStatus(&http.Client{Timeout: 2 * time.Second}, cfg.addr)

	if cfg.jsonOutput {
		data, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return oops.In("status").Wrapf(err, "marshal status")
		}
		cmd.Println(string(data))
	} else {
		cmd.Print(formatStatusTable(status))
	}

	if !status.Ready {
		return oops.In("status").Code("NOT_READY").With("addr", cfg.addr).Errorf("server is not ready")
	}
	return nil
}

func queryStatus(client *http.Client, addr string) ServerStatus {
	status := ServerStatus{Addr: addr}

	live, err := checkHealth(client, addr, "/healthz/liveness")
	if err != nil {
		status.Error = err.Error()
		return status
	}
	status.Live = live

	ready, err := checkHealth(client, addr, "/healthz/readiness")
	if err != nil {
		status.Error = err.Error()
		return status
	}
	status.Ready = ready
	return status
}

func checkHealth(client *http.Client, addr, path string) (bool, error) {
	resp, err := client.Get("http://" + addr + path)
	if err != nil {
		return false, fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK, nil
}

func formatStatusTable(s ServerStatus) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	_, _ = fmt.Fprintln(w, "ADDR\tLIVE\tREADY\tERROR")
	errText := "-"
	if s.Error != "" {
		errText = s.Error
	}
	_, _ = fmt.Fprintf(w, "%s\t%t\t%t\t%s\n", s.Addr, s.Live, s.Ready, errText)

	_ = w.Flush()
	return buf.String()
}
