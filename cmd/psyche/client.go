// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/psychehost/psyche/internal/wire"
	pluginapi "github.com/psychehost/psyche/pkg/plugin"
)

// CodeRemoteError is returned when the last payload carries the error flag.
const CodeRemoteError = "REMOTE_ERROR"

type clientConfig struct {
	url      string
	to       string
	noReply  bool
	attempts uint64
	timeout  time.Duration
}

// NewClientCmd creates the client subcommand.
func NewClientCmd() *cobra.Command {
	cfg := &clientConfig{}

	cmd := &cobra.Command{
		Use:   "client [json-data]",
		Short: "Invoke a plugin or the host over the wire protocol",
		Long: `Connect to a running psyche server, invoke a target with the given JSON
data and print every payload until the final one. The default invokes
list_plugins on the host.`,
		Example: `  psyche client '{"name":"get_resource_info"}'
  psyche client --to echo '{"text":"hello"}'`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data := `{"name":"list_plugins"}`
			if len(args) == 1 {
				data = args[0]
			}
			return runClient(cmd.Context(), cmd, cfg, json.RawMessage(data))
		},
	}

	cmd.Flags().StringVar(&cfg.url, "url", "ws://127.0.0.1:8765", "server URL")
	cmd.Flags().StringVar(&cfg.to, "to", pluginapi.HostTarget, "invocation target")
	cmd.Flags().BoolVar(&cfg.noReply, "no-reply", false, "send without waiting for payloads")
	cmd.Flags().Uint64Var(&cfg.attempts, "attempts", 5, "dial attempts")
	cmd.Flags().DurationVar(&cfg.timeout, "timeout", 30*time.Second, "overall timeout")

	return cmd
}

func runClient(ctx context.Context, cmd *cobra.Command, cfg *clientConfig, data json.RawMessage) error {
	if !json.Valid(data) {
		return oops.In("client").Code("INVALID_DATA").
			Hint("quote the argument so the shell keeps it intact").
			Errorf("data is not valid JSON")
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	c, err := wire.Dial(ctx, cfg.url, wire.DialOptions{Attempts: cfg.attempts})
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	if cfg.noReply {
		return c.Invoke(ctx, pluginapi.NoReply, cfg.to, data)
	}

	channel, err := c.NewChannel(ctx)
	if err != nil {
		return err
	}
	if err := c.Invoke(ctx, channel, cfg.to, data); err != nil {
		return err
	}

	for {
		frame, err := c.Next(ctx)
		if err != nil {
			return err
		}
		if frame.Tag != wire.TagPayload || frame.Channel != channel {
			continue
		}
		if frame.Flags.Has(pluginapi.FlagError) {
			cmd.PrintErrln(string(frame.Data))
		} else {
			cmd.Println(string(frame.Data))
		}
		if !frame.IsFinal() {
			continue
		}
		if frame.Flags.Has(pluginapi.FlagError) {
			return oops.In("client").Code(CodeRemoteError).
				With("to", cfg.to).
				Errorf("%s reported an error", cfg.to)
		}
		return nil
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	cmd.Println(string(out))
	return nil
}
