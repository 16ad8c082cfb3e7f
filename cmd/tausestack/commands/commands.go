// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands builds the tausestack command tree.
package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/tausestack/tausestack/cmd/tausestack/cli"
	"github.com/tausestack/tausestack/lib/config"
	"github.com/tausestack/tausestack/lib/version"
)

// Root returns the command tree. Results go to stdout; help and logs
// go to stderr.
func Root(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name: "tausestack",
		Description: `TauseStack: agent memory over the Model Context Protocol.

Serve MCP tools backed by a tenant-scoped memory store, query other MCP
servers, and exchange memory with federated peers.`,
		Subcommands: []*cli.Command{
			mcpCommand(stdout),
			federationCommand(stdout),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func(_ context.Context, _ []string, _ *slog.Logger) error {
					_, err := fmt.Fprintf(stdout, "tausestack %s\n", version.Full())
					return err
				},
			},
		},
	}
}

// loadConfig reads path, or TAUSESTACK_CONFIG when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load()
	}
	return config.LoadFile(path)
}
