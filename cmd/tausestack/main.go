// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

// tausestack serves agent memory over MCP and manages federation
// credentials. Run "tausestack --help" for the command list.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tausestack/tausestack/cmd/tausestack/commands"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := commands.Root(os.Stdout).Execute(ctx, os.Args[1:])
	if err == nil {
		return 0
	}
	var exitCoder interface{ ExitCode() int }
	if errors.As(err, &exitCoder) {
		return exitCoder.ExitCode()
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return 1
}
