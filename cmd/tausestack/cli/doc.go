// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the command-line framework for the tausestack binary.
//
// A [Command] is a named node with optional [Command.Subcommands], a
// lazily built pflag FlagSet, and a Run function. [Command.Execute]
// routes to subcommands, parses flags, and prints structured help.
// Unknown commands and flags get a "did you mean" suggestion when an
// edit distance of at most 3 finds one.
//
// Commands return [ExitError] when they have already reported a
// failure and only need a non-zero exit status.
package cli
