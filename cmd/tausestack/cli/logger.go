// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"
)

// NewCommandLogger logs to stderr at level: text on a terminal, JSON
// when stderr is piped (as it is when an MCP client launches us).
func NewCommandLogger(level slog.Level) *slog.Logger {
	return NewLogger(os.Stderr, level, "auto")
}

// NewLogger builds a logger for format auto, text, or json. Auto
// checks whether w is a terminal.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	options := &slog.HandlerOptions{Level: level}
	if format == "auto" {
		format = "json"
		if file, ok := w.(*os.File); ok && term.IsTerminal(int(file.Fd())) {
			format = "text"
		}
	}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, options))
	}
	return slog.New(slog.NewJSONHandler(w, options))
}
