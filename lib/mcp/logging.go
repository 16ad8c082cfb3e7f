// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"fmt"
	"log/slog"
	"slices"
)

// LoggingLevel is a syslog severity as MCP names them.
type LoggingLevel string

const (
	LevelDebug     LoggingLevel = "debug"
	LevelInfo      LoggingLevel = "info"
	LevelNotice    LoggingLevel = "notice"
	LevelWarning   LoggingLevel = "warning"
	LevelError     LoggingLevel = "error"
	LevelCritical  LoggingLevel = "critical"
	LevelAlert     LoggingLevel = "alert"
	LevelEmergency LoggingLevel = "emergency"
)

// levelOrder is least to most severe.
var levelOrder = []LoggingLevel{
	LevelDebug, LevelInfo, LevelNotice, LevelWarning,
	LevelError, LevelCritical, LevelAlert, LevelEmergency,
}

// ParseLoggingLevel validates a level name.
func ParseLoggingLevel(name string) (LoggingLevel, error) {
	level := LoggingLevel(name)
	if !slices.Contains(levelOrder, level) {
		return "", fmt.Errorf("unknown logging level %q", name)
	}
	return level, nil
}

// severity returns the level's rank, or -1 when unknown.
func (l LoggingLevel) severity() int {
	return slices.Index(levelOrder, l)
}

// AtLeast reports whether l is at least as severe as minimum.
func (l LoggingLevel) AtLeast(minimum LoggingLevel) bool {
	return l.severity() >= minimum.severity()
}

// SlogLevel maps l onto the nearest slog level, for mirroring client
// log notifications into the server's own log.
func (l LoggingLevel) SlogLevel() slog.Level {
	switch {
	case l.severity() <= LevelDebug.severity():
		return slog.LevelDebug
	case l.severity() <= LevelNotice.severity():
		return slog.LevelInfo
	case l == LevelWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
