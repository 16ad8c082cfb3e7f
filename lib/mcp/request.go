// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/tausestack/tausestack/lib/jsonrpc"
)

// ToolRequest is one tools/call as seen by its handler.
type ToolRequest struct {
	Name      string
	Arguments json.RawMessage
	Session   SessionInfo

	session       *serverSession
	progressToken json.RawMessage
}

// Bind unmarshals the arguments into v. Missing arguments bind as an
// empty object. Malformed arguments are a validation error.
func (r *ToolRequest) Bind(v any) error {
	arguments := r.Arguments
	if len(arguments) == 0 || string(arguments) == "null" {
		arguments = json.RawMessage("{}")
	}
	if err := json.Unmarshal(arguments, v); err != nil {
		return Validation("invalid arguments for %s: %w", r.Name, err)
	}
	return nil
}

var errNoSession = errors.New("mcp: request is not attached to a session")

// Notify sends a notification to the calling client.
func (r *ToolRequest) Notify(ctx context.Context, method string, params any) error {
	if r.session == nil {
		return errNoSession
	}
	notification, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	data, err := notification.Encode()
	if err != nil {
		return err
	}
	return r.session.conn.Write(ctx, data)
}

// Log sends notifications/message when level meets the minimum the
// client set with logging/setLevel.
func (r *ToolRequest) Log(ctx context.Context, level LoggingLevel, data any) error {
	if r.session == nil || !level.AtLeast(r.session.minimumLogLevel()) {
		return nil
	}
	return r.Notify(ctx, NotificationMessage, LoggingMessageParams{
		Level:  level,
		Logger: r.Name,
		Data:   data,
	})
}

// Progress sends notifications/progress if the client asked for it.
func (r *ToolRequest) Progress(ctx context.Context, progress, total float64, message string) error {
	if len(r.progressToken) == 0 {
		return nil
	}
	return r.Notify(ctx, NotificationProgress, ProgressParams{
		ProgressToken: r.progressToken,
		Progress:      progress,
		Total:         total,
		Message:       message,
	})
}

// ResourceRequest is one resources/read.
type ResourceRequest struct {
	URI     string
	Session SessionInfo
}

// PromptRequest is one prompts/get. Required arguments have been
// checked.
type PromptRequest struct {
	Name      string
	Arguments map[string]string
	Session   SessionInfo
}
