// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCategory classifies tool failures so that clients can decide
// whether to retry, fix their input, or escalate without parsing the
// message.
type ErrorCategory string

const (
	// CategoryValidation: the caller's input is wrong. Fix it and retry.
	CategoryValidation ErrorCategory = "validation"

	// CategoryNotFound: a referenced entry or peer does not exist.
	CategoryNotFound ErrorCategory = "not_found"

	// CategoryForbidden: the caller or a peer lacks permission.
	CategoryForbidden ErrorCategory = "forbidden"

	// CategoryConflict: the operation collides with existing state.
	CategoryConflict ErrorCategory = "conflict"

	// CategoryTransient: network failure, timeout, or rate limit. Back
	// off and retry.
	CategoryTransient ErrorCategory = "transient"

	// CategoryInternal: a bug or unexpected I/O failure.
	CategoryInternal ErrorCategory = "internal"
)

// ToolError is a categorized error returned by tool handlers. Error
// returns the wrapped message alone; the category travels in the
// result's errorInfo.
type ToolError struct {
	Category ErrorCategory
	Err      error
}

func (e *ToolError) Error() string { return e.Err.Error() }

func (e *ToolError) Unwrap() error { return e.Err }

// Validation reports bad input.
func Validation(format string, args ...any) *ToolError {
	return &ToolError{Category: CategoryValidation, Err: fmt.Errorf(format, args...)}
}

// NotFound reports a missing entry or peer.
func NotFound(format string, args ...any) *ToolError {
	return &ToolError{Category: CategoryNotFound, Err: fmt.Errorf(format, args...)}
}

// Forbidden reports a permission failure.
func Forbidden(format string, args ...any) *ToolError {
	return &ToolError{Category: CategoryForbidden, Err: fmt.Errorf(format, args...)}
}

// Conflict reports a collision with existing state.
func Conflict(format string, args ...any) *ToolError {
	return &ToolError{Category: CategoryConflict, Err: fmt.Errorf(format, args...)}
}

// Transient reports a failure that may succeed on retry.
func Transient(format string, args ...any) *ToolError {
	return &ToolError{Category: CategoryTransient, Err: fmt.Errorf(format, args...)}
}

// Internal reports an unexpected failure.
func Internal(format string, args ...any) *ToolError {
	return &ToolError{Category: CategoryInternal, Err: fmt.Errorf(format, args...)}
}

// Classify returns the errorInfo for err. Context errors are transient;
// anything uncategorized is internal.
func Classify(err error) *ErrorInfo {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return &ErrorInfo{
			Category:  toolErr.Category,
			Retryable: toolErr.Category == CategoryTransient,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &ErrorInfo{Category: CategoryTransient, Retryable: true}
	}
	return &ErrorInfo{Category: CategoryInternal, Retryable: false}
}

// ErrorResult builds the isError result for err.
func ErrorResult(err error) *CallToolResult {
	return &CallToolResult{
		Content:   []Content{TextContent(err.Error())},
		IsError:   true,
		ErrorInfo: Classify(err),
	}
}
