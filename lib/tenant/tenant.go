// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

// Package tenant carries the tenant boundary through a request. Every
// memory read and write is scoped by the tenant found in its context;
// MCP sessions get theirs from configuration or the connecting HTTP
// request, federation calls from the verified token.
package tenant

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
)

// ID names a tenant.
type ID string

// Default is the tenant used when nothing more specific is known.
const Default ID = "default"

// Header is the HTTP header HTTP transports read the tenant from.
const Header = "X-Tenant-ID"

var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

// Validate reports whether id is a well-formed tenant identifier:
// 1 to 63 lowercase letters, digits, or hyphens, starting with a
// letter or digit.
func Validate(id ID) error {
	if !idPattern.MatchString(string(id)) {
		return fmt.Errorf("tenant: invalid id %q", id)
	}
	return nil
}

type contextKey struct{}

// WithTenant returns a context carrying id.
func WithTenant(ctx context.Context, id ID) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the tenant in ctx, if any.
func FromContext(ctx context.Context) (ID, bool) {
	id, ok := ctx.Value(contextKey{}).(ID)
	return id, ok && id != ""
}

// MustFromContext returns the tenant in ctx or Default.
func MustFromContext(ctx context.Context) ID {
	if id, ok := FromContext(ctx); ok {
		return id
	}
	return Default
}

// FromRequest reads the tenant header from r. A missing header yields
// fallback; a malformed one is an error so that a typo never silently
// lands in another tenant.
func FromRequest(r *http.Request, fallback ID) (ID, error) {
	return FromHeader(r, Header, fallback)
}

// FromHeader is FromRequest with a configurable header name.
func FromHeader(r *http.Request, header string, fallback ID) (ID, error) {
	value := r.Header.Get(header)
	if value == "" {
		return fallback, nil
	}
	id := ID(value)
	if err := Validate(id); err != nil {
		return "", err
	}
	return id, nil
}
