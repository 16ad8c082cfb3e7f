// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/tausestack/tausestack/lib/tenant"
)

// ErrNotFound is returned by Get and Delete for unknown ids.
var ErrNotFound = errors.New("memory: entry not found")

// ErrClosed is returned by every Store method after Close.
var ErrClosed = errors.New("memory: store is closed")

// Query limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Query selects entries for List. Tenant is required; zero values of
// the other fields match everything.
type Query struct {
	Tenant tenant.ID
	Agent  string
	Kind   string

	// Since keeps entries created at or after this instant.
	Since time.Time

	// LocalOnly drops entries received over federation.
	LocalOnly bool

	// Limit <= 0 means DefaultLimit; larger than MaxLimit is capped.
	Limit int
}

// EffectiveLimit applies the defaulting and capping rules.
func (q Query) EffectiveLimit() int {
	switch {
	case q.Limit <= 0:
		return DefaultLimit
	case q.Limit > MaxLimit:
		return MaxLimit
	default:
		return q.Limit
	}
}

func (q Query) matches(entry Entry) bool {
	if entry.Tenant != q.Tenant {
		return false
	}
	if q.Agent != "" && entry.Agent != q.Agent {
		return false
	}
	if q.Kind != "" && entry.Kind != q.Kind {
		return false
	}
	if !q.Since.IsZero() && entry.CreatedAt.Before(q.Since) {
		return false
	}
	if q.LocalOnly && entry.Origin != "" {
		return false
	}
	return true
}

// Store persists entries. Implementations are safe for concurrent use.
type Store interface {
	// Put stores entry after validating it. created is false when an
	// entry with the same tenant and id already exists; the stored
	// copy is left unchanged.
	Put(ctx context.Context, entry Entry) (created bool, err error)

	Get(ctx context.Context, tenantID tenant.ID, id string) (Entry, error)

	// List returns matching entries newest first.
	List(ctx context.Context, query Query) ([]Entry, error)

	Delete(ctx context.Context, tenantID tenant.ID, id string) error

	// Agents lists the agents with at least one entry in the tenant,
	// sorted by name.
	Agents(ctx context.Context, tenantID tenant.ID) ([]string, error)

	Close() error
}

// sortNewestFirst orders by CreatedAt descending, then id, so equal
// timestamps still list deterministically.
func sortNewestFirst(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.After(entries[j].CreatedAt)
		}
		return entries[i].ID < entries[j].ID
	})
}
