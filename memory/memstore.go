// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/tausestack/tausestack/lib/tenant"
)

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[tenant.ID]map[string]Entry
	closed  bool
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tenants: make(map[tenant.ID]map[string]Entry)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Put(ctx context.Context, entry Entry) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := entry.Validate(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	entries := s.tenants[entry.Tenant]
	if entries == nil {
		entries = make(map[string]Entry)
		s.tenants[entry.Tenant] = entries
	}
	if _, exists := entries[entry.ID]; exists {
		return false, nil
	}
	entry.Metadata = copyMetadata(entry.Metadata)
	entries[entry.ID] = entry
	return true, nil
}

func (s *MemoryStore) Get(ctx context.Context, tenantID tenant.ID, id string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Entry{}, ErrClosed
	}
	entry, ok := s.tenants[tenantID][id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	entry.Metadata = copyMetadata(entry.Metadata)
	return entry, nil
}

func (s *MemoryStore) List(ctx context.Context, query Query) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var matched []Entry
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	for _, entry := range s.tenants[query.Tenant] {
		if query.matches(entry) {
			entry.Metadata = copyMetadata(entry.Metadata)
			matched = append(matched, entry)
		}
	}
	s.mu.RUnlock()

	sortNewestFirst(matched)
	if limit := query.EffectiveLimit(); len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *MemoryStore) Delete(ctx context.Context, tenantID tenant.ID, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	entries := s.tenants[tenantID]
	if _, ok := entries[id]; !ok {
		return ErrNotFound
	}
	delete(entries, id)
	if len(entries) == 0 {
		delete(s.tenants, tenantID)
	}
	return nil
}

func (s *MemoryStore) Agents(ctx context.Context, tenantID tenant.ID) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	seen := make(map[string]struct{})
	for _, entry := range s.tenants[tenantID] {
		seen[entry.Agent] = struct{}{}
	}
	agents := make([]string, 0, len(seen))
	for agent := range seen {
		agents = append(agents, agent)
	}
	sort.Strings(agents)
	return agents, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.tenants = nil
	return nil
}
