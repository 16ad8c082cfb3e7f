// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"sync"
	"time"
)

// Revocations is the set of token ids revoked before their natural
// expiry. Ids are scoped by issuer: a peer can only revoke tokens it
// minted itself.
//
// Entries are dropped once the token would have expired anyway, since
// the verifier rejects expired tokens on its own.
type Revocations struct {
	mu      sync.RWMutex
	entries map[revocationKey]time.Time
}

type revocationKey struct {
	issuer  string
	tokenID string
}

// NewRevocations returns an empty set.
func NewRevocations() *Revocations {
	return &Revocations{entries: make(map[revocationKey]time.Time)}
}

// Revoke records tokenID from issuer until expiresAt.
func (r *Revocations) Revoke(issuer, tokenID string, expiresAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[revocationKey{issuer, tokenID}] = expiresAt
}

// IsRevoked reports whether tokenID from issuer has been revoked.
func (r *Revocations) IsRevoked(issuer, tokenID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, revoked := r.entries[revocationKey{issuer, tokenID}]
	return revoked
}

// Cleanup drops entries whose token expired at or before now. Returns
// the number removed.
func (r *Revocations) Cleanup(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for key, expiresAt := range r.entries {
		if !now.Before(expiresAt) {
			delete(r.entries, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of revoked ids still tracked.
func (r *Revocations) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
