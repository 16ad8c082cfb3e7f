// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/zeebo/blake3"

	"github.com/tausestack/tausestack/lib/tenant"
)

// DefaultKind is used when an entry is created without a kind.
const DefaultKind = "note"

// Field limits enforced by [Entry.Validate].
const (
	MaxAgentLength    = 128
	MaxKindLength     = 64
	MaxContentLength  = 64 << 10
	MaxMetadataKeys   = 32
	MaxMetadataLength = 1024
)

// ErrInvalidEntry wraps every [Entry.Validate] failure.
var ErrInvalidEntry = errors.New("memory: invalid entry")

// Entry is one remembered item.
type Entry struct {
	ID        string            `json:"id"`
	Tenant    tenant.ID         `json:"tenant"`
	Agent     string            `json:"agent"`
	Kind      string            `json:"kind"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`

	// Origin is empty for entries created on this node and holds the
	// sending peer's URL for entries received over federation.
	Origin string `json:"origin,omitempty"`
}

// NewEntry builds an entry and assigns its content-addressed id. An
// empty kind becomes [DefaultKind]. The metadata map is copied.
func NewEntry(tenantID tenant.ID, agent, kind, content string, metadata map[string]string, now time.Time) Entry {
	if kind == "" {
		kind = DefaultKind
	}
	entry := Entry{
		Tenant:    tenantID,
		Agent:     agent,
		Kind:      kind,
		Content:   content,
		Metadata:  copyMetadata(metadata),
		CreatedAt: now.UTC(),
	}
	entry.ID = ComputeID(tenantID, agent, kind, content)
	return entry
}

// entryDomainKey separates memory ids from any other BLAKE3 use. The
// bytes are the ASCII domain name, zero-padded to 32.
var entryDomainKey = [32]byte{
	't', 'a', 'u', 's', 'e', 's', 't', 'a', 'c', 'k', '.', 'm', 'e', 'm', 'o', 'r',
	'y', '.', 'e', 'n', 't', 'r', 'y', 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// ComputeID returns the hex BLAKE3 keyed hash identifying an entry.
// Each field is length-prefixed so ("ab","c") and ("a","bc") differ.
func ComputeID(tenantID tenant.ID, agent, kind, content string) string {
	hasher, err := blake3.NewKeyed(entryDomainKey[:])
	if err != nil {
		// NewKeyed only fails on a key that is not 32 bytes.
		panic("memory: blake3 keyed hasher: " + err.Error())
	}
	var prefix [8]byte
	for _, field := range []string{string(tenantID), agent, kind, content} {
		binary.BigEndian.PutUint64(prefix[:], uint64(len(field)))
		hasher.Write(prefix[:])
		hasher.Write([]byte(field))
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

// Validate checks field limits and that ID matches the content.
func (e Entry) Validate() error {
	if err := tenant.Validate(e.Tenant); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if e.Agent == "" {
		return fmt.Errorf("%w: agent is required", ErrInvalidEntry)
	}
	if len(e.Agent) > MaxAgentLength {
		return fmt.Errorf("%w: agent longer than %d bytes", ErrInvalidEntry, MaxAgentLength)
	}
	if e.Kind == "" || len(e.Kind) > MaxKindLength {
		return fmt.Errorf("%w: kind must be 1-%d bytes", ErrInvalidEntry, MaxKindLength)
	}
	if e.Content == "" {
		return fmt.Errorf("%w: content is required", ErrInvalidEntry)
	}
	if len(e.Content) > MaxContentLength {
		return fmt.Errorf("%w: content longer than %d bytes", ErrInvalidEntry, MaxContentLength)
	}
	if !utf8.ValidString(e.Content) {
		return fmt.Errorf("%w: content is not valid UTF-8", ErrInvalidEntry)
	}
	if len(e.Metadata) > MaxMetadataKeys {
		return fmt.Errorf("%w: more than %d metadata keys", ErrInvalidEntry, MaxMetadataKeys)
	}
	for key, value := range e.Metadata {
		if key == "" || len(key)+len(value) > MaxMetadataLength {
			return fmt.Errorf("%w: metadata key %q is empty or too long", ErrInvalidEntry, key)
		}
	}
	if e.CreatedAt.IsZero() {
		return fmt.Errorf("%w: created_at is required", ErrInvalidEntry)
	}
	if want := ComputeID(e.Tenant, e.Agent, e.Kind, e.Content); e.ID != want {
		return fmt.Errorf("%w: id %q does not match content (want %s)", ErrInvalidEntry, e.ID, want)
	}
	return nil
}

// Rehome returns a copy of e that belongs to tenantID and records
// origin. The id is recomputed because the tenant is part of it.
func (e Entry) Rehome(tenantID tenant.ID, origin string) Entry {
	e.Tenant = tenantID
	e.Origin = origin
	e.Metadata = copyMetadata(e.Metadata)
	e.CreatedAt = e.CreatedAt.UTC()
	e.ID = ComputeID(tenantID, e.Agent, e.Kind, e.Content)
	return e
}

func copyMetadata(metadata map[string]string) map[string]string {
	if len(metadata) == 0 {
		return nil
	}
	copied := make(map[string]string, len(metadata))
	for key, value := range metadata {
		copied[key] = value
	}
	return copied
}
