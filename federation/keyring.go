// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tausestack/tausestack/lib/clock"
)

// PeerKey is the verification material for one peer. Either or both
// fields may be set; the token's alg header picks which is used.
type PeerKey struct {
	PublicKey    ed25519.PublicKey
	SharedSecret []byte
}

// KeyResolver returns the key for an issuer the allow-list already
// trusts. issuer is normalized.
type KeyResolver interface {
	PeerKey(ctx context.Context, issuer string) (PeerKey, error)
}

// ErrUnknownPeer is returned by a resolver with no key for an issuer.
var ErrUnknownPeer = errors.New("federation: no key configured for peer")

// KeyDiscoverer fetches a peer's current public key, normally from
// its /info endpoint.
type KeyDiscoverer func(ctx context.Context, peerURL string) (ed25519.PublicKey, error)

// DefaultDiscoveryTTL is how long a discovered key is trusted before
// it is fetched again.
const DefaultDiscoveryTTL = 10 * time.Minute

// Keyring resolves peer keys from configuration, falling back to
// discovery for allow-listed peers (such as wildcard matches) that
// have no configured key.
type Keyring struct {
	static   map[string]PeerKey
	discover KeyDiscoverer
	ttl      time.Duration
	clock    clock.Clock

	mu    sync.Mutex
	cache map[string]discoveredKey
}

type discoveredKey struct {
	key       ed25519.PublicKey
	fetchedAt time.Time
}

// KeyringOption configures a Keyring.
type KeyringOption func(*Keyring)

// WithDiscovery enables key discovery for peers without static keys.
func WithDiscovery(discover KeyDiscoverer, ttl time.Duration) KeyringOption {
	return func(k *Keyring) {
		k.discover = discover
		if ttl > 0 {
			k.ttl = ttl
		}
	}
}

// WithKeyringClock sets the clock used for discovery cache expiry.
func WithKeyringClock(c clock.Clock) KeyringOption {
	return func(k *Keyring) { k.clock = c }
}

// NewKeyring builds a resolver over the configured keys. Map keys are
// normalized.
func NewKeyring(static map[string]PeerKey, options ...KeyringOption) (*Keyring, error) {
	keyring := &Keyring{
		static: make(map[string]PeerKey, len(static)),
		ttl:    DefaultDiscoveryTTL,
		clock:  clock.Real(),
		cache:  make(map[string]discoveredKey),
	}
	for peer, key := range static {
		normalized, err := NormalizeURL(peer)
		if err != nil {
			return nil, err
		}
		keyring.static[normalized] = key
	}
	for _, option := range options {
		option(keyring)
	}
	return keyring, nil
}

func (k *Keyring) PeerKey(ctx context.Context, issuer string) (PeerKey, error) {
	if key, ok := k.static[issuer]; ok {
		return key, nil
	}
	if k.discover == nil {
		return PeerKey{}, fmt.Errorf("%w: %s", ErrUnknownPeer, issuer)
	}

	now := k.clock.Now()
	k.mu.Lock()
	cached, ok := k.cache[issuer]
	k.mu.Unlock()
	if ok && now.Sub(cached.fetchedAt) < k.ttl {
		return PeerKey{PublicKey: cached.key}, nil
	}

	key, err := k.discover(ctx, issuer)
	if err != nil {
		return PeerKey{}, fmt.Errorf("federation: discovering key for %s: %w", issuer, err)
	}
	if len(key) != ed25519.PublicKeySize {
		return PeerKey{}, fmt.Errorf("federation: %s advertised a %d-byte key", issuer, len(key))
	}

	k.mu.Lock()
	k.cache[issuer] = discoveredKey{key: key, fetchedAt: now}
	k.mu.Unlock()
	return PeerKey{PublicKey: key}, nil
}
