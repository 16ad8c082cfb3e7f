// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"

	"github.com/tausestack/tausestack/federation"
	"github.com/tausestack/tausestack/lib/config"
	"github.com/tausestack/tausestack/lib/version"
	"github.com/tausestack/tausestack/memory"
)

// NewFederation builds the federation service for cfg. With
// federation disabled the service only fronts the local store.
func NewFederation(cfg *config.Config, store memory.Store, metrics *federation.Metrics, logger *slog.Logger) (*federation.Federation, error) {
	fedConfig := cfg.Federation
	base := federation.Config{
		Name:    cfg.Server.Name,
		Version: version.Short(),
		Store:   store,
		Metrics: metrics,
		Logger:  logger,
	}
	if !fedConfig.Enabled {
		return federation.New(base)
	}

	signer, err := NewSigner(fedConfig)
	if err != nil {
		return nil, err
	}

	keys := make(map[string]federation.PeerKey, len(fedConfig.Peers))
	allowed := append([]string(nil), fedConfig.Allow...)
	peers := make([]*federation.Peer, 0, len(fedConfig.Peers))
	for _, peerConfig := range fedConfig.Peers {
		key := federation.PeerKey{SharedSecret: peerSecret(fedConfig, peerConfig)}
		if peerConfig.PublicKey != "" {
			if key.PublicKey, err = federation.ParsePublicKey(peerConfig.PublicKey); err != nil {
				return nil, fmt.Errorf("federation peer %s: %w", peerConfig.URL, err)
			}
		}
		keys[peerConfig.URL] = key
		allowed = append(allowed, peerConfig.URL)

		peer, err := federation.NewPeer(federation.PeerConfig{
			URL:     peerConfig.URL,
			Signer:  signer,
			Metrics: metrics,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		peers = append(peers, peer)
	}

	allow, err := federation.NewAllowList(allowed)
	if err != nil {
		return nil, err
	}

	var keyringOptions []federation.KeyringOption
	if fedConfig.Discovery {
		discover := func(ctx context.Context, peerURL string) (ed25519.PublicKey, error) {
			peer, err := federation.NewPeer(federation.PeerConfig{URL: peerURL, Metrics: metrics, Logger: logger})
			if err != nil {
				return nil, err
			}
			return peer.PublicKey(ctx)
		}
		keyringOptions = append(keyringOptions, federation.WithDiscovery(discover, fedConfig.DiscoveryTTL))
	}
	keyring, err := federation.NewKeyring(keys, keyringOptions...)
	if err != nil {
		return nil, err
	}

	verifier, err := federation.NewVerifier(federation.VerifierConfig{
		SelfURL: fedConfig.SelfURL,
		Allow:   allow,
		Keys:    keyring,
	})
	if err != nil {
		return nil, err
	}

	base.Signer = signer
	base.Verifier = verifier
	base.Peers = peers
	return federation.New(base)
}

// NewSigner loads the signing key and per-peer secrets from cfg.
func NewSigner(cfg config.FederationConfig) (*federation.Signer, error) {
	signerConfig := federation.SignerConfig{
		SelfURL:       cfg.SelfURL,
		SharedSecrets: make(map[string][]byte),
		TTL:           cfg.TokenTTL,
	}
	if cfg.SigningKey != "" {
		key, err := federation.LoadPrivateKey(cfg.SigningKey)
		if err != nil {
			return nil, err
		}
		signerConfig.Key = key
	}
	for _, peer := range cfg.Peers {
		if secret := peerSecret(cfg, peer); secret != nil {
			signerConfig.SharedSecrets[peer.URL] = secret
		}
	}
	return federation.NewSigner(signerConfig)
}

func peerSecret(cfg config.FederationConfig, peer config.PeerConfig) []byte {
	switch {
	case peer.SharedSecret != "":
		return []byte(peer.SharedSecret)
	case cfg.SharedSecret != "":
		return []byte(cfg.SharedSecret)
	default:
		return nil
	}
}
