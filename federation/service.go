// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tausestack/tausestack/lib/clock"
	"github.com/tausestack/tausestack/lib/tenant"
	"github.com/tausestack/tausestack/memory"
)

// Config configures [New].
type Config struct {
	// Name appears in /info responses.
	Name    string
	Version string

	Store memory.Store

	// Signer and Verifier are nil when federation is disabled; the
	// service then only serves the local store.
	Signer   *Signer
	Verifier *Verifier
	Peers    []*Peer

	Metrics *Metrics
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Federation ties a memory store to the node's peers.
type Federation struct {
	name     string
	version  string
	store    memory.Store
	signer   *Signer
	verifier *Verifier
	peers    []*Peer
	byURL    map[string]*Peer
	metrics  *Metrics
	clock    clock.Clock
	logger   *slog.Logger
}

// New validates cfg and returns the service.
func New(cfg Config) (*Federation, error) {
	if cfg.Store == nil {
		return nil, errors.New("federation: a memory store is required")
	}
	if (cfg.Signer == nil) != (cfg.Verifier == nil) {
		return nil, errors.New("federation: signer and verifier must be configured together")
	}
	if cfg.Signer == nil && len(cfg.Peers) > 0 {
		return nil, errors.New("federation: peers are configured but federation is disabled")
	}
	f := &Federation{
		name:     cfg.Name,
		version:  cfg.Version,
		store:    cfg.Store,
		signer:   cfg.Signer,
		verifier: cfg.Verifier,
		byURL:    make(map[string]*Peer, len(cfg.Peers)),
		metrics:  cfg.Metrics,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
	if f.clock == nil {
		f.clock = clock.Real()
	}
	if f.logger == nil {
		f.logger = slog.New(slog.DiscardHandler)
	}
	for _, peer := range cfg.Peers {
		if _, duplicate := f.byURL[peer.URL()]; duplicate {
			return nil, fmt.Errorf("federation: peer %s configured twice", peer.URL())
		}
		if f.signer != nil && peer.URL() == f.signer.SelfURL() {
			return nil, fmt.Errorf("federation: peer %s is this node", peer.URL())
		}
		f.byURL[peer.URL()] = peer
		f.peers = append(f.peers, peer)
	}
	return f, nil
}

// Enabled reports whether the node federates.
func (f *Federation) Enabled() bool { return f.signer != nil }

// Store returns the local memory store.
func (f *Federation) Store() memory.Store { return f.store }

// Peers returns the configured peers in configuration order.
func (f *Federation) Peers() []*Peer { return f.peers }

// Info describes this node for GET /info.
func (f *Federation) Info() Info {
	info := Info{Name: f.name, Version: f.version, Algorithms: Algorithms}
	if f.signer != nil {
		info.URL = f.signer.SelfURL()
		if key := f.signer.PublicKey(); key != nil {
			info.PublicKey = EncodePublicKey(key)
		}
	}
	return info
}

// Handler returns the HTTP API, or nil when federation is disabled.
func (f *Federation) Handler() *Handler {
	if !f.Enabled() {
		return nil
	}
	return NewHandler(HandlerConfig{
		Info:     f.Info(),
		Store:    f.store,
		Verifier: f.verifier,
		Metrics:  f.metrics,
		Clock:    f.clock,
		Logger:   f.logger,
	})
}

// Remember stores a locally created memory.
func (f *Federation) Remember(ctx context.Context, tenantID tenant.ID, agent, kind, content string, metadata map[string]string) (memory.Entry, bool, error) {
	entry := memory.NewEntry(tenantID, agent, kind, content, metadata, f.clock.Now())
	created, err := f.store.Put(ctx, entry)
	if err != nil {
		return memory.Entry{}, false, err
	}
	return entry, created, nil
}

// ErrDisabled is returned by peer operations when federation is off.
var ErrDisabled = errors.New("federation: not enabled on this node")

func (f *Federation) peer(peerURL string) (*Peer, error) {
	if !f.Enabled() {
		return nil, ErrDisabled
	}
	normalized, err := NormalizeURL(peerURL)
	if err != nil {
		return nil, err
	}
	peer, ok := f.byURL[normalized]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, normalized)
	}
	return peer, nil
}

// ShareResult reports one Share call.
type ShareResult struct {
	Peer       string `json:"peer"`
	Sent       int    `json:"sent"`
	Accepted   int    `json:"accepted"`
	Duplicates int    `json:"duplicates"`
}

// Share pushes the agent's locally created entries to one configured
// peer, the most recent memory.MaxLimit of them.
func (f *Federation) Share(ctx context.Context, tenantID tenant.ID, agent, peerURL string) (ShareResult, error) {
	peer, err := f.peer(peerURL)
	if err != nil {
		return ShareResult{}, err
	}
	entries, err := f.store.List(ctx, memory.Query{
		Tenant:    tenantID,
		Agent:     agent,
		LocalOnly: true,
		Limit:     memory.MaxLimit,
	})
	if err != nil {
		return ShareResult{}, err
	}
	result := ShareResult{Peer: peer.URL(), Sent: len(entries)}
	if len(entries) == 0 {
		return result, nil
	}
	response, err := peer.Push(ctx, tenantID, entries)
	result.Accepted = response.Accepted
	result.Duplicates = response.Duplicates
	if err != nil {
		return result, err
	}
	f.logger.Info("memories shared",
		"peer", peer.URL(),
		"tenant", tenantID,
		"agent", agent,
		"accepted", result.Accepted,
		"duplicates", result.Duplicates,
	)
	return result, nil
}

// SyncResult reports one peer's part of a Sync.
type SyncResult struct {
	Peer       string `json:"peer"`
	Received   int    `json:"received"`
	Accepted   int    `json:"accepted"`
	Duplicates int    `json:"duplicates"`
	Rejected   int    `json:"rejected"`
	Error      string `json:"error,omitempty"`
}

// Sync pulls the agent's entries (every agent when agent is empty)
// from each peer and stores the new ones. A failing peer does not stop
// the others; its error is reported in its result and joined into the
// returned error.
func (f *Federation) Sync(ctx context.Context, tenantID tenant.ID, agent string) ([]SyncResult, error) {
	if !f.Enabled() {
		return nil, ErrDisabled
	}
	results := make([]SyncResult, 0, len(f.peers))
	var errs []error
	for _, peer := range f.peers {
		result, err := f.syncPeer(ctx, tenantID, agent, peer)
		if err != nil {
			result.Error = err.Error()
			errs = append(errs, err)
			f.logger.Warn("sync with peer failed", "peer", peer.URL(), "tenant", tenantID, "error", err)
		}
		results = append(results, result)
	}
	return results, errors.Join(errs...)
}

func (f *Federation) syncPeer(ctx context.Context, tenantID tenant.ID, agent string, peer *Peer) (SyncResult, error) {
	result := SyncResult{Peer: peer.URL()}
	entries, err := peer.Pull(ctx, tenantID, memory.Query{Agent: agent, Limit: memory.MaxLimit})
	if err != nil {
		return result, err
	}
	result.Received = len(entries)
	for _, entry := range entries {
		if agent != "" && entry.Agent != agent {
			result.Rejected++
			continue
		}
		rehomed := entry.Rehome(tenantID, peer.URL())
		created, err := f.store.Put(ctx, rehomed)
		switch {
		case err != nil && ctx.Err() != nil:
			return result, ctx.Err()
		case err != nil:
			// Validation failures from a misbehaving peer skip the entry.
			result.Rejected++
		case created:
			result.Accepted++
		default:
			result.Duplicates++
		}
	}
	f.metrics.received(result.Accepted, result.Duplicates)
	f.logger.Info("memories synced",
		"peer", peer.URL(),
		"tenant", tenantID,
		"accepted", result.Accepted,
		"duplicates", result.Duplicates,
		"rejected", result.Rejected,
	)
	return result, nil
}
