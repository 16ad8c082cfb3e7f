// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tausestack/tausestack/lib/clock"
	"github.com/tausestack/tausestack/lib/netutil"
	"github.com/tausestack/tausestack/lib/tenant"
	"github.com/tausestack/tausestack/memory"
)

// Retry defaults for peer calls.
const (
	DefaultMaxAttempts    = 4
	DefaultInitialBackoff = 250 * time.Millisecond
	DefaultMaxBackoff     = 5 * time.Second
)

// PeerError is a non-2xx answer from a peer.
type PeerError struct {
	Status  int
	Code    string
	Message string

	// RetryAfter is the peer's Retry-After hint, zero when absent.
	RetryAfter time.Duration
}

func (e *PeerError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("federation: peer returned %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("federation: peer returned %d: %s", e.Status, e.Message)
}

// Temporary reports whether retrying may succeed.
func (e *PeerError) Temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// PeerConfig configures [NewPeer].
type PeerConfig struct {
	URL    string
	Signer *Signer

	// HTTPClient defaults to a client with a 30 second timeout.
	HTTPClient *http.Client

	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	Clock   clock.Clock
	Metrics *Metrics
	Logger  *slog.Logger
}

// Peer is a client for one remote node's federation API.
type Peer struct {
	url            string
	signer         *Signer
	client         *http.Client
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	clock          clock.Clock
	metrics        *Metrics
	logger         *slog.Logger
}

// NewPeer validates cfg and returns a Peer.
func NewPeer(cfg PeerConfig) (*Peer, error) {
	peerURL, err := NormalizeURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	peer := &Peer{
		url:            peerURL,
		signer:         cfg.Signer,
		client:         cfg.HTTPClient,
		maxAttempts:    cfg.MaxAttempts,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		clock:          cfg.Clock,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger,
	}
	if peer.client == nil {
		peer.client = &http.Client{Timeout: 30 * time.Second}
	}
	if peer.maxAttempts <= 0 {
		peer.maxAttempts = DefaultMaxAttempts
	}
	if peer.initialBackoff <= 0 {
		peer.initialBackoff = DefaultInitialBackoff
	}
	if peer.maxBackoff <= 0 {
		peer.maxBackoff = DefaultMaxBackoff
	}
	if peer.clock == nil {
		peer.clock = clock.Real()
	}
	if peer.logger == nil {
		peer.logger = slog.New(slog.DiscardHandler)
	}
	return peer, nil
}

// URL returns the peer's normalized URL.
func (p *Peer) URL() string { return p.url }

// Info fetches the peer's unauthenticated description.
func (p *Peer) Info(ctx context.Context) (Info, error) {
	var info Info
	err := p.call(ctx, "info", callPlan{method: http.MethodGet, path: "/info"}, &info)
	return info, err
}

// PublicKey fetches and decodes the peer's advertised signing key.
// It has the [KeyDiscoverer] shape once bound to a peer URL.
func (p *Peer) PublicKey(ctx context.Context) (ed25519.PublicKey, error) {
	info, err := p.Info(ctx)
	if err != nil {
		return nil, err
	}
	if info.PublicKey == "" {
		return nil, errors.New("federation: peer advertises no public key")
	}
	return ParsePublicKey(info.PublicKey)
}

// Push sends entries to the peer in batches of at most MaxPushEntries.
// The returned counts are summed across batches.
func (p *Peer) Push(ctx context.Context, tenantID tenant.ID, entries []memory.Entry) (PushResponse, error) {
	var total PushResponse
	for start := 0; start < len(entries); start += MaxPushEntries {
		batch := entries[start:min(start+MaxPushEntries, len(entries))]
		var response PushResponse
		err := p.call(ctx, "push", callPlan{
			method:  http.MethodPost,
			path:    "/memories",
			tenant:  tenantID,
			subject: commonAgent(batch),
			scope:   ScopeWrite,
			body:    PushRequest{Entries: batch},
		}, &response)
		if err != nil {
			return total, err
		}
		total.Accepted += response.Accepted
		total.Duplicates += response.Duplicates
	}
	return total, nil
}

// Pull fetches the peer's local entries for the tenant. Tenant and
// LocalOnly in query are ignored; the token decides the tenant and
// peers only ever serve local entries.
func (p *Peer) Pull(ctx context.Context, tenantID tenant.ID, query memory.Query) ([]memory.Entry, error) {
	values := url.Values{}
	if query.Agent != "" {
		values.Set("agent", query.Agent)
	}
	if query.Kind != "" {
		values.Set("kind", query.Kind)
	}
	if !query.Since.IsZero() {
		values.Set("since", query.Since.UTC().Format(time.RFC3339Nano))
	}
	if query.Limit > 0 {
		values.Set("limit", strconv.Itoa(query.Limit))
	}
	var response PullResponse
	err := p.call(ctx, "pull", callPlan{
		method:  http.MethodGet,
		path:    "/memories",
		query:   values,
		tenant:  tenantID,
		subject: query.Agent,
		scope:   ScopeRead,
	}, &response)
	return response.Entries, err
}

// Revoke asks the peer to reject a token this node minted for it.
func (p *Peer) Revoke(ctx context.Context, tenantID tenant.ID, claims *Claims) error {
	request := RevokeRequest{ID: claims.ID}
	if claims.ExpiresAt != nil {
		request.ExpiresAt = claims.ExpiresAt.Time
	}
	var response RevokeResponse
	return p.call(ctx, "revoke", callPlan{
		method: http.MethodPost,
		path:   "/revoke",
		tenant: tenantID,
		scope:  ScopeWrite,
		body:   request,
	}, &response)
}

// commonAgent returns the agent shared by every entry, or AnySubject.
func commonAgent(entries []memory.Entry) string {
	if len(entries) == 0 {
		return AnySubject
	}
	agent := entries[0].Agent
	for _, entry := range entries[1:] {
		if entry.Agent != agent {
			return AnySubject
		}
	}
	return agent
}

type callPlan struct {
	method  string
	path    string
	query   url.Values
	tenant  tenant.ID
	subject string
	scope   string // empty for unauthenticated calls
	body    any
}

func (p *Peer) call(ctx context.Context, operation string, plan callPlan, out any) error {
	var payload []byte
	if plan.body != nil {
		var err error
		payload, err = json.Marshal(plan.body)
		if err != nil {
			return fmt.Errorf("federation: encoding %s request: %w", operation, err)
		}
	}

	backoff := p.initialBackoff
	for attempt := 1; ; attempt++ {
		err := p.attempt(ctx, plan, payload, out)
		if err == nil || attempt >= p.maxAttempts || !retryable(ctx, err) {
			p.metrics.peerCall(operation, err)
			if err != nil {
				return fmt.Errorf("federation: %s %s: %w", operation, p.url, err)
			}
			return nil
		}

		wait := backoff
		var peerErr *PeerError
		if errors.As(err, &peerErr) && peerErr.RetryAfter > 0 {
			wait = min(peerErr.RetryAfter, p.maxBackoff)
		}
		p.logger.Debug("peer call failed, retrying",
			"peer", p.url,
			"operation", operation,
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)
		select {
		case <-ctx.Done():
			p.metrics.peerCall(operation, ctx.Err())
			return fmt.Errorf("federation: %s %s: %w", operation, p.url, ctx.Err())
		case <-p.clock.After(wait):
		}
		backoff = min(backoff*2, p.maxBackoff)
	}
}

// errPermanent marks failures that retrying cannot fix.
type errPermanent struct{ err error }

func (e errPermanent) Error() string { return e.err.Error() }
func (e errPermanent) Unwrap() error { return e.err }

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var permanent errPermanent
	if errors.As(err, &permanent) {
		return false
	}
	var peerErr *PeerError
	if errors.As(err, &peerErr) {
		return peerErr.Temporary()
	}
	// Anything else is a transport failure.
	return true
}

func (p *Peer) attempt(ctx context.Context, plan callPlan, payload []byte, out any) error {
	target := p.url + BasePath + plan.path
	if len(plan.query) > 0 {
		target += "?" + plan.query.Encode()
	}
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	request, err := http.NewRequestWithContext(ctx, plan.method, target, body)
	if err != nil {
		return errPermanent{err}
	}
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set("Accept", "application/json")

	if plan.scope != "" {
		if p.signer == nil {
			return errPermanent{errors.New("no signer configured")}
		}
		token, _, err := p.signer.Mint(p.url, plan.tenant, plan.subject, []string{plan.scope})
		if err != nil {
			return errPermanent{err}
		}
		request.Header.Set("Authorization", "Bearer "+token)
		request.Header.Set(tenant.Header, string(plan.tenant))
	}

	response, err := p.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return decodePeerError(response)
	}
	if err := netutil.DecodeResponse(response.Body, out); err != nil {
		return errPermanent{fmt.Errorf("decoding response: %w", err)}
	}
	return nil
}

func decodePeerError(response *http.Response) *PeerError {
	peerErr := &PeerError{Status: response.StatusCode}
	raw := netutil.ErrorBody(response.Body)
	var decoded ErrorResponse
	if err := json.Unmarshal([]byte(raw), &decoded); err == nil && decoded.Error != "" {
		peerErr.Code = decoded.Code
		peerErr.Message = decoded.Error
	} else {
		peerErr.Message = raw
	}
	if seconds, err := strconv.Atoi(response.Header.Get("Retry-After")); err == nil && seconds > 0 {
		peerErr.RetryAfter = time.Duration(seconds) * time.Second
	}
	return peerErr
}
