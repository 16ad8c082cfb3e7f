// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tausestack/tausestack/lib/clock"
	"github.com/tausestack/tausestack/lib/netutil"
	"github.com/tausestack/tausestack/lib/tenant"
	"github.com/tausestack/tausestack/memory"
)

// BasePath is where the federation API is mounted.
const BasePath = "/federation/v1"

// Push limits.
const (
	MaxPushEntries       = 500
	MaxPushBytes   int64 = 8 << 20
)

// Error codes carried in [ErrorResponse].
const (
	CodeUnauthorized = "unauthorized"
	CodeForbidden    = "forbidden"
	CodeBadRequest   = "bad_request"
	CodeTooLarge     = "too_large"
	CodeInternal     = "internal"
)

// Info is the unauthenticated GET /info response.
type Info struct {
	URL        string   `json:"url"`
	Name       string   `json:"name"`
	Version    string   `json:"version"`
	Algorithms []string `json:"algorithms"`

	// PublicKey is the base64url Ed25519 key peers use to verify this
	// node's EdDSA tokens. Empty when the node has no signing key.
	PublicKey string `json:"public_key,omitempty"`
}

// PushRequest is the POST /memories body.
type PushRequest struct {
	Entries []memory.Entry `json:"entries"`
}

// PushResponse reports how many pushed entries were new.
type PushResponse struct {
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
}

// PullResponse is the GET /memories response.
type PullResponse struct {
	Entries []memory.Entry `json:"entries"`
}

// RevokeRequest is the POST /revoke body. The token must have been
// issued by the caller.
type RevokeRequest struct {
	ID        string    `json:"id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RevokeResponse acknowledges a revocation.
type RevokeResponse struct {
	Revoked bool `json:"revoked"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HandlerConfig configures [NewHandler].
type HandlerConfig struct {
	Info     Info
	Store    memory.Store
	Verifier *Verifier
	Metrics  *Metrics
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Handler serves the federation API under [BasePath].
type Handler struct {
	info     Info
	store    memory.Store
	verifier *Verifier
	metrics  *Metrics
	clock    clock.Clock
	logger   *slog.Logger
	mux      *http.ServeMux
}

// NewHandler builds the handler.
func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}
	info := cfg.Info
	if info.Algorithms == nil {
		info.Algorithms = Algorithms
	}
	h := &Handler{
		info:     info,
		store:    cfg.Store,
		verifier: cfg.Verifier,
		metrics:  cfg.Metrics,
		clock:    c,
		logger:   logger,
		mux:      http.NewServeMux(),
	}
	h.mux.HandleFunc("GET "+BasePath+"/info", h.handleInfo)
	h.mux.HandleFunc("POST "+BasePath+"/memories", h.authenticated(ScopeWrite, "push", h.handlePush))
	h.mux.HandleFunc("GET "+BasePath+"/memories", h.authenticated(ScopeRead, "pull", h.handlePull))
	h.mux.HandleFunc("POST "+BasePath+"/revoke", h.authenticated(ScopeWrite, "revoke", h.handleRevoke))
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type authenticatedHandler func(w http.ResponseWriter, r *http.Request, claims *Claims) int

// authenticated verifies the bearer token and required scope before
// calling next. The wrapped handler returns the status it wrote so the
// request can be counted.
func (h *Handler) authenticated(scope, endpoint string, next authenticatedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := h.authorize(w, r, scope, next)
		h.metrics.request(endpoint, status)
	}
}

func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, scope string, next authenticatedHandler) int {
	token, ok := bearerToken(r)
	if !ok {
		return writeError(w, http.StatusUnauthorized, CodeUnauthorized, "missing bearer token")
	}
	claims, err := h.verifier.Verify(r.Context(), token)
	if err != nil {
		h.logger.Warn("peer rejected",
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"error", err,
		)
		return writeError(w, http.StatusUnauthorized, CodeUnauthorized, err.Error())
	}
	if !claims.HasScope(scope) {
		h.logger.Warn("peer rejected", "issuer", claims.Issuer, "error", "missing scope "+scope)
		return writeError(w, http.StatusForbidden, CodeForbidden, "token lacks scope "+scope)
	}
	if header := r.Header.Get(tenant.Header); header != "" && tenant.ID(header) != claims.Tenant {
		h.logger.Warn("peer rejected", "issuer", claims.Issuer, "error", "tenant header mismatch")
		return writeError(w, http.StatusForbidden, CodeForbidden, "tenant header does not match token")
	}
	return next(w, r, claims)
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func (h *Handler) handleInfo(w http.ResponseWriter, r *http.Request) {
	netutil.WriteJSON(w, http.StatusOK, h.info)
	h.metrics.request("info", http.StatusOK)
}

func (h *Handler) handlePush(w http.ResponseWriter, r *http.Request, claims *Claims) int {
	var request PushRequest
	if err := netutil.ReadJSONBody(r, MaxPushBytes, &request); err != nil {
		if errors.Is(err, netutil.ErrBodyTooLarge) {
			return writeError(w, http.StatusRequestEntityTooLarge, CodeTooLarge, "body exceeds 8 MiB")
		}
		return writeError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
	}
	if len(request.Entries) > MaxPushEntries {
		return writeError(w, http.StatusRequestEntityTooLarge, CodeTooLarge,
			"more than "+strconv.Itoa(MaxPushEntries)+" entries")
	}

	// Validate the whole batch first so a bad entry stores nothing.
	entries := make([]memory.Entry, 0, len(request.Entries))
	for index, entry := range request.Entries {
		if claims.Subject != AnySubject && entry.Agent != claims.Subject {
			return writeError(w, http.StatusForbidden, CodeForbidden,
				"entry "+strconv.Itoa(index)+" belongs to agent "+strconv.Quote(entry.Agent)+", token is for "+strconv.Quote(claims.Subject))
		}
		rehomed := entry.Rehome(claims.Tenant, claims.Issuer)
		if err := rehomed.Validate(); err != nil {
			return writeError(w, http.StatusBadRequest, CodeBadRequest, "entry "+strconv.Itoa(index)+": "+err.Error())
		}
		entries = append(entries, rehomed)
	}

	var response PushResponse
	for _, entry := range entries {
		created, err := h.store.Put(r.Context(), entry)
		if err != nil {
			h.logger.Error("storing federated memory failed", "issuer", claims.Issuer, "error", err)
			return writeError(w, http.StatusInternalServerError, CodeInternal, "storing entries failed")
		}
		if created {
			response.Accepted++
		} else {
			response.Duplicates++
		}
	}
	h.metrics.received(response.Accepted, response.Duplicates)
	h.logger.Info("memories accepted",
		"issuer", claims.Issuer,
		"tenant", claims.Tenant,
		"accepted", response.Accepted,
		"duplicates", response.Duplicates,
	)
	netutil.WriteJSON(w, http.StatusOK, response)
	return http.StatusOK
}

func (h *Handler) handlePull(w http.ResponseWriter, r *http.Request, claims *Claims) int {
	values := r.URL.Query()
	query := memory.Query{
		Tenant:    claims.Tenant,
		Agent:     values.Get("agent"),
		Kind:      values.Get("kind"),
		LocalOnly: true,
	}
	if claims.Subject != AnySubject {
		if query.Agent != "" && query.Agent != claims.Subject {
			return writeError(w, http.StatusForbidden, CodeForbidden, "token is for agent "+strconv.Quote(claims.Subject))
		}
		query.Agent = claims.Subject
	}
	if raw := values.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return writeError(w, http.StatusBadRequest, CodeBadRequest, "since must be RFC 3339")
		}
		query.Since = since
	}
	if raw := values.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return writeError(w, http.StatusBadRequest, CodeBadRequest, "limit must be an integer")
		}
		query.Limit = limit
	}

	entries, err := h.store.List(r.Context(), query)
	if err != nil {
		h.logger.Error("listing memories for peer failed", "issuer", claims.Issuer, "error", err)
		return writeError(w, http.StatusInternalServerError, CodeInternal, "listing entries failed")
	}
	if entries == nil {
		entries = []memory.Entry{}
	}
	netutil.WriteJSON(w, http.StatusOK, PullResponse{Entries: entries})
	return http.StatusOK
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request, claims *Claims) int {
	var request RevokeRequest
	if err := netutil.ReadJSONBody(r, 4096, &request); err != nil {
		return writeError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
	}
	if request.ID == "" {
		return writeError(w, http.StatusBadRequest, CodeBadRequest, "id is required")
	}

	// No accepted token outlives MaxTokenLifetime, so a revocation
	// never needs to be kept longer than that.
	now := h.clock.Now()
	limit := now.Add(MaxTokenLifetime)
	expiresAt := request.ExpiresAt
	if expiresAt.IsZero() || expiresAt.After(limit) {
		expiresAt = limit
	}
	h.verifier.Revocations().Cleanup(now)
	h.verifier.Revoke(claims.Issuer, request.ID, expiresAt)
	h.logger.Info("token revoked", "issuer", claims.Issuer, "token_id", request.ID)
	netutil.WriteJSON(w, http.StatusOK, RevokeResponse{Revoked: true})
	return http.StatusOK
}

func writeError(w http.ResponseWriter, status int, code, message string) int {
	netutil.WriteJSON(w, status, ErrorResponse{Error: message, Code: code})
	return status
}
