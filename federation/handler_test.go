// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tausestack/tausestack/lib/clock"
	"github.com/tausestack/tausestack/lib/tenant"
	"github.com/tausestack/tausestack/memory"
)

func TestInfoIsUnauthenticated(t *testing.T) {
	nodes := startCluster(t, clock.Fake(epoch), 2)
	response := rawRequest(t, nodes[0], http.MethodGet, "/info", "", nil)
	if response.status != http.StatusOK {
		t.Fatalf("status = %d: %s", response.status, response.body)
	}
	var info Info
	response.decode(t, &info)
	if info.URL != nodes[0].url {
		t.Errorf("URL = %q, want %q", info.URL, nodes[0].url)
	}
	key, err := ParsePublicKey(info.PublicKey)
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	if !key.Equal(nodes[0].key.Public()) {
		t.Error("advertised key does not match the node key")
	}
	if len(info.Algorithms) != 2 || info.Algorithms[0] != AlgorithmEdDSA {
		t.Errorf("Algorithms = %v", info.Algorithms)
	}
}

func TestPushRewritesTenantAndOrigin(t *testing.T) {
	nodes := startCluster(t, clock.Fake(epoch), 2)
	alpha, beta := nodes[0], nodes[1]

	// The entry claims another tenant; the token decides.
	entry := entryAt("globex", "planner", "shared fact", 0)
	token := mintFor(t, alpha, beta, "acme", AnySubject, ScopeWrite)

	response := rawRequest(t, beta, http.MethodPost, "/memories", token, PushRequest{Entries: []memory.Entry{entry, entry}})
	if response.status != http.StatusOK {
		t.Fatalf("status = %d: %s", response.status, response.body)
	}
	var result PushResponse
	response.decode(t, &result)
	if result.Accepted != 1 || result.Duplicates != 1 {
		t.Errorf("result = %+v, want 1 accepted, 1 duplicate", result)
	}

	stored, err := beta.store.List(context.Background(), memory.Query{Tenant: "acme"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("stored %d entries under acme", len(stored))
	}
	if stored[0].Origin != alpha.url || stored[0].Tenant != "acme" {
		t.Errorf("stored = %+v", stored[0])
	}
	if stored[0].ID != memory.ComputeID("acme", "planner", "note", "shared fact") {
		t.Error("id was not recomputed for the token tenant")
	}
	globex, _ := beta.store.List(context.Background(), memory.Query{Tenant: "globex"})
	if len(globex) != 0 {
		t.Errorf("entry leaked into the claimed tenant")
	}
}

func TestHandlerRejections(t *testing.T) {
	nodes := startCluster(t, clock.Fake(epoch), 2)
	alpha, beta := nodes[0], nodes[1]
	writeToken := mintFor(t, alpha, beta, "acme", AnySubject, ScopeWrite)
	readToken := mintFor(t, alpha, beta, "acme", AnySubject, ScopeRead)
	plannerToken := mintFor(t, alpha, beta, "acme", "planner", ScopeWrite, ScopeRead)
	// A token addressed to alpha is useless at beta.
	misaddressed := mintFor(t, beta, alpha, "acme", AnySubject, ScopeWrite)

	valid := PushRequest{Entries: []memory.Entry{entryAt("acme", "planner", "x", 0)}}
	tooMany := PushRequest{}
	for index := range MaxPushEntries + 1 {
		tooMany.Entries = append(tooMany.Entries, entryAt("acme", "planner", fmt.Sprint(index), 0))
	}
	tampered := entryAt("acme", "planner", "x", 0)
	tampered.Agent = ""

	tests := []struct {
		name    string
		method  string
		path    string
		token   string
		body    any
		headers []string
		status  int
		code    string
	}{
		{"no token", http.MethodPost, "/memories", "", valid, nil, http.StatusUnauthorized, CodeUnauthorized},
		{"garbage token", http.MethodPost, "/memories", "not.a.jwt", valid, nil, http.StatusUnauthorized, CodeUnauthorized},
		{"wrong audience", http.MethodPost, "/memories", misaddressed, valid, nil, http.StatusUnauthorized, CodeUnauthorized},
		{"read scope cannot push", http.MethodPost, "/memories", readToken, valid, nil, http.StatusForbidden, CodeForbidden},
		{"write scope cannot pull", http.MethodGet, "/memories", writeToken, nil, nil, http.StatusForbidden, CodeForbidden},
		{"tenant header mismatch", http.MethodPost, "/memories", writeToken, valid, []string{tenant.Header, "globex"}, http.StatusForbidden, CodeForbidden},
		{"subject mismatch", http.MethodPost, "/memories", plannerToken,
			PushRequest{Entries: []memory.Entry{entryAt("acme", "critic", "x", 0)}}, nil, http.StatusForbidden, CodeForbidden},
		{"pull another agent", http.MethodGet, "/memories?agent=critic", plannerToken, nil, nil, http.StatusForbidden, CodeForbidden},
		{"too many entries", http.MethodPost, "/memories", writeToken, tooMany, nil, http.StatusRequestEntityTooLarge, CodeTooLarge},
		{"body too large", http.MethodPost, "/memories", writeToken, bytes.Repeat([]byte(" "), int(MaxPushBytes)+1), nil, http.StatusRequestEntityTooLarge, CodeTooLarge},
		{"malformed body", http.MethodPost, "/memories", writeToken, []byte("{"), nil, http.StatusBadRequest, CodeBadRequest},
		{"invalid entry", http.MethodPost, "/memories", writeToken, PushRequest{Entries: []memory.Entry{tampered}}, nil, http.StatusBadRequest, CodeBadRequest},
		{"bad since", http.MethodGet, "/memories?since=yesterday", readToken, nil, nil, http.StatusBadRequest, CodeBadRequest},
		{"bad limit", http.MethodGet, "/memories?limit=many", readToken, nil, nil, http.StatusBadRequest, CodeBadRequest},
		{"revoke without id", http.MethodPost, "/revoke", writeToken, RevokeRequest{}, nil, http.StatusBadRequest, CodeBadRequest},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			response := rawRequest(t, beta, test.method, test.path, test.token, test.body, test.headers...)
			if response.status != test.status {
				t.Fatalf("status = %d, want %d: %s", response.status, test.status, response.body)
			}
			if code := response.errorCode(t); code != test.code {
				t.Errorf("code = %q, want %q", code, test.code)
			}
		})
	}

	entries, _ := beta.store.List(context.Background(), memory.Query{Tenant: "acme"})
	if len(entries) != 0 {
		t.Errorf("rejected requests stored %d entries", len(entries))
	}
}

func TestPullServesOnlyLocalEntries(t *testing.T) {
	nodes := startCluster(t, clock.Fake(epoch), 2)
	alpha, beta := nodes[0], nodes[1]
	ctx := context.Background()

	local := entryAt("acme", "planner", "local", time.Minute)
	if _, err := beta.store.Put(ctx, local); err != nil {
		t.Fatalf("Put: %v", err)
	}
	relayed := entryAt("acme", "planner", "relayed", 2*time.Minute).Rehome("acme", "https://gamma.example")
	if _, err := beta.store.Put(ctx, relayed); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := beta.store.Put(ctx, entryAt("globex", "planner", "other tenant", 0)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	entries, err := peerOf(t, alpha, beta).Pull(ctx, "acme", memory.Query{})
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if len(entries) != 1 || entries[0].Content != "local" {
		t.Errorf("entries = %+v, want only the local acme entry", entries)
	}

	since, err := peerOf(t, alpha, beta).Pull(ctx, "acme", memory.Query{Since: epoch.Add(2 * time.Minute)})
	if err != nil {
		t.Fatalf("Pull with since: %v", err)
	}
	if len(since) != 0 {
		t.Errorf("since filter returned %d entries", len(since))
	}
}

func TestRevokedTokenIsRejected(t *testing.T) {
	fake := clock.Fake(epoch)
	nodes := startCluster(t, fake, 2)
	alpha, beta := nodes[0], nodes[1]

	token, claims, err := alpha.fed.signer.Mint(beta.url, "acme", AnySubject, []string{ScopeRead})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if response := rawRequest(t, beta, http.MethodGet, "/memories", token, nil); response.status != http.StatusOK {
		t.Fatalf("before revoke: status %d", response.status)
	}

	if err := peerOf(t, alpha, beta).Revoke(context.Background(), "acme", claims); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	response := rawRequest(t, beta, http.MethodGet, "/memories", token, nil)
	if response.status != http.StatusUnauthorized {
		t.Errorf("after revoke: status %d, want 401", response.status)
	}

	// A later revoke runs cleanup after the token's exp but while the
	// leeway still accepts it.
	fake.Advance(DefaultTokenTTL + 10*time.Second)
	_, other, err := alpha.fed.signer.Mint(beta.url, "acme", AnySubject, []string{ScopeRead})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if err := peerOf(t, alpha, beta).Revoke(context.Background(), "acme", other); err != nil {
		t.Fatalf("second Revoke: %v", err)
	}
	response = rawRequest(t, beta, http.MethodGet, "/memories", token, nil)
	if response.status != http.StatusUnauthorized {
		t.Errorf("revoked token inside leeway after cleanup: status %d, want 401", response.status)
	}
}

func TestHandlerMetrics(t *testing.T) {
	fake := clock.Fake(epoch)
	nodes := startCluster(t, fake, 2)
	alpha, beta := nodes[0], nodes[1]

	metrics := NewMetrics()
	beta.handler.Store(NewHandler(HandlerConfig{
		Info:     beta.fed.Info(),
		Store:    beta.store,
		Verifier: beta.fed.verifier,
		Metrics:  metrics,
		Clock:    fake,
	}))

	token := mintFor(t, alpha, beta, "acme", AnySubject, ScopeWrite)
	rawRequest(t, beta, http.MethodPost, "/memories", token, PushRequest{Entries: []memory.Entry{entryAt("acme", "a", "x", 0)}})
	rawRequest(t, beta, http.MethodPost, "/memories", "", PushRequest{})

	if got := testutil.ToFloat64(metrics.Requests.WithLabelValues("push", "2xx")); got != 1 {
		t.Errorf("push 2xx = %v", got)
	}
	if got := testutil.ToFloat64(metrics.Requests.WithLabelValues("push", "4xx")); got != 1 {
		t.Errorf("push 4xx = %v", got)
	}
	if got := testutil.ToFloat64(metrics.EntriesReceived.WithLabelValues("accepted")); got != 1 {
		t.Errorf("accepted = %v", got)
	}
}
