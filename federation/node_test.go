// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tausestack/tausestack/lib/clock"
	"github.com/tausestack/tausestack/lib/tenant"
	"github.com/tausestack/tausestack/memory"
)

// testNode is one federation node served by httptest. Every node in a
// cluster trusts and peers with every other.
type testNode struct {
	url     string
	server  *httptest.Server
	key     ed25519.PrivateKey
	store   *memory.MemoryStore
	fed     *Federation
	handler atomic.Pointer[Handler]
}

func startCluster(t *testing.T, fake *clock.FakeClock, size int) []*testNode {
	t.Helper()
	nodes := make([]*testNode, size)
	for index := range nodes {
		node := &testNode{store: memory.NewMemoryStore()}
		node.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handler := node.handler.Load()
			if handler == nil {
				http.Error(w, "not configured", http.StatusServiceUnavailable)
				return
			}
			handler.ServeHTTP(w, r)
		}))
		t.Cleanup(node.server.Close)

		url, err := NormalizeURL(node.server.URL)
		if err != nil {
			t.Fatalf("NormalizeURL: %v", err)
		}
		node.url = url
		if node.key, err = GenerateKey(); err != nil {
			t.Fatalf("GenerateKey: %v", err)
		}
		nodes[index] = node
	}

	for _, node := range nodes {
		var (
			allowed []string
			keys    = make(map[string]PeerKey)
		)
		for _, other := range nodes {
			if other != node {
				allowed = append(allowed, other.url)
				keys[other.url] = PeerKey{PublicKey: other.key.Public().(ed25519.PublicKey)}
			}
		}
		node.configure(t, fake, allowed, keys, nodes)
	}
	return nodes
}

func (n *testNode) configure(t *testing.T, fake *clock.FakeClock, allowed []string, keys map[string]PeerKey, cluster []*testNode) {
	t.Helper()
	signer, err := NewSigner(SignerConfig{SelfURL: n.url, Key: n.key, Clock: fake})
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	allow, err := NewAllowList(allowed)
	if err != nil {
		t.Fatalf("NewAllowList: %v", err)
	}
	keyring, err := NewKeyring(keys)
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	verifier, err := NewVerifier(VerifierConfig{SelfURL: n.url, Allow: allow, Keys: keyring, Clock: fake})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	var peers []*Peer
	for _, other := range cluster {
		if other == n {
			continue
		}
		peer, err := NewPeer(PeerConfig{
			URL:        other.url,
			Signer:     signer,
			HTTPClient: other.server.Client(),
			Clock:      fake,
		})
		if err != nil {
			t.Fatalf("NewPeer: %v", err)
		}
		peers = append(peers, peer)
	}

	n.fed, err = New(Config{
		Name:     "node",
		Version:  "test",
		Store:    n.store,
		Signer:   signer,
		Verifier: verifier,
		Peers:    peers,
		Clock:    fake,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n.handler.Store(n.fed.Handler())
}

// peerOf returns from's Peer client for to.
func peerOf(t *testing.T, from, to *testNode) *Peer {
	t.Helper()
	for _, peer := range from.fed.Peers() {
		if peer.URL() == to.url {
			return peer
		}
	}
	t.Fatalf("%s has no peer %s", from.url, to.url)
	return nil
}

// mintFor mints a token from one node addressed to another.
func mintFor(t *testing.T, from, to *testNode, tenantID tenant.ID, subject string, scopes ...string) string {
	t.Helper()
	token, _, err := from.fed.signer.Mint(to.url, tenantID, subject, scopes)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	return token
}

type rawResponse struct {
	status int
	body   []byte
}

func (r rawResponse) decode(t *testing.T, v any) {
	t.Helper()
	if err := json.Unmarshal(r.body, v); err != nil {
		t.Fatalf("decoding %q: %v", r.body, err)
	}
}

func (r rawResponse) errorCode(t *testing.T) string {
	t.Helper()
	var response ErrorResponse
	r.decode(t, &response)
	return response.Code
}

func rawRequest(t *testing.T, node *testNode, method, path, token string, body any, headers ...string) rawResponse {
	t.Helper()
	var reader io.Reader
	switch value := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(value)
	default:
		data, err := json.Marshal(value)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	request, err := http.NewRequest(method, node.url+BasePath+path, reader)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	for index := 0; index+1 < len(headers); index += 2 {
		request.Header.Set(headers[index], headers[index+1])
	}
	response, err := node.server.Client().Do(request)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer response.Body.Close()
	data, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	return rawResponse{status: response.StatusCode, body: data}
}

func entryAt(tenantID tenant.ID, agent, content string, offset time.Duration) memory.Entry {
	return memory.NewEntry(tenantID, agent, "", content, nil, epoch.Add(offset))
}
