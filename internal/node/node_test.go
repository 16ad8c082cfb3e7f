// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/golang-jwt/jwt/v4"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tausestack/tausestack/federation"
	"github.com/tausestack/tausestack/lib/config"
	"github.com/tausestack/tausestack/lib/tenant"
	"github.com/tausestack/tausestack/memory"
	"github.com/tausestack/tausestack/transport"
)

const sharedSecret = "0123456789abcdef0123456789abcdef"

func newNode(t *testing.T, cfg *config.Config) *Node {
	t.Helper()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	n, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { n.Close() })
	return n
}

// Bearer tokens granted by networked test configs.
const (
	acmeToken   = "acme-token-0123456789abcdef01234567"
	globexToken = "globex-token-0123456789abcdef012345"
)

// networked returns a config for transportName that grants acmeToken
// to acme and globexToken to globex.
func networked(transportName string) *config.Config {
	cfg := config.Default()
	cfg.Server.Transport = transportName
	cfg.Server.Tokens = []config.TokenConfig{
		{Token: acmeToken, Tenant: "acme"},
		{Token: globexToken, Tenant: "globex"},
	}
	return cfg
}

func bearer(token string) http.Header {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	return header
}

func connect(t *testing.T, clientTransport mcpsdk.Transport) *mcpsdk.ClientSession {
	t.Helper()
	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "node-test", Version: "0.1"}, nil)
	session, err := client.Connect(context.Background(), clientTransport, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

// connectPipe serves one in-process session on n for the default
// tenant.
func connectPipe(t *testing.T, n *Node) *mcpsdk.ClientSession {
	t.Helper()
	serverConn, clientConn := transport.Pipe()
	go n.Server().Serve(tenant.WithTenant(context.Background(), tenant.Default), serverConn)
	return connect(t, transport.SDKTransport(clientConn))
}

func storeMemory(t *testing.T, session *mcpsdk.ClientSession, agent, content string) {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcpsdk.CallToolParams{
		Name:      "memory_store",
		Arguments: map[string]any{"agent": agent, "content": content},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if result.IsError {
		t.Fatalf("memory_store failed: %+v", result.Content)
	}
}

func toolNames(t *testing.T, session *mcpsdk.ClientSession) []string {
	t.Helper()
	var names []string
	for tool, err := range session.Tools(context.Background(), nil) {
		if err != nil {
			t.Fatalf("Tools: %v", err)
		}
		names = append(names, tool.Name)
	}
	return names
}

func websocketEndpoint(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/mcp"
}

func TestWebSocketSessionUsesTokenTenant(t *testing.T) {
	n := newNode(t, networked(config.TransportWebSocket))
	server := httptest.NewServer(n.Handler())
	t.Cleanup(server.Close)

	clientTransport, err := transport.Dial(context.Background(), websocketEndpoint(server), transport.DialOptions{Header: bearer(globexToken)})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	storeMemory(t, connect(t, clientTransport), "planner", "over websocket")

	entries, err := n.Federation().Store().List(context.Background(), memory.Query{Tenant: "globex"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].Content != "over websocket" {
		t.Errorf("globex entries = %+v", entries)
	}
	if others, _ := n.Federation().Store().List(context.Background(), memory.Query{Tenant: tenant.Default}); len(others) != 0 {
		t.Errorf("default tenant has %d entries", len(others))
	}
}

func TestSSESession(t *testing.T) {
	cfg := networked(config.TransportSSE)
	cfg.Server.BasePath = "/agents/"
	n := newNode(t, cfg)
	server := httptest.NewServer(n.Handler())
	t.Cleanup(server.Close)

	header := bearer(acmeToken)
	header.Set(tenant.Header, "acme")
	clientTransport, err := transport.Dial(context.Background(), server.URL+"/agents/sse", transport.DialOptions{
		Header:     header,
		HTTPClient: server.Client(),
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	storeMemory(t, connect(t, clientTransport), "planner", "over sse")

	entries, _ := n.Federation().Store().List(context.Background(), memory.Query{Tenant: "acme"})
	if len(entries) != 1 {
		t.Errorf("acme has %d entries, want 1", len(entries))
	}
}

func TestNetworkSessionsRequireToken(t *testing.T) {
	for _, test := range []struct {
		transport string
		path      string
	}{
		{config.TransportWebSocket, "/mcp"},
		{config.TransportSSE, "/mcp/sse"},
		{config.TransportSSE, "/mcp/message?session=unknown"},
	} {
		t.Run(test.transport+test.path, func(t *testing.T) {
			n := newNode(t, networked(test.transport))
			server := httptest.NewServer(n.Handler())
			t.Cleanup(server.Close)

			method := http.MethodGet
			if strings.Contains(test.path, "/message") {
				method = http.MethodPost
			}
			for name, authorization := range map[string]string{
				"missing":      "",
				"unknown":      "Bearer not-a-configured-token-0123456789",
				"wrong scheme": "Basic " + acmeToken,
				"empty":        "Bearer ",
			} {
				request, _ := http.NewRequest(method, server.URL+test.path, strings.NewReader("{}"))
				if authorization != "" {
					request.Header.Set("Authorization", authorization)
				}
				response, err := server.Client().Do(request)
				if err != nil {
					t.Fatalf("%s: %v", name, err)
				}
				response.Body.Close()
				if response.StatusCode != http.StatusUnauthorized {
					t.Errorf("%s: status = %d, want 401", name, response.StatusCode)
				}
				if !strings.HasPrefix(response.Header.Get("WWW-Authenticate"), "Bearer") {
					t.Errorf("%s: WWW-Authenticate = %q", name, response.Header.Get("WWW-Authenticate"))
				}
			}
		})
	}

	// A client without a token fails to connect at all.
	n := newNode(t, networked(config.TransportWebSocket))
	server := httptest.NewServer(n.Handler())
	t.Cleanup(server.Close)
	if _, err := transport.Dial(context.Background(), websocketEndpoint(server), transport.DialOptions{}); err == nil {
		t.Error("WebSocket upgrade without a token succeeded")
	}
}

func TestTenantHeaderMustMatchToken(t *testing.T) {
	for _, transportName := range []string{config.TransportWebSocket, config.TransportSSE} {
		t.Run(transportName, func(t *testing.T) {
			n := newNode(t, networked(transportName))
			server := httptest.NewServer(n.Handler())
			t.Cleanup(server.Close)

			path := "/mcp"
			if transportName == config.TransportSSE {
				path = "/mcp/sse"
			}
			status := func(tenantHeader string) int {
				ctx, cancel := context.WithCancel(context.Background())
				defer cancel()
				request, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+path, nil)
				request.Header.Set("Authorization", "Bearer "+acmeToken)
				request.Header.Set(tenant.Header, tenantHeader)
				response, err := server.Client().Do(request)
				if err != nil {
					t.Fatalf("GET: %v", err)
				}
				response.Body.Close()
				return response.StatusCode
			}
			if got := status("globex"); got != http.StatusForbidden {
				t.Errorf("foreign tenant status = %d, want 403", got)
			}
			if got := status("Not A Tenant"); got != http.StatusBadRequest {
				t.Errorf("malformed tenant status = %d, want 400", got)
			}
		})
	}

	// The same mismatch through a real client never opens a session.
	n := newNode(t, networked(config.TransportWebSocket))
	server := httptest.NewServer(n.Handler())
	t.Cleanup(server.Close)
	header := bearer(acmeToken)
	header.Set(tenant.Header, "globex")
	if _, err := transport.Dial(context.Background(), websocketEndpoint(server), transport.DialOptions{Header: header}); err == nil {
		t.Error("WebSocket upgrade for a foreign tenant succeeded")
	}
}

func TestSSEMessagesStayWithTheirTenant(t *testing.T) {
	n := newNode(t, networked(config.TransportSSE))
	server := httptest.NewServer(n.Handler())
	t.Cleanup(server.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	request, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/mcp/sse", nil)
	request.Header.Set("Authorization", "Bearer "+acmeToken)
	response, err := server.Client().Do(request)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer response.Body.Close()
	reader := bufio.NewReader(response.Body)
	var endpoint string
	for endpoint == "" {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("reading stream: %v", err)
		}
		if data, ok := strings.CutPrefix(strings.TrimSpace(line), "data: "); ok {
			endpoint = data
		}
	}

	post := func(token string) int {
		request, _ := http.NewRequest(http.MethodPost, server.URL+endpoint, strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
		request.Header.Set("Authorization", "Bearer "+token)
		response, err := server.Client().Do(request)
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		response.Body.Close()
		return response.StatusCode
	}
	if got := post(globexToken); got != http.StatusForbidden {
		t.Errorf("globex POST into an acme stream = %d, want 403", got)
	}
	if got := post(acmeToken); got != http.StatusAccepted {
		t.Errorf("acme POST = %d, want 202", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	n := newNode(t, networked(config.TransportWebSocket))
	server := httptest.NewServer(n.Handler())
	t.Cleanup(server.Close)

	// Metrics are not behind session authentication.
	response, err := server.Client().Get(server.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer response.Body.Close()
	body, _ := io.ReadAll(response.Body)
	if response.StatusCode != http.StatusOK || !strings.Contains(string(body), "go_goroutines") {
		t.Errorf("status %d, body missing go collector:\n%.300s", response.StatusCode, body)
	}

	cfg := networked(config.TransportWebSocket)
	cfg.Metrics.Enabled = false
	quiet := httptest.NewServer(newNode(t, cfg).Handler())
	t.Cleanup(quiet.Close)
	response, err = quiet.Client().Get(quiet.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusNotFound {
		t.Errorf("disabled metrics status = %d, want 404", response.StatusCode)
	}
}

func TestToolAllowList(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Tools = []string{"memory_recall"}
	n := newNode(t, cfg)

	session := connectPipe(t, n)

	if tools := toolNames(t, session); !slices.Equal(tools, []string{"memory_recall"}) {
		t.Errorf("tools = %v", tools)
	}
	if _, err := session.CallTool(context.Background(), &mcpsdk.CallToolParams{
		Name:      "memory_store",
		Arguments: map[string]any{"agent": "a", "content": "b"},
	}); err == nil {
		t.Error("hidden tool was callable")
	}
}

func TestOpenSQLiteStore(t *testing.T) {
	storage := config.StorageConfig{
		Driver:      config.DriverSQLite,
		Path:        filepath.Join(t.TempDir(), "memory.db"),
		Compression: "lz4",
	}
	store, err := OpenStore(context.Background(), storage, nil)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()
	sqlite, ok := store.(*memory.SQLiteStore)
	if !ok {
		t.Fatalf("store is %T", store)
	}
	if sqlite.Compression() != memory.CompressionLZ4 {
		t.Errorf("compression = %v", sqlite.Compression())
	}

	storage.Compression = "brotli"
	if _, err := OpenStore(context.Background(), storage, nil); err == nil {
		t.Error("unknown compression accepted")
	}
}

// lateHandler lets a test server start before the node it fronts
// exists, so the node can be configured with its own URL.
type lateHandler struct {
	handler atomic.Pointer[http.Handler]
}

func (l *lateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	handler := l.handler.Load()
	if handler == nil {
		http.Error(w, "starting", http.StatusServiceUnavailable)
		return
	}
	(*handler).ServeHTTP(w, r)
}

func TestFederatedNodesShareMemory(t *testing.T) {
	alphaFront, betaFront := &lateHandler{}, &lateHandler{}
	alphaServer := httptest.NewServer(alphaFront)
	betaServer := httptest.NewServer(betaFront)
	t.Cleanup(alphaServer.Close)
	t.Cleanup(betaServer.Close)

	federated := func(self, peer string) *config.Config {
		cfg := networked(config.TransportWebSocket)
		cfg.Federation.Enabled = true
		cfg.Federation.SelfURL = self
		cfg.Federation.SharedSecret = sharedSecret
		cfg.Federation.Peers = []config.PeerConfig{{URL: peer}}
		return cfg
	}
	alpha := newNode(t, federated(alphaServer.URL, betaServer.URL))
	beta := newNode(t, federated(betaServer.URL, alphaServer.URL))
	alphaHandler, betaHandler := alpha.Handler(), beta.Handler()
	alphaFront.handler.Store(&alphaHandler)
	betaFront.handler.Store(&betaHandler)

	ctx := context.Background()
	if _, _, err := alpha.Federation().Remember(ctx, "acme", "planner", "", "shared across nodes", nil); err != nil {
		t.Fatalf("Remember: %v", err)
	}
	result, err := alpha.Federation().Share(ctx, "acme", "planner", betaServer.URL)
	if err != nil {
		t.Fatalf("Share: %v", err)
	}
	if result.Accepted != 1 {
		t.Errorf("Share = %+v", result)
	}

	entries, _ := beta.Federation().Store().List(ctx, memory.Query{Tenant: "acme"})
	if len(entries) != 1 {
		t.Fatalf("beta has %d entries", len(entries))
	}
	alphaURL, _ := federation.NormalizeURL(alphaServer.URL)
	if entries[0].Origin != alphaURL {
		t.Errorf("origin = %q, want %q", entries[0].Origin, alphaURL)
	}

	// The node serves the federation API next to the MCP endpoint.
	response, err := betaServer.Client().Get(betaServer.URL + federation.BasePath + "/info")
	if err != nil {
		t.Fatalf("GET info: %v", err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Errorf("info status = %d", response.StatusCode)
	}
}

func TestFederationToolsFollowConfig(t *testing.T) {
	names := func(n *Node) []string {
		return toolNames(t, connectPipe(t, n))
	}

	plain := newNode(t, config.Default())
	if slices.Contains(names(plain), "federation_sync") {
		t.Error("federation tools registered while federation is disabled")
	}

	cfg := config.Default()
	cfg.Federation.Enabled = true
	cfg.Federation.SelfURL = "https://a.example"
	cfg.Federation.Peers = []config.PeerConfig{{URL: "https://b.example", SharedSecret: sharedSecret}}
	if !slices.Contains(names(newNode(t, cfg)), "federation_sync") {
		t.Error("federation tools missing while federation is enabled")
	}
}

func TestNewSignerLoadsKey(t *testing.T) {
	key, err := federation.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	path := filepath.Join(t.TempDir(), "node.pem")
	if err := federation.SavePrivateKey(path, key); err != nil {
		t.Fatalf("SavePrivateKey: %v", err)
	}

	signer, err := NewSigner(config.FederationConfig{
		SelfURL:    "https://a.example",
		SigningKey: path,
		Peers: []config.PeerConfig{
			{URL: "https://keyed.example"},
			{URL: "https://secret.example", SharedSecret: sharedSecret},
		},
	})
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	if !signer.PublicKey().Equal(key.Public()) {
		t.Error("signer has a different key")
	}

	for audience, algorithm := range map[string]string{
		"https://keyed.example":  federation.AlgorithmEdDSA,
		"https://secret.example": federation.AlgorithmHS256,
	} {
		token, _, err := signer.Mint(audience, "acme", "", []string{federation.ScopeRead})
		if err != nil {
			t.Fatalf("Mint(%s): %v", audience, err)
		}
		if got := tokenAlgorithm(t, token); got != algorithm {
			t.Errorf("token for %s uses %s, want %s", audience, got, algorithm)
		}
	}
}

func tokenAlgorithm(t *testing.T, token string) string {
	t.Helper()
	parsed, _, err := jwt.NewParser().ParseUnverified(token, &jwt.RegisteredClaims{})
	if err != nil {
		t.Fatalf("ParseUnverified: %v", err)
	}
	return parsed.Method.Alg()
}
