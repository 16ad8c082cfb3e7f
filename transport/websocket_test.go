// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tausestack/tausestack/lib/testutil"
)

// echoAccept writes back every message it reads until the connection
// ends.
func echoAccept(ctx context.Context, conn Conn, _ *http.Request) {
	for {
		message, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if err := conn.Write(ctx, message); err != nil {
			return
		}
	}
}

func websocketURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWebSocketEcho(t *testing.T) {
	server := httptest.NewServer(NewWebSocketHandler(echoAccept, WebSocketOptions{}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := DialWebSocket(ctx, websocketURL(server), nil)
	if err != nil {
		t.Fatalf("DialWebSocket: %v", err)
	}
	defer conn.Close()

	for _, message := range []string{`{"id":1}`, `{"id":2,"text":"line\nbreak"}`} {
		if err := conn.Write(ctx, []byte(message)); err != nil {
			t.Fatalf("Write: %v", err)
		}
		got, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if string(got) != message {
			t.Errorf("echo = %q, want %q", got, message)
		}
	}
}

func TestWebSocketServerCloseIsEOF(t *testing.T) {
	accepted := make(chan struct{})
	accept := func(ctx context.Context, conn Conn, _ *http.Request) {
		close(accepted)
	}
	server := httptest.NewServer(NewWebSocketHandler(accept, WebSocketOptions{}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := DialWebSocket(ctx, websocketURL(server), nil)
	if err != nil {
		t.Fatalf("DialWebSocket: %v", err)
	}
	defer conn.Close()
	testutil.RequireClosed(t, accepted, 5*time.Second, "accept never ran")

	_, err = conn.Read(ctx)
	if !errors.Is(err, io.EOF) {
		t.Errorf("Read after server close = %v, want io.EOF", err)
	}
	if !IsClosed(err) {
		t.Errorf("IsClosed(%v) = false", err)
	}
}

func TestWebSocketRequestVisibleToAccept(t *testing.T) {
	tenants := make(chan string, 1)
	accept := func(ctx context.Context, conn Conn, r *http.Request) {
		tenants <- r.Header.Get("X-Tenant-ID")
	}
	server := httptest.NewServer(NewWebSocketHandler(accept, WebSocketOptions{}))
	defer server.Close()

	header := http.Header{}
	header.Set("X-Tenant-ID", "acme")
	conn, err := DialWebSocket(context.Background(), websocketURL(server), header)
	if err != nil {
		t.Fatalf("DialWebSocket: %v", err)
	}
	defer conn.Close()
	if got := testutil.RequireReceive(t, tenants, 5*time.Second, "accept header"); got != "acme" {
		t.Errorf("tenant header = %q, want acme", got)
	}
}

func TestWebSocketDialRejected(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()
	if _, err := DialWebSocket(context.Background(), websocketURL(server), nil); err == nil {
		t.Fatal("DialWebSocket to a plain HTTP handler succeeded")
	}
}
