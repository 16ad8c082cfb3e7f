// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"
)

// HTTPListener serves the WebSocket, SSE, and federation handlers on
// one TCP address. Use ":0" for a random port.
type HTTPListener struct {
	listener net.Listener

	mu     sync.Mutex
	server *http.Server
}

// NewHTTPListener binds address immediately so Address is valid before
// Serve is called.
func NewHTTPListener(address string) (*HTTPListener, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	return &HTTPListener{listener: listener}, nil
}

// Serve dispatches requests to handler until ctx is cancelled or Close
// is called, then returns nil. Every request context derives from ctx,
// so long-lived streams end on shutdown.
func (l *HTTPListener) Serve(ctx context.Context, handler http.Handler) error {
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: event streams and websockets are long-lived.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	l.mu.Lock()
	l.server = server
	l.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if server.Shutdown(shutdownCtx) != nil {
			server.Close()
		}
	})
	defer stop()

	err := server.Serve(l.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Address returns the bound address in "host:port" form.
func (l *HTTPListener) Address() string {
	return l.listener.Addr().String()
}

// URL returns "http://" plus Address.
func (l *HTTPListener) URL() string {
	return "http://" + l.Address()
}

// Close stops the listener and any running server.
func (l *HTTPListener) Close() error {
	l.mu.Lock()
	server := l.server
	l.mu.Unlock()
	if server != nil {
		return server.Close()
	}
	return l.listener.Close()
}
