// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

// Package node assembles a running TauseStack node from configuration:
// the memory store, the federation service, the MCP server with its
// tools, and the HTTP surface that carries the network transports,
// the federation API, and metrics.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tausestack/tausestack/federation"
	"github.com/tausestack/tausestack/lib/config"
	"github.com/tausestack/tausestack/lib/mcp"
	"github.com/tausestack/tausestack/lib/tenant"
	"github.com/tausestack/tausestack/lib/version"
	"github.com/tausestack/tausestack/memory"
	"github.com/tausestack/tausestack/transport"
)

// Node is one configured server process.
type Node struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      memory.Store
	federation *federation.Federation
	server     *mcp.Server
	registry   *prometheus.Registry
}

// New opens the store and wires every component. cfg must already be
// validated. The caller must Close the node.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Node, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mcpMetrics := mcp.NewMetrics()
	federationMetrics := federation.NewMetrics()
	registry.MustRegister(mcpMetrics.PrometheusCollectors()...)
	registry.MustRegister(federationMetrics.PrometheusCollectors()...)

	store, err := OpenStore(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}

	fed, err := NewFederation(cfg, store, federationMetrics, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	options := []mcp.ServerOption{
		mcp.WithLogger(logger),
		mcp.WithMetrics(mcpMetrics),
		mcp.WithInstructions(cfg.Server.Instructions),
	}
	if cfg.Server.PageSize > 0 {
		options = append(options, mcp.WithPageSize(cfg.Server.PageSize))
	}
	if cfg.Server.MaxInFlight > 0 {
		options = append(options, mcp.WithMaxInFlight(cfg.Server.MaxInFlight))
	}
	if len(cfg.Server.Tools) > 0 {
		serverConfig := cfg.Server
		options = append(options, mcp.WithToolAuthorizer(func(_ mcp.SessionInfo, tool mcp.Tool) bool {
			return serverConfig.ToolAllowed(tool.Name)
		}))
	}
	server := mcp.NewServer(mcp.Implementation{Name: cfg.Server.Name, Version: version.Short()}, options...)
	federation.RegisterTools(server, fed)

	logger.Info("node ready",
		"transport", cfg.Server.Transport,
		"storage", cfg.Storage.Driver,
		"federation", fed.Enabled(),
		"peers", len(fed.Peers()),
	)
	return &Node{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		federation: fed,
		server:     server,
		registry:   registry,
	}, nil
}

// OpenStore opens the configured memory store.
func OpenStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (memory.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return memory.NewMemoryStore(), nil
	case config.DriverSQLite:
		compression, err := memory.ParseCompression(cfg.Compression)
		if err != nil {
			return nil, err
		}
		return memory.OpenSQLite(ctx, memory.SQLiteConfig{
			Path:        cfg.Path,
			PoolSize:    cfg.PoolSize,
			Compression: compression,
			Logger:      logger,
		})
	default:
		return nil, fmt.Errorf("node: unknown storage driver %q", cfg.Driver)
	}
}

// Server returns the MCP server.
func (n *Node) Server() *mcp.Server { return n.server }

// Federation returns the federation service.
func (n *Node) Federation() *federation.Federation { return n.federation }

// Registry returns the metrics registry served on the metrics path.
func (n *Node) Registry() *prometheus.Registry { return n.registry }

// Close releases the store.
func (n *Node) Close() error {
	return n.store.Close()
}

// Run serves the configured transport until ctx is cancelled or, for
// stdio, the client disconnects.
func (n *Node) Run(ctx context.Context) error {
	switch n.cfg.Server.Transport {
	case config.TransportStdio:
		return n.ServeStdio(ctx)
	case config.TransportWebSocket, config.TransportSSE:
		listener, err := transport.NewHTTPListener(n.cfg.Server.Listen)
		if err != nil {
			return fmt.Errorf("node: listening on %s: %w", n.cfg.Server.Listen, err)
		}
		n.logger.Info("http listener started",
			"address", listener.Address(),
			"transport", n.cfg.Server.Transport,
			"base_path", n.cfg.Server.BasePath,
		)
		return listener.Serve(ctx, n.Handler())
	default:
		return fmt.Errorf("node: unknown transport %q", n.cfg.Server.Transport)
	}
}

// ServeStdio runs one session on standard input and output for the
// default tenant. The federation API is not reachable over stdio.
func (n *Node) ServeStdio(ctx context.Context) error {
	ctx = tenant.WithTenant(ctx, tenant.ID(n.cfg.Tenant.Default))
	err := n.server.Serve(ctx, transport.Stdio())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Handler returns the HTTP surface: the configured MCP transport under
// server.base_path behind bearer authentication, the federation API
// when enabled, and metrics when enabled.
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	basePath := strings.TrimRight(n.cfg.Server.BasePath, "/")

	auth := newSessionAuth(n.cfg.Server.Tokens, n.cfg.Tenant.Header)
	switch n.cfg.Server.Transport {
	case config.TransportSSE:
		sse := transport.NewSSEHandler(n.accept, transport.SSEOptions{Logger: n.logger, Owner: sessionOwner})
		mux.Handle(basePath+"/sse", auth.wrap(sse))
		mux.Handle(basePath+"/message", auth.wrap(sse))
	default:
		websocket := transport.NewWebSocketHandler(n.accept, transport.WebSocketOptions{Logger: n.logger})
		mux.Handle(basePath, auth.wrap(websocket))
	}

	if handler := n.federation.Handler(); handler != nil {
		mux.Handle(federation.BasePath+"/", handler)
	}
	if n.cfg.Metrics.Enabled {
		mux.Handle(n.cfg.Metrics.Path, promhttp.HandlerFor(n.registry, promhttp.HandlerOpts{}))
	}
	return mux
}

func (n *Node) accept(ctx context.Context, conn transport.Conn, r *http.Request) {
	id := tenant.MustFromContext(r.Context())
	if err := n.server.Serve(tenant.WithTenant(ctx, id), conn); err != nil && !errors.Is(err, context.Canceled) {
		n.logger.Warn("session ended with error", "remote", r.RemoteAddr, "tenant", id, "error", err)
	}
}
