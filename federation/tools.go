// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/tausestack/tausestack/lib/mcp"
	"github.com/tausestack/tausestack/lib/tenant"
	"github.com/tausestack/tausestack/memory"
)

// MemoryURIPrefix prefixes the per-agent memory resources.
const MemoryURIPrefix = "memory://"

const searchLimit = 100

// RegisterTools exposes the memory store, and the federation
// operations when the node federates, on server.
func RegisterTools(server *mcp.Server, svc *Federation) {
	tools := &toolSet{svc: svc}

	server.AddTool(mcp.Tool{
		Name:        "memory_store",
		Title:       "Store memory",
		Description: "Remember a piece of text for an agent. Storing identical content again is a no-op.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"agent": {"type": "string", "description": "Agent the memory belongs to"},
				"content": {"type": "string", "description": "Text to remember"},
				"kind": {"type": "string", "description": "Category such as note or fact (default note)"},
				"metadata": {"type": "object", "additionalProperties": {"type": "string"}}
			},
			"required": ["agent", "content"]
		}`),
	}, tools.store)

	server.AddTool(mcp.Tool{
		Name:        "memory_recall",
		Title:       "Recall memories",
		Description: "List remembered entries, newest first.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"agent": {"type": "string"},
				"kind": {"type": "string"},
				"since": {"type": "string", "format": "date-time"},
				"limit": {"type": "integer", "minimum": 1, "maximum": 1000}
			}
		}`),
		Annotations: mcp.ReadOnlyAnnotations(),
	}, tools.recall)

	server.AddTool(mcp.Tool{
		Name:        "memory_search",
		Title:       "Search memories",
		Description: "Rank remembered entries by relevance to a free-text query.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string"},
				"agent": {"type": "string"},
				"kind": {"type": "string"},
				"limit": {"type": "integer", "minimum": 1, "maximum": 100}
			},
			"required": ["query"]
		}`),
		Annotations: mcp.ReadOnlyAnnotations(),
	}, tools.search)

	server.AddTool(mcp.Tool{
		Name:        "memory_forget",
		Title:       "Forget memory",
		Description: "Delete one entry by id.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"id": {"type": "string"}},
			"required": ["id"]
		}`),
		Annotations: &mcp.ToolAnnotations{DestructiveHint: boolPointer(true)},
	}, tools.forget)

	server.AddResourceSource(mcp.ResourceSource{
		Prefix: MemoryURIPrefix,
		Template: mcp.ResourceTemplate{
			URITemplate: MemoryURIPrefix + "{agent}",
			Name:        "agent-memory",
			Description: "Everything one agent remembers, newest first",
			MIMEType:    "application/json",
		},
		List: tools.listResources,
		Read: tools.readResource,
	})

	if !svc.Enabled() {
		return
	}

	server.AddTool(mcp.Tool{
		Name:        "federation_peers",
		Title:       "List peers",
		Description: "List configured federation peers. With check, fetch each peer's /info.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"check": {"type": "boolean"}}
		}`),
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: boolPointer(true), OpenWorldHint: boolPointer(true)},
	}, tools.peers)

	server.AddTool(mcp.Tool{
		Name:        "federation_share",
		Title:       "Share memories",
		Description: "Push an agent's local memories to a peer.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"agent": {"type": "string"},
				"peer": {"type": "string", "description": "Peer URL as configured"}
			},
			"required": ["agent", "peer"]
		}`),
		Annotations: &mcp.ToolAnnotations{IdempotentHint: boolPointer(true), OpenWorldHint: boolPointer(true)},
	}, tools.share)

	server.AddTool(mcp.Tool{
		Name:        "federation_sync",
		Title:       "Sync memories",
		Description: "Pull memories from every peer and store the new ones.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"agent": {"type": "string", "description": "Only this agent (default all)"}}
		}`),
		Annotations: &mcp.ToolAnnotations{IdempotentHint: boolPointer(true), OpenWorldHint: boolPointer(true)},
	}, tools.sync)
}

func boolPointer(value bool) *bool { return &value }

type toolSet struct {
	svc *Federation
}

func sessionTenant(session mcp.SessionInfo) tenant.ID {
	if session.Tenant == "" {
		return tenant.Default
	}
	return session.Tenant
}

// storeError maps store failures onto tool error categories.
func storeError(err error) error {
	switch {
	case errors.Is(err, memory.ErrNotFound):
		return mcp.NotFound("%v", err)
	case errors.Is(err, memory.ErrClosed):
		return mcp.Transient("%v", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, memory.ErrInvalidEntry):
		return mcp.Validation("%v", err)
	default:
		return mcp.Internal("%v", err)
	}
}

func (t *toolSet) store(ctx context.Context, request *mcp.ToolRequest) (*mcp.CallToolResult, error) {
	var arguments struct {
		Agent    string            `json:"agent"`
		Content  string            `json:"content"`
		Kind     string            `json:"kind"`
		Metadata map[string]string `json:"metadata"`
	}
	if err := request.Bind(&arguments); err != nil {
		return nil, err
	}
	if arguments.Agent == "" || arguments.Content == "" {
		return nil, mcp.Validation("agent and content are required")
	}
	entry, created, err := t.svc.Remember(ctx, sessionTenant(request.Session),
		arguments.Agent, arguments.Kind, arguments.Content, arguments.Metadata)
	if err != nil {
		return nil, storeError(err)
	}
	return mcp.JSONResult(map[string]any{"entry": entry, "created": created})
}

func (t *toolSet) recall(ctx context.Context, request *mcp.ToolRequest) (*mcp.CallToolResult, error) {
	var arguments struct {
		Agent string `json:"agent"`
		Kind  string `json:"kind"`
		Since string `json:"since"`
		Limit int    `json:"limit"`
	}
	if err := request.Bind(&arguments); err != nil {
		return nil, err
	}
	query := memory.Query{
		Tenant: sessionTenant(request.Session),
		Agent:  arguments.Agent,
		Kind:   arguments.Kind,
		Limit:  arguments.Limit,
	}
	if arguments.Since != "" {
		since, err := time.Parse(time.RFC3339Nano, arguments.Since)
		if err != nil {
			return nil, mcp.Validation("since must be an RFC 3339 timestamp: %v", err)
		}
		query.Since = since
	}
	entries, err := t.svc.Store().List(ctx, query)
	if err != nil {
		return nil, storeError(err)
	}
	if entries == nil {
		entries = []memory.Entry{}
	}
	return mcp.JSONResult(map[string]any{"entries": entries})
}

// search ranks the newest MaxLimit candidates.
func (t *toolSet) search(ctx context.Context, request *mcp.ToolRequest) (*mcp.CallToolResult, error) {
	var arguments struct {
		Query string `json:"query"`
		Agent string `json:"agent"`
		Kind  string `json:"kind"`
		Limit int    `json:"limit"`
	}
	if err := request.Bind(&arguments); err != nil {
		return nil, err
	}
	if len(memory.Tokenize(arguments.Query)) == 0 {
		return nil, mcp.Validation("query must contain at least one word")
	}
	limit := arguments.Limit
	if limit <= 0 || limit > searchLimit {
		limit = searchLimit
	}
	candidates, err := t.svc.Store().List(ctx, memory.Query{
		Tenant: sessionTenant(request.Session),
		Agent:  arguments.Agent,
		Kind:   arguments.Kind,
		Limit:  memory.MaxLimit,
	})
	if err != nil {
		return nil, storeError(err)
	}
	hits := memory.Rank(candidates, arguments.Query, limit)
	if hits == nil {
		hits = []memory.Hit{}
	}
	return mcp.JSONResult(map[string]any{"hits": hits})
}

func (t *toolSet) forget(ctx context.Context, request *mcp.ToolRequest) (*mcp.CallToolResult, error) {
	var arguments struct {
		ID string `json:"id"`
	}
	if err := request.Bind(&arguments); err != nil {
		return nil, err
	}
	if arguments.ID == "" {
		return nil, mcp.Validation("id is required")
	}
	if err := t.svc.Store().Delete(ctx, sessionTenant(request.Session), arguments.ID); err != nil {
		return nil, storeError(err)
	}
	return mcp.JSONResult(map[string]any{"deleted": arguments.ID})
}

type peerStatus struct {
	URL       string `json:"url"`
	Reachable *bool  `json:"reachable,omitempty"`
	Name      string `json:"name,omitempty"`
	Version   string `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (t *toolSet) peers(ctx context.Context, request *mcp.ToolRequest) (*mcp.CallToolResult, error) {
	var arguments struct {
		Check bool `json:"check"`
	}
	if err := request.Bind(&arguments); err != nil {
		return nil, err
	}
	peers := t.svc.Peers()
	statuses := make([]peerStatus, 0, len(peers))
	for index, peer := range peers {
		status := peerStatus{URL: peer.URL()}
		if arguments.Check {
			_ = request.Progress(ctx, float64(index), float64(len(peers)), "probing "+peer.URL())
			info, err := peer.Info(ctx)
			status.Reachable = boolPointer(err == nil)
			if err != nil {
				status.Error = err.Error()
			} else {
				status.Name = info.Name
				status.Version = info.Version
			}
		}
		statuses = append(statuses, status)
	}
	return mcp.JSONResult(map[string]any{"self": t.svc.Info().URL, "peers": statuses})
}

// peerError categorizes a failed peer call for the calling agent.
func peerError(err error) error {
	var peerErr *PeerError
	switch {
	case errors.Is(err, ErrUnknownPeer), errors.Is(err, ErrDisabled):
		return mcp.NotFound("%v", err)
	case errors.As(err, &peerErr) && peerErr.Temporary():
		return mcp.Transient("%v", err)
	case errors.As(err, &peerErr) && (peerErr.Status == 401 || peerErr.Status == 403):
		return mcp.Forbidden("%v", err)
	case errors.As(err, &peerErr):
		return mcp.Validation("%v", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return mcp.Transient("%v", err)
	}
}

func (t *toolSet) share(ctx context.Context, request *mcp.ToolRequest) (*mcp.CallToolResult, error) {
	var arguments struct {
		Agent string `json:"agent"`
		Peer  string `json:"peer"`
	}
	if err := request.Bind(&arguments); err != nil {
		return nil, err
	}
	if arguments.Agent == "" || arguments.Peer == "" {
		return nil, mcp.Validation("agent and peer are required")
	}
	result, err := t.svc.Share(ctx, sessionTenant(request.Session), arguments.Agent, arguments.Peer)
	if err != nil {
		return nil, peerError(err)
	}
	return mcp.JSONResult(result)
}

func (t *toolSet) sync(ctx context.Context, request *mcp.ToolRequest) (*mcp.CallToolResult, error) {
	var arguments struct {
		Agent string `json:"agent"`
	}
	if err := request.Bind(&arguments); err != nil {
		return nil, err
	}
	results, err := t.svc.Sync(ctx, sessionTenant(request.Session), arguments.Agent)
	if err != nil && len(results) == 0 {
		return nil, peerError(err)
	}
	// Partial failure is reported per peer in the result rather than
	// as a tool error.
	result, encodeErr := mcp.JSONResult(map[string]any{"results": results})
	if encodeErr != nil {
		return nil, encodeErr
	}
	if err != nil && allFailed(results) {
		result.IsError = true
		result.ErrorInfo = mcp.Classify(peerError(err))
	}
	return result, nil
}

func allFailed(results []SyncResult) bool {
	for _, result := range results {
		if result.Error == "" {
			return false
		}
	}
	return true
}

func (t *toolSet) listResources(ctx context.Context, session mcp.SessionInfo) ([]mcp.Resource, error) {
	agents, err := t.svc.Store().Agents(ctx, sessionTenant(session))
	if err != nil {
		return nil, err
	}
	resources := make([]mcp.Resource, 0, len(agents))
	for _, agent := range agents {
		resources = append(resources, mcp.Resource{
			URI:         MemoryURIPrefix + url.PathEscape(agent),
			Name:        agent,
			Description: "Memories of " + agent,
			MIMEType:    "application/json",
		})
	}
	return resources, nil
}

func (t *toolSet) readResource(ctx context.Context, request *mcp.ResourceRequest) (*mcp.ReadResourceResult, error) {
	agent, err := url.PathUnescape(strings.TrimPrefix(request.URI, MemoryURIPrefix))
	if err != nil || agent == "" {
		return nil, mcp.Validation("malformed memory URI %q", request.URI)
	}
	entries, err := t.svc.Store().List(ctx, memory.Query{
		Tenant: sessionTenant(request.Session),
		Agent:  agent,
		Limit:  memory.MaxLimit,
	})
	if err != nil {
		return nil, storeError(err)
	}
	if len(entries) == 0 {
		return nil, mcp.NotFound("no memories for agent %q", agent)
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return nil, mcp.Internal("encoding memories: %v", err)
	}
	return &mcp.ReadResourceResult{Contents: []mcp.ResourceContents{{
		URI:      request.URI,
		MIMEType: "application/json",
		Text:     string(data),
	}}}, nil
}
