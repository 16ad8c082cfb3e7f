// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/tausestack/tausestack/lib/clock"
	"github.com/tausestack/tausestack/lib/tenant"
)

const (
	defaultPageSize    = 50
	defaultMaxInFlight = 16
)

// ToolHandler runs one tools/call. A returned error becomes an isError
// result classified by [Classify]; a *jsonrpc.Error is sent as a
// protocol error instead.
type ToolHandler func(ctx context.Context, request *ToolRequest) (*CallToolResult, error)

// ResourceHandler reads one resource.
type ResourceHandler func(ctx context.Context, request *ResourceRequest) (*ReadResourceResult, error)

// PromptHandler renders one prompt.
type PromptHandler func(ctx context.Context, request *PromptRequest) (*GetPromptResult, error)

// ResourceSource serves a family of resources computed per request,
// such as one per stored agent. Read receives every URI that starts
// with Prefix and is not a static resource.
type ResourceSource struct {
	Prefix   string
	Template ResourceTemplate
	List     func(ctx context.Context, session SessionInfo) ([]Resource, error)
	Read     ResourceHandler
}

// ToolAuthorizer decides whether a session may see and call a tool.
type ToolAuthorizer func(session SessionInfo, tool Tool) bool

// SessionInfo describes the client side of a session.
type SessionInfo struct {
	ID              string
	Tenant          tenant.ID
	Client          Implementation
	ProtocolVersion string
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the server's logger. The default discards.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithPageSize sets how many items each list page carries.
func WithPageSize(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithMaxInFlight bounds the concurrent requests of one session.
// Excess requests wait for a slot.
func WithMaxInFlight(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxInFlight = n
		}
	}
}

// WithInstructions sets the instructions returned from initialize.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) { s.instructions = instructions }
}

// WithMetrics records request and session metrics.
func WithMetrics(metrics *Metrics) ServerOption {
	return func(s *Server) { s.metrics = metrics }
}

// WithClock sets the clock used for request timing.
func WithClock(c clock.Clock) ServerOption {
	return func(s *Server) { s.clock = c }
}

// WithToolAuthorizer hides and refuses tools the authorizer rejects.
func WithToolAuthorizer(authorize ToolAuthorizer) ServerOption {
	return func(s *Server) { s.authorize = authorize }
}

type registeredTool struct {
	tool    Tool
	handler ToolHandler
}

type registeredResource struct {
	resource Resource
	handler  ResourceHandler
}

type registeredPrompt struct {
	prompt  Prompt
	handler PromptHandler
}

// Server is an MCP server. Its registry is shared by every session;
// registration is safe while sessions run.
type Server struct {
	info         Implementation
	logger       *slog.Logger
	pageSize     int
	maxInFlight  int
	instructions string
	metrics      *Metrics
	clock        clock.Clock
	authorize    ToolAuthorizer

	mu        sync.Mutex
	tools     []registeredTool
	resources []registeredResource
	sources   []ResourceSource
	prompts   []registeredPrompt
	sessions  map[*serverSession]struct{}
}

// NewServer creates a server that identifies itself as info.
func NewServer(info Implementation, options ...ServerOption) *Server {
	s := &Server{
		info:        info,
		logger:      slog.New(slog.DiscardHandler),
		pageSize:    defaultPageSize,
		maxInFlight: defaultMaxInFlight,
		clock:       clock.Real(),
		sessions:    make(map[*serverSession]struct{}),
	}
	for _, option := range options {
		option(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	return s
}

// Info returns the server's implementation info.
func (s *Server) Info() Implementation { return s.info }

// AddTool registers or replaces a tool. Replacing keeps the tool's
// position in the listing.
func (s *Server) AddTool(tool Tool, handler ToolHandler) {
	if tool.Name == "" {
		panic("mcp: AddTool with empty name")
	}
	if len(tool.InputSchema) == 0 {
		tool.InputSchema = json.RawMessage(`{"type":"object"}`)
	}
	s.mu.Lock()
	entry := registeredTool{tool: tool, handler: handler}
	if i := slices.IndexFunc(s.tools, func(t registeredTool) bool { return t.tool.Name == tool.Name }); i >= 0 {
		s.tools[i] = entry
	} else {
		s.tools = append(s.tools, entry)
	}
	s.mu.Unlock()
	s.broadcastListChanged(NotificationToolsListChanged)
}

// RemoveTool unregisters a tool and reports whether it existed.
func (s *Server) RemoveTool(name string) bool {
	s.mu.Lock()
	before := len(s.tools)
	s.tools = slices.DeleteFunc(s.tools, func(t registeredTool) bool { return t.tool.Name == name })
	removed := len(s.tools) != before
	s.mu.Unlock()
	if removed {
		s.broadcastListChanged(NotificationToolsListChanged)
	}
	return removed
}

// AddResource registers or replaces a static resource.
func (s *Server) AddResource(resource Resource, handler ResourceHandler) {
	if resource.URI == "" {
		panic("mcp: AddResource with empty URI")
	}
	s.mu.Lock()
	entry := registeredResource{resource: resource, handler: handler}
	if i := slices.IndexFunc(s.resources, func(r registeredResource) bool { return r.resource.URI == resource.URI }); i >= 0 {
		s.resources[i] = entry
	} else {
		s.resources = append(s.resources, entry)
	}
	s.mu.Unlock()
	s.broadcastListChanged(NotificationResourcesListChanged)
}

// AddResourceSource registers a dynamic resource family.
func (s *Server) AddResourceSource(source ResourceSource) {
	if source.Prefix == "" || source.List == nil || source.Read == nil {
		panic("mcp: AddResourceSource needs Prefix, List, and Read")
	}
	s.mu.Lock()
	s.sources = append(s.sources, source)
	s.mu.Unlock()
	s.broadcastListChanged(NotificationResourcesListChanged)
}

// AddPrompt registers or replaces a prompt.
func (s *Server) AddPrompt(prompt Prompt, handler PromptHandler) {
	if prompt.Name == "" {
		panic("mcp: AddPrompt with empty name")
	}
	s.mu.Lock()
	entry := registeredPrompt{prompt: prompt, handler: handler}
	if i := slices.IndexFunc(s.prompts, func(p registeredPrompt) bool { return p.prompt.Name == prompt.Name }); i >= 0 {
		s.prompts[i] = entry
	} else {
		s.prompts = append(s.prompts, entry)
	}
	s.mu.Unlock()
	s.broadcastListChanged(NotificationPromptsListChanged)
}

// Sessions returns the number of running sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// capabilities reflects the registry at the moment a session
// initializes.
func (s *Server) capabilities() ServerCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	capabilities := ServerCapabilities{
		Tools:   &ToolsCapability{ListChanged: true},
		Logging: &LoggingCapability{},
	}
	if len(s.resources) > 0 || len(s.sources) > 0 {
		capabilities.Resources = &ResourcesCapability{ListChanged: true}
	}
	if len(s.prompts) > 0 {
		capabilities.Prompts = &PromptsCapability{ListChanged: true}
	}
	return capabilities
}

func (s *Server) lookupTool(name string) (registeredTool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := slices.IndexFunc(s.tools, func(t registeredTool) bool { return t.tool.Name == name })
	if i < 0 {
		return registeredTool{}, false
	}
	return s.tools[i], true
}

func (s *Server) visibleTools(session SessionInfo) []Tool {
	s.mu.Lock()
	defer s.mu.Unlock()
	tools := make([]Tool, 0, len(s.tools))
	for _, t := range s.tools {
		if s.authorize == nil || s.authorize(session, t.tool) {
			tools = append(tools, t.tool)
		}
	}
	return tools
}

func (s *Server) listResources(ctx context.Context, session SessionInfo) ([]Resource, error) {
	s.mu.Lock()
	resources := make([]Resource, 0, len(s.resources))
	for _, r := range s.resources {
		resources = append(resources, r.resource)
	}
	sources := slices.Clone(s.sources)
	s.mu.Unlock()

	for _, source := range sources {
		dynamic, err := source.List(ctx, session)
		if err != nil {
			return nil, fmt.Errorf("listing %s resources: %w", source.Prefix, err)
		}
		resources = append(resources, dynamic...)
	}
	return resources, nil
}

func (s *Server) resourceTemplates() []ResourceTemplate {
	s.mu.Lock()
	defer s.mu.Unlock()
	templates := make([]ResourceTemplate, 0, len(s.sources))
	for _, source := range s.sources {
		if source.Template.URITemplate != "" {
			templates = append(templates, source.Template)
		}
	}
	return templates
}

// resourceHandler finds the handler for uri: an exact static match
// first, then the first source whose prefix matches.
func (s *Server) resourceHandler(uri string) (ResourceHandler, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.resources {
		if r.resource.URI == uri {
			return r.handler, true
		}
	}
	for _, source := range s.sources {
		if strings.HasPrefix(uri, source.Prefix) {
			return source.Read, true
		}
	}
	return nil, false
}

func (s *Server) prompt(name string) (registeredPrompt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := slices.IndexFunc(s.prompts, func(p registeredPrompt) bool { return p.prompt.Name == name })
	if i < 0 {
		return registeredPrompt{}, false
	}
	return s.prompts[i], true
}

func (s *Server) promptList() []Prompt {
	s.mu.Lock()
	defer s.mu.Unlock()
	prompts := make([]Prompt, 0, len(s.prompts))
	for _, p := range s.prompts {
		prompts = append(prompts, p.prompt)
	}
	return prompts
}

// broadcastListChanged notifies every operational session.
func (s *Server) broadcastListChanged(method string) {
	s.mu.Lock()
	sessions := make([]*serverSession, 0, len(s.sessions))
	for session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.mu.Unlock()
	for _, session := range sessions {
		session.listChanged(method)
	}
}

func (s *Server) track(session *serverSession) {
	s.mu.Lock()
	s.sessions[session] = struct{}{}
	s.mu.Unlock()
	s.metrics.sessionOpened()
}

func (s *Server) untrack(session *serverSession) {
	s.mu.Lock()
	delete(s.sessions, session)
	s.mu.Unlock()
	s.metrics.sessionClosed()
}
