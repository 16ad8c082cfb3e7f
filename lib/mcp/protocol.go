// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"encoding/json"
	"slices"
	"strings"
)

// Protocol versions this package speaks, newest first.
const (
	Version20250618 = "2025-06-18"
	Version20250326 = "2025-03-26"
	Version20241105 = "2024-11-05"
)

// SupportedVersions lists the negotiable protocol versions, newest
// first.
var SupportedVersions = []string{Version20250618, Version20250326, Version20241105}

// LatestVersion is the version offered by clients and chosen by
// servers when the client asks for one they do not know.
const LatestVersion = Version20250618

// NegotiateVersion returns requested when it is supported and the
// newest supported version otherwise. The client decides whether it
// can work with the answer.
func NegotiateVersion(requested string) string {
	if IsSupportedVersion(requested) {
		return requested
	}
	return LatestVersion
}

// IsSupportedVersion reports whether version is in SupportedVersions.
func IsSupportedVersion(version string) bool {
	return slices.Contains(SupportedVersions, version)
}

// Method names.
const (
	MethodInitialize    = "initialize"
	MethodPing          = "ping"
	MethodToolsList     = "tools/list"
	MethodToolsCall     = "tools/call"
	MethodResourcesList = "resources/list"
	MethodResourcesRead = "resources/read"
	MethodPromptsList   = "prompts/list"
	MethodPromptsGet    = "prompts/get"
	MethodSetLevel      = "logging/setLevel"

	MethodResourceTemplatesList = "resources/templates/list"

	// MethodShutdown asks the server to answer, drain in-flight
	// requests, and close the connection.
	MethodShutdown = "shutdown"

	NotificationInitialized          = "notifications/initialized"
	NotificationCancelled            = "notifications/cancelled"
	NotificationMessage              = "notifications/message"
	NotificationProgress             = "notifications/progress"
	NotificationToolsListChanged     = "notifications/tools/list_changed"
	NotificationResourcesListChanged = "notifications/resources/list_changed"
	NotificationPromptsListChanged   = "notifications/prompts/list_changed"
)

// Implementation names a client or server.
type Implementation struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// ClientCapabilities is what a client advertises in initialize. The
// fields are kept as raw objects: this package's client advertises
// none of them, and the server only records what it receives.
type ClientCapabilities struct {
	Roots        json.RawMessage            `json:"roots,omitempty"`
	Sampling     json.RawMessage            `json:"sampling,omitempty"`
	Experimental map[string]json.RawMessage `json:"experimental,omitempty"`
}

// ServerCapabilities declares what the server supports. A nil member
// means the feature is absent.
type ServerCapabilities struct {
	Tools     *ToolsCapability     `json:"tools,omitempty"`
	Resources *ResourcesCapability `json:"resources,omitempty"`
	Prompts   *PromptsCapability   `json:"prompts,omitempty"`
	Logging   *LoggingCapability   `json:"logging,omitempty"`
}

// ToolsCapability signals tool support.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability signals resource support.
type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// PromptsCapability signals prompt support.
type PromptsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// LoggingCapability signals that logging/setLevel is accepted.
type LoggingCapability struct{}

// InitializeParams opens a session.
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Implementation     `json:"clientInfo"`
}

// InitializeResult answers initialize.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// Tool describes one callable tool.
type Tool struct {
	Name         string           `json:"name"`
	Title        string           `json:"title,omitempty"`
	Description  string           `json:"description,omitempty"`
	InputSchema  json.RawMessage  `json:"inputSchema"`
	OutputSchema json.RawMessage  `json:"outputSchema,omitempty"`
	Annotations  *ToolAnnotations `json:"annotations,omitempty"`
}

// ToolAnnotations are behavioral hints. Nil fields take the protocol
// defaults: readOnly=false, destructive=true, idempotent=false,
// openWorld=true.
type ToolAnnotations struct {
	ReadOnlyHint    *bool `json:"readOnlyHint,omitempty"`
	DestructiveHint *bool `json:"destructiveHint,omitempty"`
	IdempotentHint  *bool `json:"idempotentHint,omitempty"`
	OpenWorldHint   *bool `json:"openWorldHint,omitempty"`
}

// ReadOnlyAnnotations marks a tool that only reads local state.
func ReadOnlyAnnotations() *ToolAnnotations {
	return &ToolAnnotations{
		ReadOnlyHint:    boolPtr(true),
		DestructiveHint: boolPtr(false),
		IdempotentHint:  boolPtr(true),
		OpenWorldHint:   boolPtr(false),
	}
}

func boolPtr(value bool) *bool {
	return &value
}

// CallToolParams is the tools/call request.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Meta      *RequestMeta    `json:"_meta,omitempty"`
}

// RequestMeta is the _meta member of a request. A client that wants
// notifications/progress for a call sets ProgressToken.
type RequestMeta struct {
	ProgressToken json.RawMessage `json:"progressToken,omitempty"`
}

// CallToolResult answers tools/call. ErrorInfo is set whenever IsError
// is and travels as _meta.errorInfo, which generic clients pass through
// untouched.
type CallToolResult struct {
	Content           []Content  `json:"content"`
	StructuredContent any        `json:"structuredContent,omitempty"`
	IsError           bool       `json:"isError,omitempty"`
	ErrorInfo         *ErrorInfo `json:"-"`
}

// resultMeta is the _meta member of a tool result.
type resultMeta struct {
	ErrorInfo *ErrorInfo `json:"errorInfo,omitempty"`
}

func (r CallToolResult) MarshalJSON() ([]byte, error) {
	type plain CallToolResult
	wire := struct {
		plain
		Meta *resultMeta `json:"_meta,omitempty"`
	}{plain: plain(r)}
	if r.ErrorInfo != nil {
		wire.Meta = &resultMeta{ErrorInfo: r.ErrorInfo}
	}
	return json.Marshal(wire)
}

func (r *CallToolResult) UnmarshalJSON(data []byte) error {
	type plain CallToolResult
	wire := struct {
		*plain
		Meta *resultMeta `json:"_meta"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if wire.Meta != nil {
		r.ErrorInfo = wire.Meta.ErrorInfo
	}
	return nil
}

// ErrorInfoFromMeta extracts the errorInfo a failed tool call carries
// in its result's _meta, as seen by clients that decode _meta as a
// generic map. It returns nil when meta has none.
func ErrorInfoFromMeta(meta map[string]any) *ErrorInfo {
	raw, ok := meta["errorInfo"]
	if !ok {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var info ErrorInfo
	if err := json.Unmarshal(data, &info); err != nil || info.Category == "" {
		return nil
	}
	return &info
}

// ErrorInfo classifies a failed tool call.
type ErrorInfo struct {
	// Category is one of the ErrorCategory values.
	Category ErrorCategory `json:"category"`

	// Retryable is true when repeating the call might succeed.
	Retryable bool `json:"retryable"`
}

// Content is one content block. Type selects which other fields
// apply: "text" uses Text; "image" and "audio" use Data (base64) and
// MIMEType; "resource_link" uses URI.
type Content struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MIMEType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// TextContent returns a text content block.
func TextContent(text string) Content {
	return Content{Type: "text", Text: text}
}

// TextResult returns a successful result with one text block.
func TextResult(text string) *CallToolResult {
	return &CallToolResult{Content: []Content{TextContent(text)}}
}

// JSONResult returns a successful result whose structured content is
// value and whose text block carries the same value serialized, for
// clients that only read text.
func JSONResult(value any) (*CallToolResult, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, Internal("encoding tool result: %w", err)
	}
	return &CallToolResult{
		Content:           []Content{TextContent(string(data))},
		StructuredContent: value,
	}, nil
}

// Text joins the result's text blocks with newlines.
func (r *CallToolResult) Text() string {
	var texts []string
	for _, block := range r.Content {
		if block.Type == "text" {
			texts = append(texts, block.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// Resource describes a readable resource.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
}

// ResourceContents is one item of a resources/read result. Exactly one
// of Text or Blob (base64) is set.
type ResourceContents struct {
	URI      string `json:"uri"`
	MIMEType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// ResourceTemplate describes a family of resources by URI template.
type ResourceTemplate struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
}

// ListResourceTemplatesResult answers resources/templates/list.
type ListResourceTemplatesResult struct {
	ResourceTemplates []ResourceTemplate `json:"resourceTemplates"`
	NextCursor        string             `json:"nextCursor,omitempty"`
}

// ReadResourceParams is the resources/read request.
type ReadResourceParams struct {
	URI string `json:"uri"`
}

// ReadResourceResult answers resources/read.
type ReadResourceResult struct {
	Contents []ResourceContents `json:"contents"`
}

// Prompt describes a prompt template.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument is one named prompt parameter.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// PromptMessage is one message of a rendered prompt.
type PromptMessage struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// GetPromptParams is the prompts/get request.
type GetPromptParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// GetPromptResult answers prompts/get.
type GetPromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// ListParams is the request of every list method.
type ListParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// ListToolsResult answers tools/list.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// ListResourcesResult answers resources/list.
type ListResourcesResult struct {
	Resources  []Resource `json:"resources"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// ListPromptsResult answers prompts/list.
type ListPromptsResult struct {
	Prompts    []Prompt `json:"prompts"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

// CancelledParams is the notifications/cancelled payload.
type CancelledParams struct {
	RequestID json.RawMessage `json:"requestId"`
	Reason    string          `json:"reason,omitempty"`
}

// ProgressParams is the notifications/progress payload.
type ProgressParams struct {
	ProgressToken json.RawMessage `json:"progressToken"`
	Progress      float64         `json:"progress"`
	Total         float64         `json:"total,omitempty"`
	Message       string          `json:"message,omitempty"`
}

// LoggingMessageParams is the notifications/message payload.
type LoggingMessageParams struct {
	Level  LoggingLevel `json:"level"`
	Logger string       `json:"logger,omitempty"`
	Data   any          `json:"data"`
}

// SetLevelParams is the logging/setLevel request.
type SetLevelParams struct {
	Level LoggingLevel `json:"level"`
}
