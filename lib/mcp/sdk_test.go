// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tausestack/tausestack/lib/tenant"
	requireutil "github.com/tausestack/tausestack/lib/testutil"
	"github.com/tausestack/tausestack/transport"
)

const waitTimeout = 5 * time.Second

// connect serves server on one end of a pipe and connects a go-sdk
// client on the other. Cleanup closes the session and waits for Serve.
func connect(t *testing.T, ctx context.Context, server *Server, options *mcpsdk.ClientOptions) (*mcpsdk.ClientSession, <-chan error) {
	t.Helper()
	serverConn, clientConn := transport.Pipe()
	served := make(chan error, 1)
	go func() { served <- server.Serve(ctx, serverConn) }()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "sdk-client", Version: "0.1"}, options)
	session, err := client.Connect(ctx, transport.SDKTransport(clientConn), nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		session.Close()
		requireutil.RequireReceive(t, served, waitTimeout, "Serve did not return")
	})
	return session, served
}

// text joins the text blocks of an SDK tool result.
func text(result *mcpsdk.CallToolResult) string {
	var texts []string
	for _, block := range result.Content {
		if content, ok := block.(*mcpsdk.TextContent); ok {
			texts = append(texts, content.Text)
		}
	}
	return strings.Join(texts, "\n")
}

func TestSDKClientHandshake(t *testing.T) {
	server := testServer(WithInstructions("hi"))
	seen := make(chan SessionInfo, 1)
	server.AddTool(Tool{Name: "whoami"}, func(ctx context.Context, request *ToolRequest) (*CallToolResult, error) {
		seen <- request.Session
		return nil, nil
	})
	ctx := tenant.WithTenant(context.Background(), "globex")
	session, _ := connect(t, ctx, server, nil)

	if err := session.Ping(ctx, nil); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if _, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: "whoami"}); err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	info := requireutil.RequireReceive(t, seen, waitTimeout, "tool not called")
	if info.Tenant != "globex" || info.Client.Name != "sdk-client" || info.ID == "" {
		t.Errorf("session info = %+v", info)
	}
	if !slices.Contains(SupportedVersions, info.ProtocolVersion) {
		t.Errorf("negotiated %q, not in %v", info.ProtocolVersion, SupportedVersions)
	}
}

func TestSDKClientListsToolsAcrossPages(t *testing.T) {
	session, _ := connect(t, context.Background(), testServer(WithPageSize(1)), nil)
	var names []string
	for tool, err := range session.Tools(context.Background(), nil) {
		if err != nil {
			t.Fatalf("Tools: %v", err)
		}
		names = append(names, tool.Name)
	}
	if len(names) != 6 || names[0] != "echo" || names[5] != "strict" {
		t.Errorf("tools = %v", names)
	}
}

func TestSDKClientCallTool(t *testing.T) {
	session, _ := connect(t, context.Background(), testServer(), nil)
	ctx := context.Background()

	result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      "echo",
		Arguments: map[string]string{"message": "over the pipe"},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if result.IsError || text(result) != "over the pipe" {
		t.Errorf("result = %+v", result)
	}

	result, err = session.CallTool(ctx, &mcpsdk.CallToolParams{Name: "missing"})
	if err != nil {
		t.Fatalf("CallTool missing: %v", err)
	}
	info := ErrorInfoFromMeta(result.Meta)
	if !result.IsError || info == nil || info.Category != CategoryNotFound || info.Retryable {
		t.Errorf("missing = %+v, errorInfo = %+v", result, info)
	}

	result, err = session.CallTool(ctx, &mcpsdk.CallToolParams{Name: "flaky"})
	if err != nil {
		t.Fatalf("CallTool flaky: %v", err)
	}
	if info := ErrorInfoFromMeta(result.Meta); info == nil || info.Category != CategoryTransient || !info.Retryable {
		t.Errorf("flaky errorInfo = %+v", info)
	}

	if _, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: "nonexistent"}); err == nil || !strings.Contains(err.Error(), "unknown tool") {
		t.Errorf("unknown tool err = %v", err)
	}
}

func TestSDKClientCancellation(t *testing.T) {
	server := testServer()
	entered := make(chan struct{})
	observed := make(chan error, 1)
	server.AddTool(Tool{Name: "block"}, func(ctx context.Context, request *ToolRequest) (*CallToolResult, error) {
		close(entered)
		<-ctx.Done()
		observed <- ctx.Err()
		return TextResult("too late"), nil
	})
	session, _ := connect(t, context.Background(), server, nil)

	callCtx, cancel := context.WithCancel(context.Background())
	returned := make(chan error, 1)
	go func() {
		_, err := session.CallTool(callCtx, &mcpsdk.CallToolParams{Name: "block"})
		returned <- err
	}()
	requireutil.RequireClosed(t, entered, waitTimeout, "handler never started")
	cancel()

	if err := requireutil.RequireReceive(t, returned, waitTimeout, "CallTool did not return"); !errors.Is(err, context.Canceled) {
		t.Errorf("CallTool = %v, want context.Canceled", err)
	}
	if err := requireutil.RequireReceive(t, observed, waitTimeout, "handler not cancelled"); !errors.Is(err, context.Canceled) {
		t.Errorf("handler ctx err = %v", err)
	}
	// The suppressed response must not confuse the next call.
	if err := session.Ping(context.Background(), nil); err != nil {
		t.Errorf("Ping after cancel: %v", err)
	}
}

func TestListChangedAfterOperational(t *testing.T) {
	changes := make(chan struct{}, 4)
	server := testServer()
	session, _ := connect(t, context.Background(), server, &mcpsdk.ClientOptions{
		ToolListChangedHandler: func(context.Context, *mcpsdk.ToolListChangedRequest) {
			changes <- struct{}{}
		},
	})
	// Ping round-trips after notifications/initialized, so the session
	// is operational once it returns.
	if err := session.Ping(context.Background(), nil); err != nil {
		t.Fatal(err)
	}

	server.AddTool(Tool{Name: "late"}, func(ctx context.Context, request *ToolRequest) (*CallToolResult, error) {
		return TextResult("late"), nil
	})
	requireutil.RequireReceive(t, changes, waitTimeout, "no list_changed after AddTool")

	if !server.RemoveTool("late") {
		t.Fatal("RemoveTool reported missing")
	}
	requireutil.RequireReceive(t, changes, waitTimeout, "no list_changed after RemoveTool")
	if server.RemoveTool("late") {
		t.Error("second RemoveTool reported success")
	}
}

func TestToolLogNotificationsRespectLevel(t *testing.T) {
	server := testServer()
	server.AddTool(Tool{Name: "chatty"}, func(ctx context.Context, request *ToolRequest) (*CallToolResult, error) {
		request.Log(ctx, LevelInfo, "routine")
		request.Log(ctx, LevelError, "alarming")
		return TextResult("done"), nil
	})
	messages := make(chan *mcpsdk.LoggingMessageParams, 4)
	session, _ := connect(t, context.Background(), server, &mcpsdk.ClientOptions{
		LoggingMessageHandler: func(_ context.Context, request *mcpsdk.LoggingMessageRequest) {
			messages <- request.Params
		},
	})

	ctx := context.Background()
	if err := session.SetLoggingLevel(ctx, &mcpsdk.SetLoggingLevelParams{Level: "warning"}); err != nil {
		t.Fatalf("SetLoggingLevel: %v", err)
	}
	if _, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: "chatty"}); err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	// Notifications are delivered in wire order, so a leaked info
	// message would arrive first.
	message := requireutil.RequireReceive(t, messages, waitTimeout, "no log notification")
	if message.Level != "error" || message.Data != "alarming" || message.Logger != "chatty" {
		t.Errorf("message = %+v", message)
	}
}

func TestResourcesAndPrompts(t *testing.T) {
	server := testServer()
	server.AddResource(Resource{URI: "config://server", Name: "server config", MIMEType: "application/json"},
		func(ctx context.Context, request *ResourceRequest) (*ReadResourceResult, error) {
			return &ReadResourceResult{Contents: []ResourceContents{{URI: request.URI, Text: `{"ok":true}`}}}, nil
		})
	server.AddResourceSource(ResourceSource{
		Prefix:   "memory://",
		Template: ResourceTemplate{URITemplate: "memory://{agent}", Name: "agent memory"},
		List: func(ctx context.Context, session SessionInfo) ([]Resource, error) {
			return []Resource{{URI: "memory://" + string(session.Tenant) + "-agent", Name: "agent"}}, nil
		},
		Read: func(ctx context.Context, request *ResourceRequest) (*ReadResourceResult, error) {
			if !strings.HasSuffix(request.URI, "-agent") {
				return nil, NotFound("no memory at %s", request.URI)
			}
			return &ReadResourceResult{Contents: []ResourceContents{{URI: request.URI, Text: "remembered"}}}, nil
		},
	})
	server.AddPrompt(Prompt{
		Name:      "summarize",
		Arguments: []PromptArgument{{Name: "topic", Required: true}},
	}, func(ctx context.Context, request *PromptRequest) (*GetPromptResult, error) {
		return &GetPromptResult{Messages: []PromptMessage{{
			Role:    "user",
			Content: TextContent("Summarize " + request.Arguments["topic"]),
		}}}, nil
	})

	ctx := tenant.WithTenant(context.Background(), "acme")
	session, _ := connect(t, ctx, server, nil)

	resources, err := session.ListResources(ctx, nil)
	if err != nil {
		t.Fatalf("ListResources: %v", err)
	}
	if len(resources.Resources) != 2 || resources.Resources[0].URI != "config://server" || resources.Resources[1].URI != "memory://acme-agent" {
		t.Errorf("resources = %+v", resources.Resources)
	}
	templates, err := session.ListResourceTemplates(ctx, nil)
	if err != nil || len(templates.ResourceTemplates) != 1 || templates.ResourceTemplates[0].URITemplate != "memory://{agent}" {
		t.Errorf("templates = %+v, %v", templates, err)
	}

	read, err := session.ReadResource(ctx, &mcpsdk.ReadResourceParams{URI: "memory://acme-agent"})
	if err != nil {
		t.Fatalf("ReadResource: %v", err)
	}
	if len(read.Contents) != 1 || read.Contents[0].Text != "remembered" {
		t.Errorf("contents = %+v", read.Contents)
	}
	if _, err := session.ReadResource(ctx, &mcpsdk.ReadResourceParams{URI: "memory://nobody"}); err == nil {
		t.Error("reading missing memory succeeded")
	}
	if _, err := session.ReadResource(ctx, &mcpsdk.ReadResourceParams{URI: "file:///etc/passwd"}); err == nil || !strings.Contains(err.Error(), "unknown resource") {
		t.Errorf("unknown scheme err = %v", err)
	}

	prompt, err := session.GetPrompt(ctx, &mcpsdk.GetPromptParams{
		Name:      "summarize",
		Arguments: map[string]string{"topic": "federation"},
	})
	if err != nil {
		t.Fatalf("GetPrompt: %v", err)
	}
	if len(prompt.Messages) != 1 {
		t.Fatalf("prompt = %+v", prompt)
	}
	if content, ok := prompt.Messages[0].Content.(*mcpsdk.TextContent); !ok || content.Text != "Summarize federation" {
		t.Errorf("prompt content = %#v", prompt.Messages[0].Content)
	}
	if _, err := session.GetPrompt(ctx, &mcpsdk.GetPromptParams{Name: "summarize"}); err == nil || !strings.Contains(err.Error(), "missing argument") {
		t.Errorf("missing argument err = %v", err)
	}
}

func TestMaxInFlightBoundsConcurrency(t *testing.T) {
	server := testServer(WithMaxInFlight(1))
	entered := make(chan string, 2)
	release := make(chan struct{})
	server.AddTool(Tool{Name: "hold"}, func(ctx context.Context, request *ToolRequest) (*CallToolResult, error) {
		var arguments struct{ Tag string }
		request.Bind(&arguments)
		entered <- arguments.Tag
		<-release
		return TextResult(arguments.Tag), nil
	})
	session, _ := connect(t, context.Background(), server, nil)

	done := make(chan error, 2)
	for _, tag := range []string{"a", "b"} {
		go func() {
			_, err := session.CallTool(context.Background(), &mcpsdk.CallToolParams{
				Name:      "hold",
				Arguments: map[string]string{"Tag": tag},
			})
			done <- err
		}()
	}
	requireutil.RequireReceive(t, entered, waitTimeout, "first call never started")
	select {
	case tag := <-entered:
		t.Fatalf("second call %q ran while the only slot was held", tag)
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	requireutil.RequireReceive(t, entered, waitTimeout, "second call never started")
	for range 2 {
		if err := requireutil.RequireReceive(t, done, waitTimeout, "call did not finish"); err != nil {
			t.Errorf("CallTool: %v", err)
		}
	}
}

func TestClientCloseEndsServe(t *testing.T) {
	serverConn, clientConn := transport.Pipe()
	served := make(chan error, 1)
	server := testServer()
	go func() { served <- server.Serve(context.Background(), serverConn) }()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "c"}, nil)
	session, err := client.Connect(context.Background(), transport.SDKTransport(clientConn), nil)
	if err != nil {
		t.Fatal(err)
	}
	if server.Sessions() != 1 {
		t.Errorf("Sessions = %d, want 1", server.Sessions())
	}
	session.Close()
	if err := requireutil.RequireReceive(t, served, waitTimeout, "Serve did not return"); err != nil {
		t.Errorf("Serve = %v", err)
	}
	if server.Sessions() != 0 {
		t.Errorf("Sessions after close = %d", server.Sessions())
	}
}

func TestServerStopFailsPendingCalls(t *testing.T) {
	server := testServer()
	entered := make(chan struct{})
	server.AddTool(Tool{Name: "block"}, func(ctx context.Context, request *ToolRequest) (*CallToolResult, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	serverCtx, stop := context.WithCancel(context.Background())
	defer stop()
	serverConn, clientConn := transport.Pipe()
	served := make(chan error, 1)
	go func() { served <- server.Serve(serverCtx, serverConn) }()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "c"}, nil)
	session, err := client.Connect(context.Background(), transport.SDKTransport(clientConn), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer session.Close()

	returned := make(chan error, 1)
	go func() {
		_, err := session.CallTool(context.Background(), &mcpsdk.CallToolParams{Name: "block"})
		returned <- err
	}()
	requireutil.RequireClosed(t, entered, waitTimeout, "handler never started")
	stop()
	requireutil.RequireReceive(t, served, waitTimeout, "Serve did not return")

	if err := requireutil.RequireReceive(t, returned, waitTimeout, "pending call not failed"); err == nil {
		t.Error("pending call succeeded after the server stopped")
	}
	waited := make(chan error, 1)
	go func() { waited <- session.Wait() }()
	requireutil.RequireReceive(t, waited, waitTimeout, "session did not end")
}

func TestMetricsRecordRequests(t *testing.T) {
	metrics := NewMetrics()
	server := testServer(WithMetrics(metrics))
	session, _ := connect(t, context.Background(), server, nil)
	ctx := context.Background()

	session.CallTool(ctx, &mcpsdk.CallToolParams{Name: "echo", Arguments: map[string]string{"message": "x"}})
	session.CallTool(ctx, &mcpsdk.CallToolParams{Name: "missing"})

	if got := testutil.ToFloat64(metrics.Requests.WithLabelValues(MethodToolsCall, OutcomeOK)); got != 1 {
		t.Errorf("tools/call ok = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.Requests.WithLabelValues(MethodToolsCall, OutcomeToolError)); got != 1 {
		t.Errorf("tools/call tool_error = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.Sessions); got != 1 {
		t.Errorf("sessions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.InFlight); got != 0 {
		t.Errorf("in flight = %v, want 0", got)
	}

	// Methods outside the protocol share one label.
	mcpSession(t, server, withInit(request(1, "custom/method", nil))...)
	if got := testutil.ToFloat64(metrics.Requests.WithLabelValues("other", OutcomeError)); got != 1 {
		t.Errorf("other error = %v, want 1", got)
	}
}
