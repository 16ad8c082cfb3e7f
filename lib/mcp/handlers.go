// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/tausestack/tausestack/lib/jsonrpc"
)

// decodeParams unmarshals optional params into v.
func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "invalid params: %v", err)
	}
	return nil
}

func (ss *serverSession) toolsList(raw json.RawMessage) (any, error) {
	var params ListParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	tools, next, err := paginate(ss.server.visibleTools(ss.snapshot()), params.Cursor, ss.server.pageSize)
	if err != nil {
		return nil, err
	}
	return ListToolsResult{Tools: tools, NextCursor: next}, nil
}

func (ss *serverSession) toolsCall(ctx context.Context, raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "params required for tools/call")
	}
	var params CallToolParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if params.Name == "" {
		return nil, jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "tool name required")
	}

	registered, ok := ss.server.lookupTool(params.Name)
	if !ok {
		return nil, jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "unknown tool: %s", params.Name)
	}
	info := ss.snapshot()
	if ss.server.authorize != nil && !ss.server.authorize(info, registered.tool) {
		return nil, jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "tool not authorized: %s", params.Name)
	}

	request := &ToolRequest{
		Name:      params.Name,
		Arguments: params.Arguments,
		Session:   info,
		session:   ss,
	}
	if params.Meta != nil {
		request.progressToken = params.Meta.ProgressToken
	}
	result, err := buildToolResult(registered.handler(ctx, request))
	if err != nil {
		return nil, err
	}
	return result, nil
}

// buildToolResult normalizes a handler's return. Protocol errors pass
// through; any other error becomes an isError result.
func buildToolResult(result *CallToolResult, err error) (*CallToolResult, error) {
	if err != nil {
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) {
			return nil, rpcErr
		}
		return ErrorResult(err), nil
	}
	if result == nil {
		result = &CallToolResult{}
	}
	// At least one content block is required.
	if len(result.Content) == 0 {
		result.Content = []Content{TextContent("")}
	}
	if result.IsError && result.ErrorInfo == nil {
		result.ErrorInfo = &ErrorInfo{Category: CategoryInternal}
	}
	return result, nil
}

// requireCapability answers MethodNotFound for features the session
// was not offered.
func (ss *serverSession) requireCapability(method string, present bool) error {
	if !present {
		return jsonrpc.Errorf(jsonrpc.CodeMethodNotFound, "%s: capability not offered by this server", method)
	}
	return nil
}

func (ss *serverSession) resourcesOffered() bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.capabilities.Resources != nil
}

func (ss *serverSession) promptsOffered() bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.capabilities.Prompts != nil
}

func (ss *serverSession) resourcesList(ctx context.Context, raw json.RawMessage) (any, error) {
	if err := ss.requireCapability(MethodResourcesList, ss.resourcesOffered()); err != nil {
		return nil, err
	}
	var params ListParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	resources, err := ss.server.listResources(ctx, ss.snapshot())
	if err != nil {
		return nil, err
	}
	page, next, err := paginate(resources, params.Cursor, ss.server.pageSize)
	if err != nil {
		return nil, err
	}
	return ListResourcesResult{Resources: page, NextCursor: next}, nil
}

func (ss *serverSession) resourceTemplatesList(raw json.RawMessage) (any, error) {
	if err := ss.requireCapability(MethodResourceTemplatesList, ss.resourcesOffered()); err != nil {
		return nil, err
	}
	var params ListParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	page, next, err := paginate(ss.server.resourceTemplates(), params.Cursor, ss.server.pageSize)
	if err != nil {
		return nil, err
	}
	return ListResourceTemplatesResult{ResourceTemplates: page, NextCursor: next}, nil
}

func (ss *serverSession) resourcesRead(ctx context.Context, raw json.RawMessage) (any, error) {
	if err := ss.requireCapability(MethodResourcesRead, ss.resourcesOffered()); err != nil {
		return nil, err
	}
	var params ReadResourceParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if params.URI == "" {
		return nil, jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "resource uri required")
	}
	handler, ok := ss.server.resourceHandler(params.URI)
	if !ok {
		return nil, jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "unknown resource: %s", params.URI)
	}
	result, err := handler(ctx, &ResourceRequest{URI: params.URI, Session: ss.snapshot()})
	if err != nil {
		return nil, rpcError(err)
	}
	if result == nil || result.Contents == nil {
		result = &ReadResourceResult{Contents: []ResourceContents{}}
	}
	return result, nil
}

func (ss *serverSession) promptsList(raw json.RawMessage) (any, error) {
	if err := ss.requireCapability(MethodPromptsList, ss.promptsOffered()); err != nil {
		return nil, err
	}
	var params ListParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	page, next, err := paginate(ss.server.promptList(), params.Cursor, ss.server.pageSize)
	if err != nil {
		return nil, err
	}
	return ListPromptsResult{Prompts: page, NextCursor: next}, nil
}

func (ss *serverSession) promptsGet(ctx context.Context, raw json.RawMessage) (any, error) {
	if err := ss.requireCapability(MethodPromptsGet, ss.promptsOffered()); err != nil {
		return nil, err
	}
	var params GetPromptParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	registered, ok := ss.server.prompt(params.Name)
	if !ok {
		return nil, jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "unknown prompt: %s", params.Name)
	}
	for _, argument := range registered.prompt.Arguments {
		if _, present := params.Arguments[argument.Name]; argument.Required && !present {
			return nil, jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "prompt %s: missing argument %q", params.Name, argument.Name)
		}
	}
	result, err := registered.handler(ctx, &PromptRequest{
		Name:      params.Name,
		Arguments: params.Arguments,
		Session:   ss.snapshot(),
	})
	if err != nil {
		return nil, rpcError(err)
	}
	if result == nil {
		result = &GetPromptResult{}
	}
	if result.Messages == nil {
		result.Messages = []PromptMessage{}
	}
	return result, nil
}

func (ss *serverSession) setLevel(raw json.RawMessage) (any, error) {
	var params SetLevelParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	level, err := ParseLoggingLevel(string(params.Level))
	if err != nil {
		return nil, jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "%v", err)
	}
	ss.mu.Lock()
	ss.logLevel = level
	ss.mu.Unlock()
	ss.logger.Debug("client log level set", "level", string(level))
	return struct{}{}, nil
}
