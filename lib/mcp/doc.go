// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

// Package mcp implements the server side of the Model Context Protocol
// over any [transport.Conn].
//
// A [Server] holds a registry of tools, resources, and prompts and
// runs one session per connection through [Server.Serve]. Each session
// walks the state machine awaiting-initialize, initializing,
// operational, closed: only initialize and ping are answered before
// the handshake, and list_changed notifications are sent only once the
// client has confirmed with notifications/initialized. Requests run
// concurrently, bounded per session, and notifications/cancelled
// cancels the matching handler's context.
//
// Tool handlers report failures by returning a categorized
// [ToolError]. The server turns it into a result with isError set and
// an errorInfo object in the result's _meta carrying the category and
// whether a retry may succeed, so agents can react without parsing
// message text. [ErrorInfoFromMeta] reads it back on the client side.
//
// Clients use the go-sdk MCP client; see [transport.Dial] and
// [transport.SDKTransport].
package mcp
