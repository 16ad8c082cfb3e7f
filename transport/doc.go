// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport moves whole JSON-RPC messages between an MCP
// client and server.
//
// Every transport is exposed as a [Conn]: Read returns the next
// complete message, Write sends one, Close tears the channel down.
// Protocol code above this package never knows which wire it is on.
//
//   - [NewStreamConn] frames newline-delimited JSON over any reader and
//     writer. [Stdio] wraps the process's stdin and stdout for the
//     server side of the stdio transport.
//   - [NewWebSocketHandler] and [DialWebSocket] carry one message per
//     text frame over gorilla/websocket.
//   - [NewSSEHandler] serves the HTTP+SSE transport: the client holds
//     open a GET event stream for server messages and POSTs its own
//     messages to the endpoint announced in the stream's first event.
//   - [Pipe] connects two in-process Conns for tests and embedding.
//
// HTTP transports hand every new connection to an [AcceptFunc] along
// with the originating request, so the server can read tenant headers
// and bearer tokens. [HTTPListener] runs such handlers and propagates
// its context into every request so that cancelling Serve ends
// hijacked WebSocket sessions and open event streams as well.
//
// Clients use the go-sdk MCP client. [Dial] picks its transport from
// a target string: ws:// and wss:// URLs run over [DialWebSocket]
// through [SDKTransport], http:// and https:// URLs use the SDK's SSE
// client transport, and "exec:<command line>" uses its command
// transport. [SDKTransport] also puts an SDK client on any other Conn,
// such as one end of a [Pipe].
package transport
