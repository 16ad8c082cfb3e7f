// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

// Package jsonrpc implements JSON-RPC 2.0 message framing as used by
// the Model Context Protocol.
//
// A [Message] is the single envelope for requests, notifications, and
// responses; [Decode] parses and classifies one, returning a typed
// [*Error] whose code the caller can send straight back to the peer.
// Ids are kept as raw JSON so a response echoes the request's id byte
// for byte, whether the peer used numbers or strings.
//
// Batches are rejected. MCP removed them in the 2025-06-18 revision and
// no TauseStack client sends them.
package jsonrpc
