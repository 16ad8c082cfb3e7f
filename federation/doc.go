// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

// Package federation exchanges agent memory between TauseStack nodes.
//
// Each node is identified by its public URL. A node calling a peer
// mints a short-lived JWT whose issuer is its own URL and whose
// audience is the peer's URL, signed with the node's Ed25519 key (or
// an HMAC secret shared with that one peer). The receiving node
// accepts the token only if the issuer is on its [AllowList], the
// signature checks out against that issuer's key, and the token has
// not been revoked.
//
// Tokens carry a tenant. Memories pushed under a token land in that
// tenant on the receiving node and nowhere else, and pulls only ever
// return the tenant's locally created memories, so entries do not
// echo back and forth along a chain of peers.
//
// The HTTP surface lives under /federation/v1 ([Handler]); [Peer] is
// its client; [Federation] ties both to a memory store; and
// [RegisterTools] exposes the whole thing to MCP clients.
package federation
