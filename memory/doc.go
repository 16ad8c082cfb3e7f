// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

// Package memory stores what agents remember between sessions.
//
// An [Entry] is a piece of text an agent chose to keep, namespaced by
// tenant and agent. Entry ids are content addresses: the BLAKE3 hash of
// the tenant, agent, kind, and content. Storing the same memory twice,
// or receiving it from two federation peers, collapses to one entry.
//
// Two [Store] implementations exist. [NewMemoryStore] keeps everything
// in process and suits tests and throwaway servers. [OpenSQLite]
// persists entries in a WAL-mode SQLite database, with bodies encoded
// as deterministic CBOR and compressed when that makes them smaller.
//
// [Rank] orders entries by BM25 relevance to a free-text query.
package memory
