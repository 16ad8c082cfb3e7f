// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides network and HTTP JSON helpers shared by the
// transports and the federation API.
//
// Body helpers bound every read: a misbehaving peer cannot make a
// handler or client allocate without limit. They are for JSON request
// and response bodies, not for event streams.
package netutil
