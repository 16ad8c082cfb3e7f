// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for code whose behavior depends on it:
// token expiry checks, retry backoff, SSE keep-alives, and memory entry
// timestamps.
//
// Production code injects [Real]. Tests inject [Fake], which stands
// still until [FakeClock.Advance] is called, and use
// [FakeClock.WaitForTimers] to close the race between a goroutine
// registering a timer and the test advancing past it.
package clock
