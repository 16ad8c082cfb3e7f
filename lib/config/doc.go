// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads TauseStack configuration.
//
// Configuration comes from a single file named by either the
// TAUSESTACK_CONFIG environment variable (via [Load]) or a --config
// flag (via [LoadFile]). There is no discovery and no fallback search,
// so the file that was read is always the file that was named.
//
// Files ending in .json or .jsonc are JSON with comments and trailing
// commas; anything else is YAML. Both map onto the same keys.
//
// A file may carry development, staging, and production blocks. The
// block matching [Config].Environment is laid over the base values
// after loading, key by key. Production without its own block logs
// JSON unless a format is set explicitly.
//
// Path and secret fields then have ${VAR} and ${VAR:-default}
// expanded. No other environment variable changes a config value.
// [Config.Validate] reports every problem at once.
package config
