// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build information for TauseStack binaries.
// Values are stamped at link time:
//
//	go build -ldflags "-X github.com/tausestack/tausestack/lib/version.Commit=$(git rev-parse --short HEAD)"
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

var (
	// Version is the release version.
	Version = "0.3.0-dev"

	// Commit is the short git SHA of the build.
	Commit = "unknown"

	// BuildTime is the UTC build timestamp.
	BuildTime = "unknown"
)

// Short returns the bare version, used as serverInfo.version in MCP
// handshakes and in federation /info responses.
func Short() string { return Version }

// Info returns the one-line --version string. Without link-time
// stamps it falls back to the VCS data the go command embeds.
func Info() string {
	commit, built := Commit, BuildTime
	if commit == "unknown" || built == "unknown" {
		revision, at := vcsStamp()
		if commit == "unknown" && revision != "" {
			commit = revision
		}
		if built == "unknown" && at != "" {
			built = at
		}
	}
	return fmt.Sprintf("%s (%s, %s)", Version, commit, built)
}

func vcsStamp() (revision, at string) {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "", ""
	}
	modified := false
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.time":
			at = setting.Value
		case "vcs.modified":
			modified = setting.Value == "true"
		}
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	if modified && revision != "" {
		revision += "-dirty"
	}
	return revision, at
}

// Full adds the Go toolchain and platform.
func Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s", Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
