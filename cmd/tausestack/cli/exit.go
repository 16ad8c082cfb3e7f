// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import "fmt"

// ExitError requests a non-zero exit status without an extra error
// line. The command has already written its own output, as
// "mcp call" does for a tool result with isError set.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}

// ExitCode returns the exit status main should use.
func (e *ExitError) ExitCode() int {
	return e.Code
}
