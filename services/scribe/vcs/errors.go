// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vcs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnavailable is returned when the git executable cannot be found.
	// Callers degrade every transactional feature to unsupported.
	ErrUnavailable = errors.New("version store unavailable: git executable not found")

	// ErrStoreCorrupt is returned when store metadata exists but cannot be
	// used. The store is never repaired automatically.
	ErrStoreCorrupt = errors.New("version store corrupt")

	// ErrTimeout is returned when a store command exceeds its deadline.
	// A timed-out write must never be assumed to have landed.
	ErrTimeout = errors.New("version store command timed out")

	// ErrRefConflict is returned when a ref transaction finds a ref at an
	// unexpected value. No ref in the transaction is changed.
	ErrRefConflict = errors.New("ref changed concurrently")

	// ErrObjectNotFound is returned when a commit, tree or blob is missing.
	ErrObjectNotFound = errors.New("object not found")

	// ErrNotInitialized is returned by operations on a store that has no
	// main line yet.
	ErrNotInitialized = errors.New("version store not initialized")
)

// CommandError describes a store command that exited unsuccessfully.
//
// # Description
//
// Carries the subcommand, exit status and captured stderr so callers can
// log the failure with full context. Unwrap exposes the underlying process
// error.
type CommandError struct {
	// Command is the git subcommand, e.g. "update-ref".
	Command string

	// ExitCode is the process exit status, or -1 when it never ran.
	ExitCode int

	// Stderr is the trimmed standard error output.
	Stderr string

	// Wrapped is the underlying error.
	Wrapped error
}

// Error implements the error interface.
func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: exit status %d", e.Command, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *CommandError) Unwrap() error {
	return e.Wrapped
}

// isRefConflict reports whether a failed update-ref was a compare-and-swap
// miss rather than an I/O failure.
func isRefConflict(err error) bool {
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		return false
	}
	s := cmdErr.Stderr
	return strings.Contains(s, "but expected") ||
		strings.Contains(s, "reference already exists") ||
		strings.Contains(s, "cannot lock ref") ||
		strings.Contains(s, "unable to resolve reference")
}
