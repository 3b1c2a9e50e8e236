// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"errors"
	"fmt"
	"os"
)

// Sentinel errors for lock operations.
var (
	// ErrLocked indicates the store is locked by another process.
	ErrLocked = errors.New("store is locked by another process")

	// ErrNotHeld indicates an attempt to release a lock this process
	// does not hold.
	ErrNotHeld = errors.New("lock not held by this process")

	// ErrClosed indicates use of a closed StoreLock.
	ErrClosed = errors.New("lock is closed")
)

// LockError provides detailed information about a lock conflict.
//
// # Description
//
// Wraps ErrLocked with information about the current lock holder, so
// the caller can decide whether to wait or abort.
type LockError struct {
	Path   string
	Holder *LockInfo
	Err    error
}

// Error returns a human-readable error message.
func (e *LockError) Error() string {
	if e.Holder != nil {
		msg := fmt.Sprintf("%s is locked by PID %d on %s (%s) since %s: %v",
			e.Path, e.Holder.PID, e.Holder.Host, e.Holder.Owner,
			e.Holder.AcquiredAt.Format("15:04:05"), e.Err)
		if host, _ := os.Hostname(); host == e.Holder.Host && !IsProcessAlive(e.Holder.PID) {
			msg += " (holder is no longer running)"
		}
		return msg
	}
	return fmt.Sprintf("%s is locked: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *LockError) Unwrap() error {
	return e.Err
}
