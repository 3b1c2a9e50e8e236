// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transaction

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/scribe/services/scribe/vcs"
)

var (
	// ErrUnavailable mirrors vcs.ErrUnavailable: the version store cannot
	// run, so transactional features are unsupported.
	ErrUnavailable = vcs.ErrUnavailable

	// ErrStoreCorrupt is returned when refs or commit metadata contradict
	// each other. Nothing is repaired automatically.
	ErrStoreCorrupt = vcs.ErrStoreCorrupt

	// ErrNotInitialized is returned when the store has no main line.
	ErrNotInitialized = vcs.ErrNotInitialized

	// ErrInvalidSessionID is returned for ids that cannot name a ref.
	ErrInvalidSessionID = errors.New("invalid session id")

	// ErrSessionOpen is returned by Begin for a session that is open.
	ErrSessionOpen = errors.New("session is already open")

	// ErrSessionCommitted is returned when a committed session is begun
	// again or written to.
	ErrSessionCommitted = errors.New("session is already committed")

	// ErrSessionNotFound is returned for sessions that were never begun.
	ErrSessionNotFound = errors.New("session not found")

	// ErrEntryNotFound is returned for unknown change entry ids.
	ErrEntryNotFound = errors.New("change entry not found")

	// ErrPathOutsideRoot is returned when a recorded file is not inside
	// the project, or is inside the state directory.
	ErrPathOutsideRoot = errors.New("file is outside the project root")

	// ErrBackupMissing is returned when the pre-edit backup does not exist.
	ErrBackupMissing = errors.New("backup file does not exist")

	// ErrReplayFailure is returned when a rollback could not be applied.
	// The store and the working tree are left as they were.
	ErrReplayFailure = errors.New("rollback replay failed")

	// ErrNilManifest is returned when an operation gets no manifest.
	ErrNilManifest = errors.New("manifest is nil")

	// ErrStaleManifest is returned when a manifest's base commit does not
	// match the session it names.
	ErrStaleManifest = errors.New("manifest does not match session")
)

// SessionError adds the session id to a session state error.
type SessionError struct {
	SessionID string
	Err       error
}

// Error implements the error interface.
func (e *SessionError) Error() string {
	return fmt.Sprintf("session %s: %v", e.SessionID, e.Err)
}

// Unwrap returns the state sentinel.
func (e *SessionError) Unwrap() error {
	return e.Err
}

func sessionErr(id string, err error) error {
	return &SessionError{SessionID: id, Err: err}
}
