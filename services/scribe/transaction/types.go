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
	"log/slog"
	"time"

	"github.com/AleutianAI/scribe/services/scribe/statedir"
)

// Config configures a Manager.
type Config struct {
	// Layout is the resolved state layout of the project. Required.
	Layout statedir.Layout

	// MetricsEnabled turns on OpenTelemetry metrics.
	MetricsEnabled bool

	// TracingEnabled turns on OpenTelemetry spans.
	TracingEnabled bool

	// Logger receives structured logs. Nil uses slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the configuration for a project root.
func DefaultConfig(layout statedir.Layout) Config {
	return Config{
		Layout:         layout,
		MetricsEnabled: true,
		TracingEnabled: true,
	}
}

// EntryStatus tells whether a change is still part of its session.
type EntryStatus string

const (
	// StatusActive marks a change that is part of the session's effect.
	StatusActive EntryStatus = "active"

	// StatusRolledBack marks a change that was rolled back.
	StatusRolledBack EntryStatus = "rolled_back"
)

// ChangeEntry is one recorded write.
type ChangeEntry struct {
	EntryID    string    `json:"entry_id"`
	SessionID  string    `json:"session_id"`
	FilePath   string    `json:"file_path"`
	RelPath    string    `json:"rel_path"`
	BackupPath string    `json:"backup_path,omitempty"`
	ItemName   string    `json:"item_name,omitempty"`
	ItemType   string    `json:"item_type,omitempty"`
	Language   string    `json:"language,omitempty"`
	CreatedAt  time.Time `json:"created_at"`

	// Status is filled in by listing operations.
	Status EntryStatus `json:"status,omitempty"`

	// CommitID is the store commit carrying the entry.
	CommitID string `json:"commit_id,omitempty"`
}

// WriteRequest describes a write to record.
type WriteRequest struct {
	// FilePath is the written file, absolute or relative to the root.
	FilePath string

	// BackupPath holds the file's bytes from before the write. Empty
	// means the file did not exist before.
	BackupPath string

	ItemName string
	ItemType string
	Language string
}

// Manifest identifies an open session. It is a plain handle; the Manager
// re-derives everything else from the store.
type Manifest struct {
	SessionID  string `json:"session_id"`
	BaseCommit string `json:"base_commit"`
}

// SessionState is the lifecycle state of a session.
type SessionState string

const (
	// SessionOpen accepts writes.
	SessionOpen SessionState = "open"

	// SessionCommitted has been squashed into the main line.
	SessionCommitted SessionState = "committed"
)

// SessionInfo summarizes one session.
type SessionInfo struct {
	SessionID    string       `json:"session_id"`
	State        SessionState `json:"state"`
	Changes      int          `json:"changes"`
	Active       int          `json:"active"`
	BaseCommit   string       `json:"base_commit"`
	SquashCommit string       `json:"squash_commit,omitempty"`
}

// CommitResult reports a session commit.
type CommitResult struct {
	SessionID string `json:"session_id"`

	// CommitID is the squash commit on main, "" for an empty session.
	CommitID string `json:"commit_id,omitempty"`

	// Changes is the number of active changes squashed.
	Changes int `json:"changes"`

	// Empty is true when the session had no active changes.
	Empty bool `json:"empty"`

	// AlreadyCommitted is true when the session had been committed before.
	AlreadyCommitted bool `json:"already_committed"`
}

// RollbackStatus discriminates rollback outcomes.
type RollbackStatus string

const (
	RollbackApplied     RollbackStatus = "rolled_back"
	RollbackAlreadyDone RollbackStatus = "already_rolled_back"
	RollbackNotFound    RollbackStatus = "not_found"
	RollbackFailed      RollbackStatus = "failed"
	RollbackUnsupported RollbackStatus = "unsupported"
)

// RollbackResult reports a rollback. It is returned for every outcome.
type RollbackResult struct {
	EntryID   string         `json:"entry_id"`
	SessionID string         `json:"session_id,omitempty"`
	FilePath  string         `json:"file_path,omitempty"`
	Success   bool           `json:"success"`
	Status    RollbackStatus `json:"status"`
	Message   string         `json:"message,omitempty"`

	// Rewritten counts commits re-created on the session branch and the
	// main line.
	Rewritten int `json:"rewritten"`
}

// ChangeDiff is the patch a change applied to its file.
type ChangeDiff struct {
	Entry   ChangeEntry `json:"entry"`
	Patch   string      `json:"patch"`
	Added   int         `json:"added"`
	Deleted int         `json:"deleted"`
}
