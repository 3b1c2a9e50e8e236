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
	"context"
	"time"
)

// MainRef is the store's main line.
const MainRef = "refs/heads/main"

// Mode values recorded for files.
const (
	ModeFile       = "100644"
	ModeExecutable = "100755"
	ModeSymlink    = "120000"
)

// FileState is the recorded state of one path: its mode and content blob.
// The zero value means the path does not exist.
type FileState struct {
	Mode string `json:"mode,omitempty"`
	Blob string `json:"blob,omitempty"`
}

// Exists reports whether the state describes a present file.
func (s FileState) Exists() bool {
	return s.Blob != ""
}

// Commit is a parsed commit object.
type Commit struct {
	ID      string
	Tree    string
	Parents []string
	Message string
	When    time.Time
}

// Parent returns the first parent, or "" for a root commit.
func (c Commit) Parent() string {
	if len(c.Parents) == 0 {
		return ""
	}
	return c.Parents[0]
}

// CommitRequest describes a commit object to create.
type CommitRequest struct {
	Tree    string
	Parents []string
	Message string

	// When is used for both author and committer dates. Zero means now.
	When time.Time
}

// RefUpdate is one compare-and-swap step of a ref transaction.
//
// Old == "" requires that the ref does not exist. New == "" deletes it.
type RefUpdate struct {
	Name string
	Old  string
	New  string
}

// InitResult reports what Init did.
type InitResult struct {
	// Created is false when the store already existed.
	Created bool

	// RootCommit is the main line's first commit.
	RootCommit string

	// Warnings lists non-fatal setup failures.
	Warnings []string
}

// HistoryStore is the content-addressed history scribe records into.
//
// # Description
//
// Objects are immutable and identified by content. Refs are the only
// mutable state and move exclusively through UpdateRefs, which applies a
// group of compare-and-swap updates all-or-nothing.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Serializing logical
// operations is the caller's job.
type HistoryStore interface {
	// Init creates the store if needed. Idempotent.
	Init(ctx context.Context) (InitResult, error)

	// ReadRef returns the commit a ref points at, or "" if it is missing.
	ReadRef(ctx context.Context, name string) (string, error)

	// ListRefs returns every ref under prefix mapped to its commit.
	ListRefs(ctx context.Context, prefix string) (map[string]string, error)

	// UpdateRefs applies all updates or none. A mismatched old value
	// yields ErrRefConflict.
	UpdateRefs(ctx context.Context, updates []RefUpdate) error

	// HashFile stores a file's bytes and returns its state. A missing
	// file returns the zero FileState.
	HashFile(ctx context.Context, absPath string) (FileState, error)

	// ReadBlob returns a blob's bytes.
	ReadBlob(ctx context.Context, id string) ([]byte, error)

	// ReadCommit parses a commit object.
	ReadCommit(ctx context.Context, id string) (Commit, error)

	// PathState returns the state of relPath in a commit's tree.
	PathState(ctx context.Context, commit, relPath string) (FileState, error)

	// WriteTree returns the tree of baseCommit with overlay applied.
	// An empty baseCommit starts from the empty tree. Absent states in
	// the overlay delete the path.
	WriteTree(ctx context.Context, baseCommit string, overlay map[string]FileState) (string, error)

	// CommitTree creates a commit object without moving any ref.
	CommitTree(ctx context.Context, req CommitRequest) (string, error)

	// Log returns first-parent commits reachable from include but not
	// from exclude, oldest first. An empty exclude walks to the root.
	Log(ctx context.Context, exclude, include string) ([]Commit, error)

	// ChangedPaths returns the paths a commit changed relative to its
	// first parent, with their new states.
	ChangedPaths(ctx context.Context, commit string) (map[string]FileState, error)

	// Diff returns a unified diff between two states of relPath. Equal
	// states yield "".
	Diff(ctx context.Context, relPath string, from, to FileState) (string, error)
}
