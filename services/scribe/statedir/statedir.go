// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package statedir computes where scribe keeps its private state inside a
// project.
//
// Every location is derived from the project root alone. Resolve never
// touches the filesystem, so it is safe to call before the store exists.
package statedir

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// DirName is the name of the state directory at the project root.
const DirName = ".scribe"

var (
	// ErrEmptyRoot is returned when Resolve is called without a root.
	ErrEmptyRoot = errors.New("project root is empty")

	// ErrOutsideRoot is returned when a path does not live under the root.
	ErrOutsideRoot = errors.New("path is outside the project root")

	// ErrInsideState is returned for paths inside the state directory.
	ErrInsideState = errors.New("path is inside the scribe state directory")
)

// Layout holds every path scribe derives from a project root.
type Layout struct {
	// Root is the absolute, cleaned project root.
	Root string

	// StateDir holds all private state (<root>/.scribe).
	StateDir string

	// HistoryDir is the metadata root of the private version store.
	HistoryDir string

	// IndexDir holds the entry index database.
	IndexDir string

	// BackupDir holds pre-edit copies captured by callers.
	BackupDir string

	// TmpDir holds short-lived files such as scratch index files.
	TmpDir string

	// LockPath is the advisory lock file serializing mutating commands.
	LockPath string

	// IgnoreMarker tells surrounding tooling to ignore the state directory.
	IgnoreMarker string

	// MetricsFile receives the prometheus textfile on shutdown.
	MetricsFile string
}

// Resolve derives the state layout for projectRoot.
//
// # Description
//
// Relative roots are made absolute against the process working directory.
// No directories are created.
//
// # Inputs
//
//   - projectRoot: The user's project root.
//
// # Outputs
//
//   - Layout: All derived locations.
//   - error: ErrEmptyRoot, or an error resolving a relative root.
func Resolve(projectRoot string) (Layout, error) {
	if strings.TrimSpace(projectRoot) == "" {
		return Layout{}, ErrEmptyRoot
	}
	root, err := filepath.Abs(projectRoot)
	if err != nil {
		return Layout{}, fmt.Errorf("resolving project root %s: %w", projectRoot, err)
	}
	state := filepath.Join(root, DirName)
	return Layout{
		Root:         root,
		StateDir:     state,
		HistoryDir:   filepath.Join(state, "history"),
		IndexDir:     filepath.Join(state, "index"),
		BackupDir:    filepath.Join(state, "backups"),
		TmpDir:       filepath.Join(state, "tmp"),
		LockPath:     filepath.Join(state, "lock"),
		IgnoreMarker: filepath.Join(state, ".gitignore"),
		MetricsFile:  filepath.Join(state, "metrics.prom"),
	}, nil
}

// Rel converts a path under the root into the slash-separated form used as
// a key in the version store.
//
// Relative inputs are interpreted against the root. Paths that escape the
// root yield ErrOutsideRoot, paths in the state directory ErrInsideState.
func (l Layout) Rel(path string) (string, error) {
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(l.Root, abs)
	}
	abs = filepath.Clean(abs)

	rel, err := filepath.Rel(l.Root, abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	rel = filepath.ToSlash(rel)
	if rel == DirName || strings.HasPrefix(rel, DirName+"/") {
		return "", fmt.Errorf("%w: %s", ErrInsideState, path)
	}
	return rel, nil
}

// Abs converts a store key back into an absolute path under the root.
func (l Layout) Abs(rel string) string {
	return filepath.Join(l.Root, filepath.FromSlash(rel))
}
