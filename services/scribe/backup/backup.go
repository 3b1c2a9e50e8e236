// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package backup captures the bytes of a file before it is edited so the
// edit can later be recorded against its exact pre-image.
//
// Backups live under <root>/.scribe/backups/<session>/ and are named
// "<timestamp>-<digest>-<basename>". They are plain copies; recording a
// change also stores the pre-image in the version store, so a backup is
// only needed until the change is recorded.
package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var (
	// ErrNothingToBackup is returned when the source file does not exist.
	ErrNothingToBackup = errors.New("nothing to back up: file does not exist")

	// ErrInvalidSession is returned for session ids that are not a single
	// path element.
	ErrInvalidSession = errors.New("invalid session id for backup directory")
)

// Manager captures and restores pre-edit copies.
//
// # Description
//
// Abstracts backup storage so the CLI and tests can substitute their own.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use on different files.
type Manager interface {
	// Capture copies path's current bytes into the session's backup
	// directory and returns the backup path.
	Capture(sessionID, path string) (string, error)

	// List returns the session's backups, newest first.
	List(sessionID string) ([]Info, error)

	// Restore atomically replaces target with the backup's bytes.
	Restore(backupPath, target string) error

	// Prune deletes every backup of the session.
	Prune(sessionID string) (int, error)
}

// Info describes one backup.
type Info struct {
	// Path is the backup file.
	Path string `json:"path"`

	// OriginalName is the base name of the file that was backed up.
	OriginalName string `json:"original_name"`

	// Digest is the hex sha256 prefix of the backed up bytes.
	Digest string `json:"digest"`

	// CreatedAt is parsed from the backup name.
	CreatedAt time.Time `json:"created_at"`

	// Size in bytes.
	Size int64 `json:"size"`
}

// Config configures a DefaultManager.
type Config struct {
	// Dir is the root backup directory, usually Layout.BackupDir.
	Dir string

	// TimeFormat is the timestamp layout in backup names.
	// Default: "20060102T150405.000000000"
	TimeFormat string
}

const defaultTimeFormat = "20060102T150405.000000000"

// DefaultManager stores backups as plain files.
type DefaultManager struct {
	config Config
	now    func() time.Time
}

// NewManager creates a backup manager.
func NewManager(config Config) *DefaultManager {
	if config.TimeFormat == "" {
		config.TimeFormat = defaultTimeFormat
	}
	return &DefaultManager{config: config, now: time.Now}
}

// Capture implements Manager.
//
// # Description
//
// Copies the file with its permission bits into a temporary file in the
// session directory and renames it into place, so a backup path is never
// observed half-written.
//
// # Outputs
//
//   - string: Path of the new backup.
//   - error: ErrNothingToBackup if path does not exist, ErrInvalidSession
//     for a bad session id, or an I/O error.
func (m *DefaultManager) Capture(sessionID, path string) (string, error) {
	dir, err := m.sessionDir(sessionID)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNothingToBackup, path)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", path, err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	sum := sha256.Sum256(data)
	name := fmt.Sprintf("%s-%s-%s",
		m.now().UTC().Format(m.config.TimeFormat),
		hex.EncodeToString(sum[:])[:12],
		filepath.Base(path))
	backupPath := filepath.Join(dir, name)

	if err := WriteFileAtomic(backupPath, data, info.Mode().Perm()); err != nil {
		return "", fmt.Errorf("failed to write backup: %w", err)
	}
	return backupPath, nil
}

// List implements Manager.
func (m *DefaultManager) List(sessionID string) ([]Info, error) {
	dir, err := m.sessionDir(sessionID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var backups []Info
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		parts := strings.SplitN(entry.Name(), "-", 3)
		if len(parts) != 3 {
			continue
		}
		createdAt, err := time.Parse(m.config.TimeFormat, parts[0])
		if err != nil {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, Info{
			Path:         filepath.Join(dir, entry.Name()),
			OriginalName: parts[2],
			Digest:       parts[1],
			CreatedAt:    createdAt,
			Size:         fi.Size(),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})
	return backups, nil
}

// Restore implements Manager.
func (m *DefaultManager) Restore(backupPath, target string) error {
	src, err := os.Open(backupPath)
	if err != nil {
		return fmt.Errorf("failed to open backup: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat backup: %w", err)
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return fmt.Errorf("failed to read backup: %w", err)
	}
	if err := WriteFileAtomic(target, data, info.Mode().Perm()); err != nil {
		return fmt.Errorf("failed to restore %s: %w", target, err)
	}
	return nil
}

// Prune implements Manager.
func (m *DefaultManager) Prune(sessionID string) (int, error) {
	backups, err := m.List(sessionID)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, b := range backups {
		if err := os.Remove(b.Path); err != nil {
			continue
		}
		removed++
	}
	dir, _ := m.sessionDir(sessionID)
	os.Remove(dir) // only succeeds when empty
	return removed, nil
}

func (m *DefaultManager) sessionDir(sessionID string) (string, error) {
	if sessionID == "" || sessionID == "." || sessionID == ".." ||
		strings.ContainsAny(sessionID, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSession, sessionID)
	}
	return filepath.Join(m.config.Dir, sessionID), nil
}

var _ Manager = (*DefaultManager)(nil)

// WriteFileAtomic replaces path with data.
//
// # Description
//
// Writes to a temporary file in the same directory, syncs it, applies perm
// and renames it over path. Readers see either the old or the new content.
// Parent directories are created as needed.
func WriteFileAtomic(path string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
