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
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/AleutianAI/scribe/services/scribe/vcs"
)

const (
	branchPrefix  = "refs/heads/sessions/"
	sessionPrefix = "refs/scribe/sessions/"

	changeTrailer   = "Scribe-Change: "
	sessionTrailer  = "Scribe-Session: "
	baselineTrailer = "Scribe-Baseline: "
)

// timeLayout keeps nanoseconds so entries sort exactly as recorded.
const timeLayout = time.RFC3339Nano

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateSessionID reports whether id can name a session.
//
// Ids become ref path components, so they are restricted to a conservative
// character set and may not contain ".." or end in ".lock".
func ValidateSessionID(id string) error {
	if !sessionIDPattern.MatchString(id) || strings.Contains(id, "..") || strings.HasSuffix(id, ".lock") {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	return nil
}

func branchRef(id string) string        { return branchPrefix + id }
func startRef(id string) string         { return sessionPrefix + id + "/start" }
func baseRef(id string) string          { return sessionPrefix + id + "/base" }
func journalRef(id string) string       { return sessionPrefix + id + "/journal" }
func squashRef(id string) string        { return sessionPrefix + id + "/squash" }
func sessionRefPrefix(id string) string { return sessionPrefix + id + "/" }

// changeRecord is the trailer payload of a change commit.
type changeRecord struct {
	EntryID    string `json:"entry_id"`
	SessionID  string `json:"session_id"`
	FilePath   string `json:"file_path"`
	RelPath    string `json:"rel_path"`
	BackupPath string `json:"backup_path,omitempty"`
	ItemName   string `json:"item_name,omitempty"`
	ItemType   string `json:"item_type,omitempty"`
	Language   string `json:"language,omitempty"`
	CreatedAt  string `json:"created_at"`
}

// changeMessage renders the commit message carrying e.
func changeMessage(e ChangeEntry) (string, error) {
	rec := changeRecord{
		EntryID:    e.EntryID,
		SessionID:  e.SessionID,
		FilePath:   e.FilePath,
		RelPath:    e.RelPath,
		BackupPath: e.BackupPath,
		ItemName:   e.ItemName,
		ItemType:   e.ItemType,
		Language:   e.Language,
		CreatedAt:  e.CreatedAt.UTC().Format(timeLayout),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encoding change entry: %w", err)
	}
	return fmt.Sprintf("%s\n\n%s%s\n", changeSubject(e), changeTrailer, payload), nil
}

func changeSubject(e ChangeEntry) string {
	switch {
	case e.ItemType != "" && e.ItemName != "":
		return fmt.Sprintf("scribe: %s %s in %s", e.ItemType, e.ItemName, e.RelPath)
	case e.ItemName != "":
		return fmt.Sprintf("scribe: %s in %s", e.ItemName, e.RelPath)
	default:
		return "scribe: write " + e.RelPath
	}
}

// parseChange extracts the change entry from a commit.
func parseChange(c vcs.Commit) (ChangeEntry, error) {
	payload, ok := trailer(c.Message, changeTrailer)
	if !ok {
		return ChangeEntry{}, fmt.Errorf("%w: commit %s has no change trailer", ErrStoreCorrupt, c.ID)
	}
	var rec changeRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return ChangeEntry{}, fmt.Errorf("%w: commit %s: %v", ErrStoreCorrupt, c.ID, err)
	}
	created, err := parseTime(rec.CreatedAt)
	if err != nil {
		return ChangeEntry{}, fmt.Errorf("%w: commit %s: %v", ErrStoreCorrupt, c.ID, err)
	}
	return ChangeEntry{
		EntryID:    rec.EntryID,
		SessionID:  rec.SessionID,
		FilePath:   rec.FilePath,
		RelPath:    rec.RelPath,
		BackupPath: rec.BackupPath,
		ItemName:   rec.ItemName,
		ItemType:   rec.ItemType,
		Language:   rec.Language,
		CreatedAt:  created,
		CommitID:   c.ID,
	}, nil
}

func squashMessage(sessionID string, changes int) string {
	noun := "changes"
	if changes == 1 {
		noun = "change"
	}
	return fmt.Sprintf("scribe: session %s (%d %s)\n\n%s%s\n", sessionID, changes, noun, sessionTrailer, sessionID)
}

func baselineMessage(sessionID, relPath string) string {
	return fmt.Sprintf("scribe: baseline %s\n\n%s%s\n", relPath, baselineTrailer, sessionID)
}

// squashSession returns the session a main-line commit squashes, if any.
func squashSession(c vcs.Commit) (string, bool) {
	return trailer(c.Message, sessionTrailer)
}

// trailer returns the value of the last line starting with key.
func trailer(message, key string) (string, bool) {
	lines := strings.Split(strings.TrimRight(message, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if v, ok := strings.CutPrefix(lines[i], key); ok {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
