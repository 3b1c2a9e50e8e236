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
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/scribe/services/scribe/index"
	"github.com/AleutianAI/scribe/services/scribe/vcs"
)

// location is where an entry lives.
type location struct {
	session session
	journal []ChangeEntry
	idx     int
}

func (l location) entry() ChangeEntry {
	return l.journal[l.idx]
}

func findEntry(entries []ChangeEntry, entryID string) int {
	for i, e := range entries {
		if e.EntryID == entryID {
			return i
		}
	}
	return -1
}

// sessionIDs lists every session that has refs in the store, sorted.
func (m *Manager) sessionIDs(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)

	branches, err := m.store.ListRefs(ctx, branchPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing session branches: %w", err)
	}
	for name := range branches {
		seen[strings.TrimPrefix(name, branchPrefix)] = true
	}

	refs, err := m.store.ListRefs(ctx, sessionPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing session refs: %w", err)
	}
	for name := range refs {
		rest := strings.TrimPrefix(name, sessionPrefix)
		if i := strings.LastIndex(rest, "/"); i > 0 {
			seen[rest[:i]] = true
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// locate finds the session and journal position of an entry.
//
// The index is consulted first. On a miss or a stale record every journal
// is scanned and the index is rebuilt from what was found.
func (m *Manager) locate(ctx context.Context, entryID string) (location, bool, error) {
	if m.index != nil {
		rec, ok, err := m.index.Get(ctx, entryID)
		if err != nil {
			m.logger.WarnContext(ctx, "entry index lookup failed",
				slog.String("entry_id", entryID),
				slog.String("error", err.Error()))
		}
		if ok {
			if loc, found := m.locateIn(ctx, rec.SessionID, entryID); found {
				return loc, true, nil
			}
		}
	}

	ids, err := m.sessionIDs(ctx)
	if err != nil {
		return location{}, false, err
	}

	var (
		hit     location
		found   bool
		records []index.Record
	)
	for _, id := range ids {
		s, err := m.loadSession(ctx, id)
		if err != nil {
			return location{}, false, err
		}
		journal, err := m.journalEntries(ctx, s)
		if err != nil {
			return location{}, false, err
		}
		for _, e := range journal {
			records = append(records, recordOf(e))
		}
		if i := findEntry(journal, entryID); i >= 0 && !found {
			hit = location{session: s, journal: journal, idx: i}
			found = true
		}
	}

	if found && m.index != nil {
		if err := m.index.PutAll(ctx, records); err != nil {
			m.logger.WarnContext(ctx, "failed to rebuild entry index",
				slog.String("error", err.Error()))
		}
	}
	return hit, found, nil
}

func (m *Manager) locateIn(ctx context.Context, sessionID, entryID string) (location, bool) {
	s, err := m.loadSession(ctx, sessionID)
	if err != nil {
		return location{}, false
	}
	journal, err := m.journalEntries(ctx, s)
	if err != nil {
		return location{}, false
	}
	i := findEntry(journal, entryID)
	if i < 0 {
		return location{}, false
	}
	return location{session: s, journal: journal, idx: i}, true
}

// activeSet returns the ids of the session's active entries.
func (m *Manager) activeSet(ctx context.Context, s session) (map[string]bool, error) {
	_, active, err := m.activeChanges(ctx, s)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(active))
	for _, e := range active {
		set[e.EntryID] = true
	}
	return set, nil
}

// ListSessionChanges returns every change recorded in a session.
//
// # Description
//
// Entries are in recorded order. Rolled-back entries are included with
// Status set to StatusRolledBack; all others are StatusActive.
//
// # Outputs
//
//   - []ChangeEntry: The session's entries. Empty, not nil, for a session
//     without changes.
//   - error: ErrSessionNotFound for unknown sessions.
func (m *Manager) ListSessionChanges(ctx context.Context, sessionID string) (entries []ChangeEntry, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, span := m.tracer.StartOp(ctx, "list_changes", sessionID)
	defer func() { m.tracer.EndOp(span, err) }()

	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	s, err := m.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return m.listChanges(ctx, s)
}

func (m *Manager) listChanges(ctx context.Context, s session) ([]ChangeEntry, error) {
	journal, err := m.journalEntries(ctx, s)
	if err != nil {
		return nil, err
	}
	active, err := m.activeSet(ctx, s)
	if err != nil {
		return nil, err
	}
	for i := range journal {
		if active[journal[i].EntryID] {
			journal[i].Status = StatusActive
		} else {
			journal[i].Status = StatusRolledBack
		}
	}
	return journal, nil
}

// Sessions describes every session in the store, sorted by id.
func (m *Manager) Sessions(ctx context.Context) ([]SessionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids, err := m.sessionIDs(ctx)
	if err != nil {
		return nil, err
	}

	infos := make([]SessionInfo, 0, len(ids))
	for _, id := range ids {
		s, err := m.loadSession(ctx, id)
		if err != nil {
			return nil, err
		}
		entries, err := m.listChanges(ctx, s)
		if err != nil {
			return nil, err
		}
		info := SessionInfo{
			SessionID:  s.id,
			State:      s.state(),
			Changes:    len(entries),
			BaseCommit: s.start,
		}
		for _, e := range entries {
			if e.Status == StatusActive {
				info.Active++
			}
		}
		if s.committed() && s.squash != s.start {
			info.SquashCommit = s.squash
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// ChangeDiff renders what one change did to its file.
//
// # Description
//
// The patch compares the file's state before the change, which is the
// session's base snapshot with every earlier journal entry for the same
// path applied, against the state the change recorded. Rolled-back
// changes can still be shown.
//
// # Outputs
//
//   - *ChangeDiff: The entry with a unified diff labelled by its path.
//   - error: ErrEntryNotFound for unknown ids.
func (m *Manager) ChangeDiff(ctx context.Context, entryID string) (result *ChangeDiff, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, span := m.tracer.StartOp(ctx, "change_diff", "")
	defer func() { m.tracer.EndOp(span, err) }()

	loc, found, err := m.locate(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
	}

	e := loc.entry()
	rel := e.RelPath

	prev, err := m.store.PathState(ctx, loc.session.base, rel)
	if err != nil {
		return nil, fmt.Errorf("reading base of %s: %w", rel, err)
	}
	var writes []snapshotWrite
	for _, earlier := range loc.journal[:loc.idx] {
		if earlier.RelPath != rel {
			continue
		}
		st, err := m.store.PathState(ctx, earlier.CommitID, rel)
		if err != nil {
			return nil, fmt.Errorf("reading %s at %s: %w", rel, earlier.CommitID, err)
		}
		writes = append(writes, snapshotWrite{Path: rel, State: st})
	}
	prev = replay(map[string]vcs.FileState{rel: prev}, writes)[rel]

	post, err := m.store.PathState(ctx, e.CommitID, rel)
	if err != nil {
		return nil, fmt.Errorf("reading %s at %s: %w", rel, e.CommitID, err)
	}

	raw, err := m.store.Diff(ctx, rel, prev, post)
	if err != nil {
		return nil, err
	}
	patch, added, deleted, err := relabelPatch(raw, rel, prev, post)
	if err != nil {
		return nil, err
	}

	active, err := m.activeSet(ctx, loc.session)
	if err != nil {
		return nil, err
	}
	e.Status = StatusRolledBack
	if active[e.EntryID] {
		e.Status = StatusActive
	}

	return &ChangeDiff{Entry: e, Patch: patch, Added: added, Deleted: deleted}, nil
}

// Reindex rebuilds the entry index from the store.
//
// # Outputs
//
//   - int: Number of entries indexed. Zero when no index is attached.
//   - error: Non-nil if the store or the index failed.
func (m *Manager) Reindex(ctx context.Context) (n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, span := m.tracer.StartOp(ctx, "reindex", "")
	defer func() { m.tracer.EndOp(span, err) }()
	started := time.Now()
	defer func() { recordOperation(ctx, "reindex", time.Since(started), err) }()

	if m.index == nil {
		return 0, nil
	}

	ids, err := m.sessionIDs(ctx)
	if err != nil {
		return 0, err
	}
	var records []index.Record
	for _, id := range ids {
		s, err := m.loadSession(ctx, id)
		if err != nil {
			return 0, err
		}
		journal, err := m.journalEntries(ctx, s)
		if err != nil {
			return 0, err
		}
		for _, e := range journal {
			records = append(records, recordOf(e))
		}
	}

	if err := m.index.Reset(ctx); err != nil {
		return 0, fmt.Errorf("resetting index: %w", err)
	}
	if err := m.index.PutAll(ctx, records); err != nil {
		return 0, fmt.Errorf("writing index: %w", err)
	}

	m.logger.InfoContext(ctx, "entry index rebuilt", slog.Int("entries", len(records)))
	return len(records), nil
}
