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
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/scribe/services/scribe/vcs"
)

// rollbackPlan is everything a rollback changes, computed before anything
// is changed.
type rollbackPlan struct {
	updates   []vcs.RefUpdate
	rewritten int

	// target is the state the file must have afterwards.
	target vcs.FileState
	data   []byte

	// skipDisk is set when another session wrote the file later.
	skipDisk bool
}

// Rollback removes one change from its session's history.
//
// # Description
//
// The session branch is rebuilt from the change's parent, re-creating
// every later active change in its original order. For a committed
// session the squash commit is rebuilt from the surviving changes and
// every main line commit after it is replayed on top. All refs move in
// one atomic update, then the file is restored to the state the
// surviving history implies. If the file cannot be written the refs are
// moved back.
//
// The session journal is never rewritten, so a rolled-back change stays
// listable and a second rollback of it is a no-op.
//
// # Inputs
//
//   - ctx: Context for timeout and cancellation.
//   - entryID: Id of the change to roll back.
//
// # Outputs
//
//   - *RollbackResult: Always non-nil. Status tells what happened.
//   - error: Non-nil only for RollbackFailed and RollbackUnsupported.
//     Failed rollbacks leave the store and the file as they were.
func (m *Manager) Rollback(ctx context.Context, entryID string) (result *RollbackResult, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result = &RollbackResult{EntryID: entryID}

	ctx, span := m.tracer.StartOp(ctx, "rollback", "",
		attribute.String("scribe.entry_id", entryID))
	defer func() {
		m.tracer.EndOp(span, err,
			attribute.String("scribe.rollback_status", string(result.Status)),
			attribute.Int("scribe.rewritten", result.Rewritten))
	}()

	logger := LoggerWithTrace(ctx, m.logger)
	started := time.Now()

	defer func() {
		recordRollback(ctx, result.Status, result.Rewritten)
		recordOperation(ctx, "rollback", time.Since(started), err)
	}()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic in Rollback: %v", ErrReplayFailure, r)
			result.Success = false
			result.Status = RollbackFailed
			result.Message = err.Error()
			logger.Error("panic in Rollback",
				"panic", r,
				"entry_id", entryID)
		}
	}()

	loc, found, err := m.locate(ctx, entryID)
	if err != nil {
		return m.rollbackFailed(result, err)
	}
	if !found {
		result.Status = RollbackNotFound
		result.Message = "no change with this id"
		return result, nil
	}

	e := loc.entry()
	s := loc.session
	result.SessionID = s.id
	result.FilePath = e.FilePath

	commits, active, err := m.activeChanges(ctx, s)
	if err != nil {
		return m.rollbackFailed(result, err)
	}
	k := findEntry(active, entryID)
	if k < 0 {
		result.Success = true
		result.Status = RollbackAlreadyDone
		result.Message = "change was already rolled back"
		return result, nil
	}

	plan, err := m.planRollback(ctx, s, commits, active, k)
	if err != nil {
		return m.rollbackFailed(result, err)
	}

	if err := m.applyRefs(ctx, plan.updates); err != nil {
		return m.rollbackFailed(result, err)
	}
	for _, u := range plan.updates {
		m.tracer.RecordRewrite(ctx, u.Name, u.Old, u.New)
	}

	if !plan.skipDisk {
		if err := m.restoreFile(e.FilePath, plan.target, plan.data); err != nil {
			if rerr := m.applyRefs(ctx, reversed(plan.updates)); rerr != nil {
				logger.Error("failed to revert refs after restore failure",
					"entry_id", entryID,
					"error", rerr)
				err = errors.Join(err, rerr)
			}
			return m.rollbackFailed(result, fmt.Errorf("restoring %s: %w", e.RelPath, err))
		}
	} else {
		logger.Warn("file left as is, a later change in another session owns it",
			"entry_id", entryID,
			"path", e.RelPath)
	}

	result.Success = true
	result.Status = RollbackApplied
	result.Rewritten = plan.rewritten

	logger.Info("change rolled back",
		"entry_id", entryID,
		"session_id", s.id,
		"path", e.RelPath,
		"rewritten", plan.rewritten)

	return result, nil
}

// rollbackFailed fills in a failed or unsupported result.
func (m *Manager) rollbackFailed(result *RollbackResult, err error) (*RollbackResult, error) {
	result.Success = false
	result.Rewritten = 0
	if errors.Is(err, vcs.ErrUnavailable) {
		result.Status = RollbackUnsupported
		result.Message = err.Error()
		return result, err
	}
	if !errors.Is(err, ErrReplayFailure) {
		err = fmt.Errorf("%w: %w", ErrReplayFailure, err)
	}
	result.Status = RollbackFailed
	result.Message = err.Error()
	return result, err
}

// planRollback computes the rebuilt refs and the file's target state for
// removing active[k]. Nothing is changed.
func (m *Manager) planRollback(ctx context.Context, s session, commits []vcs.Commit, active []ChangeEntry, k int) (*rollbackPlan, error) {
	removed := active[k]
	rel := removed.RelPath
	plan := &rollbackPlan{}

	tip := commits[k].Parent()
	surviving := make([]ChangeEntry, 0, len(active)-1)
	surviving = append(surviving, active[:k]...)
	for i := k + 1; i < len(commits); i++ {
		p := active[i].RelPath
		st, err := m.store.PathState(ctx, commits[i].ID, p)
		if err != nil {
			return nil, fmt.Errorf("reading %s at %s: %w", p, commits[i].ID, err)
		}
		tree, err := m.store.WriteTree(ctx, tip, map[string]vcs.FileState{p: st})
		if err != nil {
			return nil, fmt.Errorf("rebuilding branch tree: %w", err)
		}
		tip, err = m.store.CommitTree(ctx, vcs.CommitRequest{
			Tree:    tree,
			Parents: []string{tip},
			Message: commits[i].Message,
			When:    commits[i].When,
		})
		if err != nil {
			return nil, fmt.Errorf("rebuilding branch commit: %w", err)
		}
		surviving = append(surviving, active[i])
		plan.rewritten++
	}
	plan.updates = append(plan.updates, vcs.RefUpdate{Name: branchRef(s.id), Old: s.branch, New: tip})

	hist, err := m.loadPathHistory(ctx, rel)
	if err != nil {
		return nil, err
	}
	at := hist.find(removed.EntryID)
	if at < 0 {
		return nil, sessionErr(s.id, fmt.Errorf("%w: entry %s missing from journal", ErrStoreCorrupt, removed.EntryID))
	}
	hist.changes[at].active = false

	if lastWriteIndex(entryPaths(surviving), rel) >= 0 {
		plan.target, err = m.store.PathState(ctx, tip, rel)
	} else {
		plan.target, err = m.priorState(ctx, hist, at)
	}
	if err != nil {
		return nil, fmt.Errorf("reading target state of %s: %w", rel, err)
	}

	if s.committed() {
		if s.squash == s.start {
			return nil, sessionErr(s.id, fmt.Errorf("%w: empty commit with active changes", ErrStoreCorrupt))
		}
		final, touched, err := m.planResquash(ctx, s, tip, surviving, rel, plan)
		if err != nil {
			return nil, err
		}
		if touched {
			if plan.target, err = m.store.PathState(ctx, final, rel); err != nil {
				return nil, fmt.Errorf("reading %s on main line: %w", rel, err)
			}
		}
	}

	plan.skipDisk = hist.writtenLaterElsewhere(s.id, removed.CreatedAt)

	if !plan.skipDisk && plan.target.Exists() {
		if plan.data, err = m.store.ReadBlob(ctx, plan.target.Blob); err != nil {
			return nil, fmt.Errorf("reading content of %s: %w", rel, err)
		}
	}
	return plan, nil
}

// planResquash rebuilds the main line of a committed session.
//
// The squash commit is replaced by one folding only the surviving
// changes, or dropped when none survive. Main line commits made after it
// are replayed on the new tip with their own changed paths, and squash
// refs of the sessions they belong to follow them.
//
// It returns the new main tip and whether a replayed commit touched rel.
func (m *Manager) planResquash(ctx context.Context, s session, branchTip string, surviving []ChangeEntry, rel string, plan *rollbackPlan) (string, bool, error) {
	old, err := m.store.ReadCommit(ctx, s.squash)
	if err != nil {
		return "", false, fmt.Errorf("reading squash commit: %w", err)
	}
	mainTip, err := m.store.ReadRef(ctx, vcs.MainRef)
	if err != nil {
		return "", false, fmt.Errorf("reading main line: %w", err)
	}
	later, err := m.store.Log(ctx, s.squash, mainTip)
	if err != nil {
		return "", false, fmt.Errorf("reading main line after squash: %w", err)
	}
	if (len(later) == 0 && mainTip != s.squash) || (len(later) > 0 && later[0].Parent() != s.squash) {
		return "", false, sessionErr(s.id, fmt.Errorf("%w: squash commit %s is not on the main line", ErrStoreCorrupt, s.squash))
	}

	tip := old.Parent()
	newSquash := s.start
	if len(surviving) > 0 {
		tip, err = m.squashCommit(ctx, s, branchTip, surviving, old.Parent(), old.When)
		if err != nil {
			return "", false, err
		}
		newSquash = tip
		plan.rewritten++
	}
	plan.updates = append(plan.updates, vcs.RefUpdate{Name: squashRef(s.id), Old: s.squash, New: newSquash})

	touched := false
	for _, c := range later {
		changed, err := m.store.ChangedPaths(ctx, c.ID)
		if err != nil {
			return "", false, fmt.Errorf("reading changes of %s: %w", c.ID, err)
		}
		if _, ok := changed[rel]; ok {
			touched = true
		}
		tree, err := m.store.WriteTree(ctx, tip, changed)
		if err != nil {
			return "", false, fmt.Errorf("replaying %s: %w", c.ID, err)
		}
		next, err := m.store.CommitTree(ctx, vcs.CommitRequest{
			Tree:    tree,
			Parents: []string{tip},
			Message: c.Message,
			When:    c.When,
		})
		if err != nil {
			return "", false, fmt.Errorf("replaying %s: %w", c.ID, err)
		}

		if other, ok := squashSession(c); ok && other != s.id {
			ref := squashRef(other)
			cur, err := m.store.ReadRef(ctx, ref)
			if err != nil {
				return "", false, fmt.Errorf("reading %s: %w", ref, err)
			}
			if cur == c.ID {
				plan.updates = append(plan.updates, vcs.RefUpdate{Name: ref, Old: c.ID, New: next})
			}
		}
		tip = next
		plan.rewritten++
	}

	plan.updates = append(plan.updates, vcs.RefUpdate{Name: vcs.MainRef, Old: mainTip, New: tip})
	return tip, touched, nil
}

// pathChange is one recorded change to a path and the state it wrote.
type pathChange struct {
	entry  ChangeEntry
	base   string
	output vcs.FileState
	active bool
}

// pathHistory holds every change ever recorded to one path. Changes of a
// session are contiguous and in journal order.
type pathHistory struct {
	rel     string
	changes []pathChange
}

func (m *Manager) loadPathHistory(ctx context.Context, rel string) (*pathHistory, error) {
	ids, err := m.sessionIDs(ctx)
	if err != nil {
		return nil, err
	}
	h := &pathHistory{rel: rel}
	for _, id := range ids {
		s, err := m.loadSession(ctx, id)
		if err != nil {
			return nil, err
		}
		journal, err := m.journalEntries(ctx, s)
		if err != nil {
			return nil, err
		}
		active, err := m.activeSet(ctx, s)
		if err != nil {
			return nil, err
		}
		for _, e := range journal {
			if e.RelPath != rel {
				continue
			}
			out, err := m.store.PathState(ctx, e.CommitID, rel)
			if err != nil {
				return nil, fmt.Errorf("reading %s at %s: %w", rel, e.CommitID, err)
			}
			h.changes = append(h.changes, pathChange{
				entry:  e,
				base:   s.base,
				output: out,
				active: active[e.EntryID],
			})
		}
	}
	return h, nil
}

func (h *pathHistory) find(entryID string) int {
	for i, c := range h.changes {
		if c.entry.EntryID == entryID {
			return i
		}
	}
	return -1
}

// previous returns the change to the path recorded before i in the same
// session, or -1.
func (h *pathHistory) previous(i int) int {
	if i > 0 && h.changes[i-1].entry.SessionID == h.changes[i].entry.SessionID {
		return i - 1
	}
	return -1
}

// producer returns the latest change recorded before the given time that
// wrote state, or -1.
func (h *pathHistory) producer(state vcs.FileState, before time.Time) int {
	found := -1
	for i, c := range h.changes {
		if c.output != state || !c.entry.CreatedAt.Before(before) {
			continue
		}
		if found < 0 || c.entry.CreatedAt.After(h.changes[found].entry.CreatedAt) {
			found = i
		}
	}
	return found
}

// writtenLaterElsewhere reports whether another session has an active
// change to the path recorded after the given time.
func (h *pathHistory) writtenLaterElsewhere(sessionID string, after time.Time) bool {
	for _, c := range h.changes {
		if c.active && c.entry.SessionID != sessionID && c.entry.CreatedAt.After(after) {
			return true
		}
	}
	return false
}

// priorState returns what the path held before change i once every
// inactive change is taken out.
//
// The state before a change is the output of the session's previous change
// to the path, or the session's baseline. Either may be content an
// inactive change wrote, possibly in another session; the walk then
// continues from that change until an active change or original content
// is reached.
func (m *Manager) priorState(ctx context.Context, h *pathHistory, i int) (vcs.FileState, error) {
	seen := make(map[int]bool)
	for {
		if seen[i] {
			return vcs.FileState{}, fmt.Errorf("%w: cyclic history for %s", ErrStoreCorrupt, h.rel)
		}
		seen[i] = true

		if j := h.previous(i); j >= 0 {
			if h.changes[j].active {
				return h.changes[j].output, nil
			}
			i = j
			continue
		}

		c := h.changes[i]
		state, err := m.store.PathState(ctx, c.base, h.rel)
		if err != nil {
			return vcs.FileState{}, fmt.Errorf("reading baseline of %s: %w", h.rel, err)
		}
		j := h.producer(state, c.entry.CreatedAt)
		if j < 0 || h.changes[j].active {
			return state, nil
		}
		i = j
	}
}

// restoreFile puts the file at path into state. An absent state removes
// the file.
func (m *Manager) restoreFile(path string, state vcs.FileState, data []byte) error {
	switch {
	case !state.Exists():
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	case state.Mode == vcs.ModeSymlink:
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return os.Symlink(string(data), path)
	case state.Mode == vcs.ModeExecutable:
		return m.writeFile(path, data, 0o755)
	default:
		return m.writeFile(path, data, 0o644)
	}
}
