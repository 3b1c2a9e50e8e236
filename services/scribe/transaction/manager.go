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
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/scribe/services/scribe/backup"
	"github.com/AleutianAI/scribe/services/scribe/index"
	"github.com/AleutianAI/scribe/services/scribe/statedir"
	"github.com/AleutianAI/scribe/services/scribe/vcs"
)

// EntryIndex maps entry ids to their sessions so a rollback does not have
// to scan every journal. It is a cache; the store stays authoritative.
type EntryIndex interface {
	Put(ctx context.Context, rec index.Record) error
	PutAll(ctx context.Context, recs []index.Record) error
	Get(ctx context.Context, entryID string) (index.Record, bool, error)
	Reset(ctx context.Context) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithIndex attaches an entry index.
func WithIndex(ix EntryIndex) Option {
	return func(m *Manager) { m.index = ix }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator replaces the entry id generator.
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) { m.newID = gen }
}

// Manager records file writes as individually revertible changes.
//
// # Description
//
// Every operation re-reads session state from the history store; the
// Manager itself holds no session state. Each recorded write becomes one
// commit on the session branch. Commit folds the branch into a single
// commit on the main line, and Rollback rebuilds the branch and the main
// line without one change.
//
// # Thread Safety
//
// All public methods are safe for concurrent use. Operations are
// serialized by an internal mutex. Other processes must be excluded by
// the caller, see the lock package.
type Manager struct {
	config Config
	layout statedir.Layout
	store  vcs.HistoryStore
	index  EntryIndex
	mu     sync.Mutex
	logger *slog.Logger
	tracer *Tracer

	now       func() time.Time
	newID     func() string
	writeFile func(path string, data []byte, perm fs.FileMode) error
}

// NewManager creates a transaction manager over store.
//
// # Inputs
//
//   - config: Manager configuration. Layout is required.
//   - store: History store, normally a *vcs.GitStore. Must be initialized
//     before Begin is called.
//   - opts: Optional index, clock and id generator.
//
// # Outputs
//
//   - *Manager: Ready-to-use manager.
//   - error: Non-nil if the configuration is incomplete.
//
// # Example
//
//	layout, _ := statedir.Resolve(root)
//	store, _ := vcs.NewGitStore(layout, vcs.GitConfig{})
//	mgr, err := transaction.NewManager(transaction.DefaultConfig(layout), store)
//	if err != nil {
//	    return err
//	}
//	manifest, err := mgr.Begin(ctx, "run-42")
func NewManager(config Config, store vcs.HistoryStore, opts ...Option) (*Manager, error) {
	if config.Layout.Root == "" {
		return nil, fmt.Errorf("Layout.Root is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "transaction.Manager")

	SetMetricsEnabled(config.MetricsEnabled)
	tracer := NewTracer(logger, config.TracingEnabled)

	m := &Manager{
		config:    config,
		layout:    config.Layout,
		store:     tracedStore{HistoryStore: store, tracer: tracer},
		logger:    logger,
		tracer:    tracer,
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
		writeFile: backup.WriteFileAtomic,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// session is a snapshot of one session's refs.
type session struct {
	id      string
	branch  string
	start   string
	base    string
	journal string
	squash  string
}

func (s session) committed() bool {
	return s.squash != ""
}

func (s session) state() SessionState {
	if s.committed() {
		return SessionCommitted
	}
	return SessionOpen
}

// loadSession reads the refs of one session.
//
// A session without a start ref does not exist. A session whose refs are
// partly missing is corrupt.
func (m *Manager) loadSession(ctx context.Context, id string) (session, error) {
	refs, err := m.store.ListRefs(ctx, sessionRefPrefix(id))
	if err != nil {
		return session{}, fmt.Errorf("listing session refs: %w", err)
	}
	branch, err := m.store.ReadRef(ctx, branchRef(id))
	if err != nil {
		return session{}, fmt.Errorf("reading session branch: %w", err)
	}

	s := session{
		id:      id,
		branch:  branch,
		start:   refs[startRef(id)],
		base:    refs[baseRef(id)],
		journal: refs[journalRef(id)],
		squash:  refs[squashRef(id)],
	}
	switch {
	case s.start == "" && s.branch == "":
		return s, sessionErr(id, ErrSessionNotFound)
	case s.start == "" || s.branch == "" || s.base == "" || s.journal == "":
		return s, sessionErr(id, fmt.Errorf("%w: incomplete session refs", ErrStoreCorrupt))
	}
	return s, nil
}

// loadManifest loads the session a manifest names and checks that it
// still refers to the same session.
func (m *Manager) loadManifest(ctx context.Context, manifest *Manifest) (session, error) {
	if manifest == nil {
		return session{}, ErrNilManifest
	}
	if err := ValidateSessionID(manifest.SessionID); err != nil {
		return session{}, err
	}
	s, err := m.loadSession(ctx, manifest.SessionID)
	if err != nil {
		return s, err
	}
	if manifest.BaseCommit != "" && manifest.BaseCommit != s.start {
		return s, sessionErr(s.id, fmt.Errorf("%w: base %s, session starts at %s", ErrStaleManifest, manifest.BaseCommit, s.start))
	}
	return s, nil
}

// journalEntries returns every change ever recorded in the session, in
// recorded order.
func (m *Manager) journalEntries(ctx context.Context, s session) ([]ChangeEntry, error) {
	commits, err := m.store.Log(ctx, s.start, s.journal)
	if err != nil {
		return nil, fmt.Errorf("reading journal of %s: %w", s.id, err)
	}
	entries := make([]ChangeEntry, 0, len(commits))
	for _, c := range commits {
		e, err := parseChange(c)
		if err != nil {
			return nil, sessionErr(s.id, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// activeChanges returns the commits on the session branch with their
// entries. Their order is the recorded order.
func (m *Manager) activeChanges(ctx context.Context, s session) ([]vcs.Commit, []ChangeEntry, error) {
	commits, err := m.store.Log(ctx, s.start, s.branch)
	if err != nil {
		return nil, nil, fmt.Errorf("reading branch of %s: %w", s.id, err)
	}
	entries := make([]ChangeEntry, 0, len(commits))
	for _, c := range commits {
		e, err := parseChange(c)
		if err != nil {
			return nil, nil, sessionErr(s.id, err)
		}
		entries = append(entries, e)
	}
	return commits, entries, nil
}

// applyRefs moves refs atomically.
//
// When the store reports an error other than a ref conflict the refs are
// re-read: a command that timed out may still have landed.
func (m *Manager) applyRefs(ctx context.Context, updates []vcs.RefUpdate) error {
	err := m.store.UpdateRefs(ctx, updates)
	if err == nil {
		return nil
	}
	if errors.Is(err, vcs.ErrRefConflict) || errors.Is(err, vcs.ErrUnavailable) {
		return err
	}
	for _, u := range updates {
		cur, rerr := m.store.ReadRef(ctx, u.Name)
		if rerr != nil || cur != u.New {
			return err
		}
	}
	m.logger.WarnContext(ctx, "ref update reported failure but landed",
		slog.Int("refs", len(updates)),
		slog.String("error", err.Error()))
	return nil
}

func reversed(updates []vcs.RefUpdate) []vcs.RefUpdate {
	out := make([]vcs.RefUpdate, 0, len(updates))
	for _, u := range updates {
		out = append(out, vcs.RefUpdate{Name: u.Name, Old: u.New, New: u.Old})
	}
	return out
}

// Begin opens a session.
//
// # Description
//
// Creates the session branch and its bookkeeping refs at the current main
// line tip in one atomic ref update. No project files are touched.
//
// # Inputs
//
//   - ctx: Context for timeout and cancellation.
//   - sessionID: Caller-chosen session name. See ValidateSessionID.
//
// # Outputs
//
//   - *Manifest: Handle for RecordWrite and Commit.
//   - error: ErrSessionOpen or ErrSessionCommitted if the id is taken,
//     ErrNotInitialized if the store has no main line.
func (m *Manager) Begin(ctx context.Context, sessionID string) (manifest *Manifest, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, span := m.tracer.StartOp(ctx, "begin", sessionID)
	defer func() {
		var attrs []attribute.KeyValue
		if manifest != nil {
			attrs = append(attrs, attribute.String("scribe.base_commit", truncateForTrace(manifest.BaseCommit, 40)))
		}
		m.tracer.EndOp(span, err, attrs...)
	}()

	logger := LoggerWithTrace(ctx, m.logger)
	started := time.Now()

	defer func() {
		recordBegin(ctx, err)
		recordOperation(ctx, "begin", time.Since(started), err)
	}()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in Begin: %v", r)
			logger.Error("panic in Begin",
				"panic", r,
				"session_id", sessionID)
		}
	}()

	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}

	existing, err := m.loadSession(ctx, sessionID)
	switch {
	case err == nil && existing.committed():
		return nil, sessionErr(sessionID, ErrSessionCommitted)
	case err == nil:
		return nil, sessionErr(sessionID, ErrSessionOpen)
	case !errors.Is(err, ErrSessionNotFound):
		return nil, err
	}

	tip, err := m.store.ReadRef(ctx, vcs.MainRef)
	if err != nil {
		return nil, fmt.Errorf("reading main line: %w", err)
	}
	if tip == "" {
		return nil, ErrNotInitialized
	}

	err = m.applyRefs(ctx, []vcs.RefUpdate{
		{Name: branchRef(sessionID), New: tip},
		{Name: startRef(sessionID), New: tip},
		{Name: baseRef(sessionID), New: tip},
		{Name: journalRef(sessionID), New: tip},
	})
	if errors.Is(err, vcs.ErrRefConflict) {
		return nil, sessionErr(sessionID, ErrSessionOpen)
	}
	if err != nil {
		return nil, fmt.Errorf("creating session refs: %w", err)
	}

	logger.Info("session started",
		"session_id", sessionID,
		"base_commit", tip)

	return &Manifest{SessionID: sessionID, BaseCommit: tip}, nil
}

// Init creates the private version store if needed.
//
// Setup steps that fail without preventing use of the store are logged
// and returned in InitResult.Warnings.
func (m *Manager) Init(ctx context.Context) (result vcs.InitResult, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, span := m.tracer.StartOp(ctx, "init", "")
	defer func() {
		m.tracer.EndOp(span, err, attribute.Bool("scribe.created", result.Created))
	}()
	started := time.Now()
	defer func() {
		recordOperation(ctx, "init", time.Since(started), err)
	}()

	result, err = m.store.Init(ctx)
	if err != nil {
		return result, fmt.Errorf("initializing version store: %w", err)
	}

	logger := LoggerWithTrace(ctx, m.logger)
	for _, w := range result.Warnings {
		logger.Warn("store initialization warning", "warning", w)
	}
	if result.Created {
		logger.Info("version store created",
			"history_dir", m.layout.HistoryDir,
			"root_commit", result.RootCommit)
	}
	return result, nil
}

// Resume returns the manifest of an open session.
func (m *Manager) Resume(ctx context.Context, sessionID string) (*Manifest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	s, err := m.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.committed() {
		return nil, sessionErr(sessionID, ErrSessionCommitted)
	}
	return &Manifest{SessionID: s.id, BaseCommit: s.start}, nil
}

// RecordWrite records a write that the caller already made on disk.
//
// # Description
//
// Snapshots the file's current content as one commit on the session
// branch and appends the same change to the session journal. The first
// time a path is recorded in a session, its pre-edit content is read from
// the backup and kept as the path's base snapshot.
//
// A file that no longer exists is recorded as a deletion.
//
// # Inputs
//
//   - ctx: Context for timeout and cancellation.
//   - manifest: Handle from Begin or Resume.
//   - req: The written file, its backup and descriptive metadata.
//
// # Outputs
//
//   - *ChangeEntry: The recorded entry with its new id.
//   - error: ErrPathOutsideRoot, ErrBackupMissing, ErrSessionCommitted,
//     or a store error. On error nothing was recorded.
func (m *Manager) RecordWrite(ctx context.Context, manifest *Manifest, req WriteRequest) (entry *ChangeEntry, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sessionID string
	if manifest != nil {
		sessionID = manifest.SessionID
	}

	ctx, span := m.tracer.StartOp(ctx, "record_write", sessionID,
		attribute.String("scribe.file_path", truncateForTrace(req.FilePath, 256)))
	defer func() {
		var attrs []attribute.KeyValue
		if entry != nil {
			attrs = append(attrs,
				attribute.String("scribe.entry_id", entry.EntryID),
				attribute.String("scribe.commit_id", truncateForTrace(entry.CommitID, 40)))
		}
		m.tracer.EndOp(span, err, attrs...)
	}()

	logger := LoggerWithTrace(ctx, m.logger)
	started := time.Now()
	baseline := false

	defer func() {
		recordWrite(ctx, baseline, err)
		recordOperation(ctx, "record_write", time.Since(started), err)
	}()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in RecordWrite: %v", r)
			logger.Error("panic in RecordWrite",
				"panic", r,
				"session_id", sessionID,
				"file_path", req.FilePath)
		}
	}()

	rel, err := m.layout.Rel(req.FilePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPathOutsideRoot, err)
	}
	abs := m.layout.Abs(rel)

	backupPath := req.BackupPath
	if backupPath != "" {
		if !filepath.IsAbs(backupPath) {
			backupPath = filepath.Join(m.layout.Root, backupPath)
		}
		if _, err := os.Lstat(backupPath); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", ErrBackupMissing, backupPath)
			}
			return nil, fmt.Errorf("checking backup: %w", err)
		}
	}

	s, err := m.loadManifest(ctx, manifest)
	if err != nil {
		return nil, err
	}
	if s.committed() {
		return nil, sessionErr(s.id, ErrSessionCommitted)
	}

	post, err := m.store.HashFile(ctx, abs)
	if err != nil {
		return nil, fmt.Errorf("snapshotting %s: %w", rel, err)
	}

	journal, err := m.journalEntries(ctx, s)
	if err != nil {
		return nil, err
	}
	firstTouch := true
	for _, e := range journal {
		if e.RelPath == rel {
			firstTouch = false
			break
		}
	}

	now := m.now()
	var updates []vcs.RefUpdate

	if firstTouch {
		var pre vcs.FileState
		if backupPath != "" {
			if pre, err = m.store.HashFile(ctx, backupPath); err != nil {
				return nil, fmt.Errorf("snapshotting backup of %s: %w", rel, err)
			}
		}
		current, err := m.store.PathState(ctx, s.base, rel)
		if err != nil {
			return nil, fmt.Errorf("reading base of %s: %w", rel, err)
		}
		if pre != current {
			tree, err := m.store.WriteTree(ctx, s.base, map[string]vcs.FileState{rel: pre})
			if err != nil {
				return nil, fmt.Errorf("writing baseline tree: %w", err)
			}
			id, err := m.store.CommitTree(ctx, vcs.CommitRequest{
				Tree:    tree,
				Parents: []string{s.base},
				Message: baselineMessage(s.id, rel),
				When:    now,
			})
			if err != nil {
				return nil, fmt.Errorf("writing baseline commit: %w", err)
			}
			updates = append(updates, vcs.RefUpdate{Name: baseRef(s.id), Old: s.base, New: id})
			baseline = true
		}
	}

	e := ChangeEntry{
		EntryID:    m.newID(),
		SessionID:  s.id,
		FilePath:   abs,
		RelPath:    rel,
		BackupPath: backupPath,
		ItemName:   req.ItemName,
		ItemType:   req.ItemType,
		Language:   req.Language,
		CreatedAt:  now,
	}
	msg, err := changeMessage(e)
	if err != nil {
		return nil, err
	}

	overlay := map[string]vcs.FileState{rel: post}
	tree, err := m.store.WriteTree(ctx, s.branch, overlay)
	if err != nil {
		return nil, fmt.Errorf("writing change tree: %w", err)
	}
	commitID, err := m.store.CommitTree(ctx, vcs.CommitRequest{
		Tree:    tree,
		Parents: []string{s.branch},
		Message: msg,
		When:    now,
	})
	if err != nil {
		return nil, fmt.Errorf("writing change commit: %w", err)
	}

	// After a rollback the journal and the branch diverge.
	journalID := commitID
	if s.journal != s.branch {
		jtree, err := m.store.WriteTree(ctx, s.journal, overlay)
		if err != nil {
			return nil, fmt.Errorf("writing journal tree: %w", err)
		}
		journalID, err = m.store.CommitTree(ctx, vcs.CommitRequest{
			Tree:    jtree,
			Parents: []string{s.journal},
			Message: msg,
			When:    now,
		})
		if err != nil {
			return nil, fmt.Errorf("writing journal commit: %w", err)
		}
	}

	updates = append(updates,
		vcs.RefUpdate{Name: branchRef(s.id), Old: s.branch, New: commitID},
		vcs.RefUpdate{Name: journalRef(s.id), Old: s.journal, New: journalID},
	)
	if err := m.applyRefs(ctx, updates); err != nil {
		return nil, fmt.Errorf("recording change: %w", err)
	}

	e.CommitID = journalID
	e.Status = StatusActive
	m.indexPut(ctx, e)

	logger.Info("change recorded",
		"session_id", s.id,
		"entry_id", e.EntryID,
		"path", rel,
		"deleted", !post.Exists())

	return &e, nil
}

// Commit squashes the session's active changes into one main line commit.
//
// # Description
//
// The session branch is kept as the replay source for later rollbacks.
// A session with no active changes is committed without touching the
// main line. Committing a committed session returns the earlier result
// with AlreadyCommitted set.
//
// # Inputs
//
//   - ctx: Context for timeout and cancellation.
//   - manifest: Handle from Begin or Resume.
//
// # Outputs
//
//   - *CommitResult: The squash commit, if any.
//   - error: Non-nil if the session cannot be loaded or the main line
//     moved concurrently. On error the session stays open.
func (m *Manager) Commit(ctx context.Context, manifest *Manifest) (result *CommitResult, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sessionID string
	if manifest != nil {
		sessionID = manifest.SessionID
	}

	ctx, span := m.tracer.StartOp(ctx, "commit", sessionID)
	defer func() {
		var attrs []attribute.KeyValue
		if result != nil {
			attrs = append(attrs,
				attribute.String("scribe.squash_commit", truncateForTrace(result.CommitID, 40)),
				attribute.Int("scribe.changes", result.Changes),
				attribute.Bool("scribe.already_committed", result.AlreadyCommitted))
		}
		m.tracer.EndOp(span, err, attrs...)
	}()

	logger := LoggerWithTrace(ctx, m.logger)
	started := time.Now()

	defer func() {
		recordCommit(ctx, result, err)
		recordOperation(ctx, "commit", time.Since(started), err)
	}()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in Commit: %v", r)
			logger.Error("panic in Commit",
				"panic", r,
				"session_id", sessionID)
		}
	}()

	s, err := m.loadManifest(ctx, manifest)
	if err != nil {
		return nil, err
	}
	_, active, err := m.activeChanges(ctx, s)
	if err != nil {
		return nil, err
	}

	if s.committed() {
		result = &CommitResult{SessionID: s.id, Changes: len(active), AlreadyCommitted: true}
		if s.squash == s.start {
			result.Empty = true
		} else {
			result.CommitID = s.squash
		}
		return result, nil
	}

	if len(active) == 0 {
		if err := m.applyRefs(ctx, []vcs.RefUpdate{{Name: squashRef(s.id), New: s.start}}); err != nil {
			return nil, fmt.Errorf("committing empty session: %w", err)
		}
		logger.Info("empty session committed", "session_id", s.id)
		return &CommitResult{SessionID: s.id, Empty: true}, nil
	}

	tip, err := m.store.ReadRef(ctx, vcs.MainRef)
	if err != nil {
		return nil, fmt.Errorf("reading main line: %w", err)
	}
	if tip == "" {
		return nil, ErrNotInitialized
	}

	squash, err := m.squashCommit(ctx, s, s.branch, active, tip, m.now())
	if err != nil {
		return nil, err
	}

	err = m.applyRefs(ctx, []vcs.RefUpdate{
		{Name: vcs.MainRef, Old: tip, New: squash},
		{Name: squashRef(s.id), New: squash},
	})
	if err != nil {
		return nil, fmt.Errorf("committing session: %w", err)
	}

	logger.Info("session committed",
		"session_id", s.id,
		"squash_commit", squash,
		"changes", len(active))

	return &CommitResult{SessionID: s.id, CommitID: squash, Changes: len(active)}, nil
}

// squashCommit writes the commit that folds the active changes onto
// parent. Each touched path takes its state from the branch tip.
func (m *Manager) squashCommit(ctx context.Context, s session, branchTip string, active []ChangeEntry, parent string, when time.Time) (string, error) {
	overlay := make(map[string]vcs.FileState)
	for _, p := range touchedPaths(entryPaths(active)) {
		st, err := m.store.PathState(ctx, branchTip, p)
		if err != nil {
			return "", fmt.Errorf("reading %s at branch tip: %w", p, err)
		}
		overlay[p] = st
	}

	tree, err := m.store.WriteTree(ctx, parent, overlay)
	if err != nil {
		return "", fmt.Errorf("writing squash tree: %w", err)
	}
	id, err := m.store.CommitTree(ctx, vcs.CommitRequest{
		Tree:    tree,
		Parents: []string{parent},
		Message: squashMessage(s.id, len(active)),
		When:    when,
	})
	if err != nil {
		return "", fmt.Errorf("writing squash commit: %w", err)
	}
	return id, nil
}

// indexPut records an entry in the index. Failures are logged; the index
// is rebuilt from the store on demand.
func (m *Manager) indexPut(ctx context.Context, e ChangeEntry) {
	if m.index == nil {
		return
	}
	if err := m.index.Put(ctx, recordOf(e)); err != nil {
		m.logger.WarnContext(ctx, "failed to index change entry",
			slog.String("entry_id", e.EntryID),
			slog.String("error", err.Error()))
	}
}

func recordOf(e ChangeEntry) index.Record {
	return index.Record{
		EntryID:    e.EntryID,
		SessionID:  e.SessionID,
		RelPath:    e.RelPath,
		BackupPath: e.BackupPath,
		CreatedAt:  e.CreatedAt,
	}
}
