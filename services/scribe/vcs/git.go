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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/scribe/services/scribe/statedir"
)

// zeroID is the null object name accepted by update-index for removals.
const zeroID = "0000000000000000000000000000000000000000"

// availabilityChecker is implemented by runners that can detect a missing
// git executable before running anything.
type availabilityChecker interface {
	Available() error
}

// GitConfig configures a GitStore.
type GitConfig struct {
	// Timeout bounds each command. Zero uses DefaultCommandTimeout.
	Timeout time.Duration

	// Identity is written into the store config and every commit.
	Identity Identity

	// Runner overrides the process runner. Nil uses an ExecRunner.
	Runner Runner

	// Logger receives store diagnostics. Nil uses slog.Default().
	Logger *slog.Logger
}

// GitStore is a HistoryStore backed by a private git object store.
//
// # Description
//
// All history is written with plumbing commands. The store's own HEAD
// stays on the main line and its index is never used; trees are built in
// scratch index files under the state directory.
//
// # Thread Safety
//
// Safe for concurrent use. Ref updates are compare-and-swap, so racing
// writers fail with ErrRefConflict instead of clobbering each other.
type GitStore struct {
	layout   statedir.Layout
	runner   Runner
	identity Identity
	logger   *slog.Logger
}

// NewGitStore creates a store for the given layout.
//
// # Inputs
//
//   - layout: Resolved state layout of the project.
//   - cfg: Store configuration.
//
// # Outputs
//
//   - *GitStore: Ready to use. Call Init before recording history.
//   - error: Non-nil if the runner cannot be built.
func NewGitStore(layout statedir.Layout, cfg GitConfig) (*GitStore, error) {
	if cfg.Identity.Name == "" {
		cfg.Identity.Name = DefaultIdentity.Name
	}
	if cfg.Identity.Email == "" {
		cfg.Identity.Email = DefaultIdentity.Email
	}
	runner := cfg.Runner
	if runner == nil {
		r, err := NewExecRunner(layout.HistoryDir, layout.Root, cfg.Timeout, cfg.Identity)
		if err != nil {
			return nil, err
		}
		runner = r
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &GitStore{
		layout:   layout,
		runner:   runner,
		identity: cfg.Identity,
		logger:   logger.With("component", "vcs.GitStore"),
	}, nil
}

// Layout returns the state layout the store serves.
func (s *GitStore) Layout() statedir.Layout {
	return s.layout
}

func (s *GitStore) run(ctx context.Context, stdin []byte, env []string, args ...string) (Output, error) {
	return s.runner.Run(ctx, Invocation{Args: args, Stdin: stdin, Env: env})
}

func (s *GitStore) peek(ctx context.Context, args ...string) (Output, error) {
	return s.runner.Run(ctx, Invocation{Args: args, AllowFailure: true})
}

// Init creates the private store.
//
// # Description
//
// A store whose HEAD already resolves to a commit is left untouched. A
// history directory git does not recognise is reported as ErrStoreCorrupt.
// Otherwise the store is created, HEAD is pointed at the main line, the
// identity is configured, the ignore marker is written and an empty root
// commit is created. Failures after the store itself exists are collected
// as warnings.
//
// # Outputs
//
//   - InitResult: Whether the store was created, plus warnings.
//   - error: ErrUnavailable, ErrStoreCorrupt, or an init failure.
func (s *GitStore) Init(ctx context.Context) (InitResult, error) {
	if ac, ok := s.runner.(availabilityChecker); ok {
		if err := ac.Available(); err != nil {
			return InitResult{}, err
		}
	}

	var result InitResult
	_, headErr := os.Stat(filepath.Join(s.layout.HistoryDir, "HEAD"))
	switch {
	case headErr == nil:
		out, err := s.peek(ctx, "rev-parse", "--verify", "--quiet", "HEAD^{commit}")
		if err != nil {
			return result, err
		}
		if out.ExitCode == 0 {
			result.RootCommit = s.rootOf(ctx, out.Text())
			return result, nil
		}
		gd, err := s.peek(ctx, "rev-parse", "--git-dir")
		if err != nil {
			return result, err
		}
		if gd.ExitCode != 0 {
			return result, fmt.Errorf("%w: %s: %s", ErrStoreCorrupt, s.layout.HistoryDir, gd.Stderr)
		}
		// A previous init stopped before the root commit; finish it.
		s.logger.Warn("resuming incomplete store initialization", "history_dir", s.layout.HistoryDir)

	case errors.Is(headErr, fs.ErrNotExist):
		entries, err := os.ReadDir(s.layout.HistoryDir)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return result, fmt.Errorf("reading history directory: %w", err)
		}
		if len(entries) > 0 {
			return result, fmt.Errorf("%w: %s exists without HEAD", ErrStoreCorrupt, s.layout.HistoryDir)
		}
		if err := os.MkdirAll(s.layout.StateDir, 0o755); err != nil {
			return result, fmt.Errorf("creating state directory: %w", err)
		}
		if _, err := s.run(ctx, nil, nil, "init", "--quiet"); err != nil {
			return result, fmt.Errorf("initializing store: %w", err)
		}
		result.Created = true

	default:
		return result, fmt.Errorf("checking store HEAD: %w", headErr)
	}

	warn := func(step string, err error) {
		result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %v", step, err))
		s.logger.Warn("store setup step failed", "step", step, "error", err)
	}

	if _, err := s.run(ctx, nil, nil, "symbolic-ref", "HEAD", MainRef); err != nil {
		warn("point HEAD at main", err)
	}
	for _, kv := range [][2]string{
		{"user.name", s.identity.Name},
		{"user.email", s.identity.Email},
		{"commit.gpgsign", "false"},
		{"gc.auto", "0"},
		{"core.autocrlf", "false"},
	} {
		if _, err := s.run(ctx, nil, nil, "config", kv[0], kv[1]); err != nil {
			warn("config "+kv[0], err)
		}
	}
	if err := os.WriteFile(s.layout.IgnoreMarker, []byte("*\n"), 0o644); err != nil {
		warn("write ignore marker", err)
	}

	root, err := s.ensureRoot(ctx)
	if err != nil {
		warn("create root commit", err)
	}
	result.RootCommit = root
	return result, nil
}

// ensureRoot creates the empty root commit unless main already exists.
// The create-only ref update guarantees at most one root.
func (s *GitStore) ensureRoot(ctx context.Context) (string, error) {
	if tip, err := s.ReadRef(ctx, MainRef); err != nil || tip != "" {
		return tip, err
	}
	out, err := s.run(ctx, []byte{}, nil, "mktree")
	if err != nil {
		return "", err
	}
	root, err := s.CommitTree(ctx, CommitRequest{Tree: out.Text(), Message: "scribe: root\n"})
	if err != nil {
		return "", err
	}
	err = s.UpdateRefs(ctx, []RefUpdate{{Name: MainRef, New: root}})
	if errors.Is(err, ErrRefConflict) {
		return s.ReadRef(ctx, MainRef)
	}
	return root, err
}

// rootOf returns the first commit of tip's first-parent chain.
func (s *GitStore) rootOf(ctx context.Context, tip string) string {
	out, err := s.peek(ctx, "rev-list", "--first-parent", "--max-parents=0", tip)
	if err != nil || out.ExitCode != 0 {
		return ""
	}
	lines := strings.Fields(out.Text())
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}

// ReadRef implements HistoryStore.
func (s *GitStore) ReadRef(ctx context.Context, name string) (string, error) {
	out, err := s.peek(ctx, "rev-parse", "--verify", "--quiet", name+"^{commit}")
	if err != nil {
		return "", err
	}
	if out.ExitCode != 0 {
		return "", nil
	}
	return out.Text(), nil
}

// ListRefs implements HistoryStore.
func (s *GitStore) ListRefs(ctx context.Context, prefix string) (map[string]string, error) {
	// for-each-ref matches whole path components.
	out, err := s.run(ctx, nil, nil, "for-each-ref", "--format=%(objectname) %(refname)", strings.TrimSuffix(prefix, "/"))
	if err != nil {
		return nil, fmt.Errorf("listing refs under %s: %w", prefix, err)
	}
	refs := make(map[string]string)
	for _, line := range strings.Split(out.Text(), "\n") {
		id, name, ok := strings.Cut(strings.TrimSpace(line), " ")
		if !ok {
			continue
		}
		refs[name] = id
	}
	return refs, nil
}

// UpdateRefs implements HistoryStore with a single update-ref --stdin call.
func (s *GitStore) UpdateRefs(ctx context.Context, updates []RefUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	var buf bytes.Buffer
	for _, u := range updates {
		switch {
		case u.New == "" && u.Old == "":
			return fmt.Errorf("ref update for %s has neither old nor new value", u.Name)
		case u.New == "":
			fmt.Fprintf(&buf, "delete %s %s\n", u.Name, u.Old)
		case u.Old == "":
			fmt.Fprintf(&buf, "create %s %s\n", u.Name, u.New)
		default:
			fmt.Fprintf(&buf, "update %s %s %s\n", u.Name, u.New, u.Old)
		}
	}
	_, err := s.run(ctx, buf.Bytes(), nil, "update-ref", "--stdin")
	if err != nil {
		if isRefConflict(err) {
			return fmt.Errorf("%w: %v", ErrRefConflict, err)
		}
		return fmt.Errorf("updating refs: %w", err)
	}
	return nil
}

// HashFile implements HistoryStore. Content is stored byte-for-byte, with
// no attribute or line-ending filters.
func (s *GitStore) HashFile(ctx context.Context, absPath string) (FileState, error) {
	info, err := os.Lstat(absPath)
	if errors.Is(err, fs.ErrNotExist) {
		return FileState{}, nil
	}
	if err != nil {
		return FileState{}, fmt.Errorf("stat %s: %w", absPath, err)
	}

	mode, err := modeOf(info)
	if err != nil {
		return FileState{}, fmt.Errorf("%s: %w", absPath, err)
	}

	var out Output
	if mode == ModeSymlink {
		target, lerr := os.Readlink(absPath)
		if lerr != nil {
			return FileState{}, fmt.Errorf("reading link %s: %w", absPath, lerr)
		}
		out, err = s.run(ctx, []byte(target), nil, "hash-object", "-w", "--stdin")
	} else {
		out, err = s.run(ctx, nil, nil, "hash-object", "-w", "--no-filters", "--", absPath)
	}
	if err != nil {
		return FileState{}, fmt.Errorf("storing %s: %w", absPath, err)
	}
	return FileState{Mode: mode, Blob: out.Text()}, nil
}

// modeOf maps file info onto a tree entry mode.
func modeOf(info fs.FileInfo) (string, error) {
	switch m := info.Mode(); {
	case m&fs.ModeSymlink != 0:
		return ModeSymlink, nil
	case m.IsRegular():
		if m.Perm()&0o111 != 0 {
			return ModeExecutable, nil
		}
		return ModeFile, nil
	default:
		return "", fmt.Errorf("not a regular file (mode %v)", m)
	}
}

// ReadBlob implements HistoryStore.
func (s *GitStore) ReadBlob(ctx context.Context, id string) ([]byte, error) {
	out, err := s.peek(ctx, "cat-file", "blob", id)
	if err != nil {
		return nil, err
	}
	if out.ExitCode != 0 {
		return nil, fmt.Errorf("%w: blob %s", ErrObjectNotFound, id)
	}
	return out.Stdout, nil
}

// ReadCommit implements HistoryStore.
func (s *GitStore) ReadCommit(ctx context.Context, id string) (Commit, error) {
	out, err := s.peek(ctx, "cat-file", "commit", id)
	if err != nil {
		return Commit{}, err
	}
	if out.ExitCode != 0 {
		return Commit{}, fmt.Errorf("%w: commit %s", ErrObjectNotFound, id)
	}
	c, err := parseCommitObject(out.Stdout)
	if err != nil {
		return Commit{}, fmt.Errorf("parsing commit %s: %w", id, err)
	}
	c.ID = id
	return c, nil
}

// parseCommitObject parses the raw body printed by cat-file commit.
func parseCommitObject(raw []byte) (Commit, error) {
	header, message, _ := strings.Cut(string(raw), "\n\n")
	var c Commit
	for _, line := range strings.Split(header, "\n") {
		key, value, _ := strings.Cut(line, " ")
		switch key {
		case "tree":
			c.Tree = value
		case "parent":
			c.Parents = append(c.Parents, value)
		case "committer":
			when, err := parseSignatureTime(value)
			if err != nil {
				return Commit{}, err
			}
			c.When = when
		}
	}
	if c.Tree == "" {
		return Commit{}, errors.New("missing tree header")
	}
	c.Message = message
	return c, nil
}

// parseSignatureTime extracts the timestamp from "Name <email> 1700000000 +0000".
func parseSignatureTime(sig string) (time.Time, error) {
	fields := strings.Fields(sig)
	if len(fields) < 2 {
		return time.Time{}, fmt.Errorf("malformed signature %q", sig)
	}
	secs, err := strconv.ParseInt(fields[len(fields)-2], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed signature time %q: %w", sig, err)
	}
	return time.Unix(secs, 0).UTC(), nil
}

// PathState implements HistoryStore.
func (s *GitStore) PathState(ctx context.Context, commit, relPath string) (FileState, error) {
	out, err := s.run(ctx, nil, nil, "ls-tree", "-z", "--full-tree", commit, "--", relPath)
	if err != nil {
		return FileState{}, fmt.Errorf("reading %s at %s: %w", relPath, commit, err)
	}
	for _, rec := range strings.Split(string(out.Stdout), "\x00") {
		meta, path, ok := strings.Cut(rec, "\t")
		if !ok || path != relPath {
			continue
		}
		fields := strings.Fields(meta)
		if len(fields) != 3 || fields[1] != "blob" {
			return FileState{}, nil
		}
		return FileState{Mode: fields[0], Blob: fields[2]}, nil
	}
	return FileState{}, nil
}

// WriteTree implements HistoryStore using a scratch index file.
func (s *GitStore) WriteTree(ctx context.Context, baseCommit string, overlay map[string]FileState) (string, error) {
	if err := os.MkdirAll(s.layout.TmpDir, 0o755); err != nil {
		return "", fmt.Errorf("creating scratch directory: %w", err)
	}
	f, err := os.CreateTemp(s.layout.TmpDir, "index-*")
	if err != nil {
		return "", fmt.Errorf("creating scratch index: %w", err)
	}
	indexPath := f.Name()
	f.Close()
	// git refuses an empty index file; let read-tree create it.
	os.Remove(indexPath)
	defer os.Remove(indexPath)
	defer os.Remove(indexPath + ".lock")

	env := []string{"GIT_INDEX_FILE=" + indexPath}
	readArgs := []string{"read-tree", "--empty"}
	if baseCommit != "" {
		readArgs = []string{"read-tree", baseCommit}
	}
	if _, err := s.run(ctx, nil, env, readArgs...); err != nil {
		return "", fmt.Errorf("loading base tree: %w", err)
	}

	if len(overlay) > 0 {
		paths := make([]string, 0, len(overlay))
		for p := range overlay {
			paths = append(paths, p)
		}
		sort.Strings(paths)

		var info bytes.Buffer
		for _, p := range paths {
			st := overlay[p]
			if st.Exists() {
				fmt.Fprintf(&info, "%s %s\t%s\x00", st.Mode, st.Blob, p)
			} else {
				fmt.Fprintf(&info, "0 %s\t%s\x00", zeroID, p)
			}
		}
		if _, err := s.run(ctx, info.Bytes(), env, "update-index", "-z", "--index-info"); err != nil {
			return "", fmt.Errorf("staging overlay: %w", err)
		}
	}

	out, err := s.run(ctx, nil, env, "write-tree")
	if err != nil {
		return "", fmt.Errorf("writing tree: %w", err)
	}
	return out.Text(), nil
}

// CommitTree implements HistoryStore.
func (s *GitStore) CommitTree(ctx context.Context, req CommitRequest) (string, error) {
	args := []string{"commit-tree", req.Tree}
	for _, p := range req.Parents {
		args = append(args, "-p", p)
	}
	args = append(args, "-F", "-")

	when := req.When
	if when.IsZero() {
		when = time.Now()
	}
	date := fmt.Sprintf("%d +0000", when.Unix())
	env := []string{"GIT_AUTHOR_DATE=" + date, "GIT_COMMITTER_DATE=" + date}

	out, err := s.run(ctx, []byte(req.Message), env, args...)
	if err != nil {
		return "", fmt.Errorf("creating commit: %w", err)
	}
	return out.Text(), nil
}

// Log implements HistoryStore.
func (s *GitStore) Log(ctx context.Context, exclude, include string) ([]Commit, error) {
	if include == "" || include == exclude {
		return nil, nil
	}
	args := []string{"log", "--first-parent", "--reverse", "--format=%H%x00%T%x00%P%x00%ct%x00%B%x1e", include}
	if exclude != "" {
		args = append(args, "^"+exclude)
	}
	args = append(args, "--")
	out, err := s.run(ctx, nil, nil, args...)
	if err != nil {
		return nil, fmt.Errorf("reading history %s..%s: %w", exclude, include, err)
	}
	return parseLog(out.Stdout)
}

// parseLog parses records produced by Log's format string.
func parseLog(raw []byte) ([]Commit, error) {
	var commits []Commit
	for _, rec := range strings.Split(string(raw), "\x1e") {
		rec = strings.TrimLeft(rec, "\n")
		if rec == "" {
			continue
		}
		fields := strings.SplitN(rec, "\x00", 5)
		if len(fields) != 5 {
			return nil, fmt.Errorf("malformed log record %q", rec)
		}
		secs, err := strconv.ParseInt(fields[3], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed commit time %q: %w", fields[3], err)
		}
		commits = append(commits, Commit{
			ID:      fields[0],
			Tree:    fields[1],
			Parents: strings.Fields(fields[2]),
			When:    time.Unix(secs, 0).UTC(),
			Message: fields[4],
		})
	}
	return commits, nil
}

// ChangedPaths implements HistoryStore.
func (s *GitStore) ChangedPaths(ctx context.Context, commit string) (map[string]FileState, error) {
	out, err := s.run(ctx, nil, nil, "diff-tree", "-r", "-z", "--no-renames", "--no-commit-id", "--root", "--raw", commit)
	if err != nil {
		return nil, fmt.Errorf("reading changes of %s: %w", commit, err)
	}
	return parseRawDiff(out.Stdout)
}

// parseRawDiff parses "diff-tree --raw -z" output.
func parseRawDiff(raw []byte) (map[string]FileState, error) {
	changed := make(map[string]FileState)
	tokens := strings.Split(string(raw), "\x00")
	for i := 0; i < len(tokens); i++ {
		meta := tokens[i]
		if !strings.HasPrefix(meta, ":") {
			continue
		}
		if i+1 >= len(tokens) {
			return nil, fmt.Errorf("raw diff record %q has no path", meta)
		}
		path := tokens[i+1]
		i++

		fields := strings.Fields(strings.TrimPrefix(meta, ":"))
		if len(fields) != 5 {
			return nil, fmt.Errorf("malformed raw diff record %q", meta)
		}
		if strings.HasPrefix(fields[4], "D") {
			changed[path] = FileState{}
			continue
		}
		changed[path] = FileState{Mode: fields[1], Blob: fields[3]}
	}
	return changed, nil
}

// Diff implements HistoryStore by diffing the two blobs directly. Absent
// sides are represented by the empty blob. The a/ and b/ labels carry blob
// ids, not relPath; callers relabel the parsed patch.
func (s *GitStore) Diff(ctx context.Context, relPath string, from, to FileState) (string, error) {
	if from == to {
		return "", nil
	}
	a, b := from.Blob, to.Blob
	if a == "" || b == "" {
		out, err := s.run(ctx, []byte{}, nil, "hash-object", "-w", "--stdin")
		if err != nil {
			return "", fmt.Errorf("storing empty blob: %w", err)
		}
		if a == "" {
			a = out.Text()
		}
		if b == "" {
			b = out.Text()
		}
	}
	out, err := s.run(ctx, nil, nil, "diff", "--no-color", "--no-ext-diff", "--full-index", a, b)
	if err != nil {
		return "", fmt.Errorf("diffing %s: %w", relPath, err)
	}
	return string(out.Stdout), nil
}

var _ HistoryStore = (*GitStore)(nil)
