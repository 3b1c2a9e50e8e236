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
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory HistoryStore.
//
// # Description
//
// Objects are content-addressed exactly like the git store, so identical
// trees and commits collapse to the same id. File bytes are read from disk
// by HashFile; everything else lives in maps. Failures can be injected per
// operation to exercise rollback paths.
//
// # Thread Safety
//
// Safe for concurrent use.
type MemoryStore struct {
	mu          sync.Mutex
	blobs       map[string][]byte
	trees       map[string]map[string]FileState
	commits     map[string]Commit
	refs        map[string]string
	initialized bool
	unavailable bool
	injected    map[string][]injection
	calls       map[string]int
}

type injection struct {
	err   error
	apply bool
}

// NewMemoryStore returns an empty, uninitialized store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs:    make(map[string][]byte),
		trees:    make(map[string]map[string]FileState),
		commits:  make(map[string]Commit),
		refs:     make(map[string]string),
		injected: make(map[string][]injection),
		calls:    make(map[string]int),
	}
}

// FailNext makes the next call of op return err without effect.
func (m *MemoryStore) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.injected[op] = append(m.injected[op], injection{err: err})
}

// ApplyThenFail makes the next call of op take effect and still return err,
// the way a timed-out command may have landed.
func (m *MemoryStore) ApplyThenFail(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.injected[op] = append(m.injected[op], injection{err: err, apply: true})
}

// SetUnavailable simulates a missing git executable.
func (m *MemoryStore) SetUnavailable(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = v
}

// Calls returns how many times op was invoked.
func (m *MemoryStore) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// enter must be called with mu held. It returns the injection to honor.
func (m *MemoryStore) enter(op string) (injection, error) {
	m.calls[op]++
	if m.unavailable {
		return injection{}, ErrUnavailable
	}
	queue := m.injected[op]
	if len(queue) == 0 {
		return injection{}, nil
	}
	inj := queue[0]
	m.injected[op] = queue[1:]
	if !inj.apply {
		return injection{}, inj.err
	}
	return inj, nil
}

func hashOf(kind string, parts ...string) string {
	h := sha1.New()
	h.Write([]byte(kind))
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (m *MemoryStore) putTree(entries map[string]FileState) string {
	paths := make([]string, 0, len(entries))
	for p := range entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	parts := make([]string, 0, len(paths))
	for _, p := range paths {
		parts = append(parts, entries[p].Mode+" "+entries[p].Blob+"\t"+p)
	}
	id := hashOf("tree", parts...)
	if _, ok := m.trees[id]; !ok {
		cp := make(map[string]FileState, len(entries))
		for k, v := range entries {
			cp[k] = v
		}
		m.trees[id] = cp
	}
	return id
}

// Init implements HistoryStore.
func (m *MemoryStore) Init(ctx context.Context) (InitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.enter("Init"); err != nil {
		return InitResult{}, err
	}
	if m.initialized {
		return InitResult{RootCommit: m.rootLocked()}, nil
	}
	tree := m.putTree(nil)
	root := m.commitLocked(CommitRequest{Tree: tree, Message: "scribe: root\n", When: time.Unix(0, 0)})
	m.refs[MainRef] = root
	m.initialized = true
	return InitResult{Created: true, RootCommit: root}, nil
}

func (m *MemoryStore) rootLocked() string {
	id := m.refs[MainRef]
	for id != "" {
		c := m.commits[id]
		if c.Parent() == "" {
			return id
		}
		id = c.Parent()
	}
	return ""
}

func (m *MemoryStore) commitLocked(req CommitRequest) string {
	when := req.When
	if when.IsZero() {
		when = time.Now()
	}
	when = time.Unix(when.Unix(), 0).UTC()
	parts := append([]string{req.Tree, fmt.Sprint(when.Unix()), req.Message}, req.Parents...)
	id := hashOf("commit", parts...)
	if _, ok := m.commits[id]; !ok {
		m.commits[id] = Commit{
			ID:      id,
			Tree:    req.Tree,
			Parents: append([]string(nil), req.Parents...),
			Message: req.Message,
			When:    when,
		}
	}
	return id
}

// ReadRef implements HistoryStore.
func (m *MemoryStore) ReadRef(ctx context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.enter("ReadRef"); err != nil {
		return "", err
	}
	if name == "HEAD" {
		name = MainRef
	}
	return m.refs[name], nil
}

// ListRefs implements HistoryStore.
func (m *MemoryStore) ListRefs(ctx context.Context, prefix string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.enter("ListRefs"); err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for name, id := range m.refs {
		if strings.HasPrefix(name, prefix) {
			out[name] = id
		}
	}
	return out, nil
}

// UpdateRefs implements HistoryStore.
func (m *MemoryStore) UpdateRefs(ctx context.Context, updates []RefUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inj, err := m.enter("UpdateRefs")
	if err != nil {
		return err
	}
	for _, u := range updates {
		cur := m.refs[u.Name]
		if cur != u.Old {
			return fmt.Errorf("%w: %s is %q, expected %q", ErrRefConflict, u.Name, cur, u.Old)
		}
		if u.New != "" {
			if _, ok := m.commits[u.New]; !ok {
				return fmt.Errorf("%w: commit %s", ErrObjectNotFound, u.New)
			}
		}
	}
	for _, u := range updates {
		if u.New == "" {
			delete(m.refs, u.Name)
		} else {
			m.refs[u.Name] = u.New
		}
	}
	return inj.err
}

// HashFile implements HistoryStore.
func (m *MemoryStore) HashFile(ctx context.Context, absPath string) (FileState, error) {
	info, err := os.Lstat(absPath)
	if errors.Is(err, fs.ErrNotExist) {
		return FileState{}, nil
	}
	if err != nil {
		return FileState{}, err
	}
	mode, err := modeOf(info)
	if err != nil {
		return FileState{}, fmt.Errorf("%s: %w", absPath, err)
	}
	var data []byte
	if mode == ModeSymlink {
		target, err := os.Readlink(absPath)
		if err != nil {
			return FileState{}, err
		}
		data = []byte(target)
	} else if data, err = os.ReadFile(absPath); err != nil {
		return FileState{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.enter("HashFile"); err != nil {
		return FileState{}, err
	}
	id := hashOf("blob", string(data))
	m.blobs[id] = data
	return FileState{Mode: mode, Blob: id}, nil
}

// ReadBlob implements HistoryStore.
func (m *MemoryStore) ReadBlob(ctx context.Context, id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.enter("ReadBlob"); err != nil {
		return nil, err
	}
	data, ok := m.blobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: blob %s", ErrObjectNotFound, id)
	}
	return append([]byte(nil), data...), nil
}

// ReadCommit implements HistoryStore.
func (m *MemoryStore) ReadCommit(ctx context.Context, id string) (Commit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.enter("ReadCommit"); err != nil {
		return Commit{}, err
	}
	c, ok := m.commits[id]
	if !ok {
		return Commit{}, fmt.Errorf("%w: commit %s", ErrObjectNotFound, id)
	}
	return c, nil
}

// PathState implements HistoryStore.
func (m *MemoryStore) PathState(ctx context.Context, commit, relPath string) (FileState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.enter("PathState"); err != nil {
		return FileState{}, err
	}
	c, ok := m.commits[commit]
	if !ok {
		return FileState{}, fmt.Errorf("%w: commit %s", ErrObjectNotFound, commit)
	}
	return m.trees[c.Tree][relPath], nil
}

// WriteTree implements HistoryStore.
func (m *MemoryStore) WriteTree(ctx context.Context, baseCommit string, overlay map[string]FileState) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.enter("WriteTree"); err != nil {
		return "", err
	}
	entries := make(map[string]FileState)
	if baseCommit != "" {
		c, ok := m.commits[baseCommit]
		if !ok {
			return "", fmt.Errorf("%w: commit %s", ErrObjectNotFound, baseCommit)
		}
		for k, v := range m.trees[c.Tree] {
			entries[k] = v
		}
	}
	for p, st := range overlay {
		if st.Exists() {
			if _, ok := m.blobs[st.Blob]; !ok {
				return "", fmt.Errorf("%w: blob %s", ErrObjectNotFound, st.Blob)
			}
			entries[p] = st
		} else {
			delete(entries, p)
		}
	}
	return m.putTree(entries), nil
}

// CommitTree implements HistoryStore.
func (m *MemoryStore) CommitTree(ctx context.Context, req CommitRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.enter("CommitTree"); err != nil {
		return "", err
	}
	if _, ok := m.trees[req.Tree]; !ok {
		return "", fmt.Errorf("%w: tree %s", ErrObjectNotFound, req.Tree)
	}
	for _, p := range req.Parents {
		if _, ok := m.commits[p]; !ok {
			return "", fmt.Errorf("%w: commit %s", ErrObjectNotFound, p)
		}
	}
	return m.commitLocked(req), nil
}

// Log implements HistoryStore.
func (m *MemoryStore) Log(ctx context.Context, exclude, include string) ([]Commit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.enter("Log"); err != nil {
		return nil, err
	}
	if include == "" || include == exclude {
		return nil, nil
	}

	excluded := make(map[string]bool)
	stack := []string{}
	if exclude != "" {
		stack = append(stack, exclude)
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if excluded[id] {
			continue
		}
		excluded[id] = true
		stack = append(stack, m.commits[id].Parents...)
	}

	var chain []Commit
	for id := include; id != "" && !excluded[id]; {
		c, ok := m.commits[id]
		if !ok {
			return nil, fmt.Errorf("%w: commit %s", ErrObjectNotFound, id)
		}
		chain = append(chain, c)
		id = c.Parent()
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// ChangedPaths implements HistoryStore.
func (m *MemoryStore) ChangedPaths(ctx context.Context, commit string) (map[string]FileState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.enter("ChangedPaths"); err != nil {
		return nil, err
	}
	c, ok := m.commits[commit]
	if !ok {
		return nil, fmt.Errorf("%w: commit %s", ErrObjectNotFound, commit)
	}
	var before map[string]FileState
	if p := c.Parent(); p != "" {
		before = m.trees[m.commits[p].Tree]
	}
	after := m.trees[c.Tree]

	changed := make(map[string]FileState)
	for path, st := range after {
		if before[path] != st {
			changed[path] = st
		}
	}
	for path := range before {
		if _, ok := after[path]; !ok {
			changed[path] = FileState{}
		}
	}
	return changed, nil
}

// Diff implements HistoryStore. The whole file is emitted as one hunk.
func (m *MemoryStore) Diff(ctx context.Context, relPath string, from, to FileState) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.enter("Diff"); err != nil {
		return "", err
	}
	if from == to {
		return "", nil
	}
	return wholeFileDiff(relPath, from, to, m.blobs[from.Blob], m.blobs[to.Blob]), nil
}

// wholeFileDiff renders a unified diff replacing all of oldData with newData.
func wholeFileDiff(path string, a, b FileState, oldData, newData []byte) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "diff --git a/%s b/%s\n", path, path)
	switch {
	case !a.Exists():
		fmt.Fprintf(&sb, "new file mode %s\n", b.Mode)
	case !b.Exists():
		fmt.Fprintf(&sb, "deleted file mode %s\n", a.Mode)
	}
	fmt.Fprintf(&sb, "index %s..%s\n", shortID(a.Blob), shortID(b.Blob))
	if a.Exists() {
		fmt.Fprintf(&sb, "--- a/%s\n", path)
	} else {
		sb.WriteString("--- /dev/null\n")
	}
	if b.Exists() {
		fmt.Fprintf(&sb, "+++ b/%s\n", path)
	} else {
		sb.WriteString("+++ /dev/null\n")
	}

	oldLines, newLines := splitLines(oldData), splitLines(newData)
	fmt.Fprintf(&sb, "@@ -%s +%s @@\n", hunkRange(len(oldLines)), hunkRange(len(newLines)))
	writeLines(&sb, "-", oldLines, oldData)
	writeLines(&sb, "+", newLines, newData)
	return sb.String()
}

func shortID(id string) string {
	if id == "" {
		return "0000000"
	}
	if len(id) > 7 {
		return id[:7]
	}
	return id
}

func hunkRange(n int) string {
	if n == 0 {
		return "0,0"
	}
	return fmt.Sprintf("1,%d", n)
}

func splitLines(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

func writeLines(sb *strings.Builder, prefix string, lines []string, raw []byte) {
	for _, l := range lines {
		sb.WriteString(prefix + l + "\n")
	}
	if len(raw) > 0 && raw[len(raw)-1] != '\n' {
		sb.WriteString("\\ No newline at end of file\n")
	}
}

var _ HistoryStore = (*MemoryStore)(nil)
