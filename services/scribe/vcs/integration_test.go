// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build integration

package vcs

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/scribe/services/scribe/statedir"
)

func gitAvailable() bool {
	_, err := exec.LookPath("git")
	return err == nil
}

func newRealStore(t *testing.T) (*GitStore, statedir.Layout) {
	t.Helper()
	layout, err := statedir.Resolve(t.TempDir())
	require.NoError(t, err)
	store, err := NewGitStore(layout, GitConfig{Timeout: 20 * time.Second})
	require.NoError(t, err)
	return store, layout
}

func TestIntegration_GitStoreInit(t *testing.T) {
	if !gitAvailable() {
		t.Skip("git not available")
	}
	ctx := context.Background()
	store, layout := newRealStore(t)

	first, err := store.Init(ctx)
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Empty(t, first.Warnings)
	require.NotEmpty(t, first.RootCommit)

	marker, err := os.ReadFile(layout.IgnoreMarker)
	require.NoError(t, err)
	assert.Equal(t, "*\n", string(marker))

	second, err := store.Init(ctx)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.RootCommit, second.RootCommit)

	log, err := store.Log(ctx, "", MainRef)
	require.NoError(t, err)
	assert.Len(t, log, 1, "exactly one root commit")
}

func TestIntegration_GitStoreCorrupt(t *testing.T) {
	if !gitAvailable() {
		t.Skip("git not available")
	}
	store, layout := newRealStore(t)
	require.NoError(t, os.MkdirAll(layout.HistoryDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(layout.HistoryDir, "HEAD"), []byte("garbage"), 0o644))

	_, err := store.Init(context.Background())
	assert.ErrorIs(t, err, ErrStoreCorrupt)
}

func TestIntegration_GitStoreHistory(t *testing.T) {
	if !gitAvailable() {
		t.Skip("git not available")
	}
	ctx := context.Background()
	store, layout := newRealStore(t)
	res, err := store.Init(ctx)
	require.NoError(t, err)

	path := filepath.Join(layout.Root, "src", "a.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("line one\r\nline two"), 0o644))

	st, err := store.HashFile(ctx, path)
	require.NoError(t, err)
	require.True(t, st.Exists())

	data, err := store.ReadBlob(ctx, st.Blob)
	require.NoError(t, err)
	assert.Equal(t, "line one\r\nline two", string(data), "bytes stored without filters")

	tree, err := store.WriteTree(ctx, res.RootCommit, map[string]FileState{"src/a.txt": st})
	require.NoError(t, err)
	when := time.Unix(1700000000, 0)
	c1, err := store.CommitTree(ctx, CommitRequest{
		Tree: tree, Parents: []string{res.RootCommit}, Message: "add a\n\nScribe-Change: {}\n", When: when,
	})
	require.NoError(t, err)

	commit, err := store.ReadCommit(ctx, c1)
	require.NoError(t, err)
	assert.Equal(t, tree, commit.Tree)
	assert.Equal(t, []string{res.RootCommit}, commit.Parents)
	assert.Equal(t, when.Unix(), commit.When.Unix())
	assert.Equal(t, "add a\n\nScribe-Change: {}\n", commit.Message)

	got, err := store.PathState(ctx, c1, "src/a.txt")
	require.NoError(t, err)
	assert.Equal(t, st, got)

	changed, err := store.ChangedPaths(ctx, c1)
	require.NoError(t, err)
	assert.Equal(t, map[string]FileState{"src/a.txt": st}, changed)

	tree2, err := store.WriteTree(ctx, c1, map[string]FileState{"src/a.txt": {}})
	require.NoError(t, err)
	c2, err := store.CommitTree(ctx, CommitRequest{Tree: tree2, Parents: []string{c1}, Message: "remove a\n"})
	require.NoError(t, err)

	require.NoError(t, store.UpdateRefs(ctx, []RefUpdate{{Name: "refs/heads/sessions/t", New: c2}}))
	log, err := store.Log(ctx, res.RootCommit, "refs/heads/sessions/t")
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, c1, log[0].ID)
	assert.Equal(t, c2, log[1].ID)
	assert.Equal(t, "remove a\n", log[1].Message)

	changed, err = store.ChangedPaths(ctx, c2)
	require.NoError(t, err)
	assert.Equal(t, map[string]FileState{"src/a.txt": {}}, changed)

	diff, err := store.Diff(ctx, "src/a.txt", FileState{}, st)
	require.NoError(t, err)
	assert.Contains(t, diff, "+line one")

	same, err := store.Diff(ctx, "src/a.txt", st, st)
	require.NoError(t, err)
	assert.Empty(t, same)

	// The store's own HEAD never moves off the main line.
	head, err := store.ReadRef(ctx, "HEAD")
	require.NoError(t, err)
	assert.Equal(t, res.RootCommit, head)
}

func TestIntegration_GitStoreRefConflict(t *testing.T) {
	if !gitAvailable() {
		t.Skip("git not available")
	}
	ctx := context.Background()
	store, _ := newRealStore(t)
	res, err := store.Init(ctx)
	require.NoError(t, err)

	err = store.UpdateRefs(ctx, []RefUpdate{
		{Name: "refs/scribe/sessions/x/start", New: res.RootCommit},
		{Name: MainRef, Old: strings.Repeat("1", 40), New: res.RootCommit},
	})
	assert.ErrorIs(t, err, ErrRefConflict)

	start, err := store.ReadRef(ctx, "refs/scribe/sessions/x/start")
	require.NoError(t, err)
	assert.Empty(t, start)
}

func TestIntegration_IgnoresUserGitEnvironment(t *testing.T) {
	if !gitAvailable() {
		t.Skip("git not available")
	}
	t.Setenv("GIT_DIR", filepath.Join(t.TempDir(), "elsewhere"))
	t.Setenv("GIT_INDEX_FILE", filepath.Join(t.TempDir(), "index"))

	store, layout := newRealStore(t)
	_, err := store.Init(context.Background())
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(layout.HistoryDir, "HEAD"))
	assert.NoError(t, err)
}
