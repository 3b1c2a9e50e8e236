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
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_InitIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first, err := s.Init(ctx)
	require.NoError(t, err)
	assert.True(t, first.Created)

	second, err := s.Init(ctx)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.RootCommit, second.RootCommit)

	tip, err := s.ReadRef(ctx, MainRef)
	require.NoError(t, err)
	assert.Equal(t, first.RootCommit, tip)
}

func TestMemoryStore_HistoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	res, err := s.Init(ctx)
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("one\n"), 0o644))
	st, err := s.HashFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, ModeFile, st.Mode)

	tree, err := s.WriteTree(ctx, res.RootCommit, map[string]FileState{"a.txt": st})
	require.NoError(t, err)
	c1, err := s.CommitTree(ctx, CommitRequest{Tree: tree, Parents: []string{res.RootCommit}, Message: "one\n", When: time.Unix(100, 0)})
	require.NoError(t, err)

	got, err := s.PathState(ctx, c1, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, st, got)

	data, err := s.ReadBlob(ctx, st.Blob)
	require.NoError(t, err)
	assert.Equal(t, "one\n", string(data))

	tree2, err := s.WriteTree(ctx, c1, map[string]FileState{"a.txt": {}})
	require.NoError(t, err)
	c2, err := s.CommitTree(ctx, CommitRequest{Tree: tree2, Parents: []string{c1}, Message: "two\n"})
	require.NoError(t, err)

	log, err := s.Log(ctx, res.RootCommit, c2)
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, c1, log[0].ID)
	assert.Equal(t, c2, log[1].ID)

	changed, err := s.ChangedPaths(ctx, c2)
	require.NoError(t, err)
	assert.Equal(t, map[string]FileState{"a.txt": {}}, changed)

	diff, err := s.Diff(ctx, "a.txt", FileState{}, st)
	require.NoError(t, err)
	assert.Contains(t, diff, "+one")
	assert.Contains(t, diff, "--- /dev/null")
}

func TestMemoryStore_HashFileMissing(t *testing.T) {
	s := NewMemoryStore()
	st, err := s.HashFile(context.Background(), filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.False(t, st.Exists())
}

func TestMemoryStore_UpdateRefsAtomic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	res, err := s.Init(ctx)
	require.NoError(t, err)
	root := res.RootCommit

	err = s.UpdateRefs(ctx, []RefUpdate{
		{Name: "refs/a", New: root},
		{Name: MainRef, Old: "wrong", New: root},
	})
	assert.ErrorIs(t, err, ErrRefConflict)

	a, err := s.ReadRef(ctx, "refs/a")
	require.NoError(t, err)
	assert.Empty(t, a, "no ref moves when one update conflicts")

	require.NoError(t, s.UpdateRefs(ctx, []RefUpdate{{Name: "refs/a", New: root}}))
	assert.ErrorIs(t, s.UpdateRefs(ctx, []RefUpdate{{Name: "refs/a", New: root}}), ErrRefConflict)

	require.NoError(t, s.UpdateRefs(ctx, []RefUpdate{{Name: "refs/a", Old: root}}))
	refs, err := s.ListRefs(ctx, "refs/a")
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestMemoryStore_Injection(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	res, err := s.Init(ctx)
	require.NoError(t, err)

	boom := errors.New("boom")
	s.FailNext("UpdateRefs", boom)
	assert.ErrorIs(t, s.UpdateRefs(ctx, []RefUpdate{{Name: "refs/x", New: res.RootCommit}}), boom)
	x, _ := s.ReadRef(ctx, "refs/x")
	assert.Empty(t, x)

	s.ApplyThenFail("UpdateRefs", ErrTimeout)
	assert.ErrorIs(t, s.UpdateRefs(ctx, []RefUpdate{{Name: "refs/x", New: res.RootCommit}}), ErrTimeout)
	x, _ = s.ReadRef(ctx, "refs/x")
	assert.Equal(t, res.RootCommit, x)

	s.SetUnavailable(true)
	_, err = s.Init(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 2, s.Calls("UpdateRefs"))
}

func TestWholeFileDiff_NoTrailingNewline(t *testing.T) {
	d := wholeFileDiff("f", FileState{Mode: ModeFile, Blob: "aaaaaaaaa"}, FileState{Mode: ModeFile, Blob: "bbbbbbbbb"},
		[]byte("x\ny"), []byte("x\nz\n"))
	assert.Contains(t, d, "@@ -1,2 +1,2 @@\n-x\n-y\n\\ No newline at end of file\n+x\n+z\n")
	assert.Contains(t, d, "index aaaaaaa..bbbbbbb")
}
