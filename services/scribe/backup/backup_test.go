// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backup

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*DefaultManager, string) {
	t.Helper()
	root := t.TempDir()
	m := NewManager(Config{Dir: filepath.Join(root, ".scribe", "backups")})
	return m, root
}

func TestCapture(t *testing.T) {
	m, root := newTestManager(t)
	src := filepath.Join(root, "a.py")
	require.NoError(t, os.WriteFile(src, []byte("def f():\n    pass\n"), 0o755))

	path, err := m.Capture("run-1", src)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, ".scribe", "backups", "run-1"), filepath.Dir(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "def f():\n    pass\n", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	// The source is untouched.
	data, err = os.ReadFile(src)
	require.NoError(t, err)
	assert.Equal(t, "def f():\n    pass\n", string(data))
}

func TestCapture_Missing(t *testing.T) {
	m, root := newTestManager(t)
	_, err := m.Capture("run-1", filepath.Join(root, "missing.py"))
	assert.ErrorIs(t, err, ErrNothingToBackup)
}

func TestCapture_InvalidSession(t *testing.T) {
	m, root := newTestManager(t)
	src := filepath.Join(root, "a.py")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	for _, id := range []string{"", "..", "a/b", `a\b`} {
		_, err := m.Capture(id, src)
		assert.True(t, errors.Is(err, ErrInvalidSession), "id %q", id)
	}
}

func TestListAndPrune(t *testing.T) {
	m, root := newTestManager(t)
	src := filepath.Join(root, "a.py")
	require.NoError(t, os.WriteFile(src, []byte("v1"), 0o644))

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }
	first, err := m.Capture("s", src)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(src, []byte("v2-longer"), 0o644))
	m.now = func() time.Time { return base.Add(time.Minute) }
	second, err := m.Capture("s", src)
	require.NoError(t, err)

	backups, err := m.List("s")
	require.NoError(t, err)
	require.Len(t, backups, 2)
	assert.Equal(t, second, backups[0].Path, "newest first")
	assert.Equal(t, first, backups[1].Path)
	assert.Equal(t, "a.py", backups[0].OriginalName)
	assert.Equal(t, int64(len("v2-longer")), backups[0].Size)
	assert.Len(t, backups[0].Digest, 12)

	n, err := m.Prune("s")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, err = os.Stat(filepath.Dir(first))
	assert.True(t, os.IsNotExist(err))

	none, err := m.List("s")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRestore(t *testing.T) {
	m, root := newTestManager(t)
	src := filepath.Join(root, "a.py")
	require.NoError(t, os.WriteFile(src, []byte("original"), 0o644))

	bp, err := m.Capture("s", src)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(src, []byte("edited"), 0o644))

	require.NoError(t, m.Restore(bp, src))
	data, err := os.ReadFile(src)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "nested", "file.txt")

	require.NoError(t, WriteFileAtomic(target, []byte("one"), 0o600))
	require.NoError(t, WriteFileAtomic(target, []byte("two"), 0o644))

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	entries, err := os.ReadDir(filepath.Dir(target))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}
