// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package statedir

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	root := t.TempDir()

	layout, err := Resolve(root)
	require.NoError(t, err)

	assert.Equal(t, root, layout.Root)
	assert.Equal(t, filepath.Join(root, ".scribe"), layout.StateDir)
	assert.Equal(t, filepath.Join(root, ".scribe", "history"), layout.HistoryDir)
	assert.Equal(t, filepath.Join(root, ".scribe", "index"), layout.IndexDir)
	assert.Equal(t, filepath.Join(root, ".scribe", "backups"), layout.BackupDir)
	assert.Equal(t, filepath.Join(root, ".scribe", ".gitignore"), layout.IgnoreMarker)

	// Pure: nothing is created.
	_, err = os.Stat(layout.StateDir)
	assert.True(t, os.IsNotExist(err))
}

func TestResolve_Deterministic(t *testing.T) {
	root := t.TempDir()
	a, err := Resolve(root)
	require.NoError(t, err)
	b, err := Resolve(root + string(filepath.Separator))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestResolve_EmptyRoot(t *testing.T) {
	_, err := Resolve("  ")
	assert.ErrorIs(t, err, ErrEmptyRoot)
}

func TestLayout_Rel(t *testing.T) {
	root := t.TempDir()
	layout, err := Resolve(root)
	require.NoError(t, err)

	tests := []struct {
		name    string
		path    string
		want    string
		wantErr error
	}{
		{"absolute", filepath.Join(root, "pkg", "a.go"), "pkg/a.go", nil},
		{"relative", filepath.Join("pkg", "b.go"), "pkg/b.go", nil},
		{"unclean", filepath.Join(root, "pkg", "..", "c.go"), "c.go", nil},
		{"outside", filepath.Join(filepath.Dir(root), "other.go"), "", ErrOutsideRoot},
		{"root itself", root, "", ErrOutsideRoot},
		{"escape", filepath.Join("..", "x.go"), "", ErrOutsideRoot},
		{"state dir", filepath.Join(root, ".scribe", "history", "HEAD"), "", ErrInsideState},
		{"state dir itself", filepath.Join(root, ".scribe"), "", ErrInsideState},
		{"lookalike", filepath.Join(root, ".scribex", "a.go"), ".scribex/a.go", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := layout.Rel(tt.path)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, filepath.Clean(layout.Abs(got)), layout.Abs(tt.want))
		})
	}
}
