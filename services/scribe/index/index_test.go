// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package index

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openInMemory(t *testing.T) *Index {
	t.Helper()
	ix, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })
	return ix
}

func TestIndex_PutGet(t *testing.T) {
	ctx := context.Background()
	ix := openInMemory(t)

	rec := Record{
		EntryID:   "e1",
		SessionID: "run-1",
		RelPath:   "src/a.py",
		CreatedAt: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	require.NoError(t, ix.Put(ctx, rec))

	got, ok, err := ix.Get(ctx, "e1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec, got)

	_, ok, err = ix.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIndex_PutRequiresID(t *testing.T) {
	ix := openInMemory(t)
	assert.Error(t, ix.Put(context.Background(), Record{SessionID: "s"}))
}

func TestIndex_PutAllAndReset(t *testing.T) {
	ctx := context.Background()
	ix := openInMemory(t)

	require.NoError(t, ix.PutAll(ctx, []Record{
		{EntryID: "a", SessionID: "s1"},
		{EntryID: "b", SessionID: "s1"},
		{EntryID: "c", SessionID: "s2"},
	}))
	n, err := ix.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, ix.Reset(ctx))
	n, err = ix.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIndex_Persistent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	ix, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	require.NoError(t, ix.Put(ctx, Record{EntryID: "e1", SessionID: "s1"}))
	require.NoError(t, ix.Close())

	ix2, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	defer ix2.Close()

	got, ok, err := ix2.Get(ctx, "e1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "s1", got.SessionID)
}

func TestIndex_CancelledContext(t *testing.T) {
	ix := openInMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, ix.Put(ctx, Record{EntryID: "x"}), context.Canceled)
	_, _, err := ix.Get(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}
