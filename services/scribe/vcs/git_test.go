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
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/scribe/services/scribe/statedir"
)

// scriptedRunner answers invocations with a handler and records them.
type scriptedRunner struct {
	calls   []Invocation
	handler func(inv Invocation) (Output, error)
}

func (r *scriptedRunner) Run(ctx context.Context, inv Invocation) (Output, error) {
	r.calls = append(r.calls, inv)
	if r.handler == nil {
		return Output{}, nil
	}
	return r.handler(inv)
}

func (r *scriptedRunner) subcommands() []string {
	var subs []string
	for _, c := range r.calls {
		subs = append(subs, c.Args[0])
	}
	return subs
}

func newScriptedStore(t *testing.T, handler func(inv Invocation) (Output, error)) (*GitStore, *scriptedRunner, statedir.Layout) {
	t.Helper()
	layout, err := statedir.Resolve(t.TempDir())
	require.NoError(t, err)
	runner := &scriptedRunner{handler: handler}
	store, err := NewGitStore(layout, GitConfig{Runner: runner})
	require.NoError(t, err)
	return store, runner, layout
}

func TestGitStore_UpdateRefsStdin(t *testing.T) {
	store, runner, _ := newScriptedStore(t, nil)

	err := store.UpdateRefs(context.Background(), []RefUpdate{
		{Name: "refs/heads/sessions/a", New: "c1"},
		{Name: MainRef, Old: "m1", New: "m2"},
		{Name: "refs/scribe/sessions/a/squash", Old: "s1"},
	})
	require.NoError(t, err)

	require.Len(t, runner.calls, 1)
	assert.Equal(t, []string{"update-ref", "--stdin"}, runner.calls[0].Args)
	assert.Equal(t,
		"create refs/heads/sessions/a c1\n"+
			"update refs/heads/main m2 m1\n"+
			"delete refs/scribe/sessions/a/squash s1\n",
		string(runner.calls[0].Stdin))
}

func TestGitStore_UpdateRefsConflict(t *testing.T) {
	store, _, _ := newScriptedStore(t, func(inv Invocation) (Output, error) {
		return Output{}, &CommandError{Command: "update-ref", ExitCode: 128,
			Stderr: "fatal: cannot lock ref 'refs/heads/main': is at aaa but expected bbb"}
	})

	err := store.UpdateRefs(context.Background(), []RefUpdate{{Name: MainRef, Old: "bbb", New: "ccc"}})
	assert.ErrorIs(t, err, ErrRefConflict)
}

func TestGitStore_UpdateRefsEmpty(t *testing.T) {
	store, runner, _ := newScriptedStore(t, nil)
	require.NoError(t, store.UpdateRefs(context.Background(), nil))
	assert.Empty(t, runner.calls)
}

func TestGitStore_ReadRefMissing(t *testing.T) {
	store, _, _ := newScriptedStore(t, func(inv Invocation) (Output, error) {
		assert.True(t, inv.AllowFailure)
		return Output{ExitCode: 1}, nil
	})
	id, err := store.ReadRef(context.Background(), "refs/heads/sessions/nope")
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestGitStore_WriteTreeUsesScratchIndex(t *testing.T) {
	store, runner, layout := newScriptedStore(t, func(inv Invocation) (Output, error) {
		if inv.Args[0] == "write-tree" {
			return Output{Stdout: []byte("tree123\n")}, nil
		}
		return Output{}, nil
	})

	tree, err := store.WriteTree(context.Background(), "base1", map[string]FileState{
		"b.txt": {Mode: ModeFile, Blob: "blob-b"},
		"a.txt": {},
	})
	require.NoError(t, err)
	assert.Equal(t, "tree123", tree)
	assert.Equal(t, []string{"read-tree", "update-index", "write-tree"}, runner.subcommands())

	var indexEnv string
	for _, c := range runner.calls {
		require.Len(t, c.Env, 1)
		if indexEnv == "" {
			indexEnv = c.Env[0]
		}
		assert.Equal(t, indexEnv, c.Env[0], "all steps share one scratch index")
	}
	assert.True(t, strings.HasPrefix(indexEnv, "GIT_INDEX_FILE="+layout.TmpDir))
	assert.Equal(t, []string{"read-tree", "base1"}, runner.calls[0].Args)
	assert.Equal(t,
		"0 "+zeroID+"\ta.txt\x00"+ModeFile+" blob-b\tb.txt\x00",
		string(runner.calls[1].Stdin))

	// The scratch index is removed afterwards.
	_, err = os.Stat(strings.TrimPrefix(indexEnv, "GIT_INDEX_FILE="))
	assert.True(t, os.IsNotExist(err))
}

func TestGitStore_WriteTreeEmptyBase(t *testing.T) {
	store, runner, _ := newScriptedStore(t, nil)
	_, err := store.WriteTree(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"read-tree", "--empty"}, runner.calls[0].Args)
	assert.Equal(t, []string{"read-tree", "write-tree"}, runner.subcommands())
}

func TestGitStore_CommitTree(t *testing.T) {
	store, runner, _ := newScriptedStore(t, func(inv Invocation) (Output, error) {
		return Output{Stdout: []byte("commit1\n")}, nil
	})
	when := time.Unix(1700000000, 0)

	id, err := store.CommitTree(context.Background(), CommitRequest{
		Tree: "t1", Parents: []string{"p1"}, Message: "hello\n", When: when,
	})
	require.NoError(t, err)
	assert.Equal(t, "commit1", id)

	call := runner.calls[0]
	assert.Equal(t, []string{"commit-tree", "t1", "-p", "p1", "-F", "-"}, call.Args)
	assert.Equal(t, "hello\n", string(call.Stdin))
	assert.Contains(t, call.Env, "GIT_AUTHOR_DATE=1700000000 +0000")
	assert.Contains(t, call.Env, "GIT_COMMITTER_DATE=1700000000 +0000")
}

func TestGitStore_PathState(t *testing.T) {
	store, _, _ := newScriptedStore(t, func(inv Invocation) (Output, error) {
		return Output{Stdout: []byte("100755 blob abc123\tbin/run.sh\x00")}, nil
	})
	st, err := store.PathState(context.Background(), "c1", "bin/run.sh")
	require.NoError(t, err)
	assert.Equal(t, FileState{Mode: ModeExecutable, Blob: "abc123"}, st)

	store, _, _ = newScriptedStore(t, func(inv Invocation) (Output, error) {
		return Output{Stdout: []byte("040000 tree def456\tbin\x00")}, nil
	})
	st, err = store.PathState(context.Background(), "c1", "bin")
	require.NoError(t, err)
	assert.False(t, st.Exists())
}

func TestGitStore_InitCorruptHistoryDir(t *testing.T) {
	store, runner, layout := newScriptedStore(t, nil)
	require.NoError(t, os.MkdirAll(layout.HistoryDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(layout.HistoryDir, "junk"), []byte("x"), 0o644))

	_, err := store.Init(context.Background())
	assert.ErrorIs(t, err, ErrStoreCorrupt)
	assert.Empty(t, runner.calls)
}

func TestGitStore_InitExistingIsNoop(t *testing.T) {
	store, runner, layout := newScriptedStore(t, func(inv Invocation) (Output, error) {
		switch inv.Args[0] {
		case "rev-parse":
			return Output{Stdout: []byte("tip\n")}, nil
		case "rev-list":
			return Output{Stdout: []byte("root\n")}, nil
		}
		t.Fatalf("unexpected command %v", inv.Args)
		return Output{}, nil
	})
	require.NoError(t, os.MkdirAll(layout.HistoryDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(layout.HistoryDir, "HEAD"), []byte("ref: refs/heads/main\n"), 0o644))

	res, err := store.Init(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, "root", res.RootCommit)
	assert.Equal(t, []string{"rev-parse", "rev-list"}, runner.subcommands())
}

func TestGitStore_InitCollectsWarnings(t *testing.T) {
	store, _, layout := newScriptedStore(t, func(inv Invocation) (Output, error) {
		switch inv.Args[0] {
		case "config":
			return Output{}, &CommandError{Command: "config", ExitCode: 1, Stderr: "could not lock config file"}
		case "rev-parse":
			return Output{ExitCode: 1}, nil
		case "mktree":
			return Output{Stdout: []byte("emptytree\n")}, nil
		case "commit-tree":
			return Output{Stdout: []byte("root1\n")}, nil
		}
		return Output{}, nil
	})

	res, err := store.Init(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, "root1", res.RootCommit)
	assert.Len(t, res.Warnings, 5)

	marker, err := os.ReadFile(layout.IgnoreMarker)
	require.NoError(t, err)
	assert.Equal(t, "*\n", string(marker))
}

func TestGitStore_InitUnavailable(t *testing.T) {
	layout, err := statedir.Resolve(t.TempDir())
	require.NoError(t, err)
	runner, err := NewExecRunner(layout.HistoryDir, layout.Root, time.Second, Identity{})
	require.NoError(t, err)
	runner.lookPath = func(string) (string, error) { return "", errors.New("not found") }

	store, err := NewGitStore(layout, GitConfig{Runner: runner})
	require.NoError(t, err)
	_, err = store.Init(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestParseCommitObject(t *testing.T) {
	raw := "tree t1\nparent p1\nparent p2\nauthor scribe <scribe@scribe.invalid> 1700000000 +0000\n" +
		"committer scribe <scribe@scribe.invalid> 1700000001 +0000\n\nsubject\n\nbody\n"

	c, err := parseCommitObject([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "t1", c.Tree)
	assert.Equal(t, []string{"p1", "p2"}, c.Parents)
	assert.Equal(t, "p1", c.Parent())
	assert.Equal(t, int64(1700000001), c.When.Unix())
	assert.Equal(t, "subject\n\nbody\n", c.Message)

	_, err = parseCommitObject([]byte("parent p1\n\nmsg"))
	assert.Error(t, err)
}

func TestParseLog(t *testing.T) {
	raw := "c1\x00t1\x00\x001700000000\x00first\n\nScribe-Change: {}\n\x1e\n" +
		"c2\x00t2\x00c1\x001700000005\x00second\n\x1e\n"

	commits, err := parseLog([]byte(raw))
	require.NoError(t, err)
	require.Len(t, commits, 2)
	assert.Equal(t, "c1", commits[0].ID)
	assert.Empty(t, commits[0].Parents)
	assert.Equal(t, "first\n\nScribe-Change: {}\n", commits[0].Message)
	assert.Equal(t, []string{"c1"}, commits[1].Parents)
	assert.Equal(t, int64(1700000005), commits[1].When.Unix())

	empty, err := parseLog(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestParseRawDiff(t *testing.T) {
	raw := ":100644 100644 aaa bbb M\x00src/a.go\x00" +
		":000000 100755 000 ccc A\x00bin/run\x00" +
		":100644 000000 ddd 000 D\x00old.txt\x00"

	changed, err := parseRawDiff([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, map[string]FileState{
		"src/a.go": {Mode: ModeFile, Blob: "bbb"},
		"bin/run":  {Mode: ModeExecutable, Blob: "ccc"},
		"old.txt":  {},
	}, changed)

	_, err = parseRawDiff([]byte(":100644 100644 aaa bbb M"))
	assert.Error(t, err)
}
