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
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewExecRunner_RequiresAbsolutePaths(t *testing.T) {
	_, err := NewExecRunner("relative/history", "/tmp/root", 0, Identity{})
	assert.Error(t, err)

	r, err := NewExecRunner("/tmp/root/.scribe/history", "/tmp/root", 0, Identity{})
	require.NoError(t, err)
	assert.Equal(t, DefaultCommandTimeout, r.timeout)
	assert.Equal(t, DefaultIdentity, r.identity)
}

func TestExecRunner_Args(t *testing.T) {
	r, err := NewExecRunner("/p/.scribe/history", "/p", time.Second, Identity{})
	require.NoError(t, err)

	args := r.args([]string{"rev-parse", "HEAD"})

	assert.Equal(t, "--git-dir=/p/.scribe/history", args[0])
	assert.Equal(t, "--work-tree=/p", args[1])
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "-c commit.gpgsign=false")
	assert.Contains(t, joined, "-c gc.auto=0")
	assert.Equal(t, []string{"rev-parse", "HEAD"}, args[len(args)-2:])
}

func TestExecRunner_EnvScrubsGitVariables(t *testing.T) {
	r, err := NewExecRunner("/p/.scribe/history", "/p", time.Second, Identity{Name: "bot", Email: "bot@example.com"})
	require.NoError(t, err)

	env := r.env([]string{
		"PATH=/usr/bin",
		"GIT_DIR=/home/user/repo/.git",
		"GIT_WORK_TREE=/home/user/repo",
		"GIT_INDEX_FILE=/home/user/repo/.git/index",
		"HOME=/home/user",
	}, []string{"GIT_INDEX_FILE=/p/.scribe/tmp/index-1"})

	assert.Contains(t, env, "PATH=/usr/bin")
	assert.Contains(t, env, "HOME=/home/user")
	assert.NotContains(t, env, "GIT_DIR=/home/user/repo/.git")
	assert.NotContains(t, env, "GIT_WORK_TREE=/home/user/repo")
	assert.NotContains(t, env, "GIT_INDEX_FILE=/home/user/repo/.git/index")
	assert.Contains(t, env, "GIT_TERMINAL_PROMPT=0")
	assert.Contains(t, env, "GIT_CONFIG_NOSYSTEM=1")
	assert.Contains(t, env, "GIT_AUTHOR_NAME=bot")
	assert.Contains(t, env, "GIT_COMMITTER_EMAIL=bot@example.com")
	assert.Equal(t, "GIT_INDEX_FILE=/p/.scribe/tmp/index-1", env[len(env)-1])
}

func TestExecRunner_Unavailable(t *testing.T) {
	r, err := NewExecRunner("/p/.scribe/history", "/p", time.Second, Identity{})
	require.NoError(t, err)
	r.lookPath = func(string) (string, error) { return "", exec.ErrNotFound }

	_, err = r.Run(context.Background(), Invocation{Args: []string{"status"}})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, r.Available(), ErrUnavailable)
}

func TestExecRunner_NoArgs(t *testing.T) {
	r, err := NewExecRunner("/p/.scribe/history", "/p", time.Second, Identity{})
	require.NoError(t, err)
	_, err = r.Run(context.Background(), Invocation{})
	assert.Error(t, err)
}

func TestExecRunner_CommandError(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	root := t.TempDir()
	r, err := NewExecRunner(filepath.Join(root, ".scribe", "history"), root, 10*time.Second, Identity{})
	require.NoError(t, err)

	// The store does not exist yet, so any repository command fails.
	_, err = r.Run(context.Background(), Invocation{Args: []string{"rev-parse", "HEAD"}})
	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr), "got %v", err)
	assert.Equal(t, "rev-parse", cmdErr.Command)
	assert.NotZero(t, cmdErr.ExitCode)

	out, err := r.Run(context.Background(), Invocation{Args: []string{"rev-parse", "HEAD"}, AllowFailure: true})
	require.NoError(t, err)
	assert.NotZero(t, out.ExitCode)
}

func TestCommandError_Message(t *testing.T) {
	inner := errors.New("exit status 128")
	err := &CommandError{Command: "update-ref", ExitCode: 128, Stderr: "fatal: boom", Wrapped: inner}

	assert.Equal(t, "git update-ref: exit status 128: fatal: boom", err.Error())
	assert.ErrorIs(t, err, inner)
}

func TestIsRefConflict(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"cas miss", &CommandError{Stderr: "fatal: cannot lock ref 'refs/heads/main': is at abc but expected def"}, true},
		{"create exists", &CommandError{Stderr: "fatal: cannot lock ref 'refs/x': reference already exists"}, true},
		{"other", &CommandError{Stderr: "fatal: disk full"}, false},
		{"plain error", errors.New("cannot lock ref"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRefConflict(tt.err))
		})
	}
}
