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
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultCommandTimeout bounds every store command unless configured.
const DefaultCommandTimeout = 30 * time.Second

// Identity is the machine identity recorded on every store commit.
type Identity struct {
	Name  string
	Email string
}

// DefaultIdentity is used when no identity is configured.
var DefaultIdentity = Identity{Name: "scribe", Email: "scribe@scribe.invalid"}

// Invocation describes one store command.
type Invocation struct {
	// Args are the git arguments after the global overrides.
	Args []string

	// Env holds extra KEY=VALUE pairs appended to the scrubbed environment.
	Env []string

	// Stdin is fed to the process when non-nil.
	Stdin []byte

	// AllowFailure makes a non-zero exit a normal result instead of an
	// error. Used for checks such as "does this ref exist".
	AllowFailure bool
}

// Output is the captured result of a store command.
type Output struct {
	Stdout   []byte
	Stderr   string
	ExitCode int
}

// Text returns stdout with surrounding whitespace removed.
func (o Output) Text() string {
	return strings.TrimSpace(string(o.Stdout))
}

// Runner executes store commands.
//
// # Description
//
// Abstracts the external process so GitStore can be exercised with a
// scripted fake. Implementations must apply the store's isolation overrides
// to every call.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (Output, error)
}

// ExecRunner runs git as an external process against one private store.
//
// # Description
//
// Every call is prefixed with the store's metadata root and working tree,
// executed in the project root with a scrubbed environment and bounded by
// a timeout. The git binary is resolved once, lazily.
//
// # Thread Safety
//
// Safe for concurrent use.
type ExecRunner struct {
	gitDir   string
	workTree string
	timeout  time.Duration
	identity Identity

	lookOnce sync.Once
	gitPath  string
	lookErr  error

	// lookPath is replaceable in tests.
	lookPath func(string) (string, error)
}

// NewExecRunner creates a runner for the store at gitDir serving workTree.
//
// # Inputs
//
//   - gitDir: Absolute path of the store's metadata root.
//   - workTree: Absolute path of the project root.
//   - timeout: Per-command timeout. Zero uses DefaultCommandTimeout.
//   - identity: Commit identity. Empty fields fall back to DefaultIdentity.
//
// # Outputs
//
//   - *ExecRunner: Ready to use.
//   - error: Non-nil if either path is relative.
func NewExecRunner(gitDir, workTree string, timeout time.Duration, identity Identity) (*ExecRunner, error) {
	if !filepath.IsAbs(gitDir) || !filepath.IsAbs(workTree) {
		return nil, fmt.Errorf("store paths must be absolute: git-dir=%q work-tree=%q", gitDir, workTree)
	}
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	if identity.Name == "" {
		identity.Name = DefaultIdentity.Name
	}
	if identity.Email == "" {
		identity.Email = DefaultIdentity.Email
	}
	return &ExecRunner{
		gitDir:   gitDir,
		workTree: workTree,
		timeout:  timeout,
		identity: identity,
		lookPath: exec.LookPath,
	}, nil
}

// Available reports whether the git executable can be found.
func (r *ExecRunner) Available() error {
	r.lookOnce.Do(func() {
		r.gitPath, r.lookErr = r.lookPath("git")
	})
	if r.lookErr != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, r.lookErr)
	}
	return nil
}

// Run executes one git command.
//
// # Description
//
// Applies the isolation overrides, runs the command with a timeout and
// captures its output. A deadline overrun returns an error wrapping
// ErrTimeout. A non-zero exit returns *CommandError unless the invocation
// allows failure.
//
// # Inputs
//
//   - ctx: Parent context. Its deadline is honored in addition to the
//     runner timeout.
//   - inv: The command to run.
//
// # Outputs
//
//   - Output: Captured stdout, stderr and exit status.
//   - error: ErrUnavailable, ErrTimeout, *CommandError or a start failure.
func (r *ExecRunner) Run(ctx context.Context, inv Invocation) (Output, error) {
	if len(inv.Args) == 0 {
		return Output{}, errors.New("git: no arguments")
	}
	if err := r.Available(); err != nil {
		return Output{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(ctx, r.gitPath, r.args(inv.Args)...)
	cmd.Dir = r.workTree
	cmd.Env = r.env(os.Environ(), inv.Env)
	if inv.Stdin != nil {
		cmd.Stdin = bytes.NewReader(inv.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	out := Output{
		Stdout: stdout.Bytes(),
		Stderr: strings.TrimSpace(stderr.String()),
	}
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}

	sub := inv.Args[0]
	if ctx.Err() == context.DeadlineExceeded {
		err := fmt.Errorf("git %s: %w after %v", sub, ErrTimeout, r.timeout)
		recordCommand(context.Background(), sub, time.Since(start), err)
		return out, err
	}

	var err error
	if runErr != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(runErr, &exitErr):
			if !inv.AllowFailure {
				err = &CommandError{Command: sub, ExitCode: out.ExitCode, Stderr: out.Stderr, Wrapped: runErr}
			}
		default:
			err = &CommandError{Command: sub, ExitCode: -1, Stderr: out.Stderr, Wrapped: runErr}
		}
	}
	recordCommand(ctx, sub, time.Since(start), err)
	return out, err
}

// args prefixes the isolation overrides.
func (r *ExecRunner) args(args []string) []string {
	full := []string{
		"--git-dir=" + r.gitDir,
		"--work-tree=" + r.workTree,
		"-c", "commit.gpgsign=false",
		"-c", "tag.gpgsign=false",
		"-c", "core.quotepath=false",
		"-c", "core.autocrlf=false",
		"-c", "core.hooksPath=/dev/null",
		"-c", "gc.auto=0",
	}
	return append(full, args...)
}

// env returns base without GIT_* variables plus the fixed overrides.
func (r *ExecRunner) env(base, extra []string) []string {
	env := make([]string, 0, len(base)+len(extra)+8)
	for _, kv := range base {
		if strings.HasPrefix(kv, "GIT_") {
			continue
		}
		env = append(env, kv)
	}
	env = append(env,
		"GIT_TERMINAL_PROMPT=0",
		"GIT_CONFIG_NOSYSTEM=1",
		"GIT_CONFIG_GLOBAL="+os.DevNull,
		"LC_ALL=C",
		"GIT_AUTHOR_NAME="+r.identity.Name,
		"GIT_AUTHOR_EMAIL="+r.identity.Email,
		"GIT_COMMITTER_NAME="+r.identity.Name,
		"GIT_COMMITTER_EMAIL="+r.identity.Email,
	)
	return append(env, extra...)
}
