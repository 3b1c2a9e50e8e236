// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command scribe records file writes in a private version store and can
// roll any single write back.
//
// Usage:
//
//	scribe init
//	scribe begin refactor-42
//	scribe backup refactor-42 src/app.go      # before editing
//	scribe record refactor-42 src/app.go --backup <path>
//	scribe commit refactor-42
//	scribe rollback <entry-id>
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/scribe/pkg/ux"
	"github.com/AleutianAI/scribe/services/scribe/lock"
	"github.com/AleutianAI/scribe/services/scribe/transaction"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	a := newApp(os.Stdout, os.Stderr)
	err := newRootCmd(a).ExecuteContext(ctx)
	stop()
	if err != nil {
		reportError(a.stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "scribe",
		Short: "Transactional file writes with per-change rollback",
		Long: `scribe records every write a tool makes to your project in a private
version store under .scribe/, groups writes into sessions, and can roll
back any single write later, even after its session was committed.

Your own version control is never touched.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&a.opts.root, "root", ".", "project root")
	flags.StringVar(&a.opts.configPath, "config", "", "config file (default <root>/"+ConfigFileName+")")
	flags.StringVar(&a.opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.BoolVar(&a.opts.json, "json", false, "machine-readable JSON output")
	flags.DurationVar(&a.opts.timeout, "timeout", 0, "timeout for each version-store command")
	flags.StringVar(&a.opts.personality, "personality", "", "output style: standard, minimal, machine")

	root.AddCommand(
		newInitCmd(a),
		newBeginCmd(a),
		newBackupCmd(a),
		newBackupsCmd(a),
		newRecordCmd(a),
		newCommitCmd(a),
		newRollbackCmd(a),
		newChangesCmd(a),
		newSessionsCmd(a),
		newShowCmd(a),
		newReindexCmd(a),
	)
	return root
}

// reportError prints err with a hint for the common failure kinds.
func reportError(w io.Writer, err error) {
	p := ux.NewPrinter(w)
	p.Error(err.Error())

	var hint string
	switch {
	case errors.Is(err, transaction.ErrNotInitialized):
		hint = "run 'scribe init' in the project root first"
	case errors.Is(err, transaction.ErrUnavailable):
		hint = "scribe needs a git executable on PATH"
	case errors.Is(err, ux.ErrNotInteractive):
		hint = "pass --yes to confirm without a prompt"
	case errors.Is(err, lock.ErrLocked):
		hint = "another scribe command is running on this project"
	case errors.Is(err, transaction.ErrStoreCorrupt):
		hint = "inspect .scribe/history with git --git-dir; scribe does not repair it automatically"
	}
	if hint == "" {
		return
	}
	if p.Machine() {
		fmt.Fprintln(w, "HINT: "+hint)
		return
	}
	p.Muted("hint: " + hint)
}
