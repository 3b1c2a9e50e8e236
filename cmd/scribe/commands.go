// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/scribe/pkg/ux"
	"github.com/AleutianAI/scribe/services/scribe/backup"
	"github.com/AleutianAI/scribe/services/scribe/transaction"
)

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the private version store",
		Args:  cobra.NoArgs,
		RunE: a.run(mutating, func(ctx context.Context, cmd *cobra.Command, args []string) error {
			result, err := a.manager.Init(ctx)
			if err != nil {
				return err
			}
			return a.emit(initOutput{
				Created:    result.Created,
				RootCommit: result.RootCommit,
				HistoryDir: a.layout.HistoryDir,
				Warnings:   result.Warnings,
			}, func() {
				if result.Created {
					a.printer.Success("initialized scribe store in " + a.layout.HistoryDir)
				} else {
					a.printer.Success("scribe store already initialized")
				}
				for _, w := range result.Warnings {
					a.printer.Warning(w)
				}
			})
		}),
	}
}

func newBeginCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "begin [session]",
		Short: "Start a session; a random id is used when none is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: a.run(mutating, func(ctx context.Context, cmd *cobra.Command, args []string) error {
			id := uuid.New().String()
			if len(args) == 1 {
				id = args[0]
			}
			manifest, err := a.manager.Begin(ctx, id)
			if err != nil {
				return err
			}
			return a.emit(manifest, func() {
				a.printer.Success("session " + manifest.SessionID + " started")
				a.printer.KeyValue("base", shortID(manifest.BaseCommit))
			})
		}),
	}
}

func newBackupCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "backup <session> <file>",
		Short: "Copy a file aside before editing it; prints the backup path",
		Args:  cobra.ExactArgs(2),
		RunE: a.run(readOnly, func(ctx context.Context, cmd *cobra.Command, args []string) error {
			if err := transaction.ValidateSessionID(args[0]); err != nil {
				return err
			}
			path, err := absPath(args[1])
			if err != nil {
				return err
			}
			if _, err := a.layout.Rel(path); err != nil {
				return err
			}
			backupPath, err := a.backups.Capture(args[0], path)
			if errors.Is(err, backup.ErrNothingToBackup) {
				// New files have no pre-image; record them without --backup.
				return a.emit(backupOutput{File: path}, func() {
					a.printer.Info("no backup needed: " + path + " does not exist yet")
				})
			}
			if err != nil {
				return err
			}
			return a.emit(backupOutput{File: path, BackupPath: backupPath}, func() {
				fmt.Fprintln(a.stdout, backupPath)
			})
		}),
	}
}

func newBackupsCmd(a *app) *cobra.Command {
	var prune bool
	cmd := &cobra.Command{
		Use:   "backups <session>",
		Short: "List or prune a session's pre-edit backups",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(readOnly, func(ctx context.Context, cmd *cobra.Command, args []string) error {
			if prune {
				n, err := a.backups.Prune(args[0])
				if err != nil {
					return err
				}
				return a.emit(map[string]int{"pruned": n}, func() {
					a.printer.Success(fmt.Sprintf("pruned %d backups", n))
				})
			}
			infos, err := a.backups.List(args[0])
			if err != nil {
				return err
			}
			return a.emit(infos, func() { a.renderBackups(infos) })
		}),
	}
	cmd.Flags().BoolVar(&prune, "prune", false, "delete the session's backups")
	return cmd
}

func newRecordCmd(a *app) *cobra.Command {
	var req transaction.WriteRequest
	cmd := &cobra.Command{
		Use:   "record <session> <file>",
		Short: "Record a write already made to a file",
		Long: `Record a write already made to a file.

--backup names the copy taken before the edit (see 'scribe backup'). Omit it
when the write created the file. A file that no longer exists is recorded
as a deletion.`,
		Args: cobra.ExactArgs(2),
		RunE: a.run(mutating, func(ctx context.Context, cmd *cobra.Command, args []string) error {
			manifest, err := a.manager.Resume(ctx, args[0])
			if err != nil {
				return err
			}
			if req.FilePath, err = absPath(args[1]); err != nil {
				return err
			}
			if req.BackupPath, err = absPath(req.BackupPath); err != nil {
				return err
			}
			entry, err := a.manager.RecordWrite(ctx, manifest, req)
			if err != nil {
				return err
			}
			return a.emit(entry, func() {
				a.printer.Success("recorded " + entry.RelPath)
				a.printer.KeyValue("entry", entry.EntryID)
			})
		}),
	}
	cmd.Flags().StringVar(&req.BackupPath, "backup", "", "pre-edit backup of the file")
	cmd.Flags().StringVar(&req.ItemName, "item", "", "name of the edited item")
	cmd.Flags().StringVar(&req.ItemType, "type", "", "kind of the edited item, e.g. function")
	cmd.Flags().StringVar(&req.Language, "language", "", "language of the file")
	return cmd
}

func newCommitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "commit <session>",
		Short: "Squash a session's changes onto the main line",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(mutating, func(ctx context.Context, cmd *cobra.Command, args []string) error {
			manifest, err := a.manifestFor(ctx, args[0])
			if err != nil {
				return err
			}
			result, err := a.manager.Commit(ctx, manifest)
			if err != nil {
				return err
			}
			return a.emit(result, func() {
				switch {
				case result.AlreadyCommitted:
					a.printer.Info("session " + result.SessionID + " was already committed")
				case result.Empty:
					a.printer.Success("session " + result.SessionID + " committed with no changes")
				default:
					a.printer.Success(fmt.Sprintf("session %s committed: %d changes", result.SessionID, result.Changes))
				}
				if result.CommitID != "" {
					a.printer.KeyValue("commit", shortID(result.CommitID))
				}
			})
		}),
	}
}

// manifestFor returns the manifest of a session in any state, so that
// committing twice reports the earlier result.
func (a *app) manifestFor(ctx context.Context, sessionID string) (*transaction.Manifest, error) {
	manifest, err := a.manager.Resume(ctx, sessionID)
	if !errors.Is(err, transaction.ErrSessionCommitted) {
		return manifest, err
	}
	sessions, serr := a.manager.Sessions(ctx)
	if serr != nil {
		return nil, serr
	}
	for _, s := range sessions {
		if s.SessionID == sessionID {
			return &transaction.Manifest{SessionID: s.SessionID, BaseCommit: s.BaseCommit}, nil
		}
	}
	return nil, err
}

// errRollback reports a rollback that did not leave the change rolled back.
var errRollback = errors.New("rollback did not apply")

func newRollbackCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "rollback <entry-id>",
		Short: "Undo one recorded change",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(mutating, func(ctx context.Context, cmd *cobra.Command, args []string) error {
			entryID := args[0]

			// Unknown ids skip the prompt; Rollback reports them.
			if diff, err := a.manager.ChangeDiff(ctx, entryID); err == nil {
				if diff.Entry.Status == transaction.StatusActive {
					ok, err := ux.Confirm(ux.ConfirmOptions{
						Title:       fmt.Sprintf("Roll back change to %s?", diff.Entry.RelPath),
						Description: fmt.Sprintf("session %s, +%d -%d lines", diff.Entry.SessionID, diff.Added, diff.Deleted),
						AssumeYes:   yes,
					})
					if err != nil {
						return err
					}
					if !ok {
						a.printer.Info("rollback cancelled")
						return nil
					}
				}
			} else if !errors.Is(err, transaction.ErrEntryNotFound) {
				return err
			}

			result, err := a.manager.Rollback(ctx, entryID)
			if result == nil {
				return err
			}
			if eerr := a.emit(result, func() { a.renderRollback(result) }); eerr != nil {
				return eerr
			}
			if err != nil {
				return err
			}
			switch result.Status {
			case transaction.RollbackApplied, transaction.RollbackAlreadyDone:
				return nil
			default:
				return fmt.Errorf("%w: %s", errRollback, result.Status)
			}
		}),
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func newChangesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "changes <session>",
		Short: "List a session's recorded changes, rolled back ones included",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(readOnly, func(ctx context.Context, cmd *cobra.Command, args []string) error {
			entries, err := a.manager.ListSessionChanges(ctx, args[0])
			if err != nil {
				return err
			}
			if entries == nil {
				entries = []transaction.ChangeEntry{}
			}
			return a.emit(entries, func() { a.renderChanges(entries) })
		}),
	}
}

func newSessionsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List sessions",
		Args:  cobra.NoArgs,
		RunE: a.run(readOnly, func(ctx context.Context, cmd *cobra.Command, args []string) error {
			sessions, err := a.manager.Sessions(ctx)
			if err != nil {
				return err
			}
			if sessions == nil {
				sessions = []transaction.SessionInfo{}
			}
			return a.emit(sessions, func() { a.renderSessions(sessions) })
		}),
	}
}

func newShowCmd(a *app) *cobra.Command {
	var stat bool
	cmd := &cobra.Command{
		Use:   "show <entry-id>",
		Short: "Show the diff of one recorded change",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(readOnly, func(ctx context.Context, cmd *cobra.Command, args []string) error {
			diff, err := a.manager.ChangeDiff(ctx, args[0])
			if err != nil {
				return err
			}
			return a.emit(diff, func() { a.renderDiff(diff, stat) })
		}),
	}
	cmd.Flags().BoolVar(&stat, "stat", false, "show only line counts")
	return cmd
}

func newReindexCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the entry index from history",
		Args:  cobra.NoArgs,
		RunE: a.run(mutating, func(ctx context.Context, cmd *cobra.Command, args []string) error {
			if a.index == nil {
				return errors.New("entry index is disabled or unavailable")
			}
			n, err := a.manager.Reindex(ctx)
			if err != nil {
				return err
			}
			return a.emit(map[string]int{"indexed": n}, func() {
				a.printer.Success(fmt.Sprintf("indexed %d changes", n))
			})
		}),
	}
}
