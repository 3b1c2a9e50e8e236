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
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/AleutianAI/scribe/pkg/ux"
	"github.com/AleutianAI/scribe/services/scribe/backup"
	"github.com/AleutianAI/scribe/services/scribe/transaction"
)

type initOutput struct {
	Created    bool     `json:"created"`
	RootCommit string   `json:"root_commit"`
	HistoryDir string   `json:"history_dir"`
	Warnings   []string `json:"warnings,omitempty"`
}

type backupOutput struct {
	File       string `json:"file"`
	BackupPath string `json:"backup_path"`
}

// emit writes v as JSON in --json mode and calls human otherwise.
func (a *app) emit(v any, human func()) error {
	if !a.opts.json {
		human()
		return nil
	}
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	return nil
}

// renderTable prints rows as a bordered table, or tab-separated in
// machine mode.
func (a *app) renderTable(headers []string, rows [][]string) {
	if a.printer.Machine() {
		fmt.Fprintln(a.stdout, strings.Join(headers, "\t"))
		for _, r := range rows {
			fmt.Fprintln(a.stdout, strings.Join(r, "\t"))
		}
		return
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(ux.ColorMargin)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return ux.Styles.Title.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
	fmt.Fprintln(a.stdout, t.Render())
}

func (a *app) renderChanges(entries []transaction.ChangeEntry) {
	if len(entries) == 0 {
		a.printer.Info("no changes recorded")
		return
	}
	rows := make([][]string, 0, len(entries))
	active := 0
	for _, e := range entries {
		if e.Status == transaction.StatusActive {
			active++
		}
		rows = append(rows, []string{
			e.EntryID,
			string(e.Status),
			e.RelPath,
			itemLabel(e),
			e.CreatedAt.Local().Format(time.DateTime),
		})
	}
	a.renderTable([]string{"ENTRY", "STATUS", "FILE", "ITEM", "RECORDED"}, rows)
	a.printer.Summary("active", active, "rolled back", len(entries)-active)
}

func (a *app) renderSessions(sessions []transaction.SessionInfo) {
	if len(sessions) == 0 {
		a.printer.Info("no sessions")
		return
	}
	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		rows = append(rows, []string{
			s.SessionID,
			string(s.State),
			fmt.Sprintf("%d/%d", s.Active, s.Changes),
			shortID(s.BaseCommit),
			shortID(s.SquashCommit),
		})
	}
	a.renderTable([]string{"SESSION", "STATE", "ACTIVE", "BASE", "SQUASH"}, rows)
}

func (a *app) renderBackups(infos []backup.Info) {
	if len(infos) == 0 {
		a.printer.Info("no backups")
		return
	}
	rows := make([][]string, 0, len(infos))
	for _, b := range infos {
		rows = append(rows, []string{
			b.OriginalName,
			b.CreatedAt.Local().Format(time.DateTime),
			fmt.Sprintf("%d", b.Size),
			b.Path,
		})
	}
	a.renderTable([]string{"FILE", "CREATED", "BYTES", "PATH"}, rows)
}

func (a *app) renderRollback(r *transaction.RollbackResult) {
	switch r.Status {
	case transaction.RollbackApplied:
		msg := "rolled back change to " + r.FilePath
		if r.Rewritten > 0 {
			msg += fmt.Sprintf(" (%d commits rewritten)", r.Rewritten)
		}
		a.printer.Success(msg)
	case transaction.RollbackAlreadyDone:
		a.printer.Info("change " + r.EntryID + " was already rolled back")
	case transaction.RollbackNotFound:
		a.printer.Error("no change with id " + r.EntryID)
	case transaction.RollbackUnsupported:
		a.printer.Error("rollback unsupported: " + r.Message)
	default:
		a.printer.Error("rollback failed: " + r.Message)
	}
	if r.Message != "" && r.Status == transaction.RollbackApplied {
		a.printer.Muted(r.Message)
	}
}

func (a *app) renderDiff(d *transaction.ChangeDiff, statOnly bool) {
	e := d.Entry
	a.printer.Title(e.RelPath)
	a.printer.KeyValue("entry", e.EntryID)
	a.printer.KeyValue("session", e.SessionID)
	a.printer.KeyValue("status", string(e.Status))
	if label := itemLabel(e); label != "" {
		a.printer.KeyValue("item", label)
	}
	a.printer.KeyValue("recorded", e.CreatedAt.Local().Format(time.DateTime))
	a.printer.Summary("added", d.Added, "deleted", d.Deleted)
	if statOnly {
		return
	}
	if d.Patch == "" {
		a.printer.Muted("no content change")
		return
	}
	a.printer.Patch(d.Patch)
}

func itemLabel(e transaction.ChangeEntry) string {
	parts := make([]string, 0, 3)
	for _, s := range []string{e.ItemType, e.ItemName} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	label := strings.Join(parts, " ")
	if e.Language != "" {
		if label == "" {
			return e.Language
		}
		label += " (" + e.Language + ")"
	}
	return label
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
