// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Scribe palette
var (
	ColorInk    = lipgloss.Color("#2CD7C7") // highlights, success
	ColorQuill  = lipgloss.Color("#20B9B4") // titles
	ColorMargin = lipgloss.Color("#16858E") // borders
	ColorSlate  = lipgloss.Color("#2C4A54") // muted text

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
	ColorAdded   = lipgloss.Color("#2ECC71")
	ColorDeleted = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles.
var Styles = struct {
	Title     lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style
	Added     lipgloss.Style
	Deleted   lipgloss.Style

	Box        lipgloss.Style
	WarningBox lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorQuill),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorSlate),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorInk).Bold(true),
	Added:     lipgloss.NewStyle().Foreground(ColorAdded),
	Deleted:   lipgloss.NewStyle().Foreground(ColorDeleted),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorMargin).
		Padding(0, 1),
	WarningBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorWarning).
		Padding(0, 1),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
	IconBullet  Icon = "•"
)

// Render returns the icon with appropriate styling
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	default:
		return string(i)
	}
}

// Printer writes styled CLI output honoring the personality level.
//
// In machine mode every line is plain, prefixed where a script needs to
// tell kinds apart ("OK:", "WARN:", "ERROR:"), and decoration such as
// titles and muted hints is dropped.
type Printer struct {
	out   io.Writer
	level PersonalityLevel
}

// NewPrinter creates a Printer for w at the current personality level.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{out: w, level: GetPersonalityLevel()}
}

// WithLevel returns a copy of p using level.
func (p *Printer) WithLevel(level PersonalityLevel) *Printer {
	return &Printer{out: p.out, level: level}
}

// Machine reports whether p emits plain output.
func (p *Printer) Machine() bool {
	return p.level == PersonalityMachine
}

// Title prints a styled title. Silent in machine mode.
func (p *Printer) Title(text string) {
	if p.Machine() {
		return
	}
	fmt.Fprintln(p.out, Styles.Title.Render(text))
}

// Success prints a success line.
func (p *Printer) Success(text string) {
	switch p.level {
	case PersonalityMachine:
		fmt.Fprintf(p.out, "OK: %s\n", text)
	case PersonalityMinimal:
		fmt.Fprintf(p.out, "%s %s\n", IconSuccess, text)
	default:
		fmt.Fprintf(p.out, "%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
	}
}

// Warning prints a warning line.
func (p *Printer) Warning(text string) {
	switch p.level {
	case PersonalityMachine:
		fmt.Fprintf(p.out, "WARN: %s\n", text)
	case PersonalityMinimal:
		fmt.Fprintf(p.out, "%s %s\n", IconWarning, text)
	default:
		fmt.Fprintf(p.out, "%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
	}
}

// Error prints an error line.
func (p *Printer) Error(text string) {
	switch p.level {
	case PersonalityMachine:
		fmt.Fprintf(p.out, "ERROR: %s\n", text)
	case PersonalityMinimal:
		fmt.Fprintf(p.out, "%s %s\n", IconError, text)
	default:
		fmt.Fprintf(p.out, "%s %s\n", IconError.Render(), Styles.Error.Render(text))
	}
}

// Info prints an informational line.
func (p *Printer) Info(text string) {
	if p.Machine() {
		fmt.Fprintln(p.out, text)
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", Styles.Muted.Render("│"), text)
}

// Muted prints secondary text. Silent in machine mode.
func (p *Printer) Muted(text string) {
	if p.Machine() {
		return
	}
	fmt.Fprintln(p.out, Styles.Muted.Render(text))
}

// KeyValue prints an aligned "key: value" line.
func (p *Printer) KeyValue(key, value string) {
	if p.Machine() {
		fmt.Fprintf(p.out, "%s=%s\n", key, value)
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", Styles.Muted.Render(fmt.Sprintf("%-12s", key+":")), value)
}

// Box prints content in a rounded box under a title.
func (p *Printer) Box(title, content string) {
	if p.Machine() {
		fmt.Fprintf(p.out, "%s: %s\n", title, content)
		return
	}
	fmt.Fprintln(p.out, Styles.Box.Width(72).Render(Styles.Title.Render(title)+"\n"+content))
}

// WarningBox prints content in a warning-styled box.
func (p *Printer) WarningBox(title, content string) {
	if p.Machine() {
		fmt.Fprintf(p.out, "WARN %s: %s\n", title, content)
		return
	}
	fmt.Fprintln(p.out, Styles.WarningBox.Width(72).Render(Styles.Warning.Bold(true).Render(title)+"\n"+content))
}

// Patch prints a unified diff, coloring added and deleted lines.
func (p *Printer) Patch(patch string) {
	if p.level != PersonalityStandard {
		fmt.Fprint(p.out, patch)
		if patch != "" && !strings.HasSuffix(patch, "\n") {
			fmt.Fprintln(p.out)
		}
		return
	}
	for _, line := range strings.Split(strings.TrimSuffix(patch, "\n"), "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
			fmt.Fprintln(p.out, Styles.Bold.Render(line))
		case strings.HasPrefix(line, "+"):
			fmt.Fprintln(p.out, Styles.Added.Render(line))
		case strings.HasPrefix(line, "-"):
			fmt.Fprintln(p.out, Styles.Deleted.Render(line))
		case strings.HasPrefix(line, "@@"):
			fmt.Fprintln(p.out, Styles.Highlight.Render(line))
		default:
			fmt.Fprintln(p.out, line)
		}
	}
}

// Summary prints counts as "n label" pairs, e.g. changes by status.
func (p *Printer) Summary(pairs ...any) {
	var parts []string
	for i := 0; i+1 < len(pairs); i += 2 {
		label := fmt.Sprint(pairs[i])
		count := fmt.Sprint(pairs[i+1])
		if p.Machine() {
			parts = append(parts, label+"="+count)
			continue
		}
		parts = append(parts, Styles.Bold.Render(count)+" "+Styles.Muted.Render(label))
	}
	if p.Machine() {
		fmt.Fprintf(p.out, "SUMMARY: %s\n", strings.Join(parts, " "))
		return
	}
	fmt.Fprintln(p.out, strings.Join(parts, "  "))
}
