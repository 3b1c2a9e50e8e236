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
	"errors"
	"fmt"
	"io"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
)

// ErrNotInteractive is returned when a prompt is needed but no terminal
// is attached. Commands report it with a hint to pass --yes.
var ErrNotInteractive = errors.New("confirmation required but no terminal is attached")

// ErrAborted is returned when the user cancels a prompt with ctrl+c or esc.
var ErrAborted = errors.New("prompt aborted")

// ConfirmOptions configures Confirm.
type ConfirmOptions struct {
	// Title is the question, e.g. "Roll back change 3f2a?".
	Title string

	// Description is shown under the title; truncated to one screen line.
	Description string

	// AssumeYes skips the prompt and answers yes.
	AssumeYes bool

	// Interactive overrides terminal detection. Nil uses IsInteractive().
	Interactive *bool

	// Input and Output override the terminal streams.
	Input  io.Reader
	Output io.Writer
}

// Confirm asks a yes/no question.
//
// # Outputs
//
//   - bool: The answer. Defaults to no.
//   - error: ErrNotInteractive without a terminal, ErrAborted if the user
//     cancels.
func Confirm(opts ConfirmOptions) (bool, error) {
	if opts.AssumeYes {
		return true, nil
	}
	interactive := IsInteractive()
	if opts.Interactive != nil {
		interactive = *opts.Interactive
	}
	if !interactive {
		return false, ErrNotInteractive
	}

	answer := false
	confirm := huh.NewConfirm().
		Title(opts.Title).
		Affirmative("Yes").
		Negative("No").
		Value(&answer)
	if opts.Description != "" {
		confirm = confirm.Description(truncate(opts.Description, 72))
	}

	form := huh.NewForm(huh.NewGroup(confirm)).WithTheme(scribeTheme())
	if opts.Input != nil {
		form = form.WithInput(opts.Input)
	}
	if opts.Output != nil {
		form = form.WithOutput(opts.Output)
	}

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return false, ErrAborted
		}
		return false, fmt.Errorf("prompt: %w", err)
	}
	return answer, nil
}

// scribeTheme returns the huh theme matching Styles.
func scribeTheme() *huh.Theme {
	theme := huh.ThemeBase()

	theme.Focused.Title = theme.Focused.Title.Foreground(ColorQuill).Bold(true)
	theme.Focused.Description = theme.Focused.Description.Foreground(ColorSlate)
	theme.Focused.Base = theme.Focused.Base.BorderForeground(ColorMargin)
	theme.Focused.FocusedButton = theme.Focused.FocusedButton.
		Foreground(lipgloss.Color("#0F1923")).
		Background(ColorInk)
	theme.Focused.BlurredButton = theme.Focused.BlurredButton.Foreground(ColorSlate)

	theme.Blurred = theme.Focused
	theme.Blurred.Base = theme.Blurred.Base.BorderStyle(lipgloss.HiddenBorder())

	return theme
}

// truncate shortens s to maxLen runes, ending in "...".
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return "..."
	}
	return string(r[:maxLen-3]) + "..."
}
