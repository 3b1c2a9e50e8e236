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
	"bytes"
	"errors"
	"strings"
	"testing"
)

// =============================================================================
// Personality Tests
// =============================================================================

func TestParsePersonalityLevel(t *testing.T) {
	tests := []struct {
		in   string
		want PersonalityLevel
	}{
		{"standard", PersonalityStandard},
		{"MIN", PersonalityMinimal},
		{"machine", PersonalityMachine},
		{"json", PersonalityMachine},
		{"q", PersonalityMachine},
		{"nonsense", PersonalityStandard},
		{"", PersonalityStandard},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParsePersonalityLevel(tt.in); got != tt.want {
				t.Errorf("ParsePersonalityLevel(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSetPersonalityLevel(t *testing.T) {
	orig := GetPersonalityLevel()
	defer SetPersonalityLevel(orig)

	SetPersonalityLevel(PersonalityMinimal)
	if got := GetPersonalityLevel(); got != PersonalityMinimal {
		t.Errorf("GetPersonalityLevel() = %q, want minimal", got)
	}
}

func TestInitPersonality_Environment(t *testing.T) {
	orig := GetPersonalityLevel()
	defer SetPersonalityLevel(orig)

	t.Setenv("SCRIBE_PERSONALITY", "machine")
	InitPersonality()
	if got := GetPersonalityLevel(); got != PersonalityMachine {
		t.Errorf("GetPersonalityLevel() = %q, want machine", got)
	}
}

func TestIsTerminal_Nil(t *testing.T) {
	if IsTerminal(nil) {
		t.Error("nil file should not be a terminal")
	}
}

// =============================================================================
// Icon Tests
// =============================================================================

func TestIcon_Render(t *testing.T) {
	for _, icon := range []Icon{IconSuccess, IconWarning, IconError, IconPending} {
		if !strings.Contains(icon.Render(), string(icon)) {
			t.Errorf("Render() of %q lost the glyph: %q", icon, icon.Render())
		}
	}
	for _, icon := range []Icon{IconArrow, IconBullet} {
		if icon.Render() != string(icon) {
			t.Errorf("expected %q unstyled, got %q", icon, icon.Render())
		}
	}
}

// =============================================================================
// Printer Tests
// =============================================================================

func TestPrinter_MachineMode(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf).WithLevel(PersonalityMachine)

	p.Title("Changes")
	p.Muted("hint")
	p.Success("committed")
	p.Warning("skipped restore")
	p.Error("rollback failed")
	p.Info("plain")
	p.KeyValue("session", "s1")
	p.Summary("active", 2, "rolled_back", 1)

	want := strings.Join([]string{
		"OK: committed",
		"WARN: skipped restore",
		"ERROR: rollback failed",
		"plain",
		"session=s1",
		"SUMMARY: active=2 rolled_back=1",
	}, "\n") + "\n"
	if got := buf.String(); got != want {
		t.Errorf("machine output:\n%s\nwant:\n%s", got, want)
	}
	if !p.Machine() {
		t.Error("Machine() = false, want true")
	}
}

func TestPrinter_MinimalMode(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf).WithLevel(PersonalityMinimal)

	p.Success("done")
	p.Error("bad")

	out := buf.String()
	if !strings.Contains(out, "✓ done") {
		t.Errorf("missing success line: %q", out)
	}
	if !strings.Contains(out, "✗ bad") {
		t.Errorf("missing error line: %q", out)
	}
}

func TestPrinter_StandardMode(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf).WithLevel(PersonalityStandard)

	p.Title("Sessions")
	p.Box("Change", "a.go")
	p.KeyValue("status", "active")

	out := buf.String()
	for _, want := range []string{"Sessions", "Change", "a.go", "status:", "active"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %q", want, out)
		}
	}
}

func TestPrinter_Patch(t *testing.T) {
	patch := "--- a/f.txt\n+++ b/f.txt\n@@ -1 +1 @@\n-old\n+new\n"

	t.Run("machine is verbatim", func(t *testing.T) {
		var buf bytes.Buffer
		NewPrinter(&buf).WithLevel(PersonalityMachine).Patch(patch)
		if buf.String() != patch {
			t.Errorf("Patch() = %q, want %q", buf.String(), patch)
		}
	})

	t.Run("standard keeps every line", func(t *testing.T) {
		var buf bytes.Buffer
		NewPrinter(&buf).WithLevel(PersonalityStandard).Patch(patch)
		for _, line := range []string{"-old", "+new", "@@ -1 +1 @@"} {
			if !strings.Contains(buf.String(), line) {
				t.Errorf("missing %q in %q", line, buf.String())
			}
		}
	})

	t.Run("adds trailing newline", func(t *testing.T) {
		var buf bytes.Buffer
		NewPrinter(&buf).WithLevel(PersonalityMinimal).Patch("+x")
		if buf.String() != "+x\n" {
			t.Errorf("Patch() = %q, want %q", buf.String(), "+x\n")
		}
	})
}

// =============================================================================
// Prompt Tests
// =============================================================================

func TestConfirm_AssumeYes(t *testing.T) {
	ok, err := Confirm(ConfirmOptions{Title: "Roll back?", AssumeYes: true})
	if err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}
	if !ok {
		t.Error("Confirm() = false, want true")
	}
}

func TestConfirm_NotInteractive(t *testing.T) {
	interactive := false
	ok, err := Confirm(ConfirmOptions{Title: "Roll back?", Interactive: &interactive})
	if !errors.Is(err, ErrNotInteractive) {
		t.Errorf("Confirm() error = %v, want ErrNotInteractive", err)
	}
	if ok {
		t.Error("Confirm() = true, want false")
	}
}

func TestScribeTheme(t *testing.T) {
	if scribeTheme() == nil {
		t.Fatal("scribeTheme returned nil")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in     string
		maxLen int
		want   string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello world this is a long string", 10, "hello w..."},
		{"hello", 3, "..."},
		{"", 10, ""},
		{"hello", 4, "h..."},
		{"héllo wörld", 8, "héllo..."},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.maxLen); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.maxLen, got, tt.want)
		}
	}
}
