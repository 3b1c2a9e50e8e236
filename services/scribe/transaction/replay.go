// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transaction

import (
	"github.com/AleutianAI/scribe/services/scribe/vcs"
)

// snapshotWrite is one recorded whole-file state.
type snapshotWrite struct {
	Path  string
	State vcs.FileState
}

// replay applies writes in order on top of base and returns the resulting
// states. Granularity is the whole file, so the last write to a path wins.
// base is not modified.
func replay(base map[string]vcs.FileState, writes []snapshotWrite) map[string]vcs.FileState {
	out := make(map[string]vcs.FileState, len(base)+len(writes))
	for p, st := range base {
		out[p] = st
	}
	for _, w := range writes {
		out[w.Path] = w.State
	}
	return out
}

// entryPaths lists the paths of entries in order.
func entryPaths(entries []ChangeEntry) []string {
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		paths = append(paths, e.RelPath)
	}
	return paths
}

// lastWriteIndex returns the index of the last occurrence of path, or -1.
func lastWriteIndex(paths []string, path string) int {
	for i := len(paths) - 1; i >= 0; i-- {
		if paths[i] == path {
			return i
		}
	}
	return -1
}

// touchedPaths returns the distinct paths in first-touch order.
func touchedPaths(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	var out []string
	for _, p := range paths {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}
