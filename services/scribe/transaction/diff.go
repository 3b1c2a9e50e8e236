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
	"fmt"
	"strings"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/AleutianAI/scribe/services/scribe/vcs"
)

const devNull = "/dev/null"

// relabelPatch rewrites the headers of a single-file patch so that both
// sides carry rel instead of object ids, and counts changed lines.
func relabelPatch(raw, rel string, from, to vcs.FileState) (string, int, int, error) {
	if strings.TrimSpace(raw) == "" {
		return "", 0, 0, nil
	}
	fd, err := diff.ParseFileDiff([]byte(raw))
	if err != nil {
		return "", 0, 0, fmt.Errorf("parsing diff of %s: %w", rel, err)
	}

	fd.OrigName, fd.NewName = "a/"+rel, "b/"+rel
	fd.OrigTime, fd.NewTime = nil, nil
	if !from.Exists() {
		fd.OrigName = devNull
	}
	if !to.Exists() {
		fd.NewName = devNull
	}
	fd.Extended = extendedHeader(rel, from, to)

	added, deleted := 0, 0
	for _, hunk := range fd.Hunks {
		for _, line := range strings.Split(string(hunk.Body), "\n") {
			switch {
			case strings.HasPrefix(line, "+"):
				added++
			case strings.HasPrefix(line, "-"):
				deleted++
			}
		}
	}

	out, err := diff.PrintFileDiff(fd)
	if err != nil {
		return "", 0, 0, fmt.Errorf("printing diff of %s: %w", rel, err)
	}
	return string(out), added, deleted, nil
}

func extendedHeader(rel string, from, to vcs.FileState) []string {
	ext := []string{fmt.Sprintf("diff --git a/%s b/%s", rel, rel)}
	index := fmt.Sprintf("index %s..%s", abbrev(from.Blob), abbrev(to.Blob))
	switch {
	case !from.Exists():
		ext = append(ext, "new file mode "+to.Mode)
	case !to.Exists():
		ext = append(ext, "deleted file mode "+from.Mode)
	case from.Mode != to.Mode:
		ext = append(ext, "old mode "+from.Mode, "new mode "+to.Mode)
	default:
		index += " " + from.Mode
	}
	return append(ext, index)
}

func abbrev(id string) string {
	if id == "" {
		return "0000000"
	}
	if len(id) > 7 {
		return id[:7]
	}
	return id
}
