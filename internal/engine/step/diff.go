// Copyright 2025 The Maestro Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package step

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// fileDiff is one file's worth of a unified diff.
type fileDiff struct {
	Path     string
	OldPath  string
	IsNew    bool
	IsDelete bool
	Hunks    []hunk
}

type hunk struct {
	OldStart int
	OldCount int
	NewStart int
	NewCount int
	Lines    []diffLine
}

type diffLine struct {
	Op   byte // ' ', '+', '-'
	Text string
}

var hunkHeader = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// parseUnifiedDiff extracts file diffs from persona output, tolerating
// surrounding prose and markdown fences.
func parseUnifiedDiff(text string) ([]fileDiff, error) {
	lines := strings.Split(text, "\n")
	var diffs []fileDiff
	var current *fileDiff
	var currentHunk *hunk

	flushHunk := func() {
		if current != nil && currentHunk != nil {
			current.Hunks = append(current.Hunks, *currentHunk)
			currentHunk = nil
		}
	}
	flushFile := func() {
		flushHunk()
		if current != nil && (len(current.Hunks) > 0 || current.IsNew || current.IsDelete) {
			diffs = append(diffs, *current)
		}
		current = nil
	}
	// hunkOpen reports whether the open hunk still expects lines per its header.
	hunkOpen := func() bool {
		oldN, newN := 0, 0
		for _, l := range currentHunk.Lines {
			if l.Op != '+' {
				oldN++
			}
			if l.Op != '-' {
				newN++
			}
		}
		return oldN < currentHunk.OldCount || newN < currentHunk.NewCount
	}

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		switch {
		case strings.HasPrefix(line, "--- "):
			flushFile()
			oldPath := strings.TrimSpace(strings.TrimPrefix(line, "--- "))
			if i+1 >= len(lines) || !strings.HasPrefix(lines[i+1], "+++ ") {
				continue
			}
			newPath := strings.TrimSpace(strings.TrimPrefix(lines[i+1], "+++ "))
			i++
			current = &fileDiff{
				OldPath:  stripDiffPrefix(oldPath),
				Path:     stripDiffPrefix(newPath),
				IsNew:    oldPath == "/dev/null",
				IsDelete: newPath == "/dev/null",
			}
			if current.IsDelete {
				current.Path = current.OldPath
			}
		case current != nil && strings.HasPrefix(line, "@@"):
			m := hunkHeader.FindStringSubmatch(line)
			if m == nil {
				return nil, fmt.Errorf("malformed hunk header: %s", line)
			}
			flushHunk()
			h := hunk{
				OldStart: atoiDefault(m[1], 1),
				OldCount: atoiDefault(m[2], 1),
				NewStart: atoiDefault(m[3], 1),
				NewCount: atoiDefault(m[4], 1),
			}
			currentHunk = &h
		case currentHunk != nil && len(line) > 0 && (line[0] == ' ' || line[0] == '+' || line[0] == '-'):
			currentHunk.Lines = append(currentHunk.Lines, diffLine{Op: line[0], Text: line[1:]})
		case currentHunk != nil && line == "" && hunkOpen():
			// An empty line inside a hunk is an empty context line.
			currentHunk.Lines = append(currentHunk.Lines, diffLine{Op: ' ', Text: ""})
		case currentHunk != nil && strings.HasPrefix(line, `\ No newline`):
			// Marker only; nothing to record.
		default:
			// Prose between files ends any open hunk.
			if currentHunk != nil {
				flushHunk()
			}
		}
	}
	flushFile()

	if len(diffs) == 0 {
		return nil, fmt.Errorf("no unified diff found in output")
	}
	return diffs, nil
}

func stripDiffPrefix(p string) string {
	if p == "/dev/null" {
		return p
	}
	for _, prefix := range []string{"a/", "b/"} {
		if strings.HasPrefix(p, prefix) {
			return p[len(prefix):]
		}
	}
	return p
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// applyFileDiff applies fd's hunks to content, returning the new
// content. Hunks are applied bottom-up so earlier offsets stay valid.
// Context mismatches at the declared position trigger a nearby search.
func applyFileDiff(fd fileDiff, content string) (string, error) {
	if fd.IsNew {
		var b strings.Builder
		for _, h := range fd.Hunks {
			for _, l := range h.Lines {
				if l.Op == '+' {
					b.WriteString(l.Text)
					b.WriteByte('\n')
				}
			}
		}
		return b.String(), nil
	}
	if fd.IsDelete {
		return "", nil
	}

	lines := splitKeepingTrailing(content)
	for i := len(fd.Hunks) - 1; i >= 0; i-- {
		h := fd.Hunks[i]
		at, err := locateHunk(lines, h)
		if err != nil {
			return "", fmt.Errorf("%s: %w", fd.Path, err)
		}
		var replacement []string
		consumed := 0
		for _, l := range h.Lines {
			switch l.Op {
			case ' ':
				replacement = append(replacement, l.Text)
				consumed++
			case '-':
				consumed++
			case '+':
				replacement = append(replacement, l.Text)
			}
		}
		updated := make([]string, 0, len(lines)-consumed+len(replacement))
		updated = append(updated, lines[:at]...)
		updated = append(updated, replacement...)
		updated = append(updated, lines[at+consumed:]...)
		lines = updated
	}
	out := strings.Join(lines, "\n")
	if out != "" {
		out += "\n"
	}
	return out, nil
}

// locateHunk finds the 0-based index where h's old lines match,
// preferring the declared position and searching outward on mismatch.
func locateHunk(lines []string, h hunk) (int, error) {
	var oldLines []string
	for _, l := range h.Lines {
		if l.Op == ' ' || l.Op == '-' {
			oldLines = append(oldLines, l.Text)
		}
	}
	want := h.OldStart - 1
	if want < 0 {
		want = 0
	}
	if matchesAt(lines, oldLines, want) {
		return want, nil
	}
	for radius := 1; radius <= 50; radius++ {
		if matchesAt(lines, oldLines, want-radius) {
			return want - radius, nil
		}
		if matchesAt(lines, oldLines, want+radius) {
			return want + radius, nil
		}
	}
	return 0, fmt.Errorf("hunk @@ -%d,%d @@ does not apply", h.OldStart, h.OldCount)
}

func matchesAt(lines, oldLines []string, at int) bool {
	if at < 0 || at+len(oldLines) > len(lines) {
		return false
	}
	for i, want := range oldLines {
		if lines[at+i] != want {
			return false
		}
	}
	return true
}

// splitKeepingTrailing splits on newlines without inventing a trailing
// empty element for content ending in a newline.
func splitKeepingTrailing(content string) []string {
	if content == "" {
		return nil
	}
	lines := strings.Split(content, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
