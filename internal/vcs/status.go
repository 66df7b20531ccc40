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

package vcs

import (
	"context"
	"strings"
)

// StatusEntry is one line of porcelain status output.
type StatusEntry struct {
	Staged   byte   `json:"staged"`
	Unstaged byte   `json:"unstaged"`
	Path     string `json:"path"`
}

// StatusSummary tallies a working tree's porcelain entries.
type StatusSummary struct {
	Staged    int `json:"staged"`
	Unstaged  int `json:"unstaged"`
	Untracked int `json:"untracked"`
	Total     int `json:"total"`
}

// WorkingTreeStatus is the parsed `status --porcelain --branch` output.
type WorkingTreeStatus struct {
	Dirty   bool          `json:"dirty"`
	Branch  string        `json:"branch"`
	Entries []StatusEntry `json:"entries"`
	Summary StatusSummary `json:"summary"`
}

// DescribeWorkingTree parses porcelain status into a structured record.
func (d *Driver) DescribeWorkingTree(ctx context.Context) (*WorkingTreeStatus, error) {
	res, err := d.Run(ctx, []string{"status", "--porcelain", "--branch"}, RunOptions{})
	if err != nil {
		return nil, err
	}

	st := &WorkingTreeStatus{}
	for _, line := range strings.Split(res.Stdout, "\n") {
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "## ") {
			branch := strings.TrimPrefix(line, "## ")
			// "main...origin/main [ahead 1]" → "main"
			if i := strings.Index(branch, "..."); i >= 0 {
				branch = branch[:i]
			}
			if i := strings.Index(branch, " "); i >= 0 {
				branch = branch[:i]
			}
			st.Branch = branch
			continue
		}
		if len(line) < 4 {
			continue
		}
		entry := StatusEntry{Staged: line[0], Unstaged: line[1], Path: line[3:]}
		st.Entries = append(st.Entries, entry)
		st.Summary.Total++
		switch {
		case entry.Staged == '?' && entry.Unstaged == '?':
			st.Summary.Untracked++
		default:
			if entry.Staged != ' ' {
				st.Summary.Staged++
			}
			if entry.Unstaged != ' ' {
				st.Summary.Unstaged++
			}
		}
	}
	st.Dirty = st.Summary.Total > 0
	return st, nil
}
