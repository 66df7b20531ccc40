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

// Package summarize produces the minimal repository scan that backs
// ContextStep's artifacts: a file listing with sizes and mtimes, an
// extension-based language histogram, and a short Markdown summary.
package summarize

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/maestrohq/maestro/internal/domain"
)

// DefaultExcludes are the glob patterns whose files never invalidate
// context reuse and are skipped by the scan.
var DefaultExcludes = []string{".ma/**", "node_modules/**", ".git/**", "vendor/**", "dist/**"}

var languageByExt = map[string]string{
	".go":   "go",
	".ts":   "typescript",
	".tsx":  "typescript",
	".js":   "javascript",
	".jsx":  "javascript",
	".py":   "python",
	".rb":   "ruby",
	".rs":   "rust",
	".java": "java",
	".kt":   "kotlin",
	".c":    "c",
	".h":    "c",
	".cpp":  "cpp",
	".cs":   "csharp",
	".sh":   "shell",
	".yaml": "yaml",
	".yml":  "yaml",
	".json": "json",
	".md":   "markdown",
	".sql":  "sql",
	".html": "html",
	".css":  "css",
}

// Excluded reports whether rel matches any exclude pattern.
func Excluded(rel string, excludes []string) bool {
	rel = filepath.ToSlash(rel)
	for _, pattern := range excludes {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// Scan walks repoRoot and builds a snapshot, skipping excluded paths.
func Scan(repoRoot string, excludes []string) (*domain.RepoSnapshot, error) {
	if len(excludes) == 0 {
		excludes = DefaultExcludes
	}
	snap := &domain.RepoSnapshot{
		GeneratedAt: time.Now().UTC(),
		Languages:   map[string]int{},
		Excluded:    excludes,
	}
	err := filepath.WalkDir(repoRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, rerr := filepath.Rel(repoRoot, path)
		if rerr != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if Excluded(rel+"/", excludes) || Excluded(rel, excludes) {
				return fs.SkipDir
			}
			return nil
		}
		if Excluded(rel, excludes) {
			return nil
		}
		info, ierr := d.Info()
		if ierr != nil {
			return nil
		}
		snap.Files = append(snap.Files, domain.FileSummary{Path: rel, Bytes: info.Size(), Mtime: info.ModTime()})
		if lang, ok := languageByExt[strings.ToLower(filepath.Ext(rel))]; ok {
			snap.Languages[lang]++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(snap.Files, func(i, j int) bool { return snap.Files[i].Path < snap.Files[j].Path })
	return snap, nil
}

// NewestMtime returns the most recent mtime among the snapshot-eligible
// files currently on disk (excluded paths do not count). Used for the
// reuse-invalidation check.
func NewestMtime(repoRoot string, excludes []string) (time.Time, error) {
	if len(excludes) == 0 {
		excludes = DefaultExcludes
	}
	var newest time.Time
	err := filepath.WalkDir(repoRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, rerr := filepath.Rel(repoRoot, path)
		if rerr != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if Excluded(rel+"/", excludes) || Excluded(rel, excludes) {
				return fs.SkipDir
			}
			return nil
		}
		if Excluded(rel, excludes) {
			return nil
		}
		info, ierr := d.Info()
		if ierr != nil {
			return nil
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		return nil
	})
	return newest, err
}

// RenderSummary writes a human-readable Markdown digest of a snapshot.
func RenderSummary(snap *domain.RepoSnapshot) string {
	var b strings.Builder
	b.WriteString("# Repository context\n\n")
	fmt.Fprintf(&b, "Scanned %d files at %s.\n\n", len(snap.Files), snap.GeneratedAt.Format(time.RFC3339))

	if len(snap.Languages) > 0 {
		b.WriteString("## Languages\n\n")
		langs := make([]string, 0, len(snap.Languages))
		for l := range snap.Languages {
			langs = append(langs, l)
		}
		sort.Slice(langs, func(i, j int) bool {
			if snap.Languages[langs[i]] != snap.Languages[langs[j]] {
				return snap.Languages[langs[i]] > snap.Languages[langs[j]]
			}
			return langs[i] < langs[j]
		})
		for _, l := range langs {
			fmt.Fprintf(&b, "- %s: %d files\n", l, snap.Languages[l])
		}
		b.WriteString("\n")
	}

	b.WriteString("## Entry points\n\n")
	found := false
	for _, f := range snap.Files {
		base := filepath.Base(f.Path)
		switch base {
		case "main.go", "index.ts", "index.js", "main.py", "Makefile", "go.mod", "package.json":
			fmt.Fprintf(&b, "- %s\n", f.Path)
			found = true
		}
	}
	if !found {
		b.WriteString("- none detected\n")
	}
	return b.String()
}

// RenderNDJSON emits one JSON object per file line for .ma/context/files.ndjson.
func RenderNDJSON(snap *domain.RepoSnapshot) string {
	var b strings.Builder
	for _, f := range snap.Files {
		fmt.Fprintf(&b, `{"path":%q,"bytes":%d,"mtime":%q}`+"\n", f.Path, f.Bytes, f.Mtime.UTC().Format(time.RFC3339Nano))
	}
	return b.String()
}
