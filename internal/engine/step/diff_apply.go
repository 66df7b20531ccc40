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
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/maestrohq/maestro/internal/domain"
	"github.com/maestrohq/maestro/internal/engine"
)

const defaultMaxEditBytes = 1 << 20

// defaultBlockedExtensions are file kinds a diff must never touch.
var defaultBlockedExtensions = []string{".exe", ".dll", ".so", ".dylib", ".pem", ".key", ".p12", ".pfx"}

// diffApplyStep parses a unified diff from a persona output, validates
// every target path, applies the edits, and optionally commits.
type diffApplyStep struct {
	def    domain.StepDefinition
	config map[string]any
}

func newDiffApplyStep(def domain.StepDefinition, config map[string]any) (engine.Step, error) {
	return &diffApplyStep{def: def, config: config}, nil
}

func (s *diffApplyStep) Execute(ctx context.Context, wf *engine.Context) engine.StepResult {
	record := &domain.AppliedEditsRecord{}

	diffText := cfgString(s.config, "diff")
	if diffText == "" {
		return s.failWith(record, "no diff text provided")
	}
	record.Attempted = true

	diffs, err := parseUnifiedDiff(diffText)
	if err != nil {
		return s.failWith(record, err.Error())
	}

	maxBytes := cfgInt(s.config, "max_file_bytes", defaultMaxEditBytes)
	blocked := cfgStrings(s.config, "blocked_extensions")
	if blocked == nil {
		blocked = defaultBlockedExtensions
	}

	for _, fd := range diffs {
		if err := validateEditPath(wf.RepoRoot, fd.Path, blocked); err != nil {
			return s.failWith(record, err.Error())
		}
	}

	for _, fd := range diffs {
		abs := filepath.Join(wf.RepoRoot, filepath.FromSlash(fd.Path))
		var original string
		if !fd.IsNew {
			raw, rerr := os.ReadFile(abs)
			if rerr != nil {
				return s.failWith(record, fmt.Sprintf("read %s: %v", fd.Path, rerr))
			}
			if len(raw) > maxBytes {
				return s.failWith(record, fmt.Sprintf("%s exceeds the %d byte edit cap", fd.Path, maxBytes))
			}
			original = string(raw)
		}

		updated, aerr := applyFileDiff(fd, original)
		if aerr != nil {
			return s.failWith(record, aerr.Error())
		}
		if len(updated) > maxBytes {
			return s.failWith(record, fmt.Sprintf("%s would exceed the %d byte edit cap", fd.Path, maxBytes))
		}

		if fd.IsDelete {
			if rerr := os.Remove(abs); rerr != nil {
				return s.failWith(record, fmt.Sprintf("delete %s: %v", fd.Path, rerr))
			}
		} else {
			if merr := os.MkdirAll(filepath.Dir(abs), 0o755); merr != nil {
				return s.failWith(record, merr.Error())
			}
			if werr := os.WriteFile(abs, []byte(updated), 0o644); werr != nil {
				return s.failWith(record, fmt.Sprintf("write %s: %v", fd.Path, werr))
			}
		}
		record.Paths = append(record.Paths, fd.Path)
	}
	record.Applied = true

	if cfgBool(s.config, "commit", false) {
		message := cfgString(s.config, "commit_message")
		if message == "" {
			message = "chore: apply workflow edits"
		}
		commit := s.commit(ctx, wf, message, record.Paths)
		record.Commit = commit
		if !commit.Committed {
			return s.failWith(record, "commit failed: "+commit.Reason)
		}
		if strings.HasPrefix(commit.Reason, "push failed") {
			return s.failWith(record, commit.Reason)
		}
	}

	return success(map[string]any{
		"applied_files": record.Paths,
		"applyResult":   record,
	})
}

func (s *diffApplyStep) commit(ctx context.Context, wf *engine.Context, message string, paths []string) *domain.CommitResult {
	result := &domain.CommitResult{Branch: wf.Branch}
	if wf.VCS == nil {
		result.Reason = "no VCS driver configured"
		return result
	}
	if err := wf.VCS.CommitPaths(ctx, message, paths); err != nil {
		result.Reason = err.Error()
		return result
	}
	result.Committed = true
	if sha, err := wf.VCS.HeadSHA(ctx, "", false); err == nil {
		result.SHA = sha
	}
	if cfgBool(s.config, "push", false) && wf.VCS.HasRemote(ctx) {
		if err := wf.VCS.Push(ctx, wf.Branch); err != nil {
			result.Reason = "push failed: " + err.Error()
			return result
		}
		result.Pushed = true
	}
	return result
}

func (s *diffApplyStep) failWith(record *domain.AppliedEditsRecord, reason string) engine.StepResult {
	record.Reason = reason
	return engine.StepResult{
		Status:  engine.StatusFailure,
		Error:   fmt.Errorf("diff_apply: %s", reason),
		Outputs: map[string]any{"applyResult": record},
	}
}

// validateEditPath confines rel to the repo and rejects blocked
// extensions.
func validateEditPath(repoRoot, rel string, blockedExtensions []string) error {
	if rel == "" || rel == "/dev/null" {
		return fmt.Errorf("diff names no target path")
	}
	if filepath.IsAbs(rel) {
		return fmt.Errorf("path %q is absolute", rel)
	}
	cleaned := filepath.ToSlash(filepath.Clean(rel))
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return fmt.Errorf("path %q escapes the repository", rel)
	}
	ext := strings.ToLower(filepath.Ext(cleaned))
	for _, b := range blockedExtensions {
		if ext == b {
			return fmt.Errorf("path %q has blocked extension %s", rel, ext)
		}
	}
	if strings.HasPrefix(cleaned, ".git/") {
		return fmt.Errorf("path %q targets the VCS metadata directory", rel)
	}
	return nil
}
