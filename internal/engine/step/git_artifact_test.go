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
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestrohq/maestro/internal/domain"
	"github.com/maestrohq/maestro/internal/engine"
	"github.com/maestrohq/maestro/internal/vcs"
)

func gitWorkflowContext(t *testing.T) *engine.Context {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	d := vcs.New("git", dir, nil)
	ctx := context.Background()
	for _, args := range [][]string{
		{"init", "-b", "main"},
		{"config", "user.email", "t@example.com"},
		{"config", "user.name", "T"},
	} {
		_, err := d.Run(ctx, args, vcs.RunOptions{})
		require.NoError(t, err)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("r\n"), 0o644))
	require.NoError(t, d.CommitPaths(ctx, "initial", []string{"README.md"}))

	wf := engine.NewContext("wf-git", nil)
	wf.RepoRoot = dir
	wf.Branch = "main"
	wf.VCS = d
	return wf
}

// Property 3: artifact paths begin with .ma/ and the step commits only
// when the active branch equals the expected branch.
func TestGitArtifactStepCommits(t *testing.T) {
	wf := gitWorkflowContext(t)
	s, err := newGitArtifactStep(domain.StepDefinition{Name: "artifact"}, map[string]any{
		"path":    ".ma/tasks/42/01-plan.md",
		"content": "# Plan\n",
		"message": "docs: record plan",
	})
	require.NoError(t, err)

	res := s.Execute(context.Background(), wf)
	require.Equal(t, engine.StatusSuccess, res.Status, "error: %v", res.Error)
	assert.Equal(t, ".ma/tasks/42/01-plan.md", res.Outputs["artifact_path"])
	assert.NotEmpty(t, res.Outputs["sha"])

	st, err := wf.VCS.DescribeWorkingTree(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Dirty)
}

func TestGitArtifactStepRejectsNonArtifactPath(t *testing.T) {
	wf := gitWorkflowContext(t)
	s, _ := newGitArtifactStep(domain.StepDefinition{Name: "artifact"}, map[string]any{
		"path":    "docs/plan.md",
		"content": "x",
	})
	res := s.Execute(context.Background(), wf)
	assert.Equal(t, engine.StatusFailure, res.Status)
}

func TestGitArtifactStepBranchGuard(t *testing.T) {
	wf := gitWorkflowContext(t)
	s, _ := newGitArtifactStep(domain.StepDefinition{Name: "artifact"}, map[string]any{
		"path":    ".ma/note.md",
		"content": "x",
		"branch":  "feat/expected",
	})
	res := s.Execute(context.Background(), wf)
	require.Equal(t, engine.StatusFailure, res.Status)
	assert.Contains(t, res.Error.Error(), "branch guard violation")

	// Nothing was committed.
	st, err := wf.VCS.DescribeWorkingTree(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Dirty)
}

func TestGitArtifactStepJSONContent(t *testing.T) {
	wf := gitWorkflowContext(t)
	s, _ := newGitArtifactStep(domain.StepDefinition{Name: "artifact"}, map[string]any{
		"path":         ".ma/tasks/42/02-result.json",
		"content_json": map[string]any{"status": "pass"},
	})
	res := s.Execute(context.Background(), wf)
	require.Equal(t, engine.StatusSuccess, res.Status, "error: %v", res.Error)

	raw, err := os.ReadFile(filepath.Join(wf.RepoRoot, ".ma/tasks/42/02-result.json"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"status": "pass"`)
}

func TestGitArtifactStepCommitsIgnoredArtifact(t *testing.T) {
	// .ma/ in .gitignore exercises the add --force retry.
	wf := gitWorkflowContext(t)
	require.NoError(t, os.WriteFile(filepath.Join(wf.RepoRoot, ".gitignore"), []byte(".ma/\n"), 0o644))
	require.NoError(t, wf.VCS.CommitPaths(context.Background(), "ignore artifacts", []string{".gitignore"}))

	s, _ := newGitArtifactStep(domain.StepDefinition{Name: "artifact"}, map[string]any{
		"path":    ".ma/forced.md",
		"content": "forced\n",
	})
	res := s.Execute(context.Background(), wf)
	assert.Equal(t, engine.StatusSuccess, res.Status, "error: %v", res.Error)
}
