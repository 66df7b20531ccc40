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
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestrohq/maestro/internal/domain"
	"github.com/maestrohq/maestro/internal/engine"
)

func contextWorkflow(t *testing.T) *engine.Context {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "main.go"), []byte("package main\n"), 0o644))
	wf := engine.NewContext("wf-ctx", nil)
	wf.RepoRoot = dir
	return wf
}

func runContextStep(t *testing.T, wf *engine.Context, config map[string]any) engine.StepResult {
	t.Helper()
	s, err := newContextStep(domain.StepDefinition{Name: "scan"}, config)
	require.NoError(t, err)
	return s.Execute(context.Background(), wf)
}

// Property 4 and scenario S6: a second run with no source changes reuses
// the scan; an artifact-only change still reuses; a source change does
// not.
func TestContextStepReuse(t *testing.T) {
	wf := contextWorkflow(t)

	first := runContextStep(t, wf, nil)
	require.Equal(t, engine.StatusSuccess, first.Status, "error: %v", first.Error)
	assert.Equal(t, false, first.Outputs["reused_existing"])

	second := runContextStep(t, wf, nil)
	require.Equal(t, engine.StatusSuccess, second.Status)
	assert.Equal(t, true, second.Outputs["reused_existing"])

	// A new file under .ma/ does not invalidate.
	require.NoError(t, os.MkdirAll(filepath.Join(wf.RepoRoot, ".ma", "tasks", "1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(wf.RepoRoot, ".ma", "tasks", "1", "01-note.md"), []byte("n"), 0o644))
	third := runContextStep(t, wf, nil)
	assert.Equal(t, true, third.Outputs["reused_existing"])

	// A modified source file does invalidate.
	future := time.Now().Add(2 * time.Second)
	srcPath := filepath.Join(wf.RepoRoot, "src", "main.go")
	require.NoError(t, os.WriteFile(srcPath, []byte("package main // changed\n"), 0o644))
	require.NoError(t, os.Chtimes(srcPath, future, future))
	fourth := runContextStep(t, wf, nil)
	assert.Equal(t, false, fourth.Outputs["reused_existing"])
}

func TestContextStepForceRescan(t *testing.T) {
	wf := contextWorkflow(t)
	runContextStep(t, wf, nil)
	res := runContextStep(t, wf, map[string]any{"forceRescan": true})
	assert.Equal(t, false, res.Outputs["reused_existing"])
}

func TestContextStepWritesArtifacts(t *testing.T) {
	wf := contextWorkflow(t)
	res := runContextStep(t, wf, nil)
	require.Equal(t, engine.StatusSuccess, res.Status)
	for _, rel := range []string{".ma/context/snapshot.json", ".ma/context/summary.md", ".ma/context/files.ndjson"} {
		_, err := os.Stat(filepath.Join(wf.RepoRoot, filepath.FromSlash(rel)))
		assert.NoError(t, err, rel)
	}
}
