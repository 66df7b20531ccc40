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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestrohq/maestro/internal/domain"
	"github.com/maestrohq/maestro/internal/engine"
)

func TestPlanKeyFileGuardReportsMissing(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "exists.ts"), []byte("x"), 0o644))

	wf := engine.NewContext("wf", nil)
	wf.RepoRoot = dir
	wf.StepOutputs["plan"] = map[string]any{
		"plan": []any{
			map[string]any{"goal": "a", "key_files": []any{"src/exists.ts", "src/missing.ts"}},
		},
	}

	s, _ := newPlanKeyFileGuardStep(domain.StepDefinition{Name: "guard"}, map[string]any{
		"plan_step":        "plan",
		"missing_variable": "missingPlanFiles",
	})
	res := s.Execute(context.Background(), wf)
	require.Equal(t, engine.StatusSuccess, res.Status)
	assert.Equal(t, []string{"src/missing.ts"}, res.Outputs["missing_files"])
	assert.Equal(t, []string{"src/missing.ts"}, wf.Variables["missingPlanFiles"])
}

func TestPlanKeyFileGuardFailOnMissing(t *testing.T) {
	wf := engine.NewContext("wf", nil)
	wf.RepoRoot = t.TempDir()
	wf.StepOutputs["plan"] = map[string]any{
		"plan": []any{map[string]any{"goal": "a", "key_files": []any{"nope.go"}}},
	}

	s, _ := newPlanKeyFileGuardStep(domain.StepDefinition{Name: "guard"}, map[string]any{
		"plan_step":       "plan",
		"fail_on_missing": true,
	})
	res := s.Execute(context.Background(), wf)
	assert.Equal(t, engine.StatusFailure, res.Status)
}

func TestPlanKeyFileGuardAutoCreate(t *testing.T) {
	dir := t.TempDir()
	wf := engine.NewContext("wf", nil)
	wf.RepoRoot = dir
	wf.StepOutputs["plan"] = map[string]any{
		"plan": []any{map[string]any{
			"goal":      "a",
			"key_files": []any{"src/widget.test.ts", "pkg/widget/widget.go"},
		}},
	}

	s, _ := newPlanKeyFileGuardStep(domain.StepDefinition{Name: "guard"}, map[string]any{
		"plan_step":           "plan",
		"auto_create_missing": true,
	})
	res := s.Execute(context.Background(), wf)
	require.Equal(t, engine.StatusSuccess, res.Status)
	assert.Empty(t, res.Outputs["missing_files"])
	assert.ElementsMatch(t, []string{"src/widget.test.ts", "pkg/widget/widget.go"}, res.Outputs["created_files"])

	spec, err := os.ReadFile(filepath.Join(dir, "src", "widget.test.ts"))
	require.NoError(t, err)
	assert.Contains(t, string(spec), `describe("src/widget.test.ts"`)

	goStub, err := os.ReadFile(filepath.Join(dir, "pkg", "widget", "widget.go"))
	require.NoError(t, err)
	assert.Equal(t, "package widget\n", string(goStub))
}

func TestPlanKeyFileGuardIgnoresEscapingPaths(t *testing.T) {
	wf := engine.NewContext("wf", nil)
	wf.RepoRoot = t.TempDir()
	wf.SetVariable("planFiles", []any{"../outside.go", "/abs.go"})

	s, _ := newPlanKeyFileGuardStep(domain.StepDefinition{Name: "guard"}, map[string]any{
		"plan_files_variable": "planFiles",
		"auto_create_missing": true,
	})
	res := s.Execute(context.Background(), wf)
	require.Equal(t, engine.StatusSuccess, res.Status)
	assert.Empty(t, res.Outputs["created_files"])
}
