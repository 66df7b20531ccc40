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

package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestrohq/maestro/internal/domain"
)

// recordingStep records its execution order and returns a canned result.
type recordingStep struct {
	name   string
	order  *[]string
	result StepResult
	config map[string]any
}

func (s *recordingStep) Execute(_ context.Context, _ *Context) StepResult {
	*s.order = append(*s.order, s.name)
	return s.result
}

func recordingRegistry(order *[]string, results map[string]StepResult, configs map[string]map[string]any) *Registry {
	r := NewRegistry()
	r.Register("record", func(def domain.StepDefinition, config map[string]any) (Step, error) {
		res, ok := results[def.Name]
		if !ok {
			res = StepResult{Status: StatusSuccess}
		}
		if configs != nil {
			configs[def.Name] = config
		}
		return &recordingStep{name: def.Name, order: order, result: res, config: config}, nil
	})
	return r
}

func defOf(steps ...domain.StepDefinition) *domain.WorkflowDefinition {
	return &domain.WorkflowDefinition{Name: "test-flow", Version: "1", Steps: steps}
}

func TestExecuteDependencyOrder(t *testing.T) {
	var order []string
	e := New(recordingRegistry(&order, nil, nil), nil)
	wf := NewContext("wf-1", nil)

	def := defOf(
		domain.StepDefinition{Name: "c", Type: "record", DependsOn: []string{"b"}},
		domain.StepDefinition{Name: "a", Type: "record"},
		domain.StepDefinition{Name: "b", Type: "record", DependsOn: []string{"a"}},
	)
	res := e.Execute(context.Background(), def, wf)
	require.True(t, res.Success())
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestExecuteConditionSkips(t *testing.T) {
	var order []string
	e := New(recordingRegistry(&order, nil, nil), nil)
	wf := NewContext("wf-2", nil)
	wf.SetVariable("mode", "fast")

	def := defOf(
		domain.StepDefinition{Name: "always", Type: "record"},
		domain.StepDefinition{Name: "slow_only", Type: "record", Condition: `mode == 'slow'`},
		domain.StepDefinition{Name: "fast_only", Type: "record", Condition: `mode == 'fast'`},
	)
	res := e.Execute(context.Background(), def, wf)
	require.True(t, res.Success())
	assert.Equal(t, []string{"always", "fast_only"}, order)
	assert.Equal(t, []string{"slow_only"}, res.Skipped)
}

func TestExecuteConfigResolution(t *testing.T) {
	var order []string
	configs := map[string]map[string]any{}
	e := New(recordingRegistry(&order, nil, configs), nil)
	wf := NewContext("wf-3", nil)
	wf.SetVariable("task", map[string]any{"id": "42", "title": "do things"})

	def := defOf(domain.StepDefinition{
		Name: "s", Type: "record",
		Config: map[string]any{
			"exact":  "${task}",
			"inline": "task ${task.id} ready",
			"miss":   "${nope.path}",
		},
	})
	res := e.Execute(context.Background(), def, wf)
	require.True(t, res.Success())

	cfg := configs["s"]
	assert.Equal(t, map[string]any{"id": "42", "title": "do things"}, cfg["exact"])
	assert.Equal(t, "task 42 ready", cfg["inline"])
	assert.Equal(t, "${nope.path}", cfg["miss"])
}

func TestExecuteOutputMerging(t *testing.T) {
	var order []string
	results := map[string]StepResult{
		"producer": {Status: StatusSuccess, Outputs: map[string]any{"branch": "feat/x"}},
	}
	e := New(recordingRegistry(&order, results, nil), nil)
	wf := NewContext("wf-4", nil)

	def := defOf(domain.StepDefinition{Name: "producer", Type: "record", Outputs: []string{"branch"}})
	res := e.Execute(context.Background(), def, wf)
	require.True(t, res.Success())

	assert.Equal(t, "feat/x", wf.Variables["branch"])
	assert.Equal(t, "feat/x", wf.Variables["producer_branch"])
	assert.Equal(t, map[string]any{"branch": "feat/x"}, wf.StepOutputs["producer"])
	so := wf.Variables["step_outputs"].(map[string]any)
	assert.Equal(t, map[string]any{"branch": "feat/x"}, so["producer"])
}

func TestExecuteFailurePropagates(t *testing.T) {
	var order []string
	results := map[string]StepResult{
		"boom": {Status: StatusFailure, Error: errors.New("exploded")},
	}
	e := New(recordingRegistry(&order, results, nil), nil)
	wf := NewContext("wf-5", nil)

	def := defOf(
		domain.StepDefinition{Name: "boom", Type: "record"},
		domain.StepDefinition{Name: "after", Type: "record", DependsOn: []string{"boom"}},
	)
	res := e.Execute(context.Background(), def, wf)
	assert.False(t, res.Success())
	assert.Equal(t, "boom", res.FailedStep)
	assert.Equal(t, []string{"boom"}, order)
}

func TestExecuteContinueOnFailure(t *testing.T) {
	var order []string
	results := map[string]StepResult{
		"boom": {Status: StatusFailure, Error: errors.New("exploded")},
	}
	e := New(recordingRegistry(&order, results, nil), nil)
	wf := NewContext("wf-6", nil)

	def := defOf(
		domain.StepDefinition{Name: "boom", Type: "record", ContinueOnFailure: true},
		domain.StepDefinition{Name: "after", Type: "record", DependsOn: []string{"boom"}},
	)
	res := e.Execute(context.Background(), def, wf)
	require.True(t, res.Success())
	assert.Equal(t, []string{"boom", "after"}, order)
}

func TestExecuteStopsOnAbort(t *testing.T) {
	var order []string
	r := NewRegistry()
	r.Register("record", func(def domain.StepDefinition, _ map[string]any) (Step, error) {
		return stepFunc(func(_ context.Context, wf *Context) StepResult {
			order = append(order, def.Name)
			if def.Name == "aborter" {
				wf.WorkflowAborted = true
			}
			return StepResult{Status: StatusSuccess}
		}), nil
	})
	e := New(r, nil)
	wf := NewContext("wf-7", nil)

	def := defOf(
		domain.StepDefinition{Name: "aborter", Type: "record"},
		domain.StepDefinition{Name: "never", Type: "record", DependsOn: []string{"aborter"}},
	)
	res := e.Execute(context.Background(), def, wf)
	assert.True(t, res.Aborted)
	assert.Equal(t, []string{"aborter"}, order)
}

type stepFunc func(ctx context.Context, wf *Context) StepResult

func (f stepFunc) Execute(ctx context.Context, wf *Context) StepResult { return f(ctx, wf) }

func TestLoadDefinition(t *testing.T) {
	raw := []byte(`
name: task-flow
version: "1"
steps:
  - name: scan
    type: context
  - name: plan
    type: persona_request
    depends_on: [scan]
    config:
      persona: planner
`)
	def, err := LoadDefinition(raw)
	require.NoError(t, err)
	assert.Equal(t, "task-flow", def.Name)
	require.Len(t, def.Steps, 2)
	assert.Equal(t, []string{"scan"}, def.Steps[1].DependsOn)
	assert.Equal(t, "planner", def.Steps[1].Config["persona"])
}

func TestLoadDefinitionRejectsCycle(t *testing.T) {
	raw := []byte(`
name: cyclic
steps:
  - name: a
    type: record
    depends_on: [b]
  - name: b
    type: record
    depends_on: [a]
`)
	_, err := LoadDefinition(raw)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestLoadDefinitionRejectsUnknownDep(t *testing.T) {
	raw := []byte(`
name: bad
steps:
  - name: a
    type: record
    depends_on: [ghost]
`)
	_, err := LoadDefinition(raw)
	assert.Error(t, err)
}
