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

package coordinator

import (
	"fmt"
	"strings"
	"sync"

	"github.com/maestrohq/maestro/internal/domain"
	"github.com/maestrohq/maestro/internal/engine"
)

// Built-in workflow names.
const (
	WorkflowTaskFlow    = "task-flow"
	WorkflowBlockedTask = "blocked-task"
	WorkflowInReview    = "in-review"
)

// taskFlowYAML is the default end-to-end flow: scan, plan+evaluate,
// implement with guards, QA, reviews, record the outcome.
const taskFlowYAML = `
name: task-flow
version: "1"
steps:
  - name: scan
    type: context
    config:
      forceRescan: "${forceRescan || false}"
  - name: resolve_vars
    type: variable_resolution
    depends_on: [scan]
    config:
      variables:
        hasTask: "task.id || false"
  - name: plan
    type: plan_approval
    depends_on: [resolve_vars]
  - name: implement
    type: implementation_loop
    depends_on: [plan]
    config:
      plan_step: plan
      push: true
  - name: qa
    type: persona_request
    depends_on: [implement]
    config:
      persona: tester-qa
      intent: verify the implemented change
  - name: code_review
    type: persona_request
    depends_on: [qa]
    config:
      persona: code-reviewer
      intent: review the implemented change
  - name: security_review
    type: persona_request
    depends_on: [code_review]
    continue_on_failure: true
    config:
      persona: security-review
      intent: audit the implemented change
  - name: record_outcome
    type: git_artifact
    depends_on: [security_review]
    config:
      path: ".ma/tasks/${task.id}/99-outcome.json"
      content_json:
        qa: "${qa_status}"
        review: "${code_review_status}"
      message: "chore: record workflow outcome"
`

// blockedTaskYAML asks the project manager to triage and registers the
// blocking dependencies.
const blockedTaskYAML = `
name: blocked-task
version: "1"
steps:
  - name: triage
    type: persona_request
    config:
      persona: project-manager
      intent: analyze why this task is blocked and list blocking dependency task ids
  - name: register_blockers
    type: register_blocked_dependencies
    depends_on: [triage]
    config:
      allow_clear: false
`

// inReviewYAML re-runs the review personas on the task's branch.
const inReviewYAML = `
name: in-review
version: "1"
steps:
  - name: qa
    type: persona_request
    config:
      persona: tester-qa
      intent: re-verify the branch under review
  - name: code_review
    type: persona_request
    depends_on: [qa]
    config:
      persona: code-reviewer
      intent: review the branch under review
`

// WorkflowStore resolves workflow definitions by name or by
// (task type, scope).
type WorkflowStore struct {
	mu       sync.RWMutex
	byName   map[string]*domain.WorkflowDefinition
	bySelector map[string]string // "type:scope" → workflow name
}

// NewWorkflowStore loads the built-in definitions.
func NewWorkflowStore() (*WorkflowStore, error) {
	s := &WorkflowStore{
		byName:     map[string]*domain.WorkflowDefinition{},
		bySelector: map[string]string{},
	}
	for _, raw := range []string{taskFlowYAML, blockedTaskYAML, inReviewYAML} {
		def, err := engine.LoadDefinition([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("builtin workflow: %w", err)
		}
		s.byName[def.Name] = def
	}
	return s, nil
}

// Register adds or replaces a definition.
func (s *WorkflowStore) Register(def *domain.WorkflowDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byName[def.Name] = def
}

// MapSelector routes a (task type, scope) pair to a workflow name.
func (s *WorkflowStore) MapSelector(taskType, scope, workflowName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bySelector[selectorKey(taskType, scope)] = workflowName
}

// Get resolves a workflow by name.
func (s *WorkflowStore) Get(name string) (*domain.WorkflowDefinition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.byName[name]
	return def, ok
}

// Select resolves the workflow for a task: blocked/stuck tasks get the
// blocked-task flow, in-review tasks the in-review flow, then the
// (type, scope) mapping, then the default task-flow.
func (s *WorkflowStore) Select(task *domain.Task, taskType, scope string) *domain.WorkflowDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := strings.ToLower(string(task.Status))
	switch {
	case strings.Contains(status, "blocked"), strings.Contains(status, "stuck"):
		return s.byName[WorkflowBlockedTask]
	case strings.Contains(status, "review"):
		return s.byName[WorkflowInReview]
	}
	if name, ok := s.bySelector[selectorKey(taskType, scope)]; ok {
		if def, ok := s.byName[name]; ok {
			return def
		}
	}
	return s.byName[WorkflowTaskFlow]
}

func selectorKey(taskType, scope string) string {
	return strings.ToLower(taskType) + ":" + strings.ToLower(scope)
}
