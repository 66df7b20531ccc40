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

// Package engine interprets YAML-defined workflow step graphs: it builds
// the dependency DAG, evaluates step conditions, resolves variable
// templates in step configs, and threads a shared mutable context
// through the steps.
package engine

import (
	"context"
	"log/slog"

	"github.com/maestrohq/maestro/internal/artifact"
	"github.com/maestrohq/maestro/internal/config"
	"github.com/maestrohq/maestro/internal/domain"
	"github.com/maestrohq/maestro/internal/engine/expr"
	"github.com/maestrohq/maestro/internal/persona"
	"github.com/maestrohq/maestro/internal/stream"
	"github.com/maestrohq/maestro/internal/taskservice"
	"github.com/maestrohq/maestro/internal/vcs"
)

// PersonaRequester is the persona-execution seam steps depend on.
type PersonaRequester interface {
	Execute(ctx context.Context, req persona.Request) (*persona.Outcome, error)
}

// Context is the per-invocation mutable state owned by one engine run.
// Variables and StepOutputs are exclusively owned; steps mutate them only
// through the engine's single-threaded walk.
type Context struct {
	WorkflowID string
	ProjectID  string
	RepoRoot   string
	Branch     string
	Task       *domain.Task

	Variables   map[string]any
	StepOutputs map[string]map[string]any

	Transport stream.Transport
	Logger    *slog.Logger
	Config    *config.Config

	Evaluator *expr.Evaluator
	Personas  PersonaRequester
	VCS       *vcs.Driver
	Tasks     *taskservice.Client
	Artifacts *artifact.Store

	// WorkflowAborted is set by the Abort Path; the engine stops walking
	// when it becomes true.
	WorkflowAborted bool
}

// NewContext creates a Context with initialized maps and seeds the
// standard variables steps rely on.
func NewContext(workflowID string, logger *slog.Logger) *Context {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Context{
		WorkflowID:  workflowID,
		Variables:   map[string]any{},
		StepOutputs: map[string]map[string]any{},
		Logger:      logger,
		Evaluator:   expr.New(),
	}
	c.Variables["workflow_id"] = workflowID
	return c
}

// SetVariable sets a context variable. Write-once-per-key is convention,
// not enforced.
func (c *Context) SetVariable(key string, value any) {
	c.Variables[key] = value
}

// Var resolves a dotted path against the variable map, returning nil on
// miss.
func (c *Context) Var(path string) any {
	v, err := c.Evaluator.Evaluate(path, c.Variables)
	if err != nil {
		return nil
	}
	if v == expr.Undefined {
		return nil
	}
	return v
}

// SeedTask exposes the task under the variables steps and conditions
// expect.
func (c *Context) SeedTask(task *domain.Task) {
	c.Task = task
	if task == nil {
		return
	}
	c.Variables["task"] = taskVars(task)
	c.Variables["taskName"] = task.Title
	c.Variables["task_id"] = task.ID
}

// taskVars flattens a task into a plain map so dotted-path resolution
// and template stringification behave uniformly.
func taskVars(t *domain.Task) map[string]any {
	return map[string]any{
		"id":             t.ID,
		"project_id":     t.ProjectID,
		"milestone_id":   t.MilestoneID,
		"parent_task_id": t.ParentTaskID,
		"title":          t.Title,
		"description":    t.Description,
		"status":         string(t.Status),
		"priority_score": t.PriorityScore,
		"external_id":    t.ExternalID,
		"labels":         t.Labels,
		"lock_version":   t.LockVersion,
		"branch":         t.Branch,
	}
}
