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

// Package coordinator is maestro's top-level loop: it consumes bootstrap
// requests, resolves the repository, selects tasks, picks a workflow,
// invokes the engine, and reflects outcomes back to the task service.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/maestrohq/maestro/internal/artifact"
	"github.com/maestrohq/maestro/internal/config"
	"github.com/maestrohq/maestro/internal/domain"
	"github.com/maestrohq/maestro/internal/engine"
	maestrolog "github.com/maestrohq/maestro/internal/log"
	"github.com/maestrohq/maestro/internal/persona"
	"github.com/maestrohq/maestro/internal/stream"
	"github.com/maestrohq/maestro/internal/taskservice"
	"github.com/maestrohq/maestro/internal/vcs"
	maestroerrors "github.com/maestrohq/maestro/pkg/errors"
)

// Request is one coordinator bootstrap payload.
type Request struct {
	ProjectID   string `json:"project_id"`
	RepoURL     string `json:"repo_url,omitempty"`
	RepoPath    string `json:"repo_path,omitempty"`
	RepoRoot    string `json:"repo_root,omitempty"`
	ProjectHint string `json:"project_hint,omitempty"`
	BaseBranch  string `json:"base_branch,omitempty"`
	ForceRescan bool   `json:"force_rescan,omitempty"`
}

// Coordinator runs the top-level task loop.
type Coordinator struct {
	cfg       *config.Config
	transport stream.Transport
	tasks     *taskservice.Client
	workflows *WorkflowStore
	registry  *engine.Registry
	logger    *slog.Logger

	requestStream string
	eventStream   string
}

// Options configures a Coordinator.
type Options struct {
	Config        *config.Config
	Transport     stream.Transport
	Tasks         *taskservice.Client
	Workflows     *WorkflowStore
	Registry      *engine.Registry
	Logger        *slog.Logger
	RequestStream string
	EventStream   string
}

// New creates a Coordinator.
func New(opts Options) (*Coordinator, error) {
	if opts.Config == nil || opts.Transport == nil {
		return nil, fmt.Errorf("coordinator: config and transport are required")
	}
	if opts.Workflows == nil {
		var err error
		opts.Workflows, err = NewWorkflowStore()
		if err != nil {
			return nil, err
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	requestStream := opts.RequestStream
	if requestStream == "" {
		requestStream = persona.DefaultRequestStream
	}
	eventStream := opts.EventStream
	if eventStream == "" {
		eventStream = persona.DefaultEventStream
	}
	return &Coordinator{
		cfg:           opts.Config,
		transport:     opts.Transport,
		tasks:         opts.Tasks,
		workflows:     opts.Workflows,
		registry:      opts.Registry,
		logger:        maestrolog.WithComponent(logger, "coordinator"),
		requestStream: requestStream,
		eventStream:   eventStream,
	}, nil
}

// personas returns the persona names whose groups the Abort Path acks
// purged entries to.
func (c *Coordinator) personas() []string {
	if len(c.cfg.AllowedPersonas) > 0 {
		return c.cfg.AllowedPersonas
	}
	return []string{
		persona.ContextScan, persona.Planner, persona.PlanEvaluator,
		persona.LeadEngineer, persona.TesterQA, persona.CodeReviewer,
		persona.SecurityReview, persona.DevOps, persona.ProjectManager,
	}
}

// SeedRequest appends a bootstrap request to the request stream; the Run
// loop (here or in another process) picks it up.
func (c *Coordinator) SeedRequest(ctx context.Context, req Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	env := domain.PersonaRequestEnvelope{
		WorkflowID: "wf-" + uuid.New().String(),
		Step:       "bootstrap",
		From:       "cli",
		ToPersona:  persona.CoordinatorPersona,
		Intent:     "run project tasks",
		CorrID:     uuid.New().String(),
		Payload:    string(payload),
		ProjectID:  req.ProjectID,
		DeadlineS:  0,
	}
	fields := map[string]string{
		"workflow_id": env.WorkflowID,
		"step":        env.Step,
		"from":        env.From,
		"to_persona":  env.ToPersona,
		"intent":      env.Intent,
		"corr_id":     env.CorrID,
		"payload":     env.Payload,
		"project_id":  env.ProjectID,
		"deadline_s":  "0",
	}
	_, err = c.transport.Append(ctx, c.requestStream, fields)
	return err
}

// Run consumes bootstrap requests until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	group := persona.GroupName(c.cfg.GroupPrefix, persona.CoordinatorPersona)
	if err := c.transport.GroupCreate(ctx, c.requestStream, group, stream.NewEntries, stream.GroupCreateOptions{MakeStream: true}); err != nil && !errors.Is(err, stream.ErrGroupAlreadyExists) {
		return err
	}
	c.logger.Info("coordinator loop started")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		entries, err := c.transport.ReadGroup(ctx, group, "coordinator", stream.ReadGroupOptions{
			Stream:  c.requestStream,
			ID:      stream.NewEntries,
			BlockMS: c.cfg.BlockMS,
			Count:   1,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("coordinator read failed", maestrolog.Error(err))
			continue
		}
		for _, entry := range entries {
			if entry.Fields["to_persona"] != persona.CoordinatorPersona {
				c.transport.Ack(ctx, c.requestStream, group, entry.ID)
				continue
			}
			var req Request
			if err := json.Unmarshal([]byte(entry.Fields["payload"]), &req); err != nil {
				c.logger.Warn("bad bootstrap payload", maestrolog.Error(err))
				c.transport.Ack(ctx, c.requestStream, group, entry.ID)
				continue
			}
			if req.ProjectID == "" {
				req.ProjectID = entry.Fields["project_id"]
			}
			if err := c.RunProject(ctx, req); err != nil {
				c.logger.Error("project run failed",
					slog.String("project_id", req.ProjectID),
					maestrolog.Error(err))
			}
			c.transport.Ack(ctx, c.requestStream, group, entry.ID)
		}
	}
}

// RunProject resolves the repository and works through the project's
// selectable tasks one at a time.
func (c *Coordinator) RunProject(ctx context.Context, req Request) error {
	repoRoot, err := c.ResolveRepo(ctx, RepoRequest{
		LocalPath:   req.RepoPath,
		RepoRoot:    req.RepoRoot,
		ProjectHint: req.ProjectHint,
		RemoteURL:   req.RepoURL,
		ProjectSlug: req.ProjectID,
	})
	if err != nil {
		return err
	}
	logger := c.logger.With(slog.String("project_id", req.ProjectID), slog.String("repo", repoRoot))
	logger.Info("repository resolved")

	milestones := c.fetchMilestones(ctx, req.ProjectID)

	attempted := map[string]bool{}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		task, raw := c.nextTask(ctx, req.ProjectID)
		if task == nil {
			logger.Info("no selectable tasks remain")
			return nil
		}
		// A failed task keeps its selectable status; seeing it again
		// means this pass is done and reconciliation happens next pass.
		if attempted[task.ID] {
			logger.Info("all remaining tasks already attempted this pass")
			return nil
		}
		attempted[task.ID] = true
		if err := c.runTask(ctx, req, repoRoot, task, raw, milestones); err != nil {
			logger.Warn("task run failed, continuing with next task",
				slog.String("task_id", task.ID),
				slog.String("error_kind", maestroerrors.KindOf(err)),
				maestrolog.Error(err))
		}
	}
}

// runTask drives a single task through its workflow.
func (c *Coordinator) runTask(ctx context.Context, req Request, repoRoot string, task *domain.Task, raw map[string]any, milestones map[string]*domain.Milestone) error {
	workflowID := "wf-" + uuid.New().String()
	logger := maestrolog.WithRunContext(c.logger, workflowID, "")

	milestone := milestones[task.MilestoneID]
	branch := FeatureBranch(task, milestone, req.ProjectID)
	base := req.BaseBranch

	driver := vcs.New(c.cfg.VCSBinary, repoRoot, c.logger)
	if err := driver.CheckoutFromBase(ctx, branch, base); err != nil {
		return fmt.Errorf("checkout %s: %w", branch, err)
	}
	if driver.HasRemote(ctx) {
		if err := driver.Push(ctx, branch); err != nil {
			logger.Warn("branch publish failed", maestrolog.Error(err))
		}
	}

	taskType, scope := taskSelector(raw)
	def := c.workflows.Select(task, taskType, scope)
	logger.Info("workflow selected",
		slog.String("workflow", def.Name),
		slog.String("task_id", task.ID),
		slog.String("branch", branch))

	c.updateStatus(ctx, task, string(domain.TaskStatusInProgress))

	wf := engine.NewContext(workflowID, c.logger)
	wf.ProjectID = req.ProjectID
	wf.RepoRoot = repoRoot
	wf.Branch = branch
	wf.SeedTask(task)
	wf.Config = c.cfg
	wf.Transport = c.transport
	wf.VCS = driver
	wf.Tasks = c.tasks
	wf.Artifacts = artifact.NewStore(repoRoot)
	wf.Personas = persona.NewExecutor(c.transport, c.cfg, c.requestStream, c.eventStream, "coordinator", c.logger)
	if req.ForceRescan {
		wf.SetVariable("forceRescan", true)
	}

	eng := engine.New(c.registry, c.logger)
	result := eng.Execute(ctx, def, wf)

	if result.Success() {
		c.updateStatus(ctx, task, string(domain.TaskStatusDone))
		logger.Info("task completed", slog.String("task_id", task.ID))
		return nil
	}

	if isRepoFatal(result.Err) {
		if aerr := c.Abort(ctx, wf, result.Err.Error()); aerr != nil {
			logger.Error("abort path failed", maestrolog.Error(aerr))
		}
	}
	return result.Err
}

// isRepoFatal reports whether a workflow error is a repository-level
// failure (commit/push/apply) that triggers the Abort Path.
func isRepoFatal(err error) bool {
	if err == nil {
		return false
	}
	var vcsErr *maestroerrors.VcsError
	if errors.As(err, &vcsErr) {
		return true
	}
	msg := err.Error()
	for _, marker := range []string{"push failed", "commit failed", "diff_apply"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// nextTask fetches the project's tasks and selects the next runnable
// one.
func (c *Coordinator) nextTask(ctx context.Context, projectID string) (*domain.Task, map[string]any) {
	if c.tasks == nil {
		return nil, nil
	}
	res := c.tasks.FetchProjectTasks(ctx, projectID)
	if !res.OK {
		c.logger.Warn("task fetch degraded",
			slog.Int("status", res.Status), slog.String("error", res.Error))
		return nil, nil
	}
	raw := SelectNextTask(res.Body)
	if raw == nil {
		return nil, nil
	}
	return taskFromMap(raw, projectID), raw
}

func (c *Coordinator) fetchMilestones(ctx context.Context, projectID string) map[string]*domain.Milestone {
	out := map[string]*domain.Milestone{}
	if c.tasks == nil {
		return out
	}
	res := c.tasks.FetchProjectMilestones(ctx, projectID)
	if !res.OK {
		return out
	}
	raw, _ := res.Body["milestones"].([]any)
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		ms := &domain.Milestone{}
		if id, ok := m["id"].(string); ok {
			ms.ID = id
		}
		if slug, ok := m["slug"].(string); ok {
			ms.Slug = slug
		}
		if name, ok := m["name"].(string); ok {
			ms.Name = name
		}
		if branch, ok := m["branch"].(string); ok {
			ms.Branch = branch
		}
		if ms.ID != "" {
			out[ms.ID] = ms
		}
	}
	return out
}

// updateStatus reflects a task-status transition to the task service;
// failures are logged and left to reconcile on the next pass.
func (c *Coordinator) updateStatus(ctx context.Context, task *domain.Task, status string) {
	if c.tasks == nil {
		return
	}
	lock := task.LockVersion
	res := c.tasks.UpdateTaskStatus(ctx, task.ID, status, task.ProjectID, &lock)
	if !res.OK {
		c.logger.Warn("task status update failed",
			slog.String("task_id", task.ID),
			slog.String("status", status),
			slog.Int("http_status", res.Status))
		return
	}
	task.Status = domain.TaskStatus(status)
}

// taskFromMap converts a raw task object into the domain type.
func taskFromMap(m map[string]any, projectID string) *domain.Task {
	t := &domain.Task{ProjectID: projectID, Extra: m}
	if v, ok := m["id"].(string); ok {
		t.ID = v
	} else if f, ok := m["id"].(float64); ok {
		t.ID = fmt.Sprintf("%.0f", f)
	}
	if v, ok := m["project_id"].(string); ok && v != "" {
		t.ProjectID = v
	}
	if v, ok := m["milestone_id"].(string); ok {
		t.MilestoneID = v
	}
	if v, ok := m["parent_task_id"].(string); ok {
		t.ParentTaskID = v
	}
	if v, ok := m["title"].(string); ok {
		t.Title = v
	}
	if v, ok := m["description"].(string); ok {
		t.Description = v
	}
	if v, ok := m["status"].(string); ok {
		t.Status = domain.TaskStatus(v)
	}
	if v, ok := m["priority_score"].(float64); ok {
		t.PriorityScore = v
	}
	if v, ok := m["external_id"].(string); ok {
		t.ExternalID = v
	}
	if v, ok := m["branch"].(string); ok {
		t.Branch = v
	}
	if v, ok := m["lock_version"].(float64); ok {
		t.LockVersion = int64(v)
	}
	t.Labels = labelStrings(m["labels"])
	t.BlockedDependencies = labelStrings(m["blocked_dependencies"])
	return t
}

func labelStrings(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// taskSelector extracts the (task type, scope) workflow-selection pair.
func taskSelector(m map[string]any) (string, string) {
	taskType, _ := m["task_type"].(string)
	if taskType == "" {
		taskType, _ = m["type"].(string)
	}
	scope, _ := m["scope"].(string)
	if scope == "" {
		scope, _ = m["effort_estimate"].(string)
	}
	return taskType, scope
}
