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

// Package taskservice is the HTTP client for the task-tracking service:
// project/milestone/task reads, task creation with external-id upsert
// idempotency, and status updates with lock-version optimistic concurrency.
package taskservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/maestrohq/maestro/pkg/httpclient"
)

const (
	maxTitleLen       = 180
	maxDescriptionLen = 10000
	truncationMarker  = "\n…[truncated]"
)

// Result is the uniform outcome shape for every task-service call:
// callers inspect OK/Status/Body and decide; transport-level failures
// populate Error and leave Status zero.
type Result struct {
	OK     bool           `json:"ok"`
	Status int            `json:"status"`
	Body   map[string]any `json:"body,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Client talks to the task-tracking service.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// Options configures a Client.
type Options struct {
	Timeout time.Duration
	// RequestsPerSecond paces outbound calls; 0 disables pacing.
	RequestsPerSecond float64
	Logger            *slog.Logger
}

// New creates a Client for baseURL authenticating with apiKey.
func New(baseURL, apiKey string, opts Options) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("taskservice: base URL is required")
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	cfg := httpclient.DefaultConfig()
	cfg.Timeout = timeout
	cfg.UserAgent = "maestro-taskservice/1.0"
	// Reads retry at the transport layer; writes rely on the
	// call-specific recovery paths below (upsert fallback, CAS retry).
	cfg.RetryAttempts = 2
	cfg.RetryBackoff = 100 * time.Millisecond
	cfg.MaxBackoff = time.Second
	hc, err := httpclient.New(cfg)
	if err != nil {
		return nil, err
	}
	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    hc,
		limiter: limiter,
		logger:  logger,
	}, nil
}

// do issues one HTTP call and decodes the JSON body into a Result.
func (c *Client) do(ctx context.Context, method, path string, body any) *Result {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &Result{Error: err.Error()}
		}
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &Result{Error: fmt.Sprintf("encode request: %v", err)}
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &Result{Error: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("task-service call failed", slog.String("method", method), slog.String("path", path), slog.Any("error", err))
		return &Result{Error: err.Error()}
	}
	defer resp.Body.Close()

	res := &Result{Status: resp.StatusCode, OK: resp.StatusCode >= 200 && resp.StatusCode < 300}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		res.Error = err.Error()
		return res
	}
	if len(raw) > 0 {
		var decoded map[string]any
		if jerr := json.Unmarshal(raw, &decoded); jerr == nil {
			res.Body = decoded
		}
	}
	if !res.OK {
		c.logger.Warn("task-service degraded result",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", res.Status))
	}
	return res
}

// FetchProjectStatus returns the project status summary.
func (c *Client) FetchProjectStatus(ctx context.Context, projectID string) *Result {
	return c.do(ctx, http.MethodGet, "/projects/"+projectID+"/status", nil)
}

// FetchProjectStatusDetails returns the detailed project status.
func (c *Client) FetchProjectStatusDetails(ctx context.Context, projectID string) *Result {
	return c.do(ctx, http.MethodGet, "/projects/"+projectID+"/status?details=true", nil)
}

// FetchProjectTasks returns the project's tasks.
func (c *Client) FetchProjectTasks(ctx context.Context, projectID string) *Result {
	return c.do(ctx, http.MethodGet, "/projects/"+projectID+"/tasks", nil)
}

// FetchProjectMilestones returns the project's milestones.
func (c *Client) FetchProjectMilestones(ctx context.Context, projectID string) *Result {
	return c.do(ctx, http.MethodGet, "/projects/"+projectID+"/milestones", nil)
}

// FetchTask reads one task, scoped to a project when projectID is given.
func (c *Client) FetchTask(ctx context.Context, taskID string, projectID ...string) *Result {
	if len(projectID) > 0 && projectID[0] != "" {
		return c.do(ctx, http.MethodGet, "/projects/"+projectID[0]+"/tasks/"+taskID, nil)
	}
	return c.do(ctx, http.MethodGet, "/v1/tasks/"+taskID, nil)
}

// Attachment is one file attached to a task on creation.
type Attachment struct {
	Name          string `json:"name"`
	ContentBase64 string `json:"content_base64"`
}

// CreateTaskInput is the create/upsert request body.
type CreateTaskInput struct {
	ProjectID            string         `json:"project_id,omitempty"`
	ProjectSlug          string         `json:"project_slug,omitempty"`
	MilestoneID          string         `json:"milestone_id,omitempty"`
	MilestoneSlug        string         `json:"milestone_slug,omitempty"`
	ParentTaskID         string         `json:"parent_task_id,omitempty"`
	ParentTaskExternalID string         `json:"parent_task_external_id,omitempty"`
	Title                string         `json:"title"`
	Description          string         `json:"description,omitempty"`
	EffortEstimate       string         `json:"effort_estimate,omitempty"`
	PriorityScore        float64        `json:"priority_score,omitempty"`
	AssigneePersona      string         `json:"assignee_persona,omitempty"`
	ExternalID           string         `json:"external_id,omitempty"`
	Attachments          []Attachment   `json:"attachments,omitempty"`
	Options              map[string]any `json:"options,omitempty"`
}

// sanitize clips title and description to the service's limits, marking
// description truncation.
func (in *CreateTaskInput) sanitize() {
	if len(in.Title) > maxTitleLen {
		in.Title = in.Title[:maxTitleLen]
	}
	if len(in.Description) > maxDescriptionLen {
		cut := maxDescriptionLen - len(truncationMarker)
		in.Description = in.Description[:cut] + truncationMarker
	}
}

// CreateTask creates a task. When ExternalID is set the upsert endpoint
// is used for idempotency; a 404/405/5xx from upsert falls back once to
// the legacy create endpoint.
func (c *Client) CreateTask(ctx context.Context, input CreateTaskInput) *Result {
	input.sanitize()
	if input.ExternalID != "" {
		res := c.do(ctx, http.MethodPost, "/v1/tasks:upsert", input)
		if res.OK || !upsertFallbackStatus(res.Status) {
			return res
		}
		c.logger.Warn("task upsert unavailable, falling back to legacy create",
			slog.Int("status", res.Status),
			slog.String("external_id", input.ExternalID))
	}
	return c.do(ctx, http.MethodPost, "/v1/tasks", input)
}

func upsertFallbackStatus(status int) bool {
	return status == 0 || status == http.StatusNotFound || status == http.StatusMethodNotAllowed || status >= 500
}

// UpdateTaskStatus PATCHes a task's status. With a projectID, a 409/422
// triggers one re-read for a fresh lock_version and one retry. Without a
// projectID the legacy path POSTs to by-external/{id}/status, resolving
// the external id to a canonical id on failure.
func (c *Client) UpdateTaskStatus(ctx context.Context, taskID, status, projectID string, lockVersion *int64) *Result {
	if projectID == "" {
		return c.updateStatusLegacy(ctx, taskID, status)
	}

	body := map[string]any{"status": status}
	if lockVersion != nil {
		body["lock_version"] = *lockVersion
	}
	res := c.do(ctx, http.MethodPatch, "/projects/"+projectID+"/tasks/"+taskID, body)
	if res.OK || (res.Status != http.StatusConflict && res.Status != http.StatusUnprocessableEntity) {
		return res
	}

	fresh := c.FetchTask(ctx, taskID, projectID)
	if !fresh.OK {
		return res
	}
	lv, ok := extractLockVersion(fresh.Body)
	if !ok {
		return res
	}
	c.logger.Debug("lock-version conflict, retrying with fresh version",
		slog.String("task_id", taskID), slog.Int64("lock_version", lv))
	return c.do(ctx, http.MethodPatch, "/projects/"+projectID+"/tasks/"+taskID,
		map[string]any{"status": status, "lock_version": lv})
}

func (c *Client) updateStatusLegacy(ctx context.Context, externalID, status string) *Result {
	res := c.do(ctx, http.MethodPost, "/v1/tasks/by-external/"+externalID+"/status", map[string]any{"status": status})
	if res.OK {
		return res
	}
	resolved := c.do(ctx, http.MethodPost, "/v1/tasks/resolve", map[string]any{"external_id": externalID})
	if !resolved.OK {
		return res
	}
	id := extractTaskID(resolved.Body)
	if id == "" {
		return res
	}
	return c.do(ctx, http.MethodPost, "/v1/tasks/"+id+"/status", map[string]any{"status": status})
}

// extractLockVersion digs lock_version out of a task body, tolerating a
// nesting task wrapper.
func extractLockVersion(body map[string]any) (int64, bool) {
	if body == nil {
		return 0, false
	}
	if v, ok := body["lock_version"]; ok {
		if f, ok := v.(float64); ok {
			return int64(f), true
		}
	}
	if inner, ok := body["task"].(map[string]any); ok {
		return extractLockVersion(inner)
	}
	return 0, false
}

// extractTaskID finds an id across the service's response variants:
// {id}, {task_id}, or {task:{id}}.
func extractTaskID(body map[string]any) string {
	if body == nil {
		return ""
	}
	for _, key := range []string{"id", "task_id"} {
		if v, ok := body[key]; ok {
			switch t := v.(type) {
			case string:
				return t
			case float64:
				return fmt.Sprintf("%.0f", t)
			}
		}
	}
	if inner, ok := body["task"].(map[string]any); ok {
		return extractTaskID(inner)
	}
	return ""
}
