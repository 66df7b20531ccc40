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

// Package domain holds the shared data-model types that flow between
// maestro's components: tasks, projects, milestones, workflow definitions,
// and the persona request/response envelopes carried over the stream
// transport.
package domain

import "time"

// TaskStatus enumerates the lifecycle states of a Task.
type TaskStatus string

const (
	TaskStatusOpen       TaskStatus = "open"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusInReview   TaskStatus = "in_review"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusDone       TaskStatus = "done"
	TaskStatusArchived   TaskStatus = "archived"
)

// Task mirrors the task-tracking service's task resource.
type Task struct {
	ID                 string         `json:"id"`
	ProjectID          string         `json:"project_id"`
	MilestoneID        string         `json:"milestone_id,omitempty"`
	ParentTaskID       string         `json:"parent_task_id,omitempty"`
	Title              string         `json:"title"`
	Description        string         `json:"description"`
	Status             TaskStatus     `json:"status"`
	PriorityScore      float64        `json:"priority_score"`
	ExternalID         string         `json:"external_id,omitempty"`
	Labels             []string       `json:"labels,omitempty"`
	LockVersion        int64          `json:"lock_version"`
	Branch             string         `json:"branch,omitempty"`
	DueAt              *time.Time     `json:"due_at,omitempty"`
	Order              int            `json:"order,omitempty"`
	BlockedDependencies []string      `json:"blocked_dependencies,omitempty"`
	Extra              map[string]any `json:"-"`
}

// Project is read-only from this system's perspective.
type Project struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Slug         string       `json:"slug,omitempty"`
	Milestones   []Milestone  `json:"milestones,omitempty"`
	Repositories []Repository `json:"repositories,omitempty"`
}

// Repository identifies a source repository associated with a project.
type Repository struct {
	URL         string `json:"url"`
	LocalPath   string `json:"local_path,omitempty"`
	ProjectHint string `json:"project_hint,omitempty"`
}

// Milestone is read-only; may be auto-created by the Task-Service client
// when create_milestone_if_missing is set and the slug is allow-listed.
type Milestone struct {
	ID     string   `json:"id"`
	Slug   string   `json:"slug"`
	Name   string   `json:"name"`
	Branch string   `json:"branch,omitempty"`
	Tasks  []string `json:"tasks,omitempty"`
}

// WorkflowDefinition is the declarative step graph loaded from YAML.
// It is immutable for the duration of a workflow invocation.
type WorkflowDefinition struct {
	Name    string           `yaml:"name" json:"name"`
	Version string           `yaml:"version" json:"version"`
	Steps   []StepDefinition `yaml:"steps" json:"steps"`
}

// StepDefinition describes one node in the workflow DAG.
type StepDefinition struct {
	Name             string         `yaml:"name" json:"name"`
	Type             string         `yaml:"type" json:"type"`
	DependsOn        []string       `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Condition        string         `yaml:"condition,omitempty" json:"condition,omitempty"`
	Outputs          []string       `yaml:"outputs,omitempty" json:"outputs,omitempty"`
	ContinueOnFailure bool          `yaml:"continue_on_failure,omitempty" json:"continue_on_failure,omitempty"`
	Config           map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

// PersonaRequestEnvelope is the wire shape carried on the request stream.
// All fields are string-valued on the wire (stream entries are flat
// string maps); Payload carries a JSON-encoded string.
type PersonaRequestEnvelope struct {
	WorkflowID string `json:"workflow_id"`
	Step       string `json:"step"`
	From       string `json:"from"`
	ToPersona  string `json:"to_persona,omitempty"`
	Intent     string `json:"intent"`
	CorrID     string `json:"corr_id"`
	Payload    string `json:"payload"`
	Repo       string `json:"repo,omitempty"`
	Branch     string `json:"branch,omitempty"`
	ProjectID  string `json:"project_id,omitempty"`
	TaskID     string `json:"task_id,omitempty"`
	DeadlineS  int64  `json:"deadline_s"`
}

// PersonaResponseEnvelope is the wire shape carried on the event stream.
type PersonaResponseEnvelope struct {
	WorkflowID  string `json:"workflow_id"`
	FromPersona string `json:"from_persona"`
	Status      string `json:"status"` // done | error
	CorrID      string `json:"corr_id"`
	Step        string `json:"step"`
	Result      string `json:"result"` // JSON-encoded PersonaResultBody
	DurationMs  int64  `json:"duration_ms"`
	Ts          int64  `json:"ts,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ResultStatus is the normalized status inside a Persona Result Body.
type ResultStatus string

const (
	ResultPass    ResultStatus = "pass"
	ResultFail    ResultStatus = "fail"
	ResultUnknown ResultStatus = "unknown"
)

// PersonaResultBody is the decoded contents of a response envelope's Result
// field.
type PersonaResultBody struct {
	Output             string              `json:"output"`
	Status             ResultStatus        `json:"status"`
	Payload            map[string]any      `json:"payload,omitempty"`
	InformationRequest []InformationRequest `json:"information_request,omitempty"`
	DurationMs         int64               `json:"duration_ms,omitempty"`

	// Raw holds the full decoded JSON object so unknown fields survive
	// round-tripping through artifacts/logs (forward compatibility).
	Raw map[string]any `json:"-"`
}

// InformationRequest is one entry of a persona's information_request array.
type InformationRequest struct {
	Type      string `json:"type"` // repo_file | http_get
	Path      string `json:"path,omitempty"`
	StartLine int    `json:"start_line,omitempty"`
	EndLine   int    `json:"end_line,omitempty"`
	MaxBytes  int    `json:"max_bytes,omitempty"`
	Reason    string `json:"reason,omitempty"`
	URL       string `json:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// PlanStep is one entry of a Plan Payload's plan array.
type PlanStep struct {
	Goal         string   `json:"goal"`
	KeyFiles     []string `json:"key_files"`
	Owners       []string `json:"owners,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// PlanPayload is the planner's structured output.
type PlanPayload struct {
	Plan []PlanStep     `json:"plan"`
	Meta map[string]any `json:"meta,omitempty"`
}

// CommitResult describes the outcome of a commit/push attempt.
type CommitResult struct {
	Committed bool   `json:"committed"`
	Pushed    bool   `json:"pushed"`
	Branch    string `json:"branch"`
	SHA       string `json:"sha,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// AppliedEditsRecord is returned by DiffApply and consumed by Coordinator
// success checks.
type AppliedEditsRecord struct {
	Attempted bool          `json:"attempted"`
	Applied   bool          `json:"applied"`
	Reason    string        `json:"reason,omitempty"`
	Paths     []string      `json:"paths,omitempty"`
	Commit    *CommitResult `json:"commit,omitempty"`
}

// RepoSnapshot is the persisted shape of .ma/context/snapshot.json.
type RepoSnapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Files       []FileSummary  `json:"files"`
	Languages   map[string]int `json:"languages"`
	Excluded    []string       `json:"excluded"`
}

// FileSummary is one entry of a RepoSnapshot.
type FileSummary struct {
	Path  string    `json:"path"`
	Bytes int64     `json:"bytes"`
	Mtime time.Time `json:"mtime"`
}

// InformationRequestRecord audits one fulfilled information-request
// iteration; a persisted artifact under .ma/ is optional.
type InformationRequestRecord struct {
	Iteration    int    `json:"iteration"`
	Signature    string `json:"signature"`
	Kind         string `json:"kind"`
	Summary      string `json:"summary"`
	Truncated    bool   `json:"truncated"`
	ArtifactPath string `json:"artifact_path,omitempty"`
}
