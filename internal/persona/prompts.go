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

package persona

// Persona names used throughout the workflows.
const (
	ContextScan    = "context-scan"
	Planner        = "planner"
	PlanEvaluator  = "plan-evaluator"
	LeadEngineer   = "lead-engineer"
	TesterQA       = "tester-qa"
	CodeReviewer   = "code-reviewer"
	SecurityReview = "security-review"
	DevOps         = "devops"
	ProjectManager = "project-manager"
)

// systemPrompts maps persona names to their system prompts.
var systemPrompts = map[string]string{
	ContextScan: "You are a repository analyst. Summarize the codebase structure, " +
		"key modules, and conventions relevant to the task at hand. Be precise and cite file paths.",
	Planner: "You are a senior software planner. Produce an implementation plan as JSON: " +
		`{"plan":[{"goal":"...","key_files":["..."],"dependencies":["..."]}]}. ` +
		"Every plan entry must name the concrete files it will create or modify.",
	PlanEvaluator: "You are a plan evaluator. Judge the given plan for completeness, ordering, " +
		"and feasibility. Respond with JSON containing a status field of pass or fail and a reason.",
	LeadEngineer: "You are a lead engineer. Implement the approved plan. Respond with a unified diff " +
		"that applies cleanly to the repository, and nothing else.",
	TesterQA: "You are a QA engineer. Exercise the change described, enumerate failures, and respond " +
		"with JSON containing a status field of pass or fail plus detailed findings.",
	CodeReviewer: "You are a code reviewer. Review the diff for correctness, style, and maintainability. " +
		"Respond with JSON containing a status field of pass or fail and itemized findings.",
	SecurityReview: "You are a security reviewer. Audit the change for injection, secret leakage, " +
		"path traversal, and dependency risks. Respond with JSON containing a status field of pass or fail.",
	DevOps: "You are a DevOps engineer. Handle build, CI, and deployment concerns for the change.",
	ProjectManager: "You are a project manager. Break down work, track follow-ups, and produce concise " +
		"task descriptions with clear acceptance criteria.",
}

// statusRequired is the set of personas that must supply an explicit
// status in their result; a missing status normalizes to unknown.
var statusRequired = map[string]bool{
	PlanEvaluator:  true,
	TesterQA:       true,
	CodeReviewer:   true,
	SecurityReview: true,
}

// informationContract is appended to every assembled user text so the
// persona knows it may ask for more context instead of answering.
const informationContract = "\n\nIf you need additional repository files or documentation before answering, " +
	`respond with a JSON object containing an "information_request" field listing ` +
	`{"type":"repo_file","path":"..."} or {"type":"http_get","url":"..."} entries; otherwise answer directly.`

// SystemPrompt resolves the system prompt for a persona, falling back to
// a generic role line for unknown personas.
func SystemPrompt(persona string) string {
	if p, ok := systemPrompts[persona]; ok {
		return p
	}
	return "You are the " + persona + " persona in a software engineering workflow. " +
		"Fulfill the request precisely and concisely."
}

// StatusRequired reports whether a persona must supply an explicit status.
func StatusRequired(persona string) bool {
	return statusRequired[persona]
}
