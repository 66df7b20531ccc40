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

// Package planapproval drives the planner → plan-evaluator iteration
// loop until a plan is approved or the iteration budget is exhausted.
package planapproval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/maestrohq/maestro/internal/domain"
	maestrolog "github.com/maestrohq/maestro/internal/log"
	"github.com/maestrohq/maestro/internal/persona"
)

// Requester is the persona-execution seam; the engine passes the real
// executor, tests pass a script.
type Requester interface {
	Execute(ctx context.Context, req persona.Request) (*persona.Outcome, error)
}

// CitationPolicy is forwarded to both planner and evaluator; enforcement
// is the evaluator persona's responsibility.
type CitationPolicy struct {
	RequireCitations     bool     `json:"require_citations"`
	CitationFields       []string `json:"citation_fields,omitempty"`
	UncitedBudget        int      `json:"uncited_budget,omitempty"`
	TreatUncitedAsInvalid bool    `json:"treat_uncited_as_invalid,omitempty"`
}

// Input parameterizes one approval run.
type Input struct {
	WorkflowID string
	Step       string
	Repo       string
	Branch     string
	ProjectID  string
	TaskID     string

	// QAFeedback seeds the first planner prompt (e.g. from a failed QA
	// round in the implementation loop).
	QAFeedback string
	// TaskPayload is merged into every planner request payload.
	TaskPayload map[string]any

	Citation      CitationPolicy
	MaxIterations int // default 5
}

// HistoryEntry records one planner/evaluator round.
type HistoryEntry struct {
	Attempt          int    `json:"attempt"`
	PlanText         string `json:"plan_text"`
	EvaluatorStatus  string `json:"evaluator_status"`
	EvaluatorReason  string `json:"evaluator_reason,omitempty"`
	RevisionFeedback string `json:"revision_feedback,omitempty"`
}

// Result is the terminal outcome. Approved is false only when the
// iteration budget ran out; the last plan is still returned with
// meta.plan_approved=false so the caller can decide.
type Result struct {
	Approved    bool
	PlanText    string
	PlanPayload *domain.PlanPayload
	PlanSteps   []domain.PlanStep
	History     []HistoryEntry
}

// Machine runs the approval loop.
type Machine struct {
	requester Requester
	logger    *slog.Logger
}

// New creates a Machine.
func New(requester Requester, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{requester: requester, logger: maestrolog.WithComponent(logger, "planapproval")}
}

// Run executes Request → AwaitPlan → AwaitEvaluation rounds until
// Approved, or marks the final plan unapproved after MaxIterations.
func (m *Machine) Run(ctx context.Context, input Input) (*Result, error) {
	maxIterations := input.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 5
	}

	result := &Result{}
	feedback := input.QAFeedback

	for attempt := 1; attempt <= maxIterations; attempt++ {
		entry := HistoryEntry{Attempt: attempt}

		planOutcome, err := m.requestPlan(ctx, input, feedback, attempt)
		if err != nil {
			return result, err
		}
		planText, payload := extractPlan(planOutcome.Body)
		entry.PlanText = planText
		result.PlanText = planText
		result.PlanPayload = payload
		result.PlanSteps = payload.Plan

		if len(payload.Plan) == 0 {
			entry.EvaluatorStatus = "fail"
			entry.EvaluatorReason = "plan array is empty"
			feedback = reviseFeedback(input.QAFeedback, "the previous response contained no plan entries")
			entry.RevisionFeedback = feedback
			result.History = append(result.History, entry)
			m.logger.Debug("empty plan, requesting revision", slog.Int("attempt", attempt))
			continue
		}

		evalOutcome, err := m.requestEvaluation(ctx, input, planText, payload, feedback)
		if err != nil {
			return result, err
		}
		entry.EvaluatorStatus = string(evalOutcome.Body.Status)
		entry.EvaluatorReason = evaluatorReason(evalOutcome.Body)

		if evalOutcome.Body.Status == domain.ResultPass {
			result.History = append(result.History, entry)
			result.Approved = true
			if payload.Meta == nil {
				payload.Meta = map[string]any{}
			}
			payload.Meta["plan_approved"] = true
			m.logger.Info("plan approved",
				slog.Int("attempt", attempt),
				slog.Int("plan_steps", len(payload.Plan)))
			return result, nil
		}

		feedback = reviseFeedback(input.QAFeedback, entry.EvaluatorReason)
		entry.RevisionFeedback = feedback
		result.History = append(result.History, entry)
		m.logger.Debug("plan rejected, revising",
			slog.Int("attempt", attempt),
			slog.String("reason", entry.EvaluatorReason))
	}

	// Budget exhausted: soft failure, the last plan is passed through.
	if result.PlanPayload == nil {
		result.PlanPayload = &domain.PlanPayload{}
	}
	if result.PlanPayload.Meta == nil {
		result.PlanPayload.Meta = map[string]any{}
	}
	result.PlanPayload.Meta["plan_approved"] = false
	result.PlanPayload.Meta["reason"] = "iteration_limit_exceeded"
	m.logger.Warn("plan approval iteration limit exceeded",
		slog.Int("attempts", len(result.History)))
	return result, nil
}

func (m *Machine) requestPlan(ctx context.Context, input Input, feedback string, attempt int) (*persona.Outcome, error) {
	payload := map[string]any{
		"citation_policy": citationMap(input.Citation),
		"attempt":         attempt,
	}
	for k, v := range input.TaskPayload {
		payload[k] = v
	}
	if feedback != "" {
		payload["plan_feedback"] = feedback
		payload["guidance"] = "Your next plan must include an acknowledged_feedback field echoing the feedback " +
			"verbatim and a plan_changes_mapping array mapping each feedback point to the plan change addressing it."
	}
	noAbort := false
	return m.requester.Execute(ctx, persona.Request{
		Persona:        persona.Planner,
		WorkflowID:     input.WorkflowID,
		Step:           input.Step,
		Intent:         "produce implementation plan",
		Payload:        payload,
		Repo:           input.Repo,
		Branch:         input.Branch,
		ProjectID:      input.ProjectID,
		TaskID:         input.TaskID,
		AbortOnFailure: &noAbort,
	})
}

func (m *Machine) requestEvaluation(ctx context.Context, input Input, planText string, payload *domain.PlanPayload, qaFeedback string) (*persona.Outcome, error) {
	planJSON, _ := json.Marshal(payload.Plan)
	noAbort := false
	return m.requester.Execute(ctx, persona.Request{
		Persona:    persona.PlanEvaluator,
		WorkflowID: input.WorkflowID,
		Step:       input.Step,
		Intent:     "evaluate implementation plan",
		Payload: map[string]any{
			"user_text": "Evaluate this implementation plan.\n\nPlan:\n" + planText +
				"\n\nStructured plan JSON:\n" + string(planJSON),
			"qa_feedback":     qaFeedback,
			"plan":            json.RawMessage(planJSON),
			"citation_policy": citationMap(input.Citation),
		},
		Repo:           input.Repo,
		Branch:         input.Branch,
		ProjectID:      input.ProjectID,
		TaskID:         input.TaskID,
		AbortOnFailure: &noAbort,
	})
}

// extractPlan pulls the plan array out of a planner result, accepting
// plan | steps | items as the field name, from the payload or the raw
// decoded body.
func extractPlan(body domain.PersonaResultBody) (string, *domain.PlanPayload) {
	sources := []map[string]any{body.Payload, body.Raw}
	for _, src := range sources {
		if src == nil {
			continue
		}
		for _, key := range []string{"plan", "steps", "items"} {
			raw, ok := src[key]
			if !ok {
				continue
			}
			steps := decodePlanSteps(raw)
			if len(steps) == 0 {
				continue
			}
			payload := &domain.PlanPayload{Plan: steps}
			if meta, ok := src["meta"].(map[string]any); ok {
				payload.Meta = meta
			}
			text := body.Output
			if text == "" {
				b, _ := json.MarshalIndent(steps, "", "  ")
				text = string(b)
			}
			return text, payload
		}
	}
	return body.Output, &domain.PlanPayload{}
}

func decodePlanSteps(v any) []domain.PlanStep {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var steps []domain.PlanStep
	if err := json.Unmarshal(b, &steps); err != nil {
		return nil
	}
	out := steps[:0]
	for _, s := range steps {
		if s.Goal != "" || len(s.KeyFiles) > 0 {
			out = append(out, s)
		}
	}
	return out
}

func evaluatorReason(body domain.PersonaResultBody) string {
	if body.Raw != nil {
		if r, ok := body.Raw["reason"].(string); ok && r != "" {
			return r
		}
	}
	if body.Payload != nil {
		if r, ok := body.Payload["reason"].(string); ok && r != "" {
			return r
		}
	}
	return strings.TrimSpace(body.Output)
}

// reviseFeedback combines QA feedback and the evaluator's reason into
// the note seeding the next planner attempt.
func reviseFeedback(qaFeedback, reason string) string {
	var parts []string
	if qaFeedback != "" {
		parts = append(parts, "QA feedback: "+qaFeedback)
	}
	if reason != "" {
		parts = append(parts, "Evaluator feedback: "+reason)
	}
	if len(parts) == 0 {
		parts = append(parts, "The previous plan was not approved.")
	}
	return fmt.Sprintf("%s Revise the plan accordingly.", strings.Join(parts, " "))
}

func citationMap(c CitationPolicy) map[string]any {
	return map[string]any{
		"require_citations":        c.RequireCitations,
		"citation_fields":          c.CitationFields,
		"uncited_budget":           c.UncitedBudget,
		"treat_uncited_as_invalid": c.TreatUncitedAsInvalid,
	}
}
