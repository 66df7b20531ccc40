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

	"github.com/maestrohq/maestro/internal/domain"
	"github.com/maestrohq/maestro/internal/engine"
	"github.com/maestrohq/maestro/internal/planapproval"
	maestroerrors "github.com/maestrohq/maestro/pkg/errors"
)

// TypePlanApproval runs the planner → evaluator approval loop as one
// step.
const TypePlanApproval = "plan_approval"

type planApprovalStep struct {
	def    domain.StepDefinition
	config map[string]any
}

func newPlanApprovalStep(def domain.StepDefinition, config map[string]any) (engine.Step, error) {
	return &planApprovalStep{def: def, config: config}, nil
}

func (s *planApprovalStep) Execute(ctx context.Context, wf *engine.Context) engine.StepResult {
	maxIterations := cfgInt(s.config, "max_iterations", 0)
	if maxIterations == 0 && wf.Config != nil {
		maxIterations = wf.Config.PlanMaxIterationsPerStage
	}

	citation := planapproval.CitationPolicy{
		RequireCitations:      cfgBool(s.config, "require_citations", false),
		CitationFields:        cfgStrings(s.config, "citation_fields"),
		UncitedBudget:         cfgInt(s.config, "uncited_budget", 0),
		TreatUncitedAsInvalid: cfgBool(s.config, "treat_uncited_as_invalid", false),
	}

	taskPayload := map[string]any{}
	if wf.Task != nil {
		taskPayload["task"] = map[string]any{
			"title":       wf.Task.Title,
			"description": wf.Task.Description,
		}
	}
	if extra := cfgMap(s.config, "payload"); extra != nil {
		for k, v := range extra {
			taskPayload[k] = v
		}
	}

	machine := planapproval.New(wf.Personas, wf.Logger)
	result, err := machine.Run(ctx, planapproval.Input{
		WorkflowID:    wf.WorkflowID,
		Step:          s.def.Name,
		Repo:          wf.RepoRoot,
		Branch:        wf.Branch,
		ProjectID:     wf.ProjectID,
		TaskID:        taskID(wf),
		QAFeedback:    cfgString(s.config, "qa_feedback"),
		TaskPayload:   taskPayload,
		Citation:      citation,
		MaxIterations: maxIterations,
	})
	if err != nil {
		return fail(err)
	}

	// Iteration exhaustion is soft: the unapproved plan is passed through
	// and the caller decides (spec treats it as non-fatal by default).
	outputs := map[string]any{
		"plan_approved": result.Approved,
		"planText":      result.PlanText,
		"planPayload":   result.PlanPayload,
		"plan":          result.PlanSteps,
		"planSteps":     result.PlanSteps,
		"history":       result.History,
		"attempts":      len(result.History),
	}
	wf.SetVariable("planText", result.PlanText)
	wf.SetVariable("planSteps", result.PlanSteps)

	if !result.Approved && cfgBool(s.config, "fail_on_unapproved", false) {
		return engine.StepResult{
			Status:  engine.StatusFailure,
			Error:   &maestroerrors.PlanIterationLimitError{Attempts: len(result.History)},
			Outputs: outputs,
		}
	}
	return success(outputs)
}
