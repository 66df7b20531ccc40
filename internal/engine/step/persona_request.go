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

	"github.com/maestrohq/maestro/internal/domain"
	"github.com/maestrohq/maestro/internal/engine"
	"github.com/maestrohq/maestro/internal/persona"
)

// SkipPersonaOperationsEnv bypasses real persona dispatch in tests,
// synthesizing a deterministic pass result.
const SkipPersonaOperationsEnv = "SKIP_PERSONA_OPERATIONS"

// personaRequestStep is the thin wrapper over the persona executor.
type personaRequestStep struct {
	def    domain.StepDefinition
	config map[string]any
}

func newPersonaRequestStep(def domain.StepDefinition, config map[string]any) (engine.Step, error) {
	return &personaRequestStep{def: def, config: config}, nil
}

func (s *personaRequestStep) Execute(ctx context.Context, wf *engine.Context) engine.StepResult {
	personaName := cfgString(s.config, "persona")
	if personaName == "" {
		return failf("persona_request step %q: persona is required", s.def.Name)
	}
	intent := cfgString(s.config, "intent")
	if intent == "" {
		intent = s.def.Name
	}

	if os.Getenv(SkipPersonaOperationsEnv) == "1" {
		body := domain.PersonaResultBody{
			Output: "synthesized pass (persona operations skipped)",
			Status: domain.ResultPass,
		}
		return success(map[string]any{
			"output":  body.Output,
			"status":  string(body.Status),
			"persona": personaName,
			"result":  body,
		})
	}

	payload := cfgMap(s.config, "payload")
	if payload == nil {
		payload = map[string]any{}
	}
	var abort *bool
	if _, ok := s.config["abort_on_failure"]; ok {
		v := cfgBool(s.config, "abort_on_failure", true)
		abort = &v
	}

	outcome, err := wf.Personas.Execute(ctx, persona.Request{
		Persona:        personaName,
		WorkflowID:     wf.WorkflowID,
		Step:           s.def.Name,
		Intent:         intent,
		Payload:        payload,
		Repo:           wf.RepoRoot,
		Branch:         wf.Branch,
		ProjectID:      wf.ProjectID,
		TaskID:         taskID(wf),
		AbortOnFailure: abort,
	})
	if err != nil {
		return fail(err)
	}

	outputs := map[string]any{
		"output":  outcome.Body.Output,
		"status":  string(outcome.Body.Status),
		"persona": personaName,
		"corr_id": outcome.CorrID,
		"result":  outcome.Body,
	}
	if outcome.Body.Payload != nil {
		outputs["payload"] = outcome.Body.Payload
	}
	return success(outputs)
}

func taskID(wf *engine.Context) string {
	if wf.Task != nil {
		return wf.Task.ID
	}
	return ""
}
