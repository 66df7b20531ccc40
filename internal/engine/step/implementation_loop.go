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
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/maestrohq/maestro/internal/domain"
	"github.com/maestrohq/maestro/internal/engine"
	"github.com/maestrohq/maestro/internal/persona"
)

// implementationLoopStep fuses implementer → diff apply → plan guard
// into one bounded retry loop. Config-file validation on touched plan
// files counts as an unsatisfied guard and triggers another attempt.
type implementationLoopStep struct {
	def    domain.StepDefinition
	config map[string]any
}

func newImplementationLoopStep(def domain.StepDefinition, config map[string]any) (engine.Step, error) {
	return &implementationLoopStep{def: def, config: config}, nil
}

func (s *implementationLoopStep) Execute(ctx context.Context, wf *engine.Context) engine.StepResult {
	maxAttempts := cfgInt(s.config, "max_attempts", 3)
	taskName := cfgString(s.config, "task_name")
	if taskName == "" && wf.Task != nil {
		taskName = wf.Task.Title
	}

	planSteps := s.planSteps(wf)
	keyFiles := keyFileUnion(planSteps)

	var lastMissing []string
	var lastValidationErrors []string
	feedback := ""

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		outcome, err := s.requestImplementation(ctx, wf, planSteps, feedback, attempt)
		if err != nil {
			return fail(err)
		}

		message := fmt.Sprintf("feat: implement %s", taskName)
		if attempt > 1 {
			message = fmt.Sprintf("%s (attempt %d)", message, attempt)
		}

		applyStep := &diffApplyStep{
			def: s.def,
			config: map[string]any{
				"diff":           outcome.Body.Output,
				"commit":         cfgBool(s.config, "commit", true),
				"push":           cfgBool(s.config, "push", false),
				"commit_message": message,
			},
		}
		applyResult := applyStep.Execute(ctx, wf)
		if applyResult.Status == engine.StatusFailure {
			// Edits that landed but failed to commit or push are a
			// repository failure, not something another diff can fix.
			if record, ok := applyResult.Outputs["applyResult"].(*domain.AppliedEditsRecord); ok && record.Applied {
				return applyResult
			}
			feedback = fmt.Sprintf("your diff did not apply: %v. Produce a corrected unified diff.", applyResult.Error)
			wf.Logger.Warn("implementation diff apply failed",
				slog.Int("attempt", attempt), slog.Any("error", applyResult.Error))
			lastMissing = keyFiles
			continue
		}

		lastMissing = missingFiles(wf.RepoRoot, keyFiles)
		lastValidationErrors = validateConfigFiles(wf.RepoRoot, touchedPlanFiles(applyResult, keyFiles))

		if len(lastMissing) == 0 && len(lastValidationErrors) == 0 {
			return success(map[string]any{
				"attempts":      attempt,
				"applied_files": applyResult.Outputs["applied_files"],
				"applyResult":   applyResult.Outputs["applyResult"],
				"missing_files": []string{},
			})
		}

		var notes []string
		if len(lastMissing) > 0 {
			notes = append(notes, "these plan key files are still missing: "+strings.Join(lastMissing, ", "))
		}
		if len(lastValidationErrors) > 0 {
			notes = append(notes, "these config files do not parse: "+strings.Join(lastValidationErrors, "; "))
		}
		feedback = "The previous attempt was incomplete: " + strings.Join(notes, ". ") + "."
		wf.Logger.Debug("implementation attempt incomplete",
			slog.Int("attempt", attempt),
			slog.Int("missing", len(lastMissing)),
			slog.Int("validation_errors", len(lastValidationErrors)))
	}

	var unresolved []string
	if len(lastMissing) > 0 {
		unresolved = append(unresolved, fmt.Sprintf("missing plan files: %s", strings.Join(lastMissing, ", ")))
	}
	if len(lastValidationErrors) > 0 {
		unresolved = append(unresolved, fmt.Sprintf("config validation errors: %s", strings.Join(lastValidationErrors, "; ")))
	}
	if len(unresolved) == 0 {
		unresolved = append(unresolved, "no diff applied cleanly")
	}
	return engine.StepResult{
		Status: engine.StatusFailure,
		Error:  fmt.Errorf("implementation loop exhausted %d attempts: %s", maxAttempts, strings.Join(unresolved, "; ")),
		Outputs: map[string]any{
			"missing_files":     lastMissing,
			"validation_errors": lastValidationErrors,
		},
	}
}

func (s *implementationLoopStep) requestImplementation(ctx context.Context, wf *engine.Context, planSteps []domain.PlanStep, feedback string, attempt int) (*persona.Outcome, error) {
	planJSON, _ := json.Marshal(planSteps)
	payload := map[string]any{
		"plan":    json.RawMessage(planJSON),
		"attempt": attempt,
	}
	if planText, ok := wf.Variables["planText"].(string); ok && planText != "" {
		payload["user_text"] = "Implement this approved plan as a unified diff.\n\n" + planText
	}
	if feedback != "" {
		payload["feedback"] = feedback
	}
	implementer := cfgString(s.config, "persona")
	if implementer == "" {
		implementer = persona.LeadEngineer
	}
	return wf.Personas.Execute(ctx, persona.Request{
		Persona:    implementer,
		WorkflowID: wf.WorkflowID,
		Step:       s.def.Name,
		Intent:     "implement approved plan",
		Payload:    payload,
		Repo:       wf.RepoRoot,
		Branch:     wf.Branch,
		ProjectID:  wf.ProjectID,
		TaskID:     taskID(wf),
	})
}

func (s *implementationLoopStep) planSteps(wf *engine.Context) []domain.PlanStep {
	if stepName := cfgString(s.config, "plan_step"); stepName != "" {
		if outputs, ok := wf.StepOutputs[stepName]; ok {
			for _, key := range []string{"plan", "planSteps", "payload"} {
				if steps := planStepsFrom(outputs[key]); len(steps) > 0 {
					return steps
				}
			}
		}
	}
	for _, key := range []string{"planSteps", "plan"} {
		if steps := planStepsFrom(wf.Variables[key]); len(steps) > 0 {
			return steps
		}
	}
	return nil
}

func keyFileUnion(steps []domain.PlanStep) []string {
	set := map[string]bool{}
	var out []string
	for _, ps := range steps {
		for _, f := range ps.KeyFiles {
			cleaned := filepath.ToSlash(filepath.Clean(f))
			if !set[cleaned] {
				set[cleaned] = true
				out = append(out, cleaned)
			}
		}
	}
	return out
}

func missingFiles(repoRoot string, keyFiles []string) []string {
	var missing []string
	for _, rel := range keyFiles {
		if _, err := os.Stat(filepath.Join(repoRoot, filepath.FromSlash(rel))); err != nil {
			missing = append(missing, rel)
		}
	}
	return missing
}

// touchedPlanFiles intersects the applied paths with the plan's key
// files; only those are config-validated.
func touchedPlanFiles(applyResult engine.StepResult, keyFiles []string) []string {
	applied := anyStrings(applyResult.Outputs["applied_files"])
	keySet := map[string]bool{}
	for _, f := range keyFiles {
		keySet[f] = true
	}
	var out []string
	for _, p := range applied {
		if keySet[p] {
			out = append(out, p)
		}
	}
	return out
}

// validateConfigFiles parses JSON/YAML plan files that were touched;
// a parse failure counts as an unsatisfied guard.
func validateConfigFiles(repoRoot string, files []string) []string {
	var errs []string
	for _, rel := range files {
		abs := filepath.Join(repoRoot, filepath.FromSlash(rel))
		raw, err := os.ReadFile(abs)
		if err != nil {
			continue
		}
		switch strings.ToLower(filepath.Ext(rel)) {
		case ".json":
			var v any
			if jerr := json.Unmarshal(raw, &v); jerr != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", rel, jerr))
			}
		case ".yaml", ".yml":
			var v any
			if yerr := yaml.Unmarshal(raw, &v); yerr != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", rel, yerr))
			}
		}
	}
	return errs
}
