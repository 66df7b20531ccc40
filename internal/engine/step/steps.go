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

// Package step is maestro's step library: the typed step kinds a
// workflow definition can instantiate. Registration is data-driven; the
// engine selects kinds by their string type.
package step

import (
	"fmt"
	"strconv"

	"github.com/maestrohq/maestro/internal/domain"
	"github.com/maestrohq/maestro/internal/engine"
)

// Step type strings as used in workflow YAML.
const (
	TypePersonaRequest       = "persona_request"
	TypeDiffApply            = "diff_apply"
	TypeGitArtifact          = "git_artifact"
	TypePlanKeyFileGuard     = "plan_key_file_guard"
	TypeImplementationLoop   = "implementation_loop"
	TypeContext              = "context"
	TypeVariableResolution   = "variable_resolution"
	TypeRegisterBlockedDeps  = "register_blocked_dependencies"
)

// NewRegistry builds the registry with every step kind registered.
func NewRegistry() *engine.Registry {
	r := engine.NewRegistry()
	r.Register(TypePersonaRequest, newPersonaRequestStep)
	r.Register(TypePlanApproval, newPlanApprovalStep)
	r.Register(TypeDiffApply, newDiffApplyStep)
	r.Register(TypeGitArtifact, newGitArtifactStep)
	r.Register(TypePlanKeyFileGuard, newPlanKeyFileGuardStep)
	r.Register(TypeImplementationLoop, newImplementationLoopStep)
	r.Register(TypeContext, newContextStep)
	r.Register(TypeVariableResolution, newVariableResolutionStep)
	r.Register(TypeRegisterBlockedDeps, newRegisterBlockedDepsStep)
	return r
}

func fail(err error) engine.StepResult {
	return engine.StepResult{Status: engine.StatusFailure, Error: err}
}

func failf(format string, args ...any) engine.StepResult {
	return fail(fmt.Errorf(format, args...))
}

func success(outputs map[string]any) engine.StepResult {
	return engine.StepResult{Status: engine.StatusSuccess, Outputs: outputs}
}

func cfgString(cfg map[string]any, key string) string {
	if v, ok := cfg[key]; ok {
		switch t := v.(type) {
		case string:
			return t
		default:
			return fmt.Sprint(t)
		}
	}
	return ""
}

func cfgBool(cfg map[string]any, key string, def bool) bool {
	v, ok := cfg[key]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, err := strconv.ParseBool(t)
		if err != nil {
			return def
		}
		return b
	default:
		return def
	}
}

func cfgInt(cfg map[string]any, key string, def int) int {
	v, ok := cfg[key]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		n, err := strconv.Atoi(t)
		if err != nil {
			return def
		}
		return n
	default:
		return def
	}
}

func cfgMap(cfg map[string]any, key string) map[string]any {
	if m, ok := cfg[key].(map[string]any); ok {
		return m
	}
	return nil
}

func cfgStrings(cfg map[string]any, key string) []string {
	switch t := cfg[key].(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, v := range t {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// planStepsFrom decodes a plan value (from a step output or variable)
// into plan steps, accepting either a payload object or a bare array.
func planStepsFrom(v any) []domain.PlanStep {
	switch t := v.(type) {
	case []domain.PlanStep:
		return t
	case *domain.PlanPayload:
		if t != nil {
			return t.Plan
		}
	case domain.PlanPayload:
		return t.Plan
	case map[string]any:
		if inner, ok := t["plan"]; ok {
			return planStepsFrom(inner)
		}
	case []any:
		var out []domain.PlanStep
		for _, item := range t {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			ps := domain.PlanStep{}
			if g, ok := m["goal"].(string); ok {
				ps.Goal = g
			}
			for _, key := range []string{"key_files", "keyFiles"} {
				if files, ok := m[key]; ok {
					ps.KeyFiles = anyStrings(files)
				}
			}
			if ps.Goal != "" || len(ps.KeyFiles) > 0 {
				out = append(out, ps)
			}
		}
		return out
	}
	return nil
}

func anyStrings(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
