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
	"fmt"
	"sort"
	"strings"

	"github.com/maestrohq/maestro/internal/domain"
	"github.com/maestrohq/maestro/internal/engine"
)

// variableResolutionStep evaluates a map of named expressions and sets
// the results as context variables. The step succeeds only when every
// key resolved; per-key errors are reported together.
type variableResolutionStep struct {
	def    domain.StepDefinition
	config map[string]any
}

func newVariableResolutionStep(def domain.StepDefinition, config map[string]any) (engine.Step, error) {
	return &variableResolutionStep{def: def, config: config}, nil
}

func (s *variableResolutionStep) Execute(_ context.Context, wf *engine.Context) engine.StepResult {
	exprs := cfgMap(s.config, "variables")
	if exprs == nil {
		return failf("variable_resolution step %q: variables map is required", s.def.Name)
	}

	// Deterministic evaluation order so later keys can read earlier ones.
	keys := make([]string, 0, len(exprs))
	for k := range exprs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	outputs := map[string]any{}
	var errs []string
	for _, key := range keys {
		source, ok := exprs[key].(string)
		if !ok {
			// Non-string values pass through as literals.
			wf.SetVariable(key, exprs[key])
			outputs[key] = exprs[key]
			continue
		}
		val, err := wf.Evaluator.Evaluate(source, wf.Variables)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
			continue
		}
		wf.SetVariable(key, val)
		outputs[key] = val
	}

	if len(errs) > 0 {
		return engine.StepResult{
			Status:  engine.StatusFailure,
			Error:   fmt.Errorf("variable resolution failed: %s", strings.Join(errs, "; ")),
			Outputs: outputs,
		}
	}
	return success(outputs)
}
