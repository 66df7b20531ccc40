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
)

// registerBlockedDepsStep merges dependency task ids into the parent
// task's blocked_dependencies via the task service. An empty list only
// clears when allow_clear is set.
type registerBlockedDepsStep struct {
	def    domain.StepDefinition
	config map[string]any
}

func newRegisterBlockedDepsStep(def domain.StepDefinition, config map[string]any) (engine.Step, error) {
	return &registerBlockedDepsStep{def: def, config: config}, nil
}

func (s *registerBlockedDepsStep) Execute(ctx context.Context, wf *engine.Context) engine.StepResult {
	if wf.Tasks == nil {
		return failf("register_blocked_dependencies step %q: no task service configured", s.def.Name)
	}
	if wf.Task == nil {
		return failf("register_blocked_dependencies step %q: no task in context", s.def.Name)
	}

	deps := cfgStrings(s.config, "dependencies")
	allowClear := cfgBool(s.config, "allow_clear", false)

	// Merge with the task's existing dependencies; the service call is a
	// full replacement.
	var merged []string
	if len(deps) > 0 {
		set := map[string]bool{}
		for _, d := range append(append([]string{}, wf.Task.BlockedDependencies...), deps...) {
			if d != "" && !set[d] {
				set[d] = true
				merged = append(merged, d)
			}
		}
	}

	res := wf.Tasks.RegisterBlockedDependencies(ctx, wf.ProjectID, wf.Task.ID, merged, allowClear)
	if !res.OK {
		return failf("register blocked dependencies: status %d %s", res.Status, res.Error)
	}
	return success(map[string]any{"blocked_dependencies": merged})
}
