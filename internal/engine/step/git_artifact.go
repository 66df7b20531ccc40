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
	"log/slog"

	"github.com/maestrohq/maestro/internal/artifact"
	"github.com/maestrohq/maestro/internal/domain"
	"github.com/maestrohq/maestro/internal/engine"
	maestrolog "github.com/maestrohq/maestro/internal/log"
)

// gitArtifactStep writes a string or JSON artifact under .ma/, verifies
// the branch guard, commits with --no-verify, and pushes when a remote
// exists. A push failure is a warning, not a step failure.
type gitArtifactStep struct {
	def    domain.StepDefinition
	config map[string]any
}

func newGitArtifactStep(def domain.StepDefinition, config map[string]any) (engine.Step, error) {
	return &gitArtifactStep{def: def, config: config}, nil
}

func (s *gitArtifactStep) Execute(ctx context.Context, wf *engine.Context) engine.StepResult {
	path := cfgString(s.config, "path")
	if path == "" {
		return failf("git_artifact step %q: path is required", s.def.Name)
	}
	if _, err := artifact.ValidatePath(path); err != nil {
		return fail(err)
	}

	expected := s.expectedBranch(wf)
	if expected != "" && wf.VCS != nil {
		active, err := wf.VCS.CurrentBranch(ctx)
		if err != nil {
			return fail(err)
		}
		if active != expected {
			return failf("branch guard violation: active branch %q, expected %q", active, expected)
		}
	}

	store := wf.Artifacts
	if store == nil {
		store = artifact.NewStore(wf.RepoRoot)
	}
	var written string
	var err error
	if jsonContent, ok := s.config["content_json"]; ok {
		written, err = store.WriteJSON(path, jsonContent)
	} else {
		written, err = store.WriteString(path, cfgString(s.config, "content"))
	}
	if err != nil {
		return fail(err)
	}

	outputs := map[string]any{"artifact_path": written}
	if wf.VCS == nil {
		return success(outputs)
	}

	message := cfgString(s.config, "message")
	if message == "" {
		message = "chore: record workflow artifact " + written
	}
	// CommitPaths already retries a failed add with --force once.
	if err := wf.VCS.CommitPaths(ctx, message, []string{written}); err != nil {
		return fail(err)
	}
	if sha, serr := wf.VCS.HeadSHA(ctx, "", false); serr == nil {
		outputs["sha"] = sha
	}

	if wf.VCS.HasRemote(ctx) {
		if perr := wf.VCS.Push(ctx, expected); perr != nil {
			wf.Logger.Warn("artifact push failed",
				slog.String("path", written),
				slog.String("branch", expected),
				maestrolog.Error(perr))
			outputs["pushed"] = false
		} else {
			outputs["pushed"] = true
		}
	}
	return success(outputs)
}

// expectedBranch resolves the branch the guard enforces, in config
// priority order, falling back to the workflow context's branch.
func (s *gitArtifactStep) expectedBranch(wf *engine.Context) string {
	for _, key := range []string{"branch", "currentBranch", "featureBranchName"} {
		if v := cfgString(s.config, key); v != "" {
			return v
		}
	}
	return wf.Branch
}
