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
	"path/filepath"

	"github.com/maestrohq/maestro/internal/artifact"
	"github.com/maestrohq/maestro/internal/domain"
	"github.com/maestrohq/maestro/internal/engine"
	"github.com/maestrohq/maestro/internal/summarize"
)

// contextStep performs or reuses a repository scan, persisting
// snapshot.json, summary.md, and files.ndjson under .ma/context/.
// The scan is reused when both snapshot and summary exist and no scanned
// source file is newer than the snapshot; excluded paths never
// invalidate.
type contextStep struct {
	def    domain.StepDefinition
	config map[string]any
}

func newContextStep(def domain.StepDefinition, config map[string]any) (engine.Step, error) {
	return &contextStep{def: def, config: config}, nil
}

func (s *contextStep) Execute(_ context.Context, wf *engine.Context) engine.StepResult {
	store := wf.Artifacts
	if store == nil {
		store = artifact.NewStore(wf.RepoRoot)
	}
	excludes := cfgStrings(s.config, "excluded_paths")
	if excludes == nil {
		excludes = summarize.DefaultExcludes
	}
	forceRescan := cfgBool(s.config, "forceRescan", false) || cfgBool(s.config, "force_rescan", false)

	if !forceRescan && s.canReuse(wf.RepoRoot, store, excludes) {
		return success(map[string]any{
			"reused_existing": true,
			"snapshot_path":   artifact.SnapshotFile,
			"summary_path":    artifact.SummaryFile,
		})
	}

	snap, err := summarize.Scan(wf.RepoRoot, excludes)
	if err != nil {
		return fail(err)
	}
	if _, err := store.WriteJSON(artifact.SnapshotFile, snap); err != nil {
		return fail(err)
	}
	if _, err := store.WriteString(artifact.SummaryFile, summarize.RenderSummary(snap)); err != nil {
		return fail(err)
	}
	if _, err := store.WriteString(artifact.FilesNDJSON, summarize.RenderNDJSON(snap)); err != nil {
		return fail(err)
	}

	return success(map[string]any{
		"reused_existing": false,
		"snapshot_path":   artifact.SnapshotFile,
		"summary_path":    artifact.SummaryFile,
		"file_count":      len(snap.Files),
	})
}

// canReuse checks the reuse rule: both artifacts exist and no scanned
// source file has an mtime newer than the snapshot file's mtime.
func (s *contextStep) canReuse(repoRoot string, store *artifact.Store, excludes []string) bool {
	if !store.Exists(artifact.SnapshotFile) || !store.Exists(artifact.SummaryFile) {
		return false
	}
	snapInfo, err := os.Stat(filepath.Join(repoRoot, filepath.FromSlash(artifact.SnapshotFile)))
	if err != nil {
		return false
	}
	newest, err := summarize.NewestMtime(repoRoot, excludes)
	if err != nil {
		return false
	}
	return !newest.After(snapInfo.ModTime())
}
