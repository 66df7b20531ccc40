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

package coordinator

import (
	"github.com/maestrohq/maestro/internal/domain"
	"github.com/maestrohq/maestro/internal/taskservice"
)

// genericMilestoneSlugs never name a feature branch on their own.
var genericMilestoneSlugs = map[string]bool{
	"":        true,
	"default": true,
	"general": true,
	"misc":    true,
	"tasks":   true,
	"backlog": true,
}

// FeatureBranch computes the branch a task's work lands on, in priority
// order: explicit milestone branch, explicit task branch,
// milestone/{slug} for a non-generic milestone slug, feat/{task slug},
// milestone/{repo slug} as the last resort.
func FeatureBranch(task *domain.Task, milestone *domain.Milestone, repoSlug string) string {
	if milestone != nil && milestone.Branch != "" {
		return milestone.Branch
	}
	if task != nil && task.Branch != "" {
		return task.Branch
	}
	if milestone != nil {
		slug := taskservice.NormalizeSlug(milestone.Slug)
		if !genericMilestoneSlugs[slug] {
			return "milestone/" + slug
		}
	}
	if task != nil && task.Title != "" {
		return "feat/" + taskservice.NormalizeSlug(task.Title)
	}
	return "milestone/" + taskservice.NormalizeSlug(repoSlug)
}
