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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusPriority(t *testing.T) {
	assert.Equal(t, 0, statusPriority("blocked"))
	assert.Equal(t, 0, statusPriority("stuck"))
	assert.Equal(t, 1, statusPriority("in_review"))
	assert.Equal(t, 1, statusPriority("ready"))
	assert.Equal(t, 2, statusPriority("in_progress"))
	assert.Equal(t, 3, statusPriority("open"))
	assert.Equal(t, 3, statusPriority("backlog"))
	assert.Equal(t, 4, statusPriority("waiting"))
	assert.Equal(t, 4, statusPriority("qa"))
	assert.Equal(t, 5, statusPriority("done"))
	assert.Equal(t, 6, statusPriority("cancelled"))
	assert.Equal(t, 7, statusPriority("archived"))
	assert.Equal(t, 3, statusPriority("something-new"))
}

func TestFlattenCandidates(t *testing.T) {
	body := map[string]any{
		"tasks":     []any{map[string]any{"id": "1"}},
		"next_task": map[string]any{"id": "2"},
		"backlog":   []any{map[string]any{"id": "3"}},
		"ignored":   []any{map[string]any{"id": "x"}},
	}
	got := FlattenCandidates(body)
	require.Len(t, got, 3)
}

func TestSelectNextTaskStatusWins(t *testing.T) {
	body := map[string]any{"tasks": []any{
		map[string]any{"id": "open", "status": "open", "priority_score": 99.0},
		map[string]any{"id": "blocked", "status": "blocked", "priority_score": 1.0},
		map[string]any{"id": "progress", "status": "in_progress", "priority_score": 50.0},
	}}
	got := SelectNextTask(body)
	require.NotNil(t, got)
	assert.Equal(t, "blocked", got["id"])
}

func TestSelectNextTaskPriorityScore(t *testing.T) {
	body := map[string]any{"tasks": []any{
		map[string]any{"id": "low", "status": "open", "priority_score": 1.0},
		map[string]any{"id": "high", "status": "open", "priority_score": 9.0},
	}}
	assert.Equal(t, "high", SelectNextTask(body)["id"])
}

func TestSelectNextTaskDueDate(t *testing.T) {
	body := map[string]any{"tasks": []any{
		map[string]any{"id": "later", "status": "open", "due_at": "2026-09-01"},
		map[string]any{"id": "sooner", "status": "open", "due_date": "2026-08-05"},
		map[string]any{"id": "no-due", "status": "open"},
	}}
	assert.Equal(t, "sooner", SelectNextTask(body)["id"])
}

func TestSelectNextTaskOrderTieBreak(t *testing.T) {
	body := map[string]any{"tasks": []any{
		map[string]any{"id": "second", "status": "open", "position": 2.0},
		map[string]any{"id": "first", "status": "open", "order": 1.0},
	}}
	assert.Equal(t, "first", SelectNextTask(body)["id"])
}

func TestSelectNextTaskExcludesTerminal(t *testing.T) {
	body := map[string]any{"tasks": []any{
		map[string]any{"id": "d", "status": "done"},
		map[string]any{"id": "c", "status": "cancelled"},
		map[string]any{"id": "a", "status": "archived"},
	}}
	assert.Nil(t, SelectNextTask(body))
}

func TestSelectNextTaskInsertionOrder(t *testing.T) {
	body := map[string]any{"tasks": []any{
		map[string]any{"id": "x", "status": "open"},
		map[string]any{"id": "y", "status": "open"},
	}}
	assert.Equal(t, "x", SelectNextTask(body)["id"])
}

func TestFeatureBranch(t *testing.T) {
	task := taskWith("Add login page", "")
	ms := milestoneWith("v2-api", "")

	assert.Equal(t, "milestone/v2-api", FeatureBranch(task, ms, "repo"))

	ms.Branch = "release/v2"
	assert.Equal(t, "release/v2", FeatureBranch(task, ms, "repo"))

	ms.Branch = ""
	task.Branch = "feat/custom"
	assert.Equal(t, "feat/custom", FeatureBranch(task, ms, "repo"))

	// Generic milestone slug falls through to the task slug.
	task.Branch = ""
	generic := milestoneWith("general", "")
	assert.Equal(t, "feat/add-login-page", FeatureBranch(task, generic, "repo"))

	// No task title: repo slug fallback.
	assert.Equal(t, "milestone/my-repo", FeatureBranch(taskWith("", ""), generic, "My Repo"))
}
