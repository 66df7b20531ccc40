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

package taskservice

import (
	"context"
	"log/slog"
	"strings"
	"unicode"
)

// autoCreateAllowedSlugs is the allow-list for milestone auto-creation.
var autoCreateAllowedSlugs = map[string]bool{
	"future-enhancements": true,
	"future-enhancement":  true,
	"future_enhancements": true,
	"future":              true,
}

// NormalizeSlug lowercases and maps every non-alphanumeric run to "-".
func NormalizeSlug(s string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastDash = false
		} else if !lastDash && b.Len() > 0 {
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// ResolveMilestoneID matches slug against the project's milestones by
// normalized slug or raw name. Returns "" on miss.
func (c *Client) ResolveMilestoneID(ctx context.Context, projectID, slug string) string {
	res := c.FetchProjectMilestones(ctx, projectID)
	if !res.OK {
		return ""
	}
	want := NormalizeSlug(slug)
	milestones := extractMilestones(res.Body)
	for _, m := range milestones {
		ms, _ := m["slug"].(string)
		name, _ := m["name"].(string)
		if NormalizeSlug(ms) == want || name == slug {
			return extractTaskID(m)
		}
	}
	return ""
}

func extractMilestones(body map[string]any) []map[string]any {
	if body == nil {
		return nil
	}
	raw, ok := body["milestones"].([]any)
	if !ok {
		if raw, ok = body["items"].([]any); !ok {
			return nil
		}
	}
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// ApplyMilestonePolicy fills input's milestone fields for slug: a resolved
// id when one exists, otherwise the slug itself plus the
// create_milestone_if_missing option when autoCreate is set. A slug
// outside the auto-create allow-list logs a policy warning but the
// option is still forwarded, pending a policy decision.
func (c *Client) ApplyMilestonePolicy(ctx context.Context, input *CreateTaskInput, projectID, slug string, autoCreate bool) {
	if slug == "" {
		return
	}
	if id := c.ResolveMilestoneID(ctx, projectID, slug); id != "" {
		input.MilestoneID = id
		return
	}
	input.MilestoneSlug = slug
	if !autoCreate {
		return
	}
	if !autoCreateAllowedSlugs[NormalizeSlug(slug)] {
		c.logger.Warn("milestone auto-create requested for non-allow-listed slug",
			slog.String("slug", slug), slog.String("project_id", projectID))
	}
	if input.Options == nil {
		input.Options = map[string]any{}
	}
	input.Options["create_milestone_if_missing"] = true
}

// RegisterBlockedDependencies merges dependency task ids into a task's
// blocked_dependencies. An empty list clears only when allowClear is set.
func (c *Client) RegisterBlockedDependencies(ctx context.Context, projectID, taskID string, deps []string, allowClear bool) *Result {
	if len(deps) == 0 && !allowClear {
		return &Result{OK: true, Status: 200}
	}
	body := map[string]any{"blocked_dependencies": deps}
	return c.do(ctx, "PATCH", "/projects/"+projectID+"/tasks/"+taskID, body)
}
