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
	"sort"
	"strings"
	"time"
)

// candidateKeys are the response fields task candidates are flattened
// from, in order.
var candidateKeys = []string{
	"tasks", "next_task", "active_task", "current_task", "items", "issues",
	"tickets", "stories", "work_items", "backlog", "in_progress",
}

// statusPriority scores a task status; lower runs first. Statuses at or
// above priorityExcluded are never selected.
const priorityExcluded = 5

func statusPriority(status string) int {
	s := strings.ToLower(status)
	switch {
	case strings.Contains(s, "blocked"), strings.Contains(s, "stuck"):
		return 0
	case strings.Contains(s, "review"), strings.Contains(s, "ready"):
		return 1
	case strings.Contains(s, "progress"):
		return 2
	case strings.Contains(s, "waiting"), strings.Contains(s, "pending"),
		strings.Contains(s, "qa"), strings.Contains(s, "testing"):
		return 4
	case strings.Contains(s, "planned"), strings.Contains(s, "backlog"), strings.Contains(s, "open"):
		return 3
	case strings.Contains(s, "done"), strings.Contains(s, "complete"):
		return 5
	case strings.Contains(s, "cancel"):
		return 6
	case strings.Contains(s, "archiv"):
		return 7
	default:
		return 3
	}
}

// candidate pairs a raw task object with its scoring inputs.
type candidate struct {
	raw       map[string]any
	status    int
	priority  float64
	due       time.Time
	hasDue    bool
	order     float64
	hasOrder  bool
	insertion int
}

// FlattenCandidates collects task objects from every candidate field of
// a project-tasks response body.
func FlattenCandidates(body map[string]any) []map[string]any {
	var out []map[string]any
	for _, key := range candidateKeys {
		v, ok := body[key]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case []any:
			for _, item := range t {
				if m, ok := item.(map[string]any); ok {
					out = append(out, m)
				}
			}
		case map[string]any:
			out = append(out, t)
		}
	}
	return out
}

// SelectNextTask picks the highest-priority selectable task, or nil when
// nothing is runnable. Ordering: status priority asc, priority_score
// desc, earliest due date, lowest order/position/rank, insertion order.
func SelectNextTask(body map[string]any) map[string]any {
	raw := FlattenCandidates(body)
	var candidates []candidate
	for i, m := range raw {
		status, _ := m["status"].(string)
		c := candidate{raw: m, status: statusPriority(status), insertion: i}
		if c.status >= priorityExcluded {
			continue
		}
		c.priority = numberOf(m["priority_score"])
		c.due, c.hasDue = earliestDue(m)
		c.order, c.hasOrder = firstNumber(m, "order", "position", "rank")
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.status != b.status {
			return a.status < b.status
		}
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		if a.hasDue != b.hasDue {
			return a.hasDue
		}
		if a.hasDue && !a.due.Equal(b.due) {
			return a.due.Before(b.due)
		}
		if a.hasOrder != b.hasOrder {
			return a.hasOrder
		}
		if a.hasOrder && a.order != b.order {
			return a.order < b.order
		}
		return a.insertion < b.insertion
	})
	return candidates[0].raw
}

// earliestDue returns the minimum of any due* field parseable as a
// timestamp.
func earliestDue(m map[string]any) (time.Time, bool) {
	var min time.Time
	found := false
	for key, v := range m {
		if !strings.HasPrefix(strings.ToLower(key), "due") {
			continue
		}
		t, ok := parseTime(v)
		if !ok {
			continue
		}
		if !found || t.Before(min) {
			min = t
			found = true
		}
	}
	return min, found
}

func parseTime(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func numberOf(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return 0
	}
}

func firstNumber(m map[string]any, keys ...string) (float64, bool) {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			switch t := v.(type) {
			case float64:
				return t, true
			case int:
				return float64(t), true
			case int64:
				return float64(t), true
			}
		}
	}
	return 0, false
}
