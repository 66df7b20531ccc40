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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, "test-key", Options{})
	require.NoError(t, err)
	return c, srv
}

func TestBearerTokenSent(t *testing.T) {
	var auth atomic.Value
	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		w.Write([]byte(`{}`))
	}))
	res := c.FetchProjectStatus(context.Background(), "p1")
	assert.True(t, res.OK)
	assert.Equal(t, "Bearer test-key", auth.Load())
}

func TestCreateTaskUpsertIdempotence(t *testing.T) {
	// Property 2: repeated create_task with the same external_id hits the
	// upsert endpoint and produces at most one task.
	created := map[string]int{}
	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/tasks:upsert", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		ext := body["external_id"].(string)
		created[ext]++
		json.NewEncoder(w).Encode(map[string]any{"id": "t-" + ext})
	}))

	for i := 0; i < 3; i++ {
		res := c.CreateTask(context.Background(), CreateTaskInput{Title: "x", ExternalID: "E1"})
		require.True(t, res.OK)
		assert.Equal(t, "t-E1", extractTaskID(res.Body))
	}
	assert.Len(t, created, 1)
}

func TestCreateTaskUpsertFallsBackToLegacyOnce(t *testing.T) {
	var upserts, creates int32
	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/tasks:upsert":
			atomic.AddInt32(&upserts, 1)
			w.WriteHeader(http.StatusNotFound)
		case "/v1/tasks":
			atomic.AddInt32(&creates, 1)
			json.NewEncoder(w).Encode(map[string]any{"task": map[string]any{"id": "42"}})
		}
	}))

	res := c.CreateTask(context.Background(), CreateTaskInput{Title: "x", ExternalID: "E2"})
	require.True(t, res.OK)
	assert.Equal(t, "42", extractTaskID(res.Body))
	assert.Equal(t, int32(1), atomic.LoadInt32(&upserts))
	assert.Equal(t, int32(1), atomic.LoadInt32(&creates))
}

func TestCreateTaskNoFallbackOn422(t *testing.T) {
	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/tasks:upsert", r.URL.Path)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	res := c.CreateTask(context.Background(), CreateTaskInput{Title: "x", ExternalID: "E3"})
	assert.False(t, res.OK)
	assert.Equal(t, http.StatusUnprocessableEntity, res.Status)
}

func TestCreateTaskSanitizesInput(t *testing.T) {
	var got CreateTaskInput
	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"id":"1"}`))
	}))

	c.CreateTask(context.Background(), CreateTaskInput{
		Title:       strings.Repeat("t", 500),
		Description: strings.Repeat("d", 20000),
	})
	assert.Len(t, got.Title, 180)
	assert.Len(t, got.Description, 10000)
	assert.True(t, strings.HasSuffix(got.Description, truncationMarker))
}

func TestUpdateTaskStatusLockVersionRetry(t *testing.T) {
	// Scenario S3: first PATCH 409s, client re-reads (lock=5), retries, 200.
	var patches []int64
	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPatch:
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			lv := int64(body["lock_version"].(float64))
			patches = append(patches, lv)
			if lv != 5 {
				w.WriteHeader(http.StatusConflict)
				return
			}
			w.Write([]byte(`{"ok":true}`))
		case r.Method == http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{"id": "42", "lock_version": 5})
		}
	}))

	lock := int64(3)
	res := c.UpdateTaskStatus(context.Background(), "42", "in_progress", "proj", &lock)
	require.True(t, res.OK)
	assert.Equal(t, []int64{3, 5}, patches)
}

func TestUpdateTaskStatusLegacyPath(t *testing.T) {
	var calls []string
	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.URL.Path)
		switch r.URL.Path {
		case "/v1/tasks/by-external/EXT-9/status":
			w.WriteHeader(http.StatusNotFound)
		case "/v1/tasks/resolve":
			json.NewEncoder(w).Encode(map[string]any{"task_id": "901"})
		case "/v1/tasks/901/status":
			w.Write([]byte(`{"ok":true}`))
		}
	}))

	res := c.UpdateTaskStatus(context.Background(), "EXT-9", "done", "", nil)
	require.True(t, res.OK)
	assert.Equal(t, []string{
		"/v1/tasks/by-external/EXT-9/status",
		"/v1/tasks/resolve",
		"/v1/tasks/901/status",
	}, calls)
}

func TestNormalizeSlug(t *testing.T) {
	assert.Equal(t, "future-enhancements", NormalizeSlug("Future Enhancements"))
	assert.Equal(t, "v2-api", NormalizeSlug("V2 / API"))
	assert.Equal(t, "a-b", NormalizeSlug("a---b"))
}

func TestResolveMilestoneID(t *testing.T) {
	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"milestones": []any{
			map[string]any{"id": "m1", "slug": "alpha", "name": "Alpha"},
			map[string]any{"id": "m2", "slug": "future-enhancements", "name": "Future Enhancements"},
		}})
	}))
	assert.Equal(t, "m2", c.ResolveMilestoneID(context.Background(), "p1", "Future Enhancements"))
	assert.Equal(t, "m1", c.ResolveMilestoneID(context.Background(), "p1", "alpha"))
	assert.Equal(t, "", c.ResolveMilestoneID(context.Background(), "p1", "missing"))
}

func TestApplyMilestonePolicyAutoCreate(t *testing.T) {
	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"milestones":[]}`))
	}))

	input := CreateTaskInput{Title: "x"}
	c.ApplyMilestonePolicy(context.Background(), &input, "p1", "future-enhancements", true)
	assert.Equal(t, "future-enhancements", input.MilestoneSlug)
	assert.Equal(t, true, input.Options["create_milestone_if_missing"])

	// Non-allow-listed slug still forwards the option (policy warning only).
	input2 := CreateTaskInput{Title: "x"}
	c.ApplyMilestonePolicy(context.Background(), &input2, "p1", "random-slug", true)
	assert.Equal(t, true, input2.Options["create_milestone_if_missing"])
}
