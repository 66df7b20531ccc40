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

package persona

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestrohq/maestro/internal/config"
	"github.com/maestrohq/maestro/internal/domain"
	"github.com/maestrohq/maestro/internal/lmclient"
	"github.com/maestrohq/maestro/internal/stream"
	"github.com/maestrohq/maestro/internal/stream/local"
	maestroerrors "github.com/maestrohq/maestro/pkg/errors"
)

// fakeLM is a scripted lmclient.Caller.
type fakeLM struct {
	mu        sync.Mutex
	responses []string
	calls     [][]lmclient.Message
}

func (f *fakeLM) Call(_ context.Context, _ string, messages []lmclient.Message, _ float64, _ time.Duration) (*lmclient.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, messages)
	if len(f.responses) == 0 {
		return &lmclient.Response{Content: `{"output":"default","status":"pass"}`}, nil
	}
	next := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return &lmclient.Response{Content: next}, nil
}

func (f *fakeLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testConfig() *config.Config {
	return &config.Config{
		GroupPrefix:              "test",
		BatchSize:                1,
		BlockMS:                  50,
		BaseTimeoutMS:            2000,
		MaxRetries:               2,
		BackoffIncrementMS:       10,
		MaxInformationIterations: 5,
		MaxInformationSources:    10,
	}
}

func startDispatcher(t *testing.T, transport stream.Transport, lm lmclient.Caller, personas ...string) context.CancelFunc {
	t.Helper()
	handler := NewHandler(lm, nil, "test-model", nil)
	d := NewDispatcher(transport, handler, DispatcherConfig{GroupPrefix: "test", BlockMS: 20}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	for _, p := range personas {
		go d.Run(ctx, p)
	}
	t.Cleanup(cancel)
	return cancel
}

func TestExactlyOneResponsePerRequest(t *testing.T) {
	// Property 1: every request with to_persona=P yields exactly one
	// response with matching (workflow_id, corr_id) before ack.
	transport := local.New()
	lm := &fakeLM{}
	startDispatcher(t, transport, lm, Planner)

	exec := NewExecutor(transport, testConfig(), "", "", "engine", nil)
	out, err := exec.Execute(context.Background(), Request{
		Persona:    Planner,
		WorkflowID: "wf-1",
		Step:       "plan",
		Intent:     "produce a plan",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Attempts)

	entries, err := transport.Range(context.Background(), DefaultEventStream, stream.RangeStart, stream.RangeEnd)
	require.NoError(t, err)
	matching := 0
	for _, e := range entries {
		if e.Fields["workflow_id"] == "wf-1" && e.Fields["corr_id"] == out.CorrID {
			matching++
		}
	}
	assert.Equal(t, 1, matching)
}

func TestDispatcherFiltersOtherPersonas(t *testing.T) {
	transport := local.New()
	lm := &fakeLM{}
	startDispatcher(t, transport, lm, Planner, TesterQA)

	exec := NewExecutor(transport, testConfig(), "", "", "engine", nil)
	_, err := exec.Execute(context.Background(), Request{
		Persona:    TesterQA,
		WorkflowID: "wf-2",
		Step:       "qa",
		Intent:     "verify",
		Payload:    map[string]any{"user_text": "run QA"},
	})
	require.NoError(t, err)
	// Only the tester-qa loop should have produced a response.
	entries, _ := transport.Range(context.Background(), DefaultEventStream, stream.RangeStart, stream.RangeEnd)
	require.Len(t, entries, 1)
	assert.Equal(t, TesterQA, entries[0].Fields["from_persona"])
}

func TestExhaustedRetries(t *testing.T) {
	// Nobody consumes the request stream, so every attempt times out.
	transport := local.New()
	cfg := testConfig()
	cfg.BaseTimeoutMS = 30
	cfg.BackoffIncrementMS = 1
	cfg.MaxRetries = 2

	exec := NewExecutor(transport, cfg, "", "", "engine", nil)
	out, err := exec.Execute(context.Background(), Request{
		Persona:    Planner,
		WorkflowID: "wf-3",
		Step:       "plan",
		Intent:     "never answered",
	})
	require.Error(t, err)
	var pe *maestroerrors.PersonaError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "exhausted_retries", pe.Kind)
	assert.Contains(t, pe.Details, "corr_id="+out.CorrID)
	assert.Equal(t, 3, out.Attempts) // initial + 2 retries

	// All attempts reused the same corr_id.
	entries, _ := transport.Range(context.Background(), DefaultRequestStream, stream.RangeStart, stream.RangeEnd)
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.Equal(t, out.CorrID, e.Fields["corr_id"])
	}
}

func TestStatusRequiredNormalization(t *testing.T) {
	transport := local.New()
	lm := &fakeLM{responses: []string{`{"output":"looks fine"}`}} // no status
	startDispatcher(t, transport, lm, PlanEvaluator)

	exec := NewExecutor(transport, testConfig(), "", "", "engine", nil)
	out, err := exec.Execute(context.Background(), Request{
		Persona:    PlanEvaluator,
		WorkflowID: "wf-4",
		Step:       "evaluate",
		Intent:     "evaluate plan",
	})
	require.Error(t, err) // unknown aborts by default
	var pe *maestroerrors.PersonaError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "persona_unknown", pe.Kind)
	assert.Equal(t, "unknown", string(out.Body.Status))
}

func TestFailPassesThroughWhenAbortDisabled(t *testing.T) {
	transport := local.New()
	lm := &fakeLM{responses: []string{`{"output":"broken","status":"fail"}`}}
	startDispatcher(t, transport, lm, TesterQA)

	noAbort := false
	exec := NewExecutor(transport, testConfig(), "", "", "engine", nil)
	out, err := exec.Execute(context.Background(), Request{
		Persona:        TesterQA,
		WorkflowID:     "wf-5",
		Step:           "qa",
		Intent:         "verify",
		AbortOnFailure: &noAbort,
	})
	require.NoError(t, err)
	assert.Equal(t, "fail", string(out.Body.Status))
}

func TestLanguagePolicyGuardShortCircuits(t *testing.T) {
	transport := local.New()
	lm := &fakeLM{}
	startDispatcher(t, transport, lm, CodeReviewer)

	exec := NewExecutor(transport, testConfig(), "", "", "engine", nil)
	out, err := exec.Execute(context.Background(), Request{
		Persona:    CodeReviewer,
		WorkflowID: "wf-6",
		Step:       "review",
		Intent:     "review diff",
		Payload: map[string]any{
			"allowed_languages": []any{"go"},
			"files":             []any{"main.go", "script.py"},
		},
	})
	require.Error(t, err)
	var pe *maestroerrors.PersonaError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "language_policy_violation", pe.Kind)
	assert.Equal(t, "fail", string(out.Body.Status))
	// Short-circuit: no LM call, no request appended.
	assert.Equal(t, 0, lm.callCount())
	entries, _ := transport.Range(context.Background(), DefaultRequestStream, stream.RangeStart, stream.RangeEnd)
	assert.Empty(t, entries)
}

func TestHandlerAssemblesPriorityChain(t *testing.T) {
	lm := &fakeLM{}
	h := NewHandler(lm, nil, "m", nil)

	payload, _ := json.Marshal(map[string]any{
		"user_text":   "explicit text wins",
		"description": "loses",
	})
	h.Handle(context.Background(), Planner, reqEnvelope("wf", payload))
	require.Equal(t, 1, lm.callCount())
	assert.Contains(t, lm.calls[0][1].Content, "explicit text wins")
	assert.Contains(t, lm.calls[0][1].Content, "information_request")

	payload2, _ := json.Marshal(map[string]any{
		"task": map[string]any{"title": "T", "description": "task description block"},
	})
	h.Handle(context.Background(), Planner, reqEnvelope("wf", payload2))
	assert.Contains(t, lm.calls[1][1].Content, "task description block")
}

func reqEnvelope(workflowID string, payload []byte) domain.PersonaRequestEnvelope {
	return domain.PersonaRequestEnvelope{
		WorkflowID: workflowID,
		Step:       "s",
		From:       "engine",
		Intent:     "intent",
		CorrID:     "c",
		Payload:    string(payload),
		DeadlineS:  5,
	}
}
