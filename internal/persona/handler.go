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
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/maestrohq/maestro/internal/domain"
	"github.com/maestrohq/maestro/internal/lmclient"
	maestrolog "github.com/maestrohq/maestro/internal/log"
)

// Handler executes one persona request against the LM endpoint: resolve
// the system prompt, assemble the user text, call inference, and shape
// the response envelope.
type Handler struct {
	lm     lmclient.Caller
	models map[string]string // persona → model id
	model  string            // fallback model
	logger *slog.Logger
}

// NewHandler creates a Handler. models maps persona names to model ids;
// defaultModel is used for personas without a mapping.
func NewHandler(lm lmclient.Caller, models map[string]string, defaultModel string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if models == nil {
		models = map[string]string{}
	}
	return &Handler{lm: lm, models: models, model: defaultModel, logger: logger}
}

// Handle runs one request and always returns a response envelope; LM
// failures become a done envelope with a fail result rather than an
// error that would force redelivery.
func (h *Handler) Handle(ctx context.Context, persona string, env domain.PersonaRequestEnvelope) domain.PersonaResponseEnvelope {
	start := time.Now()
	resp := domain.PersonaResponseEnvelope{
		WorkflowID:  env.WorkflowID,
		FromPersona: persona,
		CorrID:      env.CorrID,
		Step:        env.Step,
		Status:      "done",
		Ts:          time.Now().Unix(),
	}

	payload := decodePayload(env.Payload)
	messages := h.assembleMessages(persona, env, payload)

	timeout := time.Duration(env.DeadlineS) * time.Second
	model := h.models[persona]
	if model == "" {
		model = h.model
	}

	maestrolog.Trace(h.logger, "persona prompt assembled",
		slog.String("persona", persona),
		slog.String("corr_id", env.CorrID),
		slog.Int("messages", len(messages)))

	lmResp, err := h.lm.Call(ctx, model, messages, temperatureFor(persona), timeout)
	resp.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		h.logger.Warn("persona LM call failed",
			slog.String("persona", persona),
			slog.String("corr_id", env.CorrID),
			maestrolog.Error(err))
		resp.Error = err.Error()
		resp.Result = EncodeResultBody(domain.PersonaResultBody{
			Status: domain.ResultFail,
			Output: "inference call failed",
			Payload: map[string]any{
				"error":   err.Error(),
				"details": fmt.Sprintf("persona %s corr_id %s", persona, env.CorrID),
			},
		})
		return resp
	}

	body := ParseResultBody(lmResp.Content)
	body.DurationMs = lmResp.DurationMs
	resp.Result = EncodeResultBody(body)
	return resp
}

// assembleMessages builds the system + user message list. User text is
// chosen by priority: payload.user_text, then artifact files read from
// the repo (plan, qa result, context), then the task description block,
// payload.description, task title, and finally the raw intent.
func (h *Handler) assembleMessages(persona string, env domain.PersonaRequestEnvelope, payload map[string]any) []lmclient.Message {
	messages := []lmclient.Message{{Role: "system", Content: SystemPrompt(persona)}}

	userText := h.resolveUserText(env, payload)
	userText += informationContract
	messages = append(messages, lmclient.Message{Role: "user", Content: userText})

	// Fulfilled information requests arrive as extra system blocks.
	if blocks, ok := payload["information_blocks"].([]any); ok {
		for _, b := range blocks {
			if s, ok := b.(string); ok && s != "" {
				messages = append(messages, lmclient.Message{Role: "system", Content: s})
			}
		}
	}
	return messages
}

func (h *Handler) resolveUserText(env domain.PersonaRequestEnvelope, payload map[string]any) string {
	if s, ok := payload["user_text"].(string); ok && s != "" {
		return s
	}
	for _, key := range []string{"plan_artifact", "qa_result_artifact", "context_artifact"} {
		if path, ok := payload[key].(string); ok && path != "" {
			if content := h.readArtifact(env.Repo, path); content != "" {
				return content
			}
		}
	}
	if task, ok := payload["task"].(map[string]any); ok {
		if desc, ok := task["description"].(string); ok && desc != "" {
			title, _ := task["title"].(string)
			return "Task: " + title + "\n\n" + desc
		}
	}
	if s, ok := payload["description"].(string); ok && s != "" {
		return s
	}
	if task, ok := payload["task"].(map[string]any); ok {
		if title, ok := task["title"].(string); ok && title != "" {
			return title
		}
	}
	return env.Intent
}

// readArtifact reads an artifact path relative to the repo root. Paths
// still carrying unresolved ${...} placeholders are tried literally; a
// read failure falls through to the next priority.
func (h *Handler) readArtifact(repo, path string) string {
	if repo == "" {
		return ""
	}
	b, err := os.ReadFile(filepath.Join(repo, filepath.FromSlash(path)))
	if err != nil {
		if strings.Contains(path, "${") {
			h.logger.Debug("artifact path has unresolved placeholder", slog.String("path", path))
		}
		return ""
	}
	return string(b)
}

func decodePayload(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

// temperatureFor keeps review personas deterministic and lets generative
// personas explore a little.
func temperatureFor(persona string) float64 {
	switch persona {
	case PlanEvaluator, CodeReviewer, SecurityReview, TesterQA:
		return 0.0
	default:
		return 0.2
	}
}
