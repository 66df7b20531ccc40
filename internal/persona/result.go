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
	"encoding/json"
	"strings"

	"github.com/maestrohq/maestro/internal/domain"
)

// ParseResultBody decodes a persona's free-form JSON result into the
// tagged shape the rest of the system consumes. Non-JSON content becomes
// a body whose output is the raw text. Unknown fields survive in Raw.
func ParseResultBody(raw string) domain.PersonaResultBody {
	trimmed := strings.TrimSpace(raw)
	trimmed = stripCodeFence(trimmed)

	var decoded map[string]any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil || decoded == nil {
		return domain.PersonaResultBody{Output: raw, Status: ""}
	}

	body := domain.PersonaResultBody{Raw: decoded}
	if out, ok := decoded["output"].(string); ok {
		body.Output = out
	}
	if st, ok := decoded["status"].(string); ok {
		body.Status = normalizeStatus(st)
	}
	if payload, ok := decoded["payload"].(map[string]any); ok {
		body.Payload = payload
	}
	if dur, ok := decoded["duration_ms"].(float64); ok {
		body.DurationMs = int64(dur)
	}
	body.InformationRequest = parseInformationRequests(decoded["information_request"])

	// A bare plan/diff object with no output field still carries content.
	if body.Output == "" && body.Payload == nil && body.InformationRequest == nil {
		body.Output = raw
	}
	return body
}

func parseInformationRequests(v any) []domain.InformationRequest {
	var items []any
	switch t := v.(type) {
	case []any:
		items = t
	case map[string]any:
		items = []any{t}
	default:
		return nil
	}
	var out []domain.InformationRequest
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		b, err := json.Marshal(m)
		if err != nil {
			continue
		}
		var req domain.InformationRequest
		if err := json.Unmarshal(b, &req); err != nil {
			continue
		}
		if req.Type != "" {
			out = append(out, req)
		}
	}
	return out
}

// normalizeStatus maps loose status strings to the pass/fail/unknown set.
func normalizeStatus(s string) domain.ResultStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pass", "passed", "ok", "success", "approved", "done":
		return domain.ResultPass
	case "fail", "failed", "error", "rejected":
		return domain.ResultFail
	default:
		return domain.ResultUnknown
	}
}

// NormalizeBodyStatus applies the status-required rule: personas in the
// required set with no status get unknown; others default to pass.
func NormalizeBodyStatus(persona string, body *domain.PersonaResultBody) {
	if body.Status != "" {
		return
	}
	if StatusRequired(persona) {
		body.Status = domain.ResultUnknown
	} else {
		body.Status = domain.ResultPass
	}
}

// EncodeResultBody marshals a result body back to its wire JSON,
// re-merging preserved unknown fields from Raw.
func EncodeResultBody(body domain.PersonaResultBody) string {
	merged := map[string]any{}
	for k, v := range body.Raw {
		merged[k] = v
	}
	merged["output"] = body.Output
	if body.Status != "" {
		merged["status"] = string(body.Status)
	}
	if body.Payload != nil {
		merged["payload"] = body.Payload
	}
	if len(body.InformationRequest) > 0 {
		merged["information_request"] = body.InformationRequest
	}
	if body.DurationMs != 0 {
		merged["duration_ms"] = body.DurationMs
	}
	b, err := json.Marshal(merged)
	if err != nil {
		return `{"output":"","status":"unknown"}`
	}
	return string(b)
}

// stripCodeFence removes a wrapping markdown code fence, which models
// commonly emit around JSON.
func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
