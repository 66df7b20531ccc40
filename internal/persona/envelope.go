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

// Package persona implements the persona request/response coordination
// layer: the per-persona stream-consumer dispatcher, the request executor
// with its retry envelope, and the information-request sub-protocol.
package persona

import (
	"strconv"

	"github.com/maestrohq/maestro/internal/domain"
)

// Default stream names. Deployments sharing one transport namespace can
// override via Config.
const (
	DefaultRequestStream = "maestro:requests"
	DefaultEventStream   = "maestro:events"
)

// CoordinatorPersona is the pseudo-persona the Coordinator's bootstrap
// requests are addressed to; it has a consumer group of its own which the
// Abort Path must also ack purged entries to.
const CoordinatorPersona = "coordinator"

// GroupName builds the consumer-group name for a persona.
func GroupName(prefix, persona string) string {
	return prefix + ":" + persona
}

// encodeRequest flattens a request envelope into stream fields.
func encodeRequest(env domain.PersonaRequestEnvelope) map[string]string {
	fields := map[string]string{
		"workflow_id": env.WorkflowID,
		"step":        env.Step,
		"from":        env.From,
		"intent":      env.Intent,
		"corr_id":     env.CorrID,
		"payload":     env.Payload,
		"deadline_s":  strconv.FormatInt(env.DeadlineS, 10),
	}
	if env.ToPersona != "" {
		fields["to_persona"] = env.ToPersona
	}
	if env.Repo != "" {
		fields["repo"] = env.Repo
	}
	if env.Branch != "" {
		fields["branch"] = env.Branch
	}
	if env.ProjectID != "" {
		fields["project_id"] = env.ProjectID
	}
	if env.TaskID != "" {
		fields["task_id"] = env.TaskID
	}
	return fields
}

// decodeRequest parses stream fields back into a request envelope.
func decodeRequest(fields map[string]string) domain.PersonaRequestEnvelope {
	deadline, _ := strconv.ParseInt(fields["deadline_s"], 10, 64)
	return domain.PersonaRequestEnvelope{
		WorkflowID: fields["workflow_id"],
		Step:       fields["step"],
		From:       fields["from"],
		ToPersona:  fields["to_persona"],
		Intent:     fields["intent"],
		CorrID:     fields["corr_id"],
		Payload:    fields["payload"],
		Repo:       fields["repo"],
		Branch:     fields["branch"],
		ProjectID:  fields["project_id"],
		TaskID:     fields["task_id"],
		DeadlineS:  deadline,
	}
}

// encodeResponse flattens a response envelope into stream fields.
func encodeResponse(env domain.PersonaResponseEnvelope) map[string]string {
	fields := map[string]string{
		"workflow_id":  env.WorkflowID,
		"from_persona": env.FromPersona,
		"status":       env.Status,
		"corr_id":      env.CorrID,
		"step":         env.Step,
		"result":       env.Result,
		"duration_ms":  strconv.FormatInt(env.DurationMs, 10),
	}
	if env.Ts != 0 {
		fields["ts"] = strconv.FormatInt(env.Ts, 10)
	}
	if env.Error != "" {
		fields["error"] = env.Error
	}
	return fields
}

// decodeResponse parses stream fields back into a response envelope.
func decodeResponse(fields map[string]string) domain.PersonaResponseEnvelope {
	duration, _ := strconv.ParseInt(fields["duration_ms"], 10, 64)
	ts, _ := strconv.ParseInt(fields["ts"], 10, 64)
	return domain.PersonaResponseEnvelope{
		WorkflowID:  fields["workflow_id"],
		FromPersona: fields["from_persona"],
		Status:      fields["status"],
		CorrID:      fields["corr_id"],
		Step:        fields["step"],
		Result:      fields["result"],
		DurationMs:  duration,
		Ts:          ts,
		Error:       fields["error"],
	}
}
