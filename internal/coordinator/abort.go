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
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/maestrohq/maestro/internal/domain"
	"github.com/maestrohq/maestro/internal/engine"
	maestrolog "github.com/maestrohq/maestro/internal/log"
	"github.com/maestrohq/maestro/internal/persona"
	"github.com/maestrohq/maestro/internal/stream"
)

// Abort runs the Abort Path for a workflow after a fatal repository
// failure: publish nothing new, purge every outstanding request-stream
// entry for the workflow (ack to each persona group and the coordination
// group, then delete), and mark the context aborted. An abort diagnostic
// is recorded on the event stream so operators can see what happened.
func (c *Coordinator) Abort(ctx context.Context, wf *engine.Context, reason string) error {
	wf.WorkflowAborted = true

	entries, err := c.transport.Range(ctx, c.requestStream, stream.RangeStart, stream.RangeEnd)
	if err != nil {
		return err
	}

	var ids []string
	for _, entry := range entries {
		if entry.Fields["workflow_id"] != wf.WorkflowID {
			continue
		}
		ids = append(ids, entry.ID)
		for _, p := range c.personas() {
			if err := c.transport.Ack(ctx, c.requestStream, persona.GroupName(c.cfg.GroupPrefix, p), entry.ID); err != nil {
				c.logger.Warn("abort ack failed",
					slog.String("persona", p),
					slog.String("entry_id", entry.ID),
					maestrolog.Error(err))
			}
		}
		if err := c.transport.Ack(ctx, c.requestStream, persona.GroupName(c.cfg.GroupPrefix, persona.CoordinatorPersona), entry.ID); err != nil {
			c.logger.Warn("abort ack failed",
				slog.String("group", "coordinator"),
				slog.String("entry_id", entry.ID),
				maestrolog.Error(err))
		}
	}
	if len(ids) > 0 {
		if err := c.transport.Delete(ctx, c.requestStream, ids...); err != nil {
			return err
		}
	}

	// The diagnostic is the one append the Abort Path makes; it goes to
	// the event stream, never the request stream.
	diag := domain.PersonaResponseEnvelope{
		WorkflowID:  wf.WorkflowID,
		FromPersona: persona.CoordinatorPersona,
		Status:      "error",
		Step:        "abort",
		Result:      `{"status":"fail","output":"workflow aborted"}`,
		Error:       reason,
		Ts:          time.Now().Unix(),
	}
	if _, err := c.transport.Append(ctx, c.eventStream, responseFields(diag)); err != nil {
		c.logger.Warn("abort diagnostic append failed", maestrolog.Error(err))
	}

	c.logger.Warn("workflow aborted",
		slog.String("workflow_id", wf.WorkflowID),
		slog.Int("purged_entries", len(ids)),
		slog.String("reason", reason))
	return nil
}

// responseFields mirrors the persona package's envelope encoding for the
// coordinator's own appends.
func responseFields(env domain.PersonaResponseEnvelope) map[string]string {
	fields := map[string]string{
		"workflow_id":  env.WorkflowID,
		"from_persona": env.FromPersona,
		"status":       env.Status,
		"corr_id":      env.CorrID,
		"step":         env.Step,
		"result":       env.Result,
		"duration_ms":  "0",
	}
	if env.Error != "" {
		fields["error"] = env.Error
	}
	if env.Ts != 0 {
		fields["ts"] = strconv.FormatInt(env.Ts, 10)
	}
	return fields
}
