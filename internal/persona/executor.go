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
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/maestrohq/maestro/internal/artifact"
	"github.com/maestrohq/maestro/internal/config"
	"github.com/maestrohq/maestro/internal/domain"
	maestrolog "github.com/maestrohq/maestro/internal/log"
	"github.com/maestrohq/maestro/internal/metrics"
	"github.com/maestrohq/maestro/internal/stream"
	maestroerrors "github.com/maestrohq/maestro/pkg/errors"
)

// eventPollInterval is how often the executor re-scans the event stream
// while waiting for a matching response.
const eventPollInterval = 100 * time.Millisecond

// Request is one logical persona request from a workflow step.
type Request struct {
	Persona    string
	WorkflowID string
	Step       string
	Intent     string
	Payload    map[string]any
	Repo       string
	Branch     string
	ProjectID  string
	TaskID     string

	// AbortOnFailure controls whether a terminal fail/unknown surfaces as
	// an error (default true).
	AbortOnFailure *bool

	// Fulfiller overrides the default information-request fulfiller
	// (which reads from Repo with no remote rewrite).
	Fulfiller *Fulfiller
}

func (r *Request) abortOnFailure() bool {
	return r.AbortOnFailure == nil || *r.AbortOnFailure
}

// Outcome is the terminal result of a persona request.
type Outcome struct {
	Body     domain.PersonaResultBody
	CorrID   string
	Attempts int
	Records  []domain.InformationRequestRecord
}

// Executor drives a persona request to completion: append to the request
// stream, await the matching (workflow_id, corr_id) event, retry with
// backoff on deadline, and loop on information requests. The corr_id is
// stable across retries of the same logical request.
type Executor struct {
	transport     stream.Transport
	cfg           *config.Config
	requestStream string
	eventStream   string
	from          string
	logger        *slog.Logger
}

// NewExecutor creates an Executor appending requests as from.
func NewExecutor(transport stream.Transport, cfg *config.Config, requestStream, eventStream, from string, logger *slog.Logger) *Executor {
	if requestStream == "" {
		requestStream = DefaultRequestStream
	}
	if eventStream == "" {
		eventStream = DefaultEventStream
	}
	if from == "" {
		from = "engine"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		transport:     transport,
		cfg:           cfg,
		requestStream: requestStream,
		eventStream:   eventStream,
		from:          from,
		logger:        maestrolog.WithComponent(logger, "executor"),
	}
}

// Execute runs req to a terminal outcome. The returned error is non-nil
// for exhausted retries, information-loop bounds, and fail/unknown
// results when abort_on_failure holds; the Outcome is populated whenever
// a body exists.
func (e *Executor) Execute(ctx context.Context, req Request) (*Outcome, error) {
	if out, done, err := e.languagePolicyGuard(req); done {
		return out, err
	}

	corrID := uuid.New().String()
	logger := maestrolog.WithCorrelationID(e.logger, corrID).With(slog.String("persona", req.Persona))

	baseTimeout := e.cfg.PersonaTimeout(req.Persona)
	backoff := e.cfg.PersonaBackoffIncrement(req.Persona)
	maxRetries := e.cfg.PersonaMaxRetries(req.Persona)

	fulfiller := req.Fulfiller
	if fulfiller == nil {
		fulfiller = NewFulfiller(req.Repo, "", nil)
	}

	outcome := &Outcome{CorrID: corrID}
	var infoBlocks []string
	seenSources := map[string]bool{}
	infoIteration := 0
	requestCounter := 0
	cursor := ""
	attempt := 1

	for {
		if err := ctx.Err(); err != nil {
			return outcome, &maestroerrors.TransportError{Op: "execute", Stream: e.requestStream, Cause: err}
		}

		timeout := baseTimeout + time.Duration(attempt)*backoff
		if err := e.appendRequest(ctx, req, corrID, infoBlocks, timeout); err != nil {
			return outcome, err
		}
		outcome.Attempts = attempt
		metrics.PersonaAttempts.WithLabelValues(req.Persona).Inc()

		resp, newCursor, err := e.waitForResponse(ctx, req.WorkflowID, corrID, cursor, timeout)
		cursor = newCursor
		if err != nil {
			logger.Warn("persona attempt deadline exceeded",
				slog.Int("attempt", attempt),
				maestrolog.Duration("timeout", timeout.Milliseconds()))
			attempt++
			if maxRetries >= 0 && attempt > maxRetries+1 {
				metrics.PersonaFailures.WithLabelValues(req.Persona, "exhausted_retries").Inc()
				return outcome, &maestroerrors.PersonaError{
					Kind:    "exhausted_retries",
					Persona: req.Persona,
					Details: fmt.Sprintf("attempts=%d final_timeout=%s corr_id=%s", outcome.Attempts, timeout, corrID),
				}
			}
			continue
		}

		body := ParseResultBody(resp.Result)
		outcome.Body = body

		if len(body.InformationRequest) > 0 {
			infoIteration++
			if infoIteration > e.cfg.MaxInformationIterations {
				metrics.PersonaFailures.WithLabelValues(req.Persona, "information_limit_reached").Inc()
				e.persistAuditTrail(req, corrID, outcome.Records)
				return outcome, &maestroerrors.PersonaError{
					Kind:    "information_limit_reached",
					Persona: req.Persona,
					Details: fmt.Sprintf("iterations=%d corr_id=%s", infoIteration, corrID),
				}
			}
			blocks, records, err := e.fulfillIteration(ctx, fulfiller, body.InformationRequest, seenSources, &requestCounter, infoIteration, req.Persona)
			if err != nil {
				e.persistAuditTrail(req, corrID, outcome.Records)
				return outcome, err
			}
			outcome.Records = append(outcome.Records, records...)
			infoBlocks = append(infoBlocks, blocks...)
			logger.Debug("information request fulfilled",
				slog.Int("iteration", infoIteration),
				slog.Int("sources", len(seenSources)))
			continue
		}

		NormalizeBodyStatus(req.Persona, &outcome.Body)
		if outcome.Body.Status != domain.ResultPass && req.abortOnFailure() {
			kind := "persona_fail"
			if outcome.Body.Status == domain.ResultUnknown {
				kind = "persona_unknown"
			}
			metrics.PersonaFailures.WithLabelValues(req.Persona, kind).Inc()
			return outcome, &maestroerrors.PersonaError{
				Kind:    kind,
				Persona: req.Persona,
				Details: firstLine(outcome.Body.Output),
			}
		}
		return outcome, nil
	}
}

// persistAuditTrail records the fulfilled information requests under
// .ma/ when a loop ends abnormally, so the exhaustion is diagnosable
// from the repository itself. Routine iterations stay in memory.
func (e *Executor) persistAuditTrail(req Request, corrID string, records []domain.InformationRequestRecord) {
	if req.Repo == "" || len(records) == 0 {
		return
	}
	store := artifact.NewStore(req.Repo)
	path := fmt.Sprintf("%sinformation-requests/%s.json", artifact.Prefix, corrID)
	if _, err := store.WriteJSON(path, records); err != nil {
		e.logger.Debug("information-request audit write failed",
			slog.String("path", path), maestrolog.Error(err))
	}
}

// fulfillIteration resolves one iteration's information requests,
// collapsing duplicates and enforcing the unique-source cap.
func (e *Executor) fulfillIteration(ctx context.Context, fulfiller *Fulfiller, requests []domain.InformationRequest, seen map[string]bool, counter *int, iteration int, persona string) ([]string, []domain.InformationRequestRecord, error) {
	var blocks []string
	var records []domain.InformationRequestRecord

	deduped := make([]domain.InformationRequest, 0, len(requests))
	inIteration := map[string]bool{}
	for _, r := range requests {
		sig := Signature(r)
		if inIteration[sig] || seen[sig] {
			continue
		}
		inIteration[sig] = true
		deduped = append(deduped, r)
	}

	if len(seen)+len(deduped) > e.cfg.MaxInformationSources {
		metrics.PersonaFailures.WithLabelValues(persona, "information_source_cap_exceeded").Inc()
		return nil, nil, &maestroerrors.PersonaError{
			Kind:    "information_source_cap_exceeded",
			Persona: persona,
			Details: fmt.Sprintf("unique_sources=%d cap=%d", len(seen)+len(deduped), e.cfg.MaxInformationSources),
		}
	}

	for _, r := range deduped {
		sig := Signature(r)
		seen[sig] = true
		*counter++
		fulfilled, err := fulfiller.Fulfill(ctx, r)
		if err != nil {
			// A failed fetch is still an answer: tell the persona why.
			blocks = append(blocks, fmt.Sprintf("Information Request #%d: could not be fulfilled: %v", *counter, err))
			records = append(records, domain.InformationRequestRecord{
				Iteration: iteration, Signature: sig, Kind: r.Type,
				Summary: err.Error(),
			})
			continue
		}
		blocks = append(blocks, RenderBlock(*counter, fulfilled))
		records = append(records, domain.InformationRequestRecord{
			Iteration: iteration, Signature: sig, Kind: fulfilled.Kind,
			Summary: fulfilled.Summary, Truncated: fulfilled.Truncated,
		})
	}
	return blocks, records, nil
}

// appendRequest publishes one attempt to the request stream. The same
// corr_id is reused across attempts.
func (e *Executor) appendRequest(ctx context.Context, req Request, corrID string, infoBlocks []string, timeout time.Duration) error {
	payload := make(map[string]any, len(req.Payload)+1)
	for k, v := range req.Payload {
		payload[k] = v
	}
	if len(infoBlocks) > 0 {
		blocks := make([]any, len(infoBlocks))
		for i, b := range infoBlocks {
			blocks[i] = b
		}
		payload["information_blocks"] = blocks
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	env := domain.PersonaRequestEnvelope{
		WorkflowID: req.WorkflowID,
		Step:       req.Step,
		From:       e.from,
		ToPersona:  req.Persona,
		Intent:     req.Intent,
		CorrID:     corrID,
		Payload:    string(encoded),
		Repo:       req.Repo,
		Branch:     req.Branch,
		ProjectID:  req.ProjectID,
		TaskID:     req.TaskID,
		DeadlineS:  int64(timeout / time.Second),
	}
	if _, err := e.transport.Append(ctx, e.requestStream, encodeRequest(env)); err != nil {
		return &maestroerrors.TransportError{Op: "append", Stream: e.requestStream, Cause: err}
	}
	return nil
}

// waitForResponse scans the event stream forward from cursor for an
// entry matching (workflowID, corrID), polling until the deadline.
// Responses for other corr_ids may arrive interleaved and are skipped
// without disturbing the cursor's monotonic advance.
func (e *Executor) waitForResponse(ctx context.Context, workflowID, corrID, cursor string, timeout time.Duration) (*domain.PersonaResponseEnvelope, string, error) {
	deadline := time.Now().Add(timeout)
	for {
		entries, err := e.transport.Range(ctx, e.eventStream, stream.RangeStart, stream.RangeEnd)
		if err != nil {
			return nil, cursor, &maestroerrors.TransportError{Op: "range", Stream: e.eventStream, Cause: err}
		}
		for _, entry := range entries {
			if cursor != "" && entry.ID <= cursor {
				continue
			}
			resp := decodeResponse(entry.Fields)
			if resp.WorkflowID == workflowID && resp.CorrID == corrID {
				cursor = entry.ID
				return &resp, cursor, nil
			}
		}
		if len(entries) > 0 {
			last := entries[len(entries)-1].ID
			// Only advance past entries that cannot match: never skip ahead
			// of a future matching append.
			if cursor == "" || last > cursor {
				cursor = last
			}
		}
		if time.Now().After(deadline) {
			return nil, cursor, &maestroerrors.TimeoutError{Operation: "persona response wait", Duration: timeout}
		}
		select {
		case <-ctx.Done():
			return nil, cursor, ctx.Err()
		case <-time.After(eventPollInterval):
		}
	}
}

// languagePolicyGuard short-circuits code-review requests whose payload
// declares allowed_languages and names files outside it. No LM call is
// made; the synthesized result enumerates the offending paths.
func (e *Executor) languagePolicyGuard(req Request) (*Outcome, bool, error) {
	if req.Persona != CodeReviewer {
		return nil, false, nil
	}
	allowed := stringList(req.Payload["allowed_languages"])
	if len(allowed) == 0 {
		return nil, false, nil
	}
	allowedExts := map[string]bool{}
	for _, lang := range allowed {
		for _, ext := range extensionsFor(lang) {
			allowedExts[ext] = true
		}
	}

	var flagged []string
	for _, key := range []string{"files", "paths", "key_files"} {
		for _, p := range stringList(req.Payload[key]) {
			ext := strings.ToLower(filepath.Ext(p))
			if ext != "" && !allowedExts[ext] {
				flagged = append(flagged, p)
			}
		}
	}
	if len(flagged) == 0 {
		return nil, false, nil
	}

	body := domain.PersonaResultBody{
		Status: domain.ResultFail,
		Output: fmt.Sprintf("language policy violation: %s not in allowed languages %v", strings.Join(flagged, ", "), allowed),
		Payload: map[string]any{
			"flagged_files":     flagged,
			"allowed_languages": allowed,
		},
	}
	outcome := &Outcome{Body: body}
	metrics.PersonaFailures.WithLabelValues(req.Persona, "language_policy_violation").Inc()
	if req.abortOnFailure() {
		return outcome, true, &maestroerrors.PersonaError{
			Kind:    "language_policy_violation",
			Persona: req.Persona,
			Details: strings.Join(flagged, ", "),
		}
	}
	return outcome, true, nil
}

var languageExtensions = map[string][]string{
	"go":         {".go"},
	"typescript": {".ts", ".tsx"},
	"javascript": {".js", ".jsx", ".mjs"},
	"python":     {".py"},
	"ruby":       {".rb"},
	"rust":       {".rs"},
	"java":       {".java"},
	"yaml":       {".yaml", ".yml"},
	"json":       {".json"},
	"markdown":   {".md"},
	"shell":      {".sh"},
	"sql":        {".sql"},
}

func extensionsFor(lang string) []string {
	if exts, ok := languageExtensions[strings.ToLower(lang)]; ok {
		return exts
	}
	return []string{"." + strings.ToLower(lang)}
}

func stringList(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
