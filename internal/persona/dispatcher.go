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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/maestrohq/maestro/internal/domain"
	maestrolog "github.com/maestrohq/maestro/internal/log"
	"github.com/maestrohq/maestro/internal/metrics"
	"github.com/maestrohq/maestro/internal/stream"
)

// DispatcherConfig parameterizes the consumer loops.
type DispatcherConfig struct {
	RequestStream string
	EventStream   string
	GroupPrefix   string
	BatchSize     int
	BlockMS       int
}

func (c *DispatcherConfig) defaults() {
	if c.RequestStream == "" {
		c.RequestStream = DefaultRequestStream
	}
	if c.EventStream == "" {
		c.EventStream = DefaultEventStream
	}
	if c.GroupPrefix == "" {
		c.GroupPrefix = "maestro"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1
	}
	if c.BlockMS <= 0 {
		c.BlockMS = 5000
	}
}

// Dispatcher runs one consumer loop per persona against the request
// stream, invoking the Handler and publishing responses to the event
// stream. Every consumed entry is acked exactly once, whether handling
// succeeded or not: at-most-once processing for forward progress.
type Dispatcher struct {
	transport stream.Transport
	handler   *Handler
	cfg       DispatcherConfig
	logger    *slog.Logger
	consumer  string
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(transport stream.Transport, handler *Handler, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "maestro"
	}
	return &Dispatcher{
		transport: transport,
		handler:   handler,
		cfg:       cfg,
		logger:    maestrolog.WithComponent(logger, "dispatcher"),
		consumer:  fmt.Sprintf("%s-%d", host, os.Getpid()),
	}
}

// RunAll starts one loop per persona and blocks until ctx is done.
func (d *Dispatcher) RunAll(ctx context.Context, personas []string) {
	var wg sync.WaitGroup
	for _, p := range personas {
		wg.Add(1)
		go func(persona string) {
			defer wg.Done()
			d.Run(ctx, persona)
		}(p)
	}
	wg.Wait()
}

// Run is the long-lived consumer loop for one persona.
func (d *Dispatcher) Run(ctx context.Context, persona string) {
	group := GroupName(d.cfg.GroupPrefix, persona)
	if err := d.transport.GroupCreate(ctx, d.cfg.RequestStream, group, stream.NewEntries, stream.GroupCreateOptions{MakeStream: true}); err != nil && !errors.Is(err, stream.ErrGroupAlreadyExists) {
		d.logger.Error("consumer group create failed",
			slog.String("group", group), maestrolog.Error(err))
		return
	}

	logger := d.logger.With(slog.String("persona", persona), slog.String("group", group))
	logger.Info("persona consumer loop started")

	for {
		if ctx.Err() != nil {
			logger.Info("persona consumer loop stopped")
			return
		}
		entries, err := d.transport.ReadGroup(ctx, group, d.consumer, stream.ReadGroupOptions{
			Stream:  d.cfg.RequestStream,
			ID:      stream.NewEntries,
			BlockMS: d.cfg.BlockMS,
			Count:   d.cfg.BatchSize,
		})
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("persona consumer loop stopped")
				return
			}
			logger.Warn("read_group failed", maestrolog.Error(err))
			continue
		}
		for _, entry := range entries {
			d.process(ctx, persona, group, entry, logger)
		}
	}
}

// process handles one request entry: filter by to_persona, execute,
// publish a response, and ack regardless of outcome.
func (d *Dispatcher) process(ctx context.Context, persona, group string, entry stream.Entry, logger *slog.Logger) {
	defer func() {
		if err := d.transport.Ack(ctx, d.cfg.RequestStream, group, entry.ID); err != nil {
			logger.Warn("ack failed", slog.String("entry_id", entry.ID), maestrolog.Error(err))
		}
	}()

	env := decodeRequest(entry.Fields)
	if env.ToPersona != "" && env.ToPersona != persona {
		return
	}

	start := time.Now()
	var resp domain.PersonaResponseEnvelope
	func() {
		defer func() {
			if r := recover(); r != nil {
				// A handler panic still produces an envelope: at-most-once
				// processing, never redelivery.
				resp = domain.PersonaResponseEnvelope{
					WorkflowID:  env.WorkflowID,
					FromPersona: persona,
					Status:      "done",
					CorrID:      env.CorrID,
					Step:        env.Step,
					DurationMs:  time.Since(start).Milliseconds(),
					Error:       fmt.Sprintf("handler panic: %v", r),
					Result: EncodeResultBody(domain.PersonaResultBody{
						Status:  domain.ResultFail,
						Output:  "persona handler panicked",
						Payload: map[string]any{"error": fmt.Sprint(r), "details": "recovered in dispatcher"},
					}),
				}
			}
		}()
		resp = d.handler.Handle(ctx, persona, env)
	}()

	if _, err := d.transport.Append(ctx, d.cfg.EventStream, encodeResponse(resp)); err != nil {
		logger.Error("event append failed",
			slog.String("corr_id", env.CorrID), maestrolog.Error(err))
		return
	}
	metrics.DispatcherProcessed.WithLabelValues(persona, resp.Status).Inc()
	logger.Debug("request processed",
		slog.String("corr_id", env.CorrID),
		slog.String("workflow_id", env.WorkflowID),
		maestrolog.Duration("handle", time.Since(start).Milliseconds()))
}
