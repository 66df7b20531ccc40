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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/maestrohq/maestro/internal/config"
	"github.com/maestrohq/maestro/internal/coordinator"
	"github.com/maestrohq/maestro/internal/engine/step"
	"github.com/maestrohq/maestro/internal/lmclient"
	maestrolog "github.com/maestrohq/maestro/internal/log"
	"github.com/maestrohq/maestro/internal/metrics"
	"github.com/maestrohq/maestro/internal/observability"
	"github.com/maestrohq/maestro/internal/persona"
	"github.com/maestrohq/maestro/internal/stream"
	"github.com/maestrohq/maestro/internal/stream/local"
	"github.com/maestrohq/maestro/internal/stream/sqlitestream"
	"github.com/maestrohq/maestro/internal/taskservice"
)

func newRootCommand() *cobra.Command {
	var forceRescan bool

	root := &cobra.Command{
		Use:     "maestro <project_id> [repo_url] [base_branch]",
		Short:   "Multi-agent workflow orchestrator for software engineering tasks",
		Version: fmt.Sprintf("%s (%s)", version, commit),
		Args:    cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := coordinator.Request{ProjectID: args[0], ForceRescan: forceRescan}
			if len(args) > 1 {
				req.RepoURL = args[1]
			}
			if len(args) > 2 {
				req.BaseBranch = args[2]
			}
			return runCoordinator(cmd.Context(), req)
		},
	}
	root.Flags().BoolVar(&forceRescan, "force-rescan", false, "ignore any cached repository scan")
	root.AddCommand(newDispatchCommand())
	return root
}

func newDispatchCommand() *cobra.Command {
	var personaName string

	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Run persona consumer loops against the shared stream transport",
		Long: "Runs the consumer loop for one persona (or all allowed personas) as its own " +
			"process. Multiple processes may host the same persona's consumer group; each " +
			"request is then delivered to exactly one of them.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDispatchers(cmd.Context(), personaName)
		},
	}
	cmd.Flags().StringVar(&personaName, "persona", "", "run only this persona's loop (default: all allowed personas)")
	return cmd
}

// runtime wires the shared pieces both commands need.
type runtime struct {
	cfg       *config.Config
	logger    *slog.Logger
	transport stream.Transport
	shutdown  func(context.Context) error
}

func setup(ctx context.Context) (*runtime, error) {
	logger := maestrolog.New(maestrolog.FromEnv())
	slog.SetDefault(logger)
	cfg := config.FromEnv()

	shutdownTracing, err := observability.Setup(ctx)
	if err != nil {
		return nil, err
	}

	var transport stream.Transport
	switch cfg.TransportType {
	case config.TransportStream:
		transport, err = sqlitestream.New(sqlitestream.Config{Path: cfg.StreamDBPath, WAL: true})
		if err != nil {
			return nil, fmt.Errorf("open stream db: %w", err)
		}
	default:
		transport = local.New()
	}

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
				logger.Warn("metrics listener failed", maestrolog.Error(err))
			}
		}()
	}

	return &runtime{cfg: cfg, logger: logger, transport: transport, shutdown: shutdownTracing}, nil
}

func (r *runtime) close(ctx context.Context) {
	r.transport.Close()
	r.shutdown(ctx)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func personasToRun(cfg *config.Config, only string) []string {
	if only != "" {
		return []string{only}
	}
	if len(cfg.AllowedPersonas) > 0 {
		return cfg.AllowedPersonas
	}
	return []string{
		persona.ContextScan, persona.Planner, persona.PlanEvaluator,
		persona.LeadEngineer, persona.TesterQA, persona.CodeReviewer,
		persona.SecurityReview, persona.DevOps, persona.ProjectManager,
	}
}

func newDispatcher(rt *runtime) (*persona.Dispatcher, error) {
	lmEndpoint := os.Getenv("LM_ENDPOINT_URL")
	if lmEndpoint == "" {
		lmEndpoint = "http://127.0.0.1:8900/v1/infer"
	}
	lm, err := lmclient.New(lmEndpoint, os.Getenv("LM_API_KEY"))
	if err != nil {
		return nil, err
	}
	handler := persona.NewHandler(lm, personaModels(), os.Getenv("LM_DEFAULT_MODEL"), rt.logger)
	return persona.NewDispatcher(rt.transport, handler, persona.DispatcherConfig{
		GroupPrefix: rt.cfg.GroupPrefix,
		BatchSize:   rt.cfg.BatchSize,
		BlockMS:     rt.cfg.BlockMS,
	}, rt.logger), nil
}

// personaModels reads MAESTRO_MODEL_<PERSONA> overrides, e.g.
// MAESTRO_MODEL_PLANNER.
func personaModels() map[string]string {
	models := map[string]string{}
	for _, p := range []string{
		persona.ContextScan, persona.Planner, persona.PlanEvaluator,
		persona.LeadEngineer, persona.TesterQA, persona.CodeReviewer,
		persona.SecurityReview, persona.DevOps, persona.ProjectManager,
	} {
		key := "MAESTRO_MODEL_" + envKey(p)
		if v := os.Getenv(key); v != "" {
			models[p] = v
		}
	}
	return models
}

func envKey(persona string) string {
	out := make([]byte, len(persona))
	for i := 0; i < len(persona); i++ {
		c := persona[i]
		switch {
		case c >= 'a' && c <= 'z':
			out[i] = c - 'a' + 'A'
		case c == '-':
			out[i] = '_'
		default:
			out[i] = c
		}
	}
	return string(out)
}

// runCoordinator seeds the bootstrap request, starts the dispatcher
// loops in-process, and runs the coordinator until the work drains or a
// signal arrives.
func runCoordinator(parent context.Context, req coordinator.Request) error {
	ctx, cancel := signalContext()
	defer cancel()
	if parent != nil {
		go func() {
			<-parent.Done()
			cancel()
		}()
	}

	rt, err := setup(ctx)
	if err != nil {
		return err
	}
	defer rt.close(context.Background())

	tasks, err := taskservice.New(rt.cfg.DashboardAPIURL, rt.cfg.DashboardAPIKey, taskservice.Options{
		Timeout: rt.cfg.TaskServiceTimeout,
		Logger:  rt.logger,
	})
	if err != nil {
		return err
	}

	dispatcher, err := newDispatcher(rt)
	if err != nil {
		return err
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		dispatcher.RunAll(ctx, personasToRun(rt.cfg, ""))
	}()

	coord, err := coordinator.New(coordinator.Options{
		Config:    rt.cfg,
		Transport: rt.transport,
		Tasks:     tasks,
		Registry:  step.NewRegistry(),
		Logger:    rt.logger,
	})
	if err != nil {
		return err
	}

	if err := coord.SeedRequest(ctx, req); err != nil {
		return err
	}
	err = coord.Run(ctx)
	cancel()
	wg.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

// runDispatchers runs persona consumer loops until a signal arrives.
func runDispatchers(parent context.Context, only string) error {
	ctx, cancel := signalContext()
	defer cancel()
	if parent != nil {
		go func() {
			<-parent.Done()
			cancel()
		}()
	}

	rt, err := setup(ctx)
	if err != nil {
		return err
	}
	defer rt.close(context.Background())

	dispatcher, err := newDispatcher(rt)
	if err != nil {
		return err
	}
	dispatcher.RunAll(ctx, personasToRun(rt.cfg, only))
	return nil
}
