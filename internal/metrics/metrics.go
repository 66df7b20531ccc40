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

// Package metrics defines maestro's Prometheus instrumentation and the
// optional /metrics listener.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DispatcherProcessed counts request-stream entries processed per
	// persona and envelope status.
	DispatcherProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "maestro",
		Subsystem: "dispatcher",
		Name:      "processed_total",
		Help:      "Request-stream entries processed, by persona and envelope status.",
	}, []string{"persona", "status"})

	// PersonaAttempts counts executor attempts per persona, including
	// retries.
	PersonaAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "maestro",
		Subsystem: "persona",
		Name:      "attempts_total",
		Help:      "Persona request attempts, including retries.",
	}, []string{"persona"})

	// PersonaFailures counts terminal persona failures by kind.
	PersonaFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "maestro",
		Subsystem: "persona",
		Name:      "failures_total",
		Help:      "Terminal persona failures, by failure kind.",
	}, []string{"persona", "kind"})

	// StepDuration observes workflow step wall time.
	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "maestro",
		Subsystem: "engine",
		Name:      "step_duration_seconds",
		Help:      "Workflow step execution duration.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
	}, []string{"step_type", "status"})

	// WorkflowsCompleted counts engine invocations by terminal status.
	WorkflowsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "maestro",
		Subsystem: "engine",
		Name:      "workflows_total",
		Help:      "Workflow invocations, by terminal status.",
	}, []string{"workflow", "status"})
)

// Serve exposes /metrics and /healthz on addr until ctx is done. A blank
// addr disables the listener.
func Serve(ctx context.Context, addr string) error {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
