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

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"github.com/maestrohq/maestro/internal/domain"
	maestrolog "github.com/maestrohq/maestro/internal/log"
	"github.com/maestrohq/maestro/internal/metrics"
)

var tracer = otel.Tracer("github.com/maestrohq/maestro/internal/engine")

// StepStatus is a step's terminal status.
type StepStatus string

const (
	StatusSuccess StepStatus = "success"
	StatusFailure StepStatus = "failure"
	StatusSkipped StepStatus = "skipped"
)

// StepResult is what a step execution returns.
type StepResult struct {
	Status  StepStatus
	Data    any
	Outputs map[string]any
	Error   error
}

// Step is the capability set every step kind implements. Steps are
// selected by string type and constructed per execution with their
// resolved config.
type Step interface {
	Execute(ctx context.Context, wf *Context) StepResult
}

// StepValidator is optionally implemented by steps that can pre-check
// their config before the walk begins.
type StepValidator interface {
	Validate(wf *Context) error
}

// Factory builds a step instance from its definition and resolved config.
type Factory func(def domain.StepDefinition, config map[string]any) (Step, error)

// Registry maps step type strings to factories. Registration is
// data-driven; the step library populates one in NewRegistry.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register adds a factory for a step type.
func (r *Registry) Register(stepType string, f Factory) {
	r.factories[stepType] = f
}

// Lookup resolves a step type.
func (r *Registry) Lookup(stepType string) (Factory, bool) {
	f, ok := r.factories[stepType]
	return f, ok
}

// Result summarizes one engine invocation.
type Result struct {
	Workflow    string
	Completed   []string
	Skipped     []string
	FailedStep  string
	Err         error
	Aborted     bool
	StepResults map[string]StepResult
}

// Success reports whether the workflow ran to completion.
func (r *Result) Success() bool { return r.Err == nil && !r.Aborted }

// Engine executes workflow definitions.
type Engine struct {
	registry *Registry
	logger   *slog.Logger
}

// New creates an Engine over a step registry.
func New(registry *Registry, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{registry: registry, logger: maestrolog.WithComponent(logger, "engine")}
}

// LoadDefinition parses and validates a YAML workflow definition.
func LoadDefinition(raw []byte) (*domain.WorkflowDefinition, error) {
	var def domain.WorkflowDefinition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("parse workflow definition: %w", err)
	}
	if def.Name == "" {
		return nil, fmt.Errorf("workflow definition has no name")
	}
	if len(def.Steps) == 0 {
		return nil, fmt.Errorf("workflow %q has no steps", def.Name)
	}
	seen := map[string]bool{}
	for _, s := range def.Steps {
		if s.Name == "" || s.Type == "" {
			return nil, fmt.Errorf("workflow %q: every step needs a name and a type", def.Name)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("workflow %q: duplicate step name %q", def.Name, s.Name)
		}
		seen[s.Name] = true
	}
	for _, s := range def.Steps {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return nil, fmt.Errorf("workflow %q: step %q depends on unknown step %q", def.Name, s.Name, dep)
			}
		}
	}
	if _, err := topoSort(def.Steps); err != nil {
		return nil, fmt.Errorf("workflow %q: %w", def.Name, err)
	}
	return &def, nil
}

// Execute walks def's steps in dependency order against wf. One step
// runs at a time; parallel branches are serialized in topological order.
func (e *Engine) Execute(ctx context.Context, def *domain.WorkflowDefinition, wf *Context) *Result {
	result := &Result{Workflow: def.Name, StepResults: map[string]StepResult{}}
	logger := maestrolog.WithRunContext(e.logger, wf.WorkflowID, def.Name)
	logger.Info("workflow started", slog.Int("steps", len(def.Steps)))

	order, err := topoSort(def.Steps)
	if err != nil {
		result.Err = err
		return result
	}

	for _, stepDef := range order {
		if wf.WorkflowAborted {
			result.Aborted = true
			logger.Warn("workflow aborted, stopping walk", slog.String("at_step", stepDef.Name))
			break
		}
		if ctx.Err() != nil {
			result.Err = ctx.Err()
			break
		}

		sr := e.runStep(ctx, stepDef, wf, logger)
		result.StepResults[stepDef.Name] = sr

		switch sr.Status {
		case StatusSkipped:
			result.Skipped = append(result.Skipped, stepDef.Name)
		case StatusSuccess:
			result.Completed = append(result.Completed, stepDef.Name)
			e.mergeOutputs(stepDef, sr, wf)
		case StatusFailure:
			if stepDef.ContinueOnFailure {
				logger.Warn("step failed, continuing",
					slog.String("step", stepDef.Name), maestrolog.Error(sr.Error))
				result.Completed = append(result.Completed, stepDef.Name)
				e.mergeOutputs(stepDef, sr, wf)
				continue
			}
			result.FailedStep = stepDef.Name
			result.Err = sr.Error
			if result.Err == nil {
				result.Err = fmt.Errorf("step %q failed", stepDef.Name)
			}
			logger.Error("workflow failed",
				slog.String("step", stepDef.Name), maestrolog.Error(result.Err))
			metrics.WorkflowsCompleted.WithLabelValues(def.Name, "failure").Inc()
			return result
		}
	}

	if result.Aborted {
		metrics.WorkflowsCompleted.WithLabelValues(def.Name, "aborted").Inc()
	} else {
		metrics.WorkflowsCompleted.WithLabelValues(def.Name, "success").Inc()
		logger.Info("workflow completed",
			slog.Int("completed", len(result.Completed)),
			slog.Int("skipped", len(result.Skipped)))
	}
	return result
}

func (e *Engine) runStep(ctx context.Context, stepDef domain.StepDefinition, wf *Context, logger *slog.Logger) StepResult {
	ctx, span := tracer.Start(ctx, "step."+stepDef.Type,
		trace.WithAttributes(
			attribute.String("step.name", stepDef.Name),
			attribute.String("workflow.id", wf.WorkflowID)))
	defer span.End()

	start := time.Now()
	sr := e.runStepInner(ctx, stepDef, wf, logger)
	metrics.StepDuration.WithLabelValues(stepDef.Type, string(sr.Status)).Observe(time.Since(start).Seconds())
	return sr
}

func (e *Engine) runStepInner(ctx context.Context, stepDef domain.StepDefinition, wf *Context, logger *slog.Logger) StepResult {
	stepLogger := maestrolog.WithStepContext(logger, wf.WorkflowID, stepDef.Name)

	ok, err := wf.Evaluator.EvaluateCondition(stepDef.Condition, wf.Variables)
	if err != nil {
		return StepResult{Status: StatusFailure, Error: fmt.Errorf("step %q condition: %w", stepDef.Name, err)}
	}
	if !ok {
		stepLogger.Debug("step skipped by condition", slog.String("condition", stepDef.Condition))
		return StepResult{Status: StatusSkipped}
	}

	resolved, err := wf.Evaluator.ResolveMap(stepDef.Config, wf.Variables)
	if err != nil {
		return StepResult{Status: StatusFailure, Error: fmt.Errorf("step %q config: %w", stepDef.Name, err)}
	}

	factory, found := e.registry.Lookup(stepDef.Type)
	if !found {
		return StepResult{Status: StatusFailure, Error: fmt.Errorf("unknown step type %q", stepDef.Type)}
	}
	step, err := factory(stepDef, resolved)
	if err != nil {
		return StepResult{Status: StatusFailure, Error: fmt.Errorf("step %q construct: %w", stepDef.Name, err)}
	}
	if v, ok := step.(StepValidator); ok {
		if err := v.Validate(wf); err != nil {
			return StepResult{Status: StatusFailure, Error: fmt.Errorf("step %q validate: %w", stepDef.Name, err)}
		}
	}

	stepLogger.Debug("step started", slog.String("type", stepDef.Type))
	sr := step.Execute(ctx, wf)
	stepLogger.Debug("step finished", slog.String("status", string(sr.Status)))
	return sr
}

// mergeOutputs records step outputs under step_outputs[name] and mirrors
// each key into the variable map, both bare and prefixed with the step
// name.
func (e *Engine) mergeOutputs(stepDef domain.StepDefinition, sr StepResult, wf *Context) {
	if sr.Outputs == nil {
		return
	}
	wf.StepOutputs[stepDef.Name] = sr.Outputs
	if existing, ok := wf.Variables["step_outputs"].(map[string]any); ok {
		existing[stepDef.Name] = sr.Outputs
	} else {
		wf.Variables["step_outputs"] = map[string]any{stepDef.Name: sr.Outputs}
	}
	for k, v := range sr.Outputs {
		wf.Variables[k] = v
		wf.Variables[stepDef.Name+"_"+k] = v
	}
	for _, name := range stepDef.Outputs {
		if v, ok := sr.Outputs[name]; ok {
			wf.Variables[name] = v
		}
	}
}

// topoSort orders steps by depends_on with a stable tie-break on
// definition order, detecting cycles.
func topoSort(steps []domain.StepDefinition) ([]domain.StepDefinition, error) {
	index := map[string]int{}
	for i, s := range steps {
		index[s.Name] = i
	}
	indegree := make([]int, len(steps))
	dependents := make([][]int, len(steps))
	for i, s := range steps {
		for _, dep := range s.DependsOn {
			j := index[dep]
			dependents[j] = append(dependents[j], i)
			indegree[i]++
		}
	}

	var ready []int
	for i := range steps {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	var order []domain.StepDefinition
	for len(ready) > 0 {
		// Lowest definition index first keeps the walk deterministic.
		minAt := 0
		for i, idx := range ready {
			if idx < ready[minAt] {
				minAt = i
			}
		}
		next := ready[minAt]
		ready = append(ready[:minAt], ready[minAt+1:]...)
		order = append(order, steps[next])
		for _, dep := range dependents[next] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	if len(order) != len(steps) {
		return nil, fmt.Errorf("dependency cycle detected")
	}
	return order, nil
}
