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

package expr

import (
	"fmt"
	"sync"

	maestroerrors "github.com/maestrohq/maestro/pkg/errors"
)

// Evaluator evaluates condition and template expressions against a
// workflow context, caching parsed ASTs. Mirrors the compile/cache/run
// split of a general-purpose expression engine, but the parser and VM
// are hand-rolled (see the package doc for why).
type Evaluator struct {
	cache map[string]node
	mu    sync.RWMutex
}

// New creates a new expression evaluator.
func New() *Evaluator {
	return &Evaluator{cache: make(map[string]node)}
}

// Evaluate parses (or retrieves from cache) expression and evaluates it
// against vars, returning the raw typed result (used by the Variable
// Resolver and VariableResolutionStep).
func (e *Evaluator) Evaluate(expression string, vars map[string]any) (any, error) {
	n, err := e.compile(expression)
	if err != nil {
		return nil, &maestroerrors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("failed to parse expression: %s", err.Error()),
			Suggestion: "check expression syntax against the condition grammar",
		}
	}
	if vars == nil {
		vars = map[string]any{}
	}
	return n.eval(vars)
}

// EvaluateCondition evaluates expression and reduces the result to a
// boolean via JS-style truthiness. An empty expression defaults to true
// (an absent `condition` always runs the step).
func (e *Evaluator) EvaluateCondition(expression string, vars map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}
	v, err := e.Evaluate(expression, vars)
	if err != nil {
		return false, err
	}
	return isTruthy(v), nil
}

func (e *Evaluator) compile(expression string) (node, error) {
	e.mu.RLock()
	if n, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return n, nil
	}
	e.mu.RUnlock()

	n, err := parse(expression)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = n
	e.mu.Unlock()
	return n, nil
}

// ClearCache clears the expression cache. Mainly useful for testing.
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	e.cache = make(map[string]node)
	e.mu.Unlock()
}

// CacheSize returns the number of cached expressions.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
