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
	"strings"
)

// ResolveTemplate is the Variable Resolver for step configs: an
// exact `${expr}` match (the whole string, once trimmed) preserves the
// resolved value's type (object/array/number/bool); `${expr}` occurring
// inline inside a larger string is stringified; a path that fails to
// resolve (evaluates to Undefined) preserves the literal `${...}` text
// rather than substituting "undefined".
func (e *Evaluator) ResolveTemplate(raw string, vars map[string]any) (any, error) {
	trimmed := strings.TrimSpace(raw)
	if inner, ok := exactTemplate(trimmed); ok {
		val, err := e.Evaluate(inner, vars)
		if err != nil {
			return nil, err
		}
		if _, isUndef := val.(undefinedType); isUndef {
			return raw, nil
		}
		return val, nil
	}

	if !strings.Contains(raw, "${") {
		return raw, nil
	}

	var b strings.Builder
	i := 0
	for i < len(raw) {
		start := strings.Index(raw[i:], "${")
		if start == -1 {
			b.WriteString(raw[i:])
			break
		}
		start += i
		b.WriteString(raw[i:start])
		end := matchingBrace(raw, start+2)
		if end == -1 {
			b.WriteString(raw[start:])
			break
		}
		inner := raw[start+2 : end]
		val, err := e.Evaluate(inner, vars)
		if err != nil {
			return nil, err
		}
		if _, isUndef := val.(undefinedType); isUndef {
			b.WriteString(raw[start : end+1])
		} else {
			b.WriteString(stringify(val))
		}
		i = end + 1
	}
	return b.String(), nil
}

// ResolveMap walks a step config object and resolves every string leaf
// through ResolveTemplate, leaving other value kinds untouched. Used by
// PersonaRequestStep and VariableResolutionStep to resolve a step's
// `config` before execution.
func (e *Evaluator) ResolveMap(raw map[string]any, vars map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		rv, err := e.resolveAny(v, vars)
		if err != nil {
			return nil, fmt.Errorf("resolving %q: %w", k, err)
		}
		out[k] = rv
	}
	return out, nil
}

func (e *Evaluator) resolveAny(v any, vars map[string]any) (any, error) {
	switch t := v.(type) {
	case string:
		return e.ResolveTemplate(t, vars)
	case map[string]any:
		return e.ResolveMap(t, vars)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			rv, err := e.resolveAny(item, vars)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

func exactTemplate(s string) (string, bool) {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") && len(s) >= 3 {
		end := matchingBrace(s, 2)
		if end == len(s)-1 {
			return s[2:end], true
		}
	}
	return "", false
}

// matchingBrace returns the index of the "}" matching the "${" whose
// expression begins at from, tracking nested braces from object-literal
// values ({}).
func matchingBrace(s string, from int) int {
	depth := 1
	for i := from; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case undefinedType:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}
