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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate_Precedence(t *testing.T) {
	e := New()

	tests := []struct {
		name string
		expr string
		vars map[string]any
		want any
	}{
		{
			name: "or returns first truthy operand",
			expr: `"a" || "b"`,
			want: "a",
		},
		{
			name: "or chain returns first truthy numeric",
			expr: `false || 2 || 3`,
			want: int64(2),
		},
		{
			name: "parens short-circuit and/or grouping",
			expr: `(a || b) && c`,
			vars: map[string]any{"a": false, "b": true, "c": true},
			want: true,
		},
		{
			name: "equality binds tighter than or",
			expr: `status == "open" || status == "in_progress"`,
			vars: map[string]any{"status": "in_progress"},
			want: true,
		},
		{
			name: "addition on numerics",
			expr: `1 + 2`,
			want: float64(3),
		},
		{
			name: "addition degrades non-numeric operand to 0",
			expr: `1 + "abc"`,
			want: float64(1),
		},
		{
			name: "strict inequality",
			expr: `1 !== "1"`,
			want: true,
		},
		{
			name: "loose equality coerces numeric strings",
			expr: `count == 2`,
			vars: map[string]any{"count": "2"},
			want: true,
		},
		{
			name: "dotted identifier path",
			expr: `task.status`,
			vars: map[string]any{"task": map[string]any{"status": "open"}},
			want: "open",
		},
		{
			name: "missing path resolves to undefined",
			expr: `task.missing`,
			vars: map[string]any{"task": map[string]any{"status": "open"}},
			want: Undefined,
		},
		{
			name: "chained uppercase transform",
			expr: `task.status.toUpperCase()`,
			vars: map[string]any{"task": map[string]any{"status": "open"}},
			want: "OPEN",
		},
		{
			name: "fallback chain with literal default",
			expr: `missing || fallback || 'default'`,
			vars: map[string]any{"fallback": false},
			want: "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(tt.expr, tt.vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateCondition_Truthiness(t *testing.T) {
	e := New()

	tests := []struct {
		name string
		expr string
		vars map[string]any
		want bool
	}{
		{name: "empty expression defaults to true", expr: "", want: true},
		{name: "empty string is falsy", expr: `v`, vars: map[string]any{"v": ""}, want: false},
		{name: "zero is falsy", expr: `v`, vars: map[string]any{"v": int64(0)}, want: false},
		{name: "null is falsy", expr: `v`, vars: map[string]any{"v": nil}, want: false},
		{name: "undefined literal is falsy", expr: `undefined`, want: false},
		{name: "false is falsy", expr: `v`, vars: map[string]any{"v": false}, want: false},
		{name: "non-empty string is truthy", expr: `v`, vars: map[string]any{"v": "x"}, want: true},
		{name: "empty array literal is truthy", expr: `[]`, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.EvaluateCondition(tt.expr, tt.vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_CachesCompiledExpressions(t *testing.T) {
	e := New()
	_, err := e.Evaluate(`1 + 1`, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, e.CacheSize())

	_, err = e.Evaluate(`1 + 1`, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, e.CacheSize())

	e.ClearCache()
	assert.Equal(t, 0, e.CacheSize())
}

func TestEvaluate_DateNow(t *testing.T) {
	e := New()
	restore := nowFunc
	nowFunc = func() int64 { return 1700000000000 }
	defer func() { nowFunc = restore }()

	got, err := e.Evaluate(`Date.now()`, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000000), got)
}

func TestResolveTemplate_ExactMatchPreservesType(t *testing.T) {
	e := New()
	vars := map[string]any{"payload": map[string]any{"ok": true}}

	got, err := e.ResolveTemplate(`${payload}`, vars)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, got)
}

func TestResolveTemplate_InlineStringifies(t *testing.T) {
	e := New()
	vars := map[string]any{"name": "x"}

	got, err := e.ResolveTemplate(`feat: implement ${name}`, vars)
	require.NoError(t, err)
	assert.Equal(t, "feat: implement x", got)
}

func TestResolveTemplate_UnresolvedPathPreservesLiteral(t *testing.T) {
	e := New()

	got, err := e.ResolveTemplate(`${foo.bar}`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "${foo.bar}", got)
}

func TestResolveMap_RecursesNestedStructures(t *testing.T) {
	e := New()
	vars := map[string]any{"branch": "feat/x"}

	out, err := e.ResolveMap(map[string]any{
		"message": "push to ${branch}",
		"nested":  map[string]any{"ref": "${branch}"},
		"list":    []any{"${branch}"},
		"count":   3,
	}, vars)
	require.NoError(t, err)
	assert.Equal(t, "push to feat/x", out["message"])
	assert.Equal(t, map[string]any{"ref": "feat/x"}, out["nested"])
	assert.Equal(t, []any{"feat/x"}, out["list"])
	assert.Equal(t, 3, out["count"])
}
