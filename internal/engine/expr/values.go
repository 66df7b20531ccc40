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
	"reflect"
	"strconv"
	"strings"
	"time"
)

// undefinedType is the sentinel for a missing path or the `undefined`
// literal.
type undefinedType struct{}

func (undefinedType) String() string { return "undefined" }

// Undefined is returned by path resolution when a segment is missing.
var Undefined = undefinedType{}

// nowFunc is overridable in tests; production code calls time.Now().
var nowFunc = func() int64 {
	return time.Now().UnixMilli()
}

// isTruthy implements JS-style truthiness: "" | 0 | null | undefined |
// false are falsy, everything else (including empty slices/maps) is
// truthy.
func isTruthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case undefinedType:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	default:
		return true
	}
}

// toNumeric coerces a value for "+"; non-numeric operands degrade to 0.
func toNumeric(v any) float64 {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float64:
		return t
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return f
		}
		return 0
	default:
		return 0
	}
}

func looseEquals(a, b any) bool {
	if strictEquals(a, b) {
		return true
	}
	// Numeric vs numeric-looking string, a common condition pattern
	// ("status == 2").
	_, aIsNum := numericOf(a)
	_, bIsNum := numericOf(b)
	if aIsNum || bIsNum {
		af, aok := numericOf(a)
		bf, bok := numericOf(b)
		if aok && bok {
			return af == bf
		}
	}
	return false
}

func numericOf(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func strictEquals(a, b any) bool {
	_, aUndef := a.(undefinedType)
	_, bUndef := b.(undefinedType)
	if aUndef || bUndef {
		return aUndef && bUndef
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case int, int64, float64:
		af, _ := numericOf(a)
		switch b.(type) {
		case int, int64, float64:
			bf, _ := numericOf(b)
			return af == bf
		default:
			return false
		}
	default:
		return reflect.DeepEqual(a, b)
	}
}

func applyTransform(v any, transform string) any {
	s, ok := v.(string)
	if !ok {
		if _, isUndef := v.(undefinedType); isUndef {
			return v
		}
		s = fmt.Sprint(v)
	}
	switch transform {
	case "toUpperCase":
		return strings.ToUpper(s)
	case "toLowerCase":
		return strings.ToLower(s)
	default:
		return v
	}
}

// resolvePath walks a dotted identifier path against the variable scope.
// Supports nested map[string]any and struct/pointer values via reflection
// so step outputs (plain maps) and domain structs (e.g. a task exposed as
// a context variable) both resolve.
func resolvePath(vars map[string]any, segments []string) any {
	if len(segments) == 0 {
		return Undefined
	}
	cur, ok := vars[segments[0]]
	if !ok {
		return Undefined
	}
	for _, seg := range segments[1:] {
		next, ok := lookupField(cur, seg)
		if !ok {
			return Undefined
		}
		cur = next
	}
	return cur
}

func lookupField(v any, field string) (any, bool) {
	if v == nil {
		return nil, false
	}
	switch m := v.(type) {
	case map[string]any:
		val, ok := m[field]
		return val, ok
	case map[string]string:
		val, ok := m[field]
		return val, ok
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}
	if rv.Kind() == reflect.Map {
		key := reflect.ValueOf(field)
		if key.Type() != rv.Type().Key() {
			return nil, false
		}
		val := rv.MapIndex(key)
		if !val.IsValid() {
			return nil, false
		}
		return val.Interface(), true
	}
	if rv.Kind() == reflect.Struct {
		f := rv.FieldByNameFunc(func(name string) bool {
			return strings.EqualFold(name, field)
		})
		if f.IsValid() {
			return f.Interface(), true
		}
	}
	return nil, false
}
