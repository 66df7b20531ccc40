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

package artifact

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePath(t *testing.T) {
	good, err := ValidatePath(".ma/tasks/42/01-plan.md")
	require.NoError(t, err)
	assert.Equal(t, ".ma/tasks/42/01-plan.md", good)

	_, err = ValidatePath("notes/plan.md")
	assert.Error(t, err)

	_, err = ValidatePath(".ma/../etc/passwd")
	assert.Error(t, err)

	_, err = ValidatePath(".ma/tasks/../../escape.md")
	assert.Error(t, err)
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())

	rel, err := s.WriteString(".ma/tasks/7/01-note.md", "hello")
	require.NoError(t, err)
	assert.Equal(t, ".ma/tasks/7/01-note.md", rel)
	assert.True(t, s.Exists(rel))

	got, err := s.ReadString(rel)
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
}

func TestWriteJSON(t *testing.T) {
	s := NewStore(t.TempDir())
	_, err := s.WriteJSON(".ma/context/snapshot.json", map[string]any{"files": []string{"a.go"}})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, s.ReadJSON(".ma/context/snapshot.json", &decoded))
	assert.Equal(t, []any{"a.go"}, decoded["files"])
}

func TestWriteRejectsOutsidePrefix(t *testing.T) {
	s := NewStore(t.TempDir())
	_, err := s.WriteString("src/main.go", "nope")
	assert.Error(t, err)
}

func TestTaskNotePath(t *testing.T) {
	assert.Equal(t, ".ma/tasks/42/03-qa-result.md", TaskNotePath("42", 3, "qa-result"))
}
