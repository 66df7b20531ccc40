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

package errors

import "errors"

// Classifier is implemented by maestro's typed errors so callers can
// branch on an error's category and recoverability without matching
// concrete types.
type Classifier interface {
	error

	// ErrorKind returns the error category, e.g. "vcs_error",
	// "transport_error", "exhausted_retries", "plan_iteration_limit_exceeded".
	ErrorKind() string

	// Recoverable reports whether the operation is worth retrying or
	// continuing past; unrecoverable errors end the enclosing workflow
	// step.
	Recoverable() bool
}

// KindOf walks err's tree for a Classifier and returns its kind, or
// "error" when none is found.
func KindOf(err error) string {
	var c Classifier
	if errors.As(err, &c) {
		return c.ErrorKind()
	}
	return "error"
}

// IsRecoverable walks err's tree for a Classifier and returns its
// recoverability; unclassified errors are treated as unrecoverable.
func IsRecoverable(err error) bool {
	var c Classifier
	if errors.As(err, &c) {
		return c.Recoverable()
	}
	return false
}
