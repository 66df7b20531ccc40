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

// Classifier implementations for the typed errors. Recoverability
// follows the retry rules: timeouts and transport failures retry,
// persona terminal failures depend on their failure mode, a plan
// iteration limit is always soft, and validation/config/VCS errors end
// the step.

func (e *ValidationError) ErrorKind() string { return "validation_error" }
func (e *ValidationError) Recoverable() bool { return false }

func (e *NotFoundError) ErrorKind() string { return "not_found" }
func (e *NotFoundError) Recoverable() bool { return false }

func (e *ProviderError) ErrorKind() string { return "provider_error" }

// Recoverable reports true for rate limits and server-side failures.
func (e *ProviderError) Recoverable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

func (e *ConfigError) ErrorKind() string { return "config_error" }
func (e *ConfigError) Recoverable() bool { return false }

func (e *TimeoutError) ErrorKind() string { return "transport_timeout" }
func (e *TimeoutError) Recoverable() bool { return true }

func (e *VcsError) ErrorKind() string { return "vcs_error" }
func (e *VcsError) Recoverable() bool { return false }

func (e *TransportError) ErrorKind() string { return "transport_error" }
func (e *TransportError) Recoverable() bool { return true }

// ErrorKind returns the persona failure mode itself (exhausted_retries,
// information_limit_reached, persona_fail, ...).
func (e *PersonaError) ErrorKind() string { return e.Kind }

// Recoverable reports true only for the modes the retry envelope may
// try again; loop-bound and policy failures are terminal.
func (e *PersonaError) Recoverable() bool {
	switch e.Kind {
	case "transport_error", "transport_timeout":
		return true
	default:
		return false
	}
}

func (e *PlanIterationLimitError) ErrorKind() string { return "plan_iteration_limit_exceeded" }

// Recoverable is always true: the last plan is passed through with
// plan_approved=false and the caller decides.
func (e *PlanIterationLimitError) Recoverable() bool { return true }
