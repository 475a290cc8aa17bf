// Copyright 2025 Tom Barlow
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

import (
	"fmt"
	"time"
)

// TransientError represents a temporary failure that may succeed on retry.
// Use this for network errors, timeouts, rate limits, and temporary store
// unavailability. Transient errors carry an optional retry hint.
type TransientError struct {
	// Operation describes what was being attempted (e.g., "llm completion", "git push")
	Operation string

	// Message is the human-readable error description
	Message string

	// RetryAfter is the suggested delay before retrying (zero = caller's choice)
	RetryAfter time.Duration

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	msg := fmt.Sprintf("transient failure in %s: %s", e.Operation, e.Message)
	if e.RetryAfter > 0 {
		msg = fmt.Sprintf("%s (retry after %v)", msg, e.RetryAfter)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TransientError) Unwrap() error {
	return e.Cause
}

// InvariantError represents a violation of a substrate invariant: an illegal
// status transition, a duplicate reactivation, an unauthorized validation
// reply. Invariant errors are never retried; the write that produced one is
// rejected atomically so the store never reaches an illegal state.
type InvariantError struct {
	// Invariant names the rule that was violated (e.g., "task_status_transition")
	Invariant string

	// Message describes the violation with full context
	Message string
}

// Error implements the error interface.
func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant %s violated: %s", e.Invariant, e.Message)
}

// InputError represents malformed external input: an unparseable webhook
// payload, a missing required field, an unknown tracker column. The offending
// event is marked invalid and no task is created.
type InputError struct {
	// Field identifies the offending input field (may be empty)
	Field string

	// Message is the human-readable error description
	Message string

	// Cause is the underlying error (e.g., a JSON decode error)
	Cause error
}

// Error implements the error interface.
func (e *InputError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid input at %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("invalid input: %s", e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *InputError) Unwrap() error {
	return e.Cause
}

// FatalError represents an unrecoverable condition: store schema drift or
// missing credentials on a path that needs them. A worker refuses to start
// or aborts its current lease when it encounters one.
type FatalError struct {
	// Reason explains why the condition is unrecoverable
	Reason string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *FatalError) Unwrap() error {
	return e.Cause
}

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "task", "run", "validation")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ProviderError represents LLM provider failures.
// Use this for errors originating from external LLM providers.
type ProviderError struct {
	// Provider is the name of the LLM provider (e.g., "anthropic", "openai")
	Provider string

	// StatusCode is the HTTP status code (if applicable)
	StatusCode int

	// Message is the human-readable error message
	Message string

	// RequestID correlates this error with provider logs
	RequestID string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("provider %s error", e.Provider)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s [HTTP %d]", msg, e.StatusCode)
	}
	msg = fmt.Sprintf("%s: %s", msg, e.Message)
	if e.RequestID != "" {
		msg = fmt.Sprintf("%s (request-id: %s)", msg, e.RequestID)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// ConfigError represents configuration problems.
// Use this for missing settings or invalid configuration values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "webhook_secret")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents operation timeouts.
// Use this when an operation exceeds its configured timeout.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "run_tests", "human_validation")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}
