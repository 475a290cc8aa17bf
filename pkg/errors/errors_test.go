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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifiers(t *testing.T) {
	transient := &TransientError{Operation: "git push", Message: "connection reset"}
	timeout := &TimeoutError{Operation: "run_tests", Duration: time.Minute}
	invariant := Invariant("single_active_run", "task %d already has run %d", 3, 9)
	input := &InputError{Field: "item", Message: "missing"}
	fatal := &FatalError{Reason: "schema drift"}
	notFound := &NotFoundError{Resource: "task", ID: "7"}
	config := &ConfigError{Key: "SECRET_KEY", Reason: "required"}

	tests := []struct {
		name  string
		err   error
		check func(error) bool
		want  bool
	}{
		{"transient is transient", transient, IsTransient, true},
		{"timeout is transient", timeout, IsTransient, true},
		{"invariant is not transient", invariant, IsTransient, false},
		{"invariant", invariant, IsInvariant, true},
		{"input", input, IsInput, true},
		{"fatal", fatal, IsFatal, true},
		{"not found", notFound, IsNotFound, true},
		{"config", config, IsConfig, true},
		{"nil is nothing", nil, IsTransient, false},
		{"plain error is nothing", New("boom"), IsInvariant, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.check(tt.err))
		})
	}
}

func TestClassifiersSeeThroughWrapping(t *testing.T) {
	cause := &TransientError{Operation: "lease", Message: "database is locked"}
	wrapped := Wrap(fmt.Errorf("outer: %w", cause), "sweep failed")

	assert.True(t, IsTransient(wrapped))
	assert.False(t, IsInvariant(wrapped))
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, "context"))
	assert.Nil(t, Wrapf(nil, "context %d", 1))
}

func TestRetryAfter(t *testing.T) {
	hinted := &TransientError{Operation: "llm", Message: "rate limited", RetryAfter: 30 * time.Second}
	assert.Equal(t, 30*time.Second, RetryAfter(Wrap(hinted, "call failed")))
	assert.Zero(t, RetryAfter(New("boom")))
	assert.Zero(t, RetryAfter(nil))
}

func TestInvariantCarriesName(t *testing.T) {
	err := Invariant("task_status_transition", "completed to pending")

	var ie *InvariantError
	assert.True(t, As(err, &ie))
	assert.Equal(t, "task_status_transition", ie.Invariant)
	assert.Contains(t, err.Error(), "task_status_transition")
}

func TestErrorMessages(t *testing.T) {
	te := &TransientError{Operation: "clone", Message: "timeout", RetryAfter: 5 * time.Second}
	assert.Contains(t, te.Error(), "retry after 5s")

	pe := &ProviderError{Provider: "anthropic", StatusCode: 429, Message: "rate limited", RequestID: "req-1"}
	assert.Contains(t, pe.Error(), "HTTP 429")
	assert.Contains(t, pe.Error(), "req-1")

	ce := &ConfigError{Reason: "bad value"}
	assert.Equal(t, "config error: bad value", ce.Error())
}
