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

package engine

import (
	"time"

	"github.com/mechanic-dev/mechanic/internal/store"
)

// resultKind tags a NodeResult variant.
type resultKind int

const (
	resultCompleted resultKind = iota
	resultRetry
	resultSuspended
	resultFailed
)

// NodeResult is the tagged outcome of one node invocation.
type NodeResult struct {
	kind resultKind

	// Output is persisted on the step and feeds the edge guards.
	Output map[string]any

	// Usage carries LLM accounting recorded in the same commit as the step.
	Usage []*store.AIUsage

	// Delay and Reason apply to retry results.
	Delay  time.Duration
	Reason string

	// ResumeKey and Timeout apply to suspended results.
	ResumeKey string
	Timeout   time.Duration
	// Validation is the validation row to create atomically with the
	// suspension.
	Validation *store.HumanValidation

	// Err applies to failed results.
	Err error
}

// Completed builds a completed result.
func Completed(output map[string]any) *NodeResult {
	return &NodeResult{kind: resultCompleted, Output: output}
}

// Retry asks the engine to re-drive the same node after delay.
func Retry(delay time.Duration, reason string) *NodeResult {
	return &NodeResult{kind: resultRetry, Delay: delay, Reason: reason}
}

// Suspended parks the run until an external event carrying resumeKey.
func Suspended(resumeKey string, timeout time.Duration, v *store.HumanValidation) *NodeResult {
	return &NodeResult{kind: resultSuspended, ResumeKey: resumeKey, Timeout: timeout, Validation: v}
}

// Failed marks the node failed.
func Failed(err error) *NodeResult {
	return &NodeResult{kind: resultFailed, Err: err}
}

// withUsage attaches LLM accounting to the result.
func (r *NodeResult) withUsage(usage ...*store.AIUsage) *NodeResult {
	r.Usage = append(r.Usage, usage...)
	return r
}
