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

package store

import "github.com/mechanic-dev/mechanic/pkg/errors"

// TaskStatus is the effective status of a task.
type TaskStatus string

const (
	TaskStatusPending           TaskStatus = "pending"
	TaskStatusProcessing        TaskStatus = "processing"
	TaskStatusTesting           TaskStatus = "testing"
	TaskStatusDebugging         TaskStatus = "debugging"
	TaskStatusQualityCheck      TaskStatus = "quality_check"
	TaskStatusWaitingValidation TaskStatus = "waiting_validation"
	TaskStatusCompleted         TaskStatus = "completed"
	TaskStatusFailed            TaskStatus = "failed"
)

// Terminal reports whether the status ends the task lifecycle.
// Terminal tasks can only be revived through reactivation.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// taskTransitions is the allowed task status transition table. A write
// attempting a transition outside this table is rejected with an
// InvariantError and the offending run is marked failed.
//
// waiting_validation is a pause sub-state of processing: the run has parked
// on a human validation and the worker lease has been released.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:           {TaskStatusProcessing, TaskStatusFailed},
	TaskStatusProcessing:        {TaskStatusTesting, TaskStatusDebugging, TaskStatusWaitingValidation, TaskStatusCompleted, TaskStatusFailed},
	TaskStatusTesting:           {TaskStatusQualityCheck, TaskStatusDebugging, TaskStatusWaitingValidation, TaskStatusCompleted, TaskStatusFailed},
	TaskStatusDebugging:         {TaskStatusTesting, TaskStatusCompleted, TaskStatusFailed},
	TaskStatusQualityCheck:      {TaskStatusCompleted, TaskStatusFailed},
	TaskStatusWaitingValidation: {TaskStatusProcessing, TaskStatusQualityCheck, TaskStatusCompleted, TaskStatusFailed},
	TaskStatusCompleted:         {},
	TaskStatusFailed:            {TaskStatusPending, TaskStatusProcessing}, // reactivation
}

// ValidateTransition checks a task status transition against the allowed
// table. Idempotent same-to-same transitions are permitted.
func ValidateTransition(from, to TaskStatus) error {
	if from == to {
		return nil
	}
	for _, allowed := range taskTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return errors.Invariant("task_status_transition", "%s -> %s is not allowed", from, to)
}

// RunStatus is the status of a workflow run.
type RunStatus string

const (
	RunStatusStarted           RunStatus = "started"
	RunStatusRunning           RunStatus = "running"
	RunStatusWaitingValidation RunStatus = "waiting_validation"
	RunStatusCompleted         RunStatus = "completed"
	RunStatusFailed            RunStatus = "failed"
	RunStatusRetry             RunStatus = "retry"
	RunStatusCancelled         RunStatus = "cancelled"
)

// Active reports whether the run currently owns its task's execution lane.
// At most one run per task may be active at any instant.
func (s RunStatus) Active() bool {
	return s == RunStatusStarted || s == RunStatusRunning
}

// StepStatus is the status of a single node execution within a run.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusRetry     StepStatus = "retry"
	StepStatusSuspended StepStatus = "suspended"
)

// QueueStatus is the status of a queue entry.
type QueueStatus string

const (
	QueueStatusPending           QueueStatus = "pending"
	QueueStatusRunning           QueueStatus = "running"
	QueueStatusWaitingValidation QueueStatus = "waiting_validation"
	QueueStatusCompleted         QueueStatus = "completed"
	QueueStatusFailed            QueueStatus = "failed"
	QueueStatusCancelled         QueueStatus = "cancelled"
	QueueStatusTimeout           QueueStatus = "timeout"
)

// ValidationStatus is the status of a human validation request.
type ValidationStatus string

const (
	ValidationStatusPending   ValidationStatus = "pending"
	ValidationStatusApproved  ValidationStatus = "approved"
	ValidationStatusRejected  ValidationStatus = "rejected"
	ValidationStatusAbandoned ValidationStatus = "abandoned"
	ValidationStatusExpired   ValidationStatus = "expired"
	ValidationStatusCancelled ValidationStatus = "cancelled"
)

// ReactivationStatus is the status of a reactivation attempt record.
type ReactivationStatus string

const (
	ReactivationStatusPending    ReactivationStatus = "pending"
	ReactivationStatusProcessing ReactivationStatus = "processing"
	ReactivationStatusCompleted  ReactivationStatus = "completed"
	ReactivationStatusFailed     ReactivationStatus = "failed"
)

// TriggerType identifies what caused a reactivation.
type TriggerType string

const (
	TriggerTypeUpdate       TriggerType = "update"
	TriggerTypeStatusChange TriggerType = "status_change"
	TriggerTypeManual       TriggerType = "manual"
)

// CooldownType identifies which cooldown policy produced a cooldown window.
type CooldownType string

const (
	CooldownNormal     CooldownType = "normal"
	CooldownAggressive CooldownType = "aggressive"
	CooldownBackoff    CooldownType = "backoff"
)

// EventStatus is the processing status of a raw webhook event.
type EventStatus string

const (
	EventStatusPending   EventStatus = "pending"
	EventStatusProcessed EventStatus = "processed"
	EventStatusInvalid   EventStatus = "invalid"
	EventStatusFailed    EventStatus = "failed"
)

// Severity grades audit log entries.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)
