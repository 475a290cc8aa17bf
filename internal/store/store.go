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

// Package store defines the relational ledger for the workflow substrate.
//
// # Interface Hierarchy
//
// The package uses interface segregation so components depend only on the
// slices of the ledger they touch:
//
//   - TaskStore (core): task rows plus the guard columns (lock, cooldown)
//   - RunStore / StepStore: workflow attempt trace
//   - EventStore: raw webhook ingress records
//   - QueueStore: durable per-ticket queue and lease operations
//   - ValidationStore: human validation lifecycle
//   - UsageStore / AuditStore: append-only cost and audit records
//
// The Store interface composes all of these for full-featured backends.
// Every state transition is a single committed transaction carrying all
// related writes; the composite operations (LeaseNext, CompleteStep,
// BeginReactivation, SuspendRun, ...) exist so callers never stitch together
// multi-entity transitions from individual writes.
package store

import (
	"context"
	"io"
	"time"
)

// Task is the internal representation of an external tracker ticket.
// Identified internally by an opaque 64-bit id and externally by
// (source, external_item_id), which is unique. Tasks are never deleted;
// the lifecycle ends when the status is terminal.
type Task struct {
	ID             int64
	Source         string
	ExternalItemID string
	Title          string
	Description    string
	Priority       int
	RepositoryURL  string
	DefaultBranch  string

	InternalStatus TaskStatus
	PreviousStatus TaskStatus
	TrackerStatus  string

	// Creator identity captured for mention formatting. Both id and display
	// name are required; the ticket owner is a degenerate fallback only.
	CreatorID   string
	CreatorName string

	// Guard fields used by the queue for lease and reactivation decisions.
	IsLocked                   bool
	LockOwner                  string
	LockedAt                   *time.Time
	CooldownUntil              *time.Time
	FailedReactivationAttempts int
	ReactivationCount          int

	LastRunID *int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Run is one workflow attempt on a task. At any instant at most one run per
// task has an active status.
type Run struct {
	ID            int64
	TaskID        int64
	RunNumber     int
	Status        RunStatus
	ExecutorID    string
	StartedAt     *time.Time
	EndedAt       *time.Time
	Duration      time.Duration
	Result        map[string]any
	Error         string
	BranchName    string
	PRURL         string
	IsReactivation bool
	ParentRunID   *int64
	ReactivationCount int
	DebugAttempts int
	TotalCostUSD  float64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Step is one visited node of a run. Steps are append-only within a run and
// their order is the engine's execution trace.
type Step struct {
	ID         int64
	RunID      int64
	Node       string
	StepOrder  int
	Status     StepStatus
	RetryCount int
	MaxRetries int
	Input      map[string]any
	Output     map[string]any
	Error      string
	Checkpoint []byte

	StartedAt         *time.Time
	CompletedAt       *time.Time
	CheckpointSavedAt *time.Time
	CreatedAt         time.Time
}

// WebhookEvent is the raw ingress record. Never mutated after ingest except
// to flip processed and set related_task_id.
type WebhookEvent struct {
	ID               int64
	Source           string
	EventType        string
	Payload          []byte
	Headers          map[string]string
	Signature        string
	Processed        bool
	ProcessingStatus EventStatus
	Attempts         int
	RelatedTaskID    *int64
	// ReceivedMonth partitions events for retention (YYYY-MM of ReceivedAt).
	ReceivedMonth string
	ReceivedAt    time.Time
	ProcessedAt   *time.Time
}

// QueueEntryKind distinguishes what a queue entry asks a worker to do.
type QueueEntryKind string

const (
	// EntryKindStart drives a fresh workflow on a newly created task.
	EntryKindStart QueueEntryKind = "start"
	// EntryKindReactivation drives a new run on a previously terminal task.
	EntryKindReactivation QueueEntryKind = "reactivation"
	// EntryKindResume resumes a run suspended on a human validation.
	EntryKindResume QueueEntryKind = "resume"
)

// QueueEntry is a per-ticket queue slot. Entries are append-only; only one
// entry per external_item_id may be running.
type QueueEntry struct {
	ID             int64
	Source         string
	ExternalItemID string
	TaskID         *int64
	Kind           QueueEntryKind
	Status         QueueStatus
	Priority       int
	Payload        map[string]any
	// ExecutorTaskID is the worker id holding the lease, empty when unleased.
	ExecutorTaskID string
	EnqueuedAt     time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	HeartbeatAt    *time.Time
}

// LockRecord is the audit row for an advisory task lock. The authoritative
// lock state lives on the task's guard columns; these rows are history.
type LockRecord struct {
	ID         int64
	TaskID     int64
	Owner      string
	IsActive   bool
	AcquiredAt time.Time
	ReleasedAt *time.Time
	Metadata   map[string]any
}

// Cooldown blocks new reactivations of a task until Until.
type Cooldown struct {
	ID             int64
	TaskID         int64
	Until          time.Time
	Type           CooldownType
	FailedAttempts int
	Metadata       map[string]any
	CreatedAt      time.Time
}

// ReactivationRecord is the audit row for a reactivation attempt.
type ReactivationRecord struct {
	ID          int64
	TaskID      int64
	RunID       *int64
	TriggerType TriggerType
	UpdateID    string
	UpdateData  map[string]any
	Status      ReactivationStatus
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// HumanValidation is a request for an authorized human to approve or reject
// generated code. The stored creator identity is the only identity authorized
// to reply.
type HumanValidation struct {
	ID           int64
	ValidationID string // opaque, used as resume key
	TaskID       int64
	RunID        int64
	StepID       int64
	Title        string
	// GeneratedCode maps file path to contents.
	GeneratedCode map[string]string
	Summary       string
	FilesModified []string
	Status        ValidationStatus
	RejectionCount int
	IsRetry        bool
	ParentValidationID *int64

	// TrackerUpdateID is the tracker update that carries the validation
	// request; only replies to this update are considered.
	TrackerUpdateID string

	CreatorID    string
	CreatorEmail string
	CreatorName  string

	UnauthorizedAttempts int
	ReminderSentAt       *time.Time
	CreatedAt            time.Time
	ExpiresAt            time.Time
}

// ValidationResponse records the authorized reply that resolved a validation.
type ValidationResponse struct {
	ID           int64
	ValidationID int64
	ResponseStatus ValidationStatus
	Comments     string
	ModificationInstructions string
	ShouldMerge            bool
	ShouldContinueWorkflow bool
	ShouldRetryWorkflow    bool
	ValidationDurationSeconds float64
	ResponseUpdateID string
	AuthorID         string
	AuthorEmail      string
	AuthorName       string
	CreatedAt        time.Time
}

// AIUsage records one LLM call. Written immediately after each call and kept
// indefinitely; it is the cost of record.
type AIUsage struct {
	ID            int64
	RunID         int64
	TaskID        int64
	Provider      string
	Model         string
	Operation     string
	InputTokens   int
	OutputTokens  int
	EstimatedCost float64
	Duration      time.Duration
	Success       bool
	Error         string
	CreatedAt     time.Time
}

// AuditEntry records a mutating admin action or a security-relevant event.
type AuditEntry struct {
	ID         int64
	Actor      string
	Action     string
	Resource   string
	ResourceID string
	Severity   Severity
	Details    map[string]any
	CreatedAt  time.Time
}

// PullRequest records a PR opened by finalize_pr.
type PullRequest struct {
	ID        int64
	TaskID    int64
	RunID     int64
	URL       string
	Branch    string
	Base      string
	HeadSHA   string
	Merged    bool
	MergedSHA string
	CreatedAt time.Time
}

// TaskStore provides task rows and guard column operations.
type TaskStore interface {
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id int64) (*Task, error)
	GetTaskByExternalID(ctx context.Context, source, externalItemID string) (*Task, error)

	// TransitionTask moves a task between statuses, validating the move
	// against the allowed-transition table inside the write transaction.
	TransitionTask(ctx context.Context, taskID int64, to TaskStatus) error

	// AcquireTaskLock is a compare-and-set on the task row predicated on
	// is_locked=false OR locked_at older than staleAfter. Returns false when
	// another owner holds a fresh lock.
	AcquireTaskLock(ctx context.Context, taskID int64, owner string, staleAfter time.Duration) (bool, error)
	ReleaseTaskLock(ctx context.Context, taskID int64, owner string) error

	// SetCooldown records a cooldown window and mirrors it, with the failed
	// attempt count, onto the task row.
	SetCooldown(ctx context.Context, cd *Cooldown) error
	// ResetGuard clears cooldown_until and failed_reactivation_attempts,
	// reopening the reactivation lane immediately.
	ResetGuard(ctx context.Context, taskID int64) error

	ListActiveLocks(ctx context.Context) ([]*LockRecord, error)
}

// RunStore provides workflow attempt rows.
type RunStore interface {
	// CreateRun inserts a run, assigning the next run_number for the task.
	// Fails with an InvariantError when the task already has an active run.
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id int64) (*Run, error)
	GetLatestRun(ctx context.Context, taskID int64) (*Run, error)
	UpdateRun(ctx context.Context, run *Run) error
	// ListDanglingRuns returns runs left active with no owning worker,
	// used by crash recovery.
	ListDanglingRuns(ctx context.Context) ([]*Run, error)
	ListRunsForTask(ctx context.Context, taskID int64) ([]*Run, error)
}

// StepStore provides the per-run execution trace.
type StepStore interface {
	InsertStep(ctx context.Context, step *Step) error
	UpdateStep(ctx context.Context, step *Step) error
	ListSteps(ctx context.Context, runID int64) ([]*Step, error)
	LatestStep(ctx context.Context, runID int64) (*Step, error)
}

// EventStore provides raw webhook event records.
type EventStore interface {
	InsertEvent(ctx context.Context, event *WebhookEvent) error
	GetEvent(ctx context.Context, id int64) (*WebhookEvent, error)
	// MarkEventProcessed flips processed and records the related task.
	MarkEventProcessed(ctx context.Context, id int64, status EventStatus, relatedTaskID *int64) error
	BumpEventAttempts(ctx context.Context, id int64) error
	ListUnprocessedEvents(ctx context.Context, maxAttempts, limit int) ([]*WebhookEvent, error)
	PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// QueueStore provides the durable per-ticket queue.
type QueueStore interface {
	EnqueueEntry(ctx context.Context, entry *QueueEntry) error
	GetEntry(ctx context.Context, id int64) (*QueueEntry, error)

	// LeaseNext atomically picks the highest-priority pending entry whose
	// task has no running entry, is not locked (or the lock is stale) and is
	// not in cooldown; marks it running and acquires the task lock for
	// workerID. Returns nil when no entry is leasable.
	LeaseNext(ctx context.Context, workerID string, lockStaleAfter time.Duration) (*QueueEntry, error)

	// CompleteEntry marks the entry terminal and releases the task lock.
	CompleteEntry(ctx context.Context, queueID int64, status QueueStatus) error

	Heartbeat(ctx context.Context, queueID int64) error

	// CountPendingEntries reports the queue depth.
	CountPendingEntries(ctx context.Context) (int, error)

	// ReleaseStaleLeases marks running entries with no heartbeat for
	// staleAfter as timeout and releases their locks. Returns the affected
	// queue ids.
	ReleaseStaleLeases(ctx context.Context, staleAfter time.Duration) ([]int64, error)

	// MarkEntryWaiting parks a running entry while its run awaits validation.
	MarkEntryWaiting(ctx context.Context, queueID int64) error
}

// ReactivationStore provides reactivation audit rows and trigger dedup.
type ReactivationStore interface {
	// InsertTriggerHistory enforces the (task_id, update_id) uniqueness
	// constraint. Returns an InvariantError on duplicates.
	InsertTriggerHistory(ctx context.Context, taskID int64, updateID string) error
	InsertReactivationRecord(ctx context.Context, rec *ReactivationRecord) error
	UpdateReactivationRecord(ctx context.Context, rec *ReactivationRecord) error
	ListReactivations(ctx context.Context, taskID int64) ([]*ReactivationRecord, error)
}

// ValidationStore provides the human validation lifecycle.
type ValidationStore interface {
	CreateValidation(ctx context.Context, v *HumanValidation) error
	GetValidation(ctx context.Context, id int64) (*HumanValidation, error)
	GetValidationByKey(ctx context.Context, validationID string) (*HumanValidation, error)
	UpdateValidationStatus(ctx context.Context, id int64, status ValidationStatus) error
	ListPendingValidations(ctx context.Context) ([]*HumanValidation, error)
	// LineageRejectionCount walks parent_validation_id links and counts
	// rejections across the lineage.
	LineageRejectionCount(ctx context.Context, id int64) (int, error)
	IncrementUnauthorizedAttempts(ctx context.Context, id int64) error
	MarkReminderSent(ctx context.Context, id int64) error
	InsertResponse(ctx context.Context, resp *ValidationResponse) error
	ListResponses(ctx context.Context, validationID int64) ([]*ValidationResponse, error)
}

// UsageStore provides append-only AI usage rows.
type UsageStore interface {
	InsertUsage(ctx context.Context, usage *AIUsage) error
	SumRunCost(ctx context.Context, runID int64) (float64, error)
	ListUsageForRun(ctx context.Context, runID int64) ([]*AIUsage, error)
}

// AuditStore provides the append-only audit log.
type AuditStore interface {
	InsertAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, limit int) ([]*AuditEntry, error)
	PurgeAuditBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// PullRequestStore provides PR records.
type PullRequestStore interface {
	InsertPullRequest(ctx context.Context, pr *PullRequest) error
	ListPullRequests(ctx context.Context, taskID int64) ([]*PullRequest, error)
}

// StepCompletion carries all writes for a node completion, committed in one
// transaction: the step update, the run update, an optional task transition
// and any AI usage rows recorded by the node.
type StepCompletion struct {
	Step       *Step
	Run        *Run
	TaskStatus TaskStatus // empty = no task transition
	Usage      []*AIUsage
}

// ReactivationStart carries the atomic writes that begin a reactivation:
// the CAS lock acquisition, the counter bumps, the status flip to
// processing, the new run and the audit record.
type ReactivationStart struct {
	TaskID      int64
	Owner       string
	TriggerType TriggerType
	UpdateID    string
	UpdateData  map[string]any
	ParentRunID *int64

	// CreatorID and CreatorName identify the reactivating author. When set,
	// the task's creator is rewritten so validation authorization follows
	// the person who asked for the rework.
	CreatorID   string
	CreatorName string
}

// Suspension carries the atomic writes that park a run on a validation.
type Suspension struct {
	Step       *Step
	Run        *Run
	Validation *HumanValidation
	QueueID    int64
}

// MaintenanceStats reports what a retention pass removed.
type MaintenanceStats struct {
	EventsPurged int64
	AuditPurged  int64
	LocksSwept   int
}

// Store composes all ledger interfaces plus lifecycle management.
type Store interface {
	TaskStore
	RunStore
	StepStore
	EventStore
	QueueStore
	ReactivationStore
	ValidationStore
	UsageStore
	AuditStore
	PullRequestStore

	// CompleteStep commits a node completion as a single transaction.
	CompleteStep(ctx context.Context, completion *StepCompletion) error

	// BeginReactivation performs the CAS-style reactivation start as a
	// single transaction, returning the new run. Returns an InvariantError
	// when the lock CAS loses.
	BeginReactivation(ctx context.Context, start *ReactivationStart) (*Run, error)

	// SuspendRun parks a run on a human validation in one transaction:
	// step suspended + checkpoint, run waiting_validation, task
	// waiting_validation with lock downgraded, queue entry parked,
	// validation row created.
	SuspendRun(ctx context.Context, susp *Suspension) error

	io.Closer
}
