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

package sqlite

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mechanic-dev/mechanic/internal/store"
	"github.com/mechanic-dev/mechanic/pkg/errors"
)

var taskSeq atomic.Int64

func newBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func seedTask(t *testing.T, b *Backend, status store.TaskStatus) *store.Task {
	t.Helper()
	task := &store.Task{
		Source:         "tracker",
		ExternalItemID: fmt.Sprintf("item-%d", taskSeq.Add(1)),
		Title:          "add retry to the fetcher",
		Priority:       3,
		RepositoryURL:  "https://example.com/repo.git",
		DefaultBranch:  "main",
		CreatorID:      "user-1",
		CreatorName:    "Pat",
	}
	require.NoError(t, b.CreateTask(context.Background(), task))

	// Walk the transition table to the requested status.
	path := map[store.TaskStatus][]store.TaskStatus{
		store.TaskStatusPending:    nil,
		store.TaskStatusProcessing: {store.TaskStatusProcessing},
		store.TaskStatusFailed:     {store.TaskStatusFailed},
		store.TaskStatusCompleted:  {store.TaskStatusProcessing, store.TaskStatusCompleted},
	}
	for _, s := range path[status] {
		require.NoError(t, b.TransitionTask(context.Background(), task.ID, s))
	}
	got, err := b.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	return got
}

func TestCreateTaskDuplicateExternalID(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	task := seedTask(t, b, store.TaskStatusPending)
	dup := &store.Task{
		Source:         task.Source,
		ExternalItemID: task.ExternalItemID,
		Title:          "duplicate",
	}
	err := b.CreateTask(ctx, dup)
	require.Error(t, err)
	assert.True(t, errors.IsInvariant(err))
}

func TestGetTaskByExternalID(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	task := seedTask(t, b, store.TaskStatusPending)
	got, err := b.GetTaskByExternalID(ctx, task.Source, task.ExternalItemID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, store.TaskStatusPending, got.InternalStatus)
	assert.Equal(t, "Pat", got.CreatorName)

	_, err = b.GetTaskByExternalID(ctx, "tracker", "no-such-item")
	assert.True(t, errors.IsNotFound(err))
}

func TestTransitionTask(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	task := seedTask(t, b, store.TaskStatusPending)

	require.NoError(t, b.TransitionTask(ctx, task.ID, store.TaskStatusProcessing))
	require.NoError(t, b.TransitionTask(ctx, task.ID, store.TaskStatusTesting))

	got, err := b.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusTesting, got.InternalStatus)
	assert.Equal(t, store.TaskStatusProcessing, got.PreviousStatus)

	// Invalid move is rejected and the row is untouched.
	err = b.TransitionTask(ctx, task.ID, store.TaskStatusPending)
	require.Error(t, err)
	assert.True(t, errors.IsInvariant(err))

	got, err = b.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusTesting, got.InternalStatus)

	// Same-to-same is a no-op, not an error.
	assert.NoError(t, b.TransitionTask(ctx, task.ID, store.TaskStatusTesting))
}

func TestAcquireTaskLock(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	task := seedTask(t, b, store.TaskStatusPending)

	ok, err := b.AcquireTaskLock(ctx, task.ID, "worker-1", 30*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// A fresh lock refuses a second owner.
	ok, err = b.AcquireTaskLock(ctx, task.ID, "worker-2", 30*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := b.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, got.IsLocked)
	assert.Equal(t, "worker-1", got.LockOwner)

	// Release by a non-owner is a no-op.
	require.NoError(t, b.ReleaseTaskLock(ctx, task.ID, "worker-2"))
	got, err = b.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, got.IsLocked)

	require.NoError(t, b.ReleaseTaskLock(ctx, task.ID, "worker-1"))
	got, err = b.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, got.IsLocked)
	assert.Empty(t, got.LockOwner)

	locks, err := b.ListActiveLocks(ctx)
	require.NoError(t, err)
	assert.Empty(t, locks)
}

func TestAcquireTaskLockStaleTakeover(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	task := seedTask(t, b, store.TaskStatusPending)

	ok, err := b.AcquireTaskLock(ctx, task.ID, "worker-1", 30*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// With a negative horizon every lock counts as stale.
	ok, err = b.AcquireTaskLock(ctx, task.ID, "worker-2", -time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := b.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "worker-2", got.LockOwner)

	// The superseded lock row is retired; only the new one is active.
	locks, err := b.ListActiveLocks(ctx)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, "worker-2", locks[0].Owner)
}

func TestSetCooldownAndResetGuard(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	task := seedTask(t, b, store.TaskStatusFailed)

	until := time.Now().UTC().Add(time.Hour)
	require.NoError(t, b.SetCooldown(ctx, &store.Cooldown{
		TaskID:         task.ID,
		Until:          until,
		Type:           store.CooldownNormal,
		FailedAttempts: 1,
	}))

	got, err := b.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CooldownUntil)
	assert.WithinDuration(t, until, *got.CooldownUntil, time.Second)
	assert.Equal(t, 1, got.FailedReactivationAttempts)

	require.NoError(t, b.ResetGuard(ctx, task.ID))
	got, err = b.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Nil(t, got.CooldownUntil)
	assert.Zero(t, got.FailedReactivationAttempts)
}

func TestCreateRunSingleActive(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	task := seedTask(t, b, store.TaskStatusProcessing)

	run1 := &store.Run{TaskID: task.ID}
	require.NoError(t, b.CreateRun(ctx, run1))
	assert.Equal(t, 1, run1.RunNumber)
	assert.Equal(t, store.RunStatusStarted, run1.Status)

	// A second active run on the same task violates the invariant.
	err := b.CreateRun(ctx, &store.Run{TaskID: task.ID})
	require.Error(t, err)
	assert.True(t, errors.IsInvariant(err))

	// After the first run ends, a new run gets the next number.
	run1.Status = store.RunStatusFailed
	require.NoError(t, b.UpdateRun(ctx, run1))

	run2 := &store.Run{TaskID: task.ID}
	require.NoError(t, b.CreateRun(ctx, run2))
	assert.Equal(t, 2, run2.RunNumber)

	latest, err := b.GetLatestRun(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, run2.ID, latest.ID)

	got, err := b.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastRunID)
	assert.Equal(t, run2.ID, *got.LastRunID)
}

func TestLeaseNext(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	taskA := seedTask(t, b, store.TaskStatusPending)
	taskB := seedTask(t, b, store.TaskStatusPending)

	low := &store.QueueEntry{
		Source: taskA.Source, ExternalItemID: taskA.ExternalItemID,
		TaskID: &taskA.ID, Kind: store.EntryKindStart, Priority: 1,
	}
	high := &store.QueueEntry{
		Source: taskB.Source, ExternalItemID: taskB.ExternalItemID,
		TaskID: &taskB.ID, Kind: store.EntryKindStart, Priority: 9,
	}
	require.NoError(t, b.EnqueueEntry(ctx, low))
	require.NoError(t, b.EnqueueEntry(ctx, high))

	depth, err := b.CountPendingEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	// Highest priority first, and the lease takes the task lock.
	leased, err := b.LeaseNext(ctx, "worker-1", 30*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, high.ID, leased.ID)
	assert.Equal(t, store.QueueStatusRunning, leased.Status)
	assert.Equal(t, "worker-1", leased.ExecutorTaskID)

	lockedB, err := b.GetTask(ctx, taskB.ID)
	require.NoError(t, err)
	assert.True(t, lockedB.IsLocked)
	assert.Equal(t, "worker-1", lockedB.LockOwner)

	// The remaining entry leases next.
	leased2, err := b.LeaseNext(ctx, "worker-2", 30*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, leased2)
	assert.Equal(t, low.ID, leased2.ID)

	// Nothing left.
	leased3, err := b.LeaseNext(ctx, "worker-3", 30*time.Minute)
	require.NoError(t, err)
	assert.Nil(t, leased3)
}

func TestLeaseNextSkipsSameItemAndCooldown(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	task := seedTask(t, b, store.TaskStatusPending)
	first := &store.QueueEntry{
		Source: task.Source, ExternalItemID: task.ExternalItemID,
		TaskID: &task.ID, Kind: store.EntryKindStart,
	}
	second := &store.QueueEntry{
		Source: task.Source, ExternalItemID: task.ExternalItemID,
		TaskID: &task.ID, Kind: store.EntryKindResume,
	}
	require.NoError(t, b.EnqueueEntry(ctx, first))
	require.NoError(t, b.EnqueueEntry(ctx, second))

	leased, err := b.LeaseNext(ctx, "worker-1", 30*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, first.ID, leased.ID)

	// The second entry for the same item must wait.
	blocked, err := b.LeaseNext(ctx, "worker-2", 30*time.Minute)
	require.NoError(t, err)
	assert.Nil(t, blocked)

	require.NoError(t, b.CompleteEntry(ctx, first.ID, store.QueueStatusCompleted))

	// A future cooldown also blocks the lease.
	other := seedTask(t, b, store.TaskStatusPending)
	entry := &store.QueueEntry{
		Source: other.Source, ExternalItemID: other.ExternalItemID,
		TaskID: &other.ID, Kind: store.EntryKindStart, Priority: 99,
	}
	require.NoError(t, b.EnqueueEntry(ctx, entry))
	require.NoError(t, b.SetCooldown(ctx, &store.Cooldown{
		TaskID: other.ID, Until: time.Now().UTC().Add(time.Hour),
		Type: store.CooldownNormal, FailedAttempts: 1,
	}))

	leased2, err := b.LeaseNext(ctx, "worker-2", 30*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, leased2)
	assert.Equal(t, second.ID, leased2.ID, "cooled-down entry must be skipped")
}

func TestCompleteEntryReleasesLock(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	task := seedTask(t, b, store.TaskStatusPending)
	entry := &store.QueueEntry{
		Source: task.Source, ExternalItemID: task.ExternalItemID,
		TaskID: &task.ID, Kind: store.EntryKindStart,
	}
	require.NoError(t, b.EnqueueEntry(ctx, entry))

	leased, err := b.LeaseNext(ctx, "worker-1", 30*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, leased)

	require.NoError(t, b.CompleteEntry(ctx, leased.ID, store.QueueStatusCompleted))

	got, err := b.GetEntry(ctx, leased.ID)
	require.NoError(t, err)
	assert.Equal(t, store.QueueStatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)

	unlocked, err := b.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, unlocked.IsLocked)
}

func TestReleaseStaleLeases(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	task := seedTask(t, b, store.TaskStatusPending)
	entry := &store.QueueEntry{
		Source: task.Source, ExternalItemID: task.ExternalItemID,
		TaskID: &task.ID, Kind: store.EntryKindStart,
	}
	require.NoError(t, b.EnqueueEntry(ctx, entry))
	leased, err := b.LeaseNext(ctx, "worker-1", 30*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, leased)

	// A fresh heartbeat survives the sweep.
	released, err := b.ReleaseStaleLeases(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, released)

	// A negative horizon makes every heartbeat stale.
	released, err = b.ReleaseStaleLeases(ctx, -time.Hour)
	require.NoError(t, err)
	require.Len(t, released, 1)
	assert.Equal(t, leased.ID, released[0])

	got, err := b.GetEntry(ctx, leased.ID)
	require.NoError(t, err)
	assert.Equal(t, store.QueueStatusTimeout, got.Status)

	unlocked, err := b.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, unlocked.IsLocked)
}

func TestMarkEntryWaitingRequiresRunning(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	task := seedTask(t, b, store.TaskStatusPending)
	entry := &store.QueueEntry{
		Source: task.Source, ExternalItemID: task.ExternalItemID,
		TaskID: &task.ID, Kind: store.EntryKindStart,
	}
	require.NoError(t, b.EnqueueEntry(ctx, entry))

	err := b.MarkEntryWaiting(ctx, entry.ID)
	require.Error(t, err)
	assert.True(t, errors.IsInvariant(err))
}

func TestBeginReactivation(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	task := seedTask(t, b, store.TaskStatusFailed)

	start := &store.ReactivationStart{
		TaskID:      task.ID,
		Owner:       "classifier",
		TriggerType: store.TriggerTypeUpdate,
		UpdateID:    "update-100",
	}
	run, err := b.BeginReactivation(ctx, start)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.True(t, run.IsReactivation)
	assert.Equal(t, store.RunStatusStarted, run.Status)
	assert.Equal(t, "classifier", run.ExecutorID)
	assert.Equal(t, 1, run.ReactivationCount)

	got, err := b.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusProcessing, got.InternalStatus)
	assert.Equal(t, store.TaskStatusFailed, got.PreviousStatus)
	assert.Equal(t, 1, got.ReactivationCount)
	assert.True(t, got.IsLocked)
	assert.Equal(t, "classifier", got.LockOwner)

	recs, err := b.ListReactivations(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, store.ReactivationStatusProcessing, recs[0].Status)
	require.NotNil(t, recs[0].RunID)
	assert.Equal(t, run.ID, *recs[0].RunID)
}

func TestBeginReactivationTriggerDedup(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	task := seedTask(t, b, store.TaskStatusFailed)

	start := func() *store.ReactivationStart {
		return &store.ReactivationStart{
			TaskID:      task.ID,
			Owner:       "classifier",
			TriggerType: store.TriggerTypeUpdate,
			UpdateID:    "update-7",
		}
	}

	_, err := b.BeginReactivation(ctx, start())
	require.NoError(t, err)

	// The same tracker update can never trigger twice.
	_, err = b.BeginReactivation(ctx, start())
	require.Error(t, err)
	assert.True(t, errors.IsInvariant(err))
}

func TestBeginReactivationLockHeld(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	task := seedTask(t, b, store.TaskStatusFailed)

	ok, err := b.AcquireTaskLock(ctx, task.ID, "worker-9", 30*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	start := &store.ReactivationStart{
		TaskID:      task.ID,
		Owner:       "classifier",
		TriggerType: store.TriggerTypeUpdate,
		UpdateID:    "update-8",
	}
	_, err = b.BeginReactivation(ctx, start)
	require.Error(t, err)
	assert.True(t, errors.IsInvariant(err))

	// The trigger insert rolled back with the rest, so the same update can
	// retry once the lock clears.
	require.NoError(t, b.ReleaseTaskLock(ctx, task.ID, "worker-9"))
	run, err := b.BeginReactivation(ctx, start)
	require.NoError(t, err)
	assert.NotNil(t, run)
}

func TestSuspendRun(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	task := seedTask(t, b, store.TaskStatusPending)
	entry := &store.QueueEntry{
		Source: task.Source, ExternalItemID: task.ExternalItemID,
		TaskID: &task.ID, Kind: store.EntryKindStart,
	}
	require.NoError(t, b.EnqueueEntry(ctx, entry))
	leased, err := b.LeaseNext(ctx, "worker-1", 30*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, leased)

	require.NoError(t, b.TransitionTask(ctx, task.ID, store.TaskStatusProcessing))
	run := &store.Run{TaskID: task.ID, ExecutorID: "worker-1"}
	require.NoError(t, b.CreateRun(ctx, run))
	step := &store.Step{RunID: run.ID, Node: "human_validation"}
	require.NoError(t, b.InsertStep(ctx, step))

	step.Checkpoint = []byte(`{"version":1,"node":"human_validation"}`)
	require.NoError(t, b.SuspendRun(ctx, &store.Suspension{
		Step: step,
		Run:  run,
		Validation: &store.HumanValidation{
			ValidationID:  "val-abc",
			TaskID:        task.ID,
			RunID:         run.ID,
			StepID:        step.ID,
			Title:         task.Title,
			GeneratedCode: map[string]string{"main.go": "package main"},
			CreatorID:     "user-1",
			CreatorName:   "Pat",
			ExpiresAt:     time.Now().UTC().Add(24 * time.Hour),
		},
		QueueID: leased.ID,
	}))

	gotTask, err := b.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusWaitingValidation, gotTask.InternalStatus)
	assert.False(t, gotTask.IsLocked, "worker lease must be released on suspension")

	gotRun, err := b.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusWaitingValidation, gotRun.Status)

	gotStep, err := b.LatestStep(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StepStatusSuspended, gotStep.Status)
	assert.NotNil(t, gotStep.CheckpointSavedAt)
	assert.NotEmpty(t, gotStep.Checkpoint)

	gotEntry, err := b.GetEntry(ctx, leased.ID)
	require.NoError(t, err)
	assert.Equal(t, store.QueueStatusWaitingValidation, gotEntry.Status)

	v, err := b.GetValidationByKey(ctx, "val-abc")
	require.NoError(t, err)
	assert.Equal(t, store.ValidationStatusPending, v.Status)
	assert.Equal(t, "package main", v.GeneratedCode["main.go"])
}

func TestSuspendRunAtomicity(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	task := seedTask(t, b, store.TaskStatusProcessing)
	run := &store.Run{TaskID: task.ID, ExecutorID: "worker-1"}
	require.NoError(t, b.CreateRun(ctx, run))
	step := &store.Step{RunID: run.ID, Node: "human_validation"}
	require.NoError(t, b.InsertStep(ctx, step))

	// No running queue entry: the whole suspension must roll back.
	entry := &store.QueueEntry{
		Source: task.Source, ExternalItemID: task.ExternalItemID,
		TaskID: &task.ID, Kind: store.EntryKindStart,
	}
	require.NoError(t, b.EnqueueEntry(ctx, entry))

	err := b.SuspendRun(ctx, &store.Suspension{
		Step: step,
		Run:  run,
		Validation: &store.HumanValidation{
			ValidationID: "val-rollback",
			TaskID:       task.ID, RunID: run.ID, StepID: step.ID,
			ExpiresAt: time.Now().UTC().Add(time.Hour),
		},
		QueueID: entry.ID,
	})
	require.Error(t, err)
	assert.True(t, errors.IsInvariant(err))

	gotTask, err := b.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusProcessing, gotTask.InternalStatus)

	gotRun, err := b.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusStarted, gotRun.Status)

	_, err = b.GetValidationByKey(ctx, "val-rollback")
	assert.True(t, errors.IsNotFound(err))
}

func TestCompleteStep(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	task := seedTask(t, b, store.TaskStatusProcessing)
	run := &store.Run{TaskID: task.ID, ExecutorID: "worker-1"}
	require.NoError(t, b.CreateRun(ctx, run))
	step := &store.Step{RunID: run.ID, Node: "run_tests", MaxRetries: 1}
	require.NoError(t, b.InsertStep(ctx, step))

	step.Status = store.StepStatusCompleted
	step.Output = map[string]any{"passed": false}
	run.Status = store.RunStatusRunning
	require.NoError(t, b.CompleteStep(ctx, &store.StepCompletion{
		Step:       step,
		Run:        run,
		TaskStatus: store.TaskStatusTesting,
		Usage: []*store.AIUsage{{
			RunID: run.ID, TaskID: task.ID,
			Provider: "anthropic", Model: "claude-sonnet-4-5",
			Operation: "implement", InputTokens: 1200, OutputTokens: 400,
			EstimatedCost: 0.02, Success: true,
		}},
	}))

	gotStep, err := b.LatestStep(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StepStatusCompleted, gotStep.Status)
	assert.Equal(t, false, gotStep.Output["passed"])

	gotTask, err := b.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusTesting, gotTask.InternalStatus)

	cost, err := b.SumRunCost(ctx, run.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.02, cost, 1e-9)
}

func TestCompleteStepRollsBackOnBadTransition(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	task := seedTask(t, b, store.TaskStatusProcessing)
	run := &store.Run{TaskID: task.ID}
	require.NoError(t, b.CreateRun(ctx, run))
	step := &store.Step{RunID: run.ID, Node: "prepare_environment"}
	require.NoError(t, b.InsertStep(ctx, step))

	bad := *step
	bad.Status = store.StepStatusCompleted
	err := b.CompleteStep(ctx, &store.StepCompletion{
		Step:       &bad,
		Run:        run,
		TaskStatus: store.TaskStatusPending, // processing -> pending is illegal
	})
	require.Error(t, err)
	assert.True(t, errors.IsInvariant(err))

	gotStep, err := b.LatestStep(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StepStatusPending, gotStep.Status, "step write must roll back")
}

func TestListDanglingRuns(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	// Run with a live queue entry is not dangling.
	held := seedTask(t, b, store.TaskStatusPending)
	entry := &store.QueueEntry{
		Source: held.Source, ExternalItemID: held.ExternalItemID,
		TaskID: &held.ID, Kind: store.EntryKindStart,
	}
	require.NoError(t, b.EnqueueEntry(ctx, entry))
	leased, err := b.LeaseNext(ctx, "worker-1", 30*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, leased)
	require.NoError(t, b.TransitionTask(ctx, held.ID, store.TaskStatusProcessing))
	heldRun := &store.Run{TaskID: held.ID, ExecutorID: "worker-1"}
	require.NoError(t, b.CreateRun(ctx, heldRun))

	// Run with no running entry is dangling.
	orphan := seedTask(t, b, store.TaskStatusProcessing)
	orphanRun := &store.Run{TaskID: orphan.ID, ExecutorID: "worker-2"}
	require.NoError(t, b.CreateRun(ctx, orphanRun))

	dangling, err := b.ListDanglingRuns(ctx)
	require.NoError(t, err)
	require.Len(t, dangling, 1)
	assert.Equal(t, orphanRun.ID, dangling[0].ID)
}

func TestLineageRejectionCount(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	task := seedTask(t, b, store.TaskStatusProcessing)
	run := &store.Run{TaskID: task.ID}
	require.NoError(t, b.CreateRun(ctx, run))
	step := &store.Step{RunID: run.ID, Node: "human_validation"}
	require.NoError(t, b.InsertStep(ctx, step))

	mkValidation := func(key string, parent *int64) *store.HumanValidation {
		v := &store.HumanValidation{
			ValidationID: key,
			TaskID:       task.ID, RunID: run.ID, StepID: step.ID,
			ParentValidationID: parent,
			ExpiresAt:          time.Now().UTC().Add(time.Hour),
		}
		require.NoError(t, b.CreateValidation(ctx, v))
		return v
	}
	reject := func(v *store.HumanValidation, updateID string) {
		require.NoError(t, b.InsertResponse(ctx, &store.ValidationResponse{
			ValidationID:     v.ID,
			ResponseStatus:   store.ValidationStatusRejected,
			ResponseUpdateID: updateID,
			AuthorID:         "user-1",
		}))
	}

	root := mkValidation("lineage-1", nil)
	reject(root, "u-1")
	child := mkValidation("lineage-2", &root.ID)
	reject(child, "u-2")
	grandchild := mkValidation("lineage-3", &child.ID)
	reject(grandchild, "u-3")

	count, err := b.LineageRejectionCount(ctx, grandchild.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	// The middle of the lineage only sees its ancestors.
	count, err = b.LineageRejectionCount(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestInsertResponseDedup(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	task := seedTask(t, b, store.TaskStatusProcessing)
	run := &store.Run{TaskID: task.ID}
	require.NoError(t, b.CreateRun(ctx, run))
	step := &store.Step{RunID: run.ID, Node: "human_validation"}
	require.NoError(t, b.InsertStep(ctx, step))
	v := &store.HumanValidation{
		ValidationID: "resp-dedup",
		TaskID:       task.ID, RunID: run.ID, StepID: step.ID,
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	}
	require.NoError(t, b.CreateValidation(ctx, v))

	resp := func() *store.ValidationResponse {
		return &store.ValidationResponse{
			ValidationID:     v.ID,
			ResponseStatus:   store.ValidationStatusApproved,
			ResponseUpdateID: "u-42",
			AuthorID:         "user-1",
		}
	}
	require.NoError(t, b.InsertResponse(ctx, resp()))

	err := b.InsertResponse(ctx, resp())
	require.Error(t, err)
	assert.True(t, errors.IsInvariant(err), "same tracker reply must not be ingested twice")
}

func TestWebhookEventLifecycle(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	event := &store.WebhookEvent{
		Source:    "tracker",
		EventType: "item_updated",
		Payload:   []byte(`{"event_type":"item_updated"}`),
		Headers:   map[string]string{"X-Signature": "sha256=abc"},
		Signature: "sha256=abc",
	}
	require.NoError(t, b.InsertEvent(ctx, event))
	require.NotZero(t, event.ID)

	pending, err := b.ListUnprocessedEvents(ctx, 5, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "item_updated", pending[0].EventType)

	task := seedTask(t, b, store.TaskStatusPending)
	require.NoError(t, b.MarkEventProcessed(ctx, event.ID, store.EventStatusProcessed, &task.ID))

	got, err := b.GetEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.True(t, got.Processed)
	assert.Equal(t, store.EventStatusProcessed, got.ProcessingStatus)
	require.NotNil(t, got.RelatedTaskID)
	assert.Equal(t, task.ID, *got.RelatedTaskID)

	pending, err = b.ListUnprocessedEvents(ctx, 5, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
