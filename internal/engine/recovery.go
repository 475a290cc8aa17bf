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
	"context"
	"time"

	"github.com/mechanic-dev/mechanic/internal/log"
	"github.com/mechanic-dev/mechanic/internal/store"
	"github.com/mechanic-dev/mechanic/pkg/errors"
)

// Recover sweeps runs left active by a crashed worker. Runs parked on a
// validation are left alone. Runs with a committed checkpoint are handed
// back to the queue as recovery entries; runs that crashed before any
// checkpoint are failed cleanly, which frees the lane for reactivation.
//
// Called once at daemon startup, before workers begin leasing.
func (e *Engine) Recover(ctx context.Context) error {
	runs, err := e.store.ListDanglingRuns(ctx)
	if err != nil {
		return err
	}

	for _, run := range runs {
		task, err := e.store.GetTask(ctx, run.TaskID)
		if err != nil {
			return err
		}
		latest, err := e.store.LatestStep(ctx, run.ID)
		if err != nil {
			return err
		}
		if latest != nil && latest.Status == store.StepStatusSuspended {
			// The run is legitimately waiting on a human; repair the run
			// status if the crash raced the suspension commit.
			if run.Status != store.RunStatusWaitingValidation {
				run.Status = store.RunStatusWaitingValidation
				if err := e.store.UpdateRun(ctx, run); err != nil {
					return err
				}
			}
			continue
		}

		cpStep, err := e.latestCheckpointedStep(ctx, run.ID)
		if err != nil {
			return err
		}
		if cpStep == nil {
			st := &runState{task: task, run: run, cp: &Checkpoint{}}
			if err := e.failRun(ctx, st, errors.Invariant("run_orphaned",
				"run %d orphaned by a crash before its first checkpoint", run.ID)); err != nil {
				return err
			}
			continue
		}

		entry := &store.QueueEntry{
			Source:         task.Source,
			ExternalItemID: task.ExternalItemID,
			TaskID:         &task.ID,
			Kind:           store.EntryKindStart,
			Status:         store.QueueStatusPending,
			Priority:       task.Priority,
			Payload:        map[string]any{"recover_run_id": run.ID},
			EnqueuedAt:     time.Now().UTC(),
		}
		if err := e.store.EnqueueEntry(ctx, entry); err != nil {
			return err
		}
		e.logger.Info("requeued orphaned run for recovery",
			log.TaskIDKey, task.ID, log.RunIDKey, run.ID, log.QueueIDKey, entry.ID)
	}
	return nil
}

// recoverRun re-drives an orphaned run from its last committed checkpoint.
// Nodes between the checkpoint and the crash never committed, so re-driving
// them is safe: LLM calls are deduplicated by idempotency key and the other
// nodes are idempotent against the working tree.
func (e *Engine) recoverRun(ctx context.Context, entry *store.QueueEntry, runID int64, workerID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if !run.Status.Active() {
		// Someone else resolved it between sweep and lease.
		return nil
	}
	task, err := e.store.GetTask(ctx, run.TaskID)
	if err != nil {
		return err
	}
	cpStep, err := e.latestCheckpointedStep(ctx, run.ID)
	if err != nil {
		return err
	}
	st := &runState{task: task, run: run, cp: &Checkpoint{}, queueID: entry.ID, worker: workerID}
	if cpStep == nil {
		return e.failRun(ctx, st, errors.Invariant("run_orphaned",
			"run %d lost its checkpoint before recovery", run.ID))
	}
	cp, err := DecodeCheckpoint(cpStep.Checkpoint)
	if err != nil {
		return e.failRun(ctx, st, err)
	}
	st.cp = cp

	next, err := nextNode(cp.Node, cpStep.Output)
	if err != nil {
		return e.failRun(ctx, st, err)
	}
	if next == "" {
		// The crash hit between the final node and the terminal commit.
		return e.finishRun(ctx, st)
	}

	// The crash may have left a step row the checkpoint never covered. When
	// it matches the node being re-driven the row is adopted, otherwise it
	// is closed out so the ledger does not show a phantom attempt.
	latest, err := e.store.LatestStep(ctx, run.ID)
	if err != nil {
		return err
	}
	dangling := latest != nil && latest.ID != cpStep.ID &&
		(latest.Status == store.StepStatusPending ||
			latest.Status == store.StepStatusRunning ||
			latest.Status == store.StepStatusRetry)
	if dangling {
		if latest.Node == string(next) {
			st.adopt = latest
		} else {
			ts := time.Now().UTC()
			latest.Status = store.StepStatusSkipped
			latest.CompletedAt = &ts
			latest.Error = "abandoned by crash recovery"
			if err := e.store.UpdateStep(ctx, latest); err != nil {
				return err
			}
		}
	}

	run.Status = store.RunStatusRunning
	run.ExecutorID = workerID
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return err
	}
	e.logger.Info("resuming run from checkpoint",
		log.TaskIDKey, task.ID, log.RunIDKey, run.ID, log.NodeKey, next)
	return e.loop(ctx, st, next)
}

// latestCheckpointedStep returns the newest step of the run carrying a
// checkpoint, nil when none exists.
func (e *Engine) latestCheckpointedStep(ctx context.Context, runID int64) (*store.Step, error) {
	steps, err := e.store.ListSteps(ctx, runID)
	if err != nil {
		return nil, err
	}
	var found *store.Step
	for _, s := range steps {
		if len(s.Checkpoint) > 0 {
			found = s
		}
	}
	return found, nil
}

// payloadInt64 reads an integer out of a queue payload, tolerating the
// float64 that JSON round-tripping produces.
func payloadInt64(payload map[string]any, key string) (int64, bool) {
	switch v := payload[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}
