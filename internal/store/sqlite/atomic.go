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
	"database/sql"
	"fmt"
	"time"

	"github.com/mechanic-dev/mechanic/internal/store"
	"github.com/mechanic-dev/mechanic/pkg/errors"
)

// CompleteStep commits a node completion as a single transaction: the step
// update, the run update, an optional task transition and any usage rows the
// node recorded. Either all writes land or none do.
func (b *Backend) CompleteStep(ctx context.Context, completion *store.StepCompletion) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		if err := updateStepTx(ctx, tx, completion.Step); err != nil {
			return err
		}
		for _, usage := range completion.Usage {
			if err := insertUsageTx(ctx, tx, usage); err != nil {
				return err
			}
		}
		if err := updateRunTx(ctx, tx, completion.Run); err != nil {
			return err
		}
		if completion.TaskStatus != "" {
			if err := transitionTaskTx(ctx, tx, completion.Run.TaskID, completion.TaskStatus); err != nil {
				return err
			}
		}
		return nil
	})
}

// BeginReactivation performs the reactivation start as one transaction:
// trigger dedup, lock CAS, counter bump, status flip to processing with
// previous_status preserved, creator handoff, the new run and the audit
// record.
//
// The status write is deliberate, not a table transition: reactivation
// restarts terminal tasks, which the transition table otherwise seals.
// The record of what happened lives in previous_status and the
// reactivation audit row. Returns an InvariantError when the trigger was
// already consumed or the lock CAS loses; concurrent candidates for the
// same update resolve first-commit-wins on the trigger key.
func (b *Backend) BeginReactivation(ctx context.Context, start *store.ReactivationStart) (*store.Run, error) {
	var run *store.Run

	err := b.withTx(ctx, func(tx *sql.Tx) error {
		if start.UpdateID != "" {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO update_trigger_history (task_id, update_id, created_at) VALUES (?, ?, ?)`,
				start.TaskID, start.UpdateID, nowString())
			if err != nil {
				if isUniqueViolation(err) {
					return errors.Invariant("update_trigger_unique",
						"update %s already triggered task %d", start.UpdateID, start.TaskID)
				}
				return fmt.Errorf("failed to record trigger history: %w", err)
			}
		}

		ok, err := acquireTaskLockTx(ctx, tx, start.TaskID, start.Owner, 30*time.Minute)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Invariant("task_lock_held",
				"task %d is locked by another owner", start.TaskID)
		}

		var current string
		err = tx.QueryRowContext(ctx,
			`SELECT internal_status FROM tasks WHERE id = ?`, start.TaskID).Scan(&current)
		if err == sql.ErrNoRows {
			return &errors.NotFoundError{Resource: "task", ID: fmt.Sprint(start.TaskID)}
		}
		if err != nil {
			return fmt.Errorf("failed to read task status: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET internal_status = 'processing', previous_status = ?,
				reactivation_count = reactivation_count + 1, updated_at = ?
			WHERE id = ?`,
			current, nowString(), start.TaskID)
		if err != nil {
			return fmt.Errorf("failed to reactivate task: %w", err)
		}

		if start.CreatorID != "" {
			_, err = tx.ExecContext(ctx, `
				UPDATE tasks SET creator_id = ?, creator_name = ? WHERE id = ?`,
				start.CreatorID, nullString(start.CreatorName), start.TaskID)
			if err != nil {
				return fmt.Errorf("failed to update task creator: %w", err)
			}
		}

		var parentRunID *int64
		var lastRunID sql.NullInt64
		if start.ParentRunID != nil {
			parentRunID = start.ParentRunID
		} else if err := tx.QueryRowContext(ctx,
			`SELECT last_run_id FROM tasks WHERE id = ?`, start.TaskID).Scan(&lastRunID); err == nil {
			parentRunID = int64Ptr(lastRunID)
		}

		var reactivationCount int
		if err := tx.QueryRowContext(ctx,
			`SELECT reactivation_count FROM tasks WHERE id = ?`, start.TaskID).Scan(&reactivationCount); err != nil {
			return fmt.Errorf("failed to read reactivation count: %w", err)
		}

		ts := now()
		run = &store.Run{
			TaskID:            start.TaskID,
			Status:            store.RunStatusStarted,
			ExecutorID:        start.Owner,
			StartedAt:         &ts,
			IsReactivation:    true,
			ParentRunID:       parentRunID,
			ReactivationCount: reactivationCount,
		}
		if err := createRunTx(ctx, tx, run); err != nil {
			return err
		}

		rec := &store.ReactivationRecord{
			TaskID:      start.TaskID,
			RunID:       &run.ID,
			TriggerType: start.TriggerType,
			UpdateID:    start.UpdateID,
			UpdateData:  start.UpdateData,
			Status:      store.ReactivationStatusProcessing,
			StartedAt:   ts,
		}
		return insertReactivationRecordTx(ctx, tx, rec)
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// SuspendRun parks a run on a human validation in one transaction: step
// suspended with its checkpoint saved, run waiting_validation, task
// waiting_validation with the worker lock released, queue entry parked and
// the validation row created.
func (b *Backend) SuspendRun(ctx context.Context, susp *store.Suspension) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		susp.Step.Status = store.StepStatusSuspended
		ts := now()
		susp.Step.CheckpointSavedAt = &ts
		if err := updateStepTx(ctx, tx, susp.Step); err != nil {
			return err
		}

		susp.Run.Status = store.RunStatusWaitingValidation
		if err := updateRunTx(ctx, tx, susp.Run); err != nil {
			return err
		}

		if err := transitionTaskTx(ctx, tx, susp.Run.TaskID, store.TaskStatusWaitingValidation); err != nil {
			return err
		}
		if susp.Run.ExecutorID != "" {
			if err := releaseTaskLockTx(ctx, tx, susp.Run.TaskID, susp.Run.ExecutorID); err != nil {
				return err
			}
		}

		if err := markEntryWaitingTx(ctx, tx, susp.QueueID); err != nil {
			return err
		}

		return createValidationTx(ctx, tx, susp.Validation)
	})
}
