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
	"strings"
	"time"

	"github.com/mechanic-dev/mechanic/internal/store"
	"github.com/mechanic-dev/mechanic/pkg/errors"
)

const taskColumns = `id, source, external_item_id, title, description, priority,
	repository_url, default_branch, internal_status, previous_status, tracker_status,
	creator_id, creator_name, is_locked, lock_owner, locked_at, cooldown_until,
	failed_reactivation_attempts, reactivation_count, last_run_id, created_at, updated_at`

// CreateTask inserts a task row. The (source, external_item_id) pair is
// unique; a duplicate insert surfaces as an InvariantError.
func (b *Backend) CreateTask(ctx context.Context, task *store.Task) error {
	if task.InternalStatus == "" {
		task.InternalStatus = store.TaskStatusPending
	}
	ts := now()

	res, err := b.db.ExecContext(ctx, `
		INSERT INTO tasks (source, external_item_id, title, description, priority,
			repository_url, default_branch, internal_status, previous_status, tracker_status,
			creator_id, creator_name, is_locked, lock_owner, locked_at, cooldown_until,
			failed_reactivation_attempts, reactivation_count, last_run_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.Source, task.ExternalItemID, task.Title, nullString(task.Description), task.Priority,
		nullString(task.RepositoryURL), nullString(task.DefaultBranch),
		string(task.InternalStatus), nullString(string(task.PreviousStatus)), nullString(task.TrackerStatus),
		nullString(task.CreatorID), nullString(task.CreatorName),
		boolToInt(task.IsLocked), nullString(task.LockOwner), formatTime(task.LockedAt), formatTime(task.CooldownUntil),
		task.FailedReactivationAttempts, task.ReactivationCount, nullInt64(task.LastRunID),
		ts.Format(time.RFC3339Nano), ts.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Invariant("task_external_id_unique",
				"task already exists for (%s, %s)", task.Source, task.ExternalItemID)
		}
		return fmt.Errorf("failed to create task: %w", err)
	}

	task.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read task id: %w", err)
	}
	task.CreatedAt = ts
	task.UpdatedAt = ts
	return nil
}

// GetTask retrieves a task by ID.
func (b *Backend) GetTask(ctx context.Context, id int64) (*store.Task, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "task", ID: fmt.Sprint(id)}
	}
	return task, err
}

// GetTaskByExternalID retrieves a task by its (source, external_item_id) key.
func (b *Backend) GetTaskByExternalID(ctx context.Context, source, externalItemID string) (*store.Task, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE source = ? AND external_item_id = ?`,
		source, externalItemID)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "task", ID: source + "/" + externalItemID}
	}
	return task, err
}

// TransitionTask moves a task between statuses, validating the move against
// the allowed-transition table inside the write transaction.
func (b *Backend) TransitionTask(ctx context.Context, taskID int64, to store.TaskStatus) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		return transitionTaskTx(ctx, tx, taskID, to)
	})
}

// transitionTaskTx performs the validated status flip inside an open tx so
// composite operations can include it in their commit.
func transitionTaskTx(ctx context.Context, tx *sql.Tx, taskID int64, to store.TaskStatus) error {
	var current string
	err := tx.QueryRowContext(ctx, `SELECT internal_status FROM tasks WHERE id = ?`, taskID).Scan(&current)
	if err == sql.ErrNoRows {
		return &errors.NotFoundError{Resource: "task", ID: fmt.Sprint(taskID)}
	}
	if err != nil {
		return fmt.Errorf("failed to read task status: %w", err)
	}

	from := store.TaskStatus(current)
	if err := store.ValidateTransition(from, to); err != nil {
		return err
	}
	if from == to {
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET internal_status = ?, previous_status = ?, updated_at = ?
		WHERE id = ?`,
		string(to), string(from), nowString(), taskID)
	if err != nil {
		return fmt.Errorf("failed to transition task: %w", err)
	}
	return nil
}

// AcquireTaskLock is a compare-and-set on the task row predicated on
// is_locked=0 OR locked_at older than staleAfter. A matching audit row is
// written to task_locks in the same transaction.
func (b *Backend) AcquireTaskLock(ctx context.Context, taskID int64, owner string, staleAfter time.Duration) (bool, error) {
	var acquired bool
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		acquired, err = acquireTaskLockTx(ctx, tx, taskID, owner, staleAfter)
		return err
	})
	return acquired, err
}

func acquireTaskLockTx(ctx context.Context, tx *sql.Tx, taskID int64, owner string, staleAfter time.Duration) (bool, error) {
	cutoff := now().Add(-staleAfter).Format(time.RFC3339Nano)
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET is_locked = 1, lock_owner = ?, locked_at = ?, updated_at = ?
		WHERE id = ? AND (is_locked = 0 OR locked_at IS NULL OR locked_at < ?)`,
		owner, nowString(), nowString(), taskID, cutoff)
	if err != nil {
		return false, fmt.Errorf("failed to acquire task lock: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read lock result: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	// Retire any lock row the stale sweep superseded, then record ours.
	if _, err := tx.ExecContext(ctx, `
		UPDATE task_locks SET is_active = 0, released_at = ? WHERE task_id = ? AND is_active = 1`,
		nowString(), taskID); err != nil {
		return false, fmt.Errorf("failed to retire stale lock rows: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_locks (task_id, owner, is_active, acquired_at) VALUES (?, ?, 1, ?)`,
		taskID, owner, nowString()); err != nil {
		return false, fmt.Errorf("failed to record lock: %w", err)
	}
	return true, nil
}

// ReleaseTaskLock releases the lock if held by owner. Releasing a lock that
// is not held is a no-op.
func (b *Backend) ReleaseTaskLock(ctx context.Context, taskID int64, owner string) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		return releaseTaskLockTx(ctx, tx, taskID, owner)
	})
}

func releaseTaskLockTx(ctx context.Context, tx *sql.Tx, taskID int64, owner string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET is_locked = 0, lock_owner = NULL, updated_at = ?
		WHERE id = ? AND is_locked = 1 AND lock_owner = ?`,
		nowString(), taskID, owner)
	if err != nil {
		return fmt.Errorf("failed to release task lock: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return nil
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE task_locks SET is_active = 0, released_at = ?
		WHERE task_id = ? AND owner = ? AND is_active = 1`,
		nowString(), taskID, owner)
	if err != nil {
		return fmt.Errorf("failed to retire lock row: %w", err)
	}
	return nil
}

// SetCooldown records a cooldown window and mirrors it on the task guard
// columns in one transaction.
func (b *Backend) SetCooldown(ctx context.Context, cd *store.Cooldown) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		meta, err := marshalJSON(cd.Metadata)
		if err != nil {
			return err
		}
		ts := nowString()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO cooldowns (task_id, until_at, type, failed_attempts, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			cd.TaskID, cd.Until.UTC().Format(time.RFC3339Nano), string(cd.Type), cd.FailedAttempts, meta, ts)
		if err != nil {
			return fmt.Errorf("failed to record cooldown: %w", err)
		}
		cd.ID, _ = res.LastInsertId()

		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET cooldown_until = ?, failed_reactivation_attempts = ?, updated_at = ?
			WHERE id = ?`,
			cd.Until.UTC().Format(time.RFC3339Nano), cd.FailedAttempts, ts, cd.TaskID)
		if err != nil {
			return fmt.Errorf("failed to mirror cooldown on task: %w", err)
		}
		return nil
	})
}

// ResetGuard clears cooldown_until and failed_reactivation_attempts,
// reopening the reactivation lane immediately.
func (b *Backend) ResetGuard(ctx context.Context, taskID int64) error {
	_, err := b.db.ExecContext(ctx, `
		UPDATE tasks SET cooldown_until = NULL, failed_reactivation_attempts = 0, updated_at = ?
		WHERE id = ?`, nowString(), taskID)
	if err != nil {
		return fmt.Errorf("failed to reset task guard: %w", err)
	}
	return nil
}

// ListActiveLocks returns all currently active lock audit rows.
func (b *Backend) ListActiveLocks(ctx context.Context) ([]*store.LockRecord, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, task_id, owner, is_active, acquired_at, released_at, metadata
		FROM task_locks WHERE is_active = 1 ORDER BY acquired_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list locks: %w", err)
	}
	defer rows.Close()

	var locks []*store.LockRecord
	for rows.Next() {
		var l store.LockRecord
		var active int
		var acquiredAt string
		var releasedAt, metadata sql.NullString
		if err := rows.Scan(&l.ID, &l.TaskID, &l.Owner, &active, &acquiredAt, &releasedAt, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan lock: %w", err)
		}
		l.IsActive = active == 1
		l.AcquiredAt, _ = time.Parse(time.RFC3339Nano, acquiredAt)
		l.ReleasedAt = parseTime(releasedAt)
		if err := unmarshalJSON(metadata, &l.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal lock metadata: %w", err)
		}
		locks = append(locks, &l)
	}
	return locks, rows.Err()
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*store.Task, error) {
	var t store.Task
	var description, repoURL, branch, prevStatus, trackerStatus sql.NullString
	var creatorID, creatorName, lockOwner sql.NullString
	var lockedAt, cooldownUntil sql.NullString
	var lastRunID sql.NullInt64
	var isLocked int
	var status, createdAt, updatedAt string

	err := row.Scan(
		&t.ID, &t.Source, &t.ExternalItemID, &t.Title, &description, &t.Priority,
		&repoURL, &branch, &status, &prevStatus, &trackerStatus,
		&creatorID, &creatorName, &isLocked, &lockOwner, &lockedAt, &cooldownUntil,
		&t.FailedReactivationAttempts, &t.ReactivationCount, &lastRunID, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Description = description.String
	t.RepositoryURL = repoURL.String
	t.DefaultBranch = branch.String
	t.InternalStatus = store.TaskStatus(status)
	t.PreviousStatus = store.TaskStatus(prevStatus.String)
	t.TrackerStatus = trackerStatus.String
	t.CreatorID = creatorID.String
	t.CreatorName = creatorName.String
	t.IsLocked = isLocked == 1
	t.LockOwner = lockOwner.String
	t.LockedAt = parseTime(lockedAt)
	t.CooldownUntil = parseTime(cooldownUntil)
	t.LastRunID = int64Ptr(lastRunID)
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &t, nil
}

// isUniqueViolation reports whether err is a SQLite unique constraint error.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
