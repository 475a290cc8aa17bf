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

const queueColumns = `id, source, external_item_id, task_id, kind, status, priority,
	payload, executor_task_id, enqueued_at, started_at, completed_at, heartbeat_at`

// EnqueueEntry appends a queue entry.
func (b *Backend) EnqueueEntry(ctx context.Context, entry *store.QueueEntry) error {
	if entry.Status == "" {
		entry.Status = store.QueueStatusPending
	}
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = now()
	}
	payloadJSON, err := marshalJSON(entry.Payload)
	if err != nil {
		return err
	}

	res, err := b.db.ExecContext(ctx, `
		INSERT INTO queue_entries (source, external_item_id, task_id, kind, status, priority,
			payload, executor_task_id, enqueued_at, started_at, completed_at, heartbeat_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Source, entry.ExternalItemID, nullInt64(entry.TaskID), string(entry.Kind),
		string(entry.Status), entry.Priority, payloadJSON, nullString(entry.ExecutorTaskID),
		entry.EnqueuedAt.UTC().Format(time.RFC3339Nano),
		formatTime(entry.StartedAt), formatTime(entry.CompletedAt), formatTime(entry.HeartbeatAt),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue entry: %w", err)
	}
	entry.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read queue id: %w", err)
	}
	return nil
}

// GetEntry retrieves a queue entry by ID.
func (b *Backend) GetEntry(ctx context.Context, id int64) (*store.QueueEntry, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM queue_entries WHERE id = ?`, id)
	entry, err := scanQueueEntry(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "queue_entry", ID: fmt.Sprint(id)}
	}
	return entry, err
}

// LeaseNext atomically picks the highest-priority pending entry whose item
// has no running entry, whose task is not locked (or whose lock is stale)
// and whose cooldown has elapsed; marks it running and acquires the task
// lock for workerID. A cooldown with exactly zero seconds remaining permits
// the lease. Returns nil when nothing is leasable.
func (b *Backend) LeaseNext(ctx context.Context, workerID string, lockStaleAfter time.Duration) (*store.QueueEntry, error) {
	var leased *store.QueueEntry

	err := b.withTx(ctx, func(tx *sql.Tx) error {
		nowTS := nowString()
		lockCutoff := now().Add(-lockStaleAfter).Format(time.RFC3339Nano)

		rows, err := tx.QueryContext(ctx, `
			SELECT `+qualifiedQueueColumns+` FROM queue_entries q
			LEFT JOIN tasks t ON t.id = q.task_id
			WHERE q.status = 'pending'
			AND NOT EXISTS (
				SELECT 1 FROM queue_entries r
				WHERE r.external_item_id = q.external_item_id AND r.status = 'running'
			)
			AND (q.task_id IS NULL OR (
				(t.is_locked = 0 OR t.locked_at IS NULL OR t.locked_at < ?)
				AND (t.cooldown_until IS NULL OR t.cooldown_until <= ?)
			))
			ORDER BY q.priority DESC, q.enqueued_at ASC
			LIMIT 10`,
			lockCutoff, nowTS)
		if err != nil {
			return fmt.Errorf("failed to query leasable entries: %w", err)
		}
		candidates, err := collectQueueEntries(rows)
		if err != nil {
			return err
		}

		for _, entry := range candidates {
			if entry.TaskID != nil {
				ok, err := acquireTaskLockTx(ctx, tx, *entry.TaskID, workerID, lockStaleAfter)
				if err != nil {
					return err
				}
				if !ok {
					// Lost the CAS; try the next candidate.
					continue
				}
			}

			res, err := tx.ExecContext(ctx, `
				UPDATE queue_entries SET status = 'running', executor_task_id = ?,
					started_at = ?, heartbeat_at = ?
				WHERE id = ? AND status = 'pending'`,
				workerID, nowTS, nowTS, entry.ID)
			if err != nil {
				return fmt.Errorf("failed to mark entry running: %w", err)
			}
			affected, _ := res.RowsAffected()
			if affected == 0 {
				continue
			}

			entry.Status = store.QueueStatusRunning
			entry.ExecutorTaskID = workerID
			ts := now()
			entry.StartedAt = &ts
			entry.HeartbeatAt = &ts
			leased = entry
			return nil
		}
		return nil
	})
	return leased, err
}

// CompleteEntry marks the entry terminal and releases the task lock held by
// its executor.
func (b *Backend) CompleteEntry(ctx context.Context, queueID int64, status store.QueueStatus) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		return completeEntryTx(ctx, tx, queueID, status)
	})
}

func completeEntryTx(ctx context.Context, tx *sql.Tx, queueID int64, status store.QueueStatus) error {
	var taskID sql.NullInt64
	var executor sql.NullString
	err := tx.QueryRowContext(ctx,
		`SELECT task_id, executor_task_id FROM queue_entries WHERE id = ?`, queueID).
		Scan(&taskID, &executor)
	if err == sql.ErrNoRows {
		return &errors.NotFoundError{Resource: "queue_entry", ID: fmt.Sprint(queueID)}
	}
	if err != nil {
		return fmt.Errorf("failed to read queue entry: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE queue_entries SET status = ?, completed_at = ? WHERE id = ?`,
		string(status), nowString(), queueID)
	if err != nil {
		return fmt.Errorf("failed to complete queue entry: %w", err)
	}

	if taskID.Valid && executor.Valid {
		if err := releaseTaskLockTx(ctx, tx, taskID.Int64, executor.String); err != nil {
			return err
		}
	}
	return nil
}

// CountPendingEntries reports the queue depth.
func (b *Backend) CountPendingEntries(ctx context.Context) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_entries WHERE status = 'pending'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending entries: %w", err)
	}
	return n, nil
}

// Heartbeat refreshes the lease heartbeat of a running entry.
func (b *Backend) Heartbeat(ctx context.Context, queueID int64) error {
	_, err := b.db.ExecContext(ctx, `
		UPDATE queue_entries SET heartbeat_at = ? WHERE id = ? AND status = 'running'`,
		nowString(), queueID)
	if err != nil {
		return fmt.Errorf("failed to heartbeat: %w", err)
	}
	return nil
}

// ReleaseStaleLeases marks running entries with no heartbeat for staleAfter
// as timeout and releases their task locks. Returns the affected queue ids.
func (b *Backend) ReleaseStaleLeases(ctx context.Context, staleAfter time.Duration) ([]int64, error) {
	var released []int64
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		cutoff := now().Add(-staleAfter).Format(time.RFC3339Nano)
		rows, err := tx.QueryContext(ctx, `
			SELECT id, task_id, executor_task_id FROM queue_entries
			WHERE status = 'running' AND (heartbeat_at IS NULL OR heartbeat_at < ?)`,
			cutoff)
		if err != nil {
			return fmt.Errorf("failed to query stale leases: %w", err)
		}

		type stale struct {
			id       int64
			taskID   sql.NullInt64
			executor sql.NullString
		}
		var stales []stale
		for rows.Next() {
			var s stale
			if err := rows.Scan(&s.id, &s.taskID, &s.executor); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan stale lease: %w", err)
			}
			stales = append(stales, s)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, s := range stales {
			_, err := tx.ExecContext(ctx, `
				UPDATE queue_entries SET status = 'timeout', completed_at = ? WHERE id = ?`,
				nowString(), s.id)
			if err != nil {
				return fmt.Errorf("failed to time out lease: %w", err)
			}
			if s.taskID.Valid && s.executor.Valid {
				if err := releaseTaskLockTx(ctx, tx, s.taskID.Int64, s.executor.String); err != nil {
					return err
				}
			}
			released = append(released, s.id)
		}
		return nil
	})
	return released, err
}

// MarkEntryWaiting parks a running entry while its run awaits validation.
func (b *Backend) MarkEntryWaiting(ctx context.Context, queueID int64) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		return markEntryWaitingTx(ctx, tx, queueID)
	})
}

func markEntryWaitingTx(ctx context.Context, tx *sql.Tx, queueID int64) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE queue_entries SET status = 'waiting_validation' WHERE id = ? AND status = 'running'`,
		queueID)
	if err != nil {
		return fmt.Errorf("failed to park queue entry: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return errors.Invariant("queue_entry_running", "entry %d is not running", queueID)
	}
	return nil
}

// qualifiedQueueColumns prefixes queue columns for the lease join.
const qualifiedQueueColumns = `q.id, q.source, q.external_item_id, q.task_id, q.kind, q.status,
	q.priority, q.payload, q.executor_task_id, q.enqueued_at, q.started_at, q.completed_at, q.heartbeat_at`

func collectQueueEntries(rows *sql.Rows) ([]*store.QueueEntry, error) {
	defer rows.Close()
	var entries []*store.QueueEntry
	for rows.Next() {
		entry, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func scanQueueEntry(row rowScanner) (*store.QueueEntry, error) {
	var e store.QueueEntry
	var taskID sql.NullInt64
	var payloadJSON, executor sql.NullString
	var startedAt, completedAt, heartbeatAt sql.NullString
	var kind, status, enqueuedAt string

	err := row.Scan(
		&e.ID, &e.Source, &e.ExternalItemID, &taskID, &kind, &status, &e.Priority,
		&payloadJSON, &executor, &enqueuedAt, &startedAt, &completedAt, &heartbeatAt,
	)
	if err != nil {
		return nil, err
	}

	e.TaskID = int64Ptr(taskID)
	e.Kind = store.QueueEntryKind(kind)
	e.Status = store.QueueStatus(status)
	e.ExecutorTaskID = executor.String
	e.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, enqueuedAt)
	e.StartedAt = parseTime(startedAt)
	e.CompletedAt = parseTime(completedAt)
	e.HeartbeatAt = parseTime(heartbeatAt)
	if err := unmarshalJSON(payloadJSON, &e.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal queue payload: %w", err)
	}
	return &e, nil
}
