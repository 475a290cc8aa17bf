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

// InsertTriggerHistory enforces the (task_id, update_id) uniqueness
// constraint. Two reactivation candidates for the same tracker update can
// never both be recorded; the second insert returns an InvariantError and
// the caller drops the candidate.
func (b *Backend) InsertTriggerHistory(ctx context.Context, taskID int64, updateID string) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO update_trigger_history (task_id, update_id, created_at) VALUES (?, ?, ?)`,
		taskID, updateID, nowString())
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Invariant("update_trigger_unique",
				"update %s already triggered task %d", updateID, taskID)
		}
		return fmt.Errorf("failed to record trigger history: %w", err)
	}
	return nil
}

// InsertReactivationRecord appends a reactivation audit row.
func (b *Backend) InsertReactivationRecord(ctx context.Context, rec *store.ReactivationRecord) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		return insertReactivationRecordTx(ctx, tx, rec)
	})
}

func insertReactivationRecordTx(ctx context.Context, tx *sql.Tx, rec *store.ReactivationRecord) error {
	if rec.Status == "" {
		rec.Status = store.ReactivationStatusPending
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = now()
	}
	dataJSON, err := marshalJSON(rec.UpdateData)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO reactivation_records (task_id, run_id, trigger_type, update_id, update_data,
			status, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TaskID, nullInt64(rec.RunID), string(rec.TriggerType), nullString(rec.UpdateID),
		dataJSON, string(rec.Status), nullString(rec.Error),
		rec.StartedAt.UTC().Format(time.RFC3339Nano), formatTime(rec.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert reactivation record: %w", err)
	}
	rec.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read reactivation id: %w", err)
	}
	return nil
}

// UpdateReactivationRecord updates the status, linked run and error of a
// reactivation audit row.
func (b *Backend) UpdateReactivationRecord(ctx context.Context, rec *store.ReactivationRecord) error {
	res, err := b.db.ExecContext(ctx, `
		UPDATE reactivation_records SET run_id = ?, status = ?, error = ?, completed_at = ?
		WHERE id = ?`,
		nullInt64(rec.RunID), string(rec.Status), nullString(rec.Error),
		formatTime(rec.CompletedAt), rec.ID)
	if err != nil {
		return fmt.Errorf("failed to update reactivation record: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return &errors.NotFoundError{Resource: "reactivation_record", ID: fmt.Sprint(rec.ID)}
	}
	return nil
}

// ListReactivations returns a task's reactivation attempts in order.
func (b *Backend) ListReactivations(ctx context.Context, taskID int64) ([]*store.ReactivationRecord, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, task_id, run_id, trigger_type, update_id, update_data, status, error, started_at, completed_at
		FROM reactivation_records WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reactivations: %w", err)
	}
	defer rows.Close()

	var recs []*store.ReactivationRecord
	for rows.Next() {
		var r store.ReactivationRecord
		var runID sql.NullInt64
		var updateID, dataJSON, errStr, completedAt sql.NullString
		var trigger, status, startedAt string
		if err := rows.Scan(&r.ID, &r.TaskID, &runID, &trigger, &updateID, &dataJSON,
			&status, &errStr, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan reactivation: %w", err)
		}
		r.RunID = int64Ptr(runID)
		r.TriggerType = store.TriggerType(trigger)
		r.UpdateID = updateID.String
		r.Status = store.ReactivationStatus(status)
		r.Error = errStr.String
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		r.CompletedAt = parseTime(completedAt)
		if err := unmarshalJSON(dataJSON, &r.UpdateData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal update data: %w", err)
		}
		recs = append(recs, &r)
	}
	return recs, rows.Err()
}
