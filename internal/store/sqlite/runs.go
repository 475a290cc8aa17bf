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

const runColumns = `id, task_id, run_number, status, executor_id, started_at, ended_at,
	duration_ms, result, error, branch_name, pr_url, is_reactivation, parent_run_id,
	reactivation_count, debug_attempts, total_cost_usd, created_at, updated_at`

// CreateRun inserts a run, assigning the next run_number for the task.
// Fails with an InvariantError when the task already has an active run.
func (b *Backend) CreateRun(ctx context.Context, run *store.Run) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		return createRunTx(ctx, tx, run)
	})
}

func createRunTx(ctx context.Context, tx *sql.Tx, run *store.Run) error {
	var active int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM runs WHERE task_id = ? AND status IN ('started', 'running')`,
		run.TaskID).Scan(&active)
	if err != nil {
		return fmt.Errorf("failed to count active runs: %w", err)
	}
	if active > 0 {
		return errors.Invariant("single_active_run", "task %d already has an active run", run.TaskID)
	}

	if run.RunNumber == 0 {
		err = tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(run_number), 0) + 1 FROM runs WHERE task_id = ?`,
			run.TaskID).Scan(&run.RunNumber)
		if err != nil {
			return fmt.Errorf("failed to assign run number: %w", err)
		}
	}
	if run.Status == "" {
		run.Status = store.RunStatusStarted
	}

	resultJSON, err := marshalJSON(run.Result)
	if err != nil {
		return err
	}

	ts := now()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO runs (task_id, run_number, status, executor_id, started_at, ended_at,
			duration_ms, result, error, branch_name, pr_url, is_reactivation, parent_run_id,
			reactivation_count, debug_attempts, total_cost_usd, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.TaskID, run.RunNumber, string(run.Status), nullString(run.ExecutorID),
		formatTime(run.StartedAt), formatTime(run.EndedAt), run.Duration.Milliseconds(),
		resultJSON, nullString(run.Error), nullString(run.BranchName), nullString(run.PRURL),
		boolToInt(run.IsReactivation), nullInt64(run.ParentRunID),
		run.ReactivationCount, run.DebugAttempts, run.TotalCostUSD,
		ts.Format(time.RFC3339Nano), ts.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	run.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read run id: %w", err)
	}
	run.CreatedAt = ts
	run.UpdatedAt = ts

	// The task always points at its most recent run.
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET last_run_id = ?, updated_at = ? WHERE id = ?`,
		run.ID, ts.Format(time.RFC3339Nano), run.TaskID); err != nil {
		return fmt.Errorf("failed to update task last run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (b *Backend) GetRun(ctx context.Context, id int64) (*store.Run, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "run", ID: fmt.Sprint(id)}
	}
	return run, err
}

// GetLatestRun returns the most recent run of a task, or a NotFoundError
// when the task has never run.
func (b *Backend) GetLatestRun(ctx context.Context, taskID int64) (*store.Run, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE task_id = ? ORDER BY run_number DESC LIMIT 1`, taskID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "run", ID: fmt.Sprintf("task %d", taskID)}
	}
	return run, err
}

// UpdateRun updates an existing run.
func (b *Backend) UpdateRun(ctx context.Context, run *store.Run) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		return updateRunTx(ctx, tx, run)
	})
}

func updateRunTx(ctx context.Context, tx *sql.Tx, run *store.Run) error {
	resultJSON, err := marshalJSON(run.Result)
	if err != nil {
		return err
	}
	ts := now()
	res, err := tx.ExecContext(ctx, `
		UPDATE runs SET status = ?, executor_id = ?, started_at = ?, ended_at = ?,
			duration_ms = ?, result = ?, error = ?, branch_name = ?, pr_url = ?,
			debug_attempts = ?, total_cost_usd = ?, updated_at = ?
		WHERE id = ?`,
		string(run.Status), nullString(run.ExecutorID),
		formatTime(run.StartedAt), formatTime(run.EndedAt), run.Duration.Milliseconds(),
		resultJSON, nullString(run.Error), nullString(run.BranchName), nullString(run.PRURL),
		run.DebugAttempts, run.TotalCostUSD, ts.Format(time.RFC3339Nano),
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return &errors.NotFoundError{Resource: "run", ID: fmt.Sprint(run.ID)}
	}
	run.UpdatedAt = ts
	return nil
}

// ListDanglingRuns returns runs left active with no owning worker: their
// queue entry is no longer running. Used by crash recovery on restart.
func (b *Backend) ListDanglingRuns(ctx context.Context) ([]*store.Run, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs r
		WHERE r.status IN ('started', 'running')
		AND NOT EXISTS (
			SELECT 1 FROM queue_entries q
			WHERE q.task_id = r.task_id AND q.status = 'running'
		)
		ORDER BY r.id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list dangling runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// ListRunsForTask returns all runs of a task in run_number order.
func (b *Backend) ListRunsForTask(ctx context.Context, taskID int64) ([]*store.Run, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE task_id = ? ORDER BY run_number`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

func collectRuns(rows *sql.Rows) ([]*store.Run, error) {
	var runs []*store.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanRun(row rowScanner) (*store.Run, error) {
	var r store.Run
	var executorID, resultJSON, errStr, branch, prURL sql.NullString
	var startedAt, endedAt sql.NullString
	var parentRunID sql.NullInt64
	var isReactivation int
	var durationMS int64
	var status, createdAt, updatedAt string

	err := row.Scan(
		&r.ID, &r.TaskID, &r.RunNumber, &status, &executorID, &startedAt, &endedAt,
		&durationMS, &resultJSON, &errStr, &branch, &prURL, &isReactivation, &parentRunID,
		&r.ReactivationCount, &r.DebugAttempts, &r.TotalCostUSD, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Status = store.RunStatus(status)
	r.ExecutorID = executorID.String
	r.StartedAt = parseTime(startedAt)
	r.EndedAt = parseTime(endedAt)
	r.Duration = time.Duration(durationMS) * time.Millisecond
	r.Error = errStr.String
	r.BranchName = branch.String
	r.PRURL = prURL.String
	r.IsReactivation = isReactivation == 1
	r.ParentRunID = int64Ptr(parentRunID)
	if err := unmarshalJSON(resultJSON, &r.Result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run result: %w", err)
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &r, nil
}
