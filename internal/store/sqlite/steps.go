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

const stepColumns = `id, run_id, node, step_order, status, retry_count, max_retries,
	input, output, error, checkpoint, started_at, completed_at, checkpoint_saved_at, created_at`

// InsertStep appends a step to a run's trace. Step order is assigned
// monotonically when left zero.
func (b *Backend) InsertStep(ctx context.Context, step *store.Step) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		return insertStepTx(ctx, tx, step)
	})
}

func insertStepTx(ctx context.Context, tx *sql.Tx, step *store.Step) error {
	if step.StepOrder == 0 {
		err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(step_order), 0) + 1 FROM steps WHERE run_id = ?`,
			step.RunID).Scan(&step.StepOrder)
		if err != nil {
			return fmt.Errorf("failed to assign step order: %w", err)
		}
	}
	if step.Status == "" {
		step.Status = store.StepStatusPending
	}

	inputJSON, err := marshalJSON(step.Input)
	if err != nil {
		return err
	}
	outputJSON, err := marshalJSON(step.Output)
	if err != nil {
		return err
	}

	ts := now()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO steps (run_id, node, step_order, status, retry_count, max_retries,
			input, output, error, checkpoint, started_at, completed_at, checkpoint_saved_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.RunID, step.Node, step.StepOrder, string(step.Status), step.RetryCount, step.MaxRetries,
		inputJSON, outputJSON, nullString(step.Error), step.Checkpoint,
		formatTime(step.StartedAt), formatTime(step.CompletedAt), formatTime(step.CheckpointSavedAt),
		ts.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Invariant("step_order_unique",
				"run %d already has a step at order %d", step.RunID, step.StepOrder)
		}
		return fmt.Errorf("failed to insert step: %w", err)
	}
	step.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read step id: %w", err)
	}
	step.CreatedAt = ts
	return nil
}

// UpdateStep updates a step's status, outputs and checkpoint.
func (b *Backend) UpdateStep(ctx context.Context, step *store.Step) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		return updateStepTx(ctx, tx, step)
	})
}

func updateStepTx(ctx context.Context, tx *sql.Tx, step *store.Step) error {
	inputJSON, err := marshalJSON(step.Input)
	if err != nil {
		return err
	}
	outputJSON, err := marshalJSON(step.Output)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE steps SET status = ?, retry_count = ?, input = ?, output = ?, error = ?,
			checkpoint = ?, started_at = ?, completed_at = ?, checkpoint_saved_at = ?
		WHERE id = ?`,
		string(step.Status), step.RetryCount, inputJSON, outputJSON, nullString(step.Error),
		step.Checkpoint, formatTime(step.StartedAt), formatTime(step.CompletedAt),
		formatTime(step.CheckpointSavedAt), step.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update step: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return &errors.NotFoundError{Resource: "step", ID: fmt.Sprint(step.ID)}
	}
	return nil
}

// ListSteps returns a run's steps in execution order.
func (b *Backend) ListSteps(ctx context.Context, runID int64) ([]*store.Step, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE run_id = ? ORDER BY step_order`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	var steps []*store.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// LatestStep returns the most recent step of a run, or nil when the run has
// no steps yet.
func (b *Backend) LatestStep(ctx context.Context, runID int64) (*store.Step, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE run_id = ? ORDER BY step_order DESC LIMIT 1`, runID)
	step, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return step, err
}

func scanStep(row rowScanner) (*store.Step, error) {
	var s store.Step
	var inputJSON, outputJSON, errStr sql.NullString
	var startedAt, completedAt, checkpointSavedAt sql.NullString
	var checkpoint []byte
	var status, createdAt string

	err := row.Scan(
		&s.ID, &s.RunID, &s.Node, &s.StepOrder, &status, &s.RetryCount, &s.MaxRetries,
		&inputJSON, &outputJSON, &errStr, &checkpoint,
		&startedAt, &completedAt, &checkpointSavedAt, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	s.Status = store.StepStatus(status)
	s.Error = errStr.String
	s.Checkpoint = checkpoint
	s.StartedAt = parseTime(startedAt)
	s.CompletedAt = parseTime(completedAt)
	s.CheckpointSavedAt = parseTime(checkpointSavedAt)
	if err := unmarshalJSON(inputJSON, &s.Input); err != nil {
		return nil, fmt.Errorf("failed to unmarshal step input: %w", err)
	}
	if err := unmarshalJSON(outputJSON, &s.Output); err != nil {
		return nil, fmt.Errorf("failed to unmarshal step output: %w", err)
	}
	s.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &s, nil
}
