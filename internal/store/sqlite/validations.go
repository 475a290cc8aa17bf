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

const validationColumns = `id, validation_id, task_id, run_id, step_id, title, generated_code,
	summary, files_modified, status, rejection_count, is_retry, parent_validation_id,
	tracker_update_id, creator_id, creator_email, creator_name, unauthorized_attempts,
	reminder_sent_at, created_at, expires_at`

// CreateValidation inserts a human validation request.
func (b *Backend) CreateValidation(ctx context.Context, v *store.HumanValidation) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		return createValidationTx(ctx, tx, v)
	})
}

func createValidationTx(ctx context.Context, tx *sql.Tx, v *store.HumanValidation) error {
	if v.Status == "" {
		v.Status = store.ValidationStatusPending
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now()
	}

	codeJSON, err := marshalJSON(v.GeneratedCode)
	if err != nil {
		return err
	}
	filesJSON, err := marshalJSON(v.FilesModified)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO human_validations (validation_id, task_id, run_id, step_id, title, generated_code,
			summary, files_modified, status, rejection_count, is_retry, parent_validation_id,
			tracker_update_id, creator_id, creator_email, creator_name, unauthorized_attempts,
			reminder_sent_at, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ValidationID, v.TaskID, v.RunID, v.StepID, nullString(v.Title), codeJSON,
		nullString(v.Summary), filesJSON, string(v.Status), v.RejectionCount,
		boolToInt(v.IsRetry), nullInt64(v.ParentValidationID),
		nullString(v.TrackerUpdateID), nullString(v.CreatorID), nullString(v.CreatorEmail),
		nullString(v.CreatorName), v.UnauthorizedAttempts, formatTime(v.ReminderSentAt),
		v.CreatedAt.UTC().Format(time.RFC3339Nano), v.ExpiresAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to create validation: %w", err)
	}
	v.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read validation id: %w", err)
	}
	return nil
}

// GetValidation retrieves a validation by internal id.
func (b *Backend) GetValidation(ctx context.Context, id int64) (*store.HumanValidation, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT `+validationColumns+` FROM human_validations WHERE id = ?`, id)
	v, err := scanValidation(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "validation", ID: fmt.Sprint(id)}
	}
	return v, err
}

// GetValidationByKey retrieves a validation by its opaque validation_id,
// which doubles as the run's resume key.
func (b *Backend) GetValidationByKey(ctx context.Context, validationID string) (*store.HumanValidation, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT `+validationColumns+` FROM human_validations WHERE validation_id = ?`, validationID)
	v, err := scanValidation(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "validation", ID: validationID}
	}
	return v, err
}

// UpdateValidationStatus flips a validation's status.
func (b *Backend) UpdateValidationStatus(ctx context.Context, id int64, status store.ValidationStatus) error {
	res, err := b.db.ExecContext(ctx,
		`UPDATE human_validations SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update validation status: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return &errors.NotFoundError{Resource: "validation", ID: fmt.Sprint(id)}
	}
	return nil
}

// ListPendingValidations returns validations awaiting a reply, oldest first.
func (b *Backend) ListPendingValidations(ctx context.Context) ([]*store.HumanValidation, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT `+validationColumns+` FROM human_validations WHERE status = 'pending' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending validations: %w", err)
	}
	defer rows.Close()

	var vs []*store.HumanValidation
	for rows.Next() {
		v, err := scanValidation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan validation: %w", err)
		}
		vs = append(vs, v)
	}
	return vs, rows.Err()
}

// LineageRejectionCount walks parent_validation_id links from the given
// validation to the lineage root and sums rejections.
func (b *Backend) LineageRejectionCount(ctx context.Context, id int64) (int, error) {
	var count int
	err := b.db.QueryRowContext(ctx, `
		WITH RECURSIVE lineage(id) AS (
			SELECT id FROM human_validations WHERE id = ?
			UNION ALL
			SELECT hv.parent_validation_id FROM human_validations hv
			JOIN lineage l ON hv.id = l.id
			WHERE hv.parent_validation_id IS NOT NULL
		)
		SELECT COUNT(*) FROM validation_responses
		WHERE validation_id IN (SELECT id FROM lineage) AND response_status = 'rejected'`,
		id).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count lineage rejections: %w", err)
	}
	return count, nil
}

// IncrementUnauthorizedAttempts bumps the unauthorized reply counter.
func (b *Backend) IncrementUnauthorizedAttempts(ctx context.Context, id int64) error {
	_, err := b.db.ExecContext(ctx,
		`UPDATE human_validations SET unauthorized_attempts = unauthorized_attempts + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to increment unauthorized attempts: %w", err)
	}
	return nil
}

// MarkReminderSent records the reminder timestamp so only one reminder is
// posted per validation.
func (b *Backend) MarkReminderSent(ctx context.Context, id int64) error {
	_, err := b.db.ExecContext(ctx,
		`UPDATE human_validations SET reminder_sent_at = ? WHERE id = ?`, nowString(), id)
	if err != nil {
		return fmt.Errorf("failed to mark reminder sent: %w", err)
	}
	return nil
}

// InsertResponse records a validation reply. The (validation_id,
// response_update_id) pair is unique so the same tracker reply is never
// ingested twice.
func (b *Backend) InsertResponse(ctx context.Context, resp *store.ValidationResponse) error {
	if resp.CreatedAt.IsZero() {
		resp.CreatedAt = now()
	}
	res, err := b.db.ExecContext(ctx, `
		INSERT INTO validation_responses (validation_id, response_status, comments,
			modification_instructions, should_merge, should_continue_workflow, should_retry_workflow,
			validation_duration_seconds, response_update_id, author_id, author_email, author_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		resp.ValidationID, string(resp.ResponseStatus), nullString(resp.Comments),
		nullString(resp.ModificationInstructions), boolToInt(resp.ShouldMerge),
		boolToInt(resp.ShouldContinueWorkflow), boolToInt(resp.ShouldRetryWorkflow),
		resp.ValidationDurationSeconds, nullString(resp.ResponseUpdateID),
		nullString(resp.AuthorID), nullString(resp.AuthorEmail), nullString(resp.AuthorName),
		resp.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Invariant("validation_response_unique",
				"reply %s already ingested for validation %d", resp.ResponseUpdateID, resp.ValidationID)
		}
		return fmt.Errorf("failed to insert validation response: %w", err)
	}
	resp.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read response id: %w", err)
	}
	return nil
}

// ListResponses returns all replies recorded for a validation.
func (b *Backend) ListResponses(ctx context.Context, validationID int64) ([]*store.ValidationResponse, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, validation_id, response_status, comments, modification_instructions,
			should_merge, should_continue_workflow, should_retry_workflow,
			validation_duration_seconds, response_update_id, author_id, author_email, author_name, created_at
		FROM validation_responses WHERE validation_id = ? ORDER BY id`, validationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list responses: %w", err)
	}
	defer rows.Close()

	var resps []*store.ValidationResponse
	for rows.Next() {
		var r store.ValidationResponse
		var comments, instructions, updateID, authorID, authorEmail, authorName sql.NullString
		var shouldMerge, shouldContinue, shouldRetry int
		var status, createdAt string
		if err := rows.Scan(&r.ID, &r.ValidationID, &status, &comments, &instructions,
			&shouldMerge, &shouldContinue, &shouldRetry,
			&r.ValidationDurationSeconds, &updateID, &authorID, &authorEmail, &authorName, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan response: %w", err)
		}
		r.ResponseStatus = store.ValidationStatus(status)
		r.Comments = comments.String
		r.ModificationInstructions = instructions.String
		r.ShouldMerge = shouldMerge == 1
		r.ShouldContinueWorkflow = shouldContinue == 1
		r.ShouldRetryWorkflow = shouldRetry == 1
		r.ResponseUpdateID = updateID.String
		r.AuthorID = authorID.String
		r.AuthorEmail = authorEmail.String
		r.AuthorName = authorName.String
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		resps = append(resps, &r)
	}
	return resps, rows.Err()
}

func scanValidation(row rowScanner) (*store.HumanValidation, error) {
	var v store.HumanValidation
	var title, codeJSON, summary, filesJSON sql.NullString
	var trackerUpdateID, creatorID, creatorEmail, creatorName sql.NullString
	var reminderSentAt sql.NullString
	var parentID sql.NullInt64
	var isRetry int
	var status, createdAt, expiresAt string

	err := row.Scan(
		&v.ID, &v.ValidationID, &v.TaskID, &v.RunID, &v.StepID, &title, &codeJSON,
		&summary, &filesJSON, &status, &v.RejectionCount, &isRetry, &parentID,
		&trackerUpdateID, &creatorID, &creatorEmail, &creatorName, &v.UnauthorizedAttempts,
		&reminderSentAt, &createdAt, &expiresAt,
	)
	if err != nil {
		return nil, err
	}

	v.Title = title.String
	v.Summary = summary.String
	v.Status = store.ValidationStatus(status)
	v.IsRetry = isRetry == 1
	v.ParentValidationID = int64Ptr(parentID)
	v.TrackerUpdateID = trackerUpdateID.String
	v.CreatorID = creatorID.String
	v.CreatorEmail = creatorEmail.String
	v.CreatorName = creatorName.String
	v.ReminderSentAt = parseTime(reminderSentAt)
	if err := unmarshalJSON(codeJSON, &v.GeneratedCode); err != nil {
		return nil, fmt.Errorf("failed to unmarshal generated code: %w", err)
	}
	if err := unmarshalJSON(filesJSON, &v.FilesModified); err != nil {
		return nil, fmt.Errorf("failed to unmarshal files modified: %w", err)
	}
	v.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	v.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
	return &v, nil
}
