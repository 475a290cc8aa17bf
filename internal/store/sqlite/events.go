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

const eventColumns = `id, source, event_type, payload, headers, signature, processed,
	processing_status, attempts, related_task_id, received_month, received_at, processed_at`

// InsertEvent persists a raw webhook event with processed=false.
func (b *Backend) InsertEvent(ctx context.Context, event *store.WebhookEvent) error {
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = now()
	}
	if event.ReceivedMonth == "" {
		event.ReceivedMonth = monthOf(event.ReceivedAt)
	}
	if event.ProcessingStatus == "" {
		event.ProcessingStatus = store.EventStatusPending
	}

	headersJSON, err := marshalJSON(event.Headers)
	if err != nil {
		return err
	}

	res, err := b.db.ExecContext(ctx, `
		INSERT INTO webhook_events (source, event_type, payload, headers, signature,
			processed, processing_status, attempts, related_task_id, received_month, received_at, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.Source, nullString(event.EventType), event.Payload, headersJSON, nullString(event.Signature),
		boolToInt(event.Processed), string(event.ProcessingStatus), event.Attempts,
		nullInt64(event.RelatedTaskID), event.ReceivedMonth,
		event.ReceivedAt.UTC().Format(time.RFC3339Nano), formatTime(event.ProcessedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert webhook event: %w", err)
	}
	event.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read event id: %w", err)
	}
	return nil
}

// GetEvent retrieves a webhook event by ID.
func (b *Backend) GetEvent(ctx context.Context, id int64) (*store.WebhookEvent, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM webhook_events WHERE id = ?`, id)
	event, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "webhook_event", ID: fmt.Sprint(id)}
	}
	return event, err
}

// MarkEventProcessed flips processed and records the related task. This is
// the only mutation an event row sees after ingest.
func (b *Backend) MarkEventProcessed(ctx context.Context, id int64, status store.EventStatus, relatedTaskID *int64) error {
	_, err := b.db.ExecContext(ctx, `
		UPDATE webhook_events SET processed = 1, processing_status = ?, related_task_id = ?, processed_at = ?
		WHERE id = ?`,
		string(status), nullInt64(relatedTaskID), nowString(), id)
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

// BumpEventAttempts increments the classification attempt counter.
func (b *Backend) BumpEventAttempts(ctx context.Context, id int64) error {
	_, err := b.db.ExecContext(ctx,
		`UPDATE webhook_events SET attempts = attempts + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to bump event attempts: %w", err)
	}
	return nil
}

// ListUnprocessedEvents returns events awaiting classification that have not
// exhausted their attempt budget, oldest first.
func (b *Backend) ListUnprocessedEvents(ctx context.Context, maxAttempts, limit int) ([]*store.WebhookEvent, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM webhook_events
		WHERE processed = 0 AND processing_status = 'pending' AND attempts < ?
		ORDER BY received_at LIMIT ?`,
		maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unprocessed events: %w", err)
	}
	defer rows.Close()

	var events []*store.WebhookEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// PurgeEventsBefore deletes events received before cutoff, keyed on the
// received_month partition column. Returns the number of rows removed.
func (b *Backend) PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM webhook_events WHERE received_month < ?`, monthOf(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to purge webhook events: %w", err)
	}
	return res.RowsAffected()
}

func scanEvent(row rowScanner) (*store.WebhookEvent, error) {
	var e store.WebhookEvent
	var eventType, headersJSON, signature sql.NullString
	var processedAt sql.NullString
	var relatedTaskID sql.NullInt64
	var processed int
	var status, receivedAt string

	err := row.Scan(
		&e.ID, &e.Source, &eventType, &e.Payload, &headersJSON, &signature,
		&processed, &status, &e.Attempts, &relatedTaskID, &e.ReceivedMonth, &receivedAt, &processedAt,
	)
	if err != nil {
		return nil, err
	}

	e.EventType = eventType.String
	e.Signature = signature.String
	e.Processed = processed == 1
	e.ProcessingStatus = store.EventStatus(status)
	e.RelatedTaskID = int64Ptr(relatedTaskID)
	e.ReceivedAt, _ = time.Parse(time.RFC3339Nano, receivedAt)
	e.ProcessedAt = parseTime(processedAt)
	if err := unmarshalJSON(headersJSON, &e.Headers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event headers: %w", err)
	}
	return &e, nil
}
