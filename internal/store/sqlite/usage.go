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
)

// InsertUsage appends an AI usage row.
func (b *Backend) InsertUsage(ctx context.Context, usage *store.AIUsage) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		return insertUsageTx(ctx, tx, usage)
	})
}

func insertUsageTx(ctx context.Context, tx *sql.Tx, usage *store.AIUsage) error {
	if usage.CreatedAt.IsZero() {
		usage.CreatedAt = now()
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO ai_usage (run_id, task_id, provider, model, operation,
			input_tokens, output_tokens, estimated_cost, duration_ms, success, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		usage.RunID, usage.TaskID, usage.Provider, usage.Model, usage.Operation,
		usage.InputTokens, usage.OutputTokens, usage.EstimatedCost, usage.Duration.Milliseconds(),
		boolToInt(usage.Success), nullString(usage.Error),
		usage.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage: %w", err)
	}
	usage.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read usage id: %w", err)
	}
	return nil
}

// SumRunCost totals the estimated cost of all LLM calls in a run.
func (b *Backend) SumRunCost(ctx context.Context, runID int64) (float64, error) {
	var total float64
	err := b.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(estimated_cost), 0) FROM ai_usage WHERE run_id = ?`, runID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum run cost: %w", err)
	}
	return total, nil
}

// ListUsageForRun returns a run's usage rows in insertion order.
func (b *Backend) ListUsageForRun(ctx context.Context, runID int64) ([]*store.AIUsage, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, run_id, task_id, provider, model, operation, input_tokens, output_tokens,
			estimated_cost, duration_ms, success, error, created_at
		FROM ai_usage WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}
	defer rows.Close()

	var usages []*store.AIUsage
	for rows.Next() {
		var u store.AIUsage
		var errStr sql.NullString
		var durationMS int64
		var success int
		var createdAt string
		if err := rows.Scan(&u.ID, &u.RunID, &u.TaskID, &u.Provider, &u.Model, &u.Operation,
			&u.InputTokens, &u.OutputTokens, &u.EstimatedCost, &durationMS, &success, &errStr, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan usage: %w", err)
		}
		u.Duration = time.Duration(durationMS) * time.Millisecond
		u.Success = success == 1
		u.Error = errStr.String
		u.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		usages = append(usages, &u)
	}
	return usages, rows.Err()
}

// InsertAudit appends an audit log entry.
func (b *Backend) InsertAudit(ctx context.Context, entry *store.AuditEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now()
	}
	if entry.Severity == "" {
		entry.Severity = store.SeverityLow
	}
	detailsJSON, err := marshalJSON(entry.Details)
	if err != nil {
		return err
	}
	res, err := b.db.ExecContext(ctx, `
		INSERT INTO audit_log (actor, action, resource, resource_id, severity, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.Actor, entry.Action, nullString(entry.Resource), nullString(entry.ResourceID),
		string(entry.Severity), detailsJSON,
		entry.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	entry.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read audit id: %w", err)
	}
	return nil
}

// ListAudit returns the most recent audit entries, newest first.
func (b *Backend) ListAudit(ctx context.Context, limit int) ([]*store.AuditEntry, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, actor, action, resource, resource_id, severity, details, created_at
		FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*store.AuditEntry
	for rows.Next() {
		var e store.AuditEntry
		var resource, resourceID, detailsJSON sql.NullString
		var severity, createdAt string
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &resource, &resourceID,
			&severity, &detailsJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Resource = resource.String
		e.ResourceID = resourceID.String
		e.Severity = store.Severity(severity)
		if err := unmarshalJSON(detailsJSON, &e.Details); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit details: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// PurgeAuditBefore deletes audit entries older than cutoff. Returns the
// number of rows removed.
func (b *Backend) PurgeAuditBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM audit_log WHERE created_at < ?`, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit log: %w", err)
	}
	return res.RowsAffected()
}

// InsertPullRequest records a PR opened for a run.
func (b *Backend) InsertPullRequest(ctx context.Context, pr *store.PullRequest) error {
	if pr.CreatedAt.IsZero() {
		pr.CreatedAt = now()
	}
	res, err := b.db.ExecContext(ctx, `
		INSERT INTO pull_requests (task_id, run_id, url, branch, base, head_sha, merged, merged_sha, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pr.TaskID, pr.RunID, pr.URL, pr.Branch, nullString(pr.Base), nullString(pr.HeadSHA),
		boolToInt(pr.Merged), nullString(pr.MergedSHA),
		pr.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert pull request: %w", err)
	}
	pr.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read pull request id: %w", err)
	}
	return nil
}

// ListPullRequests returns a task's PRs in creation order.
func (b *Backend) ListPullRequests(ctx context.Context, taskID int64) ([]*store.PullRequest, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, task_id, run_id, url, branch, base, head_sha, merged, merged_sha, created_at
		FROM pull_requests WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pull requests: %w", err)
	}
	defer rows.Close()

	var prs []*store.PullRequest
	for rows.Next() {
		var p store.PullRequest
		var base, headSHA, mergedSHA sql.NullString
		var merged int
		var createdAt string
		if err := rows.Scan(&p.ID, &p.TaskID, &p.RunID, &p.URL, &p.Branch,
			&base, &headSHA, &merged, &mergedSHA, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan pull request: %w", err)
		}
		p.Base = base.String
		p.HeadSHA = headSHA.String
		p.Merged = merged == 1
		p.MergedSHA = mergedSHA.String
		p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		prs = append(prs, &p)
	}
	return prs, rows.Err()
}
