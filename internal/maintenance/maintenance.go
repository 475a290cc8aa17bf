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

// Package maintenance runs the periodic housekeeping pass: retention purges,
// the stale lease sweep and storage compaction. Workflow data (tasks, runs,
// steps, usage) is never purged; only raw webhook events and audit entries
// age out.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/mechanic-dev/mechanic/internal/log"
	"github.com/mechanic-dev/mechanic/internal/metrics"
	"github.com/mechanic-dev/mechanic/internal/queue"
	"github.com/mechanic-dev/mechanic/internal/store"
)

// vacuumer is implemented by backends that support storage compaction.
type vacuumer interface {
	IncrementalVacuum(ctx context.Context) error
}

// Config sets the retention horizons.
type Config struct {
	// EventMonths is how many months of webhook events to keep.
	EventMonths int

	// AuditDays is how many days of audit entries to keep.
	AuditDays int

	// Interval is the pass period.
	Interval time.Duration
}

// Runner is the maintenance loop.
type Runner struct {
	store  store.Store
	queue  *queue.Queue
	logger *slog.Logger
	cfg    Config
}

// New builds a Runner.
func New(s store.Store, q *queue.Queue, logger *slog.Logger, cfg Config) *Runner {
	if cfg.EventMonths == 0 {
		cfg.EventMonths = 6
	}
	if cfg.AuditDays == 0 {
		cfg.AuditDays = 90
	}
	if cfg.Interval == 0 {
		cfg.Interval = time.Hour
	}
	return &Runner{store: s, queue: q, logger: logger, cfg: cfg}
}

// Run performs maintenance passes until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		stats, err := r.Pass(ctx)
		if err != nil {
			r.logger.Warn("maintenance pass failed", log.Error(err))
			continue
		}
		if stats.EventsPurged > 0 || stats.AuditPurged > 0 || stats.LocksSwept > 0 {
			r.logger.Info("maintenance pass finished",
				"events_purged", stats.EventsPurged,
				"audit_purged", stats.AuditPurged,
				"locks_swept", stats.LocksSwept)
		}
	}
}

// Pass runs one maintenance pass.
func (r *Runner) Pass(ctx context.Context) (*store.MaintenanceStats, error) {
	stats := &store.MaintenanceStats{}
	now := time.Now().UTC()

	swept, err := r.queue.SweepStaleLeases(ctx)
	if err != nil {
		return stats, err
	}
	stats.LocksSwept = swept

	eventCutoff := now.AddDate(0, -r.cfg.EventMonths, 0)
	stats.EventsPurged, err = r.store.PurgeEventsBefore(ctx, eventCutoff)
	if err != nil {
		return stats, err
	}

	auditCutoff := now.AddDate(0, 0, -r.cfg.AuditDays)
	stats.AuditPurged, err = r.store.PurgeAuditBefore(ctx, auditCutoff)
	if err != nil {
		return stats, err
	}

	depth, err := r.store.CountPendingEntries(ctx)
	if err != nil {
		return stats, err
	}
	metrics.SetQueueDepth(depth)

	if v, ok := r.store.(vacuumer); ok && (stats.EventsPurged > 0 || stats.AuditPurged > 0) {
		if err := v.IncrementalVacuum(ctx); err != nil {
			r.logger.Warn("incremental vacuum failed", log.Error(err))
		}
	}
	return stats, nil
}
