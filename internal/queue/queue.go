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

// Package queue serializes work per external ticket. The durable queue
// lives in the ledger; this package layers the lease protocol, the
// reactivation guard and wake-up publication on top of it.
package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/mechanic-dev/mechanic/internal/metrics"
	"github.com/mechanic-dev/mechanic/internal/store"
	"github.com/mechanic-dev/mechanic/internal/transport"
)

// Queue is the per-ticket work queue.
type Queue struct {
	store     store.Store
	transport transport.Transport
	logger    *slog.Logger

	// LeaseStaleAfter is the heartbeat horizon after which a running lease
	// is reclaimed. It doubles as the task lock staleness horizon.
	LeaseStaleAfter time.Duration
}

// New builds a Queue.
func New(s store.Store, t transport.Transport, logger *slog.Logger, leaseStaleAfter time.Duration) *Queue {
	if leaseStaleAfter == 0 {
		leaseStaleAfter = 30 * time.Minute
	}
	return &Queue{
		store:           s,
		transport:       t,
		logger:          logger,
		LeaseStaleAfter: leaseStaleAfter,
	}
}

// Enqueue appends an entry and publishes a wake-up so an idle worker picks
// it up without waiting for the next poll.
func (q *Queue) Enqueue(ctx context.Context, entry *store.QueueEntry) error {
	if err := q.store.EnqueueEntry(ctx, entry); err != nil {
		return err
	}
	if err := q.transport.Publish(ctx, &transport.Message{
		Kind:    transport.KindWork,
		QueueID: entry.ID,
	}); err != nil {
		q.logger.Warn("work wake-up publish failed", "queue_id", entry.ID, "error", err)
	}
	return nil
}

// Lease leases the next runnable entry for workerID. Returns nil when no
// entry is leasable.
func (q *Queue) Lease(ctx context.Context, workerID string) (*store.QueueEntry, error) {
	entry, err := q.store.LeaseNext(ctx, workerID, q.LeaseStaleAfter)
	if err != nil {
		metrics.RecordLease("error")
		return nil, err
	}
	if entry == nil {
		metrics.RecordLease("empty")
		return nil, nil
	}
	metrics.RecordLease("leased")
	return entry, nil
}

// Complete marks the entry terminal and releases the task lock.
func (q *Queue) Complete(ctx context.Context, queueID int64, status store.QueueStatus) error {
	return q.store.CompleteEntry(ctx, queueID, status)
}

// Heartbeat refreshes a running lease.
func (q *Queue) Heartbeat(ctx context.Context, queueID int64) error {
	return q.store.Heartbeat(ctx, queueID)
}

// SweepStaleLeases reclaims leases whose executor stopped heartbeating.
// Called periodically by the maintenance loop.
func (q *Queue) SweepStaleLeases(ctx context.Context) (int, error) {
	ids, err := q.store.ReleaseStaleLeases(ctx, q.LeaseStaleAfter)
	if err != nil {
		return 0, err
	}
	if len(ids) > 0 {
		q.logger.Warn("reclaimed stale leases", "queue_ids", ids)
		metrics.RecordStaleLocksSwept(len(ids))
	}
	return len(ids), nil
}
