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

// Package worker runs the lease-and-execute pool. Workers poll the queue and
// additionally wake on transport hints so new work starts without waiting a
// full poll interval. Each leased entry is heartbeated for the duration of
// its execution.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mechanic-dev/mechanic/internal/engine"
	"github.com/mechanic-dev/mechanic/internal/log"
	"github.com/mechanic-dev/mechanic/internal/metrics"
	"github.com/mechanic-dev/mechanic/internal/queue"
	"github.com/mechanic-dev/mechanic/internal/store"
	"github.com/mechanic-dev/mechanic/internal/transport"
)

// Config sizes the pool.
type Config struct {
	// Workers is the pool size.
	Workers int

	// PollInterval is the idle queue poll period.
	PollInterval time.Duration

	// HeartbeatInterval is the lease heartbeat period.
	HeartbeatInterval time.Duration
}

// Pool is the worker pool.
type Pool struct {
	store     store.Store
	queue     *queue.Queue
	engine    *engine.Engine
	transport transport.Transport
	logger    *slog.Logger
	cfg       Config

	wake chan struct{}
}

// New builds a Pool.
func New(s store.Store, q *queue.Queue, e *engine.Engine, t transport.Transport, logger *slog.Logger, cfg Config) *Pool {
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Pool{
		store:     s,
		queue:     q,
		engine:    e,
		transport: t,
		logger:    logger,
		cfg:       cfg,
		wake:      make(chan struct{}, 1),
	}
}

// Run starts the pool and blocks until ctx is cancelled and every worker has
// drained.
func (p *Pool) Run(ctx context.Context) error {
	host, _ := os.Hostname()
	if host == "" {
		host = "local"
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.consumeWakeups(ctx) })
	for i := 0; i < p.cfg.Workers; i++ {
		id := fmt.Sprintf("%s-%d-%d", host, os.Getpid(), i)
		g.Go(func() error { return p.worker(ctx, id) })
	}
	return g.Wait()
}

// consumeWakeups turns transport messages into a non-blocking nudge shared by
// all workers. Messages are hints; the queue is authoritative, so a dropped
// nudge costs at most one poll interval.
func (p *Pool) consumeWakeups(ctx context.Context) error {
	for {
		msg, err := p.transport.Consume(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err == transport.ErrClosed {
				return nil
			}
			p.logger.Warn("transport consume failed", log.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		p.logger.Debug("wake-up received", "kind", string(msg.Kind), log.QueueIDKey, msg.QueueID)
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
}

func (p *Pool) worker(ctx context.Context, id string) error {
	logger := p.logger.With(log.WorkerKey, id)
	logger.Info("worker started")

	for {
		if ctx.Err() != nil {
			logger.Info("worker stopping")
			return ctx.Err()
		}

		entry, err := p.queue.Lease(ctx, id)
		if err != nil {
			logger.Warn("lease failed", log.Error(err))
			entry = nil
		}
		if entry == nil {
			select {
			case <-ctx.Done():
				logger.Info("worker stopping")
				return ctx.Err()
			case <-p.wake:
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}

		p.execute(ctx, id, entry, logger)
	}
}

// execute drives one leased entry to its stopping point.
func (p *Pool) execute(ctx context.Context, id string, entry *store.QueueEntry, logger *slog.Logger) {
	metrics.WorkerStarted()
	defer metrics.WorkerStopped()
	logger = logger.With(log.QueueIDKey, entry.ID, "kind", string(entry.Kind))
	logger.Info("executing queue entry")

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go p.heartbeat(hbCtx, entry.ID, logger)

	err := p.engine.Execute(ctx, entry, id)
	stopHeartbeat()

	// A suspension parks the entry inside the suspension commit; completing
	// it here would clobber that state.
	current, getErr := p.store.GetEntry(ctx, entry.ID)
	if getErr != nil {
		logger.Error("failed to re-read queue entry", log.Error(getErr))
		return
	}
	if current.Status == store.QueueStatusWaitingValidation {
		logger.Info("queue entry parked on validation")
		return
	}
	if current.Status != store.QueueStatusRunning {
		// The sweep or an operator resolved it while we worked.
		logger.Warn("queue entry resolved externally", "status", string(current.Status))
		return
	}

	status := store.QueueStatusCompleted
	if err != nil {
		status = store.QueueStatusFailed
		logger.Error("queue entry execution failed", log.Error(err))
	}
	if err := p.queue.Complete(ctx, entry.ID, status); err != nil {
		logger.Error("failed to complete queue entry", log.Error(err))
		return
	}
	logger.Info("queue entry finished", "status", string(status))
}

func (p *Pool) heartbeat(ctx context.Context, queueID int64, logger *slog.Logger) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.Heartbeat(ctx, queueID); err != nil {
				logger.Warn("heartbeat failed", log.Error(err))
			}
		}
	}
}
