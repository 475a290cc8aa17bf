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

package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/mechanic-dev/mechanic/internal/metrics"
	"github.com/mechanic-dev/mechanic/internal/store"
	"github.com/mechanic-dev/mechanic/pkg/errors"
)

// Decision is the outcome of a reactivation check. The checks run in a fixed
// order, so the returned decision is the first guard that refused.
type Decision string

const (
	DecisionAllowed       Decision = "allowed"
	DecisionLocked        Decision = "locked"
	DecisionInCooldown    Decision = "in_cooldown"
	DecisionMaxReached    Decision = "max_reached"
	DecisionAlreadyActive Decision = "already_active"
)

// Guard applies the reactivation policy for a task.
type Guard struct {
	store  store.Store
	logger *slog.Logger

	// LockStaleAfter is the lock freshness horizon. A lock older than this
	// is treated as abandoned.
	LockStaleAfter time.Duration

	// MaxReactivations bounds reactivations per task lifetime.
	MaxReactivations int
}

// NewGuard builds a Guard with the standard policy bounds.
func NewGuard(s store.Store, logger *slog.Logger, lockStaleAfter time.Duration, maxReactivations int) *Guard {
	if lockStaleAfter == 0 {
		lockStaleAfter = 30 * time.Minute
	}
	if maxReactivations == 0 {
		maxReactivations = 5
	}
	return &Guard{
		store:            s,
		logger:           logger,
		LockStaleAfter:   lockStaleAfter,
		MaxReactivations: maxReactivations,
	}
}

// TryReactivate runs the guard checks in order and, when all pass, begins
// the reactivation atomically. The run is nil unless the decision is
// allowed. Check order is part of the contract: an over-limit task in
// cooldown reports in_cooldown, not max_reached.
func (g *Guard) TryReactivate(ctx context.Context, taskID int64, trigger *store.ReactivationStart) (Decision, *store.Run, error) {
	task, err := g.store.GetTask(ctx, taskID)
	if err != nil {
		return "", nil, err
	}

	decision := g.check(task, time.Now().UTC())
	if decision != DecisionAllowed {
		metrics.RecordReactivationDecision(string(decision))
		g.recordRefusal(ctx, task, trigger, decision)
		return decision, nil, nil
	}

	trigger.TaskID = taskID
	run, err := g.store.BeginReactivation(ctx, trigger)
	if err != nil {
		if errors.IsInvariant(err) {
			// Lost the race: a duplicate trigger or a concurrent lock.
			g.logger.Info("reactivation lost race",
				"task_id", taskID, "update_id", trigger.UpdateID, "error", err)
			metrics.RecordReactivationDecision(string(DecisionLocked))
			return DecisionLocked, nil, nil
		}
		return "", nil, err
	}

	metrics.RecordReactivationDecision(string(DecisionAllowed))
	return DecisionAllowed, run, nil
}

// check evaluates the guards against a task snapshot.
func (g *Guard) check(task *store.Task, now time.Time) Decision {
	if !task.InternalStatus.Terminal() {
		return DecisionAlreadyActive
	}
	if task.IsLocked && task.LockedAt != nil && now.Sub(*task.LockedAt) < g.LockStaleAfter {
		return DecisionLocked
	}
	// A cooldown with exactly zero seconds remaining permits reactivation.
	if task.CooldownUntil != nil && task.CooldownUntil.After(now) {
		return DecisionInCooldown
	}
	if task.ReactivationCount >= g.MaxReactivations {
		return DecisionMaxReached
	}
	return DecisionAllowed
}

// recordRefusal writes the failed reactivation audit row and applies the
// escalating cooldown.
func (g *Guard) recordRefusal(ctx context.Context, task *store.Task, trigger *store.ReactivationStart, decision Decision) {
	rec := &store.ReactivationRecord{
		TaskID:      task.ID,
		TriggerType: trigger.TriggerType,
		UpdateID:    trigger.UpdateID,
		UpdateData:  trigger.UpdateData,
		Status:      store.ReactivationStatusFailed,
		Error:       string(decision),
	}
	ts := time.Now().UTC()
	rec.CompletedAt = &ts
	if err := g.store.InsertReactivationRecord(ctx, rec); err != nil {
		g.logger.Error("failed to record refused reactivation", "task_id", task.ID, "error", err)
	}

	attempts := task.FailedReactivationAttempts + 1
	cdType, window := CooldownFor(attempts)
	cd := &store.Cooldown{
		TaskID:         task.ID,
		Until:          ts.Add(window),
		Type:           cdType,
		FailedAttempts: attempts,
		Metadata:       map[string]any{"decision": string(decision)},
	}
	if err := g.store.SetCooldown(ctx, cd); err != nil {
		g.logger.Error("failed to set cooldown", "task_id", task.ID, "error", err)
	}
}

// CooldownFor maps a failed attempt count onto the escalating cooldown
// ladder: normal for the first two, aggressive through the fourth, then
// exponential backoff capped at an hour.
func CooldownFor(failedAttempts int) (store.CooldownType, time.Duration) {
	switch {
	case failedAttempts <= 2:
		return store.CooldownNormal, 5 * time.Minute
	case failedAttempts <= 4:
		return store.CooldownAggressive, 15 * time.Minute
	default:
		window := 5 * time.Duration(1<<uint(failedAttempts)) * time.Minute
		if window > time.Hour {
			window = time.Hour
		}
		return store.CooldownBackoff, window
	}
}
