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

// Package inbox resolves pending human validations. It polls the tracker for
// replies to outstanding validation requests, authorizes and classifies them,
// records the response and hands resumption back to the queue. It also owns
// reminders and expiry for validations nobody answers.
package inbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mechanic-dev/mechanic/internal/codegen"
	"github.com/mechanic-dev/mechanic/internal/log"
	"github.com/mechanic-dev/mechanic/internal/metrics"
	"github.com/mechanic-dev/mechanic/internal/notify"
	"github.com/mechanic-dev/mechanic/internal/queue"
	"github.com/mechanic-dev/mechanic/internal/store"
	"github.com/mechanic-dev/mechanic/internal/tracker"
	"github.com/mechanic-dev/mechanic/pkg/errors"
)

// reminderFraction is how far into the validation window the reminder fires.
const reminderFraction = 0.8

// abandonAfterRejections is the lineage rejection count that abandons a
// ticket instead of retrying.
const abandonAfterRejections = 3

// Config bounds the inbox poll loop.
type Config struct {
	// PollInterval is the base poll cadence; the loop backs off toward
	// PollMaxInterval while nothing is happening and snaps back on activity.
	PollInterval    time.Duration
	PollMaxInterval time.Duration

	// AgentHandle is this daemon's tracker identity, used to skip its own
	// updates.
	AgentHandle string
}

// Inbox drives pending validations to resolution.
type Inbox struct {
	store    store.Store
	tracker  tracker.Client
	queue    *queue.Queue
	gen      codegen.Client
	notifier *notify.Notifier
	logger   *slog.Logger
	cfg      Config
}

// New builds an Inbox.
func New(s store.Store, tc tracker.Client, q *queue.Queue, gen codegen.Client, n *notify.Notifier, logger *slog.Logger, cfg Config) *Inbox {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.PollMaxInterval == 0 {
		cfg.PollMaxInterval = 2 * time.Minute
	}
	if cfg.AgentHandle == "" {
		cfg.AgentHandle = "mechanic"
	}
	return &Inbox{
		store:    s,
		tracker:  tc,
		queue:    q,
		gen:      gen,
		notifier: n,
		logger:   logger,
		cfg:      cfg,
	}
}

// Run polls until ctx is cancelled. The interval doubles while sweeps find
// nothing and resets on any activity, so an idle deployment barely touches
// the tracker.
func (in *Inbox) Run(ctx context.Context) error {
	interval := in.cfg.PollInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		active, err := in.Sweep(ctx)
		if err != nil {
			in.logger.Warn("inbox sweep failed", log.Error(err))
		}
		if active {
			interval = in.cfg.PollInterval
		} else if interval < in.cfg.PollMaxInterval {
			interval *= 2
			if interval > in.cfg.PollMaxInterval {
				interval = in.cfg.PollMaxInterval
			}
		}
		timer.Reset(interval)
	}
}

// Sweep processes every pending validation once. Returns whether anything
// happened.
func (in *Inbox) Sweep(ctx context.Context) (bool, error) {
	pending, err := in.store.ListPendingValidations(ctx)
	if err != nil {
		return false, err
	}
	metrics.SetValidationsOpen(len(pending))

	active := false
	for _, v := range pending {
		acted, err := in.processValidation(ctx, v)
		if err != nil {
			in.logger.Warn("failed to process validation",
				log.ValidationIDKey, v.ValidationID, log.Error(err))
			continue
		}
		active = active || acted
	}
	return active, nil
}

func (in *Inbox) processValidation(ctx context.Context, v *store.HumanValidation) (bool, error) {
	now := time.Now().UTC()
	task, err := in.store.GetTask(ctx, v.TaskID)
	if err != nil {
		return false, err
	}

	if now.After(v.ExpiresAt) {
		return true, in.expire(ctx, v, task)
	}

	if v.ReminderSentAt == nil && now.After(reminderDue(v)) {
		if err := in.remind(ctx, v, task); err != nil {
			in.logger.Warn("reminder failed", log.ValidationIDKey, v.ValidationID, log.Error(err))
		}
	}

	updates, err := in.tracker.ListUpdates(ctx, task.ExternalItemID)
	if err != nil {
		return false, err
	}
	seen, err := in.seenReplies(ctx, v)
	if err != nil {
		return false, err
	}

	// Listings are newest first; replies are handled in the order people
	// wrote them.
	acted := false
	for i := len(updates) - 1; i >= 0; i-- {
		u := updates[i]
		if u.InReplyTo != v.TrackerUpdateID {
			continue
		}
		if strings.EqualFold(u.AuthorName, in.cfg.AgentHandle) {
			continue
		}
		if _, ok := seen[u.ID]; ok {
			continue
		}
		resolved, err := in.handleReply(ctx, v, task, u)
		if err != nil {
			return acted, err
		}
		acted = true
		if resolved {
			break
		}
	}
	return acted, nil
}

func reminderDue(v *store.HumanValidation) time.Time {
	window := v.ExpiresAt.Sub(v.CreatedAt)
	return v.CreatedAt.Add(time.Duration(float64(window) * reminderFraction))
}

func (in *Inbox) seenReplies(ctx context.Context, v *store.HumanValidation) (map[string]struct{}, error) {
	responses, err := in.store.ListResponses(ctx, v.ID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(responses))
	for _, r := range responses {
		seen[r.ResponseUpdateID] = struct{}{}
	}
	return seen, nil
}

// handleReply ingests one reply. Returns whether it resolved the validation.
func (in *Inbox) handleReply(ctx context.Context, v *store.HumanValidation, task *store.Task, u *tracker.Update) (bool, error) {
	logger := in.logger.With(log.ValidationIDKey, v.ValidationID, log.TaskIDKey, task.ID)

	if !authorized(v, u, logger) {
		return false, in.rejectUnauthorized(ctx, v, task, u)
	}

	cls := in.classify(ctx, v, u)

	resp := &store.ValidationResponse{
		ValidationID:              v.ID,
		Comments:                  u.Body,
		ResponseUpdateID:          u.ID,
		AuthorID:                  u.AuthorID,
		AuthorEmail:               u.AuthorEmail,
		AuthorName:                u.AuthorName,
		ValidationDurationSeconds: u.CreatedAt.Sub(v.CreatedAt).Seconds(),
	}

	switch cls.Intent {
	case IntentApprove:
		resp.ResponseStatus = store.ValidationStatusApproved
		resp.ShouldMerge = cls.ShouldMerge
		resp.ShouldContinueWorkflow = true
		if err := in.insertResponse(ctx, resp); err != nil {
			return false, err
		}
		if err := in.store.UpdateValidationStatus(ctx, v.ID, store.ValidationStatusApproved); err != nil {
			return false, err
		}
		metrics.RecordValidationOutcome("approved")
		logger.Info("validation approved", "author", u.AuthorName, "should_merge", cls.ShouldMerge)
		return true, in.enqueueResume(ctx, v, task, "approved", "", cls.ShouldMerge)

	case IntentReject:
		resp.ResponseStatus = store.ValidationStatusRejected
		resp.ModificationInstructions = cls.Instructions
		if err := in.insertResponse(ctx, resp); err != nil {
			return false, err
		}

		rejections, err := in.store.LineageRejectionCount(ctx, v.ID)
		if err != nil {
			return false, err
		}
		if rejections >= abandonAfterRejections {
			if err := in.store.UpdateValidationStatus(ctx, v.ID, store.ValidationStatusAbandoned); err != nil {
				return false, err
			}
			metrics.RecordValidationOutcome("abandoned")
			logger.Warn("validation lineage abandoned", "rejections", rejections)
			in.notifier.Reply(ctx, task.ExternalItemID, v.TrackerUpdateID, fmt.Sprintf(
				"This change has been rejected %d times, so I am abandoning it. "+
					"Re-open the ticket or post a fresh update to start over.", rejections))
			return true, in.enqueueResume(ctx, v, task, "abandoned", "", false)
		}

		resp.ShouldRetryWorkflow = true
		if err := in.store.UpdateValidationStatus(ctx, v.ID, store.ValidationStatusRejected); err != nil {
			return false, err
		}
		metrics.RecordValidationOutcome("rejected")
		logger.Info("validation rejected", "author", u.AuthorName, "rejections", rejections)
		return true, in.enqueueResume(ctx, v, task, "rejected", cls.Instructions, false)

	case IntentAbandon:
		resp.ResponseStatus = store.ValidationStatusAbandoned
		if err := in.insertResponse(ctx, resp); err != nil {
			return false, err
		}
		if err := in.store.UpdateValidationStatus(ctx, v.ID, store.ValidationStatusAbandoned); err != nil {
			return false, err
		}
		metrics.RecordValidationOutcome("abandoned")
		logger.Info("validation abandoned by reviewer", "author", u.AuthorName)
		in.notifier.Reply(ctx, task.ExternalItemID, v.TrackerUpdateID,
			"Understood, abandoning this change. Post a fresh update to start over.")
		return true, in.enqueueResume(ctx, v, task, "abandoned", "", false)

	default:
		resp.ResponseStatus = store.ValidationStatusPending
		if err := in.insertResponse(ctx, resp); err != nil {
			return false, err
		}
		in.notifier.Reply(ctx, task.ExternalItemID, v.TrackerUpdateID,
			"I could not tell whether that was an approval or a rejection. "+
				"Please reply with **approve** or **reject** (with instructions).")
		logger.Info("unclear validation reply", "author", u.AuthorName)
		return false, nil
	}
}

// authorized checks the reply author against the stored creator identity.
// Id equality is preferred; email equality, case-insensitive, is the
// fallback. Mismatched ids can still be the same person seen through two
// identity providers, so the email fallback applies there too. When neither
// axis is comparable, anyone may respond; that downgrade is logged.
func authorized(v *store.HumanValidation, u *tracker.Update, logger *slog.Logger) bool {
	if v.CreatorID != "" && u.AuthorID != "" && u.AuthorID == v.CreatorID {
		return true
	}
	if v.CreatorEmail != "" && u.AuthorEmail != "" && strings.EqualFold(u.AuthorEmail, v.CreatorEmail) {
		return true
	}
	if v.CreatorID == "" && v.CreatorEmail == "" {
		logger.Warn("validation has no creator identity, accepting reply from anyone",
			"author", u.AuthorName)
		return true
	}
	return false
}

// rejectUnauthorized records the attempt and tells both parties once per
// offending reply.
func (in *Inbox) rejectUnauthorized(ctx context.Context, v *store.HumanValidation, task *store.Task, u *tracker.Update) error {
	if err := in.insertResponse(ctx, &store.ValidationResponse{
		ValidationID:     v.ID,
		ResponseStatus:   store.ValidationStatusPending,
		Comments:         u.Body,
		ResponseUpdateID: u.ID,
		AuthorID:         u.AuthorID,
		AuthorEmail:      u.AuthorEmail,
		AuthorName:       u.AuthorName,
	}); err != nil {
		return err
	}
	if err := in.store.IncrementUnauthorizedAttempts(ctx, v.ID); err != nil {
		return err
	}
	if err := in.store.InsertAudit(ctx, &store.AuditEntry{
		Actor:      u.AuthorID,
		Action:     "unauthorized_validation_reply",
		Resource:   "validation",
		ResourceID: v.ValidationID,
		Severity:   store.SeverityMedium,
		Details:    map[string]any{"author_name": u.AuthorName, "update_id": u.ID},
	}); err != nil {
		return err
	}
	metrics.RecordUnauthorizedReply()

	in.notifier.Reply(ctx, task.ExternalItemID, v.TrackerUpdateID, fmt.Sprintf(
		"%s only %s can respond to this validation request. %s your review is still needed.",
		notify.Mention(u.AuthorID, u.AuthorName),
		v.CreatorName,
		notify.Mention(v.CreatorID, v.CreatorName)))

	in.logger.Warn("unauthorized validation reply",
		log.ValidationIDKey, v.ValidationID, "author", u.AuthorName)
	return nil
}

// insertResponse writes the reply row, treating the uniqueness violation of
// a concurrently ingested reply as already-done.
func (in *Inbox) insertResponse(ctx context.Context, resp *store.ValidationResponse) error {
	err := in.store.InsertResponse(ctx, resp)
	if errors.IsInvariant(err) {
		return nil
	}
	return err
}

// expire resolves a validation nobody answered in time.
func (in *Inbox) expire(ctx context.Context, v *store.HumanValidation, task *store.Task) error {
	if err := in.store.UpdateValidationStatus(ctx, v.ID, store.ValidationStatusExpired); err != nil {
		return err
	}
	metrics.RecordValidationOutcome("expired")
	in.notifier.Reply(ctx, task.ExternalItemID, v.TrackerUpdateID,
		"This validation request expired without a response, so the workflow has been stopped.")
	in.logger.Warn("validation expired",
		log.ValidationIDKey, v.ValidationID, log.TaskIDKey, task.ID)
	return in.enqueueResume(ctx, v, task, "timeout", "", false)
}

// remind nudges the creator when most of the window has elapsed.
func (in *Inbox) remind(ctx context.Context, v *store.HumanValidation, task *store.Task) error {
	remaining := time.Until(v.ExpiresAt).Round(time.Minute)
	in.notifier.Reply(ctx, task.ExternalItemID, v.TrackerUpdateID, fmt.Sprintf(
		"%s reminder: this validation request expires in about %s.",
		notify.Mention(v.CreatorID, v.CreatorName), remaining))
	return in.store.MarkReminderSent(ctx, v.ID)
}

// enqueueResume hands the resolved validation back to the queue so a worker
// resumes the suspended run.
func (in *Inbox) enqueueResume(ctx context.Context, v *store.HumanValidation, task *store.Task, decision, instructions string, shouldMerge bool) error {
	return in.queue.Enqueue(ctx, &store.QueueEntry{
		Source:         task.Source,
		ExternalItemID: task.ExternalItemID,
		TaskID:         &task.ID,
		Kind:           store.EntryKindResume,
		Status:         store.QueueStatusPending,
		Priority:       task.Priority,
		Payload: map[string]any{
			"validation_key": v.ValidationID,
			"decision":       decision,
			"instructions":   instructions,
			"should_merge":   shouldMerge,
		},
		EnqueuedAt: time.Now().UTC(),
	})
}
