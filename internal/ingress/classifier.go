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

package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/itchyny/gojq"

	"github.com/mechanic-dev/mechanic/internal/log"
	"github.com/mechanic-dev/mechanic/internal/queue"
	"github.com/mechanic-dev/mechanic/internal/store"
	"github.com/mechanic-dev/mechanic/internal/tracker"
	"github.com/mechanic-dev/mechanic/pkg/errors"
)

// Extraction queries tolerate the envelope shapes different tracker
// deployments deliver.
var (
	qEventType = mustQuery(`.event_type // .type // "unknown"`)
	qItem      = mustQuery(`.item // .data.item`)
	qUpdate    = mustQuery(`.update // .data.update`)
)

func mustQuery(src string) *gojq.Code {
	q, err := gojq.Parse(src)
	if err != nil {
		panic(fmt.Sprintf("ingress: bad extraction query %q: %v", src, err))
	}
	code, err := gojq.Compile(q)
	if err != nil {
		panic(fmt.Sprintf("ingress: bad extraction query %q: %v", src, err))
	}
	return code
}

// ClassifierConfig bounds the classification sweep.
type ClassifierConfig struct {
	// AgentHandle is the mention that triggers the agent.
	AgentHandle string

	// Interval is the sweep period.
	Interval time.Duration

	// MaxAttempts bounds classification retries per event.
	MaxAttempts int

	// BatchSize bounds events per sweep.
	BatchSize int
}

// Classifier turns raw webhook events into tasks, queue entries and
// reactivations. It owns the trigger rule: the agent acts only when its
// handle is mentioned, except for status-change reactivations.
type Classifier struct {
	store   store.Store
	tracker tracker.Client
	queue   *queue.Queue
	guard   *queue.Guard
	logger  *slog.Logger
	cfg     ClassifierConfig

	// owner identifies this classifier as a short-lived lock holder during
	// reactivation begins.
	owner string
}

// NewClassifier builds a Classifier.
func NewClassifier(s store.Store, tc tracker.Client, q *queue.Queue, g *queue.Guard, logger *slog.Logger, cfg ClassifierConfig) *Classifier {
	if cfg.AgentHandle == "" {
		cfg.AgentHandle = "mechanic"
	}
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 50
	}
	return &Classifier{
		store:   s,
		tracker: tc,
		queue:   q,
		guard:   g,
		logger:  logger,
		cfg:     cfg,
		owner:   "classifier",
	}
}

// Run sweeps pending events until ctx is cancelled.
func (c *Classifier) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if _, err := c.SweepOnce(ctx); err != nil {
			c.logger.Warn("classification sweep failed", log.Error(err))
		}
	}
}

// SweepOnce classifies one batch of pending events. Returns how many it
// handled.
func (c *Classifier) SweepOnce(ctx context.Context) (int, error) {
	events, err := c.store.ListUnprocessedEvents(ctx, c.cfg.MaxAttempts, c.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	handled := 0
	for _, ev := range events {
		if err := c.store.BumpEventAttempts(ctx, ev.ID); err != nil {
			return handled, err
		}
		ev.Attempts++

		if err := c.classifyEvent(ctx, ev); err != nil {
			c.eventError(ctx, ev, err)
			continue
		}
		handled++
	}
	return handled, nil
}

// eventError resolves a classification failure: malformed input is marked
// invalid, transient trouble stays pending until the attempt budget runs out.
func (c *Classifier) eventError(ctx context.Context, ev *store.WebhookEvent, cause error) {
	logger := c.logger.With("event_id", ev.ID, log.SourceKey, ev.Source)

	switch {
	case errors.IsInput(cause):
		logger.Warn("webhook event is malformed", log.Error(cause))
		c.markEvent(ctx, ev.ID, store.EventStatusInvalid, nil)
	case ev.Attempts >= c.cfg.MaxAttempts:
		logger.Error("webhook event exhausted classification attempts", log.Error(cause))
		c.markEvent(ctx, ev.ID, store.EventStatusFailed, nil)
	default:
		logger.Warn("webhook event classification failed, will retry", log.Error(cause))
	}
}

func (c *Classifier) markEvent(ctx context.Context, id int64, status store.EventStatus, taskID *int64) {
	if err := c.store.MarkEventProcessed(ctx, id, status, taskID); err != nil {
		c.logger.Error("failed to mark event processed", "event_id", id, log.Error(err))
	}
}

// classifyEvent decides what one event means: a new task, a reactivation, or
// nothing.
func (c *Classifier) classifyEvent(ctx context.Context, ev *store.WebhookEvent) error {
	eventType, item, update, err := extract(ev.Payload)
	if err != nil {
		return err
	}
	if item == nil || item.ID == "" {
		return &errors.InputError{Field: "item", Message: "event carries no item"}
	}

	task, err := c.store.GetTaskByExternalID(ctx, ev.Source, item.ID)
	if errors.IsNotFound(err) {
		return c.classifyNewItem(ctx, ev, eventType, item, update)
	}
	if err != nil {
		return err
	}

	if !task.InternalStatus.Terminal() {
		// An active task is already being worked; validation replies are the
		// inbox's business and anything else is noise.
		c.markEvent(ctx, ev.ID, store.EventStatusProcessed, &task.ID)
		return nil
	}
	return c.classifyReactivation(ctx, ev, eventType, task, update)
}

// classifyNewItem creates a task when the event triggers the agent. Webhook
// payloads are often partial, so the full item is fetched from the tracker
// and its update listing is scanned for the triggering update.
func (c *Classifier) classifyNewItem(ctx context.Context, ev *store.WebhookEvent, eventType string, item *tracker.Item, update *tracker.Update) error {
	if full, err := c.tracker.GetItem(ctx, item.ID); err != nil {
		c.logger.Warn("item fetch failed, classifying from payload",
			"item_id", item.ID, log.Error(err))
	} else if full != nil && full.ID != "" {
		item = full
	}

	trigger := c.triggerUpdate(ctx, item.ID, update)
	triggerText := item.Description
	if trigger != nil && trigger.Body != "" {
		triggerText = trigger.Body
	}
	if !c.mentioned(triggerText) {
		c.markEvent(ctx, ev.ID, store.EventStatusProcessed, nil)
		return nil
	}

	// The triggering update's author is the creator identity; the ticket
	// owner is only a fallback.
	creatorID, creatorName := item.OwnerID, item.OwnerName
	if trigger != nil && trigger.AuthorID != "" {
		creatorID, creatorName = trigger.AuthorID, trigger.AuthorName
	} else if trigger != nil {
		c.logger.Warn("trigger update has no author, falling back to item owner",
			"item_id", item.ID, "owner", item.OwnerName)
	}

	task := &store.Task{
		Source:         ev.Source,
		ExternalItemID: item.ID,
		Title:          item.Title,
		Description:    item.Description,
		Priority:       item.Priority,
		RepositoryURL:  item.RepositoryURL,
		DefaultBranch:  item.DefaultBranch,
		InternalStatus: store.TaskStatusPending,
		TrackerStatus:  item.Status,
		CreatorID:      creatorID,
		CreatorName:    creatorName,
	}
	if err := c.store.CreateTask(ctx, task); err != nil {
		return err
	}

	entry := &store.QueueEntry{
		Source:         ev.Source,
		ExternalItemID: item.ID,
		TaskID:         &task.ID,
		Kind:           store.EntryKindStart,
		Status:         store.QueueStatusPending,
		Priority:       task.Priority,
		Payload:        map[string]any{"trigger_text": triggerText},
		EnqueuedAt:     time.Now().UTC(),
	}
	if err := c.queue.Enqueue(ctx, entry); err != nil {
		return err
	}

	c.logger.Info("task created from webhook",
		log.TaskIDKey, task.ID, "item_id", item.ID, log.SourceKey, ev.Source, "type", eventType)
	c.markEvent(ctx, ev.ID, store.EventStatusProcessed, &task.ID)
	return nil
}

// classifyReactivation runs the guard for an event on a terminal task. An
// update must mention the agent; a status change needs no mention. The
// reactivating author becomes the task's creator so validation replies route
// to the person who asked for the rework.
func (c *Classifier) classifyReactivation(ctx context.Context, ev *store.WebhookEvent, eventType string, task *store.Task, update *tracker.Update) error {
	triggerType := store.TriggerTypeUpdate
	updateID := ""
	triggerText := ""
	updateData := map[string]any{}
	creatorID, creatorName := "", ""

	switch {
	case strings.Contains(eventType, "status"):
		triggerType = store.TriggerTypeStatusChange
		if update != nil {
			updateID = update.ID
		}
	default:
		trigger := c.triggerUpdate(ctx, task.ExternalItemID, update)
		if trigger == nil || !c.mentioned(trigger.Body) {
			c.markEvent(ctx, ev.ID, store.EventStatusProcessed, &task.ID)
			return nil
		}
		updateID = trigger.ID
		triggerText = trigger.Body
		updateData = map[string]any{
			"author_id":   trigger.AuthorID,
			"author_name": trigger.AuthorName,
			"body":        trigger.Body,
		}
		creatorID, creatorName = trigger.AuthorID, trigger.AuthorName
	}

	decision, run, err := c.guard.TryReactivate(ctx, task.ID, &store.ReactivationStart{
		Owner:       c.owner,
		TriggerType: triggerType,
		UpdateID:    updateID,
		UpdateData:  updateData,
		CreatorID:   creatorID,
		CreatorName: creatorName,
	})
	if err != nil {
		return err
	}
	if decision != queue.DecisionAllowed {
		c.logger.Info("reactivation refused",
			log.TaskIDKey, task.ID, "decision", string(decision))
		c.markEvent(ctx, ev.ID, store.EventStatusProcessed, &task.ID)
		return nil
	}

	entry := &store.QueueEntry{
		Source:         ev.Source,
		ExternalItemID: task.ExternalItemID,
		TaskID:         &task.ID,
		Kind:           store.EntryKindReactivation,
		Status:         store.QueueStatusPending,
		Priority:       task.Priority,
		Payload:        map[string]any{"trigger_text": triggerText, "run_id": run.ID},
		EnqueuedAt:     time.Now().UTC(),
	}
	if err := c.queue.Enqueue(ctx, entry); err != nil {
		return err
	}

	// BeginReactivation held the lock to serialize the start; hand it to the
	// leasing worker now that the entry exists. The processing status keeps
	// competing reactivations out in the gap.
	if err := c.store.ReleaseTaskLock(ctx, task.ID, c.owner); err != nil {
		c.logger.Warn("failed to release classifier lock", log.TaskIDKey, task.ID, log.Error(err))
	}

	c.logger.Info("task reactivated",
		log.TaskIDKey, task.ID, log.RunIDKey, run.ID, "trigger", string(triggerType))
	c.markEvent(ctx, ev.ID, store.EventStatusProcessed, &task.ID)
	return nil
}

// triggerUpdate finds the update that triggered the event, preferring the
// tracker's listing over the payload-embedded update. Listings are newest
// first, so the first mentioning update is the triggering one.
func (c *Classifier) triggerUpdate(ctx context.Context, itemID string, payload *tracker.Update) *tracker.Update {
	updates, err := c.tracker.ListUpdates(ctx, itemID)
	if err != nil {
		c.logger.Warn("update listing failed, falling back to payload update",
			"item_id", itemID, log.Error(err))
		return payload
	}
	for _, u := range updates {
		if c.mentioned(u.Body) {
			return u
		}
	}
	return payload
}

// mentioned reports whether text mentions the agent handle.
func (c *Classifier) mentioned(text string) bool {
	return strings.Contains(strings.ToLower(text), "@"+strings.ToLower(c.cfg.AgentHandle))
}

// extract pulls the envelope fields out of a raw payload.
func extract(payload []byte) (string, *tracker.Item, *tracker.Update, error) {
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return "", nil, nil, &errors.InputError{Field: "payload", Message: "not valid JSON", Cause: err}
	}

	eventType, _ := evalFirst(qEventType, doc).(string)

	var item *tracker.Item
	if v := evalFirst(qItem, doc); v != nil {
		item = &tracker.Item{}
		if err := reencode(v, item); err != nil {
			return "", nil, nil, &errors.InputError{Field: "item", Message: "malformed item", Cause: err}
		}
	}

	var update *tracker.Update
	if v := evalFirst(qUpdate, doc); v != nil {
		update = &tracker.Update{}
		if err := reencode(v, update); err != nil {
			return "", nil, nil, &errors.InputError{Field: "update", Message: "malformed update", Cause: err}
		}
	}
	return eventType, item, update, nil
}

// evalFirst runs a compiled query and returns its first non-error result.
func evalFirst(code *gojq.Code, doc any) any {
	iter := code.Run(doc)
	for {
		v, ok := iter.Next()
		if !ok {
			return nil
		}
		if _, isErr := v.(error); isErr {
			continue
		}
		return v
	}
}

func reencode(v, dst any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}
