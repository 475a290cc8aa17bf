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
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mechanic-dev/mechanic/internal/queue"
	"github.com/mechanic-dev/mechanic/internal/store"
	"github.com/mechanic-dev/mechanic/internal/store/sqlite"
	"github.com/mechanic-dev/mechanic/internal/tracker"
	"github.com/mechanic-dev/mechanic/internal/transport"
	"github.com/mechanic-dev/mechanic/pkg/errors"
)

type classifierHarness struct {
	store      *sqlite.Backend
	tracker    *fakeTracker
	classifier *Classifier
}

func newClassifierHarness(t *testing.T) *classifierHarness {
	t.Helper()
	backend, err := sqlite.New(sqlite.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tr := &fakeTracker{items: map[string]*tracker.Item{}, updates: map[string][]*tracker.Update{}}
	q := queue.New(backend, transport.NewMemory(0), logger, 0)
	g := queue.NewGuard(backend, logger, 30*time.Minute, 5)
	return &classifierHarness{
		store:      backend,
		tracker:    tr,
		classifier: NewClassifier(backend, tr, q, g, logger, ClassifierConfig{AgentHandle: "mechanic"}),
	}
}

func (h *classifierHarness) insertEvent(t *testing.T, payload map[string]any) *store.WebhookEvent {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	ev := &store.WebhookEvent{Source: "tracker", EventType: "item.updated", Payload: raw}
	require.NoError(t, h.store.InsertEvent(context.Background(), ev))
	return ev
}

func itemPayload(itemID, description string) map[string]any {
	return map[string]any{
		"id":             itemID,
		"title":          "Fix the importer",
		"description":    description,
		"status":         "open",
		"priority":       2,
		"repository_url": "https://forge.test/repo.git",
		"owner_id":       "owner-1",
		"owner_name":     "Olive",
	}
}

func updatePayload(body string) map[string]any {
	return map[string]any{
		"id":          "u-77",
		"body":        body,
		"author_id":   "user-2",
		"author_name": "Quinn",
	}
}

func TestClassifierCreatesTaskOnMention(t *testing.T) {
	h := newClassifierHarness(t)
	ctx := context.Background()
	ev := h.insertEvent(t, map[string]any{
		"event_type": "item.comment",
		"item":       itemPayload("it-1", "importer drops rows"),
		"update":     updatePayload("@mechanic please fix this"),
	})

	handled, err := h.classifier.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, handled)

	task, err := h.store.GetTaskByExternalID(ctx, "tracker", "it-1")
	require.NoError(t, err)
	assert.Equal(t, "Fix the importer", task.Title)
	assert.Equal(t, store.TaskStatusPending, task.InternalStatus)
	// The triggering author, not the item owner, is the creator.
	assert.Equal(t, "user-2", task.CreatorID)
	assert.Equal(t, "Quinn", task.CreatorName)

	entry, err := h.store.LeaseNext(ctx, "worker-1", 30*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, store.EntryKindStart, entry.Kind)
	assert.Equal(t, "@mechanic please fix this", entry.Payload["trigger_text"])

	got, err := h.store.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.True(t, got.Processed)
	assert.Equal(t, store.EventStatusProcessed, got.ProcessingStatus)
	require.NotNil(t, got.RelatedTaskID)
	assert.Equal(t, task.ID, *got.RelatedTaskID)
}

func TestClassifierIgnoresWithoutMention(t *testing.T) {
	h := newClassifierHarness(t)
	ctx := context.Background()
	ev := h.insertEvent(t, map[string]any{
		"event_type": "item.comment",
		"item":       itemPayload("it-2", "importer drops rows"),
		"update":     updatePayload("nothing to see here"),
	})

	_, err := h.classifier.SweepOnce(ctx)
	require.NoError(t, err)

	_, err = h.store.GetTaskByExternalID(ctx, "tracker", "it-2")
	assert.True(t, errors.IsNotFound(err))

	got, err := h.store.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.True(t, got.Processed)
	assert.Nil(t, got.RelatedTaskID)
}

func TestClassifierDescriptionTrigger(t *testing.T) {
	h := newClassifierHarness(t)
	ctx := context.Background()

	// No update: the item description is the trigger text and the owner the
	// creator. Envelope uses the nested data shape.
	h.insertEvent(t, map[string]any{
		"type": "item.created",
		"data": map[string]any{
			"item": itemPayload("it-3", "@Mechanic take over the importer"),
		},
	})

	_, err := h.classifier.SweepOnce(ctx)
	require.NoError(t, err)

	task, err := h.store.GetTaskByExternalID(ctx, "tracker", "it-3")
	require.NoError(t, err)
	assert.Equal(t, "owner-1", task.CreatorID)
	assert.Equal(t, "Olive", task.CreatorName)
}

func TestClassifierMalformedPayload(t *testing.T) {
	h := newClassifierHarness(t)
	ctx := context.Background()

	ev := &store.WebhookEvent{Source: "tracker", Payload: []byte("not json")}
	require.NoError(t, h.store.InsertEvent(ctx, ev))
	noItem := h.insertEvent(t, map[string]any{"event_type": "ping"})

	handled, err := h.classifier.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, handled)

	got, err := h.store.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, store.EventStatusInvalid, got.ProcessingStatus)

	got, err = h.store.GetEvent(ctx, noItem.ID)
	require.NoError(t, err)
	assert.Equal(t, store.EventStatusInvalid, got.ProcessingStatus)
}

func TestClassifierActiveTaskIsNoise(t *testing.T) {
	h := newClassifierHarness(t)
	ctx := context.Background()

	task := &store.Task{Source: "tracker", ExternalItemID: "it-4", Title: "t"}
	require.NoError(t, h.store.CreateTask(ctx, task))

	ev := h.insertEvent(t, map[string]any{
		"event_type": "item.comment",
		"item":       itemPayload("it-4", ""),
		"update":     updatePayload("@mechanic do it again"),
	})

	_, err := h.classifier.SweepOnce(ctx)
	require.NoError(t, err)

	got, err := h.store.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.True(t, got.Processed)

	entry, err := h.store.LeaseNext(ctx, "worker-1", 30*time.Minute)
	require.NoError(t, err)
	assert.Nil(t, entry, "no entry may be enqueued for an active task")

	fresh, err := h.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, fresh.ReactivationCount)
}

// terminalTask seeds a task and walks it to failed so reactivation applies.
func (h *classifierHarness) terminalTask(t *testing.T, itemID string) *store.Task {
	t.Helper()
	ctx := context.Background()
	task := &store.Task{Source: "tracker", ExternalItemID: itemID, Title: "t"}
	require.NoError(t, h.store.CreateTask(ctx, task))
	require.NoError(t, h.store.TransitionTask(ctx, task.ID, store.TaskStatusFailed))
	return task
}

func TestClassifierReactivatesTerminalTask(t *testing.T) {
	h := newClassifierHarness(t)
	ctx := context.Background()
	task := h.terminalTask(t, "it-5")

	ev := h.insertEvent(t, map[string]any{
		"event_type": "item.comment",
		"item":       itemPayload("it-5", ""),
		"update":     updatePayload("@mechanic try again with smaller batches"),
	})

	handled, err := h.classifier.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, handled)

	fresh, err := h.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusProcessing, fresh.InternalStatus)
	assert.Equal(t, 1, fresh.ReactivationCount)
	// The classifier's serialization lock is handed back once the entry is in.
	assert.False(t, fresh.IsLocked)

	run, err := h.store.GetLatestRun(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, run.IsReactivation)

	entry, err := h.store.LeaseNext(ctx, "worker-1", 30*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, store.EntryKindReactivation, entry.Kind)
	assert.Equal(t, "@mechanic try again with smaller batches", entry.Payload["trigger_text"])
	assert.Equal(t, float64(run.ID), entry.Payload["run_id"])

	got, err := h.store.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.True(t, got.Processed)
}

func TestClassifierStatusChangeNeedsNoMention(t *testing.T) {
	h := newClassifierHarness(t)
	ctx := context.Background()
	task := h.terminalTask(t, "it-6")

	h.insertEvent(t, map[string]any{
		"event_type": "item.status_changed",
		"item":       itemPayload("it-6", ""),
	})

	handled, err := h.classifier.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, handled)

	fresh, err := h.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusProcessing, fresh.InternalStatus)
	assert.Equal(t, 1, fresh.ReactivationCount)
}

func TestClassifierReactivationRefusedInCooldown(t *testing.T) {
	h := newClassifierHarness(t)
	ctx := context.Background()
	task := h.terminalTask(t, "it-7")
	require.NoError(t, h.store.SetCooldown(ctx, &store.Cooldown{
		TaskID: task.ID,
		Until:  time.Now().UTC().Add(time.Hour),
		Type:   store.CooldownNormal,
	}))

	ev := h.insertEvent(t, map[string]any{
		"event_type": "item.comment",
		"item":       itemPayload("it-7", ""),
		"update":     updatePayload("@mechanic once more"),
	})

	handled, err := h.classifier.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, handled)

	fresh, err := h.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusFailed, fresh.InternalStatus)
	assert.Equal(t, 0, fresh.ReactivationCount)

	entry, err := h.store.LeaseNext(ctx, "worker-1", 30*time.Minute)
	require.NoError(t, err)
	assert.Nil(t, entry)

	got, err := h.store.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.True(t, got.Processed)
}

func TestClassifierFetchesFullItem(t *testing.T) {
	h := newClassifierHarness(t)
	ctx := context.Background()

	// The webhook delivers a bare item reference; the tracker holds the rest.
	h.tracker.items["it-8"] = &tracker.Item{
		ID:            "it-8",
		Title:         "Fix the importer",
		Description:   "importer drops rows on restart",
		Priority:      2,
		RepositoryURL: "https://forge.test/repo.git",
		DefaultBranch: "main",
		OwnerID:       "owner-1",
		OwnerName:     "Olive",
	}
	h.insertEvent(t, map[string]any{
		"event_type": "item.comment",
		"item":       map[string]any{"id": "it-8"},
		"update":     updatePayload("@mechanic please fix this"),
	})

	handled, err := h.classifier.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, handled)

	task, err := h.store.GetTaskByExternalID(ctx, "tracker", "it-8")
	require.NoError(t, err)
	assert.Equal(t, "Fix the importer", task.Title)
	assert.Equal(t, "importer drops rows on restart", task.Description)
	assert.Equal(t, "https://forge.test/repo.git", task.RepositoryURL)
	assert.Equal(t, 2, task.Priority)
}

func TestClassifierScansUpdatesForTrigger(t *testing.T) {
	h := newClassifierHarness(t)
	ctx := context.Background()

	// The delivered update carries no mention; the triggering update only
	// shows up in the tracker's listing.
	h.tracker.updates["it-9"] = []*tracker.Update{
		{ID: "u-88", Body: "@mechanic take this over", AuthorID: "user-3", AuthorName: "Rae"},
		{ID: "u-87", Body: "older chatter", AuthorID: "user-2", AuthorName: "Quinn"},
	}
	h.insertEvent(t, map[string]any{
		"event_type": "item.comment",
		"item":       itemPayload("it-9", "importer drops rows"),
		"update":     updatePayload("see the thread above"),
	})

	handled, err := h.classifier.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, handled)

	task, err := h.store.GetTaskByExternalID(ctx, "tracker", "it-9")
	require.NoError(t, err)
	assert.Equal(t, "user-3", task.CreatorID)
	assert.Equal(t, "Rae", task.CreatorName)

	entry, err := h.store.LeaseNext(ctx, "worker-1", 30*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "@mechanic take this over", entry.Payload["trigger_text"])
}

func TestClassifierReactivationAuthorPropagates(t *testing.T) {
	h := newClassifierHarness(t)
	ctx := context.Background()
	task := h.terminalTask(t, "it-10")

	h.tracker.updates["it-10"] = []*tracker.Update{
		{ID: "u-90", Body: "@mechanic try a smaller batch size", AuthorID: "user-3", AuthorName: "Rae"},
	}
	h.insertEvent(t, map[string]any{
		"event_type": "item.comment",
		"item":       itemPayload("it-10", ""),
		"update":     updatePayload("bump"),
	})

	handled, err := h.classifier.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, handled)

	fresh, err := h.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusProcessing, fresh.InternalStatus)
	assert.Equal(t, 1, fresh.ReactivationCount)
	// Validation replies must route to whoever asked for the rework.
	assert.Equal(t, "user-3", fresh.CreatorID)
	assert.Equal(t, "Rae", fresh.CreatorName)

	entry, err := h.store.LeaseNext(ctx, "worker-1", 30*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "@mechanic try a smaller batch size", entry.Payload["trigger_text"])
}

func TestMentioned(t *testing.T) {
	c := NewClassifier(nil, nil, nil, nil, slog.Default(), ClassifierConfig{AgentHandle: "Mechanic"})
	assert.True(t, c.mentioned("hey @mechanic, look at this"))
	assert.True(t, c.mentioned("@MECHANIC fix it"))
	assert.False(t, c.mentioned("the mechanic will fix it"))
	assert.False(t, c.mentioned(""))
}

func TestExtractEnvelopes(t *testing.T) {
	t.Run("flat", func(t *testing.T) {
		eventType, item, update, err := extract([]byte(
			`{"event_type": "item.comment", "item": {"id": "i-1"}, "update": {"id": "u-1"}}`))
		require.NoError(t, err)
		assert.Equal(t, "item.comment", eventType)
		require.NotNil(t, item)
		assert.Equal(t, "i-1", item.ID)
		require.NotNil(t, update)
		assert.Equal(t, "u-1", update.ID)
	})

	t.Run("nested data with type alias", func(t *testing.T) {
		eventType, item, _, err := extract([]byte(
			`{"type": "item.created", "data": {"item": {"id": "i-2"}}}`))
		require.NoError(t, err)
		assert.Equal(t, "item.created", eventType)
		require.NotNil(t, item)
		assert.Equal(t, "i-2", item.ID)
	})

	t.Run("unknown type", func(t *testing.T) {
		eventType, _, _, err := extract([]byte(`{"item": {"id": "i-3"}}`))
		require.NoError(t, err)
		assert.Equal(t, "unknown", eventType)
	})

	t.Run("not json", func(t *testing.T) {
		_, _, _, err := extract([]byte("nope"))
		require.Error(t, err)
		assert.True(t, errors.IsInput(err))
	})
}
