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
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mechanic-dev/mechanic/internal/queue"
	"github.com/mechanic-dev/mechanic/internal/store"
	"github.com/mechanic-dev/mechanic/internal/store/sqlite"
	"github.com/mechanic-dev/mechanic/internal/tracker"
	"github.com/mechanic-dev/mechanic/internal/transport"
)

const hookSecret = "hook-secret"

type fakeTracker struct {
	items map[string]*tracker.Item
	// updates maps item id to its listing, newest first.
	updates map[string][]*tracker.Update
}

func (f *fakeTracker) GetItem(ctx context.Context, itemID string) (*tracker.Item, error) {
	item, ok := f.items[itemID]
	if !ok {
		return nil, fmt.Errorf("item %s not found", itemID)
	}
	return item, nil
}

func (f *fakeTracker) ListUpdates(ctx context.Context, itemID string) ([]*tracker.Update, error) {
	return f.updates[itemID], nil
}

func (f *fakeTracker) PostUpdate(ctx context.Context, itemID, body, inReplyTo string) (string, error) {
	return "u-1", nil
}

func (f *fakeTracker) SetColumn(ctx context.Context, itemID, column string) error { return nil }

type serverHarness struct {
	store   *sqlite.Backend
	handler http.Handler
	tracker *fakeTracker
}

func newServerHarness(t *testing.T, cfg Config) *serverHarness {
	t.Helper()
	backend, err := sqlite.New(sqlite.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tr := &fakeTracker{items: map[string]*tracker.Item{}, updates: map[string][]*tracker.Update{}}
	q := queue.New(backend, transport.NewMemory(0), logger, 0)
	srv := NewServer(backend, q, tr, logger, cfg)
	return &serverHarness{store: backend, handler: srv.Handler(), tracker: tr}
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (h *serverHarness) post(path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func TestWebhookAccepted(t *testing.T) {
	h := newServerHarness(t, Config{Secret: hookSecret, AuthSecretKey: "admin-secret"})
	body := []byte(`{"event_type": "item.updated"}`)

	rec := h.post("/webhook/tracker", body, map[string]string{
		"X-Signature":   sign(hookSecret, body),
		"X-Event-Type":  "item.updated",
		"X-Delivery-ID": "d-1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Contains(t, resp, "id")

	events, err := h.store.ListUnprocessedEvents(context.Background(), 5, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "tracker", events[0].Source)
	assert.Equal(t, "item.updated", events[0].EventType)
	assert.Equal(t, body, events[0].Payload)
	assert.Equal(t, "d-1", events[0].Headers["X-Delivery-ID"])
}

func TestWebhookSignaturePrefix(t *testing.T) {
	h := newServerHarness(t, Config{Secret: hookSecret})
	body := []byte(`{}`)

	rec := h.post("/webhook/tracker", body, map[string]string{
		"X-Signature": "sha256=" + sign(hookSecret, body),
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	h := newServerHarness(t, Config{Secret: hookSecret})
	body := []byte(`{}`)

	tests := []struct {
		name      string
		signature string
	}{
		{"wrong secret", sign("other-secret", body)},
		{"not hex", "zzzz"},
		{"missing", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.post("/webhook/tracker", body, map[string]string{"X-Signature": tt.signature})
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}

	events, err := h.store.ListUnprocessedEvents(context.Background(), 5, 10)
	require.NoError(t, err)
	assert.Empty(t, events, "rejected deliveries must not be persisted")
}

func TestWebhookTooLarge(t *testing.T) {
	h := newServerHarness(t, Config{Secret: hookSecret, MaxBodyBytes: 64})
	body := []byte(strings.Repeat("x", 65))

	rec := h.post("/webhook/tracker", body, map[string]string{
		"X-Signature": sign(hookSecret, body),
	})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestRunWorkflowRequiresToken(t *testing.T) {
	h := newServerHarness(t, Config{Secret: hookSecret, AuthSecretKey: "admin-secret"})

	rec := h.post("/workflow/run", []byte(`{"source":"tracker","external_item_id":"it-1"}`), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.post("/workflow/run", []byte(`{}`), map[string]string{"Authorization": "Bearer garbage"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRunWorkflowCreatesAndEnqueues(t *testing.T) {
	h := newServerHarness(t, Config{Secret: hookSecret, AuthSecretKey: "admin-secret"})
	h.tracker.items["it-1"] = &tracker.Item{
		ID:            "it-1",
		Title:         "Fix the flaky importer",
		Description:   "importer drops rows",
		Priority:      3,
		RepositoryURL: "https://forge.test/repo.git",
		OwnerID:       "user-1",
		OwnerName:     "Pat",
	}

	token, err := NewTokenAuthority("admin-secret", 0).Issue("ops")
	require.NoError(t, err)

	rec := h.post("/workflow/run",
		[]byte(`{"source":"tracker","external_item_id":"it-1"}`),
		map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	ctx := context.Background()
	task, err := h.store.GetTaskByExternalID(ctx, "tracker", "it-1")
	require.NoError(t, err)
	assert.Equal(t, "Fix the flaky importer", task.Title)
	assert.Equal(t, store.TaskStatusPending, task.InternalStatus)
	assert.Equal(t, "user-1", task.CreatorID)

	entry, err := h.store.LeaseNext(ctx, "worker-1", 30*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, store.EntryKindStart, entry.Kind)
	require.NotNil(t, entry.TaskID)
	assert.Equal(t, task.ID, *entry.TaskID)

	audits, err := h.store.ListAudit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, "manual_workflow_run", audits[0].Action)
	assert.Equal(t, "ops", audits[0].Actor)
}

func TestRunWorkflowInlineBody(t *testing.T) {
	h := newServerHarness(t, Config{Secret: hookSecret, AuthSecretKey: "admin-secret"})
	token, err := NewTokenAuthority("admin-secret", 0).Issue("ops")
	require.NoError(t, err)

	// No tracker item is seeded: the inline fields must be enough.
	rec := h.post("/workflow/run",
		[]byte(`{"external_item_id":"it-inline","title":"Speed up the importer",`+
			`"description":"batch the inserts","repository_url":"https://forge.test/repo.git","priority":4}`),
		map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	ctx := context.Background()
	task, err := h.store.GetTaskByExternalID(ctx, "tracker", "it-inline")
	require.NoError(t, err)
	assert.Equal(t, "Speed up the importer", task.Title)
	assert.Equal(t, "batch the inserts", task.Description)
	assert.Equal(t, "https://forge.test/repo.git", task.RepositoryURL)
	assert.Equal(t, 4, task.Priority)
	assert.Equal(t, store.TaskStatusPending, task.InternalStatus)

	entry, err := h.store.LeaseNext(ctx, "worker-1", 30*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, store.EntryKindStart, entry.Kind)
}

func TestRunWorkflowMissingItemID(t *testing.T) {
	h := newServerHarness(t, Config{Secret: hookSecret, AuthSecretKey: "admin-secret"})
	token, err := NewTokenAuthority("admin-secret", 0).Issue("ops")
	require.NoError(t, err)

	rec := h.post("/workflow/run",
		[]byte(`{"title":"no item id"}`),
		map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunWorkflowUnknownItem(t *testing.T) {
	h := newServerHarness(t, Config{Secret: hookSecret, AuthSecretKey: "admin-secret"})
	token, err := NewTokenAuthority("admin-secret", 0).Issue("ops")
	require.NoError(t, err)

	rec := h.post("/workflow/run",
		[]byte(`{"source":"tracker","external_item_id":"missing"}`),
		map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkflowStatus(t *testing.T) {
	h := newServerHarness(t, Config{Secret: hookSecret})
	ctx := context.Background()

	task := &store.Task{Source: "tracker", ExternalItemID: "it-status", Title: "t"}
	require.NoError(t, h.store.CreateTask(ctx, task))

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/workflow/status/%d", task.ID), nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "pending", out["status"])
	assert.Equal(t, float64(0), out["progress_pct"])

	req = httptest.NewRequest(http.MethodGet, "/workflow/status/9999", nil)
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	h := newServerHarness(t, Config{Secret: hookSecret})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTokenAuthority(t *testing.T) {
	auth := NewTokenAuthority("key-1", time.Minute)

	token, err := auth.Issue("ops")
	require.NoError(t, err)

	subject, err := auth.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "ops", subject)

	_, err = NewTokenAuthority("key-2", time.Minute).Verify(token)
	assert.Error(t, err, "token signed with another key must not verify")

	_, err = auth.Verify("not-a-token")
	assert.Error(t, err)
}
