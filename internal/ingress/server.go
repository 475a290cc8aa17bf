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

// Package ingress is the daemon's HTTP surface: webhook intake, the admin
// API, health and metrics. The webhook handler does the minimum to answer
// inside the delivery deadline: verify the signature, persist the raw event,
// return. Everything else happens asynchronously in the classifier.
package ingress

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mechanic-dev/mechanic/internal/engine"
	"github.com/mechanic-dev/mechanic/internal/log"
	"github.com/mechanic-dev/mechanic/internal/metrics"
	"github.com/mechanic-dev/mechanic/internal/queue"
	"github.com/mechanic-dev/mechanic/internal/store"
	"github.com/mechanic-dev/mechanic/internal/tracker"
)

// Config configures the HTTP surface.
type Config struct {
	// Secret is the shared HMAC-SHA256 webhook secret.
	Secret string

	// MaxBodyBytes bounds webhook payload size.
	MaxBodyBytes int64

	// AuthSecretKey signs and verifies admin tokens.
	AuthSecretKey string

	// TokenTTL bounds issued admin tokens.
	TokenTTL time.Duration
}

// Server is the HTTP ingress.
type Server struct {
	store   store.Store
	queue   *queue.Queue
	tracker tracker.Client
	logger  *slog.Logger
	cfg     Config
	auth    *TokenAuthority
}

// NewServer builds the ingress server.
func NewServer(s store.Store, q *queue.Queue, tc tracker.Client, logger *slog.Logger, cfg Config) *Server {
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{
		store:   s,
		queue:   q,
		tracker: tc,
		logger:  logger,
		cfg:     cfg,
		auth:    NewTokenAuthority(cfg.AuthSecretKey, cfg.TokenTTL),
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/{source}", s.handleWebhook)
	mux.Handle("POST /workflow/run", s.auth.Require(http.HandlerFunc(s.handleRunWorkflow)))
	mux.HandleFunc("GET /workflow/status/{task_id}", s.handleWorkflowStatus)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// handleWebhook verifies, persists and acknowledges one delivery. The only
// failure the sender should retry is a persistence failure, so that is the
// only 5xx this handler produces.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	source := r.PathValue("source")
	defer func() {
		metrics.ObserveWebhookDuration(source, time.Since(started).Seconds())
	}()

	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes+1))
	if err != nil {
		metrics.RecordWebhookEvent(source, "read_error")
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if int64(len(body)) > s.cfg.MaxBodyBytes {
		metrics.RecordWebhookEvent(source, "too_large")
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	signature := r.Header.Get("X-Signature")
	if !verifySignature(s.cfg.Secret, body, signature) {
		metrics.RecordWebhookEvent(source, "bad_signature")
		s.logger.Warn("webhook signature rejected", log.SourceKey, source)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	event := &store.WebhookEvent{
		Source:    source,
		EventType: r.Header.Get("X-Event-Type"),
		Payload:   body,
		Signature: signature,
		Headers: map[string]string{
			"X-Event-Type":  r.Header.Get("X-Event-Type"),
			"X-Delivery-ID": r.Header.Get("X-Delivery-ID"),
			"Content-Type":  r.Header.Get("Content-Type"),
		},
	}
	if err := s.store.InsertEvent(r.Context(), event); err != nil {
		metrics.RecordWebhookEvent(source, "store_error")
		s.logger.Error("failed to persist webhook event", log.SourceKey, source, log.Error(err))
		http.Error(w, "failed to persist event", http.StatusInternalServerError)
		return
	}

	metrics.RecordWebhookEvent(source, "accepted")
	writeJSON(w, http.StatusOK, map[string]any{"id": event.ID})
}

// verifySignature checks the hex HMAC-SHA256 of body against the X-Signature
// header, tolerating a "sha256=" prefix. Comparison is constant time.
func verifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

// handleRunWorkflow manually starts a workflow on a tracker item. Admin only.
// The body may carry the item inline; when title and description are absent
// the item is fetched from the tracker instead.
func (s *Server) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source         string `json:"source"`
		ExternalItemID string `json:"external_item_id"`
		Title          string `json:"title"`
		Description    string `json:"description"`
		RepositoryURL  string `json:"repository_url"`
		Priority       int    `json:"priority"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ExternalItemID == "" {
		http.Error(w, "external_item_id is required", http.StatusBadRequest)
		return
	}
	if req.Source == "" {
		req.Source = "tracker"
	}

	ctx := r.Context()
	task, err := s.store.GetTaskByExternalID(ctx, req.Source, req.ExternalItemID)
	if err != nil {
		if req.Title != "" {
			task = &store.Task{
				Source:         req.Source,
				ExternalItemID: req.ExternalItemID,
				Title:          req.Title,
				Description:    req.Description,
				Priority:       req.Priority,
				RepositoryURL:  req.RepositoryURL,
				InternalStatus: store.TaskStatusPending,
			}
		} else {
			item, err := s.tracker.GetItem(ctx, req.ExternalItemID)
			if err != nil {
				s.logger.Warn("manual run failed to fetch item", "item_id", req.ExternalItemID, log.Error(err))
				http.Error(w, "item not found", http.StatusNotFound)
				return
			}
			task = &store.Task{
				Source:         req.Source,
				ExternalItemID: item.ID,
				Title:          item.Title,
				Description:    item.Description,
				Priority:       item.Priority,
				RepositoryURL:  item.RepositoryURL,
				DefaultBranch:  item.DefaultBranch,
				InternalStatus: store.TaskStatusPending,
				TrackerStatus:  item.Status,
				CreatorID:      item.OwnerID,
				CreatorName:    item.OwnerName,
			}
		}
		if err := s.store.CreateTask(ctx, task); err != nil {
			http.Error(w, "failed to create task", http.StatusInternalServerError)
			return
		}
	}

	entry := &store.QueueEntry{
		Source:         task.Source,
		ExternalItemID: task.ExternalItemID,
		TaskID:         &task.ID,
		Kind:           store.EntryKindStart,
		Status:         store.QueueStatusPending,
		Priority:       task.Priority,
		EnqueuedAt:     time.Now().UTC(),
	}
	if err := s.queue.Enqueue(ctx, entry); err != nil {
		http.Error(w, "failed to enqueue", http.StatusInternalServerError)
		return
	}

	actor, _ := ActorFrom(r.Context())
	if err := s.store.InsertAudit(ctx, &store.AuditEntry{
		Actor:      actor,
		Action:     "manual_workflow_run",
		Resource:   "task",
		ResourceID: strconv.FormatInt(task.ID, 10),
		Severity:   store.SeverityMedium,
		Details:    map[string]any{"queue_id": entry.ID},
	}); err != nil {
		s.logger.Warn("failed to write audit entry", log.Error(err))
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id":  task.ID,
		"queue_id": entry.ID,
	})
}

// nodeProgress maps nodes onto a rough completion percentage for status
// reporting.
var nodeProgress = map[string]int{
	string(engine.NodePrepare):       10,
	string(engine.NodeImplement):     30,
	string(engine.NodeRunTests):      50,
	string(engine.NodeDebug):         55,
	string(engine.NodeValidation):    70,
	string(engine.NodeFinalize):      85,
	string(engine.NodeUpdateTracker): 95,
}

// handleWorkflowStatus reports where a task's latest run is.
func (s *Server) handleWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	taskID, err := strconv.ParseInt(r.PathValue("task_id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid task id", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}

	out := map[string]any{
		"status":       string(task.InternalStatus),
		"progress_pct": 0,
	}
	if task.InternalStatus == store.TaskStatusCompleted {
		out["progress_pct"] = 100
	}

	run, err := s.store.GetLatestRun(ctx, taskID)
	if err == nil && run != nil {
		out["current_run_id"] = run.ID
		step, err := s.store.LatestStep(ctx, run.ID)
		if err == nil && step != nil {
			out["current_node"] = step.Node
			if task.InternalStatus != store.TaskStatusCompleted {
				out["progress_pct"] = nodeProgress[step.Node]
			}
		}
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
