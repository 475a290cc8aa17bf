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

// Package engine drives the workflow state machine. One engine instance is
// shared by all workers; each Execute call drives exactly one run, strictly
// sequentially across nodes, persisting every step transition before acting
// on it. The engine never decides a transition from uncommitted in-memory
// state.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mechanic-dev/mechanic/internal/codegen"
	"github.com/mechanic-dev/mechanic/internal/log"
	"github.com/mechanic-dev/mechanic/internal/metrics"
	"github.com/mechanic-dev/mechanic/internal/notify"
	"github.com/mechanic-dev/mechanic/internal/store"
	"github.com/mechanic-dev/mechanic/internal/tracing"
	"github.com/mechanic-dev/mechanic/internal/tracker"
	"github.com/mechanic-dev/mechanic/internal/vcs"
	"github.com/mechanic-dev/mechanic/pkg/errors"
)

// Config bounds workflow execution.
type Config struct {
	TaskTimeout        time.Duration
	TestTimeout        time.Duration
	ValidationTimeout  time.Duration
	PrepareTimeout     time.Duration
	LLMTimeout         time.Duration
	DebugMaxIterations int
	ScratchDir         string
	AgentHandle        string
	DefaultRepoURL     string
	DefaultBranch      string
}

func (c *Config) fillDefaults() {
	if c.TaskTimeout == 0 {
		c.TaskTimeout = 30 * time.Minute
	}
	if c.TestTimeout == 0 {
		c.TestTimeout = 5 * time.Minute
	}
	if c.ValidationTimeout == 0 {
		c.ValidationTimeout = 24 * time.Hour
	}
	if c.PrepareTimeout == 0 {
		c.PrepareTimeout = 30 * time.Second
	}
	if c.LLMTimeout == 0 {
		c.LLMTimeout = 5 * time.Minute
	}
	if c.DebugMaxIterations == 0 {
		c.DebugMaxIterations = 3
	}
	if c.ScratchDir == "" {
		c.ScratchDir = os.TempDir()
	}
	if c.AgentHandle == "" {
		c.AgentHandle = "mechanic"
	}
	if c.DefaultBranch == "" {
		c.DefaultBranch = "main"
	}
}

// Engine executes workflow runs.
type Engine struct {
	store    store.Store
	gen      codegen.Client
	tracker  tracker.Client
	vcs      vcs.Client
	notifier *notify.Notifier
	logger   *slog.Logger
	cfg      Config
}

// New builds an Engine.
func New(s store.Store, gen codegen.Client, tc tracker.Client, vc vcs.Client, n *notify.Notifier, logger *slog.Logger, cfg Config) *Engine {
	cfg.fillDefaults()
	return &Engine{
		store:    s,
		gen:      gen,
		tracker:  tc,
		vcs:      vc,
		notifier: n,
		logger:   logger,
		cfg:      cfg,
	}
}

// runState is the in-memory view of one run, rebuilt from the ledger and
// checkpoint at every entry point.
type runState struct {
	task    *store.Task
	run     *store.Run
	cp      *Checkpoint
	queueID int64
	worker  string
	// attempt is the retry count of the node currently executing, used for
	// idempotency keys and backoff.
	attempt int

	// shouldMerge is set by an approving validation reply.
	shouldMerge bool

	// adopt is a dangling pending step left behind by a crashed process.
	// The next loop iteration re-runs it under its existing row instead of
	// inserting a duplicate.
	adopt *store.Step
}

// Execute drives the run behind a leased queue entry to its next stopping
// point: terminal completion, suspension or failure. The caller holds the
// lease and the task lock for the duration.
func (e *Engine) Execute(ctx context.Context, entry *store.QueueEntry, workerID string) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.TaskTimeout)
	defer cancel()

	switch entry.Kind {
	case store.EntryKindResume:
		return e.resume(ctx, entry, workerID)
	default:
		return e.start(ctx, entry, workerID)
	}
}

// start drives a fresh or reactivated run from prepare_environment, or
// resumes a crash-recovered run from its last checkpoint.
func (e *Engine) start(ctx context.Context, entry *store.QueueEntry, workerID string) error {
	if entry.TaskID == nil {
		return errors.Invariant("queue_entry_task", "entry %d has no task", entry.ID)
	}
	if runID, ok := payloadInt64(entry.Payload, "recover_run_id"); ok {
		return e.recoverRun(ctx, entry, runID, workerID)
	}
	task, err := e.store.GetTask(ctx, *entry.TaskID)
	if err != nil {
		return err
	}

	var run *store.Run
	if entry.Kind == store.EntryKindReactivation {
		// BeginReactivation created the run before the entry was enqueued.
		run, err = e.store.GetLatestRun(ctx, task.ID)
		if err != nil {
			return err
		}
	} else {
		ts := time.Now().UTC()
		run = &store.Run{TaskID: task.ID, ExecutorID: workerID, StartedAt: &ts}
		if err := e.store.CreateRun(ctx, run); err != nil {
			return err
		}
		if err := e.store.TransitionTask(ctx, task.ID, store.TaskStatusProcessing); err != nil {
			return err
		}
	}

	run.Status = store.RunStatusRunning
	run.ExecutorID = workerID
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return err
	}

	st := &runState{
		task:    task,
		run:     run,
		cp:      &Checkpoint{},
		queueID: entry.ID,
		worker:  workerID,
	}
	if text, ok := entry.Payload["trigger_text"].(string); ok {
		st.cp.TriggerText = text
	}

	return e.loop(ctx, st, NodePrepare)
}

// resume continues a run suspended on a human validation. The decision was
// recorded by the inbox before the resume entry was enqueued.
func (e *Engine) resume(ctx context.Context, entry *store.QueueEntry, workerID string) error {
	key, _ := entry.Payload["validation_key"].(string)
	decision, _ := entry.Payload["decision"].(string)
	instructions, _ := entry.Payload["instructions"].(string)
	shouldMerge, _ := entry.Payload["should_merge"].(bool)

	validation, err := e.store.GetValidationByKey(ctx, key)
	if err != nil {
		return err
	}
	run, err := e.store.GetRun(ctx, validation.RunID)
	if err != nil {
		return err
	}
	task, err := e.store.GetTask(ctx, run.TaskID)
	if err != nil {
		return err
	}
	step, err := e.store.LatestStep(ctx, run.ID)
	if err != nil {
		return err
	}
	if step == nil || step.Status != store.StepStatusSuspended {
		return errors.Invariant("resume_step", "run %d has no suspended step", run.ID)
	}
	cp, err := DecodeCheckpoint(step.Checkpoint)
	if err != nil {
		return e.failRun(ctx, &runState{task: task, run: run, cp: &Checkpoint{}, queueID: entry.ID}, err)
	}

	st := &runState{
		task:        task,
		run:         run,
		cp:          cp,
		queueID:     entry.ID,
		worker:      workerID,
		shouldMerge: shouldMerge,
	}

	// Close out the suspended validation step with the decision.
	ts := time.Now().UTC()
	step.Status = store.StepStatusCompleted
	step.CompletedAt = &ts
	step.Output = map[string]any{"decision": decision}
	run.Status = store.RunStatusRunning
	run.ExecutorID = workerID
	completion := &store.StepCompletion{Step: step, Run: run}

	var next Node
	switch decision {
	case "approved":
		completion.TaskStatus = store.TaskStatusQualityCheck
		next = NodeFinalize
	case "rejected":
		completion.TaskStatus = store.TaskStatusProcessing
		st.cp.Instructions = instructions
		// The next validation links back to this one so the rejection chain
		// stays countable.
		st.cp.RetryOfValidation = validation.ID
		next = NodeImplement
	default:
		// timeout, abandoned, cancelled
		if err := e.store.CompleteStep(ctx, completion); err != nil {
			return err
		}
		return e.failRun(ctx, st, errors.Invariant("validation_"+decision,
			"validation %s resolved %s", validation.ValidationID, decision))
	}

	if err := e.store.CompleteStep(ctx, completion); err != nil {
		return err
	}

	// The scratch tree may be gone after a long suspension; the validation
	// row carries everything needed to rebuild it.
	if err := e.rematerialize(ctx, st, validation); err != nil {
		return e.failRun(ctx, st, err)
	}
	return e.loop(ctx, st, next)
}

// rematerialize rebuilds the working tree from the validation's generated
// code when the original scratch directory no longer exists.
func (e *Engine) rematerialize(ctx context.Context, st *runState, validation *store.HumanValidation) error {
	if st.cp.WorkDir != "" {
		if _, err := os.Stat(st.cp.WorkDir); err == nil {
			return nil
		}
	}
	if len(validation.GeneratedCode) == 0 {
		return errors.Invariant("workdir_lost",
			"working tree is gone and validation %s carries no generated code", validation.ValidationID)
	}

	repoURL := st.task.RepositoryURL
	if repoURL == "" {
		repoURL = e.cfg.DefaultRepoURL
	}
	dir := filepath.Join(e.cfg.ScratchDir, fmt.Sprintf("mechanic-run-%d", st.run.ID))
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if err := e.vcs.Clone(ctx, repoURL, st.cp.BaseBranch, dir); err != nil {
		return err
	}
	if err := e.vcs.CreateBranch(ctx, dir, st.cp.Branch); err != nil {
		return err
	}
	if err := e.vcs.ApplyEdits(ctx, dir, validation.GeneratedCode); err != nil {
		return err
	}
	st.cp.WorkDir = dir
	e.logger.Info("rebuilt working tree from validation snapshot",
		log.TaskIDKey, st.task.ID, log.RunIDKey, st.run.ID, "dir", dir)
	return nil
}

// loop drives nodes until the run terminates or suspends. Every node
// invocation is bracketed by a pending step insert and an atomic completion
// commit.
func (e *Engine) loop(ctx context.Context, st *runState, node Node) error {
	logger := e.logger.With(log.TaskIDKey, st.task.ID, log.RunIDKey, st.run.ID)

	retryCount := 0
	for node != "" {
		step := st.adopt
		st.adopt = nil
		if step != nil {
			step.RetryCount = retryCount
			step.MaxRetries = maxRetriesFor(node)
		} else {
			step = &store.Step{
				RunID:      st.run.ID,
				Node:       string(node),
				RetryCount: retryCount,
				MaxRetries: maxRetriesFor(node),
				Input:      map[string]any{"node": string(node)},
			}
			if err := e.store.InsertStep(ctx, step); err != nil {
				return err
			}
		}
		ts := time.Now().UTC()
		step.Status = store.StepStatusRunning
		step.StartedAt = &ts
		if err := e.store.UpdateStep(ctx, step); err != nil {
			return err
		}

		st.attempt = retryCount
		nodeCtx, cancel := context.WithTimeout(ctx, e.timeoutFor(node))
		spanCtx, span := tracing.StartNodeSpan(nodeCtx, string(node))
		res := e.invoke(spanCtx, node, st)
		span.End()
		cancel()

		elapsed := time.Since(ts)
		switch res.kind {
		case resultCompleted:
			metrics.ObserveNodeDuration(string(node), "completed", elapsed.Seconds())
			if err := e.completeStep(ctx, st, step, res); err != nil {
				return err
			}
			next, err := nextNode(node, res.Output)
			if err != nil {
				return e.failRun(ctx, st, err)
			}
			if next == "" {
				return e.finishRun(ctx, st)
			}
			node = next
			retryCount = 0

		case resultRetry:
			metrics.ObserveNodeDuration(string(node), "retry", elapsed.Seconds())
			if retryCount >= step.MaxRetries {
				logger.Warn("retry budget exhausted", log.NodeKey, node, "reason", res.Reason)
				return e.failRunWithStep(ctx, st, step,
					errors.Invariant("retry_exhausted", "%s failed after %d retries: %s", node, retryCount, res.Reason))
			}
			done := time.Now().UTC()
			step.Status = store.StepStatusRetry
			step.CompletedAt = &done
			step.Error = res.Reason
			if err := e.store.UpdateStep(ctx, step); err != nil {
				return err
			}
			logger.Info("retrying node", log.NodeKey, node, "reason", res.Reason, "delay", res.Delay)
			select {
			case <-time.After(res.Delay):
			case <-ctx.Done():
				return e.failRun(ctx, st, &errors.TimeoutError{Operation: string(node), Cause: ctx.Err()})
			}
			retryCount++

		case resultSuspended:
			metrics.ObserveNodeDuration(string(node), "suspended", elapsed.Seconds())
			return e.suspend(ctx, st, step, res)

		case resultFailed:
			metrics.ObserveNodeDuration(string(node), "failed", elapsed.Seconds())
			logger.Warn("node failed", log.NodeKey, node, log.Error(res.Err))
			return e.failRunWithStep(ctx, st, step, res.Err)
		}
	}
	return e.finishRun(ctx, st)
}

// invoke dispatches a node to its handler.
func (e *Engine) invoke(ctx context.Context, node Node, st *runState) *NodeResult {
	switch node {
	case NodePrepare:
		return e.prepareEnvironment(ctx, st)
	case NodeImplement:
		return e.implementTask(ctx, st)
	case NodeRunTests:
		return e.runTests(ctx, st)
	case NodeDebug:
		return e.debugCode(ctx, st)
	case NodeValidation:
		return e.humanValidation(ctx, st)
	case NodeFinalize:
		return e.finalizePR(ctx, st)
	case NodeUpdateTracker:
		return e.updateTracker(ctx, st)
	default:
		return Failed(errors.Invariant("unknown_node", "no handler for node %s", node))
	}
}

func (e *Engine) timeoutFor(node Node) time.Duration {
	switch node {
	case NodePrepare:
		// Clones of large repos routinely exceed the bare prepare budget;
		// the budget covers everything after the network transfer too.
		return e.cfg.PrepareTimeout + 2*time.Minute
	case NodeImplement, NodeDebug:
		return e.cfg.LLMTimeout
	case NodeRunTests:
		return e.cfg.TestTimeout
	case NodeValidation:
		// Posting the request, not waiting for the reply.
		return time.Minute
	default:
		return 5 * time.Minute
	}
}

// completeStep commits a node completion with its task status mapping.
func (e *Engine) completeStep(ctx context.Context, st *runState, step *store.Step, res *NodeResult) error {
	ts := time.Now().UTC()
	step.Status = store.StepStatusCompleted
	step.CompletedAt = &ts
	step.Output = res.Output

	// Checkpoints always record the last committed node so crash recovery
	// knows where to pick up.
	st.cp.Node = Node(step.Node)
	cp, err := st.cp.Encode()
	if err != nil {
		return err
	}
	step.Checkpoint = cp
	step.CheckpointSavedAt = &ts

	for _, u := range res.Usage {
		st.run.TotalCostUSD += u.EstimatedCost
	}
	st.run.DebugAttempts = st.cp.DebugAttempts

	return e.store.CompleteStep(ctx, &store.StepCompletion{
		Step:       step,
		Run:        st.run,
		TaskStatus: taskStatusFor(Node(step.Node), res.Output),
		Usage:      res.Usage,
	})
}

// taskStatusFor maps a completed node onto the task status it implies.
// Empty means no transition.
func taskStatusFor(node Node, output map[string]any) store.TaskStatus {
	switch node {
	case NodeRunTests:
		return store.TaskStatusTesting
	case NodeDebug:
		return store.TaskStatusDebugging
	default:
		return ""
	}
}

// suspend parks the run on a validation in a single commit.
func (e *Engine) suspend(ctx context.Context, st *runState, step *store.Step, res *NodeResult) error {
	st.cp.Node = Node(step.Node)
	cp, err := st.cp.Encode()
	if err != nil {
		return err
	}
	step.Checkpoint = cp
	step.Output = map[string]any{"resume_key": res.ResumeKey}

	st.run.ExecutorID = st.worker
	if err := e.store.SuspendRun(ctx, &store.Suspension{
		Step:       step,
		Run:        st.run,
		Validation: res.Validation,
		QueueID:    st.queueID,
	}); err != nil {
		return err
	}

	e.logger.Info("run suspended",
		log.TaskIDKey, st.task.ID, log.RunIDKey, st.run.ID,
		log.ValidationIDKey, res.ResumeKey, "timeout", res.Timeout)
	return nil
}

// completionCooldown is the quiet window applied after a successful run.
const completionCooldown = 5 * time.Minute

// finishRun commits the terminal success state and reports back.
func (e *Engine) finishRun(ctx context.Context, st *runState) error {
	ts := time.Now().UTC()
	st.run.Status = store.RunStatusCompleted
	st.run.EndedAt = &ts
	if st.run.StartedAt != nil {
		st.run.Duration = ts.Sub(*st.run.StartedAt)
	}
	if err := e.store.UpdateRun(ctx, st.run); err != nil {
		return err
	}
	if err := e.store.TransitionTask(ctx, st.task.ID, store.TaskStatusCompleted); err != nil {
		return err
	}
	// Completion resets the failure ladder but still opens a short quiet
	// window before the task can be reactivated again.
	if err := e.store.SetCooldown(ctx, &store.Cooldown{
		TaskID:         st.task.ID,
		Until:          ts.Add(completionCooldown),
		Type:           store.CooldownNormal,
		FailedAttempts: 0,
		Metadata:       map[string]any{"reason": "run_completed"},
	}); err != nil {
		return err
	}

	metrics.RecordRunCompleted(string(store.RunStatusCompleted))
	e.cleanup(st)
	e.logger.Info("run completed",
		log.TaskIDKey, st.task.ID, log.RunIDKey, st.run.ID, "cost_usd", st.run.TotalCostUSD)
	return nil
}

// failRunWithStep marks the current step failed, then fails the run.
func (e *Engine) failRunWithStep(ctx context.Context, st *runState, step *store.Step, cause error) error {
	ts := time.Now().UTC()
	step.Status = store.StepStatusFailed
	step.CompletedAt = &ts
	if cause != nil {
		step.Error = cause.Error()
	}
	if err := e.store.UpdateStep(ctx, step); err != nil {
		return err
	}
	return e.failRun(ctx, st, cause)
}

// failRun commits the terminal failure state and posts the outcome to the
// tracker best effort.
func (e *Engine) failRun(ctx context.Context, st *runState, cause error) error {
	ts := time.Now().UTC()
	st.run.Status = store.RunStatusFailed
	st.run.EndedAt = &ts
	if st.run.StartedAt != nil {
		st.run.Duration = ts.Sub(*st.run.StartedAt)
	}
	if cause != nil {
		st.run.Error = cause.Error()
	}
	if err := e.store.UpdateRun(ctx, st.run); err != nil {
		return err
	}
	if err := e.store.TransitionTask(ctx, st.task.ID, store.TaskStatusFailed); err != nil {
		return err
	}

	metrics.RecordRunCompleted(string(store.RunStatusFailed))
	e.cleanup(st)

	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}
	e.notifier.Comment(ctx, st.task.ExternalItemID,
		fmt.Sprintf("Workflow run #%d failed: %s", st.run.RunNumber, reason))

	e.logger.Warn("run failed",
		log.TaskIDKey, st.task.ID, log.RunIDKey, st.run.ID, log.Error(cause))
	return nil
}

// cleanup removes the run's working tree. Suspended runs keep theirs; the
// validation row carries enough state to rebuild it if the directory is
// gone by resume time.
func (e *Engine) cleanup(st *runState) {
	if st.cp.WorkDir == "" {
		return
	}
	if !strings.HasPrefix(st.cp.WorkDir, e.cfg.ScratchDir) {
		return
	}
	if err := os.RemoveAll(st.cp.WorkDir); err != nil {
		e.logger.Warn("failed to remove working tree", "dir", st.cp.WorkDir, "error", err)
	}
}
