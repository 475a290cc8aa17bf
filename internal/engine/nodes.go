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

package engine

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mechanic-dev/mechanic/internal/codegen"
	"github.com/mechanic-dev/mechanic/internal/metrics"
	"github.com/mechanic-dev/mechanic/internal/notify"
	"github.com/mechanic-dev/mechanic/internal/store"
	"github.com/mechanic-dev/mechanic/pkg/errors"
)

const implementSystemPrompt = `You are an automated software engineer working on a ticket.
Reply with a single JSON object of the form
{"files": {"relative/path": "full new file contents", ...}, "summary": "one paragraph"}
containing every file you create or modify. Keep the diff minimal and do not
touch files the change does not need.`

const debugSystemPrompt = `You are an automated software engineer fixing a failing test run.
You will be given the change summary and the failing test output. Reply with a
single JSON object of the form
{"files": {"relative/path": "full new file contents", ...}, "summary": "what was wrong and what you changed"}
containing only the files needed to make the tests pass.`

// testOutputTail bounds how much test output is carried in the checkpoint
// and shown to the debug prompt.
const testOutputTail = 4000

// prepareEnvironment clones the task's repository into a scratch working
// tree and creates the work branch. Clone failures are usually network
// hiccups so they retry with exponential backoff.
func (e *Engine) prepareEnvironment(ctx context.Context, st *runState) *NodeResult {
	repoURL := st.task.RepositoryURL
	if repoURL == "" {
		repoURL = e.cfg.DefaultRepoURL
	}
	if repoURL == "" {
		return Failed(&errors.ConfigError{Key: "repository_url", Reason: "task has no repository and no default is configured"})
	}
	base := st.task.DefaultBranch
	if base == "" {
		base = e.cfg.DefaultBranch
	}

	dir := filepath.Join(e.cfg.ScratchDir, fmt.Sprintf("mechanic-run-%d", st.run.ID))
	if err := os.RemoveAll(dir); err != nil {
		return Failed(err)
	}

	if err := e.vcs.Clone(ctx, repoURL, base, dir); err != nil {
		return Retry(prepareBackoff(st.attempt), err.Error())
	}

	branch := fmt.Sprintf("agent/%d/%s", st.task.ID, slugify(st.task.Title))
	if err := e.vcs.CreateBranch(ctx, dir, branch); err != nil {
		return Failed(err)
	}

	st.cp.WorkDir = dir
	st.cp.Branch = branch
	st.cp.BaseBranch = base
	st.run.BranchName = branch
	return Completed(map[string]any{"branch": branch})
}

func prepareBackoff(attempt int) time.Duration {
	return (10 * time.Second) << attempt
}

// implementTask asks the model for file edits and applies them to the
// working tree.
func (e *Engine) implementTask(ctx context.Context, st *runState) *NodeResult {
	var b strings.Builder
	fmt.Fprintf(&b, "Ticket: %s\n\n%s\n", st.task.Title, st.task.Description)
	if st.cp.TriggerText != "" {
		fmt.Fprintf(&b, "\nLatest update on the ticket:\n%s\n", st.cp.TriggerText)
	}
	if st.cp.Instructions != "" {
		fmt.Fprintf(&b, "\nThe previous attempt was rejected by the reviewer with these instructions:\n%s\n", st.cp.Instructions)
		if st.cp.Summary != "" {
			fmt.Fprintf(&b, "\nThe previous attempt's summary:\n%s\n", st.cp.Summary)
		}
	}

	resp, usage, err := e.generate(ctx, st, codegen.OpImplement, implementSystemPrompt, b.String())
	if err != nil {
		return e.llmFailure(ctx, st, codegen.OpImplement, err)
	}

	edits, err := codegen.ParseFileEdits(resp.Text)
	if err != nil {
		// A malformed completion is worth one more call.
		return Retry(5*time.Second, err.Error()).withUsage(usage)
	}
	if err := e.vcs.ApplyEdits(ctx, st.cp.WorkDir, edits.Files); err != nil {
		return Failed(err).withUsage(usage)
	}

	st.cp.FilesModified = sortedKeys(edits.Files)
	st.cp.Summary = edits.Summary
	st.cp.Instructions = ""
	return Completed(map[string]any{"files": len(edits.Files)}).withUsage(usage)
}

// runTests detects the project's test command and runs it. A non-zero exit
// is a legitimate outcome, not an error; the guard routes it to debug_code.
// A run that times out or cannot start retries once, then fails.
func (e *Engine) runTests(ctx context.Context, st *runState) *NodeResult {
	ecosystem, cmdline, err := DetectTestCommand(st.cp.WorkDir)
	if err != nil {
		return Failed(err)
	}

	cmd := exec.CommandContext(ctx, cmdline[0], cmdline[1:]...)
	cmd.Dir = st.cp.WorkDir
	out, runErr := cmd.CombinedOutput()
	st.cp.TestOutput = tail(string(out), testOutputTail)

	if ctx.Err() != nil {
		// A timed-out run is an execution error, not a test verdict.
		te := &errors.TimeoutError{
			Operation: string(NodeRunTests),
			Duration:  e.cfg.TestTimeout,
			Cause:     ctx.Err(),
		}
		return Retry(10*time.Second, te.Error())
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			// The command itself could not start; worth one retry in case
			// the environment is still settling.
			return Retry(10*time.Second, runErr.Error())
		}
	}

	passed := runErr == nil
	return Completed(map[string]any{"passed": passed, "ecosystem": ecosystem})
}

// debugCode feeds the failing test output back to the model, bounded by the
// debug iteration budget.
func (e *Engine) debugCode(ctx context.Context, st *runState) *NodeResult {
	if st.cp.DebugAttempts >= e.cfg.DebugMaxIterations {
		return Failed(errors.Invariant("debug_budget",
			"tests still failing after %d debug iterations", st.cp.DebugAttempts))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Ticket: %s\n\nChange summary:\n%s\n", st.task.Title, st.cp.Summary)
	fmt.Fprintf(&b, "\nFiles modified so far:\n%s\n", strings.Join(st.cp.FilesModified, "\n"))
	fmt.Fprintf(&b, "\nFailing test output:\n%s\n", st.cp.TestOutput)

	resp, usage, err := e.generate(ctx, st, codegen.OpDebug, debugSystemPrompt, b.String())
	if err != nil {
		return e.llmFailure(ctx, st, codegen.OpDebug, err)
	}

	edits, err := codegen.ParseFileEdits(resp.Text)
	if err != nil {
		return Retry(5*time.Second, err.Error()).withUsage(usage)
	}
	if err := e.vcs.ApplyEdits(ctx, st.cp.WorkDir, edits.Files); err != nil {
		return Failed(err).withUsage(usage)
	}

	st.cp.DebugAttempts++
	st.cp.FilesModified = mergeSorted(st.cp.FilesModified, sortedKeys(edits.Files))
	return Completed(map[string]any{"attempt": st.cp.DebugAttempts}).withUsage(usage)
}

// humanValidation posts the review request to the tracker and builds the
// validation row the suspension commit will create. The request mentions the
// ticket creator, never the owner.
func (e *Engine) humanValidation(ctx context.Context, st *runState) *NodeResult {
	generated, err := readWorkingFiles(st.cp.WorkDir, st.cp.FilesModified)
	if err != nil {
		return Failed(err)
	}

	validationID := uuid.NewString()
	expires := time.Now().UTC().Add(e.cfg.ValidationTimeout)

	var b strings.Builder
	fmt.Fprintf(&b, "%s please review the proposed change for **%s**.\n\n",
		notify.Mention(st.task.CreatorID, st.task.CreatorName), st.task.Title)
	fmt.Fprintf(&b, "%s\n\nFiles changed:\n", st.cp.Summary)
	for _, f := range st.cp.FilesModified {
		fmt.Fprintf(&b, "- `%s`\n", f)
	}
	fmt.Fprintf(&b, "\nReply to this update with **approve** or **reject** (with instructions). ")
	fmt.Fprintf(&b, "This request expires %s.", expires.Format(time.RFC1123))

	updateID := e.notifier.Comment(ctx, st.task.ExternalItemID, b.String())
	if updateID == "" {
		return Retry(30*time.Second, "failed to post validation request")
	}

	v := &store.HumanValidation{
		ValidationID:    validationID,
		TaskID:          st.task.ID,
		RunID:           st.run.ID,
		Title:           st.task.Title,
		GeneratedCode:   generated,
		Summary:         st.cp.Summary,
		FilesModified:   st.cp.FilesModified,
		Status:          store.ValidationStatusPending,
		TrackerUpdateID: updateID,
		CreatorID:       st.task.CreatorID,
		CreatorName:     st.task.CreatorName,
		ExpiresAt:       expires,
	}
	if st.cp.RetryOfValidation != 0 {
		parent := st.cp.RetryOfValidation
		v.ParentValidationID = &parent
		v.IsRetry = true
	}
	return Suspended(validationID, e.cfg.ValidationTimeout, v)
}

// finalizePR commits, pushes and opens the pull request, merging it when the
// approving reply asked for that.
func (e *Engine) finalizePR(ctx context.Context, st *runState) *NodeResult {
	message := fmt.Sprintf("%s\n\n%s", st.task.Title, st.cp.Summary)
	sha, err := e.vcs.Commit(ctx, st.cp.WorkDir, message)
	if err != nil {
		return Failed(err)
	}
	if err := e.vcs.Push(ctx, st.cp.WorkDir, st.cp.Branch); err != nil {
		return Retry(15*time.Second, err.Error())
	}

	repoURL := st.task.RepositoryURL
	if repoURL == "" {
		repoURL = e.cfg.DefaultRepoURL
	}
	pr, err := e.vcs.OpenPR(ctx, repoURL, st.cp.Branch, st.cp.BaseBranch, st.task.Title, st.cp.Summary)
	if err != nil {
		return Failed(err)
	}

	record := &store.PullRequest{
		TaskID:  st.task.ID,
		RunID:   st.run.ID,
		URL:     pr.URL,
		Branch:  st.cp.Branch,
		Base:    st.cp.BaseBranch,
		HeadSHA: sha,
	}

	if st.shouldMerge {
		mergedSHA, err := e.vcs.MergePR(ctx, pr.URL)
		if err != nil {
			// The PR exists; a failed merge is reported, not fatal.
			e.logger.Warn("merge failed", "pr_url", pr.URL, "error", err)
			e.notifier.Comment(ctx, st.task.ExternalItemID,
				fmt.Sprintf("Opened %s but the requested merge failed: %v", pr.URL, err))
		} else {
			record.Merged = true
			record.MergedSHA = mergedSHA
		}
	}

	if err := e.store.InsertPullRequest(ctx, record); err != nil {
		return Failed(err)
	}
	st.run.PRURL = pr.URL
	return Completed(map[string]any{"pr_url": pr.URL, "merged": record.Merged})
}

// updateTracker posts the outcome back to the ticket and moves its column.
func (e *Engine) updateTracker(ctx context.Context, st *runState) *NodeResult {
	var b strings.Builder
	fmt.Fprintf(&b, "Work on **%s** is complete.\n\n", st.task.Title)
	if st.run.PRURL != "" {
		fmt.Fprintf(&b, "Pull request: %s\n", st.run.PRURL)
	}
	fmt.Fprintf(&b, "Runs used %d debug iteration(s) and an estimated $%.4f of model usage.",
		st.cp.DebugAttempts, st.run.TotalCostUSD)

	e.notifier.Comment(ctx, st.task.ExternalItemID, b.String())

	if err := e.tracker.SetColumn(ctx, st.task.ExternalItemID, "Done"); err != nil {
		// Column moves are cosmetic; the ledger is authoritative.
		e.logger.Warn("failed to move tracker column",
			"item_id", st.task.ExternalItemID, "error", err)
	}
	return Completed(nil)
}

// generate performs one LLM call and builds its usage row.
func (e *Engine) generate(ctx context.Context, st *runState, op codegen.Operation, system, prompt string) (*codegen.Response, *store.AIUsage, error) {
	resp, err := e.gen.Generate(ctx, &codegen.Request{
		Operation:      op,
		System:         system,
		Prompt:         prompt,
		IdempotencyKey: codegen.IdempotencyKey(st.run.ID, string(op), st.attempt),
	})
	if err != nil {
		return nil, nil, err
	}
	metrics.RecordLLMUsage(resp.Provider, resp.Model, resp.InputTokens, resp.OutputTokens, resp.CostUSD)
	usage := &store.AIUsage{
		RunID:         st.run.ID,
		TaskID:        st.task.ID,
		Provider:      resp.Provider,
		Model:         resp.Model,
		Operation:     string(op),
		InputTokens:   resp.InputTokens,
		OutputTokens:  resp.OutputTokens,
		EstimatedCost: resp.CostUSD,
		Duration:      resp.Duration,
		Success:       true,
	}
	return resp, usage, nil
}

// llmFailure records the failed call and maps the error onto a node result.
func (e *Engine) llmFailure(ctx context.Context, st *runState, op codegen.Operation, cause error) *NodeResult {
	metrics.RecordLLMError(e.gen.Name())
	// The failed call still gets a usage row; it is the audit trail for
	// provider trouble.
	if err := e.store.InsertUsage(ctx, &store.AIUsage{
		RunID:     st.run.ID,
		TaskID:    st.task.ID,
		Provider:  e.gen.Name(),
		Operation: string(op),
		Success:   false,
		Error:     cause.Error(),
	}); err != nil {
		e.logger.Warn("failed to record usage row", "error", err)
	}

	if errors.IsTransient(cause) {
		delay := errors.RetryAfter(cause)
		if delay == 0 {
			delay = 15 * time.Second
		}
		return Retry(delay, cause.Error())
	}
	return Failed(cause)
}

// readWorkingFiles reads the generated files back out of the working tree so
// the validation row can rebuild it later if the scratch directory is gone.
func readWorkingFiles(dir string, paths []string) (map[string]string, error) {
	files := make(map[string]string, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(filepath.Join(dir, p))
		if err != nil {
			return nil, fmt.Errorf("failed to read generated file %s: %w", p, err)
		}
		files[p] = string(data)
	}
	return files, nil
}

func slugify(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('-')
		}
	}
	slug := strings.Trim(b.String(), "-")
	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}
	if len(slug) > 40 {
		slug = strings.Trim(slug[:40], "-")
	}
	if slug == "" {
		slug = "task"
	}
	return slug
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func mergeSorted(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, s := range append(a, b...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
