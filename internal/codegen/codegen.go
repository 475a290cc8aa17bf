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

// Package codegen calls LLM providers for code generation, debugging and
// intent classification. Every call is rate limited, carries an idempotency
// key and returns token counts with an estimated cost so the caller can write
// the usage record.
package codegen

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/mechanic-dev/mechanic/pkg/errors"
)

// Operation names what a request is for. Recorded on the usage row.
type Operation string

const (
	OpImplement Operation = "implement"
	OpDebug     Operation = "debug"
	OpClassify  Operation = "classify_intent"
)

// Request is one code-generation call.
type Request struct {
	Operation Operation

	// System is the system prompt.
	System string
	// Prompt is the user prompt.
	Prompt string

	// MaxTokens caps the completion. Zero uses the provider default.
	MaxTokens int

	// IdempotencyKey dedupes double-executed calls after a crash. Built
	// from (run_id, step_name, retry_count).
	IdempotencyKey string
}

// Response is the provider's reply with accounting.
type Response struct {
	Text         string
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Duration     time.Duration
}

// Client is a code-generation provider.
type Client interface {
	// Generate performs one completion.
	Generate(ctx context.Context, req *Request) (*Response, error)

	// Name returns the provider name recorded on usage rows.
	Name() string
}

// IdempotencyKey builds the standard call key.
func IdempotencyKey(runID int64, step string, retry int) string {
	return fmt.Sprintf("%d:%s:%d", runID, step, retry)
}

// FileEdits is the structured output of an implement or debug call: file
// path to full new contents, plus a human-readable summary.
type FileEdits struct {
	Files   map[string]string `json:"files"`
	Summary string            `json:"summary"`
}

// ParseFileEdits extracts the FileEdits JSON object from a completion. The
// model is instructed to reply with a single JSON object, optionally inside a
// fenced code block.
func ParseFileEdits(text string) (*FileEdits, error) {
	body := strings.TrimSpace(text)
	if i := strings.Index(body, "```"); i >= 0 {
		body = body[i+3:]
		body = strings.TrimPrefix(body, "json")
		if j := strings.Index(body, "```"); j >= 0 {
			body = body[:j]
		}
	}
	start := strings.Index(body, "{")
	end := strings.LastIndex(body, "}")
	if start < 0 || end <= start {
		return nil, &errors.ProviderError{Provider: "codegen", Message: "no JSON object in completion"}
	}

	var edits FileEdits
	if err := json.Unmarshal([]byte(body[start:end+1]), &edits); err != nil {
		return nil, &errors.ProviderError{Provider: "codegen", Message: "malformed file edits", Cause: err}
	}
	if len(edits.Files) == 0 {
		return nil, &errors.ProviderError{Provider: "codegen", Message: "completion contains no file edits"}
	}
	return &edits, nil
}

// RateLimited wraps a Client with a token bucket so a burst of runs cannot
// exhaust the provider-side quota.
type RateLimited struct {
	inner   Client
	limiter *rate.Limiter
}

var _ Client = (*RateLimited)(nil)

// NewRateLimited wraps inner with a requests-per-minute budget.
func NewRateLimited(inner Client, requestsPerMinute int) *RateLimited {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	return &RateLimited{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), requestsPerMinute),
	}
}

// Generate waits for a rate token then delegates.
func (r *RateLimited) Generate(ctx context.Context, req *Request) (*Response, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, &errors.TimeoutError{Operation: "codegen.rate_wait", Cause: err}
	}
	return r.inner.Generate(ctx, req)
}

// Name returns the wrapped provider's name.
func (r *RateLimited) Name() string {
	return r.inner.Name()
}

// pricing is USD per million tokens. Estimates only; the usage row records
// the accuracy implied by the provider.
type pricing struct {
	inputPerM  float64
	outputPerM float64
}

func estimateCost(p pricing, inputTokens, outputTokens int) float64 {
	return float64(inputTokens)*p.inputPerM/1e6 + float64(outputTokens)*p.outputPerM/1e6
}
