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

package inbox

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/mechanic-dev/mechanic/internal/codegen"
	"github.com/mechanic-dev/mechanic/internal/log"
	"github.com/mechanic-dev/mechanic/internal/metrics"
	"github.com/mechanic-dev/mechanic/internal/store"
	"github.com/mechanic-dev/mechanic/internal/tracker"
)

// Intent is the classified meaning of a validation reply.
type Intent string

const (
	IntentApprove Intent = "approve"
	IntentReject  Intent = "reject"
	IntentAbandon Intent = "abandon"
	IntentUnclear Intent = "unclear"
)

// Classification is the outcome of reading one validation reply.
type Classification struct {
	Intent       Intent `json:"intent"`
	ShouldMerge  bool   `json:"should_merge"`
	Instructions string `json:"instructions"`
}

const classifySystemPrompt = `You read a reply to a code review request and classify its intent.
Reply with a single JSON object:
{"intent": "approve" | "reject" | "abandon" | "unclear", "should_merge": bool, "instructions": "..."}
should_merge is true only when an approving reply explicitly asks for the
change to be merged. instructions carries the reviewer's requested changes
for a rejection, empty otherwise. "abandon" means the reviewer wants the
agent to stop working on the ticket entirely, not rework it. When the reply
is ambiguous, off topic or a question, the intent is "unclear".`

// classify reads a reply's intent, preferring the model and falling back to
// keyword rules when the model is unavailable or replies with garbage. The
// model call is recorded on the suspended run's usage trail.
func (in *Inbox) classify(ctx context.Context, v *store.HumanValidation, u *tracker.Update) *Classification {
	if in.gen != nil {
		if cls := in.classifyLLM(ctx, v, u); cls != nil {
			return cls
		}
	}
	return classifyKeywords(u.Body)
}

func (in *Inbox) classifyLLM(ctx context.Context, v *store.HumanValidation, u *tracker.Update) *Classification {
	resp, err := in.gen.Generate(ctx, &codegen.Request{
		Operation:      codegen.OpClassify,
		System:         classifySystemPrompt,
		Prompt:         u.Body,
		MaxTokens:      512,
		IdempotencyKey: "validation:" + v.ValidationID + ":" + u.ID,
	})
	if err != nil {
		metrics.RecordLLMError(in.gen.Name())
		in.logger.Warn("intent classification call failed",
			log.ValidationIDKey, v.ValidationID, log.Error(err))
		return nil
	}
	metrics.RecordLLMUsage(resp.Provider, resp.Model, resp.InputTokens, resp.OutputTokens, resp.CostUSD)
	if err := in.store.InsertUsage(ctx, &store.AIUsage{
		RunID:         v.RunID,
		TaskID:        v.TaskID,
		Provider:      resp.Provider,
		Model:         resp.Model,
		Operation:     string(codegen.OpClassify),
		InputTokens:   resp.InputTokens,
		OutputTokens:  resp.OutputTokens,
		EstimatedCost: resp.CostUSD,
		Duration:      resp.Duration,
		Success:       true,
	}); err != nil {
		in.logger.Warn("failed to record usage row", log.Error(err))
	}

	cls := parseClassification(resp.Text)
	if cls == nil {
		in.logger.Warn("unparseable classification, falling back to keywords",
			log.ValidationIDKey, v.ValidationID)
	}
	return cls
}

func parseClassification(text string) *Classification {
	body := text
	start := strings.Index(body, "{")
	end := strings.LastIndex(body, "}")
	if start < 0 || end <= start {
		return nil
	}
	var cls Classification
	if err := json.Unmarshal([]byte(body[start:end+1]), &cls); err != nil {
		return nil
	}
	switch cls.Intent {
	case IntentApprove, IntentReject, IntentAbandon, IntentUnclear:
		return &cls
	default:
		return nil
	}
}

var (
	approveSignals = []string{"approve", "approved", "lgtm", "looks good", "ship it", "go ahead"}
	rejectSignals  = []string{"reject", "rejected", "request changes", "needs work", "don't merge", "do not merge"}
	abandonSignals = []string{"abandon", "give up", "stop working", "drop this", "not worth"}
)

// classifyKeywords is the rule-based fallback. Conflicting or absent signals
// classify as unclear rather than guessing.
func classifyKeywords(body string) *Classification {
	lower := strings.ToLower(body)

	approves := containsAny(lower, approveSignals)
	rejects := containsAny(lower, rejectSignals)
	abandons := containsAny(lower, abandonSignals)

	switch {
	case abandons && !approves && !rejects:
		return &Classification{Intent: IntentAbandon}
	case approves && !rejects && !abandons:
		return &Classification{
			Intent:      IntentApprove,
			ShouldMerge: strings.Contains(lower, "merge") && !strings.Contains(lower, "merge later"),
		}
	case rejects && !approves && !abandons:
		return &Classification{Intent: IntentReject, Instructions: strings.TrimSpace(body)}
	default:
		return &Classification{Intent: IntentUnclear}
	}
}

func containsAny(s string, signals []string) bool {
	for _, sig := range signals {
		if strings.Contains(s, sig) {
			return true
		}
	}
	return false
}
