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

package codegen

import (
	"context"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/mechanic-dev/mechanic/pkg/errors"
)

const anthropicDefaultModel = "claude-sonnet-4-5"

var anthropicPricing = pricing{inputPerM: 3.0, outputPerM: 15.0}

// Anthropic is a Client backed by the Anthropic Messages API.
type Anthropic struct {
	client    sdk.Client
	model     string
	maxTokens int
}

var _ Client = (*Anthropic)(nil)

// AnthropicOptions configures the Anthropic provider.
type AnthropicOptions struct {
	APIKey string
	// Model overrides the default model identifier.
	Model string
	// MaxTokens is the default completion cap.
	MaxTokens int
}

// NewAnthropic builds the Anthropic provider.
func NewAnthropic(opts AnthropicOptions) (*Anthropic, error) {
	if opts.APIKey == "" {
		return nil, &errors.ConfigError{Key: "ANTHROPIC_API_KEY", Reason: "required for the anthropic provider"}
	}
	model := opts.Model
	if model == "" {
		model = anthropicDefaultModel
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	return &Anthropic{
		client:    sdk.NewClient(option.WithAPIKey(opts.APIKey)),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

// Name returns "anthropic".
func (a *Anthropic) Name() string { return "anthropic" }

// Generate performs one Messages call.
func (a *Anthropic) Generate(ctx context.Context, req *Request) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTokens
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(a.model),
		MaxTokens: int64(maxTokens),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}

	var opts []option.RequestOption
	if req.IdempotencyKey != "" {
		opts = append(opts, option.WithHeader("Idempotency-Key", req.IdempotencyKey))
	}

	start := time.Now()
	msg, err := a.client.Messages.New(ctx, params, opts...)
	elapsed := time.Since(start)
	if err != nil {
		return nil, classifyAnthropicError(err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	in := int(msg.Usage.InputTokens)
	out := int(msg.Usage.OutputTokens)
	return &Response{
		Text:         text.String(),
		Provider:     a.Name(),
		Model:        a.model,
		InputTokens:  in,
		OutputTokens: out,
		CostUSD:      estimateCost(anthropicPricing, in, out),
		Duration:     elapsed,
	}, nil
}

// classifyAnthropicError maps SDK errors onto the transient/fatal taxonomy.
// Rate limits and overloads are transient; auth and request errors are not.
func classifyAnthropicError(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "429") || strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "529") || strings.Contains(msg, "rate limit") {
		return &errors.TransientError{
			Operation:  "anthropic.generate",
			Message:    "provider throttled",
			RetryAfter: 30 * time.Second,
			Cause:      err,
		}
	}
	return &errors.ProviderError{Provider: "anthropic", Message: "generate failed", Cause: err}
}
