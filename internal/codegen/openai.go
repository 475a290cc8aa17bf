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

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/mechanic-dev/mechanic/pkg/errors"
)

const openaiDefaultModel = "gpt-4o"

var openaiPricing = pricing{inputPerM: 2.5, outputPerM: 10.0}

// OpenAI is a Client backed by the Chat Completions API.
type OpenAI struct {
	client openai.Client
	model  string
}

var _ Client = (*OpenAI)(nil)

// OpenAIOptions configures the OpenAI provider.
type OpenAIOptions struct {
	APIKey string
	Model  string
}

// NewOpenAI builds the OpenAI provider.
func NewOpenAI(opts OpenAIOptions) (*OpenAI, error) {
	if opts.APIKey == "" {
		return nil, &errors.ConfigError{Key: "OPENAI_API_KEY", Reason: "required for the openai provider"}
	}
	model := opts.Model
	if model == "" {
		model = openaiDefaultModel
	}
	return &OpenAI{
		client: openai.NewClient(option.WithAPIKey(opts.APIKey)),
		model:  model,
	}, nil
}

// Name returns "openai".
func (o *OpenAI) Name() string { return "openai" }

// Generate performs one chat completion.
func (o *OpenAI) Generate(ctx context.Context, req *Request) (*Response, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}

	var opts []option.RequestOption
	if req.IdempotencyKey != "" {
		opts = append(opts, option.WithHeader("Idempotency-Key", req.IdempotencyKey))
	}

	start := time.Now()
	completion, err := o.client.Chat.Completions.New(ctx, params, opts...)
	elapsed := time.Since(start)
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(completion.Choices) == 0 {
		return nil, &errors.ProviderError{Provider: "openai", Message: "empty completion"}
	}

	in := int(completion.Usage.PromptTokens)
	out := int(completion.Usage.CompletionTokens)
	return &Response{
		Text:         completion.Choices[0].Message.Content,
		Provider:     o.Name(),
		Model:        o.model,
		InputTokens:  in,
		OutputTokens: out,
		CostUSD:      estimateCost(openaiPricing, in, out),
		Duration:     elapsed,
	}, nil
}

func classifyOpenAIError(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "503") {
		return &errors.TransientError{
			Operation:  "openai.generate",
			Message:    "provider throttled",
			RetryAfter: 30 * time.Second,
			Cause:      err,
		}
	}
	return &errors.ProviderError{Provider: "openai", Message: "generate failed", Cause: err}
}
