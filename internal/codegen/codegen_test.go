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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mechanic-dev/mechanic/pkg/errors"
)

func TestParseFileEdits(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{
			name: "bare object",
			text: `{"files": {"main.go": "package main\n"}, "summary": "adds main"}`,
		},
		{
			name: "fenced",
			text: "```\n{\"files\": {\"main.go\": \"package main\\n\"}, \"summary\": \"adds main\"}\n```",
		},
		{
			name: "fenced with language tag",
			text: "```json\n{\"files\": {\"main.go\": \"package main\\n\"}, \"summary\": \"adds main\"}\n```",
		},
		{
			name: "wrapped in prose",
			text: "Here are the edits:\n\n" +
				`{"files": {"main.go": "package main\n"}, "summary": "adds main"}` +
				"\n\nLet me know if anything is off.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			edits, err := ParseFileEdits(tt.text)
			require.NoError(t, err)
			assert.Equal(t, "package main\n", edits.Files["main.go"])
			assert.Equal(t, "adds main", edits.Summary)
		})
	}
}

func TestParseFileEditsErrors(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"empty", ""},
		{"no object", "I could not produce edits."},
		{"malformed json", `{"files": {`},
		{"no files", `{"files": {}, "summary": "nothing to do"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFileEdits(tt.text)
			require.Error(t, err)
			var pe *errors.ProviderError
			assert.ErrorAs(t, err, &pe)
		})
	}
}

func TestIdempotencyKey(t *testing.T) {
	assert.Equal(t, "7:implement_task:0", IdempotencyKey(7, "implement_task", 0))
	assert.Equal(t, "12:debug_code:3", IdempotencyKey(12, "debug_code", 3))
}

type countingClient struct {
	calls int
}

func (c *countingClient) Generate(ctx context.Context, req *Request) (*Response, error) {
	c.calls++
	return &Response{Text: "ok", Provider: "counting"}, nil
}

func (c *countingClient) Name() string { return "counting" }

func TestRateLimitedDelegates(t *testing.T) {
	inner := &countingClient{}
	rl := NewRateLimited(inner, 600)

	resp, err := rl.Generate(context.Background(), &Request{Operation: OpImplement})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, 1, inner.calls)
	assert.Equal(t, "counting", rl.Name())
}

func TestRateLimitedHonorsContext(t *testing.T) {
	inner := &countingClient{}
	rl := NewRateLimited(inner, 1)

	ctx := context.Background()
	// Drain the burst allowance.
	_, err := rl.Generate(ctx, &Request{})
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = rl.Generate(cancelled, &Request{})
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err), "rate wait cancellation is transient")
	assert.Equal(t, 1, inner.calls)
}

func TestEstimateCost(t *testing.T) {
	p := pricing{inputPerM: 3, outputPerM: 15}
	assert.InDelta(t, 0.003+0.015, estimateCost(p, 1000, 1000), 1e-9)
	assert.Zero(t, estimateCost(p, 0, 0))
	assert.InDelta(t, 3.0+15.0, estimateCost(p, 1_000_000, 1_000_000), 1e-9)
}
