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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyKeywords(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Classification
	}{
		{
			name: "plain approve",
			body: "Approve",
			want: Classification{Intent: IntentApprove},
		},
		{
			name: "lgtm",
			body: "LGTM, thanks!",
			want: Classification{Intent: IntentApprove},
		},
		{
			name: "looks good",
			body: "this looks good to me",
			want: Classification{Intent: IntentApprove},
		},
		{
			name: "approve and merge",
			body: "approved, please merge it",
			want: Classification{Intent: IntentApprove, ShouldMerge: true},
		},
		{
			name: "merge later negates should_merge",
			body: "approve, but merge later after the freeze",
			want: Classification{Intent: IntentApprove},
		},
		{
			name: "reject carries instructions",
			body: "  reject: use the stdlib parser instead  ",
			want: Classification{
				Intent:       IntentReject,
				Instructions: "reject: use the stdlib parser instead",
			},
		},
		{
			name: "request changes",
			body: "request changes, the error path is wrong",
			want: Classification{
				Intent:       IntentReject,
				Instructions: "request changes, the error path is wrong",
			},
		},
		{
			name: "do not merge",
			body: "do not merge this yet",
			want: Classification{
				Intent:       IntentReject,
				Instructions: "do not merge this yet",
			},
		},
		{
			name: "plain abandon",
			body: "abandon this, it is not worth the churn",
			want: Classification{Intent: IntentAbandon},
		},
		{
			name: "give up",
			body: "let's give up on this one",
			want: Classification{Intent: IntentAbandon},
		},
		{
			name: "stop working",
			body: "please stop working on this ticket",
			want: Classification{Intent: IntentAbandon},
		},
		{
			name: "conflicting signals are unclear",
			body: "looks good but needs work on the tests",
			want: Classification{Intent: IntentUnclear},
		},
		{
			name: "abandon conflicting with approve is unclear",
			body: "looks good, or maybe just abandon it",
			want: Classification{Intent: IntentUnclear},
		},
		{
			name: "no signal is unclear",
			body: "can you explain the second commit?",
			want: Classification{Intent: IntentUnclear},
		},
		{
			name: "empty body is unclear",
			body: "",
			want: Classification{Intent: IntentUnclear},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyKeywords(tt.body)
			require.NotNil(t, got)
			assert.Equal(t, tt.want, *got)
		})
	}
}

func TestParseClassification(t *testing.T) {
	t.Run("bare object", func(t *testing.T) {
		cls := parseClassification(`{"intent": "approve", "should_merge": true}`)
		require.NotNil(t, cls)
		assert.Equal(t, IntentApprove, cls.Intent)
		assert.True(t, cls.ShouldMerge)
	})

	t.Run("object wrapped in prose", func(t *testing.T) {
		cls := parseClassification("Sure, here is the classification:\n" +
			`{"intent": "reject", "instructions": "add tests"}` + "\nHope that helps.")
		require.NotNil(t, cls)
		assert.Equal(t, IntentReject, cls.Intent)
		assert.Equal(t, "add tests", cls.Instructions)
	})

	t.Run("abandon accepted", func(t *testing.T) {
		cls := parseClassification(`{"intent": "abandon"}`)
		require.NotNil(t, cls)
		assert.Equal(t, IntentAbandon, cls.Intent)
	})

	t.Run("unknown intent rejected", func(t *testing.T) {
		assert.Nil(t, parseClassification(`{"intent": "maybe"}`))
	})

	t.Run("no json", func(t *testing.T) {
		assert.Nil(t, parseClassification("approve"))
	})

	t.Run("malformed json", func(t *testing.T) {
		assert.Nil(t, parseClassification(`{"intent": "approve",`))
	})
}
