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

package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mechanic-dev/mechanic/internal/tracker"
)

type stubTracker struct {
	fail      bool
	lastBody  string
	lastReply string
}

func (s *stubTracker) GetItem(ctx context.Context, itemID string) (*tracker.Item, error) {
	return nil, nil
}

func (s *stubTracker) ListUpdates(ctx context.Context, itemID string) ([]*tracker.Update, error) {
	return nil, nil
}

func (s *stubTracker) PostUpdate(ctx context.Context, itemID, body, inReplyTo string) (string, error) {
	if s.fail {
		return "", fmt.Errorf("tracker unavailable")
	}
	s.lastBody = body
	s.lastReply = inReplyTo
	return "u-1", nil
}

func (s *stubTracker) SetColumn(ctx context.Context, itemID, column string) error { return nil }

func TestCommentAndReply(t *testing.T) {
	st := &stubTracker{}
	n := New(st, slog.New(slog.NewTextHandler(io.Discard, nil)))

	id := n.Comment(context.Background(), "it-1", "hello")
	assert.Equal(t, "u-1", id)
	assert.Equal(t, "hello", st.lastBody)
	assert.Empty(t, st.lastReply)

	id = n.Reply(context.Background(), "it-1", "u-9", "pong")
	assert.Equal(t, "u-1", id)
	assert.Equal(t, "u-9", st.lastReply)
}

func TestFailuresAreSwallowed(t *testing.T) {
	st := &stubTracker{fail: true}
	n := New(st, slog.New(slog.NewTextHandler(io.Discard, nil)))

	assert.Empty(t, n.Comment(context.Background(), "it-1", "hello"))
	assert.Empty(t, n.Reply(context.Background(), "it-1", "u-9", "pong"))
}

func TestMention(t *testing.T) {
	assert.Equal(t, "@[Pat](user-1)", Mention("user-1", "Pat"))
	assert.Equal(t, "@Pat", Mention("", "Pat"))
}
