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

// Package notify posts best-effort comments back to the tracker. Failures
// are logged and swallowed: a lost notification never fails a workflow.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mechanic-dev/mechanic/internal/tracker"
)

// Notifier posts tracker comments without propagating failures.
type Notifier struct {
	tracker tracker.Client
	logger  *slog.Logger
}

// New builds a Notifier.
func New(tc tracker.Client, logger *slog.Logger) *Notifier {
	return &Notifier{tracker: tc, logger: logger}
}

// Comment posts a comment on an item. Returns the update id, empty on
// failure.
func (n *Notifier) Comment(ctx context.Context, itemID, body string) string {
	id, err := n.tracker.PostUpdate(ctx, itemID, body, "")
	if err != nil {
		n.logger.Warn("notification failed", "item_id", itemID, "error", err)
		return ""
	}
	return id
}

// Reply posts a reply to an existing update.
func (n *Notifier) Reply(ctx context.Context, itemID, inReplyTo, body string) string {
	id, err := n.tracker.PostUpdate(ctx, itemID, body, inReplyTo)
	if err != nil {
		n.logger.Warn("notification reply failed", "item_id", itemID, "error", err)
		return ""
	}
	return id
}

// Mention formats a tracker mention for a user.
func Mention(userID, name string) string {
	if userID != "" {
		return fmt.Sprintf("@[%s](%s)", name, userID)
	}
	return "@" + name
}
