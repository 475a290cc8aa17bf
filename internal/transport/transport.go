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

// Package transport carries wake-up messages between daemon components. The
// queue in the ledger is the source of truth; transport messages are hints
// that let workers react immediately instead of waiting for the next poll, so
// losing one is never a correctness problem.
package transport

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport: closed")

// Kind identifies what a message asks the consumer to do.
type Kind string

const (
	// KindClassify asks the classifier to process a stored webhook event.
	KindClassify Kind = "classify"
	// KindWork signals a new leasable queue entry.
	KindWork Kind = "work"
	// KindResume signals an approved validation whose run should resume.
	KindResume Kind = "resume"
	// KindCancel asks the executor of a run to stop cooperatively.
	KindCancel Kind = "cancel"
)

// Message is one transport payload.
type Message struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`

	// EventID references a webhook_events row for classify messages.
	EventID int64 `json:"event_id,omitempty"`
	// QueueID references a queue_entries row for work messages.
	QueueID int64 `json:"queue_id,omitempty"`
	// RunID references a run for resume and cancel messages.
	RunID int64 `json:"run_id,omitempty"`
	// ValidationKey is the resume key for resume messages.
	ValidationKey string `json:"validation_key,omitempty"`

	SentAt time.Time `json:"sent_at"`
}

// Transport publishes and consumes wake-up messages.
type Transport interface {
	// Publish sends a message. Best effort: callers must not depend on
	// delivery for correctness.
	Publish(ctx context.Context, msg *Message) error

	// Consume blocks until a message arrives or ctx is done.
	Consume(ctx context.Context) (*Message, error)

	Close() error
}
