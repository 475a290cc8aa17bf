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

package transport

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process transport for single-node deployments and tests.
type Memory struct {
	ch chan *Message

	closedMu sync.RWMutex
	closed   bool
}

var _ Transport = (*Memory)(nil)

// NewMemory creates an in-process transport with the given buffer size.
func NewMemory(buffer int) *Memory {
	if buffer <= 0 {
		buffer = 256
	}
	return &Memory{ch: make(chan *Message, buffer)}
}

// Publish sends a message. When the buffer is full the message is dropped;
// the ledger poll loops pick the work up anyway.
func (m *Memory) Publish(ctx context.Context, msg *Message) error {
	m.closedMu.RLock()
	defer m.closedMu.RUnlock()
	if m.closed {
		return ErrClosed
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}

	select {
	case m.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// Consume blocks until a message arrives or ctx is done.
func (m *Memory) Consume(ctx context.Context) (*Message, error) {
	select {
	case msg, ok := <-m.ch:
		if !ok {
			return nil, ErrClosed
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes the transport. Pending messages are discarded.
func (m *Memory) Close() error {
	m.closedMu.Lock()
	defer m.closedMu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.ch)
	return nil
}
