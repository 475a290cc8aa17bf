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
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis Streams transport.
type RedisConfig struct {
	// URL is a redis:// connection URL.
	URL string

	// Stream is the stream key.
	Stream string

	// Group is the consumer group. Each daemon instance joins the same
	// group so a message is delivered to exactly one consumer.
	Group string

	// Consumer is this instance's consumer name. Defaults to a random id.
	Consumer string

	// MaxLen caps the stream length (approximate trim).
	MaxLen int64

	// BlockTimeout bounds each XREADGROUP block so Consume can observe
	// context cancellation.
	BlockTimeout time.Duration
}

// Redis is a Redis Streams transport for multi-instance deployments.
type Redis struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
	maxLen   int64
	block    time.Duration
}

var _ Transport = (*Redis)(nil)

// NewRedis connects to Redis and ensures the consumer group exists.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse broker url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	if cfg.Stream == "" {
		cfg.Stream = "mechanic"
	}
	if cfg.Group == "" {
		cfg.Group = "mechanic-workers"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = uuid.NewString()
	}
	if cfg.MaxLen == 0 {
		cfg.MaxLen = 10000
	}
	if cfg.BlockTimeout == 0 {
		cfg.BlockTimeout = 5 * time.Second
	}

	// BUSYGROUP means another instance created the group first.
	err = client.XGroupCreateMkStream(ctx, cfg.Stream, cfg.Group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		client.Close()
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	return &Redis{
		client:   client,
		stream:   cfg.Stream,
		group:    cfg.Group,
		consumer: cfg.Consumer,
		maxLen:   cfg.MaxLen,
		block:    cfg.BlockTimeout,
	}, nil
}

// Publish appends the message to the stream.
func (r *Redis) Publish(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]any{"body": body},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Consume blocks until a message is delivered to this consumer or ctx is
// done. Messages are acked immediately: the ledger is the source of truth,
// so redelivery after a crash adds nothing.
func (r *Redis) Consume(ctx context.Context) (*Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    r.group,
			Consumer: r.consumer,
			Streams:  []string{r.stream, ">"},
			Count:    1,
			Block:    r.block,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to read stream: %w", err)
		}
		if len(streams) == 0 || len(streams[0].Messages) == 0 {
			continue
		}

		entry := streams[0].Messages[0]
		if err := r.client.XAck(ctx, r.stream, r.group, entry.ID).Err(); err != nil {
			return nil, fmt.Errorf("failed to ack message: %w", err)
		}

		body, ok := entry.Values["body"].(string)
		if !ok {
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(body), &msg); err != nil {
			continue
		}
		return &msg, nil
	}
}

// Close closes the Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
