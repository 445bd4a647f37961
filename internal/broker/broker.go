// Copyright 2026 The Forgeline Authors
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

// Package broker dispatches run work orders to external executors over Redis
// streams. The returned message ID is the dispatch handle persisted with the
// run; executors report progress back through the HTTP API, not the broker.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/forgeline/orchestrator/internal/metrics"
)

// Broker publishes work orders and returns an opaque dispatch handle.
type Broker interface {
	Publish(ctx context.Context, stream string, fields map[string]any) (string, error)
	Close() error
}

// DefaultStream is the stream work orders are published to.
const DefaultStream = "orchestrator:dispatch"

// Redis publishes to a Redis stream behind a circuit breaker, so a dead
// broker fails dispatch fast instead of stalling every worker on timeouts.
type Redis struct {
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker
}

// NewRedis connects to the broker at url (a redis:// URL).
func NewRedis(url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse broker url: %w", err)
	}
	return NewRedisWithClient(redis.NewClient(opts)), nil
}

// NewRedisWithClient wraps an existing client. Used by tests with miniredis.
func NewRedisWithClient(client *redis.Client) *Redis {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "broker",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Redis{client: client, breaker: breaker}
}

// Publish appends the work order to the stream and returns the message ID.
func (r *Redis) Publish(ctx context.Context, stream string, fields map[string]any) (string, error) {
	id, err := r.breaker.Execute(func() (any, error) {
		return r.client.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			Values: fields,
		}).Result()
	})
	if err != nil {
		metrics.BrokerPublishFailures.Inc()
		return "", fmt.Errorf("failed to publish to %s: %w", stream, err)
	}
	return id.(string), nil
}

// Close releases the client connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Nop is a broker that accepts everything and dispatches nothing. It backs
// the in-process executor used when no broker URL is configured.
type Nop struct{}

// Publish returns a synthetic handle.
func (Nop) Publish(_ context.Context, stream string, _ map[string]any) (string, error) {
	return "nop:" + stream, nil
}

// Close is a no-op.
func (Nop) Close() error { return nil }
