// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package queue

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"microflow/internal/config"
)

// NewFromConfig selects and constructs the Queue variant named by
// cfg.QueueProvider: an in-process MemoryQueue for "memory", or a
// RedisQueue named name, backed by a fresh client dialed against
// cfg.RedisURL, for "redis". This is the only place application startup
// needs to know which Queue implementation exists.
func NewFromConfig(cfg config.Config, name string) (Queue, error) {
	switch cfg.QueueProvider {
	case config.QueueProviderMemory:
		q := NewMemoryQueue()
		if cfg.QueueVisibilityTimeout > 0 {
			q.VisibilityTimeout = time.Duration(cfg.QueueVisibilityTimeout) * time.Second
		}
		return q, nil
	case config.QueueProviderRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("queue: parse redis_url: %w", err)
		}
		q := NewRedisQueue(redis.NewClient(opts), name)
		if cfg.QueueVisibilityTimeout > 0 {
			q.VisibilityTimeout = time.Duration(cfg.QueueVisibilityTimeout) * time.Second
		}
		return q, nil
	default:
		return nil, fmt.Errorf("queue: unknown queue_provider %q", cfg.QueueProvider)
	}
}
