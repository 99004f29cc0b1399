// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package store

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"microflow/internal/config"
)

// NewFromConfig selects and constructs the StateStore variant named by
// cfg.QueueProvider: a FileStore rooted at cfg.DataDir for "memory", or a
// RedisStore backed by a fresh client dialed against cfg.RedisURL for
// "redis". This is the only place application startup needs to know which
// StateStore implementation exists.
func NewFromConfig(cfg config.Config) (StateStore, error) {
	switch cfg.QueueProvider {
	case config.QueueProviderMemory:
		return NewFileStore(cfg.DataDir), nil
	case config.QueueProviderRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("store: parse redis_url: %w", err)
		}
		return NewRedisStore(redis.NewClient(opts)), nil
	default:
		return nil, fmt.Errorf("store: unknown queue_provider %q", cfg.QueueProvider)
	}
}
