// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"microflow/internal/config"
)

func TestNewFromConfig_MemoryProviderReturnsMemoryQueue(t *testing.T) {
	cfg := config.Defaults()

	q, err := NewFromConfig(cfg, "orders")
	require.NoError(t, err)
	_, ok := q.(*MemoryQueue)
	assert.True(t, ok)
}

func TestNewFromConfig_RedisProviderReturnsRedisQueueWithVisibilityTimeout(t *testing.T) {
	cfg := config.Defaults()
	cfg.QueueProvider = config.QueueProviderRedis
	cfg.RedisURL = "redis://localhost:6379/0"
	cfg.QueueVisibilityTimeout = 45

	q, err := NewFromConfig(cfg, "orders")
	require.NoError(t, err)
	rq, ok := q.(*RedisQueue)
	require.True(t, ok)
	assert.Equal(t, 45*time.Second, rq.VisibilityTimeout)
}

func TestNewFromConfig_UnknownProviderErrors(t *testing.T) {
	cfg := config.Defaults()
	cfg.QueueProvider = "kafka"

	_, err := NewFromConfig(cfg, "orders")
	assert.Error(t, err)
}
