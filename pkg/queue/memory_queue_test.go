// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueue_PublishConsumeAck(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	id, err := q.Publish(ctx, []byte("hello"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msg, err := q.Consume(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, id, msg.ID)
	assert.Equal(t, "hello", string(msg.Payload))

	require.NoError(t, q.Ack(ctx, msg.ID))

	// Second Ack is idempotent.
	require.NoError(t, q.Ack(ctx, msg.ID))
}

func TestMemoryQueue_ConsumeEmptyTimesOut(t *testing.T) {
	q := NewMemoryQueue()
	msg, err := q.Consume(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestMemoryQueue_FIFOOrdering(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	ids := make([]string, 0, 3)
	for _, payload := range []string{"a", "b", "c"} {
		id, err := q.Publish(ctx, []byte(payload))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for _, want := range ids {
		msg, err := q.Consume(ctx, 100*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, want, msg.ID)
		require.NoError(t, q.Ack(ctx, msg.ID))
	}
}

func TestMemoryQueue_RedeliversAfterVisibilityTimeout(t *testing.T) {
	q := NewMemoryQueue()
	q.VisibilityTimeout = 30 * time.Millisecond
	ctx := context.Background()

	id, err := q.Publish(ctx, []byte("retry-me"))
	require.NoError(t, err)

	first, err := q.Consume(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, id, first.ID)

	// Don't ack — let the lease expire, then it must redeliver.
	time.Sleep(50 * time.Millisecond)

	second, err := q.Consume(ctx, 200*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, id, second.ID)

	require.NoError(t, q.Ack(ctx, second.ID))
}

func TestMemoryQueue_ConsumeRespectsContextCancellation(t *testing.T) {
	q := NewMemoryQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Consume(ctx, 500*time.Millisecond)
	assert.Error(t, err)
}
