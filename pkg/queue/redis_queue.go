// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisQueue is a Redis-list-backed FIFO shared across processes: LPUSH
// enqueues, BRPOPLPUSH atomically moves an entry from the ready list to a
// per-queue "processing" list so a crashed consumer's message isn't
// dropped, and a parallel hash of deadlines drives redelivery.
type RedisQueue struct {
	client            *redis.Client
	name              string
	VisibilityTimeout time.Duration
}

type redisEnvelope struct {
	ID      string `json:"id"`
	Payload []byte `json:"payload"`
}

// NewRedisQueue returns a RedisQueue named name, sharing client with any
// other microflow component. Distinct names are fully independent queues.
func NewRedisQueue(client *redis.Client, name string) *RedisQueue {
	return &RedisQueue{client: client, name: name, VisibilityTimeout: DefaultVisibilityTimeout}
}

func (q *RedisQueue) readyKey() string      { return "microflow:queue:" + q.name + ":ready" }
func (q *RedisQueue) processingKey() string { return "microflow:queue:" + q.name + ":processing" }
func (q *RedisQueue) deadlinesKey() string  { return "microflow:queue:" + q.name + ":deadlines" }
func (q *RedisQueue) entryKey(id string) string {
	return "microflow:queue:" + q.name + ":entry:" + id
}

// Publish LPUSHes a new envelope onto the ready list.
func (q *RedisQueue) Publish(ctx context.Context, payload []byte) (string, error) {
	id := uuid.NewString()
	raw, err := json.Marshal(redisEnvelope{ID: id, Payload: payload})
	if err != nil {
		return "", err
	}
	if err := q.client.LPush(ctx, q.readyKey(), raw).Err(); err != nil {
		return "", err
	}
	return id, nil
}

// Consume first requeues any processing entry past its visibility
// deadline, then blocks up to blockTimeout for a new (or requeued) entry,
// moving it onto the processing list and recording a fresh deadline.
func (q *RedisQueue) Consume(ctx context.Context, blockTimeout time.Duration) (*Message, error) {
	if err := q.requeueExpired(ctx); err != nil {
		return nil, err
	}

	raw, err := q.client.BRPopLPush(ctx, q.readyKey(), q.processingKey(), blockTimeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var env redisEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(q.VisibilityTimeout).Unix()
	if err := q.client.HSet(ctx, q.deadlinesKey(), env.ID, deadline).Err(); err != nil {
		return nil, err
	}
	if err := q.client.Set(ctx, q.entryKey(env.ID), raw, 0).Err(); err != nil {
		return nil, err
	}

	return &Message{ID: env.ID, Payload: env.Payload}, nil
}

// Ack removes the processing-list copy of messageID and its deadline.
// Acking an already-redelivered or unknown ID is a no-op.
func (q *RedisQueue) Ack(ctx context.Context, messageID string) error {
	raw, err := q.client.Get(ctx, q.entryKey(messageID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}

	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processingKey(), 1, raw)
	pipe.HDel(ctx, q.deadlinesKey(), messageID)
	pipe.Del(ctx, q.entryKey(messageID))
	_, err = pipe.Exec(ctx)
	return err
}

// requeueExpired scans the deadlines hash for entries past due and moves
// their processing-list copy back onto the ready list.
func (q *RedisQueue) requeueExpired(ctx context.Context) error {
	deadlines, err := q.client.HGetAll(ctx, q.deadlinesKey()).Result()
	if err != nil {
		return err
	}
	now := time.Now().Unix()

	for id, deadlineStr := range deadlines {
		deadline, err := strconv.ParseInt(deadlineStr, 10, 64)
		if err != nil || deadline > now {
			continue
		}

		raw, err := q.client.Get(ctx, q.entryKey(id)).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				q.client.HDel(ctx, q.deadlinesKey(), id)
			}
			continue
		}

		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, q.processingKey(), 1, raw)
		pipe.LPush(ctx, q.readyKey(), raw)
		pipe.HDel(ctx, q.deadlinesKey(), id)
		pipe.Del(ctx, q.entryKey(id))
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

var _ Queue = (*RedisQueue)(nil)
