// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"microflow/pkg/mferrors"
	"microflow/pkg/merge"
	"microflow/pkg/task"
)

// RedisStore persists one string entry per run keyed
// "microflow:run:<run_id>". Atomicity for UpdateContext/UpsertTask
// is achieved with Redis's WATCH/MULTI/EXEC optimistic-transaction
// primitive: the key is watched, the new value computed from the watched
// read, and the write only commits if nothing touched the key in between;
// a lost race (redis.TxFailedErr) is retried.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing *redis.Client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func runKey(runID string) string {
	return "microflow:run:" + runID
}

// LoadRun fetches and decodes the run document for runID.
func (s *RedisStore) LoadRun(ctx context.Context, runID string) (*Run, error) {
	raw, err := s.client.Get(ctx, runKey(runID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, mferrors.ErrRunNotFound
		}
		return nil, &mferrors.StoreError{Op: "load_run", RunID: runID, Err: err}
	}
	var run Run
	if err := json.Unmarshal(raw, &run); err != nil {
		return nil, &mferrors.StoreError{Op: "load_run", RunID: runID, Err: err}
	}
	return &run, nil
}

// SaveRun writes a full replacement of run's document.
func (s *RedisStore) SaveRun(ctx context.Context, run *Run) error {
	raw, err := json.Marshal(run)
	if err != nil {
		return &mferrors.StoreError{Op: "save_run", RunID: run.RunID, Err: err}
	}
	if err := s.client.Set(ctx, runKey(run.RunID), raw, 0).Err(); err != nil {
		return &mferrors.StoreError{Op: "save_run", RunID: run.RunID, Err: err}
	}
	return nil
}

// UpdateContext atomically merges delta into run's context using a
// WATCH/MULTI/EXEC transaction, retried up to 3 times on contention.
func (s *RedisStore) UpdateContext(ctx context.Context, runID string, delta task.Context) error {
	if err := merge.Validate("(context delta)", delta); err != nil {
		return err
	}

	key := runKey(runID)
	op := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if err == redis.Nil {
				return mferrors.ErrRunNotFound
			}
			return err
		}
		var run Run
		if err := json.Unmarshal(raw, &run); err != nil {
			return err
		}
		run.Ctx = merge.Apply(run.Ctx, delta)
		run.UpdatedAt = time.Now().UTC()
		newRaw, err := json.Marshal(&run)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, newRaw, 0)
			return nil
		})
		return err
	}

	return s.retryTx(ctx, runID, "update_ctx", key, op)
}

// UpsertTask atomically replaces (or appends) rec within run's task list.
func (s *RedisStore) UpsertTask(ctx context.Context, runID string, rec TaskRecord) error {
	key := runKey(runID)
	op := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if err == redis.Nil {
				return mferrors.ErrRunNotFound
			}
			return err
		}
		var run Run
		if err := json.Unmarshal(raw, &run); err != nil {
			return err
		}
		if idx := run.TaskIndex(rec.Name); idx >= 0 {
			run.Tasks[idx] = rec
		} else {
			run.Tasks = append(run.Tasks, rec)
		}
		run.UpdatedAt = time.Now().UTC()
		newRaw, err := json.Marshal(&run)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, newRaw, 0)
			return nil
		})
		return err
	}

	return s.retryTx(ctx, runID, "upsert_task", key, op)
}

// retryTx runs op inside a WATCH'd transaction, retrying on
// redis.TxFailedErr up to 3 times with brief backoff.
func (s *RedisStore) retryTx(ctx context.Context, runID, opName, key string, op func(tx *redis.Tx) error) error {
	delays := []time.Duration{50 * time.Millisecond, 200 * time.Millisecond, 800 * time.Millisecond}
	var lastErr error
	for attempt := 0; attempt <= len(delays); attempt++ {
		err := s.client.Watch(ctx, op, key)
		if err == nil {
			return nil
		}
		if err == mferrors.ErrRunNotFound {
			return err
		}
		lastErr = err
		if err != redis.TxFailedErr {
			break
		}
		if attempt < len(delays) {
			select {
			case <-time.After(delays[attempt]):
			case <-ctx.Done():
				return &mferrors.StoreError{Op: opName, RunID: runID, Retries: attempt, Err: ctx.Err()}
			}
		}
	}
	return &mferrors.StoreError{Op: opName, RunID: runID, Retries: len(delays), Err: lastErr}
}

// ListRuns is not supported efficiently by the Redis variant: it would
// require an unbounded SCAN over the "microflow:run:*" keyspace, so callers
// get ErrNotSupported instead of an expensive best-effort scan.
func (s *RedisStore) ListRuns(_ context.Context) ([]RunSummary, error) {
	return nil, mferrors.ErrNotSupported
}

var _ StateStore = (*RedisStore)(nil)
