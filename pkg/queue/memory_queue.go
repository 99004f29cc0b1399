// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"microflow/internal/visibility"
)

// MemoryQueue is the default, process-local FIFO. Messages are held only
// in memory and are lost on process restart — this is documented, not a
// defect.
//
// Unacked messages redeliver after VisibilityTimeout: each Consume first
// sweeps expired leases (via internal/visibility) back onto the ready queue
// before popping the next entry, so a crashed consumer's message is never
// lost.
type MemoryQueue struct {
	mu                sync.Mutex
	cond              *sync.Cond
	ready             []string
	payloads          map[string][]byte
	tracker           *visibility.MemoryTracker
	VisibilityTimeout time.Duration
}

// NewMemoryQueue returns an empty in-memory queue using
// DefaultVisibilityTimeout.
func NewMemoryQueue() *MemoryQueue {
	q := &MemoryQueue{
		payloads:          make(map[string][]byte),
		tracker:           visibility.NewMemoryTracker(),
		VisibilityTimeout: DefaultVisibilityTimeout,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Publish appends payload to the tail of the queue and returns its new
// message ID.
func (q *MemoryQueue) Publish(_ context.Context, payload []byte) (string, error) {
	id := uuid.NewString()

	q.mu.Lock()
	q.payloads[id] = payload
	q.ready = append(q.ready, id)
	q.mu.Unlock()

	q.cond.Broadcast()
	return id, nil
}

// Consume pops the head of the queue, leasing it for VisibilityTimeout, or
// returns (nil, nil) once blockTimeout elapses with nothing ready.
func (q *MemoryQueue) Consume(ctx context.Context, blockTimeout time.Duration) (*Message, error) {
	deadline := time.Now().Add(blockTimeout)
	holder := uuid.NewString()

	for {
		q.mu.Lock()
		q.requeueExpiredLocked()

		if len(q.ready) > 0 {
			id := q.ready[0]
			q.ready = q.ready[1:]
			payload := q.payloads[id]
			q.mu.Unlock()

			if _, err := q.tracker.Lease(visibility.LeaseRequest{
				MessageID: id,
				Holder:    holder,
				TTL:       q.VisibilityTimeout,
			}); err != nil {
				return nil, err
			}
			return &Message{ID: id, Payload: payload}, nil
		}
		q.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		q.waitOrTimeout(ctx, minDuration(remaining, 50*time.Millisecond))
	}
}

// requeueExpiredLocked moves any message whose lease has expired back onto
// the ready queue. Callers must hold q.mu.
func (q *MemoryQueue) requeueExpiredLocked() {
	for _, id := range q.tracker.CleanupExpired() {
		if _, ok := q.payloads[id]; ok {
			q.ready = append(q.ready, id)
		}
	}
}

// waitOrTimeout blocks on q.cond for at most d, or until ctx is cancelled.
func (q *MemoryQueue) waitOrTimeout(ctx context.Context, d time.Duration) {
	done := make(chan struct{})
	timer := time.AfterFunc(d, func() {
		q.cond.Broadcast()
	})
	defer timer.Stop()

	go func() {
		select {
		case <-ctx.Done():
			q.cond.Broadcast()
		case <-done:
		}
	}()

	q.mu.Lock()
	q.cond.Wait()
	q.mu.Unlock()
	close(done)
}

// Ack removes messageID for good. Only the consumer holding its current
// lease may ack it (identified internally; Queue.Ack callers need only the
// message ID, since a message is leased to exactly one consumer at a time).
func (q *MemoryQueue) Ack(_ context.Context, messageID string) error {
	lease, ok := q.tracker.Check(messageID)
	if !ok {
		return nil // already expired/redelivered/acked: ack is idempotent
	}
	if err := q.tracker.Release(messageID, lease.Holder); err != nil {
		return err
	}

	q.mu.Lock()
	delete(q.payloads, messageID)
	q.mu.Unlock()
	return nil
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

var _ Queue = (*MemoryQueue)(nil)
