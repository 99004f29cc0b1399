// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package merge implements the pure context-merge function: shallow,
// last-writer-wins at the top level. It is deliberately not a deep
// merge — a task returning {"items": [1]} overwrites any prior "items"
// rather than appending to it, so callers can reason about observable
// context without tracing every upstream task's partial contributions.
package merge

import (
	"encoding/json"
	"fmt"

	"microflow/pkg/mferrors"
	"microflow/pkg/task"
)

// Apply returns a new context equal to base with every key in delta
// overwritten (shallow, last-writer-wins). base is never mutated.
func Apply(base, delta task.Context) task.Context {
	out := make(task.Context, len(base)+len(delta))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range delta {
		out[k] = v
	}
	return out
}

// Snapshot returns a defensively-copied, JSON-round-tripped view of ctx
// suitable for handing to a task's fn: mutation of the returned value by
// the task must never be observable to other tasks or to the store.
//
// The round trip also validates every value is JSON-representable ahead of
// dispatch, the same check the store re-applies before persisting a task's
// returned delta (see Validate).
func Snapshot(ctx task.Context) (task.Context, error) {
	raw, err := json.Marshal(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot context: %w", err)
	}
	var out task.Context
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("snapshot context: %w", err)
	}
	if out == nil {
		out = task.Context{}
	}
	return out, nil
}

// Validate confirms delta is entirely JSON-representable, returning a
// *mferrors.SerializationError (naming taskName) otherwise. It is called on
// every task-returned delta before the scheduler attempts to merge and
// persist it.
func Validate(taskName string, delta task.Context) error {
	if delta == nil {
		return nil
	}
	if _, err := json.Marshal(delta); err != nil {
		return &mferrors.SerializationError{Task: taskName, Err: err}
	}
	return nil
}
