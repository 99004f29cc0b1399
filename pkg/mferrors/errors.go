// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package mferrors defines microflow's closed error taxonomy.
//
// Every kind a caller needs to branch on is a distinct exported type with an
// Error() method, plus Unwrap() on the kinds that wrap an underlying error: a
// struct per failure mode rather than a single generic "operation failed"
// type. Simple not-found/not-supported cases use package-level sentinel
// values instead.
package mferrors

import (
	"errors"
	"fmt"
)

// ErrRunNotFound is returned by a StateStore when no run exists for a run_id.
var ErrRunNotFound = errors.New("microflow: run not found")

// ErrNotSupported is returned by store/queue operations a variant declines
// to implement (e.g. ListRuns on a store with no efficient scan).
var ErrNotSupported = errors.New("microflow: operation not supported by this backend")

// ConfigError is raised at workflow-build time: an empty task name or nil
// fn, duplicate task names, references to unknown dependencies, or a cyclic
// dependency graph. It is
// always fatal and never triggers a retry — no partial run state is ever
// written for a ConfigError.
type ConfigError struct {
	Kind     string   // "cycle", "unknown_dep", "duplicate_name", "invalid_spec"
	Involved []string // task names implicated in the error
	Message  string
}

func (e *ConfigError) Error() string {
	if len(e.Involved) > 0 {
		return fmt.Sprintf("config error [%s]: %s (involved: %v)", e.Kind, e.Message, e.Involved)
	}
	return fmt.Sprintf("config error [%s]: %s", e.Kind, e.Message)
}

// TaskUserError wraps an error returned by a task's fn.
type TaskUserError struct {
	Task    string
	Attempt int
	Err     error
}

func (e *TaskUserError) Error() string {
	return fmt.Sprintf("task %q attempt %d failed: %v", e.Task, e.Attempt, e.Err)
}

func (e *TaskUserError) Unwrap() error { return e.Err }

// TaskTimeoutError indicates a per-attempt deadline was exceeded.
type TaskTimeoutError struct {
	Task    string
	Attempt int
}

func (e *TaskTimeoutError) Error() string {
	return fmt.Sprintf("task %q attempt %d exceeded its timeout", e.Task, e.Attempt)
}

// TaskCancelledError indicates the run was cancelled before or during this
// task's attempt. It is never retried.
type TaskCancelledError struct {
	Task string
}

func (e *TaskCancelledError) Error() string {
	return fmt.Sprintf("task %q cancelled", e.Task)
}

// StoreError wraps a persistence failure. The scheduler retries the
// underlying store operation internally before surfacing this.
type StoreError struct {
	Op      string // "load_run", "save_run", "update_ctx", "upsert_task"
	RunID   string
	Retries int
	Err     error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store error during %s for run %q after %d retries: %v", e.Op, e.RunID, e.Retries, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// SerializationError indicates a task's output (or the context handed to
// it) is not JSON-representable. It is never retried.
type SerializationError struct {
	Task string
	Err  error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("task %q produced a non-serializable output: %v", e.Task, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// Retryable reports whether an error kind is subject to the scheduler's
// per-task retry policy. ConfigError and SerializationError are never
// retried, nor is a TaskCancelledError or a StoreError — a StoreError only
// ever reaches a task's caller after the scheduler's own store-level retry
// budget is already exhausted, so retrying the task on top of that would
// just repeat a failure that is already known to be permanent.
func Retryable(err error) bool {
	var cancelled *TaskCancelledError
	if errors.As(err, &cancelled) {
		return false
	}
	var cfg *ConfigError
	if errors.As(err, &cfg) {
		return false
	}
	var ser *SerializationError
	if errors.As(err, &ser) {
		return false
	}
	var store *StoreError
	if errors.As(err, &store) {
		return false
	}
	return true
}
