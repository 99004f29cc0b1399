// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package runner provides WorkflowRunner: a process-wide coordinator that
// owns the two concurrency caps every engine.Scheduler it launches shares —
// one on concurrent runs, one on concurrent task executions across every
// run. Both are sized buffered-channel semaphores, the common
// chan struct{}-as-semaphore idiom for bounding concurrent work.
package runner

import (
	"context"
	"log/slog"

	"microflow/pkg/engine"
	"microflow/pkg/events"
	"microflow/pkg/store"
	"microflow/pkg/task"
	"microflow/pkg/workflow"
)

const (
	// DefaultMaxConcurrentWorkflows is applied when New is given no
	// WithMaxConcurrentWorkflows option.
	DefaultMaxConcurrentWorkflows = 8
	// DefaultMaxConcurrentTasks is applied when New is given no
	// WithMaxConcurrentTasks option.
	DefaultMaxConcurrentTasks = 32
)

// Runner bounds how many workflows and how many individual task attempts
// may execute concurrently, process-wide.
type Runner struct {
	workflowSem chan struct{} // nil: unlimited concurrent runs
	taskSem     chan struct{} // nil: unlimited concurrent task executions
	events      *events.Bus
	logger      *slog.Logger
}

// Option configures a Runner at construction time, the same functional-
// options shape task.Option uses for building a Spec.
type Option func(*runnerConfig)

type runnerConfig struct {
	maxWorkflows int
	maxTasks     int
	events       *events.Bus
	logger       *slog.Logger
}

// WithMaxConcurrentWorkflows caps concurrent runs. n <= 0 disables the cap.
func WithMaxConcurrentWorkflows(n int) Option {
	return func(c *runnerConfig) { c.maxWorkflows = n }
}

// WithMaxConcurrentTasks caps concurrent task executions across every run
// this Runner launches. n <= 0 disables the cap.
func WithMaxConcurrentTasks(n int) Option {
	return func(c *runnerConfig) { c.maxTasks = n }
}

// WithEvents attaches an events.Bus every launched Scheduler publishes to.
func WithEvents(bus *events.Bus) Option {
	return func(c *runnerConfig) { c.events = bus }
}

// WithLogger attaches a structured logger; the default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *runnerConfig) { c.logger = logger }
}

// New returns a Runner. With no options, concurrency is capped at
// DefaultMaxConcurrentWorkflows/DefaultMaxConcurrentTasks.
func New(opts ...Option) *Runner {
	cfg := &runnerConfig{
		maxWorkflows: DefaultMaxConcurrentWorkflows,
		maxTasks:     DefaultMaxConcurrentTasks,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	r := &Runner{events: cfg.events, logger: cfg.logger}
	if cfg.maxWorkflows > 0 {
		r.workflowSem = make(chan struct{}, cfg.maxWorkflows)
	}
	if cfg.maxTasks > 0 {
		r.taskSem = make(chan struct{}, cfg.maxTasks)
	}
	return r
}

// RunWorkflow acquires a workflow permit (blocking until one is free or ctx
// is cancelled), then runs wf to completion through a fresh engine.Scheduler
// sharing this Runner's task semaphore, releasing the workflow permit on
// return.
func (r *Runner) RunWorkflow(ctx context.Context, wf *workflow.Workflow, runID string, st store.StateStore, initialCtx task.Context) (*store.Run, error) {
	if r.workflowSem != nil {
		select {
		case r.workflowSem <- struct{}{}:
			defer func() { <-r.workflowSem }()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	sched := engine.New(r.taskSem, r.events, r.logger)
	return sched.Run(ctx, wf, runID, st, initialCtx)
}
