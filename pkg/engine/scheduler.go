// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package engine implements the Scheduler: the ready-set dispatch loop that
// executes a Workflow to completion.
//
// The loop follows a seed-ready-set / dispatch / wait-for-one-completion /
// re-examine shape, adapted here from a Temporal workflow.Selector fan-in
// pattern to a plain buffered Go channel of completion events, since the
// engine runs as one in-process goroutine tree rather than a durable
// Temporal workflow.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"microflow/pkg/events"
	"microflow/pkg/merge"
	"microflow/pkg/mferrors"
	"microflow/pkg/store"
	"microflow/pkg/task"
	"microflow/pkg/workflow"
)

// storeRetryDelays is the backoff ladder applied to a failing store
// operation before it is escalated to a *mferrors.StoreError: 3 retries,
// matching RedisStore's own optimistic-transaction retry budget.
var storeRetryDelays = []time.Duration{50 * time.Millisecond, 200 * time.Millisecond, 800 * time.Millisecond}

// retryStoreOp runs op, retrying on any error (other than ErrRunNotFound,
// which is a normal outcome rather than a backend failure) up to
// len(storeRetryDelays) times with backoff. If op is still failing after
// the final retry, the result is wrapped in a *mferrors.StoreError.
func retryStoreOp(ctx context.Context, logger *slog.Logger, runID, opName string, op func() error) error {
	var lastErr error
	for attempt := 0; attempt <= len(storeRetryDelays); attempt++ {
		lastErr = op()
		if lastErr == nil || errors.Is(lastErr, mferrors.ErrRunNotFound) {
			return lastErr
		}
		if attempt < len(storeRetryDelays) {
			select {
			case <-time.After(storeRetryDelays[attempt]):
			case <-ctx.Done():
			}
		}
	}
	logger.Error("store operation exhausted retries", "run_id", runID, "op", opName, "error", lastErr)
	return &mferrors.StoreError{Op: opName, RunID: runID, Retries: len(storeRetryDelays), Err: lastErr}
}

// Scheduler executes one Workflow run at a time. TaskSem bounds concurrent
// fn invocations across every Scheduler sharing it (see pkg/runner); a nil
// TaskSem means unlimited concurrency.
type Scheduler struct {
	TaskSem chan struct{}
	Events  *events.Bus
	Logger  *slog.Logger
}

// New returns a Scheduler. taskSem and bus may be nil; a nil logger falls
// back to slog.Default().
func New(taskSem chan struct{}, bus *events.Bus, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{TaskSem: taskSem, Events: bus, Logger: logger}
}

type taskResult struct {
	name string
	err  error
}

// Run executes wf under runID against st, starting from initialCtx when no
// run record yet exists. If a run record already exists and has reached a
// terminal status, Run returns it unchanged without re-executing anything
// — replay of a finished run is an idempotent no-op, per the resolved
// open question on replay semantics.
func (s *Scheduler) Run(ctx context.Context, wf *workflow.Workflow, runID string, st store.StateStore, initialCtx task.Context) (*store.Run, error) {
	var run *store.Run
	err := retryStoreOp(ctx, s.Logger, runID, "load_run", func() error {
		r, e := st.LoadRun(ctx, runID)
		run = r
		return e
	})
	switch {
	case err == nil:
		if isTerminal(run.Status) {
			s.Logger.Info("replaying finished run, no-op", "run_id", runID, "status", run.Status)
			return run, nil
		}
	case errors.Is(err, mferrors.ErrRunNotFound):
		run = newRun(runID, wf, initialCtx)
		if err := retryStoreOp(ctx, s.Logger, runID, "save_run", func() error { return st.SaveRun(ctx, run) }); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	run.Status = store.RunRunning
	run.UpdatedAt = time.Now().UTC()
	if err := retryStoreOp(ctx, s.Logger, runID, "save_run", func() error { return st.SaveRun(ctx, run) }); err != nil {
		return nil, err
	}
	s.publish(events.Event{Kind: events.RunStarted, RunID: runID, At: time.Now().UTC()})

	d := &dispatch{
		sched:        s,
		ctx:          ctx,
		wf:           wf,
		runID:        runID,
		store:        st,
		results:      make(chan taskResult),
		preSucceeded: preSucceededSet(run),
	}
	return d.run()
}

// preSucceededSet reports which tasks already carry a succeeded record,
// so a Run() call resuming a pending/running record left behind by a
// crash does not re-execute work it already finished.
func preSucceededSet(run *store.Run) map[string]bool {
	out := make(map[string]bool, len(run.Tasks))
	for _, rec := range run.Tasks {
		if rec.Status == store.TaskSucceeded {
			out[rec.Name] = true
		}
	}
	return out
}

func isTerminal(status store.RunStatus) bool {
	switch status {
	case store.RunCompleted, store.RunFailed, store.RunCancelled:
		return true
	default:
		return false
	}
}

func newRun(runID string, wf *workflow.Workflow, initialCtx task.Context) *store.Run {
	now := time.Now().UTC()
	tasks := make([]store.TaskRecord, 0, wf.Len())
	for _, spec := range wf.Tasks() {
		tasks = append(tasks, store.TaskRecord{Name: spec.Name(), Status: store.TaskPending})
	}
	if initialCtx == nil {
		initialCtx = task.Context{}
	}
	return &store.Run{
		RunID:     runID,
		Status:    store.RunPending,
		CreatedAt: now,
		UpdatedAt: now,
		Ctx:       initialCtx,
		Tasks:     tasks,
	}
}

// dispatch holds the mutable state of one in-flight Run call.
type dispatch struct {
	sched   *Scheduler
	ctx     context.Context
	wf      *workflow.Workflow
	runID   string
	store   store.StateStore
	results chan taskResult

	indegree     map[string]int
	done         map[string]bool // succeeded, failed, skipped, or cancelled — terminal
	failed       map[string]bool
	skipped      map[string]bool
	canceled     map[string]bool
	preSucceeded map[string]bool

	mu          sync.Mutex
	storeFailed bool
	storeErr    error
}

// withStoreRetry runs op through retryStoreOp. If op is still failing once
// retries are exhausted, the run is marked store-unavailable: the dispatch
// loop stops handing out new work and finalize reports the run failed with
// reason "store_unavailable" instead of silently continuing as if the
// write had succeeded. Once the run is already marked store-unavailable,
// op is tried once more without the backoff ladder, since the escalation
// decision has already been made.
func (d *dispatch) withStoreRetry(opName string, op func() error) error {
	if d.storeUnavailable() {
		if err := op(); err != nil {
			d.sched.Logger.Error("store operation failed", "run_id", d.runID, "op", opName, "error", err)
			return err
		}
		return nil
	}

	err := retryStoreOp(d.ctx, d.sched.Logger, d.runID, opName, op)
	var storeErr *mferrors.StoreError
	if errors.As(err, &storeErr) {
		d.recordStoreFailure(storeErr)
	}
	return err
}

func (d *dispatch) recordStoreFailure(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.storeFailed {
		d.storeFailed = true
		d.storeErr = err
	}
}

func (d *dispatch) storeUnavailable() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.storeFailed
}

func (d *dispatch) run() (*store.Run, error) {
	d.indegree = make(map[string]int, d.wf.Len())
	d.done = make(map[string]bool, d.wf.Len())
	d.failed = make(map[string]bool)
	d.skipped = make(map[string]bool)
	d.canceled = make(map[string]bool)

	var ready []string
	for _, spec := range d.wf.Tasks() {
		n := len(spec.Deps())
		d.indegree[spec.Name()] = n
	}
	for name := range d.preSucceeded {
		d.done[name] = true
		for _, downstreamName := range d.wf.Downstream(name) {
			d.indegree[downstreamName]--
		}
	}
	for _, spec := range d.wf.Tasks() {
		name := spec.Name()
		if !d.done[name] && d.indegree[name] == 0 {
			ready = append(ready, name)
		}
	}

	inFlight := 0
	cancelling := false

	for len(d.done) < d.wf.Len() {
		if !cancelling && (d.ctx.Err() != nil || d.storeUnavailable()) {
			cancelling = true
		}

		if cancelling {
			// Never dispatch; anything newly ready is cancelled outright so
			// it still reaches a terminal state.
			for _, name := range ready {
				d.markCancelled(name)
			}
			d.cancelRemaining(nil)
			ready = nil
		} else {
			for _, name := range ready {
				spec, _ := d.wf.Task(name)
				inFlight++
				go d.runUnit(spec)
			}
			ready = nil
		}

		if inFlight == 0 {
			break
		}

		res := <-d.results
		inFlight--
		ready = append(ready, d.handleResult(res)...)
	}

	return d.finalize(cancelling || len(d.canceled) > 0)
}

// cancelRemaining marks every not-yet-dispatched, not-yet-terminal task as
// cancelled immediately; tasks already dispatched observe ctx.Done() at
// their own next suspension point.
func (d *dispatch) cancelRemaining(ready []string) {
	readySet := make(map[string]bool, len(ready))
	for _, n := range ready {
		readySet[n] = true
	}
	for _, spec := range d.wf.Tasks() {
		name := spec.Name()
		if d.done[name] {
			continue
		}
		if d.indegree[name] > 0 || readySet[name] {
			d.markCancelled(name)
		}
	}
}

func (d *dispatch) markCancelled(name string) {
	d.done[name] = true
	d.canceled[name] = true
	rec := store.TaskRecord{Name: name, Status: store.TaskCancelled}
	d.withStoreRetry("upsert_task", func() error { return d.store.UpsertTask(d.ctx, d.runID, rec) })
	d.sched.publish(events.Event{Kind: events.TaskCancelled, RunID: d.runID, Task: name, At: time.Now().UTC()})
}

// handleResult folds one task's outcome into dispatch state and returns any
// downstream tasks that became newly ready as a result.
func (d *dispatch) handleResult(res taskResult) []string {
	name := res.name
	d.done[name] = true

	if res.err == nil {
		var newlyReady []string
		for _, downstreamName := range d.wf.Downstream(name) {
			d.indegree[downstreamName]--
			if d.indegree[downstreamName] == 0 && !d.done[downstreamName] {
				newlyReady = append(newlyReady, downstreamName)
			}
		}
		return newlyReady
	}

	var cancelled *mferrors.TaskCancelledError
	if errors.As(res.err, &cancelled) {
		d.canceled[name] = true
	} else {
		d.failed[name] = true
	}
	d.skipDownstreamClosure(name)
	return nil
}

// skipDownstreamClosure marks every task transitively downstream of name as
// skipped — it will never be dispatched.
func (d *dispatch) skipDownstreamClosure(name string) {
	queue := d.wf.Downstream(name)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if d.done[n] {
			continue
		}
		d.done[n] = true
		d.skipped[n] = true
		rec := store.TaskRecord{Name: n, Status: store.TaskSkipped}
		d.withStoreRetry("upsert_task", func() error { return d.store.UpsertTask(d.ctx, d.runID, rec) })
		d.sched.publish(events.Event{Kind: events.TaskSkipped, RunID: d.runID, Task: n, At: time.Now().UTC()})
		queue = append(queue, d.wf.Downstream(n)...)
	}
}

// runUnit executes one task to a terminal outcome (success, non-retryable
// failure, or exhausted retries), looping attempts with cooperative
// backoff, and sends the final taskResult.
func (d *dispatch) runUnit(spec *task.Spec) {
	name := spec.Name()
	attempt := 0

	for {
		attempt++

		if d.ctx.Err() != nil {
			d.persistFailure(name, attempt, &mferrors.TaskCancelledError{Task: name})
			d.results <- taskResult{name: name, err: &mferrors.TaskCancelledError{Task: name}}
			return
		}

		d.persistRunning(name, attempt)
		d.sched.publish(events.Event{Kind: events.TaskStarted, RunID: d.runID, Task: name, Attempt: attempt, At: time.Now().UTC()})

		delta, err := d.attempt(spec, attempt)
		if err == nil {
			d.persistSuccess(name, attempt, delta)
			d.sched.publish(events.Event{Kind: events.TaskSucceeded, RunID: d.runID, Task: name, Attempt: attempt, At: time.Now().UTC()})
			d.results <- taskResult{name: name}
			return
		}

		if !mferrors.Retryable(err) || attempt >= spec.MaxRetries()+1 {
			d.persistFailure(name, attempt, err)
			d.sched.publish(events.Event{Kind: events.TaskFailed, RunID: d.runID, Task: name, Attempt: attempt, At: time.Now().UTC(), Err: err})
			d.results <- taskResult{name: name, err: err}
			return
		}

		d.sched.publish(events.Event{Kind: events.TaskRetrying, RunID: d.runID, Task: name, Attempt: attempt, At: time.Now().UTC(), Err: err})
		if !d.sleepBackoff(spec.RetryDelay(attempt)) {
			cancelErr := &mferrors.TaskCancelledError{Task: name}
			d.persistFailure(name, attempt, cancelErr)
			d.results <- taskResult{name: name, err: cancelErr}
			return
		}
	}
}

// attempt runs one invocation of spec.Fn under the task semaphore and its
// per-attempt timeout, returning the task's returned delta or a
// classified error.
func (d *dispatch) attempt(spec *task.Spec, attemptNum int) (task.Context, error) {
	var run *store.Run
	if err := d.withStoreRetry("load_run", func() error {
		r, e := d.store.LoadRun(d.ctx, d.runID)
		run = r
		return e
	}); err != nil {
		return nil, err
	}
	snapshot, err := merge.Snapshot(run.Ctx)
	if err != nil {
		return nil, &mferrors.SerializationError{Task: spec.Name(), Err: err}
	}

	if d.sched.TaskSem != nil {
		select {
		case d.sched.TaskSem <- struct{}{}:
			defer func() { <-d.sched.TaskSem }()
		case <-d.ctx.Done():
			return nil, &mferrors.TaskCancelledError{Task: spec.Name()}
		}
	}

	attemptCtx := d.ctx
	var cancel context.CancelFunc
	if spec.Timeout() > 0 {
		attemptCtx, cancel = context.WithTimeout(d.ctx, spec.Timeout())
		defer cancel()
	}

	delta, fnErr := spec.Fn()(attemptCtx, snapshot)
	if fnErr != nil {
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, &mferrors.TaskTimeoutError{Task: spec.Name(), Attempt: attemptNum}
		}
		if d.ctx.Err() == context.Canceled {
			return nil, &mferrors.TaskCancelledError{Task: spec.Name()}
		}
		return nil, &mferrors.TaskUserError{Task: spec.Name(), Attempt: attemptNum, Err: fnErr}
	}

	if err := merge.Validate(spec.Name(), delta); err != nil {
		return nil, err
	}
	return delta, nil
}

// sleepBackoff waits d, returning false if ctx is cancelled first.
func (d *dispatch) sleepBackoff(delay time.Duration) bool {
	if delay <= 0 {
		return d.ctx.Err() == nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-d.ctx.Done():
		return false
	}
}

func (d *dispatch) persistRunning(name string, attempt int) {
	now := time.Now().UTC()
	rec := store.TaskRecord{Name: name, Status: store.TaskRunning, Attempts: attempt, StartedAt: &now}
	d.withStoreRetry("upsert_task", func() error { return d.store.UpsertTask(d.ctx, d.runID, rec) })
}

func (d *dispatch) persistSuccess(name string, attempt int, delta task.Context) {
	now := time.Now().UTC()
	rec := store.TaskRecord{Name: name, Status: store.TaskSucceeded, Attempts: attempt, EndedAt: &now, Output: delta}
	d.withStoreRetry("upsert_task", func() error { return d.store.UpsertTask(d.ctx, d.runID, rec) })
	if len(delta) > 0 {
		d.withStoreRetry("update_ctx", func() error { return d.store.UpdateContext(d.ctx, d.runID, delta) })
	}
}

func (d *dispatch) persistFailure(name string, attempt int, err error) {
	now := time.Now().UTC()
	status := store.TaskFailed
	var cancelled *mferrors.TaskCancelledError
	if errors.As(err, &cancelled) {
		status = store.TaskCancelled
	}
	rec := store.TaskRecord{
		Name: name, Status: status, Attempts: attempt, EndedAt: &now,
		Error: &store.TaskError{Kind: errorKind(err), Message: err.Error()},
	}
	d.withStoreRetry("upsert_task", func() error { return d.store.UpsertTask(d.ctx, d.runID, rec) })
}

func errorKind(err error) string {
	switch {
	case errors.As(err, new(*mferrors.TaskTimeoutError)):
		return "timeout"
	case errors.As(err, new(*mferrors.TaskCancelledError)):
		return "cancelled"
	case errors.As(err, new(*mferrors.SerializationError)):
		return "serialization"
	case errors.As(err, new(*mferrors.StoreError)):
		return "store_error"
	default:
		return "user_error"
	}
}

func (d *dispatch) finalize(cancelled bool) (*store.Run, error) {
	var run *store.Run
	if err := d.withStoreRetry("load_run", func() error {
		r, e := d.store.LoadRun(d.ctx, d.runID)
		run = r
		return e
	}); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	run.UpdatedAt = now

	switch {
	case d.storeUnavailable():
		run.Status = store.RunFailed
		run.FailureReason = "store_unavailable"
		d.sched.Logger.Error("run failed: store unavailable", "run_id", d.runID, "error", d.storeErr)
		d.sched.publish(events.Event{Kind: events.RunFailed, RunID: d.runID, At: now})
	case cancelled:
		run.Status = store.RunCancelled
		run.FailureReason = "run cancelled"
		d.sched.publish(events.Event{Kind: events.RunCancelled, RunID: d.runID, At: now})
	case len(d.failed) > 0:
		run.Status = store.RunFailed
		run.FailureReason = "one or more tasks failed"
		var firstEnd time.Time
		for _, rec := range run.Tasks {
			if rec.Status != store.TaskFailed || rec.Error == nil || rec.EndedAt == nil {
				continue
			}
			if firstEnd.IsZero() || rec.EndedAt.Before(firstEnd) {
				firstEnd = *rec.EndedAt
				run.FailureReason = rec.Error.Message
			}
		}
		d.sched.publish(events.Event{Kind: events.RunFailed, RunID: d.runID, At: now})
	default:
		run.Status = store.RunCompleted
		d.sched.publish(events.Event{Kind: events.RunCompleted, RunID: d.runID, At: now})
	}

	if err := d.withStoreRetry("save_run", func() error { return d.store.SaveRun(d.ctx, run) }); err != nil {
		return nil, err
	}
	return run, nil
}

func (s *Scheduler) publish(ev events.Event) {
	if s.Events != nil {
		s.Events.Publish(ev)
	}
}
