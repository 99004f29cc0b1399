// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package task declares the immutable TaskSpec type: a task's identity,
// callable, and retry/backoff/timeout policy. Building one is deliberately
// not a decorator (Go has none) but a factory plus functional options, the
// same shape used elsewhere in this module to build nested config structs.
package task

import (
	"context"
	"time"
)

// Context is the string-keyed, JSON-representable mapping a task reads and
// returns a delta of. It is never mutated in place by the scheduler once
// handed to a task; see pkg/merge for how deltas are folded back in.
type Context map[string]any

// Func is the callable a task runs. It receives a context.Context carrying
// the per-attempt timeout/cancellation and an immutable snapshot of the
// run's shared context, and returns either a delta to merge or nil.
type Func func(ctx context.Context, snapshot Context) (Context, error)

const (
	// DefaultMaxBackoff is the cap applied to exponential retry backoff.
	DefaultMaxBackoff = 60 * time.Second
)

// Spec is an immutable task declaration. Construct one with New; it is safe
// to share a *Spec across multiple workflows since dependency edges are
// intrinsic to the spec, not to any one Workflow instance.
type Spec struct {
	name        string
	fn          Func
	maxRetries  int
	backoff     time.Duration
	timeout     time.Duration
	tags        []string
	description string
	deps        map[string]struct{}
}

// Option configures a Spec at construction time.
type Option func(*Spec)

// WithMaxRetries sets the number of retries after the first attempt
// (total attempts = retries + 1). Negative values are clamped to 0.
func WithMaxRetries(n int) Option {
	return func(s *Spec) {
		if n < 0 {
			n = 0
		}
		s.maxRetries = n
	}
}

// WithBackoff sets the base delay for exponential backoff between retries.
// Attempt N waits min(backoff*2^(N-1), DefaultMaxBackoff).
func WithBackoff(d time.Duration) Option {
	return func(s *Spec) { s.backoff = d }
}

// WithTimeout sets a per-attempt wall-clock cap. Zero means no timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Spec) { s.timeout = d }
}

// WithTags attaches advisory tags to the task.
func WithTags(tags ...string) Option {
	return func(s *Spec) { s.tags = append([]string(nil), tags...) }
}

// WithDescription attaches an advisory human-readable description.
func WithDescription(desc string) Option {
	return func(s *Spec) { s.description = desc }
}

// DependsOn declares upstream task names this spec depends on, in addition
// to any recorded via Before/After edges.
func DependsOn(names ...string) Option {
	return func(s *Spec) {
		for _, n := range names {
			s.deps[n] = struct{}{}
		}
	}
}

// New builds an immutable TaskSpec. name must be non-empty; fn must be
// non-nil (validated at workflow-build time, not here, to keep construction
// panic-free for use in package-level variable initializers).
func New(name string, fn Func, opts ...Option) *Spec {
	s := &Spec{
		name: name,
		fn:   fn,
		deps: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the task's unique name.
func (s *Spec) Name() string { return s.name }

// Fn returns the task's callable.
func (s *Spec) Fn() Func { return s.fn }

// MaxRetries returns the configured retry count.
func (s *Spec) MaxRetries() int { return s.maxRetries }

// Backoff returns the base backoff delay.
func (s *Spec) Backoff() time.Duration { return s.backoff }

// Timeout returns the per-attempt timeout, or 0 for none.
func (s *Spec) Timeout() time.Duration { return s.timeout }

// Tags returns the advisory tag set.
func (s *Spec) Tags() []string { return append([]string(nil), s.tags...) }

// Description returns the advisory description.
func (s *Spec) Description() string { return s.description }

// Deps returns the set of upstream task names this spec depends on.
func (s *Spec) Deps() []string {
	out := make([]string, 0, len(s.deps))
	for n := range s.deps {
		out = append(out, n)
	}
	return out
}

// RetryDelay returns the backoff delay awaited after attempt number
// `attempt` (1-indexed) has failed, before the next attempt starts, capped
// at DefaultMaxBackoff.
func (s *Spec) RetryDelay(attempt int) time.Duration {
	if s.backoff <= 0 {
		return 0
	}
	d := s.backoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= DefaultMaxBackoff {
			return DefaultMaxBackoff
		}
	}
	if d > DefaultMaxBackoff {
		d = DefaultMaxBackoff
	}
	return d
}

// Before records that s must complete before downstream runs: it adds
// s.Name() to downstream's dependency set. It returns downstream so edges
// can be chained: a.Before(b).Before(c) makes both a and b run before c
// executes... (c still only depends on b in that chain; chain from the
// task that should gate the next one).
func (s *Spec) Before(downstream *Spec) *Spec {
	downstream.deps[s.name] = struct{}{}
	return downstream
}

// After is the mirror of Before: it records that s depends on upstream,
// and returns s so further edges can be chained from s.
func (s *Spec) After(upstream *Spec) *Spec {
	s.deps[upstream.name] = struct{}{}
	return s
}
