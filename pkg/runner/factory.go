// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package runner

import "microflow/internal/config"

// NewFromConfig returns a Runner sized from cfg's concurrency caps. opts
// layers on top of cfg the same way they would on top of New's own
// defaults, so WithEvents/WithLogger/etc. still apply; an explicit
// WithMaxConcurrentWorkflows/WithMaxConcurrentTasks in opts overrides the
// corresponding cfg value, since it is applied after cfg's.
func NewFromConfig(cfg config.Config, opts ...Option) *Runner {
	base := []Option{
		WithMaxConcurrentWorkflows(cfg.MaxConcurrentWorkflows),
		WithMaxConcurrentTasks(cfg.MaxConcurrentTasks),
	}
	return New(append(base, opts...)...)
}
