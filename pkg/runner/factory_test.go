// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"microflow/internal/config"
)

func TestNewFromConfig_AppliesConcurrencyCaps(t *testing.T) {
	cfg := config.Defaults()
	cfg.MaxConcurrentWorkflows = 2
	cfg.MaxConcurrentTasks = 5

	r := NewFromConfig(cfg)
	assert.Equal(t, 2, cap(r.workflowSem))
	assert.Equal(t, 5, cap(r.taskSem))
}

func TestNewFromConfig_OptsOverrideConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.MaxConcurrentWorkflows = 2

	r := NewFromConfig(cfg, WithMaxConcurrentWorkflows(9))
	assert.Equal(t, 9, cap(r.workflowSem))
}
