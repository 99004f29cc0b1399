// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package runner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"microflow/pkg/store"
	"microflow/pkg/task"
	"microflow/pkg/workflow"
)

func slowWorkflow(t *testing.T, sleep time.Duration, inFlight, maxInFlight *int32) *workflow.Workflow {
	fn := func(_ context.Context, _ task.Context) (task.Context, error) {
		n := atomic.AddInt32(inFlight, 1)
		for {
			max := atomic.LoadInt32(maxInFlight)
			if n <= max || atomic.CompareAndSwapInt32(maxInFlight, max, n) {
				break
			}
		}
		time.Sleep(sleep)
		atomic.AddInt32(inFlight, -1)
		return nil, nil
	}
	wf, err := workflow.Build(task.New("only", fn))
	require.NoError(t, err)
	return wf
}

func TestRunner_LimitsConcurrentTaskExecutions(t *testing.T) {
	r := New(WithMaxConcurrentWorkflows(0), WithMaxConcurrentTasks(2))
	var inFlight, maxInFlight int32
	dataDir := t.TempDir()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			wf := slowWorkflow(t, 30*time.Millisecond, &inFlight, &maxInFlight)
			st := store.NewFileStore(dataDir)
			_, err := r.RunWorkflow(context.Background(), wf, runIDFor(i), st, nil)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, maxInFlight, int32(2))
}

func TestRunner_LimitsConcurrentWorkflows(t *testing.T) {
	r := New(WithMaxConcurrentWorkflows(1), WithMaxConcurrentTasks(0))
	var inFlight, maxInFlight int32
	dataDir := t.TempDir()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			wf := slowWorkflow(t, 20*time.Millisecond, &inFlight, &maxInFlight)
			st := store.NewFileStore(dataDir)
			_, err := r.RunWorkflow(context.Background(), wf, runIDFor(100+i), st, nil)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInFlight)
}

func runIDFor(i int) string {
	return fmt.Sprintf("run-%d", i)
}
