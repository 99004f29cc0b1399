// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"microflow/pkg/mferrors"
	"microflow/pkg/task"
)

func newTestRun(runID string) *Run {
	now := time.Now().UTC()
	return &Run{
		RunID:     runID,
		Status:    RunPending,
		CreatedAt: now,
		UpdatedAt: now,
		Ctx:       task.Context{"seed": 1},
		Tasks:     []TaskRecord{{Name: "a", Status: TaskPending}},
	}
}

func TestFileStore_SaveLoadRoundTrip(t *testing.T) {
	s := NewFileStore(t.TempDir())
	ctx := context.Background()

	run := newTestRun("run-1")
	require.NoError(t, s.SaveRun(ctx, run))

	got, err := s.LoadRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, run.RunID, got.RunID)
	assert.Equal(t, run.Status, got.Status)
	assert.EqualValues(t, 1, got.Ctx["seed"])
}

func TestFileStore_LoadRun_NotFound(t *testing.T) {
	s := NewFileStore(t.TempDir())
	_, err := s.LoadRun(context.Background(), "ghost")
	assert.ErrorIs(t, err, mferrors.ErrRunNotFound)
}

func TestFileStore_UpdateContext_MergesShallow(t *testing.T) {
	s := NewFileStore(t.TempDir())
	ctx := context.Background()

	run := newTestRun("run-2")
	require.NoError(t, s.SaveRun(ctx, run))

	require.NoError(t, s.UpdateContext(ctx, "run-2", task.Context{"added": "x"}))

	got, err := s.LoadRun(ctx, "run-2")
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.Ctx["seed"])
	assert.Equal(t, "x", got.Ctx["added"])
}

func TestFileStore_UpdateContext_RejectsNonSerializable(t *testing.T) {
	s := NewFileStore(t.TempDir())
	ctx := context.Background()
	require.NoError(t, s.SaveRun(ctx, newTestRun("run-3")))

	err := s.UpdateContext(ctx, "run-3", task.Context{"fn": func() {}})
	require.Error(t, err)
	var serErr *mferrors.SerializationError
	assert.True(t, errors.As(err, &serErr))
}

func TestFileStore_UpsertTask_ReplacesExistingByName(t *testing.T) {
	s := NewFileStore(t.TempDir())
	ctx := context.Background()
	require.NoError(t, s.SaveRun(ctx, newTestRun("run-4")))

	require.NoError(t, s.UpsertTask(ctx, "run-4", TaskRecord{Name: "a", Status: TaskSucceeded}))
	require.NoError(t, s.UpsertTask(ctx, "run-4", TaskRecord{Name: "b", Status: TaskRunning}))

	got, err := s.LoadRun(ctx, "run-4")
	require.NoError(t, err)
	require.Len(t, got.Tasks, 2)
	assert.Equal(t, TaskSucceeded, got.Tasks[got.TaskIndex("a")].Status)
	assert.Equal(t, TaskRunning, got.Tasks[got.TaskIndex("b")].Status)
}

func TestFileStore_ListRuns(t *testing.T) {
	s := NewFileStore(t.TempDir())
	ctx := context.Background()
	require.NoError(t, s.SaveRun(ctx, newTestRun("run-a")))
	require.NoError(t, s.SaveRun(ctx, newTestRun("run-b")))

	summaries, err := s.ListRuns(ctx)
	require.NoError(t, err)
	assert.Len(t, summaries, 2)
}

func TestFileStore_ListRuns_EmptyDataDir(t *testing.T) {
	s := NewFileStore(t.TempDir())
	summaries, err := s.ListRuns(context.Background())
	require.NoError(t, err)
	assert.Empty(t, summaries)
}

func TestFileStore_UpdateContext_ConcurrentWritesAreSerialised(t *testing.T) {
	s := NewFileStore(t.TempDir())
	ctx := context.Background()
	require.NoError(t, s.SaveRun(ctx, newTestRun("run-concurrent")))

	var wg sync.WaitGroup
	const n = 50
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := "k"
			_ = s.UpdateContext(ctx, "run-concurrent", task.Context{key: i})
		}(i)
	}
	wg.Wait()

	got, err := s.LoadRun(ctx, "run-concurrent")
	require.NoError(t, err)
	assert.Contains(t, got.Ctx, "k")
}
