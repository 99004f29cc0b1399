// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"microflow/internal/runlock"
	"microflow/pkg/mferrors"
	"microflow/pkg/merge"
	"microflow/pkg/task"
)

// FileStore persists one JSON document per run at <dataDir>/runs/<run_id>.json.
// Writes are atomic: a temp file in the same directory is written and
// fsynced, then renamed over the target, so a reader never observes a
// partially-written document.
//
// UpdateContext and UpsertTask serialise their load-merge-save critical
// section through internal/runlock, one mutex per run_id.
type FileStore struct {
	dataDir string
	locks   *runlock.Registry
}

// NewFileStore returns a FileStore rooted at dataDir. The runs/ subdirectory
// is created on first write, not here.
func NewFileStore(dataDir string) *FileStore {
	return &FileStore{dataDir: dataDir, locks: runlock.NewRegistry()}
}

func (s *FileStore) runPath(runID string) string {
	return filepath.Join(s.dataDir, "runs", runID+".json")
}

// LoadRun reads and decodes the run document for runID.
func (s *FileStore) LoadRun(_ context.Context, runID string) (*Run, error) {
	return s.loadRunLocked(runID)
}

func (s *FileStore) loadRunLocked(runID string) (*Run, error) {
	raw, err := os.ReadFile(s.runPath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, mferrors.ErrRunNotFound
		}
		return nil, &mferrors.StoreError{Op: "load_run", RunID: runID, Err: err}
	}
	var run Run
	if err := json.Unmarshal(raw, &run); err != nil {
		return nil, &mferrors.StoreError{Op: "load_run", RunID: runID, Err: err}
	}
	return &run, nil
}

// SaveRun writes a full replacement of run's document atomically.
func (s *FileStore) SaveRun(_ context.Context, run *Run) error {
	unlock := s.locks.Lock(run.RunID)
	defer unlock()
	return s.saveRunLocked(run)
}

func (s *FileStore) saveRunLocked(run *Run) error {
	dir := filepath.Join(s.dataDir, "runs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &mferrors.StoreError{Op: "save_run", RunID: run.RunID, Err: err}
	}

	raw, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return &mferrors.StoreError{Op: "save_run", RunID: run.RunID, Err: err}
	}

	tmp, err := os.CreateTemp(dir, run.RunID+".tmp-*")
	if err != nil {
		return &mferrors.StoreError{Op: "save_run", RunID: run.RunID, Err: err}
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return &mferrors.StoreError{Op: "save_run", RunID: run.RunID, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &mferrors.StoreError{Op: "save_run", RunID: run.RunID, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &mferrors.StoreError{Op: "save_run", RunID: run.RunID, Err: err}
	}

	if err := os.Rename(tmpPath, s.runPath(run.RunID)); err != nil {
		return &mferrors.StoreError{Op: "save_run", RunID: run.RunID, Err: err}
	}
	return nil
}

// UpdateContext atomically merges delta into run's context: load, merge
// (shallow, last-writer-wins), save — all under the run's lock.
func (s *FileStore) UpdateContext(_ context.Context, runID string, delta task.Context) error {
	if err := merge.Validate("(context delta)", delta); err != nil {
		return err
	}

	unlock := s.locks.Lock(runID)
	defer unlock()

	run, err := s.loadRunLocked(runID)
	if err != nil {
		return err
	}
	run.Ctx = merge.Apply(run.Ctx, delta)
	run.UpdatedAt = time.Now().UTC()
	return s.saveRunLocked(run)
}

// UpsertTask atomically replaces (or appends) rec within run's task list.
func (s *FileStore) UpsertTask(_ context.Context, runID string, rec TaskRecord) error {
	unlock := s.locks.Lock(runID)
	defer unlock()

	run, err := s.loadRunLocked(runID)
	if err != nil {
		return err
	}
	if idx := run.TaskIndex(rec.Name); idx >= 0 {
		run.Tasks[idx] = rec
	} else {
		run.Tasks = append(run.Tasks, rec)
	}
	run.UpdatedAt = time.Now().UTC()
	return s.saveRunLocked(run)
}

// ListRuns scans the runs/ directory. It is advisory only, not required to
// reflect a concurrent write still in flight.
func (s *FileStore) ListRuns(_ context.Context) ([]RunSummary, error) {
	dir := filepath.Join(s.dataDir, "runs")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list runs: %w", err)
	}

	summaries := make([]RunSummary, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		runID := e.Name()[:len(e.Name())-len(".json")]
		run, err := s.loadRunLocked(runID)
		if err != nil {
			continue
		}
		summaries = append(summaries, RunSummary{
			RunID:     run.RunID,
			Status:    run.Status,
			CreatedAt: run.CreatedAt,
			UpdatedAt: run.UpdatedAt,
		})
	}
	return summaries, nil
}

var _ StateStore = (*FileStore)(nil)
