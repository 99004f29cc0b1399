// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package workflow validates a collection of task.Spec values into an
// acyclic, name-resolvable DAG and computes a topological execution order.
//
// Cycle detection and ordering sort dependency edges with
// github.com/gammazero/toposort, generalized here to the richer task.Spec
// type.
package workflow

import (
	"fmt"

	"github.com/gammazero/toposort"

	"microflow/pkg/mferrors"
	"microflow/pkg/task"
)

// Workflow is a validated, immutable collection of tasks plus the
// adjacency information derived from their declared dependencies.
type Workflow struct {
	specs     map[string]*task.Spec
	order     []string // tasks in a valid topological order (roots first)
	downstream map[string][]string
}

// Build validates specs into a Workflow. It fails with a *mferrors.ConfigError
// if any name is empty or duplicated, any fn is nil, any dependency
// references an unknown task, or
// the dependency graph contains a cycle. No partial state is written on
// failure — Build has no side effects beyond returning an error.
func Build(specs ...*task.Spec) (*Workflow, error) {
	byName := make(map[string]*task.Spec, len(specs))
	for _, s := range specs {
		if s.Name() == "" || s.Fn() == nil {
			return nil, &mferrors.ConfigError{
				Kind:     "invalid_spec",
				Involved: []string{s.Name()},
				Message:  "task name must be non-empty and fn must be non-nil",
			}
		}
		if _, dup := byName[s.Name()]; dup {
			return nil, &mferrors.ConfigError{
				Kind:     "duplicate_name",
				Involved: []string{s.Name()},
				Message:  fmt.Sprintf("task name %q declared more than once", s.Name()),
			}
		}
		byName[s.Name()] = s
	}

	var unknown []string
	edges := make([]toposort.Edge, 0)
	for _, s := range specs {
		for _, dep := range s.Deps() {
			if _, ok := byName[dep]; !ok {
				unknown = append(unknown, dep)
				continue
			}
			edges = append(edges, toposort.Edge{dep, s.Name()})
		}
	}
	if len(unknown) > 0 {
		return nil, &mferrors.ConfigError{
			Kind:     "unknown_dep",
			Involved: unknown,
			Message:  "one or more tasks depend on a name not present in this workflow",
		}
	}

	order, err := executionOrder(specs, edges)
	if err != nil {
		return nil, err
	}

	downstream := make(map[string][]string, len(specs))
	for _, s := range specs {
		for _, dep := range s.Deps() {
			downstream[dep] = append(downstream[dep], s.Name())
		}
	}

	return &Workflow{specs: byName, order: order, downstream: downstream}, nil
}

// executionOrder topologically sorts specs by their dependency edges,
// prepending any tasks that have no edges at all (isolated roots), since
// toposort.Toposort never sees edgeless nodes.
func executionOrder(specs []*task.Spec, edges []toposort.Edge) ([]string, error) {
	if len(edges) == 0 {
		order := make([]string, 0, len(specs))
		for _, s := range specs {
			order = append(order, s.Name())
		}
		return order, nil
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, &mferrors.ConfigError{
			Kind:    "cycle",
			Message: fmt.Sprintf("dependency graph contains a cycle: %v", err),
		}
	}

	inSorted := make(map[string]bool, len(sorted))
	order := make([]string, 0, len(specs))
	for _, n := range sorted {
		name := n.(string)
		inSorted[name] = true
		order = append(order, name)
	}

	for _, s := range specs {
		if !inSorted[s.Name()] {
			order = append([]string{s.Name()}, order...)
		}
	}
	return order, nil
}

// Tasks returns every task.Spec in this workflow, unordered.
func (w *Workflow) Tasks() []*task.Spec {
	out := make([]*task.Spec, 0, len(w.specs))
	for _, s := range w.specs {
		out = append(out, s)
	}
	return out
}

// Task looks up a task.Spec by name.
func (w *Workflow) Task(name string) (*task.Spec, bool) {
	s, ok := w.specs[name]
	return s, ok
}

// Order returns a valid topological execution order (not necessarily
// unique) — roots first.
func (w *Workflow) Order() []string {
	return append([]string(nil), w.order...)
}

// Downstream returns the task names that directly depend on name.
func (w *Workflow) Downstream(name string) []string {
	return append([]string(nil), w.downstream[name]...)
}

// Len returns the number of tasks in the workflow.
func (w *Workflow) Len() int { return len(w.specs) }
