// Package depgraph implements the dependency resolution operations of
// spec.md §4.5 (C5) on top of internal/store's persisted edges. The
// teacher's dag_engine.go tracks in-degree per node for a single,
// in-memory workflow graph; this generalizes the same idea (a task
// "unblocks" once every prerequisite has COMPLETED) to a
// cross-task graph whose edges persist across daemon restarts.
package depgraph

import (
	"context"

	"github.com/swarmguard/agentd/internal/core"
	"github.com/swarmguard/agentd/internal/store"
)

// Graph resolves blocking/unblocking relationships between persisted
// tasks. It holds no state of its own; internal/store is the single
// source of truth for edges.
type Graph struct {
	store store.Store
}

func New(s store.Store) *Graph {
	return &Graph{store: s}
}

// AddDependency records that taskID depends on prereqID, rejecting the
// edge with ErrDependencyCycle if it would make the graph cyclic.
func (g *Graph) AddDependency(ctx context.Context, taskID, prereqID string) *core.Error {
	if taskID == prereqID {
		return core.DependencyCycle("task %s cannot depend on itself", taskID)
	}
	if err := g.store.SaveDependency(ctx, taskID, prereqID); err != nil {
		if ce, ok := err.(*core.Error); ok {
			return ce
		}
		return core.StoreError(err, "save dependency %s -> %s", taskID, prereqID)
	}
	return nil
}

// IsBlocked reports whether taskID has at least one prerequisite whose
// status is not COMPLETED (a FAILED or CANCELLED prerequisite keeps it
// blocked).
func (g *Graph) IsBlocked(ctx context.Context, taskID string) (bool, *core.Error) {
	blocked, err := g.store.IsBlocked(ctx, taskID)
	if err != nil {
		return false, asCoreError(err, "check blocked state for %s", taskID)
	}
	return blocked, nil
}

// Unblocked returns the dependents of prereqID that have just become
// eligible to run, i.e. whose every prerequisite (including prereqID,
// now COMPLETED) is COMPLETED. Called after prereqID transitions to
// COMPLETED.
func (g *Graph) Unblocked(ctx context.Context, prereqID string) ([]string, *core.Error) {
	dependents, err := g.store.DependentsOf(ctx, prereqID)
	if err != nil {
		return nil, asCoreError(err, "find dependents of %s", prereqID)
	}
	var unblocked []string
	for _, dependentID := range dependents {
		blocked, err := g.store.IsBlocked(ctx, dependentID)
		if err != nil {
			return nil, asCoreError(err, "check blocked state for %s", dependentID)
		}
		if !blocked {
			unblocked = append(unblocked, dependentID)
		}
	}
	return unblocked, nil
}

// Prerequisites returns the direct prerequisite task IDs of taskID.
func (g *Graph) Prerequisites(ctx context.Context, taskID string) ([]string, *core.Error) {
	prereqs, err := g.store.PrerequisitesOf(ctx, taskID)
	if err != nil {
		return nil, asCoreError(err, "find prerequisites of %s", taskID)
	}
	return prereqs, nil
}

func asCoreError(err error, format string, args ...any) *core.Error {
	if ce, ok := err.(*core.Error); ok {
		return ce
	}
	return core.StoreError(err, format, args...)
}
