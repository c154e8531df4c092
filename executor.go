// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package shardflow

import (
	"fmt"
	"sync"
)

// ExecutorID is an opaque id identifying an Executor for the lifetime
// of a job.
type ExecutorID string

// ExecutorState is the top-level state of an Executor record.
type ExecutorState int

const (
	ExecutorRunning ExecutorState = iota
	ExecutorFailed
	ExecutorComplete
)

func (s ExecutorState) String() string {
	switch s {
	case ExecutorRunning:
		return "running"
	case ExecutorFailed:
		return "failed"
	case ExecutorComplete:
		return "complete"
	default:
		return fmt.Sprintf("ExecutorState(%d)", int(s))
	}
}

// Executor is a record tracking one executor in the fleet: its
// container type, capacity, and the task groups it is running, has
// completed, and (if failed) had running at the moment of failure.
//
// Executor is a standalone, arena-indexed record: it holds no
// back-reference to the TaskGroups it runs, only their ids, avoiding
// a cyclic ownership graph between Executor and TaskGroup.
type Executor struct {
	ID            ExecutorID
	ContainerType ContainerType
	Capacity      int

	mu         sync.Mutex
	state      ExecutorState
	running    map[TaskGroupID]bool
	smallCount int
	complete   map[TaskGroupID]bool
	failed     map[TaskGroupID]bool
}

// NewExecutor constructs an Executor in state ExecutorRunning.
func NewExecutor(id ExecutorID, ct ContainerType, capacity int) *Executor {
	return &Executor{
		ID:            id,
		ContainerType: ct,
		Capacity:      capacity,
		state:         ExecutorRunning,
		running:       make(map[TaskGroupID]bool),
		complete:      make(map[TaskGroupID]bool),
		failed:        make(map[TaskGroupID]bool),
	}
}

// State returns the executor's current top-level state.
func (e *Executor) State() ExecutorState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// RunningCount returns the number of task groups currently running on
// this executor, including small ones.
func (e *Executor) RunningCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

// FreeSlot reports whether the executor has capacity for another task
// group: runningCount - smallTaskGroupCount <
// capacity.
func (e *Executor) FreeSlot() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)-e.smallCount < e.Capacity
}

// AddRunning records tg as running on this executor. small marks it
// as a small task group for the purposes of FreeSlot's discount.
func (e *Executor) AddRunning(tg TaskGroupID, small bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running[tg] {
		return
	}
	e.running[tg] = true
	if small {
		e.smallCount++
	}
}

// removeRunningLocked removes tg from the running set, reducing the
// small-task-group discount if tg was marked small. Must be called
// with e.mu held. It reports whether tg was actually running.
func (e *Executor) removeRunningLocked(tg TaskGroupID, small bool) bool {
	if !e.running[tg] {
		return false
	}
	delete(e.running, tg)
	if small && e.smallCount > 0 {
		e.smallCount--
	}
	return true
}

// MarkTaskGroupComplete moves tg from running to complete.
func (e *Executor) MarkTaskGroupComplete(tg TaskGroupID, small bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removeRunningLocked(tg, small)
	e.complete[tg] = true
}

// MarkTaskGroupFailed moves tg from running to failed.
func (e *Executor) MarkTaskGroupFailed(tg TaskGroupID, small bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removeRunningLocked(tg, small)
	e.failed[tg] = true
}

// RunningIDs returns a snapshot of the task group ids currently
// running on this executor.
func (e *Executor) RunningIDs() []TaskGroupID {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]TaskGroupID, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	return ids
}

// FailedIDs returns a snapshot of the task group ids this executor had
// running at the moment it was marked failed.
func (e *Executor) FailedIDs() []TaskGroupID {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]TaskGroupID, 0, len(e.failed))
	for id := range e.failed {
		ids = append(ids, id)
	}
	return ids
}

// MarkExecutorFailed transitions the executor itself to ExecutorFailed
// (as opposed to MarkTaskGroupFailed, which fails one task group while
// the executor keeps running), snapshotting every task group it had
// running into its failed set. It returns that snapshot so the caller
// (the Executor Registry) can resubmit them.
func (e *Executor) MarkExecutorFailed() []TaskGroupID {
	return e.markFailed()
}

// MarkExecutorComplete transitions the executor itself to
// ExecutorComplete.
func (e *Executor) MarkExecutorComplete() {
	e.markComplete()
}

// markFailed transitions the executor to ExecutorFailed, snapshotting
// its running task groups into its failed set and clearing running.
// It returns that snapshot so the caller (the Executor Registry) can
// resubmit them.
func (e *Executor) markFailed() []TaskGroupID {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = ExecutorFailed
	ids := make([]TaskGroupID, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
		e.failed[id] = true
	}
	e.running = make(map[TaskGroupID]bool)
	e.smallCount = 0
	return ids
}

// markComplete transitions the executor to ExecutorComplete.
func (e *Executor) markComplete() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = ExecutorComplete
}

func (e *Executor) String() string {
	return fmt.Sprintf("Executor(%s)", e.ID)
}
