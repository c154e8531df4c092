// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package policy implements the Scheduling Policy: round-robin
// placement per container type, biased so task groups carrying a hot
// key are steered toward executors not already running another hot
// task group.
package policy

import (
	"sync"
	"time"

	"github.com/shardflow/shardflow"
)

// scheduleTimeout is the notional bound on one placement attempt. No
// hard timer enforces it: a failed attempt is logged against it and
// retried on the next wake-up.
const scheduleTimeout = 10 * time.Second

// Policy holds the scheduling policy's state: one round-robin
// candidate list and cursor per container type, and a global map of
// executors currently running a hot task group.
type Policy struct {
	mu         sync.Mutex
	byType     map[shardflow.ContainerType][]shardflow.ExecutorID
	cursor     map[shardflow.ContainerType]int
	hotMap     map[shardflow.ExecutorID]int
	capacities map[shardflow.ExecutorID]*shardflow.Executor
	placed     map[shardflow.TaskGroupID]*shardflow.TaskGroup
	terminated bool
}

// New constructs an empty Policy.
func New() *Policy {
	return &Policy{
		byType:     make(map[shardflow.ContainerType][]shardflow.ExecutorID),
		cursor:     make(map[shardflow.ContainerType]int),
		hotMap:     make(map[shardflow.ExecutorID]int),
		capacities: make(map[shardflow.ExecutorID]*shardflow.Executor),
		placed:     make(map[shardflow.TaskGroupID]*shardflow.TaskGroup),
	}
}

// candidatesLocked returns the container-type list a task group with
// container type ct must be scheduled against: every executor if ct
// is the NONE sentinel, otherwise only executors tagged ct. Caller
// must hold p.mu.
func (p *Policy) candidatesLocked(ct shardflow.ContainerType) []shardflow.ExecutorID {
	if ct == shardflow.ContainerTypeNone {
		var all []shardflow.ExecutorID
		for _, list := range p.byType {
			all = append(all, list...)
		}
		return all
	}
	return p.byType[ct]
}

// ScheduleTaskGroup attempts to place tg onto an executor. It returns
// true and marks tg executing on success; false if no candidate
// currently has a free slot or the policy has been terminated.
func (p *Policy) ScheduleTaskGroup(tg *shardflow.TaskGroup) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminated {
		return false
	}

	candidates := p.candidatesLocked(tg.ContainerType)
	if len(candidates) == 0 {
		return false
	}

	if tg.IsHot() {
		for _, id := range candidates {
			if _, hot := p.hotMap[id]; hot {
				continue
			}
			if exec := p.capacities[id]; exec != nil && exec.FreeSlot() {
				p.place(exec, tg)
				p.hotMap[id] = tg.Index
				return true
			}
		}
		// Fall through to plain round-robin if no light candidate has
		// a free slot.
	}

	return p.roundRobinLocked(tg, candidates)
}

// roundRobinLocked scans candidates cyclically for tg's container
// type, starting at the saved cursor, and advances the cursor one past
// whichever executor is chosen. Caller must hold p.mu.
func (p *Policy) roundRobinLocked(tg *shardflow.TaskGroup, candidates []shardflow.ExecutorID) bool {
	n := len(candidates)
	cursor := p.cursor[tg.ContainerType]
	if cursor >= n {
		cursor = 0
	}
	for i := 0; i < n; i++ {
		idx := (cursor + i) % n
		id := candidates[idx]
		exec := p.capacities[id]
		if exec == nil || !exec.FreeSlot() {
			continue
		}
		p.place(exec, tg)
		p.cursor[tg.ContainerType] = (idx + 1) % n
		return true
	}
	return false
}

func (p *Policy) place(exec *shardflow.Executor, tg *shardflow.TaskGroup) {
	exec.AddRunning(tg.ID, tg.SmallHint)
	tg.SetExecuting(exec.ID)
	p.placed[tg.ID] = tg
}

// OnExecutorAdded registers e, inserting it into its container type's
// candidate list at the current cursor position so it is tried next.
func (p *Policy) OnExecutorAdded(e *shardflow.Executor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.capacities[e.ID] = e
	list := p.byType[e.ContainerType]
	cursor := p.cursor[e.ContainerType]
	if cursor > len(list) {
		cursor = len(list)
	}
	list = append(list, "")
	copy(list[cursor+1:], list[cursor:])
	list[cursor] = e.ID
	p.byType[e.ContainerType] = list
}

// OnExecutorRemoved deletes e from its container type's candidate
// list, adjusting the round-robin cursor, and returns the task groups
// that were running on it and must be resubmitted.
func (p *Policy) OnExecutorRemoved(e *shardflow.Executor) []*shardflow.TaskGroup {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.capacities, e.ID)
	delete(p.hotMap, e.ID)

	list := p.byType[e.ContainerType]
	pos := -1
	for i, id := range list {
		if id == e.ID {
			pos = i
			break
		}
	}
	if pos >= 0 {
		list = append(list[:pos], list[pos+1:]...)
		p.byType[e.ContainerType] = list

		cursor := p.cursor[e.ContainerType]
		switch {
		case pos < cursor:
			cursor--
		case pos == cursor:
			cursor = 0
		}
		if len(list) > 0 && cursor >= len(list) {
			cursor = 0
		}
		p.cursor[e.ContainerType] = cursor
	}

	var orphaned []*shardflow.TaskGroup
	for _, id := range e.MarkExecutorFailed() {
		if tg := p.placed[id]; tg != nil {
			orphaned = append(orphaned, tg)
			delete(p.placed, id)
		}
	}
	return orphaned
}

// OnTaskGroupComplete updates exec's record for tg's completion, and
// if tg was the hot task group recorded for exec, clears that entry.
func (p *Policy) OnTaskGroupComplete(exec *shardflow.Executor, tg *shardflow.TaskGroup) {
	exec.MarkTaskGroupComplete(tg.ID, tg.SmallHint)
	tg.SetComplete()
	p.clearPlacement(exec.ID, tg)
}

// OnTaskGroupFailed updates exec's record for tg's failure, and if tg
// was the hot task group recorded for exec, clears that entry.
// hotMap eviction happens on both completion and failure: a failed hot
// task group no longer occupies its executor's hot slot either.
func (p *Policy) OnTaskGroupFailed(exec *shardflow.Executor, tg *shardflow.TaskGroup) {
	exec.MarkTaskGroupFailed(tg.ID, tg.SmallHint)
	p.clearPlacement(exec.ID, tg)
}

// clearPlacement drops the bookkeeping recorded when tg was placed:
// its entry in placed, and, if it was the hot task group recorded for
// id, that hotMap entry.
func (p *Policy) clearPlacement(id shardflow.ExecutorID, tg *shardflow.TaskGroup) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.placed, tg.ID)
	if idx, ok := p.hotMap[id]; ok && idx == tg.Index {
		delete(p.hotMap, id)
	}
}

// Terminate marks the policy terminated: from then on
// ScheduleTaskGroup places nothing and returns false. Executors are
// not shut down, and their running task groups are left as they are;
// neither this package nor the scheduler runner stops them.
func (p *Policy) Terminate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated = true
}

// ScheduleTimeout returns the notional timeout recorded for one
// task-group placement attempt.
func (p *Policy) ScheduleTimeout() time.Duration {
	return scheduleTimeout
}

// Terminated reports whether Terminate has been called.
func (p *Policy) Terminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}
