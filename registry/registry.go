// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package registry implements the Executor Registry: the scheduler's
// thread-safe view of which executors exist, which are still running,
// and which have failed or completed their work.
package registry

import (
	"sync"

	"github.com/shardflow/shardflow"
)

// Registry is a thread-safe map of executor ID to Executor.
type Registry struct {
	mu        sync.RWMutex
	executors map[shardflow.ExecutorID]*shardflow.Executor
	order     []shardflow.ExecutorID
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{executors: make(map[shardflow.ExecutorID]*shardflow.Executor)}
}

// Register adds exec to the registry. Registering an already-known
// executor ID replaces the prior entry ("last writer wins" for a
// given key).
func (r *Registry) Register(exec *shardflow.Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.executors[exec.ID]; !ok {
		r.order = append(r.order, exec.ID)
	}
	r.executors[exec.ID] = exec
}

// Unregister removes id from the registry entirely: once an executor
// is removed, the registry forgets it — the scheduling policy's
// cursor reset is a separate, policy-level concern.
func (r *Registry) Unregister(id shardflow.ExecutorID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.executors[id]; !ok {
		return
	}
	delete(r.executors, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get returns the executor registered under id, regardless of its
// state, if any.
func (r *Registry) Get(id shardflow.ExecutorID) (*shardflow.Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[id]
	return e, ok
}

// Running returns the executor registered under id only if it is in
// the Running state.
func (r *Registry) Running(id shardflow.ExecutorID) (*shardflow.Executor, bool) {
	return r.inState(id, shardflow.ExecutorRunning)
}

// Failed returns the executor registered under id only if it has been
// marked failed.
func (r *Registry) Failed(id shardflow.ExecutorID) (*shardflow.Executor, bool) {
	return r.inState(id, shardflow.ExecutorFailed)
}

func (r *Registry) inState(id shardflow.ExecutorID, state shardflow.ExecutorState) (*shardflow.Executor, bool) {
	r.mu.RLock()
	e, ok := r.executors[id]
	r.mu.RUnlock()
	if !ok || e.State() != state {
		return nil, false
	}
	return e, true
}

// MarkFailed marks id's executor failed, returning the task groups
// that were running on it (now orphaned and needing rescheduling). A
// no-op if id is unknown.
func (r *Registry) MarkFailed(id shardflow.ExecutorID) []shardflow.TaskGroupID {
	r.mu.RLock()
	e, ok := r.executors[id]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return e.MarkExecutorFailed()
}

// MarkComplete marks id's executor as having finished all assigned
// work. A no-op if id is unknown.
func (r *Registry) MarkComplete(id shardflow.ExecutorID) {
	r.mu.RLock()
	e, ok := r.executors[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	e.MarkExecutorComplete()
}

// RunningIDs returns the IDs of every executor currently in the
// Running state, in registration order.
func (r *Registry) RunningIDs() []shardflow.ExecutorID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []shardflow.ExecutorID
	for _, id := range r.order {
		if e := r.executors[id]; e != nil && e.State() == shardflow.ExecutorRunning {
			ids = append(ids, id)
		}
	}
	return ids
}

// Any reports whether the registry holds at least one executor in the
// Running state.
func (r *Registry) Any() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.executors {
		if e.State() == shardflow.ExecutorRunning {
			return true
		}
	}
	return false
}

// Len returns the number of executors currently registered,
// regardless of state.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.executors)
}
