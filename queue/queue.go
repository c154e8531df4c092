// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package queue implements the Pending Queue: a thread-safe FIFO of
// task groups waiting to be scheduled onto an executor.
package queue

import (
	"sync"

	"github.com/shardflow/shardflow"
)

// Queue is a thread-safe FIFO of TaskGroups.
type Queue struct {
	mu    sync.Mutex
	items []*shardflow.TaskGroup
}

// New constructs an empty Queue.
func New() *Queue {
	return &Queue{}
}

// Enqueue appends tg to the back of the queue and marks it ready.
func (q *Queue) Enqueue(tg *shardflow.TaskGroup) {
	tg.SetReady()
	q.mu.Lock()
	q.items = append(q.items, tg)
	q.mu.Unlock()
}

// Dequeue removes and returns the task group at the front of the
// queue. ok is false if the queue is empty; Dequeue never blocks.
func (q *Queue) Dequeue() (tg *shardflow.TaskGroup, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	tg, q.items = q.items[0], q.items[1:]
	return tg, true
}

// Len returns the number of task groups currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Peek returns the task groups currently queued, front to back,
// without removing them. Together with Remove it lets a caller take a
// task group other than the one at the front; the Scheduling Policy
// and the Scheduler Runner do not use either, and only take the front
// via Dequeue.
func (q *Queue) Peek() []*shardflow.TaskGroup {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*shardflow.TaskGroup, len(q.items))
	copy(out, q.items)
	return out
}

// Remove removes tg from the queue if present, regardless of
// position, reporting whether it was found.
func (q *Queue) Remove(tg *shardflow.TaskGroup) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item == tg {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}
