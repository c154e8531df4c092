// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package scheduler implements the Scheduler Runner: a dedicated
// worker loop coupling the Pending Queue and the Scheduling Policy via
// a coalescing signal-queuing condition, so the worker sleeps when
// neither an executor nor a task group is available and wakes on any
// such event.
package scheduler

import (
	"context"
	"sync"

	"github.com/grailbio/base/sync/ctxsync"
)

// SignalQueuingCondition coalesces wake-up signals: Signal atomically
// sets a pending flag and wakes a single waiter; Await returns
// immediately (clearing the flag) if it is already set, otherwise
// blocks until the next Signal. No signal observed after a
// check-and-await is ever lost: it is recorded in the pending flag for
// the next Await to find.
type SignalQueuingCondition struct {
	mu         sync.Mutex
	cond       *ctxsync.Cond
	pending    bool
	terminated bool
}

// NewSignalQueuingCondition constructs a SignalQueuingCondition.
func NewSignalQueuingCondition() *SignalQueuingCondition {
	c := &SignalQueuingCondition{}
	c.cond = ctxsync.NewCond(&c.mu)
	return c
}

// Signal sets the pending flag and wakes the waiter. The scheduler
// runner is the condition's only waiter, so a broadcast wakes at most
// one goroutine.
func (c *SignalQueuingCondition) Signal() {
	c.mu.Lock()
	c.pending = true
	c.mu.Unlock()
	c.cond.Broadcast()
}

// Await blocks until Signal has been called at least once since the
// last Await returned (or Terminate was called), then clears the
// pending flag. It returns ctx's error if ctx is done first.
func (c *SignalQueuingCondition) Await(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for !c.pending && !c.terminated {
		if err := c.cond.Wait(ctx); err != nil {
			return err
		}
	}
	c.pending = false
	return nil
}

// Terminate marks the condition terminated: every blocked and future
// Await call returns immediately. The terminated flag is never
// cleared, not even by a later Signal.
func (c *SignalQueuingCondition) Terminate() {
	c.mu.Lock()
	c.terminated = true
	c.mu.Unlock()
	c.cond.Broadcast()
}

// Terminated reports whether Terminate has been called.
func (c *SignalQueuingCondition) Terminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated
}
