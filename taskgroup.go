// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package shardflow

import (
	"fmt"
	"sync"
)

// TaskGroupID stably identifies a TaskGroup for the lifetime of a job.
type TaskGroupID string

// TaskGroupState is the per-task-group sub-state machine described in
// ready -> executing -> {complete, failed-recoverable,
// failed-unrecoverable, on-hold}.
type TaskGroupState int

const (
	TaskGroupReady TaskGroupState = iota
	TaskGroupExecuting
	TaskGroupComplete
	TaskGroupFailedRecoverable
	TaskGroupFailedUnrecoverable
	TaskGroupOnHold
)

func (s TaskGroupState) String() string {
	switch s {
	case TaskGroupReady:
		return "ready"
	case TaskGroupExecuting:
		return "executing"
	case TaskGroupComplete:
		return "complete"
	case TaskGroupFailedRecoverable:
		return "failed-recoverable"
	case TaskGroupFailedUnrecoverable:
		return "failed-unrecoverable"
	case TaskGroupOnHold:
		return "on-hold"
	default:
		return fmt.Sprintf("TaskGroupState(%d)", int(s))
	}
}

// Terminal reports whether s is one of the states the scheduler
// no longer needs to act on without external intervention.
func (s TaskGroupState) Terminal() bool {
	switch s {
	case TaskGroupComplete, TaskGroupFailedUnrecoverable:
		return true
	default:
		return false
	}
}

// FailureCause is the closed set of failure causes surfaced to
// callers.
type FailureCause int

const (
	FailureNone FailureCause = iota
	InputReadFailure
	OutputWriteFailure
	Unrecoverable
)

func (c FailureCause) String() string {
	switch c {
	case FailureNone:
		return "none"
	case InputReadFailure:
		return "INPUT_READ_FAILURE"
	case OutputWriteFailure:
		return "OUTPUT_WRITE_FAILURE"
	case Unrecoverable:
		return "UNRECOVERABLE"
	default:
		return fmt.Sprintf("FailureCause(%d)", int(c))
	}
}

// IncomingRange associates one incoming StageEdge with the KeyRange a
// task group must read from it.
type IncomingRange struct {
	Edge     *StageEdge
	KeyRange KeyRange
}

// TaskGroup is one of a Stage's N pipelined scheduling units, indexed
// 0..N-1 within its stage.
type TaskGroup struct {
	ID            TaskGroupID
	Index         int
	StageID       string
	ContainerType ContainerType

	// SmallHint marks this task group as a "small" task group: it
	// doesn't count against an executor's capacity,
	// though its precise semantics are a documented open question
	// is left deliberately underspecified -- nothing more is inferred
	// about it than the arithmetic below.
	SmallHint bool

	Incoming []IncomingRange
	Outgoing []*StageEdge

	mu        sync.Mutex
	state     TaskGroupState
	cause     FailureCause
	retries   int
	executor  ExecutorID
	hasExec   bool
}

// NewTaskGroup constructs a TaskGroup in state TaskGroupReady.
func NewTaskGroup(id TaskGroupID, index int, stageID string, ct ContainerType) *TaskGroup {
	return &TaskGroup{
		ID:            id,
		Index:         index,
		StageID:       stageID,
		ContainerType: ct,
		state:         TaskGroupReady,
	}
}

// IsHot reports whether any incoming edge's KeyRange for this task
// group is flagged hot.
func (tg *TaskGroup) IsHot() bool {
	for _, in := range tg.Incoming {
		if in.KeyRange.Hot {
			return true
		}
	}
	return false
}

// State returns the current sub-state.
func (tg *TaskGroup) State() TaskGroupState {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	return tg.state
}

// Cause returns the failure cause recorded for a failed-recoverable
// or failed-unrecoverable task group.
func (tg *TaskGroup) Cause() FailureCause {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	return tg.cause
}

// Retries returns the number of failures recorded through Fail.
// Resubmission after executor loss does not go through Fail and is
// not counted.
func (tg *TaskGroup) Retries() int {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	return tg.retries
}

// SetExecuting transitions the task group to TaskGroupExecuting and
// records the executor it was placed on.
func (tg *TaskGroup) SetExecuting(exec ExecutorID) {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	tg.state = TaskGroupExecuting
	tg.executor = exec
	tg.hasExec = true
}

// Executor returns the executor this task group is (or was most
// recently) running on, if any.
func (tg *TaskGroup) Executor() (ExecutorID, bool) {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	return tg.executor, tg.hasExec
}

// SetComplete transitions the task group to TaskGroupComplete.
func (tg *TaskGroup) SetComplete() {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	tg.state = TaskGroupComplete
}

// SetOnHold transitions the task group to TaskGroupOnHold, e.g. while
// it awaits a dynamic-optimization decision.
func (tg *TaskGroup) SetOnHold() {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	tg.state = TaskGroupOnHold
}

// SetReady resets the task group to TaskGroupReady so it can be
// re-enqueued, e.g. after executor loss.
func (tg *TaskGroup) SetReady() {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	tg.state = TaskGroupReady
	tg.hasExec = false
}

// MaxRetries bounds the number of recoverable failures recorded
// through Fail before a task group becomes failed-unrecoverable.
// Resubmission after executor
// loss is not counted against it and is not bounded.
const MaxRetries = 4

// Fail records a recoverable failure, incrementing the retry count.
// Once the count exceeds MaxRetries, the task group is instead marked
// failed-unrecoverable with cause Unrecoverable, and the returned bool
// is false, telling the caller the job itself must fail.
func (tg *TaskGroup) Fail(cause FailureCause) (recoverable bool) {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	tg.retries++
	if tg.retries > MaxRetries {
		tg.state = TaskGroupFailedUnrecoverable
		tg.cause = Unrecoverable
		return false
	}
	tg.state = TaskGroupFailedRecoverable
	tg.cause = cause
	return true
}

func (tg *TaskGroup) String() string {
	return fmt.Sprintf("TaskGroup(%s#%d)", tg.StageID, tg.Index)
}
