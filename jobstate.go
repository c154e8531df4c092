// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package shardflow

import (
	"fmt"
	"sync"
)

// JobState is the per-job state machine:
// pending -> executing -> {complete, failed}.
type JobState int

const (
	JobPending JobState = iota
	JobExecuting
	JobComplete
	JobFailed
)

func (s JobState) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobExecuting:
		return "executing"
	case JobComplete:
		return "complete"
	case JobFailed:
		return "failed"
	default:
		return fmt.Sprintf("JobState(%d)", int(s))
	}
}

// Job tracks the top-level state machine for one job evaluating a
// PhysicalPlan.
type Job struct {
	Plan *PhysicalPlan

	mu    sync.Mutex
	state JobState
	err   error
}

// NewJob constructs a Job in state JobPending for the given plan.
func NewJob(plan *PhysicalPlan) *Job {
	return &Job{Plan: plan, state: JobPending}
}

// State returns the job's current state.
func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Start transitions the job from pending to executing.
func (j *Job) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == JobPending {
		j.state = JobExecuting
	}
}

// Complete transitions the job to complete, unless it has already
// failed.
func (j *Job) Complete() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != JobFailed {
		j.state = JobComplete
	}
}

// Fail transitions the job to failed and records the causing error.
// Fail is terminal: once failed, a job cannot transition to complete.
func (j *Job) Fail(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state = JobFailed
	if j.err == nil {
		j.err = err
	}
}

// Err returns the error that failed the job, if any.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}
