// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigslice/stats"

	"github.com/shardflow/shardflow"
	"github.com/shardflow/shardflow/policy"
	"github.com/shardflow/shardflow/queue"
)

// SchedulerStatusGroup names the status.Group every Runner reports its
// task groups' placement/completion under.
const SchedulerStatusGroup = "scheduler"

// resubmitPolicy backs off a recoverable task-group failure before
// re-enqueuing it, tuned for in-process resubmission rather than RPC
// calls.
var resubmitPolicy = retry.Backoff(50*time.Millisecond, time.Second, 1.5)

// Runner owns the scheduler's dedicated worker loop, coupling a
// Pending Queue and a Scheduling Policy through a
// SignalQueuingCondition: the only point the worker ever suspends.
type Runner struct {
	Queue  *queue.Queue
	Policy *policy.Policy
	Cond   *SignalQueuingCondition

	// Stats counts scheduling outcomes (scheduled, stalled,
	// resubmitted, unrecoverable), one stats.Int counter per outcome.
	Stats *stats.Map

	// Status reports each task group's placement and outcome for
	// human-visible progress as task groups are placed and resolved.
	Status *status.Group

	mu     sync.Mutex
	active map[shardflow.TaskGroupID]*status.Task
}

// New constructs a Runner over the given queue and policy.
func New(q *queue.Queue, p *policy.Policy) *Runner {
	return &Runner{
		Queue:  q,
		Policy: p,
		Cond:   NewSignalQueuingCondition(),
		Stats:  stats.NewMap(),
		Status: new(status.Status).Group(SchedulerStatusGroup),
		active: make(map[shardflow.TaskGroupID]*status.Task),
	}
}

// Run drives the main loop until Terminate is called or ctx is done.
// It repeatedly dequeues (awaiting between attempts rather than
// busy-waiting) until it has a task group, then attempts placement,
// re-enqueuing and awaiting again on failure.
func (r *Runner) Run(ctx context.Context) error {
	for {
		tg, err := r.nextTaskGroup(ctx)
		if err != nil {
			return err
		}
		if tg == nil {
			return nil // terminated
		}
		if r.Policy.ScheduleTaskGroup(tg) {
			r.Stats.Int("scheduled").Add(1)
			r.startStatus(tg)
			// More work may now be possible (e.g. another queued task
			// group fits the executor that just filled a slot).
			r.Cond.Signal()
			continue
		}
		r.Stats.Int("stalled").Add(1)
		log.Debug.Printf("scheduler: no candidate executor for %s within %s, re-enqueuing", tg, r.Policy.ScheduleTimeout())
		r.Status.Printf("queue: %d pending", r.Queue.Len())
		r.Queue.Enqueue(tg)
		if err := r.Cond.Await(ctx); err != nil {
			return err
		}
	}
}

func (r *Runner) nextTaskGroup(ctx context.Context) (*shardflow.TaskGroup, error) {
	for {
		if r.Cond.Terminated() {
			return nil, nil
		}
		if tg, ok := r.Queue.Dequeue(); ok {
			return tg, nil
		}
		if err := r.Cond.Await(ctx); err != nil {
			return nil, err
		}
	}
}

// startStatus opens a status.Task for tg's current placement attempt.
func (r *Runner) startStatus(tg *shardflow.TaskGroup) {
	task := r.Status.Startf("%s", tg)
	r.mu.Lock()
	r.active[tg.ID] = task
	r.mu.Unlock()
}

// finishStatus closes out tg's status.Task, if one is open, recording
// msg as its final line.
func (r *Runner) finishStatus(tg *shardflow.TaskGroup, msg string) {
	r.mu.Lock()
	task := r.active[tg.ID]
	delete(r.active, tg.ID)
	r.mu.Unlock()
	if task == nil {
		return
	}
	task.Print(msg)
	task.Done()
}

// OnExecutorAdded registers e with the policy and wakes the loop: a
// queued task group may now have somewhere to go.
func (r *Runner) OnExecutorAdded(e *shardflow.Executor) {
	r.Policy.OnExecutorAdded(e)
	r.Cond.Signal()
}

// OnExecutorRemoved unregisters e from the policy, re-enqueues any
// task groups it had running, and wakes the loop.
func (r *Runner) OnExecutorRemoved(e *shardflow.Executor) {
	for _, tg := range r.Policy.OnExecutorRemoved(e) {
		log.Error.Printf("scheduler: executor %s removed, resubmitting %s", e.ID, tg)
		r.Stats.Int("resubmitted").Add(1)
		r.finishStatus(tg, "executor removed")
		r.Queue.Enqueue(tg)
	}
	r.Cond.Signal()
}

// OnTaskGroupAvailable enqueues tg and wakes the loop.
func (r *Runner) OnTaskGroupAvailable(tg *shardflow.TaskGroup) {
	r.Queue.Enqueue(tg)
	r.Cond.Signal()
}

// OnTaskGroupComplete notifies the policy that tg, running on exec,
// has completed.
func (r *Runner) OnTaskGroupComplete(exec *shardflow.Executor, tg *shardflow.TaskGroup) {
	r.Policy.OnTaskGroupComplete(exec, tg)
	r.finishStatus(tg, "complete")
	r.Cond.Signal()
}

// OnTaskGroupFailed notifies the policy that tg, running on exec, has
// failed, then applies the retry/unrecoverable logic: tg is
// re-enqueued (after a retry.Wait backoff scaled to its retry count)
// if Fail reports it is still recoverable, otherwise the job must be
// failed (signaled via the returned bool).
func (r *Runner) OnTaskGroupFailed(exec *shardflow.Executor, tg *shardflow.TaskGroup, cause shardflow.FailureCause) (jobFailed bool) {
	r.Policy.OnTaskGroupFailed(exec, tg)
	if !tg.Fail(cause) {
		r.Stats.Int("unrecoverable").Add(1)
		r.finishStatus(tg, "failed: unrecoverable")
		return true
	}
	r.Stats.Int("resubmitted").Add(1)
	r.finishStatus(tg, "failed: retrying")
	retries := tg.Retries()
	go r.resubmitAfterBackoff(tg, retries)
	return false
}

// resubmitAfterBackoff waits out resubmitPolicy's delay for the given
// retry count, then re-enqueues tg. It runs detached from any
// particular caller's request context, since no single request
// scoped the original failure that triggered this resubmission.
func (r *Runner) resubmitAfterBackoff(tg *shardflow.TaskGroup, retries int) {
	if err := retry.Wait(backgroundcontext.Get(), resubmitPolicy, retries); err != nil {
		log.Error.Printf("scheduler: backoff wait for %s: %v", tg, err)
	}
	r.Queue.Enqueue(tg)
	r.Cond.Signal()
}

// Terminate marks the policy terminated and wakes the loop so it exits
// at its next checkpoint. Jobs arriving after termination are ignored
// by the caller; Runner itself simply stops dequeuing.
func (r *Runner) Terminate() {
	r.Policy.Terminate()
	r.Cond.Terminate()
}
