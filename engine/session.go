// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package engine wires the Pending Queue, Executor Registry,
// Scheduling Policy, Scheduler Runner, and Dynamic Optimization
// Coordinator together into a single driver for one job evaluating a
// PhysicalPlan, tracking per-stage dependency counts and releasing a
// stage's task groups once its dependencies clear, generalized from a
// single-machine task DAG to a multi-executor, stage-pipelined one.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/log"

	"github.com/shardflow/shardflow"
	"github.com/shardflow/shardflow/block"
	"github.com/shardflow/shardflow/dynopt"
	"github.com/shardflow/shardflow/policy"
	"github.com/shardflow/shardflow/queue"
	"github.com/shardflow/shardflow/registry"
	"github.com/shardflow/shardflow/scheduler"
)

// Session drives one Job end to end: it owns the Pending Queue,
// Executor Registry, Scheduling Policy, Scheduler Runner, and Dynamic
// Optimization Coordinator for a single PhysicalPlan, and tracks
// inter-stage readiness via per-stage dependency counts: a
// non-Shuffle stage's task groups are released once every stage
// feeding it has fully completed; a Shuffle stage's task groups are
// released only when the caller invokes HandleMetricBarrier on its
// incoming edge.
type Session struct {
	Job         *shardflow.Job
	Plan        *shardflow.PhysicalPlan
	Queue       *queue.Queue
	Registry    *registry.Registry
	Policy      *policy.Policy
	Runner      *scheduler.Runner
	Coordinator *dynopt.Coordinator

	mu              sync.Mutex
	stores          map[shardflow.ExecutorID]*block.Store
	stageDeps       map[string]int
	stageComplete   map[string]int
	totalTaskGroups int
	completeCount   int
}

// NewSession constructs a Session over plan, wiring a fresh Queue,
// Registry, Policy, Runner, and Coordinator.
func NewSession(plan *shardflow.PhysicalPlan) *Session {
	q := queue.New()
	p := policy.New()
	r := scheduler.New(q, p)
	s := &Session{
		Job:           shardflow.NewJob(plan),
		Plan:          plan,
		Queue:         q,
		Registry:      registry.New(),
		Policy:        p,
		Runner:        r,
		stores:        make(map[shardflow.ExecutorID]*block.Store),
		stageDeps:     make(map[string]int),
		stageComplete: make(map[string]int),
	}
	s.Coordinator = dynopt.New(plan, s)
	for _, stage := range plan.Stages {
		s.totalTaskGroups += len(stage.TaskGroups)
		deps := 0
		for _, e := range stage.Incoming {
			if e.Pattern != shardflow.Shuffle {
				deps++
			}
		}
		s.stageDeps[stage.ID] = deps
	}
	return s
}

// AddExecutorStore registers a storage directory for the given
// executor, creating its per-executor Block Store. Callers must do
// this before any task group scheduled onto that executor writes a
// block.
func (s *Session) AddExecutorStore(id shardflow.ExecutorID, dir string, maxConcurrentFlushes int) *block.Store {
	store := block.NewStore(dir, maxConcurrentFlushes)
	s.mu.Lock()
	s.stores[id] = store
	s.mu.Unlock()
	return store
}

// Store returns the Block Store registered for executor id, if any.
func (s *Session) Store(id shardflow.ExecutorID) (*block.Store, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stores[id]
	return st, ok
}

// AddExecutor constructs and registers a new Executor, making it
// available to the Scheduling Policy.
func (s *Session) AddExecutor(id shardflow.ExecutorID, ct shardflow.ContainerType, capacity int) *shardflow.Executor {
	e := shardflow.NewExecutor(id, ct, capacity)
	s.Registry.Register(e)
	s.Runner.OnExecutorAdded(e)
	return e
}

// RemoveExecutor removes id from the Executor Registry and Scheduling
// Policy and resubmits any task groups it had running. A no-op if id
// is unknown.
func (s *Session) RemoveExecutor(id shardflow.ExecutorID) {
	e, ok := s.Registry.Get(id)
	if !ok {
		return
	}
	s.Registry.Unregister(id)
	s.Runner.OnExecutorRemoved(e)
}

// Start transitions the job to executing and releases every root
// stage's task groups (those with no incoming non-Shuffle edge) into
// the Pending Queue. Task groups fed by a Shuffle edge are put on
// hold instead: they stay parked until HandleMetricBarrier computes
// their key ranges and releases them.
func (s *Session) Start() {
	s.Job.Start()
	for _, stage := range s.Plan.Stages {
		shuffleFed := false
		for _, e := range stage.Incoming {
			if e.Pattern == shardflow.Shuffle {
				shuffleFed = true
				break
			}
		}
		if shuffleFed {
			for _, tg := range stage.TaskGroups {
				tg.SetOnHold()
			}
			continue
		}
		if s.stageDeps[stage.ID] == 0 {
			s.releaseStage(stage)
		}
	}
}

func (s *Session) releaseStage(stage *shardflow.Stage) {
	for _, tg := range stage.TaskGroups {
		s.Runner.OnTaskGroupAvailable(tg)
	}
}

// Run starts the Scheduler Runner's main loop in a new goroutine and
// returns immediately; errDone receives Run's terminal error (nil on
// clean Terminate).
func (s *Session) Run(ctx context.Context) <-chan error {
	errDone := make(chan error, 1)
	go func() { errDone <- s.Runner.Run(ctx) }()
	return errDone
}

// CompleteTaskGroup reports that tg, running on exec, has completed.
// Once every task group in tg's stage has completed, every downstream
// stage connected by a non-Shuffle edge has its dependency count
// decremented, and is released once that count reaches zero.
func (s *Session) CompleteTaskGroup(exec *shardflow.Executor, tg *shardflow.TaskGroup) {
	s.Runner.OnTaskGroupComplete(exec, tg)

	s.mu.Lock()
	s.completeCount++
	allDone := s.completeCount >= s.totalTaskGroups
	var stage *shardflow.Stage
	for _, st := range s.Plan.Stages {
		if st.ID == tg.StageID {
			stage = st
			break
		}
	}
	var stageDone bool
	if stage != nil {
		s.stageComplete[stage.ID]++
		stageDone = s.stageComplete[stage.ID] >= stage.Parallelism
	}
	var releaseStages []*shardflow.Stage
	if stageDone {
		for _, edge := range stage.Outgoing {
			if edge.Pattern == shardflow.Shuffle {
				continue
			}
			s.stageDeps[edge.To.ID]--
			if s.stageDeps[edge.To.ID] <= 0 {
				releaseStages = append(releaseStages, edge.To)
			}
		}
	}
	s.mu.Unlock()

	for _, st := range releaseStages {
		s.releaseStage(st)
	}
	if allDone {
		s.Job.Complete()
	}
}

// FailTaskGroup reports that tg, running on exec, has failed with
// cause. If the failure is recoverable, tg is resubmitted; otherwise
// the job is failed.
func (s *Session) FailTaskGroup(exec *shardflow.Executor, tg *shardflow.TaskGroup, cause shardflow.FailureCause) {
	if jobFailed := s.Runner.OnTaskGroupFailed(exec, tg, cause); jobFailed {
		log.Error.Printf("engine: task group %s unrecoverable after %d retries, failing job", tg, tg.Retries())
		s.Job.Fail(fmt.Errorf("task group %s: %s", tg, tg.Cause()))
	}
}

// OnTaskGroupAvailable implements dynopt.Enqueuer, letting the
// Coordinator release a freshly key-ranged Shuffle stage's task groups
// through the same path any other release uses.
func (s *Session) OnTaskGroupAvailable(tg *shardflow.TaskGroup) {
	s.Runner.OnTaskGroupAvailable(tg)
}

// Terminate shuts the scheduler loop down.
func (s *Session) Terminate() {
	s.Runner.Terminate()
}
