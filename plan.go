// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package shardflow holds the shared physical-plan data model used by
// the scheduling, block-storage, and dynamic-optimization packages:
// PhysicalPlan, Stage, StageEdge, TaskGroup, Executor, and the
// per-job and per-task-group state machines.
package shardflow

import (
	"fmt"
	"sync"
)

// DataCommunicationPattern describes how data flows across a
// StageEdge.
type DataCommunicationPattern int

const (
	OneToOne DataCommunicationPattern = iota
	Broadcast
	Shuffle
)

func (p DataCommunicationPattern) String() string {
	switch p {
	case OneToOne:
		return "OneToOne"
	case Broadcast:
		return "Broadcast"
	case Shuffle:
		return "Shuffle"
	default:
		return fmt.Sprintf("DataCommunicationPattern(%d)", int(p))
	}
}

// Partitioner assigns a user key to one of numPartitions downstream
// task indices.
type Partitioner interface {
	Partition(key string, numPartitions int) int
}

// HashPartitioner is a Partitioner that assigns a key to
// hash(key) mod numPartitions. It does not consult a
// ShuffleDistribution, and NewStageEdge does not attach it (or any
// other Partitioner) to an edge.
type HashPartitioner struct {
	Hash func(key string) uint64
}

// Partition is a simple modulo partitioner used when no
// ShuffleDistribution has been computed yet (e.g. before the first
// metric barrier). Once a ShuffleDistribution is attached to the
// edge, downstream readers partition by KeyRange instead of calling
// this method.
func (h HashPartitioner) Partition(key string, numPartitions int) int {
	if numPartitions <= 0 {
		return 0
	}
	hf := h.Hash
	if hf == nil {
		hf = defaultStringHash
	}
	return int(hf(key) % uint64(numPartitions))
}

// StageEdge connects two Stages in a PhysicalPlan.
type StageEdge struct {
	ID          string
	From, To    *Stage
	Pattern     DataCommunicationPattern
	Partitioner Partitioner

	mu           sync.RWMutex
	distribution *ShuffleDistribution
}

// NewStageEdge constructs a StageEdge with the given pattern.
func NewStageEdge(id string, from, to *Stage, pattern DataCommunicationPattern) *StageEdge {
	e := &StageEdge{ID: id, From: from, To: to, Pattern: pattern}
	from.Outgoing = append(from.Outgoing, e)
	to.Incoming = append(to.Incoming, e)
	return e
}

// Distribution returns the edge's current ShuffleDistribution, or nil
// if none has been computed yet.
func (e *StageEdge) Distribution() *ShuffleDistribution {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.distribution
}

// SetDistribution overwrites the edge's ShuffleDistribution. The
// replacement is permanent for the remainder of the job and takes
// effect for all future scheduling decisions, but does not
// retroactively alter already-scheduled task groups.
func (e *StageEdge) SetDistribution(d *ShuffleDistribution) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.distribution = d
}

func (e *StageEdge) String() string {
	return fmt.Sprintf("StageEdge(%s: %s -> %s, %s)", e.ID, e.From.ID, e.To.ID, e.Pattern)
}

// Stage is a maximal group of vertices connected by intra-stage
// (non-shuffle) edges, decomposed into Parallelism TaskGroups indexed
// 0..Parallelism-1.
type Stage struct {
	ID          string
	Parallelism int
	TaskGroups  []*TaskGroup
	Incoming    []*StageEdge
	Outgoing    []*StageEdge
}

// NewStage constructs an empty Stage with the given parallelism. Use
// PhysicalPlan.AddStage to both construct and register a stage within
// a plan.
func NewStage(id string, parallelism int) *Stage {
	return &Stage{ID: id, Parallelism: parallelism}
}

func (s *Stage) String() string {
	return fmt.Sprintf("Stage(%s, N=%d)", s.ID, s.Parallelism)
}

// PhysicalPlan is a directed acyclic graph of Stages connected by
// StageEdges.
type PhysicalPlan struct {
	mu     sync.RWMutex
	Stages []*Stage
	Edges  []*StageEdge
}

// NewPhysicalPlan constructs an empty PhysicalPlan.
func NewPhysicalPlan() *PhysicalPlan {
	return &PhysicalPlan{}
}

// AddStage constructs a Stage with parallelism N, populates its
// TaskGroups (container type ct, no incoming ranges assigned yet),
// registers it in the plan, and returns it.
func (p *PhysicalPlan) AddStage(id string, n int, ct ContainerType) *Stage {
	p.mu.Lock()
	defer p.mu.Unlock()
	stage := NewStage(id, n)
	for i := 0; i < n; i++ {
		tgID := TaskGroupID(fmt.Sprintf("%s.%d", id, i))
		stage.TaskGroups = append(stage.TaskGroups, NewTaskGroup(tgID, i, id, ct))
	}
	p.Stages = append(p.Stages, stage)
	return stage
}

// AddEdge constructs a StageEdge between from and to and registers it
// in the plan.
func (p *PhysicalPlan) AddEdge(id string, from, to *Stage, pattern DataCommunicationPattern) *StageEdge {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := NewStageEdge(id, from, to, pattern)
	p.Edges = append(p.Edges, e)
	return e
}

// ApplyDistribution overwrites edge's ShuffleDistribution and
// refreshes the KeyRange each of edge.To's task groups reads from
// edge, so that future scheduling decisions see the new ranges. It
// does not touch task groups that have already been dispatched for a
// prior distribution.
func (p *PhysicalPlan) ApplyDistribution(edge *StageEdge, d *ShuffleDistribution) {
	edge.SetDistribution(d)
	for _, tg := range edge.To.TaskGroups {
		if _, dispatched := tg.Executor(); dispatched {
			continue
		}
		kr, ok := d.RangeFor(tg.Index)
		if !ok {
			continue
		}
		updated := false
		for i := range tg.Incoming {
			if tg.Incoming[i].Edge == edge {
				tg.Incoming[i].KeyRange = kr
				updated = true
				break
			}
		}
		if !updated {
			tg.Incoming = append(tg.Incoming, IncomingRange{Edge: edge, KeyRange: kr})
		}
	}
}
