// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package dynopt implements the Dynamic Optimization Coordinator: it
// reacts to a metric-collection-barrier completion event, re-plans a
// shuffle edge's key ranges from observed sizes, rewrites the physical
// plan, and releases the downstream stage's task groups for
// scheduling.
package dynopt

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/shardflow/shardflow"
	"github.com/shardflow/shardflow/keyrange"
)

// Enqueuer is the subset of the Scheduler Runner the Coordinator needs:
// releasing newly-ready task groups into the Pending Queue and waking
// the scheduler loop.
type Enqueuer interface {
	OnTaskGroupAvailable(tg *shardflow.TaskGroup)
}

// Coordinator reacts to metric barriers against a PhysicalPlan,
// calling the Key-Range Planner and reinjecting the result. It holds
// no lock of its own: concurrent HandleMetricBarrier calls are not
// serialized.
type Coordinator struct {
	Plan      *shardflow.PhysicalPlan
	Scheduler Enqueuer
}

// New constructs a Coordinator over plan, releasing ready task groups
// through scheduler.
func New(plan *shardflow.PhysicalPlan, scheduler Enqueuer) *Coordinator {
	return &Coordinator{Plan: plan, Scheduler: scheduler}
}

// HandleMetricBarrier implements the five-step metric-barrier reaction for one
// shuffle edge: it derives dstParallelism and hashRange, invokes the
// Key-Range Planner, overwrites edge's ShuffleDistribution on the plan,
// then releases every task group in edge.To into the Pending Queue.
func (c *Coordinator) HandleMetricBarrier(ctx context.Context, edge *shardflow.StageEdge, sizes map[string]uint64, opts ...keyrange.Option) error {
	if edge.Pattern != shardflow.Shuffle {
		return fmt.Errorf("dynopt: metric barrier fired for non-Shuffle edge %s", edge.ID)
	}
	dstParallelism := edge.To.Parallelism
	hashRange := uint32(keyrange.NextPrime(keyrange.HashMultiplier * dstParallelism))

	ranges, err := keyrange.Plan(sizes, dstParallelism, hashRange, opts...)
	if err != nil {
		return fmt.Errorf("dynopt: plan edge %s: %w", edge.ID, err)
	}

	distribution := &shardflow.ShuffleDistribution{HashRange: hashRange, Ranges: ranges}
	c.Plan.ApplyDistribution(edge, distribution)

	return c.releaseStage(ctx, edge.To)
}

// releaseStage fans the stage's task groups out to the scheduler
// concurrently: releasing one doesn't depend on another, and a stage
// can have many task groups, so this uses an errgroup-based fan-out
// rather than a sequential loop.
func (c *Coordinator) releaseStage(ctx context.Context, stage *shardflow.Stage) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, tg := range stage.TaskGroups {
		tg := tg
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			c.Scheduler.OnTaskGroupAvailable(tg)
			return nil
		})
	}
	return g.Wait()
}
