// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dynopt

import (
	"context"
	"sync"
	"testing"

	"github.com/shardflow/shardflow"
	"github.com/shardflow/shardflow/keyrange"
)

type fakeScheduler struct {
	mu       sync.Mutex
	released []*shardflow.TaskGroup
}

func (f *fakeScheduler) OnTaskGroupAvailable(tg *shardflow.TaskGroup) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, tg)
}

func TestHandleMetricBarrierAppliesDistributionAndReleasesStage(t *testing.T) {
	plan := shardflow.NewPhysicalPlan()
	up := plan.AddStage("up", 1, shardflow.ContainerTypeCompute)
	down := plan.AddStage("down", 2, shardflow.ContainerTypeCompute)
	edge := plan.AddEdge("e0", up, down, shardflow.Shuffle)

	sched := &fakeScheduler{}
	c := New(plan, sched)

	sizes := map[string]uint64{"k0": 100, "k1": 1, "k2": 1, "k3": 1}
	hash := map[string]uint64{"k0": 0, "k1": 1, "k2": 2, "k3": 3}
	err := c.HandleMetricBarrier(context.Background(), edge, sizes,
		keyrange.WithSkewedCount(1), keyrange.WithHashFunc(func(k string) uint64 { return hash[k] }))
	if err != nil {
		t.Fatalf("HandleMetricBarrier: %v", err)
	}

	dist := edge.Distribution()
	if dist == nil {
		t.Fatal("edge.Distribution() = nil after HandleMetricBarrier")
	}
	if len(dist.Ranges) != 2 {
		t.Fatalf("len(dist.Ranges) = %d, want 2", len(dist.Ranges))
	}
	if !dist.Ranges[0].Hot {
		t.Errorf("dist.Ranges[0] = %v, want hot", dist.Ranges[0])
	}

	for _, tg := range down.TaskGroups {
		if len(tg.Incoming) != 1 || tg.Incoming[0].Edge != edge {
			t.Errorf("task group %s incoming = %v, want one entry for edge", tg.ID, tg.Incoming)
		}
	}
	if !down.TaskGroups[0].IsHot() {
		t.Error("down.TaskGroups[0].IsHot() = false, want true (assigned the hot range)")
	}

	sched.mu.Lock()
	defer sched.mu.Unlock()
	if len(sched.released) != 2 {
		t.Errorf("len(sched.released) = %d, want 2", len(sched.released))
	}
}

func TestHandleMetricBarrierRejectsNonShuffleEdge(t *testing.T) {
	plan := shardflow.NewPhysicalPlan()
	up := plan.AddStage("up", 1, shardflow.ContainerTypeCompute)
	down := plan.AddStage("down", 1, shardflow.ContainerTypeCompute)
	edge := plan.AddEdge("e0", up, down, shardflow.OneToOne)

	c := New(plan, &fakeScheduler{})
	if err := c.HandleMetricBarrier(context.Background(), edge, nil); err == nil {
		t.Fatal("HandleMetricBarrier on a OneToOne edge returned nil error")
	}
}
