// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package policy

import (
	"testing"

	"github.com/shardflow/shardflow"
)

func hotTaskGroup(id string, idx int) *shardflow.TaskGroup {
	tg := shardflow.NewTaskGroup(shardflow.TaskGroupID(id), idx, "stage", shardflow.ContainerTypeCompute)
	edge := &shardflow.StageEdge{}
	tg.Incoming = append(tg.Incoming, shardflow.IncomingRange{Edge: edge, KeyRange: shardflow.KeyRange{Begin: 0, End: 1, Hot: true}})
	return tg
}

func plainTaskGroup(id string, idx int) *shardflow.TaskGroup {
	return shardflow.NewTaskGroup(shardflow.TaskGroupID(id), idx, "stage", shardflow.ContainerTypeCompute)
}

func TestRoundRobinFairness(t *testing.T) {
	p := New()
	e0 := shardflow.NewExecutor("e0", shardflow.ContainerTypeCompute, 1)
	e1 := shardflow.NewExecutor("e1", shardflow.ContainerTypeCompute, 1)
	p.OnExecutorAdded(e0)
	p.OnExecutorAdded(e1)

	tgA := plainTaskGroup("a", 0)
	tgB := plainTaskGroup("b", 1)
	if !p.ScheduleTaskGroup(tgA) {
		t.Fatal("ScheduleTaskGroup(a) = false")
	}
	if !p.ScheduleTaskGroup(tgB) {
		t.Fatal("ScheduleTaskGroup(b) = false")
	}
	execA, _ := tgA.Executor()
	execB, _ := tgB.Executor()
	if execA == execB {
		t.Errorf("both task groups placed on %s, want distinct executors", execA)
	}

	tgC := plainTaskGroup("c", 2)
	if p.ScheduleTaskGroup(tgC) {
		t.Error("ScheduleTaskGroup(c) = true, want false: both executors at capacity 1")
	}
}

func TestHotTaskGroupAvoidsOccupiedExecutor(t *testing.T) {
	p := New()
	e0 := shardflow.NewExecutor("e0", shardflow.ContainerTypeCompute, 4)
	e1 := shardflow.NewExecutor("e1", shardflow.ContainerTypeCompute, 4)
	p.OnExecutorAdded(e0)
	p.OnExecutorAdded(e1)

	hotA := hotTaskGroup("hotA", 0)
	if !p.ScheduleTaskGroup(hotA) {
		t.Fatal("ScheduleTaskGroup(hotA) = false")
	}
	firstHotExec, _ := hotA.Executor()

	hotB := hotTaskGroup("hotB", 1)
	if !p.ScheduleTaskGroup(hotB) {
		t.Fatal("ScheduleTaskGroup(hotB) = false")
	}
	secondHotExec, _ := hotB.Executor()

	if firstHotExec == secondHotExec {
		t.Errorf("both hot task groups placed on %s, want distinct executors (skew bias)", firstHotExec)
	}
}

func TestHotFallsBackToRoundRobinWhenAllExecutorsHot(t *testing.T) {
	p := New()
	e0 := shardflow.NewExecutor("e0", shardflow.ContainerTypeCompute, 4)
	p.OnExecutorAdded(e0)

	hotA := hotTaskGroup("hotA", 0)
	p.ScheduleTaskGroup(hotA)

	hotB := hotTaskGroup("hotB", 1)
	if !p.ScheduleTaskGroup(hotB) {
		t.Fatal("ScheduleTaskGroup(hotB) = false, want true: single executor still has a free slot")
	}
}

func TestOnExecutorRemovedResetsOrDecrementsCursor(t *testing.T) {
	p := New()
	e0 := shardflow.NewExecutor("e0", shardflow.ContainerTypeCompute, 1)
	e1 := shardflow.NewExecutor("e1", shardflow.ContainerTypeCompute, 1)
	e2 := shardflow.NewExecutor("e2", shardflow.ContainerTypeCompute, 1)
	p.OnExecutorAdded(e0)
	p.OnExecutorAdded(e1)
	p.OnExecutorAdded(e2)

	// Each executor was inserted at the cursor, so the list is
	// [e2 e1 e0]. Place one task group to advance the cursor past e2.
	tgA := plainTaskGroup("a", 0)
	p.ScheduleTaskGroup(tgA)

	orphaned := p.OnExecutorRemoved(e2)
	if len(orphaned) != 1 || orphaned[0] != tgA {
		t.Fatalf("orphaned = %v, want exactly [a]", orphaned)
	}

	list := p.byType[shardflow.ContainerTypeCompute]
	if len(list) != 2 {
		t.Fatalf("len(list) = %d, want 2", len(list))
	}
	if cursor := p.cursor[shardflow.ContainerTypeCompute]; cursor >= len(list) {
		t.Errorf("cursor = %d, want < %d", cursor, len(list))
	}
}

func TestOnTaskGroupCompleteClearsHotMap(t *testing.T) {
	p := New()
	e0 := shardflow.NewExecutor("e0", shardflow.ContainerTypeCompute, 4)
	p.OnExecutorAdded(e0)

	hotA := hotTaskGroup("hotA", 0)
	p.ScheduleTaskGroup(hotA)
	if _, hot := p.hotMap[e0.ID]; !hot {
		t.Fatal("hotMap does not contain e0 after placing a hot task group")
	}
	p.OnTaskGroupComplete(e0, hotA)
	if _, hot := p.hotMap[e0.ID]; hot {
		t.Error("hotMap still contains e0 after its hot task group completed")
	}
}

func TestOnTaskGroupFailedClearsHotMap(t *testing.T) {
	p := New()
	e0 := shardflow.NewExecutor("e0", shardflow.ContainerTypeCompute, 4)
	p.OnExecutorAdded(e0)

	hotA := hotTaskGroup("hotA", 0)
	p.ScheduleTaskGroup(hotA)
	p.OnTaskGroupFailed(e0, hotA)
	if _, hot := p.hotMap[e0.ID]; hot {
		t.Error("hotMap still contains e0 after its hot task group failed")
	}
}
