// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package registry

import (
	"testing"

	"github.com/shardflow/shardflow"
)

func TestRegisterAndGet(t *testing.T) {
	r := New()
	e := shardflow.NewExecutor("e0", shardflow.ContainerTypeCompute, 4)
	r.Register(e)
	got, ok := r.Get("e0")
	if !ok || got != e {
		t.Fatalf("Get(e0) = %v, %v, want %v, true", got, ok, e)
	}
	if !r.Any() {
		t.Error("Any() = false, want true after registering a running executor")
	}
	if n := r.Len(); n != 1 {
		t.Errorf("Len() = %d, want 1", n)
	}
}

func TestUnregisterForgetsExecutor(t *testing.T) {
	r := New()
	r.Register(shardflow.NewExecutor("e0", shardflow.ContainerTypeCompute, 4))
	r.Unregister("e0")
	if _, ok := r.Get("e0"); ok {
		t.Error("Get(e0) found an executor after Unregister")
	}
	if r.Any() {
		t.Error("Any() = true after unregistering the only executor")
	}
}

func TestMarkFailedReturnsOrphanedTaskGroups(t *testing.T) {
	r := New()
	e := shardflow.NewExecutor("e0", shardflow.ContainerTypeCompute, 4)
	e.AddRunning("tg0", false)
	e.AddRunning("tg1", false)
	r.Register(e)

	orphaned := r.MarkFailed("e0")
	if len(orphaned) != 2 {
		t.Fatalf("len(orphaned) = %d, want 2", len(orphaned))
	}
	if e.State() != shardflow.ExecutorFailed {
		t.Errorf("State() = %v, want Failed", e.State())
	}
	if got := r.RunningIDs(); len(got) != 0 {
		t.Errorf("RunningIDs() = %v, want none (only failed executor registered)", got)
	}
}

func TestRunningAndFailedLookups(t *testing.T) {
	r := New()
	e := shardflow.NewExecutor("e0", shardflow.ContainerTypeCompute, 4)
	r.Register(e)

	if _, ok := r.Running("e0"); !ok {
		t.Error("Running(e0) = false, want true before failure")
	}
	if _, ok := r.Failed("e0"); ok {
		t.Error("Failed(e0) = true, want false before failure")
	}

	r.MarkFailed("e0")
	if _, ok := r.Running("e0"); ok {
		t.Error("Running(e0) = true, want false after MarkFailed")
	}
	if got, ok := r.Failed("e0"); !ok || got != e {
		t.Errorf("Failed(e0) = %v, %v, want %v, true", got, ok, e)
	}
}

func TestMarkFailedUnknownIsNoop(t *testing.T) {
	r := New()
	if orphaned := r.MarkFailed("nope"); orphaned != nil {
		t.Errorf("MarkFailed(unknown) = %v, want nil", orphaned)
	}
}

func TestRunningIDsOrderAndFiltering(t *testing.T) {
	r := New()
	r.Register(shardflow.NewExecutor("e0", shardflow.ContainerTypeCompute, 1))
	r.Register(shardflow.NewExecutor("e1", shardflow.ContainerTypeCompute, 1))
	r.Register(shardflow.NewExecutor("e2", shardflow.ContainerTypeCompute, 1))
	r.MarkComplete("e1")

	ids := r.RunningIDs()
	var ss []string
	for _, id := range ids {
		ss = append(ss, string(id))
	}
	if len(ss) != 2 || ss[0] != "e0" || ss[1] != "e2" {
		t.Errorf("RunningIDs() = %v, want [e0 e2]", ss)
	}
}
