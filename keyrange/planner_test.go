// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package keyrange

import (
	"fmt"
	"testing"

	fuzz "github.com/google/gofuzz"
)

func TestNextPrime(t *testing.T) {
	cases := []struct {
		n, want int
	}{
		{0, 2},
		{1, 2},
		{2, 2},
		{10, 11},
		{11, 11},
		{20, 23},
		{25, 29},
	}
	for _, c := range cases {
		if got := NextPrime(c.n); got != c.want {
			t.Errorf("NextPrime(%d) = %d, want %d", c.n, got, c.want)
		}
	}
}

func checkPartition(t *testing.T, sizes map[string]uint64, n int, h uint32, opts ...Option) {
	t.Helper()
	ranges, err := Plan(sizes, n, h, opts...)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if got, want := len(ranges), n; got != want {
		t.Fatalf("len(ranges) = %d, want %d", got, want)
	}
	if ranges[0].Begin != 0 {
		t.Errorf("ranges[0].Begin = %d, want 0", ranges[0].Begin)
	}
	if ranges[n-1].End != h {
		t.Errorf("ranges[%d].End = %d, want %d", n-1, ranges[n-1].End, h)
	}
	for i := 0; i < n; i++ {
		if ranges[i].Begin > ranges[i].End {
			t.Errorf("ranges[%d] = %v: begin > end", i, ranges[i])
		}
		if i > 0 && ranges[i].Begin != ranges[i-1].End {
			t.Errorf("ranges[%d].Begin = %d != ranges[%d].End = %d: gap or overlap",
				i, ranges[i].Begin, i-1, ranges[i-1].End)
		}
	}
}

func TestPlanZeroTotal(t *testing.T) {
	ranges, err := Plan(map[string]uint64{}, 4, 23)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	want := "[0,5) [5,10) [10,15) [15,23)"
	got := ""
	for i, r := range ranges {
		if i > 0 {
			got += " "
		}
		got += fmt.Sprintf("[%d,%d)", r.Begin, r.End)
		if r.Hot {
			t.Errorf("ranges[%d] unexpectedly hot in zero-total case", i)
		}
	}
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestPlanUniformNoHot(t *testing.T) {
	const h = 97
	sizes := make(map[string]uint64, h)
	for i := 0; i < h; i++ {
		sizes[fmt.Sprintf("k%d", i)] = 10
	}
	// Pin each key to its own bucket so sizes are exactly uniform
	// across all H buckets.
	hash := func(key string) uint64 {
		var i int
		fmt.Sscanf(key, "k%d", &i)
		return uint64(i)
	}
	ranges, err := Plan(sizes, 7, h, WithHashFunc(hash))
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	checkPartition(t, sizes, 7, h, WithHashFunc(hash))
	for i, r := range ranges {
		if r.Hot {
			t.Errorf("ranges[%d] = %v: unexpectedly hot in uniform case", i, r)
		}
	}
	// Widths should differ by at most 1.
	min, max := ^uint32(0), uint32(0)
	for _, r := range ranges {
		w := r.Width()
		if w < min {
			min = w
		}
		if w > max {
			max = w
		}
	}
	if max-min > 1 {
		t.Errorf("range widths differ by more than 1: min=%d max=%d", min, max)
	}
}

func TestPlanSkewedConcrete(t *testing.T) {
	sizes := map[string]uint64{"k0": 100, "k1": 1, "k2": 1, "k3": 1}
	hash := map[string]uint64{"k0": 0, "k1": 1, "k2": 2, "k3": 3}
	h := uint32(NextPrime(10))
	if h != 11 {
		t.Fatalf("NextPrime(10) = %d, want 11", h)
	}
	ranges, err := Plan(sizes, 2, h, WithSkewedCount(1), WithHashFunc(func(k string) uint64 { return hash[k] }))
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	checkPartition(t, sizes, 2, h, WithSkewedCount(1), WithHashFunc(func(k string) uint64 { return hash[k] }))
	if ranges[0].Width() != 1 {
		t.Errorf("ranges[0] width = %d, want 1 (k0's bucket alone)", ranges[0].Width())
	}
	if !ranges[0].Hot {
		t.Errorf("ranges[0] = %v, want hot (contains k0's bucket)", ranges[0])
	}
	if ranges[1].Hot {
		t.Errorf("ranges[1] = %v, want not hot", ranges[1])
	}
	if got, want := ranges[1].Width(), h-1; got != want {
		t.Errorf("ranges[1] width = %d, want %d", got, want)
	}
}

func TestPlanSkewedDefaultSkewedCount(t *testing.T) {
	// One dominant key among several small ones, with the default
	// skewed-bucket budget: only the dominant bucket exceeds the ideal
	// per-task share, so exactly one of the two ranges comes out hot.
	sizes := map[string]uint64{"A": 1000, "B": 10, "C": 10, "D": 10, "E": 10}
	hash := map[string]uint64{"A": 0, "B": 1, "C": 2, "D": 3, "E": 4}
	h := uint32(NextPrime(10))
	ranges, err := Plan(sizes, 2, h, WithHashFunc(func(k string) uint64 { return hash[k] }))
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	checkPartition(t, sizes, 2, h, WithHashFunc(func(k string) uint64 { return hash[k] }))
	hotCount := 0
	for _, r := range ranges {
		if r.Hot {
			hotCount++
		}
	}
	if hotCount != 1 {
		t.Errorf("hot ranges = %d, want exactly 1", hotCount)
	}
	if !ranges[0].Hot {
		t.Errorf("ranges[0] = %v, want hot (contains A's bucket)", ranges[0])
	}
}

func TestPlanFuzzInvariants(t *testing.T) {
	fz := fuzz.NewWithSeed(42)
	for trial := 0; trial < 200; trial++ {
		n := 1 + trial%6
		h := uint32(NextPrime(5*n + trial%13))
		numKeys := trial % 20
		sizes := make(map[string]uint64, numKeys)
		for i := 0; i < numKeys; i++ {
			var sz uint32
			fz.Fuzz(&sz)
			sizes[fmt.Sprintf("key-%d-%d", trial, i)] = uint64(sz % 1000)
		}
		checkPartition(t, sizes, n, h)
	}
}

func TestPlanRejectsSmallHashRange(t *testing.T) {
	if _, err := Plan(map[string]uint64{"a": 1}, 5, 3); err == nil {
		t.Fatal("expected error when hashRange < dstParallelism")
	}
}
