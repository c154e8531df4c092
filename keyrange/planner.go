// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package keyrange implements the key-range planner: given observed
// per-key sizes for a shuffle edge and a target downstream
// parallelism, it produces one contiguous KeyRange per downstream
// task, flagging ranges that absorb a skewed bucket as hot.
package keyrange

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/shardflow/shardflow"
)

// DefaultSkewedCount is the default number of largest buckets treated
// as skewed (the "skewed-key count").
const DefaultSkewedCount = 10

// HashMultiplier is fixed at 5: the hash range for
// a shuffle edge is NextPrime(HashMultiplier * dstParallelism).
const HashMultiplier = 5

// HashFunc hashes a user key to a 64-bit value for bucketization.
type HashFunc func(key string) uint64

type options struct {
	skewedCount int
	hash        HashFunc
}

// Option configures a call to Plan.
type Option func(*options)

// WithSkewedCount overrides the number of largest buckets treated as
// skewed. k must be positive; Plan falls back to DefaultSkewedCount
// otherwise.
func WithSkewedCount(k int) Option {
	return func(o *options) {
		if k > 0 {
			o.skewedCount = k
		}
	}
}

// WithHashFunc overrides the hash function used to bucketize user
// keys. This exists primarily so tests can pin specific keys to
// specific buckets; production callers should rely on the default.
func WithHashFunc(h HashFunc) Option {
	return func(o *options) {
		if h != nil {
			o.hash = h
		}
	}
}

func defaultHash(key string) uint64 {
	return xxhash.Sum64String(key)
}

// Plan computes one KeyRange per downstream task for a shuffle edge
// observed to move the given per-key byte sizes. hashRange must be
// >= dstParallelism.
func Plan(sizes map[string]uint64, dstParallelism int, hashRange uint32, opts ...Option) ([]shardflow.KeyRange, error) {
	if dstParallelism <= 0 {
		return nil, fmt.Errorf("keyrange: dstParallelism must be positive, got %d", dstParallelism)
	}
	if hashRange < uint32(dstParallelism) {
		return nil, fmt.Errorf("keyrange: hashRange %d must be >= dstParallelism %d", hashRange, dstParallelism)
	}

	cfg := options{skewedCount: DefaultSkewedCount, hash: defaultHash}
	for _, opt := range opts {
		opt(&cfg)
	}

	n := dstParallelism
	h := int(hashRange)

	bucketSize := make([]uint64, h)
	var total uint64
	for key, size := range sizes {
		b := int(cfg.hash(key) % uint64(h))
		bucketSize[b] += size
		total += size
	}

	if total == 0 {
		return equalRanges(n, h), nil
	}

	ideal := total / uint64(n)
	skewed := skewedBuckets(bucketSize, cfg.skewedCount, ideal)
	prefix := make([]uint64, h+1)
	for i := 0; i < h; i++ {
		prefix[i+1] = prefix[i] + bucketSize[i]
	}

	boundaries := make([]int, n+1)
	boundaries[0] = 0
	boundaries[n] = h
	finish := 0
	for i := 1; i < n; i++ {
		target := uint64(i) * ideal
		for prefix[finish] < target && h-finish >= n-i {
			finish++
		}
		if finish > boundaries[i-1] {
			distAt := absDiff(prefix[finish], target)
			distPrev := absDiff(prefix[finish-1], target)
			// Tie goes to the advanced position: only undo the last
			// step if it was strictly closer.
			if distPrev < distAt {
				finish--
			}
		}
		boundaries[i] = finish
	}

	ranges := make([]shardflow.KeyRange, n)
	for i := 0; i < n; i++ {
		begin, end := boundaries[i], boundaries[i+1]
		hot := false
		for b := begin; b < end; b++ {
			if skewed[b] {
				hot = true
				break
			}
		}
		ranges[i] = shardflow.KeyRange{Begin: uint32(begin), End: uint32(end), Hot: hot}
	}
	return ranges, nil
}

// equalRanges handles the degenerate zero-total case: N equal
// contiguous ranges of width floor(H/N), the last absorbing the
// remainder; none flagged hot.
func equalRanges(n, h int) []shardflow.KeyRange {
	width := h / n
	ranges := make([]shardflow.KeyRange, n)
	for i := 0; i < n; i++ {
		begin := i * width
		end := begin + width
		if i == n-1 {
			end = h
		}
		ranges[i] = shardflow.KeyRange{Begin: uint32(begin), End: uint32(end)}
	}
	return ranges
}

// skewedBuckets identifies the skewed set: the k largest buckets,
// restricted to those strictly larger than the ideal per-task share.
// The restriction is what keeps a uniform load from flagging
// anything: every bucket sits at or below the ideal, so none is
// skewed no matter how large k is.
func skewedBuckets(sizes []uint64, k int, ideal uint64) map[int]bool {
	skewed := make(map[int]bool)
	if k <= 0 || len(sizes) == 0 {
		return skewed
	}
	order := make([]int, len(sizes))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return sizes[order[a]] > sizes[order[b]] })
	for _, b := range order {
		if len(skewed) >= k || sizes[b] <= ideal {
			break
		}
		skewed[b] = true
	}
	return skewed
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

// NextPrime returns the smallest prime >= n. It is used to compute
// the hash range for a shuffle edge: NextPrime(HashMultiplier *
// dstParallelism).
func NextPrime(n int) int {
	if n < 2 {
		return 2
	}
	for c := n; ; c++ {
		if isPrime(c) {
			return c
		}
	}
}

func isPrime(n int) bool {
	if n < 2 {
		return false
	}
	if n%2 == 0 {
		return n == 2
	}
	for i := 3; i*i <= n; i += 2 {
		if n%i == 0 {
			return false
		}
	}
	return true
}
