// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package shardflow

import "fmt"

// KeyRange is a contiguous [Begin, End) interval over hash values in
// [0, HashRange). A KeyRange is tagged Hot iff it contains at least
// one bucket whose observed size puts it among the top skewed
// buckets measured for the shuffle edge it belongs to.
type KeyRange struct {
	Begin uint32
	End   uint32
	Hot   bool
}

// Contains reports whether hash falls within [Begin, End).
func (r KeyRange) Contains(hash uint32) bool {
	return hash >= r.Begin && hash < r.End
}

// Width returns End - Begin.
func (r KeyRange) Width() uint32 {
	return r.End - r.Begin
}

func (r KeyRange) String() string {
	hot := ""
	if r.Hot {
		hot = " hot"
	}
	return fmt.Sprintf("[%d,%d)%s", r.Begin, r.End, hot)
}

// ShuffleDistribution is the execution property attached to a Shuffle
// StageEdge: the chosen hash range and the KeyRange each downstream
// task index must read. len(Ranges) always equals the destination
// stage's parallelism.
type ShuffleDistribution struct {
	HashRange uint32
	Ranges    []KeyRange
}

// RangeFor returns the KeyRange assigned to the given downstream task
// index, or the zero KeyRange and false if taskIdx is out of bounds.
func (d *ShuffleDistribution) RangeFor(taskIdx int) (KeyRange, bool) {
	if d == nil || taskIdx < 0 || taskIdx >= len(d.Ranges) {
		return KeyRange{}, false
	}
	return d.Ranges[taskIdx], true
}
