// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package shardflow

// ContainerType is a coarse executor class used as a scheduling
// constraint, e.g. "compute" vs. "transient" vs. "reserved". The set
// of allowed values is open (callers may declare their own), but its
// order must stay stable within a job since the Scheduling Policy
// keys round-robin state by it.
type ContainerType string

// ContainerTypeNone is the NONE sentinel: "any container type will do."
const ContainerTypeNone ContainerType = ""

// Built-in container types. These exist so tests and small programs
// don't need to declare their own; real deployments are free to use
// any ContainerType string they like.
const (
	ContainerTypeCompute   ContainerType = "compute"
	ContainerTypeTransient ContainerType = "transient"
	ContainerTypeReserved  ContainerType = "reserved"
)

func (c ContainerType) String() string {
	if c == ContainerTypeNone {
		return "none"
	}
	return string(c)
}
