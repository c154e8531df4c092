// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package block

import "github.com/cespare/xxhash/v2"

// defaultHash bucketizes a partition key the same way the keyrange
// package does, so that a Block's HashRange-scoped reads agree with
// the KeyRange boundaries the planner computed for it.
func defaultHash(key string) uint64 {
	return xxhash.Sum64String(key)
}
