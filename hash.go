// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package shardflow

import "github.com/cespare/xxhash/v2"

// defaultStringHash is the key-hashing function HashPartitioner uses
// when its Hash field is nil. The keyrange and block packages each
// define their own xxhash-based default. xxhash is used rather than a
// hand-rolled hash because it is the hash of choice across the
// broader dataflow/storage-engine ecosystem this module draws on.
func defaultStringHash(key string) uint64 {
	return xxhash.Sum64String(key)
}
