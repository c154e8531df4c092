// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package block

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limitbuf"
)

// truncatef formats a diagnostic message, truncating the whole
// formatted message to at most 512 bytes. Decode failures on
// corrupt or adversarial input can otherwise produce enormous error
// strings (e.g. a gob type name derived from garbage bytes).
func truncatef(format string, args ...interface{}) string {
	buf := limitbuf.NewLogger(512)
	fmt.Fprintf(buf, format, args...)
	return buf.String()
}

// BlockWriteError is returned by a write-path operation that fails:
// every write after commit, or a write whose serialization or
// underlying I/O fails. After an I/O failure the block stays open and
// its storage may be inconsistent; later writes are not refused, so
// the caller must treat the block as poisoned.
type BlockWriteError struct {
	BlockID string
	Err     error
}

func (e *BlockWriteError) Error() string {
	return truncatef("block %s: write error: %v", e.BlockID, e.Err)
}

func (e *BlockWriteError) Unwrap() error { return e.Err }

// writeAfterCommitErr is tagged errors.Precondition so callers can
// classify it with errors.Is without string-matching, the same way
// classifying failures by kind rather than by matching Error() text.
func writeAfterCommitErr(id string) error {
	return &BlockWriteError{BlockID: id, Err: errors.E(errors.Precondition, "write after commit")}
}

// BlockFetchError is returned by every read-path operation that fails,
// including reading a block that has not yet been committed.
type BlockFetchError struct {
	BlockID string
	Err     error
}

func (e *BlockFetchError) Error() string {
	return truncatef("block %s: fetch error: %v", e.BlockID, e.Err)
}

func (e *BlockFetchError) Unwrap() error { return e.Err }

func readBeforeCommitErr(id string) error {
	return &BlockFetchError{BlockID: id, Err: errors.E(errors.Precondition, "read before commit")}
}
