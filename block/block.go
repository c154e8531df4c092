// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package block

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/sync/once"

	"github.com/shardflow/shardflow"
)

type blockState int32

const (
	blockOpen blockState = iota
	blockCommitted
)

// Block is a single append-only, single-writer-by-construction file of
// keyed partitions. Partitions are appended in write order; a Block
// becomes immutable and readable only once Commit has been called.
//
// Block is not safe for concurrent writers: a block has exactly one
// single-writer-by-construction, so the write path takes no lock
// beyond what's needed to keep state transitions and the metadata
// slice consistent with concurrent readers of Commit's return value.
type Block struct {
	ID         string
	Serializer Serializer
	HashRange  uint32 // 0 means unpartitioned: reads never filter by range

	path    string
	file    *os.File
	limiter *limiter.Limiter

	mu       sync.Mutex
	state    blockState
	offset   uint64
	metadata []PartitionMetadata

	buffer      map[string][]interface{}
	bufferOrder []string

	commitOnce   once.Map
	commitTotals map[string]uint64

	// onCommit, if set, is called once with the block's total
	// committed bytes when Commit succeeds. The Store uses this to
	// maintain its aggregate bytesCommitted counter.
	onCommit func(totalBytes uint64)
}

func newBlock(id, path string, ser Serializer, hashRange uint32, lim *limiter.Limiter) (*Block, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("block: create %s: %w", id, err)
	}
	if ser == nil {
		ser = GobSerializer{}
	}
	return &Block{
		ID:         id,
		Serializer: ser,
		HashRange:  hashRange,
		path:       path,
		file:       f,
		limiter:    lim,
		buffer:     make(map[string][]interface{}),
	}, nil
}

// Write appends element to key's partition in an in-memory buffer.
// Buffered partitions are not written to storage until CommitPartitions
// or Commit is called. Write returns a BlockWriteError if the block has
// already been committed.
func (b *Block) Write(key string, element interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == blockCommitted {
		return writeAfterCommitErr(b.ID)
	}
	if _, ok := b.buffer[key]; !ok {
		b.bufferOrder = append(b.bufferOrder, key)
	}
	b.buffer[key] = append(b.buffer[key], element)
	return nil
}

// WritePartitions serializes and appends each partition pulled from
// src directly to storage, bypassing the in-memory buffer. It fails if
// the block has already been committed.
func (b *Block) WritePartitions(ctx context.Context, src NonSerializedSource) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == blockCommitted {
		return writeAfterCommitErr(b.ID)
	}
	for {
		if err := ctx.Err(); err != nil {
			return &BlockWriteError{BlockID: b.ID, Err: err}
		}
		p, ok, err := src()
		if err != nil {
			return &BlockWriteError{BlockID: b.ID, Err: err}
		}
		if !ok {
			return nil
		}
		if err := b.appendLocked(p.Key, p.Elements); err != nil {
			return err
		}
	}
}

// WriteSerializedPartitions appends each already-serialized partition
// pulled from src directly to storage, bypassing both the in-memory
// buffer and the Serializer.
func (b *Block) WriteSerializedPartitions(ctx context.Context, src SerializedSource) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == blockCommitted {
		return writeAfterCommitErr(b.ID)
	}
	for {
		if err := ctx.Err(); err != nil {
			return &BlockWriteError{BlockID: b.ID, Err: err}
		}
		p, ok, err := src()
		if err != nil {
			return &BlockWriteError{BlockID: b.ID, Err: err}
		}
		if !ok {
			return nil
		}
		if err := b.appendRawLocked(p.Key, p.Data, p.ElementCount); err != nil {
			return err
		}
	}
}

// appendLocked serializes elements and appends them to the backing
// file, recording metadata. Caller must hold b.mu.
func (b *Block) appendLocked(key string, elements []interface{}) error {
	var buf bytes.Buffer
	if _, err := b.Serializer.Encode(&buf, elements); err != nil {
		return &BlockWriteError{BlockID: b.ID, Err: err}
	}
	return b.appendRawLocked(key, buf.Bytes(), len(elements))
}

// appendRawLocked writes already-serialized bytes to the backing file
// at the current offset, recording metadata. Caller must hold b.mu.
func (b *Block) appendRawLocked(key string, data []byte, elementCount int) error {
	if _, err := b.file.Write(data); err != nil {
		return &BlockWriteError{BlockID: b.ID, Err: err}
	}
	b.metadata = append(b.metadata, PartitionMetadata{
		Key:          key,
		OffsetBytes:  b.offset,
		LengthBytes:  uint32(len(data)),
		ElementCount: uint32(elementCount),
	})
	b.offset += uint64(len(data))
	return nil
}

// CommitPartitions flushes any buffered Write calls to storage, in the
// order each key was first written, then clears the buffer. It is
// safe to call repeatedly; a second call with nothing new buffered is
// a no-op.
func (b *Block) CommitPartitions(ctx context.Context) error {
	if err := b.limiter.Acquire(ctx, 1); err != nil {
		return &BlockWriteError{BlockID: b.ID, Err: err}
	}
	defer b.limiter.Release(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.commitPartitionsLocked()
}

func (b *Block) commitPartitionsLocked() error {
	for _, key := range b.bufferOrder {
		if err := b.appendLocked(key, b.buffer[key]); err != nil {
			return err
		}
	}
	b.buffer = make(map[string][]interface{})
	b.bufferOrder = nil
	return nil
}

// Commit flushes any buffered partitions, marks the block immutable
// and readable, and returns the total bytes written per user key.
// Commit is idempotent: a second call returns the same totals without
// re-flushing or re-writing anything (commit
// idempotence).
func (b *Block) Commit(ctx context.Context) (map[string]uint64, error) {
	err := b.commitOnce.Do(b.ID, func() error {
		if err := b.CommitPartitions(ctx); err != nil {
			return err
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		totals := make(map[string]uint64, len(b.metadata))
		for _, m := range b.metadata {
			totals[m.Key] += uint64(m.LengthBytes)
		}
		b.commitTotals = totals
		b.state = blockCommitted
		if b.onCommit != nil {
			var sum uint64
			for _, n := range totals {
				sum += n
			}
			b.onCommit(sum)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.commitTotals, nil
}

func (b *Block) inRange(key string, kr shardflow.KeyRange) bool {
	if b.HashRange == 0 {
		return true
	}
	h := defaultHash(key) % uint64(b.HashRange)
	return kr.Contains(uint32(h))
}

// ReadPartitions opens a fresh, independent read handle streaming
// every committed partition whose key falls within kr, in block write
// order, skipping the rest by seeking past their recorded length. It
// fails unless the block has been committed.
func (b *Block) ReadPartitions(kr shardflow.KeyRange) (*PartitionReader, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != blockCommitted {
		return nil, readBeforeCommitErr(b.ID)
	}
	f, err := os.Open(b.path)
	if err != nil {
		return nil, &BlockFetchError{BlockID: b.ID, Err: err}
	}
	return &PartitionReader{block: b, rangeKR: kr, file: f, metadata: b.metadata}, nil
}

// AsFileAreas returns a zero-copy descriptor for every committed
// partition whose key falls within kr, without reading or decoding any
// bytes.
func (b *Block) AsFileAreas(kr shardflow.KeyRange) ([]FileArea, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != blockCommitted {
		return nil, readBeforeCommitErr(b.ID)
	}
	var areas []FileArea
	for _, m := range b.metadata {
		if b.inRange(m.Key, kr) {
			areas = append(areas, FileArea{Path: b.path, Offset: m.OffsetBytes, Length: uint64(m.LengthBytes)})
		}
	}
	return areas, nil
}

// Delete removes the block's backing file. The caller is responsible
// for ensuring no outstanding PartitionReader is still in use; the
// Block Store does not track reader lifetimes.
func (b *Block) Delete() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.file.Close(); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(b.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	b.metadata = nil
	return nil
}

// PartitionReader streams NonSerializedPartitions from a committed
// Block over a dedicated file handle, independent of the Block's
// writer handle. Close releases the handle once the reader is no
// longer needed.
type PartitionReader struct {
	block    *Block
	rangeKR  shardflow.KeyRange
	file     *os.File
	metadata []PartitionMetadata
	idx      int
}

// Next returns the next in-range partition, decoded via the Block's
// Serializer. ok is false once the reader is exhausted.
func (pr *PartitionReader) Next() (NonSerializedPartition, bool, error) {
	for pr.idx < len(pr.metadata) {
		m := pr.metadata[pr.idx]
		pr.idx++
		if !pr.block.inRange(m.Key, pr.rangeKR) {
			if _, err := pr.file.Seek(int64(m.LengthBytes), io.SeekCurrent); err != nil {
				return NonSerializedPartition{}, false, &BlockFetchError{BlockID: pr.block.ID, Err: err}
			}
			continue
		}
		data := make([]byte, m.LengthBytes)
		if _, err := io.ReadFull(pr.file, data); err != nil {
			return NonSerializedPartition{}, false, &BlockFetchError{BlockID: pr.block.ID, Err: err}
		}
		elements, err := pr.block.Serializer.Decode(bytes.NewReader(data), int64(len(data)), int(m.ElementCount))
		if err != nil {
			return NonSerializedPartition{}, false, &BlockFetchError{BlockID: pr.block.ID, Err: err}
		}
		return NonSerializedPartition{Key: m.Key, Elements: elements}, true, nil
	}
	return NonSerializedPartition{}, false, nil
}

// Close releases the reader's file handle.
func (pr *PartitionReader) Close() error {
	return pr.file.Close()
}

// ReadSerializedPartitions streams raw, still-encoded partitions
// matching kr, skipping the Serializer entirely. This is the path used
// to forward shuffle output to a remote reader without paying a
// decode/re-encode round trip.
func (b *Block) ReadSerializedPartitions(kr shardflow.KeyRange) (*SerializedPartitionReader, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != blockCommitted {
		return nil, readBeforeCommitErr(b.ID)
	}
	f, err := os.Open(b.path)
	if err != nil {
		return nil, &BlockFetchError{BlockID: b.ID, Err: err}
	}
	return &SerializedPartitionReader{block: b, rangeKR: kr, file: f, metadata: b.metadata}, nil
}

// SerializedPartitionReader is the raw-bytes counterpart of
// PartitionReader.
type SerializedPartitionReader struct {
	block    *Block
	rangeKR  shardflow.KeyRange
	file     *os.File
	metadata []PartitionMetadata
	idx      int
}

// Next returns the next in-range partition's raw bytes. ok is false
// once the reader is exhausted.
func (pr *SerializedPartitionReader) Next() (SerializedPartition, bool, error) {
	for pr.idx < len(pr.metadata) {
		m := pr.metadata[pr.idx]
		pr.idx++
		if !pr.block.inRange(m.Key, pr.rangeKR) {
			if _, err := pr.file.Seek(int64(m.LengthBytes), io.SeekCurrent); err != nil {
				return SerializedPartition{}, false, &BlockFetchError{BlockID: pr.block.ID, Err: err}
			}
			continue
		}
		data := make([]byte, m.LengthBytes)
		if _, err := io.ReadFull(pr.file, data); err != nil {
			return SerializedPartition{}, false, &BlockFetchError{BlockID: pr.block.ID, Err: err}
		}
		return SerializedPartition{Key: m.Key, Data: data, ElementCount: int(m.ElementCount)}, true, nil
	}
	return SerializedPartition{}, false, nil
}

// Close releases the reader's file handle.
func (pr *SerializedPartitionReader) Close() error {
	return pr.file.Close()
}
