// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package block

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigslice/stats"
)

// defaultMaxConcurrentFlushes bounds how many blocks may have buffered
// partitions being flushed to disk at once.
const defaultMaxConcurrentFlushes = 8

// Store is a per-executor directory of Blocks, keyed by block ID.
// Every Block created from the same Store shares a single flush
// limiter, so a burst of commits across many blocks doesn't starve the
// executor's disk.
type Store struct {
	dir     string
	limiter *limiter.Limiter

	// Stats counts bytes committed across every block this Store has
	// created.
	Stats *stats.Map

	mu     sync.Mutex
	blocks map[string]*Block
}

// NewStore constructs a Store rooted at dir. maxConcurrentFlushes <= 0
// uses defaultMaxConcurrentFlushes.
func NewStore(dir string, maxConcurrentFlushes int) *Store {
	if maxConcurrentFlushes <= 0 {
		maxConcurrentFlushes = defaultMaxConcurrentFlushes
	}
	lim := limiter.New()
	lim.Release(maxConcurrentFlushes)
	return &Store{dir: dir, limiter: lim, blocks: make(map[string]*Block), Stats: stats.NewMap()}
}

// Create constructs and registers a new, open Block with the given ID.
// ser may be nil, in which case GobSerializer is used. hashRange is 0
// for blocks whose partitions aren't read back by key range.
func (s *Store) Create(id string, ser Serializer, hashRange uint32) (*Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blocks[id]; ok {
		return nil, fmt.Errorf("block store: block %s already exists", id)
	}
	path := filepath.Join(s.dir, id+".blk")
	b, err := newBlock(id, path, ser, hashRange, s.limiter)
	if err != nil {
		log.Error.Printf("block store: create %s: %v", id, err)
		return nil, err
	}
	b.onCommit = func(n uint64) { s.Stats.Int("bytesCommitted").Add(int64(n)) }
	s.blocks[id] = b
	return b, nil
}

// Get returns the block registered under id, if any.
func (s *Store) Get(id string) (*Block, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[id]
	return b, ok
}

// Delete removes the block registered under id, closing and unlinking
// its backing file. It is a no-op if id is not registered.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	b, ok := s.blocks[id]
	if ok {
		delete(s.blocks, id)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if err := b.Delete(); err != nil {
		log.Error.Printf("block store: delete %s: %v", id, err)
		return err
	}
	return nil
}

// Ids returns the IDs of every block currently registered.
func (s *Store) Ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.blocks))
	for id := range s.blocks {
		ids = append(ids, id)
	}
	return ids
}
