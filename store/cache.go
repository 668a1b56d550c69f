// Package store implements the transactional database wrapper over
// tidwall/buntdb and the resource index built on top of it.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package store

import (
	"sync"

	"github.com/OneOfOne/xxhash"
)

// idCache is a small map of publicID -> internalID, sharded by xxhash
// digest. Index.Store fills it and deletions prune it, but no lookup path
// reads it: public ids are always resolved through DB.LookupPublicID inside
// a transaction.
type idCache struct {
	shards [idCacheShards]idCacheShard
}

const idCacheShards = 32

type idCacheShard struct {
	mu sync.RWMutex
	m  map[string]int64
}

func newIDCache() *idCache {
	c := &idCache{}
	for i := range c.shards {
		c.shards[i].m = make(map[string]int64, 64)
	}
	return c
}

func (c *idCache) shardFor(publicID string) *idCacheShard {
	h := xxhash.ChecksumString64(publicID)
	return &c.shards[h%idCacheShards]
}

func (c *idCache) get(publicID string) (int64, bool) {
	s := c.shardFor(publicID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.m[publicID]
	return id, ok
}

func (c *idCache) put(publicID string, id int64) {
	s := c.shardFor(publicID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[publicID] = id
}

func (c *idCache) remove(publicID string) {
	s := c.shardFor(publicID)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, publicID)
}
