// Copyright 2018 The go-klaytn Authors
// This file is part of the go-klaytn library.
//
// The go-klaytn library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-klaytn library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-klaytn library. If not, see <http://www.gnu.org/licenses/>.

// Package common holds the generic LRU/ARC cache wrapper that replicator
// uses for its bounded in-flight request bookkeeping.
package common

import (
	"math"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/feedmesh/feedmesh/log"
)

// DefaultCacheType selects which cache shape NewCache builds when the
// caller doesn't need a specific one.
var DefaultCacheType = LRUCacheType

// CacheScale lets deployments scale every configured cache size up or down
// uniformly. It stays at its default unless a caller assigns it; config's
// memory-based defaultCacheSize sizes feed caches and does not touch it.
var CacheScale = 100

var logger = log.NewModuleLogger(log.ModuleCommon)

type CacheType int

const (
	LRUCacheType CacheType = iota
	LRUShardCacheType
	ARCCacheType
)

// CacheKey is any comparable key; ShardKey additionally supports sharded
// caches, where the key picks its own shard.
type CacheKey interface{}

type ShardKey interface {
	CacheKey
	ShardIndex(shardMask int) int
}

// Cache is the common surface every cache shape below implements.
type Cache interface {
	Add(key CacheKey, value interface{}) (evicted bool)
	Get(key CacheKey) (value interface{}, ok bool)
	Contains(key CacheKey) bool
	Remove(key CacheKey)
	Len() int
	Purge()
}

type lruCache struct {
	lru *lru.Cache
}

func (c *lruCache) Add(key CacheKey, value interface{}) bool { return c.lru.Add(key, value) }
func (c *lruCache) Get(key CacheKey) (interface{}, bool)     { return c.lru.Get(key) }
func (c *lruCache) Contains(key CacheKey) bool               { return c.lru.Contains(key) }
func (c *lruCache) Purge()                                   { c.lru.Purge() }
func (c *lruCache) Len() int                                 { return c.lru.Len() }
func (c *lruCache) Remove(key CacheKey)                      { c.lru.Remove(key) }

type arcCache struct {
	arc *lru.ARCCache
}

func (c *arcCache) Add(key CacheKey, value interface{}) bool {
	c.arc.Add(key, value)
	return true
}
func (c *arcCache) Get(key CacheKey) (interface{}, bool) { return c.arc.Get(key) }
func (c *arcCache) Contains(key CacheKey) bool           { return c.arc.Contains(key) }
func (c *arcCache) Purge()                               { c.arc.Purge() }
func (c *arcCache) Len() int                             { return c.arc.Len() }
func (c *arcCache) Remove(key CacheKey)                  { c.arc.Remove(key) }

type lruShardCache struct {
	shards    []*lru.Cache
	shardMask int
}

func (c *lruShardCache) shardFor(key CacheKey) *lru.Cache {
	sk, ok := key.(ShardKey)
	if !ok {
		return c.shards[0]
	}
	return c.shards[sk.ShardIndex(c.shardMask)]
}

func (c *lruShardCache) Add(key CacheKey, value interface{}) bool {
	return c.shardFor(key).Add(key, value)
}
func (c *lruShardCache) Get(key CacheKey) (interface{}, bool) { return c.shardFor(key).Get(key) }
func (c *lruShardCache) Contains(key CacheKey) bool           { return c.shardFor(key).Contains(key) }
func (c *lruShardCache) Purge() {
	for _, s := range c.shards {
		s.Purge()
	}
}
func (c *lruShardCache) Len() int {
	n := 0
	for _, s := range c.shards {
		n += s.Len()
	}
	return n
}

func (c *lruShardCache) Remove(key CacheKey) { c.shardFor(key).Remove(key) }

// CacheConfiger builds a concrete Cache; LRUConfig/LRUShardConfig/ARCConfig
// implement it.
type CacheConfiger interface {
	newCache() (Cache, error)
}

func NewCache(config CacheConfiger) (Cache, error) {
	if config == nil {
		return nil, errors.New("cache config is nil")
	}
	return config.newCache()
}

type LRUConfig struct {
	CacheSize int
}

func (c LRUConfig) newCache() (Cache, error) {
	size := scaled(c.CacheSize)
	if size < 1 {
		size = 1
	}
	l, err := lru.New(size)
	if err != nil {
		return nil, errors.Wrap(err, "new lru cache")
	}
	return &lruCache{l}, nil
}

type ARCConfig struct {
	CacheSize int
}

func (c ARCConfig) newCache() (Cache, error) {
	a, err := lru.NewARC(scaled(c.CacheSize))
	if err != nil {
		return nil, errors.Wrap(err, "new arc cache")
	}
	return &arcCache{a}, nil
}

const (
	minShardSize = 10
	minNumShards = 2
)

type LRUShardConfig struct {
	CacheSize int
	NumShards int
}

func (c LRUShardConfig) newCache() (Cache, error) {
	size := scaled(c.CacheSize)
	if size < 1 {
		logger.Error("negative cache size", "cacheSize", size, "cacheScale", CacheScale)
		return nil, errors.New("must provide a positive cache size")
	}
	numShards := c.powOf2Shards(size)
	shardSize := size / numShards
	sc := &lruShardCache{shards: make([]*lru.Cache, numShards), shardMask: numShards - 1}
	for i := 0; i < numShards; i++ {
		s, err := lru.New(shardSize)
		if err != nil {
			return nil, errors.Wrap(err, "new lru shard")
		}
		sc.shards[i] = s
	}
	return sc, nil
}

func (c LRUShardConfig) powOf2Shards(cacheSize int) int {
	maxShards := float64(cacheSize / minShardSize)
	n := int(math.Min(float64(c.NumShards), maxShards))
	if n < minNumShards {
		return minNumShards
	}
	for n&(n-1) != 0 {
		n = n & (n - 1)
	}
	return n
}

func scaled(size int) int {
	return size * CacheScale / 100
}
