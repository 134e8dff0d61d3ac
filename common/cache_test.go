package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUCacheAddGetRemove(t *testing.T) {
	c, err := NewCache(LRUConfig{CacheSize: 4})
	require.NoError(t, err)

	c.Add("a", 1)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	assert.True(t, c.Contains("a"))
	c.Remove("a")
	assert.False(t, c.Contains("a"))
}

func TestARCCacheAddGetRemove(t *testing.T) {
	c, err := NewCache(ARCConfig{CacheSize: 4})
	require.NoError(t, err)

	c.Add("k", "v")
	assert.True(t, c.Contains("k"))
	c.Remove("k")
	assert.False(t, c.Contains("k"))
}

type shardedKey int

func (k shardedKey) ShardIndex(shardMask int) int { return int(k) & shardMask }

func TestLRUShardCacheDistributesAndRemoves(t *testing.T) {
	c, err := NewCache(LRUShardConfig{CacheSize: 40, NumShards: 4})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		c.Add(shardedKey(i), i)
	}
	assert.Equal(t, 10, c.Len())

	c.Remove(shardedKey(3))
	assert.False(t, c.Contains(shardedKey(3)))
	assert.Equal(t, 9, c.Len())
}

func TestNewCacheRejectsNilConfig(t *testing.T) {
	_, err := NewCache(nil)
	assert.Error(t, err)
}
