package cache

import (
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ChunkCache caches decoded chunk plaintext keyed by message ID, with TTL
// expiration and LRU eviction at capacity.
//
// Entries are treated as read-only by callers; the cache hands out the same
// slice to every reader.
type ChunkCache struct {
	lru     *expirable.LRU[string, []byte]
	ttl     time.Duration
	maxSize int

	hits   atomic.Int64
	misses atomic.Int64
}

var _ Invalidator = (*ChunkCache)(nil)

// NewChunkCache creates a new chunk cache.
// ttl: Time-to-live for cached entries (use 0 for no expiration)
// maxSize: Maximum number of entries (use 0 to disable the cache)
func NewChunkCache(ttl time.Duration, maxSize int) *ChunkCache {
	c := &ChunkCache{ttl: ttl, maxSize: maxSize}
	if maxSize > 0 {
		c.lru = expirable.NewLRU[string, []byte](maxSize, nil, ttl)
	}
	return c
}

// Get retrieves the decoded chunk for a message ID.
// Returns nil, false if not found, expired, or caching is disabled.
func (c *ChunkCache) Get(messageID string) ([]byte, bool) {
	if c == nil || c.lru == nil || Disabled {
		return nil, false
	}
	data, ok := c.lru.Get(messageID)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return data, ok
}

// Set stores a decoded chunk. No-op if caching is disabled.
func (c *ChunkCache) Set(messageID string, data []byte) {
	if c == nil || c.lru == nil || Disabled {
		return
	}
	c.lru.Add(messageID, data)
}

// InvalidateMessage removes one message from the cache.
func (c *ChunkCache) InvalidateMessage(messageID string) {
	if c == nil || c.lru == nil {
		return
	}
	c.lru.Remove(messageID)
}

// Invalidate clears all entries from the cache.
func (c *ChunkCache) Invalidate() {
	if c == nil || c.lru == nil {
		return
	}
	c.lru.Purge()
}

// Size returns the current number of entries in the cache.
func (c *ChunkCache) Size() int {
	if c == nil || c.lru == nil {
		return 0
	}
	return c.lru.Len()
}

// ChunkCacheStats reports cache occupancy and effectiveness.
type ChunkCacheStats struct {
	Size    int
	MaxSize int
	TTL     time.Duration
	Hits    int64
	Misses  int64
}

// Stats returns current cache statistics.
func (c *ChunkCache) Stats() ChunkCacheStats {
	if c == nil {
		return ChunkCacheStats{}
	}
	return ChunkCacheStats{
		Size:    c.Size(),
		MaxSize: c.maxSize,
		TTL:     c.ttl,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}
}
