package estimator

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/theirongolddev/tokmon/internal/config"
)

type cacheKey struct {
	provider string
	text     string
}

// Cache memoizes estimates for recently seen (provider, text) pairs.
// Streaming responses re-send the same prefix many times, so hits are common.
// Results are identical to calling Estimate directly.
type Cache struct {
	lru    *lru.Cache[cacheKey, int]
	hits   atomic.Int64
	misses atomic.Int64
}

// NewCache returns a cache holding up to size entries.
// A size below 1 returns nil, and a nil *Cache estimates without caching.
func NewCache(size int) (*Cache, error) {
	if size < 1 {
		return nil, nil
	}
	l, err := lru.New[cacheKey, int](size)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: l}, nil
}

// Estimate returns the cached count or computes and stores it.
func (c *Cache) Estimate(text string, profile config.ProviderProfile) int {
	if c == nil {
		return Estimate(text, profile)
	}
	key := cacheKey{provider: profile.Key, text: text}
	if n, ok := c.lru.Get(key); ok {
		c.hits.Add(1)
		return n
	}
	c.misses.Add(1)
	n := Estimate(text, profile)
	c.lru.Add(key, n)
	return n
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}

// Stats returns cumulative hit and miss counts.
func (c *Cache) Stats() (hits, misses int64) {
	if c == nil {
		return 0, 0
	}
	return c.hits.Load(), c.misses.Load()
}

// Purge drops every cached entry.
func (c *Cache) Purge() {
	if c != nil {
		c.lru.Purge()
	}
}
