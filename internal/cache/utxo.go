package cache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/buckyos/btc-balance-history/internal/types"
)

// utxoCacheItemSize estimates OutPoint (36 bytes) + UtxoValue (40 bytes).
const utxoCacheItemSize = types.OutPointLen + types.UtxoValueLen

// UtxoCacheConfig sizes the cache's BestEffort strategy.
type UtxoCacheConfig struct {
	UtxoMaxCacheBytes uint64
}

// UtxoCache is an LRU over OutPoint -> (ScriptHash, sats), with two sizing
// strategies switchable at runtime.
type UtxoCache struct {
	mu       sync.Mutex
	cache    *lru.Cache[types.OutPoint, types.UtxoValue]
	strategy Strategy
	cfg      UtxoCacheConfig
}

func (c *UtxoCacheConfig) capForStrategy(s Strategy) int {
	if s == Normal {
		return NormalCacheMaxEntries
	}
	itemCost := utxoCacheItemSize + CacheOverheadBytes
	cap := int(c.UtxoMaxCacheBytes) / itemCost
	if cap < 1 {
		cap = 1
	}
	return cap
}

// NewUtxoCache builds a cache starting in the given strategy.
func NewUtxoCache(cfg UtxoCacheConfig, initial Strategy) *UtxoCache {
	c, _ := lru.New[types.OutPoint, types.UtxoValue](cfg.capForStrategy(initial))
	return &UtxoCache{cache: c, strategy: initial, cfg: cfg}
}

// Put inserts or overwrites a cache entry.
func (c *UtxoCache) Put(op types.OutPoint, v types.UtxoValue) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Add(op, v)
}

// Get returns the cached value for an outpoint, if present.
func (c *UtxoCache) Get(op types.OutPoint) (types.UtxoValue, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Get(op)
}

// Spend removes and returns the cached value for an outpoint, if present.
func (c *UtxoCache) Spend(op types.OutPoint) (types.UtxoValue, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.cache.Get(op)
	if ok {
		c.cache.Remove(op)
	}
	return v, ok
}

// Count returns the current number of cached entries.
func (c *UtxoCache) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}

// Shrink resizes the cache down to targetCount entries, evicting the
// least-recently-used beyond that.
func (c *UtxoCache) Shrink(targetCount int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if targetCount < 1 {
		targetCount = 1
	}
	c.cache.Resize(targetCount)
}

// Clear drops every cached entry.
func (c *UtxoCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Purge()
}

// UpdateStrategy switches sizing strategy, resizing the underlying cache to
// the new capacity if the strategy actually changed.
func (c *UtxoCache) UpdateStrategy(s Strategy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s == c.strategy {
		return
	}
	c.strategy = s
	c.cache.Resize(c.cfg.capForStrategy(s))
}

// Strategy returns the cache's current sizing strategy.
func (c *UtxoCache) Strategy() Strategy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.strategy
}
