package cache

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/buckyos/btc-balance-history/internal/types"
)

// balanceCacheItemSize estimates ScriptHash (32 bytes) + BalanceEntry delta
// and balance fields (~20 bytes).
const balanceCacheItemSize = types.ScriptHashLen + 20

// BalanceCacheConfig sizes the balance cache from a byte budget.
type BalanceCacheConfig struct {
	BalanceMaxCacheBytes uint64
}

// BalanceCache is an LRU over ScriptHash -> latest BalanceEntry. Zero-balance
// entries are never stored; a Put with balance 0 evicts any existing entry
// instead.
type BalanceCache struct {
	mu    sync.Mutex
	cache *lru.Cache[types.ScriptHash, types.BalanceEntry]
}

// NewBalanceCache builds a cache sized from cfg.
func NewBalanceCache(cfg BalanceCacheConfig) *BalanceCache {
	itemCost := balanceCacheItemSize + CacheOverheadBytes
	capEntries := int(cfg.BalanceMaxCacheBytes) / itemCost
	if capEntries < 1 {
		capEntries = 1
	}
	c, _ := lru.New[types.ScriptHash, types.BalanceEntry](capEntries)
	return &BalanceCache{cache: c}
}

// Put inserts e, unless e.Balance == 0, in which case any existing cached
// entry for the script is removed instead (steady-state sparseness).
func (c *BalanceCache) Put(e types.BalanceEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.Balance == 0 {
		c.cache.Remove(e.Script)
		return
	}
	c.cache.Add(e.Script, e)
}

// Get returns the cached entry for script, asserting that its recorded
// height does not exceed the height the caller is asking about — a cache row
// from the future relative to the query is a programmer error, not a data
// error.
func (c *BalanceCache) Get(script types.ScriptHash, atHeight uint32) (types.BalanceEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.cache.Get(script)
	if !ok {
		return types.BalanceEntry{}, false
	}
	if e.Height > atHeight {
		panic(fmt.Sprintf("cache: inconsistent balance cache state for %s: cached height %d > queried height %d",
			script, e.Height, atHeight))
	}
	return e, true
}

// Clear drops every cached entry.
func (c *BalanceCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Purge()
}

// Count returns the number of cached entries.
func (c *BalanceCache) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}

// Shrink resizes the cache down to targetCount entries.
func (c *BalanceCache) Shrink(targetCount int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if targetCount < 1 {
		targetCount = 1
	}
	c.cache.Resize(targetCount)
}
