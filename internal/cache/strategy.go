// Package cache implements the UTXO and balance LRU caches with strategy
// switching and byte-budget sizing.
package cache

// Strategy selects a UTXO cache sizing policy.
type Strategy int

const (
	// BestEffort is used during cold-start / high sync lag, sized off a
	// configured byte budget (tens of millions of entries).
	BestEffort Strategy = iota
	// Normal is steady-state sizing: a small fixed ceiling, enough for one
	// block's worth of working set.
	Normal
)

// NormalCacheMaxEntries is the fixed UTXO cache capacity under the Normal
// strategy.
const NormalCacheMaxEntries = 1024 * 16

// CacheOverheadBytes estimates per-entry bookkeeping overhead in the LRU.
const CacheOverheadBytes = 50
