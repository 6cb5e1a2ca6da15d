package cache

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/buckyos/btc-balance-history/internal/types"
)

func outpoint(b byte, vout uint32) types.OutPoint {
	var h chainhash.Hash
	h[0] = b
	return types.OutPoint{Hash: h, Vout: vout}
}

func scriptHash(b byte) types.ScriptHash {
	var sh types.ScriptHash
	sh[0] = b
	return sh
}

func TestUtxoCachePutGetSpend(t *testing.T) {
	c := NewUtxoCache(UtxoCacheConfig{UtxoMaxCacheBytes: 1 << 20}, BestEffort)
	op := outpoint(1, 0)
	v := types.UtxoValue{Script: scriptHash(2), Sats: 5000}

	if _, ok := c.Get(op); ok {
		t.Fatalf("expected miss before Put")
	}
	c.Put(op, v)
	got, ok := c.Get(op)
	if !ok || got != v {
		t.Fatalf("expected hit with %+v, got %+v ok=%v", v, got, ok)
	}

	spent, ok := c.Spend(op)
	if !ok || spent != v {
		t.Fatalf("expected Spend to return the cached value")
	}
	if _, ok := c.Get(op); ok {
		t.Fatalf("expected miss after Spend")
	}
}

func TestUtxoCacheStrategySwitchResizes(t *testing.T) {
	c := NewUtxoCache(UtxoCacheConfig{UtxoMaxCacheBytes: 1 << 30}, BestEffort)
	if c.Strategy() != BestEffort {
		t.Fatalf("expected initial strategy BestEffort")
	}
	for i := 0; i < NormalCacheMaxEntries+100; i++ {
		c.Put(outpoint(byte(i), uint32(i)), types.UtxoValue{Sats: uint64(i)})
	}
	c.UpdateStrategy(Normal)
	if c.Strategy() != Normal {
		t.Fatalf("expected strategy to switch to Normal")
	}
	if c.Count() > NormalCacheMaxEntries {
		t.Fatalf("expected at most %d entries after switching to Normal, got %d", NormalCacheMaxEntries, c.Count())
	}
	// Switching to the same strategy again must be a no-op, not a panic.
	c.UpdateStrategy(Normal)
}

func TestUtxoCacheShrink(t *testing.T) {
	c := NewUtxoCache(UtxoCacheConfig{UtxoMaxCacheBytes: 1 << 30}, BestEffort)
	for i := 0; i < 100; i++ {
		c.Put(outpoint(byte(i), 0), types.UtxoValue{Sats: uint64(i)})
	}
	if c.Count() != 100 {
		t.Fatalf("expected 100 entries before shrink, got %d", c.Count())
	}
	c.Shrink(10)
	if c.Count() > 10 {
		t.Fatalf("expected at most 10 entries after shrink, got %d", c.Count())
	}
}

func TestBalanceCacheNeverStoresZeroBalance(t *testing.T) {
	c := NewBalanceCache(BalanceCacheConfig{BalanceMaxCacheBytes: 1 << 20})
	sh := scriptHash(9)

	c.Put(types.BalanceEntry{Script: sh, Height: 10, Balance: 500})
	if _, ok := c.Get(sh, 10); !ok {
		t.Fatalf("expected hit after Put with nonzero balance")
	}

	c.Put(types.BalanceEntry{Script: sh, Height: 11, Balance: 0})
	if _, ok := c.Get(sh, 11); ok {
		t.Fatalf("expected Put with zero balance to evict the entry")
	}
}

func TestBalanceCacheGetPanicsOnFutureCachedHeight(t *testing.T) {
	c := NewBalanceCache(BalanceCacheConfig{BalanceMaxCacheBytes: 1 << 20})
	sh := scriptHash(3)
	c.Put(types.BalanceEntry{Script: sh, Height: 100, Balance: 1})

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic when queried height is older than cached height")
		}
	}()
	c.Get(sh, 50)
}
