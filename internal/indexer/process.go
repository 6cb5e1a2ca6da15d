package indexer

import (
	"fmt"

	"github.com/buckyos/btc-balance-history/internal/cache"
	"github.com/buckyos/btc-balance-history/internal/store"
	"github.com/buckyos/btc-balance-history/internal/types"
)

// Processor runs Stage 4: serial per-block application of a preloaded batch,
// producing the BalanceEntry deltas and committing them plus UTXO set
// changes atomically. There is no direct source template for this stage (see
// DESIGN.md); its shape follows the neighboring preloader's idiom.
type Processor struct {
	store        *store.Store
	utxoCache    *cache.UtxoCache
	balanceCache *cache.BalanceCache
}

// NewProcessor constructs a Processor bound to the given collaborators.
func NewProcessor(st *store.Store, utxoCache *cache.UtxoCache, balanceCache *cache.BalanceCache) *Processor {
	return &Processor{store: st, utxoCache: utxoCache, balanceCache: balanceCache}
}

// utxoCacheOp records a deferred UtxoCache mutation, applied only once the
// batch's store commit has actually succeeded.
type utxoCacheOp struct {
	op    types.OutPoint
	value types.UtxoValue
	spend bool
}

// Process applies every block in data in ascending height order, returning
// the per-block BalanceEntry rows and committing the batch (history + UTXO
// set + watermark) before returning. Cache writes are deferred until after
// the store commit succeeds, so a failed commit leaves the caches unchanged
// rather than drifting ahead of the store they're meant to mirror.
func (p *Processor) Process(data *batchData) ([][]types.BalanceEntry, error) {
	running := make(map[types.ScriptHash]types.BalanceEntry, len(data.balances))
	for script, e := range data.balances {
		running[script] = e
	}

	creates := make(map[types.OutPoint]types.UtxoValue)
	spends := make(map[types.OutPoint]struct{})
	entriesByBlock := make([][]types.BalanceEntry, len(data.blocks))
	var cacheOps []utxoCacheOp
	var balanceOps []types.BalanceEntry
	var lastHeight uint32

	for bi, block := range data.blocks {
		lastHeight = block.Height
		deltas := make(map[types.ScriptHash]int64)

		for _, tx := range block.Txs {
			if tx.IsCoinbase {
				if types.IsBlacklistedCoinbase(block.Height, tx.Txid) {
					// BIP-30: this occurrence's outputs must not be created;
					// the later duplicate's outputs are what persists.
					continue
				}
			} else {
				for _, vin := range tx.Vin {
					if vin.Value == nil {
						return nil, fmt.Errorf("indexer: unresolved vin %s in tx %s at height %d", vin.OutPoint, tx.Txid, block.Height)
					}
					deltas[vin.Value.Script] -= int64(vin.Value.Sats)
					spends[vin.OutPoint] = struct{}{}
					delete(creates, vin.OutPoint)
					cacheOps = append(cacheOps, utxoCacheOp{op: vin.OutPoint, spend: true})
				}
			}

			for _, out := range tx.Vout {
				deltas[out.Value.Script] += int64(out.Value.Sats)
				creates[out.OutPoint] = out.Value
				delete(spends, out.OutPoint)
				cacheOps = append(cacheOps, utxoCacheOp{op: out.OutPoint, value: out.Value})
			}
		}

		blockEntries := make([]types.BalanceEntry, 0, len(deltas))
		for script, delta := range deltas {
			if delta == 0 {
				continue
			}
			prev, ok := running[script]
			var prevBalance uint64
			if ok {
				prevBalance = prev.Balance
			}
			newBalance := int64(prevBalance) + delta
			if newBalance < 0 {
				return nil, fmt.Errorf("indexer: negative balance for %s at height %d (prev=%d delta=%d)", script, block.Height, prevBalance, delta)
			}
			entry := types.BalanceEntry{Script: script, Height: block.Height, Delta: delta, Balance: uint64(newBalance)}
			running[script] = entry
			blockEntries = append(blockEntries, entry)
			balanceOps = append(balanceOps, entry)
		}
		entriesByBlock[bi] = blockEntries
	}

	if err := p.store.UpdateUtxos(creates, spends); err != nil {
		return nil, err
	}
	if err := p.store.PutHistory(entriesByBlock, lastHeight); err != nil {
		return nil, err
	}

	for _, op := range cacheOps {
		if op.spend {
			p.utxoCache.Spend(op.op)
		} else {
			p.utxoCache.Put(op.op, op.value)
		}
	}
	for _, entry := range balanceOps {
		p.balanceCache.Put(entry)
	}
	return entriesByBlock, nil
}
