// Package indexer implements the batch preloader/processor and the
// top-level sync loop (see DESIGN.md for the balance-delta application
// stage's derivation).
package indexer

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/juju/loggo"

	"github.com/buckyos/btc-balance-history/internal/blocksource"
	"github.com/buckyos/btc-balance-history/internal/cache"
	"github.com/buckyos/btc-balance-history/internal/store"
	"github.com/buckyos/btc-balance-history/internal/types"
)

var log = loggo.GetLogger("indexer")

// resolvedVin is a transaction input together with its resolved source
// output, filled in during Stage 2.
type resolvedVin struct {
	OutPoint types.OutPoint
	Value    *types.UtxoValue // nil until resolved
}

// preloadTx is one transaction's worth of preload state.
type preloadTx struct {
	Txid      string // hex, for BIP-30 blacklist comparison
	TxHash    wire.MsgTx
	IsCoinbase bool
	Vin       []resolvedVin
	Vout      []voutEntry
}

type voutEntry struct {
	OutPoint types.OutPoint
	Value    types.UtxoValue
}

// preloadBlock is one block's preload state.
type preloadBlock struct {
	Height uint32
	Txs    []preloadTx
}

// vinPosition locates a vin slot within one block's tx list for later
// fill-in.
type vinPosition struct {
	txIdx  int
	vinIdx int
}

// voutUtxoInfo tracks whether a batch-local UTXO has already been spent
// within the same batch.
type voutUtxoInfo struct {
	value types.UtxoValue
	spent bool
}

// batchData is the shared, batch-scoped working state threaded through
// Stages 1-3.
type batchData struct {
	mu         sync.Mutex
	blocks     []preloadBlock
	voutUtxos  map[types.OutPoint]*voutUtxoInfo
	balances   map[types.ScriptHash]types.BalanceEntry
}

func newBatchData() *batchData {
	return &batchData{
		voutUtxos: make(map[types.OutPoint]*voutUtxoInfo),
		balances:  make(map[types.ScriptHash]types.BalanceEntry),
	}
}

// Preloader runs Stages 1-3 for a contiguous block-height range.
type Preloader struct {
	source       blocksource.Source
	store        *store.Store
	utxoCache    *cache.UtxoCache
	balanceCache *cache.BalanceCache
	workers      int
}

// NewPreloader constructs a Preloader bound to the given collaborators.
func NewPreloader(source blocksource.Source, st *store.Store, utxoCache *cache.UtxoCache, balanceCache *cache.BalanceCache, workers int) *Preloader {
	if workers < 1 {
		workers = 1
	}
	return &Preloader{source: source, store: st, utxoCache: utxoCache, balanceCache: balanceCache, workers: workers}
}

// Preload runs Stages 1-3 over [start, end).
func (p *Preloader) Preload(ctx context.Context, start, end uint32) (*batchData, error) {
	blocks, err := p.source.Blocks(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("indexer: fetching blocks [%d,%d): %w", start, end, err)
	}

	data := newBatchData()
	data.blocks = make([]preloadBlock, len(blocks))

	// Stage 1: parallel per-block preprocessing.
	if err := p.runParallel(len(blocks), func(i int) error {
		pb, err := p.preprocessBlock(start+uint32(i), blocks[i], data)
		if err != nil {
			return err
		}
		data.mu.Lock()
		data.blocks[i] = pb
		data.mu.Unlock()
		return nil
	}); err != nil {
		return nil, err
	}

	// Stage 2: resolve inputs, blocks in ascending height order (data.blocks
	// is already ordered since we wrote by index above).
	for i := range data.blocks {
		if err := p.resolveBlockInputs(ctx, &data.blocks[i], data); err != nil {
			return nil, err
		}
	}

	// Stage 3: preload balances baseline at height start-1.
	if start > 0 {
		if err := p.preloadBalances(start-1, data); err != nil {
			return nil, err
		}
	}

	return data, nil
}

func (p *Preloader) runParallel(n int, fn func(i int) error) error {
	sem := make(chan struct{}, p.workers)
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			errs <- fn(i)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Preloader) preprocessBlock(height uint32, block *wire.MsgBlock, data *batchData) (preloadBlock, error) {
	pb := preloadBlock{Height: height, Txs: make([]preloadTx, 0, len(block.Transactions))}

	for _, tx := range block.Transactions {
		txHash := tx.TxHash()
		isCoinbase := len(tx.TxIn) == 1 && tx.TxIn[0].PreviousOutPoint.Index == 0xFFFFFFFF

		pt := preloadTx{
			Txid:       txHash.String(),
			TxHash:     *tx,
			IsCoinbase: isCoinbase,
		}

		if !isCoinbase {
			pt.Vin = make([]resolvedVin, 0, len(tx.TxIn))
			for _, in := range tx.TxIn {
				op := types.OutPoint{Hash: in.PreviousOutPoint.Hash, Vout: in.PreviousOutPoint.Index}
				pt.Vin = append(pt.Vin, resolvedVin{OutPoint: op})
			}
		}

		for n, out := range tx.TxOut {
			if txscript.GetScriptClass(out.PkScript) == txscript.NullDataTy {
				// OP_RETURN: provably unspendable, filtered at ingestion.
				continue
			}
			op := types.OutPoint{Hash: txHash, Vout: uint32(n)}
			val := types.UtxoValue{Script: types.NewScriptHash(out.PkScript), Sats: uint64(out.Value)}
			pt.Vout = append(pt.Vout, voutEntry{OutPoint: op, Value: val})
		}

		pb.Txs = append(pb.Txs, pt)
	}

	data.mu.Lock()
	for _, tx := range pb.Txs {
		for _, v := range tx.Vout {
			data.voutUtxos[v.OutPoint] = &voutUtxoInfo{value: v.Value, spent: false}
		}
	}
	data.mu.Unlock()

	return pb, nil
}

func (p *Preloader) resolveBlockInputs(ctx context.Context, pb *preloadBlock, data *batchData) error {
	var deferredOps []types.OutPoint
	var deferredPos []vinPosition

	for txIdx := range pb.Txs {
		tx := &pb.Txs[txIdx]
		for vinIdx := range tx.Vin {
			op := tx.Vin[vinIdx].OutPoint

			data.mu.Lock()
			info, inBatch := data.voutUtxos[op]
			if inBatch {
				if info.spent {
					data.mu.Unlock()
					panic(fmt.Sprintf("indexer: double spend of utxo %s in the same batch\n%s", op, spew.Sdump(op)))
				}
				info.spent = true
			}
			data.mu.Unlock()

			if inBatch {
				v := info.value
				tx.Vin[vinIdx].Value = &v
				continue
			}

			if v, ok := p.utxoCache.Get(op); ok {
				tx.Vin[vinIdx].Value = &v
				continue
			}

			deferredOps = append(deferredOps, op)
			deferredPos = append(deferredPos, vinPosition{txIdx: txIdx, vinIdx: vinIdx})
		}
	}

	if len(deferredOps) == 0 {
		return nil
	}

	loaded, err := p.fetchUtxos(ctx, deferredOps)
	if err != nil {
		return err
	}
	if len(loaded) != len(deferredOps) {
		return fmt.Errorf("indexer: loaded utxo count mismatch: expected %d got %d", len(deferredOps), len(loaded))
	}
	for i, pos := range deferredPos {
		v := loaded[i]
		pb.Txs[pos.txIdx].Vin[pos.vinIdx].Value = &v
	}
	return nil
}

func (p *Preloader) fetchUtxos(ctx context.Context, ops []types.OutPoint) ([]types.UtxoValue, error) {
	fromStore, err := p.store.GetUtxosBulk(ops)
	if err != nil {
		return nil, fmt.Errorf("indexer: bulk utxo fetch: %w", err)
	}

	result := make([]types.UtxoValue, len(ops))
	for i, entry := range fromStore {
		if entry != nil {
			result[i] = types.UtxoValue{Script: entry.Script, Sats: entry.Sats}
			continue
		}
		script, sats, err := p.source.Utxo(ctx, ops[i])
		if err != nil {
			return nil, fmt.Errorf("indexer: rpc utxo fallback for %s: %w", ops[i], err)
		}
		result[i] = types.UtxoValue{Script: script, Sats: sats}
	}
	return result, nil
}

func (p *Preloader) preloadBalances(targetHeight uint32, data *batchData) error {
	scriptSet := make(map[types.ScriptHash]struct{})
	for _, block := range data.blocks {
		for _, tx := range block.Txs {
			for _, vin := range tx.Vin {
				if vin.Value != nil {
					scriptSet[vin.Value.Script] = struct{}{}
				}
			}
			for _, out := range tx.Vout {
				scriptSet[out.Value.Script] = struct{}{}
			}
		}
	}

	scripts := make([]types.ScriptHash, 0, len(scriptSet))
	for s := range scriptSet {
		scripts = append(scripts, s)
	}
	// Sort to stabilize locking and cache access order across the parallel
	// balance-preload pass.
	sort.Slice(scripts, func(i, j int) bool { return scripts[i].Less(scripts[j]) })

	results := make([]types.BalanceEntry, len(scripts))
	if err := p.runParallel(len(scripts), func(i int) error {
		script := scripts[i]
		if e, ok := p.balanceCache.Get(script, targetHeight); ok {
			results[i] = e
			return nil
		}
		e, err := p.store.GetBalanceAt(script, targetHeight)
		if err != nil {
			return fmt.Errorf("indexer: loading balance for %s at %d: %w", script, targetHeight, err)
		}
		results[i] = e
		return nil
	}); err != nil {
		return err
	}

	data.mu.Lock()
	for _, e := range results {
		data.balances[e.Script] = e
	}
	data.mu.Unlock()
	return nil
}
