package indexer

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/buckyos/btc-balance-history/internal/cache"
	"github.com/buckyos/btc-balance-history/internal/store"
	"github.com/buckyos/btc-balance-history/internal/types"
)

// fakeSource is a minimal blocksource.Source backed by an in-memory block
// list, used to drive the preloader/processor without a real node.
type fakeSource struct {
	blocks []*wire.MsgBlock
}

func (f *fakeSource) LatestHeight(ctx context.Context) (uint32, error) {
	return uint32(len(f.blocks) - 1), nil
}

func (f *fakeSource) BlockAt(ctx context.Context, height uint32) (*wire.MsgBlock, error) {
	return f.blocks[height], nil
}

func (f *fakeSource) Blocks(ctx context.Context, start, end uint32) ([]*wire.MsgBlock, error) {
	out := make([]*wire.MsgBlock, 0, end-start)
	for h := start; h < end; h++ {
		out = append(out, f.blocks[h])
	}
	return out, nil
}

func (f *fakeSource) Utxo(ctx context.Context, op types.OutPoint) (types.ScriptHash, uint64, error) {
	panic("fakeSource: unexpected rpc utxo fallback in this test")
}

func (f *fakeSource) OnSyncComplete(height uint32) {}
func (f *fakeSource) Stop()                        {}

func p2pkhScript(tag byte) []byte {
	pkHash := bytes20(tag)
	b, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_DUP).AddOp(txscript.OP_HASH160).
		AddData(pkHash[:]).
		AddOp(txscript.OP_EQUALVERIFY).AddOp(txscript.OP_CHECKSIG).
		Script()
	if err != nil {
		panic(err)
	}
	return b
}

func bytes20(tag byte) [20]byte {
	var h [20]byte
	h[0] = tag
	return h
}

func opReturnScript() []byte {
	b, err := txscript.NullDataScript([]byte("metadata"))
	if err != nil {
		panic(err)
	}
	return b
}

func coinbaseTx(toScript []byte, value int64) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: 0xFFFFFFFF},
		SignatureScript:  []byte{0x01},
	})
	tx.AddTxOut(wire.NewTxOut(value, toScript))
	return tx
}

func spendTx(from wire.OutPoint, toScript []byte, value int64) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: from})
	tx.AddTxOut(wire.NewTxOut(value, toScript))
	return tx
}

func blockWithTxs(txs ...*wire.MsgTx) *wire.MsgBlock {
	b := wire.NewMsgBlock(&wire.BlockHeader{})
	for _, tx := range txs {
		b.AddTransaction(tx)
	}
	return b
}

func newTestCollaborators(t *testing.T) (*store.Store, *cache.UtxoCache, *cache.BalanceCache) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	utxoCache := cache.NewUtxoCache(cache.UtxoCacheConfig{UtxoMaxCacheBytes: 1 << 20}, cache.BestEffort)
	balanceCache := cache.NewBalanceCache(cache.BalanceCacheConfig{BalanceMaxCacheBytes: 1 << 20})
	return st, utxoCache, balanceCache
}

func TestPreloadAndProcessSingleCoinbaseBlock(t *testing.T) {
	st, utxoCache, balanceCache := newTestCollaborators(t)

	cb := coinbaseTx(p2pkhScript(0x01), 5000000000)
	block0 := blockWithTxs(cb)

	src := &fakeSource{blocks: []*wire.MsgBlock{block0}}
	pre := NewPreloader(src, st, utxoCache, balanceCache, 2)
	proc := NewProcessor(st, utxoCache, balanceCache)

	data, err := pre.Preload(context.Background(), 0, 1)
	if err != nil {
		t.Fatalf("preload: %v", err)
	}
	entriesByBlock, err := proc.Process(data)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(entriesByBlock) != 1 || len(entriesByBlock[0]) != 1 {
		t.Fatalf("expected exactly one balance entry, got %+v", entriesByBlock)
	}
	e := entriesByBlock[0][0]
	if e.Balance != 5000000000 || e.Delta != 5000000000 {
		t.Fatalf("unexpected coinbase balance entry: %+v", e)
	}
}

func TestOpReturnOutputsAreNotTrackedAsUtxos(t *testing.T) {
	st, utxoCache, balanceCache := newTestCollaborators(t)

	cb := coinbaseTx(p2pkhScript(0x01), 1000)
	cb.AddTxOut(wire.NewTxOut(0, opReturnScript()))
	block0 := blockWithTxs(cb)

	src := &fakeSource{blocks: []*wire.MsgBlock{block0}}
	pre := NewPreloader(src, st, utxoCache, balanceCache, 1)
	proc := NewProcessor(st, utxoCache, balanceCache)

	data, err := pre.Preload(context.Background(), 0, 1)
	if err != nil {
		t.Fatalf("preload: %v", err)
	}
	if _, err := proc.Process(data); err != nil {
		t.Fatalf("process: %v", err)
	}

	cbHash := cb.TxHash()
	opReturnOutpoint := types.OutPoint{Hash: cbHash, Vout: 1}
	if entry, err := st.GetUtxo(opReturnOutpoint); err != nil {
		t.Fatalf("get utxo: %v", err)
	} else if entry != nil {
		t.Fatalf("OP_RETURN output must not be stored as a UTXO, got %+v", entry)
	}
}

func TestSpendWithinSameBatchUpdatesUtxoSetAndOmitsZeroDeltaSender(t *testing.T) {
	st, utxoCache, balanceCache := newTestCollaborators(t)

	sender := p2pkhScript(0x01)
	receiver := p2pkhScript(0x02)

	cb := coinbaseTx(sender, 10000)
	cbOut := wire.OutPoint{Hash: cb.TxHash(), Index: 0}
	spend := spendTx(cbOut, receiver, 9000) // 1000 fee, not credited to anyone in-batch
	block0 := blockWithTxs(cb, spend)

	src := &fakeSource{blocks: []*wire.MsgBlock{block0}}
	pre := NewPreloader(src, st, utxoCache, balanceCache, 2)
	proc := NewProcessor(st, utxoCache, balanceCache)

	data, err := pre.Preload(context.Background(), 0, 1)
	if err != nil {
		t.Fatalf("preload: %v", err)
	}
	entriesByBlock, err := proc.Process(data)
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	senderScript := types.NewScriptHash(sender)
	receiverScript := types.NewScriptHash(receiver)
	var sawSender bool
	var receiverBalance uint64
	for _, e := range entriesByBlock[0] {
		switch e.Script {
		case senderScript:
			sawSender = true
		case receiverScript:
			receiverBalance = e.Balance
		}
	}
	// The sender's credit (+10000 from the coinbase output) and debit
	// (-10000 spending that same output) net to a zero delta within the
	// batch, so no row is written for it.
	if sawSender {
		t.Fatalf("expected no balance_history row for a net-zero-delta script in the batch")
	}
	if receiverBalance != 9000 {
		t.Fatalf("expected receiver balance 9000, got %d", receiverBalance)
	}

	spentOutpoint := types.OutPoint{Hash: cb.TxHash(), Vout: 0}
	if entry, err := st.GetUtxo(spentOutpoint); err != nil {
		t.Fatalf("get spent utxo: %v", err)
	} else if entry != nil {
		t.Fatalf("expected the spent coinbase output to be removed from the utxo set")
	}

	newOutpoint := types.OutPoint{Hash: spend.TxHash(), Vout: 0}
	entry, err := st.GetUtxo(newOutpoint)
	if err != nil {
		t.Fatalf("get new utxo: %v", err)
	}
	if entry == nil || entry.Sats != 9000 {
		t.Fatalf("expected the new output to be tracked as a utxo with 9000 sats, got %+v", entry)
	}
}

func TestBip30BlacklistedCoinbaseOutputsAreSkipped(t *testing.T) {
	st, utxoCache, balanceCache := newTestCollaborators(t)

	// The real blacklisted txid is fixed; we can't reproduce it with a
	// synthetic transaction, so this test exercises IsBlacklistedCoinbase's
	// effect on the processor directly by constructing a block whose
	// coinbase txid happens to not match, and asserting the normal
	// (non-blacklisted) path still credits the output — a regression check
	// that the blacklist lookup does not accidentally fire for unrelated
	// (height, txid) pairs.
	cb := coinbaseTx(p2pkhScript(0x09), 2500)
	block := blockWithTxs(cb)

	// fakeSource indexes blocks by height, so the block must sit at 91812.
	blocks := make([]*wire.MsgBlock, 91813)
	blocks[91812] = block
	src := &fakeSource{blocks: blocks}
	pre := NewPreloader(src, st, utxoCache, balanceCache, 1)
	proc := NewProcessor(st, utxoCache, balanceCache)

	data, err := pre.Preload(context.Background(), 91812, 91813)
	if err != nil {
		t.Fatalf("preload: %v", err)
	}
	entriesByBlock, err := proc.Process(data)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(entriesByBlock[0]) != 1 || entriesByBlock[0][0].Balance != 2500 {
		t.Fatalf("expected unrelated coinbase at height 91812 to still be credited, got %+v", entriesByBlock[0])
	}
}

func TestDoubleSpendWithinSameBatchPanics(t *testing.T) {
	st, utxoCache, balanceCache := newTestCollaborators(t)

	sender := p2pkhScript(0x01)
	cb := coinbaseTx(sender, 10000)
	cbOut := wire.OutPoint{Hash: cb.TxHash(), Index: 0}
	spendA := spendTx(cbOut, p2pkhScript(0x02), 4000)
	spendB := spendTx(cbOut, p2pkhScript(0x03), 4000)
	block0 := blockWithTxs(cb, spendA, spendB)

	src := &fakeSource{blocks: []*wire.MsgBlock{block0}}
	pre := NewPreloader(src, st, utxoCache, balanceCache, 1)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on same-batch double spend")
		}
	}()
	_, _ = pre.Preload(context.Background(), 0, 1)
}
