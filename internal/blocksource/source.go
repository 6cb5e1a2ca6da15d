// Package blocksource provides the two implementations of the block-source
// contract the indexer drives: RpcSource (JSON-RPC against a full node) and
// LocalFileSource (direct blkNNNNN.dat reading), plus a factory that picks
// between them based on sync lag.
package blocksource

import (
	"context"

	"github.com/btcsuite/btcd/wire"
	"github.com/juju/loggo"

	"github.com/buckyos/btc-balance-history/internal/types"
)

var log = loggo.GetLogger("blocksource")

// LagThreshold is the tip-minus-watermark gap above which the factory
// prefers LocalFileSource over RpcSource.
const LagThreshold = 500

// Source yields confirmed blocks by height, and resolves outpoints that
// predate the indexer's own UTXO view.
type Source interface {
	// LatestHeight returns the upstream node's current chain tip.
	LatestHeight(ctx context.Context) (uint32, error)

	// BlockAt returns the canonical block at height on the main chain.
	BlockAt(ctx context.Context, height uint32) (*wire.MsgBlock, error)

	// Blocks batch-reads a contiguous height range [start, end).
	Blocks(ctx context.Context, start, end uint32) ([]*wire.MsgBlock, error)

	// Utxo resolves an outpoint's owning script and value for outputs older
	// than the indexer's own tracked UTXO set.
	Utxo(ctx context.Context, op types.OutPoint) (types.ScriptHash, uint64, error)

	// OnSyncComplete is an idempotent hook fired whenever the indexer
	// reaches the tip.
	OnSyncComplete(height uint32)

	// Stop requests cooperative shutdown of any background work.
	Stop()
}

// Factory selects a Source implementation given the current watermark and
// upstream tip. LocalFileSource is preferred once the gap exceeds
// LagThreshold; RpcSource otherwise.
func Factory(ctx context.Context, watermark, tip uint32, rpc *RpcSource, localCfg *LocalFileSourceConfig) (Source, error) {
	gap := int64(tip) - int64(watermark)
	if gap > LagThreshold && localCfg != nil {
		log.Infof("blocksource: selecting LocalFileSource, gap=%d watermark=%d tip=%d", gap, watermark, tip)
		return NewLocalFileSource(ctx, *localCfg, rpc)
	}
	log.Infof("blocksource: selecting RpcSource, gap=%d watermark=%d tip=%d", gap, watermark, tip)
	return rpc, nil
}
