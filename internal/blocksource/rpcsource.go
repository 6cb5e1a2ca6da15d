package blocksource

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"

	"github.com/buckyos/btc-balance-history/internal/types"
)

// RpcConfig configures the upstream Bitcoin Core JSON-RPC connection.
type RpcConfig struct {
	Host         string
	User         string
	Pass         string
	CookiePath   string
	Params       *chaincfg.Params
	MaxRetries   int
	RetryBackoff []time.Duration
}

// DefaultRetryBackoff is the fixed retry schedule used when none is
// configured: after the first attempt fails, up to three retries, waiting
// 1s, 2s and 4s before them.
var DefaultRetryBackoff = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// RpcSource issues JSON-RPC calls against a Bitcoin Core node, one call at
// a time.
type RpcSource struct {
	cfg    RpcConfig
	client *rpcclient.Client
}

// NewRpcSource dials (lazily, via rpcclient's HTTP POST mode) the configured
// node.
func NewRpcSource(cfg RpcConfig) (*RpcSource, error) {
	if len(cfg.RetryBackoff) == 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	connCfg := &rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		CookiePath:   cfg.CookiePath,
		HTTPPostMode: true,
		DisableTLS:   true,
	}
	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("blocksource: dial rpc: %w", err)
	}
	return &RpcSource{cfg: cfg, client: client}, nil
}

func (s *RpcSource) retry(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 0; attempt <= len(s.cfg.RetryBackoff); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.RetryBackoff[attempt-1]):
			}
		}
		if lastErr = op(); lastErr == nil {
			return nil
		}
		log.Warningf("blocksource: rpc attempt %d failed: %v", attempt+1, lastErr)
	}
	return fmt.Errorf("blocksource: rpc failed after %d attempts: %w", len(s.cfg.RetryBackoff)+1, lastErr)
}

// LatestHeight implements Source.
func (s *RpcSource) LatestHeight(ctx context.Context) (uint32, error) {
	var height int64
	err := s.retry(ctx, func() error {
		var err error
		height, err = s.client.GetBlockCount()
		return err
	})
	if err != nil {
		return 0, err
	}
	return uint32(height), nil
}

// BlockAt implements Source.
func (s *RpcSource) BlockAt(ctx context.Context, height uint32) (*wire.MsgBlock, error) {
	blocks, err := s.Blocks(ctx, height, height+1)
	if err != nil {
		return nil, err
	}
	if len(blocks) != 1 {
		return nil, fmt.Errorf("blocksource: expected 1 block at height %d, got %d", height, len(blocks))
	}
	return blocks[0], nil
}

// Blocks implements Source. It issues one getblockhash call per height, then
// one getblock call per hash, fetching the raw serialized block. The calls
// run sequentially and are not sent as JSON-RPC batches.
func (s *RpcSource) Blocks(ctx context.Context, start, end uint32) ([]*wire.MsgBlock, error) {
	if end <= start {
		return nil, nil
	}
	hashes := make([]*chainhash.Hash, 0, end-start)
	for h := start; h < end; h++ {
		var hash *chainhash.Hash
		height := h
		err := s.retry(ctx, func() error {
			var err error
			hash, err = s.client.GetBlockHash(int64(height))
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("blocksource: getblockhash(%d): %w", height, err)
		}
		hashes = append(hashes, hash)
	}

	blocks := make([]*wire.MsgBlock, 0, len(hashes))
	for _, hash := range hashes {
		var block *wire.MsgBlock
		h := hash
		err := s.retry(ctx, func() error {
			btcBlock, err := s.client.GetBlock(h)
			if err != nil {
				return err
			}
			block = btcBlock
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("blocksource: getblock(%s): %w", hash, err)
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

// Utxo implements Source by fetching the raw transaction and reading the
// referenced output directly.
func (s *RpcSource) Utxo(ctx context.Context, op types.OutPoint) (types.ScriptHash, uint64, error) {
	var tx *btcutil.Tx
	err := s.retry(ctx, func() error {
		var err error
		tx, err = s.client.GetRawTransaction(&op.Hash)
		return err
	})
	if err != nil {
		return types.ScriptHash{}, 0, fmt.Errorf("blocksource: getrawtransaction(%s): %w", op.Hash, err)
	}
	msgTx := tx.MsgTx()
	if int(op.Vout) >= len(msgTx.TxOut) {
		return types.ScriptHash{}, 0, fmt.Errorf("blocksource: vout %d out of range for tx %s", op.Vout, op.Hash)
	}
	out := msgTx.TxOut[op.Vout]
	return types.NewScriptHash(out.PkScript), uint64(out.Value), nil
}

// OnSyncComplete implements Source; RpcSource has no state to reset.
func (s *RpcSource) OnSyncComplete(height uint32) {
	log.Debugf("blocksource: rpc on_sync_complete height=%d", height)
}

// Stop implements Source.
func (s *RpcSource) Stop() {
	s.client.Shutdown()
}
