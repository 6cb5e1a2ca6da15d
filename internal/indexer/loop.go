package indexer

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/juju/loggo"

	"github.com/buckyos/btc-balance-history/internal/blocksource"
	"github.com/buckyos/btc-balance-history/internal/cache"
	"github.com/buckyos/btc-balance-history/internal/config"
	"github.com/buckyos/btc-balance-history/internal/memmonitor"
	"github.com/buckyos/btc-balance-history/internal/metrics"
	"github.com/buckyos/btc-balance-history/internal/store"
)

var loopLog = loggo.GetLogger("indexer.loop")

// State is a coarse lifecycle phase, exposed to the rpcapi surface's
// get_sync_status.
type State int

const (
	Initializing State = iota
	Loading
	Indexing
	Synced
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Loading:
		return "loading"
	case Indexing:
		return "indexing"
	case Synced:
		return "synced"
	default:
		return "unknown"
	}
}

// PollInterval is how often Synced state checks for a new tip.
const PollInterval = 1 * time.Second

// Indexer drives the Initializing -> Loading -> Indexing -> Synced state
// machine, following the run/sync_once/wait_for_new_blocks split and the
// open-loop-on-context-cancellation lifecycle shape used throughout this
// codebase's long-running services.
type Indexer struct {
	store        *store.Store
	rpc          *blocksource.RpcSource
	localCfg     *blocksource.LocalFileSourceConfig
	utxoCache    *cache.UtxoCache
	balanceCache *cache.BalanceCache
	memMonitor   *memmonitor.Monitor
	metrics      *metrics.Metrics
	cfg          config.SyncConfig

	source    blocksource.Source
	preloader *Preloader
	processor *Processor

	state    atomic.Int32
	watermark atomic.Uint32
	tip       atomic.Uint32
}

// New constructs an Indexer. localCfg may be nil if no blocks directory is
// configured, in which case the factory always selects RpcSource.
func New(st *store.Store, rpc *blocksource.RpcSource, localCfg *blocksource.LocalFileSourceConfig,
	utxoCache *cache.UtxoCache, balanceCache *cache.BalanceCache, memMonitor *memmonitor.Monitor,
	m *metrics.Metrics, cfg config.SyncConfig) *Indexer {
	return &Indexer{
		store:        st,
		rpc:          rpc,
		localCfg:     localCfg,
		utxoCache:    utxoCache,
		balanceCache: balanceCache,
		memMonitor:   memMonitor,
		metrics:      m,
		cfg:          cfg,
	}
}

// State returns the current lifecycle phase.
func (ix *Indexer) State() State {
	return State(ix.state.Load())
}

func (ix *Indexer) setState(s State) {
	ix.state.Store(int32(s))
	loopLog.Infof("indexer: state -> %s", s)
}

// Watermark returns the in-memory copy of the last synced block height. It
// is loaded from store.Watermark at startup and set to the batch's last
// height once Process has committed that batch.
func (ix *Indexer) Watermark() uint32 {
	return ix.watermark.Load()
}

// Tip returns the most recently observed upstream chain tip.
func (ix *Indexer) Tip() uint32 {
	return ix.tip.Load()
}

// Run drives the indexer until ctx is cancelled.
func (ix *Indexer) Run(ctx context.Context) error {
	ix.setState(Initializing)

	watermark, err := ix.store.Watermark()
	if err != nil {
		return fmt.Errorf("indexer: reading watermark: %w", err)
	}
	ix.watermark.Store(watermark)

	tip, err := ix.rpc.LatestHeight(ctx)
	if err != nil {
		return fmt.Errorf("indexer: reading initial tip: %w", err)
	}
	ix.tip.Store(tip)

	if ix.localCfg != nil && int64(tip)-int64(watermark) > blocksource.LagThreshold {
		ix.setState(Loading)
	}
	source, err := blocksource.Factory(ctx, watermark, tip, ix.rpc, ix.localCfg)
	if err != nil {
		return fmt.Errorf("indexer: selecting block source: %w", err)
	}
	ix.source = source
	defer source.Stop()

	ix.preloader = NewPreloader(source, ix.store, ix.utxoCache, ix.balanceCache, runtime.GOMAXPROCS(0))
	ix.processor = NewProcessor(ix.store, ix.utxoCache, ix.balanceCache)

	for {
		ix.setState(Indexing)
		if err := ix.syncOnce(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		ix.setState(Synced)
		source.OnSyncComplete(ix.watermark.Load())
		ix.memMonitor.OnSyncComplete()
		ix.utxoCache.UpdateStrategy(cache.Normal)

		if err := ix.waitForNewBlocks(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		ix.utxoCache.UpdateStrategy(cache.BestEffort)
	}
}

// syncOnce repeatedly preloads and processes batches until the watermark
// reaches the most recently observed tip, or ctx is cancelled.
func (ix *Indexer) syncOnce(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		tip, err := ix.source.LatestHeight(ctx)
		if err != nil {
			return fmt.Errorf("indexer: reading tip: %w", err)
		}
		ix.tip.Store(tip)

		watermark := ix.watermark.Load()
		if watermark >= tip {
			return nil
		}

		start := watermark + 1
		end := start + uint32(ix.cfg.BatchSize)
		if end > tip+1 {
			end = tip + 1
		}

		began := time.Now()
		data, err := ix.preloader.Preload(ctx, start, end)
		if err != nil {
			return fmt.Errorf("indexer: preloading batch [%d,%d): %w", start, end, err)
		}
		if _, err := ix.processor.Process(data); err != nil {
			return fmt.Errorf("indexer: processing batch [%d,%d): %w", start, end, err)
		}
		ix.watermark.Store(end - 1)

		if ix.metrics != nil {
			ix.metrics.BatchCommitSeconds.Observe(time.Since(began).Seconds())
			ix.metrics.BlocksIndexed.Add(float64(end - start))
			ix.metrics.WatermarkHeight.Set(float64(end - 1))
			ix.metrics.UtxoCacheEntries.Set(float64(ix.utxoCache.Count()))
			ix.metrics.BalanceCacheEntries.Set(float64(ix.balanceCache.Count()))
		}
		loopLog.Debugf("indexer: committed batch [%d,%d), tip=%d", start, end, tip)
	}
}

// waitForNewBlocks polls the upstream tip every PollInterval until it
// advances past the current watermark, or ctx is cancelled.
func (ix *Indexer) waitForNewBlocks(ctx context.Context) error {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tip, err := ix.source.LatestHeight(ctx)
			if err != nil {
				loopLog.Warningf("indexer: polling tip: %v", err)
				continue
			}
			ix.tip.Store(tip)
			if tip > ix.watermark.Load() {
				return nil
			}
		}
	}
}
