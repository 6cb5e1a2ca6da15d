package blocksource

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/buckyos/btc-balance-history/internal/types"
)

// BlockFileCacheCapacity is the number of decoded blkNNNNN.dat files kept
// resident.
const BlockFileCacheCapacity = 8

// PrefetchQueueCapacity bounds how far ahead the background prefetcher may
// run.
const PrefetchQueueCapacity = 4

// LocalFileSourceConfig configures a LocalFileSource.
type LocalFileSourceConfig struct {
	BlocksDir  string
	BlockMagic wire.BitcoinNet
}

// blockFileCache is a bounded LRU of decoded file contents keyed by file
// index, with a single background prefetcher goroutine.
type blockFileCache struct {
	reader *BlockFileReader
	lru    *lru.Cache[int, []BlockRecord]
	mu     sync.Mutex

	notifyCh chan int
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func newBlockFileCache(reader *BlockFileReader) *blockFileCache {
	c, _ := lru.New[int, []BlockRecord](BlockFileCacheCapacity)
	bfc := &blockFileCache{
		reader:   reader,
		lru:      c,
		notifyCh: make(chan int, PrefetchQueueCapacity),
		stopCh:   make(chan struct{}),
	}
	bfc.wg.Add(1)
	go bfc.prefetchLoop()
	return bfc
}

func (c *blockFileCache) prefetchLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case idx := <-c.notifyCh:
			c.mu.Lock()
			_, ok := c.lru.Get(idx)
			c.mu.Unlock()
			if ok {
				continue
			}
			records, err := c.reader.ReadRecords(idx)
			if err != nil {
				log.Warningf("blocksource: prefetch of file %d failed: %v", idx, err)
				continue
			}
			c.mu.Lock()
			c.lru.Add(idx, records)
			c.mu.Unlock()
		}
	}
}

// Notify enqueues the next file index the consumer expects to need.
func (c *blockFileCache) Notify(nextIndex int) {
	select {
	case c.notifyCh <- nextIndex:
	default:
	}
}

func (c *blockFileCache) Get(fileIndex int) ([]BlockRecord, error) {
	c.mu.Lock()
	if records, ok := c.lru.Get(fileIndex); ok {
		c.mu.Unlock()
		return records, nil
	}
	c.mu.Unlock()

	records, err := c.reader.ReadRecords(fileIndex)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.lru.Add(fileIndex, records)
	c.mu.Unlock()
	return records, nil
}

func (c *blockFileCache) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// blocksIndexCallback implements FileIndexCallback, accumulating each file's
// records locally and merging once per file into the shared cache.
type blocksIndexCallback struct {
	cache   *BlockRecordCache
	stopped atomic.Bool
	mergeMu sync.Mutex
	total   int
}

func (b *blocksIndexCallback) OnIndexBegin(total int) {
	b.total = total
	log.Infof("blocksource: indexing %d block files", total)
}

func (b *blocksIndexCallback) OnFileIndex(fileIndex int) (any, bool) {
	return make([]BuildRecordResult, 0, 128), false
}

func (b *blocksIndexCallback) OnBlockIndexed(userData any, fileIndex int, offset int64, recordIndex int, rec *BlockRecord) any {
	acc := userData.([]BuildRecordResult)
	header := rec.Block.Header
	acc = append(acc, BuildRecordResult{
		BlockHash:     header.BlockHash(),
		PrevBlockHash: header.PrevBlock,
		FileIndex:     fileIndex,
		FileOffset:    offset,
		RecordIndex:   recordIndex,
	})
	return acc
}

func (b *blocksIndexCallback) OnFileIndexed(fileIndex int, completeCount *atomic.Int64, userData any) {
	acc, _ := userData.([]BuildRecordResult)
	b.mergeMu.Lock()
	err := b.cache.MergeBuildResult(acc)
	b.mergeMu.Unlock()
	if err != nil {
		log.Errorf("blocksource: fatal merge error for file %d: %v", fileIndex, err)
		b.stopped.Store(true)
		return
	}
	n := completeCount.Add(1)
	log.Debugf("blocksource: indexed file %d (%d/%d)", fileIndex, n, b.total)
}

func (b *blocksIndexCallback) OnIndexComplete() {
	if b.stopped.Load() {
		return
	}
	if err := b.cache.GenerateSortBlocks(); err != nil {
		log.Errorf("blocksource: fatal chain-walk error: %v", err)
		b.stopped.Store(true)
	}
}

func (b *blocksIndexCallback) ShouldStop() bool {
	return b.stopped.Load()
}

// LocalFileSource reads blocks directly from a Bitcoin Core blocks
// directory, falling back to an internal RpcSource for latest-height and
// UTXO resolution that the on-disk files cannot answer.
type LocalFileSource struct {
	reader *BlockFileReader
	cache  *BlockRecordCache
	files  *blockFileCache
	rpc    *RpcSource
}

// NewLocalFileSource builds the index (blocking) and returns a ready source.
func NewLocalFileSource(ctx context.Context, cfg LocalFileSourceConfig, rpc *RpcSource) (*LocalFileSource, error) {
	reader, err := NewBlockFileReader(cfg.BlocksDir, cfg.BlockMagic)
	if err != nil {
		return nil, err
	}
	recordCache := NewBlockRecordCache()
	cb := &blocksIndexCallback{cache: recordCache}
	if err := BuildIndex(reader, cb); err != nil {
		return nil, fmt.Errorf("blocksource: building local file index: %w", err)
	}
	if cb.stopped.Load() {
		return nil, fmt.Errorf("blocksource: local file index build aborted")
	}
	return &LocalFileSource{
		reader: reader,
		cache:  recordCache,
		files:  newBlockFileCache(reader),
		rpc:    rpc,
	}, nil
}

// LatestHeight implements Source by delegating to the inner RpcSource: the
// on-disk files carry no reliable tip signal.
func (s *LocalFileSource) LatestHeight(ctx context.Context) (uint32, error) {
	return s.rpc.LatestHeight(ctx)
}

// BlockAt implements Source, preferring the local index and falling back to
// RPC with a warning when the height is not yet indexed locally.
func (s *LocalFileSource) BlockAt(ctx context.Context, height uint32) (*wire.MsgBlock, error) {
	hash, ok := s.cache.HashAtHeight(height)
	if !ok {
		log.Warningf("blocksource: height %d not in local index, falling back to rpc", height)
		return s.rpc.BlockAt(ctx, height)
	}
	return s.blockByHash(ctx, hash)
}

func (s *LocalFileSource) blockByHash(ctx context.Context, hash chainhash.Hash) (*wire.MsgBlock, error) {
	loc, ok := s.cache.Location(hash)
	if !ok {
		log.Warningf("blocksource: hash %s not in local index, falling back to rpc", hash)
		btcHash := hash
		block, err := s.rpc.client.GetBlock(&btcHash)
		if err != nil {
			return nil, fmt.Errorf("blocksource: rpc fallback getblock(%s): %w", hash, err)
		}
		return block, nil
	}

	records, err := s.files.Get(loc.FileIndex)
	if err != nil {
		return nil, fmt.Errorf("blocksource: loading file %d: %w", loc.FileIndex, err)
	}
	s.files.Notify(loc.FileIndex + 1)
	if loc.RecordIndex >= len(records) {
		return nil, fmt.Errorf("blocksource: record index %d out of range in file %d", loc.RecordIndex, loc.FileIndex)
	}
	return records[loc.RecordIndex].Block, nil
}

// Blocks implements Source by reading the range sequentially from the
// local index; per-block preprocessing is parallelized downstream instead
// of the raw block read itself.
func (s *LocalFileSource) Blocks(ctx context.Context, start, end uint32) ([]*wire.MsgBlock, error) {
	blocks := make([]*wire.MsgBlock, 0, int(end-start))
	for h := start; h < end; h++ {
		b, err := s.BlockAt(ctx, h)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}

// Utxo implements Source by delegating to the inner RpcSource.
func (s *LocalFileSource) Utxo(ctx context.Context, op types.OutPoint) (types.ScriptHash, uint64, error) {
	return s.rpc.Utxo(ctx, op)
}

// OnSyncComplete implements Source.
func (s *LocalFileSource) OnSyncComplete(height uint32) {
	s.rpc.OnSyncComplete(height)
}

// Stop implements Source, shutting down the prefetcher.
func (s *LocalFileSource) Stop() {
	s.files.Stop()
}
