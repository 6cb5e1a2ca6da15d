package blocksource

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// FileIndexCallback is the capability interface driving a block-file index
// build.
type FileIndexCallback interface {
	OnIndexBegin(total int)
	OnFileIndex(fileIndex int) (userData any, ignore bool)
	OnBlockIndexed(userData any, fileIndex int, offset int64, recordIndex int, block *BlockRecord) any
	OnFileIndexed(fileIndex int, completeCount *atomic.Int64, userData any)
	OnIndexComplete()
	ShouldStop() bool
}

// BuildIndex walks every blkNNNNN.dat file except the newest (possibly torn)
// one, dispatching each file to a bounded worker pool. Per-file work
// accumulates into a local value returned by OnFileIndex/OnBlockIndexed, and
// is only merged into shared state inside OnFileIndexed — mirroring the
// original's per-file-task accumulator design.
func BuildIndex(reader *BlockFileReader, cb FileIndexCallback) error {
	latest, err := reader.FindLatestFileIndex()
	if err != nil {
		return err
	}
	// The newest file may still be open for writes by Core; exclude it.
	upper := latest - 1
	if upper < 0 {
		cb.OnIndexBegin(0)
		cb.OnIndexComplete()
		return nil
	}

	cb.OnIndexBegin(upper + 1)

	workers := runtime.GOMAXPROCS(0)
	if workers < 1 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	var firstErr atomic.Value
	var completeCount atomic.Int64

	for fileIndex := 0; fileIndex <= upper; fileIndex++ {
		if cb.ShouldStop() {
			break
		}
		fileIndex := fileIndex
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			userData, ignore := cb.OnFileIndex(fileIndex)
			if ignore {
				cb.OnFileIndexed(fileIndex, &completeCount, userData)
				return
			}

			records, err := reader.ReadRecords(fileIndex)
			if err != nil {
				firstErr.CompareAndSwap(nil, err)
				return
			}
			for recordIdx := range records {
				userData = cb.OnBlockIndexed(userData, fileIndex, records[recordIdx].FileOffset, recordIdx, &records[recordIdx])
			}
			cb.OnFileIndexed(fileIndex, &completeCount, userData)
		}()
	}
	wg.Wait()

	if v := firstErr.Load(); v != nil {
		return v.(error)
	}
	cb.OnIndexComplete()
	return nil
}

// BuildRecordResult is the per-block accumulator produced while indexing one
// file.
type BuildRecordResult struct {
	BlockHash     chainhash.Hash
	PrevBlockHash chainhash.Hash
	FileIndex     int
	FileOffset    int64
	RecordIndex   int
}

// BlockRecordCache holds the merged hash→location index plus the
// height-ordered chain once reconstructed.
type BlockRecordCache struct {
	mu                sync.RWMutex
	blockHashIndex    map[chainhash.Hash]BuildRecordResult
	blockPrevHashLink map[chainhash.Hash]chainhash.Hash // prev_hash -> hash
	sortedBlocks      []chainhash.Hash                  // index = height
}

// NewBlockRecordCache constructs an empty cache.
func NewBlockRecordCache() *BlockRecordCache {
	return &BlockRecordCache{
		blockHashIndex:    make(map[chainhash.Hash]BuildRecordResult),
		blockPrevHashLink: make(map[chainhash.Hash]chainhash.Hash),
	}
}

// MergeBuildResult merges one file's accumulated records into the shared
// index. Any duplicate prev-hash or block-hash is a fatal index-build error.
func (c *BlockRecordCache) MergeBuildResult(results []BuildRecordResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range results {
		if _, exists := c.blockHashIndex[r.BlockHash]; exists {
			return fmt.Errorf("blocksource: duplicate block hash %s during index merge", r.BlockHash)
		}
		if _, exists := c.blockPrevHashLink[r.PrevBlockHash]; exists {
			return fmt.Errorf("blocksource: duplicate prev hash %s during index merge", r.PrevBlockHash)
		}
		c.blockHashIndex[r.BlockHash] = r
		c.blockPrevHashLink[r.PrevBlockHash] = r.BlockHash
	}
	return nil
}

// GenerateSortBlocks walks the prev_hash -> hash links from the all-zero
// genesis seed, iteratively (not recursively), producing the height-ordered
// block-hash sequence.
func (c *BlockRecordCache) GenerateSortBlocks() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero chainhash.Hash
	sorted := make([]chainhash.Hash, 0, len(c.blockHashIndex))
	cur := zero
	for {
		next, ok := c.blockPrevHashLink[cur]
		if !ok {
			break
		}
		if _, ok := c.blockHashIndex[next]; !ok {
			return fmt.Errorf("blocksource: chain walk hit unknown block hash %s", next)
		}
		sorted = append(sorted, next)
		cur = next
	}
	if len(sorted) != len(c.blockHashIndex) {
		return fmt.Errorf("blocksource: chain walk reached only %d of %d indexed blocks, a blk*.dat gap is present",
			len(sorted), len(c.blockHashIndex))
	}
	c.sortedBlocks = sorted
	return nil
}

// HashAtHeight returns the block hash stored at height, if known.
func (c *BlockRecordCache) HashAtHeight(height uint32) (chainhash.Hash, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if int(height) >= len(c.sortedBlocks) {
		return chainhash.Hash{}, false
	}
	return c.sortedBlocks[height], true
}

// Location returns the file location of a known block hash.
func (c *BlockRecordCache) Location(hash chainhash.Hash) (BuildRecordResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.blockHashIndex[hash]
	return r, ok
}

// Height returns the number of blocks currently indexed (i.e. chain length).
func (c *BlockRecordCache) Height() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sortedBlocks)
}
