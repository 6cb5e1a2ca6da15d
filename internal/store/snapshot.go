package store

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/buckyos/btc-balance-history/internal/types"
)

// SnapshotBatchSize is the number of entries delivered to the callback per
// flush.
const SnapshotBatchSize = 64 * 1024

// ShardCount is the number of first-byte shards the script-hash keyspace is
// partitioned into for parallel snapshot generation.
const ShardCount = 256

// GenerateSnapshot produces, for every script whose balance at height <= T
// is > 0, one BalanceEntry, delivered to cb in batches. Work is sharded by
// the first byte of script_hash across a bounded worker pool.
func (s *Store) GenerateSnapshot(targetHeight uint32, cb func(batch []types.BalanceEntry) error) error {
	workers := runtime.GOMAXPROCS(0)
	if workers < 1 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for shard := 0; shard < ShardCount; shard++ {
		shard := byte(shard)
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			err := s.generateSnapshotShard(shard, targetHeight, func(batch []types.BalanceEntry) error {
				mu.Lock()
				defer mu.Unlock()
				if firstErr != nil {
					return firstErr
				}
				return cb(batch)
			})
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return firstErr
}

func (s *Store) generateSnapshotShard(shard byte, targetHeight uint32, cb func(batch []types.BalanceEntry) error) error {
	var rangeStart [1]byte
	rangeStart[0] = shard
	r := util.BytesPrefix(rangeStart[:])
	iter := s.balanceHistory.NewIterator(r, nil)
	defer iter.Release()

	// Reverse-seek from (shard, 0xFF...FF, 0xFFFFFFFF): the maximal key
	// under this shard prefix.
	if !iter.Last() {
		return nil
	}

	var currentScript types.ScriptHash
	scriptSeen := false  // a new script boundary was crossed
	scriptFound := false // this script's height<=T answer was already emitted-or-decided
	batch := make([]types.BalanceEntry, 0, SnapshotBatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := cb(batch); err != nil {
			return err
		}
		batch = make([]types.BalanceEntry, 0, SnapshotBatchSize)
		return nil
	}

	for ok := true; ok; ok = iter.Prev() {
		key := iter.Key()
		if len(key) != types.BalanceHistoryKeyLen {
			continue
		}
		script, height, err := types.DecodeBalanceHistoryKey(key)
		if err != nil {
			return err
		}

		if !scriptSeen || script != currentScript {
			currentScript = script
			scriptSeen = true
			scriptFound = false
		}

		if scriptFound {
			// Already resolved this script's latest height<=T row;
			// remaining (older) rows for it are irrelevant.
			continue
		}
		if height > targetHeight {
			// Not yet at a qualifying height for this script; keep
			// walking backwards within the same script.
			continue
		}

		scriptFound = true
		delta, balance, err := types.DecodeBalanceHistoryValue(iter.Value())
		if err != nil {
			return err
		}
		if balance == 0 {
			continue
		}

		batch = append(batch, types.BalanceEntry{Script: script, Height: height, Delta: delta, Balance: balance})
		if len(batch) >= SnapshotBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("store: snapshot shard %d iterator error: %w", shard, err)
	}
	return flush()
}
