package store

import (
	"bytes"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/buckyos/btc-balance-history/internal/types"
)

// PutHistory commits every entry across every block in the caller's range in
// one atomic balance_history batch, then writes the new watermark to the
// meta table as a separate write. The watermark write comes last so a crash
// between the two never advances the watermark past a fully-committed
// balance_history state; the two writes are not one atomic operation.
func (s *Store) PutHistory(entriesByBlock [][]types.BalanceEntry, newWatermark uint32) error {
	batch := new(leveldb.Batch)
	for _, blockEntries := range entriesByBlock {
		for _, e := range blockEntries {
			if e.Delta == 0 {
				continue
			}
			key := types.EncodeBalanceHistoryKey(e.Script, e.Height)
			val := types.EncodeBalanceHistoryValue(e.Delta, e.Balance)
			batch.Put(key, val)
		}
	}
	if err := s.balanceHistory.Write(batch, syncWrite); err != nil {
		return fmt.Errorf("store: committing balance_history batch: %w", err)
	}
	if err := s.PutWatermark(newWatermark); err != nil {
		return fmt.Errorf("store: committing watermark after balance_history batch: %w", err)
	}
	return nil
}

// GetLatestBalance reverse-iterates from (script, 0xFFFFFFFF); if the first
// key's prefix matches script, that row is returned, else the zero entry.
func (s *Store) GetLatestBalance(script types.ScriptHash) (types.BalanceEntry, error) {
	return s.GetBalanceAt(script, 0xFFFFFFFF)
}

// GetBalanceAt reverse-iterates from (script, targetHeight); prefix check;
// else the zero entry.
func (s *Store) GetBalanceAt(script types.ScriptHash, targetHeight uint32) (types.BalanceEntry, error) {
	seekKey := types.EncodeBalanceHistoryKey(script, targetHeight)
	// Range restricts iteration to keys sharing the script prefix, so any
	// key this iterator yields already belongs to script.
	r := util.BytesPrefix(script[:])
	iter := s.balanceHistory.NewIterator(r, nil)
	defer iter.Release()

	found := iter.Seek(seekKey)
	if found && bytesCompare(iter.Key(), seekKey) > 0 {
		// Landed on the next-higher height for this script; step back
		// to the newest entry with height <= targetHeight.
		found = iter.Prev()
	} else if !found {
		// No key >= seekKey within the script's range: every entry for
		// this script has height < targetHeight, so the newest is last.
		found = iter.Last()
	}
	if !found {
		return types.ZeroBalanceEntry(script), nil
	}

	key := iter.Key()
	if len(key) != types.BalanceHistoryKeyLen {
		return types.ZeroBalanceEntry(script), nil
	}
	_, height, err := types.DecodeBalanceHistoryKey(key)
	if err != nil {
		return types.BalanceEntry{}, err
	}
	delta, balance, err := types.DecodeBalanceHistoryValue(iter.Value())
	if err != nil {
		return types.BalanceEntry{}, err
	}
	if err := iter.Error(); err != nil {
		return types.BalanceEntry{}, fmt.Errorf("store: iterator error: %w", err)
	}
	return types.BalanceEntry{Script: script, Height: height, Delta: delta, Balance: balance}, nil
}

func bytesCompare(a, b []byte) int {
	return bytes.Compare(a, b)
}

// GetBalanceInRange forward-iterates from (script, begin), stopping when the
// script-hash prefix changes or height >= end.
func (s *Store) GetBalanceInRange(script types.ScriptHash, begin, end uint32) ([]types.BalanceEntry, error) {
	startKey := types.EncodeBalanceHistoryKey(script, begin)
	r := util.BytesPrefix(script[:])
	iter := s.balanceHistory.NewIterator(r, nil)
	defer iter.Release()

	var results []types.BalanceEntry
	for ok := iter.Seek(startKey); ok; ok = iter.Next() {
		key := iter.Key()
		if len(key) != types.BalanceHistoryKeyLen || !bytes.Equal(key[:types.ScriptHashLen], script[:]) {
			break
		}
		_, height, err := types.DecodeBalanceHistoryKey(key)
		if err != nil {
			return nil, err
		}
		if height >= end {
			break
		}
		delta, balance, err := types.DecodeBalanceHistoryValue(iter.Value())
		if err != nil {
			return nil, err
		}
		results = append(results, types.BalanceEntry{Script: script, Height: height, Delta: delta, Balance: balance})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("store: range iterator error: %w", err)
	}
	return results, nil
}

// ApproxBalanceHistoryCount returns an approximate row count for the
// balance_history table, used for progress reporting.
func (s *Store) ApproxBalanceHistoryCount() (int64, error) {
	iter := s.balanceHistory.NewIterator(nil, nil)
	defer iter.Release()
	var n int64
	for iter.Next() {
		n++
	}
	return n, iter.Error()
}
