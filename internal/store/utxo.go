package store

import (
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"

	"github.com/buckyos/btc-balance-history/internal/types"
)

// UpdateUtxos commits a single atomic batch of UTXO creations and spends.
// Creates are idempotent puts; spends are deletes. Spend targets are not
// checked: deleting a key that is absent (for example a UTXO resolved via
// the block source's cold-start fallback rather than the store) is a silent
// no-op.
func (s *Store) UpdateUtxos(creates map[types.OutPoint]types.UtxoValue, spends map[types.OutPoint]struct{}) error {
	batch := new(leveldb.Batch)
	for op, v := range creates {
		key := op.Encode()
		batch.Put(key[:], types.EncodeUtxoValue(v.Script, v.Sats))
	}
	for op := range spends {
		key := op.Encode()
		batch.Delete(key[:])
	}
	if err := s.utxo.Write(batch, syncWrite); err != nil {
		return fmt.Errorf("store: committing utxo batch: %w", err)
	}
	return nil
}

// GetUtxo fetches a single UTXO entry, returning nil if absent.
func (s *Store) GetUtxo(op types.OutPoint) (*types.UtxoEntry, error) {
	key := op.Encode()
	v, err := s.utxo.Get(key[:], nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get utxo %s: %w", op, err)
	}
	script, sats, err := types.DecodeUtxoValue(v)
	if err != nil {
		return nil, err
	}
	return &types.UtxoEntry{OutPoint: op, Script: script, Sats: sats}, nil
}

// GetUtxosBulk fetches many UTXOs in one pass; entries that do not exist are
// nil at the corresponding position, for the caller's store→RPC fallback
// chain.
func (s *Store) GetUtxosBulk(ops []types.OutPoint) ([]*types.UtxoEntry, error) {
	results := make([]*types.UtxoEntry, len(ops))
	for i, op := range ops {
		entry, err := s.GetUtxo(op)
		if err != nil {
			return nil, err
		}
		results[i] = entry
	}
	return results, nil
}

// SpendUtxo reads a UTXO entry and then deletes it; the read and the delete
// are two separate operations, not one atomic step. A missing entry is
// logged as a warning rather than treated as fatal: callers may legitimately
// spend UTXOs resolved via RPC fallback that never had a store row.
func (s *Store) SpendUtxo(op types.OutPoint) (*types.UtxoEntry, error) {
	entry, err := s.GetUtxo(op)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		log.Warningf("store: spend of absent utxo %s", op)
		return nil, nil
	}
	key := op.Encode()
	if err := s.utxo.Delete(key[:], syncWrite); err != nil {
		return nil, fmt.Errorf("store: delete utxo %s: %w", op, err)
	}
	return entry, nil
}

// ApproxUtxoCount returns an approximate key count for the utxo table.
func (s *Store) ApproxUtxoCount() (int64, error) {
	iter := s.utxo.NewIterator(nil, nil)
	defer iter.Release()
	var n int64
	for iter.Next() {
		n++
	}
	return n, iter.Error()
}
