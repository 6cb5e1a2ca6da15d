// Package store implements the log-structured sorted-KV history store: three
// goleveldb-backed column families (balance_history, utxo, meta), per-table
// atomic batch commits, reverse-seek point lookups, range scans and a
// sharded parallel snapshot generator. A commit that spans tables is a
// sequence of separate per-table writes, not one atomic operation.
package store

import (
	"fmt"
	"path/filepath"

	"github.com/juju/loggo"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"github.com/buckyos/btc-balance-history/internal/types"
)

var log = loggo.GetLogger("store")

// Store is the History Store: three independently-opened goleveldb handles
// composed into one multi-column-family interface.
type Store struct {
	balanceHistory *leveldb.DB
	utxo           *leveldb.DB
	meta           *leveldb.DB
}

// Open opens (or creates) the three column-family databases under root.
func Open(root string) (*Store, error) {
	opts := &opt.Options{
		Compression:        opt.SnappyCompression,
		CompactionTableSize: 32 * 1024 * 1024,
	}

	open := func(name string) (*leveldb.DB, error) {
		db, err := leveldb.OpenFile(filepath.Join(root, name), opts)
		if err != nil {
			return nil, fmt.Errorf("store: opening %s: %w", name, err)
		}
		return db, nil
	}

	bh, err := open("balance_history")
	if err != nil {
		return nil, err
	}
	ux, err := open("utxo")
	if err != nil {
		bh.Close()
		return nil, err
	}
	mt, err := open("meta")
	if err != nil {
		bh.Close()
		ux.Close()
		return nil, err
	}

	return &Store{balanceHistory: bh, utxo: ux, meta: mt}, nil
}

// Close releases all three database handles.
func (s *Store) Close() error {
	var firstErr error
	for _, db := range []*leveldb.DB{s.balanceHistory, s.utxo, s.meta} {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var syncWrite = &opt.WriteOptions{Sync: true}

// Watermark reads the last-synced block height. Absence of the key means an
// unsynced store, returning 0.
func (s *Store) Watermark() (uint32, error) {
	v, err := s.meta.Get([]byte(types.MetaKeyBlockHeight), nil)
	if err == leveldb.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: reading watermark: %w", err)
	}
	if len(v) != 4 {
		return 0, fmt.Errorf("store: corrupt watermark value length %d", len(v))
	}
	return be32(v), nil
}

// PutWatermark writes the watermark to the meta table as its own synced
// write. PutHistory calls it after committing the balance_history batch.
func (s *Store) PutWatermark(height uint32) error {
	return s.meta.Put([]byte(types.MetaKeyBlockHeight), be32Bytes(height), syncWrite)
}
