// Package types defines the wire-level entities shared by the store, caches
// and indexer: script hashes, outpoints, balance-history rows and UTXO rows.
package types

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ScriptHashLen is the size in bytes of a ScriptHash.
const ScriptHashLen = 32

// ScriptHash is the reversed SHA-256 of an output script's serialized bytes,
// compatible with the Electrum script-hash convention. It is the identity
// used throughout the history store and caches.
type ScriptHash [ScriptHashLen]byte

// NewScriptHash hashes a raw output script and reverses the digest.
func NewScriptHash(script []byte) ScriptHash {
	sum := sha256.Sum256(script)
	var sh ScriptHash
	for i := range sum {
		sh[i] = sum[ScriptHashLen-1-i]
	}
	return sh
}

func (s ScriptHash) String() string {
	return fmt.Sprintf("%x", [ScriptHashLen]byte(s))
}

// Less reports whether s sorts before other, lexicographically over the raw
// bytes.
func (s ScriptHash) Less(other ScriptHash) bool {
	for i := range s {
		if s[i] != other[i] {
			return s[i] < other[i]
		}
	}
	return false
}

// OutPoint identifies a transaction output by txid and output index.
type OutPoint struct {
	Hash chainhash.Hash
	Vout uint32
}

// OutPointLen is the encoded size of an OutPoint.
const OutPointLen = chainhash.HashSize + 4

// Encode serializes the OutPoint as txid bytes followed by big-endian vout,
// matching the utxo column-family key layout.
func (o OutPoint) Encode() [OutPointLen]byte {
	var buf [OutPointLen]byte
	copy(buf[:chainhash.HashSize], o.Hash[:])
	binary.BigEndian.PutUint32(buf[chainhash.HashSize:], o.Vout)
	return buf
}

// DecodeOutPoint is the inverse of Encode.
func DecodeOutPoint(b []byte) (OutPoint, error) {
	if len(b) != OutPointLen {
		return OutPoint{}, fmt.Errorf("types: bad outpoint length %d", len(b))
	}
	var o OutPoint
	copy(o.Hash[:], b[:chainhash.HashSize])
	o.Vout = binary.BigEndian.Uint32(b[chainhash.HashSize:])
	return o, nil
}

func (o OutPoint) String() string {
	return fmt.Sprintf("%s:%d", o.Hash, o.Vout)
}

// BalanceEntry is one row of a script's balance history: the signed delta and
// resulting balance at a given height.
type BalanceEntry struct {
	Script  ScriptHash
	Height  uint32
	Delta   int64
	Balance uint64
}

// ZeroBalanceEntry is returned for a script never seen before, or a height
// query below the script's first entry.
func ZeroBalanceEntry(script ScriptHash) BalanceEntry {
	return BalanceEntry{Script: script, Height: 0, Delta: 0, Balance: 0}
}

// BalanceHistoryKeyLen is the size of a balance_history key.
const BalanceHistoryKeyLen = ScriptHashLen + 4

// EncodeBalanceHistoryKey builds the script_hash‖height_be key.
func EncodeBalanceHistoryKey(script ScriptHash, height uint32) []byte {
	buf := make([]byte, BalanceHistoryKeyLen)
	copy(buf, script[:])
	binary.BigEndian.PutUint32(buf[ScriptHashLen:], height)
	return buf
}

// DecodeBalanceHistoryKey splits a balance_history key back into its parts.
func DecodeBalanceHistoryKey(key []byte) (ScriptHash, uint32, error) {
	if len(key) != BalanceHistoryKeyLen {
		return ScriptHash{}, 0, fmt.Errorf("types: bad balance_history key length %d", len(key))
	}
	var sh ScriptHash
	copy(sh[:], key[:ScriptHashLen])
	height := binary.BigEndian.Uint32(key[ScriptHashLen:])
	return sh, height, nil
}

// BalanceHistoryValueLen is the size of a balance_history value.
const BalanceHistoryValueLen = 16

// EncodeBalanceHistoryValue builds the delta_be‖balance_be value.
func EncodeBalanceHistoryValue(delta int64, balance uint64) []byte {
	buf := make([]byte, BalanceHistoryValueLen)
	binary.BigEndian.PutUint64(buf[:8], uint64(delta))
	binary.BigEndian.PutUint64(buf[8:], balance)
	return buf
}

// DecodeBalanceHistoryValue is the inverse of EncodeBalanceHistoryValue.
func DecodeBalanceHistoryValue(v []byte) (delta int64, balance uint64, err error) {
	if len(v) != BalanceHistoryValueLen {
		return 0, 0, fmt.Errorf("types: bad balance_history value length %d", len(v))
	}
	delta = int64(binary.BigEndian.Uint64(v[:8]))
	balance = binary.BigEndian.Uint64(v[8:])
	return delta, balance, nil
}

// UtxoEntry is a single unspent output: its location, owning script and
// value.
type UtxoEntry struct {
	OutPoint OutPoint
	Script   ScriptHash
	Sats     uint64
}

// UtxoValue is the owning script and value of a UTXO, without its outpoint
// (the outpoint is the map key in batch-creation call sites).
type UtxoValue struct {
	Script ScriptHash
	Sats   uint64
}

// UtxoValueLen is the size of a utxo-column-family value.
const UtxoValueLen = ScriptHashLen + 8

// EncodeUtxoValue builds the script_hash‖sats_be value.
func EncodeUtxoValue(script ScriptHash, sats uint64) []byte {
	buf := make([]byte, UtxoValueLen)
	copy(buf, script[:])
	binary.BigEndian.PutUint64(buf[ScriptHashLen:], sats)
	return buf
}

// DecodeUtxoValue is the inverse of EncodeUtxoValue.
func DecodeUtxoValue(v []byte) (ScriptHash, uint64, error) {
	if len(v) != UtxoValueLen {
		return ScriptHash{}, 0, fmt.Errorf("types: bad utxo value length %d", len(v))
	}
	var sh ScriptHash
	copy(sh[:], v[:ScriptHashLen])
	sats := binary.BigEndian.Uint64(v[ScriptHashLen:])
	return sh, sats, nil
}

// MetaKeyBlockHeight is the reserved meta key holding the sync watermark.
const MetaKeyBlockHeight = "btc_block_height"

// BlockIndexEntry records where a block lives in a LocalFileSource's
// block-file directory, plus the link needed to reconstruct chain order.
type BlockIndexEntry struct {
	BlockHash     chainhash.Hash
	PrevBlockHash chainhash.Hash
	FileIndex     int
	FileOffset    int64
	RecordIndex   int
}

// CoinbaseBlacklistEntry is a (height, txid) pair whose would-be-duplicate
// UTXO creation must be skipped per BIP-30. Exactly two pairs exist on
// mainnet; this is a closed historical list, not a configurable allowlist.
type CoinbaseBlacklistEntry struct {
	Height uint32
	Txid   string
}

// CoinbaseBlacklist is the closed set of BIP-30 duplicate-coinbase
// (height, txid) pairs whose UTXO creation must be skipped. Each entry names
// the EARLIER occurrence of the pair; the later occurrence's outputs are the
// ones that persist.
var CoinbaseBlacklist = []CoinbaseBlacklistEntry{
	{Height: 91812, Txid: "d5d27987d2a3dfc724e359870c6644b40e497bdc0589a033220fe15429d88599"},
	{Height: 91722, Txid: "e3bf3d07d4b0375638d5f1db5255fe07ba2c4cb067cd81b84ee974b6585fb468"},
}

// IsBlacklistedCoinbase reports whether the given (height, txid) is one of
// the two known BIP-30 duplicate-coinbase entries.
func IsBlacklistedCoinbase(height uint32, txid string) bool {
	for _, e := range CoinbaseBlacklist {
		if e.Height == height && e.Txid == txid {
			return true
		}
	}
	return false
}
