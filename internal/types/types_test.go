package types

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

func TestScriptHashRoundTrip(t *testing.T) {
	script := []byte{0x76, 0xa9, 0x14, 0x01, 0x02, 0x03}
	sh := NewScriptHash(script)
	if len(sh.String()) != ScriptHashLen*2 {
		t.Fatalf("unexpected String() length: %d", len(sh.String()))
	}

	other := NewScriptHash(script)
	if sh != other {
		t.Fatalf("hashing the same script twice produced different hashes")
	}
}

func TestScriptHashLess(t *testing.T) {
	var a, b ScriptHash
	a[0], b[0] = 0x01, 0x02
	if !a.Less(b) {
		t.Fatalf("expected a < b")
	}
	if b.Less(a) == false && a.Less(b) == false {
		t.Fatalf("inconsistent ordering")
	}
	if a.Less(a) {
		t.Fatalf("a should not be less than itself")
	}
}

func TestOutPointEncodeDecode(t *testing.T) {
	var h chainhash.Hash
	for i := range h {
		h[i] = byte(i)
	}
	op := OutPoint{Hash: h, Vout: 7}
	enc := op.Encode()
	dec, err := DecodeOutPoint(enc[:])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec != op {
		t.Fatalf("round trip mismatch: got %+v, want %+v", dec, op)
	}
}

func TestDecodeOutPointBadLength(t *testing.T) {
	if _, err := DecodeOutPoint(make([]byte, OutPointLen-1)); err == nil {
		t.Fatalf("expected error for short buffer")
	}
}

func TestBalanceHistoryKeyRoundTrip(t *testing.T) {
	var sh ScriptHash
	sh[0] = 0xff
	key := EncodeBalanceHistoryKey(sh, 123456)
	gotScript, gotHeight, err := DecodeBalanceHistoryKey(key)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if gotScript != sh || gotHeight != 123456 {
		t.Fatalf("round trip mismatch: script=%v height=%d", gotScript, gotHeight)
	}
}

func TestBalanceHistoryKeyOrdering(t *testing.T) {
	var sh ScriptHash
	k1 := EncodeBalanceHistoryKey(sh, 10)
	k2 := EncodeBalanceHistoryKey(sh, 11)
	if bytes.Compare(k1, k2) >= 0 {
		t.Fatalf("expected height 10 key to sort before height 11 key")
	}
}

func TestBalanceHistoryValueRoundTrip(t *testing.T) {
	val := EncodeBalanceHistoryValue(-500, 1500)
	delta, balance, err := DecodeBalanceHistoryValue(val)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if delta != -500 || balance != 1500 {
		t.Fatalf("round trip mismatch: delta=%d balance=%d", delta, balance)
	}
}

func TestUtxoValueRoundTrip(t *testing.T) {
	var sh ScriptHash
	sh[5] = 0x42
	val := EncodeUtxoValue(sh, 98765)
	gotScript, gotSats, err := DecodeUtxoValue(val)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if gotScript != sh || gotSats != 98765 {
		t.Fatalf("round trip mismatch: script=%v sats=%d", gotScript, gotSats)
	}
}

func TestIsBlacklistedCoinbase(t *testing.T) {
	if !IsBlacklistedCoinbase(91812, "d5d27987d2a3dfc724e359870c6644b40e497bdc0589a033220fe15429d88599") {
		t.Fatalf("expected the first BIP-30 pair to be blacklisted")
	}
	if IsBlacklistedCoinbase(91812, "deadbeef") {
		t.Fatalf("unrelated txid at a blacklisted height must not match")
	}
	if IsBlacklistedCoinbase(100000, "d5d27987d2a3dfc724e359870c6644b40e497bdc0589a033220fe15429d88599") {
		t.Fatalf("same txid at an unrelated height must not match")
	}
}
