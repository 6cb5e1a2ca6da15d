package store

import (
	"testing"

	"github.com/buckyos/btc-balance-history/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func sh(b byte) types.ScriptHash {
	var s types.ScriptHash
	s[0] = b
	return s
}

func TestWatermarkDefaultsToZero(t *testing.T) {
	st := openTestStore(t)
	h, err := st.Watermark()
	if err != nil {
		t.Fatalf("watermark: %v", err)
	}
	if h != 0 {
		t.Fatalf("expected 0, got %d", h)
	}
}

func TestPutHistoryAdvancesWatermarkAndSkipsZeroDeltas(t *testing.T) {
	st := openTestStore(t)
	script := sh(1)
	entries := [][]types.BalanceEntry{
		{
			{Script: script, Height: 10, Delta: 500, Balance: 500},
			{Script: script, Height: 10, Delta: 0, Balance: 500}, // should not be written
		},
	}
	if err := st.PutHistory(entries, 11); err != nil {
		t.Fatalf("put history: %v", err)
	}
	h, err := st.Watermark()
	if err != nil {
		t.Fatalf("watermark: %v", err)
	}
	if h != 11 {
		t.Fatalf("expected watermark 11, got %d", h)
	}
}

func TestGetBalanceAtReverseSeek(t *testing.T) {
	st := openTestStore(t)
	script := sh(2)
	entries := [][]types.BalanceEntry{
		{
			{Script: script, Height: 10, Delta: 1000, Balance: 1000},
			{Script: script, Height: 20, Delta: -300, Balance: 700},
			{Script: script, Height: 30, Delta: 500, Balance: 1200},
		},
	}
	if err := st.PutHistory(entries, 31); err != nil {
		t.Fatalf("put history: %v", err)
	}

	cases := []struct {
		at      uint32
		balance uint64
	}{
		{5, 0},     // before any entry
		{10, 1000}, // exact match
		{15, 1000}, // between rows
		{20, 700},
		{25, 700},
		{30, 1200},
		{1000, 1200}, // after last entry
	}
	for _, c := range cases {
		e, err := st.GetBalanceAt(script, c.at)
		if err != nil {
			t.Fatalf("GetBalanceAt(%d): %v", c.at, err)
		}
		if e.Balance != c.balance {
			t.Fatalf("GetBalanceAt(%d): got balance %d, want %d", c.at, e.Balance, c.balance)
		}
	}
}

func TestGetBalanceAtUnknownScript(t *testing.T) {
	st := openTestStore(t)
	e, err := st.GetBalanceAt(sh(99), 100)
	if err != nil {
		t.Fatalf("GetBalanceAt: %v", err)
	}
	if e.Balance != 0 {
		t.Fatalf("expected zero balance for unknown script, got %d", e.Balance)
	}
}

func TestGetBalanceInRange(t *testing.T) {
	st := openTestStore(t)
	script := sh(3)
	other := sh(4)
	entries := [][]types.BalanceEntry{
		{
			{Script: script, Height: 10, Delta: 100, Balance: 100},
			{Script: other, Height: 10, Delta: 999, Balance: 999},
			{Script: script, Height: 20, Delta: 50, Balance: 150},
			{Script: script, Height: 30, Delta: -25, Balance: 125},
		},
	}
	if err := st.PutHistory(entries, 31); err != nil {
		t.Fatalf("put history: %v", err)
	}

	rows, err := st.GetBalanceInRange(script, 10, 30)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows in [10,30), got %d", len(rows))
	}
	if rows[0].Height != 10 || rows[1].Height != 20 {
		t.Fatalf("unexpected heights: %+v", rows)
	}
}

func TestUtxoCreateSpendBulk(t *testing.T) {
	st := openTestStore(t)
	op1 := types.OutPoint{Vout: 0}
	op2 := types.OutPoint{Vout: 1}
	op1.Hash[0] = 0x01
	op2.Hash[0] = 0x02

	creates := map[types.OutPoint]types.UtxoValue{
		op1: {Script: sh(1), Sats: 1000},
		op2: {Script: sh(2), Sats: 2000},
	}
	if err := st.UpdateUtxos(creates, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	bulk, err := st.GetUtxosBulk([]types.OutPoint{op1, op2, {Vout: 99}})
	if err != nil {
		t.Fatalf("bulk: %v", err)
	}
	if bulk[0] == nil || bulk[0].Sats != 1000 {
		t.Fatalf("expected op1 resolved, got %+v", bulk[0])
	}
	if bulk[1] == nil || bulk[1].Sats != 2000 {
		t.Fatalf("expected op2 resolved, got %+v", bulk[1])
	}
	if bulk[2] != nil {
		t.Fatalf("expected nil for absent utxo, got %+v", bulk[2])
	}

	if err := st.UpdateUtxos(nil, map[types.OutPoint]struct{}{op1: {}}); err != nil {
		t.Fatalf("spend: %v", err)
	}
	gone, err := st.GetUtxo(op1)
	if err != nil {
		t.Fatalf("get after spend: %v", err)
	}
	if gone != nil {
		t.Fatalf("expected op1 to be gone after spend")
	}
}

func TestGenerateSnapshotOmitsZeroBalances(t *testing.T) {
	st := openTestStore(t)
	zeroed := sh(5)
	nonzero := sh(6)
	entries := [][]types.BalanceEntry{
		{
			{Script: zeroed, Height: 10, Delta: 100, Balance: 100},
			{Script: zeroed, Height: 20, Delta: -100, Balance: 0},
			{Script: nonzero, Height: 15, Delta: 250, Balance: 250},
		},
	}
	if err := st.PutHistory(entries, 21); err != nil {
		t.Fatalf("put history: %v", err)
	}

	var got []types.BalanceEntry
	err := st.GenerateSnapshot(100, func(batch []types.BalanceEntry) error {
		got = append(got, batch...)
		return nil
	})
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 nonzero-balance script in snapshot, got %d: %+v", len(got), got)
	}
	if got[0].Script != nonzero || got[0].Balance != 250 {
		t.Fatalf("unexpected snapshot row: %+v", got[0])
	}
}

func TestGenerateSnapshotRespectsTargetHeight(t *testing.T) {
	st := openTestStore(t)
	script := sh(7)
	entries := [][]types.BalanceEntry{
		{
			{Script: script, Height: 10, Delta: 100, Balance: 100},
			{Script: script, Height: 50, Delta: 400, Balance: 500},
		},
	}
	if err := st.PutHistory(entries, 51); err != nil {
		t.Fatalf("put history: %v", err)
	}

	var got []types.BalanceEntry
	err := st.GenerateSnapshot(20, func(batch []types.BalanceEntry) error {
		got = append(got, batch...)
		return nil
	})
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(got) != 1 || got[0].Balance != 100 {
		t.Fatalf("expected snapshot at height 20 to see balance 100, got %+v", got)
	}
}
