package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"aster-hunter/pkg/types"
)

func TestExchangeInfoRoundTrip(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	info := &types.ExchangeInfo{
		Symbols: []types.SymbolInfo{
			{Symbol: "BTCUSDT", Status: "TRADING", Filters: []types.SymbolFilter{
				{FilterType: "PRICE_FILTER", TickSize: "0.10"},
			}},
		},
	}
	if err := s.SaveExchangeInfo(info); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := s.LoadExchangeInfo()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded == nil || len(loaded.Symbols) != 1 || loaded.Symbols[0].Symbol != "BTCUSDT" {
		t.Errorf("loaded = %+v", loaded)
	}
}

func TestExchangeInfoMissingReturnsNil(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	loaded, err := s.LoadExchangeInfo()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded != nil {
		t.Errorf("loaded = %+v, want nil", loaded)
	}
}

func TestExchangeInfoExpiresAfter24h(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}

	stale := cachedExchangeInfo{
		FetchedAt: time.Now().Add(-25 * time.Hour),
		Info:      types.ExchangeInfo{Symbols: []types.SymbolInfo{{Symbol: "BTCUSDT"}}},
	}
	data, _ := json.Marshal(stale)
	if err := os.WriteFile(filepath.Join(dir, exchangeInfoFile), data, 0o600); err != nil {
		t.Fatal(err)
	}

	loaded, err := s.LoadExchangeInfo()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded != nil {
		t.Error("stale cache must not be returned")
	}
}

func TestProtectiveOrdersRoundTrip(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	// Fresh store: empty map, not nil.
	orders, err := s.LoadProtectiveOrders()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if orders == nil || len(orders) != 0 {
		t.Errorf("fresh load = %v", orders)
	}

	orders["BTCUSDT_LONG_BOTH"] = ProtectionRecord{
		Symbol:       "BTCUSDT",
		PositionSide: types.PositionBoth,
		SLOrderID:    101,
		TPOrderID:    102,
		EntryPrice:   49975,
		SavedAt:      time.Now(),
	}
	if err := s.SaveProtectiveOrders(orders); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := s.LoadProtectiveOrders()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	rec, ok := loaded["BTCUSDT_LONG_BOTH"]
	if !ok {
		t.Fatalf("key missing, loaded = %v", loaded)
	}
	if rec.SLOrderID != 101 || rec.TPOrderID != 102 || rec.EntryPrice != 49975 {
		t.Errorf("record = %+v", rec)
	}
}

func TestWriteIsAtomic(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveProtectiveOrders(ProtectiveOrders{}); err != nil {
		t.Fatal(err)
	}
	// No temp file may be left behind after a successful save.
	if _, err := os.Stat(filepath.Join(dir, protectionFile+".tmp")); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
}
