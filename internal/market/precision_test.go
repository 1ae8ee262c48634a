package market

import (
	"log/slog"
	"testing"
	"time"

	"aster-hunter/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(testLogger())
	r.Load(&types.ExchangeInfo{
		Symbols: []types.SymbolInfo{
			{
				Symbol: "BTCUSDT",
				Status: "TRADING",
				Filters: []types.SymbolFilter{
					{FilterType: "PRICE_FILTER", TickSize: "0.10"},
					{FilterType: "LOT_SIZE", StepSize: "0.001", MinQty: "0.001", MaxQty: "1000"},
					{FilterType: "MIN_NOTIONAL", MinNotional: "100"},
				},
			},
			{
				Symbol: "DOGEUSDT",
				Status: "TRADING",
				Filters: []types.SymbolFilter{
					{FilterType: "PRICE_FILTER", TickSize: "0.00001"},
					{FilterType: "LOT_SIZE", StepSize: "1", MinQty: "1", MaxQty: "10000000"},
					{FilterType: "MIN_NOTIONAL", MinNotional: "5"},
				},
			},
		},
	})
	return r
}

func TestFormatPriceSnapsToTick(t *testing.T) {
	t.Parallel()
	r := testRegistry(t)

	cases := []struct {
		symbol string
		in     float64
		want   float64
	}{
		{"BTCUSDT", 49975.04, 49975.0},
		{"BTCUSDT", 49975.07, 49975.1},
		{"BTCUSDT", 50000, 50000},
		{"DOGEUSDT", 0.123456, 0.12346},
	}
	for _, tc := range cases {
		if got := r.FormatPrice(tc.symbol, tc.in); got != tc.want {
			t.Errorf("FormatPrice(%s, %v) = %v, want %v", tc.symbol, tc.in, got, tc.want)
		}
	}
}

func TestFormatPriceIdempotent(t *testing.T) {
	t.Parallel()
	r := testRegistry(t)

	once := r.FormatPrice("BTCUSDT", 49975.0377)
	twice := r.FormatPrice("BTCUSDT", once)
	if once != twice {
		t.Errorf("formatting not idempotent: %v then %v", once, twice)
	}
}

func TestFormatQuantityFloorsToStep(t *testing.T) {
	t.Parallel()
	r := testRegistry(t)

	if got := r.FormatQuantity("BTCUSDT", 0.0019); got != 0.001 {
		t.Errorf("FormatQuantity = %v, want 0.001", got)
	}
	if got := r.FormatQuantity("DOGEUSDT", 150.9); got != 150 {
		t.Errorf("FormatQuantity = %v, want 150", got)
	}
	once := r.FormatQuantity("BTCUSDT", 0.0019)
	if twice := r.FormatQuantity("BTCUSDT", once); once != twice {
		t.Errorf("formatting not idempotent: %v then %v", once, twice)
	}
}

func TestUnknownSymbolUsesDefaults(t *testing.T) {
	t.Parallel()
	r := NewRegistry(testLogger())

	// 4 price decimals, 3 quantity decimals.
	if got := r.FormatPrice("XYZUSDT", 1.23456789); got != 1.2346 {
		t.Errorf("default price precision: got %v, want 1.2346", got)
	}
	if got := r.FormatQuantity("XYZUSDT", 0.123456); got != 0.123 {
		t.Errorf("default quantity precision: got %v, want 0.123", got)
	}
}

func TestValidateAndAdjustQuantityNotionalSnapUp(t *testing.T) {
	t.Parallel()
	r := testRegistry(t)

	// 0.001 BTC at 50000 = 50 USDT, below the 100 USDT minimum: raised
	// to 0.002.
	got, err := r.ValidateAndAdjustQuantity("BTCUSDT", 0.001, 50000)
	if err != nil {
		t.Fatalf("ValidateAndAdjustQuantity: %v", err)
	}
	if got != 0.002 {
		t.Errorf("adjusted qty = %v, want 0.002", got)
	}

	// Already above the minimum: only step-snapped.
	got, err = r.ValidateAndAdjustQuantity("BTCUSDT", 0.00299, 50000)
	if err != nil {
		t.Fatalf("ValidateAndAdjustQuantity: %v", err)
	}
	if got != 0.002 {
		t.Errorf("adjusted qty = %v, want 0.002", got)
	}
}

func TestValidateAndAdjustQuantityBounds(t *testing.T) {
	t.Parallel()
	r := testRegistry(t)

	if _, err := r.ValidateAndAdjustQuantity("BTCUSDT", 0.0001, 50000); err == nil {
		t.Error("sub-step quantity must error, not round to zero silently")
	}
	// Oversized requests are capped at maxQty, not rejected.
	got, err := r.ValidateAndAdjustQuantity("BTCUSDT", 2000, 50000)
	if err != nil {
		t.Errorf("quantity above maxQty: %v", err)
	}
	if got != 1000 {
		t.Errorf("capped qty = %v, want 1000", got)
	}
	// Unless the minimum-notional snap-up itself overshoots the cap: no
	// quantity can satisfy both filters then.
	if _, err := r.ValidateAndAdjustQuantity("BTCUSDT", 0.001, 0.00001); err == nil {
		t.Error("notional snap-up past maxQty must error")
	}
	if _, err := r.ValidateAndAdjustQuantity("BTCUSDT", 0.01, 0); err == nil {
		t.Error("zero price must error")
	}
}

func TestMarksStaleness(t *testing.T) {
	t.Parallel()
	m := NewMarks()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	m.now = func() time.Time { return now }

	if _, ok := m.Get("BTCUSDT"); ok {
		t.Error("empty mirror returned a price")
	}

	m.Update(types.MarkPriceUpdate{Symbol: "BTCUSDT", MarkPrice: 50010.5, EventTime: base})
	if price, ok := m.Get("BTCUSDT"); !ok || price != 50010.5 {
		t.Errorf("Get = (%v, %v), want (50010.5, true)", price, ok)
	}

	now = base.Add(9 * time.Second)
	if _, ok := m.Get("BTCUSDT"); !ok {
		t.Error("9s-old mark must still be fresh")
	}

	now = base.Add(11 * time.Second)
	if _, ok := m.Get("BTCUSDT"); ok {
		t.Error("11s-old mark must be stale")
	}
}

func TestVWAP(t *testing.T) {
	t.Parallel()
	klines := []types.Kline{
		{High: 102, Low: 98, Close: 100, Volume: 10},  // typical 100
		{High: 112, Low: 108, Close: 110, Volume: 30}, // typical 110
	}
	// (100*10 + 110*30) / 40 = 107.5
	if got := VWAP(klines); got != 107.5 {
		t.Errorf("VWAP = %v, want 107.5", got)
	}
	if got := VWAP(nil); got != 0 {
		t.Errorf("empty VWAP = %v, want 0", got)
	}
}

func TestVWAPAllows(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name      string
		direction types.PositionSide
		price     float64
		vwap      float64
		band      float64
		want      bool
	}{
		{"long at vwap", types.PositionLong, 100, 100, 1, true},
		{"long inside band", types.PositionLong, 99.1, 100, 1, true},
		{"long far below band", types.PositionLong, 98.5, 100, 1, false},
		{"long above vwap", types.PositionLong, 105, 100, 1, true},
		{"short at vwap", types.PositionShort, 100, 100, 1, true},
		{"short inside band", types.PositionShort, 100.9, 100, 1, true},
		{"short far above band", types.PositionShort, 101.5, 100, 1, false},
		{"short below vwap", types.PositionShort, 95, 100, 1, true},
		{"no vwap data", types.PositionLong, 98.5, 0, 1, true},
	}
	for _, tc := range cases {
		if got := VWAPAllows(tc.direction, tc.price, tc.vwap, tc.band); got != tc.want {
			t.Errorf("%s: VWAPAllows = %v, want %v", tc.name, got, tc.want)
		}
	}
}
