// Package market holds local market state: symbol trading filters, the
// mark-price mirror fed by the websocket, and the VWAP entry gate.
package market

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"aster-hunter/pkg/types"
)

// Fallbacks for symbols missing from exchangeInfo: 4 decimal places for
// prices, 3 for quantities.
var (
	defaultTickSize = decimal.New(1, -4)
	defaultStepSize = decimal.New(1, -3)
)

// SymbolPrecision is one symbol's trading constraints.
type SymbolPrecision struct {
	TickSize    decimal.Decimal
	StepSize    decimal.Decimal
	MinQty      decimal.Decimal
	MaxQty      decimal.Decimal
	MinNotional decimal.Decimal
}

// Registry maps symbols to their precision rules. It is populated once
// from exchangeInfo during startup and read-only afterwards, so lookups
// after Load take no lock.
type Registry struct {
	mu      sync.RWMutex
	symbols map[string]SymbolPrecision
	logger  *slog.Logger
}

// NewRegistry creates an empty registry. Until Load is called every
// lookup falls back to the default precisions.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		symbols: make(map[string]SymbolPrecision),
		logger:  logger.With("component", "precision"),
	}
}

// Load ingests exchangeInfo filters. Later loads replace earlier ones
// wholesale; the engine calls this exactly once at startup.
func (r *Registry) Load(info *types.ExchangeInfo) {
	parsed := make(map[string]SymbolPrecision, len(info.Symbols))
	for _, sym := range info.Symbols {
		p := SymbolPrecision{
			TickSize: defaultTickSize,
			StepSize: defaultStepSize,
		}
		for _, f := range sym.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				if d, err := decimal.NewFromString(f.TickSize); err == nil && d.IsPositive() {
					p.TickSize = d
				}
			case "LOT_SIZE":
				if d, err := decimal.NewFromString(f.StepSize); err == nil && d.IsPositive() {
					p.StepSize = d
				}
				if d, err := decimal.NewFromString(f.MinQty); err == nil {
					p.MinQty = d
				}
				if d, err := decimal.NewFromString(f.MaxQty); err == nil {
					p.MaxQty = d
				}
			case "MIN_NOTIONAL":
				if d, err := decimal.NewFromString(f.MinNotional); err == nil {
					p.MinNotional = d
				}
			}
		}
		parsed[sym.Symbol] = p
	}

	r.mu.Lock()
	r.symbols = parsed
	r.mu.Unlock()
	r.logger.Info("precision rules loaded", "symbols", len(parsed))
}

// Lookup returns the rules for a symbol, or defaults when unknown.
func (r *Registry) Lookup(symbol string) SymbolPrecision {
	r.mu.RLock()
	p, ok := r.symbols[symbol]
	r.mu.RUnlock()
	if !ok {
		return SymbolPrecision{TickSize: defaultTickSize, StepSize: defaultStepSize}
	}
	return p
}

// FormatPrice snaps a price to the symbol's tick. Snapping is to the
// nearest tick and idempotent: a snapped price passes through unchanged.
func (r *Registry) FormatPrice(symbol string, price float64) float64 {
	p := r.Lookup(symbol)
	d := decimal.NewFromFloat(price)
	snapped := d.Div(p.TickSize).Round(0).Mul(p.TickSize)
	f, _ := snapped.Float64()
	return f
}

// FormatQuantity snaps a quantity down to the symbol's step. Rounding
// down never turns a valid quantity into an oversized order.
func (r *Registry) FormatQuantity(symbol string, qty float64) float64 {
	p := r.Lookup(symbol)
	d := decimal.NewFromFloat(qty)
	snapped := d.Div(p.StepSize).Floor().Mul(p.StepSize)
	f, _ := snapped.Float64()
	return f
}

// ValidateAndAdjustQuantity snaps qty to the step, raises it to meet the
// minimum notional at the given price, and enforces the min/max quantity
// bounds. Returns the adjusted quantity.
func (r *Registry) ValidateAndAdjustQuantity(symbol string, qty, price float64) (float64, error) {
	p := r.Lookup(symbol)
	dq := decimal.NewFromFloat(qty).Div(p.StepSize).Floor().Mul(p.StepSize)
	dp := decimal.NewFromFloat(price)

	if dq.Sign() <= 0 {
		return 0, fmt.Errorf("%s: quantity %v rounds to zero at step %v", symbol, qty, p.StepSize)
	}
	if dp.Sign() <= 0 {
		return 0, fmt.Errorf("%s: price must be positive, got %v", symbol, price)
	}

	// Snap UP to the minimum notional: the venue rejects undersized
	// orders outright, and a slightly larger entry is the lesser evil.
	raised := false
	if p.MinNotional.IsPositive() && dq.Mul(dp).LessThan(p.MinNotional) {
		needed := p.MinNotional.Div(dp).Div(p.StepSize).Ceil().Mul(p.StepSize)
		r.logger.Debug("quantity raised to minimum notional",
			"symbol", symbol, "from", dq.String(), "to", needed.String())
		dq = needed
		raised = true
	}

	if p.MinQty.IsPositive() && dq.LessThan(p.MinQty) {
		dq = p.MinQty
	}
	if p.MaxQty.IsPositive() && dq.GreaterThan(p.MaxQty) {
		// A notional snap-up that overshot maxQty can never satisfy both
		// filters; an oversized request is simply capped.
		if raised {
			return 0, fmt.Errorf("%s: minimum notional needs %v, above maximum quantity %v", symbol, dq, p.MaxQty)
		}
		r.logger.Warn("quantity capped at symbol maximum",
			"symbol", symbol, "from", dq.String(), "to", p.MaxQty.String())
		dq = p.MaxQty
	}

	f, _ := dq.Float64()
	return f, nil
}
