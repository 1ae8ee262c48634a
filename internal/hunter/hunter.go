// Package hunter turns liquidation events into entry orders.
//
// The premise: a large forced liquidation overshoots fair price, and the
// first resting order on the other side gets filled at a discount. A
// SELL liquidation (longs being force-closed) therefore biases LONG; a
// BUY liquidation biases SHORT.
//
// Every candidate entry walks a gate chain, and any gate may veto:
//
//	volume threshold -> pending uniqueness -> position count ->
//	notional exposure -> balance risk -> VWAP band -> slippage
//
// Entries that pass are placed as post-only limit orders just inside the
// book (or as market orders when configured), registered in the pending
// ledger under a temporary key, and re-keyed to the venue order id on
// acknowledgment. A reaper expires pending entries that never resolve.
package hunter

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"aster-hunter/internal/config"
	"aster-hunter/internal/events"
	"aster-hunter/internal/exchange"
	"aster-hunter/internal/market"
	"aster-hunter/internal/metrics"
	"aster-hunter/pkg/types"
)

const (
	// Pending entries are swept every reapInterval and expire after
	// pendingTTL without a terminal order update.
	reapInterval = 30 * time.Second
	pendingTTL   = 5 * time.Minute
)

// Exchange is the slice of the REST client the hunter needs.
type Exchange interface {
	PlaceOrder(ctx context.Context, req types.OrderRequest, prio types.Priority) (*types.OrderResponse, error)
	OpenOrders(ctx context.Context, symbol string, prio types.Priority) ([]types.OpenOrder, error)
	BookTicker(ctx context.Context, symbol string, prio types.Priority) (*types.BookTicker, error)
	Klines(ctx context.Context, symbol, interval string, limit int) ([]types.Kline, error)
}

// PositionView is what the hunter needs to know about account state. The
// position manager implements it.
type PositionView interface {
	// OpenCount returns the number of tracked positions.
	OpenCount() int
	// Notional returns the tracked notional exposure for one symbol.
	Notional(symbol string) float64
	// AvailableBalance returns the last known available USDT balance, 0
	// when unknown.
	AvailableBalance() float64
	// RecordPaperFill creates a simulated position in paper mode.
	RecordPaperFill(symbol string, direction types.PositionSide, qty, price float64)
}

// pendingEntry is one in-flight entry order. The ledger key doubles as
// the uniqueness guard: one pending entry per (symbol, direction).
type pendingEntry struct {
	id        string // temp_<ts>_<symbol>_<side>, then the venue order id
	orderID   int64  // 0 until acknowledged
	symbol    string
	direction types.PositionSide
	notional  float64
	createdAt time.Time
}

// Hunter consumes liquidations and opens counter-positions.
type Hunter struct {
	cfg       *config.Config
	ex        Exchange
	marks     *market.Marks
	registry  *market.Registry
	positions PositionView
	bus       *events.Bus
	logger    *slog.Logger
	now       func() time.Time

	// mode is the venue-confirmed position mode, set once before Run.
	mode types.PositionMode

	mu      sync.Mutex
	pending map[string]*pendingEntry // key: symbol_DIRECTION
}

// New creates a hunter. SetPositionMode must be called with the
// venue-confirmed mode before Run.
func New(cfg *config.Config, ex Exchange, marks *market.Marks, registry *market.Registry, positions PositionView, bus *events.Bus, logger *slog.Logger) *Hunter {
	return &Hunter{
		cfg:       cfg,
		ex:        ex,
		marks:     marks,
		registry:  registry,
		positions: positions,
		bus:       bus,
		logger:    logger.With("component", "hunter"),
		now:       time.Now,
		mode:      cfg.Global.PositionMode,
		pending:   make(map[string]*pendingEntry),
	}
}

// SetPositionMode records the mode the startup check confirmed with the
// venue. Orders built afterwards tag position sides accordingly.
func (h *Hunter) SetPositionMode(mode types.PositionMode) {
	h.mu.Lock()
	h.mode = mode
	h.mu.Unlock()
}

// Run consumes liquidations until ctx is cancelled.
func (h *Hunter) Run(ctx context.Context, liquidations <-chan types.LiquidationEvent) {
	reaper := time.NewTicker(reapInterval)
	defer reaper.Stop()

	h.logger.Info("hunting", "symbols", len(h.cfg.Symbols), "paper", h.cfg.Paper)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-liquidations:
			if !ok {
				return
			}
			h.handleLiquidation(ctx, evt)
		case <-reaper.C:
			h.reapPending(ctx)
		}
	}
}

// OnOrderUpdate resolves pending entries when their order reaches a
// terminal state. Called from the engine's user-stream dispatch.
func (h *Hunter) OnOrderUpdate(upd types.OrderTradeUpdate) {
	switch upd.Status {
	case types.StatusFilled, types.StatusCanceled, types.StatusRejected, types.StatusExpired:
	default:
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for key, p := range h.pending {
		if p.orderID == upd.OrderID && p.orderID != 0 {
			delete(h.pending, key)
			h.logger.Debug("pending entry resolved", "key", key, "status", upd.Status)
			return
		}
	}
}

// PendingCount returns the number of unresolved entry orders.
func (h *Hunter) PendingCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

func (h *Hunter) handleLiquidation(ctx context.Context, evt types.LiquidationEvent) {
	sc, ok := h.cfg.Symbols[evt.Symbol]
	if !ok {
		return
	}

	volume := evt.VolumeUSDT()
	h.bus.Emit(events.TypeLiquidationDetected, events.LiquidationDetected{Event: evt, VolumeUSDT: volume})

	// SELL liquidations flush longs: we buy the dip. BUY liquidations
	// flush shorts: we sell the rip.
	var direction types.PositionSide
	var threshold float64
	if evt.Side == types.SELL {
		direction, threshold = types.PositionLong, sc.LongVolumeUSDT
	} else {
		direction, threshold = types.PositionShort, sc.ShortVolumeUSDT
	}
	if threshold <= 0 || volume < threshold {
		return
	}

	log := h.logger.With("symbol", evt.Symbol, "direction", direction, "volume", volume)

	pendingKey := evt.Symbol + "_" + string(direction)
	h.mu.Lock()
	if _, exists := h.pending[pendingKey]; exists {
		h.mu.Unlock()
		log.Debug("entry already pending")
		return
	}
	pendingCount := len(h.pending)
	h.mu.Unlock()

	if h.positions.OpenCount()+pendingCount >= h.cfg.Global.MaxPositions {
		log.Info("skipping entry: position limit reached", "max", h.cfg.Global.MaxPositions)
		return
	}

	refPrice := h.referencePrice(ctx, evt)
	if refPrice <= 0 {
		log.Warn("no reference price available")
		return
	}

	qty, err := h.registry.ValidateAndAdjustQuantity(evt.Symbol, sc.SizeFor(direction), refPrice)
	if err != nil {
		log.Warn("quantity rejected", "error", err)
		return
	}
	notional := qty * refPrice

	if maxNotional := sc.MaxPositionMarginUSDT * float64(sc.Leverage); maxNotional > 0 {
		if h.positions.Notional(evt.Symbol)+notional > maxNotional {
			log.Info("skipping entry: symbol exposure cap", "cap", maxNotional)
			return
		}
	}

	if avail := h.positions.AvailableBalance(); avail > 0 && h.cfg.Global.RiskPercent > 0 {
		margin := notional / float64(sc.Leverage)
		if margin > avail*h.cfg.Global.RiskPercent/100 {
			log.Info("skipping entry: margin exceeds risk budget",
				"margin", margin, "available", avail, "risk_percent", h.cfg.Global.RiskPercent)
			return
		}
	}

	if sc.VWAPProtection {
		klines, err := h.ex.Klines(ctx, evt.Symbol, sc.VWAPTimeframe, sc.VWAPLookback)
		if err != nil {
			log.Warn("vwap klines unavailable, allowing entry", "error", err)
		} else if vwap := market.VWAP(klines); !market.VWAPAllows(direction, refPrice, vwap, sc.VWAPBandPct) {
			log.Info("skipping entry: outside vwap band", "vwap", vwap, "price", refPrice)
			return
		}
	}

	side := types.BUY
	if direction == types.PositionShort {
		side = types.SELL
	}
	h.bus.Emit(events.TypeTradeOpportunity, events.TradeOpportunity{
		Symbol:     evt.Symbol,
		Side:       side,
		VolumeUSDT: volume,
		Price:      refPrice,
	})

	req, err := h.buildEntry(ctx, sc, evt.Symbol, side, direction, qty, refPrice)
	if err != nil {
		log.Warn("entry rejected", "error", err)
		return
	}

	entry := &pendingEntry{
		id:        fmt.Sprintf("temp_%d_%s_%s", h.now().UnixMilli(), evt.Symbol, side),
		symbol:    evt.Symbol,
		direction: direction,
		notional:  notional,
		createdAt: h.now(),
	}
	h.mu.Lock()
	h.pending[pendingKey] = entry
	h.mu.Unlock()

	resp, err := h.placeWithModeRetry(ctx, req)
	if err != nil {
		h.mu.Lock()
		delete(h.pending, pendingKey)
		h.mu.Unlock()
		log.Error("entry order failed", "error", err)
		metrics.OrdersRejected.WithLabelValues(evt.Symbol, strconv.Itoa(exchange.CodeOf(err))).Inc()
		h.bus.EmitError("hunter", string(exchange.KindOf(err)), evt.Symbol, exchange.CodeOf(err), err.Error())
		return
	}

	h.mu.Lock()
	entry.id = fmt.Sprintf("%d", resp.OrderID)
	entry.orderID = resp.OrderID
	h.mu.Unlock()

	metrics.OrdersPlaced.WithLabelValues(evt.Symbol, string(req.Type)).Inc()
	log.Info("entry placed", "order_id", resp.OrderID, "qty", qty, "price", req.Price, "type", req.Type)
	h.bus.Emit(events.TypePositionOpened, events.PositionOpened{
		Symbol:       evt.Symbol,
		Side:         side,
		PositionSide: req.PositionSide,
		Qty:          qty,
		Price:        req.Price,
		OrderType:    req.Type,
		OrderID:      resp.OrderID,
	})

	if h.cfg.Paper {
		fillPrice := req.Price
		if req.Type == types.OrderMarket {
			fillPrice = refPrice
		}
		h.positions.RecordPaperFill(evt.Symbol, direction, qty, fillPrice)
	}
}

// referencePrice prefers the stream-fed mark mirror and falls back to a
// REST book ticker when the mirror is stale.
func (h *Hunter) referencePrice(ctx context.Context, evt types.LiquidationEvent) float64 {
	if mark, ok := h.marks.Get(evt.Symbol); ok {
		return mark
	}
	ticker, err := h.ex.BookTicker(ctx, evt.Symbol, types.PriorityHigh)
	if err != nil {
		h.logger.Warn("book ticker fallback failed", "symbol", evt.Symbol, "error", err)
		// The liquidation's own average price is the last resort.
		return evt.AvgPrice
	}
	return (ticker.BestBid() + ticker.BestAsk()) / 2
}

// buildEntry assembles the order request, pricing limit orders just
// inside the book and vetoing prices too far from mid.
func (h *Hunter) buildEntry(ctx context.Context, sc config.SymbolConfig, symbol string, side types.Side, direction types.PositionSide, qty, refPrice float64) (types.OrderRequest, error) {
	req := types.OrderRequest{
		Symbol:   symbol,
		Side:     side,
		Type:     sc.OrderType,
		Quantity: qty,
	}
	if h.positionMode() == types.HedgeMode {
		req.PositionSide = direction
	}

	if sc.OrderType == types.OrderMarket {
		return req, nil
	}

	ticker, err := h.ex.BookTicker(ctx, symbol, types.PriorityHigh)
	if err != nil {
		return req, fmt.Errorf("book ticker: %w", err)
	}
	bid, ask := ticker.BestBid(), ticker.BestAsk()
	if bid <= 0 || ask <= 0 {
		return req, fmt.Errorf("empty book for %s", symbol)
	}

	var price float64
	if side == types.BUY {
		price = bid * (1 - sc.PriceOffsetBps/1e4)
	} else {
		price = ask * (1 + sc.PriceOffsetBps/1e4)
	}
	price = h.registry.FormatPrice(symbol, price)

	if sc.MaxSlippageBps > 0 {
		mid := (bid + ask) / 2
		slippageBps := abs(price-mid) / mid * 1e4
		if slippageBps > sc.MaxSlippageBps {
			return req, fmt.Errorf("slippage %.1f bps exceeds limit %.1f", slippageBps, sc.MaxSlippageBps)
		}
	}

	req.Price = price
	req.TimeInForce = "GTC"
	if sc.PostOnly {
		req.TimeInForce = "GTX"
	}
	return req, nil
}

// placeWithModeRetry places the entry, and on a position-side mismatch
// retries once with the opposite mode's tagging. The retry scope is this
// order only; the confirmed mode field is not touched, reconciliation
// owns that.
func (h *Hunter) placeWithModeRetry(ctx context.Context, req types.OrderRequest) (*types.OrderResponse, error) {
	resp, err := h.ex.PlaceOrder(ctx, req, types.PriorityCritical)
	if err == nil || exchange.CodeOf(err) != exchange.CodePositionSideMismatch {
		return resp, err
	}

	retry := req
	if req.PositionSide == "" {
		// Venue is in hedge mode: tag the side.
		if req.Side == types.BUY {
			retry.PositionSide = types.PositionLong
		} else {
			retry.PositionSide = types.PositionShort
		}
	} else {
		// Venue is in one-way mode: drop the tag.
		retry.PositionSide = ""
	}
	h.logger.Warn("position side mismatch, retrying with inferred mode",
		"symbol", req.Symbol, "sent", req.PositionSide, "retry", retry.PositionSide)
	return h.ex.PlaceOrder(ctx, retry, types.PriorityCritical)
}

func (h *Hunter) positionMode() types.PositionMode {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mode
}

// reapPending drops pending entries that never reached a terminal state:
// acknowledged orders no longer open on the venue (a missed stream
// update), and anything past the TTL.
func (h *Hunter) reapPending(ctx context.Context) {
	h.mu.Lock()
	acked := make(map[string][]int64)
	for _, p := range h.pending {
		if p.orderID != 0 {
			acked[p.symbol] = append(acked[p.symbol], p.orderID)
		}
	}
	h.mu.Unlock()

	// Cross-check acknowledged entries against the venue's open orders.
	// Paper mode has no venue-side orders to check.
	liveIDs := make(map[int64]bool)
	checked := make(map[string]bool)
	if !h.cfg.Paper {
		for symbol := range acked {
			open, err := h.ex.OpenOrders(ctx, symbol, types.PriorityLow)
			if err != nil {
				h.logger.Warn("open orders check failed", "symbol", symbol, "error", err)
				continue
			}
			checked[symbol] = true
			for _, o := range open {
				liveIDs[o.OrderID] = true
			}
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	cutoff := h.now().Add(-pendingTTL)
	for key, p := range h.pending {
		switch {
		case p.orderID != 0 && checked[p.symbol] && !liveIDs[p.orderID]:
			delete(h.pending, key)
			h.logger.Info("pending entry resolved off-stream", "key", key, "order_id", p.orderID)
		case p.createdAt.Before(cutoff):
			delete(h.pending, key)
			h.logger.Warn("pending entry expired", "key", key, "id", p.id)
		}
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
