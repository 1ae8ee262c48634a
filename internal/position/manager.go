// Package position owns every open position: tracking, reconciliation
// against the venue, and the stop-loss/take-profit lifecycle.
//
// State lives in one mutex-guarded map keyed by symbol_DIRECTION_TAG
// (e.g. BTCUSDT_LONG_BOTH in one-way mode). Three inputs mutate it:
//
//   - ACCOUNT_UPDATE deltas from the user stream (event-driven);
//   - ORDER_TRADE_UPDATE fills of protective orders;
//   - periodic reconciliation against GET positionRisk, which is the
//     source of truth when the stream and the map disagree.
//
// Invariant: every tracked position has a stop-loss and take-profit
// working on the venue, placed as a STOP_MARKET/TAKE_PROFIT_MARKET batch
// at CRITICAL priority. A position whose stop-loss cannot be placed is
// flagged and retried every cycle; it is never silently left naked.
package position

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
	"aster-hunter/internal/store"
	"aster-hunter/pkg/types"
)

const (
	reconcileInterval = 30 * time.Second

	// A take-profit that would trigger immediately is nudged just past
	// the current mark instead of being dropped.
	tpNudgePct = 0.3
	// A stop-loss rejected with "would trigger immediately" is retried
	// once this much further from the price.
	slBroadenPct = 0.5
	// A position that ran past this multiple of its take-profit target
	// has a dead TP order; close it at market.
	sweepMultiple = 1.5
)

// Exchange is the slice of the REST client the manager needs.
type Exchange interface {
	PlaceOrder(ctx context.Context, req types.OrderRequest, prio types.Priority) (*types.OrderResponse, error)
	PlaceBatchOrders(ctx context.Context, reqs []types.OrderRequest, prio types.Priority) ([]types.OrderResponse, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64, prio types.Priority) error
	OpenOrders(ctx context.Context, symbol string, prio types.Priority) ([]types.OpenOrder, error)
	PositionRisk(ctx context.Context, symbol string, prio types.Priority) ([]types.PositionRisk, error)
	Balances(ctx context.Context, prio types.Priority) ([]types.Balance, error)
}

// tracked is one live position plus its protection state.
type tracked struct {
	pos       types.Position
	slOrderID int64
	tpOrderID int64
	// missingProtection marks a position whose stop-loss placement
	// failed after the broadened retry. Surfaced every cycle until it
	// resolves.
	missingProtection bool
}

// Manager tracks positions and enforces the protection invariant.
type Manager struct {
	cfg      *config.Config
	ex       Exchange
	marks    *market.Marks
	registry *market.Registry
	bus      *events.Bus
	db       *store.Store // nil disables persistence
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	mode      types.PositionMode
	tracked   map[string]*tracked
	restored  store.ProtectiveOrders // loaded at startup, consumed on adoption
	available float64

	reconcileCh chan struct{}
}

// New creates a manager. Restore should be called before Run when a
// store is configured.
func New(cfg *config.Config, ex Exchange, marks *market.Marks, registry *market.Registry, bus *events.Bus, db *store.Store, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:         cfg,
		ex:          ex,
		marks:       marks,
		registry:    registry,
		bus:         bus,
		db:          db,
		logger:      logger.With("component", "position"),
		now:         time.Now,
		mode:        cfg.Global.PositionMode,
		tracked:     make(map[string]*tracked),
		restored:    make(store.ProtectiveOrders),
		reconcileCh: make(chan struct{}, 1),
	}
}

// SetPositionMode records the venue-confirmed mode.
func (m *Manager) SetPositionMode(mode types.PositionMode) {
	m.mu.Lock()
	m.mode = mode
	m.mu.Unlock()
}

// Restore loads persisted protective-order associations. They are
// re-attached when reconciliation adopts the matching positions.
func (m *Manager) Restore() error {
	if m.db == nil {
		return nil
	}
	restored, err := m.db.LoadProtectiveOrders()
	if err != nil {
		return fmt.Errorf("restore protective orders: %w", err)
	}
	m.mu.Lock()
	m.restored = restored
	m.mu.Unlock()
	if len(restored) > 0 {
		m.logger.Info("restored protective order associations", "count", len(restored))
	}
	return nil
}

// Run reconciles on a fixed interval and whenever an account event pokes
// the trigger channel.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	// Initial pass so protection exists before the first tick.
	m.Reconcile(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Reconcile(ctx)
		case <-m.reconcileCh:
			m.Reconcile(ctx)
		}
	}
}

// ———————————————————————————————————————————————————————————————————————
// PositionView (consumed by the hunter)
// ———————————————————————————————————————————————————————————————————————

// OpenCount returns the number of tracked positions.
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracked)
}

// Notional returns the tracked notional exposure for one symbol.
func (m *Manager) Notional(symbol string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total float64
	for _, t := range m.tracked {
		if t.pos.Symbol != symbol {
			continue
		}
		price := t.pos.MarkPrice
		if price <= 0 {
			price = t.pos.EntryPrice
		}
		total += t.pos.AbsAmount() * price
	}
	return total
}

// AvailableBalance returns the last known available USDT balance.
func (m *Manager) AvailableBalance() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

// RecordPaperFill creates a simulated position and protects it. Paper
// mode has no user stream, so entry acknowledgments stand in for fills.
func (m *Manager) RecordPaperFill(symbol string, direction types.PositionSide, qty, price float64) {
	amount := qty
	if direction == types.PositionShort {
		amount = -qty
	}
	tag := types.PositionBoth
	if m.positionMode() == types.HedgeMode {
		tag = direction
	}
	sc := m.cfg.Symbols[symbol]
	pos := types.Position{
		Symbol:       symbol,
		PositionSide: tag,
		Amount:       amount,
		EntryPrice:   price,
		MarkPrice:    price,
		Leverage:     sc.Leverage,
		UpdatedAt:    m.now(),
	}
	key := pos.Key()

	m.mu.Lock()
	m.tracked[key] = &tracked{pos: pos}
	m.mu.Unlock()
	m.logger.Info("paper fill recorded", "key", key, "qty", qty, "price", price)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m.protectAll(ctx)
}

// ———————————————————————————————————————————————————————————————————————
// Stream inputs
// ———————————————————————————————————————————————————————————————————————

// ApplyAccountUpdate folds balance and position deltas into the tracked
// map. Only keys named in the update are touched: a delta for one symbol
// never disturbs the tracked protective orders of another.
func (m *Manager) ApplyAccountUpdate(upd types.AccountUpdate) {
	var balEvents []events.BalanceUpdate
	m.mu.Lock()
	var closed []string
	for _, b := range upd.Balances {
		if b.Asset != "USDT" {
			continue
		}
		m.available = b.CrossWalletBalance
		balEvents = append(balEvents, events.BalanceUpdate{
			Asset:     b.Asset,
			Balance:   b.WalletBalance,
			Available: b.CrossWalletBalance,
			Change:    b.BalanceChange,
		})
	}

	for _, d := range upd.Positions {
		if d.PositionAmt == 0 {
			// One-way deltas tag BOTH regardless of the closed
			// direction; clear every tracked key on this symbol+tag.
			for key, t := range m.tracked {
				if t.pos.Symbol == d.Symbol && t.pos.PositionSide == d.PositionSide {
					closed = append(closed, key)
				}
			}
			continue
		}

		pos := types.Position{
			Symbol:        d.Symbol,
			PositionSide:  d.PositionSide,
			Amount:        d.PositionAmt,
			EntryPrice:    d.EntryPrice,
			UnrealizedPnL: d.UnrealizedPnL,
			UpdatedAt:     upd.EventTime,
		}
		if sc, ok := m.cfg.Symbols[d.Symbol]; ok {
			pos.Leverage = sc.Leverage
		}
		if mark, ok := m.marks.Get(d.Symbol); ok {
			pos.MarkPrice = mark
		}
		key := pos.Key()
		if existing, ok := m.tracked[key]; ok {
			existing.pos = pos
		} else {
			m.tracked[key] = &tracked{pos: pos}
			m.logger.Info("position opened", "key", key, "amount", d.PositionAmt, "entry", d.EntryPrice)
		}
	}
	m.mu.Unlock()

	for _, evt := range balEvents {
		m.bus.Emit(events.TypeBalanceUpdate, evt)
	}
	for _, key := range closed {
		m.closeTracked(key, "external", 0)
	}
	m.poke()
}

// ApplyOrderUpdate reacts to protective-order lifecycle events.
func (m *Manager) ApplyOrderUpdate(upd types.OrderTradeUpdate) {
	m.mu.Lock()
	var hitKey string
	var siblingID int64
	var reason string
	for key, t := range m.tracked {
		switch upd.OrderID {
		case 0:
			continue
		case t.slOrderID:
			switch upd.Status {
			case types.StatusFilled:
				hitKey, siblingID, reason = key, t.tpOrderID, "sl_hit"
			case types.StatusCanceled, types.StatusExpired:
				t.slOrderID = 0
			}
		case t.tpOrderID:
			switch upd.Status {
			case types.StatusFilled:
				hitKey, siblingID, reason = key, t.slOrderID, "tp_hit"
			case types.StatusCanceled, types.StatusExpired:
				t.tpOrderID = 0
			}
		}
	}
	m.mu.Unlock()

	if hitKey != "" {
		if siblingID != 0 {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := m.ex.CancelOrder(ctx, upd.Symbol, siblingID, types.PriorityCritical); err != nil {
				m.logger.Warn("cancel sibling protective order", "order_id", siblingID, "error", err)
			}
			cancel()
		}
		m.closeTracked(hitKey, reason, upd.RealizedProfit)
	}
	m.poke()
}

// ———————————————————————————————————————————————————————————————————————
// Reconciliation
// ———————————————————————————————————————————————————————————————————————

// Reconcile pulls venue truth, diffs it against the tracked map, then
// enforces the protection invariant and the sweep rule.
func (m *Manager) Reconcile(ctx context.Context) {
	risks, err := m.ex.PositionRisk(ctx, "", types.PriorityHigh)
	if err != nil {
		m.logger.Error("position reconciliation failed", "error", err)
		return
	}
	if bals, err := m.ex.Balances(ctx, types.PriorityMedium); err == nil {
		for _, b := range bals {
			if b.Asset == "USDT" {
				if avail, err := strconv.ParseFloat(b.AvailableBalance, 64); err == nil {
					m.mu.Lock()
					m.available = avail
					m.mu.Unlock()
				}
			}
		}
	}

	live := make(map[string]types.Position, len(risks))
	for _, r := range risks {
		if pos, ok := r.ToPosition(); ok {
			live[pos.Key()] = pos
		}
	}

	type orphan struct {
		key    string
		symbol string
		ids    []int64
	}
	m.mu.Lock()
	var gone []orphan
	for key, t := range m.tracked {
		if _, ok := live[key]; !ok && !m.cfg.Paper {
			o := orphan{key: key, symbol: t.pos.Symbol}
			for _, id := range []int64{t.slOrderID, t.tpOrderID} {
				if id != 0 {
					o.ids = append(o.ids, id)
				}
			}
			gone = append(gone, o)
		}
	}
	for key, pos := range live {
		if sc, ok := m.cfg.Symbols[pos.Symbol]; ok && pos.Leverage == 0 {
			pos.Leverage = sc.Leverage
		}
		if existing, ok := m.tracked[key]; ok {
			existing.pos = pos
			continue
		}
		t := &tracked{pos: pos}
		if rec, ok := m.restored[key]; ok {
			t.slOrderID, t.tpOrderID = rec.SLOrderID, rec.TPOrderID
			delete(m.restored, key)
			m.logger.Info("re-attached protective orders", "key", key, "sl", rec.SLOrderID, "tp", rec.TPOrderID)
		}
		m.tracked[key] = t
		m.logger.Info("position adopted", "key", key, "amount", pos.Amount)
	}
	m.mu.Unlock()

	for _, o := range gone {
		// The position is gone but its protective orders may still be
		// working; left alone they would open a fresh position on trigger.
		for _, id := range o.ids {
			if err := m.ex.CancelOrder(ctx, o.symbol, id, types.PriorityCritical); err != nil {
				m.logger.Warn("cancel orphan protective order", "order_id", id, "error", err)
			}
		}
		m.closeTracked(o.key, "external", 0)
	}

	m.verifyProtection(ctx)
	m.protectAll(ctx)
	m.sweepStuck(ctx)
	m.emitPositionUpdates()
	m.persist()
}

// verifyProtection checks that every tracked stop-loss and take-profit
// id is still working on the venue. An id the stream never reported as
// terminal can still be gone (manual cancel, venue-side expiry); a
// tracked id the venue no longer holds is cleared so protectAll
// re-places it. A failed open-orders read keeps the ids as they are.
func (m *Manager) verifyProtection(ctx context.Context) {
	if m.cfg.Paper {
		return
	}
	m.mu.Lock()
	symbols := make(map[string]bool)
	for _, t := range m.tracked {
		if t.slOrderID != 0 || t.tpOrderID != 0 {
			symbols[t.pos.Symbol] = true
		}
	}
	m.mu.Unlock()

	liveIDs := make(map[int64]bool)
	checked := make(map[string]bool)
	for symbol := range symbols {
		open, err := m.ex.OpenOrders(ctx, symbol, types.PriorityHigh)
		if err != nil {
			m.logger.Warn("open orders check failed", "symbol", symbol, "error", err)
			continue
		}
		checked[symbol] = true
		for _, o := range open {
			liveIDs[o.OrderID] = true
		}
	}

	m.mu.Lock()
	for key, t := range m.tracked {
		if !checked[t.pos.Symbol] {
			continue
		}
		if t.slOrderID != 0 && !liveIDs[t.slOrderID] {
			m.logger.Warn("tracked stop-loss missing from venue", "key", key, "order_id", t.slOrderID)
			t.slOrderID = 0
		}
		if t.tpOrderID != 0 && !liveIDs[t.tpOrderID] {
			m.logger.Warn("tracked take-profit missing from venue", "key", key, "order_id", t.tpOrderID)
			t.tpOrderID = 0
		}
	}
	m.mu.Unlock()
}

// protectAll places missing protective orders for every tracked
// position.
func (m *Manager) protectAll(ctx context.Context) {
	m.mu.Lock()
	keys := make([]string, 0, len(m.tracked))
	for key, t := range m.tracked {
		if t.slOrderID == 0 || t.tpOrderID == 0 {
			keys = append(keys, key)
		}
	}
	m.mu.Unlock()

	for _, key := range keys {
		m.ensureProtection(ctx, key)
	}

	m.mu.Lock()
	missing := 0
	for _, t := range m.tracked {
		if t.missingProtection {
			missing++
		}
	}
	count := len(m.tracked)
	m.mu.Unlock()
	metrics.PositionsOpen.Set(float64(count))
	metrics.ProtectionMissing.Set(float64(missing))
}

// ensureProtection builds and places the missing SL/TP orders for one
// position as a CRITICAL batch.
func (m *Manager) ensureProtection(ctx context.Context, key string) {
	m.mu.Lock()
	t, ok := m.tracked[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	pos := t.pos
	needSL := t.slOrderID == 0
	needTP := t.tpOrderID == 0
	mode := m.mode
	m.mu.Unlock()

	sc, ok := m.cfg.Symbols[pos.Symbol]
	if !ok {
		return
	}

	direction := pos.Direction()
	exitSide := types.SELL
	slPrice := pos.EntryPrice * (1 - sc.SLPercent/100)
	tpPrice := pos.EntryPrice * (1 + sc.TPPercent/100)
	if direction == types.PositionShort {
		exitSide = types.BUY
		slPrice = pos.EntryPrice * (1 + sc.SLPercent/100)
		tpPrice = pos.EntryPrice * (1 - sc.TPPercent/100)
	}
	slPrice = m.registry.FormatPrice(pos.Symbol, slPrice)
	tpPrice = m.registry.FormatPrice(pos.Symbol, tpPrice)

	if mark, ok := m.marks.Get(pos.Symbol); ok && pos.EntryPrice > 0 {
		// Already at or past the take-profit target: the win is on the
		// table, take it at market instead of racing a trigger order.
		if needTP {
			movePct := (mark - pos.EntryPrice) / pos.EntryPrice * 100
			if direction == types.PositionShort {
				movePct = -movePct
			}
			if movePct >= sc.TPPercent {
				m.logger.Info("take-profit target already reached, closing at market",
					"key", key, "move_pct", movePct)
				m.autoClose(ctx, key, "auto_close")
				return
			}
		}
		// Tick rounding can still leave the snapped TP at or inside the
		// mark; such an order would be rejected, nudge it just past.
		if direction == types.PositionLong && tpPrice <= mark {
			tpPrice = m.registry.FormatPrice(pos.Symbol, mark*(1+tpNudgePct/100))
		} else if direction == types.PositionShort && tpPrice >= mark {
			tpPrice = m.registry.FormatPrice(pos.Symbol, mark*(1-tpNudgePct/100))
		}
	}

	protective := func(orderType types.OrderType, stopPrice float64) types.OrderRequest {
		req := types.OrderRequest{
			Symbol:        pos.Symbol,
			Side:          exitSide,
			Type:          orderType,
			StopPrice:     stopPrice,
			ClosePosition: true,
			WorkingType:   "MARK_PRICE",
			PriceProtect:  true,
		}
		if mode == types.HedgeMode {
			req.PositionSide = pos.PositionSide
			// closePosition is a one-way convenience; hedge legs close
			// by side+positionSide with the full quantity reduce-only.
			req.ClosePosition = false
			req.Quantity = pos.AbsAmount()
			req.ReduceOnly = true
		}
		return req
	}

	var batch []types.OrderRequest
	var slots []string
	if needSL {
		batch = append(batch, protective(types.OrderStopMarket, slPrice))
		slots = append(slots, "sl")
	}
	if needTP {
		batch = append(batch, protective(types.OrderTakeProfitMarket, tpPrice))
		slots = append(slots, "tp")
	}
	if len(batch) == 0 {
		return
	}

	resps, err := m.ex.PlaceBatchOrders(ctx, batch, types.PriorityCritical)
	if err != nil {
		m.logger.Error("protective batch failed", "key", key, "error", err)
		m.markUnprotected(key, needSL)
		return
	}

	slFailed := false
	for i, resp := range resps {
		if i >= len(slots) {
			break
		}
		if !resp.Rejected() {
			m.setProtection(key, slots[i], resp.OrderID)
			m.logger.Info("protective order placed",
				"key", key, "slot", slots[i], "order_id", resp.OrderID, "stop", batch[i].StopPrice)
			continue
		}

		m.logger.Warn("protective order rejected",
			"key", key, "slot", slots[i], "code", resp.Code, "msg", resp.Msg)
		metrics.OrdersRejected.WithLabelValues(pos.Symbol, strconv.Itoa(resp.Code)).Inc()
		switch slots[i] {
		case "tp":
			if resp.Code == exchange.CodeWouldTriggerImmediately {
				// Price already ran past the target: take the profit at
				// market instead of fighting the trigger check.
				m.autoClose(ctx, key, "auto_close")
				return
			}
		case "sl":
			if resp.Code == exchange.CodeWouldTriggerImmediately && m.retryBroaderStop(ctx, key, batch[i], direction) {
				continue
			}
			slFailed = true
		}
	}

	if slFailed {
		m.markUnprotected(key, true)
		m.bus.EmitError("position", string(exchange.KindState), pos.Symbol, 0,
			fmt.Sprintf("MISSING_PROTECTION: position %s has no working stop-loss", key))
	}
}

// retryBroaderStop re-places a rejected stop-loss further from the
// price. One retry; after that the position is flagged and the next
// cycle tries again from scratch.
func (m *Manager) retryBroaderStop(ctx context.Context, key string, req types.OrderRequest, direction types.PositionSide) bool {
	factor := 1 - slBroadenPct/100
	if direction == types.PositionShort {
		factor = 1 + slBroadenPct/100
	}
	req.StopPrice = m.registry.FormatPrice(req.Symbol, req.StopPrice*factor)

	resp, err := m.ex.PlaceOrder(ctx, req, types.PriorityCritical)
	if err != nil || resp.Rejected() {
		m.logger.Error("broadened stop-loss also rejected", "key", key, "error", err)
		return false
	}
	m.setProtection(key, "sl", resp.OrderID)
	m.logger.Warn("stop-loss placed broadened", "key", key, "order_id", resp.OrderID, "stop", req.StopPrice)
	return true
}

// sweepStuck closes positions whose price ran far past the take-profit
// target; whatever TP order exists is clearly not working.
func (m *Manager) sweepStuck(ctx context.Context) {
	m.mu.Lock()
	var stuck []string
	for key, t := range m.tracked {
		sc, ok := m.cfg.Symbols[t.pos.Symbol]
		if !ok {
			continue
		}
		mark, ok := m.marks.Get(t.pos.Symbol)
		if !ok || t.pos.EntryPrice <= 0 {
			continue
		}
		movePct := (mark - t.pos.EntryPrice) / t.pos.EntryPrice * 100
		if t.pos.Direction() == types.PositionShort {
			movePct = -movePct
		}
		if movePct >= sweepMultiple*sc.TPPercent {
			stuck = append(stuck, key)
		}
	}
	m.mu.Unlock()

	for _, key := range stuck {
		m.logger.Warn("position ran past take-profit, sweeping", "key", key)
		m.autoClose(ctx, key, "auto_close")
	}
}

// autoClose exits a position at market and cancels its protection.
func (m *Manager) autoClose(ctx context.Context, key, reason string) {
	m.mu.Lock()
	t, ok := m.tracked[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	pos := t.pos
	slID, tpID := t.slOrderID, t.tpOrderID
	mode := m.mode
	m.mu.Unlock()

	exitSide := types.SELL
	if pos.Direction() == types.PositionShort {
		exitSide = types.BUY
	}
	req := types.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       exitSide,
		Type:       types.OrderMarket,
		Quantity:   pos.AbsAmount(),
		ReduceOnly: true,
	}
	if mode == types.HedgeMode {
		req.PositionSide = pos.PositionSide
		req.ReduceOnly = false
	}

	if _, err := m.ex.PlaceOrder(ctx, req, types.PriorityCritical); err != nil {
		m.logger.Error("market close failed", "key", key, "error", err)
		m.bus.EmitError("position", string(exchange.KindOf(err)), pos.Symbol, exchange.CodeOf(err),
			fmt.Sprintf("market close of %s failed: %v", key, err))
		return
	}

	for _, id := range []int64{slID, tpID} {
		if id == 0 {
			continue
		}
		if err := m.ex.CancelOrder(ctx, pos.Symbol, id, types.PriorityCritical); err != nil {
			m.logger.Warn("cancel protective order", "order_id", id, "error", err)
		}
	}

	m.closeTracked(key, reason, pos.UnrealizedPnL)
}

// ———————————————————————————————————————————————————————————————————————
// Internals
// ———————————————————————————————————————————————————————————————————————

func (m *Manager) closeTracked(key, reason string, realized float64) {
	m.mu.Lock()
	t, ok := m.tracked[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	pos := t.pos
	delete(m.tracked, key)
	count := len(m.tracked)
	m.mu.Unlock()

	metrics.PositionsOpen.Set(float64(count))
	m.logger.Info("position closed", "key", key, "reason", reason, "realized", realized)
	m.bus.Emit(events.TypePositionClosed, events.PositionClosed{
		Symbol:       pos.Symbol,
		PositionSide: pos.PositionSide,
		Reason:       reason,
		RealizedPnL:  realized,
	})
	m.persist()
}

func (m *Manager) setProtection(key, slot string, orderID int64) {
	m.mu.Lock()
	if t, ok := m.tracked[key]; ok {
		if slot == "sl" {
			t.slOrderID = orderID
			t.missingProtection = false
		} else {
			t.tpOrderID = orderID
		}
	}
	m.mu.Unlock()
	m.persist()
}

func (m *Manager) markUnprotected(key string, slMissing bool) {
	if !slMissing {
		return
	}
	m.mu.Lock()
	if t, ok := m.tracked[key]; ok {
		t.missingProtection = true
	}
	m.mu.Unlock()
}

func (m *Manager) emitPositionUpdates() {
	m.mu.Lock()
	updates := make([]events.PositionUpdate, 0, len(m.tracked))
	for _, t := range m.tracked {
		pos := t.pos
		if mark, ok := m.marks.Get(pos.Symbol); ok {
			pos.MarkPrice = mark
		}
		updates = append(updates, events.PositionUpdate{
			Position: pos,
			SLOrder:  t.slOrderID,
			TPOrder:  t.tpOrderID,
		})
	}
	m.mu.Unlock()

	for _, upd := range updates {
		m.bus.Emit(events.TypePositionUpdate, upd)
	}
}

// persist snapshots the protective-order map to disk.
func (m *Manager) persist() {
	if m.db == nil {
		return
	}
	m.mu.Lock()
	snapshot := make(store.ProtectiveOrders, len(m.tracked))
	for key, t := range m.tracked {
		if t.slOrderID == 0 && t.tpOrderID == 0 {
			continue
		}
		snapshot[key] = store.ProtectionRecord{
			Symbol:       t.pos.Symbol,
			PositionSide: t.pos.PositionSide,
			SLOrderID:    t.slOrderID,
			TPOrderID:    t.tpOrderID,
			EntryPrice:   t.pos.EntryPrice,
			SavedAt:      m.now(),
		}
	}
	m.mu.Unlock()

	if err := m.db.SaveProtectiveOrders(snapshot); err != nil {
		m.logger.Warn("persist protective orders", "error", err)
	}
}

func (m *Manager) positionMode() types.PositionMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// poke requests an out-of-band reconcile.
func (m *Manager) poke() {
	select {
	case m.reconcileCh <- struct{}{}:
	default:
	}
}
