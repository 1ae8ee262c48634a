// Package events defines the typed event union the core publishes and the
// Broadcaster boundary the host plugs into.
//
// Components never emit loosely-typed payloads: every outbound event is a
// concrete struct wrapped in an Event envelope with a Type tag. String
// tags exist only for hosts that serialize events onward (dashboards,
// logs); inside the core, sinks switch on the Data variant.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"aster-hunter/pkg/types"
)

// Type tags an event for hosts that route by name.
type Type string

const (
	TypeLiquidationDetected Type = "liquidationDetected"
	TypeTradeOpportunity    Type = "tradeOpportunity"
	TypePositionOpened      Type = "positionOpened"
	TypePositionUpdate      Type = "positionUpdate"
	TypePositionClosed      Type = "positionClosed"
	TypeBalanceUpdate       Type = "balanceUpdate"
	TypeMarkPriceUpdate     Type = "markPriceUpdate"
	TypeRateLimit           Type = "rateLimit"
	TypeError               Type = "error"
	TypeToast               Type = "toast"
)

// Event is the envelope for all published events. Paper is set on every
// event emitted while the core runs in paper mode, so hosts and tests can
// assert identical sequences between paper and live runs.
type Event struct {
	Type      Type        `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Paper     bool        `json:"paper,omitempty"`
	Data      interface{} `json:"data"`
}

// LiquidationDetected is emitted for every stream liquidation that passed
// the symbol filter.
type LiquidationDetected struct {
	Event      types.LiquidationEvent `json:"event"`
	VolumeUSDT float64                `json:"volume_usdt"`
}

// TradeOpportunity is emitted when a liquidation clears the volume and
// protection gates, before any order is attempted.
type TradeOpportunity struct {
	Symbol     string     `json:"symbol"`
	Side       types.Side `json:"side"`
	VolumeUSDT float64    `json:"volume_usdt"`
	Price      float64    `json:"price"`
}

// PositionOpened is emitted when an entry order is accepted (or simulated
// in paper mode).
type PositionOpened struct {
	Symbol       string             `json:"symbol"`
	Side         types.Side         `json:"side"`
	PositionSide types.PositionSide `json:"position_side"`
	Qty          float64            `json:"qty"`
	Price        float64            `json:"price"`
	OrderType    types.OrderType    `json:"order_type"`
	OrderID      int64              `json:"order_id,omitempty"`
}

// PositionUpdate carries the periodic state of one tracked position.
type PositionUpdate struct {
	Position types.Position `json:"position"`
	SLOrder  int64          `json:"sl_order,omitempty"`
	TPOrder  int64          `json:"tp_order,omitempty"`
}

// PositionClosed is emitted when a tracked position returns to zero.
type PositionClosed struct {
	Symbol       string             `json:"symbol"`
	PositionSide types.PositionSide `json:"position_side"`
	Reason       string             `json:"reason"` // "filled", "auto_close", "external"
	RealizedPnL  float64            `json:"realized_pnl"`
}

// BalanceUpdate carries asset balance deltas from the user-data stream.
type BalanceUpdate struct {
	Asset     string  `json:"asset"`
	Balance   float64 `json:"balance"`
	Available float64 `json:"available"`
	Change    float64 `json:"change"`
}

// MarkPrice carries a mark-price tick.
type MarkPrice struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

// RateLimitEvent reports scheduler state transitions: "highUsage",
// "rateLimitExceeded", "circuitBreakerReset".
type RateLimitEvent struct {
	State         string        `json:"state"`
	WeightPercent float64       `json:"weight_percent,omitempty"`
	OrderPercent  float64       `json:"order_percent,omitempty"`
	Backoff       time.Duration `json:"backoff,omitempty"`
	FailureCount  int           `json:"failure_count,omitempty"`
}

// ErrorEvent is a surfaced failure per the error taxonomy.
type ErrorEvent struct {
	Kind      string `json:"kind"`
	Component string `json:"component"`
	Symbol    string `json:"symbol,omitempty"`
	Code      int    `json:"code,omitempty"`
	Message   string `json:"message"`
}

// Toast is a user-facing notification the host may surface.
type Toast struct {
	Level   string `json:"level"` // "info", "warn", "error"
	Title   string `json:"title"`
	Message string `json:"msg"`
}

// Broadcaster receives every event the core publishes. Publish must not
// block: slow hosts drop rather than stall the trading path.
type Broadcaster interface {
	Publish(evt Event)
}

// Bus is the core's default broadcaster: it stamps envelopes and fans out
// to registered sinks. Fan-out is synchronous; sinks must be fast or
// buffer internally.
type Bus struct {
	paper bool

	mu    sync.RWMutex
	sinks []Broadcaster
}

// NewBus creates a bus. Events published through it carry the paper flag.
func NewBus(paper bool) *Bus {
	return &Bus{paper: paper}
}

// Attach registers a sink.
func (b *Bus) Attach(sink Broadcaster) {
	b.mu.Lock()
	b.sinks = append(b.sinks, sink)
	b.mu.Unlock()
}

// Publish stamps and fans out an event.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	evt.Paper = b.paper

	b.mu.RLock()
	sinks := b.sinks
	b.mu.RUnlock()

	for _, s := range sinks {
		s.Publish(evt)
	}
}

// Emit wraps a payload in an envelope and publishes it.
func (b *Bus) Emit(t Type, data interface{}) {
	b.Publish(Event{Type: t, Data: data})
}

// EmitError publishes a structured error event.
func (b *Bus) EmitError(component, kind, symbol string, code int, msg string) {
	b.Emit(TypeError, ErrorEvent{
		Kind:      kind,
		Component: component,
		Symbol:    symbol,
		Code:      code,
		Message:   msg,
	})
}

// LogSink writes every event to a slog logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs events at info level (errors at
// error level).
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "events")}
}

// Publish implements Broadcaster.
func (s *LogSink) Publish(evt Event) {
	if evt.Type == TypeError {
		s.logger.Error("event", "type", evt.Type, "paper", evt.Paper, "data", evt.Data)
		return
	}
	s.logger.Info("event", "type", evt.Type, "paper", evt.Paper, "data", evt.Data)
}

// CaptureSink records events for tests.
type CaptureSink struct {
	mu     sync.Mutex
	events []Event
}

// NewCaptureSink creates an empty capture sink.
func NewCaptureSink() *CaptureSink {
	return &CaptureSink{}
}

// Publish implements Broadcaster.
func (s *CaptureSink) Publish(evt Event) {
	s.mu.Lock()
	s.events = append(s.events, evt)
	s.mu.Unlock()
}

// Events returns a copy of everything captured so far.
func (s *CaptureSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// OfType returns captured events with the given type tag.
func (s *CaptureSink) OfType(t Type) []Event {
	var out []Event
	for _, evt := range s.Events() {
		if evt.Type == t {
			out = append(out, evt)
		}
	}
	return out
}

// WaitFor blocks until at least n events of the given type are captured
// or the context expires.
func (s *CaptureSink) WaitFor(ctx context.Context, t Type, n int) bool {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if len(s.OfType(t)) >= n {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
