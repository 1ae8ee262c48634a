// marketstream.go implements the public market-data feed.
//
// One connection carries two streams:
//
//   - !forceOrder@arr: every forced liquidation on the venue. Frames for
//     symbols outside the configured set are dropped before decoding the
//     full payload.
//
//   - !markPrice@arr@1s: mark prices for all symbols, once per second.
//     These double as the feed's liveness signal.
//
// The feed reconnects with exponential backoff (2^k seconds). After
// maxReconnectAttempts consecutive failures Run returns an error and the
// engine shuts down; a bot that cannot see liquidations has no reason to
// keep positions unattended.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"aster-hunter/internal/metrics"
	"aster-hunter/pkg/types"
)

// wsjson decodes stream frames. The feed is the hottest decode path in
// the process; jsoniter keeps it cheap without changing semantics.
var wsjson = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	maxReconnectAttempts = 5
	wsWriteTimeout       = 10 * time.Second
	// Watchdog: checked every watchdogInterval, a connection silent for
	// silenceTimeout is closed and redialed. Mark prices arrive every
	// second, so 60s of silence means the feed is dead, not idle.
	watchdogInterval = 30 * time.Second
	silenceTimeout   = 60 * time.Second

	liquidationBufferSize = 256
	markPriceBufferSize   = 1024
)

// MarketStream consumes the public liquidation and mark-price streams.
type MarketStream struct {
	url     string
	symbols map[string]bool // empty: pass everything through

	conn   *websocket.Conn
	connMu sync.Mutex

	lastMsg atomic.Int64 // unix nanos of the last frame received

	liquidationCh chan types.LiquidationEvent
	markPriceCh   chan types.MarkPriceUpdate

	logger *slog.Logger
}

// NewMarketStream creates a feed filtered to the given symbols. A nil or
// empty symbol list disables filtering.
func NewMarketStream(wsBaseURL string, symbols []string, logger *slog.Logger) *MarketStream {
	set := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		set[s] = true
	}
	return &MarketStream{
		url:           wsBaseURL + "/!forceOrder@arr",
		symbols:       set,
		liquidationCh: make(chan types.LiquidationEvent, liquidationBufferSize),
		markPriceCh:   make(chan types.MarkPriceUpdate, markPriceBufferSize),
		logger:        logger.With("component", "ws_market"),
	}
}

// Liquidations returns the filtered liquidation event channel.
func (m *MarketStream) Liquidations() <-chan types.LiquidationEvent { return m.liquidationCh }

// MarkPrices returns the mark-price update channel.
func (m *MarketStream) MarkPrices() <-chan types.MarkPriceUpdate { return m.markPriceCh }

// Run maintains the connection until ctx is cancelled or the reconnect
// budget is exhausted. The budget counts consecutive failures: any
// established connection resets it, so a long-lived feed that drops
// once a day never exhausts it.
func (m *MarketStream) Run(ctx context.Context) error {
	attempts := 0
	for {
		connected, err := m.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			attempts = 0
		}

		attempts++
		metrics.StreamReconnects.WithLabelValues("market").Inc()
		if attempts > maxReconnectAttempts {
			return fmt.Errorf("market stream: gave up after %d reconnect attempts: %w", maxReconnectAttempts, err)
		}
		backoff := time.Duration(1<<attempts) * time.Second
		m.logger.Warn("market stream disconnected, reconnecting",
			"error", err, "attempt", attempts, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// connectAndRead reports whether a connection was fully established
// (dialed and subscribed) before the error; Run uses it to reset the
// consecutive-failure count.
func (m *MarketStream) connectAndRead(ctx context.Context) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, m.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	m.connMu.Lock()
	m.conn = conn
	m.connMu.Unlock()
	defer func() {
		m.connMu.Lock()
		conn.Close()
		m.conn = nil
		m.connMu.Unlock()
	}()

	// The second stream rides the same connection.
	sub := map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": []string{"!markPrice@arr@1s"},
		"id":     1,
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(sub); err != nil {
		return false, fmt.Errorf("subscribe mark price: %w", err)
	}

	m.logger.Info("market stream connected", "symbols", len(m.symbols))
	m.lastMsg.Store(time.Now().UnixNano())

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go m.watchdog(watchCtx, conn)

	for {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		m.lastMsg.Store(time.Now().UnixNano())
		m.dispatch(msg)
	}
}

// watchdog closes the connection when the venue goes silent so the read
// loop unblocks and Run redials.
func (m *MarketStream) watchdog(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, m.lastMsg.Load())
			if time.Since(last) > silenceTimeout {
				m.logger.Warn("market stream silent, forcing reconnect", "silent_for", time.Since(last))
				conn.Close()
				return
			}
		}
	}
}

func (m *MarketStream) dispatch(data []byte) {
	// Mark-price @arr frames are a bare JSON array; everything else is an
	// object with an "e" tag.
	if len(data) > 0 && data[0] == '[' {
		var frames []types.MarkPriceFrame
		if err := wsjson.Unmarshal(data, &frames); err != nil {
			m.logger.Error("unmarshal mark price batch", "error", err)
			return
		}
		for _, f := range frames {
			if len(m.symbols) > 0 && !m.symbols[f.Symbol] {
				continue
			}
			select {
			case m.markPriceCh <- f.Normalize():
			default:
				// Mark prices are superseded every second; dropping the
				// oldest tick is harmless.
			}
		}
		return
	}

	var env types.StreamEnvelope
	if err := wsjson.Unmarshal(data, &env); err != nil {
		m.logger.Debug("ignoring non-event frame", "data", string(data))
		return
	}

	switch env.EventType {
	case "forceOrder":
		var f types.ForceOrderFrame
		if err := wsjson.Unmarshal(data, &f); err != nil {
			m.logger.Error("unmarshal force order", "error", err)
			return
		}
		if len(m.symbols) > 0 && !m.symbols[f.Order.Symbol] {
			return
		}
		evt := f.Normalize()
		metrics.LiquidationsSeen.WithLabelValues(evt.Symbol, string(evt.Side)).Inc()
		select {
		case m.liquidationCh <- evt:
		default:
			m.logger.Warn("liquidation channel full, dropping event", "symbol", evt.Symbol)
		}

	case "markPriceUpdate":
		var f types.MarkPriceFrame
		if err := wsjson.Unmarshal(data, &f); err != nil {
			m.logger.Error("unmarshal mark price", "error", err)
			return
		}
		if len(m.symbols) > 0 && !m.symbols[f.Symbol] {
			return
		}
		select {
		case m.markPriceCh <- f.Normalize():
		default:
		}

	case "":
		// Subscription acknowledgments have no event tag.
		m.logger.Debug("stream control frame", "data", string(data))

	default:
		m.logger.Debug("unknown stream event", "event", env.EventType)
	}
}
