// userstream.go implements the authenticated user-data feed.
//
// The venue exposes account events through a listen key: POST creates
// one, PUT extends it (validity is 60 minutes, we refresh at 50), DELETE
// discards it. The stream delivers three events the bot cares about:
//
//   - ACCOUNT_UPDATE:      balance and position deltas
//   - ORDER_TRADE_UPDATE:  order lifecycle (fills, cancels, expiries)
//   - listenKeyExpired:    the key died server-side; reconnect with a new one
//
// Reconnect policy matches the market stream: exponential backoff, and
// after maxReconnectAttempts consecutive failures Run returns an error.
// Trading blind on stale account state is worse than stopping.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"aster-hunter/internal/metrics"
	"aster-hunter/pkg/types"
)

const (
	listenKeyRefresh = 50 * time.Minute

	accountBufferSize = 64
	orderBufferSize   = 256
)

// UserStream consumes the account event stream.
type UserStream struct {
	client    *Client
	wsBaseURL string

	lastMsg atomic.Int64

	accountCh chan types.AccountUpdate
	orderCh   chan types.OrderTradeUpdate

	logger *slog.Logger
}

// NewUserStream creates the feed. Run dials only after a listen key is
// obtained through the REST client.
func NewUserStream(client *Client, wsBaseURL string, logger *slog.Logger) *UserStream {
	return &UserStream{
		client:    client,
		wsBaseURL: wsBaseURL,
		accountCh: make(chan types.AccountUpdate, accountBufferSize),
		orderCh:   make(chan types.OrderTradeUpdate, orderBufferSize),
		logger:    logger.With("component", "ws_user"),
	}
}

// AccountUpdates returns the ACCOUNT_UPDATE channel.
func (u *UserStream) AccountUpdates() <-chan types.AccountUpdate { return u.accountCh }

// OrderUpdates returns the ORDER_TRADE_UPDATE channel.
func (u *UserStream) OrderUpdates() <-chan types.OrderTradeUpdate { return u.orderCh }

// Run maintains the listen key and connection until ctx is cancelled or
// the reconnect budget is exhausted. The listen key is closed on exit.
func (u *UserStream) Run(ctx context.Context) error {
	defer func() {
		// Best effort: the key expires on its own anyway.
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := u.client.CloseUserStream(closeCtx); err != nil {
			u.logger.Warn("close listen key", "error", err)
		}
	}()

	attempts := 0
	for {
		connected, err := u.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Consecutive failures only; an established session resets the
		// budget.
		if connected {
			attempts = 0
		}

		attempts++
		metrics.StreamReconnects.WithLabelValues("user").Inc()
		if attempts > maxReconnectAttempts {
			return fmt.Errorf("user stream: gave up after %d reconnect attempts: %w", maxReconnectAttempts, err)
		}
		backoff := time.Duration(1<<attempts) * time.Second
		u.logger.Warn("user stream disconnected, reconnecting",
			"error", err, "attempt", attempts, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func (u *UserStream) connectAndRead(ctx context.Context) (bool, error) {
	listenKey, err := u.client.StartUserStream(ctx)
	if err != nil {
		return false, fmt.Errorf("listen key: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.wsBaseURL+"/"+listenKey, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	u.logger.Info("user stream connected")
	u.lastMsg.Store(time.Now().UnixNano())

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go u.keepaliveLoop(loopCtx)
	go u.watchdog(loopCtx, conn)

	for {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		u.lastMsg.Store(time.Now().UnixNano())
		if expired := u.dispatch(msg); expired {
			return true, fmt.Errorf("listen key expired")
		}
	}
}

// keepaliveLoop refreshes the listen key well before its 60-minute
// expiry.
func (u *UserStream) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(listenKeyRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := u.client.KeepaliveUserStream(ctx); err != nil {
				u.logger.Warn("listen key keepalive failed", "error", err)
				continue
			}
			u.logger.Debug("listen key refreshed")
		}
	}
}

func (u *UserStream) watchdog(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, u.lastMsg.Load())
			if time.Since(last) > silenceTimeout {
				u.logger.Warn("user stream silent, forcing reconnect", "silent_for", time.Since(last))
				conn.Close()
				return
			}
		}
	}
}

// dispatch routes one frame. Returns true when the venue reports the
// listen key expired and the connection must be rebuilt.
func (u *UserStream) dispatch(data []byte) bool {
	var env types.StreamEnvelope
	if err := wsjson.Unmarshal(data, &env); err != nil {
		u.logger.Debug("ignoring non-event frame", "data", string(data))
		return false
	}

	switch env.EventType {
	case "ACCOUNT_UPDATE":
		var f types.AccountUpdateFrame
		if err := wsjson.Unmarshal(data, &f); err != nil {
			u.logger.Error("unmarshal account update", "error", err)
			return false
		}
		select {
		case u.accountCh <- f.Normalize():
		default:
			u.logger.Warn("account channel full, dropping update")
		}

	case "ORDER_TRADE_UPDATE":
		var f types.OrderTradeUpdateFrame
		if err := wsjson.Unmarshal(data, &f); err != nil {
			u.logger.Error("unmarshal order update", "error", err)
			return false
		}
		select {
		case u.orderCh <- f.Normalize():
		default:
			u.logger.Warn("order channel full, dropping update", "order_id", f.Order.OrderID)
		}

	case "listenKeyExpired":
		u.logger.Warn("listen key expired")
		return true

	default:
		u.logger.Debug("unknown user stream event", "event", env.EventType)
	}
	return false
}
