package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"aster-hunter/pkg/types"
)

const forceOrderFrame = `{"e":"forceOrder","E":1568014460893,"o":{"s":"BTCUSDT","S":"SELL","o":"LIMIT","f":"IOC","q":"0.3","p":"50000","ap":"50000","X":"FILLED","l":"0.3","z":"0.3","T":1568014460893}}`

const markPriceBatch = `[
	{"e":"markPriceUpdate","E":1562305380000,"s":"BTCUSDT","p":"50010.15","i":"50004.62","r":"0.00038167"},
	{"e":"markPriceUpdate","E":1562305380000,"s":"DOGEUSDT","p":"0.123","i":"0.122","r":"0.0001"}
]`

const accountUpdateFrame = `{"e":"ACCOUNT_UPDATE","E":1564745798939,"a":{"m":"ORDER","B":[{"a":"USDT","wb":"10050.25","cw":"10050.25","bc":"50.25"}],"P":[{"s":"BTCUSDT","pa":"0.001","ep":"49975","cr":"0","up":"5.5","mt":"cross","iw":"0","ps":"BOTH"}]}}`

const orderUpdateFrame = `{"e":"ORDER_TRADE_UPDATE","E":1568879465651,"o":{"s":"BTCUSDT","c":"hunter-1","S":"SELL","o":"STOP_MARKET","f":"GTC","q":"0","p":"0","ap":"0","sp":"48975.5","x":"NEW","X":"NEW","i":8886774,"l":"0","z":"0","L":"0","T":1568879465650,"R":true,"wt":"MARK_PRICE","ps":"BOTH","cp":true,"rp":"0"}}`

func newDispatchStream(symbols []string) *MarketStream {
	return NewMarketStream("ws://unused", symbols, testLogger())
}

func TestMarketDispatchForceOrder(t *testing.T) {
	t.Parallel()
	m := newDispatchStream([]string{"BTCUSDT"})

	m.dispatch([]byte(forceOrderFrame))

	select {
	case evt := <-m.Liquidations():
		if evt.Symbol != "BTCUSDT" || evt.Side != types.SELL {
			t.Errorf("event = %+v", evt)
		}
		if evt.Qty != 0.3 || evt.AvgPrice != 50000 {
			t.Errorf("qty/price = %v/%v, want 0.3/50000", evt.Qty, evt.AvgPrice)
		}
		if got := evt.VolumeUSDT(); got != 15000 {
			t.Errorf("volume = %v, want 15000", got)
		}
	default:
		t.Fatal("no liquidation event dispatched")
	}
}

func TestMarketDispatchFiltersSymbols(t *testing.T) {
	t.Parallel()
	m := newDispatchStream([]string{"ETHUSDT"})

	m.dispatch([]byte(forceOrderFrame)) // BTCUSDT, not subscribed

	select {
	case evt := <-m.Liquidations():
		t.Fatalf("filtered symbol leaked through: %+v", evt)
	default:
	}
}

func TestMarketDispatchEmptyFilterPassesAll(t *testing.T) {
	t.Parallel()
	m := newDispatchStream(nil)

	m.dispatch([]byte(forceOrderFrame))

	select {
	case <-m.Liquidations():
	default:
		t.Fatal("empty filter must pass everything")
	}
}

func TestMarketDispatchMarkPriceBatch(t *testing.T) {
	t.Parallel()
	m := newDispatchStream([]string{"BTCUSDT"})

	m.dispatch([]byte(markPriceBatch))

	select {
	case upd := <-m.MarkPrices():
		if upd.Symbol != "BTCUSDT" || upd.MarkPrice != 50010.15 {
			t.Errorf("update = %+v", upd)
		}
	default:
		t.Fatal("no mark price dispatched")
	}
	// DOGEUSDT is outside the filter.
	select {
	case upd := <-m.MarkPrices():
		t.Fatalf("filtered mark price leaked: %+v", upd)
	default:
	}
}

func TestMarketDispatchIgnoresControlFrames(t *testing.T) {
	t.Parallel()
	m := newDispatchStream(nil)

	m.dispatch([]byte(`{"result":null,"id":1}`))
	m.dispatch([]byte(`garbage`))

	select {
	case <-m.Liquidations():
		t.Fatal("control frame produced an event")
	case <-m.MarkPrices():
		t.Fatal("control frame produced an event")
	default:
	}
}

func TestUserDispatchAccountUpdate(t *testing.T) {
	t.Parallel()
	u := NewUserStream(nil, "ws://unused", testLogger())

	if expired := u.dispatch([]byte(accountUpdateFrame)); expired {
		t.Fatal("ACCOUNT_UPDATE misread as expiry")
	}

	select {
	case upd := <-u.AccountUpdates():
		if upd.Reason != "ORDER" {
			t.Errorf("reason = %s", upd.Reason)
		}
		if len(upd.Balances) != 1 || upd.Balances[0].WalletBalance != 10050.25 {
			t.Errorf("balances = %+v", upd.Balances)
		}
		if len(upd.Positions) != 1 || upd.Positions[0].PositionAmt != 0.001 || upd.Positions[0].PositionSide != types.PositionBoth {
			t.Errorf("positions = %+v", upd.Positions)
		}
	default:
		t.Fatal("no account update dispatched")
	}
}

func TestUserDispatchOrderUpdate(t *testing.T) {
	t.Parallel()
	u := NewUserStream(nil, "ws://unused", testLogger())

	u.dispatch([]byte(orderUpdateFrame))

	select {
	case upd := <-u.OrderUpdates():
		if upd.OrderID != 8886774 || upd.Symbol != "BTCUSDT" {
			t.Errorf("update = %+v", upd)
		}
		if upd.Type != types.OrderStopMarket || upd.StopPrice != 48975.5 {
			t.Errorf("type/stop = %s/%v", upd.Type, upd.StopPrice)
		}
		if upd.Status != types.StatusNew {
			t.Errorf("status = %s", upd.Status)
		}
	default:
		t.Fatal("no order update dispatched")
	}
}

func TestUserDispatchListenKeyExpired(t *testing.T) {
	t.Parallel()
	u := NewUserStream(nil, "ws://unused", testLogger())

	if expired := u.dispatch([]byte(`{"e":"listenKeyExpired","E":1576653824250}`)); !expired {
		t.Fatal("listenKeyExpired must trigger reconnect")
	}
}

// The reconnect budget counts consecutive failures only: Run resets it
// whenever connectAndRead reports an established connection, so the
// report must distinguish "never connected" from "connected then died".
func TestConnectAndReadReportsEstablishedConnection(t *testing.T) {
	t.Parallel()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		// Accept the subscription, then hang up: a session that lived.
		var sub map[string]interface{}
		conn.ReadJSON(&sub)
		conn.Close()
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	m := NewMarketStream(wsURL, []string{"BTCUSDT"}, testLogger())

	connected, err := m.connectAndRead(context.Background())
	if !connected {
		t.Error("a dialed and subscribed session must count as connected")
	}
	if err == nil {
		t.Error("server hangup must still surface the read error")
	}

	// A refused dial never connected; these failures burn the budget.
	m = NewMarketStream("ws://127.0.0.1:1", []string{"BTCUSDT"}, testLogger())
	connected, err = m.connectAndRead(context.Background())
	if connected {
		t.Error("failed dial must not count as connected")
	}
	if err == nil {
		t.Error("failed dial must return an error")
	}
}

func TestMarketStreamEndToEnd(t *testing.T) {
	t.Parallel()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		// The feed subscribes to mark prices right after connecting.
		var sub map[string]interface{}
		if err := conn.ReadJSON(&sub); err != nil {
			t.Errorf("read subscribe: %v", err)
			return
		}
		if sub["method"] != "SUBSCRIBE" {
			t.Errorf("subscribe message = %v", sub)
		}

		conn.WriteMessage(websocket.TextMessage, []byte(forceOrderFrame))
		conn.WriteMessage(websocket.TextMessage, []byte(markPriceBatch))

		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	m := NewMarketStream(wsURL, []string{"BTCUSDT"}, testLogger())
	// The stream appends the stream path; the test server accepts any path.

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	select {
	case evt := <-m.Liquidations():
		if evt.Symbol != "BTCUSDT" || evt.VolumeUSDT() != 15000 {
			t.Errorf("event = %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no liquidation received over websocket")
	}
	select {
	case upd := <-m.MarkPrices():
		if upd.Symbol != "BTCUSDT" {
			t.Errorf("update = %+v", upd)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no mark price received over websocket")
	}
}
