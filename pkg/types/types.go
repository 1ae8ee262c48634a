// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — order and position
// enums, normalized stream events, and the raw wire structs for the Aster
// futures REST and WebSocket APIs. It has no dependencies on internal
// packages, so it can be imported by any layer.
package types

import (
	"fmt"
	"strconv"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// PositionSide is the venue's position-side tag. BOTH is used in one-way
// mode; LONG and SHORT identify the two legs in hedge mode.
type PositionSide string

const (
	PositionBoth  PositionSide = "BOTH"
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// PositionMode is the account-wide position mode.
type PositionMode string

const (
	OneWayMode PositionMode = "ONE_WAY"
	HedgeMode  PositionMode = "HEDGE"
)

// OrderType enumerates the order types the bot places.
type OrderType string

const (
	OrderLimit            OrderType = "LIMIT"
	OrderMarket           OrderType = "MARKET"
	OrderStopMarket       OrderType = "STOP_MARKET"
	OrderTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// OrderStatus is the venue's order lifecycle status.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
)

// Priority orders REST requests in the rate-limit queue. Lower value
// dispatches earlier.
type Priority int

const (
	PriorityCritical Priority = iota // order placement / cancellation
	PriorityHigh                     // position-state queries
	PriorityMedium                   // account reads
	PriorityLow                      // market data
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// ————————————————————————————————————————————————————————————————————————
// Normalized stream events
// ————————————————————————————————————————————————————————————————————————

// LiquidationEvent is a normalized forced-liquidation order from the
// public !forceOrder stream. Side is the side of the liquidation order
// itself: SELL means longs are being liquidated, BUY means shorts.
type LiquidationEvent struct {
	Symbol    string
	Side      Side
	OrderType OrderType
	Price     float64
	AvgPrice  float64
	Qty       float64
	EventTime time.Time
}

// VolumeUSDT is the notional value of the liquidation.
func (e LiquidationEvent) VolumeUSDT() float64 {
	return e.Qty * e.Price
}

// MarkPriceUpdate is a normalized mark-price tick from !markPrice@arr@1s.
type MarkPriceUpdate struct {
	Symbol    string
	MarkPrice float64
	EventTime time.Time
}

// BalanceDelta is one asset entry inside an ACCOUNT_UPDATE frame.
type BalanceDelta struct {
	Asset              string
	WalletBalance      float64
	CrossWalletBalance float64
	BalanceChange      float64
}

// PositionDelta is one position entry inside an ACCOUNT_UPDATE frame.
// A frame may carry only a subset of positions; absence of a symbol
// carries no information.
type PositionDelta struct {
	Symbol         string
	PositionAmt    float64
	EntryPrice     float64
	AccumRealized  float64
	UnrealizedPnL  float64
	MarginType     string
	IsolatedWallet float64
	PositionSide   PositionSide
}

// AccountUpdate is a normalized ACCOUNT_UPDATE event.
type AccountUpdate struct {
	EventTime time.Time
	Reason    string
	Balances  []BalanceDelta
	Positions []PositionDelta
}

// OrderTradeUpdate is a normalized ORDER_TRADE_UPDATE event.
type OrderTradeUpdate struct {
	Symbol          string
	OrderID         int64
	ClientOrderID   string
	Side            Side
	Type            OrderType
	OrigQty         float64
	Price           float64
	AvgPrice        float64
	StopPrice       float64
	Status          OrderStatus
	LastFilledQty   float64
	LastFilledPrice float64
	CumFilledQty    float64
	ReduceOnly      bool
	PositionSide    PositionSide
	RealizedProfit  float64
	TradeTime       time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Positions and orders
// ————————————————————————————————————————————————————————————————————————

// Position is the bot's view of one open position. Amount is signed:
// positive for long exposure, negative for short.
type Position struct {
	Symbol        string
	PositionSide  PositionSide
	Amount        float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
	Leverage      int
	UpdatedAt     time.Time
}

// Direction returns LONG or SHORT from the signed amount (and the
// position-side tag in hedge mode, where the amount is always positive
// on the SHORT leg's own axis).
func (p Position) Direction() PositionSide {
	switch p.PositionSide {
	case PositionLong, PositionShort:
		return p.PositionSide
	}
	if p.Amount < 0 {
		return PositionShort
	}
	return PositionLong
}

// AbsAmount is the unsigned position quantity.
func (p Position) AbsAmount() float64 {
	if p.Amount < 0 {
		return -p.Amount
	}
	return p.Amount
}

// Key is the position identity: symbol + direction + position-side tag,
// e.g. "BTCUSDT_LONG_BOTH" in one-way mode.
func (p Position) Key() string {
	return PositionKey(p.Symbol, p.Direction(), p.PositionSide)
}

// PositionKey builds a position identity key.
func PositionKey(symbol string, direction, tag PositionSide) string {
	return fmt.Sprintf("%s_%s_%s", symbol, direction, tag)
}

// PnLPercent is the mark-to-entry move in percent, signed by direction.
func (p Position) PnLPercent() float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	pct := (p.MarkPrice - p.EntryPrice) / p.EntryPrice * 100
	if p.Direction() == PositionShort {
		pct = -pct
	}
	return pct
}

// OrderRequest is the high-level order the bot wants placed. The signed
// client serializes it into wire parameters in a fixed insertion order.
type OrderRequest struct {
	Symbol        string
	Side          Side
	PositionSide  PositionSide // empty in one-way mode (omitted on the wire)
	Type          OrderType
	Quantity      float64
	Price         float64 // limit orders only
	StopPrice     float64 // STOP_MARKET / TAKE_PROFIT_MARKET only
	TimeInForce   string  // "GTC" or "GTX" (post-only)
	ReduceOnly    bool
	ClosePosition bool
	WorkingType   string // "MARK_PRICE" for protective orders
	PriceProtect  bool
	ClientOrderID string
}

// OrderResponse is the venue's acknowledgment for a single order. In a
// batch response, rejected items carry Code/Msg instead of an order id.
type OrderResponse struct {
	OrderID       int64        `json:"orderId"`
	ClientOrderID string       `json:"clientOrderId"`
	Symbol        string       `json:"symbol"`
	Status        OrderStatus  `json:"status"`
	Side          Side         `json:"side"`
	PositionSide  PositionSide `json:"positionSide"`
	Type          OrderType    `json:"type"`
	OrigQty       string       `json:"origQty"`
	Price         string       `json:"price"`
	StopPrice     string       `json:"stopPrice"`
	AvgPrice      string       `json:"avgPrice"`

	// Per-item batch errors
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Rejected reports whether a batch item failed.
func (r OrderResponse) Rejected() bool { return r.Code != 0 }

// OpenOrder is one live order from GET /fapi/v1/openOrders.
type OpenOrder struct {
	OrderID       int64        `json:"orderId"`
	Symbol        string       `json:"symbol"`
	ClientOrderID string       `json:"clientOrderId"`
	Side          Side         `json:"side"`
	PositionSide  PositionSide `json:"positionSide"`
	Type          OrderType    `json:"type"`
	Status        OrderStatus  `json:"status"`
	OrigQty       string       `json:"origQty"`
	Price         string       `json:"price"`
	StopPrice     string       `json:"stopPrice"`
	ReduceOnly    bool         `json:"reduceOnly"`
	ClosePosition bool         `json:"closePosition"`
	WorkingType   string       `json:"workingType"`
	PriceProtect  bool         `json:"priceProtect"`
}

// Quantity parses the original quantity.
func (o OpenOrder) Quantity() float64 {
	q, _ := strconv.ParseFloat(o.OrigQty, 64)
	return q
}

// PositionRisk is one entry from GET /fapi/v2/positionRisk.
type PositionRisk struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	LiquidationPrice string `json:"liquidationPrice"`
	Leverage         string `json:"leverage"`
	MarginType       string `json:"marginType"`
	PositionSide     string `json:"positionSide"`
	UpdateTime       int64  `json:"updateTime"`
}

// ToPosition converts the string-heavy REST record to a Position.
// Returns false for flat entries (zero amount).
func (r PositionRisk) ToPosition() (Position, bool) {
	amt, _ := strconv.ParseFloat(r.PositionAmt, 64)
	if amt == 0 {
		return Position{}, false
	}
	entry, _ := strconv.ParseFloat(r.EntryPrice, 64)
	mark, _ := strconv.ParseFloat(r.MarkPrice, 64)
	pnl, _ := strconv.ParseFloat(r.UnRealizedProfit, 64)
	lev, _ := strconv.Atoi(r.Leverage)

	return Position{
		Symbol:        r.Symbol,
		PositionSide:  PositionSide(r.PositionSide),
		Amount:        amt,
		EntryPrice:    entry,
		MarkPrice:     mark,
		UnrealizedPnL: pnl,
		Leverage:      lev,
		UpdatedAt:     time.UnixMilli(r.UpdateTime),
	}, true
}

// Balance is one entry from GET /fapi/v2/balance.
type Balance struct {
	Asset              string `json:"asset"`
	Balance            string `json:"balance"`
	CrossWalletBalance string `json:"crossWalletBalance"`
	AvailableBalance   string `json:"availableBalance"`
}

// BookTicker is the best bid/ask from GET /fapi/v1/ticker/bookTicker.
type BookTicker struct {
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bidPrice"`
	BidQty   string `json:"bidQty"`
	AskPrice string `json:"askPrice"`
	AskQty   string `json:"askQty"`
}

// BestBid parses the bid price.
func (t BookTicker) BestBid() float64 {
	v, _ := strconv.ParseFloat(t.BidPrice, 64)
	return v
}

// BestAsk parses the ask price.
func (t BookTicker) BestAsk() float64 {
	v, _ := strconv.ParseFloat(t.AskPrice, 64)
	return v
}

// Kline is one candle from GET /fapi/v1/klines. The wire format is a
// positional array; the client decodes it into this struct.
type Kline struct {
	OpenTime  time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Exchange info
// ————————————————————————————————————————————————————————————————————————

// ExchangeInfo is the GET /fapi/v1/exchangeInfo document, reduced to the
// parts the precision registry consumes.
type ExchangeInfo struct {
	Symbols []SymbolInfo `json:"symbols"`
}

// SymbolInfo carries per-symbol trading filters.
type SymbolInfo struct {
	Symbol  string         `json:"symbol"`
	Status  string         `json:"status"`
	Filters []SymbolFilter `json:"filters"`
}

// SymbolFilter is one filter entry. Fields are populated depending on
// FilterType (PRICE_FILTER, LOT_SIZE, MIN_NOTIONAL).
type SymbolFilter struct {
	FilterType  string `json:"filterType"`
	TickSize    string `json:"tickSize"`
	StepSize    string `json:"stepSize"`
	MinQty      string `json:"minQty"`
	MaxQty      string `json:"maxQty"`
	MinNotional string `json:"notional"`
}

// ————————————————————————————————————————————————————————————————————————
// Raw websocket frames
// ————————————————————————————————————————————————————————————————————————
// These structs map 1:1 to the JSON the venue sends. Numeric fields arrive
// as strings and are decoded with the `,string` tag where possible.

// StreamEnvelope is the minimal frame used to route by event type.
type StreamEnvelope struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
}

// ForceOrderFrame is one liquidation order from !forceOrder@arr.
type ForceOrderFrame struct {
	EventType string `json:"e"` // "forceOrder"
	EventTime int64  `json:"E"`
	Order     struct {
		Symbol      string  `json:"s"`
		Side        string  `json:"S"`
		OrderType   string  `json:"o"`
		TimeInForce string  `json:"f"`
		Qty         float64 `json:"q,string"`
		Price       float64 `json:"p,string"`
		AvgPrice    float64 `json:"ap,string"`
		Status      string  `json:"X"`
		LastFilled  float64 `json:"l,string"`
		CumFilled   float64 `json:"z,string"`
		TradeTime   int64   `json:"T"`
	} `json:"o"`
}

// Normalize converts the raw frame to a LiquidationEvent.
func (f ForceOrderFrame) Normalize() LiquidationEvent {
	return LiquidationEvent{
		Symbol:    f.Order.Symbol,
		Side:      Side(f.Order.Side),
		OrderType: OrderType(f.Order.OrderType),
		Price:     f.Order.Price,
		AvgPrice:  f.Order.AvgPrice,
		Qty:       f.Order.CumFilled,
		EventTime: time.UnixMilli(f.EventTime),
	}
}

// MarkPriceFrame is one entry of the !markPrice@arr@1s array payload.
type MarkPriceFrame struct {
	EventType   string  `json:"e"` // "markPriceUpdate"
	EventTime   int64   `json:"E"`
	Symbol      string  `json:"s"`
	MarkPrice   float64 `json:"p,string"`
	IndexPrice  float64 `json:"i,string"`
	FundingRate string  `json:"r"`
}

// Normalize converts the raw frame to a MarkPriceUpdate.
func (f MarkPriceFrame) Normalize() MarkPriceUpdate {
	return MarkPriceUpdate{
		Symbol:    f.Symbol,
		MarkPrice: f.MarkPrice,
		EventTime: time.UnixMilli(f.EventTime),
	}
}

// AccountUpdateFrame is the raw ACCOUNT_UPDATE user-data event.
type AccountUpdateFrame struct {
	EventType string `json:"e"` // "ACCOUNT_UPDATE"
	EventTime int64  `json:"E"`
	Data      struct {
		Reason   string `json:"m"`
		Balances []struct {
			Asset              string  `json:"a"`
			WalletBalance      float64 `json:"wb,string"`
			CrossWalletBalance float64 `json:"cw,string"`
			BalanceChange      float64 `json:"bc,string"`
		} `json:"B"`
		Positions []struct {
			Symbol         string  `json:"s"`
			PositionAmt    float64 `json:"pa,string"`
			EntryPrice     float64 `json:"ep,string"`
			AccumRealized  float64 `json:"cr,string"`
			UnrealizedPnL  float64 `json:"up,string"`
			MarginType     string  `json:"mt"`
			IsolatedWallet float64 `json:"iw,string"`
			PositionSide   string  `json:"ps"`
		} `json:"P"`
	} `json:"a"`
}

// Normalize converts the raw frame to an AccountUpdate.
func (f AccountUpdateFrame) Normalize() AccountUpdate {
	upd := AccountUpdate{
		EventTime: time.UnixMilli(f.EventTime),
		Reason:    f.Data.Reason,
	}
	for _, b := range f.Data.Balances {
		upd.Balances = append(upd.Balances, BalanceDelta{
			Asset:              b.Asset,
			WalletBalance:      b.WalletBalance,
			CrossWalletBalance: b.CrossWalletBalance,
			BalanceChange:      b.BalanceChange,
		})
	}
	for _, p := range f.Data.Positions {
		upd.Positions = append(upd.Positions, PositionDelta{
			Symbol:         p.Symbol,
			PositionAmt:    p.PositionAmt,
			EntryPrice:     p.EntryPrice,
			AccumRealized:  p.AccumRealized,
			UnrealizedPnL:  p.UnrealizedPnL,
			MarginType:     p.MarginType,
			IsolatedWallet: p.IsolatedWallet,
			PositionSide:   PositionSide(p.PositionSide),
		})
	}
	return upd
}

// OrderTradeUpdateFrame is the raw ORDER_TRADE_UPDATE user-data event.
type OrderTradeUpdateFrame struct {
	EventType string `json:"e"` // "ORDER_TRADE_UPDATE"
	EventTime int64  `json:"E"`
	Order     struct {
		Symbol          string  `json:"s"`
		ClientOrderID   string  `json:"c"`
		Side            string  `json:"S"`
		OrderType       string  `json:"o"`
		TimeInForce     string  `json:"f"`
		OrigQty         float64 `json:"q,string"`
		Price           float64 `json:"p,string"`
		AvgPrice        float64 `json:"ap,string"`
		StopPrice       float64 `json:"sp,string"`
		ExecutionType   string  `json:"x"`
		Status          string  `json:"X"`
		OrderID         int64   `json:"i"`
		LastFilledQty   float64 `json:"l,string"`
		CumFilledQty    float64 `json:"z,string"`
		LastFilledPrice float64 `json:"L,string"`
		TradeTime       int64   `json:"T"`
		ReduceOnly      bool    `json:"R"`
		WorkingType     string  `json:"wt"`
		PositionSide    string  `json:"ps"`
		ClosePosition   bool    `json:"cp"`
		RealizedProfit  float64 `json:"rp,string"`
	} `json:"o"`
}

// Normalize converts the raw frame to an OrderTradeUpdate.
func (f OrderTradeUpdateFrame) Normalize() OrderTradeUpdate {
	return OrderTradeUpdate{
		Symbol:          f.Order.Symbol,
		OrderID:         f.Order.OrderID,
		ClientOrderID:   f.Order.ClientOrderID,
		Side:            Side(f.Order.Side),
		Type:            OrderType(f.Order.OrderType),
		OrigQty:         f.Order.OrigQty,
		Price:           f.Order.Price,
		AvgPrice:        f.Order.AvgPrice,
		StopPrice:       f.Order.StopPrice,
		Status:          OrderStatus(f.Order.Status),
		LastFilledQty:   f.Order.LastFilledQty,
		LastFilledPrice: f.Order.LastFilledPrice,
		CumFilledQty:    f.Order.CumFilledQty,
		ReduceOnly:      f.Order.ReduceOnly,
		PositionSide:    PositionSide(f.Order.PositionSide),
		RealizedProfit:  f.Order.RealizedProfit,
		TradeTime:       time.UnixMilli(f.Order.TradeTime),
	}
}
