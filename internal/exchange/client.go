// Package exchange implements the Aster futures REST client and the
// request scheduler in front of it.
//
// The REST client (Client) covers the endpoints the bot needs:
//   - PlaceOrder / PlaceBatchOrders:  POST /fapi/v1/order, /fapi/v1/batchOrders
//   - CancelOrder / CancelAllOpenOrders: DELETE /fapi/v1/order, /fapi/v1/allOpenOrders
//   - OpenOrders / PositionRisk / Balances / Account: signed reads
//   - SetLeverage / PositionMode / SetPositionMode: account setup
//   - ExchangeInfo / BookTicker / Klines: public market data
//   - StartUserStream / KeepaliveUserStream / CloseUserStream: listen key
//
// Every request goes through the RateLimiter with an endpoint weight and
// a priority. Signed endpoints carry an HMAC-SHA256 signature over the
// exact bytes transmitted; the client therefore builds query strings and
// form bodies itself instead of letting resty re-encode them.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"aster-hunter/internal/config"
	"aster-hunter/pkg/types"
)

// Endpoint weights from the venue documentation.
const (
	weightOrder        = 1
	weightBatchOrders  = 5
	weightCancel       = 1
	weightOpenOrders   = 1
	weightPositionRisk = 5
	weightBalance      = 5
	weightAccount      = 5
	weightLeverage     = 1
	weightDualGet      = 30
	weightDualSet      = 1
	weightExchangeInfo = 1
	weightBookTicker   = 2
	weightKlines       = 2
	weightListenKey    = 1
)

const (
	headerAPIKey      = "X-MBX-APIKEY"
	headerUsedWeight  = "X-MBX-USED-WEIGHT-1M"
	headerOrderCount  = "X-MBX-ORDER-COUNT-1M"
	contentTypeForm   = "application/x-www-form-urlencoded"
	paperStartBalance = 10000.0
)

// venueError is the JSON error body the venue returns on 4xx/5xx.
type venueError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Client is the Aster futures REST client. In paper mode mutating calls
// return synthetic success without touching the venue, and account reads
// return an empty (but funded) account so the simulated state lives
// entirely in the position manager.
type Client struct {
	// Signed calls get exactly one attempt: a transport retry would
	// re-send a stale timestamp and, worse, could double-send an order
	// whose first attempt the venue accepted but whose response was
	// lost. The scheduler and the reconcile loop own retries there.
	http *resty.Client
	// Unsigned reads and listen-key calls are idempotent; those retry
	// transparently.
	httpRetry *resty.Client

	signer *Signer
	rl     *RateLimiter
	apiKey string
	paper  bool
	logger *slog.Logger

	paperOrderID int64
	paperDual    atomic.Bool
}

// NewClient creates a REST client behind the given scheduler.
func NewClient(cfg config.Config, rl *RateLimiter, logger *slog.Logger) *Client {
	oneShot := resty.New().
		SetBaseURL(cfg.API.BaseURL).
		SetTimeout(10 * time.Second)

	retrying := resty.New().
		SetBaseURL(cfg.API.BaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	return &Client{
		http:      oneShot,
		httpRetry: retrying,
		signer:    NewSigner(cfg.API.SecretKey),
		rl:        rl,
		apiKey:    cfg.API.APIKey,
		paper:     cfg.Paper,
		logger:    logger.With("component", "exchange"),
	}
}

// ———————————————————————————————————————————————————————————————————————
// Orders
// ———————————————————————————————————————————————————————————————————————

// PlaceOrder submits a single order.
func (c *Client) PlaceOrder(ctx context.Context, req types.OrderRequest, prio types.Priority) (*types.OrderResponse, error) {
	if c.paper {
		resp := c.paperOrderResponse(req)
		c.logger.Info("paper order", "symbol", req.Symbol, "side", req.Side, "type", req.Type, "order_id", resp.OrderID)
		return resp, nil
	}

	var out types.OrderResponse
	err := c.signed(ctx, Request{
		Name:     "order",
		Weight:   weightOrder,
		Orders:   1,
		Priority: prio,
	}, http.MethodPost, "/fapi/v1/order", orderParams(req), &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// PlaceBatchOrders submits up to 5 orders in one request. The response
// carries one entry per order; rejected entries have Code/Msg set and the
// rest still stand, so callers must check each item.
func (c *Client) PlaceBatchOrders(ctx context.Context, reqs []types.OrderRequest, prio types.Priority) ([]types.OrderResponse, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	if len(reqs) > 5 {
		return nil, NewAPIError(KindValidation, fmt.Sprintf("batch limit is 5 orders, got %d", len(reqs)))
	}
	if c.paper {
		out := make([]types.OrderResponse, len(reqs))
		for i, req := range reqs {
			out[i] = *c.paperOrderResponse(req)
		}
		c.logger.Info("paper batch orders", "count", len(reqs))
		return out, nil
	}

	items := make([]batchOrderItem, len(reqs))
	for i, req := range reqs {
		items[i] = newBatchOrderItem(req)
	}
	encoded, err := json.Marshal(items)
	if err != nil {
		return nil, NewAPIError(KindInternal, fmt.Sprintf("marshal batch: %v", err))
	}

	p := NewParams().Set("batchOrders", string(encoded))
	var out []types.OrderResponse
	err = c.signed(ctx, Request{
		Name:     "batchOrders",
		Weight:   weightBatchOrders,
		Orders:   len(reqs),
		Priority: prio,
	}, http.MethodPost, "/fapi/v1/batchOrders", p, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CancelOrder cancels one order by venue id.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64, prio types.Priority) error {
	if c.paper {
		c.logger.Info("paper cancel", "symbol", symbol, "order_id", orderID)
		return nil
	}
	p := NewParams().Set("symbol", symbol).SetInt("orderId", orderID)
	return c.signed(ctx, Request{
		Name:     "cancelOrder",
		Weight:   weightCancel,
		Priority: prio,
	}, http.MethodDelete, "/fapi/v1/order", p, nil)
}

// CancelAllOpenOrders cancels every open order on one symbol.
func (c *Client) CancelAllOpenOrders(ctx context.Context, symbol string, prio types.Priority) error {
	if c.paper {
		c.logger.Info("paper cancel all", "symbol", symbol)
		return nil
	}
	p := NewParams().Set("symbol", symbol)
	return c.signed(ctx, Request{
		Name:     "cancelAllOpenOrders",
		Weight:   weightCancel,
		Priority: prio,
	}, http.MethodDelete, "/fapi/v1/allOpenOrders", p, nil)
}

// OpenOrders lists live orders for one symbol.
func (c *Client) OpenOrders(ctx context.Context, symbol string, prio types.Priority) ([]types.OpenOrder, error) {
	if c.paper {
		return nil, nil
	}
	p := NewParams().Set("symbol", symbol)
	var out []types.OpenOrder
	err := c.signed(ctx, Request{
		Name:     "openOrders",
		Weight:   weightOpenOrders,
		Priority: prio,
		DedupKey: "openOrders:" + symbol,
	}, http.MethodGet, "/fapi/v1/openOrders", p, &out)
	return out, err
}

// ———————————————————————————————————————————————————————————————————————
// Account
// ———————————————————————————————————————————————————————————————————————

// PositionRisk fetches position state. Empty symbol fetches all symbols.
func (c *Client) PositionRisk(ctx context.Context, symbol string, prio types.Priority) ([]types.PositionRisk, error) {
	if c.paper {
		return nil, nil
	}
	p := NewParams()
	if symbol != "" {
		p.Set("symbol", symbol)
	}
	var out []types.PositionRisk
	err := c.signed(ctx, Request{
		Name:     "positionRisk",
		Weight:   weightPositionRisk,
		Priority: prio,
		DedupKey: "positionRisk:" + symbol,
	}, http.MethodGet, "/fapi/v2/positionRisk", p, &out)
	return out, err
}

// Balances fetches per-asset futures balances.
func (c *Client) Balances(ctx context.Context, prio types.Priority) ([]types.Balance, error) {
	if c.paper {
		bal := strconv.FormatFloat(paperStartBalance, 'f', -1, 64)
		return []types.Balance{{Asset: "USDT", Balance: bal, CrossWalletBalance: bal, AvailableBalance: bal}}, nil
	}
	var out []types.Balance
	err := c.signed(ctx, Request{
		Name:     "balance",
		Weight:   weightBalance,
		Priority: prio,
		DedupKey: "balance",
	}, http.MethodGet, "/fapi/v2/balance", NewParams(), &out)
	return out, err
}

// SetLeverage sets the symbol's leverage.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if c.paper {
		c.logger.Info("paper leverage", "symbol", symbol, "leverage", leverage)
		return nil
	}
	p := NewParams().Set("symbol", symbol).SetInt("leverage", int64(leverage))
	return c.signed(ctx, Request{
		Name:     "leverage",
		Weight:   weightLeverage,
		Priority: types.PriorityHigh,
	}, http.MethodPost, "/fapi/v1/leverage", p, nil)
}

// PositionMode reads the account's dual-side (hedge) setting.
func (c *Client) PositionMode(ctx context.Context) (types.PositionMode, error) {
	if c.paper {
		if c.paperDual.Load() {
			return types.HedgeMode, nil
		}
		return types.OneWayMode, nil
	}
	var out struct {
		DualSidePosition bool `json:"dualSidePosition"`
	}
	err := c.signed(ctx, Request{
		Name:     "positionSideGet",
		Weight:   weightDualGet,
		Priority: types.PriorityHigh,
	}, http.MethodGet, "/fapi/v1/positionSide/dual", NewParams(), &out)
	if err != nil {
		return "", err
	}
	if out.DualSidePosition {
		return types.HedgeMode, nil
	}
	return types.OneWayMode, nil
}

// SetPositionMode switches the account between one-way and hedge mode.
func (c *Client) SetPositionMode(ctx context.Context, mode types.PositionMode) error {
	dual := mode == types.HedgeMode
	if c.paper {
		c.paperDual.Store(dual)
		return nil
	}
	p := NewParams().SetBool("dualSidePosition", dual)
	return c.signed(ctx, Request{
		Name:     "positionSideSet",
		Weight:   weightDualSet,
		Priority: types.PriorityHigh,
	}, http.MethodPost, "/fapi/v1/positionSide/dual", p, nil)
}

// ———————————————————————————————————————————————————————————————————————
// Market data (unsigned)
// ———————————————————————————————————————————————————————————————————————

// ExchangeInfo fetches symbol trading rules.
func (c *Client) ExchangeInfo(ctx context.Context) (*types.ExchangeInfo, error) {
	var out types.ExchangeInfo
	err := c.public(ctx, Request{
		Name:     "exchangeInfo",
		Weight:   weightExchangeInfo,
		Priority: types.PriorityHigh,
		DedupKey: "exchangeInfo",
	}, "/fapi/v1/exchangeInfo", NewParams(), &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// BookTicker fetches the best bid/ask for one symbol.
func (c *Client) BookTicker(ctx context.Context, symbol string, prio types.Priority) (*types.BookTicker, error) {
	p := NewParams().Set("symbol", symbol)
	var out types.BookTicker
	err := c.public(ctx, Request{
		Name:     "bookTicker",
		Weight:   weightBookTicker,
		Priority: prio,
		DedupKey: "bookTicker:" + symbol,
	}, "/fapi/v1/ticker/bookTicker", p, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Klines fetches recent candles. The wire format is a positional array
// per candle.
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]types.Kline, error) {
	p := NewParams().
		Set("symbol", symbol).
		Set("interval", interval).
		SetInt("limit", int64(limit))

	var raw [][]json.RawMessage
	err := c.public(ctx, Request{
		Name:     "klines",
		Weight:   weightKlines,
		Priority: types.PriorityLow,
		DedupKey: fmt.Sprintf("klines:%s:%s:%d", symbol, interval, limit),
	}, "/fapi/v1/klines", p, &raw)
	if err != nil {
		return nil, err
	}
	return parseKlines(raw)
}

// ———————————————————————————————————————————————————————————————————————
// Listen key
// ———————————————————————————————————————————————————————————————————————

// StartUserStream creates a listen key for the user-data stream.
func (c *Client) StartUserStream(ctx context.Context) (string, error) {
	if c.paper {
		return "paper-listen-key", nil
	}
	var out struct {
		ListenKey string `json:"listenKey"`
	}
	err := c.keyed(ctx, Request{
		Name:     "listenKeyStart",
		Weight:   weightListenKey,
		Priority: types.PriorityHigh,
	}, http.MethodPost, "/fapi/v1/listenKey", &out)
	if err != nil {
		return "", err
	}
	return out.ListenKey, nil
}

// KeepaliveUserStream extends the listen key's validity.
func (c *Client) KeepaliveUserStream(ctx context.Context) error {
	if c.paper {
		return nil
	}
	return c.keyed(ctx, Request{
		Name:     "listenKeyKeepalive",
		Weight:   weightListenKey,
		Priority: types.PriorityHigh,
	}, http.MethodPut, "/fapi/v1/listenKey", nil)
}

// CloseUserStream discards the listen key.
func (c *Client) CloseUserStream(ctx context.Context) error {
	if c.paper {
		return nil
	}
	return c.keyed(ctx, Request{
		Name:     "listenKeyClose",
		Weight:   weightListenKey,
		Priority: types.PriorityHigh,
	}, http.MethodDelete, "/fapi/v1/listenKey", nil)
}

// ———————————————————————————————————————————————————————————————————————
// Transport plumbing
// ———————————————————————————————————————————————————————————————————————

// signed schedules and sends an authenticated request. GET/DELETE carry
// the signed payload as the query string; POST/PUT carry it as a form
// body. Either way the bytes signed are the bytes sent.
func (c *Client) signed(ctx context.Context, sched Request, method, path string, p *Params, out interface{}) error {
	sched.Do = func(ctx context.Context) (interface{}, error) {
		payload := c.signer.Sign(p)

		r := c.http.R().
			SetContext(ctx).
			SetHeader(headerAPIKey, c.apiKey)

		var resp *resty.Response
		var err error
		switch method {
		case http.MethodGet:
			resp, err = r.Get(path + "?" + payload)
		case http.MethodDelete:
			resp, err = r.Delete(path + "?" + payload)
		case http.MethodPost:
			resp, err = r.SetHeader("Content-Type", contentTypeForm).SetBody(payload).Post(path)
		case http.MethodPut:
			resp, err = r.SetHeader("Content-Type", contentTypeForm).SetBody(payload).Put(path)
		default:
			return nil, NewAPIError(KindInternal, "unsupported method "+method)
		}
		return c.finish(sched.Name, resp, err, out)
	}
	_, err := c.rl.Submit(ctx, sched)
	return err
}

// public schedules and sends an unsigned GET.
func (c *Client) public(ctx context.Context, sched Request, path string, p *Params, out interface{}) error {
	sched.Do = func(ctx context.Context) (interface{}, error) {
		url := path
		if p.Len() > 0 {
			url += "?" + p.Encode()
		}
		resp, err := c.httpRetry.R().SetContext(ctx).Get(url)
		return c.finish(sched.Name, resp, err, out)
	}
	_, err := c.rl.Submit(ctx, sched)
	return err
}

// keyed schedules a request authenticated by API key header only (listen
// key endpoints take no signature).
func (c *Client) keyed(ctx context.Context, sched Request, method, path string, out interface{}) error {
	sched.Do = func(ctx context.Context) (interface{}, error) {
		r := c.httpRetry.R().SetContext(ctx).SetHeader(headerAPIKey, c.apiKey)
		var resp *resty.Response
		var err error
		switch method {
		case http.MethodPost:
			resp, err = r.Post(path)
		case http.MethodPut:
			resp, err = r.Put(path)
		case http.MethodDelete:
			resp, err = r.Delete(path)
		default:
			return nil, NewAPIError(KindInternal, "unsupported method "+method)
		}
		return c.finish(sched.Name, resp, err, out)
	}
	_, err := c.rl.Submit(ctx, sched)
	return err
}

// finish harvests rate-limit headers, maps errors, and decodes the body.
func (c *Client) finish(name string, resp *resty.Response, err error, out interface{}) (interface{}, error) {
	if err != nil {
		return nil, &APIError{Kind: KindTransport, Message: fmt.Sprintf("%s: %v", name, err)}
	}

	c.harvestHeaders(resp)

	if resp.StatusCode() >= 400 {
		var ve venueError
		_ = json.Unmarshal(resp.Body(), &ve)
		msg := ve.Msg
		if msg == "" {
			msg = resp.String()
		}
		return nil, &APIError{
			Kind:       classifyHTTP(resp.StatusCode(), ve.Code),
			Code:       ve.Code,
			HTTPStatus: resp.StatusCode(),
			Message:    fmt.Sprintf("%s: %s", name, msg),
		}
	}

	if out != nil {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return nil, &APIError{Kind: KindInternal, Message: fmt.Sprintf("%s: decode: %v", name, err)}
		}
	}
	return out, nil
}

func (c *Client) harvestHeaders(resp *resty.Response) {
	weight, orders := -1, -1
	if v := resp.Header().Get(headerUsedWeight); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			weight = n
		}
	}
	if v := resp.Header().Get(headerOrderCount); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			orders = n
		}
	}
	if weight >= 0 || orders >= 0 {
		c.rl.HarvestHeaders(weight, orders)
	}
}

// orderParams serializes an order in a fixed parameter order. Quantity is
// omitted for closePosition orders; reduceOnly and closePosition are
// mutually exclusive on the wire.
func orderParams(req types.OrderRequest) *Params {
	p := NewParams().
		Set("symbol", req.Symbol).
		Set("side", string(req.Side))
	if req.PositionSide != "" {
		p.Set("positionSide", string(req.PositionSide))
	}
	p.Set("type", string(req.Type))
	if !req.ClosePosition && req.Quantity > 0 {
		p.SetFloat("quantity", req.Quantity)
	}
	if req.Type == types.OrderLimit {
		p.SetFloat("price", req.Price)
		tif := req.TimeInForce
		if tif == "" {
			tif = "GTC"
		}
		p.Set("timeInForce", tif)
	}
	if req.StopPrice > 0 {
		p.SetFloat("stopPrice", req.StopPrice)
	}
	if req.ClosePosition {
		p.SetBool("closePosition", true)
	} else if req.ReduceOnly {
		p.SetBool("reduceOnly", true)
	}
	if req.WorkingType != "" {
		p.Set("workingType", req.WorkingType)
	}
	if req.PriceProtect {
		p.SetBool("priceProtect", true)
	}
	if req.ClientOrderID != "" {
		p.Set("newClientOrderId", req.ClientOrderID)
	}
	return p
}

// batchOrderItem is one order inside the batchOrders JSON array. The
// venue wants every value as a string.
type batchOrderItem struct {
	Symbol           string `json:"symbol"`
	Side             string `json:"side"`
	PositionSide     string `json:"positionSide,omitempty"`
	Type             string `json:"type"`
	Quantity         string `json:"quantity,omitempty"`
	Price            string `json:"price,omitempty"`
	TimeInForce      string `json:"timeInForce,omitempty"`
	StopPrice        string `json:"stopPrice,omitempty"`
	ReduceOnly       string `json:"reduceOnly,omitempty"`
	ClosePosition    string `json:"closePosition,omitempty"`
	WorkingType      string `json:"workingType,omitempty"`
	PriceProtect     string `json:"priceProtect,omitempty"`
	NewClientOrderID string `json:"newClientOrderId,omitempty"`
}

func newBatchOrderItem(req types.OrderRequest) batchOrderItem {
	item := batchOrderItem{
		Symbol:       req.Symbol,
		Side:         string(req.Side),
		PositionSide: string(req.PositionSide),
		Type:         string(req.Type),
		WorkingType:  req.WorkingType,
	}
	if !req.ClosePosition && req.Quantity > 0 {
		item.Quantity = strconv.FormatFloat(req.Quantity, 'f', -1, 64)
	}
	if req.Type == types.OrderLimit {
		item.Price = strconv.FormatFloat(req.Price, 'f', -1, 64)
		item.TimeInForce = req.TimeInForce
		if item.TimeInForce == "" {
			item.TimeInForce = "GTC"
		}
	}
	if req.StopPrice > 0 {
		item.StopPrice = strconv.FormatFloat(req.StopPrice, 'f', -1, 64)
	}
	if req.ClosePosition {
		item.ClosePosition = "true"
	} else if req.ReduceOnly {
		item.ReduceOnly = "true"
	}
	if req.PriceProtect {
		item.PriceProtect = "true"
	}
	if req.ClientOrderID != "" {
		item.NewClientOrderID = req.ClientOrderID
	}
	return item
}

// paperOrderResponse fabricates an acknowledgment with a locally unique id.
func (c *Client) paperOrderResponse(req types.OrderRequest) *types.OrderResponse {
	id := atomic.AddInt64(&c.paperOrderID, 1)
	status := types.StatusNew
	if req.Type == types.OrderMarket {
		status = types.StatusFilled
	}
	return &types.OrderResponse{
		OrderID:       id,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Status:        status,
		Side:          req.Side,
		PositionSide:  req.PositionSide,
		Type:          req.Type,
		OrigQty:       strconv.FormatFloat(req.Quantity, 'f', -1, 64),
		Price:         strconv.FormatFloat(req.Price, 'f', -1, 64),
		StopPrice:     strconv.FormatFloat(req.StopPrice, 'f', -1, 64),
		AvgPrice:      strconv.FormatFloat(req.Price, 'f', -1, 64),
	}
}

// parseKlines decodes the venue's positional candle arrays.
func parseKlines(raw [][]json.RawMessage) ([]types.Kline, error) {
	out := make([]types.Kline, 0, len(raw))
	for _, row := range raw {
		if len(row) < 7 {
			return nil, NewAPIError(KindInternal, fmt.Sprintf("kline row has %d fields, want >= 7", len(row)))
		}
		var openTime, closeTime int64
		var o, h, l, cl, v string
		fields := []struct {
			idx  int
			dest interface{}
		}{
			{0, &openTime}, {1, &o}, {2, &h}, {3, &l}, {4, &cl}, {5, &v}, {6, &closeTime},
		}
		for _, f := range fields {
			if err := json.Unmarshal(row[f.idx], f.dest); err != nil {
				return nil, NewAPIError(KindInternal, fmt.Sprintf("kline field %d: %v", f.idx, err))
			}
		}
		k := types.Kline{
			OpenTime:  time.UnixMilli(openTime),
			CloseTime: time.UnixMilli(closeTime),
		}
		k.Open, _ = strconv.ParseFloat(o, 64)
		k.High, _ = strconv.ParseFloat(h, 64)
		k.Low, _ = strconv.ParseFloat(l, 64)
		k.Close, _ = strconv.ParseFloat(cl, 64)
		k.Volume, _ = strconv.ParseFloat(v, 64)
		out = append(out, k)
	}
	return out, nil
}
