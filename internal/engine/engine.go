// Package engine is the central orchestrator of the liquidation hunter.
//
// It wires together all subsystems:
//
//  1. The rate-limit scheduler that every REST call flows through.
//  2. The market stream (forced liquidations + mark prices) feeding the
//     mark mirror and the hunter.
//  3. The user stream feeding position and order state into the manager.
//  4. The hunter, which turns qualifying liquidations into entries.
//  5. The position manager, which reconciles and protects every position.
//
// Lifecycle: New() → Start() → [runs until SIGINT or fatal stream error] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"aster-hunter/internal/config"
	"aster-hunter/internal/events"
	"aster-hunter/internal/exchange"
	"aster-hunter/internal/hunter"
	"aster-hunter/internal/market"
	"aster-hunter/internal/position"
	"aster-hunter/internal/store"
	"aster-hunter/pkg/types"
)

// The client satisfies both consumer-side interfaces; keep that visible
// at compile time.
var (
	_ hunter.Exchange     = (*exchange.Client)(nil)
	_ position.Exchange   = (*exchange.Client)(nil)
	_ hunter.PositionView = (*position.Manager)(nil)
)

const startupTimeout = 30 * time.Second

// Engine owns the lifecycle of all components and their goroutines.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	bus       *events.Bus
	rl        *exchange.RateLimiter
	client    *exchange.Client
	db        *store.Store
	registry  *market.Registry
	marks     *market.Marks
	manager   *position.Manager
	hunter    *hunter.Hunter
	mktStream *exchange.MarketStream
	usrStream *exchange.UserStream

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	bus := events.NewBus(cfg.Paper)
	bus.Attach(events.NewLogSink(logger))

	rl := exchange.NewRateLimiter(cfg.Global.RateLimit, bus, logger)
	client := exchange.NewClient(*cfg, rl, logger)

	db, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		return nil, err
	}

	registry := market.NewRegistry(logger)
	marks := market.NewMarks()
	manager := position.New(cfg, client, marks, registry, bus, db, logger)
	h := hunter.New(cfg, client, marks, registry, manager, bus, logger)

	symbols := make([]string, 0, len(cfg.Symbols))
	for sym := range cfg.Symbols {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:       cfg,
		logger:    logger.With("component", "engine"),
		bus:       bus,
		rl:        rl,
		client:    client,
		db:        db,
		registry:  registry,
		marks:     marks,
		manager:   manager,
		hunter:    h,
		mktStream: exchange.NewMarketStream(cfg.API.WSBaseURL, symbols, logger),
		usrStream: exchange.NewUserStream(client, cfg.API.WSBaseURL, logger),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Bus exposes the event bus so hosts can attach sinks before Start.
func (e *Engine) Bus() *events.Bus { return e.bus }

// Done is closed when the engine stops on its own (fatal stream failure).
func (e *Engine) Done() <-chan struct{} { return e.ctx.Done() }

// Start runs the startup checks and launches all background goroutines.
func (e *Engine) Start() error {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.rl.Run(e.ctx)
	}()

	ctx, cancel := context.WithTimeout(e.ctx, startupTimeout)
	defer cancel()
	if err := e.startup(ctx); err != nil {
		e.cancel()
		return err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.mktStream.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("market stream failed", "error", err)
			e.cancel()
		}
	}()

	if !e.cfg.Paper {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.usrStream.Run(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("user stream failed", "error", err)
				e.cancel()
			}
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.manager.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.hunter.Run(e.ctx, e.mktStream.Liquidations())
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatchMarketEvents()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatchUserEvents()
	}()

	e.logger.Info("engine started",
		"symbols", len(e.cfg.Symbols),
		"position_mode", e.cfg.Global.PositionMode,
		"paper", e.cfg.Paper,
	)
	return nil
}

// Stop cancels all goroutines and waits for them to drain. The user
// stream releases its listen key on the way out.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")
	e.cancel()
	e.wg.Wait()
	e.logger.Info("shutdown complete")
}

// startup loads precision rules, reconciles the position mode, applies
// leverage, and restores persisted protection state. Any hard failure
// aborts the start; trading with wrong filters or mode is worse than not
// starting.
func (e *Engine) startup(ctx context.Context) error {
	info, err := e.client.ExchangeInfo(ctx)
	if err != nil {
		e.logger.Warn("exchangeInfo fetch failed, trying disk cache", "error", err)
		cached, cerr := e.db.LoadExchangeInfo()
		if cerr != nil || cached == nil {
			return fmt.Errorf("no usable exchangeInfo: %w", err)
		}
		info = cached
	} else if err := e.db.SaveExchangeInfo(info); err != nil {
		e.logger.Warn("cache exchangeInfo", "error", err)
	}
	e.registry.Load(info)

	mode, err := e.reconcilePositionMode(ctx)
	if err != nil {
		return err
	}
	e.manager.SetPositionMode(mode)
	e.hunter.SetPositionMode(mode)

	for sym, sc := range e.cfg.Symbols {
		if err := e.client.SetLeverage(ctx, sym, sc.Leverage); err != nil {
			// Not fatal: the venue keeps the previous setting and the
			// account may already be at the target.
			e.logger.Warn("set leverage", "symbol", sym, "leverage", sc.Leverage, "error", err)
		}
	}

	return e.manager.Restore()
}

// reconcilePositionMode aligns the venue's account mode with the config.
// When the switch fails (open positions block it) the venue mode wins and
// the configured one is ignored for this run.
func (e *Engine) reconcilePositionMode(ctx context.Context) (types.PositionMode, error) {
	venueMode, err := e.client.PositionMode(ctx)
	if err != nil {
		return "", fmt.Errorf("query position mode: %w", err)
	}
	want := e.cfg.Global.PositionMode
	if venueMode == want {
		return want, nil
	}
	if err := e.client.SetPositionMode(ctx, want); err != nil {
		e.logger.Warn("position mode switch refused, adopting venue mode",
			"configured", want, "venue", venueMode, "error", err)
		return venueMode, nil
	}
	e.logger.Info("position mode switched", "from", venueMode, "to", want)
	return want, nil
}

// dispatchMarketEvents feeds mark-price ticks into the mirror and onto
// the bus. Liquidations go straight to the hunter's channel.
func (e *Engine) dispatchMarketEvents() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case upd := <-e.mktStream.MarkPrices():
			e.marks.Update(upd)
			e.bus.Emit(events.TypeMarkPriceUpdate, events.MarkPrice{
				Symbol: upd.Symbol,
				Price:  upd.MarkPrice,
			})
		}
	}
}

// dispatchUserEvents routes user-data frames to the manager and hunter.
func (e *Engine) dispatchUserEvents() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case upd := <-e.usrStream.AccountUpdates():
			e.manager.ApplyAccountUpdate(upd)
		case upd := <-e.usrStream.OrderUpdates():
			e.manager.ApplyOrderUpdate(upd)
			e.hunter.OnOrderUpdate(upd)
		}
	}
}
