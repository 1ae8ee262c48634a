// Aster Liquidation Hunter — an automated counter-trading bot for forced
// liquidations on Aster perpetual futures.
//
// Architecture:
//
//	main.go               — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go      — orchestrator: wires streams → hunter → position manager
//	hunter/hunter.go      — entry logic: volume threshold, risk gates, VWAP/slippage vetoes
//	position/manager.go   — tracks positions, places SL/TP batches, reconciles with the venue
//	exchange/client.go    — signed REST client for the Binance-compatible futures API
//	exchange/ratelimit.go — priority scheduler keeping requests under the venue budgets
//	exchange/*stream.go   — liquidation/mark-price and user-data WebSocket feeds
//	market/               — precision registry, mark-price mirror, VWAP gate
//	store/store.go        — JSON file persistence (exchangeInfo cache, protective orders)
//
// How it makes money:
//
//	Forced liquidations execute at market and overshoot fair price. The
//	bot watches the public liquidation feed and, when a large enough
//	liquidation prints, takes the other side at a maker price, aiming to
//	capture the snap-back with a tight take-profit and a hard stop-loss.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"aster-hunter/internal/config"
	"aster-hunter/internal/engine"
	"aster-hunter/internal/events"
	"aster-hunter/internal/exchange"
	"aster-hunter/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("ASTER_CONFIG"); p != "" {
		cfgPath = p
	}

	args := os.Args[1:]
	command := "start"
	if len(args) > 0 {
		command = args[0]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)

	switch command {
	case "start":
		runBot(cfg, logger)
	case "status":
		os.Exit(runStatus(cfg, logger))
	default:
		fmt.Fprintf(os.Stderr, "usage: bot [start|status]\n")
		os.Exit(2)
	}
}

func runBot(cfg *config.Config, logger *slog.Logger) {
	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.Paper {
		logger.Warn("PAPER MODE — no real orders will be placed")
	}
	logger.Info("liquidation hunter started",
		"symbols", len(cfg.Symbols),
		"max_positions", cfg.Global.MaxPositions,
		"paper", cfg.Paper,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case <-eng.Done():
		logger.Error("engine stopped on its own")
		defer os.Exit(1)
	}

	// A second signal or a hung drain must not leave a zombie process.
	go func() {
		select {
		case <-sigCh:
			logger.Error("second signal, forcing exit")
		case <-time.After(10 * time.Second):
			logger.Error("shutdown timed out, forcing exit")
		}
		os.Exit(1)
	}()

	eng.Stop()
}

// runStatus performs a one-shot signed connectivity check: account
// balance plus open positions. Exit 0 when the venue answers, 1 when not.
func runStatus(cfg *config.Config, logger *slog.Logger) int {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	bus := events.NewBus(cfg.Paper)
	rl := exchange.NewRateLimiter(cfg.Global.RateLimit, bus, logger)
	go rl.Run(ctx)
	client := exchange.NewClient(*cfg, rl, logger)

	balances, err := client.Balances(ctx, types.PriorityHigh)
	if err != nil {
		fmt.Fprintf(os.Stderr, "balance check failed: %v\n", err)
		return 1
	}
	for _, b := range balances {
		if b.Asset == "USDT" {
			fmt.Printf("USDT balance: %s (available %s)\n", b.Balance, b.AvailableBalance)
		}
	}

	risks, err := client.PositionRisk(ctx, "", types.PriorityHigh)
	if err != nil {
		fmt.Fprintf(os.Stderr, "position check failed: %v\n", err)
		return 1
	}
	open := 0
	for _, r := range risks {
		pos, ok := r.ToPosition()
		if !ok {
			continue
		}
		open++
		fmt.Printf("%-12s %-5s amt=%v entry=%v mark=%v pnl=%v\n",
			pos.Symbol, pos.Direction(), pos.Amount, pos.EntryPrice, pos.MarkPrice, pos.UnrealizedPnL)
	}
	fmt.Printf("open positions: %d\n", open)
	return 0
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
