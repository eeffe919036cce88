// Bithumb Trader — an automated spot-trading bot for the Bithumb KRW
// markets, built on an indicator-driven mean-reversion strategy.
//
// Architecture:
//
//	main.go               — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go      — orchestrator: cycle loop, heartbeat, daily rollover, shutdown
//	portfolio/portfolio.go — per-cycle pipeline across the basket, priority and caps
//	strategy/evaluator.go — entry scoring, take-profit ladder, pyramiding, chandelier stop
//	strategy/position.go  — FIFO lot accounting, weighted-average entry, realized PnL
//	regime/regime.go      — ADX/EMA regime classifier with two-cycle hysteresis
//	indicators/           — pure indicator math over OHLCV series (MA, RSI, MACD, ATR, ...)
//	exchange/client.go    — REST client for the Bithumb API (ticker, candles, orders, balance)
//	exchange/auth.go      — HMAC-SHA512 request signing with a monotonic nonce
//	exchange/ws.go        — public WS ticker feed with auto-reconnect
//	executor/executor.go  — applies intents: preflight, orders, persistence, notifications
//	store/store.go        — crash-safe JSON persistence (positions, trade log, counters)
//	notify/               — bounded event dispatcher with a Telegram sink
//
// How it trades:
//
//	Each cycle the bot pulls candles per coin, computes indicators, and
//	classifies the market regime. Oversold conditions (lower Bollinger
//	touch, low RSI, stochastic cross) score an entry; regimes gate how
//	much evidence an entry needs. Positions scale out at two profit
//	targets and trail a chandelier stop; losses are cut at the stop and
//	daily caps keep a bad day small.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"bithumb-trader/internal/api"
	"bithumb-trader/internal/config"
	"bithumb-trader/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("BITHUMB_CONFIG"); p != "" {
		cfgPath = p
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

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API, eng, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("status server failed", "error", err)
			}
		}()
		logger.Info("status server started", "url", fmt.Sprintf("http://localhost:%d", cfg.API.Port))
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.Safety.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("bithumb trader started",
		"coins", cfg.Portfolio.Coins,
		"interval", cfg.Strategy.Interval,
		"base_trade_krw", cfg.Portfolio.BaseTradeKRW,
		"dry_run", cfg.Safety.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop status server", "error", err)
		}
	}

	eng.Stop()
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
