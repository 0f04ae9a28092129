// Coinbot — a copy-trading bot for Polymarket hourly crypto markets. It
// mirrors one source wallet's fills into its own marketable-limit orders,
// with netting, risk caps, and a full telemetry trail.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: intake → coalesce → gates → size → submit, plus snapshots
//	engine/coalescer.go  — groups source fills per market/window/outcome, nets opposite sides
//	watcher/             — source-fill intake: Data-API poller + CLOB market WS, deduped ingress
//	policy/policy.go     — pre-trade guards (near-expiry, staleness) and notional sizing
//	risk/                — window/market/daily budgets, manual + auto kill switch
//	exchange/client.go   — REST client for the Polymarket CLOB (sign, post, cancel)
//	exchange/auth.go     — L1 (EIP-712) and L2 (HMAC) authentication
//	exchange/userfeed.go — authenticated user WS: our own fills and order state
//	market/              — Gamma metadata cache and hourly window parsing
//	pnl/book.go          — fills, marks, and settlement ledger
//	telemetry/           — per-stage latency metrics, CSV snapshots, audit + shadow logs
//	api/                 — dashboard HTTP + WS status server
//	store/store.go       — SQLite checkpoints and dedupe (survives restarts)
//
// How it trades:
//
//	The watcher spots every fill the source wallet makes. Fills that land in
//	the same market, hourly window, and outcome within the coalesce period
//	merge into one net intent, so a burst of small source orders becomes a
//	single bot order and an instant buy/sell flip becomes nothing. Each
//	intent is sized, checked against the risk budgets, priced as a
//	marketable limit inside the slippage cap, and submitted. Every decision
//	lands in the audit trail whether it executed or not.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"coinbot/internal/api"
	"coinbot/internal/config"
	"coinbot/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("COINBOT_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
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

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(*cfg, eng, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.Execution.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("coinbot started",
		"source_wallet", cfg.Copy.SourceWallet,
		"sizing_mode", cfg.Sizing.Mode,
		"max_daily_usd", cfg.Sizing.MaxDailyTradedVolumeUSD,
		"dry_run", cfg.Execution.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop dashboard", "error", err)
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
