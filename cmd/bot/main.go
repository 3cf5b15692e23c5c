package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tqqqbot/internal/broker"
	"tqqqbot/internal/config"
	"tqqqbot/internal/engine"
	"tqqqbot/internal/journal"
	"tqqqbot/internal/md"
	"tqqqbot/internal/notify"
	"tqqqbot/internal/risk"
	"tqqqbot/internal/secrets"
	"tqqqbot/internal/signals"
	"tqqqbot/internal/sizing"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	setupLogging(cfg.LogLevel)

	creds, err := secrets.Load(cfg.SecretsPath)
	if err != nil {
		log.Fatalf("secrets error: %v", err)
	}

	provider, err := buildProvider(cfg, creds)
	if err != nil {
		log.Fatalf("provider error: %v", err)
	}

	evaluator, err := signals.NewEvaluator(provider, signals.EvaluatorConfig{
		ShortPeriod: cfg.EMAShort,
		LongPeriod:  cfg.EMALong,
		Interval:    md.Interval(cfg.Interval),
		Lookback:    cfg.Lookback,
		MaxBarAge:   cfg.MaxBarAge,
	})
	if err != nil {
		log.Fatalf("signal config error: %v", err)
	}

	sizer, err := sizing.NewKelly(sizing.KellyConfig{
		DefaultFraction: cfg.KellyDefault,
		MaxAllocation:   cfg.KellyMax,
		Window:          cfg.KellyWindow,
		MinSample:       cfg.KellyMinSample,
	})
	if err != nil {
		log.Fatalf("sizing config error: %v", err)
	}

	stoploss, err := risk.FromConfig(risk.Config{
		Strategy:        cfg.Strategy,
		StopPct:         cfg.StopPct,
		TakeProfitPct:   cfg.TakeProfitPct,
		MinStopDistance: cfg.MinStopDistance,
		MaxStopDistance: cfg.MaxStopDistance,
		ATRMultiplier:   cfg.ATRMultiplier,
		ATRPeriod:       cfg.ATRPeriod,
		RewardRisk:      cfg.RewardRisk,
		CacheTTL:        cfg.ATRCacheTTL,
		FallbackPct:     cfg.ATRFallbackPct,
	}, provider)
	if err != nil {
		log.Fatalf("risk config error: %v", err)
	}

	brokerClient, err := buildBroker(cfg, creds, provider)
	if err != nil {
		log.Fatalf("broker error: %v", err)
	}

	store, err := journal.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatalf("journal error: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("failed to close journal", "error", err)
		}
	}()

	var notifier notify.Notifier = notify.Nop{}
	if cfg.WebhookURL != "" {
		notifier = notify.NewWebhook(cfg.WebhookURL)
	}

	runID := generateRunID()
	var audit *engine.CycleLog
	if cfg.AuditPath != "" {
		audit, err = engine.NewCycleLog(cfg.AuditPath, runID)
		if err != nil {
			log.Fatalf("cycle log error: %v", err)
		}
		defer func() {
			if err := audit.Close(); err != nil {
				slog.Warn("failed to close cycle log", "error", err)
			}
		}()
	}

	eng := engine.New(cfg, evaluator, sizer, stoploss, brokerClient, store, notifier, audit)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signalChan
		slog.Info("shutdown signal received")
		cancel()
	}()

	slog.Info("starting bot", "run_id", runID, "mode", cfg.Mode, "symbol", cfg.Symbol, "provider", cfg.Provider, "stop_loss", strategyName(stoploss))

	if !cfg.Loop {
		result := eng.RunCycle(ctx)
		slog.Info("bot shutdown complete", "outcome", result.Outcome)
		if result.Outcome == engine.Failed {
			return 1
		}
		return 0
	}

	for {
		result := eng.RunCycle(ctx)
		slog.Info("cycle finished", "outcome", result.Outcome, "next_run_in", cfg.LoopInterval)
		if err := broker.WaitForContext(ctx, cfg.LoopInterval); err != nil {
			break
		}
	}
	slog.Info("bot shutdown complete")
	return 0
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func buildProvider(cfg config.Config, creds secrets.Credentials) (md.Provider, error) {
	switch cfg.Provider {
	case "alpaca":
		if creds.Alpaca.KeyID == "" || creds.Alpaca.SecretKey == "" {
			return nil, fmt.Errorf("alpaca market data requires APCA_API_KEY_ID and APCA_API_SECRET_KEY")
		}
		return md.NewAlpacaProvider(creds.Alpaca.KeyID, creds.Alpaca.SecretKey, cfg.Feed), nil
	case "twelvedata":
		apiKey := creds.TwelveData.APIKey
		if apiKey == "" {
			slog.Warn("TWELVE_DATA_API_KEY not set, using the demo key, only demo symbols will resolve")
			apiKey = "demo"
		}
		return md.NewTwelveDataProvider(apiKey), nil
	case "fmp":
		if creds.FMP.APIKey == "" {
			return nil, fmt.Errorf("fmp requires FMP_API_KEY")
		}
		return md.NewFMPProvider(creds.FMP.APIKey), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// buildBroker picks the execution venue. Paper mode without Alpaca
// credentials runs against the in-process simulator so the bot works out
// of the box.
func buildBroker(cfg config.Config, creds secrets.Credentials, prices md.Provider) (broker.Broker, error) {
	hasCreds := creds.Alpaca.KeyID != "" && creds.Alpaca.SecretKey != ""
	if cfg.Mode == config.ModePaper && !hasCreds {
		slog.Info("no alpaca credentials, using simulated broker", "cash", cfg.PaperCash)
		return broker.NewPaper(cfg.PaperCash, prices), nil
	}
	if !hasCreds {
		return nil, fmt.Errorf("live mode requires APCA_API_KEY_ID and APCA_API_SECRET_KEY")
	}
	return broker.NewAlpaca(creds.Alpaca.KeyID, creds.Alpaca.SecretKey, cfg.BaseURL), nil
}

func strategyName(s risk.StopLoss) string {
	if s == nil {
		return "none"
	}
	return s.Name()
}

func generateRunID() string {
	timestamp := time.Now().UTC().Format("20060102T150405")
	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		return timestamp
	}
	return timestamp + "-" + hex.EncodeToString(randomBytes)
}
