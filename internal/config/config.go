package config

import (
	"flag"
	"fmt"
	"time"
)

type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

type Config struct {
	Mode   Mode
	Symbol string

	Provider  string
	Feed      string
	Interval  string
	EMAShort  int
	EMALong   int
	Lookback  int
	MaxBarAge time.Duration

	Strategy        string
	StopPct         float64
	TakeProfitPct   float64
	MinStopDistance float64
	MaxStopDistance float64
	ATRMultiplier   float64
	ATRPeriod       int
	RewardRisk      float64
	ATRCacheTTL     time.Duration
	ATRFallbackPct  float64

	KellyDefault   float64
	KellyWindow    int
	KellyMinSample int
	KellyMax       float64
	ReservedBuffer float64

	PaperCash       float64
	BaseURL         string
	ProviderTimeout time.Duration
	BrokerTimeout   time.Duration

	DBPath      string
	AuditPath   string
	WebhookURL  string
	SecretsPath string

	Loop         bool
	LoopInterval time.Duration

	LogLevel string
}

func Load() (Config, error) {
	var cfg Config
	var mode string

	loadDotEnvIfPresent(".env")

	flag.StringVar(&mode, "mode", string(ModePaper), "run mode: paper or live")
	flag.StringVar(&cfg.Symbol, "symbol", "TQQQ", "trading symbol")
	flag.StringVar(&cfg.Provider, "provider", "alpaca", "market data provider: alpaca, twelvedata or fmp")
	flag.StringVar(&cfg.Feed, "feed", "iex", "alpaca data feed: iex or sip")
	flag.StringVar(&cfg.Interval, "interval", "1h", "signal bar interval: 1h or 1day")
	flag.IntVar(&cfg.EMAShort, "ema-short", 10, "short EMA period")
	flag.IntVar(&cfg.EMALong, "ema-long", 20, "long EMA period")
	flag.IntVar(&cfg.Lookback, "lookback", 30, "bars fetched for signal evaluation")
	flag.DurationVar(&cfg.MaxBarAge, "max-bar-age", 2*time.Hour, "maximum age of the latest bar")
	flag.StringVar(&cfg.Strategy, "strategy", "percentage", "stop loss strategy: none, percentage or atr")
	flag.Float64Var(&cfg.StopPct, "stop-pct", 0.05, "stop distance as a fraction of entry price")
	flag.Float64Var(&cfg.TakeProfitPct, "take-profit-pct", 0, "take profit as a fraction of entry price, 0 disables")
	flag.Float64Var(&cfg.MinStopDistance, "min-stop-distance", 0, "minimum stop distance in dollars, 0 disables")
	flag.Float64Var(&cfg.MaxStopDistance, "max-stop-distance", 0, "maximum stop distance in dollars, 0 disables")
	flag.Float64Var(&cfg.ATRMultiplier, "atr-multiplier", 2.0, "ATR multiplier for the stop distance")
	flag.IntVar(&cfg.ATRPeriod, "atr-period", 14, "ATR lookback period")
	flag.Float64Var(&cfg.RewardRisk, "reward-risk", 0, "reward to risk ratio for the ATR target, 0 disables")
	flag.DurationVar(&cfg.ATRCacheTTL, "atr-cache-ttl", 30*time.Minute, "how long computed ATR values are reused")
	flag.Float64Var(&cfg.ATRFallbackPct, "atr-fallback-pct", 0.05, "stop fraction when ATR is unavailable")
	flag.Float64Var(&cfg.KellyDefault, "kelly-default", 0.5, "allocation fraction when trade history is insufficient")
	flag.IntVar(&cfg.KellyWindow, "kelly-window", 20, "recent returns considered by the Kelly sizer")
	flag.IntVar(&cfg.KellyMinSample, "kelly-min-sample", 10, "minimum returns before Kelly sizing applies")
	flag.Float64Var(&cfg.KellyMax, "kelly-max", 1.0, "ceiling on the Kelly allocation fraction")
	flag.Float64Var(&cfg.ReservedBuffer, "reserved-buffer", 0.05, "fraction of buying power kept in reserve")
	flag.Float64Var(&cfg.PaperCash, "paper-cash", 100000, "starting cash in paper mode")
	flag.StringVar(&cfg.BaseURL, "base-url", "", "alpaca trading API base URL, defaults by mode")
	flag.DurationVar(&cfg.ProviderTimeout, "provider-timeout", 30*time.Second, "timeout for market data calls")
	flag.DurationVar(&cfg.BrokerTimeout, "broker-timeout", 30*time.Second, "timeout for broker calls")
	flag.StringVar(&cfg.DBPath, "db-path", "transactions.db", "path to the transaction journal")
	flag.StringVar(&cfg.AuditPath, "audit-path", "cycles.ndjson", "path to the cycle audit log, empty disables")
	flag.StringVar(&cfg.WebhookURL, "webhook-url", "", "notification webhook URL, empty disables")
	flag.StringVar(&cfg.SecretsPath, "secrets-path", "secrets.yaml", "path to the credentials file")
	flag.BoolVar(&cfg.Loop, "loop", false, "keep running cycles instead of exiting after one")
	flag.DurationVar(&cfg.LoopInterval, "loop-interval", 2*time.Hour, "delay between cycles with -loop")
	flag.StringVar(&cfg.LogLevel, "log-level", "info", "log level: debug, info, warn or error")
	flag.Parse()

	cfg.Mode = Mode(mode)

	if cfg.BaseURL == "" {
		if cfg.Mode == ModeLive {
			cfg.BaseURL = "https://api.alpaca.markets"
		} else {
			cfg.BaseURL = "https://paper-api.alpaca.markets"
		}
	}

	if err := validate(cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// validate covers flag-level and cross-field checks. Strategy and sizing
// bounds are enforced by the component constructors, which also fail at
// startup.
func validate(cfg Config) error {
	if cfg.Mode != ModePaper && cfg.Mode != ModeLive {
		return fmt.Errorf("invalid mode: %s", cfg.Mode)
	}
	if cfg.Symbol == "" {
		return fmt.Errorf("symbol must not be empty")
	}
	switch cfg.Provider {
	case "alpaca", "twelvedata", "fmp":
	default:
		return fmt.Errorf("invalid provider: %s", cfg.Provider)
	}
	if cfg.Provider == "alpaca" && cfg.Feed != "iex" && cfg.Feed != "sip" {
		return fmt.Errorf("invalid feed: %s", cfg.Feed)
	}
	if cfg.Interval != "1h" && cfg.Interval != "1day" {
		return fmt.Errorf("invalid interval: %s", cfg.Interval)
	}
	if cfg.EMAShort <= 1 {
		return fmt.Errorf("ema-short must be > 1")
	}
	if cfg.EMALong <= cfg.EMAShort {
		return fmt.Errorf("ema-long must be > ema-short")
	}
	if cfg.Lookback < cfg.EMALong {
		return fmt.Errorf("lookback must be >= ema-long")
	}
	if cfg.MaxBarAge <= 0 {
		return fmt.Errorf("max-bar-age must be > 0")
	}
	switch cfg.Strategy {
	case "none", "percentage", "atr":
	default:
		return fmt.Errorf("invalid strategy: %s", cfg.Strategy)
	}
	if cfg.ReservedBuffer < 0 || cfg.ReservedBuffer >= 1 {
		return fmt.Errorf("reserved-buffer must be in [0, 1)")
	}
	if cfg.Mode == ModePaper && cfg.PaperCash <= 0 {
		return fmt.Errorf("paper-cash must be > 0")
	}
	if cfg.ProviderTimeout <= 0 {
		return fmt.Errorf("provider-timeout must be > 0")
	}
	if cfg.BrokerTimeout <= 0 {
		return fmt.Errorf("broker-timeout must be > 0")
	}
	if cfg.DBPath == "" {
		return fmt.Errorf("db-path must not be empty")
	}
	if cfg.Loop && cfg.LoopInterval <= 0 {
		return fmt.Errorf("loop-interval must be > 0")
	}
	return nil
}
