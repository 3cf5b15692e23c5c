package signals

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"tqqqbot/internal/md"
)

type Signal string

const (
	Bullish Signal = "bullish"
	Bearish Signal = "bearish"
	Neutral Signal = "neutral"
)

// Evaluation is one signal read: the classification plus the inputs that
// produced it, kept for journaling and downstream sizing.
type Evaluation struct {
	Symbol   string
	Signal   Signal
	Price    float64
	EMAShort float64
	EMALong  float64
	AsOf     time.Time
	Series   md.Series
}

type EvaluatorConfig struct {
	ShortPeriod int
	LongPeriod  int
	Interval    md.Interval
	Lookback    int
	MaxBarAge   time.Duration
}

// Evaluator classifies the trend for a symbol from a dual-EMA read of
// recent bars against the live price.
type Evaluator struct {
	provider md.Provider
	cfg      EvaluatorConfig
}

func NewEvaluator(provider md.Provider, cfg EvaluatorConfig) (*Evaluator, error) {
	if cfg.ShortPeriod < 2 {
		return nil, fmt.Errorf("short period must be >= 2, got %d", cfg.ShortPeriod)
	}
	if cfg.ShortPeriod >= cfg.LongPeriod {
		return nil, fmt.Errorf("short period %d must be < long period %d", cfg.ShortPeriod, cfg.LongPeriod)
	}
	if cfg.Lookback < cfg.LongPeriod {
		return nil, fmt.Errorf("lookback %d must be >= long period %d", cfg.Lookback, cfg.LongPeriod)
	}
	if cfg.MaxBarAge <= 0 {
		return nil, fmt.Errorf("max bar age must be > 0, got %s", cfg.MaxBarAge)
	}
	return &Evaluator{provider: provider, cfg: cfg}, nil
}

func (e *Evaluator) Evaluate(ctx context.Context, symbol string) (Evaluation, error) {
	series, err := e.provider.GetBars(ctx, symbol, e.cfg.Interval, e.cfg.Lookback)
	if err != nil {
		return Evaluation{}, fmt.Errorf("fetch bars: %w", err)
	}
	if len(series) < e.cfg.LongPeriod {
		return Evaluation{}, fmt.Errorf("%w: %s needs %d bars, got %d", md.ErrInsufficientData, symbol, e.cfg.LongPeriod, len(series))
	}

	last, _ := series.Last()
	if age := time.Since(last.Timestamp); age > e.cfg.MaxBarAge {
		return Evaluation{}, fmt.Errorf("%w: newest bar for %s is %s old", md.ErrStaleData, symbol, age.Truncate(time.Second))
	}

	closes := series.Closes()
	emaShort, err := EMA(closes, e.cfg.ShortPeriod)
	if err != nil {
		return Evaluation{}, fmt.Errorf("short ema: %w", err)
	}
	emaLong, err := EMA(closes, e.cfg.LongPeriod)
	if err != nil {
		return Evaluation{}, fmt.Errorf("long ema: %w", err)
	}

	price, err := e.provider.GetCurrentPrice(ctx, symbol)
	if err != nil {
		return Evaluation{}, fmt.Errorf("fetch price: %w", err)
	}
	if price <= 0 {
		return Evaluation{}, fmt.Errorf("invalid price %f for %s", price, symbol)
	}

	signal := Classify(price, emaShort, emaLong)
	slog.Info("signal evaluated",
		"symbol", symbol,
		"signal", signal,
		"price", price,
		"ema_short", emaShort,
		"ema_long", emaLong,
		"bars", len(series),
	)

	return Evaluation{
		Symbol:   symbol,
		Signal:   signal,
		Price:    price,
		EMAShort: emaShort,
		EMALong:  emaLong,
		AsOf:     last.Timestamp,
		Series:   series,
	}, nil
}

// Classify maps a price against its short and long EMAs. Bullish requires
// the full stack price > emaShort > emaLong, bearish the full inversion,
// anything else reads neutral.
func Classify(price, emaShort, emaLong float64) Signal {
	switch {
	case price > emaShort && emaShort > emaLong:
		return Bullish
	case price < emaShort && emaShort < emaLong:
		return Bearish
	default:
		return Neutral
	}
}

// EMA computes an exponential moving average over closes, seeded with the
// simple average of the first period values, and returns the final value.
func EMA(closes []float64, period int) (float64, error) {
	if period < 1 {
		return 0, fmt.Errorf("period must be >= 1, got %d", period)
	}
	if len(closes) < period {
		return 0, fmt.Errorf("%w: need %d closes, got %d", md.ErrInsufficientData, period, len(closes))
	}

	var seed float64
	for _, close := range closes[:period] {
		seed += close
	}
	ema := seed / float64(period)

	k := 2.0 / float64(period+1)
	for _, close := range closes[period:] {
		ema = close*k + ema*(1-k)
	}
	return ema, nil
}
