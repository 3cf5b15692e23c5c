package risk

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"tqqqbot/internal/md"
)

type ATRConfig struct {
	Multiplier  float64
	Period      int
	RewardRisk  float64
	CacheTTL    time.Duration
	FallbackPct float64
}

// ATRStop sizes the stop distance from recent volatility. ATR values are
// cached per symbol to keep repeated plans within a cycle (stop + target)
// from refetching bars; when the feed is unavailable the stop degrades to
// a fixed percentage instead of failing the order.
type ATRStop struct {
	cfg      ATRConfig
	provider md.Provider

	mu    sync.Mutex
	cache map[string]atrEntry
}

type atrEntry struct {
	value      float64
	computedAt time.Time
}

func NewATRStop(cfg ATRConfig, provider md.Provider) (*ATRStop, error) {
	if provider == nil {
		return nil, fmt.Errorf("atr stop requires a market data provider")
	}
	if cfg.Multiplier < 0.5 || cfg.Multiplier > 5.0 {
		return nil, fmt.Errorf("atr multiplier must be between 0.5 and 5.0, got %f", cfg.Multiplier)
	}
	if cfg.Period < 5 || cfg.Period > 50 {
		return nil, fmt.Errorf("atr period must be between 5 and 50, got %d", cfg.Period)
	}
	if cfg.RewardRisk < 0 {
		return nil, fmt.Errorf("reward risk ratio must be non-negative, got %f", cfg.RewardRisk)
	}
	if cfg.CacheTTL < 0 {
		return nil, fmt.Errorf("cache ttl must be non-negative, got %s", cfg.CacheTTL)
	}
	if cfg.FallbackPct < 0.001 || cfg.FallbackPct > 0.5 {
		return nil, fmt.Errorf("fallback pct must be between 0.001 and 0.5, got %f", cfg.FallbackPct)
	}
	return &ATRStop{
		cfg:      cfg,
		provider: provider,
		cache:    make(map[string]atrEntry),
	}, nil
}

func (s *ATRStop) Name() string {
	name := fmt.Sprintf("ATR-Based (%.1fx, %d-period)", s.cfg.Multiplier, s.cfg.Period)
	if s.cfg.RewardRisk > 0 {
		name += fmt.Sprintf(" [R:R %.1f:1]", s.cfg.RewardRisk)
	}
	return name
}

func (s *ATRStop) PlanFor(ctx context.Context, symbol string, entryPrice float64, side Side) (Plan, error) {
	if entryPrice <= 0 {
		return Plan{}, fmt.Errorf("entry price must be positive, got %f", entryPrice)
	}

	var distance float64
	atr, err := s.atr(ctx, symbol)
	if err != nil {
		slog.Warn("atr unavailable, degrading to fallback stop",
			"symbol", symbol,
			"fallback_pct", s.cfg.FallbackPct,
			"error", err,
		)
		distance = entryPrice * s.cfg.FallbackPct
	} else {
		distance = atr * s.cfg.Multiplier
	}

	plan := Plan{Strategy: s.Name()}
	if side == Short {
		plan.StopPrice = round2(entryPrice + distance)
		if s.cfg.RewardRisk > 0 {
			riskAmount := plan.StopPrice - entryPrice
			plan.TargetPrice = round2(entryPrice - riskAmount*s.cfg.RewardRisk)
		}
	} else {
		plan.StopPrice = round2(entryPrice - distance)
		if s.cfg.RewardRisk > 0 {
			riskAmount := entryPrice - plan.StopPrice
			plan.TargetPrice = round2(entryPrice + riskAmount*s.cfg.RewardRisk)
		}
	}

	if err := validatePlan(plan, entryPrice, side); err != nil {
		return Plan{}, err
	}

	slog.Info("stop plan computed",
		"symbol", symbol,
		"strategy", "atr",
		"side", side,
		"entry", entryPrice,
		"stop", plan.StopPrice,
		"target", plan.TargetPrice,
	)
	return plan, nil
}

func (s *ATRStop) atr(ctx context.Context, symbol string) (float64, error) {
	if value, ok := s.cachedATR(symbol); ok {
		return value, nil
	}

	// Fetch a few extra bars to ride out market gaps.
	series, err := s.provider.GetBars(ctx, symbol, md.IntervalHour, s.cfg.Period+5)
	if err != nil {
		return 0, fmt.Errorf("fetch bars: %w", err)
	}

	value, err := ATR(series, s.cfg.Period)
	if err != nil {
		return 0, err
	}

	s.storeATR(symbol, value)
	slog.Info("atr computed", "symbol", symbol, "atr", value, "period", s.cfg.Period)
	return value, nil
}

func (s *ATRStop) cachedATR(symbol string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cache[symbol]
	if !ok {
		return 0, false
	}
	age := time.Since(entry.computedAt)
	if age > s.cfg.CacheTTL {
		slog.Info("atr cache expired", "symbol", symbol, "age", age.Truncate(time.Millisecond))
		delete(s.cache, symbol)
		return 0, false
	}
	return entry.value, true
}

func (s *ATRStop) storeATR(symbol string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[symbol] = atrEntry{value: value, computedAt: time.Now()}
}

// ATR is the simple moving average of the true range over the last period
// bars. It needs period+1 bars so every true range has a previous close.
func ATR(series md.Series, period int) (float64, error) {
	if period < 1 {
		return 0, fmt.Errorf("period must be >= 1, got %d", period)
	}
	if len(series) < period+1 {
		return 0, fmt.Errorf("%w: atr needs %d bars, got %d", md.ErrInsufficientData, period+1, len(series))
	}

	var sum float64
	for i := len(series) - period; i < len(series); i++ {
		sum += trueRange(series[i], series[i-1].Close)
	}
	return sum / float64(period), nil
}

func trueRange(bar md.Bar, prevClose float64) float64 {
	tr := bar.High - bar.Low
	if hc := math.Abs(bar.High - prevClose); hc > tr {
		tr = hc
	}
	if lc := math.Abs(bar.Low - prevClose); lc > tr {
		tr = lc
	}
	return tr
}
