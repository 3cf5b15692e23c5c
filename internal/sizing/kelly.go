package sizing

import (
	"fmt"
	"log/slog"
)

type KellyConfig struct {
	DefaultFraction float64
	MaxAllocation   float64
	Window          int
	MinSample       int
}

// Kelly sizes a position as a fraction of buying power from the win rate
// and payoff ratio of recent returns. Degenerate inputs fall back to the
// configured default fraction instead of failing the cycle.
type Kelly struct {
	cfg KellyConfig
}

func NewKelly(cfg KellyConfig) (*Kelly, error) {
	if cfg.MaxAllocation <= 0 || cfg.MaxAllocation > 1 {
		return nil, fmt.Errorf("max allocation must be in (0, 1], got %f", cfg.MaxAllocation)
	}
	if cfg.DefaultFraction < 0 || cfg.DefaultFraction > cfg.MaxAllocation {
		return nil, fmt.Errorf("default fraction must be in [0, %f], got %f", cfg.MaxAllocation, cfg.DefaultFraction)
	}
	if cfg.MinSample < 2 {
		return nil, fmt.Errorf("min sample must be >= 2, got %d", cfg.MinSample)
	}
	if cfg.Window < cfg.MinSample {
		return nil, fmt.Errorf("window %d must be >= min sample %d", cfg.Window, cfg.MinSample)
	}
	return &Kelly{cfg: cfg}, nil
}

func (k *Kelly) Fraction(returns []float64) float64 {
	if len(returns) > k.cfg.Window {
		returns = returns[len(returns)-k.cfg.Window:]
	}
	if len(returns) < k.cfg.MinSample {
		slog.Warn("kelly fallback",
			"reason", "insufficient_sample",
			"sample", len(returns),
			"min_sample", k.cfg.MinSample,
			"fraction", k.cfg.DefaultFraction,
		)
		return k.cfg.DefaultFraction
	}

	var wins, losses int
	var winSum, lossSum float64
	for _, r := range returns {
		switch {
		case r > 0:
			wins++
			winSum += r
		case r < 0:
			losses++
			lossSum += -r
		}
	}

	if wins == 0 {
		// No winning trades means b <= 0 and the formula cannot size a bet.
		slog.Warn("kelly fallback",
			"reason", "no_winning_trades",
			"sample", len(returns),
			"fraction", k.cfg.DefaultFraction,
		)
		return k.cfg.DefaultFraction
	}

	p := float64(wins) / float64(len(returns))

	if losses == 0 {
		// With no losses b grows without bound and f* converges to p.
		fraction := k.clamp(p)
		slog.Info("kelly sized", "p", p, "b", "inf", "raw", p, "fraction", fraction, "sample", len(returns))
		return fraction
	}

	avgWin := winSum / float64(wins)
	avgLoss := lossSum / float64(losses)
	b := avgWin / avgLoss

	raw := Criterion(p, b)
	fraction := k.clamp(raw)
	slog.Info("kelly sized", "p", p, "b", b, "raw", raw, "fraction", fraction, "sample", len(returns))
	return fraction
}

func (k *Kelly) clamp(fraction float64) float64 {
	if fraction < 0 {
		return 0
	}
	if fraction > k.cfg.MaxAllocation {
		return k.cfg.MaxAllocation
	}
	return fraction
}

// Criterion returns the raw Kelly fraction for win probability p and
// payoff ratio b.
func Criterion(p, b float64) float64 {
	return p - (1-p)/b
}
