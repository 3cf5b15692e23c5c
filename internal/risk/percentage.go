package risk

import (
	"context"
	"fmt"
	"log/slog"
)

type PercentageConfig struct {
	StopPct         float64
	TakeProfitPct   float64
	MinStopDistance float64
	MaxStopDistance float64
}

// PercentageStop places the stop a fixed fraction away from entry, with
// optional absolute bounds on the dollar distance.
type PercentageStop struct {
	cfg PercentageConfig
}

func NewPercentageStop(cfg PercentageConfig) (*PercentageStop, error) {
	if cfg.StopPct < 0.001 || cfg.StopPct > 0.5 {
		return nil, fmt.Errorf("stop pct must be between 0.001 and 0.5, got %f", cfg.StopPct)
	}
	if cfg.TakeProfitPct < 0 {
		return nil, fmt.Errorf("take profit pct must be non-negative, got %f", cfg.TakeProfitPct)
	}
	if cfg.MinStopDistance < 0 {
		return nil, fmt.Errorf("min stop distance must be non-negative, got %f", cfg.MinStopDistance)
	}
	if cfg.MaxStopDistance < 0 {
		return nil, fmt.Errorf("max stop distance must be non-negative, got %f", cfg.MaxStopDistance)
	}
	if cfg.MinStopDistance > 0 && cfg.MaxStopDistance > 0 && cfg.MinStopDistance > cfg.MaxStopDistance {
		return nil, fmt.Errorf("min stop distance %f exceeds max stop distance %f", cfg.MinStopDistance, cfg.MaxStopDistance)
	}
	return &PercentageStop{cfg: cfg}, nil
}

func (s *PercentageStop) Name() string {
	name := fmt.Sprintf("Percentage-Based (%.1f%%)", s.cfg.StopPct*100)
	if s.cfg.TakeProfitPct > 0 {
		name += fmt.Sprintf(" [R:R %.1f:1]", s.cfg.TakeProfitPct/s.cfg.StopPct)
	}
	return name
}

func (s *PercentageStop) PlanFor(ctx context.Context, symbol string, entryPrice float64, side Side) (Plan, error) {
	if entryPrice <= 0 {
		return Plan{}, fmt.Errorf("entry price must be positive, got %f", entryPrice)
	}

	distance := entryPrice * s.cfg.StopPct
	if s.cfg.MinStopDistance > 0 && distance < s.cfg.MinStopDistance {
		slog.Info("stop distance below minimum, using minimum",
			"symbol", symbol, "distance", distance, "min", s.cfg.MinStopDistance)
		distance = s.cfg.MinStopDistance
	}
	if s.cfg.MaxStopDistance > 0 && distance > s.cfg.MaxStopDistance {
		slog.Info("stop distance above maximum, using maximum",
			"symbol", symbol, "distance", distance, "max", s.cfg.MaxStopDistance)
		distance = s.cfg.MaxStopDistance
	}

	plan := Plan{Strategy: s.Name()}
	if side == Short {
		plan.StopPrice = round2(entryPrice + distance)
		if s.cfg.TakeProfitPct > 0 {
			plan.TargetPrice = round2(entryPrice * (1 - s.cfg.TakeProfitPct))
		}
	} else {
		plan.StopPrice = round2(entryPrice - distance)
		if s.cfg.TakeProfitPct > 0 {
			plan.TargetPrice = round2(entryPrice * (1 + s.cfg.TakeProfitPct))
		}
	}

	if err := validatePlan(plan, entryPrice, side); err != nil {
		return Plan{}, err
	}

	slog.Info("stop plan computed",
		"symbol", symbol,
		"strategy", "percentage",
		"side", side,
		"entry", entryPrice,
		"stop", plan.StopPrice,
		"target", plan.TargetPrice,
	)
	return plan, nil
}
