package risk

import (
	"context"
	"fmt"
	"math"
	"time"

	"tqqqbot/internal/md"
)

type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

// Plan is the protective order levels attached to an entry. TargetPrice
// is zero when no profit target is configured.
type Plan struct {
	StopPrice   float64
	TargetPrice float64
	Strategy    string
}

// StopLoss computes a Plan for an entry price. Implementations may consult
// the market data provider, so failures are possible; callers decide
// whether to degrade to an unprotected order.
type StopLoss interface {
	PlanFor(ctx context.Context, symbol string, entryPrice float64, side Side) (Plan, error)
	Name() string
}

const (
	StrategyNone       = "none"
	StrategyPercentage = "percentage"
	StrategyATR        = "atr"
)

type Config struct {
	Strategy        string
	StopPct         float64
	TakeProfitPct   float64
	MinStopDistance float64
	MaxStopDistance float64
	ATRMultiplier   float64
	ATRPeriod       int
	RewardRisk      float64
	CacheTTL        time.Duration
	FallbackPct     float64
}

// FromConfig builds the selected stop loss strategy. StrategyNone returns
// a nil StopLoss, which downstream code treats as "plain orders only".
func FromConfig(cfg Config, provider md.Provider) (StopLoss, error) {
	switch cfg.Strategy {
	case StrategyNone, "":
		return nil, nil
	case StrategyPercentage:
		return NewPercentageStop(PercentageConfig{
			StopPct:         cfg.StopPct,
			TakeProfitPct:   cfg.TakeProfitPct,
			MinStopDistance: cfg.MinStopDistance,
			MaxStopDistance: cfg.MaxStopDistance,
		})
	case StrategyATR:
		return NewATRStop(ATRConfig{
			Multiplier:  cfg.ATRMultiplier,
			Period:      cfg.ATRPeriod,
			RewardRisk:  cfg.RewardRisk,
			CacheTTL:    cfg.CacheTTL,
			FallbackPct: cfg.FallbackPct,
		}, provider)
	default:
		return nil, fmt.Errorf("unknown stop loss strategy: %s", cfg.Strategy)
	}
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}

// validatePlan enforces that the stop sits strictly on the loss side of
// entry and the target strictly on the profit side. Cent rounding can
// collapse tiny distances onto the entry price, which is rejected here.
func validatePlan(plan Plan, entryPrice float64, side Side) error {
	if plan.TargetPrice < 0 {
		return fmt.Errorf("target price must be positive, got %f", plan.TargetPrice)
	}
	switch side {
	case Long:
		if plan.StopPrice >= entryPrice {
			return fmt.Errorf("stop %f not below long entry %f", plan.StopPrice, entryPrice)
		}
		if plan.TargetPrice != 0 && plan.TargetPrice <= entryPrice {
			return fmt.Errorf("target %f not above long entry %f", plan.TargetPrice, entryPrice)
		}
	case Short:
		if plan.StopPrice <= entryPrice {
			return fmt.Errorf("stop %f not above short entry %f", plan.StopPrice, entryPrice)
		}
		if plan.TargetPrice != 0 && plan.TargetPrice >= entryPrice {
			return fmt.Errorf("target %f not below short entry %f", plan.TargetPrice, entryPrice)
		}
	default:
		return fmt.Errorf("unknown side: %s", side)
	}
	return nil
}
