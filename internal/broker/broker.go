package broker

import (
	"context"
	"time"

	"tqqqbot/internal/risk"
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

// OrderIntent is a single order to be submitted. Plan, when set, attaches
// protective stop and target legs to the order.
type OrderIntent struct {
	Symbol     string
	Side       Side
	Qty        int
	Type       OrderType
	LimitPrice *float64
	Plan       *risk.Plan
}

// Order is the broker's acknowledgement. FilledPrice is zero until the
// broker reports a fill.
type Order struct {
	ID          string
	Status      string
	FilledPrice float64
}

type Position struct {
	Symbol        string
	Qty           int
	AvgEntryPrice float64
}

type Broker interface {
	GetPositions(ctx context.Context) ([]Position, error)
	GetBuyingPower(ctx context.Context) (float64, error)
	PlaceOrder(ctx context.Context, intent OrderIntent) (Order, error)
	ClosePosition(ctx context.Context, symbol string) (Order, error)
}

func WaitForContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
