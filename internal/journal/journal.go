package journal

import (
	"context"
	"time"
)

type Action string

const (
	ActionNone Action = "none"
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
)

type Status string

const (
	StatusExecuted Status = "executed"
	StatusFailed   Status = "failed"
)

// Record is one attempted action within a trading cycle. The (Date, Symbol)
// pair is the idempotency key: rerunning a cycle on the same day rewrites
// the row instead of duplicating it.
type Record struct {
	Date        string
	Symbol      string
	Signal      string
	Action      Action
	Quantity    int
	Price       float64
	StopPrice   float64
	TargetPrice float64
	Strategy    string
	Status      Status
	Reason      string
	CreatedAt   time.Time
}

type Store interface {
	Append(ctx context.Context, rec Record) error
	Exists(ctx context.Context, date, symbol string) (bool, error)
	Close() error
}
