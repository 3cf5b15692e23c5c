package md

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Interval string

const (
	IntervalHour Interval = "1h"
	IntervalDay  Interval = "1day"
)

var (
	ErrInsufficientData = errors.New("insufficient market data")
	ErrStaleData        = errors.New("stale market data")
)

// ProviderError wraps a failed call to an upstream market data vendor so
// callers can tell data-plane failures apart from local validation errors.
type ProviderError struct {
	Provider string
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

type Bar struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Series is a run of bars ordered oldest to newest.
type Series []Bar

func (s Series) Closes() []float64 {
	closes := make([]float64, 0, len(s))
	for _, bar := range s {
		closes = append(closes, bar.Close)
	}
	return closes
}

func (s Series) Last() (Bar, bool) {
	if len(s) == 0 {
		return Bar{}, false
	}
	return s[len(s)-1], true
}

// Returns computes close-to-close fractional returns. Bars with a
// non-positive close are skipped so a bad tick cannot produce an
// infinite return.
func (s Series) Returns() []float64 {
	if len(s) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(s)-1)
	for i := 1; i < len(s); i++ {
		prev := s[i-1].Close
		if prev <= 0 {
			continue
		}
		returns = append(returns, (s[i].Close-prev)/prev)
	}
	return returns
}

// Tail returns the newest n bars, or the whole series when it is shorter.
func (s Series) Tail(n int) Series {
	if n <= 0 {
		return nil
	}
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// Provider fetches historical bars and a current quote for a symbol.
// GetBars returns bars ordered oldest to newest.
type Provider interface {
	GetBars(ctx context.Context, symbol string, interval Interval, lookback int) (Series, error)
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
}
