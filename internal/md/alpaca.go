package md

import (
	"context"
	"log/slog"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
)

// AlpacaProvider serves bars and quotes from the Alpaca market data API.
type AlpacaProvider struct {
	client *marketdata.Client
	feed   marketdata.Feed
}

func NewAlpacaProvider(apiKey, apiSecret, feed string) *AlpacaProvider {
	client := marketdata.NewClient(marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	})
	return &AlpacaProvider{client: client, feed: parseFeed(feed)}
}

func (p *AlpacaProvider) GetBars(ctx context.Context, symbol string, interval Interval, lookback int) (Series, error) {
	timeframe := marketdata.NewTimeFrame(1, marketdata.Hour)
	if interval == IntervalDay {
		timeframe = marketdata.NewTimeFrame(1, marketdata.Day)
	}

	bars, err := p.client.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame: timeframe,
		Start:     time.Now().UTC().Add(-spanFor(interval, lookback)),
		Feed:      p.feed,
	})
	if err != nil {
		slog.Error("fetch bars failed", "provider", "alpaca", "symbol", symbol, "interval", interval, "error", err)
		return nil, &ProviderError{Provider: "alpaca", Op: "get bars", Err: err}
	}

	series := make(Series, 0, len(bars))
	for _, bar := range bars {
		series = append(series, Bar{
			Timestamp: bar.Timestamp,
			Open:      bar.Open,
			High:      bar.High,
			Low:       bar.Low,
			Close:     bar.Close,
			Volume:    float64(bar.Volume),
		})
	}
	series = series.Tail(lookback)

	slog.Info("bars fetched", "provider", "alpaca", "symbol", symbol, "interval", interval, "count", len(series))
	return series, nil
}

func (p *AlpacaProvider) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	trade, err := p.client.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{Feed: p.feed})
	if err != nil {
		slog.Error("fetch latest trade failed", "provider", "alpaca", "symbol", symbol, "error", err)
		return 0, &ProviderError{Provider: "alpaca", Op: "get latest trade", Err: err}
	}
	slog.Info("latest trade fetched", "provider", "alpaca", "symbol", symbol, "price", trade.Price)
	return trade.Price, nil
}

// spanFor converts a bar count into a calendar window wide enough to cover
// weekends, holidays and shortened sessions. The fetch is trimmed back down
// to lookback bars afterwards.
func spanFor(interval Interval, lookback int) time.Duration {
	switch interval {
	case IntervalDay:
		days := lookback*2 + 10
		return time.Duration(days) * 24 * time.Hour
	default:
		days := lookback/6 + 5
		return time.Duration(days) * 24 * time.Hour
	}
}

func parseFeed(feed string) marketdata.Feed {
	switch feed {
	case "iex":
		return marketdata.IEX
	case "sip":
		return marketdata.SIP
	default:
		return marketdata.IEX
	}
}
