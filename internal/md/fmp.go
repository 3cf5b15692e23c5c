package md

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

const fmpBaseURL = "https://financialmodelingprep.com"

// FMPProvider serves bars and quotes from Financial Modeling Prep.
// The historical endpoint only carries daily candles, so hourly requests
// are rejected rather than silently substituted.
type FMPProvider struct {
	client *resty.Client
	apiKey string
}

func NewFMPProvider(apiKey string) *FMPProvider {
	client := resty.New().
		SetBaseURL(fmpBaseURL).
		SetTimeout(30 * time.Second)
	return &FMPProvider{client: client, apiKey: apiKey}
}

type fmpHistoricalResponse struct {
	Symbol     string `json:"symbol"`
	Historical []struct {
		Date   string  `json:"date"`
		Open   float64 `json:"open"`
		High   float64 `json:"high"`
		Low    float64 `json:"low"`
		Close  float64 `json:"close"`
		Volume float64 `json:"volume"`
	} `json:"historical"`
}

type fmpQuote struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

func (p *FMPProvider) GetBars(ctx context.Context, symbol string, interval Interval, lookback int) (Series, error) {
	if interval != IntervalDay {
		err := fmt.Errorf("interval %s not supported, daily bars only", interval)
		return nil, &ProviderError{Provider: "fmp", Op: "get bars", Err: err}
	}

	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"timeseries": strconv.Itoa(lookback),
			"apikey":     p.apiKey,
		}).
		Get("/api/v3/historical-price-full/" + symbol)
	if err != nil {
		slog.Error("fetch bars failed", "provider", "fmp", "symbol", symbol, "error", err)
		return nil, &ProviderError{Provider: "fmp", Op: "get bars", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		err := fmt.Errorf("unexpected status %d", resp.StatusCode())
		slog.Error("fetch bars failed", "provider", "fmp", "symbol", symbol, "status", resp.StatusCode())
		return nil, &ProviderError{Provider: "fmp", Op: "get bars", Err: err}
	}

	var payload fmpHistoricalResponse
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		return nil, &ProviderError{Provider: "fmp", Op: "decode bars", Err: err}
	}
	if len(payload.Historical) == 0 {
		err := fmt.Errorf("no historical data for %s", symbol)
		return nil, &ProviderError{Provider: "fmp", Op: "get bars", Err: err}
	}

	// Historical entries arrive newest first.
	series := make(Series, 0, len(payload.Historical))
	for i := len(payload.Historical) - 1; i >= 0; i-- {
		entry := payload.Historical[i]
		timestamp, err := time.Parse("2006-01-02", entry.Date)
		if err != nil {
			return nil, &ProviderError{Provider: "fmp", Op: "parse bar", Err: fmt.Errorf("date %q: %w", entry.Date, err)}
		}
		series = append(series, Bar{
			Timestamp: timestamp,
			Open:      entry.Open,
			High:      entry.High,
			Low:       entry.Low,
			Close:     entry.Close,
			Volume:    entry.Volume,
		})
	}
	series = series.Tail(lookback)

	slog.Info("bars fetched", "provider", "fmp", "symbol", symbol, "interval", interval, "count", len(series))
	return series, nil
}

func (p *FMPProvider) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParam("apikey", p.apiKey).
		Get("/api/v3/quote-short/" + symbol)
	if err != nil {
		slog.Error("fetch price failed", "provider", "fmp", "symbol", symbol, "error", err)
		return 0, &ProviderError{Provider: "fmp", Op: "get price", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		err := fmt.Errorf("unexpected status %d", resp.StatusCode())
		return 0, &ProviderError{Provider: "fmp", Op: "get price", Err: err}
	}

	var quotes []fmpQuote
	if err := json.Unmarshal(resp.Body(), &quotes); err != nil {
		return 0, &ProviderError{Provider: "fmp", Op: "decode price", Err: err}
	}
	if len(quotes) == 0 || quotes[0].Price <= 0 {
		err := fmt.Errorf("no quote for %s", symbol)
		return 0, &ProviderError{Provider: "fmp", Op: "get price", Err: err}
	}

	slog.Info("price fetched", "provider", "fmp", "symbol", symbol, "price", quotes[0].Price)
	return quotes[0].Price, nil
}
