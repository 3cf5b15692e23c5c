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

const twelveDataBaseURL = "https://api.twelvedata.com"

// TwelveDataProvider serves bars and quotes from the Twelve Data REST API.
// The vendor returns OHLC fields as strings and lists values newest first.
type TwelveDataProvider struct {
	client *resty.Client
	apiKey string
}

func NewTwelveDataProvider(apiKey string) *TwelveDataProvider {
	client := resty.New().
		SetBaseURL(twelveDataBaseURL).
		SetTimeout(30 * time.Second)
	return &TwelveDataProvider{client: client, apiKey: apiKey}
}

type twelveDataValue struct {
	Datetime string `json:"datetime"`
	Open     string `json:"open"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Close    string `json:"close"`
	Volume   string `json:"volume"`
}

type twelveDataSeriesResponse struct {
	Status  string            `json:"status"`
	Code    int               `json:"code"`
	Message string            `json:"message"`
	Values  []twelveDataValue `json:"values"`
}

type twelveDataPriceResponse struct {
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Price   string `json:"price"`
}

func (p *TwelveDataProvider) GetBars(ctx context.Context, symbol string, interval Interval, lookback int) (Series, error) {
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":     symbol,
			"interval":   string(interval),
			"outputsize": strconv.Itoa(lookback),
			"apikey":     p.apiKey,
		}).
		Get("/time_series")
	if err != nil {
		slog.Error("fetch bars failed", "provider", "twelvedata", "symbol", symbol, "interval", interval, "error", err)
		return nil, &ProviderError{Provider: "twelvedata", Op: "get bars", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		err := fmt.Errorf("unexpected status %d", resp.StatusCode())
		slog.Error("fetch bars failed", "provider", "twelvedata", "symbol", symbol, "status", resp.StatusCode())
		return nil, &ProviderError{Provider: "twelvedata", Op: "get bars", Err: err}
	}

	var payload twelveDataSeriesResponse
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		return nil, &ProviderError{Provider: "twelvedata", Op: "decode bars", Err: err}
	}
	if payload.Status == "error" || len(payload.Values) == 0 {
		err := fmt.Errorf("api error %d: %s", payload.Code, payload.Message)
		slog.Error("fetch bars failed", "provider", "twelvedata", "symbol", symbol, "error", err)
		return nil, &ProviderError{Provider: "twelvedata", Op: "get bars", Err: err}
	}

	// Values arrive newest first; build the series oldest first.
	series := make(Series, 0, len(payload.Values))
	for i := len(payload.Values) - 1; i >= 0; i-- {
		bar, err := parseTwelveDataBar(payload.Values[i])
		if err != nil {
			return nil, &ProviderError{Provider: "twelvedata", Op: "parse bar", Err: err}
		}
		series = append(series, bar)
	}

	slog.Info("bars fetched", "provider", "twelvedata", "symbol", symbol, "interval", interval, "count", len(series))
	return series, nil
}

func (p *TwelveDataProvider) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol": symbol,
			"apikey": p.apiKey,
		}).
		Get("/price")
	if err != nil {
		slog.Error("fetch price failed", "provider", "twelvedata", "symbol", symbol, "error", err)
		return 0, &ProviderError{Provider: "twelvedata", Op: "get price", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		err := fmt.Errorf("unexpected status %d", resp.StatusCode())
		return 0, &ProviderError{Provider: "twelvedata", Op: "get price", Err: err}
	}

	var payload twelveDataPriceResponse
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		return 0, &ProviderError{Provider: "twelvedata", Op: "decode price", Err: err}
	}
	if payload.Status == "error" || payload.Price == "" {
		err := fmt.Errorf("api error %d: %s", payload.Code, payload.Message)
		return 0, &ProviderError{Provider: "twelvedata", Op: "get price", Err: err}
	}

	price, err := strconv.ParseFloat(payload.Price, 64)
	if err != nil {
		return 0, &ProviderError{Provider: "twelvedata", Op: "parse price", Err: err}
	}

	slog.Info("price fetched", "provider", "twelvedata", "symbol", symbol, "price", price)
	return price, nil
}

func parseTwelveDataBar(value twelveDataValue) (Bar, error) {
	timestamp, err := parseTwelveDataTime(value.Datetime)
	if err != nil {
		return Bar{}, err
	}
	open, err := strconv.ParseFloat(value.Open, 64)
	if err != nil {
		return Bar{}, fmt.Errorf("open %q: %w", value.Open, err)
	}
	high, err := strconv.ParseFloat(value.High, 64)
	if err != nil {
		return Bar{}, fmt.Errorf("high %q: %w", value.High, err)
	}
	low, err := strconv.ParseFloat(value.Low, 64)
	if err != nil {
		return Bar{}, fmt.Errorf("low %q: %w", value.Low, err)
	}
	closePrice, err := strconv.ParseFloat(value.Close, 64)
	if err != nil {
		return Bar{}, fmt.Errorf("close %q: %w", value.Close, err)
	}

	bar := Bar{
		Timestamp: timestamp,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
	}
	if value.Volume != "" {
		if volume, err := strconv.ParseFloat(value.Volume, 64); err == nil {
			bar.Volume = volume
		}
	}
	return bar, nil
}

func parseTwelveDataTime(value string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02"} {
		if timestamp, err := time.Parse(layout, value); err == nil {
			return timestamp, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized datetime %q", value)
}
