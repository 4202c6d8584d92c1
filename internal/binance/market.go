package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

// Kline is one candlestick.
type Kline struct {
	OpenTime  int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime int64
}

// UnmarshalJSON decodes Binance's positional kline array.
func (k *Kline) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) < 7 {
		return fmt.Errorf("kline has %d fields, want at least 7", len(raw))
	}
	if err := json.Unmarshal(raw[0], &k.OpenTime); err != nil {
		return fmt.Errorf("kline open time: %w", err)
	}
	if err := json.Unmarshal(raw[6], &k.CloseTime); err != nil {
		return fmt.Errorf("kline close time: %w", err)
	}
	fields := []*float64{&k.Open, &k.High, &k.Low, &k.Close, &k.Volume}
	for i, dst := range fields {
		var s string
		if err := json.Unmarshal(raw[i+1], &s); err != nil {
			return fmt.Errorf("kline field %d: %w", i+1, err)
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("kline field %d: %w", i+1, err)
		}
		*dst = v
	}
	return nil
}

// Ticker24h is the rolling 24 hour statistics for a symbol.
type Ticker24h struct {
	Symbol             string `json:"symbol"`
	LastPrice          string `json:"lastPrice"`
	PriceChangePercent string `json:"priceChangePercent"`
	Volume             string `json:"volume"`
	QuoteVolume        string `json:"quoteVolume"`
	CloseTime          int64  `json:"closeTime"`
}

// PremiumIndex carries the mark price and funding rate.
type PremiumIndex struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	Time            int64  `json:"time"`
}

// GetKlines fetches the most recent candles for symbol.
func (c *RestClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	var klines []Kline
	req := c.client.R().
		SetQueryParam("symbol", symbol).
		SetQueryParam("interval", interval).
		SetQueryParam("limit", strconv.Itoa(limit)).
		SetResult(&klines)

	if _, err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/klines", req); err != nil {
		return nil, fmt.Errorf("failed to get klines for %s: %w", symbol, err)
	}
	return klines, nil
}

// GetTicker24h fetches 24 hour statistics for symbol.
func (c *RestClient) GetTicker24h(ctx context.Context, symbol string) (*Ticker24h, error) {
	var ticker Ticker24h
	req := c.client.R().SetQueryParam("symbol", symbol).SetResult(&ticker)

	if _, err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/ticker/24hr", req); err != nil {
		return nil, fmt.Errorf("failed to get 24h ticker for %s: %w", symbol, err)
	}
	return &ticker, nil
}

// GetPremiumIndex fetches mark price and funding for symbol.
func (c *RestClient) GetPremiumIndex(ctx context.Context, symbol string) (*PremiumIndex, error) {
	var index PremiumIndex
	req := c.client.R().SetQueryParam("symbol", symbol).SetResult(&index)

	if _, err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/premiumIndex", req); err != nil {
		return nil, fmt.Errorf("failed to get premium index for %s: %w", symbol, err)
	}
	return &index, nil
}
