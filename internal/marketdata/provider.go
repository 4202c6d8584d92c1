// Package marketdata supplies the latest market snapshot for a symbol.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"perp-decision-engine/internal/binance"
	"perp-decision-engine/internal/types"
)

// ErrDataUnavailable is returned when a symbol has no usable market data.
var ErrDataUnavailable = errors.New("market data unavailable")

// Provider returns the latest snapshot for symbol at timeframe.
type Provider interface {
	GetLatest(ctx context.Context, symbol, timeframe string) (*types.MarketSnapshot, error)
}

// MarketClient is the part of the Binance client the provider needs.
type MarketClient interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]binance.Kline, error)
	GetTicker24h(ctx context.Context, symbol string) (*binance.Ticker24h, error)
	GetPremiumIndex(ctx context.Context, symbol string) (*binance.PremiumIndex, error)
}

// BinanceProvider builds snapshots from Binance futures candles, ticker and funding.
type BinanceProvider struct {
	client     MarketClient
	klineLimit int
	logger     *zap.Logger
}

var _ Provider = (*BinanceProvider)(nil)

func NewBinanceProvider(client MarketClient, klineLimit int, logger *zap.Logger) *BinanceProvider {
	if klineLimit < 60 {
		klineLimit = 60
	}
	return &BinanceProvider{client: client, klineLimit: klineLimit, logger: logger.Named("marketdata")}
}

// GetLatest fetches candles, the 24h ticker and the premium index concurrently.
func (p *BinanceProvider) GetLatest(ctx context.Context, symbol, timeframe string) (*types.MarketSnapshot, error) {
	var (
		klines []binance.Kline
		ticker *binance.Ticker24h
		index  *binance.PremiumIndex
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		klines, err = p.client.GetKlines(gctx, symbol, timeframe, p.klineLimit)
		return err
	})
	g.Go(func() (err error) {
		ticker, err = p.client.GetTicker24h(gctx, symbol)
		return err
	})
	g.Go(func() (err error) {
		index, err = p.client.GetPremiumIndex(gctx, symbol)
		return err
	})
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.logger.Warn("Failed to fetch market data", zap.String("symbol", symbol), zap.Error(err))
		return nil, fmt.Errorf("%w: %s: %v", ErrDataUnavailable, symbol, err)
	}

	if len(klines) == 0 {
		return nil, fmt.Errorf("%w: %s: no candles", ErrDataUnavailable, symbol)
	}
	return buildSnapshot(symbol, timeframe, klines, ticker, index)
}

func buildSnapshot(symbol, timeframe string, klines []binance.Kline, ticker *binance.Ticker24h, index *binance.PremiumIndex) (*types.MarketSnapshot, error) {
	price, err := strconv.ParseFloat(ticker.LastPrice, 64)
	if err != nil || price <= 0 {
		return nil, fmt.Errorf("%w: %s: invalid last price %q", ErrDataUnavailable, symbol, ticker.LastPrice)
	}
	change, _ := strconv.ParseFloat(ticker.PriceChangePercent, 64)
	volume, _ := strconv.ParseFloat(ticker.QuoteVolume, 64)
	funding, _ := strconv.ParseFloat(index.LastFundingRate, 64)

	n := len(klines)
	highs, lows, closes := make([]float64, n), make([]float64, n), make([]float64, n)
	for i, k := range klines {
		highs[i], lows[i], closes[i] = k.High, k.Low, k.Close
	}

	indicators := make(map[string]float64, 8)
	if v, ok := EMA(closes, 20); ok {
		indicators["ema_20"] = v
	}
	if v, ok := EMA(closes, 50); ok {
		indicators["ema_50"] = v
	}
	if v, ok := RSI(closes, 14); ok {
		indicators["rsi_14"] = v
	}
	if v, ok := ATR(highs, lows, closes, 14); ok {
		indicators["atr_14"] = v
	}
	if macd, signal, hist, ok := MACD(closes); ok {
		indicators["macd"] = macd
		indicators["macd_signal"] = signal
		indicators["macd_hist"] = hist
	}

	ts := index.Time
	if ts == 0 {
		ts = ticker.CloseTime
	}

	return &types.MarketSnapshot{
		Symbol:       symbol,
		Timeframe:    timeframe,
		Price:        price,
		Change24hPct: change,
		Volume24h:    volume,
		Volatility:   Volatility(closes),
		FundingRate:  funding,
		Indicators:   indicators,
		Timestamp:    time.UnixMilli(ts).UTC(),
	}, nil
}
