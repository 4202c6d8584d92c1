package marketdata

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"perp-decision-engine/internal/binance"
)

// MockMarketClient is a mock implementation of MarketClient.
type MockMarketClient struct {
	mock.Mock
}

func (m *MockMarketClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]binance.Kline, error) {
	args := m.Called(ctx, symbol, interval, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]binance.Kline), args.Error(1)
}

func (m *MockMarketClient) GetTicker24h(ctx context.Context, symbol string) (*binance.Ticker24h, error) {
	args := m.Called(ctx, symbol)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*binance.Ticker24h), args.Error(1)
}

func (m *MockMarketClient) GetPremiumIndex(ctx context.Context, symbol string) (*binance.PremiumIndex, error) {
	args := m.Called(ctx, symbol)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*binance.PremiumIndex), args.Error(1)
}

func rising(n int) []binance.Kline {
	out := make([]binance.Kline, n)
	for i := range out {
		c := 100 + float64(i)
		out[i] = binance.Kline{Open: c - 0.5, High: c + 1, Low: c - 1, Close: c}
	}
	return out
}

func TestBinanceProvider_GetLatest(t *testing.T) {
	// Arrange
	client := new(MockMarketClient)
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	client.On("GetKlines", mock.Anything, "BTCUSDT", "1h", 100).Return(rising(100), nil)
	client.On("GetTicker24h", mock.Anything, "BTCUSDT").Return(&binance.Ticker24h{
		Symbol: "BTCUSDT", LastPrice: "199.5", PriceChangePercent: "2.5", QuoteVolume: "1500000",
	}, nil)
	client.On("GetPremiumIndex", mock.Anything, "BTCUSDT").Return(&binance.PremiumIndex{
		Symbol: "BTCUSDT", LastFundingRate: "0.0001", Time: now.UnixMilli(),
	}, nil)
	p := NewBinanceProvider(client, 100, zap.NewNop())

	// Act
	snap, err := p.GetLatest(context.Background(), "BTCUSDT", "1h")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 199.5, snap.Price)
	assert.Equal(t, 2.5, snap.Change24hPct)
	assert.Equal(t, 0.0001, snap.FundingRate)
	assert.Equal(t, now, snap.Timestamp)
	assert.Equal(t, "1h", snap.Timeframe)
	for _, key := range []string{"ema_20", "ema_50", "rsi_14", "atr_14", "macd", "macd_signal", "macd_hist"} {
		assert.Contains(t, snap.Indicators, key)
	}
	assert.Equal(t, 100.0, snap.Indicators["rsi_14"])
	client.AssertExpectations(t)
}

func TestBinanceProvider_Unavailable(t *testing.T) {
	client := new(MockMarketClient)
	client.On("GetKlines", mock.Anything, "NOPEUSDT", "15m", 60).Return(nil, &binance.APIError{StatusCode: 400, Body: "Invalid symbol."})
	client.On("GetTicker24h", mock.Anything, "NOPEUSDT").Return(nil, errors.New("boom")).Maybe()
	client.On("GetPremiumIndex", mock.Anything, "NOPEUSDT").Return(nil, errors.New("boom")).Maybe()
	p := NewBinanceProvider(client, 10, zap.NewNop())

	snap, err := p.GetLatest(context.Background(), "NOPEUSDT", "15m")

	assert.Nil(t, snap)
	assert.ErrorIs(t, err, ErrDataUnavailable)
}

func TestBinanceProvider_NoCandles(t *testing.T) {
	client := new(MockMarketClient)
	client.On("GetKlines", mock.Anything, "BTCUSDT", "15m", 60).Return([]binance.Kline{}, nil)
	client.On("GetTicker24h", mock.Anything, "BTCUSDT").Return(&binance.Ticker24h{LastPrice: "1"}, nil)
	client.On("GetPremiumIndex", mock.Anything, "BTCUSDT").Return(&binance.PremiumIndex{}, nil)
	p := NewBinanceProvider(client, 60, zap.NewNop())

	_, err := p.GetLatest(context.Background(), "BTCUSDT", "15m")

	assert.ErrorIs(t, err, ErrDataUnavailable)
}
