package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// AccountInfo is the signed /fapi/v2/account response.
type AccountInfo struct {
	TotalWalletBalance         string            `json:"totalWalletBalance"`
	TotalMarginBalance         string            `json:"totalMarginBalance"`
	AvailableBalance           string            `json:"availableBalance"`
	TotalPositionInitialMargin string            `json:"totalPositionInitialMargin"`
	TotalUnrealizedProfit      string            `json:"totalUnrealizedProfit"`
	Positions                  []AccountPosition `json:"positions"`
}

// AccountPosition is one symbol's position inside AccountInfo.
type AccountPosition struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	Leverage         string `json:"leverage"`
	UnrealizedProfit string `json:"unrealizedProfit"`
	InitialMargin    string `json:"initialMargin"`
	Notional         string `json:"notional"`
	PositionSide     string `json:"positionSide"`
}

// Income is one entry of the income history.
type Income struct {
	Symbol     string `json:"symbol"`
	IncomeType string `json:"incomeType"`
	Income     string `json:"income"`
	Time       int64  `json:"time"`
}

// GetAccount fetches balances and positions.
func (c *RestClient) GetAccount(ctx context.Context) (*AccountInfo, error) {
	var info AccountInfo
	req := c.client.R().SetHeader("X-MBX-APIKEY", c.apiKey).SetResult(&info)

	if _, err := c.doRequest(ctx, http.MethodGet, c.signedPath("/fapi/v2/account", url.Values{}), req); err != nil {
		c.logger.Error("Failed to get account", zap.Error(err))
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &info, nil
}

// GetIncome fetches income entries of incomeType since start.
func (c *RestClient) GetIncome(ctx context.Context, incomeType string, start time.Time) ([]Income, error) {
	var income []Income
	params := url.Values{}
	params.Set("incomeType", incomeType)
	params.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	params.Set("limit", "1000")
	req := c.client.R().SetHeader("X-MBX-APIKEY", c.apiKey).SetResult(&income)

	if _, err := c.doRequest(ctx, http.MethodGet, c.signedPath("/fapi/v1/income", params), req); err != nil {
		return nil, fmt.Errorf("failed to get income: %w", err)
	}
	return income, nil
}
