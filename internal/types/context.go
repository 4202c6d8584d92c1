package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// MarketSnapshot is the latest market state for one symbol at one timeframe.
type MarketSnapshot struct {
	Symbol       string             `json:"symbol"`
	Timeframe    string             `json:"timeframe"`
	Price        float64            `json:"price"`
	Change24hPct float64            `json:"change_24h_pct"`
	Volume24h    float64            `json:"volume_24h"`
	Volatility   float64            `json:"volatility"`
	FundingRate  float64            `json:"funding_rate"`
	OpenInterest float64            `json:"open_interest,omitempty"`
	Indicators   map[string]float64 `json:"indicators"`
	Timestamp    time.Time          `json:"timestamp"`
}

// Position is an open perpetual position.
type Position struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"` // "long" or "short"
	Quantity      float64 `json:"quantity"`
	EntryPrice    float64 `json:"entry_price"`
	MarkPrice     float64 `json:"mark_price"`
	Leverage      int     `json:"leverage"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	MarginUsed    float64 `json:"margin_used"`
}

// AccountState is the account view used for a single decision.
type AccountState struct {
	AccountID        string     `json:"account_id"`
	Balance          float64    `json:"balance"`
	AvailableBalance float64    `json:"available_balance"`
	AvailableMargin  float64    `json:"available_margin"`
	RiskExposure     float64    `json:"risk_exposure"`
	DailyLossUSD     float64    `json:"daily_loss_usd"` // realised loss so far today, positive number
	Positions        []Position `json:"positions"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// HistoryEntry summarises a previously generated asset decision.
type HistoryEntry struct {
	DecisionID    string    `json:"decision_id"`
	Timestamp     time.Time `json:"timestamp"`
	Asset         string    `json:"asset"`
	Action        Action    `json:"action"`
	AllocationUSD float64   `json:"allocation_usd"`
	Confidence    float64   `json:"confidence"`
	Valid         bool      `json:"valid"`
}

// TradingContext is the immutable snapshot a decision is generated from.
// Every symbol in Symbols has an entry in Market.
type TradingContext struct {
	AccountID string                    `json:"account_id"`
	Symbols   []string                  `json:"symbols"`
	Market    map[string]MarketSnapshot `json:"market"`
	Account   AccountState              `json:"account"`
	Strategy  Strategy                  `json:"strategy"`
	History   []HistoryEntry            `json:"history"`
	BuiltAt   time.Time                 `json:"built_at"`
}

// Snapshot returns the market snapshot for symbol.
func (c *TradingContext) Snapshot(symbol string) (MarketSnapshot, bool) {
	s, ok := c.Market[symbol]
	return s, ok
}

// HasSymbol reports whether symbol was requested for this context.
func (c *TradingContext) HasSymbol(symbol string) bool {
	_, ok := c.Market[symbol]
	return ok
}

// Hash returns a digest of the material parts of the context. Prices and balances are
// bucketed on a log scale with the given relative step so that small moves keep the hash.
func (c *TradingContext) Hash(precision float64) string {
	if precision <= 0 {
		precision = 0.005
	}
	var b strings.Builder
	fmt.Fprintf(&b, "acct=%s;strategy=%s;", c.AccountID, c.Strategy.ID)

	symbols := append([]string(nil), c.Symbols...)
	sort.Strings(symbols)
	for _, s := range symbols {
		snap := c.Market[s]
		fmt.Fprintf(&b, "m:%s@%s=%d;", s, snap.Timeframe, bucket(snap.Price, precision))
	}

	fmt.Fprintf(&b, "bal=%d;avail=%d;", bucket(c.Account.Balance, precision), bucket(c.Account.AvailableBalance, precision))

	positions := append([]Position(nil), c.Account.Positions...)
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].Symbol == positions[j].Symbol {
			return positions[i].Side < positions[j].Side
		}
		return positions[i].Symbol < positions[j].Symbol
	})
	for _, p := range positions {
		fmt.Fprintf(&b, "p:%s:%s=%d;", p.Symbol, p.Side, bucket(p.Quantity, precision))
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// bucket maps v onto a log-scale grid with relative step precision.
func bucket(v, precision float64) int64 {
	if v == 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	sign := int64(1)
	if v < 0 {
		sign = -1
		v = -v
	}
	return sign * (int64(math.Floor(math.Log(v)/math.Log1p(precision))) + 1)
}
