package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewTradingDecision_TotalIsExactSum(t *testing.T) {
	decisions := []AssetDecision{
		{Asset: "BTCUSDT", Action: ActionBuy, AllocationUSD: 0.1},
		{Asset: "ETHUSDT", Action: ActionSell, AllocationUSD: 0.2},
		{Asset: "SOLUSDT", Action: ActionHold, AllocationUSD: 0},
	}

	d := NewTradingDecision(decisions, "diversified", RiskMedium, time.Now())

	assert.Equal(t, 0.3, d.TotalAllocationUSD)
	assert.Len(t, d.Decisions, 3)

	// The decision keeps its own copy of the slice.
	decisions[0].AllocationUSD = 999
	assert.Equal(t, 0.1, d.Decisions[0].AllocationUSD)
}

func TestAction(t *testing.T) {
	testCases := []struct {
		action    Action
		valid     bool
		opens     bool
		zeroAlloc bool
	}{
		{ActionBuy, true, true, false},
		{ActionSell, true, true, false},
		{ActionHold, true, false, true},
		{ActionClosePosition, true, false, true},
		{ActionAdjustPosition, true, false, false},
		{ActionAdjustOrders, true, false, false},
		{Action("open_long"), false, false, false},
	}

	for _, tc := range testCases {
		t.Run(string(tc.action), func(t *testing.T) {
			assert.Equal(t, tc.valid, tc.action.Valid())
			assert.Equal(t, tc.opens, tc.action.OpensExposure())
			assert.Equal(t, tc.zeroAlloc, tc.action.RequiresZeroAllocation())
		})
	}
}

func TestTradingContextHash(t *testing.T) {
	base := func() *TradingContext {
		return &TradingContext{
			AccountID: "acct-1",
			Symbols:   []string{"BTCUSDT", "ETHUSDT"},
			Market: map[string]MarketSnapshot{
				"BTCUSDT": {Symbol: "BTCUSDT", Timeframe: "15m", Price: 60000},
				"ETHUSDT": {Symbol: "ETHUSDT", Timeframe: "15m", Price: 3000},
			},
			Account:  AccountState{AccountID: "acct-1", Balance: 10000, AvailableBalance: 8000},
			Strategy: Strategy{ID: "balanced"},
		}
	}

	t.Run("Deterministic", func(t *testing.T) {
		assert.Equal(t, base().Hash(0.005), base().Hash(0.005))
	})

	t.Run("SymbolOrderDoesNotMatter", func(t *testing.T) {
		c := base()
		c.Symbols = []string{"ETHUSDT", "BTCUSDT"}
		assert.Equal(t, base().Hash(0.005), c.Hash(0.005))
	})

	t.Run("MaterialPriceMoveChangesHash", func(t *testing.T) {
		c := base()
		snap := c.Market["BTCUSDT"]
		snap.Price = 63000
		c.Market["BTCUSDT"] = snap
		assert.NotEqual(t, base().Hash(0.005), c.Hash(0.005))
	})

	t.Run("AccountChangesHash", func(t *testing.T) {
		c := base()
		c.AccountID = "acct-2"
		assert.NotEqual(t, base().Hash(0.005), c.Hash(0.005))
	})

	t.Run("NewPositionChangesHash", func(t *testing.T) {
		c := base()
		c.Account.Positions = []Position{{Symbol: "BTCUSDT", Side: "long", Quantity: 0.1}}
		assert.NotEqual(t, base().Hash(0.005), c.Hash(0.005))
	})
}
