package validator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"perp-decision-engine/internal/types"
)

func ptr(f float64) *float64 { return &f }

func testContext() *types.TradingContext {
	return &types.TradingContext{
		AccountID: "acct-1",
		Symbols:   []string{"BTCUSDT", "ETHUSDT"},
		Market: map[string]types.MarketSnapshot{
			"BTCUSDT": {Symbol: "BTCUSDT", Price: 60000},
			"ETHUSDT": {Symbol: "ETHUSDT", Price: 3000},
		},
		Account: types.AccountState{AccountID: "acct-1", Balance: 10000, AvailableBalance: 10000},
		Strategy: types.Strategy{
			ID: "balanced",
			Risk: types.RiskParameters{
				MaxRiskPerTrade:  0.2,
				MaxDailyLoss:     0.05,
				MaxConcentration: 0.4,
				MaxLeverage:      5,
				MinConfidence:    60,
				DefaultStopPct:   0.03,
			},
		},
	}
}

func buyBTC(alloc float64) types.AssetDecision {
	return types.AssetDecision{
		Asset: "BTCUSDT", Action: types.ActionBuy, AllocationUSD: alloc,
		TPPrice: ptr(66000), SLPrice: ptr(58000), Leverage: 2,
		ExitPlan: "trail", Rationale: "trend", Confidence: 70, RiskLevel: types.RiskMedium,
	}
}

func holdETH() types.AssetDecision {
	return types.AssetDecision{
		Asset: "ETHUSDT", Action: types.ActionHold, Confidence: 50, RiskLevel: types.RiskLow,
	}
}

func decision(items ...types.AssetDecision) *types.TradingDecision {
	return types.NewTradingDecision(items, "portfolio", types.RiskMedium, time.Now())
}

func TestValidate_Valid(t *testing.T) {
	v := New(zap.NewNop())

	res := v.Validate(decision(buyBTC(1500), holdETH()), testContext())

	assert.True(t, res.IsValid)
	assert.Empty(t, res.Errors)
	assert.Empty(t, res.Warnings)
}

func TestValidate_RejectsOverAllocation(t *testing.T) {
	v := New(zap.NewNop())
	d := buyBTC(15000)
	d.SLPrice = nil

	res := v.Validate(decision(d, holdETH()), testContext())

	assert.False(t, res.IsValid)
	assert.True(t, res.HasError(RuleCapital))
	assert.True(t, res.HasError(RuleConcentration))
	assert.True(t, res.HasError(RulePerTradeRisk))
}

func TestValidate_Rules(t *testing.T) {
	testCases := []struct {
		name     string
		decision func() *types.TradingDecision
		context  func(tc *types.TradingContext)
		wantRule string
	}{
		{
			name: "Leverage above maximum",
			decision: func() *types.TradingDecision {
				d := buyBTC(1000)
				d.Leverage = 10
				return decision(d)
			},
			wantRule: RuleLeverage,
		},
		{
			name: "Buy stop loss above price",
			decision: func() *types.TradingDecision {
				d := buyBTC(1000)
				d.SLPrice = ptr(61000)
				return decision(d)
			},
			wantRule: RulePriceConsistency,
		},
		{
			name: "Sell take profit above price",
			decision: func() *types.TradingDecision {
				return decision(types.AssetDecision{
					Asset: "ETHUSDT", Action: types.ActionSell, AllocationUSD: 500,
					TPPrice: ptr(3100), SLPrice: ptr(3200), Confidence: 70, RiskLevel: types.RiskLow,
				})
			},
			wantRule: RulePriceConsistency,
		},
		{
			name: "Daily loss ceiling",
			decision: func() *types.TradingDecision {
				d := buyBTC(1500)
				d.SLPrice = ptr(54000) // 10% stop distance
				d.Leverage = 0
				return decision(d)
			},
			context:  func(tc *types.TradingContext) { tc.Account.DailyLossUSD = 400 },
			wantRule: RuleDailyLoss,
		},
		{
			name:     "Capital exceeds available balance",
			decision: func() *types.TradingDecision { return decision(buyBTC(1500)) },
			context:  func(tc *types.TradingContext) { tc.Account.AvailableBalance = 1000 },
			wantRule: RuleCapital,
		},
		{
			name: "Asset not requested",
			decision: func() *types.TradingDecision {
				d := buyBTC(1000)
				d.Asset = "DOGEUSDT"
				return decision(d)
			},
			wantRule: RuleSchema,
		},
		{
			name:     "Duplicate asset",
			decision: func() *types.TradingDecision { return decision(buyBTC(500), buyBTC(500)) },
			wantRule: RuleSchema,
		},
		{
			name: "Hold with allocation",
			decision: func() *types.TradingDecision {
				d := holdETH()
				d.AllocationUSD = 100
				return decision(d)
			},
			wantRule: RuleSchema,
		},
		{
			name: "Total does not match sum",
			decision: func() *types.TradingDecision {
				d := decision(buyBTC(1000))
				d.TotalAllocationUSD = 900
				return d
			},
			wantRule: RuleSchema,
		},
		{
			name:     "Empty decision",
			decision: func() *types.TradingDecision { return decision() },
			wantRule: RuleSchema,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := testContext()
			if tc.context != nil {
				tc.context(ctx)
			}

			res := New(zap.NewNop()).Validate(tc.decision(), ctx)

			assert.False(t, res.IsValid)
			assert.True(t, res.HasError(tc.wantRule), "errors: %+v", res.Errors)
		})
	}
}

func TestValidate_AccumulatesEveryViolation(t *testing.T) {
	d := buyBTC(5000)
	d.Leverage = 20
	d.SLPrice = ptr(65000)

	res := New(zap.NewNop()).Validate(decision(d), testContext())

	assert.False(t, res.IsValid)
	for _, rule := range []string{RulePerTradeRisk, RuleConcentration, RuleLeverage, RulePriceConsistency, RuleDailyLoss} {
		assert.True(t, res.HasError(rule), "missing %s in %+v", rule, res.Errors)
	}
}

func TestValidate_WarningsDoNotInvalidate(t *testing.T) {
	tc := testContext()
	tc.Account.AvailableBalance = 3000
	d := buyBTC(1800)
	d.SLPrice = nil
	d.Confidence = 40
	dec := types.NewTradingDecision([]types.AssetDecision{d}, "aggressive", types.RiskHigh, time.Now())

	res := New(zap.NewNop()).Validate(dec, tc)

	assert.True(t, res.IsValid, "errors: %+v", res.Errors)
	assert.True(t, res.HasWarning(WarnAllocationShare))
	assert.True(t, res.HasWarning(WarnLowConfidence))
	assert.True(t, res.HasWarning(WarnMissingStopLoss))
	assert.True(t, res.HasWarning(WarnPortfolioRisk))
}

func TestValidate_TotalToleratesFloatDrift(t *testing.T) {
	a, b := 0.1, 0.2
	d := decision(buyBTC(0.3))
	d.TotalAllocationUSD = a + b

	res := New(zap.NewNop()).Validate(d, testContext())

	assert.False(t, res.HasError(RuleSchema), "errors: %+v", res.Errors)

	d.TotalAllocationUSD = 0.32
	res = New(zap.NewNop()).Validate(d, testContext())
	assert.True(t, res.HasError(RuleSchema))
}

func TestValidate_NilInputs(t *testing.T) {
	res := New(zap.NewNop()).Validate(nil, testContext())

	assert.False(t, res.IsValid)
	assert.True(t, res.HasError(RuleSchema))
}
