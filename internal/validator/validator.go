// Package validator checks a generated decision against the strategy's portfolio rules.
package validator

import (
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"perp-decision-engine/internal/metrics"
	"perp-decision-engine/internal/types"
)

// Rule ids reported in ValidationResult.
const (
	RuleSchema           = "schema"
	RulePerTradeRisk     = "per_trade_risk"
	RuleCapital          = "capital"
	RuleConcentration    = "concentration"
	RuleLeverage         = "leverage"
	RulePriceConsistency = "price_consistency"
	RuleDailyLoss        = "daily_loss"

	WarnAllocationShare = "allocation_share"
	WarnLowConfidence   = "low_confidence"
	WarnMissingStopLoss = "missing_stop_loss"
	WarnPortfolioRisk   = "portfolio_risk"
)

// allocationShareWarning is the share of available capital above which a single trade is flagged.
var allocationShareWarning = decimal.NewFromFloat(0.5)

// Validator is stateless and safe for concurrent use.
type Validator struct {
	logger *zap.Logger
}

func New(logger *zap.Logger) *Validator {
	return &Validator{logger: logger.Named("validator")}
}

type report struct {
	errors   []types.Issue
	warnings []types.Issue
}

func (r *report) fail(rule, asset, format string, args ...any) {
	r.errors = append(r.errors, types.Issue{RuleID: rule, Asset: asset, Message: fmt.Sprintf(format, args...)})
}

func (r *report) warn(rule, asset, format string, args ...any) {
	r.warnings = append(r.warnings, types.Issue{RuleID: rule, Asset: asset, Message: fmt.Sprintf(format, args...)})
}

// Validate runs every rule and accumulates the findings. The decision is valid when no rule
// produced an error; warnings never invalidate it.
func (v *Validator) Validate(decision *types.TradingDecision, tc *types.TradingContext) types.ValidationResult {
	r := &report{}

	if decision == nil || tc == nil {
		r.fail(RuleSchema, "", "decision and context are required")
		return v.result(r, tc)
	}

	checkSchema(r, decision, tc)
	checkAllocations(r, decision, tc)
	checkLeverage(r, decision, tc.Strategy.Risk)
	checkPrices(r, decision, tc)
	checkDailyLoss(r, decision, tc)
	checkAdvisories(r, decision, tc)

	return v.result(r, tc)
}

func (v *Validator) result(r *report, tc *types.TradingContext) types.ValidationResult {
	res := types.ValidationResult{
		IsValid:  len(r.errors) == 0,
		Errors:   r.errors,
		Warnings: r.warnings,
	}
	if res.Errors == nil {
		res.Errors = []types.Issue{}
	}
	if res.Warnings == nil {
		res.Warnings = []types.Issue{}
	}
	for _, e := range res.Errors {
		metrics.ValidationViolations.WithLabelValues(e.RuleID).Inc()
	}
	if !res.IsValid {
		accountID := ""
		if tc != nil {
			accountID = tc.AccountID
		}
		v.logger.Info("Decision failed validation",
			zap.String("account_id", accountID),
			zap.Int("errors", len(res.Errors)),
			zap.Int("warnings", len(res.Warnings)),
		)
	}
	return res
}

// totalTolerance absorbs float drift in client-computed totals.
var totalTolerance = decimal.New(1, -2)

func checkSchema(r *report, d *types.TradingDecision, tc *types.TradingContext) {
	if len(d.Decisions) == 0 {
		r.fail(RuleSchema, "", "decision contains no asset decisions")
	}
	if !d.PortfolioRiskLevel.Valid() {
		r.fail(RuleSchema, "", "invalid portfolio_risk_level %q", d.PortfolioRiskLevel)
	}

	seen := make(map[string]bool, len(d.Decisions))
	for _, a := range d.Decisions {
		switch {
		case a.Asset == "":
			r.fail(RuleSchema, "", "asset is required")
			continue
		case seen[a.Asset]:
			r.fail(RuleSchema, a.Asset, "asset appears more than once")
		case !tc.HasSymbol(a.Asset):
			r.fail(RuleSchema, a.Asset, "asset was not requested")
		}
		seen[a.Asset] = true

		if !a.Action.Valid() {
			r.fail(RuleSchema, a.Asset, "invalid action %q", a.Action)
		}
		if !a.RiskLevel.Valid() {
			r.fail(RuleSchema, a.Asset, "invalid risk_level %q", a.RiskLevel)
		}
		if a.Confidence < 0 || a.Confidence > 100 {
			r.fail(RuleSchema, a.Asset, "confidence %.2f outside [0,100]", a.Confidence)
		}
		if a.AllocationUSD < 0 {
			r.fail(RuleSchema, a.Asset, "allocation_usd must not be negative")
		}
		if a.Action.RequiresZeroAllocation() && a.AllocationUSD != 0 {
			r.fail(RuleSchema, a.Asset, "%s requires allocation_usd 0, got %.2f", a.Action, a.AllocationUSD)
		}
	}

	total := decimal.NewFromFloat(d.TotalAllocationUSD)
	sum := decimal.NewFromFloat(types.SumAllocations(d.Decisions))
	if total.Sub(sum).Abs().GreaterThan(totalTolerance) {
		r.fail(RuleSchema, "", "total_allocation_usd %s does not equal the sum of allocations %s", total, sum)
	}
}

func checkAllocations(r *report, d *types.TradingDecision, tc *types.TradingContext) {
	risk := tc.Strategy.Risk
	balance := decimal.NewFromFloat(tc.Account.Balance)
	available := decimal.NewFromFloat(tc.Account.AvailableBalance)
	perTradeLimit := balance.Mul(decimal.NewFromFloat(risk.MaxRiskPerTrade))
	concentrationLimit := balance.Mul(decimal.NewFromFloat(risk.MaxConcentration))

	total := decimal.Zero
	for _, a := range d.Decisions {
		alloc := decimal.NewFromFloat(a.AllocationUSD)
		total = total.Add(alloc)
		if !alloc.IsPositive() {
			continue
		}
		if risk.MaxRiskPerTrade > 0 && alloc.GreaterThan(perTradeLimit) {
			r.fail(RulePerTradeRisk, a.Asset, "allocation %s exceeds per-trade limit %s (%.1f%% of balance)",
				alloc.StringFixed(2), perTradeLimit.StringFixed(2), risk.MaxRiskPerTrade*100)
		}
		if risk.MaxConcentration > 0 && alloc.GreaterThan(concentrationLimit) {
			r.fail(RuleConcentration, a.Asset, "allocation %s exceeds concentration ceiling %s (%.1f%% of balance)",
				alloc.StringFixed(2), concentrationLimit.StringFixed(2), risk.MaxConcentration*100)
		}
	}

	if total.GreaterThan(available) {
		r.fail(RuleCapital, "", "total allocation %s exceeds available balance %s",
			total.StringFixed(2), available.StringFixed(2))
	}
}

func checkLeverage(r *report, d *types.TradingDecision, risk types.RiskParameters) {
	if risk.MaxLeverage <= 0 {
		return
	}
	for _, a := range d.Decisions {
		if a.Leverage > risk.MaxLeverage {
			r.fail(RuleLeverage, a.Asset, "leverage %dx exceeds maximum %dx", a.Leverage, risk.MaxLeverage)
		}
	}
}

func checkPrices(r *report, d *types.TradingDecision, tc *types.TradingContext) {
	for _, a := range d.Decisions {
		if !a.Action.OpensExposure() || (a.TPPrice == nil && a.SLPrice == nil) {
			continue
		}
		snap, ok := tc.Snapshot(a.Asset)
		if !ok || snap.Price <= 0 {
			continue
		}
		price := snap.Price
		switch a.Action {
		case types.ActionBuy:
			if a.SLPrice != nil && *a.SLPrice >= price {
				r.fail(RulePriceConsistency, a.Asset, "buy stop loss %.4f must be below price %.4f", *a.SLPrice, price)
			}
			if a.TPPrice != nil && *a.TPPrice <= price {
				r.fail(RulePriceConsistency, a.Asset, "buy take profit %.4f must be above price %.4f", *a.TPPrice, price)
			}
		case types.ActionSell:
			if a.SLPrice != nil && *a.SLPrice <= price {
				r.fail(RulePriceConsistency, a.Asset, "sell stop loss %.4f must be above price %.4f", *a.SLPrice, price)
			}
			if a.TPPrice != nil && *a.TPPrice >= price {
				r.fail(RulePriceConsistency, a.Asset, "sell take profit %.4f must be below price %.4f", *a.TPPrice, price)
			}
		}
	}
}

// checkDailyLoss adds the worst case of every funded trade to today's realised loss.
func checkDailyLoss(r *report, d *types.TradingDecision, tc *types.TradingContext) {
	risk := tc.Strategy.Risk
	if risk.MaxDailyLoss <= 0 {
		return
	}
	limit := decimal.NewFromFloat(tc.Account.Balance).Mul(decimal.NewFromFloat(risk.MaxDailyLoss))
	recorded := decimal.NewFromFloat(tc.Account.DailyLossUSD)

	potential := decimal.Zero
	for _, a := range d.Decisions {
		if a.AllocationUSD <= 0 {
			continue
		}
		potential = potential.Add(decimal.NewFromFloat(a.AllocationUSD).Mul(stopDistance(a, tc, risk.DefaultStopPct)))
	}

	if recorded.Add(potential).GreaterThan(limit) {
		r.fail(RuleDailyLoss, "", "recorded loss %s plus potential loss %s exceeds daily limit %s",
			recorded.StringFixed(2), potential.StringFixed(2), limit.StringFixed(2))
	}
}

// stopDistance is the fraction of the allocation lost if the stop is hit.
func stopDistance(a types.AssetDecision, tc *types.TradingContext, fallback float64) decimal.Decimal {
	def := decimal.NewFromFloat(fallback)
	snap, ok := tc.Snapshot(a.Asset)
	if a.SLPrice == nil || !ok || snap.Price <= 0 {
		return def
	}
	price := decimal.NewFromFloat(snap.Price)
	dist := price.Sub(decimal.NewFromFloat(*a.SLPrice)).Abs().Div(price)
	if lev := a.Leverage; lev > 1 {
		dist = dist.Mul(decimal.NewFromInt(int64(lev)))
	}
	if dist.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	return dist
}

func checkAdvisories(r *report, d *types.TradingDecision, tc *types.TradingContext) {
	risk := tc.Strategy.Risk
	shareLimit := decimal.NewFromFloat(tc.Account.AvailableBalance).Mul(allocationShareWarning)
	lowConfidence := false

	for _, a := range d.Decisions {
		if a.AllocationUSD > 0 && decimal.NewFromFloat(a.AllocationUSD).GreaterThan(shareLimit) {
			r.warn(WarnAllocationShare, a.Asset, "allocation exceeds 50%% of available capital")
		}
		if !a.Action.OpensExposure() {
			continue
		}
		if a.Confidence < risk.MinConfidence {
			lowConfidence = true
			r.warn(WarnLowConfidence, a.Asset, "confidence %.0f is below strategy minimum %.0f", a.Confidence, risk.MinConfidence)
		}
		if a.SLPrice == nil {
			r.warn(WarnMissingStopLoss, a.Asset, "no stop loss set")
		}
	}

	if d.PortfolioRiskLevel == types.RiskHigh && lowConfidence {
		r.warn(WarnPortfolioRisk, "", "high portfolio risk combined with low-confidence trades")
	}
}
