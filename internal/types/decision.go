package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Action is the instruction the model gives for a single asset.
type Action string

const (
	ActionBuy            Action = "buy"
	ActionSell           Action = "sell"
	ActionHold           Action = "hold"
	ActionAdjustPosition Action = "adjust_position"
	ActionClosePosition  Action = "close_position"
	ActionAdjustOrders   Action = "adjust_orders"
)

// Actions lists every valid action in schema order.
var Actions = []Action{
	ActionBuy, ActionSell, ActionHold, ActionAdjustPosition, ActionClosePosition, ActionAdjustOrders,
}

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	for _, known := range Actions {
		if a == known {
			return true
		}
	}
	return false
}

// OpensExposure reports whether the action opens new directional risk.
func (a Action) OpensExposure() bool {
	return a == ActionBuy || a == ActionSell
}

// RequiresZeroAllocation reports whether allocation_usd must be 0 for the action.
func (a Action) RequiresZeroAllocation() bool {
	return a == ActionHold || a == ActionClosePosition
}

// RiskLevel grades the risk of one trade or of the whole portfolio.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// RiskLevels lists every valid risk level.
var RiskLevels = []RiskLevel{RiskLow, RiskMedium, RiskHigh}

// Valid reports whether r is one of the known risk levels.
func (r RiskLevel) Valid() bool {
	return r == RiskLow || r == RiskMedium || r == RiskHigh
}

// AssetDecision is the model's instruction for one asset.
type AssetDecision struct {
	Asset         string    `json:"asset"`
	Action        Action    `json:"action"`
	AllocationUSD float64   `json:"allocation_usd"`
	TPPrice       *float64  `json:"tp_price,omitempty"`
	SLPrice       *float64  `json:"sl_price,omitempty"`
	Leverage      int       `json:"leverage,omitempty"`
	ExitPlan      string    `json:"exit_plan"`
	Rationale     string    `json:"rationale"`
	Confidence    float64   `json:"confidence"`
	RiskLevel     RiskLevel `json:"risk_level"`
}

// TradingDecision is the aggregate multi-asset decision. It is immutable once built.
type TradingDecision struct {
	Decisions          []AssetDecision `json:"decisions"`
	PortfolioRationale string          `json:"portfolio_rationale"`
	TotalAllocationUSD float64         `json:"total_allocation_usd"`
	PortfolioRiskLevel RiskLevel       `json:"portfolio_risk_level"`
	Timestamp          time.Time       `json:"timestamp"`
}

// NewTradingDecision builds a decision whose total is the exact sum of the per-asset allocations.
func NewTradingDecision(decisions []AssetDecision, rationale string, risk RiskLevel, ts time.Time) *TradingDecision {
	items := make([]AssetDecision, len(decisions))
	copy(items, decisions)
	return &TradingDecision{
		Decisions:          items,
		PortfolioRationale: rationale,
		TotalAllocationUSD: SumAllocations(items),
		PortfolioRiskLevel: risk,
		Timestamp:          ts.UTC(),
	}
}

// SumAllocations adds allocation_usd across decisions without float drift.
func SumAllocations(decisions []AssetDecision) float64 {
	total := decimal.Zero
	for _, d := range decisions {
		total = total.Add(decimal.NewFromFloat(d.AllocationUSD))
	}
	f, _ := total.Float64()
	return f
}

// Issue is a single validation finding.
type Issue struct {
	RuleID  string `json:"rule_id"`
	Asset   string `json:"asset,omitempty"`
	Message string `json:"message"`
}

// ValidationResult is the outcome of validating a decision. It is never persisted on its own.
type ValidationResult struct {
	IsValid  bool    `json:"is_valid"`
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}

// HasError reports whether an error with the given rule id was recorded.
func (v ValidationResult) HasError(ruleID string) bool {
	for _, e := range v.Errors {
		if e.RuleID == ruleID {
			return true
		}
	}
	return false
}

// HasWarning reports whether a warning with the given rule id was recorded.
func (v ValidationResult) HasWarning(ruleID string) bool {
	for _, w := range v.Warnings {
		if w.RuleID == ruleID {
			return true
		}
	}
	return false
}
