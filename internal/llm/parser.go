package llm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"perp-decision-engine/internal/types"
)

// wire types use pointers so a missing field is distinguishable from a zero value.
type wireAsset struct {
	Asset         *string  `json:"asset"`
	Action        *string  `json:"action"`
	AllocationUSD *float64 `json:"allocation_usd"`
	TPPrice       *float64 `json:"tp_price"`
	SLPrice       *float64 `json:"sl_price"`
	Leverage      *int     `json:"leverage"`
	ExitPlan      *string  `json:"exit_plan"`
	Rationale     *string  `json:"rationale"`
	Confidence    *float64 `json:"confidence"`
	RiskLevel     *string  `json:"risk_level"`
}

type wireDecision struct {
	Decisions          []wireAsset `json:"decisions"`
	PortfolioRationale *string     `json:"portfolio_rationale"`
	PortfolioRiskLevel *string     `json:"portfolio_risk_level"`
	// Accepted for compatibility and ignored; the total is always recomputed.
	TotalAllocationUSD *float64 `json:"total_allocation_usd"`
}

// ParseDecision turns raw model output into a TradingDecision. Anything that does not
// satisfy the contract is rejected with an error wrapping ErrSchema.
func ParseDecision(raw string, now time.Time) (*types.TradingDecision, error) {
	body, err := extractObject(raw)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(strings.NewReader(body))
	dec.DisallowUnknownFields()
	var w wireDecision
	if err := dec.Decode(&w); err != nil {
		return nil, schemaErr("decode: %v", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, schemaErr("trailing data after decision object")
	}

	if w.PortfolioRationale == nil {
		return nil, schemaErr("missing portfolio_rationale")
	}
	if w.PortfolioRiskLevel == nil {
		return nil, schemaErr("missing portfolio_risk_level")
	}
	portfolioRisk := types.RiskLevel(*w.PortfolioRiskLevel)
	if !portfolioRisk.Valid() {
		return nil, schemaErr("invalid portfolio_risk_level %q", *w.PortfolioRiskLevel)
	}
	if len(w.Decisions) == 0 {
		return nil, schemaErr("decisions must not be empty")
	}

	items := make([]types.AssetDecision, 0, len(w.Decisions))
	for i, a := range w.Decisions {
		d, err := a.toDecision(i)
		if err != nil {
			return nil, err
		}
		items = append(items, d)
	}

	return types.NewTradingDecision(items, *w.PortfolioRationale, portfolioRisk, now), nil
}

func (a wireAsset) toDecision(i int) (types.AssetDecision, error) {
	switch {
	case a.Asset == nil || strings.TrimSpace(*a.Asset) == "":
		return types.AssetDecision{}, schemaErr("decisions[%d]: missing asset", i)
	case a.Action == nil:
		return types.AssetDecision{}, schemaErr("decisions[%d]: missing action", i)
	case a.AllocationUSD == nil:
		return types.AssetDecision{}, schemaErr("decisions[%d]: missing allocation_usd", i)
	case a.ExitPlan == nil:
		return types.AssetDecision{}, schemaErr("decisions[%d]: missing exit_plan", i)
	case a.Rationale == nil:
		return types.AssetDecision{}, schemaErr("decisions[%d]: missing rationale", i)
	case a.Confidence == nil:
		return types.AssetDecision{}, schemaErr("decisions[%d]: missing confidence", i)
	case a.RiskLevel == nil:
		return types.AssetDecision{}, schemaErr("decisions[%d]: missing risk_level", i)
	}

	action := types.Action(*a.Action)
	if !action.Valid() {
		return types.AssetDecision{}, schemaErr("decisions[%d]: invalid action %q", i, *a.Action)
	}
	risk := types.RiskLevel(*a.RiskLevel)
	if !risk.Valid() {
		return types.AssetDecision{}, schemaErr("decisions[%d]: invalid risk_level %q", i, *a.RiskLevel)
	}
	if *a.Confidence < 0 || *a.Confidence > 100 {
		return types.AssetDecision{}, schemaErr("decisions[%d]: confidence %.2f outside [0,100]", i, *a.Confidence)
	}
	if *a.AllocationUSD < 0 {
		return types.AssetDecision{}, schemaErr("decisions[%d]: negative allocation_usd", i)
	}
	if action.RequiresZeroAllocation() && *a.AllocationUSD != 0 {
		return types.AssetDecision{}, schemaErr("decisions[%d]: %s requires allocation_usd 0", i, action)
	}
	leverage := 0
	if a.Leverage != nil {
		if *a.Leverage < 0 {
			return types.AssetDecision{}, schemaErr("decisions[%d]: negative leverage", i)
		}
		leverage = *a.Leverage
	}
	for name, p := range map[string]*float64{"tp_price": a.TPPrice, "sl_price": a.SLPrice} {
		if p != nil && *p <= 0 {
			return types.AssetDecision{}, schemaErr("decisions[%d]: %s must be positive", i, name)
		}
	}

	return types.AssetDecision{
		Asset:         strings.ToUpper(strings.TrimSpace(*a.Asset)),
		Action:        action,
		AllocationUSD: *a.AllocationUSD,
		TPPrice:       a.TPPrice,
		SLPrice:       a.SLPrice,
		Leverage:      leverage,
		ExitPlan:      *a.ExitPlan,
		Rationale:     *a.Rationale,
		Confidence:    *a.Confidence,
		RiskLevel:     risk,
	}, nil
}

// extractObject strips code fences and prose around the outermost JSON object.
func extractObject(raw string) (string, error) {
	t := strings.TrimSpace(raw)
	if strings.HasPrefix(t, "```") {
		t = strings.TrimPrefix(t, "```json")
		t = strings.TrimPrefix(t, "```")
		t = strings.TrimSuffix(strings.TrimSpace(t), "```")
		t = strings.TrimSpace(t)
	}
	start := strings.Index(t, "{")
	end := strings.LastIndex(t, "}")
	if start < 0 || end <= start {
		return "", schemaErr("no JSON object in response")
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, []byte(t[start:end+1])); err != nil {
		return "", schemaErr("invalid JSON: %v", err)
	}
	return compact.String(), nil
}

func schemaErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSchema, fmt.Sprintf(format, args...))
}
