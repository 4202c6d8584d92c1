package strategy

import "perp-decision-engine/internal/types"

const (
	Conservative = "conservative"
	Balanced     = "balanced"
	Aggressive   = "aggressive"
)

// Presets returns the built-in strategies.
func Presets() []types.Strategy {
	return []types.Strategy{
		{
			ID:   Conservative,
			Name: "Conservative",
			Risk: types.RiskParameters{
				MaxRiskPerTrade:  0.05,
				MaxDailyLoss:     0.02,
				MaxConcentration: 0.20,
				MaxLeverage:      2,
				MinConfidence:    70,
				DefaultStopPct:   0.02,
			},
			Timeframes:    []string{"4h", "1d"},
			HistoryWindow: 5,
			PromptTemplate: `Trade conservatively on the {{.Timeframe}} chart. Prefer hold when signals disagree.
Keep every position under {{pct .Risk.MaxRiskPerTrade}} of the balance and leverage at or below {{.Risk.MaxLeverage}}x.
Always set a stop loss.`,
		},
		{
			ID:   Balanced,
			Name: "Balanced",
			Risk: types.RiskParameters{
				MaxRiskPerTrade:  0.10,
				MaxDailyLoss:     0.05,
				MaxConcentration: 0.30,
				MaxLeverage:      5,
				MinConfidence:    60,
				DefaultStopPct:   0.03,
			},
			Timeframes:    []string{"1h", "4h"},
			HistoryWindow: 5,
			PromptTemplate: `Balance opportunity and risk using the {{.Timeframe}} chart for {{.Symbols}}.
Keep every position under {{pct .Risk.MaxRiskPerTrade}} of the balance, no single asset above
{{pct .Risk.MaxConcentration}}, and leverage at or below {{.Risk.MaxLeverage}}x.`,
		},
		{
			ID:   Aggressive,
			Name: "Aggressive",
			Risk: types.RiskParameters{
				MaxRiskPerTrade:  0.20,
				MaxDailyLoss:     0.10,
				MaxConcentration: 0.50,
				MaxLeverage:      10,
				MinConfidence:    50,
				DefaultStopPct:   0.05,
			},
			Timeframes:    []string{"15m", "1h"},
			HistoryWindow: 10,
			PromptTemplate: `Trade actively on the {{.Timeframe}} chart and take momentum setups early.
Positions may reach {{pct .Risk.MaxRiskPerTrade}} of the balance with leverage up to {{.Risk.MaxLeverage}}x.
Stop the day once losses approach {{pct .Risk.MaxDailyLoss}}.`,
		},
	}
}
