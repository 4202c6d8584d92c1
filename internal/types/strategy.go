package types

// RiskParameters are the portfolio limits a strategy imposes. Fractions are of account balance.
type RiskParameters struct {
	MaxRiskPerTrade  float64 `json:"max_risk_per_trade" yaml:"max_risk_per_trade"`
	MaxDailyLoss     float64 `json:"max_daily_loss" yaml:"max_daily_loss"`
	MaxConcentration float64 `json:"max_concentration" yaml:"max_concentration"`
	MaxLeverage      int     `json:"max_leverage" yaml:"max_leverage"`
	MinConfidence    float64 `json:"min_confidence" yaml:"min_confidence"`
	DefaultStopPct   float64 `json:"default_stop_pct" yaml:"default_stop_pct"`
}

// Strategy is a named set of risk parameters, prompt template and timeframe preferences.
type Strategy struct {
	ID             string         `json:"id" yaml:"id"`
	Name           string         `json:"name" yaml:"name"`
	Risk           RiskParameters `json:"risk" yaml:"risk"`
	PromptTemplate string         `json:"-" yaml:"prompt_template"`
	Timeframes     []string       `json:"timeframes" yaml:"timeframes"`
	HistoryWindow  int            `json:"history_window" yaml:"history_window"`
}

// PrimaryTimeframe is the timeframe snapshots are fetched at.
func (s Strategy) PrimaryTimeframe() string {
	if len(s.Timeframes) == 0 {
		return "15m"
	}
	return s.Timeframes[0]
}
