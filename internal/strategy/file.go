package strategy

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"perp-decision-engine/internal/llm"
	"perp-decision-engine/internal/types"
)

type presetFile struct {
	Strategies []types.Strategy `yaml:"strategies"`
}

// LoadFile reads and validates strategy presets from a YAML file.
func LoadFile(path string) ([]types.Strategy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read strategy file: %w", err)
	}
	return parseFile(raw)
}

func parseFile(raw []byte) ([]types.Strategy, error) {
	var f presetFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse strategy file: %w", err)
	}
	for i, s := range f.Strategies {
		if s.HistoryWindow == 0 {
			f.Strategies[i].HistoryWindow = 5
		}
		if err := Validate(f.Strategies[i]); err != nil {
			return nil, err
		}
	}
	return f.Strategies, nil
}

// Validate checks a strategy's parameters and prompt template.
func Validate(s types.Strategy) error {
	if s.ID == "" {
		return errors.New("strategy: id is required")
	}
	r := s.Risk
	for name, v := range map[string]float64{
		"max_risk_per_trade": r.MaxRiskPerTrade,
		"max_daily_loss":     r.MaxDailyLoss,
		"max_concentration":  r.MaxConcentration,
		"default_stop_pct":   r.DefaultStopPct,
	} {
		if v <= 0 || v > 1 {
			return fmt.Errorf("strategy %s: %s must be in (0,1], got %v", s.ID, name, v)
		}
	}
	if r.MaxLeverage < 1 {
		return fmt.Errorf("strategy %s: max_leverage must be >= 1, got %d", s.ID, r.MaxLeverage)
	}
	if r.MinConfidence < 0 || r.MinConfidence > 100 {
		return fmt.Errorf("strategy %s: min_confidence must be in [0,100], got %v", s.ID, r.MinConfidence)
	}
	if len(s.Timeframes) == 0 {
		return fmt.Errorf("strategy %s: at least one timeframe is required", s.ID)
	}
	if s.HistoryWindow < 0 {
		return fmt.Errorf("strategy %s: history_window must not be negative", s.ID)
	}
	if _, err := llm.ParseTemplate(s.ID, s.PromptTemplate); err != nil {
		return fmt.Errorf("strategy %s: prompt template: %w", s.ID, err)
	}
	return nil
}
