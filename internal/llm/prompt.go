package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"perp-decision-engine/internal/types"
)

const baseInstructions = `You manage a perpetual-futures portfolio. Decide for every listed asset in one answer.
Answer with a single JSON object matching the provided schema and nothing else.
Use allocation_usd 0 for hold and close_position. Confidence is 0-100.
Never allocate more in total than the available balance.`

var templateFuncs = template.FuncMap{
	"pct": func(f float64) string { return fmt.Sprintf("%.1f%%", f*100) },
}

// ParseTemplate compiles a strategy prompt template.
func ParseTemplate(name, text string) (*template.Template, error) {
	return template.New(name).Funcs(templateFuncs).Option("missingkey=error").Parse(text)
}

type promptData struct {
	Strategy  string
	Timeframe string
	Risk      types.RiskParameters
	Symbols   string
}

// BuildPrompt renders the system prompt from the strategy template and serialises the
// context and schema into the user prompt.
func BuildPrompt(tc *types.TradingContext) (system, user string, err error) {
	var b strings.Builder
	b.WriteString(baseInstructions)

	if tc.Strategy.PromptTemplate != "" {
		tmpl, err := ParseTemplate(tc.Strategy.ID, tc.Strategy.PromptTemplate)
		if err != nil {
			return "", "", fmt.Errorf("parse prompt template for strategy %s: %w", tc.Strategy.ID, err)
		}
		var out bytes.Buffer
		data := promptData{
			Strategy:  tc.Strategy.Name,
			Timeframe: tc.Strategy.PrimaryTimeframe(),
			Risk:      tc.Strategy.Risk,
			Symbols:   strings.Join(tc.Symbols, ", "),
		}
		if err := tmpl.Execute(&out, data); err != nil {
			return "", "", fmt.Errorf("render prompt template for strategy %s: %w", tc.Strategy.ID, err)
		}
		b.WriteString("\n\n")
		b.WriteString(strings.TrimSpace(out.String()))
	}

	ctxJSON, err := json.Marshal(tc)
	if err != nil {
		return "", "", fmt.Errorf("marshal context: %w", err)
	}
	schemaJSON, err := json.Marshal(DecisionSchema())
	if err != nil {
		return "", "", fmt.Errorf("marshal schema: %w", err)
	}

	user = fmt.Sprintf("Context:\n%s\n\nRespond with JSON matching this schema:\n%s", ctxJSON, schemaJSON)
	return b.String(), user, nil
}
