package llm

import "perp-decision-engine/internal/types"

type SchemaType string

const (
	SchemaTypeObject  SchemaType = "object"
	SchemaTypeString  SchemaType = "string"
	SchemaTypeInteger SchemaType = "integer"
	SchemaTypeNumber  SchemaType = "number"
	SchemaTypeArray   SchemaType = "array"
)

type Schema struct {
	Type                 SchemaType         `json:"type"`
	Description          string             `json:"description,omitempty"`
	Properties           map[string]*Schema `json:"properties,omitempty"`
	Required             []string           `json:"required,omitempty"`
	Items                *Schema            `json:"items,omitempty"`
	Enum                 []string           `json:"enum,omitempty"`
	Minimum              *float64           `json:"minimum,omitempty"`
	Maximum              *float64           `json:"maximum,omitempty"`
	AdditionalProperties *bool              `json:"additionalProperties,omitempty"`
}

func bound(v float64) *float64 { return &v }

// DecisionSchema is the JSON-schema contract the model must answer with.
func DecisionSchema() *Schema {
	closed := false
	actions := make([]string, len(types.Actions))
	for i, a := range types.Actions {
		actions[i] = string(a)
	}
	risks := make([]string, len(types.RiskLevels))
	for i, r := range types.RiskLevels {
		risks[i] = string(r)
	}

	asset := &Schema{
		Type: SchemaTypeObject,
		Properties: map[string]*Schema{
			"asset":          {Type: SchemaTypeString, Description: "Symbol exactly as given in the context"},
			"action":         {Type: SchemaTypeString, Enum: actions},
			"allocation_usd": {Type: SchemaTypeNumber, Minimum: bound(0), Description: "Must be 0 for hold and close_position"},
			"tp_price":       {Type: SchemaTypeNumber, Minimum: bound(0)},
			"sl_price":       {Type: SchemaTypeNumber, Minimum: bound(0)},
			"leverage":       {Type: SchemaTypeInteger, Minimum: bound(0)},
			"exit_plan":      {Type: SchemaTypeString},
			"rationale":      {Type: SchemaTypeString},
			"confidence":     {Type: SchemaTypeNumber, Minimum: bound(0), Maximum: bound(100)},
			"risk_level":     {Type: SchemaTypeString, Enum: risks},
		},
		Required:             []string{"asset", "action", "allocation_usd", "exit_plan", "rationale", "confidence", "risk_level"},
		AdditionalProperties: &closed,
	}

	return &Schema{
		Type: SchemaTypeObject,
		Properties: map[string]*Schema{
			"decisions":            {Type: SchemaTypeArray, Items: asset},
			"portfolio_rationale":  {Type: SchemaTypeString},
			"portfolio_risk_level": {Type: SchemaTypeString, Enum: risks},
		},
		Required:             []string{"decisions", "portfolio_rationale", "portfolio_risk_level"},
		AdditionalProperties: &closed,
	}
}
