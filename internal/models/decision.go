package models

import (
	"time"

	"gorm.io/gorm"
)

// DecisionRecord is the audit row for one generated decision.
type DecisionRecord struct {
	ID                 string    `gorm:"primaryKey;size:36"`
	CreatedAt          time.Time `gorm:"index"`
	RequestID          string    `gorm:"size:36"`
	AccountID          string    `gorm:"index;not null"`
	Symbols            string    `gorm:"not null"` // comma separated, request order
	StrategyID         string    `gorm:"not null"`
	Fingerprint        string    `gorm:"index;size:64"`
	ContextHash        string    `gorm:"size:64"`
	Model              string
	FallbackUsed       bool
	Attempts           int
	LatencyMs          int64
	PortfolioRationale string
	PortfolioRiskLevel string
	TotalAllocationUSD float64
	DecidedAt          time.Time
	IsValid            bool
	Errors             string                `gorm:"type:text"` // JSON array of issues
	Warnings           string                `gorm:"type:text"` // JSON array of issues
	Assets             []AssetDecisionRecord `gorm:"foreignKey:DecisionID;constraint:OnDelete:CASCADE"`
}

// AssetDecisionRecord is one asset line of a DecisionRecord.
type AssetDecisionRecord struct {
	gorm.Model
	DecisionID    string `gorm:"index;size:36;not null"`
	Position      int    // order within the decision
	Asset         string `gorm:"not null"`
	Action        string `gorm:"not null"`
	AllocationUSD float64
	TPPrice       *float64
	SLPrice       *float64
	Leverage      int
	ExitPlan      string
	Rationale     string
	Confidence    float64
	RiskLevel     string
}
