package models

import "gorm.io/gorm"

// StrategyAssignment records which strategy an account uses.
// There is at most one row per account.
type StrategyAssignment struct {
	gorm.Model
	AccountID  string `gorm:"uniqueIndex;not null"`
	StrategyID string `gorm:"not null"`
}
