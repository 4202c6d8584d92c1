package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"perp-decision-engine/internal/models"
	"perp-decision-engine/internal/types"
)

// NewDatabase creates a new SQLite connection and performs auto-migration.
func NewDatabase(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := AutoMigrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// AutoMigrate creates or updates the tables for every model.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.DecisionRecord{}, &models.AssetDecisionRecord{}, &models.StrategyAssignment{}); err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}
	return nil
}

// GormRepository is the Repository backed by gorm.
type GormRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ Repository = (*GormRepository)(nil)

func NewGormRepository(db *gorm.DB, logger *zap.Logger) *GormRepository {
	return &GormRepository{db: db, logger: logger.Named("database")}
}

func (r *GormRepository) Save(ctx context.Context, rec Record) (string, error) {
	row, err := toRow(rec)
	if err != nil {
		return "", err
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", fmt.Errorf("failed to save decision: %w", err)
	}
	return row.ID, nil
}

func (r *GormRepository) RecentDecisions(ctx context.Context, accountID string, limit int) ([]StoredDecision, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []models.DecisionRecord
	err := r.db.WithContext(ctx).
		Preload("Assets", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Where("account_id = ?", accountID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load decisions for %s: %w", accountID, err)
	}

	out := make([]StoredDecision, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRow(row, r.logger))
	}
	return out, nil
}

func (r *GormRepository) GetAssignment(ctx context.Context, accountID string) (string, error) {
	var a models.StrategyAssignment
	err := r.db.WithContext(ctx).Where("account_id = ?", accountID).First(&a).Error
	if isNotFound(err) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load strategy assignment: %w", err)
	}
	return a.StrategyID, nil
}

func (r *GormRepository) SetAssignment(ctx context.Context, accountID, strategyID string) error {
	a := models.StrategyAssignment{AccountID: accountID, StrategyID: strategyID}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"strategy_id", "updated_at"}),
	}).Create(&a).Error
	if err != nil {
		return fmt.Errorf("failed to save strategy assignment: %w", err)
	}
	return nil
}

func (r *GormRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRow(rec Record) (models.DecisionRecord, error) {
	if rec.Decision == nil {
		return models.DecisionRecord{}, fmt.Errorf("record for account %s has no decision", rec.AccountID)
	}
	errs, err := json.Marshal(rec.Validation.Errors)
	if err != nil {
		return models.DecisionRecord{}, err
	}
	warns, err := json.Marshal(rec.Validation.Warnings)
	if err != nil {
		return models.DecisionRecord{}, err
	}

	id := uuid.NewString()
	row := models.DecisionRecord{
		ID:                 id,
		RequestID:          rec.RequestID,
		AccountID:          rec.AccountID,
		Symbols:            strings.Join(rec.Symbols, ","),
		StrategyID:         rec.StrategyID,
		Fingerprint:        rec.Fingerprint,
		ContextHash:        rec.ContextHash,
		Model:              rec.Model,
		FallbackUsed:       rec.FallbackUsed,
		Attempts:           rec.Attempts,
		LatencyMs:          rec.Latency.Milliseconds(),
		PortfolioRationale: rec.Decision.PortfolioRationale,
		PortfolioRiskLevel: string(rec.Decision.PortfolioRiskLevel),
		TotalAllocationUSD: rec.Decision.TotalAllocationUSD,
		DecidedAt:          rec.Decision.Timestamp,
		IsValid:            rec.Validation.IsValid,
		Errors:             string(errs),
		Warnings:           string(warns),
	}
	for i, a := range rec.Decision.Decisions {
		row.Assets = append(row.Assets, models.AssetDecisionRecord{
			DecisionID:    id,
			Position:      i,
			Asset:         a.Asset,
			Action:        string(a.Action),
			AllocationUSD: a.AllocationUSD,
			TPPrice:       a.TPPrice,
			SLPrice:       a.SLPrice,
			Leverage:      a.Leverage,
			ExitPlan:      a.ExitPlan,
			Rationale:     a.Rationale,
			Confidence:    a.Confidence,
			RiskLevel:     string(a.RiskLevel),
		})
	}
	return row, nil
}

func fromRow(row models.DecisionRecord, logger *zap.Logger) StoredDecision {
	d := StoredDecision{
		ID:           row.ID,
		RequestID:    row.RequestID,
		AccountID:    row.AccountID,
		StrategyID:   row.StrategyID,
		Fingerprint:  row.Fingerprint,
		Model:        row.Model,
		FallbackUsed: row.FallbackUsed,
		Attempts:     row.Attempts,
		LatencyMs:    row.LatencyMs,
		CreatedAt:    row.CreatedAt,
		Decision: types.TradingDecision{
			Decisions:          make([]types.AssetDecision, 0, len(row.Assets)),
			PortfolioRationale: row.PortfolioRationale,
			TotalAllocationUSD: row.TotalAllocationUSD,
			PortfolioRiskLevel: types.RiskLevel(row.PortfolioRiskLevel),
			Timestamp:          row.DecidedAt,
		},
		Validation: types.ValidationResult{
			IsValid:  row.IsValid,
			Errors:   decodeIssues(logger, row.ID, "errors", row.Errors),
			Warnings: decodeIssues(logger, row.ID, "warnings", row.Warnings),
		},
	}
	if row.Symbols != "" {
		d.Symbols = strings.Split(row.Symbols, ",")
	}
	for _, a := range row.Assets {
		d.Decision.Decisions = append(d.Decision.Decisions, types.AssetDecision{
			Asset:         a.Asset,
			Action:        types.Action(a.Action),
			AllocationUSD: a.AllocationUSD,
			TPPrice:       a.TPPrice,
			SLPrice:       a.SLPrice,
			Leverage:      a.Leverage,
			ExitPlan:      a.ExitPlan,
			Rationale:     a.Rationale,
			Confidence:    a.Confidence,
			RiskLevel:     types.RiskLevel(a.RiskLevel),
		})
	}
	return d
}
