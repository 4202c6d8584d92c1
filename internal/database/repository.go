package database

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"perp-decision-engine/internal/config"
	"perp-decision-engine/internal/types"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Record is everything persisted for one generated decision.
type Record struct {
	RequestID    string
	AccountID    string
	Symbols      []string
	StrategyID   string
	Fingerprint  string
	ContextHash  string
	Model        string
	FallbackUsed bool
	Attempts     int
	Latency      time.Duration
	Decision     *types.TradingDecision
	Validation   types.ValidationResult
}

// StoredDecision is a decision read back from storage.
type StoredDecision struct {
	ID           string                 `json:"id"`
	RequestID    string                 `json:"request_id"`
	AccountID    string                 `json:"account_id"`
	Symbols      []string               `json:"symbols"`
	StrategyID   string                 `json:"strategy_id"`
	Fingerprint  string                 `json:"fingerprint"`
	Model        string                 `json:"model"`
	FallbackUsed bool                   `json:"fallback_used"`
	Attempts     int                    `json:"attempts"`
	LatencyMs    int64                  `json:"latency_ms"`
	CreatedAt    time.Time              `json:"created_at"`
	Decision     types.TradingDecision  `json:"decision"`
	Validation   types.ValidationResult `json:"validation"`
}

// Repository stores decisions and strategy assignments.
type Repository interface {
	// Save persists rec and returns its new decision id.
	Save(ctx context.Context, rec Record) (string, error)
	// RecentDecisions returns the newest decisions of an account, newest first.
	RecentDecisions(ctx context.Context, accountID string, limit int) ([]StoredDecision, error)
	// GetAssignment returns the strategy assigned to accountID, or ErrNotFound.
	GetAssignment(ctx context.Context, accountID string) (string, error)
	// SetAssignment assigns strategyID to accountID, replacing any previous assignment.
	SetAssignment(ctx context.Context, accountID, strategyID string) error
	Close() error
}

// Open connects to the database named by cfg.DSN: postgres:// and postgresql:// DSNs use
// PostgreSQL, anything else is a SQLite file path.
func Open(ctx context.Context, cfg config.Database, logger *zap.Logger) (Repository, error) {
	if strings.HasPrefix(cfg.DSN, "postgres://") || strings.HasPrefix(cfg.DSN, "postgresql://") {
		return OpenPostgres(ctx, cfg.DSN, logger)
	}
	db, err := NewDatabase(cfg.DSN)
	if err != nil {
		return nil, err
	}
	return NewGormRepository(db, logger), nil
}

// decodeIssues reads a stored list of validation issues. An unreadable list is logged
// and read as empty.
func decodeIssues(logger *zap.Logger, decisionID, field, raw string) []types.Issue {
	issues := []types.Issue{}
	if raw == "" {
		return issues
	}
	if err := json.Unmarshal([]byte(raw), &issues); err != nil {
		logger.Warn("Could not decode stored validation issues",
			zap.String("decision_id", decisionID),
			zap.String("field", field),
			zap.Error(err),
		)
		return []types.Issue{}
	}
	if issues == nil {
		return []types.Issue{}
	}
	return issues
}

// History adapts a Repository into a source of recent decision history.
type History struct {
	Repo Repository
}

// RecentHistory flattens the newest limit decisions into per-asset entries, newest first.
func (h History) RecentHistory(ctx context.Context, accountID string, limit int) ([]types.HistoryEntry, error) {
	decisions, err := h.Repo.RecentDecisions(ctx, accountID, limit)
	if err != nil {
		return nil, err
	}
	entries := make([]types.HistoryEntry, 0, len(decisions))
	for _, d := range decisions {
		for _, a := range d.Decision.Decisions {
			entries = append(entries, types.HistoryEntry{
				DecisionID:    d.ID,
				Timestamp:     d.CreatedAt,
				Asset:         a.Asset,
				Action:        a.Action,
				AllocationUSD: a.AllocationUSD,
				Confidence:    a.Confidence,
				Valid:         d.Validation.IsValid,
			})
		}
	}
	return entries, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
