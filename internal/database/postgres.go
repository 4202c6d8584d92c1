package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"perp-decision-engine/internal/types"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS decisions (
	id                   TEXT PRIMARY KEY,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	request_id           TEXT NOT NULL DEFAULT '',
	account_id           TEXT NOT NULL,
	symbols              TEXT NOT NULL,
	strategy_id          TEXT NOT NULL,
	fingerprint          TEXT NOT NULL DEFAULT '',
	context_hash         TEXT NOT NULL DEFAULT '',
	model                TEXT NOT NULL DEFAULT '',
	fallback_used        BOOLEAN NOT NULL DEFAULT FALSE,
	attempts             INTEGER NOT NULL DEFAULT 0,
	latency_ms           BIGINT NOT NULL DEFAULT 0,
	portfolio_rationale  TEXT NOT NULL DEFAULT '',
	portfolio_risk_level TEXT NOT NULL DEFAULT '',
	total_allocation_usd NUMERIC NOT NULL DEFAULT 0,
	decided_at           TIMESTAMPTZ NOT NULL,
	is_valid             BOOLEAN NOT NULL,
	errors               JSONB NOT NULL DEFAULT '[]',
	warnings             JSONB NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_decisions_account_created ON decisions (account_id, created_at DESC);

CREATE TABLE IF NOT EXISTS asset_decisions (
	decision_id    TEXT NOT NULL REFERENCES decisions(id) ON DELETE CASCADE,
	position       INTEGER NOT NULL,
	asset          TEXT NOT NULL,
	action         TEXT NOT NULL,
	allocation_usd NUMERIC NOT NULL,
	tp_price       NUMERIC,
	sl_price       NUMERIC,
	leverage       INTEGER NOT NULL DEFAULT 0,
	exit_plan      TEXT NOT NULL DEFAULT '',
	rationale      TEXT NOT NULL DEFAULT '',
	confidence     DOUBLE PRECISION NOT NULL,
	risk_level     TEXT NOT NULL,
	PRIMARY KEY (decision_id, position)
);

CREATE TABLE IF NOT EXISTS strategy_assignments (
	account_id  TEXT PRIMARY KEY,
	strategy_id TEXT NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// PostgresRepository implements Repository on PostgreSQL.
// Monetary values are stored as NUMERIC.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ Repository = (*PostgresRepository)(nil)

// OpenPostgres connects to dsn and creates the schema if needed.
func OpenPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresRepository, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return NewPostgresRepository(pool, logger), nil
}

func NewPostgresRepository(pool *pgxpool.Pool, logger *zap.Logger) *PostgresRepository {
	return &PostgresRepository{pool: pool, logger: logger.Named("database")}
}

func (r *PostgresRepository) Save(ctx context.Context, rec Record) (string, error) {
	if rec.Decision == nil {
		return "", fmt.Errorf("record for account %s has no decision", rec.AccountID)
	}
	errs, err := json.Marshal(rec.Validation.Errors)
	if err != nil {
		return "", err
	}
	warns, err := json.Marshal(rec.Validation.Warnings)
	if err != nil {
		return "", err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	id := uuid.NewString()
	d := rec.Decision
	_, err = tx.Exec(ctx,
		`INSERT INTO decisions (id, request_id, account_id, symbols, strategy_id, fingerprint, context_hash,
		                        model, fallback_used, attempts, latency_ms, portfolio_rationale,
		                        portfolio_risk_level, total_allocation_usd, decided_at, is_valid, errors, warnings)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14::NUMERIC, $15, $16, $17, $18)`,
		id, rec.RequestID, rec.AccountID, strings.Join(rec.Symbols, ","), rec.StrategyID, rec.Fingerprint,
		rec.ContextHash, rec.Model, rec.FallbackUsed, rec.Attempts, rec.Latency.Milliseconds(),
		d.PortfolioRationale, string(d.PortfolioRiskLevel), decimal.NewFromFloat(d.TotalAllocationUSD).String(),
		d.Timestamp, rec.Validation.IsValid, string(errs), string(warns),
	)
	if err != nil {
		return "", fmt.Errorf("insert decision: %w", err)
	}

	for i, a := range d.Decisions {
		_, err = tx.Exec(ctx,
			`INSERT INTO asset_decisions (decision_id, position, asset, action, allocation_usd, tp_price, sl_price,
			                              leverage, exit_plan, rationale, confidence, risk_level)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11, $12)`,
			id, i, a.Asset, string(a.Action), decimal.NewFromFloat(a.AllocationUSD).String(),
			numericOrNil(a.TPPrice), numericOrNil(a.SLPrice),
			a.Leverage, a.ExitPlan, a.Rationale, a.Confidence, string(a.RiskLevel),
		)
		if err != nil {
			return "", fmt.Errorf("insert asset decision %s: %w", a.Asset, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

func (r *PostgresRepository) RecentDecisions(ctx context.Context, accountID string, limit int) ([]StoredDecision, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, created_at, request_id, account_id, symbols, strategy_id, fingerprint, model,
		        fallback_used, attempts, latency_ms, portfolio_rationale, portfolio_risk_level,
		        total_allocation_usd::TEXT, decided_at, is_valid, errors::TEXT, warnings::TEXT
		 FROM decisions WHERE account_id = $1
		 ORDER BY created_at DESC LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list decisions for %s: %w", accountID, err)
	}
	defer rows.Close()

	var out []StoredDecision
	index := make(map[string]int)
	for rows.Next() {
		var (
			d                   StoredDecision
			symbols, risk, tot  string
			errsJSON, warnsJSON string
			decidedAt           time.Time
		)
		if err := rows.Scan(&d.ID, &d.CreatedAt, &d.RequestID, &d.AccountID, &symbols, &d.StrategyID,
			&d.Fingerprint, &d.Model, &d.FallbackUsed, &d.Attempts, &d.LatencyMs,
			&d.Decision.PortfolioRationale, &risk, &tot, &decidedAt, &d.Validation.IsValid,
			&errsJSON, &warnsJSON); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		if symbols != "" {
			d.Symbols = strings.Split(symbols, ",")
		}
		d.Decision.PortfolioRiskLevel = types.RiskLevel(risk)
		d.Decision.TotalAllocationUSD = numericFloat(tot)
		d.Decision.Timestamp = decidedAt
		d.Decision.Decisions = []types.AssetDecision{}
		d.Validation.Errors = decodeIssues(r.logger, d.ID, "errors", errsJSON)
		d.Validation.Warnings = decodeIssues(r.logger, d.ID, "warnings", warnsJSON)

		index[d.ID] = len(out)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}

	ids := make([]string, 0, len(out))
	for _, d := range out {
		ids = append(ids, d.ID)
	}
	assetRows, err := r.pool.Query(ctx,
		`SELECT decision_id, asset, action, allocation_usd::TEXT, tp_price::TEXT, sl_price::TEXT,
		        leverage, exit_plan, rationale, confidence, risk_level
		 FROM asset_decisions WHERE decision_id = ANY($1)
		 ORDER BY decision_id, position`, ids)
	if err != nil {
		return nil, fmt.Errorf("list asset decisions: %w", err)
	}
	defer assetRows.Close()

	for assetRows.Next() {
		var (
			decisionID, action, alloc, risk string
			tp, sl                          *string
			a                               types.AssetDecision
		)
		if err := assetRows.Scan(&decisionID, &a.Asset, &action, &alloc, &tp, &sl,
			&a.Leverage, &a.ExitPlan, &a.Rationale, &a.Confidence, &risk); err != nil {
			return nil, fmt.Errorf("scan asset decision: %w", err)
		}
		a.Action = types.Action(action)
		a.RiskLevel = types.RiskLevel(risk)
		a.AllocationUSD = numericFloat(alloc)
		a.TPPrice = numericPtr(tp)
		a.SLPrice = numericPtr(sl)

		if i, ok := index[decisionID]; ok {
			out[i].Decision.Decisions = append(out[i].Decision.Decisions, a)
		}
	}
	return out, assetRows.Err()
}

func (r *PostgresRepository) GetAssignment(ctx context.Context, accountID string) (string, error) {
	var strategyID string
	err := r.pool.QueryRow(ctx,
		`SELECT strategy_id FROM strategy_assignments WHERE account_id = $1`, accountID).
		Scan(&strategyID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get strategy assignment %s: %w", accountID, err)
	}
	return strategyID, nil
}

func (r *PostgresRepository) SetAssignment(ctx context.Context, accountID, strategyID string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO strategy_assignments (account_id, strategy_id, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (account_id) DO UPDATE SET strategy_id = EXCLUDED.strategy_id, updated_at = now()`,
		accountID, strategyID)
	if err != nil {
		return fmt.Errorf("set strategy assignment %s: %w", accountID, err)
	}
	return nil
}

func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

func numericOrNil(v *float64) *string {
	if v == nil {
		return nil
	}
	s := decimal.NewFromFloat(*v).String()
	return &s
}

func numericFloat(s string) float64 {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	f, _ := d.Float64()
	return f
}

func numericPtr(s *string) *float64 {
	if s == nil {
		return nil
	}
	f := numericFloat(*s)
	return &f
}
