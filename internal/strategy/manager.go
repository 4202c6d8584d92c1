package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"perp-decision-engine/internal/config"
	"perp-decision-engine/internal/database"
	"perp-decision-engine/internal/types"
)

// ErrStrategyNotFound is returned for unknown strategy ids.
var ErrStrategyNotFound = errors.New("strategy not found")

// AssignmentStore persists the strategy assigned to each account.
type AssignmentStore interface {
	GetAssignment(ctx context.Context, accountID string) (string, error)
	SetAssignment(ctx context.Context, accountID, strategyID string) error
}

// Invalidator drops the cached decisions of an account.
type Invalidator interface {
	InvalidateAccount(ctx context.Context, accountID string) int
}

// Manager resolves the strategy for an account.
type Manager struct {
	logger      *zap.Logger
	store       AssignmentStore
	invalidator Invalidator
	defaultID   string

	mu      sync.RWMutex
	presets map[string]types.Strategy
}

// NewManager loads the built-in presets, then the presets from cfg.File when set.
// File presets replace built-ins with the same id.
func NewManager(cfg config.Strategies, store AssignmentStore, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		logger:    logger.Named("strategy"),
		store:     store,
		defaultID: cfg.Default,
		presets:   make(map[string]types.Strategy),
	}
	if m.defaultID == "" {
		m.defaultID = Balanced
	}
	for _, s := range Presets() {
		m.presets[s.ID] = s
	}

	if cfg.File != "" {
		loaded, err := LoadFile(cfg.File)
		if err != nil {
			return nil, err
		}
		for _, s := range loaded {
			if err := m.Register(s); err != nil {
				return nil, err
			}
		}
		m.logger.Info("Loaded strategy presets", zap.String("file", cfg.File), zap.Int("count", len(loaded)))
	}

	if _, ok := m.presets[m.defaultID]; !ok {
		return nil, fmt.Errorf("default strategy %q: %w", m.defaultID, ErrStrategyNotFound)
	}
	return m, nil
}

// InvalidateOnAssign makes Assign drop the account's cached decisions, which were
// generated under the previous strategy.
func (m *Manager) InvalidateOnAssign(inv Invalidator) {
	m.invalidator = inv
}

// Lookup returns the strategy with the given id.
func (m *Manager) Lookup(id string) (types.Strategy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.presets[id]
	if !ok {
		return types.Strategy{}, fmt.Errorf("%q: %w", id, ErrStrategyNotFound)
	}
	return s, nil
}

// List returns every known strategy ordered by id.
func (m *Manager) List() []types.Strategy {
	m.mu.RLock()
	out := make([]types.Strategy, 0, len(m.presets))
	for _, s := range m.presets {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Register adds or replaces a strategy after validating it.
func (m *Manager) Register(s types.Strategy) error {
	if err := Validate(s); err != nil {
		return err
	}
	m.mu.Lock()
	m.presets[s.ID] = s
	m.mu.Unlock()
	return nil
}

// GetStrategy returns the strategy assigned to accountID, or the default one.
// A failing assignment store falls back to the default.
func (m *Manager) GetStrategy(ctx context.Context, accountID string) (types.Strategy, error) {
	id := m.defaultID
	if m.store != nil {
		assigned, err := m.store.GetAssignment(ctx, accountID)
		switch {
		case err == nil:
			id = assigned
		case errors.Is(err, database.ErrNotFound):
		default:
			m.logger.Warn("Could not load strategy assignment, using default",
				zap.String("account_id", accountID), zap.Error(err))
		}
	}
	return m.Lookup(id)
}

// Assign persists strategyID as the strategy of accountID.
func (m *Manager) Assign(ctx context.Context, accountID, strategyID string) error {
	if _, err := m.Lookup(strategyID); err != nil {
		return err
	}
	if m.store == nil {
		return errors.New("strategy assignments are not persisted")
	}
	if err := m.store.SetAssignment(ctx, accountID, strategyID); err != nil {
		return err
	}
	dropped := 0
	if m.invalidator != nil {
		dropped = m.invalidator.InvalidateAccount(ctx, accountID)
	}
	m.logger.Info("Assigned strategy",
		zap.String("account_id", accountID),
		zap.String("strategy_id", strategyID),
		zap.Int("invalidated", dropped),
	)
	return nil
}

// SeedAssignments assigns the configured strategy to accounts that have none yet.
func (m *Manager) SeedAssignments(ctx context.Context, accounts []config.Account) error {
	for _, a := range accounts {
		if a.Strategy == "" || m.store == nil {
			continue
		}
		if _, err := m.store.GetAssignment(ctx, a.ID); !errors.Is(err, database.ErrNotFound) {
			if err != nil {
				return err
			}
			continue
		}
		if err := m.Assign(ctx, a.ID, a.Strategy); err != nil {
			return fmt.Errorf("account %s: %w", a.ID, err)
		}
	}
	return nil
}
