// Package contextbuilder assembles the immutable trading context a decision is made from.
package contextbuilder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"perp-decision-engine/internal/account"
	"perp-decision-engine/internal/marketdata"
	"perp-decision-engine/internal/trace"
	"perp-decision-engine/internal/types"
)

var (
	ErrNoSymbols        = errors.New("no symbols requested")
	ErrInsufficientData = errors.New("insufficient market data")
	ErrStaleData        = errors.New("stale market data")
	ErrAccountNotFound  = errors.New("account not found")
)

const defaultHistoryWindow = 5

// ContextError reports why a context could not be built.
// It matches both its kind sentinel and the underlying cause.
type ContextError struct {
	Kind      error
	AccountID string
	Symbol    string
	Err       error
}

func (e *ContextError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Symbol != "" {
		fmt.Fprintf(&b, " for %s", e.Symbol)
	}
	if e.AccountID != "" {
		fmt.Fprintf(&b, " (account %s)", e.AccountID)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ContextError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// HistorySource returns an account's recent decisions, newest first.
type HistorySource interface {
	RecentHistory(ctx context.Context, accountID string, limit int) ([]types.HistoryEntry, error)
}

// Builder fans out to the market and account collaborators.
type Builder struct {
	market       marketdata.Provider
	accounts     account.Provider
	history      HistorySource
	maxStaleness time.Duration
	now          func() time.Time
	logger       *zap.Logger
}

// New creates a Builder. history may be nil; maxStaleness 0 disables the staleness check.
func New(market marketdata.Provider, accounts account.Provider, history HistorySource, maxStaleness time.Duration, logger *zap.Logger) *Builder {
	return &Builder{
		market:       market,
		accounts:     accounts,
		history:      history,
		maxStaleness: maxStaleness,
		now:          time.Now,
		logger:       logger.Named("contextbuilder"),
	}
}

// NormalizeSymbols trims, upper-cases and de-duplicates symbols, keeping first-seen order.
func NormalizeSymbols(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	seen := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Build snapshots every symbol and the account concurrently. Any failure fails the
// whole build; a partial context is never returned.
func (b *Builder) Build(ctx context.Context, accountID string, symbols []string, strategy types.Strategy) (*types.TradingContext, error) {
	ctx, span := trace.StartSpan(ctx, "contextbuilder.Build")
	defer span.End()

	symbols = NormalizeSymbols(symbols)
	if len(symbols) == 0 {
		return nil, ErrNoSymbols
	}
	timeframe := strategy.PrimaryTimeframe()
	now := b.now()

	snapshots := make([]types.MarketSnapshot, len(symbols))
	var state *types.AccountState

	g, gctx := errgroup.WithContext(ctx)
	for i, symbol := range symbols {
		g.Go(func() error {
			snap, err := b.market.GetLatest(gctx, symbol, timeframe)
			if err != nil {
				if gctx.Err() != nil && errors.Is(err, gctx.Err()) {
					return err
				}
				return &ContextError{Kind: ErrInsufficientData, AccountID: accountID, Symbol: symbol, Err: err}
			}
			if snap == nil || snap.Price <= 0 {
				return &ContextError{Kind: ErrInsufficientData, AccountID: accountID, Symbol: symbol}
			}
			if b.maxStaleness > 0 && !snap.Timestamp.IsZero() && now.Sub(snap.Timestamp) > b.maxStaleness {
				return &ContextError{
					Kind: ErrStaleData, AccountID: accountID, Symbol: symbol,
					Err: fmt.Errorf("snapshot is %s old", now.Sub(snap.Timestamp).Truncate(time.Second)),
				}
			}
			snapshots[i] = *snap
			return nil
		})
	}
	g.Go(func() error {
		s, err := b.accounts.GetAccount(gctx, accountID)
		if err != nil {
			if errors.Is(err, account.ErrAccountNotFound) {
				return &ContextError{Kind: ErrAccountNotFound, AccountID: accountID, Err: err}
			}
			if gctx.Err() != nil && errors.Is(err, gctx.Err()) {
				return err
			}
			return &ContextError{Kind: ErrInsufficientData, AccountID: accountID, Err: err}
		}
		state = s
		return nil
	})

	if err := g.Wait(); err != nil {
		// The caller's own cancellation wins over whatever a collaborator reported.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		b.logger.Warn("Context build failed",
			zap.String("account_id", accountID),
			zap.Strings("symbols", symbols),
			zap.String("component", "contextbuilder"),
			zap.Error(err))
		return nil, err
	}

	market := make(map[string]types.MarketSnapshot, len(symbols))
	for i, symbol := range symbols {
		snap := snapshots[i]
		snap.Indicators = copyIndicators(snap.Indicators)
		market[symbol] = snap
	}

	acct := *state
	acct.Positions = append([]types.Position(nil), state.Positions...)

	return &types.TradingContext{
		AccountID: accountID,
		Symbols:   symbols,
		Market:    market,
		Account:   acct,
		Strategy:  strategy,
		History:   b.recentHistory(ctx, accountID, strategy.HistoryWindow),
		BuiltAt:   now.UTC(),
	}, nil
}

func (b *Builder) recentHistory(ctx context.Context, accountID string, window int) []types.HistoryEntry {
	if b.history == nil {
		return []types.HistoryEntry{}
	}
	if window <= 0 {
		window = defaultHistoryWindow
	}
	entries, err := b.history.RecentHistory(ctx, accountID, window)
	if err != nil {
		b.logger.Warn("Could not load decision history, continuing without it",
			zap.String("account_id", accountID), zap.Error(err))
		return []types.HistoryEntry{}
	}
	if entries == nil {
		entries = []types.HistoryEntry{}
	}
	return entries
}

func copyIndicators(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
