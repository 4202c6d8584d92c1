// Package account supplies account balances, positions and today's realised loss.
package account

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"perp-decision-engine/internal/binance"
	"perp-decision-engine/internal/config"
	"perp-decision-engine/internal/types"
)

// ErrAccountNotFound is returned for account ids the provider does not serve.
var ErrAccountNotFound = errors.New("account not found")

// Provider returns the current state of an account.
type Provider interface {
	GetAccount(ctx context.Context, accountID string) (*types.AccountState, error)
}

// Client is the part of the Binance client the live provider needs.
type Client interface {
	GetAccount(ctx context.Context) (*binance.AccountInfo, error)
	GetIncome(ctx context.Context, incomeType string, start time.Time) ([]binance.Income, error)
}

// BinanceProvider serves live accounts, one signed client per account id.
type BinanceProvider struct {
	clients map[string]Client
	logger  *zap.Logger
	now     func() time.Time
}

var _ Provider = (*BinanceProvider)(nil)

func NewBinanceProvider(clients map[string]Client, logger *zap.Logger) *BinanceProvider {
	return &BinanceProvider{clients: clients, logger: logger.Named("account"), now: time.Now}
}

func (p *BinanceProvider) GetAccount(ctx context.Context, accountID string) (*types.AccountState, error) {
	client, ok := p.clients[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}

	info, err := client.GetAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", accountID, err)
	}

	now := p.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	dailyLoss := 0.0
	income, err := client.GetIncome(ctx, "REALIZED_PNL", midnight)
	if err != nil {
		// Without income history the daily-loss rule sees zero recorded loss.
		p.logger.Warn("Failed to load realised PnL",
			zap.String("account_id", accountID),
			zap.String("component", "account"),
			zap.Error(err),
		)
	} else {
		pnl := 0.0
		for _, inc := range income {
			v, _ := strconv.ParseFloat(inc.Income, 64)
			pnl += v
		}
		if pnl < 0 {
			dailyLoss = -pnl
		}
	}

	return toState(accountID, info, dailyLoss, now), nil
}

func toState(accountID string, info *binance.AccountInfo, dailyLoss float64, now time.Time) *types.AccountState {
	wallet := parse(info.TotalWalletBalance)
	available := parse(info.AvailableBalance)
	margin := parse(info.TotalMarginBalance)

	state := &types.AccountState{
		AccountID:        accountID,
		Balance:          wallet,
		AvailableBalance: available,
		AvailableMargin:  margin - parse(info.TotalPositionInitialMargin),
		DailyLossUSD:     dailyLoss,
		Positions:        []types.Position{},
		UpdatedAt:        now,
	}

	exposure := 0.0
	for _, p := range info.Positions {
		qty := parse(p.PositionAmt)
		if qty == 0 {
			continue
		}
		side := "long"
		if qty < 0 {
			side = "short"
		}
		lev, _ := strconv.Atoi(p.Leverage)
		entry := parse(p.EntryPrice)
		notional := math.Abs(parse(p.Notional))
		if notional == 0 {
			notional = math.Abs(qty) * entry
		}
		exposure += notional
		mark := entry
		if qty != 0 && notional > 0 {
			mark = notional / math.Abs(qty)
		}
		state.Positions = append(state.Positions, types.Position{
			Symbol:        p.Symbol,
			Side:          side,
			Quantity:      math.Abs(qty),
			EntryPrice:    entry,
			MarkPrice:     mark,
			Leverage:      lev,
			UnrealizedPnL: parse(p.UnrealizedProfit),
			MarginUsed:    parse(p.InitialMargin),
		})
	}
	if wallet > 0 {
		state.RiskExposure = exposure / wallet
	}
	return state
}

func parse(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// PaperProvider serves simulated accounts from memory.
type PaperProvider struct {
	mu       sync.RWMutex
	accounts map[string]types.AccountState
	now      func() time.Time
}

var _ Provider = (*PaperProvider)(nil)

// NewPaperProvider seeds one account per paper entry in cfg, with its configured positions.
func NewPaperProvider(accounts []config.Account) *PaperProvider {
	p := &PaperProvider{accounts: make(map[string]types.AccountState), now: time.Now}
	for _, a := range accounts {
		if a.Paper {
			p.SetState(paperState(a))
		}
	}
	return p
}

func paperState(a config.Account) types.AccountState {
	state := types.AccountState{
		AccountID: a.ID,
		Balance:   a.Balance,
		Positions: make([]types.Position, 0, len(a.Positions)),
	}
	var notional, margin float64
	for _, pos := range a.Positions {
		lev := max(pos.Leverage, 1)
		n := pos.Quantity * pos.EntryPrice
		notional += n
		margin += n / float64(lev)
		state.Positions = append(state.Positions, types.Position{
			Symbol:     pos.Symbol,
			Side:       pos.Side,
			Quantity:   pos.Quantity,
			EntryPrice: pos.EntryPrice,
			MarkPrice:  pos.EntryPrice,
			Leverage:   lev,
			MarginUsed: n / float64(lev),
		})
	}
	state.AvailableBalance = math.Max(a.Balance-margin, 0)
	state.AvailableMargin = state.AvailableBalance
	if a.Balance > 0 {
		state.RiskExposure = notional / a.Balance
	}
	return state
}

// SetState replaces the stored state of an account, creating it if needed.
func (p *PaperProvider) SetState(state types.AccountState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state.Positions = append([]types.Position{}, state.Positions...)
	p.accounts[state.AccountID] = state
}

func (p *PaperProvider) GetAccount(ctx context.Context, accountID string) (*types.AccountState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	state, ok := p.accounts[accountID]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	state.Positions = append([]types.Position{}, state.Positions...)
	state.UpdatedAt = p.now().UTC()
	return &state, nil
}

// Has reports whether accountID is a paper account.
func (p *PaperProvider) Has(accountID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.accounts[accountID]
	return ok
}

// Router sends each account id to the provider that serves it.
type Router struct {
	paper *PaperProvider
	live  Provider
}

var _ Provider = (*Router)(nil)

func NewRouter(paper *PaperProvider, live Provider) *Router {
	return &Router{paper: paper, live: live}
}

func (r *Router) GetAccount(ctx context.Context, accountID string) (*types.AccountState, error) {
	if r.paper != nil && r.paper.Has(accountID) {
		return r.paper.GetAccount(ctx, accountID)
	}
	if r.live == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	return r.live.GetAccount(ctx, accountID)
}
