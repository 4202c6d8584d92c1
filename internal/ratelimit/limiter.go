// Package ratelimit enforces per-account and global request budgets for LLM calls.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"perp-decision-engine/internal/config"
	"perp-decision-engine/internal/metrics"
)

// Scope names which budget rejected a request.
type Scope string

const (
	ScopeAccount Scope = "account"
	ScopeGlobal  Scope = "global"
)

// ErrRateLimitExceeded is matched by every *ExceededError.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// ExceededError reports a rejected acquisition.
type ExceededError struct {
	Scope     Scope
	AccountID string
}

func (e *ExceededError) Error() string {
	if e.Scope == ScopeGlobal {
		return "global rate limit exceeded"
	}
	return fmt.Sprintf("rate limit exceeded for account %s", e.AccountID)
}

func (e *ExceededError) Is(target error) bool { return target == ErrRateLimitExceeded }

// Limiter hands out permits from token buckets. It never blocks.
type Limiter struct {
	mu       sync.Mutex
	accounts map[string]*rate.Limiter
	global   *rate.Limiter

	accountLimit rate.Limit
	accountBurst int
	logger       *zap.Logger
	now          func() time.Time
}

// NewLimiter builds a limiter from per-minute budgets.
func NewLimiter(cfg config.RateLimit, logger *zap.Logger) *Limiter {
	return &Limiter{
		accounts:     make(map[string]*rate.Limiter),
		global:       rate.NewLimiter(perMinute(cfg.GlobalPerMinute), max(cfg.GlobalBurst, 1)),
		accountLimit: perMinute(cfg.AccountPerMinute),
		accountBurst: max(cfg.AccountBurst, 1),
		logger:       logger.Named("ratelimit"),
		now:          time.Now,
	}
}

func perMinute(n float64) rate.Limit {
	return rate.Limit(n / 60)
}

// accountLimiter must be called with l.mu held.
func (l *Limiter) accountLimiter(accountID string) *rate.Limiter {
	lim, ok := l.accounts[accountID]
	if !ok {
		lim = rate.NewLimiter(l.accountLimit, l.accountBurst)
		l.accounts[accountID] = lim
	}
	return lim
}

// Acquire takes one token from the account bucket and one from the global bucket.
// When either is empty nothing is reserved and an *ExceededError is returned.
func (l *Limiter) Acquire(accountID string) (*Permit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()

	// Rejections reserve nothing, so earlier permits can still give back their full token.
	acct := l.accountLimiter(accountID)
	if acct.TokensAt(now) < 1 {
		return nil, l.reject(ScopeAccount, accountID)
	}
	if l.global.TokensAt(now) < 1 {
		return nil, l.reject(ScopeGlobal, accountID)
	}

	return &Permit{
		reservations: []*rate.Reservation{acct.ReserveN(now, 1), l.global.ReserveN(now, 1)},
		at:           now,
	}, nil
}

func (l *Limiter) reject(scope Scope, accountID string) error {
	metrics.RateLimitRejections.WithLabelValues(string(scope)).Inc()
	l.logger.Warn("Rate limit exceeded",
		zap.String("scope", string(scope)),
		zap.String("account_id", accountID),
		zap.String("component", "ratelimit"),
	)
	return &ExceededError{Scope: scope, AccountID: accountID}
}

// Permit is a granted acquisition. Consume marks the downstream call as sent;
// Release returns the tokens if it never was.
type Permit struct {
	mu           sync.Mutex
	reservations []*rate.Reservation
	consumed     bool
	released     bool
	at           time.Time // reservation time
}

// Consume marks the permit as used. Safe to call more than once.
func (p *Permit) Consume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.released {
		p.consumed = true
	}
}

// Release gives the tokens back unless the permit was consumed. Safe to call more than once.
func (p *Permit) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.consumed || p.released {
		return
	}
	p.released = true
	// A reservation only gives tokens back when cancelled at its own time.
	for _, r := range p.reservations {
		r.CancelAt(p.at)
	}
}

// Consumed reports whether the permit was used.
func (p *Permit) Consumed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.consumed
}
