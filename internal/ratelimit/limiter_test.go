package ratelimit

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"perp-decision-engine/internal/config"
)

func newTestLimiter(cfg config.RateLimit) (*Limiter, *time.Time) {
	l := NewLimiter(cfg, zap.NewNop())
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestAcquire_AccountBudget(t *testing.T) {
	// Arrange
	l, now := newTestLimiter(config.RateLimit{AccountPerMinute: 6, AccountBurst: 2, GlobalPerMinute: 600, GlobalBurst: 100})

	// Act
	p1, err1 := l.Acquire("acct-1")
	p2, err2 := l.Acquire("acct-1")
	_, err3 := l.Acquire("acct-1")

	// Assert
	require.NoError(t, err1)
	require.NoError(t, err2)
	p1.Consume()
	p2.Consume()
	require.Error(t, err3)
	assert.True(t, errors.Is(err3, ErrRateLimitExceeded))
	var exceeded *ExceededError
	require.True(t, errors.As(err3, &exceeded))
	assert.Equal(t, ScopeAccount, exceeded.Scope)
	assert.Equal(t, "acct-1", exceeded.AccountID)

	// One token refills every ten seconds at six per minute.
	*now = now.Add(10 * time.Second)
	_, err := l.Acquire("acct-1")
	assert.NoError(t, err)
}

func TestAcquire_AccountsAreIsolated(t *testing.T) {
	l, _ := newTestLimiter(config.RateLimit{AccountPerMinute: 1, AccountBurst: 1, GlobalPerMinute: 600, GlobalBurst: 100})

	_, err := l.Acquire("acct-1")
	require.NoError(t, err)
	_, err = l.Acquire("acct-1")
	require.Error(t, err)

	_, err = l.Acquire("acct-2")
	assert.NoError(t, err, "another account's exhaustion must not affect acct-2")
}

func TestAcquire_GlobalBudgetReturnsAccountToken(t *testing.T) {
	l, _ := newTestLimiter(config.RateLimit{AccountPerMinute: 1, AccountBurst: 1, GlobalPerMinute: 1, GlobalBurst: 1})

	_, err := l.Acquire("acct-1")
	require.NoError(t, err)

	_, err = l.Acquire("acct-2")
	var exceeded *ExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, ScopeGlobal, exceeded.Scope)

	// acct-2's own token was handed back, so only the global bucket is empty.
	assert.InDelta(t, 1.0, l.accountLimiter("acct-2").TokensAt(l.now()), 1e-9)
}

func TestPermit_ReleaseReturnsTokens(t *testing.T) {
	l, _ := newTestLimiter(config.RateLimit{AccountPerMinute: 1, AccountBurst: 1, GlobalPerMinute: 600, GlobalBurst: 100})

	p, err := l.Acquire("acct-1")
	require.NoError(t, err)
	p.Release()
	p.Release()

	p, err = l.Acquire("acct-1")
	require.NoError(t, err, "released permit must give its token back")

	p.Consume()
	p.Release()
	assert.True(t, p.Consumed())
	_, err = l.Acquire("acct-1")
	assert.Error(t, err, "consumed permit keeps its token")
}

func TestPermit_ReleaseAfterTimePassed(t *testing.T) {
	l, now := newTestLimiter(config.RateLimit{AccountPerMinute: 1, AccountBurst: 1, GlobalPerMinute: 600, GlobalBurst: 100})

	p, err := l.Acquire("acct-1")
	require.NoError(t, err)

	// The permit is released a few seconds later, well before a token would refill.
	*now = now.Add(5 * time.Second)
	p.Release()

	_, err = l.Acquire("acct-1")
	assert.NoError(t, err)
}

func TestPermit_ReleaseAfterRejectedAcquire(t *testing.T) {
	l, now := newTestLimiter(config.RateLimit{AccountPerMinute: 6, AccountBurst: 2, GlobalPerMinute: 600, GlobalBurst: 100})

	first, err := l.Acquire("acct-1")
	require.NoError(t, err)
	second, err := l.Acquire("acct-1")
	require.NoError(t, err)
	second.Consume()

	*now = now.Add(3 * time.Second)
	_, err = l.Acquire("acct-1")
	require.ErrorIs(t, err, ErrRateLimitExceeded)

	first.Release()

	// 0.3 tokens refilled over three seconds plus the one handed back.
	assert.InDelta(t, 1.3, l.accountLimiter("acct-1").TokensAt(l.now()), 1e-6)
	_, err = l.Acquire("acct-1")
	assert.NoError(t, err, "the released permit's token must survive the rejected acquisition")
}

func TestAcquire_Concurrent(t *testing.T) {
	l, _ := newTestLimiter(config.RateLimit{AccountPerMinute: 60, AccountBurst: 5, GlobalPerMinute: 6000, GlobalBurst: 1000})

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p, err := l.Acquire("acct-1"); err == nil {
				p.Consume()
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, granted)
}
