package llm

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestBreaker_TripsAndRecovers(t *testing.T) {
	clock := newFakeClock()
	b := NewBreaker("test-trip", 3, time.Minute, clock.Now)

	for i := 0; i < 3; i++ {
		ticket, err := b.Allow()
		require.NoError(t, err)
		b.Failure(ticket)
	}
	assert.Equal(t, StateOpen, b.State())

	_, err := b.Allow()
	assert.ErrorIs(t, err, ErrCircuitOpen)

	clock.Advance(time.Minute)
	trial, err := b.Allow()
	require.NoError(t, err)
	assert.True(t, trial.Trial())
	assert.Equal(t, StateHalfOpen, b.State())

	_, err = b.Allow()
	assert.ErrorIs(t, err, ErrCircuitOpen, "only one trial call while half-open")

	b.Success(trial)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Failures())
}

func TestBreaker_FailedTrialRestartsCooldown(t *testing.T) {
	clock := newFakeClock()
	b := NewBreaker("test-retrip", 1, time.Minute, clock.Now)

	ticket, _ := b.Allow()
	b.Failure(ticket)
	clock.Advance(time.Minute)

	trial, err := b.Allow()
	require.NoError(t, err)
	b.Failure(trial)
	assert.Equal(t, StateOpen, b.State())

	clock.Advance(30 * time.Second)
	_, err = b.Allow()
	assert.ErrorIs(t, err, ErrCircuitOpen)

	clock.Advance(30 * time.Second)
	_, err = b.Allow()
	assert.NoError(t, err)
}

func TestBreaker_AbandonedTrialKeepsCooldown(t *testing.T) {
	clock := newFakeClock()
	b := NewBreaker("test-abandon", 1, time.Minute, clock.Now)

	ticket, _ := b.Allow()
	b.Failure(ticket)
	clock.Advance(time.Minute)

	trial, err := b.Allow()
	require.NoError(t, err)
	b.Abandon(trial)
	assert.Equal(t, StateOpen, b.State())

	next, err := b.Allow()
	require.NoError(t, err, "cooldown already elapsed, a new trial is allowed at once")
	assert.True(t, next.Trial())
}

func TestBreaker_RejectOnlyAffectsTrial(t *testing.T) {
	clock := newFakeClock()
	b := NewBreaker("reject", 2, time.Minute, clock.Now)

	ticket, err := b.Allow()
	require.NoError(t, err)
	b.Reject(ticket)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Failures())

	for i := 0; i < 2; i++ {
		ticket, err = b.Allow()
		require.NoError(t, err)
		b.Failure(ticket)
	}
	require.Equal(t, StateOpen, b.State())

	clock.Advance(time.Minute)
	trial, err := b.Allow()
	require.NoError(t, err)
	require.True(t, trial.Trial())
	b.Reject(trial)

	assert.Equal(t, StateOpen, b.State())
	_, err = b.Allow()
	assert.ErrorIs(t, err, ErrCircuitOpen, "a rejected trial restarts the cooldown")
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker("test-reset", 3, time.Minute, nil)

	t1, _ := b.Allow()
	b.Failure(t1)
	t2, _ := b.Allow()
	b.Failure(t2)
	t3, _ := b.Allow()
	b.Success(t3)
	t4, _ := b.Allow()
	b.Failure(t4)

	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 1, b.Failures())
}

func TestBreaker_StaleOutcomeIgnored(t *testing.T) {
	clock := newFakeClock()
	b := NewBreaker("test-stale", 1, time.Minute, clock.Now)

	slow, _ := b.Allow()
	fast, _ := b.Allow()
	b.Failure(fast)
	require.Equal(t, StateOpen, b.State())

	// A call that started before the circuit opened cannot close it.
	b.Success(slow)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_ConcurrentFailuresAreNotLost(t *testing.T) {
	b := NewBreaker("test-concurrent", 1000, time.Minute, nil)

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, err := b.Allow()
			if err == nil {
				b.Failure(ticket)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 200, b.Failures())
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_SingleTrialUnderContention(t *testing.T) {
	clock := newFakeClock()
	b := NewBreaker("test-contention", 1, time.Second, clock.Now)
	ticket, _ := b.Allow()
	b.Failure(ticket)
	clock.Advance(time.Second)

	var trials atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tk, err := b.Allow(); err == nil && tk.Trial() {
				trials.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), trials.Load())
}
