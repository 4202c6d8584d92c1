package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"perp-decision-engine/internal/types"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(opts ...Option) (*Cache, *clock) {
	clk := &clock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clk.Now)}, opts...)
	return New(3*time.Minute, zap.NewNop(), opts...), clk
}

func fp(account, hash string) Fingerprint {
	return Fingerprint{AccountID: account, Symbols: []string{"BTCUSDT", "ETHUSDT"}, StrategyID: "balanced", ContextHash: hash}
}

func entry(id string) *Entry {
	return &Entry{
		DecisionID: id,
		Decision:   types.NewTradingDecision(nil, "r", types.RiskLow, time.Now()),
		Model:      "primary",
	}
}

func TestFingerprint_Key(t *testing.T) {
	a := fp("acct-1", "h1")
	b := a
	b.Symbols = []string{"ETHUSDT", "BTCUSDT"}

	assert.Equal(t, a.Key(), b.Key(), "symbol order is irrelevant")
	assert.NotEqual(t, a.Key(), fp("acct-2", "h1").Key())
	assert.NotEqual(t, a.Key(), fp("acct-1", "h2").Key())
	assert.Equal(t, a.Slot(), fp("acct-1", "h2").Slot())
	assert.NotEqual(t, a.Key(), a.Slot())
}

func TestGetOrGenerate_MissThenHit(t *testing.T) {
	c, _ := newTestCache()
	calls := 0
	gen := func(ctx context.Context) (*Entry, error) {
		calls++
		return entry("d-1"), nil
	}

	first, out1, err := c.GetOrGenerate(context.Background(), fp("acct-1", "h"), false, gen)
	require.NoError(t, err)
	second, out2, err := c.GetOrGenerate(context.Background(), fp("acct-1", "h"), false, gen)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.False(t, out1.Hit)
	assert.True(t, out2.Hit)
	assert.Same(t, first, second)
	assert.Equal(t, "acct-1", second.AccountID)
	assert.Equal(t, "h", second.ContextHash)
}

func TestGetOrGenerate_ConcurrentCallersShareOneGeneration(t *testing.T) {
	c, _ := newTestCache()
	var calls atomic.Int32
	release := make(chan struct{})
	gen := func(ctx context.Context) (*Entry, error) {
		calls.Add(1)
		<-release
		return entry("d-1"), nil
	}

	const n = 20
	var wg sync.WaitGroup
	results := make([]*Entry, n)
	outcomes := make([]Outcome, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, out, err := c.GetOrGenerate(context.Background(), fp("acct-1", "h"), false, gen)
			assert.NoError(t, err)
			results[i], outcomes[i] = e, out
		}(i)
	}
	// Let the callers pile up on the in-flight generation before it finishes.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := range results {
		require.NotNil(t, results[i])
		assert.Equal(t, "d-1", results[i].DecisionID)
	}
}

func TestGetOrGenerate_ErrorsAreNotCached(t *testing.T) {
	c, _ := newTestCache()
	boom := errors.New("llm down")
	calls := 0
	gen := func(ctx context.Context) (*Entry, error) {
		calls++
		if calls == 1 {
			return nil, boom
		}
		return entry("d-2"), nil
	}

	_, _, err := c.GetOrGenerate(context.Background(), fp("acct-1", "h"), false, gen)
	assert.ErrorIs(t, err, boom)

	e, _, err := c.GetOrGenerate(context.Background(), fp("acct-1", "h"), false, gen)
	require.NoError(t, err)
	assert.Equal(t, "d-2", e.DecisionID)
	assert.Equal(t, 2, calls)
}

func TestGetOrGenerate_TTL(t *testing.T) {
	c, clk := newTestCache()
	calls := 0
	gen := func(ctx context.Context) (*Entry, error) {
		calls++
		return entry("d"), nil
	}

	_, _, _ = c.GetOrGenerate(context.Background(), fp("acct-1", "h"), false, gen)
	clk.Advance(3*time.Minute - time.Second)
	_, out, _ := c.GetOrGenerate(context.Background(), fp("acct-1", "h"), false, gen)
	assert.True(t, out.Hit)

	clk.Advance(time.Second)
	_, out, _ = c.GetOrGenerate(context.Background(), fp("acct-1", "h"), false, gen)
	assert.False(t, out.Hit)
	assert.Equal(t, 2, calls)
}

func TestGetOrGenerate_ForceRefresh(t *testing.T) {
	c, _ := newTestCache()
	calls := 0
	gen := func(ctx context.Context) (*Entry, error) {
		calls++
		return entry("d"), nil
	}

	_, _, _ = c.GetOrGenerate(context.Background(), fp("acct-1", "h"), false, gen)
	_, out, err := c.GetOrGenerate(context.Background(), fp("acct-1", "h"), true, gen)

	require.NoError(t, err)
	assert.False(t, out.Hit)
	assert.Equal(t, 2, calls)
}

func TestGetOrGenerate_NewContextHashEvictsStaleEntry(t *testing.T) {
	c, _ := newTestCache()
	gen := func(ctx context.Context) (*Entry, error) { return entry("d"), nil }

	_, _, _ = c.GetOrGenerate(context.Background(), fp("acct-1", "old"), false, gen)
	_, _, _ = c.GetOrGenerate(context.Background(), fp("acct-1", "new"), false, gen)

	assert.Equal(t, 1, c.Len())
	assert.Nil(t, c.get(fp("acct-1", "old").Key()))
}

func TestGetOrGenerate_AccountsAreIsolated(t *testing.T) {
	c, _ := newTestCache()
	gen := func(id string) Generator {
		return func(ctx context.Context) (*Entry, error) { return entry(id), nil }
	}

	a, _, _ := c.GetOrGenerate(context.Background(), fp("acct-1", "h"), false, gen("for-1"))
	b, outB, _ := c.GetOrGenerate(context.Background(), fp("acct-2", "h"), false, gen("for-2"))

	assert.False(t, outB.Hit)
	assert.Equal(t, "for-1", a.DecisionID)
	assert.Equal(t, "for-2", b.DecisionID)

	assert.Equal(t, 1, c.InvalidateAccount(context.Background(), "acct-1"))
	_, outB, _ = c.GetOrGenerate(context.Background(), fp("acct-2", "h"), false, gen("x"))
	assert.True(t, outB.Hit)
}

func TestGetOrGenerate_CancelledLeaderReleasesKey(t *testing.T) {
	c, _ := newTestCache()
	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	started := make(chan struct{})
	var calls atomic.Int32

	gen := func(ctx context.Context) (*Entry, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return entry("second"), nil
	}

	leaderErr := make(chan error, 1)
	go func() {
		_, _, err := c.GetOrGenerate(leaderCtx, fp("acct-1", "h"), false, gen)
		leaderErr <- err
	}()
	<-started

	followerDone := make(chan *Entry, 1)
	go func() {
		e, _, err := c.GetOrGenerate(context.Background(), fp("acct-1", "h"), false, gen)
		assert.NoError(t, err)
		followerDone <- e
	}()
	time.Sleep(20 * time.Millisecond)
	cancelLeader()

	assert.ErrorIs(t, <-leaderErr, context.Canceled)
	select {
	case e := <-followerDone:
		require.NotNil(t, e)
		assert.Equal(t, "second", e.DecisionID)
	case <-time.After(2 * time.Second):
		t.Fatal("follower never took over the abandoned generation")
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestGetOrGenerate_FollowerCancellationDoesNotAffectLeader(t *testing.T) {
	c, _ := newTestCache()
	release := make(chan struct{})
	started := make(chan struct{})
	gen := func(ctx context.Context) (*Entry, error) {
		close(started)
		<-release
		return entry("d"), nil
	}

	leaderDone := make(chan *Entry, 1)
	go func() {
		e, _, err := c.GetOrGenerate(context.Background(), fp("acct-1", "h"), false, gen)
		assert.NoError(t, err)
		leaderDone <- e
	}()
	<-started

	followerCtx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, _, err := c.GetOrGenerate(followerCtx, fp("acct-1", "h"), false, gen)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	e := <-leaderDone
	assert.Equal(t, "d", e.DecisionID)
}

func TestSweep(t *testing.T) {
	c, clk := newTestCache()
	gen := func(ctx context.Context) (*Entry, error) { return entry("d"), nil }
	_, _, _ = c.GetOrGenerate(context.Background(), fp("acct-1", "h"), false, gen)
	_, _, _ = c.GetOrGenerate(context.Background(), fp("acct-2", "h"), false, gen)

	assert.Equal(t, 0, c.Sweep())
	clk.Advance(4 * time.Minute)
	assert.Equal(t, 2, c.Sweep())
	assert.Equal(t, 0, c.Len())
}

type memBackend struct {
	mu      sync.Mutex
	data    map[string]*Entry
	failGet bool
}

func (m *memBackend) Get(ctx context.Context, key string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet {
		return nil, errors.New("connection refused")
	}
	return m.data[key], nil
}

func (m *memBackend) Set(ctx context.Context, key string, e *Entry, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = e
	return nil
}

func (m *memBackend) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func TestGetOrGenerate_SharedBackend(t *testing.T) {
	backend := &memBackend{data: map[string]*Entry{}}
	first, clk := newTestCache(WithBackend(backend))
	second := New(3*time.Minute, zap.NewNop(), WithBackend(backend), WithClock(clk.Now))
	calls := 0
	gen := func(ctx context.Context) (*Entry, error) {
		calls++
		return entry("shared"), nil
	}

	_, _, err := first.GetOrGenerate(context.Background(), fp("acct-1", "h"), false, gen)
	require.NoError(t, err)
	e, out, err := second.GetOrGenerate(context.Background(), fp("acct-1", "h"), false, gen)

	require.NoError(t, err)
	assert.True(t, out.Hit)
	assert.Equal(t, "shared", e.DecisionID)
	assert.Equal(t, 1, calls)
}

func TestGetOrGenerate_BackendFailureIsIgnored(t *testing.T) {
	backend := &memBackend{data: map[string]*Entry{}, failGet: true}
	c, _ := newTestCache(WithBackend(backend))

	e, out, err := c.GetOrGenerate(context.Background(), fp("acct-1", "h"), false, func(ctx context.Context) (*Entry, error) {
		return entry("local"), nil
	})

	require.NoError(t, err)
	assert.False(t, out.Hit)
	assert.Equal(t, "local", e.DecisionID)
}

func TestGetOrGenerate_LeaderTimeoutFailureIsShared(t *testing.T) {
	c, _ := newTestCache()
	release := make(chan struct{})
	var calls atomic.Int32

	// The generator fails with its own timeout while the leader's context is still live.
	gen := func(ctx context.Context) (*Entry, error) {
		calls.Add(1)
		<-release
		return nil, fmt.Errorf("provider: %w", context.DeadlineExceeded)
	}

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, errs[i] = c.GetOrGenerate(context.Background(), fp("acct-1", "h"), false, gen)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	}
	assert.Equal(t, int32(1), calls.Load(), "joiners must not retry a failure of a live leader")
}
