// Package cache deduplicates decision generation per fingerprint and keeps results for a TTL.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"perp-decision-engine/internal/metrics"
	"perp-decision-engine/internal/types"
)

// Entry is a cached generation result. Entries are shared between callers and never mutated.
type Entry struct {
	DecisionID        string                 `json:"decision_id"`
	AccountID         string                 `json:"account_id"`
	Decision          *types.TradingDecision `json:"decision"`
	Validation        types.ValidationResult `json:"validation"`
	Model             string                 `json:"model"`
	FallbackUsed      bool                   `json:"fallback_used"`
	Attempts          int                    `json:"attempts"`
	GenerationLatency time.Duration          `json:"generation_latency"`
	ContextHash       string                 `json:"context_hash"`
	CreatedAt         time.Time              `json:"created_at"`
	ExpiresAt         time.Time              `json:"expires_at"`
}

// Outcome tells the caller how its result was obtained.
type Outcome struct {
	// Hit is set when a stored entry was returned without generating.
	Hit bool
	// Coalesced is set when the caller waited on another caller's generation.
	Coalesced bool
}

// Generator produces a fresh entry. It runs at most once per key at a time.
type Generator func(ctx context.Context) (*Entry, error)

// Backend is an optional second-level store shared between instances.
// Get returns nil, nil on a miss.
type Backend interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, key string, e *Entry, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

type flightResult struct {
	entry *Entry
	hit   bool
}

// Cache is safe for concurrent use. The mutex only guards map access; generation runs
// outside it under a per-key single flight.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	slots    map[string]string // slot -> key
	keySlots map[string]string // key -> slot
	accounts map[string]map[string]struct{}

	group   singleflight.Group
	ttl     time.Duration
	backend Backend
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithBackend adds a second-level store.
func WithBackend(b Backend) Option {
	return func(c *Cache) { c.backend = b }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache whose entries live for ttl.
func New(ttl time.Duration, logger *zap.Logger, opts ...Option) *Cache {
	c := &Cache{
		entries:  make(map[string]*Entry),
		slots:    make(map[string]string),
		keySlots: make(map[string]string),
		accounts: make(map[string]map[string]struct{}),
		ttl:      ttl,
		logger:   logger.Named("cache"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetOrGenerate returns the live entry for fp, or runs gen once for every concurrent caller
// asking for the same fingerprint. Errors are never stored. forceRefresh drops any stored entry
// first. A caller whose context ends stops waiting without affecting the others.
func (c *Cache) GetOrGenerate(ctx context.Context, fp Fingerprint, forceRefresh bool, gen Generator) (*Entry, Outcome, error) {
	key := fp.Key()

	if forceRefresh {
		c.Invalidate(ctx, fp)
	} else if e := c.get(key); e != nil {
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		return e, Outcome{Hit: true}, nil
	}

	for {
		led := false
		ch := c.group.DoChan(key, func() (any, error) {
			led = true
			return c.fill(ctx, fp, key, forceRefresh, gen)
		})

		select {
		case <-ctx.Done():
			return nil, Outcome{}, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				// The leader was cancelled; a caller that is still alive takes over.
				var gone *leaderGone
				if !led && errors.As(res.Err, &gone) && ctx.Err() == nil {
					c.logger.Debug("In-flight generation abandoned, retrying",
						zap.String("account_id", fp.AccountID),
						zap.String("fingerprint", key),
					)
					continue
				}
				return nil, Outcome{}, res.Err
			}
			fr := res.Val.(flightResult)
			if !led {
				metrics.CacheLookups.WithLabelValues("coalesced").Inc()
				return fr.entry, Outcome{Coalesced: true}, nil
			}
			return fr.entry, Outcome{Hit: fr.hit}, nil
		}
	}
}

func (c *Cache) fill(ctx context.Context, fp Fingerprint, key string, forceRefresh bool, gen Generator) (flightResult, error) {
	if !forceRefresh {
		// Another flight may have stored the entry between our lookup and winning this one.
		if e := c.get(key); e != nil {
			metrics.CacheLookups.WithLabelValues("hit").Inc()
			return flightResult{entry: e, hit: true}, nil
		}
		if e := c.fromBackend(ctx, fp, key); e != nil {
			return flightResult{entry: e, hit: true}, nil
		}
	}

	metrics.CacheLookups.WithLabelValues("miss").Inc()
	e, err := gen(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return flightResult{}, &leaderGone{err: err}
		}
		return flightResult{}, err
	}
	stored := c.store(fp, key, e)

	if c.backend != nil {
		if err := c.backend.Set(context.WithoutCancel(ctx), key, stored, c.ttl); err != nil {
			c.logger.Warn("Failed to write decision to shared cache",
				zap.String("account_id", fp.AccountID),
				zap.String("fingerprint", key),
				zap.String("component", "cache"),
				zap.Error(err),
			)
		}
	}
	return flightResult{entry: stored}, nil
}

func (c *Cache) fromBackend(ctx context.Context, fp Fingerprint, key string) *Entry {
	if c.backend == nil {
		return nil
	}
	e, err := c.backend.Get(ctx, key)
	if err != nil {
		c.logger.Warn("Shared cache lookup failed",
			zap.String("account_id", fp.AccountID),
			zap.String("fingerprint", key),
			zap.String("component", "cache"),
			zap.Error(err),
		)
		return nil
	}
	if e == nil || e.AccountID != fp.AccountID || !c.now().Before(e.ExpiresAt) {
		return nil
	}
	metrics.CacheLookups.WithLabelValues("backend_hit").Inc()
	c.mu.Lock()
	c.putLocked(fp, key, e)
	c.mu.Unlock()
	return e
}

func (c *Cache) get(key string) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil
	}
	if !c.now().Before(e.ExpiresAt) {
		c.deleteLocked(key)
		return nil
	}
	return e
}

func (c *Cache) store(fp Fingerprint, key string, e *Entry) *Entry {
	now := c.now()
	stored := *e
	stored.AccountID = fp.AccountID
	stored.ContextHash = fp.ContextHash
	stored.CreatedAt = now
	stored.ExpiresAt = now.Add(c.ttl)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(fp, key, &stored)
	return &stored
}

func (c *Cache) putLocked(fp Fingerprint, key string, e *Entry) {
	slot := fp.Slot()
	if prev, ok := c.slots[slot]; ok && prev != key {
		c.deleteLocked(prev)
	}
	c.entries[key] = e
	c.slots[slot] = key
	c.keySlots[key] = slot
	keys, ok := c.accounts[fp.AccountID]
	if !ok {
		keys = make(map[string]struct{})
		c.accounts[fp.AccountID] = keys
	}
	keys[key] = struct{}{}
}

func (c *Cache) deleteLocked(key string) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	delete(c.entries, key)
	if keys, ok := c.accounts[e.AccountID]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(c.accounts, e.AccountID)
		}
	}
	if slot, ok := c.keySlots[key]; ok {
		delete(c.keySlots, key)
		if c.slots[slot] == key {
			delete(c.slots, slot)
		}
	}
}

// Invalidate drops the entry for fp.
func (c *Cache) Invalidate(ctx context.Context, fp Fingerprint) {
	key := fp.Key()
	c.mu.Lock()
	c.deleteLocked(key)
	c.mu.Unlock()
	c.deleteBackend(ctx, fp.AccountID, key)
}

// InvalidateAccount drops every entry belonging to accountID.
func (c *Cache) InvalidateAccount(ctx context.Context, accountID string) int {
	c.mu.Lock()
	keys := make([]string, 0, len(c.accounts[accountID]))
	for k := range c.accounts[accountID] {
		keys = append(keys, k)
	}
	for _, k := range keys {
		c.deleteLocked(k)
	}
	c.mu.Unlock()
	c.deleteBackend(ctx, accountID, keys...)
	return len(keys)
}

func (c *Cache) deleteBackend(ctx context.Context, accountID string, keys ...string) {
	if c.backend == nil || len(keys) == 0 {
		return
	}
	if err := c.backend.Delete(context.WithoutCancel(ctx), keys...); err != nil {
		c.logger.Warn("Failed to delete from shared cache",
			zap.String("account_id", accountID),
			zap.String("component", "cache"),
			zap.Error(err),
		)
	}
}

// Len returns the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep removes expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, e := range c.entries {
		if !now.Before(e.ExpiresAt) {
			c.deleteLocked(key)
			removed++
		}
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("Swept expired decisions", zap.Int("removed", n))
			}
		}
	}
}

// leaderGone marks a generation that failed because its leader's context ended.
// Joiners that are still waiting retry instead of inheriting the failure.
type leaderGone struct {
	err error
}

func (e *leaderGone) Error() string { return e.err.Error() }

func (e *leaderGone) Unwrap() error { return e.err }
