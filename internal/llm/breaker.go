package llm

import (
	"sync/atomic"
	"time"

	"perp-decision-engine/internal/metrics"
)

// BreakerState is the circuit state of one model.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateHalfOpen
	StateOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	default:
		return "open"
	}
}

// breakerSnapshot is never mutated; every transition swaps in a new one.
type breakerSnapshot struct {
	state      BreakerState
	failures   int
	openedAt   time.Time
	generation uint64 // bumped each time the circuit opens
}

// Ticket is the permission to make one call, returned by Breaker.Allow.
type Ticket struct {
	trial      bool
	generation uint64
}

// Trial reports whether this call is the single half-open probe.
func (t Ticket) Trial() bool { return t.trial }

// Breaker is a lock-free circuit breaker. All state lives in one atomically swapped snapshot.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	snap      atomic.Pointer[breakerSnapshot]
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, threshold int, cooldown time.Duration, now func() time.Time) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	if now == nil {
		now = time.Now
	}
	b := &Breaker{name: name, threshold: threshold, cooldown: cooldown, now: now}
	b.snap.Store(&breakerSnapshot{state: StateClosed})
	metrics.BreakerState.WithLabelValues(name).Set(float64(StateClosed))
	return b
}

// State returns the current state without side effects.
func (b *Breaker) State() BreakerState {
	return b.snap.Load().state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	return b.snap.Load().failures
}

// Allow asks for permission to call the model. Once the cooldown has elapsed the first caller
// to win the swap gets the half-open trial; everyone else keeps getting ErrCircuitOpen.
func (b *Breaker) Allow() (Ticket, error) {
	for {
		cur := b.snap.Load()
		switch cur.state {
		case StateClosed:
			return Ticket{generation: cur.generation}, nil
		case StateHalfOpen:
			return Ticket{}, ErrCircuitOpen
		default:
			if b.now().Sub(cur.openedAt) < b.cooldown {
				return Ticket{}, ErrCircuitOpen
			}
			next := &breakerSnapshot{
				state:      StateHalfOpen,
				failures:   cur.failures,
				openedAt:   cur.openedAt,
				generation: cur.generation,
			}
			if b.swap(cur, next) {
				return Ticket{trial: true, generation: cur.generation}, nil
			}
		}
	}
}

// Success records a healthy response.
func (b *Breaker) Success(t Ticket) {
	for {
		cur := b.snap.Load()
		if cur.generation != t.generation {
			return
		}
		if cur.state == StateClosed && cur.failures == 0 {
			return
		}
		if cur.state == StateOpen || (cur.state == StateHalfOpen && !t.trial) {
			return
		}
		if b.swap(cur, &breakerSnapshot{state: StateClosed, generation: cur.generation}) {
			return
		}
	}
}

// Failure records a failed call. Reaching the threshold, or failing the trial, opens the circuit.
func (b *Breaker) Failure(t Ticket) {
	for {
		cur := b.snap.Load()
		if cur.generation != t.generation || cur.state == StateOpen {
			return
		}
		var next *breakerSnapshot
		switch {
		case cur.state == StateHalfOpen && t.trial:
			next = b.opened(cur)
		case cur.state == StateHalfOpen:
			return
		case cur.failures+1 >= b.threshold:
			next = b.opened(cur)
		default:
			next = &breakerSnapshot{state: StateClosed, failures: cur.failures + 1, generation: cur.generation}
		}
		if b.swap(cur, next) {
			return
		}
	}
}

// Reject records an answer that proves nothing about the model's health, such as refused
// credentials. A trial reopens the circuit with a fresh cooldown; other calls change nothing.
func (b *Breaker) Reject(t Ticket) {
	if t.trial {
		b.Failure(t)
	}
}

// Abandon releases a ticket whose call ended without an outcome (caller cancellation).
// An abandoned trial returns the circuit to open without restarting the cooldown.
func (b *Breaker) Abandon(t Ticket) {
	if !t.trial {
		return
	}
	for {
		cur := b.snap.Load()
		if cur.state != StateHalfOpen || cur.generation != t.generation {
			return
		}
		next := &breakerSnapshot{
			state:      StateOpen,
			failures:   cur.failures,
			openedAt:   cur.openedAt,
			generation: cur.generation,
		}
		if b.swap(cur, next) {
			return
		}
	}
}

func (b *Breaker) opened(cur *breakerSnapshot) *breakerSnapshot {
	return &breakerSnapshot{
		state:      StateOpen,
		failures:   cur.failures + 1,
		openedAt:   b.now(),
		generation: cur.generation + 1,
	}
}

func (b *Breaker) swap(cur, next *breakerSnapshot) bool {
	if !b.snap.CompareAndSwap(cur, next) {
		return false
	}
	if cur.state != next.state {
		metrics.BreakerState.WithLabelValues(b.name).Set(float64(next.state))
	}
	return true
}
