package engine

import (
	"fmt"
	"sync"
)

// State is a step of the per-request state machine.
type State string

const (
	StatePending          State = "PENDING"
	StateContextBuilt     State = "CONTEXT_BUILT"
	StateRateLimitChecked State = "RATE_LIMIT_CHECKED"
	StateGenerating       State = "GENERATING"
	StateValidating       State = "VALIDATING"
	StateComplete         State = "COMPLETE"
	StateFailed           State = "FAILED"
)

var transitions = map[State][]State{
	StatePending:          {StateContextBuilt},
	StateContextBuilt:     {StateRateLimitChecked, StateComplete}, // COMPLETE on a cache hit
	StateRateLimitChecked: {StateGenerating},
	StateGenerating:       {StateValidating},
	StateValidating:       {StateComplete},
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// tracker holds the state of one request. The cache may run the generation steps on
// another goroutine, so access is locked.
type tracker struct {
	mu    sync.Mutex
	state State
}

func newTracker() *tracker {
	return &tracker{state: StatePending}
}

func (t *tracker) current() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// advance moves to next. FAILED is reachable from every non-terminal state.
func (t *tracker) advance(next State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if next == StateFailed && !t.state.Terminal() {
		t.state = next
		return nil
	}
	for _, allowed := range transitions[t.state] {
		if allowed == next {
			t.state = next
			return nil
		}
	}
	return fmt.Errorf("illegal state transition %s -> %s", t.state, next)
}
