package llm

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCircuitOpen is returned when every configured model's breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker open")
	// ErrSchema marks model output that does not satisfy the decision contract.
	ErrSchema = errors.New("decision does not match schema")
)

// Kind classifies a failed generation.
type Kind string

const (
	// KindTransient failures were retried until attempts and models ran out.
	KindTransient Kind = "transient"
	// KindFatal failures are provider rejections that retrying cannot fix.
	KindFatal Kind = "fatal"
	// KindSchema failures are responses that parsed but broke the output contract.
	KindSchema Kind = "schema"
	// KindCircuitOpen means no provider call was attempted.
	KindCircuitOpen Kind = "circuit_open"
)

// Error is the single error type returned by Client.Generate, except for caller cancellation.
type Error struct {
	Kind  Kind
	Model string
	Err   error
}

func (e *Error) Error() string {
	if e.Model == "" {
		return fmt.Sprintf("llm %s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("llm %s error (model %s): %v", e.Kind, e.Model, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the same request may succeed later.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindCircuitOpen
}

// ProviderError is a non-2xx response from the provider.
type ProviderError struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, e.Body)
}

// Auth reports whether the provider refused the credentials.
func (e *ProviderError) Auth() bool {
	return e.StatusCode == 401 || e.StatusCode == 403
}

// Transient reports whether the status is worth retrying.
func (e *ProviderError) Transient() bool {
	switch {
	case e.StatusCode == 408, e.StatusCode == 429:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}
