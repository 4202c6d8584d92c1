package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"perp-decision-engine/internal/contextbuilder"
	"perp-decision-engine/internal/llm"
	"perp-decision-engine/internal/ratelimit"
	"perp-decision-engine/internal/strategy"
)

// Code is the stable, caller-facing error code.
type Code string

const (
	CodeInvalidRequest   Code = "INVALID_REQUEST"
	CodeStrategyNotFound Code = "STRATEGY_NOT_FOUND"
	CodeContextError     Code = "CONTEXT_ERROR"
	CodeAccountNotFound  Code = "ACCOUNT_NOT_FOUND"
	CodeRateLimited      Code = "RATE_LIMITED"
	CodeCircuitOpen      Code = "CIRCUIT_OPEN"
	CodeLLMUnavailable   Code = "LLM_UNAVAILABLE"
	CodeLLMBadOutput     Code = "LLM_BAD_OUTPUT"
	CodeCancelled        Code = "CANCELLED"
	CodeInternal         Code = "INTERNAL"
)

// StatusClientClosedRequest is the non-standard status used for cancelled requests.
const StatusClientClosedRequest = 499

var statusByCode = map[Code]int{
	CodeInvalidRequest:   http.StatusBadRequest,
	CodeStrategyNotFound: http.StatusNotFound,
	CodeContextError:     http.StatusUnprocessableEntity,
	CodeAccountNotFound:  http.StatusNotFound,
	CodeRateLimited:      http.StatusTooManyRequests,
	CodeCircuitOpen:      http.StatusServiceUnavailable,
	CodeLLMUnavailable:   http.StatusServiceUnavailable,
	CodeLLMBadOutput:     http.StatusBadGateway,
	CodeCancelled:        StatusClientClosedRequest,
	CodeInternal:         http.StatusInternalServerError,
}

// Error is the single error type returned by the engine.
type Error struct {
	Code      Code
	Component string
	State     State // state the request failed in
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s in %s (%s): %v", e.Code, e.Component, e.State, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus is the HTTP-equivalent status of the code.
func (e *Error) HTTPStatus() int {
	if s, ok := statusByCode[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Retryable reports whether the caller may retry the same request later.
func (e *Error) Retryable() bool {
	switch e.Code {
	case CodeRateLimited, CodeCircuitOpen, CodeLLMUnavailable:
		return true
	}
	return false
}

// codeFor maps a component error onto its stable code. Component sentinels are checked
// before cancellation because they may wrap a collaborator's own timeout.
func codeFor(err error) Code {
	var llmErr *llm.Error
	switch {
	case errors.As(err, &llmErr):
		switch llmErr.Kind {
		case llm.KindCircuitOpen:
			return CodeCircuitOpen
		case llm.KindSchema:
			return CodeLLMBadOutput
		default:
			return CodeLLMUnavailable
		}
	case errors.Is(err, strategy.ErrStrategyNotFound):
		return CodeStrategyNotFound
	case errors.Is(err, contextbuilder.ErrNoSymbols):
		return CodeInvalidRequest
	case errors.Is(err, contextbuilder.ErrAccountNotFound):
		return CodeAccountNotFound
	case errors.Is(err, contextbuilder.ErrInsufficientData), errors.Is(err, contextbuilder.ErrStaleData):
		return CodeContextError
	case errors.Is(err, ratelimit.ErrRateLimitExceeded):
		return CodeRateLimited
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeCancelled
	default:
		return CodeInternal
	}
}
