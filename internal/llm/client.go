// Package llm drives the language model through retries, per-model circuit breakers and
// model fallback, and turns its answer into a typed decision.
package llm

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"perp-decision-engine/internal/config"
	"perp-decision-engine/internal/metrics"
	"perp-decision-engine/internal/trace"
	"perp-decision-engine/internal/types"
)

// Request is one generation request.
type Request struct {
	Context *types.TradingContext
	// OnDispatch runs once, right before the first provider call is sent.
	OnDispatch func()
}

// Generation is a successfully parsed model answer.
type Generation struct {
	Decision     *types.TradingDecision
	Model        string
	FallbackUsed bool
	Attempts     int
	Latency      time.Duration
	RawResponse  string
}

// Client is safe for concurrent use. Breakers are shared across all callers.
type Client struct {
	provider Provider
	cfg      config.LLM
	models   []string
	breakers map[string]*Breaker
	logger   *zap.Logger

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(max time.Duration) time.Duration
}

// NewClient creates a client over provider for the configured models.
func NewClient(provider Provider, cfg config.LLM, logger *zap.Logger) *Client {
	c := &Client{
		provider: provider,
		cfg:      cfg,
		models:   append([]string(nil), cfg.Models...),
		breakers: make(map[string]*Breaker, len(cfg.Models)),
		logger:   logger.Named("llm"),
		now:      time.Now,
		sleep:    sleepCtx,
		jitter: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return rand.N(max + 1)
		},
	}
	if c.cfg.MaxAttempts < 1 {
		c.cfg.MaxAttempts = 1
	}
	for _, m := range c.models {
		c.breakers[m] = NewBreaker(m, cfg.BreakerThreshold, cfg.BreakerCooldown, func() time.Time { return c.now() })
	}
	return c
}

// Breaker returns the breaker for model, or nil.
func (c *Client) Breaker(model string) *Breaker {
	return c.breakers[model]
}

// Generate asks the models in order for a decision. Caller cancellation is returned as ctx.Err();
// every other failure is an *Error.
func (c *Client) Generate(ctx context.Context, req Request) (*Generation, error) {
	if req.Context == nil {
		return nil, &Error{Kind: KindFatal, Err: errors.New("nil trading context")}
	}
	system, user, err := BuildPrompt(req.Context)
	if err != nil {
		return nil, &Error{Kind: KindFatal, Err: err}
	}
	messages := []Message{{Role: RoleSystem, Content: system}, {Role: RoleUser, Content: user}}
	schema := DecisionSchema()

	start := c.now()
	dispatched := false
	attempts := 0
	var lastErr error
	var lastModel string

	for i, model := range c.models {
		breaker := c.breakers[model]

		for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
			ticket, err := breaker.Allow()
			if err != nil {
				if attempt == 1 {
					c.logger.Warn("Skipping model with open circuit", zap.String("model", model))
				}
				break
			}

			if !dispatched {
				dispatched = true
				if req.OnDispatch != nil {
					req.OnDispatch()
				}
			}
			attempts++
			lastModel = model

			raw, err := c.attempt(ctx, model, attempt, messages, schema)
			if err == nil {
				breaker.Success(ticket)
				decision, perr := ParseDecision(raw, c.now())
				if perr != nil {
					metrics.LLMRequests.WithLabelValues(model, "schema_error").Inc()
					c.logger.Warn("Model answer rejected", zap.String("model", model), zap.Error(perr))
					return nil, &Error{Kind: KindSchema, Model: model, Err: perr}
				}
				metrics.LLMRequests.WithLabelValues(model, "success").Inc()
				return &Generation{
					Decision:     decision,
					Model:        model,
					FallbackUsed: i > 0,
					Attempts:     attempts,
					Latency:      c.now().Sub(start),
					RawResponse:  raw,
				}, nil
			}

			if ctx.Err() != nil {
				breaker.Abandon(ticket)
				metrics.LLMRequests.WithLabelValues(model, "cancelled").Inc()
				return nil, ctx.Err()
			}

			if errors.Is(err, ErrSchema) {
				breaker.Success(ticket)
				metrics.LLMRequests.WithLabelValues(model, "schema_error").Inc()
				return nil, &Error{Kind: KindSchema, Model: model, Err: err}
			}

			if !isTransient(err) {
				if isAuthFailure(err) {
					breaker.Reject(ticket)
				} else {
					breaker.Success(ticket)
				}
				metrics.LLMRequests.WithLabelValues(model, "fatal").Inc()
				c.logger.Error("Provider rejected request", zap.String("model", model), zap.Error(err))
				return nil, &Error{Kind: KindFatal, Model: model, Err: err}
			}

			breaker.Failure(ticket)
			metrics.LLMRequests.WithLabelValues(model, "transient_error").Inc()
			lastErr = err

			if attempt == c.cfg.MaxAttempts || breaker.State() == StateOpen {
				break
			}
			wait := c.backoff(attempt, err)
			c.logger.Warn("Provider call failed, retrying...",
				zap.String("model", model),
				zap.Int("attempt", attempt),
				zap.Duration("retry_after", wait),
				zap.Error(err),
			)
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}
		}
	}

	if lastErr == nil {
		return nil, &Error{Kind: KindCircuitOpen, Err: ErrCircuitOpen}
	}
	return nil, &Error{
		Kind:  KindTransient,
		Model: lastModel,
		Err:   fmt.Errorf("all models failed after %d attempts: %w", attempts, lastErr),
	}
}

func (c *Client) attempt(ctx context.Context, model string, n int, messages []Message, schema *Schema) (string, error) {
	ctx, span := trace.StartSpan(ctx, "llm.attempt")
	defer span.End()
	span.SetAttributes(attribute.String("model", model), attribute.Int("attempt", n))

	if c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	started := time.Now()
	raw, err := c.provider.Complete(ctx, CompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
		Schema:      schema,
	})
	metrics.LLMLatency.WithLabelValues(model).Observe(time.Since(started).Seconds())
	if err != nil {
		span.RecordError(err)
	}
	return raw, err
}

// backoff is exponential with full jitter, capped; a provider Retry-After wins when longer.
func (c *Client) backoff(attempt int, err error) time.Duration {
	ceiling := c.cfg.BackoffBase << (attempt - 1)
	if c.cfg.BackoffMax > 0 && (ceiling > c.cfg.BackoffMax || ceiling <= 0) {
		ceiling = c.cfg.BackoffMax
	}
	wait := c.jitter(ceiling)

	var perr *ProviderError
	if errors.As(err, &perr) && perr.RetryAfter > wait {
		wait = perr.RetryAfter
	}
	return wait
}

// isTransient reports whether err is worth retrying: timeouts, transport failures, 408/429/5xx.
func isTransient(err error) bool {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Transient()
	}
	// Timeouts and transport failures (connection reset, EOF, DNS) carry no status.
	return true
}

func isAuthFailure(err error) bool {
	var perr *ProviderError
	return errors.As(err, &perr) && perr.Auth()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
