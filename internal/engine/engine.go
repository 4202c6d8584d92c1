// Package engine orchestrates one decision request: context, cache, rate limit, model,
// validation and persistence.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"perp-decision-engine/internal/cache"
	"perp-decision-engine/internal/config"
	"perp-decision-engine/internal/contextbuilder"
	"perp-decision-engine/internal/database"
	"perp-decision-engine/internal/llm"
	"perp-decision-engine/internal/logger"
	"perp-decision-engine/internal/metrics"
	"perp-decision-engine/internal/ratelimit"
	"perp-decision-engine/internal/trace"
	"perp-decision-engine/internal/types"
	"perp-decision-engine/internal/validator"
)

// StrategySource resolves strategies.
type StrategySource interface {
	GetStrategy(ctx context.Context, accountID string) (types.Strategy, error)
	Lookup(id string) (types.Strategy, error)
}

// ContextBuilder builds the trading context for a request.
type ContextBuilder interface {
	Build(ctx context.Context, accountID string, symbols []string, strategy types.Strategy) (*types.TradingContext, error)
}

// DecisionGenerator asks the model for a decision.
type DecisionGenerator interface {
	Generate(ctx context.Context, req llm.Request) (*llm.Generation, error)
}

// RateLimiter hands out permits for model calls.
type RateLimiter interface {
	Acquire(accountID string) (*ratelimit.Permit, error)
}

// Recorder persists generated decisions.
type Recorder interface {
	Save(ctx context.Context, rec database.Record) (string, error)
}

// Deps are the collaborators of an Engine. Recorder may be nil.
type Deps struct {
	Strategies StrategySource
	Builder    ContextBuilder
	LLM        DecisionGenerator
	Limiter    RateLimiter
	Cache      *cache.Cache
	Validator  *validator.Validator
	Recorder   Recorder
}

// Request asks for a decision over a set of symbols.
type Request struct {
	AccountID        string   `json:"account_id"`
	Symbols          []string `json:"symbols"`
	StrategyOverride string   `json:"strategy_id,omitempty"`
	ForceRefresh     bool     `json:"force_refresh,omitempty"`
}

// Metadata describes how a result was produced.
type Metadata struct {
	RequestID         string        `json:"request_id"`
	DecisionID        string        `json:"decision_id,omitempty"`
	CacheHit          bool          `json:"cache_hit"`
	Coalesced         bool          `json:"coalesced"`
	Model             string        `json:"model"`
	FallbackUsed      bool          `json:"fallback_used"`
	Attempts          int           `json:"attempts"`
	GenerationLatency time.Duration `json:"generation_latency_ns"`
	Fingerprint       string        `json:"fingerprint"`
	ContextHash       string        `json:"context_hash"`
	StrategyID        string        `json:"strategy_id"`
	GeneratedAt       time.Time     `json:"generated_at"`
}

// Result is the decision, its validation and metadata.
type Result struct {
	Decision   *types.TradingDecision `json:"decision"`
	Validation types.ValidationResult `json:"validation"`
	Metadata   Metadata               `json:"metadata"`
}

// Engine is safe for concurrent use by many accounts.
type Engine struct {
	deps   Deps
	cfg    config.Engine
	logger *zap.Logger
}

// New creates an Engine.
func New(deps Deps, cfg config.Engine, logger *zap.Logger) *Engine {
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 2 * time.Second
	}
	if cfg.ContextHashPrecision <= 0 {
		cfg.ContextHashPrecision = 0.005
	}
	return &Engine{deps: deps, cfg: cfg, logger: logger.Named("engine")}
}

// request carries the per-request state through the pipeline.
type request struct {
	id          string
	accountID   string
	fingerprint string
	contextHash string
	state       *tracker
	log         *zap.Logger
}

// GenerateDecision runs the full pipeline for req. Every error is an *Error.
func (e *Engine) GenerateDecision(ctx context.Context, req Request) (*Result, error) {
	r := &request{id: uuid.NewString(), accountID: req.AccountID, state: newTracker()}
	r.log = logger.ForRequest(e.logger, r.id, req.AccountID)

	ctx, span := trace.StartSpan(ctx, "engine.GenerateDecision")
	defer span.End()
	span.SetAttributes(attribute.String("account_id", req.AccountID), attribute.String("request_id", r.id))

	res, err := e.generate(ctx, req, r)
	if err != nil {
		var engErr *Error
		errors.As(err, &engErr)
		span.RecordError(err)
		metrics.DecisionsTotal.WithLabelValues(string(engErr.Code)).Inc()
		return nil, engErr
	}

	outcome := "complete"
	switch {
	case res.Metadata.CacheHit:
		outcome = "cache_hit"
	case res.Metadata.Coalesced:
		outcome = "coalesced"
	}
	metrics.DecisionsTotal.WithLabelValues(outcome).Inc()
	span.SetAttributes(attribute.Bool("cache_hit", res.Metadata.CacheHit), attribute.String("model", res.Metadata.Model))
	return res, nil
}

func (e *Engine) generate(ctx context.Context, req Request, r *request) (*Result, error) {
	if req.AccountID == "" {
		return nil, e.fail(r, "engine", &Error{Code: CodeInvalidRequest, Err: errors.New("account_id is required")})
	}
	symbols := contextbuilder.NormalizeSymbols(req.Symbols)
	if len(symbols) == 0 {
		return nil, e.fail(r, "engine", contextbuilder.ErrNoSymbols)
	}

	strat, err := e.resolveStrategy(ctx, req.AccountID, req.StrategyOverride)
	if err != nil {
		return nil, e.fail(r, "strategy", err)
	}

	tc, err := e.deps.Builder.Build(ctx, req.AccountID, symbols, strat)
	if err != nil {
		return nil, e.fail(r, "contextbuilder", err)
	}
	if err := r.state.advance(StateContextBuilt); err != nil {
		return nil, e.fail(r, "engine", err)
	}

	fp := cache.Fingerprint{
		AccountID:   req.AccountID,
		Symbols:     tc.Symbols,
		StrategyID:  strat.ID,
		ContextHash: tc.Hash(e.cfg.ContextHashPrecision),
	}
	r.fingerprint = fp.Key()
	r.contextHash = fp.ContextHash
	r.log = r.log.With(zap.String("fingerprint", r.fingerprint))

	entry, outcome, err := e.deps.Cache.GetOrGenerate(ctx, fp, req.ForceRefresh, e.generator(r, tc))
	if err != nil {
		// Caller cancellation surfaces as the bare context error.
		return nil, e.fail(r, "cache", err)
	}
	if err := r.state.advance(StateComplete); err != nil {
		return nil, e.fail(r, "engine", err)
	}

	r.log.Info("Decision ready",
		zap.Bool("cache_hit", outcome.Hit),
		zap.Bool("coalesced", outcome.Coalesced),
		zap.String("model", entry.Model),
		zap.Bool("valid", entry.Validation.IsValid),
	)

	return &Result{
		Decision:   entry.Decision,
		Validation: entry.Validation,
		Metadata: Metadata{
			RequestID:         r.id,
			DecisionID:        entry.DecisionID,
			CacheHit:          outcome.Hit,
			Coalesced:         outcome.Coalesced,
			Model:             entry.Model,
			FallbackUsed:      entry.FallbackUsed,
			Attempts:          entry.Attempts,
			GenerationLatency: entry.GenerationLatency,
			Fingerprint:       r.fingerprint,
			ContextHash:       entry.ContextHash,
			StrategyID:        strat.ID,
			GeneratedAt:       entry.CreatedAt,
		},
	}, nil
}

// generator returns the cache fill for one request. It runs at most once per fingerprint
// at a time, possibly on another goroutine.
func (e *Engine) generator(r *request, tc *types.TradingContext) cache.Generator {
	return func(ctx context.Context) (*cache.Entry, error) {
		step := func(next State) error {
			if err := r.state.advance(next); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return e.fail(r, "engine", err)
			}
			return nil
		}

		if err := step(StateRateLimitChecked); err != nil {
			return nil, err
		}
		permit, err := e.deps.Limiter.Acquire(r.accountID)
		if err != nil {
			return nil, e.fail(r, "ratelimit", err)
		}
		// Released only if the model call was never dispatched.
		defer permit.Release()

		if err := step(StateGenerating); err != nil {
			return nil, err
		}
		gctx, span := trace.StartSpan(ctx, "engine.generate")
		gen, err := e.deps.LLM.Generate(gctx, llm.Request{Context: tc, OnDispatch: permit.Consume})
		span.End()
		if err != nil {
			return nil, e.fail(r, "llm", err)
		}

		if err := step(StateValidating); err != nil {
			return nil, err
		}
		validation := e.deps.Validator.Validate(gen.Decision, tc)

		decisionID := e.persist(ctx, r, tc, gen, validation)

		return &cache.Entry{
			DecisionID:        decisionID,
			Decision:          gen.Decision,
			Validation:        validation,
			Model:             gen.Model,
			FallbackUsed:      gen.FallbackUsed,
			Attempts:          gen.Attempts,
			GenerationLatency: gen.Latency,
		}, nil
	}
}

// persist saves the decision under its own timeout, detached from the caller's cancellation.
// A failure is logged and the decision is still returned.
func (e *Engine) persist(ctx context.Context, r *request, tc *types.TradingContext, gen *llm.Generation, validation types.ValidationResult) string {
	if e.deps.Recorder == nil {
		return ""
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.PersistTimeout)
	defer cancel()

	id, err := e.deps.Recorder.Save(pctx, database.Record{
		RequestID:    r.id,
		AccountID:    tc.AccountID,
		Symbols:      tc.Symbols,
		StrategyID:   tc.Strategy.ID,
		Fingerprint:  r.fingerprint,
		ContextHash:  r.contextHash,
		Model:        gen.Model,
		FallbackUsed: gen.FallbackUsed,
		Attempts:     gen.Attempts,
		Latency:      gen.Latency,
		Decision:     gen.Decision,
		Validation:   validation,
	})
	if err != nil {
		r.log.Error("Failed to persist decision",
			zap.String("component", "persistence"),
			zap.Error(err),
		)
		return ""
	}
	return id
}

func (e *Engine) resolveStrategy(ctx context.Context, accountID, override string) (types.Strategy, error) {
	if override != "" {
		return e.deps.Strategies.Lookup(override)
	}
	return e.deps.Strategies.GetStrategy(ctx, accountID)
}

// fail moves the request to FAILED, logs the failure once and returns it as an *Error.
func (e *Engine) fail(r *request, component string, err error) error {
	var engErr *Error
	if errors.As(err, &engErr) && engErr.Component != "" {
		// Already classified, e.g. by the leader of the flight this request joined.
		_ = r.state.advance(StateFailed)
		r.log.Debug("Propagating classified failure",
			zap.String("component", engErr.Component),
			zap.String("code", string(engErr.Code)),
		)
		return engErr
	}

	from := r.state.current()
	_ = r.state.advance(StateFailed)
	if engErr == nil {
		engErr = &Error{Code: codeFor(err), Err: err}
	}
	engErr.Component = component
	engErr.State = from

	fields := []zap.Field{
		zap.String("component", component),
		zap.String("state", string(from)),
		zap.String("code", string(engErr.Code)),
		zap.Error(engErr.Err),
	}
	if r.fingerprint != "" {
		fields = append(fields, zap.String("fingerprint", r.fingerprint))
	}
	if engErr.Code == CodeCancelled {
		r.log.Info("Decision request cancelled", fields...)
	} else {
		r.log.Warn("Decision request failed", fields...)
	}
	return engErr
}

// ValidateDecision validates decision against tc without generating or persisting anything.
func (e *Engine) ValidateDecision(decision *types.TradingDecision, tc *types.TradingContext) types.ValidationResult {
	return e.deps.Validator.Validate(decision, tc)
}

// DryRun builds a fresh context for the decision's assets and validates the decision
// against it.
func (e *Engine) DryRun(ctx context.Context, accountID string, decision *types.TradingDecision, strategyOverride string) (types.ValidationResult, error) {
	r := &request{id: uuid.NewString(), accountID: accountID, state: newTracker()}
	r.log = logger.ForRequest(e.logger, r.id, accountID)

	if accountID == "" || decision == nil || len(decision.Decisions) == 0 {
		return types.ValidationResult{}, e.fail(r, "engine",
			&Error{Code: CodeInvalidRequest, Err: errors.New("account_id and a non-empty decision are required")})
	}
	symbols := make([]string, 0, len(decision.Decisions))
	for _, d := range decision.Decisions {
		symbols = append(symbols, d.Asset)
	}

	strat, err := e.resolveStrategy(ctx, accountID, strategyOverride)
	if err != nil {
		return types.ValidationResult{}, e.fail(r, "strategy", err)
	}
	tc, err := e.deps.Builder.Build(ctx, accountID, symbols, strat)
	if err != nil {
		return types.ValidationResult{}, e.fail(r, "contextbuilder", err)
	}
	return e.ValidateDecision(decision, tc), nil
}
