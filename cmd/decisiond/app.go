package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"perp-decision-engine/internal/account"
	"perp-decision-engine/internal/binance"
	"perp-decision-engine/internal/cache"
	"perp-decision-engine/internal/config"
	"perp-decision-engine/internal/contextbuilder"
	"perp-decision-engine/internal/database"
	"perp-decision-engine/internal/engine"
	"perp-decision-engine/internal/llm"
	"perp-decision-engine/internal/marketdata"
	"perp-decision-engine/internal/ratelimit"
	"perp-decision-engine/internal/strategy"
	"perp-decision-engine/internal/trace"
	"perp-decision-engine/internal/validator"
)

// app is the fully wired service.
type app struct {
	engine     *engine.Engine
	cache      *cache.Cache
	strategies *strategy.Manager
	repo       database.Repository

	cleanup []func()
}

func (a *app) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
}

func buildApp(ctx context.Context, cfg config.Config, log *zap.Logger) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if err := trace.Init(cfg.Tracing.Enabled); err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.cleanup = append(a.cleanup, func() { _ = trace.Shutdown(context.Background()) })

	repo, err := database.Open(ctx, cfg.Database, log)
	if err != nil {
		return nil, err
	}
	a.repo = repo
	a.cleanup = append(a.cleanup, func() { _ = repo.Close() })
	log.Info("Database connection successful and schema migrated.")

	a.strategies, err = strategy.NewManager(cfg.Strategies, repo, log)
	if err != nil {
		return nil, err
	}
	if err := a.strategies.SeedAssignments(ctx, cfg.Accounts); err != nil {
		return nil, err
	}

	// Market data is public; account clients are signed per account.
	marketClient := binance.NewRestClient(&cfg.Binance, binance.Credentials{}, log)
	if _, err := marketClient.GetServerTime(ctx); err != nil {
		return nil, fmt.Errorf("connect to Binance API: %w", err)
	}
	log.Info("Successfully connected to Binance API.")
	liveClients := make(map[string]account.Client)
	for _, acct := range cfg.Accounts {
		if acct.Paper {
			continue
		}
		liveClients[acct.ID] = binance.NewRestClient(&cfg.Binance, binance.Credentials{ApiKey: acct.ApiKey, SecretKey: acct.SecretKey}, log)
	}
	accounts := account.NewRouter(account.NewPaperProvider(cfg.Accounts), account.NewBinanceProvider(liveClients, log))

	builder := contextbuilder.New(
		marketdata.NewBinanceProvider(marketClient, cfg.Binance.KlineLimit, log),
		accounts,
		database.History{Repo: repo},
		cfg.Engine.MaxStaleness,
		log,
	)

	var cacheOpts []cache.Option
	if cfg.Redis.URL != "" {
		backend, err := cache.NewRedisBackend(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		a.cleanup = append(a.cleanup, func() { _ = backend.Close() })
		cacheOpts = append(cacheOpts, cache.WithBackend(backend))
		log.Info("Shared decision cache enabled")
	}
	a.cache = cache.New(cfg.Engine.CacheTTL, log, cacheOpts...)
	a.strategies.InvalidateOnAssign(a.cache)

	if cfg.LLM.ApiKey == "" {
		return nil, errors.New("llm.api_key is not set")
	}
	provider := llm.NewOpenAIProvider(cfg.LLM.BaseURL, cfg.LLM.ApiKey, log)

	a.engine = engine.New(engine.Deps{
		Strategies: a.strategies,
		Builder:    builder,
		LLM:        llm.NewClient(provider, cfg.LLM, log),
		Limiter:    ratelimit.NewLimiter(cfg.RateLimit, log),
		Cache:      a.cache,
		Validator:  validator.New(log),
		Recorder:   repo,
	}, cfg.Engine, log)

	ok = true
	return a, nil
}
