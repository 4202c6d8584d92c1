// Package api exposes the decision engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"perp-decision-engine/internal/database"
	"perp-decision-engine/internal/engine"
	"perp-decision-engine/internal/metrics"
	"perp-decision-engine/internal/strategy"
	"perp-decision-engine/internal/types"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// DecisionService is the part of the engine the API serves.
type DecisionService interface {
	GenerateDecision(ctx context.Context, req engine.Request) (*engine.Result, error)
	DryRun(ctx context.Context, accountID string, decision *types.TradingDecision, strategyOverride string) (types.ValidationResult, error)
}

// StrategyService lists and assigns strategies.
type StrategyService interface {
	List() []types.Strategy
	Assign(ctx context.Context, accountID, strategyID string) error
}

// HistoryStore reads persisted decisions.
type HistoryStore interface {
	RecentDecisions(ctx context.Context, accountID string, limit int) ([]database.StoredDecision, error)
}

// Server provides an HTTP interface for the decision engine.
type Server struct {
	server     *http.Server
	decisions  DecisionService
	strategies StrategyService
	history    HistoryStore
	logger     *zap.Logger
	startTime  time.Time
}

// NewServer creates a new Server listening on port.
func NewServer(port int, decisions DecisionService, strategies StrategyService, history HistoryStore, logger *zap.Logger) *Server {
	s := &Server{
		decisions:  decisions,
		strategies: strategies,
		history:    history,
		logger:     logger.Named("api-server"),
		startTime:  time.Now(),
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/health", s.healthHandler)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/decisions", s.generateHandler)
		r.Post("/decisions/validate", s.validateHandler)
		r.Get("/accounts/{accountID}/decisions", s.historyHandler)
		r.Put("/accounts/{accountID}/strategy", s.assignStrategyHandler)
		r.Get("/strategies", s.strategiesHandler)
	})
	return r
}

// Start runs the HTTP server in a new goroutine.
func (s *Server) Start() {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	return s.server.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) generateHandler(w http.ResponseWriter, r *http.Request) {
	var req engine.Request
	if err := decode(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, string(engine.CodeInvalidRequest), err.Error())
		return
	}

	res, err := s.decisions.GenerateDecision(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

type validateRequest struct {
	AccountID  string                 `json:"account_id"`
	StrategyID string                 `json:"strategy_id,omitempty"`
	Decision   *types.TradingDecision `json:"decision"`
}

func (s *Server) validateHandler(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, string(engine.CodeInvalidRequest), err.Error())
		return
	}

	res, err := s.decisions.DryRun(r.Context(), req.AccountID, req.Decision, req.StrategyID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, string(engine.CodeInvalidRequest), "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	decisions, err := s.history.RecentDecisions(r.Context(), accountID, limit)
	if err != nil {
		s.logger.Error("Failed to get decisions from database", zap.String("account_id", accountID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, string(engine.CodeInternal), "failed to load decisions")
		return
	}
	if decisions == nil {
		decisions = []database.StoredDecision{}
	}
	s.writeJSON(w, http.StatusOK, decisions)
}

func (s *Server) strategiesHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.strategies.List())
}

type assignRequest struct {
	StrategyID string `json:"strategy_id"`
}

func (s *Server) assignStrategyHandler(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	var req assignRequest
	if err := decode(r, &req); err != nil || req.StrategyID == "" {
		s.writeError(w, http.StatusBadRequest, string(engine.CodeInvalidRequest), "strategy_id is required")
		return
	}

	if err := s.strategies.Assign(r.Context(), accountID, req.StrategyID); err != nil {
		if errors.Is(err, strategy.ErrStrategyNotFound) {
			s.writeError(w, http.StatusNotFound, string(engine.CodeStrategyNotFound), err.Error())
			return
		}
		s.logger.Error("Failed to assign strategy", zap.String("account_id", accountID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, string(engine.CodeInternal), "failed to assign strategy")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"account_id": accountID, "strategy_id": req.StrategyID})
}

type errorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var engErr *engine.Error
	if !errors.As(err, &engErr) {
		s.writeError(w, http.StatusInternalServerError, string(engine.CodeInternal), err.Error())
		return
	}
	s.writeJSON(w, engErr.HTTPStatus(), errorResponse{
		Code:      string(engErr.Code),
		Message:   engErr.Err.Error(),
		Retryable: engErr.Retryable(),
	})
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, errorResponse{Code: code, Message: message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to write response", zap.Error(err))
	}
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
