package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"perp-decision-engine/internal/database"
	"perp-decision-engine/internal/engine"
	"perp-decision-engine/internal/llm"
	"perp-decision-engine/internal/strategy"
	"perp-decision-engine/internal/types"
)

type MockDecisionService struct {
	mock.Mock
}

func (m *MockDecisionService) GenerateDecision(ctx context.Context, req engine.Request) (*engine.Result, error) {
	args := m.Called(req)
	if res, ok := args.Get(0).(*engine.Result); ok {
		return res, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDecisionService) DryRun(ctx context.Context, accountID string, decision *types.TradingDecision, strategyOverride string) (types.ValidationResult, error) {
	args := m.Called(accountID, decision, strategyOverride)
	return args.Get(0).(types.ValidationResult), args.Error(1)
}

type MockStrategyService struct {
	mock.Mock
}

func (m *MockStrategyService) List() []types.Strategy {
	return m.Called().Get(0).([]types.Strategy)
}

func (m *MockStrategyService) Assign(ctx context.Context, accountID, strategyID string) error {
	return m.Called(accountID, strategyID).Error(0)
}

type MockHistoryStore struct {
	mock.Mock
}

func (m *MockHistoryStore) RecentDecisions(ctx context.Context, accountID string, limit int) ([]database.StoredDecision, error) {
	args := m.Called(accountID, limit)
	if d, ok := args.Get(0).([]database.StoredDecision); ok {
		return d, args.Error(1)
	}
	return nil, args.Error(1)
}

type fixture struct {
	decisions  *MockDecisionService
	strategies *MockStrategyService
	history    *MockHistoryStore
	handler    http.Handler
}

func newFixture() *fixture {
	f := &fixture{
		decisions:  new(MockDecisionService),
		strategies: new(MockStrategyService),
		history:    new(MockHistoryStore),
	}
	f.handler = NewServer(0, f.decisions, f.strategies, f.history, zap.NewNop()).Routes()
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var e errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	return e
}

func TestGenerateHandler(t *testing.T) {
	f := newFixture()
	decision := types.NewTradingDecision([]types.AssetDecision{{
		Asset: "BTCUSDT", Action: types.ActionHold, Confidence: 50, RiskLevel: types.RiskLow,
	}}, "flat", types.RiskLow, time.Now())
	f.decisions.On("GenerateDecision", engine.Request{AccountID: "acct-1", Symbols: []string{"BTCUSDT"}}).
		Return(&engine.Result{
			Decision:   decision,
			Validation: types.ValidationResult{IsValid: true, Errors: []types.Issue{}, Warnings: []types.Issue{}},
			Metadata:   engine.Metadata{RequestID: "req-1", Model: "gpt-4o", CacheHit: true},
		}, nil)

	rec := f.do(http.MethodPost, "/api/v1/decisions", `{"account_id":"acct-1","symbols":["BTCUSDT"]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var res engine.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Metadata.CacheHit)
	assert.Equal(t, "gpt-4o", res.Metadata.Model)
	assert.Len(t, res.Decision.Decisions, 1)
	f.decisions.AssertExpectations(t)
}

func TestGenerateHandler_EngineErrors(t *testing.T) {
	testCases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"rate limited", &engine.Error{Code: engine.CodeRateLimited, Err: errors.New("slow down")}, http.StatusTooManyRequests, "RATE_LIMITED"},
		{"circuit open", &engine.Error{Code: engine.CodeCircuitOpen, Err: llm.ErrCircuitOpen}, http.StatusServiceUnavailable, "CIRCUIT_OPEN"},
		{"bad output", &engine.Error{Code: engine.CodeLLMBadOutput, Err: llm.ErrSchema}, http.StatusBadGateway, "LLM_BAD_OUTPUT"},
		{"context", &engine.Error{Code: engine.CodeContextError, Err: errors.New("no data")}, http.StatusUnprocessableEntity, "CONTEXT_ERROR"},
		{"untyped", errors.New("boom"), http.StatusInternalServerError, "INTERNAL"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			f.decisions.On("GenerateDecision", mock.Anything).Return(nil, tc.err)

			rec := f.do(http.MethodPost, "/api/v1/decisions", `{"account_id":"acct-1","symbols":["BTCUSDT"]}`)

			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.code, decodeError(t, rec).Code)
		})
	}
}

func TestGenerateHandler_BadBody(t *testing.T) {
	f := newFixture()

	rec := f.do(http.MethodPost, "/api/v1/decisions", `{"account":"acct-1"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", decodeError(t, rec).Code)
	f.decisions.AssertNotCalled(t, "GenerateDecision", mock.Anything)
}

func TestValidateHandler(t *testing.T) {
	f := newFixture()
	result := types.ValidationResult{
		IsValid:  false,
		Errors:   []types.Issue{{RuleID: "capital", Message: "over budget"}},
		Warnings: []types.Issue{},
	}
	f.decisions.On("DryRun", "acct-1", mock.AnythingOfType("*types.TradingDecision"), "conservative").Return(result, nil)

	body := `{"account_id":"acct-1","strategy_id":"conservative","decision":{"decisions":[{"asset":"BTCUSDT","action":"buy","allocation_usd":50000,"exit_plan":"x","rationale":"y","confidence":80,"risk_level":"high"}],"portfolio_rationale":"z","total_allocation_usd":50000,"portfolio_risk_level":"high","timestamp":"2025-03-01T12:00:00Z"}}`
	rec := f.do(http.MethodPost, "/api/v1/decisions/validate", body)

	require.Equal(t, http.StatusOK, rec.Code)
	var got types.ValidationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.False(t, got.IsValid)
	assert.True(t, got.HasError("capital"))
}

func TestHistoryHandler(t *testing.T) {
	f := newFixture()
	f.history.On("RecentDecisions", "acct-1", 5).Return([]database.StoredDecision{{ID: "d-1", AccountID: "acct-1"}}, nil)
	f.history.On("RecentDecisions", "acct-2", defaultHistoryLimit).Return(nil, nil)
	f.history.On("RecentDecisions", "acct-3", maxHistoryLimit).Return(nil, errors.New("db down"))

	rec := f.do(http.MethodGet, "/api/v1/accounts/acct-1/decisions?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got []database.StoredDecision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "d-1", got[0].ID)

	rec = f.do(http.MethodGet, "/api/v1/accounts/acct-2/decisions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = f.do(http.MethodGet, "/api/v1/accounts/acct-3/decisions?limit=500", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = f.do(http.MethodGet, "/api/v1/accounts/acct-1/decisions?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStrategyHandlers(t *testing.T) {
	f := newFixture()
	f.strategies.On("List").Return(strategy.Presets())
	f.strategies.On("Assign", "acct-1", "aggressive").Return(nil)
	f.strategies.On("Assign", "acct-1", "yolo").Return(strategy.ErrStrategyNotFound)

	rec := f.do(http.MethodGet, "/api/v1/strategies", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []types.Strategy
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 3)

	rec = f.do(http.MethodPut, "/api/v1/accounts/acct-1/strategy", `{"strategy_id":"aggressive"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodPut, "/api/v1/accounts/acct-1/strategy", `{"strategy_id":"yolo"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "STRATEGY_NOT_FOUND", decodeError(t, rec).Code)

	rec = f.do(http.MethodPut, "/api/v1/accounts/acct-1/strategy", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture()

	rec := f.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = f.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "decisiond_http_requests_total")
}
