package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"perp-decision-engine/internal/config"
)

const (
	baseURL        = "https://fapi.binance.com"
	testnetBaseURL = "https://testnet.binancefuture.com"
	recvWindow     = "5000" // How long a signed request is valid in milliseconds
	maxRetries     = 3
)

// RestClientInterface is the subset of the USDⓈ-M futures API the engine reads.
type RestClientInterface interface {
	GetServerTime(ctx context.Context) (int64, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)
	GetTicker24h(ctx context.Context, symbol string) (*Ticker24h, error)
	GetPremiumIndex(ctx context.Context, symbol string) (*PremiumIndex, error)
	GetAccount(ctx context.Context) (*AccountInfo, error)
	GetIncome(ctx context.Context, incomeType string, start time.Time) ([]Income, error)
}

// RestClient is a client for the Binance futures REST API.
// It implements the RestClientInterface.
type RestClient struct {
	client    *resty.Client
	apiKey    string
	secretKey string
	logger    *zap.Logger
	limiter   *rate.Limiter
	backoff   func(attempt int) time.Duration
}

// ensure RestClient implements the interface
var _ RestClientInterface = (*RestClient)(nil)

// Credentials sign account endpoints. Public market data needs none.
type Credentials struct {
	ApiKey    string
	SecretKey string
}

// NewRestClient creates a new Binance futures REST API client.
func NewRestClient(cfg *config.Binance, creds Credentials, logger *zap.Logger) *RestClient {
	var url string
	if cfg.Testnet {
		url = testnetBaseURL
		logger.Warn("Using Binance Futures Testnet")
	} else {
		url = baseURL
		logger.Info("Using Binance Futures Production API")
	}

	burst := cfg.RateLimitBurst
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = rate.Inf
	}

	return &RestClient{
		client:    resty.New().SetBaseURL(url),
		apiKey:    creds.ApiKey,
		secretKey: creds.SecretKey,
		logger:    logger.Named("binance"),
		limiter:   rate.NewLimiter(limit, burst),
		backoff:   exponentialBackoff,
	}
}

// exponentialBackoff waits 1s, 2s, 4s...
func exponentialBackoff(attempt int) time.Duration {
	return time.Duration(math.Pow(2, float64(attempt))) * time.Second
}

// sign creates a HMAC-SHA256 signature for the request.
func (c *RestClient) sign(data string) string {
	h := hmac.New(sha256.New, []byte(c.secretKey))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// signedPath appends timestamp, recvWindow and the signature to path. The signature must be
// the last parameter, so the query is built here rather than by resty.
func (c *RestClient) signedPath(path string, params url.Values) string {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", recvWindow)
	query := params.Encode()
	return path + "?" + query + "&signature=" + c.sign(query)
}

// GetServerTime fetches the current server time from Binance.
// This is a good endpoint to test connectivity.
func (c *RestClient) GetServerTime(ctx context.Context) (int64, error) {
	type ServerTimeResponse struct {
		ServerTime int64 `json:"serverTime"`
	}

	req := c.client.R().SetResult(&ServerTimeResponse{})

	resp, err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/time", req)
	if err != nil {
		c.logger.Error("Failed to get server time", zap.Error(err))
		return 0, fmt.Errorf("failed to get server time: %w", err)
	}

	return resp.Result().(*ServerTimeResponse).ServerTime, nil
}

// APIError is a non-retryable error status from Binance.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Body)
}

// doRequest handles the actual request execution with rate limiting and retry logic.
func (c *RestClient) doRequest(ctx context.Context, method, url string, req *resty.Request) (*resty.Response, error) {
	var resp *resty.Response
	var err error

	req.SetContext(ctx)
	for i := 0; i < maxRetries; i++ {
		// Wait for the rate limiter
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("url", c.client.BaseURL+url))
		resp, err = req.Execute(method, url)

		if err == nil && !resp.IsError() {
			return resp, nil // Success
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		// Analyze error and decide whether to retry
		shouldRetry := false
		var retryAfter time.Duration

		if err == nil {
			statusCode := resp.StatusCode()
			if statusCode == http.StatusTooManyRequests || statusCode == http.StatusTeapot {
				shouldRetry = true
				if seconds, convErr := strconv.Atoi(resp.Header().Get("Retry-After")); convErr == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if statusCode >= 500 {
				shouldRetry = true
			}
			if !shouldRetry {
				return nil, &APIError{StatusCode: statusCode, Body: resp.String()}
			}
			err = &APIError{StatusCode: statusCode, Body: resp.String()}
		} else { // Network or other client-side errors
			shouldRetry = true
		}

		if i == maxRetries-1 {
			break
		}
		if retryAfter == 0 {
			retryAfter = c.backoff(i)
		}

		c.logger.Warn("Request failed, retrying...",
			zap.String("url", url),
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", maxRetries, err)
}
