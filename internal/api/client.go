package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rdelgatto/graphscribe/internal/config"
	"github.com/rdelgatto/graphscribe/internal/metrics"
)

const (
	// DefaultHTTPTimeout is the default timeout for HTTP requests
	DefaultHTTPTimeout = 120 * time.Second
	// DefaultMaxRetries is the default maximum number of retry attempts
	DefaultMaxRetries = 3
	// DefaultBaseRetryDelay is the base delay for exponential backoff
	DefaultBaseRetryDelay = 2 * time.Second
	// rateLimitBackoffBase grows rate-limit backoff faster than ordinary
	// retries (6s, 18s, 54s)
	rateLimitBackoffBase = 3
)

// Client sends extraction requests to an OpenAI-compatible endpoint, with
// per-model rate limiting and retry with exponential backoff. Rate limits and
// server errors are retried here; anything still failing after retries is
// returned to the engine as a typed error.
type Client struct {
	httpClient     *http.Client
	limiters       *RateLimiterPool
	collector      *metrics.Collector
	logger         *slog.Logger
	maxRetries     int
	baseRetryDelay time.Duration
}

// NewClient creates a new API client
func NewClient(collector *metrics.Collector, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient:     &http.Client{Timeout: DefaultHTTPTimeout},
		limiters:       NewRateLimiterPool(logger),
		collector:      collector,
		logger:         logger,
		maxRetries:     DefaultMaxRetries,
		baseRetryDelay: DefaultBaseRetryDelay,
	}
}

// ChatCompletion sends a chat completion request to the configured model.
func (c *Client) ChatCompletion(
	ctx context.Context,
	modelCfg config.ModelConfig,
	apiKey string,
	messages []Message,
) (*ChatCompletionResponse, error) {
	modelID := fmt.Sprintf("%s:%s", modelCfg.BaseURL, modelCfg.ModelName)

	waitStart := time.Now()
	if err := c.limiters.Wait(ctx, modelID, modelCfg.RateLimitPerMinute); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}
	c.collector.RecordRateLimiterWait(modelCfg.ModelName, time.Since(waitStart))

	req := ChatCompletionRequest{
		Model:       modelCfg.ModelName,
		Messages:    messages,
		Temperature: modelCfg.Temperature,
		MaxTokens:   modelCfg.MaxOutputTokens,
		N:           1,
	}

	maxRetries := c.maxRetries
	if modelCfg.MaxRetries > 0 {
		maxRetries = modelCfg.MaxRetries
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * c.baseRetryDelay
			if IsRateLimited(lastErr) {
				backoff = time.Duration(math.Pow(rateLimitBackoffBase, float64(attempt))) * c.baseRetryDelay
			}
			jitter := time.Duration(float64(backoff) * 0.1 * (2*float64(time.Now().UnixNano()%100)/100 - 1))
			sleep := backoff + jitter

			c.logger.Warn("Retrying API request",
				"attempt", attempt,
				"max_retries", maxRetries,
				"backoff", sleep,
				"model", modelCfg.ModelName,
				"rate_limited", IsRateLimited(lastErr))

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(sleep):
			}
		}

		start := time.Now()
		resp, err := c.doRequest(ctx, modelCfg, apiKey, req)
		c.collector.RecordAPIRequest(modelCfg.ModelName, time.Since(start), err == nil)
		if err == nil {
			return resp, nil
		}

		lastErr = err
		if !IsRetryable(err) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *Client) doRequest(
	ctx context.Context,
	modelCfg config.ModelConfig,
	apiKey string,
	req ChatCompletionRequest,
) (*ChatCompletionResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := strings.TrimRight(modelCfg.BaseURL, "/") + "/chat/completions"

	if modelCfg.HTTPTimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(modelCfg.HTTPTimeoutSeconds)*time.Second)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	} else {
		c.logger.Warn("API request without key", "endpoint", endpoint)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, newAPIError(httpResp, respBody)
	}

	var resp ChatCompletionResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("api returned no choices")
	}
	return &resp, nil
}

// newAPIError extracts the provider error message and any Retry-After hint.
func newAPIError(resp *http.Response, body []byte) *APIError {
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(body)),
	}

	var envelope apiErrorBody
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Message = envelope.Error.Message
	}

	if h := resp.Header.Get("Retry-After"); h != "" {
		if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return apiErr
}
