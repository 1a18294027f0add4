package api

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiterPool manages one limiter per model endpoint so that two models
// behind the same client never share a quota by accident.
type RateLimiterPool struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	logger   *slog.Logger
}

// NewRateLimiterPool creates an empty pool.
func NewRateLimiterPool(logger *slog.Logger) *RateLimiterPool {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiterPool{
		limiters: make(map[string]*rate.Limiter),
		logger:   logger,
	}
}

// getOrCreate returns the limiter for modelID, creating it on first use. The
// first configured rate wins for a given model.
func (p *RateLimiterPool) getOrCreate(modelID string, requestsPerMinute int) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if limiter, ok := p.limiters[modelID]; ok {
		return limiter
	}

	rps := float64(requestsPerMinute) / 60.0
	burst := max(5, requestsPerMinute/5)
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	p.limiters[modelID] = limiter

	p.logger.Debug("Created rate limiter",
		"model_id", modelID, "rpm", requestsPerMinute, "burst", burst)
	return limiter
}

// Wait blocks until the limiter for modelID admits the next request. A zero
// or negative rate means unthrottled.
func (p *RateLimiterPool) Wait(ctx context.Context, modelID string, requestsPerMinute int) error {
	if requestsPerMinute <= 0 {
		return nil
	}
	return p.getOrCreate(modelID, requestsPerMinute).Wait(ctx)
}
