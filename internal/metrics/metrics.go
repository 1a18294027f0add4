package metrics

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Engine metrics
	batchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "graphscribe_batch_duration_seconds",
			Help:    "Batch execution duration in seconds by dispatch mode",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~400s
		},
		[]string{"mode"}, // "item" or "batch"
	)

	itemsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphscribe_items_processed_total",
			Help: "Total work items processed by outcome",
		},
		[]string{"status"}, // "success" or "error"
	)

	optimalBatchSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "graphscribe_optimal_batch_size",
			Help: "Current adaptively tuned batch size",
		},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "graphscribe_priority_queue_depth",
			Help: "Current depth of the priority work queue",
		},
	)

	memoryUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "graphscribe_memory_usage_mb",
			Help: "Sampled process memory usage in megabytes",
		},
	)

	// API metrics
	apiRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "graphscribe_api_request_duration_seconds",
			Help:    "Extraction API request duration in seconds by model",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~100s
		},
		[]string{"model", "status"},
	)

	rateLimiterWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "graphscribe_rate_limiter_wait_duration_seconds",
			Help:    "Rate limiter wait duration in seconds by model",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
		},
		[]string{"model"},
	)
)

// Collector provides convenience methods for recording metrics. All methods
// are safe to call on a nil receiver, so instrumentation can be optional.
type Collector struct {
	logger *slog.Logger
}

// NewCollector creates a new metrics collector
func NewCollector(logger *slog.Logger) *Collector {
	return &Collector{logger: logger}
}

// RecordBatch records one batch execution duration
func (c *Collector) RecordBatch(mode string, duration time.Duration) {
	if c == nil {
		return
	}
	batchDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordItem records one work item outcome
func (c *Collector) RecordItem(success bool) {
	if c == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	itemsProcessed.WithLabelValues(status).Inc()
}

// SetOptimalBatchSize records the current adaptive batch size
func (c *Collector) SetOptimalBatchSize(size int) {
	if c == nil {
		return
	}
	optimalBatchSize.Set(float64(size))
}

// SetQueueDepth records the priority queue depth
func (c *Collector) SetQueueDepth(depth int) {
	if c == nil {
		return
	}
	queueDepth.Set(float64(depth))
}

// SetMemoryUsage records sampled memory usage
func (c *Collector) SetMemoryUsage(mb float64) {
	if c == nil {
		return
	}
	memoryUsage.Set(mb)
}

// RecordAPIRequest records an API request duration
func (c *Collector) RecordAPIRequest(model string, duration time.Duration, success bool) {
	if c == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	apiRequestDuration.WithLabelValues(model, status).Observe(duration.Seconds())
}

// RecordRateLimiterWait records rate limiter wait time
func (c *Collector) RecordRateLimiterWait(model string, duration time.Duration) {
	if c == nil {
		return
	}
	rateLimiterWaitDuration.WithLabelValues(model).Observe(duration.Seconds())
}
