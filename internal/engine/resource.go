package engine

import (
	"log/slog"
	"runtime"
	"sync"
)

// MemorySampler reports current process memory usage in megabytes.
type MemorySampler interface {
	UsageMB() (float64, error)
}

// runtimeSampler reads heap usage from the Go runtime.
type runtimeSampler struct{}

func (runtimeSampler) UsageMB() (float64, error) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	const bytesPerMB = 1024 * 1024
	return float64(m.Alloc) / bytesPerMB, nil
}

// ResourceMonitor answers whether the current batch size is safe to keep,
// based on a reactive comparison of sampled memory against a configured
// limit. When sampling is unavailable it reports "unknown" and callers must
// treat memory as never-constraining.
type ResourceMonitor struct {
	sampler MemorySampler
	logger  *slog.Logger

	mu       sync.Mutex
	degraded bool
}

// NewResourceMonitor creates a monitor backed by the Go runtime allocator
// statistics.
func NewResourceMonitor(logger *slog.Logger) *ResourceMonitor {
	return NewResourceMonitorWithSampler(runtimeSampler{}, logger)
}

// NewResourceMonitorWithSampler creates a monitor with a custom sampler.
func NewResourceMonitorWithSampler(sampler MemorySampler, logger *slog.Logger) *ResourceMonitor {
	return &ResourceMonitor{sampler: sampler, logger: logger}
}

// CurrentUsageMB returns the sampled memory usage. The second return value is
// false when usage is unknown; the monitor never fails hard on a sampling
// error.
func (m *ResourceMonitor) CurrentUsageMB() (float64, bool) {
	if m == nil || m.sampler == nil {
		return 0, false
	}

	usage, err := m.sampler.UsageMB()
	if err != nil {
		m.mu.Lock()
		first := !m.degraded
		m.degraded = true
		m.mu.Unlock()
		if first && m.logger != nil {
			m.logger.Warn("Memory sampling unavailable, treating memory as unconstrained", "error", err)
		}
		return 0, false
	}

	return usage, true
}
