package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rdelgatto/graphscribe/internal/metrics"
	"github.com/rdelgatto/graphscribe/pkg/models"
)

const (
	// DefaultWorkers is the worker pool size when none is configured
	DefaultWorkers = 4
	// DefaultInitialBatchSize is the starting batch size before any history exists
	DefaultInitialBatchSize = 10
	// DefaultMaxBatchSize caps adaptive growth
	DefaultMaxBatchSize = 100
	// DefaultHistorySize is how many batch observations feed the optimizer
	DefaultHistorySize = 20
)

// Config holds BatchProcessor settings. Invalid values are programmer errors
// and are rejected at construction time.
type Config struct {
	Workers          int
	InitialBatchSize int
	MaxBatchSize     int
	MemoryLimitMB    float64 // 0 disables the memory check
	HistorySize      int
	// StopTimeout bounds PriorityBatchProcessor.Stop when the caller passes
	// no explicit timeout. 0 means DefaultStopTimeout.
	StopTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	if c.InitialBatchSize == 0 {
		c.InitialBatchSize = DefaultInitialBatchSize
	}
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.HistorySize == 0 {
		c.HistorySize = DefaultHistorySize
	}
}

func (c Config) validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.InitialBatchSize < 1 {
		return fmt.Errorf("initial batch size must be at least 1, got %d", c.InitialBatchSize)
	}
	if c.MaxBatchSize < c.InitialBatchSize {
		return fmt.Errorf("max batch size %d is below initial batch size %d", c.MaxBatchSize, c.InitialBatchSize)
	}
	if c.MemoryLimitMB < 0 {
		return fmt.Errorf("memory limit must not be negative, got %f", c.MemoryLimitMB)
	}
	return nil
}

// ProcessFunc handles one work item. Any returned error (or panic) becomes a
// failed WorkResult; it never aborts sibling items.
type ProcessFunc func(ctx context.Context, item models.WorkItem) (any, error)

// BatchFunc handles a whole batch in one call, returning one output per item
// by position. A failure marks every item in the batch failed uniformly.
type BatchFunc func(ctx context.Context, items []models.WorkItem) ([]any, error)

// ProgressFunc is invoked after each batch with cumulative progress. It runs
// on the calling goroutine and must not block significantly.
type ProgressFunc func(completed, total int)

// ResultFunc observes each finished WorkResult, typically to persist a
// checkpoint transition before the item is considered done.
type ResultFunc func(result models.WorkResult)

// Options selects how ProcessItems dispatches work. Exactly one of Process
// or Batch must be set; Progress and Sink are optional.
type Options struct {
	Process  ProcessFunc
	Batch    BatchFunc
	Progress ProgressFunc
	Sink     ResultFunc
}

func (o Options) validate() error {
	if o.Process == nil && o.Batch == nil {
		return fmt.Errorf("either a process function or a batch function is required")
	}
	if o.Process != nil && o.Batch != nil {
		return fmt.Errorf("process function and batch function are mutually exclusive")
	}
	return nil
}

// Statistics is a point-in-time snapshot of processor activity.
type Statistics struct {
	ItemsProcessed   int
	TotalItems       int
	Elapsed          time.Duration
	AverageRate      float64 // items per second
	OptimalBatchSize int
	Workers          int
}

// BatchProcessor executes lists of WorkItems to completion across a bounded
// worker pool, in priority order, batching adaptively. Item-level errors are
// captured as failed WorkResults and never propagate.
type BatchProcessor struct {
	cfg       Config
	monitor   *ResourceMonitor
	collector *metrics.Collector
	logger    *slog.Logger
	optimizer *sizeOptimizer

	mu             sync.Mutex
	startTime      time.Time
	itemsProcessed int
	totalItems     int
}

// New creates a BatchProcessor. Zero-valued config fields take defaults;
// invalid values error immediately.
func New(cfg Config, monitor *ResourceMonitor, collector *metrics.Collector, logger *slog.Logger) (*BatchProcessor, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &BatchProcessor{
		cfg:       cfg,
		monitor:   monitor,
		collector: collector,
		logger:    logger,
		optimizer: newSizeOptimizer(cfg.InitialBatchSize, cfg.MaxBatchSize, cfg.HistorySize),
		startTime: time.Now(),
	}, nil
}

// ProcessItems runs every item to completion and returns one WorkResult per
// item, aligned with the priority-sorted input order regardless of worker
// completion order. The only error it returns is an invalid Options value;
// all runtime failures surface as data in the results.
func (p *BatchProcessor) ProcessItems(ctx context.Context, items []models.WorkItem, opts Options) ([]models.WorkResult, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return []models.WorkResult{}, nil
	}

	// Stable sort keeps insertion order within a priority tier.
	sorted := make([]models.WorkItem, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})

	p.mu.Lock()
	p.totalItems += len(items)
	p.mu.Unlock()

	results := make([]models.WorkResult, len(sorted))
	completed := 0

	for start := 0; start < len(sorted); {
		size := p.optimizer.Current()
		end := start + size
		if end > len(sorted) {
			end = len(sorted)
		}
		batch := sorted[start:end]
		out := results[start:end]

		batchStart := time.Now()
		mode := "item"
		if opts.Batch != nil {
			mode = "batch"
			p.runBatchFunc(ctx, batch, opts.Batch, out)
		} else {
			p.runWorkerPool(ctx, batch, opts.Process, out)
		}
		elapsed := time.Since(batchStart)

		overLimit := p.overMemoryLimit()
		p.optimizer.Record(len(batch), elapsed, overLimit)

		p.collector.RecordBatch(mode, elapsed)
		p.collector.SetOptimalBatchSize(p.optimizer.Current())

		p.mu.Lock()
		p.itemsProcessed += len(batch)
		p.mu.Unlock()

		for _, r := range out {
			p.collector.RecordItem(r.Success)
			if opts.Sink != nil {
				opts.Sink(r)
			}
		}

		completed += len(batch)
		if opts.Progress != nil {
			opts.Progress(completed, len(sorted))
		}

		p.logger.Debug("Batch completed",
			"batch_size", len(batch),
			"elapsed", elapsed,
			"completed", completed,
			"total", len(sorted),
			"next_batch_size", p.optimizer.Current(),
			"memory_over_limit", overLimit)

		start = end
	}

	return results, nil
}

// runWorkerPool fans batch items out across the worker pool and writes each
// outcome to its positional slot in out.
func (p *BatchProcessor) runWorkerPool(ctx context.Context, batch []models.WorkItem, fn ProcessFunc, out []models.WorkResult) {
	workers := p.cfg.Workers
	if workers > len(batch) {
		workers = len(batch)
	}

	indexes := make(chan int)
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := range indexes {
				out[i] = p.runItem(ctx, batch[i], fn)
			}
		}()
	}

	for i := range batch {
		indexes <- i
	}
	close(indexes)
	wg.Wait()
}

// runItem executes one item, converting errors and panics into a failed
// WorkResult.
func (p *BatchProcessor) runItem(ctx context.Context, item models.WorkItem, fn ProcessFunc) (res models.WorkResult) {
	start := time.Now()
	res = models.WorkResult{ItemID: item.ID}
	defer func() {
		if r := recover(); r != nil {
			res.Success = false
			res.Output = nil
			res.Error = fmt.Sprintf("panic: %v", r)
		}
		res.ProcessingTime = time.Since(start)
	}()

	output, err := fn(ctx, item)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	res.Success = true
	res.Output = output
	return res
}

// runBatchFunc executes a whole batch in one call. Failure is coarse: a
// batch function error marks every item in the batch failed.
func (p *BatchProcessor) runBatchFunc(ctx context.Context, batch []models.WorkItem, fn BatchFunc, out []models.WorkResult) {
	start := time.Now()

	outputs, err := func() (outputs []any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn(ctx, batch)
	}()

	elapsed := time.Since(start)

	if err == nil && len(outputs) != len(batch) {
		err = fmt.Errorf("batch function returned %d outputs for %d items", len(outputs), len(batch))
	}

	for i, item := range batch {
		res := models.WorkResult{ItemID: item.ID, ProcessingTime: elapsed}
		if err != nil {
			res.Error = err.Error()
		} else {
			res.Success = true
			res.Output = outputs[i]
		}
		out[i] = res
	}
}

func (p *BatchProcessor) overMemoryLimit() bool {
	if p.cfg.MemoryLimitMB <= 0 || p.monitor == nil {
		return false
	}
	usage, known := p.monitor.CurrentUsageMB()
	if !known {
		return false
	}
	p.collector.SetMemoryUsage(usage)
	return usage > p.cfg.MemoryLimitMB
}

// Statistics returns a snapshot of processor activity. Safe to call
// concurrently, including mid-run from a monitoring goroutine.
func (p *BatchProcessor) Statistics() Statistics {
	p.mu.Lock()
	processed := p.itemsProcessed
	total := p.totalItems
	elapsed := time.Since(p.startTime)
	p.mu.Unlock()

	rate := 0.0
	if elapsed > 0 {
		rate = float64(processed) / elapsed.Seconds()
	}

	return Statistics{
		ItemsProcessed:   processed,
		TotalItems:       total,
		Elapsed:          elapsed,
		AverageRate:      rate,
		OptimalBatchSize: p.optimizer.Current(),
		Workers:          p.cfg.Workers,
	}
}
