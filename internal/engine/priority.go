package engine

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rdelgatto/graphscribe/pkg/models"
)

// DefaultStopTimeout bounds how long Stop waits for the drain goroutine.
const DefaultStopTimeout = 30 * time.Second

// queuedItem pairs a WorkItem with a sequence number so equal priorities
// dequeue FIFO without ever comparing payloads.
type queuedItem struct {
	item models.WorkItem
	seq  uint64
}

type itemHeap []queuedItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].item.Priority != h[j].item.Priority {
		return h[i].item.Priority > h[j].item.Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(queuedItem)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// PriorityBatchProcessor drives the same batching machinery as
// BatchProcessor from a live priority queue, for long-lived
// producer/consumer use. A single background goroutine owns the dequeue
// loop; Add is safe from any goroutine.
type PriorityBatchProcessor struct {
	proc   *BatchProcessor
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	queue    itemHeap
	seq      uint64
	running  bool
	stopping bool
	done     chan struct{}
}

// NewPriorityProcessor creates a stopped PriorityBatchProcessor. The
// processing options are fixed at construction and validated immediately.
func NewPriorityProcessor(proc *BatchProcessor, opts Options, logger *slog.Logger) (*PriorityBatchProcessor, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &PriorityBatchProcessor{
		proc:   proc,
		opts:   opts,
		logger: logger,
	}
	p.cond = sync.NewCond(&p.mu)
	return p, nil
}

// Add enqueues an item. Dequeue order is strictly by priority, FIFO within a
// priority tier. There is no queue capacity; backpressure is the caller's
// concern, observable through QueueLen.
func (p *PriorityBatchProcessor) Add(item models.WorkItem) {
	p.mu.Lock()
	p.seq++
	heap.Push(&p.queue, queuedItem{item: item, seq: p.seq})
	depth := len(p.queue)
	p.mu.Unlock()

	p.proc.collector.SetQueueDepth(depth)
	p.cond.Signal()
}

// QueueLen returns the number of items waiting to be dequeued.
func (p *PriorityBatchProcessor) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Statistics delegates to the underlying batch processor.
func (p *PriorityBatchProcessor) Statistics() Statistics {
	return p.proc.Statistics()
}

// Start launches the background drain goroutine. Calling Start on a running
// processor is a no-op, as is calling it while a previous drain loop whose
// Stop timed out has not finished its in-flight batch: a single loop owns
// dequeuing at all times.
func (p *PriorityBatchProcessor) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	if p.done != nil {
		select {
		case <-p.done:
		default:
			p.mu.Unlock()
			p.logger.Warn("Previous drain loop still running, not starting another")
			return
		}
	}
	p.running = true
	p.stopping = false
	p.done = make(chan struct{})
	done := p.done
	p.mu.Unlock()

	go p.drain(ctx, done)
	p.logger.Debug("Priority processor started")
}

// Stop halts intake and joins the drain goroutine with a bounded timeout.
// A non-positive timeout falls back to the configured engine stop timeout,
// then to DefaultStopTimeout. Items already dequeued finish; items still
// queued stay queued. Safe to call repeatedly and from any goroutine, even
// after the loop has exited.
func (p *PriorityBatchProcessor) Stop(timeout time.Duration) {
	if timeout <= 0 {
		timeout = p.proc.cfg.StopTimeout
	}
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}

	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.stopping = true
	done := p.done
	p.mu.Unlock()

	p.cond.Broadcast()

	select {
	case <-done:
		p.logger.Debug("Priority processor stopped")
	case <-time.After(timeout):
		p.logger.Warn("Priority processor drain loop did not exit before timeout", "timeout", timeout)
	}
}

func (p *PriorityBatchProcessor) drain(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		batch := p.nextBatch(ctx)
		if batch == nil {
			return
		}

		// Options were validated at construction, so the only possible
		// error cannot occur here.
		if _, err := p.proc.ProcessItems(ctx, batch, p.opts); err != nil {
			p.logger.Error("Batch dispatch failed", "error", err)
		}

		p.proc.collector.SetQueueDepth(p.QueueLen())
	}
}

// nextBatch blocks until work is available or the processor is stopping,
// then pops up to one optimal batch in priority order.
func (p *PriorityBatchProcessor) nextBatch(ctx context.Context) []models.WorkItem {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.queue) == 0 && !p.stopping && ctx.Err() == nil {
		p.cond.Wait()
	}
	if p.stopping || ctx.Err() != nil {
		return nil
	}

	n := p.proc.optimizer.Current()
	if n > len(p.queue) {
		n = len(p.queue)
	}
	batch := make([]models.WorkItem, 0, n)
	for i := 0; i < n; i++ {
		qi := heap.Pop(&p.queue).(queuedItem)
		batch = append(batch, qi.item)
	}
	return batch
}
