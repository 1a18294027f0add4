package engine

import (
	"sync"
	"time"
)

// perfSample is one observed batch execution: how many items and the
// throughput they achieved.
type perfSample struct {
	size int
	rate float64 // items per second
}

// sizeOptimizer tunes the batch size from observed performance. The policy is
// deliberately simple: prefer the historically fastest size, probe upward
// from it while memory headroom exists, and halve immediately under memory
// pressure. The chosen size is always in [1, max] and never grows while the
// memory limit is exceeded.
type sizeOptimizer struct {
	mu      sync.Mutex
	current int
	max     int
	history []perfSample
	keep    int
}

func newSizeOptimizer(initial, max, historySize int) *sizeOptimizer {
	return &sizeOptimizer{
		current: initial,
		max:     max,
		keep:    historySize,
	}
}

// Current returns the batch size to use for the next batch.
func (o *sizeOptimizer) Current() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// Record folds one batch observation into the history and recomputes the
// next batch size.
func (o *sizeOptimizer) Record(size int, elapsed time.Duration, overMemoryLimit bool) {
	if size < 1 {
		return
	}
	if elapsed < time.Millisecond {
		elapsed = time.Millisecond
	}
	rate := float64(size) / elapsed.Seconds()

	o.mu.Lock()
	defer o.mu.Unlock()

	o.history = append(o.history, perfSample{size: size, rate: rate})
	if o.keep > 0 && len(o.history) > o.keep {
		o.history = o.history[len(o.history)-o.keep:]
	}

	if overMemoryLimit {
		o.current = o.current / 2
		if o.current < 1 {
			o.current = 1
		}
		return
	}

	best := o.history[0]
	for _, s := range o.history[1:] {
		if s.rate > best.rate {
			best = s
		}
	}

	next := best.size
	if next >= o.current {
		// Best known size is at or above where we are: probe upward.
		next += next / 4
		if next == best.size {
			next++
		}
	}
	if next > o.max {
		next = o.max
	}
	if next < 1 {
		next = 1
	}
	o.current = next
}
