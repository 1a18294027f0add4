package engine

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rdelgatto/graphscribe/pkg/models"
)

func TestItemHeapOrdering(t *testing.T) {
	h := &itemHeap{}
	push := func(id string, priority int, seq uint64) {
		heap.Push(h, queuedItem{item: models.WorkItem{ID: id, Priority: priority}, seq: seq})
	}

	push("low", 1, 1)
	push("tie-a", 5, 2)
	push("high", 9, 3)
	push("tie-b", 5, 4)

	want := []string{"high", "tie-a", "tie-b", "low"}
	for i, id := range want {
		qi := heap.Pop(h).(queuedItem)
		if qi.item.ID != id {
			t.Errorf("pop %d: expected %s, got %s", i, id, qi.item.ID)
		}
	}
}

func TestPriorityProcessorValidatesOptions(t *testing.T) {
	proc := newTestProcessor(t, Config{})
	if _, err := NewPriorityProcessor(proc, Options{}, testLogger()); err == nil {
		t.Error("expected error for options without a process function")
	}
}

func TestPriorityProcessorDrainsQueue(t *testing.T) {
	proc := newTestProcessor(t, Config{Workers: 2, InitialBatchSize: 1, MaxBatchSize: 1})

	var mu sync.Mutex
	var order []string
	pp, err := NewPriorityProcessor(proc, Options{
		Process: func(ctx context.Context, item models.WorkItem) (any, error) {
			mu.Lock()
			order = append(order, item.ID)
			mu.Unlock()
			return nil, nil
		},
	}, testLogger())
	if err != nil {
		t.Fatalf("NewPriorityProcessor failed: %v", err)
	}

	// Queue before Start so the first dequeue sees all three and can order
	// them by priority.
	pp.Add(models.WorkItem{ID: "low", Priority: 1})
	pp.Add(models.WorkItem{ID: "high", Priority: 10})
	pp.Add(models.WorkItem{ID: "mid", Priority: 5})

	pp.Start(context.Background())
	waitFor(t, func() bool { return pp.QueueLen() == 0 })
	pp.Stop(5 * time.Second)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 {
		t.Fatalf("expected 3 items processed, got %d (%v)", len(order), order)
	}
	want := []string{"high", "mid", "low"}
	for i, id := range want {
		if order[i] != id {
			t.Errorf("order[%d]: expected %s, got %s (full order %v)", i, id, order[i], order)
		}
	}
}

func TestPriorityProcessorFIFOWithinTier(t *testing.T) {
	proc := newTestProcessor(t, Config{Workers: 1, InitialBatchSize: 1, MaxBatchSize: 1})

	var mu sync.Mutex
	var order []string
	pp, err := NewPriorityProcessor(proc, Options{
		Process: func(ctx context.Context, item models.WorkItem) (any, error) {
			mu.Lock()
			order = append(order, item.ID)
			mu.Unlock()
			return nil, nil
		},
	}, testLogger())
	if err != nil {
		t.Fatalf("NewPriorityProcessor failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		pp.Add(models.WorkItem{ID: fmt.Sprintf("eq-%d", i), Priority: 7})
	}

	pp.Start(context.Background())
	waitFor(t, func() bool { return pp.QueueLen() == 0 })
	pp.Stop(5 * time.Second)

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < 5; i++ {
		want := fmt.Sprintf("eq-%d", i)
		if i >= len(order) || order[i] != want {
			t.Fatalf("equal priorities must drain FIFO, got %v", order)
		}
	}
}

func TestPriorityProcessorAddWhileRunning(t *testing.T) {
	proc := newTestProcessor(t, Config{Workers: 2})

	var processed sync.WaitGroup
	processed.Add(10)
	pp, err := NewPriorityProcessor(proc, Options{
		Process: func(ctx context.Context, item models.WorkItem) (any, error) {
			processed.Done()
			return nil, nil
		},
	}, testLogger())
	if err != nil {
		t.Fatalf("NewPriorityProcessor failed: %v", err)
	}

	pp.Start(context.Background())
	for i := 0; i < 10; i++ {
		pp.Add(models.WorkItem{ID: fmt.Sprintf("live-%d", i)})
	}

	doneCh := make(chan struct{})
	go func() {
		processed.Wait()
		close(doneCh)
	}()
	select {
	case <-doneCh:
	case <-time.After(5 * time.Second):
		t.Fatal("queued items were not processed within 5s")
	}
	pp.Stop(5 * time.Second)
}

func TestPriorityProcessorStopIsIdempotent(t *testing.T) {
	proc := newTestProcessor(t, Config{})
	pp, err := NewPriorityProcessor(proc, Options{
		Process: func(ctx context.Context, item models.WorkItem) (any, error) { return nil, nil },
	}, testLogger())
	if err != nil {
		t.Fatalf("NewPriorityProcessor failed: %v", err)
	}

	// Stop before Start is a no-op.
	pp.Stop(time.Second)

	pp.Start(context.Background())
	pp.Stop(5 * time.Second)
	pp.Stop(5 * time.Second)
	pp.Stop(5 * time.Second)
}

func TestPriorityProcessorStartIsIdempotent(t *testing.T) {
	proc := newTestProcessor(t, Config{})

	var count int
	var mu sync.Mutex
	pp, err := NewPriorityProcessor(proc, Options{
		Process: func(ctx context.Context, item models.WorkItem) (any, error) {
			mu.Lock()
			count++
			mu.Unlock()
			return nil, nil
		},
	}, testLogger())
	if err != nil {
		t.Fatalf("NewPriorityProcessor failed: %v", err)
	}

	ctx := context.Background()
	pp.Start(ctx)
	pp.Start(ctx)
	pp.Start(ctx)

	pp.Add(models.WorkItem{ID: "one"})
	waitFor(t, func() bool { return pp.QueueLen() == 0 })
	pp.Stop(5 * time.Second)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("double Start must not spawn duplicate drain loops: item processed %d times", count)
	}
}

func TestPriorityProcessorStopUsesConfiguredTimeout(t *testing.T) {
	proc := newTestProcessor(t, Config{Workers: 1, InitialBatchSize: 1, MaxBatchSize: 1, StopTimeout: 20 * time.Millisecond})

	release := make(chan struct{})
	started := make(chan struct{})
	pp, err := NewPriorityProcessor(proc, Options{
		Process: func(ctx context.Context, item models.WorkItem) (any, error) {
			close(started)
			<-release
			return nil, nil
		},
	}, testLogger())
	if err != nil {
		t.Fatalf("NewPriorityProcessor failed: %v", err)
	}
	defer close(release)

	pp.Start(context.Background())
	pp.Add(models.WorkItem{ID: "stuck"})
	<-started

	// Stop(0) must give up after the configured 20ms, not the 30s default.
	done := make(chan struct{})
	go func() {
		pp.Stop(0)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop(0) did not honor the configured stop timeout")
	}
}

func TestPriorityProcessorStartWaitsForPreviousDrain(t *testing.T) {
	proc := newTestProcessor(t, Config{Workers: 1, InitialBatchSize: 1, MaxBatchSize: 1})

	release := make(chan struct{})
	started := make(chan struct{})
	var mu sync.Mutex
	var order []string
	pp, err := NewPriorityProcessor(proc, Options{
		Process: func(ctx context.Context, item models.WorkItem) (any, error) {
			mu.Lock()
			order = append(order, item.ID)
			mu.Unlock()
			if item.ID == "stuck" {
				close(started)
				<-release
			}
			return nil, nil
		},
	}, testLogger())
	if err != nil {
		t.Fatalf("NewPriorityProcessor failed: %v", err)
	}

	ctx := context.Background()
	pp.Start(ctx)
	pp.Add(models.WorkItem{ID: "stuck"})
	<-started

	// Stop times out with the batch still in flight; the old loop is alive.
	pp.Stop(10 * time.Millisecond)

	// Start must refuse while the old loop owns dequeuing, so a newly queued
	// item stays queued instead of being drained by a second loop.
	pp.Start(ctx)
	pp.Add(models.WorkItem{ID: "later"})
	time.Sleep(50 * time.Millisecond)
	if got := pp.QueueLen(); got != 1 {
		t.Fatalf("no second drain loop may run while the first is alive, queue len %d", got)
	}

	close(release)
	// The old loop finishes its batch and exits; a fresh Start then drains.
	waitFor(t, func() bool {
		pp.Start(ctx)
		return pp.QueueLen() == 0
	})
	pp.Stop(5 * time.Second)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "stuck" || order[1] != "later" {
		t.Errorf("each item should be processed exactly once, got %v", order)
	}
}

func TestPriorityProcessorInFlightBatchFinishes(t *testing.T) {
	proc := newTestProcessor(t, Config{Workers: 1, InitialBatchSize: 1, MaxBatchSize: 1})

	started := make(chan struct{})
	finished := make(chan struct{})
	pp, err := NewPriorityProcessor(proc, Options{
		Process: func(ctx context.Context, item models.WorkItem) (any, error) {
			close(started)
			time.Sleep(50 * time.Millisecond)
			close(finished)
			return nil, nil
		},
	}, testLogger())
	if err != nil {
		t.Fatalf("NewPriorityProcessor failed: %v", err)
	}

	pp.Start(context.Background())
	pp.Add(models.WorkItem{ID: "slow"})

	<-started
	pp.Stop(5 * time.Second)

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Stop returned without letting the in-flight item finish")
	}
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached within 5s")
}
