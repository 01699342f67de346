package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestConcurrencyBoundedByWorkers(t *testing.T) {
	p := New("invoice-render", 5, 0)

	var active, maxActive, ran int64
	var mu sync.Mutex
	for i := 0; i < 50; i++ {
		id, err := p.Submit(func(ctx context.Context) error {
			cur := atomic.AddInt64(&active, 1)
			mu.Lock()
			if cur > maxActive {
				maxActive = cur
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			atomic.AddInt64(&active, -1)
			atomic.AddInt64(&ran, 1)
			return nil
		})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		if id == "" {
			t.Fatalf("submit %d returned empty task id", i)
		}
	}

	p.Shutdown(true)

	mu.Lock()
	if maxActive > 5 {
		t.Fatalf("observed %d concurrent tasks with 5 workers", maxActive)
	}
	mu.Unlock()
	if got := atomic.LoadInt64(&ran); got != 50 {
		t.Fatalf("expected 50 tasks to run, got %d", got)
	}

	stats := p.Stats()
	if stats.Total != 50 || stats.Completed != 50 || stats.Failed != 0 {
		t.Fatalf("unexpected counters: %+v", stats)
	}
	if stats.Active != 0 || stats.Backlog != 0 {
		t.Fatalf("expected drained pool, got %+v", stats)
	}
}

func TestCountersAccountForEveryOutcome(t *testing.T) {
	p := New("doc-convert", 3, 0)

	for i := 0; i < 12; i++ {
		i := i
		_, err := p.Submit(func(ctx context.Context) error {
			switch {
			case i%4 == 1:
				return errors.New("conversion failed")
			case i%4 == 3:
				panic("corrupt input")
			default:
				return nil
			}
		})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	p.Shutdown(true)

	stats := p.Stats()
	if stats.Total != stats.Completed+stats.Failed {
		t.Fatalf("total %d != completed %d + failed %d", stats.Total, stats.Completed, stats.Failed)
	}
	if stats.Failed != 6 || stats.Completed != 6 {
		t.Fatalf("expected 6 failed / 6 completed, got %d / %d", stats.Failed, stats.Completed)
	}
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	p := New("fragile", 1, 0)

	if _, err := p.Submit(func(ctx context.Context) error { panic("boom") }); err != nil {
		t.Fatalf("submit: %v", err)
	}
	done := make(chan struct{})
	if _, err := p.Submit(func(ctx context.Context) error { close(done); return nil }); err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker died after panic; second task never ran")
	}

	p.Shutdown(true)
	stats := p.Stats()
	if stats.Failed != 1 || stats.Completed != 1 {
		t.Fatalf("expected 1 failed / 1 completed, got %d / %d", stats.Failed, stats.Completed)
	}
}

func TestFullBacklogRejects(t *testing.T) {
	p := New("tiny", 1, 2)

	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	if _, err := p.Submit(func(ctx context.Context) error {
		started <- struct{}{}
		<-gate
		return nil
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-started // worker busy, backlog empty

	for i := 0; i < 2; i++ {
		if _, err := p.Submit(func(ctx context.Context) error { <-gate; return nil }); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if _, err := p.Submit(func(ctx context.Context) error { return nil }); !errors.Is(err, ErrBacklogFull) {
		t.Fatalf("expected ErrBacklogFull, got %v", err)
	}

	close(gate)
	p.Shutdown(true)
}

func TestSubmitAfterShutdownRejected(t *testing.T) {
	p := New("done", 2, 0)
	p.Shutdown(true)

	if _, err := p.Submit(func(ctx context.Context) error { return nil }); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
	// Repeated shutdowns are no-ops.
	p.Shutdown(true)
	p.Shutdown(false)
}

func TestShutdownNoWaitAbandonsBacklog(t *testing.T) {
	p := New("abort", 1, 8)

	started := make(chan struct{}, 1)
	if _, err := p.Submit(func(ctx context.Context) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-started

	var ran int64
	for i := 0; i < 4; i++ {
		if _, err := p.Submit(func(ctx context.Context) error {
			atomic.AddInt64(&ran, 1)
			return nil
		}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	p.Shutdown(false)
	// Second call with wait joins the workers.
	p.Shutdown(true)

	if got := atomic.LoadInt64(&ran); got != 0 {
		t.Fatalf("backlog tasks ran after non-waiting shutdown: %d", got)
	}
	stats := p.Stats()
	if stats.Failed != 1 {
		t.Fatalf("in-flight task should fail on cancelled context, got %d failed", stats.Failed)
	}
}
