package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPool_RunsSubmittedTasks(t *testing.T) {
	pool := NewPool(PoolConfig{Workers: 4, QueueSize: 16, Logger: testLogger()})
	pool.Start()
	defer pool.Stop()

	var count atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		err := pool.Submit(context.Background(), func(context.Context) {
			defer wg.Done()
			count.Add(1)
		})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	wg.Wait()

	if count.Load() != 50 {
		t.Errorf("tasks run = %d, want 50", count.Load())
	}
}

func TestPool_PanicDoesNotKillWorker(t *testing.T) {
	pool := NewPool(PoolConfig{Workers: 1, QueueSize: 4, Logger: testLogger()})
	pool.Start()
	defer pool.Stop()

	ctx := context.Background()
	var wg sync.WaitGroup

	wg.Add(1)
	pool.Submit(ctx, func(context.Context) {
		defer wg.Done()
		panic("unit failure")
	})

	ran := make(chan struct{})
	wg.Add(1)
	pool.Submit(ctx, func(context.Context) {
		defer wg.Done()
		close(ran)
	})

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive the panicking task")
	}
	wg.Wait()
}

func TestPool_BoundedConcurrency(t *testing.T) {
	const workers = 3
	pool := NewPool(PoolConfig{Workers: workers, QueueSize: 64, Logger: testLogger()})
	pool.Start()
	defer pool.Stop()

	var inFlight, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		pool.Submit(context.Background(), func(context.Context) {
			defer wg.Done()
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
		})
	}
	wg.Wait()

	if peak.Load() > workers {
		t.Errorf("peak concurrency = %d, want <= %d", peak.Load(), workers)
	}
}

func TestPool_SubmitAfterStop(t *testing.T) {
	pool := NewPool(PoolConfig{Workers: 1, Logger: testLogger()})
	pool.Start()
	pool.Stop()

	err := pool.Submit(context.Background(), func(context.Context) {})
	if err == nil {
		t.Fatal("Submit succeeded on stopped pool")
	}
}

func TestPool_SubmitHonorsContext(t *testing.T) {
	// One worker stuck on a long task and a full queue force Submit to
	// block until the context expires.
	pool := NewPool(PoolConfig{Workers: 1, QueueSize: 1, Logger: testLogger()})
	pool.Start()
	defer pool.Stop()

	release := make(chan struct{})
	defer close(release)

	pool.Submit(context.Background(), func(context.Context) { <-release })
	pool.Submit(context.Background(), func(context.Context) {})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := pool.Submit(ctx, func(context.Context) {})
	if err == nil {
		t.Fatal("Submit returned nil with a full queue and expired context")
	}
}
