package internal

import (
	"sync"
	"testing"
	"time"
)

// Test basic functions of WorkerPool
func TestWorkerPool(t *testing.T) {
	wp := NewWorkerPool(2)
	wp.Start()
	defer wp.Stop()

	// we should process this concurrently as N=2 so it should take 1s not 2s
	var wg sync.WaitGroup
	wg.Add(2)
	start := time.Now()
	wp.Queue(func() {
		time.Sleep(time.Second)
		wg.Done()
	})
	wp.Queue(func() {
		time.Sleep(time.Second)
		wg.Done()
	})
	wg.Wait()
	took := time.Since(start)
	if took > 2*time.Second {
		t.Fatalf("took %v for queued work, it should have been faster than 2s", took)
	}
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	wp := NewWorkerPool(1)
	wp.Start()
	defer wp.Stop()

	// with N=1 two queued evictions must run one after the other
	order := make(chan int, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	wp.Queue(func() {
		time.Sleep(100 * time.Millisecond)
		order <- 1
		wg.Done()
	})
	wp.Queue(func() {
		order <- 2
		wg.Done()
	})
	wg.Wait()
	if first := <-order; first != 1 {
		t.Fatalf("work ran out of order: %d finished first", first)
	}
}
