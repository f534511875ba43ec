package internal

// WorkerPool bounds the amount of concurrent work done on behalf of background
// sweeps. Up to N functions run concurrently; queueing more than N blocks the
// producer, which is the backpressure we want: the liveness sweep should not be
// able to spawn an unbounded number of broadcast goroutines when a large batch
// of devices goes stale at once.
type WorkerPool struct {
	N  int
	ch chan func()
}

// NewWorkerPool creates a pool of size n. The channel buffer is also n so that
// up to n items can be queued before the producer blocks; a larger buffer just
// consumes memory up front without letting more work happen.
func NewWorkerPool(n int) *WorkerPool {
	return &WorkerPool{
		N:  n,
		ch: make(chan func(), n),
	}
}

// Start the workers. Only call this once.
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.N; i++ {
		go wp.worker()
	}
}

// Stop the worker pool. Only really useful for tests as a worker pool should be
// started once and persist for the lifetime of the process, else it causes
// needless goroutine churn. Only call this once.
func (wp *WorkerPool) Stop() {
	close(wp.ch)
}

// Queue some work on the pool. May or may not block until some work is processed.
func (wp *WorkerPool) Queue(fn func()) {
	wp.ch <- fn
}

func (wp *WorkerPool) worker() {
	for fn := range wp.ch {
		fn()
	}
}
