package pools

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
)

// DefaultQueueCapacity is the work queue size used when none is configured
const DefaultQueueCapacity = 100000

var (
	// ErrQueueFull is returned by TrySubmit when the queue is at capacity
	ErrQueueFull = errors.New("work queue is full")

	// ErrPoolClosed is returned when submitting to a closed pool
	ErrPoolClosed = errors.New("worker pool is closed")
)

// Task represents a unit of work
type Task func()

// WorkerPoolConfig configures a worker pool
type WorkerPoolConfig struct {
	Workers       int       // Fixed number of worker goroutines
	QueueCapacity int       // Maximum number of queued (not yet running) tasks
	PanicHandler  func(any) // Called with the recovered value when a task panics
}

// WorkerPool is a fixed set of long-lived goroutines fed by one bounded FIFO queue.
//
// At most Workers tasks run at once; everything else waits in the queue. A
// full queue rejects new work instead of growing or running it inline.
type WorkerPool struct {
	numWorkers int
	capacity   int
	queue      chan Task
	onPanic    func(any)

	// mu orders sends against close(queue)
	mu     sync.RWMutex
	closed atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup

	// Statistics
	stats struct {
		tasksSubmitted atomic.Uint64
		tasksCompleted atomic.Uint64
		tasksRejected  atomic.Uint64
		tasksPanicked  atomic.Uint64
		active         atomic.Int64
		peakActive     atomic.Int64
	}
}

// NewWorkerPool creates the pool and starts its workers
func NewWorkerPool(cfg WorkerPoolConfig) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}

	pool := &WorkerPool{
		numWorkers: cfg.Workers,
		capacity:   cfg.QueueCapacity,
		queue:      make(chan Task, cfg.QueueCapacity),
		onPanic:    cfg.PanicHandler,
		done:       make(chan struct{}),
	}

	pool.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go pool.work()
	}

	return pool
}

// TrySubmit enqueues a task without blocking.
// It returns ErrQueueFull when the queue is at capacity.
func (p *WorkerPool) TrySubmit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed.Load() {
		return ErrPoolClosed
	}

	select {
	case p.queue <- task:
		p.stats.tasksSubmitted.Add(1)
		return nil
	default:
		p.stats.tasksRejected.Add(1)
		return ErrQueueFull
	}
}

// Submit enqueues a task, waiting for queue space until ctx is done
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed.Load() {
		return ErrPoolClosed
	}

	select {
	case p.queue <- task:
		p.stats.tasksSubmitted.Add(1)
		return nil
	case <-p.done:
		return ErrPoolClosed
	case <-ctx.Done():
		p.stats.tasksRejected.Add(1)
		return ctx.Err()
	}
}

// work is the main loop of a worker goroutine
func (p *WorkerPool) work() {
	defer p.wg.Done()

	for task := range p.queue {
		p.run(task)
	}
}

// run executes one task, keeping the worker alive if it panics
func (p *WorkerPool) run(task Task) {
	active := p.stats.active.Add(1)
	for {
		peak := p.stats.peakActive.Load()
		if active <= peak || p.stats.peakActive.CompareAndSwap(peak, active) {
			break
		}
	}

	defer func() {
		if r := recover(); r != nil {
			p.stats.tasksPanicked.Add(1)
			if p.onPanic != nil {
				p.onPanic(r)
			}
		}
		p.stats.active.Add(-1)
		p.stats.tasksCompleted.Add(1)
	}()

	task()
}

// Close stops accepting work, lets the workers drain the queue and waits for them
func (p *WorkerPool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return // Already closed
	}
	close(p.done)

	p.mu.Lock()
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
}

// Stats returns pool statistics
func (p *WorkerPool) Stats() WorkerPoolStats {
	return WorkerPoolStats{
		NumWorkers:     p.numWorkers,
		QueueCapacity:  p.capacity,
		Queued:         len(p.queue),
		Active:         int(p.stats.active.Load()),
		PeakActive:     int(p.stats.peakActive.Load()),
		TasksSubmitted: p.stats.tasksSubmitted.Load(),
		TasksCompleted: p.stats.tasksCompleted.Load(),
		TasksRejected:  p.stats.tasksRejected.Load(),
		TasksPanicked:  p.stats.tasksPanicked.Load(),
	}
}

// WorkerPoolStats contains pool statistics
type WorkerPoolStats struct {
	NumWorkers     int    `json:"num_workers"`
	QueueCapacity  int    `json:"queue_capacity"`
	Queued         int    `json:"queued"`
	Active         int    `json:"active"`
	PeakActive     int    `json:"peak_active"`
	TasksSubmitted uint64 `json:"tasks_submitted"`
	TasksCompleted uint64 `json:"tasks_completed"`
	TasksRejected  uint64 `json:"tasks_rejected"`
	TasksPanicked  uint64 `json:"tasks_panicked"`
}
