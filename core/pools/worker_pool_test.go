package pools

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockWorkers occupies every worker of the pool until the returned func is called
func blockWorkers(t *testing.T, pool *WorkerPool, n int) func() {
	t.Helper()

	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(n)
	for i := 0; i < n; i++ {
		require.NoError(t, pool.TrySubmit(func() {
			started.Done()
			<-release
		}))
	}
	started.Wait()

	return func() { close(release) }
}

func TestWorkerPool_Basic(t *testing.T) {
	pool := NewWorkerPool(WorkerPoolConfig{Workers: 4, QueueCapacity: 200})

	var counter atomic.Int64
	for i := 0; i < 100; i++ {
		require.NoError(t, pool.TrySubmit(func() {
			counter.Add(1)
		}))
	}

	// Close drains the queue before returning
	pool.Close()

	assert.Equal(t, int64(100), counter.Load())
	stats := pool.Stats()
	assert.Equal(t, uint64(100), stats.TasksSubmitted)
	assert.Equal(t, uint64(100), stats.TasksCompleted)
	assert.Equal(t, 0, stats.Queued)
}

func TestWorkerPool_QueueFull(t *testing.T) {
	pool := NewWorkerPool(WorkerPoolConfig{Workers: 1, QueueCapacity: 2})
	defer pool.Close()

	release := blockWorkers(t, pool, 1)

	// Worker is busy, so both of these sit in the queue
	require.NoError(t, pool.TrySubmit(func() {}))
	require.NoError(t, pool.TrySubmit(func() {}))
	assert.Equal(t, 2, pool.Stats().Queued)

	err := pool.TrySubmit(func() { t.Error("rejected task must never run") })
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, pool.Stats().Queued)
	assert.Equal(t, uint64(1), pool.Stats().TasksRejected)

	release()
}

func TestWorkerPool_ConcurrencyBound(t *testing.T) {
	const workers = 2
	pool := NewWorkerPool(WorkerPoolConfig{Workers: workers, QueueCapacity: 100})

	var running, maxRunning atomic.Int64
	for i := 0; i < 20; i++ {
		require.NoError(t, pool.TrySubmit(func() {
			n := running.Add(1)
			for {
				m := maxRunning.Load()
				if n <= m || maxRunning.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
		}))
	}
	pool.Close()

	assert.LessOrEqual(t, maxRunning.Load(), int64(workers))
	assert.LessOrEqual(t, pool.Stats().PeakActive, workers)
	assert.Equal(t, uint64(20), pool.Stats().TasksCompleted)
}

func TestWorkerPool_FIFO(t *testing.T) {
	pool := NewWorkerPool(WorkerPoolConfig{Workers: 1, QueueCapacity: 16})

	release := blockWorkers(t, pool, 1)

	var mu sync.Mutex
	var order []int
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.TrySubmit(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}))
	}

	release()
	pool.Close()

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestWorkerPool_PanicRecovery(t *testing.T) {
	var recovered atomic.Value
	pool := NewWorkerPool(WorkerPoolConfig{
		Workers:       1,
		QueueCapacity: 4,
		PanicHandler: func(r any) {
			recovered.Store(r)
		},
	})

	var ran atomic.Bool
	require.NoError(t, pool.TrySubmit(func() { panic("boom") }))
	require.NoError(t, pool.TrySubmit(func() { ran.Store(true) }))
	pool.Close()

	assert.True(t, ran.Load(), "worker must keep serving after a panic")
	assert.Equal(t, "boom", recovered.Load())
	assert.Equal(t, uint64(1), pool.Stats().TasksPanicked)
	assert.Equal(t, 0, pool.Stats().Active)
}

func TestWorkerPool_SubmitAfterClose(t *testing.T) {
	pool := NewWorkerPool(WorkerPoolConfig{Workers: 1, QueueCapacity: 1})
	pool.Close()
	pool.Close() // idempotent

	assert.ErrorIs(t, pool.TrySubmit(func() {}), ErrPoolClosed)
	assert.ErrorIs(t, pool.Submit(context.Background(), func() {}), ErrPoolClosed)
}

func TestWorkerPool_SubmitWaitsForSpace(t *testing.T) {
	pool := NewWorkerPool(WorkerPoolConfig{Workers: 1, QueueCapacity: 1})
	defer pool.Close()

	release := blockWorkers(t, pool, 1)
	require.NoError(t, pool.TrySubmit(func() {}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, func() {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() {
		done <- pool.Submit(context.Background(), func() {})
	}()
	release()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Submit did not unblock once the queue drained")
	}
}

func TestWorkerPool_Defaults(t *testing.T) {
	pool := NewWorkerPool(WorkerPoolConfig{})
	defer pool.Close()

	stats := pool.Stats()
	assert.Positive(t, stats.NumWorkers)
	assert.Equal(t, DefaultQueueCapacity, stats.QueueCapacity)
}

func BenchmarkWorkerPool_Submit(b *testing.B) {
	pool := NewWorkerPool(WorkerPoolConfig{Workers: 8, QueueCapacity: b.N + 1})
	defer pool.Close()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = pool.TrySubmit(func() {
				// Simulate some work
				_ = 1 + 1
			})
		}
	})
}
