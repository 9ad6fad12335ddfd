package urlfetch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"
)

// WorkerPool runs submitted tasks on at most Capacity goroutines. Submitters
// block until their task has finished; when every slot is busy they wait
// their turn.
type WorkerPool struct {
	p        *pool.Pool
	capacity int
	running  atomic.Int64
	metrics  *Metrics

	closeOnce sync.Once
}

// PoolOption configures a WorkerPool at construction.
type PoolOption func(*WorkerPool)

// WithPoolMetrics reports the number of running tasks to m.
func WithPoolMetrics(m *Metrics) PoolOption {
	return func(wp *WorkerPool) {
		wp.metrics = m
	}
}

// NewWorkerPool creates a pool with the given number of slots.
func NewWorkerPool(capacity int, opts ...PoolOption) *WorkerPool {
	if capacity <= 0 {
		capacity = URLCachePool
	}
	wp := &WorkerPool{
		p:        pool.New().WithMaxGoroutines(capacity),
		capacity: capacity,
	}
	for _, opt := range opts {
		opt(wp)
	}
	return wp
}

// Submit runs task on a pool slot and returns its outcome. A panic inside
// the task is returned as an error wrapping ErrTaskPanicked. A task whose
// context is already done when its slot frees up is skipped.
func (wp *WorkerPool) Submit(ctx context.Context, task func(context.Context) error) error {
	done := make(chan error, 1)

	wp.p.Go(func() {
		done <- wp.run(ctx, task)
	})

	return <-done
}

func (wp *WorkerPool) run(ctx context.Context, task func(context.Context) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	wp.running.Add(1)
	wp.metrics.poolRunning(1)
	defer func() {
		wp.running.Add(-1)
		wp.metrics.poolRunning(-1)
	}()

	var pc panics.Catcher
	pc.Try(func() { err = task(ctx) })
	if r := pc.Recovered(); r != nil {
		err = fmt.Errorf("%w: %v", ErrTaskPanicked, r.AsError())
	}
	return err
}

// Run is Submit for tasks producing a value.
func Run[T any](ctx context.Context, wp *WorkerPool, task func(context.Context) (T, error)) (T, error) {
	var out T
	err := wp.Submit(ctx, func(ctx context.Context) error {
		v, err := task(ctx)
		out = v
		return err
	})
	return out, err
}

// Capacity is the number of slots.
func (wp *WorkerPool) Capacity() int {
	return wp.capacity
}

// Running is the number of tasks executing right now.
func (wp *WorkerPool) Running() int {
	return int(wp.running.Load())
}

// Close waits for in-flight tasks and stops the workers. Submitting after
// Close panics.
func (wp *WorkerPool) Close() {
	wp.closeOnce.Do(wp.p.Wait)
}
