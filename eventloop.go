package urlfetch

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// EventLoop is a single dispatcher goroutine shared by every caller of the
// async transport. Callers hand a job over a channel and block until the
// result is posted back; the loop admits jobs in arrival order as connection
// slots free up.
type EventLoop struct {
	jobs  chan *loopJob
	slots *semaphore.Weighted
	log   zerolog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

type loopJob struct {
	ctx    context.Context
	fn     func(context.Context) (*Content, error)
	result chan loopResult
}

type loopResult struct {
	content *Content
	err     error
}

// NewEventLoop starts a loop allowing limit jobs to run at once.
func NewEventLoop(limit int, log zerolog.Logger) *EventLoop {
	if limit <= 0 {
		limit = URLCachePool
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &EventLoop{
		jobs:   make(chan *loopJob),
		slots:  semaphore.NewWeighted(int64(limit)),
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *EventLoop) run() {
	defer close(l.done)
	l.log.Debug().Msg("event loop started")

	for {
		select {
		case job := <-l.jobs:
			if err := l.admit(job.ctx); err != nil {
				job.result <- loopResult{err: err}
				continue
			}
			go func() {
				defer l.slots.Release(1)
				c, err := job.fn(job.ctx)
				job.result <- loopResult{content: c, err: err}
			}()
		case <-l.ctx.Done():
			l.log.Debug().Msg("event loop stopped")
			return
		}
	}
}

// admit waits for a free slot, giving up when the job's caller or the loop goes away.
func (l *EventLoop) admit(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(l.ctx, cancel)
	defer stop()

	if err := l.slots.Acquire(ctx, 1); err != nil {
		if l.ctx.Err() != nil {
			return ErrLoopClosed
		}
		return err
	}
	return nil
}

// Call runs fn on the loop and waits for its result.
func (l *EventLoop) Call(ctx context.Context, fn func(context.Context) (*Content, error)) (*Content, error) {
	job := &loopJob{
		ctx:    ctx,
		fn:     fn,
		result: make(chan loopResult, 1),
	}

	select {
	case l.jobs <- job:
	case <-l.ctx.Done():
		return nil, ErrLoopClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-job.result:
		return r.content, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting jobs. Jobs already running finish on their own.
func (l *EventLoop) Close() {
	l.closeOnce.Do(func() {
		l.cancel()
		<-l.done
	})
}
