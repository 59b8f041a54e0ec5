// Package async provides a bounded worker pool for fire-and-forget background work.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/pricefeed/errs"
	"github.com/coachpo/pricefeed/internal/observability"
)

const component = "lib/async"

// Task represents a unit of work executed by the pool workers.
type Task func(context.Context) error

// Option customises a Pool.
type Option func(*Pool)

// WithLogger routes task failures and recovered panics to logger.
func WithLogger(logger observability.Logger) Option {
	return func(p *Pool) {
		p.logger = observability.OrNop(logger)
	}
}

// Pool is a fixed set of workers draining a bounded queue. Submit never blocks: a full
// queue is reported to the caller.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger observability.Logger

	mu     sync.RWMutex
	closed bool
	jobs   chan job

	workers conc.WaitGroup
	once    sync.Once
}

type job struct {
	ctx context.Context
	fn  Task
}

// NewPool creates a worker pool with the given concurrency and queue depth.
func NewPool(workers, queue int, opts ...Option) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("workers must be >0"))
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		ctx:    ctx,
		cancel: cancel,
		logger: observability.Nop(),
		jobs:   make(chan job, queue),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	for i := 0; i < workers; i++ {
		p.workers.Go(p.worker)
	}
	return p, nil
}

// Submit queues fn. The task runs with a context that is cancelled when either ctx or
// the pool is cancelled.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	if fn == nil {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("submit context: %w", err)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errs.New(component, errs.CodeUnavailable, errs.WithMessage("pool closed"))
	}
	select {
	case p.jobs <- job{ctx: ctx, fn: fn}:
		return nil
	default:
		return errs.New(component, errs.CodeUnavailable, errs.WithMessage("pool at capacity"))
	}
}

// Close stops accepting tasks and cancels queued and running ones.
func (p *Pool) Close() {
	p.stop()
	p.cancel()
}

// Shutdown stops accepting tasks and waits for the queue to drain. When ctx expires
// first the remaining tasks are cancelled.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.stop()
	done := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	}
}

func (p *Pool) stop() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()
	})
}

func (p *Pool) worker() {
	for j := range p.jobs {
		p.run(j)
	}
}

func (p *Pool) run(j job) {
	ctx, cancel := context.WithCancel(j.ctx)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("async task panicked", observability.F("panic", fmt.Sprint(r)))
		}
	}()
	if ctx.Err() != nil {
		return
	}
	if err := j.fn(ctx); err != nil {
		p.logger.Warn("async task failed", observability.F("error", err))
	}
}
