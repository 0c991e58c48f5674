package duelyard

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// taskPool runs fire-and-forget background work (aggregation dispatch,
// cancel pushes, recovery checks) on a bounded number of goroutines.
// Failures are logged, never swallowed silently.
type taskPool struct {
	logger hclog.Logger
	ctx    context.Context
	sem    chan struct{}
	wg     sync.WaitGroup
}

func newTaskPool(ctx context.Context, size int, logger hclog.Logger) *taskPool {
	if size <= 0 {
		size = 8
	}
	return &taskPool{
		logger: logger.Named("task_pool"),
		ctx:    ctx,
		sem:    make(chan struct{}, size),
	}
}

// Submit schedules fn with a deadline. The call never blocks the caller;
// the pool's semaphore bounds concurrency.
func (p *taskPool) Submit(name string, timeout time.Duration, fn func(ctx context.Context) error) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		select {
		case p.sem <- struct{}{}:
		case <-p.ctx.Done():
			return
		}
		defer func() { <-p.sem }()

		ctx := p.ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		start := time.Now()
		if err := fn(ctx); err != nil {
			p.logger.Error("background task failed", "task", name,
				"elapsed", time.Since(start), "error", err)
		}
	}()
}

// Wait blocks until all submitted work has drained. Used on shutdown.
func (p *taskPool) Wait() {
	p.wg.Wait()
}
