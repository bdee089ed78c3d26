// Package workpool runs fire-and-forget work items on a bounded number of
// goroutines.
package workpool

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultWorkers is used when New is given a non-positive size.
const DefaultWorkers = 4

// Pool bounds concurrent work items with a weighted semaphore.
type Pool struct {
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	wg      sync.WaitGroup
	closed  atomic.Bool
	running atomic.Int64
}

// New creates a pool running at most workers items at once.
func New(workers int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:    semaphore.NewWeighted(int64(workers)),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// QueueUserWorkItem schedules fn and returns immediately. It returns false
// when the pool is closed. fn receives a context cancelled by Close.
//
// Every accepted item runs exactly once. An item still waiting for a slot
// when Close cancels the pool runs right away with the cancelled context,
// so it can release whatever its caller acquired for it.
func (p *Pool) QueueUserWorkItem(fn func(ctx context.Context)) bool {
	if p.closed.Load() {
		return false
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			p.run(fn)
			return
		}
		defer p.sem.Release(1)
		p.running.Add(1)
		defer p.running.Add(-1)
		p.run(fn)
	}()
	return true
}

func (p *Pool) run(fn func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			if re, ok := r.(runtime.Error); ok {
				panic(re)
			}
			p.logger.Error("work item panicked", "panic", r)
		}
	}()
	fn(p.ctx)
}

// Running returns the number of items currently executing.
func (p *Pool) Running() int {
	return int(p.running.Load())
}

// Wait blocks until every scheduled item has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Close stops accepting work and waits for scheduled items. When ctx ends
// first, the items' context is cancelled and Close waits for them to return.
func (p *Pool) Close(ctx context.Context) error {
	p.closed.Store(true)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
