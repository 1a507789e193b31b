package pool

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ErrPoolClosed is returned by Go after Close.
var ErrPoolClosed = errors.New("worker pool closed")

var nopLogger = zap.NewNop()

type WorkerPoolOpts struct {
	// Size is the max number of concurrently running tasks. Default is 16.
	Size int64

	// Logger logs recovered panics. Nil disables logging.
	Logger *zap.Logger
}

func (opts *WorkerPoolOpts) Init() {
	if opts.Size <= 0 {
		opts.Size = 16
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
}

// WorkerPool runs detached tasks with bounded concurrency.
// Tasks are never awaited by the submitter. Close waits for running tasks.
type WorkerPool struct {
	opts WorkerPoolOpts
	sem  *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	m      sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewWorkerPool(opts WorkerPoolOpts) *WorkerPool {
	opts.Init()
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		opts:   opts,
		sem:    semaphore.NewWeighted(opts.Size),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Go submits f. It returns immediately. f receives a context that is
// cancelled on Close. If all workers are busy, f waits for a slot in its
// own goroutine.
func (p *WorkerPool) Go(f func(ctx context.Context)) error {
	p.m.Lock()
	if p.closed {
		p.m.Unlock()
		return ErrPoolClosed
	}
	p.wg.Add(1)
	p.m.Unlock()

	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			return
		}
		defer p.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				p.opts.Logger.Error("task panicked", zap.Any("panic", r))
			}
		}()
		f(p.ctx)
	}()
	return nil
}

// Wait blocks until all submitted tasks are done.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Close rejects new tasks, cancels the task context and waits for running
// tasks to return.
func (p *WorkerPool) Close() {
	p.m.Lock()
	p.closed = true
	p.m.Unlock()
	p.cancel()
	p.wg.Wait()
}
