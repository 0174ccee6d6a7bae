// Package worker runs analysis bodies on a bounded pool of goroutines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/msageha/launchanalyzer/internal/logging"
)

// ErrPoolClosed is returned by Submit after Shutdown started.
var ErrPoolClosed = errors.New("worker pool closed")

// Task is the unit of work. ctx is cancelled when the pool shuts down.
type Task func(ctx context.Context) error

// Handle lets a caller wait for one submitted task.
type Handle struct {
	name string
	done chan struct{}
	err  error
}

// Done returns a handle that is already complete with err.
func Done(name string, err error) *Handle {
	h := &Handle{name: name, done: make(chan struct{}), err: err}
	close(h.done)
	return h
}

func (h *Handle) Name() string { return h.name }

// Done is closed when the task has finished.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the task finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pool bounds the number of concurrently running tasks.
type Pool struct {
	sem    *semaphore.Weighted
	size   int
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *logging.Logger

	mu     sync.Mutex
	closed bool
}

func NewPool(size int, logger *logging.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = logging.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:    semaphore.NewWeighted(int64(size)),
		size:   size,
		ctx:    ctx,
		cancel: cancel,
		logger: logger.WithComponent("worker"),
	}
}

func (p *Pool) Size() int { return p.size }

// Submit schedules fn and returns immediately. The task waits for a free
// slot in its own goroutine. A panic inside fn is recovered and reported
// as the task's error.
func (p *Pool) Submit(name string, fn Task) (*Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	h := &Handle{name: name, done: make(chan struct{})}
	go func() {
		defer p.wg.Done()
		defer close(h.done)

		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			h.err = fmt.Errorf("task %s not started: %w", name, err)
			p.logger.Warnf("task=%s dropped err=%v", name, err)
			return
		}
		defer p.sem.Release(1)

		h.err = p.run(name, fn)
	}()
	return h, nil
}

func (p *Pool) run(name string, fn Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", name, r)
			p.logger.Errorf("task=%s panic=%v\n%s", name, r, debug.Stack())
		}
	}()
	if err := fn(p.ctx); err != nil {
		p.logger.Warnf("task=%s err=%v", name, err)
		return err
	}
	return nil
}

// Shutdown stops accepting tasks, cancels queued and running tasks and
// waits for them until ctx is done.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker pool shutdown: %w", ctx.Err())
	}
}

// Drain waits for all submitted tasks without cancelling them.
func (p *Pool) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
