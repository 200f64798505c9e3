// Package workpool is a bounded goroutine pool shared by pollers and
// action dispatch.
package workpool

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"

	"frameworks/pkg/logging"
)

var ErrClosed = errors.New("workpool: closed")

// Pool runs at most size tasks concurrently.
type Pool struct {
	sem    *semaphore.Weighted
	logger logging.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func New(size int, logger logging.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), logger: logger}
}

// Submit blocks until a slot is free, then runs task on its own
// goroutine. It fails if ctx ends first or the pool is closed. task
// receives ctx, so callers that outlive the submitter pass a detached one.
func (p *Pool) Submit(ctx context.Context, task func(ctx context.Context)) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrClosed
	}
	p.wg.Add(1)
	p.mu.RUnlock()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.wg.Done()
		return err
	}

	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				p.logger.WithField("panic", r).Error("workpool task panicked")
			}
		}()
		task(ctx)
	}()
	return nil
}

// Close rejects new tasks and waits for running ones.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}
