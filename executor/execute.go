// Package executor runs blocking work on a bounded pool of workers.
//
// The signer uses it for operations that may stall on the platform secret
// service (key retrieval plus signing, backend enumeration) so that request
// handling never waits on an unbounded number of goroutines.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned when work is submitted to a closed pool.
var ErrClosed = errors.New("executor is closed")

// Pool bounds the number of concurrently running jobs.
type Pool struct {
	slots chan struct{}
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewPool creates a pool running at most workers jobs at once.
// A non-positive worker count is treated as 1.
func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{slots: make(chan struct{}, workers)}
}

// Result carries the outcome of a job started with Submit.
type Result[T any] struct {
	Value T
	Err   error
}

// Submit starts fn once a worker slot is free and returns a channel that
// receives exactly one Result. If ctx ends before a slot is free, the
// Result carries ctx.Err() and fn never runs.
func Submit[T any](ctx context.Context, p *Pool, fn func(context.Context) (T, error)) <-chan Result[T] {
	out := make(chan Result[T], 1)

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		out <- Result[T]{Err: ErrClosed}
		return out
	}
	p.wg.Add(1)
	p.mu.RUnlock()

	go func() {
		defer p.wg.Done()

		select {
		case p.slots <- struct{}{}:
		case <-ctx.Done():
			out <- Result[T]{Err: ctx.Err()}
			return
		}
		defer func() { <-p.slots }()

		out <- run(ctx, fn)
	}()
	return out
}

// Run submits fn and waits for its result or for ctx to end.
func Run[T any](ctx context.Context, p *Pool, fn func(context.Context) (T, error)) (T, error) {
	select {
	case r := <-Submit(ctx, p, fn):
		return r.Value, r.Err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func run[T any](ctx context.Context, fn func(context.Context) (T, error)) (res Result[T]) {
	defer func() {
		if r := recover(); r != nil {
			res = Result[T]{Err: fmt.Errorf("job panicked: %v", r)}
		}
	}()
	v, err := fn(ctx)
	return Result[T]{Value: v, Err: err}
}

// Close stops accepting work and waits for running jobs to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}
