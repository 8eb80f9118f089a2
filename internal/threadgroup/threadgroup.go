// Package threadgroup tracks the background work of a component so that
// closing it waits for in-flight deliveries and scheduled actions.
package threadgroup

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned when the threadgroup has already been stopped
var ErrClosed = errors.New("threadgroup closed")

// A ThreadGroup tracks the goroutines of a component. Once stopped, no new
// work is accepted.
type ThreadGroup struct {
	mu     sync.Mutex
	wg     sync.WaitGroup
	closed chan struct{}
}

// Done returns a channel that will be closed when the threadgroup is stopped
func (tg *ThreadGroup) Done() <-chan struct{} {
	return tg.closed
}

// Add registers a unit of work. done must be called when the work finishes.
func (tg *ThreadGroup) Add() (done func(), err error) {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	select {
	case <-tg.closed:
		return nil, ErrClosed
	default:
	}
	tg.wg.Add(1)
	var once sync.Once
	return func() { once.Do(tg.wg.Done) }, nil
}

// WithContext derives a context that is cancelled when either the parent is
// cancelled or the threadgroup is stopped.
func (tg *ThreadGroup) WithContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-ctx.Done():
		case <-tg.closed:
			cancel()
		}
	}()
	return ctx, cancel
}

// AddContext combines Add and WithContext. The returned cancel func also
// marks the work as done.
func (tg *ThreadGroup) AddContext(parent context.Context) (context.Context, context.CancelFunc, error) {
	done, err := tg.Add()
	if err != nil {
		return nil, nil, err
	}
	ctx, cancel := tg.WithContext(parent)
	return ctx, func() {
		cancel()
		done()
	}, nil
}

// Go runs fn in a tracked goroutine. The context passed to fn is cancelled
// when the threadgroup stops.
func (tg *ThreadGroup) Go(parent context.Context, fn func(ctx context.Context)) error {
	ctx, cancel, err := tg.AddContext(parent)
	if err != nil {
		return err
	}
	go func() {
		defer cancel()
		fn(ctx)
	}()
	return nil
}

func (tg *ThreadGroup) close() {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	select {
	case <-tg.closed:
	default:
		close(tg.closed)
	}
}

// Stop stops accepting new work and waits for running work to finish.
func (tg *ThreadGroup) Stop() {
	tg.close()
	tg.wg.Wait()
}

// StopContext is like Stop, but returns ctx.Err() if ctx is cancelled before
// the running work finishes.
func (tg *ThreadGroup) StopContext(ctx context.Context) error {
	tg.close()
	waited := make(chan struct{})
	go func() {
		tg.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// New creates a new threadgroup
func New() *ThreadGroup {
	return &ThreadGroup{
		closed: make(chan struct{}),
	}
}
