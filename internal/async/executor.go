package async

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by futures submitted after Shutdown began.
var ErrClosed = errors.New("executor is shut down")

// Executor runs submitted tasks on their own goroutines, at most Workers at a time.
type Executor struct {
	sem    *semaphore.Weighted
	logger *slog.Logger

	ctx    context.Context //nolint:containedctx // Worker lifecycle context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewExecutor creates an executor running at most workers tasks concurrently.
func NewExecutor(workers int, logger *slog.Logger) *Executor {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		sem:    semaphore.NewWeighted(int64(workers)),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit schedules fn and returns its future. It never blocks on worker availability.
// The task context is canceled if Shutdown gives up waiting.
func Submit[T any](e *Executor, name string, fn func(ctx context.Context) (T, error)) *Future[T] {
	return SubmitAfter(e, name, nil, fn)
}

// SubmitAfter is Submit for a task that must first wait for its turn, e.g. for
// earlier tasks on the same location. wait runs before the task takes a worker,
// so waiting tasks never starve the ones they wait for. When wait fails the
// task is not run and its future fails with ErrClosed.
func SubmitAfter[T any](e *Executor, name string, wait func(ctx context.Context) error, fn func(ctx context.Context) (T, error)) *Future[T] {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		var zero T
		return Completed(zero, ErrClosed)
	}
	e.wg.Add(1)
	e.mu.Unlock()

	f := newFuture[T]()
	go func() {
		defer e.wg.Done()

		if wait != nil {
			if err := wait(e.ctx); err != nil {
				var zero T
				f.complete(zero, fmt.Errorf("%s: %w", name, ErrClosed))
				return
			}
		}

		if err := e.sem.Acquire(e.ctx, 1); err != nil {
			var zero T
			f.complete(zero, fmt.Errorf("%s: %w", name, ErrClosed))
			return
		}
		defer e.sem.Release(1)

		v, err := run(e.ctx, name, fn)
		if err != nil && e.logger != nil {
			e.logger.Debug("async task failed", "task", name, "error", err)
		}
		f.complete(v, err)
	}()
	return f
}

func run[T any](ctx context.Context, name string, fn func(ctx context.Context) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", name, r)
		}
	}()
	return fn(ctx)
}

// Shutdown stops accepting tasks and waits for running ones.
// When ctx expires first, in-flight tasks are canceled and ctx.Err() is returned.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		<-drained
		return ctx.Err()
	}
}
