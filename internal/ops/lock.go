package ops

import (
	"context"
	"log/slog"

	"golang.org/x/sync/semaphore"
)

// Lock guards the log directory, the cache directory and the database file.
// It is shared by every operation kind so that no two mutating phases run at
// the same time. Waiters are served first come, first served.
type Lock struct {
	sem *semaphore.Weighted
}

func NewLock() *Lock {
	return &Lock{sem: semaphore.NewWeighted(1)}
}

// Acquire blocks until the lock is free or ctx is done. The returned func
// releases the lock.
func (l *Lock) Acquire(ctx context.Context) (func(), error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { l.sem.Release(1) }, nil
}

// TryAcquire is Acquire without waiting.
func (l *Lock) TryAcquire() (func(), bool) {
	if !l.sem.TryAcquire(1) {
		return nil, false
	}
	return func() { l.sem.Release(1) }, true
}

// RunExclusive runs fn while holding l. Waiting for l is cancellable through
// ctx. When l is held by someone else, queued is called once before waiting;
// it may be nil.
func RunExclusive[T any](ctx context.Context, l *Lock, queued func(context.Context), fn func(context.Context) (T, error)) (T, error) {
	var zero T
	release, ok := l.TryAcquire()
	if !ok {
		slog.DebugContext(ctx, "waiting for exclusive lock")
		if queued != nil {
			queued(ctx)
		}
		var err error
		release, err = l.Acquire(ctx)
		if err != nil {
			return zero, err
		}
	}
	defer release()
	slog.DebugContext(ctx, "exclusive lock acquired")
	return fn(ctx)
}
