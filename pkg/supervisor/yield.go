package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// launch tracks whether a supervised run has suspended at least once.
type launch struct {
	once    sync.Once
	done    atomic.Bool
	yielded chan struct{}
}

func newLaunch() *launch {
	return &launch{yielded: make(chan struct{})}
}

func (l *launch) mark() {
	l.once.Do(func() {
		l.done.Store(true)
		close(l.yielded)
	})
}

func (l *launch) didYield() bool { return l.done.Load() }

type launchKey struct{}

func withLaunch(ctx context.Context, l *launch) context.Context {
	return context.WithValue(ctx, launchKey{}, l)
}

// Yield marks the calling task as launched: from here on Start has returned
// and any failure is a runtime fault handled by the error handler.
// It is a no-op when ctx does not belong to a supervised run, and after the
// first call.
func Yield(ctx context.Context) {
	if l, ok := ctx.Value(launchKey{}).(*launch); ok {
		l.mark()
	}
}

// Sleep yields, then waits for d or until ctx is done. It returns ctx.Err()
// if the wait was interrupted.
func Sleep(ctx context.Context, d time.Duration) error {
	Yield(ctx)
	if err := ctx.Err(); err != nil {
		return err
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Wait yields, then waits for a value on ch or until ctx is done.
// A closed channel yields the zero value and ok=false.
func Wait[T any](ctx context.Context, ch <-chan T) (v T, ok bool, err error) {
	Yield(ctx)
	select {
	case <-ctx.Done():
		return v, false, ctx.Err()
	case v, ok = <-ch:
		return v, ok, nil
	}
}
