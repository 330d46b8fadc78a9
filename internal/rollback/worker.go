package rollback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/majorcontext/rewind/internal/snapshot"
)

// cancelGrace is how long runWorker waits for fn to report after its context
// ends, so the driver's own error can be kept as the cause.
const cancelGrace = 200 * time.Millisecond

// runWorker runs fn on its own goroutine under timeout and returns when fn
// finishes or shortly after the deadline passes, whichever is first. fn's
// context is cancelled on return, which kills any subprocess it started.
func runWorker[T any](ctx context.Context, platform snapshot.PlatformKind, op string, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("%s %s panicked: %v", platform, op, r)}
			}
		}()
		v, err := fn(wctx)
		done <- result{v: v, err: err}
	}()

	var r result
	select {
	case r = <-done:
	case <-wctx.Done():
		grace := time.NewTimer(cancelGrace)
		select {
		case r = <-done:
		case <-grace.C:
			r.err = wctx.Err()
		}
		grace.Stop()
	}

	if r.err == nil {
		return r.v, nil
	}
	if ctx.Err() != nil {
		return r.v, fmt.Errorf("%s %s: %w", platform, op, ctx.Err())
	}
	if errors.Is(wctx.Err(), context.DeadlineExceeded) {
		te := &TimeoutError{Platform: platform, Op: op, Timeout: timeout}
		if r.err != wctx.Err() {
			te.Cause = r.err
		}
		return r.v, te
	}
	return r.v, r.err
}

// keyedLocks is a set of non-blocking per-key locks.
type keyedLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{held: make(map[string]struct{})}
}

// tryLock takes key if it is free. The returned func releases it.
func (l *keyedLocks) tryLock(key string) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, false
	}
	l.held[key] = struct{}{}
	return func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}, true
}
