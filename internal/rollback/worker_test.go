package rollback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majorcontext/rewind/internal/snapshot"
)

func TestRunWorkerReturnsResult(t *testing.T) {
	v, err := runWorker(context.Background(), snapshot.PlatformVM, "create", time.Second, func(context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestRunWorkerPassesErrorsThrough(t *testing.T) {
	boom := errors.New("boom")
	_, err := runWorker(context.Background(), snapshot.PlatformVM, "create", time.Second, func(context.Context) (int, error) {
		return 0, boom
	})
	assert.Same(t, boom, err)
}

func TestRunWorkerTimeout(t *testing.T) {
	_, err := runWorker(context.Background(), snapshot.PlatformOrchestrator, "restore", 20*time.Millisecond, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, errors.New("rollout: 1 of 3 replicas ready")
	})
	var te *TimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "restore", te.Op)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, "orchestrator-deployment restore timed out after 20ms: rollout: 1 of 3 replicas ready", err.Error())
}

func TestRunWorkerParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := runWorker(ctx, snapshot.PlatformContainer, "restore", time.Second, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	var te *TimeoutError
	assert.False(t, errors.As(err, &te), "caller cancellation is not a timeout")
}

func TestRunWorkerRecoversPanic(t *testing.T) {
	_, err := runWorker(context.Background(), snapshot.PlatformVM, "discard", time.Second, func(context.Context) (int, error) {
		panic("driver bug")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked: driver bug")
}

func TestTimeoutErrorWithoutCause(t *testing.T) {
	err := &TimeoutError{Platform: snapshot.PlatformVM, Op: "create", Timeout: time.Minute, Cause: context.DeadlineExceeded}
	assert.Equal(t, "vm-snapshot create timed out after 1m0s", err.Error())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKeyedLocks(t *testing.T) {
	l := newKeyedLocks()

	unlockA, ok := l.tryLock("a")
	require.True(t, ok)
	_, ok = l.tryLock("a")
	assert.False(t, ok, "second holder rejected")

	unlockB, ok := l.tryLock("b")
	require.True(t, ok, "keys are independent")
	unlockB()

	unlockA()
	unlockA2, ok := l.tryLock("a")
	assert.True(t, ok, "released key can be taken again")
	unlockA2()
}
