package rollback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majorcontext/rewind/internal/audit"
	"github.com/majorcontext/rewind/internal/config"
	"github.com/majorcontext/rewind/internal/driver"
	"github.com/majorcontext/rewind/internal/health"
	"github.com/majorcontext/rewind/internal/snapshot"
	"github.com/majorcontext/rewind/internal/storage"
)

var webCheck = []health.Spec{{Type: health.ProbeHTTP, Name: "web", Path: "/health"}}

func TestCreateSnapshotIsIdempotentAndNonMutating(t *testing.T) {
	f := newFixture(t, config.Default())
	ctx := context.Background()

	a, err := f.mgr.CreateSnapshot(ctx, containerAsset())
	require.NoError(t, err)
	b, err := f.mgr.CreateSnapshot(ctx, containerAsset())
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, snapshot.StatusReady, a.Status)
	assert.Equal(t, snapshot.StatusReady, b.Status)

	creates, restores, discards := f.ctr.counts()
	assert.Equal(t, 2, creates)
	assert.Zero(t, restores, "creating a snapshot must not restore anything")
	assert.Zero(t, discards)

	stored, err := f.mgr.ListByExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Len(t, stored, 2)

	got, err := f.mgr.GetSnapshot(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "sum", got.Checksum)
	assert.Equal(t, int64(42), got.SizeBytes)
	assert.Equal(t, snapshot.PlatformContainer, got.Platform)
}

func TestCreateSnapshotUnsupportedKind(t *testing.T) {
	f := newFixture(t, config.Default())
	ctx := context.Background()

	_, err := f.mgr.CreateSnapshot(ctx, snapshot.Asset{Kind: "lambda", ExecutionID: "exec-1"})
	assert.ErrorIs(t, err, ErrUnsupportedAssetKind)

	stored, err := f.mgr.ListByExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Empty(t, stored, "no record for an unsupported kind")
}

func TestCreateSnapshotWithoutDriver(t *testing.T) {
	f := newFixture(t, config.Default())
	mgr := New(config.Default(), f.store, Drivers{Container: f.ctr})

	_, err := mgr.CreateSnapshot(context.Background(), snapshot.Asset{Kind: snapshot.AssetVM, VMID: "vm-1", Hypervisor: "kvm"})
	assert.ErrorIs(t, err, ErrUnsupportedAssetKind)
}

func TestCreateSnapshotDriverFailure(t *testing.T) {
	f := newFixture(t, config.Default())
	f.ctr.createErr = driver.ErrAssetNotFound
	ctx := context.Background()

	snap, err := f.mgr.CreateSnapshot(ctx, containerAsset())
	require.ErrorIs(t, err, driver.ErrAssetNotFound)
	require.NotNil(t, snap)
	assert.Equal(t, snapshot.StatusFailed, snap.Status)
	assert.Equal(t, snapshot.StageCreate, snap.FailureStage)

	stored, err := f.mgr.GetSnapshot(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, snapshot.StatusFailed, stored.Status)
	assert.Contains(t, stored.FailureDetail, "asset not found")
	assert.Equal(t, []audit.EntryType{audit.EntryCreateFailed}, entryTypes(t, f.audit, "exec-1"))
}

func TestCreateSnapshotTimeout(t *testing.T) {
	cfg := config.Default()
	cfg.Timeouts.Orchestrator = 50 * time.Millisecond
	f := newFixture(t, cfg)
	blocking := &blockingCreate{}
	mgr := New(cfg, f.store, Drivers{Orchestrator: blocking})

	snap, err := mgr.CreateSnapshot(context.Background(), snapshot.Asset{Kind: snapshot.AssetDeployment, Deployment: "api"})
	var te *TimeoutError
	require.True(t, errors.As(err, &te), "got %v", err)
	assert.Equal(t, "create", te.Op)
	assert.Equal(t, snapshot.StatusFailed, snap.Status)
}

type blockingCreate struct{}

func (blockingCreate) CreateSnapshot(ctx context.Context, a snapshot.Asset, id string) (driver.Capture[snapshot.OrchestratorLocator], error) {
	<-ctx.Done()
	return driver.Capture[snapshot.OrchestratorLocator]{}, ctx.Err()
}

func (blockingCreate) Restore(ctx context.Context, loc snapshot.OrchestratorLocator) error { return nil }
func (blockingCreate) Discard(ctx context.Context, loc snapshot.OrchestratorLocator) error { return nil }

func TestRollbackWithoutChecks(t *testing.T) {
	f := newFixture(t, config.Default())
	snap := readySnapshot(t, f)

	ok, err := f.mgr.Rollback(context.Background(), snap, nil, true)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := f.mgr.GetSnapshot(context.Background(), snap.ID)
	require.NoError(t, err)
	assert.Equal(t, snapshot.StatusReady, got.Status)
	assert.Equal(t, 1, got.RestoreAttempts)
	assert.NotNil(t, got.RestoreStartedAt)
	assert.NotNil(t, got.RestoreCompletedAt)
	assert.NotNil(t, got.RestoreDurationSeconds)
	assert.Nil(t, got.LastHealthCheckPassed, "empty checks skip verification")

	assert.Equal(t, []audit.EntryType{
		audit.EntrySnapshotCreated,
		audit.EntryRestoreStarted,
		audit.EntryRestoreSucceeded,
	}, entryTypes(t, f.audit, "exec-1"))
}

func TestRollbackDurationIsSetOnce(t *testing.T) {
	clk := &clock{t: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)}
	f := newFixture(t, config.Default(), WithClock(clk.now))
	snap := readySnapshot(t, f)
	ctx := context.Background()

	ok, err := f.mgr.Rollback(ctx, snap, nil, false)
	require.NoError(t, err)
	require.True(t, ok)
	first, _ := f.mgr.GetSnapshot(ctx, snap.ID)

	clk.set(clk.now().Add(time.Hour))
	ok, err = f.mgr.Rollback(ctx, snap, nil, false)
	require.NoError(t, err)
	require.True(t, ok)
	second, _ := f.mgr.GetSnapshot(ctx, snap.ID)

	assert.Equal(t, *first.RestoreDurationSeconds, *second.RestoreDurationSeconds)
	assert.Equal(t, 2, second.RestoreAttempts)
}

func TestRollbackHealthFailureIsDataNotError(t *testing.T) {
	f := newFixture(t, config.Default(), WithChecker(fakeChecker{fail: map[string]bool{"orders": true}}))
	snap := readySnapshot(t, f)
	checks := []health.Spec{
		{Type: health.ProbeHTTP, Name: "web", Path: "/"},
		{Type: health.ProbeHTTP, Name: "orders", Path: "/orders"},
	}

	ok, err := f.mgr.Rollback(context.Background(), snap, checks, true)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := f.mgr.GetSnapshot(context.Background(), snap.ID)
	require.NoError(t, err)
	assert.Equal(t, snapshot.StatusFailed, got.Status)
	assert.Equal(t, snapshot.StageRestore, got.FailureStage)
	assert.Equal(t, "health checks failed: orders", got.FailureDetail)
	require.NotNil(t, got.LastHealthCheckPassed)
	assert.False(t, *got.LastHealthCheckPassed)
	assert.Len(t, got.HealthResults, 2)
}

func TestRollbackVerifyFalseSkipsChecks(t *testing.T) {
	f := newFixture(t, config.Default(), WithChecker(fakeChecker{fail: map[string]bool{"web": true}}))
	snap := readySnapshot(t, f)

	ok, err := f.mgr.Rollback(context.Background(), snap, webCheck, false)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRollbackDriverError(t *testing.T) {
	f := newFixture(t, config.Default())
	snap := readySnapshot(t, f)
	f.ctr.restoreErr = driver.ErrNameConflict

	ok, err := f.mgr.Rollback(context.Background(), snap, webCheck, true)
	assert.False(t, ok)
	require.ErrorIs(t, err, driver.ErrNameConflict)

	got, _ := f.mgr.GetSnapshot(context.Background(), snap.ID)
	assert.Equal(t, snapshot.StatusFailed, got.Status)
	assert.Contains(t, got.FailureDetail, "unrelated workload")
	assert.Nil(t, got.LastHealthCheckPassed, "checks never ran")
}

func TestRollbackCorruptedArtifact(t *testing.T) {
	f := newFixture(t, config.Default())
	snap := readySnapshot(t, f)
	f.ctr.restoreErr = driver.ErrArtifactCorrupted

	ok, err := f.mgr.Rollback(context.Background(), snap, nil, false)
	assert.False(t, ok)
	require.ErrorIs(t, err, driver.ErrArtifactCorrupted)

	got, _ := f.mgr.GetSnapshot(context.Background(), snap.ID)
	assert.Equal(t, snapshot.StatusCorrupted, got.Status)

	_, err = f.mgr.Rearm(context.Background(), snap.ID)
	assert.ErrorIs(t, err, ErrInvalidSnapshotState, "corrupted snapshots can't be re-armed")
}

func TestRollbackMutualExclusion(t *testing.T) {
	f := newFixture(t, config.Default())
	snap := readySnapshot(t, f)
	f.ctr.block = true

	type result struct {
		ok  bool
		err error
	}
	first := make(chan result, 1)
	go func() {
		ok, err := f.mgr.Rollback(context.Background(), snap, nil, false)
		first <- result{ok, err}
	}()

	select {
	case <-f.ctr.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first rollback never reached the driver")
	}

	ok, err := f.mgr.Rollback(context.Background(), snap, nil, false)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrRestoreInProgress)

	close(f.ctr.release)
	r := <-first
	require.NoError(t, r.err)
	assert.True(t, r.ok)

	_, restores, _ := f.ctr.counts()
	assert.Equal(t, 1, restores, "the rejected call must not reach the driver")
}

func TestRollbackTimeoutCancelsDriver(t *testing.T) {
	cfg := config.Default()
	cfg.Timeouts.Container = 100 * time.Millisecond
	f := newFixture(t, cfg)
	snap := readySnapshot(t, f)
	f.ctr.block = true

	start := time.Now()
	ok, err := f.mgr.Rollback(context.Background(), snap, nil, false)
	elapsed := time.Since(start)

	assert.False(t, ok)
	var te *TimeoutError
	require.True(t, errors.As(err, &te), "got %v", err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, snapshot.PlatformContainer, te.Platform)
	assert.Less(t, elapsed, 100*time.Millisecond+cancelGrace+500*time.Millisecond)

	assert.Eventually(t, func() bool {
		f.ctr.mu.Lock()
		defer f.ctr.mu.Unlock()
		return f.ctr.cancelled
	}, 2*time.Second, 10*time.Millisecond, "driver context must be cancelled")

	got, _ := f.mgr.GetSnapshot(context.Background(), snap.ID)
	assert.Equal(t, snapshot.StatusFailed, got.Status)
	assert.Contains(t, got.FailureDetail, "timed out")
}

func TestRollbackTimeoutWhenDriverIgnoresContext(t *testing.T) {
	cfg := config.Default()
	cfg.Timeouts.Container = 100 * time.Millisecond
	f := newFixture(t, cfg)
	snap := readySnapshot(t, f)
	f.ctr.block = true
	f.ctr.ignoreCtx = true

	start := time.Now()
	_, err := f.mgr.Rollback(context.Background(), snap, nil, false)
	elapsed := time.Since(start)

	var te *TimeoutError
	require.True(t, errors.As(err, &te), "got %v", err)
	assert.Less(t, elapsed, 100*time.Millisecond+cancelGrace+500*time.Millisecond, "the caller must not wait for a stuck driver")
}

// interleavedStore runs between once, right after the first Get returns, to
// stand in for another process writing the same record.
type interleavedStore struct {
	*storage.Store
	between func()
}

func (s *interleavedStore) Get(ctx context.Context, id string) (*snapshot.Snapshot, error) {
	snap, err := s.Store.Get(ctx, id)
	if s.between != nil {
		fn := s.between
		s.between = nil
		fn()
	}
	return snap, err
}

func TestRollbackLosesRaceToOtherProcess(t *testing.T) {
	tests := []struct {
		name    string
		status  snapshot.Status
		wantErr error
	}{
		{"expired by sweep", snapshot.StatusExpired, ErrInvalidSnapshotState},
		{"restored elsewhere", snapshot.StatusRestoring, ErrRestoreInProgress},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, config.Default())
			snap := readySnapshot(t, f)
			ctx := context.Background()

			racing := &interleavedStore{Store: f.store, between: func() {
				other, err := f.store.Get(ctx, snap.ID)
				require.NoError(t, err)
				other.Status = tt.status
				require.NoError(t, f.store.UpdateFrom(ctx, other, snapshot.StatusReady))
			}}
			mgr := New(config.Default(), racing, Drivers{Container: f.ctr}, WithChecker(fakeChecker{}))

			ok, err := mgr.Rollback(ctx, snap, nil, false)
			assert.False(t, ok)
			assert.ErrorIs(t, err, tt.wantErr)

			_, restores, _ := f.ctr.counts()
			assert.Zero(t, restores, "the losing call must not reach the driver")

			got, err := f.store.Get(ctx, snap.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.status, got.Status)
			assert.Zero(t, got.RestoreAttempts)
		})
	}
}

func TestRearmAfterRestoreFailure(t *testing.T) {
	f := newFixture(t, config.Default(), WithChecker(fakeChecker{fail: map[string]bool{"web": true}}))
	snap := readySnapshot(t, f)
	ctx := context.Background()

	ok, err := f.mgr.Rollback(ctx, snap, webCheck, true)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = f.mgr.Rollback(ctx, snap, webCheck, true)
	require.ErrorIs(t, err, ErrInvalidSnapshotState, "a failed snapshot is not retried implicitly")

	rearmed, err := f.mgr.Rearm(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, snapshot.StatusReady, rearmed.Status)
	assert.Empty(t, rearmed.FailureDetail)

	ok, err = f.mgr.Rollback(ctx, snap, nil, false)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Contains(t, entryTypes(t, f.audit, "exec-1"), audit.EntrySnapshotRearmed)
}

func TestRearmRefusesCreateFailure(t *testing.T) {
	f := newFixture(t, config.Default())
	f.ctr.createErr = errors.New("daemon unavailable")
	snap, _ := f.mgr.CreateSnapshot(context.Background(), containerAsset())

	_, err := f.mgr.Rearm(context.Background(), snap.ID)
	assert.ErrorIs(t, err, ErrInvalidSnapshotState)
}

func TestCleanup(t *testing.T) {
	f := newFixture(t, config.Default())
	snap := readySnapshot(t, f)
	ctx := context.Background()

	require.NoError(t, f.mgr.Cleanup(ctx, snap))
	got, _ := f.mgr.GetSnapshot(ctx, snap.ID)
	assert.Equal(t, snapshot.StatusDeleted, got.Status)

	require.NoError(t, f.mgr.Cleanup(ctx, snap), "cleaning up twice is a no-op")
	_, _, discards := f.ctr.counts()
	assert.Equal(t, 1, discards)

	_, err := f.mgr.Rollback(ctx, snap, nil, false)
	assert.ErrorIs(t, err, ErrInvalidSnapshotState)
}

func TestCleanupCreateFailureSkipsDiscard(t *testing.T) {
	f := newFixture(t, config.Default())
	f.ctr.createErr = errors.New("commit failed")
	snap, _ := f.mgr.CreateSnapshot(context.Background(), containerAsset())

	require.NoError(t, f.mgr.Cleanup(context.Background(), snap))
	_, _, discards := f.ctr.counts()
	assert.Zero(t, discards)
}

func TestCleanupDiscardFailureKeepsRecord(t *testing.T) {
	f := newFixture(t, config.Default())
	snap := readySnapshot(t, f)
	f.ctr.discardErr = errors.New("image in use")

	require.Error(t, f.mgr.Cleanup(context.Background(), snap))
	got, _ := f.mgr.GetSnapshot(context.Background(), snap.ID)
	assert.Equal(t, snapshot.StatusReady, got.Status)
}

func TestCleanupRefusesInFlight(t *testing.T) {
	f := newFixture(t, config.Default())
	ctx := context.Background()
	rec := &snapshot.Snapshot{
		ID:        "snap_inflight",
		Platform:  snapshot.PlatformContainer,
		Status:    snapshot.StatusRestoring,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	require.NoError(t, f.store.Save(ctx, rec))

	assert.ErrorIs(t, f.mgr.Cleanup(ctx, rec), ErrInvalidSnapshotState)
}

func TestRecoverMarksInterruptedRecords(t *testing.T) {
	f := newFixture(t, config.Default())
	ctx := context.Background()
	now := time.Now()
	for id, st := range map[string]snapshot.Status{
		"snap_creating":  snapshot.StatusCreating,
		"snap_restoring": snapshot.StatusRestoring,
		"snap_ready":     snapshot.StatusReady,
	} {
		require.NoError(t, f.store.Save(ctx, &snapshot.Snapshot{
			ID: id, ExecutionID: "exec-9", Platform: snapshot.PlatformVM, Status: st, CreatedAt: now, UpdatedAt: now,
		}))
	}

	n, err := f.mgr.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	creating, _ := f.mgr.GetSnapshot(ctx, "snap_creating")
	assert.Equal(t, snapshot.StatusFailed, creating.Status)
	assert.Equal(t, snapshot.StageCreate, creating.FailureStage)
	assert.Equal(t, "interrupted", creating.FailureDetail)

	restoring, _ := f.mgr.GetSnapshot(ctx, "snap_restoring")
	assert.Equal(t, snapshot.StageRestore, restoring.FailureStage)

	ready, _ := f.mgr.GetSnapshot(ctx, "snap_ready")
	assert.Equal(t, snapshot.StatusReady, ready.Status)
}

func TestMetricsRecordOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	f := newFixture(t, config.Default(), WithMetrics(metrics))
	snap := readySnapshot(t, f)

	_, err := f.mgr.Rollback(context.Background(), snap, nil, false)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.snapshotsCreated.WithLabelValues("container-image", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.rollbacks.WithLabelValues("container-image", "succeeded")))

	again := NewMetrics(reg)
	assert.Same(t, metrics.rollbacks, again.rollbacks, "re-registering reuses the existing collectors")
}

func TestGetSnapshotMissing(t *testing.T) {
	f := newFixture(t, config.Default())
	_, err := f.mgr.GetSnapshot(context.Background(), "snap_missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = f.mgr.Rollback(context.Background(), &snapshot.Snapshot{ID: "snap_missing"}, nil, false)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTargetFor(t *testing.T) {
	tests := []struct {
		endpoint string
		want     health.Target
	}{
		{"", health.Target{}},
		{"http://10.0.0.5:8080/base", health.Target{BaseURL: "http://10.0.0.5:8080/base", Host: "10.0.0.5"}},
		{"10.0.0.5:8080", health.Target{BaseURL: "http://10.0.0.5:8080", Host: "10.0.0.5"}},
		{"db.internal", health.Target{BaseURL: "http://db.internal", Host: "db.internal"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, targetFor(tt.endpoint), tt.endpoint)
	}
}
