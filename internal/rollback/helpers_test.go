package rollback

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/majorcontext/rewind/internal/audit"
	"github.com/majorcontext/rewind/internal/config"
	"github.com/majorcontext/rewind/internal/driver"
	"github.com/majorcontext/rewind/internal/health"
	"github.com/majorcontext/rewind/internal/snapshot"
	"github.com/majorcontext/rewind/internal/storage"
)

// fakeDriver is a scriptable driver for any platform.
type fakeDriver[L snapshot.Locator] struct {
	mu sync.Mutex

	capture    driver.Capture[L]
	createErr  error
	restoreErr error
	discardErr error

	// block makes Restore wait for release or ctx.
	block   bool
	release chan struct{}
	started chan struct{}
	// ignoreCtx makes a blocked Restore wait for release only.
	ignoreCtx bool

	creates   int
	restores  int
	discards  int
	cancelled bool
}

func newFakeDriver[L snapshot.Locator](loc L) *fakeDriver[L] {
	return &fakeDriver[L]{
		capture: driver.Capture[L]{Locator: loc, Checksum: "sum", SizeBytes: 42},
		release: make(chan struct{}),
		started: make(chan struct{}, 16),
	}
}

func (f *fakeDriver[L]) CreateSnapshot(ctx context.Context, asset snapshot.Asset, id string) (driver.Capture[L], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.createErr != nil {
		return driver.Capture[L]{}, f.createErr
	}
	return f.capture, nil
}

func (f *fakeDriver[L]) Restore(ctx context.Context, loc L) error {
	f.mu.Lock()
	f.restores++
	block, ignoreCtx, err := f.block, f.ignoreCtx, f.restoreErr
	f.mu.Unlock()

	f.started <- struct{}{}
	if block {
		if ignoreCtx {
			<-f.release
		} else {
			select {
			case <-f.release:
			case <-ctx.Done():
				f.mu.Lock()
				f.cancelled = true
				f.mu.Unlock()
				return ctx.Err()
			}
		}
	}
	return err
}

func (f *fakeDriver[L]) Discard(ctx context.Context, loc L) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discards++
	return f.discardErr
}

func (f *fakeDriver[L]) counts() (creates, restores, discards int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates, f.restores, f.discards
}

// fakeChecker returns a fixed verdict for every spec.
type fakeChecker struct {
	fail map[string]bool
}

func (c fakeChecker) Verify(ctx context.Context, target health.Target, specs []health.Spec) (bool, []health.Result) {
	all := true
	results := make([]health.Result, len(specs))
	for i, s := range specs {
		r := health.Result{Name: s.Name, Type: s.Type, StartedAt: time.Now(), Outcome: health.OutcomePass, Passed: true}
		if c.fail[s.Name] {
			r.Outcome, r.Passed = health.OutcomeFail, false
			all = false
		}
		results[i] = r
	}
	return all, results
}

// clock is a settable time source.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type fixture struct {
	mgr   *Manager
	store *storage.Store
	audit *audit.Store
	orch  *fakeDriver[snapshot.OrchestratorLocator]
	ctr   *fakeDriver[snapshot.ContainerLocator]
	vm    *fakeDriver[snapshot.VMLocator]
}

func newFixture(t *testing.T, cfg config.Config, opts ...Option) *fixture {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.Open(filepath.Join(dir, "snapshots.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	auditStore, err := audit.OpenStore(filepath.Join(dir, "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { auditStore.Close() })

	f := &fixture{
		store: store,
		audit: auditStore,
		orch:  newFakeDriver(snapshot.OrchestratorLocator{Deployment: "api", Namespace: "default", Revision: 2}),
		ctr:   newFakeDriver(snapshot.ContainerLocator{ContainerID: "c1", ContainerName: "web", ImageTag: "rewind/web:x", ImageID: "sha256:x"}),
		vm:    newFakeDriver(snapshot.VMLocator{VMID: "vm-1", SnapshotName: "rewind-x", Hypervisor: "kvm"}),
	}
	t.Cleanup(func() {
		for _, ch := range []chan struct{}{f.orch.release, f.ctr.release, f.vm.release} {
			select {
			case <-ch:
			default:
				close(ch)
			}
		}
	})

	opts = append([]Option{WithAuditor(auditStore), WithChecker(fakeChecker{})}, opts...)
	f.mgr = New(cfg, store, Drivers{
		Orchestrator: f.orch,
		Container:    f.ctr,
		Hypervisor:   f.vm,
	}, opts...)
	return f
}

func containerAsset() snapshot.Asset {
	return snapshot.Asset{Kind: snapshot.AssetContainer, ExecutionID: "exec-1", ContainerID: "c1", Endpoint: "http://127.0.0.1:8080"}
}

func readySnapshot(t *testing.T, f *fixture) *snapshot.Snapshot {
	t.Helper()
	snap, err := f.mgr.CreateSnapshot(context.Background(), containerAsset())
	require.NoError(t, err)
	require.Equal(t, snapshot.StatusReady, snap.Status)
	return snap
}

func entryTypes(t *testing.T, a *audit.Store, executionID string) []audit.EntryType {
	t.Helper()
	entries, err := a.ByExecution(executionID)
	require.NoError(t, err)
	var types []audit.EntryType
	for _, e := range entries {
		types = append(types, e.Type)
	}
	return types
}
