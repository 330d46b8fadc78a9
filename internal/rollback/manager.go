// Package rollback owns the snapshot lifecycle: it sequences snapshot
// creation, runs restores under per-platform timeouts, decides success from
// health probes and is the only writer of snapshot records.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/majorcontext/rewind/internal/audit"
	"github.com/majorcontext/rewind/internal/config"
	"github.com/majorcontext/rewind/internal/driver"
	"github.com/majorcontext/rewind/internal/health"
	"github.com/majorcontext/rewind/internal/log"
	"github.com/majorcontext/rewind/internal/snapshot"
	"github.com/majorcontext/rewind/internal/storage"
)

// Store persists snapshot records.
type Store interface {
	Save(ctx context.Context, snap *snapshot.Snapshot) error
	// UpdateFrom writes snap only while the stored status is still from.
	UpdateFrom(ctx context.Context, snap *snapshot.Snapshot, from snapshot.Status) error
	Get(ctx context.Context, id string) (*snapshot.Snapshot, error)
	ListByExecution(ctx context.Context, executionID string) ([]*snapshot.Snapshot, error)
	ListByStatus(ctx context.Context, createdBefore time.Time, statuses ...snapshot.Status) ([]*snapshot.Snapshot, error)
}

// HealthChecker decides whether a restored workload is healthy.
type HealthChecker interface {
	Verify(ctx context.Context, target health.Target, specs []health.Spec) (bool, []health.Result)
}

// Auditor receives lifecycle events.
type Auditor interface {
	Append(entryType audit.EntryType, executionID string, data any) (*audit.Entry, error)
}

// Drivers holds one driver per platform. A nil driver makes its asset kind
// unsupported.
type Drivers struct {
	Orchestrator driver.Driver[snapshot.OrchestratorLocator]
	Container    driver.Driver[snapshot.ContainerLocator]
	Hypervisor   driver.Driver[snapshot.VMLocator]
}

// Option customizes a Manager.
type Option func(*Manager)

// WithChecker replaces the default health checker.
func WithChecker(c HealthChecker) Option {
	return func(m *Manager) { m.checker = c }
}

// WithAuditor records lifecycle events to a.
func WithAuditor(a Auditor) Option {
	return func(m *Manager) { m.auditor = a }
}

// WithMetrics records outcomes to mt.
func WithMetrics(mt *Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager is the rollback manager.
type Manager struct {
	cfg     config.Config
	store   Store
	drivers Drivers
	checker HealthChecker
	auditor Auditor
	metrics *Metrics
	locks   *keyedLocks
	now     func() time.Time
}

// New creates a Manager. cfg is copied and never re-read.
func New(cfg config.Config, store Store, drivers Drivers, opts ...Option) *Manager {
	def := config.Default()
	if cfg.Timeouts.Orchestrator <= 0 {
		cfg.Timeouts.Orchestrator = def.Timeouts.Orchestrator
	}
	if cfg.Timeouts.Container <= 0 {
		cfg.Timeouts.Container = def.Timeouts.Container
	}
	if cfg.Timeouts.VM <= 0 {
		cfg.Timeouts.VM = def.Timeouts.VM
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}

	m := &Manager{
		cfg:     cfg,
		store:   store,
		drivers: drivers,
		locks:   newKeyedLocks(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.checker == nil {
		m.checker = health.NewChecker(health.Options{Defaults: health.Defaults{
			HTTP:    cfg.Probes.HTTP,
			Command: cfg.Probes.Command,
			Port:    cfg.Probes.Port,
		}})
	}
	return m
}

func (m *Manager) timeout(p snapshot.PlatformKind) time.Duration {
	switch p {
	case snapshot.PlatformOrchestrator:
		return m.cfg.Timeouts.Orchestrator
	case snapshot.PlatformContainer:
		return m.cfg.Timeouts.Container
	default:
		return m.cfg.Timeouts.VM
	}
}

func (m *Manager) supports(p snapshot.PlatformKind) bool {
	switch p {
	case snapshot.PlatformOrchestrator:
		return m.drivers.Orchestrator != nil
	case snapshot.PlatformContainer:
		return m.drivers.Container != nil
	case snapshot.PlatformVM:
		return m.drivers.Hypervisor != nil
	}
	return false
}

// CreateSnapshot captures asset and returns the new record. The record is
// persisted in Creating before the driver runs. On driver failure the
// record is persisted as Failed and returned together with the error.
func (m *Manager) CreateSnapshot(ctx context.Context, asset snapshot.Asset) (*snapshot.Snapshot, error) {
	platform := asset.Kind.Platform()
	if !platform.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAssetKind, asset.Kind)
	}
	if !m.supports(platform) {
		return nil, fmt.Errorf("%w: %q (no driver configured)", ErrUnsupportedAssetKind, asset.Kind)
	}
	if err := asset.Validate(); err != nil {
		return nil, err
	}
	if asset.Kind == snapshot.AssetVM && m.cfg.Hypervisor.IncludeMemory {
		asset.IncludeMemory = true
	}

	snap := snapshot.New(asset, m.now())
	if err := m.store.Save(ctx, snap); err != nil {
		return nil, fmt.Errorf("saving snapshot: %w", err)
	}
	logger := log.With("snapshot_id", snap.ID, "execution_id", snap.ExecutionID, "platform", platform)
	logger.Debug("creating snapshot")

	loc, checksum, size, err := m.capture(ctx, snap.ID, asset)

	pctx := context.WithoutCancel(ctx)
	snap.UpdatedAt = m.now()
	if err != nil {
		_ = snapshot.Transition(snap, snapshot.StatusFailed)
		snap.FailureStage = snapshot.StageCreate
		snap.FailureDetail = err.Error()
		if perr := m.store.UpdateFrom(pctx, snap, snapshot.StatusCreating); perr != nil {
			logger.Error("failed to persist snapshot failure", "error", perr)
		}
		m.record(audit.EntryCreateFailed, snap, snap.FailureDetail, nil)
		m.metrics.created(platform, outcomeOf(err))
		logger.Warn("snapshot creation failed", "error", err)
		return snap.Clone(), fmt.Errorf("create %s snapshot: %w", platform, err)
	}

	snap.Locator = loc
	snap.Checksum = checksum
	snap.SizeBytes = size
	_ = snapshot.Transition(snap, snapshot.StatusReady)
	if err := m.store.UpdateFrom(pctx, snap, snapshot.StatusCreating); err != nil {
		// The artifact exists but the record still says Creating; Recover
		// will mark it failed.
		logger.Error("snapshot captured but not persisted", "error", err)
		return nil, fmt.Errorf("saving captured snapshot %s: %w", snap.ID, err)
	}
	m.record(audit.EntrySnapshotCreated, snap, "", nil)
	m.metrics.created(platform, outcomeSucceeded)
	logger.Info("snapshot ready", "checksum", checksum, "size_bytes", size)
	return snap.Clone(), nil
}

func (m *Manager) capture(ctx context.Context, snapshotID string, asset snapshot.Asset) (snapshot.Locator, string, int64, error) {
	switch p := asset.Kind.Platform(); p {
	case snapshot.PlatformOrchestrator:
		return captureWith(ctx, m.drivers.Orchestrator, p, m.timeout(p), asset, snapshotID)
	case snapshot.PlatformContainer:
		return captureWith(ctx, m.drivers.Container, p, m.timeout(p), asset, snapshotID)
	case snapshot.PlatformVM:
		return captureWith(ctx, m.drivers.Hypervisor, p, m.timeout(p), asset, snapshotID)
	default:
		return nil, "", 0, fmt.Errorf("%w: %q", ErrUnsupportedAssetKind, asset.Kind)
	}
}

func captureWith[L snapshot.Locator](ctx context.Context, d driver.Driver[L], p snapshot.PlatformKind, timeout time.Duration, asset snapshot.Asset, snapshotID string) (snapshot.Locator, string, int64, error) {
	c, err := runWorker(ctx, p, "create", timeout, func(ctx context.Context) (driver.Capture[L], error) {
		return d.CreateSnapshot(ctx, asset, snapshotID)
	})
	if err != nil {
		return nil, "", 0, err
	}
	return c.Locator, c.Checksum, c.SizeBytes, nil
}

// Rollback restores the live asset to snap and, when verify is set and
// checks are given, runs the checks against the restored workload.
//
// It returns (true, nil) on success and (false, nil) when the restore
// worked but a check failed. Driver and timeout failures return (false, err).
// Every failure leaves the record Failed (or Corrupted) with its detail.
func (m *Manager) Rollback(ctx context.Context, snap *snapshot.Snapshot, checks []health.Spec, verify bool) (bool, error) {
	if snap == nil || snap.ID == "" {
		return false, fmt.Errorf("%w: no snapshot given", ErrInvalidSnapshotState)
	}
	unlock, ok := m.locks.tryLock(snap.ID)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrRestoreInProgress, snap.ID)
	}
	defer unlock()

	rec, err := m.store.Get(ctx, snap.ID)
	if err != nil {
		return false, err
	}
	if !rec.Restorable() {
		return false, stateError(rec, "restore")
	}
	if len(checks) == 0 {
		verify = false
	}

	logger := log.With("snapshot_id", rec.ID, "execution_id", rec.ExecutionID, "platform", rec.Platform)

	started := m.now()
	if err := snapshot.Transition(rec, snapshot.StatusRestoring); err != nil {
		return false, err
	}
	rec.RestoreStartedAt = &started
	rec.RestoreCompletedAt = nil
	rec.RestoreAttempts++
	rec.UpdatedAt = started
	if err := m.store.UpdateFrom(ctx, rec, snapshot.StatusReady); err != nil {
		if errors.Is(err, storage.ErrStatusChanged) {
			return false, m.raced(ctx, rec.ID, "restore")
		}
		return false, fmt.Errorf("marking snapshot %s restoring: %w", rec.ID, err)
	}
	m.record(audit.EntryRestoreStarted, rec, "", nil)
	logger.Info("restore started", "verify", verify, "checks", len(checks))

	restoreErr := m.restore(ctx, rec)

	passed := true
	if restoreErr == nil && verify {
		var results []health.Result
		passed, results = m.checker.Verify(ctx, targetFor(rec.Endpoint), checks)
		rec.HealthResults = results
		rec.LastHealthCheckPassed = &passed
	}

	finished := m.now()
	rec.RestoreCompletedAt = &finished
	rec.UpdatedAt = finished
	elapsed := finished.Sub(started).Seconds()
	if rec.RestoreDurationSeconds == nil {
		rec.RestoreDurationSeconds = &elapsed
	}

	var outcome string
	switch {
	case restoreErr != nil && errors.Is(restoreErr, driver.ErrArtifactCorrupted):
		_ = snapshot.Transition(rec, snapshot.StatusCorrupted)
		rec.FailureStage = snapshot.StageRestore
		rec.FailureDetail = restoreErr.Error()
		outcome = outcomeCorrupted
	case restoreErr != nil:
		_ = snapshot.Transition(rec, snapshot.StatusFailed)
		rec.FailureStage = snapshot.StageRestore
		rec.FailureDetail = restoreErr.Error()
		outcome = outcomeOf(restoreErr)
	case !passed:
		_ = snapshot.Transition(rec, snapshot.StatusFailed)
		rec.FailureStage = snapshot.StageRestore
		rec.FailureDetail = "health checks failed: " + strings.Join(health.Failed(rec.HealthResults), ", ")
		outcome = outcomeHealthFailed
	default:
		_ = snapshot.Transition(rec, snapshot.StatusReady)
		rec.FailureStage = ""
		rec.FailureDetail = ""
		outcome = outcomeSucceeded
	}

	if err := m.store.UpdateFrom(context.WithoutCancel(ctx), rec, snapshot.StatusRestoring); err != nil {
		logger.Error("failed to persist restore outcome", "status", rec.Status, "error", err)
		if restoreErr != nil {
			return false, errors.Join(restoreErr, err)
		}
		return false, fmt.Errorf("persisting restore outcome for %s: %w", rec.ID, err)
	}
	m.metrics.rolledBack(rec.Platform, outcome, elapsed)

	if outcome == outcomeSucceeded {
		m.record(audit.EntryRestoreSucceeded, rec, "", &elapsed)
		logger.Info("restore succeeded", "duration_seconds", elapsed)
		return true, nil
	}
	m.record(audit.EntryRestoreFailed, rec, rec.FailureDetail, &elapsed)
	logger.Warn("restore failed", "status", rec.Status, "detail", rec.FailureDetail)
	if restoreErr != nil {
		return false, fmt.Errorf("restore %s snapshot %s: %w", rec.Platform, rec.ID, restoreErr)
	}
	return false, nil
}

func (m *Manager) restore(ctx context.Context, rec *snapshot.Snapshot) error {
	timeout := m.timeout(rec.Platform)
	switch loc := rec.Locator.(type) {
	case snapshot.OrchestratorLocator:
		return restoreWith(ctx, m.drivers.Orchestrator, rec.Platform, timeout, loc)
	case snapshot.ContainerLocator:
		return restoreWith(ctx, m.drivers.Container, rec.Platform, timeout, loc)
	case snapshot.VMLocator:
		return restoreWith(ctx, m.drivers.Hypervisor, rec.Platform, timeout, loc)
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedAssetKind, rec.Locator)
	}
}

func restoreWith[L snapshot.Locator](ctx context.Context, d driver.Driver[L], p snapshot.PlatformKind, timeout time.Duration, loc L) error {
	if d == nil {
		return fmt.Errorf("%w: %s (no driver configured)", ErrUnsupportedAssetKind, p)
	}
	_, err := runWorker(ctx, p, "restore", timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, d.Restore(ctx, loc)
	})
	return err
}

func discardWith[L snapshot.Locator](ctx context.Context, d driver.Driver[L], p snapshot.PlatformKind, timeout time.Duration, loc L) error {
	if d == nil {
		return fmt.Errorf("%w: %s (no driver configured)", ErrUnsupportedAssetKind, p)
	}
	_, err := runWorker(ctx, p, "discard", timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, d.Discard(ctx, loc)
	})
	return err
}

// GetSnapshot returns the stored record.
func (m *Manager) GetSnapshot(ctx context.Context, id string) (*snapshot.Snapshot, error) {
	return m.store.Get(ctx, id)
}

// ListByExecution returns the records created for one remediation run.
func (m *Manager) ListByExecution(ctx context.Context, executionID string) ([]*snapshot.Snapshot, error) {
	return m.store.ListByExecution(ctx, executionID)
}

// Cleanup releases the snapshot's platform artifact and marks it Deleted.
// Deleting an already deleted snapshot does nothing.
func (m *Manager) Cleanup(ctx context.Context, snap *snapshot.Snapshot) error {
	if snap == nil || snap.ID == "" {
		return fmt.Errorf("%w: no snapshot given", ErrInvalidSnapshotState)
	}
	unlock, ok := m.locks.tryLock(snap.ID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRestoreInProgress, snap.ID)
	}
	defer unlock()

	rec, err := m.store.Get(ctx, snap.ID)
	if err != nil {
		return err
	}
	if rec.Status == snapshot.StatusDeleted {
		return nil
	}
	if rec.Status.InFlight() {
		return stateError(rec, "clean up")
	}

	if rec.Locator != nil {
		if err := m.discard(ctx, rec); err != nil {
			return fmt.Errorf("discarding %s artifact for %s: %w", rec.Platform, rec.ID, err)
		}
	}

	from := rec.Status
	if err := snapshot.Transition(rec, snapshot.StatusDeleted); err != nil {
		return err
	}
	rec.UpdatedAt = m.now()
	if err := m.store.UpdateFrom(context.WithoutCancel(ctx), rec, from); err != nil {
		if errors.Is(err, storage.ErrStatusChanged) {
			return m.raced(ctx, rec.ID, "clean up")
		}
		return fmt.Errorf("marking snapshot %s deleted: %w", rec.ID, err)
	}
	m.record(audit.EntrySnapshotDeleted, rec, "", nil)
	log.Info("snapshot deleted", "snapshot_id", rec.ID, "execution_id", rec.ExecutionID)
	return nil
}

func (m *Manager) discard(ctx context.Context, rec *snapshot.Snapshot) error {
	timeout := m.timeout(rec.Platform)
	switch loc := rec.Locator.(type) {
	case snapshot.OrchestratorLocator:
		return discardWith(ctx, m.drivers.Orchestrator, rec.Platform, timeout, loc)
	case snapshot.ContainerLocator:
		return discardWith(ctx, m.drivers.Container, rec.Platform, timeout, loc)
	case snapshot.VMLocator:
		return discardWith(ctx, m.drivers.Hypervisor, rec.Platform, timeout, loc)
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedAssetKind, rec.Locator)
	}
}

// Rearm makes a snapshot whose restore failed eligible for another
// Rollback. It is the operator's acknowledgement that retrying is safe.
func (m *Manager) Rearm(ctx context.Context, id string) (*snapshot.Snapshot, error) {
	unlock, ok := m.locks.tryLock(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRestoreInProgress, id)
	}
	defer unlock()

	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != snapshot.StatusFailed || rec.FailureStage != snapshot.StageRestore || rec.Locator == nil {
		return nil, stateError(rec, "re-arm")
	}
	previous := rec.FailureDetail
	if err := snapshot.Transition(rec, snapshot.StatusReady); err != nil {
		return nil, err
	}
	rec.FailureStage = ""
	rec.FailureDetail = ""
	rec.UpdatedAt = m.now()
	if err := m.store.UpdateFrom(ctx, rec, snapshot.StatusFailed); err != nil {
		if errors.Is(err, storage.ErrStatusChanged) {
			return nil, m.raced(ctx, rec.ID, "re-arm")
		}
		return nil, fmt.Errorf("re-arming snapshot %s: %w", rec.ID, err)
	}
	m.record(audit.EntrySnapshotRearmed, rec, previous, nil)
	log.Info("snapshot re-armed", "snapshot_id", rec.ID, "previous_failure", previous)
	return rec.Clone(), nil
}

// Recover marks records left in Creating or Restoring by a process that
// died mid-operation as Failed. Run it only when no other process is
// operating on the same store.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	stuck, err := m.store.ListByStatus(ctx, time.Time{}, snapshot.StatusCreating, snapshot.StatusRestoring)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, s := range stuck {
		unlock, ok := m.locks.tryLock(s.ID)
		if !ok {
			continue
		}
		err := m.recoverOne(ctx, s.ID)
		unlock()
		if err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

func (m *Manager) recoverOne(ctx context.Context, id string) error {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	stage := snapshot.StageCreate
	switch rec.Status {
	case snapshot.StatusCreating:
	case snapshot.StatusRestoring:
		stage = snapshot.StageRestore
	default:
		return nil
	}
	from := rec.Status
	if err := snapshot.Transition(rec, snapshot.StatusFailed); err != nil {
		return err
	}
	rec.FailureStage = stage
	rec.FailureDetail = "interrupted"
	rec.UpdatedAt = m.now()
	if stage == snapshot.StageRestore && rec.RestoreCompletedAt == nil {
		rec.RestoreCompletedAt = &rec.UpdatedAt
	}
	if err := m.store.UpdateFrom(ctx, rec, from); err != nil {
		return fmt.Errorf("recovering snapshot %s: %w", rec.ID, err)
	}
	m.record(audit.EntrySnapshotRecovered, rec, "interrupted during "+string(stage), nil)
	log.Warn("recovered interrupted snapshot", "snapshot_id", rec.ID, "stage", stage)
	return nil
}

// raced reports a conditional update lost to another process as the error
// the caller would have got had it read the record a moment later.
func (m *Manager) raced(ctx context.Context, id, op string) error {
	cur, err := m.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: %s", storage.ErrStatusChanged, id)
	}
	if cur.Status.InFlight() {
		return fmt.Errorf("%w: %s", ErrRestoreInProgress, id)
	}
	return stateError(cur, op)
}

// record appends an audit event. Audit failures are logged, never returned:
// the snapshot record is the source of truth.
func (m *Manager) record(t audit.EntryType, s *snapshot.Snapshot, detail string, duration *float64) {
	if m.auditor == nil {
		return
	}
	ev := audit.SnapshotEvent{
		SnapshotID:      s.ID,
		ExecutionID:     s.ExecutionID,
		Platform:        string(s.Platform),
		Status:          string(s.Status),
		Detail:          detail,
		DurationSeconds: duration,
		HealthPassed:    s.LastHealthCheckPassed,
	}
	if _, err := m.auditor.Append(t, s.ExecutionID, ev); err != nil {
		log.Warn("failed to write audit entry", "type", t, "snapshot_id", s.ID, "error", err)
	}
}

func outcomeOf(err error) string {
	var te *TimeoutError
	switch {
	case errors.As(err, &te):
		return outcomeTimeout
	case errors.Is(err, driver.ErrArtifactCorrupted):
		return outcomeCorrupted
	default:
		return outcomeFailed
	}
}

// targetFor derives probe defaults from a snapshot endpoint, which is either
// a URL or a bare host[:port].
func targetFor(endpoint string) health.Target {
	if endpoint == "" {
		return health.Target{}
	}
	if strings.Contains(endpoint, "://") {
		t := health.Target{BaseURL: endpoint}
		if u, err := url.Parse(endpoint); err == nil {
			t.Host = u.Hostname()
		}
		return t
	}
	host := endpoint
	if h, _, err := net.SplitHostPort(endpoint); err == nil {
		host = h
	}
	return health.Target{BaseURL: "http://" + endpoint, Host: host}
}
