package rollback

import (
	"context"
	"errors"
	"time"

	"github.com/majorcontext/rewind/internal/audit"
	"github.com/majorcontext/rewind/internal/log"
	"github.com/majorcontext/rewind/internal/snapshot"
	"github.com/majorcontext/rewind/internal/storage"
)

// retainable are the statuses the retention sweep may expire.
var retainable = []snapshot.Status{snapshot.StatusReady, snapshot.StatusFailed}

// ListExpired returns Ready and Failed snapshots created more than olderThan ago.
func (m *Manager) ListExpired(ctx context.Context, olderThan time.Duration) ([]*snapshot.Snapshot, error) {
	return m.store.ListByStatus(ctx, m.now().Add(-olderThan), retainable...)
}

// Sweep marks every snapshot past the retention window Expired and returns
// how many it changed. Snapshots busy in another call are skipped and picked
// up by the next sweep.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.cfg.Retention)
	candidates, err := m.store.ListByStatus(ctx, cutoff, retainable...)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		unlock, ok := m.locks.tryLock(c.ID)
		if !ok {
			continue
		}
		changed, err := m.expire(ctx, c.ID, cutoff)
		unlock()
		if err != nil {
			return expired, err
		}
		if changed {
			expired++
		}
	}
	if expired > 0 {
		log.Info("retention sweep expired snapshots", "count", expired, "cutoff", cutoff)
	}
	return expired, nil
}

func (m *Manager) expire(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if rec.Status != snapshot.StatusReady && rec.Status != snapshot.StatusFailed {
		return false, nil
	}
	if !rec.CreatedAt.Before(cutoff) {
		return false, nil
	}
	from := rec.Status
	if err := snapshot.Transition(rec, snapshot.StatusExpired); err != nil {
		return false, err
	}
	rec.UpdatedAt = m.now()
	if err := m.store.UpdateFrom(ctx, rec, from); err != nil {
		if errors.Is(err, storage.ErrStatusChanged) {
			// Another process took it; the next sweep looks again.
			return false, nil
		}
		return false, err
	}
	m.record(audit.EntrySnapshotExpired, rec, "", nil)
	return true, nil
}

// RunRetention sweeps immediately and then every SweepInterval until ctx
// ends. Sweep errors are logged and the loop continues.
func (m *Manager) RunRetention(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
			log.Error("retention sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
