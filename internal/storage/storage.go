// Package storage persists snapshot records in SQLite. It holds no business
// logic: status changes are decided by the caller and written as-is.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration

	"github.com/majorcontext/rewind/internal/health"
	"github.com/majorcontext/rewind/internal/snapshot"
)

// ErrNotFound is returned when a snapshot doesn't exist.
var ErrNotFound = errors.New("snapshot not found")

// ErrExists is returned by Save for an ID that is already stored.
var ErrExists = errors.New("snapshot already exists")

// ErrStatusChanged is returned by UpdateFrom when the stored status is no
// longer the one the caller read.
var ErrStatusChanged = errors.New("snapshot status changed concurrently")

// Store is the SQLite-backed snapshot store.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens or creates a store at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection keeps writes serialized inside SQLite.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring database: %w", err)
	}
	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS snapshots (
			id                       TEXT PRIMARY KEY,
			execution_id             TEXT NOT NULL,
			platform                 TEXT NOT NULL,
			status                   TEXT NOT NULL,
			locator                  TEXT,
			endpoint                 TEXT NOT NULL DEFAULT '',
			checksum                 TEXT NOT NULL DEFAULT '',
			size_bytes               INTEGER NOT NULL DEFAULT 0,
			created_at               TEXT NOT NULL,
			updated_at               TEXT NOT NULL,
			restore_started_at       TEXT,
			restore_completed_at     TEXT,
			restore_duration_seconds REAL,
			restore_attempts         INTEGER NOT NULL DEFAULT 0,
			last_health_passed       INTEGER,
			health_results           TEXT,
			failure_stage            TEXT NOT NULL DEFAULT '',
			failure_detail           TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_snapshots_execution ON snapshots(execution_id);
		CREATE INDEX IF NOT EXISTS idx_snapshots_status ON snapshots(status);
	`)
	if err != nil {
		return fmt.Errorf("creating tables: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const columns = `id, execution_id, platform, status, locator, endpoint, checksum, size_bytes,
	created_at, updated_at, restore_started_at, restore_completed_at, restore_duration_seconds,
	restore_attempts, last_health_passed, health_results, failure_stage, failure_detail`

// Save inserts a new record.
func (s *Store) Save(ctx context.Context, snap *snapshot.Snapshot) error {
	r, err := toRow(snap)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `INSERT INTO snapshots (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.id, r.executionID, r.platform, r.status, r.locator, r.endpoint, r.checksum, r.sizeBytes,
		r.createdAt, r.updatedAt, r.restoreStarted, r.restoreCompleted, r.restoreDuration,
		r.restoreAttempts, r.healthPassed, r.healthResults, r.failureStage, r.failureDetail)
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("%w: %s", ErrExists, snap.ID)
		}
		return fmt.Errorf("inserting snapshot %s: %w", snap.ID, err)
	}
	return nil
}

// Update overwrites every mutable column of an existing record.
func (s *Store) Update(ctx context.Context, snap *snapshot.Snapshot) error {
	return s.update(ctx, snap, "")
}

// UpdateFrom is Update guarded by the status the caller last read: the write
// happens only while the stored status is still from. Another process that
// changed the record in between makes it fail with ErrStatusChanged.
func (s *Store) UpdateFrom(ctx context.Context, snap *snapshot.Snapshot, from snapshot.Status) error {
	return s.update(ctx, snap, from)
}

func (s *Store) update(ctx context.Context, snap *snapshot.Snapshot, from snapshot.Status) error {
	r, err := toRow(snap)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	q := `UPDATE snapshots SET
			status = ?, locator = ?, endpoint = ?, checksum = ?, size_bytes = ?, updated_at = ?,
			restore_started_at = ?, restore_completed_at = ?, restore_duration_seconds = ?,
			restore_attempts = ?, last_health_passed = ?, health_results = ?,
			failure_stage = ?, failure_detail = ?
		WHERE id = ?`
	args := []any{
		r.status, r.locator, r.endpoint, r.checksum, r.sizeBytes, r.updatedAt,
		r.restoreStarted, r.restoreCompleted, r.restoreDuration,
		r.restoreAttempts, r.healthPassed, r.healthResults,
		r.failureStage, r.failureDetail,
		r.id,
	}
	if from != "" {
		q += ` AND status = ?`
		args = append(args, string(from))
	}

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("updating snapshot %s: %w", snap.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating snapshot %s: %w", snap.ID, err)
	}
	if n > 0 {
		return nil
	}
	if from == "" {
		return fmt.Errorf("%w: %s", ErrNotFound, snap.ID)
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM snapshots WHERE id = ?`, snap.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, snap.ID)
	}
	if err != nil {
		return fmt.Errorf("updating snapshot %s: %w", snap.ID, err)
	}
	return fmt.Errorf("%w: %s is %s, expected %s", ErrStatusChanged, snap.ID, current, from)
}

// Get returns the record with the given ID.
func (s *Store) Get(ctx context.Context, id string) (*snapshot.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM snapshots WHERE id = ?`, id)
	snap, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return snap, err
}

// ListByExecution returns the records for one remediation run, oldest first.
func (s *Store) ListByExecution(ctx context.Context, executionID string) ([]*snapshot.Snapshot, error) {
	return s.query(ctx, `SELECT `+columns+` FROM snapshots
		WHERE execution_id = ? ORDER BY created_at, id`, executionID)
}

// ListByStatus returns records in any of statuses. A non-zero createdBefore
// keeps only records created strictly before it.
func (s *Store) ListByStatus(ctx context.Context, createdBefore time.Time, statuses ...snapshot.Status) ([]*snapshot.Snapshot, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(statuses)+1)
	marks := make([]string, len(statuses))
	for i, st := range statuses {
		marks[i] = "?"
		args = append(args, string(st))
	}
	q := `SELECT ` + columns + ` FROM snapshots WHERE status IN (` + strings.Join(marks, ", ") + `)`
	if !createdBefore.IsZero() {
		q += ` AND created_at < ?`
		args = append(args, formatTime(createdBefore))
	}
	q += ` ORDER BY created_at, id`
	return s.query(ctx, q, args...)
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]*snapshot.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying snapshots: %w", err)
	}
	defer rows.Close()

	var out []*snapshot.Snapshot
	for rows.Next() {
		snap, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

type row struct {
	id, executionID, platform, status string
	locator                           sql.NullString
	endpoint, checksum                string
	sizeBytes                         int64
	createdAt, updatedAt              string
	restoreStarted                    sql.NullString
	restoreCompleted                  sql.NullString
	restoreDuration                   sql.NullFloat64
	restoreAttempts                   int
	healthPassed                      sql.NullBool
	healthResults                     sql.NullString
	failureStage, failureDetail       string
}

func toRow(snap *snapshot.Snapshot) (row, error) {
	r := row{
		id:              snap.ID,
		executionID:     snap.ExecutionID,
		platform:        string(snap.Platform),
		status:          string(snap.Status),
		endpoint:        snap.Endpoint,
		checksum:        snap.Checksum,
		sizeBytes:       snap.SizeBytes,
		createdAt:       formatTime(snap.CreatedAt),
		updatedAt:       formatTime(snap.UpdatedAt),
		restoreAttempts: snap.RestoreAttempts,
		failureStage:    string(snap.FailureStage),
		failureDetail:   snap.FailureDetail,
	}
	if snap.Locator != nil {
		if snap.Locator.Kind() != snap.Platform {
			return r, fmt.Errorf("snapshot %s: %s locator on %s record", snap.ID, snap.Locator.Kind(), snap.Platform)
		}
		data, err := snapshot.MarshalLocator(snap.Locator)
		if err != nil {
			return r, err
		}
		r.locator = sql.NullString{String: string(data), Valid: true}
	}
	if snap.RestoreStartedAt != nil {
		r.restoreStarted = sql.NullString{String: formatTime(*snap.RestoreStartedAt), Valid: true}
	}
	if snap.RestoreCompletedAt != nil {
		r.restoreCompleted = sql.NullString{String: formatTime(*snap.RestoreCompletedAt), Valid: true}
	}
	if snap.RestoreDurationSeconds != nil {
		r.restoreDuration = sql.NullFloat64{Float64: *snap.RestoreDurationSeconds, Valid: true}
	}
	if snap.LastHealthCheckPassed != nil {
		r.healthPassed = sql.NullBool{Bool: *snap.LastHealthCheckPassed, Valid: true}
	}
	if snap.HealthResults != nil {
		data, err := json.Marshal(snap.HealthResults)
		if err != nil {
			return r, fmt.Errorf("encoding health results: %w", err)
		}
		r.healthResults = sql.NullString{String: string(data), Valid: true}
	}
	return r, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(sc scanner) (*snapshot.Snapshot, error) {
	var r row
	err := sc.Scan(&r.id, &r.executionID, &r.platform, &r.status, &r.locator, &r.endpoint,
		&r.checksum, &r.sizeBytes, &r.createdAt, &r.updatedAt, &r.restoreStarted,
		&r.restoreCompleted, &r.restoreDuration, &r.restoreAttempts, &r.healthPassed,
		&r.healthResults, &r.failureStage, &r.failureDetail)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning snapshot: %w", err)
	}

	snap := &snapshot.Snapshot{
		ID:              r.id,
		ExecutionID:     r.executionID,
		Platform:        snapshot.PlatformKind(r.platform),
		Status:          snapshot.Status(r.status),
		Endpoint:        r.endpoint,
		Checksum:        r.checksum,
		SizeBytes:       r.sizeBytes,
		RestoreAttempts: r.restoreAttempts,
		FailureStage:    snapshot.FailureStage(r.failureStage),
		FailureDetail:   r.failureDetail,
	}
	if snap.CreatedAt, err = parseTime(r.createdAt); err != nil {
		return nil, err
	}
	if snap.UpdatedAt, err = parseTime(r.updatedAt); err != nil {
		return nil, err
	}
	if r.locator.Valid {
		if snap.Locator, err = snapshot.UnmarshalLocator(snap.Platform, []byte(r.locator.String)); err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", r.id, err)
		}
	}
	if r.restoreStarted.Valid {
		t, err := parseTime(r.restoreStarted.String)
		if err != nil {
			return nil, err
		}
		snap.RestoreStartedAt = &t
	}
	if r.restoreCompleted.Valid {
		t, err := parseTime(r.restoreCompleted.String)
		if err != nil {
			return nil, err
		}
		snap.RestoreCompletedAt = &t
	}
	if r.restoreDuration.Valid {
		d := r.restoreDuration.Float64
		snap.RestoreDurationSeconds = &d
	}
	if r.healthPassed.Valid {
		p := r.healthPassed.Bool
		snap.LastHealthCheckPassed = &p
	}
	if r.healthResults.Valid {
		var results []health.Result
		if err := json.Unmarshal([]byte(r.healthResults.String), &results); err != nil {
			return nil, fmt.Errorf("snapshot %s: decoding health results: %w", r.id, err)
		}
		snap.HealthResults = results
	}
	return snap, nil
}

// Timestamps are stored in UTC with a fixed-width fraction so that string
// comparison in SQL matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

func isConstraint(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY")
}
