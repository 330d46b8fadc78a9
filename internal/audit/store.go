package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration
)

// ErrNotFound is returned when an entry doesn't exist.
var ErrNotFound = errors.New("entry not found")

// Store provides tamper-evident log storage using SQLite. Several processes
// may append to the same file; each append reads the chain head inside its
// own write transaction.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenStore opens or creates a log store at the given path.
func OpenStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating audit directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
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
		CREATE TABLE IF NOT EXISTS entries (
			seq          INTEGER PRIMARY KEY,
			ts           TEXT NOT NULL,
			type         TEXT NOT NULL,
			execution_id TEXT NOT NULL,
			prev_hash    TEXT NOT NULL,
			data         TEXT NOT NULL,
			hash         TEXT NOT NULL UNIQUE
		);
		CREATE INDEX IF NOT EXISTS idx_entries_type ON entries(type);
		CREATE INDEX IF NOT EXISTS idx_entries_execution ON entries(execution_id);
	`)
	if err != nil {
		return fmt.Errorf("creating tables: %w", err)
	}
	return nil
}

func lastEntry(ctx context.Context, conn *sql.Conn) (uint64, string, error) {
	var seq uint64
	var hash string
	err := conn.QueryRowContext(ctx, `
		SELECT seq, hash FROM entries ORDER BY seq DESC LIMIT 1
	`).Scan(&seq, &hash)
	if err == sql.ErrNoRows {
		return 0, "", nil // Empty store
	}
	if err != nil {
		return 0, "", fmt.Errorf("loading last entry: %w", err)
	}
	return seq, hash, nil
}

// Append adds a new entry to the store, returning the created entry.
func (s *Store) Append(entryType EntryType, executionID string, data any) (entry *Entry, err error) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshaling data: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := context.Background()
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Close()

	// IMMEDIATE takes the write lock before the head is read, so no other
	// process can append between the read and the insert.
	if _, err := conn.ExecContext(ctx, `BEGIN IMMEDIATE`); err != nil {
		return nil, fmt.Errorf("starting append: %w", err)
	}
	defer func() {
		if err != nil {
			_, _ = conn.ExecContext(ctx, `ROLLBACK`)
		}
	}()

	lastSeq, lastHash, err := lastEntry(ctx, conn)
	if err != nil {
		return nil, err
	}
	entry = NewEntry(lastSeq+1, lastHash, entryType, executionID, data)

	_, err = conn.ExecContext(ctx, `
		INSERT INTO entries (seq, ts, type, execution_id, prev_hash, data, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, entry.Sequence, entry.Timestamp.Format(time.RFC3339Nano),
		entry.Type, entry.ExecutionID, entry.PrevHash, string(dataJSON), entry.Hash)
	if err != nil {
		return nil, fmt.Errorf("inserting entry: %w", err)
	}
	if _, err = conn.ExecContext(ctx, `COMMIT`); err != nil {
		return nil, fmt.Errorf("committing entry: %w", err)
	}
	return entry, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get retrieves an entry by sequence number.
func (s *Store) Get(seq uint64) (*Entry, error) {
	row := s.db.QueryRow(`
		SELECT seq, ts, type, execution_id, prev_hash, data, hash
		FROM entries WHERE seq = ?
	`, seq)

	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

// Count returns the total number of entries.
func (s *Store) Count() (uint64, error) {
	var count uint64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM entries`).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting entries: %w", err)
	}
	return count, nil
}

// ByExecution returns the entries tagged with executionID in sequence order.
func (s *Store) ByExecution(executionID string) ([]*Entry, error) {
	return s.query(`
		SELECT seq, ts, type, execution_id, prev_hash, data, hash
		FROM entries WHERE execution_id = ?
		ORDER BY seq
	`, executionID)
}

// Range retrieves entries from startSeq to endSeq (inclusive).
func (s *Store) Range(startSeq, endSeq uint64) ([]*Entry, error) {
	return s.query(`
		SELECT seq, ts, type, execution_id, prev_hash, data, hash
		FROM entries WHERE seq >= ? AND seq <= ?
		ORDER BY seq
	`, startSeq, endSeq)
}

func (s *Store) query(q string, args ...any) ([]*Entry, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (*Entry, error) {
	var e Entry
	var tsStr, dataStr string
	err := sc.Scan(&e.Sequence, &tsStr, &e.Type, &e.ExecutionID, &e.PrevHash, &dataStr, &e.Hash)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning entry: %w", err)
	}

	e.Timestamp, err = time.Parse(time.RFC3339Nano, tsStr)
	if err != nil {
		return nil, fmt.Errorf("entry %d: parsing timestamp: %w", e.Sequence, err)
	}
	e.dataJSON = []byte(dataStr)
	if err := json.Unmarshal(e.dataJSON, &e.Data); err != nil {
		return nil, fmt.Errorf("entry %d: decoding data: %w", e.Sequence, err)
	}
	return &e, nil
}
