// Package lockout tracks per-principal authentication failures and applies
// sliding-window lockout: N failures within window W lock the principal for
// duration L. Records persist across process restarts so an attacker cannot
// reset lockout state by forcing a restart of the enforcement point.
package lockout

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Record holds one principal's failure state.
type Record struct {
	Principal   string
	Failures    int
	WindowStart time.Time
	LockedUntil time.Time
}

// Store persists lockout records. Implementations must be safe for
// concurrent use.
type Store interface {
	// Load returns the record for principal, reporting whether one exists.
	Load(ctx context.Context, principal string) (Record, bool, error)

	// Store upserts the record for principal.
	Store(ctx context.Context, principal string, rec Record) error

	// Delete removes the record for principal. Deleting a missing record
	// is not an error.
	Delete(ctx context.Context, principal string) error

	// List returns all records, for operator tooling.
	List(ctx context.Context) ([]Record, error)

	// Close releases the store's resources.
	Close() error
}

// SQLiteStore persists lockout records in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens or creates the lockout database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode lets the daemon write while operator tooling reads.
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	// Without a busy timeout concurrent writes immediately return SQLITE_BUSY.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS lockouts (
		principal TEXT PRIMARY KEY,
		failures INTEGER NOT NULL DEFAULT 0,
		window_start INTEGER NOT NULL DEFAULT 0,
		locked_until INTEGER NOT NULL DEFAULT 0
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context, principal string) (Record, bool, error) {
	var rec Record
	var windowStart, lockedUntil int64
	err := s.db.QueryRowContext(ctx,
		"SELECT principal, failures, window_start, locked_until FROM lockouts WHERE principal = ?",
		principal,
	).Scan(&rec.Principal, &rec.Failures, &windowStart, &lockedUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("loading lockout record: %w", err)
	}
	rec.WindowStart = unixOrZero(windowStart)
	rec.LockedUntil = unixOrZero(lockedUntil)
	return rec, true, nil
}

// Store implements Store.
func (s *SQLiteStore) Store(ctx context.Context, principal string, rec Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lockouts (principal, failures, window_start, locked_until)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(principal) DO UPDATE SET
			failures = excluded.failures,
			window_start = excluded.window_start,
			locked_until = excluded.locked_until`,
		principal, rec.Failures, zeroOrUnix(rec.WindowStart), zeroOrUnix(rec.LockedUntil))
	if err != nil {
		return fmt.Errorf("storing lockout record: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, principal string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM lockouts WHERE principal = ?", principal); err != nil {
		return fmt.Errorf("deleting lockout record: %w", err)
	}
	return nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT principal, failures, window_start, locked_until FROM lockouts ORDER BY principal")
	if err != nil {
		return nil, fmt.Errorf("listing lockout records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var windowStart, lockedUntil int64
		if err := rows.Scan(&rec.Principal, &rec.Failures, &windowStart, &lockedUntil); err != nil {
			return nil, fmt.Errorf("scanning lockout record: %w", err)
		}
		rec.WindowStart = unixOrZero(windowStart)
		rec.LockedUntil = unixOrZero(lockedUntil)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func unixOrZero(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0)
}

func zeroOrUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// MemoryStore is an in-memory Store for tests and ephemeral deployments.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Load implements Store.
func (m *MemoryStore) Load(_ context.Context, principal string) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[principal]
	return rec, ok, nil
}

// Store implements Store.
func (m *MemoryStore) Store(_ context.Context, principal string, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[principal] = rec
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, principal string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, principal)
	return nil
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	return out, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }
