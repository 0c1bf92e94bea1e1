package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hyperengineering/pantry/internal/types"
	_ "modernc.org/sqlite"
)

const (
	memoryPath = ":memory:"
	// Fixed width so stored timestamps compare correctly as text.
	timeFormat = "2006-01-02T15:04:05.000000000Z07:00"
)

// SQLiteStore is the embedded local document store. It holds the replicated
// collections, the outbox of unconfirmed local mutations, per-collection
// checkpoints and the cached session.
type SQLiteStore struct {
	path string
	now  func() time.Time

	mu   sync.RWMutex // guards db across Reset
	db   *sql.DB
	subs *subscribers
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) {
		s.now = now
	}
}

// NewSQLiteStore opens (or creates) the local store at dbPath.
// It initializes the database with WAL mode, applies pragmas, and runs migrations.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	s := &SQLiteStore{
		path: dbPath,
		now:  func() time.Time { return time.Now().UTC() },
		subs: newSubscribers(),
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := openDB(dbPath)
	if err != nil {
		return nil, err
	}
	s.db = db
	return s, nil
}

func openDB(dbPath string) (*sql.DB, error) {
	if dbPath != memoryPath {
		if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection serialises every write, which is the outbox's
	// single-writer discipline. Never query s.db while holding a tx.
	db.SetMaxOpenConns(1)

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

// enablePragmas sets SQLite pragmas for durability and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection and all subscriptions.
func (s *SQLiteStore) Close() error {
	s.subs.closeAll()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) conn() *sql.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db
}

// IntegrityCheck runs SQLite's integrity check. A failing check returns
// ErrCorrupt; the store must then be Reset.
func (s *SQLiteStore) IntegrityCheck(ctx context.Context) error {
	var result string
	if err := s.conn().QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if result != "ok" {
		return fmt.Errorf("%w: %s", ErrCorrupt, result)
	}
	return nil
}

// Reset discards the local database and recreates it empty. Local data that
// never reached the remote is lost; the remote stays authoritative.
// Replication must be stopped before calling Reset.
func (s *SQLiteStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}

	if s.path != memoryPath {
		for _, suffix := range []string{"", "-wal", "-shm"} {
			if err := os.Remove(s.path + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("remove database file: %w", err)
			}
		}
	}

	db, err := openDB(s.path)
	if err != nil {
		return err
	}
	s.db = db
	return nil
}

// Stats returns local store statistics.
func (s *SQLiteStore) Stats(ctx context.Context) (*types.StoreStats, error) {
	db := s.conn()
	stats := &types.StoreStats{
		Documents:   make(map[string]int64),
		Checkpoints: make(map[string]int64),
	}

	rows, err := db.QueryContext(ctx, `
		SELECT collection, COUNT(*) FROM documents
		WHERE deleted_at IS NULL
		GROUP BY collection
	`)
	if err != nil {
		return nil, fmt.Errorf("count documents: %w", err)
	}
	for rows.Next() {
		var collection string
		var n int64
		if err := rows.Scan(&collection, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan document count: %w", err)
		}
		stats.Documents[collection] = n
	}
	rows.Close()

	rows, err = db.QueryContext(ctx, `SELECT collection, cursor FROM checkpoints`)
	if err != nil {
		return nil, fmt.Errorf("read checkpoints: %w", err)
	}
	for rows.Next() {
		var collection string
		var cursor int64
		if err := rows.Scan(&collection, &cursor); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		stats.Checkpoints[collection] = cursor
	}
	rows.Close()

	var oldest sql.NullString
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(queued_at) FROM outbox`).Scan(&stats.PendingOutbox, &oldest); err != nil {
		return nil, fmt.Errorf("count outbox: %w", err)
	}
	if oldest.Valid {
		if t, err := time.Parse(timeFormat, oldest.String); err == nil {
			stats.OldestPending = &t
		}
	}

	if s.path != memoryPath {
		if info, err := os.Stat(s.path); err == nil {
			stats.DatabaseBytes = info.Size()
		}
	}

	return stats, nil
}

func (s *SQLiteStore) timestamp() string {
	return s.now().UTC().Format(timeFormat)
}

func parseTime(v string) time.Time {
	t, _ := time.Parse(timeFormat, v)
	return t
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
