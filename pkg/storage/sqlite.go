// Package storage persists documents and settings in SQLite.
package storage

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed schema.sql
var schemaSQL string

// Store manages SQLite database operations
type Store struct {
	db         *sql.DB
	now        func() time.Time
	observers  []Observer
	observerMu sync.RWMutex
}

// ErrStoreClosed indicates the underlying database connection is unavailable.
var ErrStoreClosed = errors.New("storage: closed")

// New opens or creates the database at dbPath and applies pending migrations.
// ":memory:" gives a private in-memory database.
func New(dbPath string) (*Store, error) {
	filePath, onDisk := sqliteFilePathFromDSN(dbPath)
	if onDisk {
		// Documents are private; default to owner-only permissions.
		if dir := filepath.Dir(filePath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		if err := ensurePrivateSQLiteFile(filePath); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if onDisk {
		// WAL allows concurrent readers alongside the single writer.
		db.SetMaxOpenConns(8)
		db.SetMaxIdleConns(4)
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	} else {
		// Every connection to ":memory:" is a different database.
		db.SetMaxOpenConns(1)
	}
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// sqliteFilePathFromDSN returns the on-disk path a DSN refers to, or false
// for in-memory and non-file DSNs.
func sqliteFilePathFromDSN(dsn string) (string, bool) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "", dsn == ":memory:":
		return "", false
	case strings.HasPrefix(dsn, "file:"):
		u, err := url.Parse(dsn)
		if err != nil || u.Query().Get("mode") == "memory" {
			return "", false
		}
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		path = strings.TrimSpace(path)
		return path, path != "" && path != ":memory:"
	case strings.Contains(dsn, "://"):
		return "", false
	}
	return dsn, true
}

// ensurePrivateSQLiteFile creates path with owner-only permissions unless it
// already exists.
func ensurePrivateSQLiteFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	switch {
	case err == nil:
		return f.Close()
	case os.IsExist(err):
		return nil
	default:
		return fmt.Errorf("create db file: %w", err)
	}
}

// Close closes the database connection
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying database connection
func (s *Store) DB() *sql.DB {
	return s.db
}

// AddObserver registers a new observer that will receive storage events.
func (s *Store) AddObserver(observer Observer) {
	s.observerMu.Lock()
	s.observers = append(s.observers, observer)
	s.observerMu.Unlock()
}

// notify fans out events to observers without blocking the writer.
func (s *Store) notify(event Event) {
	s.observerMu.RLock()
	observers := append([]Observer(nil), s.observers...)
	s.observerMu.RUnlock()

	for _, observer := range observers {
		go observer.HandleStorageEvent(event)
	}
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC()
}

// migration is one schema step. Steps run inside a transaction together
// with their schema_migrations row.
type migration struct {
	Version int
	Name    string
	Apply   func(tx *sql.Tx) error
}

var migrations = []migration{
	{1, "initial_schema", func(*sql.Tx) error { return nil }},
	{2, "documents_last_opened", addColumn("documents", "last_opened_at", "TIMESTAMP")},
	{3, "documents_updated_index", execStep(`CREATE INDEX IF NOT EXISTS idx_documents_updated ON documents(updated_at DESC)`)},
}

func execStep(stmt string) func(*sql.Tx) error {
	return func(tx *sql.Tx) error {
		_, err := tx.Exec(stmt)
		return err
	}
}

// addColumn adds a column unless a database created from a newer schema.sql
// already has it.
func addColumn(table, column, decl string) func(*sql.Tx) error {
	return func(tx *sql.Tx) error {
		var n int
		err := tx.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n)
		if err != nil {
			return fmt.Errorf("inspect %s: %w", table, err)
		}
		if n > 0 {
			return nil
		}
		_, err = tx.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, decl))
		return err
	}
}

func runMigrations(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("apply base schema: %w", err)
	}
	current, err := getSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}
	}
	return nil
}

func applyMigration(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := m.Apply(tx); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version, name) VALUES (?, ?)`, m.Version, m.Name); err != nil {
		return err
	}
	return tx.Commit()
}

func getSchemaVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version)
	return version, err
}

// GetSchemaVersion returns the highest applied migration.
func (s *Store) GetSchemaVersion() (int, error) {
	return getSchemaVersion(s.db)
}

// AppliedMigration is one row of schema_migrations.
type AppliedMigration struct {
	Version   int
	Name      string
	AppliedAt string
}

// GetMigrationHistory lists applied migrations in version order.
func (s *Store) GetMigrationHistory() ([]AppliedMigration, error) {
	rows, err := s.db.Query(`SELECT version, name, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []AppliedMigration
	for rows.Next() {
		var h AppliedMigration
		if err := rows.Scan(&h.Version, &h.Name, &h.AppliedAt); err != nil {
			return nil, err
		}
		history = append(history, h)
	}
	return history, rows.Err()
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	return false
}

// withBusyRetry retries fn while SQLite reports the database as locked.
func withBusyRetry(fn func() error) error {
	backoff := 10 * time.Millisecond
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		if err = fn(); !isBusyError(err) {
			return err
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	return err
}
