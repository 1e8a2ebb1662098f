package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// migration is a numbered schema change. Migrations are applied in order
// and tracked in the schema_migrations table so each runs exactly once.
type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS settings (
    key         TEXT PRIMARY KEY,
    value       TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS apps (
    app_id      TEXT PRIMARY KEY,
    updated_ms  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS app_urls (
    app_id       TEXT NOT NULL REFERENCES apps(app_id) ON DELETE CASCADE,
    hostname     TEXT NOT NULL,
    canonical    BOOLEAN NOT NULL DEFAULT FALSE,
    last_seen_ms INTEGER NOT NULL,
    PRIMARY KEY (app_id, hostname)
);
CREATE INDEX IF NOT EXISTS app_urls_hostname ON app_urls(hostname);
CREATE TABLE IF NOT EXISTS branches (
    app_id       TEXT NOT NULL,
    version_id   TEXT NOT NULL,
    scraped_name TEXT,
    display_name TEXT,
    color        TEXT,
    updated_ms   INTEGER NOT NULL,
    PRIMARY KEY (app_id, version_id)
);
CREATE TABLE IF NOT EXISTS group_mappings (
    group_id     INTEGER PRIMARY KEY,
    app_id       TEXT NOT NULL,
    version_id   TEXT NOT NULL,
    window_id    INTEGER NOT NULL,
    last_seen_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS group_mappings_identity ON group_mappings(app_id, version_id, window_id);
CREATE TABLE IF NOT EXISTS extension_groups (
    group_id    INTEGER PRIMARY KEY,
    created_ms  INTEGER NOT NULL
);`,
	},
}

// SchemaVersion is the version of the newest migration.
func SchemaVersion() int {
	return migrations[len(migrations)-1].Version
}

// OpenDB opens (or creates) a SQLite database at the given path.
// It creates parent directories if needed, enables foreign keys and WAL mode,
// and runs any pending migrations.
func OpenDB(path string) (*sql.DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create directory %s: %w", dir, err)
	}

	// Pragmas in the DSN apply to every pooled connection.
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer at a time; transactions never nest.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

// runMigrations ensures the schema_migrations table exists and runs any
// pending migrations in order.
func runMigrations(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version     INTEGER PRIMARY KEY,
		description TEXT NOT NULL,
		applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", m.Version).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if exists > 0 {
			continue
		}

		if _, err := db.Exec(m.SQL); err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := db.Exec(
			"INSERT INTO schema_migrations (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// DefaultDBPath returns the default database file path:
// ~/.local/share/bubblegroups/bubblegroups.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "bubblegroups", "bubblegroups.db"), nil
}

// Store is the durable state of the organizer: group mappings, branch and
// app data, settings and the set of groups the organizer created.
type Store struct {
	db            *sql.DB
	locks         keyLocks
	now           func() time.Time
	previewSuffix string
	domainCap     int
	groupingOn    bool
}

const (
	DefaultPreviewSuffix   = "bubbleapps.io"
	DefaultCustomDomainCap = 5
)

// New wraps an open database.
func New(db *sql.DB) *Store {
	return &Store{
		db:            db,
		locks:         keyLocks{m: make(map[string]*keyLock)},
		now:           time.Now,
		previewSuffix: DefaultPreviewSuffix,
		domainCap:     DefaultCustomDomainCap,
		groupingOn:    true,
	}
}

// WithPreviewSuffix sets the platform domain canonical app hosts live under.
func (s *Store) WithPreviewSuffix(suffix string) *Store {
	if suffix != "" {
		s.previewSuffix = suffix
	}
	return s
}

// WithCustomDomainCap sets how many non-canonical hosts an app keeps.
func (s *Store) WithCustomDomainCap(n int) *Store {
	if n > 0 {
		s.domainCap = n
	}
	return s
}

// WithGroupingDefault sets the grouping flag reported before one is persisted.
func (s *Store) WithGroupingDefault(enabled bool) *Store {
	s.groupingOn = enabled
	return s
}

// WithClock replaces the store's time source. Used by tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// DB returns the underlying database.
func (s *Store) DB() *sql.DB {
	return s.db
}

type keyLock struct {
	sync.Mutex
	refs int
}

// keyLocks serializes writers per key. Entries are dropped once nobody holds
// or waits on them.
type keyLocks struct {
	mu sync.Mutex
	m  map[string]*keyLock
}

func (k *keyLocks) lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.m[key]
	if !ok {
		l = &keyLock{}
		k.m[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.m, key)
		}
		k.mu.Unlock()
	}
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
