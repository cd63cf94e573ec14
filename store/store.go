// Package store is the metadata store: a thin wrapper around
// database/sql backed by SQLite, plus the entity-specific queries the
// scan, backup, and garbage-collection engines need. It owns all durable
// state — objects, their relations, the filesystem shadow tree,
// snapshots, and process-wide settings.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Options describes the SQLite connection-level settings. Zero values
// pick sensible defaults.
type Options struct {
	// JournalMode defaults to WAL.
	JournalMode string
	// Synchronous defaults to NORMAL.
	Synchronous string
	// BusyTimeout defaults to 5s.
	BusyTimeout time.Duration
	// TxLock controls the acquisition mode BEGIN takes for every
	// transaction opened on this connection pool. Defaults to
	// "immediate" — §4.C requires the writer lock be taken on BEGIN,
	// not lazily upgraded, to avoid writer-vs-reader deadlocks.
	TxLock string
}

// Store is the metadata store. A Store owns exactly one *sql.DB; the
// metadata store is single-writer, readers may interleave (§5).
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and opens the SQLite-backed metadata store at
// path, applying pragmas and running the schema migration.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	if path == "" {
		return nil, errors.New("store: empty path")
	}

	journal := opts.JournalMode
	if journal == "" {
		journal = "WAL"
	}
	sync := opts.Synchronous
	if sync == "" {
		sync = "NORMAL"
	}
	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	txlock := opts.TxLock
	if txlock == "" {
		txlock = "immediate"
	}

	dsn := fmt.Sprintf("file:%s?_txlock=%s", path, txlock)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	// The metadata store is single-writer; one connection avoids
	// SQLITE_BUSY churn between pooled connections fighting for the
	// same write lock.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		fmt.Sprintf("PRAGMA journal_mode=%s", journal),
		fmt.Sprintf("PRAGMA synchronous=%s", sync),
		fmt.Sprintf("PRAGMA busy_timeout=%d", busy.Milliseconds()),
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: apply %s: %w", p, err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Underlying exposes the raw *sql.DB for callers that need it (tests,
// migrations).
func (s *Store) Underlying() *sql.DB { return s.db }

// BeginImmediate opens a transaction. Because the store's connection
// pool is opened with _txlock=immediate, every BEGIN acquires the writer
// lock up front rather than lazily upgrading on first write.
func (s *Store) BeginImmediate(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// Analyze refreshes the query planner's statistics. Called after large
// batch mutations (end of scan, end of backup) per §4.C/§4.F/§4.E.
func (s *Store) Analyze(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "ANALYZE")
	if err != nil {
		return fmt.Errorf("store: analyze: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS objects (
	objid BLOB PRIMARY KEY,
	type INTEGER NOT NULL,
	payload BLOB,
	file_size INTEGER,
	last_modified_time INTEGER
);
CREATE TABLE IF NOT EXISTS object_relations (
	parent BLOB NOT NULL REFERENCES objects(objid) ON DELETE CASCADE,
	child  BLOB NOT NULL REFERENCES objects(objid) ON DELETE CASCADE,
	name   TEXT,
	UNIQUE(parent, child)
);
CREATE TABLE IF NOT EXISTS fsentry (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	obj BLOB REFERENCES objects(objid) ON DELETE SET NULL,
	path TEXT NOT NULL UNIQUE,
	parent INTEGER REFERENCES fsentry(id) ON DELETE CASCADE,
	new BOOLEAN NOT NULL DEFAULT 1,
	st_mode INTEGER,
	st_mtime_ns INTEGER,
	st_size INTEGER
);
CREATE INDEX IF NOT EXISTS idx_fsentry_new ON fsentry(new);
CREATE INDEX IF NOT EXISTS idx_fsentry_parent ON fsentry(parent);
CREATE TABLE IF NOT EXISTS snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	path TEXT NOT NULL,
	root BLOB NOT NULL REFERENCES objects(objid),
	date DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_date ON snapshots(date);
CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}
