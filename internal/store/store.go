// Package store is the Persistence Store: a single embedded SQLite
// database file holding workspaces, loops, session mappings, and review
// comments, grounded on kadirpekel-hector's v2/session.SQLSessionService
// (mattn/go-sqlite3, upsert-via-ON CONFLICT, JSON-blob state columns,
// transactional read-modify-write) but narrowed to the single sqlite3
// driver only — ralpherd is explicitly single-node/single-database, so
// the mysql/postgres drivers hector's store also blank-imports have no
// SPEC_FULL.md component to serve and are not wired here.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Sentinel errors surfaced to callers, per component design §4.1.
var (
	ErrNotFound      = errors.New("store: not found")
	ErrConflict      = errors.New("store: conflict")
	ErrInvalidColumn = errors.New("store: invalid column")
)

// Store wraps a *sql.DB configured for single-writer embedded use.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the database file at
// <dataDir>/ralpher.db, applies the concurrency pragmas component design
// §4.1 mandates, and runs any pending migrations.
func Open(ctx context.Context, dataDir string) (*Store, error) {
	path := filepath.Join(dataDir, "ralpher.db")
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// the store is effectively single-writer (WAL + busy timeout handle
	// the rest); a single open connection avoids SQLITE_BUSY storms from
	// Go's connection pool trying to write concurrently.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.applyPragmas(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenInMemory opens an in-memory database, used by tests. It uses
// SQLite's shared cache, so every store opened this way in the same
// process sees the same database while any of them is still open.
func OpenInMemory(ctx context.Context) (*Store, error) {
	db, err := sql.Open("sqlite3", "file::memory:?cache=shared&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory database: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) applyPragmas(ctx context.Context) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("applying %q: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Reset drops all entity tables in dependency order, then re-runs
// migrations.
func (s *Store) Reset(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"review_comments", "session_mappings", "loops", "workspaces", "schema_migrations"} {
		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return fmt.Errorf("dropping %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return s.migrate(ctx)
}

// nowUTC is the single source of "current time" for rows this package
// stamps, so tests can reason about ordering without wall-clock flakiness
// being introduced in more than one place.
func nowUTC() time.Time { return time.Now().UTC() }
