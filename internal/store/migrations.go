package store

import (
	"context"
	"fmt"
	"time"
)

// migration is one numbered, idempotent schema step. Statements use
// CREATE TABLE/INDEX IF NOT EXISTS so re-running a migration that already
// applied is a no-op even without the schema_migrations guard.
type migration struct {
	version    int
	name       string
	statements []string
}

// migrations is append-only: the base schema is migration 1, and every
// later change is additive, per component design §9's "do not duplicate
// base schema and migrations" note.
var migrations = []migration{
	{
		version: 1,
		name:    "base_schema",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS workspaces (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				directory TEXT NOT NULL UNIQUE,
				server_mode TEXT NOT NULL,
				server_hostname TEXT NOT NULL DEFAULT '',
				server_port INTEGER NOT NULL DEFAULT 0,
				server_use_tls INTEGER NOT NULL DEFAULT 0,
				server_insecure_tls INTEGER NOT NULL DEFAULT 0,
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL,
				last_connected_at TIMESTAMP
			)`,
			`CREATE TABLE IF NOT EXISTS loops (
				id TEXT PRIMARY KEY,
				workspace_id TEXT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
				name TEXT NOT NULL,
				directory TEXT NOT NULL,
				mode TEXT NOT NULL,
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL,
				prompt TEXT NOT NULL,
				stop_pattern TEXT NOT NULL,
				max_iterations INTEGER NOT NULL,
				max_consecutive_errors INTEGER NOT NULL,
				activity_timeout_seconds INTEGER NOT NULL,
				model_provider_id TEXT NOT NULL DEFAULT '',
				model_id TEXT NOT NULL DEFAULT '',
				model_variant TEXT NOT NULL DEFAULT '',
				branch_prefix TEXT NOT NULL DEFAULT '',
				commit_scope TEXT NOT NULL DEFAULT '',
				base_branch TEXT NOT NULL DEFAULT '',
				plan_mode INTEGER NOT NULL DEFAULT 0,
				clear_planning_folder INTEGER NOT NULL DEFAULT 0,
				state_json TEXT NOT NULL DEFAULT '{}'
			)`,
			`CREATE INDEX IF NOT EXISTS idx_loops_workspace ON loops(workspace_id)`,
			`CREATE TABLE IF NOT EXISTS session_mappings (
				backend TEXT NOT NULL,
				loop_id TEXT NOT NULL REFERENCES loops(id) ON DELETE CASCADE,
				session_id TEXT NOT NULL,
				server_url TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP NOT NULL,
				PRIMARY KEY (backend, loop_id)
			)`,
			`CREATE TABLE IF NOT EXISTS review_comments (
				id TEXT PRIMARY KEY,
				loop_id TEXT NOT NULL REFERENCES loops(id) ON DELETE CASCADE,
				review_cycle INTEGER NOT NULL,
				text TEXT NOT NULL,
				status TEXT NOT NULL,
				created_at TIMESTAMP NOT NULL,
				addressed_at TIMESTAMP
			)`,
			`CREATE INDEX IF NOT EXISTS idx_review_comments_loop ON review_comments(loop_id)`,
		},
	},
}

// migrate runs every migration whose version is not yet recorded in
// schema_migrations, each inside its own transaction.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP NOT NULL
	)`); err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := s.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("reading schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	rows.Close()

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		for _, stmt := range m.statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
			m.version, m.name, time.Now().UTC()); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", m.version, err)
		}
	}
	return nil
}
