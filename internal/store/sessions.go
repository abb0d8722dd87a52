package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/PabloZaiden/ralpher/internal/loop"
)

// SaveSessionMapping upserts the (backend, loopID) -> session binding.
// No engine or manager code writes these bindings; chat recovery
// reattaches the session recorded in the loop's own state
// (loop.State.Session).
func (s *Store) SaveSessionMapping(ctx context.Context, m loop.SessionMapping) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO session_mappings (backend, loop_id, session_id, server_url, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(backend, loop_id) DO UPDATE SET
			session_id=excluded.session_id, server_url=excluded.server_url`,
		m.Backend, m.LoopID, m.SessionID, m.ServerURL, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("saving session mapping for loop %s: %w", m.LoopID, err)
	}
	return nil
}

// GetSessionMapping returns the binding for (backend, loopID), or
// ErrNotFound.
func (s *Store) GetSessionMapping(ctx context.Context, backend, loopID string) (loop.SessionMapping, error) {
	var m loop.SessionMapping
	err := s.db.QueryRowContext(ctx,
		`SELECT backend, loop_id, session_id, server_url, created_at FROM session_mappings
			WHERE backend = ? AND loop_id = ?`, backend, loopID).
		Scan(&m.Backend, &m.LoopID, &m.SessionID, &m.ServerURL, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return loop.SessionMapping{}, ErrNotFound
	}
	if err != nil {
		return loop.SessionMapping{}, fmt.Errorf("loading session mapping for loop %s: %w", loopID, err)
	}
	return m, nil
}

// ListSessionMappings returns every session binding recorded for a
// backend. Startup recovery does not read it.
func (s *Store) ListSessionMappings(ctx context.Context, backend string) ([]loop.SessionMapping, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT backend, loop_id, session_id, server_url, created_at FROM session_mappings WHERE backend = ?`, backend)
	if err != nil {
		return nil, fmt.Errorf("listing session mappings for backend %s: %w", backend, err)
	}
	defer rows.Close()

	var out []loop.SessionMapping
	for rows.Next() {
		var m loop.SessionMapping
		if err := rows.Scan(&m.Backend, &m.LoopID, &m.SessionID, &m.ServerURL, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteSessionMapping removes a single (backend, loopID) binding.
func (s *Store) DeleteSessionMapping(ctx context.Context, backend, loopID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM session_mappings WHERE backend = ? AND loop_id = ?", backend, loopID)
	if err != nil {
		return fmt.Errorf("deleting session mapping for loop %s: %w", loopID, err)
	}
	return nil
}
