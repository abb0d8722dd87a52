package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/PabloZaiden/ralpher/internal/loop"
)

// workspaceColumns is the static allow-list of column names used to build
// the workspace upsert; never synthesized from caller input, per
// component design §4.1/§9's dynamic-column-whitelisting requirement.
var workspaceColumns = []string{
	"id", "name", "directory", "server_mode", "server_hostname",
	"server_port", "server_use_tls", "server_insecure_tls",
	"created_at", "updated_at", "last_connected_at",
}

// SaveWorkspace upserts w on its primary key id.
func (s *Store) SaveWorkspace(ctx context.Context, w loop.Workspace) error {
	query := fmt.Sprintf(`INSERT INTO workspaces (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, directory=excluded.directory,
			server_mode=excluded.server_mode, server_hostname=excluded.server_hostname,
			server_port=excluded.server_port, server_use_tls=excluded.server_use_tls,
			server_insecure_tls=excluded.server_insecure_tls,
			updated_at=excluded.updated_at, last_connected_at=excluded.last_connected_at`,
		joinColumns(workspaceColumns))

	_, err := s.db.ExecContext(ctx, query,
		w.ID, w.Name, w.Directory, string(w.ServerSettings.Mode), w.ServerSettings.Hostname,
		w.ServerSettings.Port, w.ServerSettings.UseTLS, w.ServerSettings.InsecureTLS,
		w.CreatedAt, w.UpdatedAt, w.LastConnectedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: directory %q already owns a workspace", ErrConflict, w.Directory)
		}
		return fmt.Errorf("saving workspace %s: %w", w.ID, err)
	}
	return nil
}

func scanWorkspace(row interface {
	Scan(dest ...any) error
}) (loop.Workspace, error) {
	var w loop.Workspace
	var mode string
	var lastConnected sql.NullTime
	err := row.Scan(&w.ID, &w.Name, &w.Directory, &mode, &w.ServerSettings.Hostname,
		&w.ServerSettings.Port, &w.ServerSettings.UseTLS, &w.ServerSettings.InsecureTLS,
		&w.CreatedAt, &w.UpdatedAt, &lastConnected)
	if err != nil {
		return loop.Workspace{}, err
	}
	w.ServerSettings.Mode = loop.ServerMode(mode)
	if lastConnected.Valid {
		w.LastConnectedAt = &lastConnected.Time
	}
	return w, nil
}

const workspaceSelectCols = `id, name, directory, server_mode, server_hostname,
	server_port, server_use_tls, server_insecure_tls, created_at, updated_at, last_connected_at`

// GetWorkspace returns a workspace by id, or ErrNotFound.
func (s *Store) GetWorkspace(ctx context.Context, id string) (loop.Workspace, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+workspaceSelectCols+" FROM workspaces WHERE id = ?", id)
	w, err := scanWorkspace(row)
	if err == sql.ErrNoRows {
		return loop.Workspace{}, ErrNotFound
	}
	if err != nil {
		return loop.Workspace{}, fmt.Errorf("loading workspace %s: %w", id, err)
	}
	return w, nil
}

// GetWorkspaceByDirectory returns the workspace owning dir, or ErrNotFound.
func (s *Store) GetWorkspaceByDirectory(ctx context.Context, dir string) (loop.Workspace, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+workspaceSelectCols+" FROM workspaces WHERE directory = ?", dir)
	w, err := scanWorkspace(row)
	if err == sql.ErrNoRows {
		return loop.Workspace{}, ErrNotFound
	}
	if err != nil {
		return loop.Workspace{}, fmt.Errorf("loading workspace for directory %s: %w", dir, err)
	}
	return w, nil
}

// ListWorkspaces returns every workspace, ordered by createdAt descending.
func (s *Store) ListWorkspaces(ctx context.Context) ([]loop.Workspace, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+workspaceSelectCols+" FROM workspaces ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("listing workspaces: %w", err)
	}
	defer rows.Close()

	var out []loop.Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// DeleteWorkspace removes a workspace and cascades to its loops, session
// mappings, and review comments via the foreign-key ON DELETE CASCADE
// clauses migration 1 declares.
func (s *Store) DeleteWorkspace(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM workspaces WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting workspace %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func joinColumns(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
