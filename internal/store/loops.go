package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/PabloZaiden/ralpher/internal/loop"
)

// loopColumns is the static allow-list for the loops table; saveLoop
// never infers its column set from the Loop value's field names, per
// component design §4.1/§9.
var loopColumns = []string{
	"id", "workspace_id", "name", "directory", "mode", "created_at", "updated_at",
	"prompt", "stop_pattern", "max_iterations", "max_consecutive_errors",
	"activity_timeout_seconds", "model_provider_id", "model_id", "model_variant",
	"branch_prefix", "commit_scope", "base_branch", "plan_mode", "clear_planning_folder",
	"state_json",
}

// SaveLoop upserts the full config+state of l on its primary key.
func (s *Store) SaveLoop(ctx context.Context, l loop.Loop) error {
	stateJSON, err := json.Marshal(l.State)
	if err != nil {
		return fmt.Errorf("encoding loop state: %w", err)
	}

	query := fmt.Sprintf(`INSERT INTO loops (%s) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, directory=excluded.directory, mode=excluded.mode,
			updated_at=excluded.updated_at, prompt=excluded.prompt,
			stop_pattern=excluded.stop_pattern, max_iterations=excluded.max_iterations,
			max_consecutive_errors=excluded.max_consecutive_errors,
			activity_timeout_seconds=excluded.activity_timeout_seconds,
			model_provider_id=excluded.model_provider_id, model_id=excluded.model_id,
			model_variant=excluded.model_variant, branch_prefix=excluded.branch_prefix,
			commit_scope=excluded.commit_scope, base_branch=excluded.base_branch,
			plan_mode=excluded.plan_mode, clear_planning_folder=excluded.clear_planning_folder,
			state_json=excluded.state_json`,
		joinColumns(loopColumns))

	c := l.Config
	_, err = s.db.ExecContext(ctx, query,
		c.ID, c.WorkspaceID, c.Name, c.Directory, string(c.Mode), c.CreatedAt, c.UpdatedAt,
		c.Prompt, c.StopPattern, c.MaxIterations, c.MaxConsecutiveErrors,
		c.ActivityTimeoutSeconds, c.Model.ProviderID, c.Model.ModelID, c.Model.Variant,
		c.BranchPrefix, c.CommitScope, c.BaseBranch, c.PlanMode, c.ClearPlanningFolder,
		string(stateJSON))
	if err != nil {
		return fmt.Errorf("saving loop %s: %w", c.ID, err)
	}
	return nil
}

// UpdateLoopState performs a read-modify-write of just the mutable state
// half of a loop inside a transaction, per component design §4.1.
func (s *Store) UpdateLoopState(ctx context.Context, id string, mutate func(*loop.State) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var stateJSON string
	var updatedAt any
	err = tx.QueryRowContext(ctx, "SELECT state_json FROM loops WHERE id = ?", id).Scan(&stateJSON)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("loading state for loop %s: %w", id, err)
	}

	var state loop.State
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		return fmt.Errorf("decoding state for loop %s: %w", id, err)
	}
	if err := mutate(&state); err != nil {
		return err
	}

	newJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding state for loop %s: %w", id, err)
	}

	_, err = tx.ExecContext(ctx, "UPDATE loops SET state_json = ?, updated_at = ? WHERE id = ?", string(newJSON), nowUTC(), id)
	if err != nil {
		return fmt.Errorf("updating state for loop %s: %w", id, err)
	}
	_ = updatedAt
	return tx.Commit()
}

const loopSelectCols = `id, workspace_id, name, directory, mode, created_at, updated_at,
	prompt, stop_pattern, max_iterations, max_consecutive_errors,
	activity_timeout_seconds, model_provider_id, model_id, model_variant,
	branch_prefix, commit_scope, base_branch, plan_mode, clear_planning_folder, state_json`

func scanLoop(row interface{ Scan(dest ...any) error }) (loop.Loop, error) {
	var l loop.Loop
	var mode string
	var stateJSON string
	c := &l.Config
	err := row.Scan(&c.ID, &c.WorkspaceID, &c.Name, &c.Directory, &mode, &c.CreatedAt, &c.UpdatedAt,
		&c.Prompt, &c.StopPattern, &c.MaxIterations, &c.MaxConsecutiveErrors,
		&c.ActivityTimeoutSeconds, &c.Model.ProviderID, &c.Model.ModelID, &c.Model.Variant,
		&c.BranchPrefix, &c.CommitScope, &c.BaseBranch, &c.PlanMode, &c.ClearPlanningFolder,
		&stateJSON)
	if err != nil {
		return loop.Loop{}, err
	}
	c.Mode = loop.Mode(mode)
	if err := json.Unmarshal([]byte(stateJSON), &l.State); err != nil {
		return loop.Loop{}, fmt.Errorf("decoding state for loop %s: %w", c.ID, err)
	}
	return l, nil
}

// GetLoop returns a loop by id, or ErrNotFound.
func (s *Store) GetLoop(ctx context.Context, id string) (loop.Loop, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+loopSelectCols+" FROM loops WHERE id = ?", id)
	l, err := scanLoop(row)
	if err == sql.ErrNoRows {
		return loop.Loop{}, ErrNotFound
	}
	if err != nil {
		return loop.Loop{}, fmt.Errorf("loading loop %s: %w", id, err)
	}
	return l, nil
}

// ListLoops returns every loop in the store, ordered by createdAt
// descending, per component design §4.1.
func (s *Store) ListLoops(ctx context.Context) ([]loop.Loop, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+loopSelectCols+" FROM loops ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("listing loops: %w", err)
	}
	defer rows.Close()

	var out []loop.Loop
	for rows.Next() {
		l, err := scanLoop(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ListLoopsByWorkspace returns the loops belonging to workspaceID,
// ordered by createdAt descending.
func (s *Store) ListLoopsByWorkspace(ctx context.Context, workspaceID string) ([]loop.Loop, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+loopSelectCols+" FROM loops WHERE workspace_id = ? ORDER BY created_at DESC", workspaceID)
	if err != nil {
		return nil, fmt.Errorf("listing loops for workspace %s: %w", workspaceID, err)
	}
	defer rows.Close()

	var out []loop.Loop
	for rows.Next() {
		l, err := scanLoop(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// DeleteLoop physically removes a loop row, cascading to its session
// mappings and review comments — used by purgeLoop, never by the soft
// "deleteLoop" status transition.
func (s *Store) DeleteLoop(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM loops WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting loop %s: %w", id, err)
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
