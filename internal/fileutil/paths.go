package fileutil

import "path/filepath"

// WorktreesSubdir builds the path to the ".ralph-worktrees" directory a
// repository's loop worktrees live under.
func WorktreesSubdir(repoDir string) string {
	return filepath.Join(repoDir, ".ralph-worktrees")
}

// PlanningDir returns the ".planning" directory path within a worktree.
func PlanningDir(worktreeDir string) string {
	return filepath.Join(worktreeDir, ".planning")
}

// PlanFile returns the plan.md path within a worktree's planning directory.
func PlanFile(worktreeDir string) string {
	return filepath.Join(PlanningDir(worktreeDir), "plan.md")
}
