package git

import (
	"fmt"
	"strings"
)

// MergeResult is the outcome of attempting to merge a ref into the
// current branch of a worktree, per component design §4.4's
// mergeFromRemote contract.
type MergeResult struct {
	Clean           bool
	AlreadyUpToDate bool
	Conflicts       bool
	ConflictedFiles []string
}

// Fetch updates the local view of remote's branch without touching any
// working tree.
func (s *Service) Fetch(remote, branch string) error {
	_, err := s.run("fetch", remote, branch)
	return err
}

// conflictStatusCodes are the porcelain status prefixes git uses for an
// unresolved merge conflict (both sides modified, added, or deleted).
var conflictStatusCodes = []string{"UU", "AA", "DD", "AU", "UA", "UD", "DU"}

// MergeFromRemote merges remoteRef into the branch currently checked out
// in worktreeDir without committing, classifying the outcome into the
// three cases component design §4.4/§4.9 enumerate. On conflicts, the
// merge is left in progress (index has conflict markers) so a
// conflict-resolution engine iteration can inspect and resolve it. A
// clean merge that brings in changes is finalized with a commit; an
// already-up-to-date merge, or a failure without conflicts, is aborted
// (the latter also returns an error).
func (s *Service) MergeFromRemote(worktreeDir, remoteRef string) (MergeResult, error) {
	out, err := s.runIn(worktreeDir, "merge", "--no-commit", "--no-ff", remoteRef)
	if err == nil {
		if strings.Contains(out, "Already up to date") {
			_, _ = s.runIn(worktreeDir, "merge", "--abort")
			return MergeResult{Clean: true, AlreadyUpToDate: true}, nil
		}
		if _, commitErr := s.runIn(worktreeDir, "commit", "--no-edit"); commitErr != nil {
			return MergeResult{}, fmt.Errorf("committing merge: %w", commitErr)
		}
		return MergeResult{Clean: true}, nil
	}

	statusOut, statusErr := s.runIn(worktreeDir, "status", "--porcelain")
	if statusErr != nil {
		return MergeResult{}, fmt.Errorf("merging %s: %w", remoteRef, err)
	}

	var conflicted []string
	for _, line := range strings.Split(statusOut, "\n") {
		if len(line) < 3 {
			continue
		}
		code := strings.TrimSpace(line[:2])
		for _, c := range conflictStatusCodes {
			if code == c {
				conflicted = append(conflicted, strings.TrimSpace(line[3:]))
				break
			}
		}
	}

	if len(conflicted) == 0 {
		// merge failed for a reason other than content conflicts (e.g. an
		// unrelated-histories error); surface it rather than pretending a
		// conflict occurred.
		_, _ = s.runIn(worktreeDir, "merge", "--abort")
		return MergeResult{}, fmt.Errorf("merging %s: %w", remoteRef, err)
	}

	return MergeResult{Conflicts: true, ConflictedFiles: conflicted}, nil
}

// FinalizeMerge commits an in-progress merge whose conflicts have been
// resolved and staged by a conflict-resolution engine iteration.
func (s *Service) FinalizeMerge(worktreeDir string) error {
	_, err := s.runIn(worktreeDir, "commit", "--no-edit")
	return err
}

// AbortMerge aborts an in-progress merge left by a conflicted
// MergeFromRemote call.
func (s *Service) AbortMerge(worktreeDir string) error {
	_, err := s.runIn(worktreeDir, "merge", "--abort")
	return err
}

// Push pushes branch from worktreeDir to origin, setting the upstream on
// first push.
func (s *Service) Push(worktreeDir, branch string, setUpstream bool) error {
	args := []string{"push"}
	if setUpstream {
		args = append(args, "--set-upstream")
	}
	args = append(args, "origin", branch)
	_, err := s.runIn(worktreeDir, args...)
	return err
}

// abortRebase aborts any in-progress rebase in dir, ignoring the error
// that results when no rebase is in progress.
func (s *Service) abortRebase(dir string) {
	_, _ = s.runIn(dir, "rebase", "--abort")
}

// Rebase rebases the branch checked out in dir onto targetBranch. On
// conflict it aborts and hard-resets to targetBranch, appropriate where
// regenerable auto-commits are genuinely disposable. Loop worktrees
// never call this: their commits are the product of the run, and a
// conflict on push is handed to a conflict-resolution engine iteration
// instead of being discarded, which is why Sync Controller uses
// MergeFromRemote, not Rebase. Kept as the lower-level primitive a
// daemon's own main checkout can use, still callable by future
// remote-workspace bookkeeping.
func (s *Service) Rebase(dir, targetBranch string) error {
	s.abortRebase(dir)

	_, err := s.runIn(dir, "rebase", targetBranch)
	if err != nil {
		s.abortRebase(dir)
		if _, resetErr := s.runIn(dir, "reset", "--hard", targetBranch); resetErr != nil {
			return fmt.Errorf("git rebase %s failed and reset also failed: %w", targetBranch, resetErr)
		}
	}
	return nil
}
