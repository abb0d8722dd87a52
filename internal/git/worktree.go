package git

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/PabloZaiden/ralpher/internal/fileutil"
)

var disallowedBranchChars = regexp.MustCompile(`[^a-z0-9._-]+`)

// SanitizeForBranch lower-cases s and replaces any run of characters not
// valid in a git ref component with a single hyphen.
func SanitizeForBranch(s string) string {
	s = strings.ToLower(s)
	s = disallowedBranchChars.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		s = "loop"
	}
	return s
}

// WorkingBranchName builds the unique working-branch name for a loop:
// <branchPrefix><sanitized(name)>-<YYYY-MM-DD>-<first 8 chars of loopID>,
// per component design §4.4.
func WorkingBranchName(branchPrefix, loopName, loopID string, now time.Time) string {
	short := loopID
	if len(short) > 8 {
		short = short[:8]
	}
	return branchPrefix + SanitizeForBranch(loopName) + "-" + now.UTC().Format("2006-01-02") + "-" + short
}

// WorktreePath returns the deterministic worktree path for a working
// branch: <repo>/.ralph-worktrees/<sanitized(workingBranch)>.
func WorktreePath(repoDir, workingBranch string) string {
	return filepath.Join(fileutil.WorktreesSubdir(repoDir), SanitizeForBranch(workingBranch))
}

// CreateWorktree creates a linked worktree at path on a new branch
// created from baseBranch, generalized from a CreateWorktree that
// assumed the branch already existed to a "create branch from
// baseBranch, then create the worktree" setup sequence.
func (s *Service) CreateWorktree(path, branch, baseBranch string) error {
	if !s.BranchExists(branch) {
		if err := s.CreateBranch(branch, baseBranch); err != nil {
			return err
		}
	}
	if err := s.ensureDir(filepath.Dir(path)); err != nil {
		return err
	}
	_, err := s.run("worktree", "add", path, branch)
	return err
}

// ensureDir creates dir and any missing parents, through the Executor
// rather than the standard library, so a connect-mode workspace's
// worktree directory is created on the remote host.
func (s *Service) ensureDir(dir string) error {
	res, err := s.exec.Exec(context.Background(), "/", "mkdir", "-p", dir)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("mkdir -p %s: %s", dir, strings.TrimSpace(res.Stdout+res.Stderr))
	}
	return nil
}

// RemoveWorktree deletes a loop's linked worktree. Used only by purgeLoop
// (component design §3's worktree lifecycle: "destroyed only on purge").
func (s *Service) RemoveWorktree(path string) error {
	_, err := s.run("worktree", "remove", "--force", path)
	return err
}

// WorktreeEntry is one line of `git worktree list --porcelain`.
type WorktreeEntry struct {
	Path   string
	Branch string
}

// ListWorktrees enumerates all linked worktrees of the repository.
func (s *Service) ListWorktrees() ([]WorktreeEntry, error) {
	out, err := s.run("worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var entries []WorktreeEntry
	var cur WorktreeEntry
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			if cur.Path != "" {
				entries = append(entries, cur)
			}
			cur = WorktreeEntry{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	if cur.Path != "" {
		entries = append(entries, cur)
	}
	return entries, nil
}

// EnsureExcludeEntry appends entry to .git/info/exclude if it is not
// already present, re-validated on every loop creation per component
// design §4.4/§6. Idempotent the same way EnsureIdentity is: check before
// write, never duplicate.
func (s *Service) EnsureExcludeEntry(entry string) error {
	ctx := context.Background()
	path := filepath.Join(s.Dir, ".git", "info", "exclude")

	data, ok, err := s.exec.ReadFile(ctx, path)
	if err != nil {
		return err
	}
	if ok {
		for _, line := range strings.Split(data, "\n") {
			if strings.TrimSpace(line) == entry {
				return nil
			}
		}
	}

	if data != "" && !strings.HasSuffix(data, "\n") {
		data += "\n"
	}
	data += entry + "\n"
	return s.exec.WriteFile(ctx, path, data)
}

// EnsureMergeStrategy sets pull.rebase=false locally only if the
// operator has not already configured a pull.rebase value, the same
// guarded-write idiom as EnsureIdentity — it must never clobber an
// explicit operator choice (component design §4.4).
func (s *Service) EnsureMergeStrategy() error {
	if _, err := s.run("config", "pull.rebase"); err == nil {
		return nil // already set, leave it alone
	}
	_, err := s.run("config", "pull.rebase", "false")
	return err
}
