// Package git wraps git operations for loop worktrees and branches: a
// transient-error retry ladder, HeadCommit, BranchExists, CreateBranch,
// CreateWorktree, CommitsBetween, HasChanges, StageAll, Commit, Rebase,
// plus a fuller primitive set for loop workflows (RemoteBranchExists,
// GetDefaultBranch, Fetch, MergeFromRemote, Push, DeleteBranch,
// EnsureExcludeEntry, EnsureMergeStrategy; see worktree.go and merge.go).
// Built atop the Command Executor abstraction (component design §4.4):
// every git invocation and file touch runs through an injected
// exec.Executor, so a loop whose workspace is connect-mode drives git on
// the remote host exactly the way a spawn-mode loop drives it locally.
package git

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PabloZaiden/ralpher/internal/exec"
)

// Retry constants for transient git errors.
const (
	retryInitialDelay = 200 * time.Millisecond
	retryMaxAttempts  = 6
	retryMultiplier   = 2
)

// transientPatterns are error substrings indicating a retryable git
// failure (lock contention between a loop's worktree and a concurrent
// sibling operation sharing the same repository object store).
var transientPatterns = []string{
	"index file open failed",
	"index.lock",
	"cannot lock ref",
}

func isTransient(errMsg string) bool {
	for _, p := range transientPatterns {
		if strings.Contains(errMsg, p) {
			return true
		}
	}
	return false
}

// Service wraps git operations for one repository directory. Worktree-
// scoped operations take an explicit dir argument rather than mutating
// Dir, since one Service instance is shared by every loop in a
// workspace's repository (component design §4.4/§5: the main checkout is
// read-only from a loop's point of view).
type Service struct {
	Dir string
	exec exec.Executor
}

// New creates a Service rooted at the given repository directory,
// talking to it through executor — exec.NewLocal() for a workspace
// spawned on this machine, an exec.RemotePTY dialing the workspace's
// host for a connect-mode workspace. Use NewForWorkspace to pick the
// right variant from a loop.ServerSettings.
func New(dir string, executor exec.Executor) *Service {
	return &Service{Dir: dir, exec: executor}
}

// sleepFunc is swapped in tests to avoid real retry delays.
var sleepFunc = time.Sleep

// runIn executes a git command in dir through the Service's Executor,
// retrying transient lock-contention failures with exponential backoff.
// Takes an explicit directory so the same retry ladder serves both the
// main checkout and any loop's worktree.
func (s *Service) runIn(dir string, args ...string) (string, error) {
	delay := retryInitialDelay
	for attempt := 0; attempt < retryMaxAttempts; attempt++ {
		res, err := s.exec.Exec(context.Background(), dir, "git", args...)
		if err != nil {
			return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
		}
		if res.Success {
			return strings.TrimSpace(res.Stdout + res.Stderr), nil
		}
		errMsg := strings.TrimSpace(res.Stdout + res.Stderr)
		if !isTransient(errMsg) || attempt == retryMaxAttempts-1 {
			return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), errMsg)
		}
		sleepFunc(delay)
		delay *= retryMultiplier
	}
	return "", nil // unreachable
}

func (s *Service) run(args ...string) (string, error) { return s.runIn(s.Dir, args...) }

// HeadCommit returns the commit hash at HEAD for a given branch.
func (s *Service) HeadCommit(branch string) (string, error) {
	return s.run("rev-parse", branch)
}

// BranchExists checks if a local branch exists.
func (s *Service) BranchExists(branch string) bool {
	_, err := s.run("rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// RemoteBranchExists checks if a branch exists on origin.
func (s *Service) RemoteBranchExists(branch string) bool {
	_, err := s.run("rev-parse", "--verify", "refs/remotes/origin/"+branch)
	return err == nil
}

// CreateBranch creates a new branch from a starting point.
func (s *Service) CreateBranch(name, from string) error {
	_, err := s.run("branch", name, from)
	return err
}

// DeleteBranch removes a local branch. Force bypasses the
// not-fully-merged safety check (used by discardLoop, where the working
// branch's commits live on in the worktree/object store regardless).
func (s *Service) DeleteBranch(name string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	_, err := s.run("branch", flag, name)
	return err
}

// GetCurrentBranch returns the branch checked out in the main checkout.
func (s *Service) GetCurrentBranch() (string, error) {
	return s.run("rev-parse", "--abbrev-ref", "HEAD")
}

// GetDefaultBranch prefers "main", falling back to "master", per
// component design §4.4.
func (s *Service) GetDefaultBranch() (string, error) {
	if s.BranchExists("main") {
		return "main", nil
	}
	if s.BranchExists("master") {
		return "master", nil
	}
	return "", fmt.Errorf("no main or master branch found")
}

// HasUncommittedChanges reports whether the main checkout has a dirty
// working tree. Loops never depend on this being clean (component design
// §4.4's isolation guarantee); it exists only for the optional
// handleUncommitted compatibility mode noted in design notes' open
// questions.
func (s *Service) HasUncommittedChanges() (bool, error) {
	out, err := s.run("status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// AddAll stages all changes in dir, including untracked files.
func (s *Service) AddAll(dir string) error {
	_, err := s.runIn(dir, "add", "-A")
	return err
}

// Commit creates a commit in dir with the given message. Uses --no-verify
// to skip hooks: ralpherd commits after the agent iteration has exited,
// so no agent is present to fix a failing pre-commit hook.
func (s *Service) Commit(dir, message string) error {
	_, err := s.runIn(dir, "commit", "--no-verify", "-m", message)
	return err
}

// Checkout switches the main checkout to branch, optionally creating it.
func (s *Service) Checkout(branch string, create bool) error {
	if create {
		_, err := s.run("checkout", "-b", branch)
		return err
	}
	_, err := s.run("checkout", branch)
	return err
}

// CommitsBetween returns commit hashes between two refs (exclusive of
// from, inclusive of to). If from is empty, returns all commits up to to.
func (s *Service) CommitsBetween(from, to string) ([]string, error) {
	var rangeSpec string
	if from == "" {
		rangeSpec = to
	} else {
		rangeSpec = from + ".." + to
	}
	out, err := s.run("rev-list", rangeSpec)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// CommitMessage returns the full commit message for a given hash.
func (s *Service) CommitMessage(hash string) (string, error) {
	return s.run("log", "-1", "--format=%B", hash)
}

// HeadCommitIn returns HEAD for dir (a worktree), rather than the main
// checkout.
func (s *Service) HeadCommitIn(dir string) (string, error) {
	return s.runIn(dir, "rev-parse", "HEAD")
}

// HasChangesIn reports uncommitted changes in a worktree directory.
func (s *Service) HasChangesIn(dir string) (bool, error) {
	out, err := s.runIn(dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// ChangedPathsIn lists the paths with uncommitted changes in a worktree
// directory (staged or not), used to decide whether an iteration's
// changes are confined to ignorable scratch paths before committing them.
func (s *Service) ChangedPathsIn(dir string) ([]string, error) {
	out, err := s.runIn(dir, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return nil, nil
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		paths = append(paths, strings.TrimSpace(line[3:]))
	}
	return paths, nil
}

// FilesChangedInCommit lists the paths touched by a commit, used by the
// review-comment component to anchor a comment to the file it was raised
// against.
func (s *Service) FilesChangedInCommit(hash string) ([]string, error) {
	out, err := s.run("show", "--name-only", "--format=", hash)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// ResetSoft moves dir's HEAD to target without touching the working tree
// or index, used by discardLoop to fold a loop's iteration commits back
// into a single uncommitted diff before the worktree is removed.
func (s *Service) ResetSoft(dir, target string) error {
	_, err := s.runIn(dir, "reset", "--soft", target)
	return err
}

// EnsureIdentity sets user.name/user.email locally if unresolvable
// through global config or environment, preventing "Author identity
// unknown" errors.
func (s *Service) EnsureIdentity() {
	if _, err := s.run("config", "user.name"); err != nil {
		_, _ = s.run("config", "user.name", "ralpherd")
	}
	if _, err := s.run("config", "user.email"); err != nil {
		_, _ = s.run("config", "user.email", "ralpherd@localhost")
	}
}
