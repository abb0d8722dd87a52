// Package exec provides the capability abstraction the git service and
// loop engine use to run commands and touch files, either on the local
// machine or over a remote PTY-framed shell. See component design §4.3.
package exec

import "context"

// Result is the outcome of a single Exec call. Exec never returns a
// non-nil error for a command that merely exited non-zero — that is
// reported via Success/ExitCode, the same contract commitChanges and
// rebaseWorktree rely on when they inspect cmd.CombinedOutput()
// themselves instead of trusting *exec.ExitError.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Success  bool
}

// Executor is the capability set consumed by the git service and the
// loop engine's worktree/planning-folder bookkeeping.
type Executor interface {
	Exec(ctx context.Context, cwd string, cmd string, args ...string) (Result, error)
	FileExists(ctx context.Context, path string) (bool, error)
	DirectoryExists(ctx context.Context, path string) (bool, error)
	ReadFile(ctx context.Context, path string) (content string, ok bool, err error)
	ListDirectory(ctx context.Context, path string) ([]string, error)
	WriteFile(ctx context.Context, path string, content string) error
}
