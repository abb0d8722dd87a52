// Package sync is the Sync Controller: pushLoop and updateBranch, the two
// operations that reconcile a loop's working branch with its remote.
// Grounded on a rebaseWorktree pattern (abort-stale-rebase, attempt,
// on-conflict abort-and-reset), generalized from "always discard
// conflicting local work" to "detect conflicts and hand off to a
// conflict-resolution engine iteration": a loop's commits are real
// human-directed work, not disposable agent output, so Controller uses
// git.Service.MergeFromRemote rather than a destructive Rebase.
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/PabloZaiden/ralpher/internal/agent"
	"github.com/PabloZaiden/ralpher/internal/engine"
	"github.com/PabloZaiden/ralpher/internal/eventbus"
	gitops "github.com/PabloZaiden/ralpher/internal/git"
	"github.com/PabloZaiden/ralpher/internal/loop"
)

var (
	ErrNotPushed   = errors.New("sync: loop is not pushed")
	ErrNoGitState  = errors.New("sync: loop has no git state")
	ErrWrongStatus = errors.New("sync: loop is not in a pushable status")
)

// Status is the outcome classification component design §4.9 returns to
// callers, distinct from loop.Status.
type Status string

const (
	StatusAlreadyUpToDate      Status = "already_up_to_date"
	StatusClean                Status = "clean"
	StatusConflictsBeingResolved Status = "conflicts_being_resolved"
)

// Result is pushLoop/updateBranch's return shape, exactly as component
// design §4.9.
type Result struct {
	Success      bool
	SyncStatus   Status
	RemoteBranch string // present iff the push actually happened in this call
	Error        string
}

// Controller runs pushLoop/updateBranch against one loop's git state. It
// holds no per-loop registry of its own; the Loop Manager supplies the
// loop and persists whatever state mutation the controller reports.
type Controller struct {
	git     *gitops.Service
	backend agent.Backend
	bus     *eventbus.Bus

	// persist is called by the controller whenever it mutates syncState,
	// reviewMode, or status, mirroring the Engine's own persist callback.
	persist func(loop.State) error
}

// New constructs a Controller bound to one workspace's git service and
// agent backend.
func New(gitSvc *gitops.Service, backend agent.Backend, bus *eventbus.Bus, persist func(loop.State) error) *Controller {
	return &Controller{git: gitSvc, backend: backend, bus: bus, persist: persist}
}

func (c *Controller) emit(t eventbus.Type, loopID string, data map[string]any) {
	if c.bus == nil {
		return
	}
	c.bus.Emit(eventbus.Event{Type: t, LoopID: loopID, Data: data})
}

// PushLoop implements component design §4.9 steps 1-7. state is the
// loop's current in-memory/persisted state; the caller (Loop Manager)
// owns mutex serialization, so PushLoop assumes exclusive access to this
// loop for its duration.
func (c *Controller) PushLoop(ctx context.Context, cfg loop.Config, state *loop.State) (Result, error) {
	if state.Status != loop.StatusCompleted && state.Status != loop.StatusMaxIterations {
		return Result{}, ErrWrongStatus
	}
	if state.Git == nil {
		return Result{}, ErrNoGitState
	}
	return c.push(ctx, cfg, state, loop.SyncPhaseBaseBranch)
}

// UpdateBranch implements component design §4.9: identical to pushLoop
// steps 2-6, restricted to loops already pushed.
func (c *Controller) UpdateBranch(ctx context.Context, cfg loop.Config, state *loop.State) (Result, error) {
	if state.Status != loop.StatusPushed {
		return Result{}, ErrNotPushed
	}
	if state.Git == nil {
		return Result{}, ErrNoGitState
	}
	return c.push(ctx, cfg, state, loop.SyncPhaseBaseBranch)
}

// push runs the shared base-branch-then-working-branch reconciliation,
// recursing into itself after a spawned conflict-resolution iteration
// completes (component design §4.9 step 7).
func (c *Controller) push(ctx context.Context, cfg loop.Config, state *loop.State, phase loop.SyncPhase) (Result, error) {
	c.emit(eventbus.LoopSyncStarted, cfg.ID, map[string]any{"phase": string(phase)})

	if err := c.git.EnsureMergeStrategy(); err != nil {
		return Result{}, fmt.Errorf("ensuring merge strategy: %w", err)
	}

	originalBranch := state.Git.OriginalBranch
	workingBranch := state.Git.WorkingBranch
	worktreePath := state.Git.WorktreePath

	// the push reports clean when either step merged something in, and
	// already_up_to_date when neither did.
	status := StatusAlreadyUpToDate

	// step 1: reconcile origin/originalBranch into the working branch.
	if res, err := c.reconcile(ctx, cfg, state, "origin", originalBranch, worktreePath, loop.SyncPhaseBaseBranch); err != nil || res.SyncStatus == StatusConflictsBeingResolved {
		return res, err
	} else if res.SyncStatus == StatusClean {
		status = StatusClean
	}

	// step 2: if the working branch already exists on the remote, also
	// reconcile origin/workingBranch before pushing (second sync phase).
	if c.git.RemoteBranchExists(workingBranch) {
		if res, err := c.reconcile(ctx, cfg, state, "origin", workingBranch, worktreePath, loop.SyncPhaseWorkingBranch); err != nil || res.SyncStatus == StatusConflictsBeingResolved {
			return res, err
		} else if res.SyncStatus == StatusClean {
			status = StatusClean
		}
	}

	setUpstream := !c.git.RemoteBranchExists(workingBranch)
	if err := c.git.Push(worktreePath, workingBranch, setUpstream); err != nil {
		return Result{}, fmt.Errorf("pushing %s: %w", workingBranch, err)
	}

	action := loop.CompletionPush
	state.Status = loop.StatusPushed
	state.SyncState = nil
	if state.ReviewMode == nil {
		state.ReviewMode = &loop.ReviewState{Addressable: true, CompletionAction: action, ReviewCycles: 0}
	}
	c.flush(state)

	c.emit(eventbus.LoopPushed, cfg.ID, map[string]any{"branch": workingBranch})

	return Result{Success: true, SyncStatus: status, RemoteBranch: workingBranch}, nil
}

// reconcile runs one merge-from-remote step, classifying already-up-to-
// date/clean/conflicts per component design §4.9 step 4/5. On conflicts
// it records syncState, emits loop.sync.conflicts, and spawns the
// conflict-resolution engine iteration in its own goroutine, returning
// {success:true, syncStatus:conflicts_being_resolved} to the caller
// immediately rather than blocking on the resolution session — the push
// itself resumes later, from the spawned iteration's own completion
// callback (step 7), not from this call's stack.
func (c *Controller) reconcile(ctx context.Context, cfg loop.Config, state *loop.State, remote, branch, worktreeDir string, phase loop.SyncPhase) (Result, error) {
	if state.SyncState != nil {
		// a conflict-resolution session is already in flight for this loop.
		return Result{Success: true, SyncStatus: StatusConflictsBeingResolved}, nil
	}

	if err := c.git.Fetch(remote, branch); err != nil {
		return Result{}, fmt.Errorf("fetching %s: %w", branch, err)
	}

	merge, err := c.git.MergeFromRemote(worktreeDir, remote+"/"+branch)
	if err != nil {
		return Result{}, fmt.Errorf("merging %s/%s: %w", remote, branch, err)
	}

	if merge.Conflicts {
		state.SyncState = &loop.SyncState{SyncPhase: phase, AutoPushOnComplete: true}
		c.flush(state)
		c.emit(eventbus.LoopSyncConflicts, cfg.ID, map[string]any{"phase": string(phase), "files": merge.ConflictedFiles})

		go c.resolveAndResume(cfg, *state, worktreeDir, phase, merge.ConflictedFiles)

		return Result{Success: true, SyncStatus: StatusConflictsBeingResolved}, nil
	}

	if merge.AlreadyUpToDate {
		c.emit(eventbus.LoopSyncClean, cfg.ID, map[string]any{"phase": string(phase), "alreadyUpToDate": true})
		return Result{Success: true, SyncStatus: StatusAlreadyUpToDate}, nil
	}

	c.emit(eventbus.LoopSyncClean, cfg.ID, map[string]any{"phase": string(phase), "alreadyUpToDate": false})
	return Result{Success: true, SyncStatus: StatusClean}, nil
}

// resolveAndResume runs the conflict-resolution engine iteration to
// completion and, on success, clears syncState and recurses back into
// push to finish the reconciliation and perform the eventual push (step
// 7). It runs detached from the request that triggered reconcile, which
// has already returned, so it carries its own context and its own copy
// of state rather than sharing the caller's.
func (c *Controller) resolveAndResume(cfg loop.Config, state loop.State, worktreeDir string, phase loop.SyncPhase, conflictedFiles []string) {
	ctx := context.Background()

	sessionID, outcome, errMsg, err := engine.ResolveConflicts(ctx, c.backend, worktreeDir, conflictedFiles, cfg.ActivityTimeoutSeconds)
	if err != nil {
		c.abortConflictResolution(cfg.ID, &state, fmt.Sprintf("spawning conflict-resolution engine: %s", err))
		return
	}
	state.SyncState.ResolutionSessionID = sessionID
	c.flush(&state)

	if outcome != loop.OutcomeComplete {
		c.abortConflictResolution(cfg.ID, &state, errMsg)
		return
	}

	if err := c.git.FinalizeMerge(worktreeDir); err != nil {
		c.abortConflictResolution(cfg.ID, &state, fmt.Sprintf("finalizing resolved merge: %s", err))
		return
	}

	state.SyncState = nil
	if _, err := c.push(ctx, cfg, &state, phase); err != nil {
		c.abortConflictResolution(cfg.ID, &state, err.Error())
	}
}

// abortConflictResolution clears syncState (autoPushOnComplete included),
// records msg as the loop's error, and transitions the loop to failed per
// component design §4.7's conflict-resolution sub-variant: "On failure,
// autoPushOnComplete is cleared and status becomes failed; the loop can
// be jumpstarted, which also clears syncState." Emits loop.error for
// callers watching the event bus (PushLoop itself already returned long
// ago with conflicts_being_resolved, so there is no in-flight HTTP caller
// left to report this to directly).
func (c *Controller) abortConflictResolution(loopID string, state *loop.State, msg string) {
	state.SyncState = nil
	state.Status = loop.StatusFailed
	state.Error = &loop.LoopError{Message: msg, Timestamp: time.Now()}
	c.flush(state)
	c.emit(eventbus.LoopError, loopID, map[string]any{"message": msg})
}

func (c *Controller) flush(state *loop.State) {
	if c.persist == nil {
		return
	}
	_ = c.persist(*state)
}
