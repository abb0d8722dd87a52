package engine

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/PabloZaiden/ralpher/internal/agent"
	"github.com/PabloZaiden/ralpher/internal/eventbus"
	"github.com/PabloZaiden/ralpher/internal/fileutil"
	gitops "github.com/PabloZaiden/ralpher/internal/git"
	"github.com/PabloZaiden/ralpher/internal/loop"
)

// RunPlanning drives the planning variant (component design §4.7
// "Planning variant" steps 1-2): ensure the worktree, optionally clear the
// whole planning folder once, always clear any stale plan.md, then run
// iterations against the PLAN_READY marker instead of COMPLETE.
func (e *Engine) RunPlanning(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			e.fail(fmt.Errorf("panic: %v", r))
		}
	}()

	if err := e.setupPlanning(ctx); err != nil {
		e.fail(err)
		return
	}

	e.runPlanningIterations(ctx)
}

func (e *Engine) setupPlanning(ctx context.Context) error {
	e.mu.Lock()
	cfg := e.config
	clearRequested := cfg.ClearPlanningFolder
	alreadyCleared := e.state.PlanMode != nil && e.state.PlanMode.PlanningFolderCleared
	e.mu.Unlock()

	if err := e.git.EnsureExcludeEntry(".ralph-worktrees"); err != nil {
		return fmt.Errorf("ensuring exclude entry: %w", err)
	}

	baseBranch := cfg.BaseBranch
	if baseBranch == "" {
		def, err := e.git.GetDefaultBranch()
		if err != nil {
			return fmt.Errorf("resolving default branch: %w", err)
		}
		baseBranch = def
	}

	workingBranch := gitops.WorkingBranchName(cfg.BranchPrefix, cfg.Name, cfg.ID, time.Now())
	worktreePath := gitops.WorktreePath(e.repoDir, workingBranch)

	if err := e.git.CreateWorktree(worktreePath, workingBranch, baseBranch); err != nil {
		return fmt.Errorf("creating worktree: %w", err)
	}

	planDir := fileutil.PlanningDir(worktreePath)
	if clearRequested && !alreadyCleared {
		if err := os.RemoveAll(planDir); err != nil {
			return fmt.Errorf("clearing planning folder: %w", err)
		}
	}
	// always delete a stale plan.md so plans never bleed across sessions,
	// independently of the once-per-loop full-folder clear above.
	if err := os.RemoveAll(fileutil.PlanFile(worktreePath)); err != nil {
		return fmt.Errorf("clearing stale plan file: %w", err)
	}

	sessionID, err := e.backend.CreateSession(ctx, agent.CreateSessionOptions{
		Directory: worktreePath,
		Model:     agent.Model{ProviderID: cfg.Model.ProviderID, ModelID: cfg.Model.ModelID},
		PlanMode:  true,
	})
	if err != nil {
		return fmt.Errorf("creating agent session: %w", err)
	}

	e.mu.Lock()
	e.state.Status = loop.StatusPlanning
	e.state.Git = &loop.GitState{OriginalBranch: baseBranch, WorkingBranch: workingBranch, WorktreePath: worktreePath}
	e.state.Session = &loop.Session{ID: sessionID}
	if e.state.PlanMode == nil {
		e.state.PlanMode = &loop.PlanState{}
	}
	if clearRequested && !alreadyCleared {
		e.state.PlanMode.PlanningFolderCleared = true
	}
	e.mu.Unlock()

	e.emit(eventbus.LoopStarted, nil)
	e.flush()
	return nil
}

func (e *Engine) runPlanningIterations(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			e.transitionStopped()
			return
		default:
		}

		e.mu.Lock()
		iteration := e.state.CurrentIteration + 1
		sessionID := e.state.Session.ID
		prompt := e.buildPrompt()
		e.mu.Unlock()

		e.emit(eventbus.LoopIterationStart, map[string]any{"iteration": iteration})

		outcome, errMsg := runSingleIteration(ctx, e.backend, sessionID, prompt,
			[]string{loop.PlanReadyMarker}, loop.ErrorMarkerPrefix, e.activityTimeout(), e.recordActivity)

		e.commitIteration(iteration)

		if ctx.Err() != nil {
			// stopLoop fired mid-iteration: report this turn as a clean
			// stop, not whatever outcome runSingleIteration's cancellation
			// path synthesized. Cancellation is not an error.
			e.transitionStopped()
			return
		}

		e.mu.Lock()
		e.state.CurrentIteration = iteration
		e.state.AppendIteration(loop.IterationRecord{Iteration: iteration, Outcome: outcome, Summary: errMsg})
		e.mu.Unlock()

		e.emit(eventbus.LoopIterationEnd, map[string]any{"iteration": iteration, "outcome": string(outcome)})
		e.flush()

		if outcome == loop.OutcomeComplete {
			e.mu.Lock()
			e.state.PlanMode.IsPlanReady = true
			e.mu.Unlock()
			e.emit(eventbus.LoopPlanReady, nil)
			e.flush()
			return // suspend; status remains planning
		}
		if outcome == loop.OutcomeError {
			e.mu.Lock()
			e.state.ConsecutiveErrors++
			e.state.Error = &loop.LoopError{Message: errMsg, Iteration: iteration, Timestamp: time.Now().UTC()}
			exceeded := e.state.ConsecutiveErrors >= e.config.MaxConsecutiveErrors
			e.mu.Unlock()
			if exceeded {
				e.mu.Lock()
				e.state.Status = loop.StatusFailed
				e.mu.Unlock()
				e.emit(eventbus.LoopError, map[string]any{"message": errMsg})
				e.flush()
				return
			}
			continue
		}
	}
}

// SendPlanFeedback rejects unless status is planning, resets
// isPlanReady, bumps feedbackRounds, and runs another planning iteration
// with the feedback injected, per component design §4.7 step 3.
func (e *Engine) SendPlanFeedback(ctx context.Context, text string) error {
	e.mu.Lock()
	if e.state.Status != loop.StatusPlanning {
		e.mu.Unlock()
		return ErrNotPlanning
	}
	if e.state.PlanMode == nil {
		e.state.PlanMode = &loop.PlanState{}
	}
	e.state.PlanMode.IsPlanReady = false
	e.state.PlanMode.FeedbackRounds++
	e.state.PendingPrompt = &text
	e.mu.Unlock()

	e.emit(eventbus.LoopPlanFeedback, map[string]any{"text": text})
	e.flush()

	// mirror Run/RunPlanning: derive a fresh cancellation token for the
	// spawned goroutine rather than reusing the caller's request ctx, so
	// a later stopLoop (which cancels e.cancel) reaches this run instead
	// of the now-inert token RunPlanning originally installed.
	runCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	go e.runPlanningIterations(runCtx)
	return nil
}

// AcceptPlan requires isPlanReady, preserves session continuity into the
// normal loop iterations, and transitions to running, per component
// design §4.7 step 4.
func (e *Engine) AcceptPlan(ctx context.Context) error {
	e.mu.Lock()
	if e.state.Status != loop.StatusPlanning {
		e.mu.Unlock()
		return ErrNotPlanning
	}
	if e.state.PlanMode == nil || !e.state.PlanMode.IsPlanReady {
		e.mu.Unlock()
		return ErrPlanNotReady
	}
	e.state.PlanMode.PlanSessionID = e.state.Session.ID
	e.state.Status = loop.StatusRunning
	e.mu.Unlock()

	e.emit(eventbus.LoopPlanAccepted, nil)
	e.flush()

	// mirror Run: derive a fresh cancellation token for the spawned
	// goroutine so stopLoop's cancel reaches the now-running loop instead
	// of the already-inert token RunPlanning installed.
	runCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	go e.runIterations(runCtx, e.stopMarkers())
	return nil
}

// DiscardPlan aborts the session and preserves the worktree, per
// component design §4.7 step 5.
func (e *Engine) DiscardPlan(ctx context.Context) error {
	e.mu.Lock()
	if e.state.Status != loop.StatusPlanning {
		e.mu.Unlock()
		return ErrNotPlanning
	}
	session := e.state.Session
	e.state.Status = loop.StatusDeleted
	e.mu.Unlock()

	if session != nil {
		_ = e.backend.AbortSession(ctx, session.ID)
	}
	e.emit(eventbus.LoopPlanDiscarded, nil)
	e.flush()
	return nil
}
