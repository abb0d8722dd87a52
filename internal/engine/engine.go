// Package engine is the Loop Engine: the central algorithm driving one
// loop's iteration sequence from idle/planning/chat-first-turn to a
// terminal status, or keeping a chat loop resident for future turns.
// It is the direct generalization of a processConcern + RunOnceWithLogs
// + runner.RunnerLoop design: where that design walks a static concern
// DAG once per poll tick, Engine drives one loop's own sequence
// continuously under cooperative cancellation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/PabloZaiden/ralpher/internal/agent"
	"github.com/PabloZaiden/ralpher/internal/eventbus"
	gitops "github.com/PabloZaiden/ralpher/internal/git"
	"github.com/PabloZaiden/ralpher/internal/loop"
)

// scratchIgnorePatterns are paths an iteration may touch that never justify
// a commit on their own (internal/git/ignore.go carries the matcher itself).
var scratchIgnorePatterns = []string{".planning/"}

var (
	ErrNotPlanning = errors.New("engine: loop is not in planning status")
	ErrPlanNotReady = errors.New("engine: plan is not ready")
	ErrNotChat      = errors.New("engine: loop is not a chat loop")
)

const sessionMappingBackend = "agent"

// Engine owns the in-memory run of a single loop. The Loop Manager holds
// one Engine per active loop in its engines map.
type Engine struct {
	repoDir string
	backend agent.Backend
	git     *gitops.Service
	bus     *eventbus.Bus
	persist func(loop.State) error

	mu     sync.Mutex
	config loop.Config
	state  loop.State
	cancel context.CancelFunc
}

// New constructs an Engine bound to l's current config/state. persist is
// called by the manager's ticker (and at terminal transitions) to flush
// state to the store; Engine never talks to the store directly so it has
// no dependency on that package.
func New(repoDir string, backend agent.Backend, gitSvc *gitops.Service, bus *eventbus.Bus, l loop.Loop, persist func(loop.State) error) *Engine {
	return &Engine{
		repoDir: repoDir,
		backend: backend,
		git:     gitSvc,
		bus:     bus,
		persist: persist,
		config:  l.Config,
		state:   l.State,
	}
}

// Snapshot returns a copy of the engine's current config/state.
func (e *Engine) Snapshot() loop.Loop {
	e.mu.Lock()
	defer e.mu.Unlock()
	return loop.Loop{Config: e.config, State: e.state}
}

// Stop signals cooperative cancellation; Run (or the planning/chat
// variants) observes it between phases and on the next event-stream read.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *Engine) emit(t eventbus.Type, data map[string]any) {
	if e.bus == nil {
		return
	}
	e.bus.Emit(eventbus.Event{Type: t, LoopID: e.config.ID, Data: data})
}

func (e *Engine) activityTimeout() time.Duration {
	return activityTimeoutSecondsDuration(e.config.ActivityTimeoutSeconds)
}

func activityTimeoutSecondsDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

func (e *Engine) flush() {
	if e.persist == nil {
		return
	}
	e.mu.Lock()
	st := e.state
	e.mu.Unlock()
	_ = e.persist(st)
}

func (e *Engine) fail(err error) {
	e.mu.Lock()
	e.state.Status = loop.StatusFailed
	e.state.Error = &loop.LoopError{Message: err.Error(), Iteration: e.state.CurrentIteration, Timestamp: time.Now().UTC()}
	e.mu.Unlock()
	e.emit(eventbus.LoopFailed, nil)
	e.flush()
}

// Run drives the loop-mode lifecycle from the current iteration to a
// terminal status. The goroutine driving it recovers from panics at its
// own boundary, converting them to StatusFailed with the panic text
// recorded as the loop error — the generalization of a per-concern
// `if err := processConcern(...); err != nil { failed.set(...) }`
// isolation, extended to catch runtime panics since an Engine is
// long-lived unlike a single synchronous call.
func (e *Engine) Run(ctx context.Context) {
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

	if err := e.setup(ctx); err != nil {
		e.fail(err)
		return
	}

	e.runIterations(ctx, e.stopMarkers())
}

// stopMarkers returns the configured stopPattern plus the canonical
// completion marker, per component design §4.7/§6.
func (e *Engine) stopMarkers() []string {
	e.mu.Lock()
	pattern := e.config.StopPattern
	e.mu.Unlock()
	markers := []string{loop.CompletionMarker}
	if pattern != "" {
		markers = append(markers, pattern)
	}
	return markers
}

// setup ensures the loop's worktree and agent session exist, per
// component design §4.7 step 1.
func (e *Engine) setup(ctx context.Context) error {
	e.mu.Lock()
	cfg := e.config
	e.state.Status = loop.StatusStarting
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

	sessionID, err := e.backend.CreateSession(ctx, agent.CreateSessionOptions{
		Directory: worktreePath,
		Model:     agent.Model{ProviderID: cfg.Model.ProviderID, ModelID: cfg.Model.ModelID},
		PlanMode:  cfg.PlanMode,
	})
	if err != nil {
		return fmt.Errorf("creating agent session: %w", err)
	}

	e.mu.Lock()
	e.state.Git = &loop.GitState{OriginalBranch: baseBranch, WorkingBranch: workingBranch, WorktreePath: worktreePath}
	e.state.Session = &loop.Session{ID: sessionID}
	e.mu.Unlock()

	e.emit(eventbus.LoopStarted, nil)
	e.flush()
	return nil
}

// buildPrompt combines the loop's base prompt with any pendingPrompt,
// clearing the latter after consumption, per component design §4.7 step
// 2b. Caller must hold e.mu.
func (e *Engine) buildPrompt() string {
	prompt := e.config.Prompt
	if e.state.PendingPrompt != nil {
		prompt = prompt + "\n\n" + *e.state.PendingPrompt
		e.state.PendingPrompt = nil
	}
	return prompt
}

// runIterations implements the loop-mode decision table, component
// design §4.7 step 2h: complete -> StatusCompleted; error (exceeding
// maxConsecutiveErrors) -> StatusFailed; maxIterations reached ->
// StatusMaxIterations; otherwise continue.
func (e *Engine) runIterations(ctx context.Context, completionMarkers []string) {
	e.mu.Lock()
	e.state.Status = loop.StatusRunning
	e.mu.Unlock()

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
		maxIterations := e.config.MaxIterations
		e.mu.Unlock()

		e.emit(eventbus.LoopIterationStart, map[string]any{"iteration": iteration})

		outcome, errMsg := runSingleIteration(ctx, e.backend, sessionID, prompt, completionMarkers,
			loop.ErrorMarkerPrefix, e.activityTimeout(), e.recordActivity)

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

		switch outcome {
		case loop.OutcomeComplete:
			e.mu.Lock()
			e.state.Status = loop.StatusCompleted
			now := time.Now().UTC()
			e.state.CompletedAt = &now
			e.mu.Unlock()
			e.emit(eventbus.LoopCompleted, nil)
			e.flush()
			return

		case loop.OutcomeError:
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

		default:
			e.mu.Lock()
			e.state.ConsecutiveErrors = 0
			e.mu.Unlock()
		}

		if iteration >= maxIterations {
			e.mu.Lock()
			e.state.Status = loop.StatusMaxIterations
			e.mu.Unlock()
			e.flush()
			return
		}
	}
}

// recordActivity folds tool-call/todo bookkeeping into state and resets
// lastActivityAt, per component design §4.7 step 2d.
func (e *Engine) recordActivity(ev agent.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now().UTC()
	e.state.LastActivityAt = &now
	if ev.Kind == agent.EventToolStart && ev.ToolName != "" {
		e.state.Todos = append(e.state.Todos, ev.ToolName)
	}
}

// commitIteration commits any changes left in the worktree after an
// iteration, per component design §4.7 step 2e.
func (e *Engine) commitIteration(iteration int) {
	e.mu.Lock()
	git := e.state.Git
	scope := e.config.CommitScope
	e.mu.Unlock()
	if git == nil {
		return
	}
	if scope == "" {
		scope = "loop"
	}

	changed, err := e.git.HasChangesIn(git.WorktreePath)
	if err != nil || !changed {
		return
	}

	paths, err := e.git.ChangedPathsIn(git.WorktreePath)
	if err == nil && gitops.FilesMatchIgnorePatterns(paths, gitops.CompileIgnorePatterns(scratchIgnorePatterns)) {
		return
	}

	if err := e.git.AddAll(git.WorktreePath); err != nil {
		return
	}
	msg := fmt.Sprintf("%s: iteration %d", scope, iteration)
	if err := e.git.Commit(git.WorktreePath, msg); err != nil {
		return
	}
	hash, err := e.git.HeadCommitIn(git.WorktreePath)
	if err != nil {
		return
	}

	e.mu.Lock()
	e.state.Git.Commits = append(e.state.Git.Commits, hash)
	e.mu.Unlock()
	e.emit(eventbus.LoopGitCommit, map[string]any{"hash": hash, "iteration": iteration})
}

// transitionStopped aborts the active session and persists StatusStopped,
// per component design §4.7 step 2i.
func (e *Engine) transitionStopped() {
	e.mu.Lock()
	session := e.state.Session
	e.state.Status = loop.StatusStopped
	e.mu.Unlock()

	if session != nil {
		_ = e.backend.AbortSession(context.Background(), session.ID)
	}
	e.emit(eventbus.LoopStopped, nil)
	e.flush()
}
