// Package manager is the Loop Manager, the system's central entry
// point. It owns one Engine per active loop, a per-loop mutex set
// serializing mutating operations, and a ticker that periodically
// snapshots every running engine's state into the store. Grounded on a
// runDaemon ticker shape (time.NewTicker + select over
// ctx.Done()/ticker.C), repurposed from "re-run all concerns" to
// "snapshot all running engines' state", and on a level-by-level
// orchestration generalized to per-loop independence: loops have no
// dependency graph between them, so the manager simply holds one
// goroutine per active engine.
package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	backendpkg "github.com/PabloZaiden/ralpher/internal/backend"
	"github.com/PabloZaiden/ralpher/internal/engine"
	"github.com/PabloZaiden/ralpher/internal/eventbus"
	gitops "github.com/PabloZaiden/ralpher/internal/git"
	"github.com/PabloZaiden/ralpher/internal/loop"
	"github.com/PabloZaiden/ralpher/internal/store"
	syncpkg "github.com/PabloZaiden/ralpher/internal/sync"
)

// PersistInterval is the ticker period the state-persistence loop wakes
// at while at least one engine is running, per component design §4.8.
const PersistInterval = 250 * time.Millisecond

var (
	ErrAlreadyInProgress = errors.New("manager: already in progress")
	ErrNotFound          = store.ErrNotFound
	ErrWrongStatus       = errors.New("manager: loop is not in a startable status")
	ErrPurgeWrongStatus  = errors.New("manager: loop can only be purged from merged, pushed, or deleted")
	ErrFinalStatus       = errors.New("manager: loop is already in a final status")
)

// CreateLoopOptions is createLoop's/createChat's input, per component
// design §4.8.
type CreateLoopOptions struct {
	WorkspaceID            string
	Name                   string
	Directory              string
	Mode                   loop.Mode
	Prompt                 string
	StopPattern            string
	MaxIterations          int
	MaxConsecutiveErrors   int
	ActivityTimeoutSeconds int
	Model                  loop.ModelRef
	BranchPrefix           string
	CommitScope            string
	BaseBranch             string
	PlanMode               bool
	ClearPlanningFolder    bool
}

const (
	defaultMaxIterations          = 50
	defaultMaxConsecutiveErrors   = 3
	defaultActivityTimeoutSeconds = 300
	defaultBranchPrefix           = "ralph/"
	defaultCommitScope            = "loop"
)

// Manager is the Loop Manager.
type Manager struct {
	store    *store.Store
	backends *backendpkg.Manager
	bus      *eventbus.Bus

	mu      sync.Mutex
	mutexes map[string]*sync.Mutex
	engines map[string]*engine.Engine

	tickerOnce sync.Once
	tickerStop chan struct{}
}

// New constructs a Loop Manager bound to a store, a backend connection
// pool, and the shared event bus.
func New(st *store.Store, backends *backendpkg.Manager, bus *eventbus.Bus) *Manager {
	return &Manager{
		store:    st,
		backends: backends,
		bus:      bus,
		mutexes:  make(map[string]*sync.Mutex),
		engines:  make(map[string]*engine.Engine),
	}
}

func (m *Manager) loopMutex(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.mutexes[id]
	if !ok {
		mu = &sync.Mutex{}
		m.mutexes[id] = mu
	}
	return mu
}

// tryLock acquires a loop's mutex without blocking, returning
// ErrAlreadyInProgress if another mutating operation already holds it —
// component design §4.8's per-loop mutex rejects concurrent mutating
// operations rather than queuing behind them.
func (m *Manager) tryLock(id string) (func(), error) {
	mu := m.loopMutex(id)
	if !mu.TryLock() {
		return nil, ErrAlreadyInProgress
	}
	return mu.Unlock, nil
}

func (m *Manager) emit(t eventbus.Type, loopID string, data map[string]any) {
	if m.bus == nil {
		return
	}
	m.bus.Emit(eventbus.Event{Type: t, LoopID: loopID, Data: data})
}

// gitServiceFor builds a git Service for l's directory, using the
// Command Executor appropriate to its workspace's server settings
// (Local for spawn-mode, RemotePTY for connect-mode), for the cleanup
// paths (discard/purge) that don't already have the workspace in scope.
func (m *Manager) gitServiceFor(ctx context.Context, l loop.Loop) (*gitops.Service, error) {
	ws, err := m.store.GetWorkspace(ctx, l.Config.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace: %w", err)
	}
	return gitops.NewForWorkspace(l.Config.Directory, ws.ServerSettings)
}

// GetLoop and ListLoops are read operations; per component design §4.8
// they do not take the per-loop mutex.
func (m *Manager) GetLoop(ctx context.Context, id string) (loop.Loop, error) {
	return m.store.GetLoop(ctx, id)
}

func (m *Manager) ListLoops(ctx context.Context) ([]loop.Loop, error) {
	return m.store.ListLoops(ctx)
}

func (m *Manager) ListLoopsByWorkspace(ctx context.Context, workspaceID string) ([]loop.Loop, error) {
	return m.store.ListLoopsByWorkspace(ctx, workspaceID)
}

// deriveName takes the first 50 characters of prompt when name is empty,
// per component design §4.8.
func deriveName(name, prompt string) string {
	if name != "" {
		return name
	}
	trimmed := strings.TrimSpace(prompt)
	if len(trimmed) <= 50 {
		return trimmed
	}
	return trimmed[:50]
}

func (m *Manager) newConfig(opts CreateLoopOptions) loop.Config {
	now := time.Now().UTC()
	maxIterations := opts.MaxIterations
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}
	maxConsecutiveErrors := opts.MaxConsecutiveErrors
	if maxConsecutiveErrors <= 0 {
		maxConsecutiveErrors = defaultMaxConsecutiveErrors
	}
	activityTimeout := opts.ActivityTimeoutSeconds
	if activityTimeout <= 0 {
		activityTimeout = defaultActivityTimeoutSeconds
	}
	branchPrefix := opts.BranchPrefix
	if branchPrefix == "" {
		branchPrefix = defaultBranchPrefix
	}
	commitScope := opts.CommitScope
	if commitScope == "" {
		commitScope = defaultCommitScope
	}
	stopPattern := opts.StopPattern
	if stopPattern == "" {
		stopPattern = loop.DefaultStopPattern
	}

	return loop.Config{
		ID:                     uuid.NewString(),
		Name:                   deriveName(opts.Name, opts.Prompt),
		WorkspaceID:            opts.WorkspaceID,
		Directory:              opts.Directory,
		Mode:                   opts.Mode,
		CreatedAt:              now,
		UpdatedAt:              now,
		Prompt:                 opts.Prompt,
		StopPattern:            stopPattern,
		MaxIterations:          maxIterations,
		MaxConsecutiveErrors:   maxConsecutiveErrors,
		ActivityTimeoutSeconds: activityTimeout,
		Model:                  opts.Model,
		BranchPrefix:           branchPrefix,
		CommitScope:            commitScope,
		BaseBranch:             opts.BaseBranch,
		PlanMode:               opts.PlanMode,
		ClearPlanningFolder:    opts.ClearPlanningFolder,
	}
}

// CreateLoop validates the workspace and model, derives a name, applies
// defaults, persists a draft loop, and emits loop.created — component
// design §4.8's createLoop.
func (m *Manager) CreateLoop(ctx context.Context, opts CreateLoopOptions) (loop.Loop, error) {
	opts.Mode = loop.ModeLoop
	return m.createDraft(ctx, opts)
}

// CreateChat is createLoop with mode=chat, additionally firing the first
// startLoop in the background once persisted, per component design §4.8.
func (m *Manager) CreateChat(ctx context.Context, opts CreateLoopOptions) (loop.Loop, error) {
	opts.Mode = loop.ModeChat
	l, err := m.createDraft(ctx, opts)
	if err != nil {
		return loop.Loop{}, err
	}
	go func() {
		_ = m.StartLoop(context.Background(), l.Config.ID, false)
	}()
	return l, nil
}

func (m *Manager) createDraft(ctx context.Context, opts CreateLoopOptions) (loop.Loop, error) {
	ws, err := m.store.GetWorkspace(ctx, opts.WorkspaceID)
	if err != nil {
		return loop.Loop{}, fmt.Errorf("resolving workspace: %w", err)
	}
	if err := m.backends.ValidateModel(ctx, ws.ID, ws.ServerSettings, opts.Model); err != nil {
		return loop.Loop{}, fmt.Errorf("validating model: %w", err)
	}

	cfg := m.newConfig(opts)
	if cfg.Directory == "" {
		cfg.Directory = ws.Directory
	}

	l := loop.Loop{Config: cfg, State: loop.State{Status: loop.StatusDraft}}
	if err := m.store.SaveLoop(ctx, l); err != nil {
		return loop.Loop{}, fmt.Errorf("persisting loop: %w", err)
	}

	m.emit(eventbus.LoopCreated, cfg.ID, map[string]any{"workspaceId": cfg.WorkspaceID, "mode": string(cfg.Mode)})
	return l, nil
}

// startableStatuses are the statuses StartLoop accepts, per component
// design §4.8.
var startableStatuses = map[loop.Status]bool{
	loop.StatusDraft:         true,
	loop.StatusIdle:          true,
	loop.StatusStopped:       true,
	loop.StatusFailed:        true,
	loop.StatusCompleted:     true,
	loop.StatusMaxIterations: true,
}

// StartLoop creates an engine and kicks off an async run if status is
// startable, per component design §4.8. handleUncommitted is accepted
// for contract parity with spec.md §4.8 but is a no-op: ralpherd's
// worktree isolation means the main checkout's dirty state never blocks
// a loop (component design §4.4's isolation guarantee).
func (m *Manager) StartLoop(ctx context.Context, id string, handleUncommitted bool) error {
	unlock, err := m.tryLock(id)
	if err != nil {
		return err
	}
	defer unlock()

	l, err := m.store.GetLoop(ctx, id)
	if err != nil {
		return err
	}
	if !startableStatuses[l.State.Status] {
		return ErrWrongStatus
	}

	ws, err := m.store.GetWorkspace(ctx, l.Config.WorkspaceID)
	if err != nil {
		return fmt.Errorf("resolving workspace: %w", err)
	}
	b, err := m.backends.Get(ctx, ws.ID, ws.ServerSettings)
	if err != nil {
		return fmt.Errorf("dialing agent backend: %w", err)
	}

	gitSvc, err := gitops.NewForWorkspace(l.Config.Directory, ws.ServerSettings)
	if err != nil {
		return fmt.Errorf("building git service: %w", err)
	}
	e := engine.New(l.Config.Directory, b, gitSvc, m.bus, l, m.persistFunc(id))

	runCtx := context.Background()
	m.mu.Lock()
	m.engines[id] = e
	m.mu.Unlock()

	m.ensureTicker()

	go func() {
		defer m.dropEngine(id)
		if l.Config.Mode == loop.ModeChat {
			e.RunChat(runCtx)
			m.persistFinal(id, e)
			return
		}
		if l.Config.PlanMode && l.State.Status != loop.StatusPlanning {
			e.RunPlanning(runCtx)
		} else {
			e.Run(runCtx)
		}
		m.persistFinal(id, e)
	}()
	return nil
}

// dropEngine removes a loop's engine from memory once its goroutine
// exits in a terminal status, except for chat-mode loops which stay
// resident per component design §4.8's persistence-ticker note. A loop
// whose goroutine exits in a non-terminal status (planning, waiting for
// feedback or acceptance) also stays resident.
func (m *Manager) dropEngine(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.engines[id]
	if !ok {
		return
	}
	snap := e.Snapshot()
	if snap.Config.Mode == loop.ModeChat || !snap.State.Status.IsTerminal() {
		return
	}
	delete(m.engines, id)
}

func (m *Manager) persistFunc(id string) func(loop.State) error {
	return func(st loop.State) error {
		return m.store.UpdateLoopState(context.Background(), id, func(s *loop.State) error {
			*s = st
			return nil
		})
	}
}

// persistFinal performs the one final synchronous persist component
// design §4.8 requires on transition to a terminal status.
func (m *Manager) persistFinal(id string, e *engine.Engine) {
	snap := e.Snapshot()
	_ = m.store.UpdateLoopState(context.Background(), id, func(s *loop.State) error {
		*s = snap.State
		return nil
	})
}

// StopLoop signals cancellation and awaits the engine's transition to
// stopped, per component design §4.8.
func (m *Manager) StopLoop(ctx context.Context, id string) error {
	unlock, err := m.tryLock(id)
	if err != nil {
		return err
	}
	defer unlock()

	m.mu.Lock()
	e, ok := m.engines[id]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	e.Stop()

	for {
		snap := e.Snapshot()
		if snap.State.Status.IsTerminal() {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
	return nil
}

// DeleteLoop soft-deletes a loop: status -> deleted, engine cleanup, the
// worktree is left untouched, per component design §4.8.
func (m *Manager) DeleteLoop(ctx context.Context, id string) error {
	unlock, err := m.tryLock(id)
	if err != nil {
		return err
	}
	defer unlock()

	if err := m.stopEngineIfRunning(id); err != nil {
		return err
	}

	if err := m.store.UpdateLoopState(ctx, id, func(s *loop.State) error {
		s.Status = loop.StatusDeleted
		return nil
	}); err != nil {
		return err
	}
	m.emit(eventbus.LoopDeleted, id, nil)
	return nil
}

// DiscardLoop is delete plus deleting the working branch, per component
// design §4.8; the worktree itself survives until purge.
func (m *Manager) DiscardLoop(ctx context.Context, id string) error {
	unlock, err := m.tryLock(id)
	if err != nil {
		return err
	}
	defer unlock()

	if err := m.stopEngineIfRunning(id); err != nil {
		return err
	}

	l, err := m.store.GetLoop(ctx, id)
	if err != nil {
		return err
	}
	if l.State.Git != nil {
		if gitSvc, err := m.gitServiceFor(ctx, l); err == nil {
			_ = gitSvc.DeleteBranch(l.State.Git.WorkingBranch, true)
		}
	}

	if err := m.store.UpdateLoopState(ctx, id, func(s *loop.State) error {
		s.Status = loop.StatusDeleted
		return nil
	}); err != nil {
		return err
	}
	m.emit(eventbus.LoopDiscarded, id, nil)
	return nil
}

// purgeableStatuses are the statuses PurgeLoop accepts, per component
// design §4.8.
var purgeableStatuses = map[loop.Status]bool{
	loop.StatusMerged:  true,
	loop.StatusPushed:  true,
	loop.StatusDeleted: true,
}

// PurgeLoop removes the worktree, branch, DB row, and review comments
// for a loop in a final, purgeable status, per component design §4.8.
func (m *Manager) PurgeLoop(ctx context.Context, id string) error {
	unlock, err := m.tryLock(id)
	if err != nil {
		return err
	}
	defer unlock()

	l, err := m.store.GetLoop(ctx, id)
	if err != nil {
		return err
	}
	if !purgeableStatuses[l.State.Status] {
		return ErrPurgeWrongStatus
	}

	if l.State.Git != nil {
		if gitSvc, err := m.gitServiceFor(ctx, l); err == nil {
			_ = gitSvc.RemoveWorktree(l.State.Git.WorktreePath)
			_ = gitSvc.DeleteBranch(l.State.Git.WorkingBranch, true)
		}
	}

	// review comments are removed by the FK cascade ON DELETE CASCADE
	// declared on loops in the store's schema.
	return m.store.DeleteLoop(ctx, id)
}

// AcceptLoop merges the worktree branch into originalBranch in the main
// checkout, leaving the branch alive for review, per component design
// §4.8.
func (m *Manager) AcceptLoop(ctx context.Context, id string) error {
	unlock, err := m.tryLock(id)
	if err != nil {
		return err
	}
	defer unlock()

	l, err := m.store.GetLoop(ctx, id)
	if err != nil {
		return err
	}
	if !acceptableStatuses[l.State.Status] {
		return ErrWrongStatus
	}
	if l.State.Git == nil {
		return fmt.Errorf("manager: loop has no git state")
	}

	gitSvc, err := m.gitServiceFor(ctx, l)
	if err != nil {
		return err
	}
	if err := gitSvc.Checkout(l.State.Git.OriginalBranch, false); err != nil {
		return fmt.Errorf("checking out %s: %w", l.State.Git.OriginalBranch, err)
	}
	if _, err := gitSvc.MergeFromRemote(l.Config.Directory, l.State.Git.WorkingBranch); err != nil {
		return fmt.Errorf("merging %s: %w", l.State.Git.WorkingBranch, err)
	}

	if err := m.store.UpdateLoopState(ctx, id, func(s *loop.State) error {
		s.Status = loop.StatusMerged
		s.ReviewMode = &loop.ReviewState{Addressable: true, CompletionAction: loop.CompletionMerge, ReviewCycles: 0}
		return nil
	}); err != nil {
		return err
	}
	m.emit(eventbus.LoopAccepted, id, nil)
	return nil
}

var acceptableStatuses = map[loop.Status]bool{
	loop.StatusCompleted:     true,
	loop.StatusMaxIterations: true,
	loop.StatusStopped:       true,
	loop.StatusFailed:        true,
}

// PushLoop and UpdateBranch delegate to the Sync Controller, per
// component design §4.8/§4.9.
func (m *Manager) PushLoop(ctx context.Context, id string) (syncpkg.Result, error) {
	unlock, err := m.tryLock(id)
	if err != nil {
		return syncpkg.Result{}, err
	}
	defer unlock()
	return m.runSync(ctx, id, (*syncpkg.Controller).PushLoop)
}

func (m *Manager) UpdateBranch(ctx context.Context, id string) (syncpkg.Result, error) {
	unlock, err := m.tryLock(id)
	if err != nil {
		return syncpkg.Result{}, err
	}
	defer unlock()
	return m.runSync(ctx, id, (*syncpkg.Controller).UpdateBranch)
}

func (m *Manager) runSync(ctx context.Context, id string, op func(*syncpkg.Controller, context.Context, loop.Config, *loop.State) (syncpkg.Result, error)) (syncpkg.Result, error) {
	l, err := m.store.GetLoop(ctx, id)
	if err != nil {
		return syncpkg.Result{}, err
	}

	ws, err := m.store.GetWorkspace(ctx, l.Config.WorkspaceID)
	if err != nil {
		return syncpkg.Result{}, fmt.Errorf("resolving workspace: %w", err)
	}
	b, err := m.backends.Get(ctx, ws.ID, ws.ServerSettings)
	if err != nil {
		return syncpkg.Result{}, fmt.Errorf("dialing agent backend: %w", err)
	}

	gitSvc, err := gitops.NewForWorkspace(l.Config.Directory, ws.ServerSettings)
	if err != nil {
		return syncpkg.Result{}, fmt.Errorf("building git service: %w", err)
	}
	ctrl := syncpkg.New(gitSvc, b, m.bus, m.persistFunc(id))

	state := l.State
	res, err := op(ctrl, ctx, l.Config, &state)
	if err != nil {
		return res, err
	}
	if perr := m.persistFunc(id)(state); perr != nil {
		return res, perr
	}
	return res, nil
}

// InjectPending clears syncState and writes pendingPrompt/pendingModel,
// jumpstarting the loop back into running if it had terminated, per
// component design §4.8.
func (m *Manager) InjectPending(ctx context.Context, id string, message *string, model *loop.ModelRef) error {
	wasTerminal, err := func() (bool, error) {
		unlock, err := m.tryLock(id)
		if err != nil {
			return false, err
		}
		defer unlock()

		l, err := m.store.GetLoop(ctx, id)
		if err != nil {
			return false, err
		}
		if l.State.Status != loop.StatusCompleted && l.State.Status != loop.StatusMaxIterations &&
			l.State.Status != loop.StatusStopped && l.State.Status != loop.StatusFailed &&
			l.State.Status.IsTerminal() {
			return false, ErrFinalStatus
		}

		wasTerminal := l.State.Status.IsTerminal()
		if err := m.store.UpdateLoopState(ctx, id, func(s *loop.State) error {
			s.SyncState = nil
			s.PendingPrompt = message
			s.PendingModel = model
			return nil
		}); err != nil {
			return false, err
		}
		return wasTerminal, nil
	}()
	if err != nil {
		return err
	}

	// StartLoop re-acquires the per-loop mutex itself, so the jumpstart
	// happens only after the update above has released it.
	if wasTerminal {
		return m.StartLoop(ctx, id, false)
	}
	return nil
}

// runningEngine returns the resident engine for id, or an error if none
// is running (it is the caller's job to decide whether that is lazily
// recoverable).
func (m *Manager) runningEngine(id string) (*engine.Engine, error) {
	m.mu.Lock()
	e, ok := m.engines[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("manager: no running engine for loop %s", id)
	}
	return e, nil
}

// SendPlanFeedback forwards feedback text to a loop's planning engine.
func (m *Manager) SendPlanFeedback(ctx context.Context, id string, text string) error {
	e, err := m.runningEngine(id)
	if err != nil {
		return err
	}
	return e.SendPlanFeedback(ctx, text)
}

// AcceptPlan accepts a ready plan and transitions the loop into its
// normal iteration sequence.
func (m *Manager) AcceptPlan(ctx context.Context, id string) error {
	e, err := m.runningEngine(id)
	if err != nil {
		return err
	}
	return e.AcceptPlan(ctx)
}

// DiscardPlan abandons a plan in progress.
func (m *Manager) DiscardPlan(ctx context.Context, id string) error {
	e, err := m.runningEngine(id)
	if err != nil {
		return err
	}
	return e.DiscardPlan(ctx)
}

// SendChatMessage forwards a message to a chat loop's resident engine,
// lazily recovering the engine from the session recorded in the loop's
// persisted state (State.Session) if the
// process (or, in tests, the harness) dropped it from memory in the
// meantime, per component design §4.7's recoverChatEngine.
func (m *Manager) SendChatMessage(ctx context.Context, id string, text string) error {
	e, err := m.runningEngine(id)
	if err == nil {
		return e.SendChatMessage(ctx, text)
	}

	l, getErr := m.store.GetLoop(ctx, id)
	if getErr != nil {
		return getErr
	}
	if l.Config.Mode != loop.ModeChat {
		return engine.ErrNotChat
	}
	if l.State.Status.IsTerminal() && l.State.Status != loop.StatusCompleted {
		return fmt.Errorf("manager: cannot recover chat engine in status %s", l.State.Status)
	}
	if l.State.Session == nil {
		return fmt.Errorf("manager: cannot recover chat engine: no session recorded")
	}

	ws, err := m.store.GetWorkspace(ctx, l.Config.WorkspaceID)
	if err != nil {
		return fmt.Errorf("resolving workspace: %w", err)
	}
	b, err := m.backends.Get(ctx, ws.ID, ws.ServerSettings)
	if err != nil {
		return fmt.Errorf("dialing agent backend: %w", err)
	}
	gitSvc, err := gitops.NewForWorkspace(l.Config.Directory, ws.ServerSettings)
	if err != nil {
		return fmt.Errorf("building git service: %w", err)
	}
	recovered := engine.RecoverChat(l.Config.Directory, b, gitSvc, m.bus, l, l.State.Session.ID, m.persistFunc(id))

	m.mu.Lock()
	m.engines[id] = recovered
	m.mu.Unlock()
	m.ensureTicker()

	return recovered.SendChatMessage(ctx, text)
}

// Recover lists loops with non-terminal status on startup. Engines are
// not eagerly restarted; recovery happens lazily on the first mutating
// action against each loop, per component design §4.8.
func (m *Manager) Recover(ctx context.Context) ([]loop.Loop, error) {
	all, err := m.store.ListLoops(ctx)
	if err != nil {
		return nil, err
	}
	var pending []loop.Loop
	for _, l := range all {
		if !l.State.Status.IsTerminal() {
			pending = append(pending, l)
		}
	}
	return pending, nil
}

func (m *Manager) stopEngineIfRunning(id string) error {
	m.mu.Lock()
	e, ok := m.engines[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	e.Stop()
	return nil
}

// ensureTicker starts the state-persistence ticker on first use, per
// component design §4.8: while at least one engine is running, a single
// timer wakes at PersistInterval and snapshots every running loop's
// state into the store.
func (m *Manager) ensureTicker() {
	m.tickerOnce.Do(func() {
		m.tickerStop = make(chan struct{})
		go m.tickerLoop()
	})
}

func (m *Manager) tickerLoop() {
	ticker := time.NewTicker(PersistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.tickerStop:
			return
		case <-ticker.C:
			m.persistAllRunning()
		}
	}
}

func (m *Manager) persistAllRunning() {
	m.mu.Lock()
	engines := make(map[string]*engine.Engine, len(m.engines))
	for id, e := range m.engines {
		engines[id] = e
	}
	m.mu.Unlock()

	for id, e := range engines {
		snap := e.Snapshot()
		_ = m.persistFunc(id)(snap.State)
	}
}

// Shutdown stops the ticker, stops each engine, and flushes state, per
// component design §4.8.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	if m.tickerStop != nil {
		close(m.tickerStop)
		m.tickerStop = nil
	}
	engines := make(map[string]*engine.Engine, len(m.engines))
	for id, e := range m.engines {
		engines[id] = e
	}
	m.mu.Unlock()

	for id, e := range engines {
		e.Stop()
		snap := e.Snapshot()
		_ = m.persistFunc(id)(snap.State)
	}
}
