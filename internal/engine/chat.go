package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/PabloZaiden/ralpher/internal/agent"
	"github.com/PabloZaiden/ralpher/internal/eventbus"
	gitops "github.com/PabloZaiden/ralpher/internal/git"
	"github.com/PabloZaiden/ralpher/internal/loop"
)

// RunChat drives the chat variant's first turn (component design §4.7
// "Chat variant"): setup is identical to loop mode, but the outcome of the
// one iteration is forced to complete regardless of what the agent said,
// and the Engine stays resident afterward instead of being dropped.
func (e *Engine) RunChat(ctx context.Context) {
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

	e.runChatTurn(ctx, e.config.Prompt)
}

// SendChatMessage injects text into the loop's resident session and runs
// another turn. Rejects for non-chat loops and chats in a final state,
// per component design §4.7 "Chat variant".
func (e *Engine) SendChatMessage(ctx context.Context, text string) error {
	e.mu.Lock()
	if e.config.Mode != loop.ModeChat {
		e.mu.Unlock()
		return ErrNotChat
	}
	if e.state.Status.IsTerminal() && e.state.Status != loop.StatusCompleted {
		e.mu.Unlock()
		return fmt.Errorf("engine: chat loop is in terminal status %s", e.state.Status)
	}
	e.mu.Unlock()

	go e.runChatTurn(ctx, text)
	return nil
}

func (e *Engine) runChatTurn(ctx context.Context, prompt string) {
	e.mu.Lock()
	e.state.Status = loop.StatusRunning
	iteration := e.state.CurrentIteration + 1
	sessionID := e.state.Session.ID
	e.mu.Unlock()

	e.emit(eventbus.LoopIterationStart, map[string]any{"iteration": iteration})

	_, errMsg := runSingleIteration(ctx, e.backend, sessionID, prompt,
		[]string{loop.CompletionMarker}, loop.ErrorMarkerPrefix, e.activityTimeout(), e.recordActivity)

	e.commitIteration(iteration)

	e.mu.Lock()
	e.state.CurrentIteration = iteration
	// one prompt = one turn: chat outcome is always complete once the
	// stream ends, per component design §4.7 "Chat variant".
	e.state.AppendIteration(loop.IterationRecord{Iteration: iteration, Outcome: loop.OutcomeComplete, Summary: errMsg})
	e.state.Status = loop.StatusCompleted
	now := time.Now().UTC()
	e.state.CompletedAt = &now
	e.mu.Unlock()

	e.emit(eventbus.LoopIterationEnd, map[string]any{"iteration": iteration, "outcome": string(loop.OutcomeComplete)})
	e.emit(eventbus.LoopCompleted, nil)
	e.flush()
}

// RecoverChat rebuilds a chat engine from persisted state after a process
// restart: it reattaches the session recorded in l.State.Session (or, when
// none is recorded, sessionID) instead of creating a fresh one. It sends
// nothing itself; the caller delivers the new message through the
// returned engine's SendChatMessage.
func RecoverChat(repoDir string, backend agent.Backend, gitSvc *gitops.Service, bus *eventbus.Bus, l loop.Loop, sessionID string, persist func(loop.State) error) *Engine {
	e := New(repoDir, backend, gitSvc, bus, l, persist)
	if e.state.Session == nil {
		e.state.Session = &loop.Session{ID: sessionID}
	}
	return e
}
