// Package eventbus provides the typed pub/sub used to fan out loop
// lifecycle events to whatever is watching (the manager's persistence
// ticker, acceptance tests, eventually a route layer). It is a direct
// generalization of a mutex-guarded failedSet pattern: a lock-guarded
// map, read under the lock, acted on outside it.
package eventbus

import (
	"log/slog"
	"sync"
	"time"
)

// Type enumerates the event kinds described in component design §4.2.
type Type string

const (
	LoopCreated        Type = "loop.created"
	LoopStarted        Type = "loop.started"
	LoopIterationStart Type = "loop.iteration.start"
	LoopIterationEnd   Type = "loop.iteration.end"
	LoopCompleted      Type = "loop.completed"
	LoopStopped        Type = "loop.stopped"
	LoopFailed         Type = "loop.failed"
	LoopDeleted        Type = "loop.deleted"
	LoopAccepted       Type = "loop.accepted"
	LoopDiscarded      Type = "loop.discarded"
	LoopPushed         Type = "loop.pushed"
	LoopError          Type = "loop.error"
	LoopLog            Type = "loop.log"

	LoopPlanReady     Type = "loop.plan.ready"
	LoopPlanFeedback  Type = "loop.plan.feedback"
	LoopPlanAccepted  Type = "loop.plan.accepted"
	LoopPlanDiscarded Type = "loop.plan.discarded"

	LoopSyncStarted   Type = "loop.sync.started"
	LoopSyncClean     Type = "loop.sync.clean"
	LoopSyncConflicts Type = "loop.sync.conflicts"

	LoopGitCommit Type = "loop.git.commit"
)

// Event is the envelope every subscriber receives. Data holds whatever
// payload the emitting component chose to attach (e.g. {"iteration": 3}
// for LoopIterationStart); callers type-assert the fields they expect.
type Event struct {
	Type      Type
	LoopID    string
	Timestamp time.Time
	Data      map[string]any
}

// Handler receives emitted events. A handler must not block for long —
// Emit invokes all handlers synchronously, in subscription order.
type Handler func(Event)

// Unsubscribe removes a previously registered handler.
type Unsubscribe func()

// Bus is a lock-guarded set of handlers with a single Emit entrypoint.
// There is no buffering and no replay: a subscriber only sees events
// emitted after it subscribes.
type Bus struct {
	mu       sync.Mutex
	nextID   int
	handlers map[int]Handler
	logger   *slog.Logger
}

// New creates an empty Bus. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{handlers: make(map[int]Handler), logger: logger}
}

// Subscribe registers a handler and returns a function that removes it.
func (b *Bus) Subscribe(h Handler) Unsubscribe {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// Emit dispatches ev to every current subscriber, in registration order.
// A panicking handler is isolated with recover and logged; it never
// aborts dispatch to the remaining handlers, the same per-item
// isolation a level-by-level orchestrator applies per concern.
func (b *Bus) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	ordered := make([]int, 0, len(b.handlers))
	for id := range b.handlers {
		ordered = append(ordered, id)
	}
	// map iteration order is random; sort so "registration order" is
	// actually meaningful across repeated Emit calls.
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j-1] > ordered[j]; j-- {
			ordered[j-1], ordered[j] = ordered[j], ordered[j-1]
		}
	}
	handlers := make([]Handler, len(ordered))
	for i, id := range ordered {
		handlers[i] = b.handlers[id]
	}
	b.mu.Unlock()

	for _, h := range handlers {
		b.dispatchOne(h, ev)
	}
}

func (b *Bus) dispatchOne(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "event", ev.Type, "loopId", ev.LoopID, "panic", r)
		}
	}()
	h(ev)
}
