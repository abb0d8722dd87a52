package agent

import (
	"context"
	"fmt"
	"sync"
)

// Script is one canned turn a Mock backend plays back for SendPrompt and
// SubscribeToEvents: Reply is returned synchronously, Events is streamed
// (in order) to every subscriber once the turn is asked for.
type Script struct {
	Reply  string
	Events []Event
}

// Mock is an in-process Backend driven entirely by a scripted turn list,
// used by the engine's own tests and the acceptance suite in place of a
// real agent process — the in-process analogue of a shell-script
// stand-in agent (`sh -c "echo ..."`), generalized to hold session
// state and emit structured events instead of writing files a test
// then has to stat.
type Mock struct {
	mu         sync.Mutex
	connected  bool
	nextID     int
	sessions   map[string]*mockSession
	models     []Model
	scriptFunc func(prompt string) Script
}

type mockSession struct {
	turn        int
	subscribers map[int]EventHandler
	nextSubID   int
}

// NewMock creates a Mock backend. scriptFunc, given the prompt text sent
// to SendPrompt/SendPromptAsync, returns the canned turn to play back; a
// nil scriptFunc makes every prompt echo back a fixed completion event.
func NewMock(models []Model, scriptFunc func(prompt string) Script) *Mock {
	if scriptFunc == nil {
		scriptFunc = func(prompt string) Script {
			return Script{
				Reply: "ok",
				Events: []Event{
					{Kind: EventMessageComplete, Text: "ok"},
				},
			}
		}
	}
	return &Mock{
		sessions:   make(map[string]*mockSession),
		models:     models,
		scriptFunc: scriptFunc,
	}
}

func (m *Mock) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

func (m *Mock) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *Mock) CreateSession(ctx context.Context, opts CreateSessionOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return "", ErrNotConnected
	}
	m.nextID++
	id := fmt.Sprintf("mock-session-%d", m.nextID)
	m.sessions[id] = &mockSession{subscribers: make(map[int]EventHandler)}
	return id, nil
}

func (m *Mock) session(id string) (*mockSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

func (m *Mock) SendPrompt(ctx context.Context, sessionID, prompt string) (string, error) {
	s, err := m.session(sessionID)
	if err != nil {
		return "", err
	}
	script := m.scriptFunc(prompt)
	m.deliver(s, script)
	return script.Reply, nil
}

func (m *Mock) SendPromptAsync(ctx context.Context, sessionID, prompt string) error {
	s, err := m.session(sessionID)
	if err != nil {
		return err
	}
	script := m.scriptFunc(prompt)
	go m.deliver(s, script)
	return nil
}

func (m *Mock) deliver(s *mockSession, script Script) {
	m.mu.Lock()
	s.turn++
	handlers := make([]EventHandler, 0, len(s.subscribers))
	for _, h := range s.subscribers {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	for _, ev := range script.Events {
		for _, h := range handlers {
			h(ev)
		}
	}
}

func (m *Mock) SubscribeToEvents(ctx context.Context, sessionID string, h EventHandler) (Unsubscribe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = h
	return func() {
		m.mu.Lock()
		delete(s.subscribers, id)
		m.mu.Unlock()
	}, nil
}

func (m *Mock) AbortSession(ctx context.Context, sessionID string) error {
	_, err := m.session(sessionID)
	return err
}

func (m *Mock) ReplyToQuestion(ctx context.Context, sessionID, questionID, answer string) error {
	_, err := m.session(sessionID)
	return err
}

func (m *Mock) ReplyToPermission(ctx context.Context, sessionID, permissionID string, allow bool) error {
	_, err := m.session(sessionID)
	return err
}

func (m *Mock) ListModels(ctx context.Context) ([]Model, error) {
	return m.models, nil
}
