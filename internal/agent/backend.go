// Package agent defines the Backend abstraction the engine drives: a
// connection to an agent process (spawned locally or reached over the
// network) capable of running prompts inside a working directory and
// streaming back events. Generalized from a one-shot invokeAgent call
// ("run once to completion") into "hold a session open and stream", and
// shaped after the injected-transport Client pattern in
// goadesign-goa-ai's anthropic client and the retry/option shape of
// nickmisasi-mattermost-plugin-cursor's cursor.Client.
package agent

import (
	"context"
	"errors"
	"time"
)

// Failure modes a Backend call can report, per component design §4.5.
var (
	ErrNotConnected     = errors.New("agent: not connected")
	ErrSessionNotFound  = errors.New("agent: session not found")
	ErrModelNotEnabled  = errors.New("agent: model not enabled")
	ErrModelNotFound    = errors.New("agent: model not found")
	ErrProviderNotFound = errors.New("agent: provider not found")
	ErrConnectionFailed = errors.New("agent: connection failed")
)

// Model describes one selectable (provider, model) pair a backend exposes.
type Model struct {
	ProviderID string `json:"providerId"`
	ModelID    string `json:"modelId"`
	Name       string `json:"name"`
	Enabled    bool   `json:"enabled"`
}

// CreateSessionOptions configures a new agent session.
type CreateSessionOptions struct {
	Directory string
	Model     Model
	PlanMode  bool
}

// EventKind enumerates the shapes of message an agent session can emit.
type EventKind string

const (
	EventMessageStart    EventKind = "message.start"
	EventMessageDelta    EventKind = "message.delta"
	EventMessageComplete EventKind = "message.complete"
	EventToolStart       EventKind = "tool.start"
	EventToolEnd         EventKind = "tool.end"
	EventQuestion        EventKind = "question"
	EventPermission      EventKind = "permission"
	EventSessionError    EventKind = "session.error"
	EventSessionEnd      EventKind = "session.end"
)

// Event is one item in a session's event stream. Fields not relevant to
// Kind are left zero; callers switch on Kind before reading the rest.
type Event struct {
	Kind      EventKind
	SessionID string
	Timestamp time.Time

	Text string // message.delta / message.complete body

	ToolName  string // tool.start / tool.end
	ToolInput string

	QuestionID   string // question
	QuestionText string
	Options      []string

	PermissionID   string // permission
	PermissionTool string
	PermissionArgs string

	ErrorMessage string // session.error

	PromptTokens     int64 // message.complete, cumulative for the turn
	CompletionTokens int64
}

// EventHandler receives events for the duration of a subscription.
type EventHandler func(Event)

// Unsubscribe cancels an active subscribeToEvents call.
type Unsubscribe func()

// Backend is the operations an agent connection exposes, per component
// design §4.5: connect/disconnect, session lifecycle, prompting (sync and
// fire-and-forget), a cancellable event stream, and interactive reply
// hooks for questions and permission requests the agent raises mid-turn.
type Backend interface {
	Connect(ctx context.Context) error
	Disconnect() error

	CreateSession(ctx context.Context, opts CreateSessionOptions) (sessionID string, err error)

	SendPrompt(ctx context.Context, sessionID, prompt string) (reply string, err error)
	SendPromptAsync(ctx context.Context, sessionID, prompt string) error

	SubscribeToEvents(ctx context.Context, sessionID string, h EventHandler) (Unsubscribe, error)

	AbortSession(ctx context.Context, sessionID string) error

	ReplyToQuestion(ctx context.Context, sessionID, questionID, answer string) error
	ReplyToPermission(ctx context.Context, sessionID, permissionID string, allow bool) error

	ListModels(ctx context.Context) ([]Model, error)
}
