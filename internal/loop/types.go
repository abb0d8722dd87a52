// Package loop defines the domain model shared by the store, engine,
// manager, and sync controller: workspaces, loops, sessions, and review
// comments.
package loop

import "time"

// Mode distinguishes a long-running iterative loop from a resident chat.
type Mode string

const (
	ModeLoop Mode = "loop"
	ModeChat Mode = "chat"
)

// Status is the loop's current place in the state machine described in
// component design §4.7.
type Status string

const (
	StatusDraft              Status = "draft"
	StatusIdle               Status = "idle"
	StatusPlanning           Status = "planning"
	StatusStarting           Status = "starting"
	StatusRunning            Status = "running"
	StatusWaiting            Status = "waiting"
	StatusCompleted          Status = "completed"
	StatusStopped            Status = "stopped"
	StatusFailed             Status = "failed"
	StatusMaxIterations      Status = "max_iterations"
	StatusResolvingConflicts Status = "resolving_conflicts"
	StatusMerged             Status = "merged"
	StatusPushed             Status = "pushed"
	StatusDeleted            Status = "deleted"
)

// IsTerminal reports whether a loop in this status may be jumpstarted or
// purged instead of actively iterating.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusStopped, StatusFailed, StatusMaxIterations,
		StatusMerged, StatusPushed, StatusDeleted:
		return true
	}
	return false
}

// ModelRef identifies the model a loop's agent session runs against.
type ModelRef struct {
	ProviderID string `json:"providerId"`
	ModelID    string `json:"modelId"`
	Variant    string `json:"variant,omitempty"`
}

// Config is the immutable-ish half of a loop: set at creation, mutated
// only by an explicit edit on a draft loop or via pendingPrompt/pendingModel
// on a live one.
type Config struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	WorkspaceID string    `json:"workspaceId"`
	Directory   string    `json:"directory"`
	Mode        Mode      `json:"mode"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`

	Prompt                 string   `json:"prompt"`
	StopPattern             string   `json:"stopPattern"`
	MaxIterations           int      `json:"maxIterations"`
	MaxConsecutiveErrors    int      `json:"maxConsecutiveErrors"`
	ActivityTimeoutSeconds  int      `json:"activityTimeoutSeconds"`
	Model                   ModelRef `json:"model"`

	BranchPrefix string `json:"branchPrefix"`
	CommitScope  string `json:"commitScope"`
	BaseBranch   string `json:"baseBranch,omitempty"`

	PlanMode           bool `json:"planMode"`
	ClearPlanningFolder bool `json:"clearPlanningFolder"`
}

// DefaultStopPattern is the fallback completion marker when a loop does
// not configure its own.
const DefaultStopPattern = "COMPLETE"

// CompletionMarker and PlanReadyMarker are the canonical promise markers
// recognized in addition to any configured stopPattern.
const (
	CompletionMarker = "<promise>COMPLETE</promise>"
	PlanReadyMarker  = "<promise>PLAN_READY</promise>"
	ErrorMarkerPrefix = "ERROR:"
)

// Session is the current agent session bound to a loop.
type Session struct {
	ID        string `json:"id"`
	ServerURL string `json:"serverUrl,omitempty"`
}

// LoopError captures the last failure recorded against a loop.
type LoopError struct {
	Message   string    `json:"message"`
	Iteration int       `json:"iteration"`
	Timestamp time.Time `json:"timestamp"`
}

// GitState tracks the worktree and branch bound to a loop.
type GitState struct {
	OriginalBranch string   `json:"originalBranch"`
	WorkingBranch  string   `json:"workingBranch"`
	WorktreePath   string   `json:"worktreePath"`
	Commits        []string `json:"commits,omitempty"`
}

// IterationOutcome is the per-iteration verdict driving the engine's
// decision table.
type IterationOutcome string

const (
	OutcomeComplete IterationOutcome = "complete"
	OutcomeContinue IterationOutcome = "continue"
	OutcomeError    IterationOutcome = "error"
)

// IterationRecord is one entry of the bounded recentIterations ring.
type IterationRecord struct {
	Iteration int              `json:"iteration"`
	Outcome   IterationOutcome `json:"outcome"`
	Summary   string           `json:"summary,omitempty"`
}

// RecentIterationsLimit bounds the ring buffer retained in state.
const RecentIterationsLimit = 20

// PlanState tracks an in-progress or completed planning phase.
type PlanState struct {
	Active               bool   `json:"active"`
	PlanSessionID         string `json:"planSessionId,omitempty"`
	FeedbackRounds        int    `json:"feedbackRounds"`
	PlanningFolderCleared bool   `json:"planningFolderCleared"`
	IsPlanReady           bool   `json:"isPlanReady"`
}

// CompletionAction records whether a review cycle was opened by accept
// (merge) or push.
type CompletionAction string

const (
	CompletionMerge CompletionAction = "merge"
	CompletionPush  CompletionAction = "push"
)

// ReviewState tracks the addressable post-merge/post-push review window.
type ReviewState struct {
	Addressable      bool             `json:"addressable"`
	CompletionAction CompletionAction `json:"completionAction"`
	ReviewCycles     int              `json:"reviewCycles"`
}

// SyncPhase distinguishes which branch a conflict-resolution sub-loop is
// currently reconciling against.
type SyncPhase string

const (
	SyncPhaseBaseBranch    SyncPhase = "base_branch"
	SyncPhaseWorkingBranch SyncPhase = "working_branch"
)

// SyncState is set for the duration of any conflict-resolution sub-loop.
type SyncState struct {
	SyncPhase           SyncPhase `json:"syncPhase"`
	AutoPushOnComplete   bool      `json:"autoPushOnComplete"`
	ResolutionSessionID string    `json:"resolutionSessionId,omitempty"`
}

// TokenUsage is a purely observational accumulation of token spend across
// a loop's iterations; it never drives control flow.
type TokenUsage struct {
	PromptTokens     int64 `json:"promptTokens"`
	CompletionTokens int64 `json:"completionTokens"`
}

// State is the mutable half of a loop.
type State struct {
	Status            Status     `json:"status"`
	CurrentIteration  int        `json:"currentIteration"`
	StartedAt         *time.Time `json:"startedAt,omitempty"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
	LastActivityAt    *time.Time `json:"lastActivityAt,omitempty"`

	Session *Session `json:"session,omitempty"`

	Error             *LoopError  `json:"error,omitempty"`
	ConsecutiveErrors int         `json:"consecutiveErrors"`

	Git *GitState `json:"git,omitempty"`

	RecentIterations []IterationRecord `json:"recentIterations,omitempty"`

	PlanMode   *PlanState   `json:"planMode,omitempty"`
	ReviewMode *ReviewState `json:"reviewMode,omitempty"`
	SyncState  *SyncState   `json:"syncState,omitempty"`

	PendingPrompt *string   `json:"pendingPrompt,omitempty"`
	PendingModel  *ModelRef `json:"pendingModel,omitempty"`

	TokenUsage *TokenUsage `json:"tokenUsage,omitempty"`

	Todos    []string `json:"todos,omitempty"`
	Logs     []string `json:"logs,omitempty"`
}

// AppendIteration appends a record to the bounded recent-iterations ring,
// evicting the oldest entry once the limit is reached.
func (s *State) AppendIteration(rec IterationRecord) {
	s.RecentIterations = append(s.RecentIterations, rec)
	if over := len(s.RecentIterations) - RecentIterationsLimit; over > 0 {
		s.RecentIterations = s.RecentIterations[over:]
	}
}

// Loop is the full identity+behavior+state aggregate the manager and
// engine operate on.
type Loop struct {
	Config Config `json:"config"`
	State  State  `json:"state"`
}

// ServerMode selects how a workspace reaches its agent backend.
type ServerMode string

const (
	ServerModeSpawn   ServerMode = "spawn"
	ServerModeConnect ServerMode = "connect"
)

// ServerSettings configures how the Backend Manager dials a workspace's
// agent.
type ServerSettings struct {
	Mode           ServerMode `json:"mode"`
	Hostname       string     `json:"hostname,omitempty"`
	Port           int        `json:"port,omitempty"`
	UseTLS         bool       `json:"useTls,omitempty"`
	InsecureTLS    bool       `json:"insecureTls,omitempty"`
}

// Workspace groups loops under one directory and one backend connection.
type Workspace struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Directory       string         `json:"directory"`
	ServerSettings  ServerSettings `json:"serverSettings"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
	LastConnectedAt *time.Time     `json:"lastConnectedAt,omitempty"`
}

// SessionMapping is the durable (backend, loop) -> agent session binding
// used to recover engines after a restart.
type SessionMapping struct {
	Backend   string    `json:"backend"`
	LoopID    string    `json:"loopId"`
	SessionID string    `json:"sessionId"`
	ServerURL string    `json:"serverUrl,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ReviewCommentStatus tracks whether an addressable comment has been
// handled by a subsequent injectPending iteration.
type ReviewCommentStatus string

const (
	ReviewCommentPending   ReviewCommentStatus = "pending"
	ReviewCommentAddressed ReviewCommentStatus = "addressed"
)

// ReviewComment is a single post-merge/post-push review note.
type ReviewComment struct {
	ID          string              `json:"id"`
	LoopID      string              `json:"loopId"`
	ReviewCycle int                 `json:"reviewCycle"`
	Text        string              `json:"text"`
	Status      ReviewCommentStatus `json:"status"`
	CreatedAt   time.Time           `json:"createdAt"`
	AddressedAt *time.Time          `json:"addressedAt,omitempty"`
}
