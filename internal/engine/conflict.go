package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/PabloZaiden/ralpher/internal/agent"
	"github.com/PabloZaiden/ralpher/internal/loop"
)

// ResolveConflicts runs the conflict-resolution sub-variant (component
// design §4.7 "Conflict-resolution sub-variant"): a normal iteration
// bound to a fresh session in worktreeDir with a synthesized prompt
// describing the conflicted files, stopping at the canonical completion
// marker. Invoked by the Sync Controller when MergeFromRemote reports
// conflicts; it never touches loop state directly since a Sync Controller
// call may run against a loop whose Engine isn't resident in memory.
func ResolveConflicts(ctx context.Context, backend agent.Backend, worktreeDir string, conflictedFiles []string, activityTimeoutSeconds int) (sessionID string, outcome loop.IterationOutcome, errMsg string, err error) {
	sessionID, err = backend.CreateSession(ctx, agent.CreateSessionOptions{Directory: worktreeDir})
	if err != nil {
		return "", "", "", fmt.Errorf("creating conflict-resolution session: %w", err)
	}

	prompt := conflictResolutionPrompt(conflictedFiles)
	timeout := activityTimeoutSecondsDuration(activityTimeoutSeconds)

	outcome, errMsg = runSingleIteration(ctx, backend, sessionID, prompt,
		[]string{loop.CompletionMarker}, loop.ErrorMarkerPrefix, timeout, nil)
	return sessionID, outcome, errMsg, nil
}

func conflictResolutionPrompt(conflictedFiles []string) string {
	var sb strings.Builder
	sb.WriteString("A git merge left the following files with unresolved conflicts:\n\n")
	for _, f := range conflictedFiles {
		sb.WriteString("- " + f + "\n")
	}
	sb.WriteString("\nResolve every conflict marker, stage the result, and reply with ")
	sb.WriteString(loop.CompletionMarker)
	sb.WriteString(" once the worktree is clean.\n")
	return sb.String()
}
