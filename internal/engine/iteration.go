package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/PabloZaiden/ralpher/internal/agent"
	"github.com/PabloZaiden/ralpher/internal/loop"
)

// activityHook is invoked after every drained event, before the marker
// checks, so callers can fold tool calls / todos into their own state
// without this file depending on the full Engine type.
type activityHook func(agent.Event)

// runSingleIteration sends prompt to sessionID, drains its event stream
// until a completion/plan-ready marker, backend-reported error, the end of
// the agent's reply (message.complete or session.end), activity timeout,
// or cancellation, and reports the outcome. It is the one place
// every loop/plan/chat/conflict-resolution variant funnels through,
// grounded on an invokeAgent PTY-drain loop design, generalized from
// "drain to process exit" to "drain to marker or timeout".
func runSingleIteration(
	ctx context.Context,
	backend agent.Backend,
	sessionID string,
	prompt string,
	completionMarkers []string,
	errorPrefix string,
	activityTimeout time.Duration,
	onEvent activityHook,
) (loop.IterationOutcome, string) {
	iterCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan agent.Event, 32)
	unsubscribe, err := backend.SubscribeToEvents(iterCtx, sessionID, func(ev agent.Event) {
		select {
		case events <- ev:
		case <-iterCtx.Done():
		}
	})
	if err != nil {
		return loop.OutcomeError, fmt.Sprintf("subscribing to events: %s", err)
	}
	defer unsubscribe()

	if err := backend.SendPromptAsync(iterCtx, sessionID, prompt); err != nil {
		return loop.OutcomeError, fmt.Sprintf("sending prompt: %s", err)
	}

	if activityTimeout <= 0 {
		activityTimeout = 5 * time.Minute
	}
	timer := time.NewTimer(activityTimeout)
	defer timer.Stop()

	buf := newMarkerBuffer()

	for {
		select {
		case <-ctx.Done():
			_ = backend.AbortSession(context.Background(), sessionID)
			return loop.OutcomeError, "cancelled"

		case <-timer.C:
			_ = backend.AbortSession(context.Background(), sessionID)
			return loop.OutcomeError, "activity timeout"

		case ev, ok := <-events:
			if !ok {
				return loop.OutcomeContinue, ""
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(activityTimeout)

			switch ev.Kind {
			case agent.EventMessageDelta:
				buf.Feed(ev.Text)
			case agent.EventMessageComplete:
				buf.Feed(ev.Text)
				if onEvent != nil {
					onEvent(ev)
				}
				return classify(buf, completionMarkers, errorPrefix)
			case agent.EventSessionError:
				buf.Feed(errorPrefix + ev.ErrorMessage)
			case agent.EventSessionEnd:
				if onEvent != nil {
					onEvent(ev)
				}
				return classify(buf, completionMarkers, errorPrefix)
			}

			if onEvent != nil {
				onEvent(ev)
			}

			if msg, found := buf.ExtractError(errorPrefix); found {
				return loop.OutcomeError, msg
			}
			for _, marker := range completionMarkers {
				if buf.Contains(marker) {
					return loop.OutcomeComplete, ""
				}
			}
		}
	}
}

func classify(buf *markerBuffer, completionMarkers []string, errorPrefix string) (loop.IterationOutcome, string) {
	if msg, found := buf.ExtractError(errorPrefix); found {
		return loop.OutcomeError, msg
	}
	for _, marker := range completionMarkers {
		if buf.Contains(marker) {
			return loop.OutcomeComplete, ""
		}
	}
	return loop.OutcomeContinue, ""
}
