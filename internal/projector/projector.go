// Package projector implements the Display-Ownership Projector: a pure
// mapping from runtime events to UI-facing strings, filtered to the
// entry currently displayed, plus the Start Policy that decides whether
// a submit should issue a new run or render a waiting status.
package projector

import (
	"fmt"

	"github.com/mercury-rss/agentcore/internal/engine"
	rt "github.com/mercury-rss/agentcore/internal/runtime"
)

// localizedReason maps a FailureReason to a user-facing phrase. Absent
// entries (should not occur) fall back to the raw reason string.
var localizedReason = map[rt.FailureReason]string{
	rt.ReasonCancelled:            "Cancelled.",
	rt.ReasonTimedOut:             "Timed out.",
	rt.ReasonRateLimited:          "Rate limited by the provider.",
	rt.ReasonNetwork:              "Network error reaching the provider.",
	rt.ReasonUnauthorized:         "The provider rejected the credential.",
	rt.ReasonInvalidConfiguration: "No usable model route is configured.",
	rt.ReasonInvalidResponse:      "The provider returned an invalid response.",
	rt.ReasonUnknown:              "Something went wrong.",
}

// rateLimitGuidance is appended to rate_limited failures.
const rateLimitGuidance = " Reduce concurrency, switch tier, or retry later."

// Project maps one engine event into a UI string for the currently
// displayed entry. The second return value reports whether the event is
// visible for that entry at all, events for any other entry are
// filtered out of the primary pane.
func Project(ev engine.Event, displayedEntryID int64) (string, bool) {
	if ev.Owner.EntryID != displayedEntryID {
		return "", false
	}

	switch ev.Kind {
	case engine.EventActivated:
		return "Starting…", true
	case engine.EventQueued:
		return fmt.Sprintf("Queued (position %d).", ev.Position), true
	case engine.EventDropped:
		return "Cancelled: replaced by a newer request.", true
	case engine.EventPhaseChanged:
		return projectPhase(ev.Phase, ev.StatusText), true
	case engine.EventProgressUpdated:
		if ev.Progress != nil {
			return fmt.Sprintf("%s (%d%%)", ev.StatusText, *ev.Progress), true
		}
		return ev.StatusText, true
	case engine.EventTerminal:
		return projectTerminal(ev.Phase, ev.Terminal), true
	case engine.EventPromoted:
		if ev.PromotedTo != nil {
			return "Starting…", true
		}
		return "", true
	default:
		return "", true
	}
}

func projectPhase(phase rt.Phase, statusText string) string {
	if statusText != "" {
		return statusText
	}
	switch phase {
	case rt.PhaseRequesting:
		return "Requesting…"
	case rt.PhaseGenerating:
		return "Generating…"
	case rt.PhasePersisting:
		return "Saving…"
	default:
		return string(phase)
	}
}

func projectTerminal(phase rt.Phase, reason rt.FailureReason) string {
	if phase == rt.PhaseCompleted {
		return "Done."
	}
	msg, ok := localizedReason[reason]
	if !ok {
		msg = string(reason)
	}
	if reason == rt.ReasonRateLimited {
		msg += rateLimitGuidance
	}
	return msg
}
