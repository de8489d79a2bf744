package projector

import (
	"testing"

	"github.com/mercury-rss/agentcore/internal/engine"
	rt "github.com/mercury-rss/agentcore/internal/runtime"
)

func TestProject_FiltersOtherEntries(t *testing.T) {
	ev := engine.Event{Kind: engine.EventActivated, Owner: rt.Owner{EntryID: 7}}
	if _, visible := Project(ev, 8); visible {
		t.Error("expected event for a different entry to be filtered out")
	}
}

func TestProject_Activated(t *testing.T) {
	ev := engine.Event{Kind: engine.EventActivated, Owner: rt.Owner{EntryID: 7}}
	text, visible := Project(ev, 7)
	if !visible || text == "" {
		t.Fatalf("expected visible non-empty text, got %q (visible=%v)", text, visible)
	}
}

func TestProject_Queued(t *testing.T) {
	ev := engine.Event{Kind: engine.EventQueued, Owner: rt.Owner{EntryID: 7}, Position: 2}
	text, visible := Project(ev, 7)
	if !visible {
		t.Fatal("expected visible")
	}
	if text != "Queued (position 2)." {
		t.Errorf("text = %q", text)
	}
}

func TestProject_TerminalCompleted(t *testing.T) {
	ev := engine.Event{Kind: engine.EventTerminal, Owner: rt.Owner{EntryID: 7}, Phase: rt.PhaseCompleted}
	text, _ := Project(ev, 7)
	if text != "Done." {
		t.Errorf("text = %q, want %q", text, "Done.")
	}
}

func TestProject_TerminalRateLimitedCarriesGuidance(t *testing.T) {
	ev := engine.Event{Kind: engine.EventTerminal, Owner: rt.Owner{EntryID: 7}, Phase: rt.PhaseFailed, Terminal: rt.ReasonRateLimited}
	text, _ := Project(ev, 7)
	if text != "Rate limited by the provider. Reduce concurrency, switch tier, or retry later." {
		t.Errorf("text = %q", text)
	}
}

func TestProject_TerminalCancelledVsTimedOut(t *testing.T) {
	cancelled := engine.Event{Kind: engine.EventTerminal, Owner: rt.Owner{EntryID: 7}, Phase: rt.PhaseCancelled, Terminal: rt.ReasonCancelled}
	timedOut := engine.Event{Kind: engine.EventTerminal, Owner: rt.Owner{EntryID: 7}, Phase: rt.PhaseTimedOut, Terminal: rt.ReasonTimedOut}

	cText, _ := Project(cancelled, 7)
	tText, _ := Project(timedOut, 7)
	if cText == tText {
		t.Errorf("expected distinct text for cancelled vs timed out, got %q for both", cText)
	}
}

func TestProject_ProgressUpdated(t *testing.T) {
	p := 42
	ev := engine.Event{Kind: engine.EventProgressUpdated, Owner: rt.Owner{EntryID: 7}, StatusText: "translating", Progress: &p}
	text, _ := Project(ev, 7)
	if text != "translating (42%)" {
		t.Errorf("text = %q", text)
	}
}

func TestDecideStart_Precedence(t *testing.T) {
	cases := []struct {
		name string
		in   StartInput
		want StartDecision
	}{
		{"persisted wins over everything", StartInput{HasPersisted: true, HasAnyInFlight: true, HasManualRequest: true}, DecisionUsePersisted},
		{"pending load beats current-slot", StartInput{HasPendingLoad: true, IsCurrentSlotInFlight: true}, DecisionPendingLoad},
		{"current slot beats manual-request gate", StartInput{IsCurrentSlotInFlight: true, HasManualRequest: false}, DecisionCurrentSlot},
		{"no manual request stays idle", StartInput{HasManualRequest: false, HasAnyInFlight: true}, DecisionNoRequest},
		{"any in-flight renders waiting", StartInput{HasManualRequest: true, HasAnyInFlight: true}, DecisionWaiting},
		{"otherwise start now", StartInput{HasManualRequest: true}, DecisionStartNow},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := DecideStart(c.in); got != c.want {
				t.Errorf("DecideStart(%+v) = %v, want %v", c.in, got, c.want)
			}
		})
	}
}
