package engine

import (
	"time"

	rt "github.com/mercury-rss/agentcore/internal/runtime"
)

// DecisionKind is the outcome of a submit call.
type DecisionKind string

const (
	StartNow       DecisionKind = "start_now"
	QueuedWaiting  DecisionKind = "queued_waiting"
	AlreadyWaiting DecisionKind = "already_waiting"
	AlreadyActive  DecisionKind = "already_active"
)

// Decision is returned by Submit. Position is 1-based and only meaningful
// for QueuedWaiting / AlreadyWaiting.
type Decision struct {
	Kind     DecisionKind
	Position int
}

// EventKind enumerates the event stream's vocabulary.
type EventKind string

const (
	EventActivated       EventKind = "activated"
	EventQueued          EventKind = "queued"
	EventDropped         EventKind = "dropped"
	EventPhaseChanged    EventKind = "phase_changed"
	EventProgressUpdated EventKind = "progress_updated"
	EventTerminal        EventKind = "terminal"
	EventPromoted        EventKind = "promoted"
)

// Drop reasons.
const (
	ReasonReplacedByLatest       = "replaced_by_latest"
	ReasonAbandonedByEntrySwitch = "abandoned_by_entry_switch"
	ReasonAbandonedByOwner       = "abandoned_by_owner"
)

// Event is emitted on the engine's event stream. Every event carries
// TaskID and Owner; other fields are populated according to Kind.
type Event struct {
	Kind         EventKind
	TaskID       rt.TaskID
	Owner        rt.Owner
	Timestamp    time.Time
	ActiveToken  rt.ActiveToken   // activated
	Position     int              // queued / already_waiting
	DropReason   string           // dropped
	Phase        rt.Phase         // phase_changed, terminal
	StatusText   string           // phase_changed, progress_updated
	Progress     *int             // progress_updated
	Terminal     rt.FailureReason // terminal (empty on clean completion)
	PromotedFrom *rt.Owner        // promoted: the owner whose finish freed the slot
	PromotedTo   *rt.Owner        // promoted: the owner activated, nil if none were waiting
}

func newEvent(kind EventKind, taskID rt.TaskID, owner rt.Owner) Event {
	return Event{Kind: kind, TaskID: taskID, Owner: owner, Timestamp: now()}
}
