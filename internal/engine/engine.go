// Package engine implements the Agent Runtime Engine: an actor-serialized
// scheduler over per-task-kind active/waiting queues with capacity,
// replacement, and FIFO promotion policy.
package engine

import (
	"log/slog"
	"sync"

	rt "github.com/mercury-rss/agentcore/internal/runtime"
)

// Engine is the exclusive-mutation scheduling actor. All public methods
// are safe for concurrent use: each dispatches a command to a single
// goroutine that owns the store, so active/waiting/state mutation is
// always linearizable.
type Engine struct {
	cmds chan func(*store)
	bus  *broadcaster

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup

	log *slog.Logger
}

// New creates an Engine and starts its actor goroutine.
func New() *Engine {
	e := &Engine{
		cmds: make(chan func(*store)),
		bus:  newBroadcaster(),
		done: make(chan struct{}),
		log:  slog.With("component", "engine"),
	}
	e.wg.Add(1)
	go e.run()
	return e
}

func (e *Engine) run() {
	defer e.wg.Done()
	s := newStore()
	for {
		select {
		case cmd := <-e.cmds:
			cmd(s)
		case <-e.done:
			return
		}
	}
}

// Stop shuts the actor goroutine and all subscriber queues down.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.done)
		e.wg.Wait()
		e.bus.closeAll()
	})
}

// exec serializes fn through the actor and blocks until it has run.
func (e *Engine) exec(fn func(*store)) {
	done := make(chan struct{})
	e.cmds <- func(s *store) {
		fn(s)
		close(done)
	}
	<-done
}

// Events subscribes to the engine's event stream from this point forward.
func (e *Engine) Events() (<-chan Event, func()) {
	return e.bus.Subscribe()
}

// Submit records/refreshes a task spec and returns the scheduling decision.
func (e *Engine) Submit(spec rt.TaskSpec) Decision {
	var decision Decision
	e.exec(func(s *store) {
		o := spec.Owner
		s.specs[o] = spec

		if s.isActive(o) {
			decision = Decision{Kind: AlreadyActive}
			return
		}
		if pos, waiting := s.waitingPosition(o); waiting {
			decision = Decision{Kind: AlreadyWaiting, Position: pos}
			return
		}

		limit := spec.QueuePolicy.ConcurrentLimitPerKind
		if s.activeCount(o.Kind) < limit {
			token := s.activate(o, spec.TaskID)
			e.bus.publish(Event{
				Kind: EventActivated, TaskID: spec.TaskID, Owner: o,
				Timestamp: now(), ActiveToken: token,
			})
			decision = Decision{Kind: StartNow}
			return
		}

		// Enqueue, then replace-on-overflow: drop from the waiting head
		// until back at capacity. This is the only out-of-FIFO-order
		// effect, promotion itself always pops the head.
		s.enqueueWaiting(o, spec.TaskID)
		cap := spec.QueuePolicy.WaitingCapacityPerKind
		for s.waitingCount(o.Kind) > cap {
			dropped, ok := s.popWaitingHead(o.Kind)
			if !ok {
				break
			}
			e.dropOwner(s, dropped, ReasonReplacedByLatest)
		}
		pos, _ := s.waitingPosition(o)
		e.bus.publish(Event{
			Kind: EventQueued, TaskID: spec.TaskID, Owner: o,
			Timestamp: now(), Position: pos,
		})
		decision = Decision{Kind: QueuedWaiting, Position: pos}
	})
	return decision
}

// dropOwner cancels a waiting owner (terminal phase cancelled, if the
// transition is permitted) and emits `dropped`. Caller must hold the
// actor (called only from within exec/run).
func (e *Engine) dropOwner(s *store, o rt.Owner, reason string) {
	st, ok := s.state(o)
	var taskID rt.TaskID
	if ok {
		taskID = st.TaskID
		if rt.CanTransition(st.Phase, rt.PhaseCancelled) {
			st.Phase = rt.PhaseCancelled
			st.TerminalReason = rt.ReasonCancelled
			st.UpdatedAt = now()
		}
	}
	s.removeState(o)
	e.bus.publish(Event{
		Kind: EventDropped, TaskID: taskID, Owner: o,
		Timestamp: now(), DropReason: reason,
	})
}

// UpdatePhase is a state-machine-checked mutation: a no-op if the owner is
// unknown, the token mismatches, or the transition is forbidden.
func (e *Engine) UpdatePhase(o rt.Owner, phase rt.Phase, token rt.ActiveToken, statusText string, progress *int) {
	e.exec(func(s *store) {
		st, ok := s.state(o)
		if !ok {
			return
		}
		if st.ActiveToken != token {
			return
		}
		if !rt.CanTransition(st.Phase, phase) {
			return
		}
		st.Phase = phase
		st.StatusText = statusText
		if progress != nil {
			p := *progress
			st.Progress = &p
		}
		st.UpdatedAt = now()

		e.bus.publish(Event{
			Kind: EventPhaseChanged, TaskID: st.TaskID, Owner: o,
			Timestamp: now(), Phase: phase, StatusText: statusText,
		})
		if progress != nil {
			e.bus.publish(Event{
				Kind: EventProgressUpdated, TaskID: st.TaskID, Owner: o,
				Timestamp: now(), StatusText: statusText, Progress: st.Progress,
			})
		}
	})
}

// FinishResult reports what happened when an active slot was freed.
type FinishResult struct {
	Promoted *rt.Owner
	Dropped  []rt.Owner
}

// Finish asserts terminalPhase is terminal, ignores token mismatches,
// removes the owner from the active set, writes the terminal state (if
// the transition is permitted), emits `terminal`, and promotes the next
// waiting owner for the freed slot.
func (e *Engine) Finish(o rt.Owner, terminalPhase rt.Phase, reason rt.FailureReason, token rt.ActiveToken) FinishResult {
	if !terminalPhase.IsTerminal() {
		panic("engine: Finish called with a non-terminal phase")
	}
	var result FinishResult
	e.exec(func(s *store) {
		st, ok := s.state(o)
		if !ok || st.ActiveToken != token {
			return
		}

		s.deactivate(o)

		if rt.CanTransition(st.Phase, terminalPhase) {
			st.Phase = terminalPhase
			st.TerminalReason = reason
			st.UpdatedAt = now()
		}

		e.bus.publish(Event{
			Kind: EventTerminal, TaskID: st.TaskID, Owner: o,
			Timestamp: now(), Phase: st.Phase, Terminal: st.TerminalReason,
		})

		s.removeState(o)

		promoted := e.promote(s, o.Kind, o)
		result = FinishResult{Promoted: promoted}
	})
	return result
}

// promote fills the freed capacity for kind strictly FIFO over the
// waiting queue, emitting `activated`+`promoted` for each owner it
// admits. If nothing was waiting, it still emits a single `promoted`
// event with an empty To, so observers can see the freed slot went
// unused. Caller must be running inside the actor.
func (e *Engine) promote(s *store, kind rt.TaskKind, from rt.Owner) *rt.Owner {
	var lastPromoted *rt.Owner
	promotedAny := false
	for {
		limit, hasLimit := e.limitFor(s, kind)
		if !hasLimit || s.activeCount(kind) >= limit {
			break
		}
		head, ok := s.popWaitingHead(kind)
		if !ok {
			break
		}
		taskSpec := s.specs[head]
		taskID := taskSpec.TaskID
		token := s.activate(head, taskID)
		e.bus.publish(Event{
			Kind: EventActivated, TaskID: taskID, Owner: head,
			Timestamp: now(), ActiveToken: token,
		})
		h := head
		f := from
		e.bus.publish(Event{
			Kind: EventPromoted, TaskID: taskID, Owner: head,
			Timestamp: now(), PromotedFrom: &f, PromotedTo: &h,
		})
		lastPromoted = &h
		promotedAny = true
	}
	if !promotedAny {
		f := from
		e.bus.publish(Event{
			Kind: EventPromoted, Owner: from,
			Timestamp: now(), PromotedFrom: &f,
		})
	}
	return lastPromoted
}

// limitFor resolves a kind's concurrent limit from any recorded spec for
// that kind (specs carry the policy; every owner of a kind is expected to
// submit with the same policy). Specs are scanned in map order, so which
// spec answers is arbitrary when their policies differ.
func (e *Engine) limitFor(s *store, kind rt.TaskKind) (int, bool) {
	for o, spec := range s.specs {
		if o.Kind == kind {
			return spec.QueuePolicy.ConcurrentLimitPerKind, true
		}
	}
	return 0, false
}

// AbandonWaitingByEntry removes every waiting owner for entryID (optionally
// restricted to taskKind) and cancels them with reason
// abandoned_by_entry_switch.
func (e *Engine) AbandonWaitingByEntry(taskKind *rt.TaskKind, entryID int64) {
	e.exec(func(s *store) {
		for kind, q := range s.waiting {
			if taskKind != nil && kind != *taskKind {
				continue
			}
			remaining := q[:0:0]
			for _, o := range q {
				if o.EntryID == entryID {
					e.dropOwner(s, o, ReasonAbandonedByEntrySwitch)
					continue
				}
				remaining = append(remaining, o)
			}
			s.waiting[kind] = remaining
		}
	})
}

// AbandonWaitingOwner removes a specific waiting owner and cancels it with
// reason abandoned_by_owner.
func (e *Engine) AbandonWaitingOwner(o rt.Owner) {
	e.exec(func(s *store) {
		if s.removeWaiting(o) {
			e.dropOwner(s, o, ReasonAbandonedByOwner)
		}
	})
}

// State returns a coherent copy of an owner's run state.
func (e *Engine) State(o rt.Owner) (rt.RunState, bool) {
	var st rt.RunState
	var ok bool
	e.exec(func(s *store) {
		if found, has := s.state(o); has {
			st, ok = found.Clone(), true
		}
	})
	return st, ok
}

// ActiveToken returns an owner's current active token, if active.
func (e *Engine) ActiveToken(o rt.Owner) (rt.ActiveToken, bool) {
	var tok rt.ActiveToken
	var ok bool
	e.exec(func(s *store) {
		if st, has := s.state(o); has && st.ActiveToken != "" && s.isActive(o) {
			tok, ok = st.ActiveToken, true
		}
	})
	return tok, ok
}

// Snapshot returns a coherent view of the active/waiting/state tables,
// captured inside the actor's critical section.
func (e *Engine) Snapshot() Snapshot {
	var snap Snapshot
	e.exec(func(s *store) {
		snap = s.snapshot()
	})
	return snap
}
