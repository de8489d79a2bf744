package engine

import (
	"time"

	rt "github.com/mercury-rss/agentcore/internal/runtime"
)

// store holds the in-memory tables the engine actor exclusively mutates:
// the active set and waiting FIFOs keyed by task kind, the run-state map,
// the last-submitted spec per owner, and the active-token fence. It has
// no lock of its own, callers (the actor goroutine) provide mutual
// exclusion by construction.
type store struct {
	active  map[rt.TaskKind]map[rt.Owner]struct{}
	waiting map[rt.TaskKind][]rt.Owner // FIFO, head = index 0
	states  map[rt.Owner]*rt.RunState
	specs   map[rt.Owner]rt.TaskSpec
}

func newStore() *store {
	return &store{
		active:  make(map[rt.TaskKind]map[rt.Owner]struct{}),
		waiting: make(map[rt.TaskKind][]rt.Owner),
		states:  make(map[rt.Owner]*rt.RunState),
		specs:   make(map[rt.Owner]rt.TaskSpec),
	}
}

func (s *store) isActive(o rt.Owner) bool {
	set, ok := s.active[o.Kind]
	if !ok {
		return false
	}
	_, ok = set[o]
	return ok
}

func (s *store) activeCount(kind rt.TaskKind) int {
	return len(s.active[kind])
}

func (s *store) waitingCount(kind rt.TaskKind) int {
	return len(s.waiting[kind])
}

func (s *store) waitingPosition(o rt.Owner) (int, bool) {
	for i, w := range s.waiting[o.Kind] {
		if w == o {
			return i + 1, true // 1-based
		}
	}
	return 0, false
}

// activate moves an owner into the active set, mints a fresh token, and
// resets its run state to requesting. Caller must ensure it is not
// already active or waiting.
func (s *store) activate(o rt.Owner, taskID rt.TaskID) rt.ActiveToken {
	if s.active[o.Kind] == nil {
		s.active[o.Kind] = make(map[rt.Owner]struct{})
	}
	s.active[o.Kind][o] = struct{}{}

	token := rt.NewActiveToken()
	s.states[o] = &rt.RunState{
		Owner:       o,
		TaskID:      taskID,
		ActiveToken: token,
		Phase:       rt.PhaseRequesting,
		UpdatedAt:   now(),
	}
	return token
}

// enqueueWaiting appends an owner to a kind's waiting tail.
func (s *store) enqueueWaiting(o rt.Owner, taskID rt.TaskID) {
	s.waiting[o.Kind] = append(s.waiting[o.Kind], o)
	s.states[o] = &rt.RunState{
		Owner:     o,
		TaskID:    taskID,
		Phase:     "",
		UpdatedAt: now(),
	}
}

// popWaitingHead removes and returns the FIFO head for a kind, if any.
func (s *store) popWaitingHead(kind rt.TaskKind) (rt.Owner, bool) {
	q := s.waiting[kind]
	if len(q) == 0 {
		return rt.Owner{}, false
	}
	head := q[0]
	s.waiting[kind] = q[1:]
	return head, true
}

// removeWaiting removes a specific owner from its kind's waiting queue,
// preserving FIFO order of the remainder.
func (s *store) removeWaiting(o rt.Owner) bool {
	q := s.waiting[o.Kind]
	for i, w := range q {
		if w == o {
			s.waiting[o.Kind] = append(q[:i:i], q[i+1:]...)
			return true
		}
	}
	return false
}

// deactivate removes an owner from the active set (used on finish).
func (s *store) deactivate(o rt.Owner) {
	if set := s.active[o.Kind]; set != nil {
		delete(set, o)
	}
}

func (s *store) state(o rt.Owner) (*rt.RunState, bool) {
	st, ok := s.states[o]
	return st, ok
}

func (s *store) removeState(o rt.Owner) {
	delete(s.states, o)
}

// Snapshot is a coherent, immutable copy of the runtime store, captured
// inside the actor's critical section.
type Snapshot struct {
	Active  map[rt.TaskKind][]rt.Owner
	Waiting map[rt.TaskKind][]rt.Owner
	States  map[rt.Owner]rt.RunState
}

func (s *store) snapshot() Snapshot {
	snap := Snapshot{
		Active:  make(map[rt.TaskKind][]rt.Owner, len(s.active)),
		Waiting: make(map[rt.TaskKind][]rt.Owner, len(s.waiting)),
		States:  make(map[rt.Owner]rt.RunState, len(s.states)),
	}
	for kind, set := range s.active {
		owners := make([]rt.Owner, 0, len(set))
		for o := range set {
			owners = append(owners, o)
		}
		snap.Active[kind] = owners
	}
	for kind, q := range s.waiting {
		owners := make([]rt.Owner, len(q))
		copy(owners, q)
		snap.Waiting[kind] = owners
	}
	for o, st := range s.states {
		snap.States[o] = st.Clone()
	}
	return snap
}

var timeNow = time.Now

func now() time.Time { return timeNow() }
