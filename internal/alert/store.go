package alert

import (
	"sync"
	"time"
)

// Store tracks per-metric alert state.
//
// Each metric has its own guarded entry, so concurrent updates for unrelated
// metrics never serialize on one lock. The read-modify-write in Apply is
// atomic per metric; that is what enforces the at-most-one-outstanding-alert
// invariant under concurrent ingestion.
type Store struct {
	mu      sync.RWMutex
	entries map[Metric]*entry
}

type entry struct {
	mu sync.Mutex
	st State
}

func NewStore() *Store {
	return &Store{entries: make(map[Metric]*entry)}
}

func (s *Store) entryFor(m Metric) *entry {
	s.mu.RLock()
	e := s.entries[m]
	s.mu.RUnlock()
	if e != nil {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e = s.entries[m]; e == nil {
		e = &entry{st: State{Metric: m, Status: StatusNormal}}
		s.entries[m] = e
	}
	return e
}

// Get returns the current state of a metric, defaulting to Normal.
func (s *Store) Get(m Metric) State {
	e := s.entryFor(m)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st
}

// Apply evaluates one sample against the stored state and commits the result.
//
// Delivery of sensor samples is at-least-once and may be out of order: a
// sample observed before the newest applied one is ignored (transitioned
// false); on equal observation times the most recently arrived sample wins.
//
// A second Triggered transition while one is outstanding is a no-op. A
// transition to Resolved is returned to the caller once and the stored state
// collapses back to Normal, so a later re-trigger is fresh, not a resume.
func (s *Store) Apply(m Metric, value float64, observedAt time.Time, th Threshold) (State, bool) {
	e := s.entryFor(m)
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.st.ObservedAt.IsZero() && observedAt.Before(e.st.ObservedAt) {
		return e.st, false
	}

	next, transitioned := Evaluate(value, e.st.Status, th)
	e.st.Value = value
	e.st.ObservedAt = observedAt
	if !transitioned {
		return e.st, false
	}

	switch next {
	case StatusTriggered:
		e.st.Status = StatusTriggered
		e.st.TriggeredAt = observedAt
	case StatusResolved:
		// Hand Resolved to the caller exactly once, then collapse.
		out := e.st
		out.Status = StatusResolved
		e.st.Status = StatusNormal
		e.st.TriggeredAt = time.Time{}
		return out, true
	}
	return e.st, true
}

// MarkNotified records the time an alert notification for m was dispatched.
func (s *Store) MarkNotified(m Metric, at time.Time) {
	e := s.entryFor(m)
	e.mu.Lock()
	e.st.LastNotifiedAt = at
	e.mu.Unlock()
}

// Snapshot returns a copy of all known metric states.
func (s *Store) Snapshot() []State {
	s.mu.RLock()
	es := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		es = append(es, e)
	}
	s.mu.RUnlock()

	out := make([]State, 0, len(es))
	for _, e := range es {
		e.mu.Lock()
		out = append(out, e.st)
		e.mu.Unlock()
	}
	return out
}
