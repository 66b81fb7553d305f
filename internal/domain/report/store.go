package report

import (
	"sort"
	"sync"
	"time"
)

// SessionStore holds the live state of every report being edited in this
// process. It is the authority for reads; the Bridge only mirrors it.
// Values go in and out as deep copies.
type SessionStore struct {
	mu     sync.RWMutex
	states map[ChataID]GlobalFormState
}

func NewSessionStore() *SessionStore {
	return &SessionStore{states: make(map[ChataID]GlobalFormState)}
}

func (s *SessionStore) Get(id ChataID) (GlobalFormState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[id]
	if !ok {
		return GlobalFormState{}, false
	}
	return st.Clone(), true
}

func (s *SessionStore) Has(id ChataID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.states[id]
	return ok
}

// Put stores state under its own identifier, replacing any previous value.
func (s *SessionStore) Put(state GlobalFormState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.ChataID] = state.Clone()
}

// Hydrate stores state only when no session exists for its identifier and
// returns whichever state is now current.
func (s *SessionStore) Hydrate(state GlobalFormState) GlobalFormState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.states[state.ChataID]; ok {
		return cur.Clone()
	}
	s.states[state.ChataID] = state.Clone()
	return state.Clone()
}

// Update runs fn against the current state while holding the write lock so
// concurrent updates to one report are serialized. The result of fn is
// stored only when fn succeeds.
func (s *SessionStore) Update(id ChataID, fn func(GlobalFormState) (GlobalFormState, error)) (GlobalFormState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.states[id]
	if !ok {
		return GlobalFormState{}, ErrNotFound
	}
	next, err := fn(cur.Clone())
	if err != nil {
		return cur.Clone(), err
	}
	s.states[id] = next.Clone()
	return next, nil
}

func (s *SessionStore) Delete(id ChataID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[id]; !ok {
		return false
	}
	delete(s.states, id)
	return true
}

// List returns every session, most recently updated first.
func (s *SessionStore) List() []GlobalFormState {
	s.mu.RLock()
	out := make([]GlobalFormState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st.Clone())
	}
	s.mu.RUnlock()
	sortByLastUpdated(out)
	return out
}

func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}

// EvictOlderThan drops sessions last updated before cutoff and returns
// their identifiers.
func (s *SessionStore) EvictOlderThan(cutoff time.Time) []ChataID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var evicted []ChataID
	for id, st := range s.states {
		if st.LastUpdated.Before(cutoff) {
			delete(s.states, id)
			evicted = append(evicted, id)
		}
	}
	sort.Slice(evicted, func(i, j int) bool { return evicted[i] < evicted[j] })
	return evicted
}

func sortByLastUpdated(states []GlobalFormState) {
	sort.SliceStable(states, func(i, j int) bool {
		if states[i].LastUpdated.Equal(states[j].LastUpdated) {
			return states[i].ChataID < states[j].ChataID
		}
		return states[i].LastUpdated.After(states[j].LastUpdated)
	})
}
