package loop

import "sync"

// State tracks the iteration counter of one run. It may be read from other
// goroutines while the run is active.
type State struct {
	mu            sync.RWMutex
	iteration     int
	maxIterations int
	phase         Phase
}

func NewState(maxIterations int) *State {
	return &State{maxIterations: maxIterations}
}

// Iteration returns the number of completed Executing phases.
func (s *State) Iteration() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.iteration
}

// Increment advances the counter and returns the new value.
func (s *State) Increment() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iteration++
	return s.iteration
}

func (s *State) MaxIterations() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxIterations
}

// HasReachedLimit is true once the counter hit the cap. A cap <= 0 never
// limits.
func (s *State) HasReachedLimit() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxIterations > 0 && s.iteration >= s.maxIterations
}

func (s *State) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

func (s *State) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}
