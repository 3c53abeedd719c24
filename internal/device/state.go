package device

import "sync"

// StateStore keeps transient per-device scratch state for motion and
// overspeed bookkeeping. Nothing here is persisted.
type StateStore struct {
	mu     sync.RWMutex
	states map[int64]DeviceState
}

// NewStateStore creates an empty state store.
func NewStateStore() *StateStore {
	return &StateStore{states: make(map[int64]DeviceState)}
}

// Get returns a copy of the device's state, creating an empty entry on first
// access. Callers modify the copy and commit it with Set.
func (s *StateStore) Get(deviceID int64) DeviceState {
	s.mu.RLock()
	st, ok := s.states[deviceID]
	s.mu.RUnlock()
	if ok {
		return st.clone()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok = s.states[deviceID]; !ok {
		st = DeviceState{}
		s.states[deviceID] = st
	}
	return st.clone()
}

// Set replaces the device's state.
func (s *StateStore) Set(deviceID int64, state DeviceState) {
	st := state.clone()
	s.mu.Lock()
	s.states[deviceID] = st
	s.mu.Unlock()
}

// Evict drops the device's state.
func (s *StateStore) Evict(deviceID int64) {
	s.mu.Lock()
	delete(s.states, deviceID)
	s.mu.Unlock()
}

// Len returns the number of devices with state.
func (s *StateStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}
