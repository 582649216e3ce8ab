package canbus

import "sync"

// StateUnknown is the value of a device nobody has heard from yet. It sits
// outside the 0..255 byte range, so the first heartbeat always counts as a
// change.
const StateUnknown = -1

// StateStore holds the last observed value per device unique id.
//
// Thread Safety: the bus loop writes and the API and health paths read
// concurrently, so every access takes the mutex.
type StateStore struct {
	mu     sync.RWMutex
	values map[string]int
}

// NewStateStore returns a store with every id at StateUnknown.
func NewStateStore(uniqueIDs []string) *StateStore {
	values := make(map[string]int, len(uniqueIDs))
	for _, id := range uniqueIDs {
		values[id] = StateUnknown
	}
	return &StateStore{values: values}
}

// Observe records value for id and reports the previous value and whether
// it differs. An unchanged value leaves the store untouched.
func (s *StateStore) Observe(uniqueID string, value int) (previous int, changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous, ok := s.values[uniqueID]
	if !ok {
		previous = StateUnknown
	}
	if previous == value {
		return previous, false
	}
	s.values[uniqueID] = value
	return previous, true
}

// Get returns the last value for id, or StateUnknown.
func (s *StateStore) Get(uniqueID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.values[uniqueID]
	if !ok {
		return StateUnknown
	}
	return v
}

// Snapshot returns a copy of all values.
func (s *StateStore) Snapshot() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}
