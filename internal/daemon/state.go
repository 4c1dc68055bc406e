package daemon

import (
	"fmt"
	"maps"
	"slices"
	"sync"
)

// State is a per-connection key/value bag shared by the handler and the
// lifecycle hooks. It is safe for concurrent use.
type State struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewState returns an empty bag.
func NewState() *State {
	return &State{values: make(map[string]any)}
}

// Get returns the value stored under key.
func (s *State) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// GetString returns the value under key formatted as a string, or "" if
// absent.
func (s *State) GetString(key string) string {
	v, ok := s.Get(key)
	if !ok {
		return ""
	}
	if str, ok := v.(string); ok {
		return str
	}
	return fmt.Sprint(v)
}

// Set stores value under key.
func (s *State) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Merge stores every entry of values in one step.
func (s *State) Merge(values map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	maps.Copy(s.values, values)
}

// Delete removes key.
func (s *State) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
}

// Keys returns the stored keys in sorted order.
func (s *State) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.values))
}

// Snapshot returns a copy of the bag.
func (s *State) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.values)
}
