package rules

import "sync/atomic"

// Store publishes the active RuleSet. Sessions capture a snapshot at
// routing time with Load and keep using it; configuration reloads
// install a replacement atomically with Swap, never mutating the set
// in place.
type Store struct {
	v atomic.Pointer[RuleSet]
}

func NewStore(rs *RuleSet) *Store {
	s := &Store{}
	s.v.Store(rs)
	return s
}

// Load returns the current immutable snapshot.
func (s *Store) Load() *RuleSet { return s.v.Load() }

// Swap installs rs as the active set. In-flight sessions keep the
// snapshot they already captured.
func (s *Store) Swap(rs *RuleSet) { s.v.Store(rs) }
