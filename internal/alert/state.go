package alert

import (
	"sort"
	"sync"
	"time"

	"github.com/caevv/cronwatch/internal/health"
)

// State remembers which anomalies have been alerted. It is owned by one
// dispatcher and safe for concurrent use.
type State struct {
	mu      sync.Mutex
	alerted map[string]time.Time
}

// NewState creates an empty State.
func NewState() *State {
	return &State{alerted: make(map[string]time.Time)}
}

// diff splits current into anomalies not alerted yet and returns the keys
// of alerted anomalies that are gone. It does not modify the state.
func (s *State) diff(current []health.Anomaly) (fresh []health.Anomaly, resolved []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(current))
	for _, a := range current {
		key := a.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		if _, ok := s.alerted[key]; !ok {
			fresh = append(fresh, a)
		}
	}
	for key := range s.alerted {
		if !seen[key] {
			resolved = append(resolved, key)
		}
	}
	sort.Strings(resolved)
	return fresh, resolved
}

// commit marks fresh as alerted and forgets resolved keys.
func (s *State) commit(fresh []health.Anomaly, resolved []string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range fresh {
		s.alerted[a.Key()] = at
	}
	for _, key := range resolved {
		delete(s.alerted, key)
	}
}

// Active returns the alerted keys, sorted.
func (s *State) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.alerted))
	for key := range s.alerted {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// AlertedAt returns when key was first alerted.
func (s *State) AlertedAt(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.alerted[key]
	return at, ok
}

// Reset forgets every alerted anomaly. The monitor calls it when this
// instance is not, or has just become, the leader: another instance may have
// alerted or cleared keys in the meantime.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.alerted)
}
