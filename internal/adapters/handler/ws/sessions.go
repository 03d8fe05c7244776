package ws

import "sync"

// Sessions indexes live identified sessions by agent identifier. It is used
// for routing pushes only; agent status lives in the store.
type Sessions struct {
	mu    sync.RWMutex
	byID  map[string]map[*Session]struct{}
	total int
}

func NewSessions() *Sessions {
	return &Sessions{
		byID: make(map[string]map[*Session]struct{}),
	}
}

// Add indexes an identified session under its identifier.
func (m *Sessions) Add(s *Session) {
	identifier := s.Identifier()
	if identifier == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.byID[identifier]
	if !ok {
		set = make(map[*Session]struct{})
		m.byID[identifier] = set
	}
	if _, exists := set[s]; !exists {
		set[s] = struct{}{}
		m.total++
	}
}

// Remove drops the session and reports how many sessions remain for its
// identifier.
func (m *Sessions) Remove(s *Session) int {
	identifier := s.Identifier()

	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.byID[identifier]
	if !ok {
		return 0
	}
	if _, exists := set[s]; exists {
		delete(set, s)
		m.total--
	}
	if len(set) == 0 {
		delete(m.byID, identifier)
		return 0
	}
	return len(set)
}

// Lookup returns the sessions currently bound to identifier.
func (m *Sessions) Lookup(identifier string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set := m.byID[identifier]
	out := make([]*Session, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

func (m *Sessions) IsConnected(identifier string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID[identifier]) > 0
}

// Count returns the number of identified sessions.
func (m *Sessions) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.total
}

// CountAgents returns the number of distinct connected identifiers.
func (m *Sessions) CountAgents() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}
