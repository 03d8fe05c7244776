// Package ws implements the agent side of the panel: one Session per
// WebSocket, the per-frame Connection Handler, and the HTTP gateway that
// drives them.
package ws

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// State is where a Session is in its lifecycle. It only moves forward:
// Unidentified -> Identified -> Closed, or Unidentified -> Closed.
type State int

const (
	StateUnidentified State = iota
	StateIdentified
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnidentified:
		return "unidentified"
	case StateIdentified:
		return "identified"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

var ErrSessionClosed = errors.New("session closed")

// Transport is the write side of an agent connection.
type Transport interface {
	WriteJSON(v any) error
	Ping() error
	Close() error
}

// Session holds the state of one agent connection. The read loop owns
// transitions; other goroutines may Send and read State concurrently.
type Session struct {
	ID         string
	RemoteAddr string

	transport Transport

	mu         sync.RWMutex
	state      State
	identifier string

	// writeMu serializes frames on the transport.
	writeMu sync.Mutex
	// sweepMu keeps delivery sweeps on this session one at a time.
	sweepMu sync.Mutex
}

func NewSession(transport Transport, remoteAddr string) *Session {
	return &Session{
		ID:         uuid.NewString(),
		RemoteAddr: remoteAddr,
		transport:  transport,
		state:      StateUnidentified,
	}
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Identifier returns the bound identifier, or "" before binding.
func (s *Session) Identifier() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identifier
}

// Bind attaches identifier to the session. Only the first call from the
// Unidentified state binds; later calls return the existing identifier and
// false.
func (s *Session) Bind(identifier string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return "", false, ErrSessionClosed
	case StateIdentified:
		return s.identifier, false, nil
	}
	s.identifier = identifier
	s.state = StateIdentified
	return identifier, true, nil
}

// Send writes one frame.
func (s *Session) Send(v any) error {
	if s.State() == StateClosed {
		return ErrSessionClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.transport.WriteJSON(v)
}

func (s *Session) Ping() error {
	if s.State() == StateClosed {
		return ErrSessionClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.transport.Ping()
}

// close moves the session to Closed and shuts the transport. It returns the
// bound identifier and whether this call performed the transition.
func (s *Session) close() (string, bool) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return "", false
	}
	s.state = StateClosed
	identifier := s.identifier
	s.mu.Unlock()

	s.writeMu.Lock()
	s.transport.Close()
	s.writeMu.Unlock()
	return identifier, true
}
