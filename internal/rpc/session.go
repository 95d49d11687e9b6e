package rpc

import (
	"sync"

	"github.com/google/uuid"
)

// SessionState tracks where a connection sits in its lifecycle.
type SessionState int

const (
	StateNew SessionState = iota
	StateInitializing
	StateReady
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Session is per-connection state. The first call on a connection must be
// the handshake; everything else fails until the session is ready.
type Session struct {
	ID string

	mu           sync.Mutex
	state        SessionState
	peerName     string
	peerVersion  string
	capabilities map[string]interface{}
}

// NewSession returns a session in the new state.
func NewSession() *Session {
	return &Session{ID: uuid.NewString(), state: StateNew}
}

// State returns the current state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ready reports whether the handshake has completed.
func (s *Session) Ready() bool {
	return s.State() == StateReady
}

// BeginInitialize moves new → initializing. It fails once the handshake has
// already happened or the session is closing.
func (s *Session) BeginInitialize() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateNew {
		return false
	}
	s.state = StateInitializing
	return true
}

// CompleteInitialize records the peer and moves initializing → ready.
func (s *Session) CompleteInitialize(peerName, peerVersion string, capabilities map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateInitializing {
		return
	}
	s.peerName = peerName
	s.peerVersion = peerVersion
	s.capabilities = capabilities
	s.state = StateReady
}

// AbortInitialize rolls an initializing session back to new after a failed
// handshake so the peer can retry.
func (s *Session) AbortInitialize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateInitializing {
		s.state = StateNew
	}
}

// BeginClose moves the session to closing; outstanding calls may finish.
func (s *Session) BeginClose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateClosed {
		s.state = StateClosing
	}
}

// Close marks the session closed once the transport has flushed.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateClosed
}

// Peer returns the negotiated peer identity.
func (s *Session) Peer() (name, version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerName, s.peerVersion
}
