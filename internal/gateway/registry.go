// Package gateway is the inbound half of the broker: it accepts gateway
// sessions over WebSocket, turns their frames into types.RpcRequest values
// for the dispatcher, and implements forward.SessionDeliverer so the
// response forwarder can push results back out.
package gateway

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/leonletto/brokerd/internal/broker/types"
)

// SessionRegistry tracks connected gateway sessions by session id.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionRegistry returns an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*Session)}
}

// Register adds a session to the registry under sessionID.
func (r *SessionRegistry) Register(sessionID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.sessionID = sessionID
	r.sessions[sessionID] = s
}

// Unregister removes a session from the registry.
func (r *SessionRegistry) Unregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

// Get retrieves a session by id.
func (r *SessionRegistry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// Count returns the number of registered sessions.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll closes every registered session, used on daemon shutdown.
func (r *SessionRegistry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		_ = s.Close()
	}
	r.sessions = make(map[string]*Session)
}

// Deliver implements forward.SessionDeliverer. A session that has since
// disconnected is not an error; the response is dropped.
func (r *SessionRegistry) Deliver(sessionID string, resp types.ClientResponse) error {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("gateway: marshal response for session %s: %w", sessionID, err)
	}
	if err := s.send(data); err != nil {
		r.Unregister(sessionID)
		return fmt.Errorf("gateway: deliver to session %s: %w", sessionID, err)
	}
	return nil
}
