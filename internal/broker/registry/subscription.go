package registry

import (
	"sync"

	"github.com/leonletto/brokerd/internal/broker/types"
)

// SubscriptionRegistry is a per-session list of active listens.
// Invariant: at most one entry per (session_id, method).
type SubscriptionRegistry struct {
	mu   sync.Mutex
	byID map[string]map[string]types.BrokerRequest // session_id -> method -> entry
}

// NewSubscriptionRegistry returns an empty registry.
func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{byID: make(map[string]map[string]types.BrokerRequest)}
}

// Subscribe records br as the active listen for its (session, method) key,
// replacing any prior entry and returning it. The caller (the plugin-aware
// and plain WebSocket drivers) is responsible for emitting an unregister
// for the displaced call_id before registering the new one.
func (s *SubscriptionRegistry) Subscribe(br types.BrokerRequest) (prior types.BrokerRequest, hadPrior bool) {
	key := br.Key()
	s.mu.Lock()
	defer s.mu.Unlock()
	methods, ok := s.byID[key.SessionID]
	if !ok {
		methods = make(map[string]types.BrokerRequest)
		s.byID[key.SessionID] = methods
	}
	prior, hadPrior = methods[key.Method]
	methods[key.Method] = br
	return prior, hadPrior
}

// Unsubscribe removes the active listen for br's (session, method) key and
// returns it, if one existed.
func (s *SubscriptionRegistry) Unsubscribe(br types.BrokerRequest) (prior types.BrokerRequest, hadPrior bool) {
	key := br.Key()
	s.mu.Lock()
	defer s.mu.Unlock()
	methods, ok := s.byID[key.SessionID]
	if !ok {
		return types.BrokerRequest{}, false
	}
	prior, hadPrior = methods[key.Method]
	if hadPrior {
		delete(methods, key.Method)
		if len(methods) == 0 {
			delete(s.byID, key.SessionID)
		}
	}
	return prior, hadPrior
}

// Drain removes and returns every active subscription for sessionID, used
// by cleanup_for_session. Idempotent: draining an unknown or already-empty
// session returns an empty slice.
func (s *SubscriptionRegistry) Drain(sessionID string) []types.BrokerRequest {
	return s.DrainMatching(sessionID, func(types.BrokerRequest) bool { return true })
}

// DrainMatching removes and returns the subscriptions for sessionID whose
// entry satisfies match, leaving the rest untouched. Each stateful driver's
// cleanup handler calls this with a predicate over the entry's routed
// endpoint, so that a broadcast cleanup to every driver drains each
// driver's own subscriptions exactly once rather than racing to drain the
// whole session.
func (s *SubscriptionRegistry) DrainMatching(sessionID string, match func(types.BrokerRequest) bool) []types.BrokerRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	methods, ok := s.byID[sessionID]
	if !ok {
		return nil
	}
	var out []types.BrokerRequest
	for method, br := range methods {
		if match(br) {
			out = append(out, br)
			delete(methods, method)
		}
	}
	if len(methods) == 0 {
		delete(s.byID, sessionID)
	}
	return out
}

// Count reports how many sessions currently hold at least one subscription.
// Test-only convenience.
func (s *SubscriptionRegistry) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// All returns a snapshot of every active subscription across every
// session, used by the Reconnection Supervisor to replay listens after a
// driver's connection is rebuilt.
func (s *SubscriptionRegistry) All() []types.BrokerRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.BrokerRequest
	for _, methods := range s.byID {
		for _, br := range methods {
			out = append(out, br)
		}
	}
	return out
}
