package registry

import (
	"sync"

	"github.com/leonletto/brokerd/internal/broker/types"
)

// EndpointRegistry maps an endpoint key to the sender handle of its
// driver: a name-keyed map behind a single RWMutex.
type EndpointRegistry struct {
	mu        sync.RWMutex
	endpoints map[string]types.DriverSender
}

// NewEndpointRegistry returns an empty registry.
func NewEndpointRegistry() *EndpointRegistry {
	return &EndpointRegistry{endpoints: make(map[string]types.DriverSender)}
}

// Register associates key with a driver's sender handle, replacing any
// prior handle under the same key. A driver keeps its handle across
// reconnects; the Reconnection Supervisor does not call Register.
func (r *EndpointRegistry) Register(key string, sender types.DriverSender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[key] = sender
}

// Unregister removes the handle for key.
func (r *EndpointRegistry) Unregister(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.endpoints, key)
}

// Get retrieves the sender handle for key.
func (r *EndpointRegistry) Get(key string) (types.DriverSender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.endpoints[key]
	return s, ok
}

// BroadcastCleanup notifies every registered driver that sessionID has
// closed, so each can drain and unlisten subscriptions it owns for that
// session. Drivers with nothing to drain for sessionID treat this as a
// no-op.
func (r *EndpointRegistry) BroadcastCleanup(sessionID string) {
	r.mu.RLock()
	senders := make([]types.DriverSender, 0, len(r.endpoints))
	for _, s := range r.endpoints {
		senders = append(senders, s)
	}
	r.mu.RUnlock()

	for _, s := range senders {
		s.Cleanup(sessionID)
	}
}

// Len reports how many endpoints are registered. Test-only convenience.
func (r *EndpointRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.endpoints)
}
