package gateway

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/leonletto/brokerd/internal/broker/registry"
)

// Server accepts inbound gateway WebSocket connections and upgrades each
// into a Session.
type Server struct {
	addr       string
	httpServer *http.Server
	upgrader   websocket.Upgrader
	sessions   *SessionRegistry
	endpoints  *registry.EndpointRegistry
	dispatcher Dispatcher

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy

	mu       sync.RWMutex
	shutdown bool
	wg       sync.WaitGroup
}

// NewServer returns a gateway server listening on addr. sessions is shared
// with the response forwarder, which delivers through it. endpoints is
// notified of every session close via BroadcastCleanup so transport drivers
// drop that session's subscriptions.
func NewServer(addr string, dispatcher Dispatcher, sessions *SessionRegistry, endpoints *registry.EndpointRegistry) *Server {
	s := &Server{
		addr:       addr,
		sessions:   sessions,
		endpoints:  endpoints,
		dispatcher: dispatcher,
		entropy:    ulid.Monotonic(rand.Reader, 0),
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Sessions returns the registry of connected gateway sessions, which also
// implements forward.SessionDeliverer.
func (s *Server) Sessions() *SessionRegistry { return s.sessions }

// Start begins accepting connections. It returns once the HTTP listener is
// up; callers stop the server with Stop.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return fmt.Errorf("gateway: server is shutting down")
	}
	s.mu.Unlock()

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "gateway: server error: %v\n", err)
		}
	}()
	time.Sleep(100 * time.Millisecond)
	return nil
}

// Stop closes every session and shuts the HTTP listener down.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	s.sessions.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("gateway: shutdown http server: %w", err)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	if s.shutdown {
		s.mu.RUnlock()
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.RUnlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.wg.Done()
		fmt.Fprintf(os.Stderr, "gateway: upgrade error: %v\n", err)
		return
	}

	appID := r.URL.Query().Get("app_id")
	sessionID := s.nextSessionID()

	go func() {
		defer s.wg.Done()
		session := NewSession(conn, s.sessions, s.dispatcher, appID, s.endpoints.BroadcastCleanup, nil)
		session.Run(context.Background(), sessionID)
	}()
}

// nextSessionID mints a monotonic ULID so concurrently opened sessions sort
// by arrival order in logs.
func (s *Server) nextSessionID() string {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}
