package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/leonletto/brokerd/internal/broker/types"
)

const (
	sessionWriteTimeout = 10 * time.Second
	sessionPongWait     = 60 * time.Second
	sessionPingInterval = 54 * time.Second
	sendBufferSize      = 256
)

// Dispatcher is the subset of dispatch.Dispatcher a Session needs: match an
// inbound request to a rule and run it, without pulling the dispatch
// package's rule-engine and registry dependencies into this one.
type Dispatcher interface {
	Handle(rpc types.RpcRequest, inline types.Callback) bool
}

// Session is one gateway-facing WebSocket connection: a client session as
// seen from the broker's inbound side, with a read loop feeding the
// dispatcher and a write loop draining a bounded send queue.
type Session struct {
	conn       *websocket.Conn
	registry   *SessionRegistry
	dispatcher Dispatcher
	cleanup    func(sessionID string)
	onClose    func(sessionID string)
	appID      string

	sessionID string
	sendCh    chan []byte

	mu     sync.Mutex
	closed bool
}

// NewSession wraps conn as a gateway session. appID is carried on every
// RpcRequest built from this connection's frames. cleanup is called once
// when the session closes so every
// transport driver can drain and unlisten subscriptions it owns for this
// session (normally registry.EndpointRegistry.BroadcastCleanup); onClose, if
// non-nil, runs after that.
func NewSession(conn *websocket.Conn, registry *SessionRegistry, dispatcher Dispatcher, appID string, cleanup func(sessionID string), onClose func(sessionID string)) *Session {
	return &Session{
		conn:       conn,
		registry:   registry,
		dispatcher: dispatcher,
		cleanup:    cleanup,
		onClose:    onClose,
		appID:      appID,
		sendCh:     make(chan []byte, sendBufferSize),
	}
}

// inboundFrame is a client-issued JSON-RPC 2.0 request. Params is forwarded
// to RpcRequest.ParamsJSON verbatim: by convention a JSON array whose last
// element is the semantic payload.
type inboundFrame struct {
	JSONRPC    string          `json:"jsonrpc"`
	ID         string          `json:"id"`
	Method     string          `json:"method"`
	Params     json.RawMessage `json:"params,omitempty"`
	IsListen   bool            `json:"listen,omitempty"`
	IsUnlisten bool            `json:"unlisten,omitempty"`
}

// Run starts the session's read and write loops and blocks until either
// exits. It always unregisters and closes the session before returning.
func (s *Session) Run(ctx context.Context, sessionID string) {
	s.registry.Register(sessionID, s)

	writeDone := make(chan struct{})
	go func() {
		s.writeLoop(ctx)
		close(writeDone)
	}()

	s.readLoop(ctx)

	_ = s.Close()
	s.registry.Unregister(sessionID)
	if s.cleanup != nil {
		s.cleanup(sessionID)
	}
	if s.onClose != nil {
		s.onClose(sessionID)
	}
	<-writeDone
}

func (s *Session) readLoop(ctx context.Context) {
	_ = s.conn.SetReadDeadline(time.Now().Add(sessionPongWait))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(sessionPongWait))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleFrame(msg)
	}
}

func (s *Session) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(sessionPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-s.sendCh:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(sessionWriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(sessionWriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Session) handleFrame(msg []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		s.replyParseError(err)
		return
	}

	paramsJSON := string(frame.Params)
	if paramsJSON == "" {
		paramsJSON = "[]"
	}

	rpc := types.RpcRequest{
		SessionID:   s.sessionID,
		RequestID:   frame.ID,
		AppID:       s.appID,
		CallerProto: types.CallerProtocolBridge,
		Method:      frame.Method,
		ParamsJSON:  paramsJSON,
		IsListen:    frame.IsListen,
		IsUnlisten:  frame.IsUnlisten,
	}

	if s.dispatcher == nil || !s.dispatcher.Handle(rpc, nil) {
		s.replyMethodNotFound(frame)
	}
}

func (s *Session) replyParseError(cause error) {
	resp := types.ClientResponse{
		JSONRPC: "2.0",
		Error:   types.ToJSONRPCError(types.Wrap(types.CodeParseError, "gateway: parse inbound frame", cause)),
	}
	_ = s.deliverLocal(resp)
}

func (s *Session) replyMethodNotFound(frame inboundFrame) {
	resp := types.ClientResponse{
		JSONRPC: "2.0",
		ID:      frame.ID,
		Error:   types.ToJSONRPCError(types.NewError(types.CodeInvalidInput, fmt.Sprintf("no rule for method %q", frame.Method))),
	}
	_ = s.deliverLocal(resp)
}

func (s *Session) deliverLocal(resp types.ClientResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("gateway: marshal response: %w", err)
	}
	return s.send(data)
}

// send queues data on the session's outbound channel.
func (s *Session) send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("gateway: session closed")
	}
	select {
	case s.sendCh <- data:
		return nil
	default:
		return fmt.Errorf("gateway: send buffer full")
	}
}

// Close closes the underlying connection. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.sendCh)
	return s.conn.Close()
}
