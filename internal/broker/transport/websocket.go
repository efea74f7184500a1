package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/leonletto/brokerd/internal/broker/registry"
	"github.com/leonletto/brokerd/internal/broker/types"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsWriteTimeout     = 10 * time.Second
	wsPingInterval     = 54 * time.Second
	wsPongWait         = 60 * time.Second
)

// DisconnectSignal is sent on a driver's internal done channel when its
// socket read loop exits, so the reconnect supervisor can rebuild the
// connection.
type DisconnectSignal struct{}

// WebSocketDriver is the plain WebSocket JSON-RPC driver: like the
// plugin-aware driver but with no plugin-status state machine and no
// composite-request table. Reconnection and subscription replay behave
// identically; both drivers are watched by the same supervisor (see
// internal/broker/reconnect).
type WebSocketDriver struct {
	endpoint types.Endpoint
	sink     types.OutputSink
	subs     *registry.SubscriptionRegistry
	dial     dialFunc

	inbound chan types.BrokerRequest
	cleanup chan string
	done    chan DisconnectSignal

	mu   sync.Mutex
	conn *websocket.Conn
}

// dialFunc opens the backend socket. Drivers default to dialWebSocket;
// SetDialer substitutes another, such as the tailnet dialer.
type dialFunc func(ctx context.Context, url string) (*websocket.Conn, error)

// NewWebSocketDriver returns a driver ready to be started with Run.
func NewWebSocketDriver(endpoint types.Endpoint, sink types.OutputSink, subs *registry.SubscriptionRegistry, tun Tunables) *WebSocketDriver {
	tun = tun.withDefaults()
	return &WebSocketDriver{
		endpoint: endpoint,
		sink:     sink,
		subs:     subs,
		dial:     dialWebSocket,
		inbound:  make(chan types.BrokerRequest, tun.ChannelCapacity),
		cleanup:  make(chan string, tun.ChannelCapacity),
		done:     make(chan DisconnectSignal, 1),
	}
}

// SetDialer overrides how the driver opens its backend socket, used to
// route a tailnet://-scheme endpoint through internal/broker/netdial
// instead of a direct dial.
func (d *WebSocketDriver) SetDialer(dial func(ctx context.Context, url string) (*websocket.Conn, error)) {
	d.dial = dial
}

// Send enqueues br for the driver's worker task. Implements
// types.DriverSender.
func (d *WebSocketDriver) Send(br types.BrokerRequest) error {
	select {
	case d.inbound <- br:
		return nil
	default:
		return types.NewError(types.CodeSendFailure, "websocket driver: inbound channel full")
	}
}

// Cleanup enqueues sessionID for cleanup processing. Implements
// types.DriverSender.
func (d *WebSocketDriver) Cleanup(sessionID string) {
	select {
	case d.cleanup <- sessionID:
	default:
		log.Printf("transport/websocket: cleanup channel full, dropping session %s", sessionID)
	}
}

// Connect dials the backend once. Run never dials; the Reconnection
// Supervisor calls Connect before every Run, for the first connection and
// again after each disconnect.
func (d *WebSocketDriver) Connect(ctx context.Context) error {
	conn, err := d.dial(ctx, d.endpoint.URL)
	if err != nil {
		return fmt.Errorf("websocket driver: dial %s: %w", d.endpoint.URL, err)
	}
	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()
	return nil
}

// Run processes dequeued requests and reads backend frames until ctx is
// done or the socket drops. On a socket error it signals Done() and
// returns; it does not reconnect itself.
func (d *WebSocketDriver) Run(ctx context.Context) {
	readErrCh := make(chan error, 1)
	go d.readLoop(readErrCh)

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErrCh:
			if err != nil {
				log.Printf("transport/websocket: %s: read loop exited: %v", d.endpoint.Key, err)
			}
			select {
			case d.done <- DisconnectSignal{}:
			default:
			}
			return
		case sessionID := <-d.cleanup:
			d.handleCleanup(sessionID)
		case br := <-d.inbound:
			d.handleRequest(br)
		}
	}
}

// Done signals when the driver's connection has dropped.
func (d *WebSocketDriver) Done() <-chan DisconnectSignal { return d.done }

func (d *WebSocketDriver) readLoop(errCh chan<- error) {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			errCh <- err
			return
		}
		var w wireResponse
		if err := json.Unmarshal(msg, &w); err != nil {
			log.Printf("transport/websocket: %s: malformed frame: %v", d.endpoint.Key, err)
			continue
		}
		d.sink.Handle(toBrokerOutput(w))
	}
}

func (d *WebSocketDriver) handleRequest(br types.BrokerRequest) {
	frames, err := d.subscriptionFrames(br)
	if err != nil {
		d.sink.Handle(errorOutput(br.Rpc.CallID, err))
		return
	}
	for _, f := range frames {
		if err := d.writeJSON(f); err != nil {
			d.sink.Handle(errorOutput(br.Rpc.CallID, types.Wrap(types.CodeSendFailure, "websocket driver: write", err)))
			return
		}
	}
}

// subscriptionFrames maps a request onto its wire frames for a driver with
// no callsign notion (the plain WebSocket driver treats the whole alias as
// the event name): listen replaces any prior subscription and emits an unregister for
// the displaced id followed by a register for the new one; unlisten emits
// an unregister for the removed entry if one existed; anything else is a
// single shaped call.
func (d *WebSocketDriver) subscriptionFrames(br types.BrokerRequest) ([]wireRequest, error) {
	switch {
	case br.Rpc.IsListen:
		var frames []wireRequest
		if prior, had := d.subs.Subscribe(br); had {
			frames = append(frames, unregisterFrame(br.Rule.Alias, br.Rule.Alias, prior.Rpc.CallID))
		}
		frames = append(frames, registerFrame(br.Rule.Alias, br.Rule.Alias, br.Rpc.CallID))
		return frames, nil
	case br.Rpc.IsUnlisten:
		if prior, had := d.subs.Unsubscribe(br); had {
			return []wireRequest{unregisterFrame(br.Rule.Alias, br.Rule.Alias, prior.Rpc.CallID)}, nil
		}
		return nil, nil
	default:
		req, err := shapeRequest(br.Rule, br.Rpc)
		if err != nil {
			return nil, err
		}
		return []wireRequest{req}, nil
	}
}

func (d *WebSocketDriver) handleCleanup(sessionID string) {
	entries := d.subs.DrainMatching(sessionID, func(br types.BrokerRequest) bool {
		return br.Rule.EndpointKey == d.endpoint.Key ||
			(br.Rule.EndpointKey == "" && d.endpoint.Key == types.DefaultEndpointKey)
	})
	for _, br := range entries {
		f := unregisterFrame(br.Rule.Alias, br.Rule.Alias, br.Rpc.CallID)
		if err := d.writeJSON(f); err != nil {
			log.Printf("transport/websocket: %s: cleanup unregister for session %s failed: %v", d.endpoint.Key, sessionID, err)
		}
	}
}

func (d *WebSocketDriver) writeJSON(v any) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(v)
}

// Subscriptions exposes the subscription registry so the Reconnection
// Supervisor can replay it after a reconnect.
func (d *WebSocketDriver) Subscriptions() *registry.SubscriptionRegistry { return d.subs }

// Endpoint reports the endpoint this driver serves.
func (d *WebSocketDriver) Endpoint() types.Endpoint { return d.endpoint }

func dialWebSocket(ctx context.Context, url string) (*websocket.Conn, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	return conn, err
}
