package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/leonletto/brokerd/internal/broker/plugins"
	"github.com/leonletto/brokerd/internal/broker/registry"
	"github.com/leonletto/brokerd/internal/broker/types"
)

// controllerStateChangeCallID is a reserved id for the driver's own
// state-change subscription; the request registry never hands it out.
const controllerStateChangeCallID = ^uint64(0)

type compositeEntry struct {
	response  json.RawMessage
	createdAt time.Time
}

// PluginAwareWebSocketDriver is the plugin-aware WebSocket driver: a
// stateful socket whose methods are gated by backend plugin activation,
// tracked through a plugins.Manager, plus a short-lived composite-request
// table remembering each request's literal "response" object for the
// response side.
type PluginAwareWebSocketDriver struct {
	endpoint types.Endpoint
	sink     types.OutputSink
	subs     *registry.SubscriptionRegistry
	status   *plugins.Manager
	dial     dialFunc
	tun      Tunables

	inbound chan types.BrokerRequest
	cleanup chan string
	done    chan DisconnectSignal

	mu   sync.Mutex
	conn *websocket.Conn

	compositeMu sync.Mutex
	composite   map[uint64]compositeEntry

	customMu sync.Mutex
	custom   map[uint64]types.OutputSink
}

// NewPluginAwareWebSocketDriver returns a driver ready to be started with
// Run.
func NewPluginAwareWebSocketDriver(endpoint types.Endpoint, sink types.OutputSink, subs *registry.SubscriptionRegistry, tun Tunables) *PluginAwareWebSocketDriver {
	tun = tun.withDefaults()
	return &PluginAwareWebSocketDriver{
		endpoint:  endpoint,
		sink:      sink,
		subs:      subs,
		status:    plugins.New(),
		dial:      dialWebSocket,
		tun:       tun,
		inbound:   make(chan types.BrokerRequest, tun.ChannelCapacity),
		cleanup:   make(chan string, tun.ChannelCapacity),
		done:      make(chan DisconnectSignal, 1),
		composite: make(map[uint64]compositeEntry),
		custom:    make(map[uint64]types.OutputSink),
	}
}

// RegisterCustomSink routes the backend response carrying call id to sink
// instead of the driver's shared default sink. Used by in-process callers
// that issue their own requests over the driver's socket and want the reply
// directly, without going through the response forwarder. The registration
// stays until UnregisterCustomSink; events (which carry no id field) always
// go to the default sink.
func (d *PluginAwareWebSocketDriver) RegisterCustomSink(id uint64, sink types.OutputSink) {
	d.customMu.Lock()
	defer d.customMu.Unlock()
	d.custom[id] = sink
}

// UnregisterCustomSink removes the custom routing for id, if any.
func (d *PluginAwareWebSocketDriver) UnregisterCustomSink(id uint64) {
	d.customMu.Lock()
	defer d.customMu.Unlock()
	delete(d.custom, id)
}

// sinkFor returns the custom sink registered for id, or the default sink.
func (d *PluginAwareWebSocketDriver) sinkFor(id *uint64) types.OutputSink {
	if id == nil {
		return d.sink
	}
	d.customMu.Lock()
	defer d.customMu.Unlock()
	if s, ok := d.custom[*id]; ok {
		return s
	}
	return d.sink
}

// SetDialer overrides how the driver opens its backend socket, used to
// route a tailnet://-scheme endpoint through internal/broker/netdial
// instead of a direct dial.
func (d *PluginAwareWebSocketDriver) SetDialer(dial func(ctx context.Context, url string) (*websocket.Conn, error)) {
	d.dial = dial
}

// Send enqueues br for the driver's worker task. Implements
// types.DriverSender.
func (d *PluginAwareWebSocketDriver) Send(br types.BrokerRequest) error {
	select {
	case d.inbound <- br:
		return nil
	default:
		return types.NewError(types.CodeSendFailure, "plugin-aware websocket driver: inbound channel full")
	}
}

// Cleanup enqueues sessionID for cleanup processing. Implements
// types.DriverSender.
func (d *PluginAwareWebSocketDriver) Cleanup(sessionID string) {
	select {
	case d.cleanup <- sessionID:
	default:
		log.Printf("transport/pluginws: %s: cleanup channel full, dropping session %s", d.endpoint.Key, sessionID)
	}
}

// Connect dials the backend and subscribes to the controller's state-change
// event, so activation transitions reach the status table without polling.
func (d *PluginAwareWebSocketDriver) Connect(ctx context.Context) error {
	conn, err := d.dial(ctx, d.endpoint.URL)
	if err != nil {
		return fmt.Errorf("plugin-aware websocket driver: dial %s: %w", d.endpoint.URL, err)
	}
	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()
	return d.writeJSON(stateChangeSubscribeFrame(controllerStateChangeCallID))
}

// Run processes dequeued requests and reads backend frames until ctx is
// done or the socket drops. It also drives the composite-request sweeper.
func (d *PluginAwareWebSocketDriver) Run(ctx context.Context) {
	readErrCh := make(chan error, 1)
	go d.readLoop(readErrCh)

	sweep := time.NewTicker(d.tun.CompositeSweep)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErrCh:
			if err != nil {
				log.Printf("transport/pluginws: %s: read loop exited: %v", d.endpoint.Key, err)
			}
			select {
			case d.done <- DisconnectSignal{}:
			default:
			}
			return
		case <-sweep.C:
			d.sweepComposite()
		case sessionID := <-d.cleanup:
			d.handleCleanup(sessionID)
		case br := <-d.inbound:
			d.handleRequest(br)
		}
	}
}

// Done signals when the driver's connection has dropped.
func (d *PluginAwareWebSocketDriver) Done() <-chan DisconnectSignal { return d.done }

func (d *PluginAwareWebSocketDriver) readLoop(errCh chan<- error) {
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
		d.handleFrame(msg)
	}
}

// handleFrame dispatches an inbound frame: a controller state-change
// notification updates C5 and flushes any now-unblocked pending requests;
// anything else is a normal response/event forwarded to C9, enriched with
// its stored composite response params if one is on file.
func (d *PluginAwareWebSocketDriver) handleFrame(msg []byte) {
	var w wireResponse
	if err := json.Unmarshal(msg, &w); err != nil {
		log.Printf("transport/pluginws: %s: malformed frame: %v", d.endpoint.Key, err)
		return
	}

	if callsign, state, ok := parseStateChange(w); ok {
		flushed := d.status.SetState(callsign, state)
		for _, pending := range flushed {
			if state == plugins.StateMissing {
				d.sink.Handle(errorOutput(pending.Rpc.CallID, types.NewError(types.CodeServiceError, fmt.Sprintf("plugin %q is missing", callsign))))
				continue
			}
			d.sendOrError(pending)
		}
		return
	}

	out := toBrokerOutput(w)
	if id, ok := out.EventCallID(); ok {
		if response, found := d.popComposite(id); found {
			out.Params = wrapCompositeResponse(response)
		}
	} else if out.ID != nil {
		if response, found := d.popComposite(*out.ID); found {
			out.Params = wrapCompositeResponse(response)
		}
	}
	d.sinkFor(out.ID).Handle(out)
}

// parseStateChange recognizes the controller's statechange event frame,
// shaped {method:"Controller.1.statechange", params:{callsign, state}}, and
// also a direct status/activate response shaped
// {id, result:{callsign, state}} — both update the same table.
func parseStateChange(w wireResponse) (callsign string, state plugins.State, ok bool) {
	if w.Method != "Controller.1.statechange" && w.Method != "" {
		return "", 0, false
	}
	raw := w.Params
	if raw == nil {
		raw = w.Result
	}
	if raw == nil {
		return "", 0, false
	}
	var payload struct {
		Callsign string `json:"callsign"`
		State    string `json:"state"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Callsign == "" {
		return "", 0, false
	}
	return payload.Callsign, parsePluginState(payload.State), true
}

func parsePluginState(s string) plugins.State {
	switch s {
	case "Activated":
		return plugins.StateActivated
	case "Missing":
		return plugins.StateMissing
	case "Deactivated":
		return plugins.StateDeactivated
	default:
		return plugins.StateActivating
	}
}

// handleRequest runs the activation gate for the request's callsign, then
// the subscription wire protocol once the request is clear to send.
func (d *PluginAwareWebSocketDriver) handleRequest(br types.BrokerRequest) {
	callsign := br.Rule.Callsign()
	action, err := d.status.Dispatch(callsign, br)

	switch action {
	case plugins.ActionQueryStatus:
		if werr := d.writeJSON(statusQueryFrame(br.Rpc.CallID, callsign)); werr != nil {
			log.Printf("transport/pluginws: %s: status query for %s failed: %v", d.endpoint.Key, callsign, werr)
		}
		return
	case plugins.ActionActivate:
		if werr := d.writeJSON(activateFrame(br.Rpc.CallID, callsign)); werr != nil {
			log.Printf("transport/pluginws: %s: activate for %s failed: %v", d.endpoint.Key, callsign, werr)
		}
		return
	case plugins.ActionWait, plugins.ActionReject:
		d.sink.Handle(errorOutput(br.Rpc.CallID, err))
		return
	case plugins.ActionSend:
		d.sendOrError(br)
	}
}

// sendOrError shapes and writes br, either as a subscription register/
// unregister pair or a single call, reporting a SendFailure to C9 on write
// error instead of propagating it to the caller (the caller already moved
// on once the request was queued).
func (d *PluginAwareWebSocketDriver) sendOrError(br types.BrokerRequest) {
	frames, err := d.subscriptionFrames(br)
	if err != nil {
		d.sink.Handle(errorOutput(br.Rpc.CallID, err))
		return
	}
	if len(frames) > 0 {
		d.registerComposite(br)
	}
	for _, f := range frames {
		if werr := d.writeJSON(f); werr != nil {
			d.sink.Handle(errorOutput(br.Rpc.CallID, types.Wrap(types.CodeSendFailure, "plugin-aware websocket driver: write", werr)))
			return
		}
	}
}

// subscriptionFrames maps a request onto its wire frames: listen emits an
// unregister for any displaced subscription followed by a register for the
// new one; unlisten emits an unregister if an entry existed; anything else
// is a single shaped call against the rule's callsign-qualified alias.
func (d *PluginAwareWebSocketDriver) subscriptionFrames(br types.BrokerRequest) ([]wireRequest, error) {
	callsign := br.Rule.Callsign()
	suffix := methodSuffix(br.Rule.Alias, callsign)

	switch {
	case br.Rpc.IsListen:
		var frames []wireRequest
		if prior, had := d.subs.Subscribe(br); had {
			frames = append(frames, unregisterFrame(callsign, suffix, prior.Rpc.CallID))
		}
		frames = append(frames, registerFrame(callsign, suffix, br.Rpc.CallID))
		return frames, nil
	case br.Rpc.IsUnlisten:
		if prior, had := d.subs.Unsubscribe(br); had {
			return []wireRequest{unregisterFrame(callsign, suffix, prior.Rpc.CallID)}, nil
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

// handleCleanup drains the subscriptions this driver owns for sessionID and
// emits an unregister per entry so the backend drops them too.
func (d *PluginAwareWebSocketDriver) handleCleanup(sessionID string) {
	entries := d.subs.DrainMatching(sessionID, func(br types.BrokerRequest) bool {
		return br.Rule.EndpointKey == d.endpoint.Key ||
			(br.Rule.EndpointKey == "" && d.endpoint.Key == types.DefaultEndpointKey)
	})
	for _, br := range entries {
		callsign := br.Rule.Callsign()
		suffix := methodSuffix(br.Rule.Alias, callsign)
		f := unregisterFrame(callsign, suffix, br.Rpc.CallID)
		if err := d.writeJSON(f); err != nil {
			log.Printf("transport/pluginws: %s: cleanup unregister for session %s failed: %v", d.endpoint.Key, sessionID, err)
		}
	}
}

// registerComposite remembers br's literal "response" object, if its last
// params element carries one, under this call id so the response forwarder
// can use it as the response filter once the reply arrives.
func (d *PluginAwareWebSocketDriver) registerComposite(br types.BrokerRequest) {
	body, err := br.Rpc.LastParam()
	if err != nil {
		return
	}
	var probe struct {
		Response json.RawMessage `json:"response"`
	}
	if err := json.Unmarshal(body, &probe); err != nil || probe.Response == nil {
		return
	}
	d.compositeMu.Lock()
	d.composite[br.Rpc.CallID] = compositeEntry{response: probe.Response, createdAt: time.Now()}
	d.compositeMu.Unlock()
}

// popComposite removes and returns the composite response params stored
// under id, if any.
func (d *PluginAwareWebSocketDriver) popComposite(id uint64) (json.RawMessage, bool) {
	d.compositeMu.Lock()
	defer d.compositeMu.Unlock()
	e, ok := d.composite[id]
	if !ok {
		return nil, false
	}
	delete(d.composite, id)
	return e.response, true
}

// wrapCompositeResponse re-attaches the stored composite value under a
// top-level "response" key, matching the shape the request arrived under,
// so the response forwarder can pull the same "response" field back out of
// out.Params.
func wrapCompositeResponse(response json.RawMessage) json.RawMessage {
	wrapped, err := json.Marshal(struct {
		Response json.RawMessage `json:"response"`
	}{Response: response})
	if err != nil {
		return response
	}
	return wrapped
}

// sweepComposite evicts composite entries older than the configured TTL.
func (d *PluginAwareWebSocketDriver) sweepComposite() {
	cutoff := time.Now().Add(-d.tun.CompositeTTL)
	d.compositeMu.Lock()
	defer d.compositeMu.Unlock()
	for id, e := range d.composite {
		if e.createdAt.Before(cutoff) {
			delete(d.composite, id)
		}
	}
}

func (d *PluginAwareWebSocketDriver) writeJSON(v any) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(v)
}

// Subscriptions exposes the subscription registry so the Reconnection
// Supervisor can replay it after a reconnect.
func (d *PluginAwareWebSocketDriver) Subscriptions() *registry.SubscriptionRegistry { return d.subs }

// Endpoint reports the endpoint this driver serves.
func (d *PluginAwareWebSocketDriver) Endpoint() types.Endpoint { return d.endpoint }
