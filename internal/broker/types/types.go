// Package types holds the plain data structures shared across the endpoint
// broker: rules, inbound/outbound RPC shapes, and endpoint descriptors.
package types

import "encoding/json"

// Protocol identifies the wire protocol a backend endpoint speaks.
type Protocol int

const (
	// ProtocolUnknown is the zero value; no driver handles it.
	ProtocolUnknown Protocol = iota
	// ProtocolHTTP is a stateless request/response endpoint.
	ProtocolHTTP
	// ProtocolWebsocket is a plain JSON-RPC-over-WebSocket endpoint.
	ProtocolWebsocket
	// ProtocolPluginAware is a WebSocket endpoint whose methods are gated by
	// backend plugin activation state.
	ProtocolPluginAware
	// ProtocolWorkflow runs a rule composed of sub-rules in-process.
	ProtocolWorkflow
	// ProtocolExtension forwards to an external process over the extension
	// message bus.
	ProtocolExtension
)

func (p Protocol) String() string {
	switch p {
	case ProtocolHTTP:
		return "http"
	case ProtocolWebsocket:
		return "websocket"
	case ProtocolPluginAware:
		return "plugin_aware"
	case ProtocolWorkflow:
		return "workflow"
	case ProtocolExtension:
		return "extension"
	default:
		return "unknown"
	}
}

// DefaultEndpointKey is the well-known key routed to when a matched rule
// names no explicit endpoint_key.
const DefaultEndpointKey = "thunder"

// RuleAliasStatic marks a rule that completes with an empty synthetic
// response, relying entirely on response filters for its output.
const RuleAliasStatic = "static"

// RuleAliasProvided marks a rule served by an in-process provider rather
// than a transport driver.
const RuleAliasProvided = "provided"

// CallerProtocol identifies the gateway-facing transport family a session
// arrived on.
type CallerProtocol int

const (
	// CallerProtocolUnknown is the zero value.
	CallerProtocolUnknown CallerProtocol = iota
	// CallerProtocolBridge is the native bridge transport.
	CallerProtocolBridge
	// CallerProtocolExtn is the extension-originated transport.
	CallerProtocolExtn
)

// Endpoint describes one backend reachable by a transport driver.
type Endpoint struct {
	Key       string
	Protocol  Protocol
	URL       string
	IsJSONRPC bool // HTTP-only: true if the body is already a JSON-RPC envelope.
}

// Rule is a single entry in the rule table: what a matched method is
// translated into and how its request/response/event payloads are shaped.
type Rule struct {
	Alias              string
	EndpointKey        string // empty means "route to the default endpoint"
	RequestFilter      string
	ResponseFilter     string
	EventFilter        string
	MatchFilter        string
	EventHandlerMethod string
}

// IsStatic reports whether the rule is synthetic (no backend call).
func (r Rule) IsStatic() bool { return r.Alias == RuleAliasStatic }

// IsProvided reports whether the rule is served by an in-process provider.
func (r Rule) IsProvided() bool { return r.Alias == RuleAliasProvided }

// Callsign returns the first dotted segment of the rule's alias, the backend
// plugin name used by the plugin-aware driver.
func (r Rule) Callsign() string {
	for i := 0; i < len(r.Alias); i++ {
		if r.Alias[i] == '.' {
			return r.Alias[:i]
		}
	}
	return r.Alias
}

// RpcRequest is an inbound gateway request, normalized to the shape the
// broker core operates on regardless of which gateway transport it arrived
// over.
type RpcRequest struct {
	SessionID     string
	RequestID     string // opaque, client-visible
	CallID        uint64 // broker-assigned, set once registered
	AppID         string
	CallerProto   CallerProtocol
	GatewaySecure bool
	Method        string
	ParamsJSON    string // JSON array; by convention the last element is the payload
	IsListen      bool
	IsUnlisten    bool
}

// IsSubscription reports whether this request establishes or tears down a
// long-lived subscription.
func (r RpcRequest) IsSubscription() bool { return r.IsListen || r.IsUnlisten }

// WithCallID returns a copy of r with CallID set.
func (r RpcRequest) WithCallID(id uint64) RpcRequest {
	r.CallID = id
	return r
}

// LastParam returns the last element of ParamsJSON parsed as a JSON array,
// or json.RawMessage("null") if the array is empty or params is absent.
func (r RpcRequest) LastParam() (json.RawMessage, error) {
	raw := r.ParamsJSON
	if raw == "" {
		return json.RawMessage("null"), nil
	}
	var arr []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &arr); err != nil {
		return nil, err
	}
	if len(arr) == 0 {
		return json.RawMessage("null"), nil
	}
	return arr[len(arr)-1], nil
}

// ClientResponse is the final JSON-RPC envelope delivered to the session
// that originated a request: the broker-internal call id has been resolved
// back to the request's own opaque, client-visible id.
type ClientResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Callback is an inline delivery target used instead of a session lookup,
// e.g. for provider-served or static rules invoked synchronously.
type Callback func(ClientResponse)

// Sender is a fan-out telemetry target. Implementations must not block for
// long; the forwarder logs a Send error and keeps the listener attached.
type Sender interface {
	Send(BrokerOutput) error
}

// OutputSink receives BrokerOutputs produced by a transport driver. The
// response forwarder is the only real implementation; drivers never see
// anything past this interface.
type OutputSink interface {
	Handle(BrokerOutput)
}

// DriverSender is the handle a registry holds for a transport driver:
// enough to enqueue a request and to broadcast session cleanup, nothing
// more. No driver details leak past this interface, so the endpoint
// registry never references a concrete driver type.
type DriverSender interface {
	Send(BrokerRequest) error
	Cleanup(sessionID string)
}

// BrokerRequest is the in-flight context stored in the request registry,
// keyed by the broker-assigned call id.
type BrokerRequest struct {
	Rpc                   RpcRequest
	Rule                  Rule
	SubscriptionProcessed bool
	InlineCallback        Callback
	TelemetryListeners    []Sender
}

// Key returns the (session, method) identity used by the subscription
// registry to enforce "at most one listen per session+method".
func (b BrokerRequest) Key() SubscriptionKey {
	return SubscriptionKey{SessionID: b.Rpc.SessionID, Method: b.Rpc.Method}
}

// SubscriptionKey identifies a unique active listen.
type SubscriptionKey struct {
	SessionID string
	Method    string
}

// JSONRPCError is a JSON-RPC 2.0 error object.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// BrokerOutput wraps a JSON-RPC response/event envelope flowing out of a
// transport driver toward the response forwarder.
type BrokerOutput struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// EventCallID reports whether Method identifies this output as an event
// frame (its first dot-separated token parses as an unsigned integer) and,
// if so, the subscription call id it correlates to.
func (o BrokerOutput) EventCallID() (uint64, bool) {
	if o.Method == "" {
		return 0, false
	}
	token := o.Method
	for i := 0; i < len(o.Method); i++ {
		if o.Method[i] == '.' {
			token = o.Method[:i]
			break
		}
	}
	var n uint64
	if token == "" {
		return 0, false
	}
	for _, c := range token {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + uint64(c-'0')
	}
	return n, true
}
