// Package transport implements one driver per backend endpoint protocol:
// HTTP, plain WebSocket JSON-RPC, plugin-aware WebSocket, in-process
// workflow, and extension bus. Each driver owns a bounded inbound channel of
// broker requests plus a cleanup channel keyed by session id, and runs one
// worker task.
package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/leonletto/brokerd/internal/broker/filterlang"
	"github.com/leonletto/brokerd/internal/broker/types"
)

// DefaultChannelCapacity is the default bound on a driver's inbound channel.
const DefaultChannelCapacity = 10

// Default composite-request lifetimes: entries not consumed by a response
// within DefaultCompositeTTL are evicted by a sweeper that runs every
// DefaultCompositeSweep.
const (
	DefaultCompositeTTL   = 8 * time.Second
	DefaultCompositeSweep = 3 * time.Second
)

// Tunables are the runtime knobs shared by every driver. The zero value
// means "use the defaults above", so tests and callers without an operator
// override can pass Tunables{}.
type Tunables struct {
	ChannelCapacity int
	CompositeTTL    time.Duration
	CompositeSweep  time.Duration
}

func (t Tunables) withDefaults() Tunables {
	if t.ChannelCapacity <= 0 {
		t.ChannelCapacity = DefaultChannelCapacity
	}
	if t.CompositeTTL <= 0 {
		t.CompositeTTL = DefaultCompositeTTL
	}
	if t.CompositeSweep <= 0 {
		t.CompositeSweep = DefaultCompositeSweep
	}
	return t
}

// wireRequest is the outbound JSON-RPC 2.0 request envelope.
type wireRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// wireResponse is the inbound JSON-RPC 2.0 envelope, request response or
// event frame, as read off a backend socket.
type wireResponse struct {
	JSONRPC string              `json:"jsonrpc"`
	ID      *uint64             `json:"id,omitempty"`
	Result  json.RawMessage     `json:"result,omitempty"`
	Error   *types.JSONRPCError `json:"error,omitempty"`
	Method  string              `json:"method,omitempty"`
	Params  json.RawMessage     `json:"params,omitempty"`
}

// shapeRequest builds the outgoing payload every driver shares: parse
// params_json as a JSON array (taking the last element as body), optionally
// run it through the rule's request filter, and wrap it in a JSON-RPC
// envelope addressed to the rule's alias. Params is omitted when the body
// is null.
func shapeRequest(rule types.Rule, rpc types.RpcRequest) (wireRequest, error) {
	body, err := shapeBody(rule, rpc)
	if err != nil {
		return wireRequest{}, err
	}
	req := wireRequest{JSONRPC: "2.0", ID: rpc.CallID, Method: rule.Alias}
	if string(body) != "null" {
		req.Params = body
	}
	return req, nil
}

// shapeBody takes the last params_json element and, if the rule has one,
// pipes it through the request filter.
// The HTTP driver uses the body directly; the socket-based drivers wrap it
// in a JSON-RPC envelope via shapeRequest.
func shapeBody(rule types.Rule, rpc types.RpcRequest) (json.RawMessage, error) {
	body, err := rpc.LastParam()
	if err != nil {
		return nil, fmt.Errorf("shape request: parse params_json: %w", err)
	}
	if rule.RequestFilter == "" {
		return body, nil
	}
	out, err := filterlang.Evaluate(body, rule.RequestFilter)
	if err != nil {
		return nil, types.Wrap(types.CodeParseError, "request filter", err)
	}
	return out, nil
}

// registerFrame builds the subscription register frame
// {method:"{callsign}.register", params:{event, id}}.
func registerFrame(callsign, eventSuffix string, callID uint64) wireRequest {
	params, _ := json.Marshal(map[string]string{
		"event": eventSuffix,
		"id":    fmt.Sprintf("%d", callID),
	})
	return wireRequest{JSONRPC: "2.0", ID: callID, Method: callsign + ".register", Params: params}
}

// unregisterFrame builds the subscription unregister frame
// {method:"{callsign}.unregister", params:{event, id}}.
func unregisterFrame(callsign, eventSuffix string, callID uint64) wireRequest {
	params, _ := json.Marshal(map[string]string{
		"event": eventSuffix,
		"id":    fmt.Sprintf("%d", callID),
	})
	return wireRequest{JSONRPC: "2.0", ID: callID, Method: callsign + ".unregister", Params: params}
}

// methodSuffix returns the part of a rule's alias after its callsign (the
// "event" the register/unregister frame names). E.g. "Foo.1.changed" with
// callsign "Foo" returns "1.changed".
func methodSuffix(alias, callsign string) string {
	if len(alias) <= len(callsign)+1 || alias[:len(callsign)] != callsign {
		return alias
	}
	return alias[len(callsign)+1:]
}

// statusQueryFrame builds the plugin-aware control frame that asks whether
// callsign is currently active: {method:"Controller.1.status@<callsign>"}.
func statusQueryFrame(callID uint64, callsign string) wireRequest {
	return wireRequest{JSONRPC: "2.0", ID: callID, Method: fmt.Sprintf("Controller.1.status@%s", callsign)}
}

// activateFrame builds the plugin-aware control frame that requests
// activation of callsign: {method:"Controller.1.activate","params":{"callsign":...}}.
func activateFrame(callID uint64, callsign string) wireRequest {
	params, _ := json.Marshal(map[string]string{"callsign": callsign})
	return wireRequest{JSONRPC: "2.0", ID: callID, Method: "Controller.1.activate", Params: params}
}

// stateChangeSubscribeFrame builds the control frame the plugin-aware
// driver sends once on connect to receive the controller's state-change
// notifications: {method:"Controller.1.register","params":{"event":"statechange","id":...}}.
func stateChangeSubscribeFrame(callID uint64) wireRequest {
	params, _ := json.Marshal(map[string]string{"event": "statechange", "id": fmt.Sprintf("%d", callID)})
	return wireRequest{JSONRPC: "2.0", ID: callID, Method: "Controller.1.register", Params: params}
}

// toBrokerOutput converts a decoded wire response/event into the
// BrokerOutput shape the response forwarder consumes.
func toBrokerOutput(w wireResponse) types.BrokerOutput {
	return types.BrokerOutput{
		JSONRPC: "2.0",
		ID:      w.ID,
		Result:  w.Result,
		Error:   w.Error,
		Method:  w.Method,
		Params:  w.Params,
	}
}

// errorOutput builds a synthetic BrokerOutput carrying an error, used when
// a driver fails a request before it ever reaches the wire (e.g. a plugin
// that is missing or still activating).
func errorOutput(callID uint64, err error) types.BrokerOutput {
	id := callID
	return types.BrokerOutput{JSONRPC: "2.0", ID: &id, Error: types.ToJSONRPCError(err)}
}
