// Package forward implements the response forwarder: it consumes raw
// BrokerOutputs from every transport driver, joins them back to the
// originating request, reshapes the result through the rule's filters, and
// delivers the final envelope to the session (or inline callback) that
// asked for it.
package forward

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/leonletto/brokerd/internal/broker/filterlang"
	"github.com/leonletto/brokerd/internal/broker/registry"
	"github.com/leonletto/brokerd/internal/broker/types"
)

// SessionDeliverer delivers a final client envelope to the gateway session
// that originated the request. A session that has since disconnected is not
// an error the forwarder needs to know about; responses for a vanished
// session are simply dropped.
type SessionDeliverer interface {
	Deliver(sessionID string, resp types.ClientResponse) error
}

// EventHandlerFunc spawns the internal main-process request named by a
// rule's event_handler_method and returns its result, used by the
// event-with-handler classification below.
type EventHandlerFunc func(method string, params json.RawMessage) (json.RawMessage, error)

// Forwarder joins driver outputs back to their originating requests and
// delivers the shaped result.
type Forwarder struct {
	requests     *registry.RequestRegistry
	sessions     SessionDeliverer
	eventHandler EventHandlerFunc
}

// New returns a Forwarder wired to the request registry and the gateway's
// session delivery target. eventHandler may be nil if no rule in the table
// names an event_handler_method.
func New(requests *registry.RequestRegistry, sessions SessionDeliverer, eventHandler EventHandlerFunc) *Forwarder {
	return &Forwarder{requests: requests, sessions: sessions, eventHandler: eventHandler}
}

// Handle implements types.OutputSink. It is the single entry point every
// transport driver and the dispatcher call to push a BrokerOutput toward
// its destination.
func (f *Forwarder) Handle(out types.BrokerOutput) {
	id, isEvent := resolveID(out)

	br, ok := f.requests.GetAndConsume(id)
	if !ok {
		log.Printf("forward: no in-flight request for id=%d (event=%v); dropping", id, isEvent)
		return
	}

	resp, drop := f.classify(id, isEvent, out, br)
	if drop {
		return
	}

	f.deliver(br, resp)
	f.fanout(br, out)
}

// resolveID picks the correlation id: an event frame's id is the integer
// prefix of its method; everything else uses the envelope's own id.
func resolveID(out types.BrokerOutput) (uint64, bool) {
	if id, ok := out.EventCallID(); ok {
		return id, true
	}
	if out.ID != nil {
		return *out.ID, false
	}
	return 0, false
}

// classify shapes the client-facing envelope for the four response kinds
// (handled event, plain event, subscription ack, normal response) and
// reports whether it should be silently dropped (a matched-out event).
func (f *Forwarder) classify(id uint64, isEvent bool, out types.BrokerOutput, br types.BrokerRequest) (types.ClientResponse, bool) {
	resp := types.ClientResponse{JSONRPC: "2.0", ID: br.Rpc.RequestID}

	switch {
	case isEvent && br.Rule.EventHandlerMethod != "":
		return f.classifyHandledEvent(resp, out, br)
	case isEvent:
		return f.classifyPlainEvent(resp, out, br)
	case br.Rpc.IsSubscription() && !br.SubscriptionProcessed && out.Result != nil:
		f.requests.MarkSubscriptionProcessed(id)
		result, _ := json.Marshal(map[string]any{"listening": br.Rpc.IsListen, "event": br.Rpc.Method})
		resp.Result = result
		return resp, false
	default:
		return f.classifyNormal(resp, out, br)
	}
}

// classifyHandledEvent handles an event whose rule names an
// event_handler_method: the event's payload (optionally reshaped through
// the rule's request filter) becomes the params of a synthetic internal
// call to that method, and that call's own result replaces what's
// delivered to the client.
func (f *Forwarder) classifyHandledEvent(resp types.ClientResponse, out types.BrokerOutput, br types.BrokerRequest) (types.ClientResponse, bool) {
	params := out.Params
	if br.Rule.RequestFilter != "" {
		filtered, err := filterlang.Evaluate(params, br.Rule.RequestFilter)
		if err != nil {
			return errorResponse(resp, types.Wrap(types.CodeParseError, "event handler request filter", err)), false
		}
		params = filtered
	}
	if f.eventHandler == nil {
		return errorResponse(resp, types.NewError(types.CodeServiceError, fmt.Sprintf("no event handler wired for %q", br.Rule.EventHandlerMethod))), false
	}
	result, err := f.eventHandler(br.Rule.EventHandlerMethod, params)
	if err != nil {
		return errorResponse(resp, err), false
	}
	resp.Method = br.Rpc.Method
	resp.Result = result
	return resp, false
}

// classifyPlainEvent handles an event without a handler: the event filter
// (if any) reshapes the payload, then the match filter (if any) decides
// whether the event is delivered at all.
func (f *Forwarder) classifyPlainEvent(resp types.ClientResponse, out types.BrokerOutput, br types.BrokerRequest) (types.ClientResponse, bool) {
	value := out.Params
	if br.Rule.EventFilter != "" {
		filtered, err := filterlang.Evaluate(value, br.Rule.EventFilter)
		if err != nil {
			return errorResponse(resp, types.Wrap(types.CodeParseError, "event filter", err)), false
		}
		value = filtered
	}
	if br.Rule.MatchFilter != "" {
		matched, err := filterlang.Evaluate(value, br.Rule.MatchFilter)
		if err != nil {
			return errorResponse(resp, types.Wrap(types.CodeParseError, "match filter", err)), false
		}
		if isFalsy(matched) {
			return types.ClientResponse{}, true
		}
	}
	resp.Method = br.Rpc.Method
	resp.Params = value
	return resp, false
}

// classifyNormal handles a plain request/response pair: a composite
// response filter recorded at send time stands in for the rule's own
// response filter when present; otherwise the rule's response filter runs
// over the whole JSON-RPC envelope. A filter result carrying a top-level
// "error" field becomes the response's error instead of its result.
func (f *Forwarder) classifyNormal(resp types.ClientResponse, out types.BrokerOutput, br types.BrokerRequest) (types.ClientResponse, bool) {
	result := out.Result
	errField := out.Error

	filterExpr := br.Rule.ResponseFilter
	if composite, ok := compositeResponseFilter(out.Params); ok {
		filterExpr = composite
	}

	if filterExpr == "" {
		if result == nil && errField == nil {
			result = json.RawMessage("null")
		}
		resp.Result = result
		resp.Error = errField
		return resp, false
	}

	envelope, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"result":  rawOrNil(result),
		"error":   errField,
	})
	if err != nil {
		return errorResponse(resp, fmt.Errorf("forward: encode response envelope: %w", err)), false
	}
	filtered, err := filterlang.Evaluate(envelope, filterExpr)
	if err != nil {
		return errorResponse(resp, types.Wrap(types.CodeParseError, "response filter", err)), false
	}

	var probe struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(filtered, &probe); err == nil && len(probe.Error) > 0 && string(probe.Error) != "null" {
		var jerr types.JSONRPCError
		if err := json.Unmarshal(probe.Error, &jerr); err == nil {
			resp.Error = &jerr
			return resp, false
		}
	}
	resp.Result = filtered
	return resp, false
}

// deliver routes the final envelope: an inline callback wins over a
// session lookup, matching the static/provided rule's synchronous use
// case.
func (f *Forwarder) deliver(br types.BrokerRequest, resp types.ClientResponse) {
	if br.InlineCallback != nil {
		br.InlineCallback(resp)
		return
	}
	if f.sessions == nil {
		return
	}
	if err := f.sessions.Deliver(br.Rpc.SessionID, resp); err != nil {
		log.Printf("forward: deliver to session %s failed: %v", br.Rpc.SessionID, err)
	}
}

// fanout gives every telemetry listener registered on the request a copy
// of the raw driver output. A send error is logged; the listener is not
// removed and still receives later outputs of the same request.
func (f *Forwarder) fanout(br types.BrokerRequest, out types.BrokerOutput) {
	for _, sender := range br.TelemetryListeners {
		if err := sender.Send(out); err != nil {
			log.Printf("forward: telemetry listener send failed: %v", err)
		}
	}
}

// compositeResponseFilter extracts the filter string a composite request's
// driver stashed under out.Params as {"response": "<filter>"}. Absence, a
// non-object Params, or a non-string "response" field all mean "no
// composite filter".
func compositeResponseFilter(params json.RawMessage) (string, bool) {
	if len(params) == 0 {
		return "", false
	}
	var probe struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal(params, &probe); err != nil || probe.Response == "" {
		return "", false
	}
	return probe.Response, true
}

func errorResponse(resp types.ClientResponse, err error) types.ClientResponse {
	resp.Error = types.ToJSONRPCError(err)
	return resp
}

func rawOrNil(v json.RawMessage) json.RawMessage {
	if len(v) == 0 {
		return json.RawMessage("null")
	}
	return v
}

// isFalsy reports whether a match filter's output counts as "false or
// null": absent, JSON null, or JSON false.
func isFalsy(v json.RawMessage) bool {
	s := string(v)
	return len(v) == 0 || s == "null" || s == "false"
}
