// Package dispatch is the broker's intake point: it matches an inbound
// request to a rule, registers it, and hands it off to the chosen transport
// driver.
package dispatch

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/leonletto/brokerd/internal/broker/registry"
	"github.com/leonletto/brokerd/internal/broker/rules"
	"github.com/leonletto/brokerd/internal/broker/types"
)

// ProviderFunc serves a "provided" rule: one answered by an in-process
// provider rather than a transport driver. The provider subsystem lives
// outside the broker; this is only the seam the dispatcher calls through.
type ProviderFunc func(rpc types.RpcRequest, rule types.Rule) types.BrokerOutput

// Dispatcher routes inbound requests into the broker.
type Dispatcher struct {
	rules     *rules.Engine
	requests  *registry.RequestRegistry
	endpoints *registry.EndpointRegistry
	sink      types.OutputSink
	provide   ProviderFunc
	telemetry []types.Sender
}

// New returns a Dispatcher wired to the shared registries and rule engine.
// provide may be nil if the rule table carries no "provided" rules. Every
// telemetry sender is attached to each registered request, so the forwarder
// fans the raw driver output out to all of them on delivery.
func New(re *rules.Engine, requests *registry.RequestRegistry, endpoints *registry.EndpointRegistry, sink types.OutputSink, provide ProviderFunc, telemetry ...types.Sender) *Dispatcher {
	return &Dispatcher{rules: re, requests: requests, endpoints: endpoints, sink: sink, provide: provide, telemetry: telemetry}
}

// Handle routes one inbound request. It returns false when no rule matched
// or no endpoint sender could be found for a non-static, non-provided rule
// — the caller (the gateway session) is responsible for surfacing a
// method-not-found style response in that case, since rule absence is not
// an error the engine reports.
func (d *Dispatcher) Handle(rpc types.RpcRequest, inline types.Callback) bool {
	rule, ok := d.rules.Match(rpc.Method)
	if !ok {
		return false
	}

	if rule.IsStatic() {
		id := d.requests.AllocateID()
		br := types.BrokerRequest{Rpc: rpc.WithCallID(id), Rule: rule, InlineCallback: inline, TelemetryListeners: d.telemetry}
		d.requests.Insert(id, br)
		out := types.BrokerOutput{JSONRPC: "2.0", ID: &id, Result: json.RawMessage("null")}
		d.sink.Handle(out)
		return true
	}

	if rule.IsProvided() {
		id := d.requests.AllocateID()
		br := types.BrokerRequest{Rpc: rpc.WithCallID(id), Rule: rule, InlineCallback: inline, TelemetryListeners: d.telemetry}
		d.requests.Insert(id, br)
		if d.provide != nil {
			d.sink.Handle(d.provide(br.Rpc, rule))
		} else {
			d.sink.Handle(types.BrokerOutput{
				JSONRPC: "2.0",
				ID:      &id,
				Error:   types.ToJSONRPCError(types.NewError(types.CodeServiceError, "no provider registered for this rule")),
			})
		}
		return true
	}

	endpointKey := rule.EndpointKey
	if endpointKey == "" {
		endpointKey = types.DefaultEndpointKey
	}
	sender, ok := d.endpoints.Get(endpointKey)
	if !ok {
		log.Printf("dispatch: no driver registered for endpoint %q (method %q)", endpointKey, rpc.Method)
		return false
	}

	id := d.requests.AllocateID()
	br := types.BrokerRequest{Rpc: rpc.WithCallID(id), Rule: rule, InlineCallback: inline, TelemetryListeners: d.telemetry}
	d.requests.Insert(id, br)

	// An unlisten must succeed for the client even if the backend never
	// acknowledges it (it may already have torn the subscription down on
	// its own). Register a second, synthetic entry under its own id and
	// push a bare non-null result through the normal sink path; the
	// forwarder's subscription-ack classification reshapes it into
	// {listening:false, event:method} exactly as it would a genuine
	// backend ack.
	if rpc.IsUnlisten {
		ackID := d.requests.AllocateID()
		ack := types.BrokerRequest{Rpc: rpc.WithCallID(ackID), Rule: rule, InlineCallback: inline, TelemetryListeners: d.telemetry}
		d.requests.Insert(ackID, ack)
		d.sink.Handle(types.BrokerOutput{JSONRPC: "2.0", ID: &ackID, Result: json.RawMessage("true")})
	}

	if err := sender.Send(br); err != nil {
		d.sink.Handle(types.BrokerOutput{
			JSONRPC: "2.0",
			ID:      &id,
			Error:   types.ToJSONRPCError(err),
		})
	}
	return true
}

// Invoke runs method synchronously through the dispatcher and returns its
// result, used to satisfy forward.EventHandlerFunc: the response forwarder
// spawns an internal main-process request when a rule names an
// event_handler_method, and this is that internal request's
// entry point. The forwarder calls it from inside its own Handle, and Invoke
// blocks until the request's inline callback fires. A static or provided
// rule completes within the call; a rule routed to a transport driver
// returns only after that driver's read loop hands the response to the
// forwarder.
func (d *Dispatcher) Invoke(method string, params json.RawMessage) (json.RawMessage, error) {
	body, err := json.Marshal([]json.RawMessage{params})
	if err != nil {
		return nil, fmt.Errorf("dispatch: invoke %q: encode params: %w", method, err)
	}

	done := make(chan types.ClientResponse, 1)
	rpc := types.RpcRequest{Method: method, ParamsJSON: string(body)}
	if !d.Handle(rpc, func(resp types.ClientResponse) { done <- resp }) {
		return nil, types.NewError(types.CodeInvalidInput, fmt.Sprintf("invoke: no rule for %q", method))
	}

	resp := <-done
	if resp.Error != nil {
		return nil, fmt.Errorf("invoke %q: %s", method, resp.Error.Message)
	}
	return resp.Result, nil
}
