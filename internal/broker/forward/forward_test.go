package forward_test

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/leonletto/brokerd/internal/broker/forward"
	"github.com/leonletto/brokerd/internal/broker/registry"
	"github.com/leonletto/brokerd/internal/broker/types"
)

type fakeSessions struct {
	mu  sync.Mutex
	got map[string]types.ClientResponse
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{got: make(map[string]types.ClientResponse)}
}

func (f *fakeSessions) Deliver(sessionID string, resp types.ClientResponse) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got[sessionID] = resp
	return nil
}

func (f *fakeSessions) get(sessionID string) (types.ClientResponse, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.got[sessionID]
	return r, ok
}

func u64(v uint64) *uint64 { return &v }

// A plain call's backend result passes through to the client untouched,
// re-keyed to the client's own request id.
func TestE1SimpleCall(t *testing.T) {
	requests := registry.NewRequestRegistry()
	sessions := newFakeSessions()
	fwd := forward.New(requests, sessions, nil)

	id := requests.AllocateID()
	requests.Insert(id, types.BrokerRequest{
		Rpc:  types.RpcRequest{SessionID: "s1", RequestID: "client-7", Method: "device.id", CallID: id},
		Rule: types.Rule{Alias: "DeviceInfo.1.id"},
	})

	fwd.Handle(types.BrokerOutput{JSONRPC: "2.0", ID: &id, Result: json.RawMessage(`"SER123"`)})

	resp, ok := sessions.get("s1")
	if !ok {
		t.Fatal("expected a delivered response")
	}
	if resp.ID != "client-7" {
		t.Errorf("got id %q, want client-7", resp.ID)
	}
	if string(resp.Result) != `"SER123"` {
		t.Errorf("got result %s, want \"SER123\"", resp.Result)
	}
}

// A response filter reshapes the backend envelope before delivery.
func TestE2ResponseFilter(t *testing.T) {
	requests := registry.NewRequestRegistry()
	sessions := newFakeSessions()
	fwd := forward.New(requests, sessions, nil)

	id := requests.AllocateID()
	requests.Insert(id, types.BrokerRequest{
		Rpc: types.RpcRequest{SessionID: "s1", RequestID: "c1", Method: "device.sku", CallID: id},
		Rule: types.Rule{
			Alias:          "Device.1.sku",
			ResponseFilter: `if .result.success then (.result.stbVersion | split("_")[0]) else null end`,
		},
	})

	fwd.Handle(types.BrokerOutput{
		JSONRPC: "2.0",
		ID:      &id,
		Result:  json.RawMessage(`{"success":true,"stbVersion":"SCXI11BEI_VBN_24Q3"}`),
	})

	resp, ok := sessions.get("s1")
	if !ok {
		t.Fatal("expected a delivered response")
	}
	if string(resp.Result) != `"SCXI11BEI"` {
		t.Errorf("got result %s, want \"SCXI11BEI\"", resp.Result)
	}
}

// A listen's first backend ack is reshaped into
// {listening:true, event:method}.
func TestE3SubscribeAck(t *testing.T) {
	requests := registry.NewRequestRegistry()
	sessions := newFakeSessions()
	fwd := forward.New(requests, sessions, nil)

	requests.Insert(7, types.BrokerRequest{
		Rpc: types.RpcRequest{SessionID: "s1", RequestID: "c1", Method: "events.onFoo", CallID: 7, IsListen: true},
	})

	fwd.Handle(types.BrokerOutput{JSONRPC: "2.0", ID: u64(7), Result: json.RawMessage("null")})

	resp, ok := sessions.get("s1")
	if !ok {
		t.Fatal("expected a delivered ack")
	}
	var parsed struct {
		Listening bool   `json:"listening"`
		Event     string `json:"event"`
	}
	if err := json.Unmarshal(resp.Result, &parsed); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if !parsed.Listening || parsed.Event != "events.onFoo" {
		t.Errorf("got %+v, want listening=true event=events.onFoo", parsed)
	}

	// The subscription entry stays registered after the ack so later event
	// frames still resolve, but it is now marked processed: a second ack for
	// the same id is treated as a normal response, not reshaped again.
	sessions2 := newFakeSessions()
	fwd2 := forward.New(requests, sessions2, nil)
	fwd2.Handle(types.BrokerOutput{JSONRPC: "2.0", ID: u64(7), Result: json.RawMessage("null")})
	resp2, ok := sessions2.get("s1")
	if !ok {
		t.Fatal("expected the still-registered subscription to receive the response")
	}
	if string(resp2.Result) == string(resp.Result) {
		t.Fatal("expected the second response not to be reshaped into a listen ack again")
	}
}

// A later event frame for a live subscription reaches the client under
// the client-facing method name.
func TestE4EventDelivery(t *testing.T) {
	requests := registry.NewRequestRegistry()
	sessions := newFakeSessions()
	fwd := forward.New(requests, sessions, nil)

	requests.Insert(7, types.BrokerRequest{
		Rpc: types.RpcRequest{SessionID: "s1", RequestID: "c1", Method: "events.onFoo", CallID: 7, IsListen: true},
	})
	// Consume the subscription's own ack first, exactly as a live driver would.
	fwd.Handle(types.BrokerOutput{JSONRPC: "2.0", ID: u64(7), Result: json.RawMessage("null")})

	// Re-register the same entry as the subscription registry would still
	// hold it live for future events (GetAndConsume leaves subscriptions in
	// place; this test drives Handle directly without the registry's own
	// subscribe bookkeeping).
	requests.Insert(7, types.BrokerRequest{
		Rpc:                   types.RpcRequest{SessionID: "s1", RequestID: "c1", Method: "events.onFoo", CallID: 7, IsListen: true},
		SubscriptionProcessed: true,
	})

	fwd.Handle(types.BrokerOutput{JSONRPC: "2.0", Method: "7.changed", Params: json.RawMessage(`{"v":1}`)})

	resp, ok := sessions.get("s1")
	if !ok {
		t.Fatal("expected a delivered event")
	}
	if resp.Method != "events.onFoo" {
		t.Errorf("got method %q, want events.onFoo", resp.Method)
	}
	if string(resp.Params) != `{"v":1}` {
		t.Errorf("got params %s, want {\"v\":1}", resp.Params)
	}
}

func TestEventMatchFilterDrops(t *testing.T) {
	requests := registry.NewRequestRegistry()
	sessions := newFakeSessions()
	fwd := forward.New(requests, sessions, nil)

	requests.Insert(9, types.BrokerRequest{
		Rpc:  types.RpcRequest{SessionID: "s1", RequestID: "c1", Method: "events.onFoo", CallID: 9, IsListen: true},
		Rule: types.Rule{MatchFilter: ".active"},
	})

	fwd.Handle(types.BrokerOutput{JSONRPC: "2.0", Method: "9.changed", Params: json.RawMessage(`{"active":false}`)})

	if _, ok := sessions.get("s1"); ok {
		t.Fatal("expected the event to be dropped by the match filter")
	}
}

func TestEventWithHandler(t *testing.T) {
	requests := registry.NewRequestRegistry()
	sessions := newFakeSessions()
	handlerCalls := 0
	handler := func(method string, params json.RawMessage) (json.RawMessage, error) {
		handlerCalls++
		return json.RawMessage(`"handled"`), nil
	}
	fwd := forward.New(requests, sessions, handler)

	requests.Insert(3, types.BrokerRequest{
		Rpc:  types.RpcRequest{SessionID: "s1", RequestID: "c1", Method: "events.onBar", CallID: 3, IsListen: true},
		Rule: types.Rule{EventHandlerMethod: "internal.enrich"},
	})

	fwd.Handle(types.BrokerOutput{JSONRPC: "2.0", Method: "3.changed", Params: json.RawMessage(`{}`)})

	if handlerCalls != 1 {
		t.Fatalf("got %d handler calls, want 1", handlerCalls)
	}
	resp, ok := sessions.get("s1")
	if !ok || string(resp.Result) != `"handled"` {
		t.Fatalf("got %+v, want result \"handled\"", resp)
	}
}

// TestCompositeResponseFilterOverridesRule checks the "composite
// request" behavior: the driver-stashed {"response": filter} params
// on out.Params names a jq-style filter string to evaluate instead of the
// rule's own response_filter, not a literal result to pass through.
func TestCompositeResponseFilterOverridesRule(t *testing.T) {
	requests := registry.NewRequestRegistry()
	sessions := newFakeSessions()
	fwd := forward.New(requests, sessions, nil)

	id := requests.AllocateID()
	requests.Insert(id, types.BrokerRequest{
		Rpc: types.RpcRequest{SessionID: "s1", RequestID: "c1", Method: "device.composite", CallID: id},
		Rule: types.Rule{
			Alias:          "Device.1.composite",
			ResponseFilter: ".result.ignored",
		},
	})

	fwd.Handle(types.BrokerOutput{
		JSONRPC: "2.0",
		ID:      &id,
		Result:  json.RawMessage(`{"stbVersion":"SCXI11BEI_VBN_24Q3"}`),
		Params:  json.RawMessage(`{"response":".result.stbVersion"}`),
	})

	resp, ok := sessions.get("s1")
	if !ok {
		t.Fatal("expected a delivered response")
	}
	if string(resp.Result) != `"SCXI11BEI_VBN_24Q3"` {
		t.Errorf("got result %s, want the composite filter's evaluation, not the rule's own filter", resp.Result)
	}
}

func TestUnknownIDDropped(t *testing.T) {
	requests := registry.NewRequestRegistry()
	sessions := newFakeSessions()
	fwd := forward.New(requests, sessions, nil)

	fwd.Handle(types.BrokerOutput{JSONRPC: "2.0", ID: u64(999)})

	if len(sessions.got) != 0 {
		t.Fatalf("expected nothing delivered for an unknown id, got %+v", sessions.got)
	}
}

func TestInlineCallbackWinsOverSession(t *testing.T) {
	requests := registry.NewRequestRegistry()
	sessions := newFakeSessions()
	fwd := forward.New(requests, sessions, nil)

	var got types.ClientResponse
	id := requests.AllocateID()
	requests.Insert(id, types.BrokerRequest{
		Rpc:            types.RpcRequest{SessionID: "s1", RequestID: "c1", Method: "device.id", CallID: id},
		Rule:           types.Rule{Alias: "Device.1.id"},
		InlineCallback: func(r types.ClientResponse) { got = r },
	})

	fwd.Handle(types.BrokerOutput{JSONRPC: "2.0", ID: &id, Result: json.RawMessage(`1`)})

	if got.ID != "c1" {
		t.Fatalf("expected the inline callback to fire, got %+v", got)
	}
	if _, ok := sessions.get("s1"); ok {
		t.Fatal("expected no session delivery when an inline callback is present")
	}
}
