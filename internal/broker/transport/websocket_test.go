package transport_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/leonletto/brokerd/internal/broker/registry"
	"github.com/leonletto/brokerd/internal/broker/transport"
	"github.com/leonletto/brokerd/internal/broker/types"
)

// recordingSink collects every BrokerOutput handed to it, for assertions.
type recordingSink struct {
	mu  sync.Mutex
	got []types.BrokerOutput
}

func (s *recordingSink) Handle(o types.BrokerOutput) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, o)
}

func (s *recordingSink) wait(t *testing.T, n int) []types.BrokerOutput {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		got := len(s.got)
		s.mu.Unlock()
		if got >= n {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.BrokerOutput, len(s.got))
	copy(out, s.got)
	return out
}

// echoBackend upgrades to a WebSocket and echoes every request it receives
// back as a success response carrying the same id, standing in for a real
// backend plugin during driver tests.
func echoBackend(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer func() { _ = conn.Close() }()
		for {
			var req map[string]any
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			resp := map[string]any{"jsonrpc": "2.0", "id": req["id"], "result": "ok"}
			if err := conn.WriteJSON(resp); err != nil {
				return
			}
		}
	}))
}

func TestWebSocketDriverSimpleCall(t *testing.T) {
	srv := echoBackend(t)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	sink := &recordingSink{}
	subs := registry.NewSubscriptionRegistry()
	d := transport.NewWebSocketDriver(types.Endpoint{Key: "thunder", URL: wsURL}, sink, subs, transport.Tunables{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	go d.Run(ctx)

	if err := d.Send(types.BrokerRequest{
		Rpc:  types.RpcRequest{CallID: 42, Method: "device.id"},
		Rule: types.Rule{Alias: "DeviceInfo.1.id"},
	}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got := sink.wait(t, 1)
	if len(got) != 1 {
		t.Fatalf("got %d outputs, want 1", len(got))
	}
	if got[0].ID == nil || *got[0].ID != 42 {
		t.Errorf("got id %v, want 42", got[0].ID)
	}
	var result string
	if err := json.Unmarshal(got[0].Result, &result); err != nil || result != "ok" {
		t.Errorf("got result %s, want \"ok\"", got[0].Result)
	}
}

func TestWebSocketDriverCleanupUnregistersEachSubscription(t *testing.T) {
	var mu sync.Mutex
	var methods []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		for {
			var req map[string]any
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			mu.Lock()
			methods = append(methods, req["method"].(string))
			mu.Unlock()
		}
	}))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	sink := &recordingSink{}
	subs := registry.NewSubscriptionRegistry()
	d := transport.NewWebSocketDriver(types.Endpoint{Key: types.DefaultEndpointKey, URL: wsURL}, sink, subs, transport.Tunables{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	go d.Run(ctx)

	for i, method := range []string{"events.onFoo", "events.onBar"} {
		if err := d.Send(types.BrokerRequest{
			Rpc:  types.RpcRequest{SessionID: "ses1", Method: method, CallID: uint64(i + 1), IsListen: true},
			Rule: types.Rule{Alias: "Foo.1." + method},
		}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	waitFrames := func(n int) []string {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			mu.Lock()
			got := len(methods)
			mu.Unlock()
			if got >= n {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), methods...)
	}
	waitFrames(2)

	d.Cleanup("ses1")

	got := waitFrames(4)
	unregisters := 0
	for _, m := range got {
		if strings.HasSuffix(m, ".unregister") {
			unregisters++
		}
	}
	if unregisters != 2 {
		t.Fatalf("got frames %v, want one unregister per drained subscription", got)
	}
	if subs.Count() != 0 {
		t.Fatalf("expected no subscriptions left for ses1, got %d sessions", subs.Count())
	}
}

func TestWebSocketDriverListenReplacesPriorSubscription(t *testing.T) {
	var mu sync.Mutex
	var methods []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		for {
			var req map[string]any
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			mu.Lock()
			methods = append(methods, req["method"].(string))
			mu.Unlock()
		}
	}))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	sink := &recordingSink{}
	subs := registry.NewSubscriptionRegistry()
	d := transport.NewWebSocketDriver(types.Endpoint{Key: "thunder", URL: wsURL}, sink, subs, transport.Tunables{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	go d.Run(ctx)

	rule := types.Rule{Alias: "Foo.1.changed"}
	listen := func(sessionID string, callID uint64) types.BrokerRequest {
		return types.BrokerRequest{
			Rpc:  types.RpcRequest{SessionID: sessionID, Method: "events.onFoo", CallID: callID, IsListen: true},
			Rule: rule,
		}
	}
	if err := d.Send(listen("ses1", 7)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := d.Send(listen("ses1", 9)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(methods)
		mu.Unlock()
		if n >= 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"Foo.1.changed.register", "Foo.1.changed.unregister", "Foo.1.changed.register"}
	if len(methods) != 3 {
		t.Fatalf("got methods %v, want 3 frames", methods)
	}
	for i, m := range want {
		if methods[i] != m {
			t.Errorf("frame %d: got %q, want %q", i, methods[i], m)
		}
	}
}
