package registry_test

import (
	"testing"

	"github.com/leonletto/brokerd/internal/broker/registry"
	"github.com/leonletto/brokerd/internal/broker/types"
)

func listen(session, method string, callID uint64) types.BrokerRequest {
	return types.BrokerRequest{Rpc: types.RpcRequest{
		SessionID: session,
		Method:    method,
		CallID:    callID,
		IsListen:  true,
	}}
}

func TestSubscribeIdempotence(t *testing.T) {
	s := registry.NewSubscriptionRegistry()

	if _, had := s.Subscribe(listen("ses1", "events.onFoo", 1)); had {
		t.Fatal("expected no prior entry on first subscribe")
	}
	prior, had := s.Subscribe(listen("ses1", "events.onFoo", 2))
	if !had {
		t.Fatal("expected a prior entry on second subscribe for the same key")
	}
	if prior.Rpc.CallID != 1 {
		t.Errorf("got displaced call_id %d, want 1", prior.Rpc.CallID)
	}
	if s.Count() != 1 {
		t.Fatalf("expected exactly one session with subscriptions, got %d", s.Count())
	}
}

func TestUnsubscribeRemovesEntry(t *testing.T) {
	s := registry.NewSubscriptionRegistry()
	s.Subscribe(listen("ses1", "events.onFoo", 7))

	prior, had := s.Unsubscribe(listen("ses1", "events.onFoo", 0))
	if !had {
		t.Fatal("expected unsubscribe to find the entry")
	}
	if prior.Rpc.CallID != 7 {
		t.Errorf("got call_id %d, want 7", prior.Rpc.CallID)
	}
	if s.Count() != 0 {
		t.Fatal("expected session to be pruned once empty")
	}
}

func TestUnsubscribeUnknown(t *testing.T) {
	s := registry.NewSubscriptionRegistry()
	if _, had := s.Unsubscribe(listen("ses1", "events.onFoo", 0)); had {
		t.Fatal("expected false for unknown subscription")
	}
}

func TestDrainMatchingLeavesNonMatchingEntries(t *testing.T) {
	s := registry.NewSubscriptionRegistry()
	a := listen("ses1", "events.onFoo", 1)
	a.Rule = types.Rule{EndpointKey: "thunder"}
	b := listen("ses1", "events.onBar", 2)
	b.Rule = types.Rule{EndpointKey: "extn"}
	s.Subscribe(a)
	s.Subscribe(b)

	drained := s.DrainMatching("ses1", func(br types.BrokerRequest) bool {
		return br.Rule.EndpointKey == "thunder"
	})
	if len(drained) != 1 || drained[0].Rpc.CallID != 1 {
		t.Fatalf("got %+v, want exactly the thunder-routed entry", drained)
	}
	remaining := s.Drain("ses1")
	if len(remaining) != 1 || remaining[0].Rpc.CallID != 2 {
		t.Fatalf("got %+v, want the extn-routed entry still present", remaining)
	}
}

func TestDrainBulkRemoval(t *testing.T) {
	s := registry.NewSubscriptionRegistry()
	s.Subscribe(listen("ses1", "events.onFoo", 1))
	s.Subscribe(listen("ses1", "events.onBar", 2))
	s.Subscribe(listen("ses2", "events.onFoo", 3))

	drained := s.Drain("ses1")
	if len(drained) != 2 {
		t.Fatalf("expected 2 drained entries, got %d", len(drained))
	}
	if s.Count() != 1 {
		t.Fatalf("expected ses2 to remain, got %d sessions", s.Count())
	}

	// Idempotent: draining again yields nothing.
	if drained := s.Drain("ses1"); len(drained) != 0 {
		t.Fatalf("expected second drain to be empty, got %d", len(drained))
	}
}
