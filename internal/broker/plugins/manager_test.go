package plugins_test

import (
	"testing"

	"github.com/leonletto/brokerd/internal/broker/plugins"
	"github.com/leonletto/brokerd/internal/broker/types"
)

func req(method string) types.BrokerRequest {
	return types.BrokerRequest{Rpc: types.RpcRequest{Method: method}}
}

func TestUnknownCallsignQueriesStatus(t *testing.T) {
	m := plugins.New()
	action, err := m.Dispatch("Xyz", req("Xyz.foo"))
	if err != nil {
		t.Fatalf("expected no error on first dispatch, got %v", err)
	}
	if action != plugins.ActionQueryStatus {
		t.Fatalf("got action %v, want ActionQueryStatus", action)
	}
	if m.PendingLen("Xyz") != 1 {
		t.Fatalf("expected request to be queued, got %d pending", m.PendingLen("Xyz"))
	}
}

func TestActivatingQueuesAndFailsCurrentCall(t *testing.T) {
	m := plugins.New()
	m.Dispatch("Xyz", req("Xyz.foo")) // first call creates Activating state

	action, err := m.Dispatch("Xyz", req("Xyz.bar"))
	if action != plugins.ActionWait {
		t.Fatalf("got action %v, want ActionWait", action)
	}
	if err == nil {
		t.Fatal("expected ServiceNotReady error while activating")
	}
	if m.PendingLen("Xyz") != 2 {
		t.Fatalf("expected both calls queued, got %d", m.PendingLen("Xyz"))
	}
}

func TestMissingRejectsWithoutQueueing(t *testing.T) {
	m := plugins.New()
	m.Dispatch("Xyz", req("Xyz.foo"))
	m.SetState("Xyz", plugins.StateMissing)

	action, err := m.Dispatch("Xyz", req("Xyz.bar"))
	if action != plugins.ActionReject {
		t.Fatalf("got action %v, want ActionReject", action)
	}
	if err == nil {
		t.Fatal("expected ServiceError")
	}
	if m.PendingLen("Xyz") != 0 {
		t.Fatalf("expected no new queue entries for a missing plugin, got %d", m.PendingLen("Xyz"))
	}
}

func TestActivatedSendsImmediately(t *testing.T) {
	m := plugins.New()
	m.Dispatch("Xyz", req("Xyz.foo"))
	m.SetState("Xyz", plugins.StateActivated)

	action, err := m.Dispatch("Xyz", req("Xyz.bar"))
	if err != nil {
		t.Fatalf("expected no error once activated, got %v", err)
	}
	if action != plugins.ActionSend {
		t.Fatalf("got action %v, want ActionSend", action)
	}
}

func TestStateChangeToActivatedFlushesPending(t *testing.T) {
	m := plugins.New()
	m.Dispatch("Xyz", req("Xyz.foo"))
	m.Dispatch("Xyz", req("Xyz.bar"))

	flushed := m.SetState("Xyz", plugins.StateActivated)
	if len(flushed) != 2 {
		t.Fatalf("expected 2 flushed requests, got %d", len(flushed))
	}
	if m.PendingLen("Xyz") != 0 {
		t.Fatal("expected pending list to be cleared after flush")
	}
}

func TestDeactivatedQueuesAndActivates(t *testing.T) {
	m := plugins.New()
	m.Dispatch("Xyz", req("Xyz.foo"))
	m.SetState("Xyz", plugins.StateDeactivated)

	action, err := m.Dispatch("Xyz", req("Xyz.bar"))
	if err != nil {
		t.Fatalf("expected no immediate error from Deactivated, got %v", err)
	}
	if action != plugins.ActionActivate {
		t.Fatalf("got action %v, want ActionActivate", action)
	}
	if m.State("Xyz") != plugins.StateActivating {
		t.Fatalf("expected state to become Activating after emitting activate, got %v", m.State("Xyz"))
	}

	// A second call while the activate is in flight should wait, not
	// re-emit the activation request.
	action, err = m.Dispatch("Xyz", req("Xyz.baz"))
	if action != plugins.ActionWait || err == nil {
		t.Fatalf("got action %v err %v, want ActionWait with an error", action, err)
	}
}
