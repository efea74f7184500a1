package transport_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/leonletto/brokerd/internal/broker/transport"
	"github.com/leonletto/brokerd/internal/broker/types"
)

func TestWorkflowDriverRunsStepsInOrder(t *testing.T) {
	sink := &recordingSink{}
	var calls []string
	invoke := func(method string, params json.RawMessage) (json.RawMessage, error) {
		calls = append(calls, method)
		return json.RawMessage(fmt.Sprintf("%q", method)), nil
	}

	d := transport.NewWorkflowDriver(types.Endpoint{Key: "wf"}, sink, invoke, transport.Tunables{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	br := types.BrokerRequest{
		Rpc:  types.RpcRequest{CallID: 1, ParamsJSON: `[{}]`},
		Rule: types.Rule{Alias: "step.one|step.two"},
	}
	if err := d.Send(br); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got := sink.wait(t, 1)
	if len(got) != 1 {
		t.Fatalf("got %d outputs, want 1", len(got))
	}
	if got[0].Error != nil {
		t.Fatalf("unexpected error: %+v", got[0].Error)
	}
	var results []string
	if err := json.Unmarshal(got[0].Result, &results); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(results) != 2 || results[0] != "step.one" || results[1] != "step.two" {
		t.Fatalf("unexpected results: %+v", results)
	}
	if len(calls) != 2 || calls[0] != "step.one" || calls[1] != "step.two" {
		t.Fatalf("invoke called out of order: %+v", calls)
	}
}

func TestWorkflowDriverStepFailureAborts(t *testing.T) {
	sink := &recordingSink{}
	invoke := func(method string, params json.RawMessage) (json.RawMessage, error) {
		if method == "step.two" {
			return nil, fmt.Errorf("boom")
		}
		return json.RawMessage(`"ok"`), nil
	}

	d := transport.NewWorkflowDriver(types.Endpoint{Key: "wf"}, sink, invoke, transport.Tunables{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	br := types.BrokerRequest{
		Rpc:  types.RpcRequest{CallID: 7, ParamsJSON: `[{}]`},
		Rule: types.Rule{Alias: "step.one|step.two|step.three"},
	}
	if err := d.Send(br); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got := sink.wait(t, 1)
	if len(got) != 1 || got[0].Error == nil {
		t.Fatalf("expected one error output, got %+v", got)
	}
}
