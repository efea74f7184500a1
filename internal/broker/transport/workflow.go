package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/leonletto/brokerd/internal/broker/types"
)

// InvokeFunc runs a method through the broker core synchronously and
// returns its result, the same seam dispatch.Dispatcher.Invoke exposes for
// the response forwarder's event_handler_method case. The workflow driver
// uses it to run each of a rule's sub-rules without importing the dispatch
// package (which itself imports this one), avoiding an import cycle.
type InvokeFunc func(method string, params json.RawMessage) (json.RawMessage, error)

// WorkflowDriver runs a rule composed of sub-rules entirely in-process and
// synthesizes a single BrokerOutput from their results. It has no network
// state machine and never appears in the reconnect supervisor's driver
// list.
type WorkflowDriver struct {
	endpoint types.Endpoint
	sink     types.OutputSink
	invoke   InvokeFunc

	inbound chan types.BrokerRequest
	cleanup chan string
}

// NewWorkflowDriver returns a driver ready to be started with Run. invoke
// runs one sub-rule's method to completion; it is normally
// dispatch.Dispatcher.Invoke.
func NewWorkflowDriver(endpoint types.Endpoint, sink types.OutputSink, invoke InvokeFunc, tun Tunables) *WorkflowDriver {
	tun = tun.withDefaults()
	return &WorkflowDriver{
		endpoint: endpoint,
		sink:     sink,
		invoke:   invoke,
		inbound:  make(chan types.BrokerRequest, tun.ChannelCapacity),
		cleanup:  make(chan string, tun.ChannelCapacity),
	}
}

// Send enqueues br for the driver's worker task. Implements
// types.DriverSender.
func (d *WorkflowDriver) Send(br types.BrokerRequest) error {
	select {
	case d.inbound <- br:
		return nil
	default:
		return types.NewError(types.CodeSendFailure, "workflow driver: inbound channel full")
	}
}

// Cleanup is a no-op: a workflow rule holds no subscription state of its
// own — each sub-rule's own driver owns cleanup for any subscription it
// serves. Implements types.DriverSender.
func (d *WorkflowDriver) Cleanup(sessionID string) {
	select {
	case d.cleanup <- sessionID:
	default:
	}
}

// Run processes dequeued requests until ctx is done.
func (d *WorkflowDriver) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.cleanup:
		case br := <-d.inbound:
			d.handle(br)
		}
	}
}

// handle runs one workflow: a workflow rule's Alias lists its sub-rule
// methods separated by "|", run in order. Each sub-rule receives the same
// request-shaped body a direct call to it would; the workflow's
// own request/response filters, if set, run once over the body and once
// over the aggregated result, matching every other driver's shaping
// contract. Results are collected into a JSON array in call order; any
// sub-rule failing aborts the workflow with that sub-rule's error.
func (d *WorkflowDriver) handle(br types.BrokerRequest) {
	body, err := shapeBody(br.Rule, br.Rpc)
	if err != nil {
		d.sink.Handle(errorOutput(br.Rpc.CallID, err))
		return
	}

	steps := strings.Split(br.Rule.Alias, "|")
	results := make([]json.RawMessage, 0, len(steps))
	for _, method := range steps {
		method = strings.TrimSpace(method)
		if method == "" {
			continue
		}
		result, err := d.invoke(method, body)
		if err != nil {
			d.sink.Handle(errorOutput(br.Rpc.CallID, types.Wrap(types.CodeServiceError, "workflow driver: step "+method, err)))
			return
		}
		results = append(results, result)
	}

	aggregate, err := json.Marshal(results)
	if err != nil {
		d.sink.Handle(errorOutput(br.Rpc.CallID, err))
		return
	}

	id := br.Rpc.CallID
	out := types.BrokerOutput{JSONRPC: "2.0", ID: &id, Result: aggregate}
	if br.Rpc.IsSubscription() {
		out.Method = fmt.Sprintf("%d.%s", br.Rpc.CallID, br.Rpc.Method)
	}
	d.sink.Handle(out)
}

// Endpoint reports the endpoint this driver serves.
func (d *WorkflowDriver) Endpoint() types.Endpoint { return d.endpoint }
