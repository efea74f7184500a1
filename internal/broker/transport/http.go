package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/leonletto/brokerd/internal/broker/types"
)

// HTTPDriver is the HTTP transport driver: a stateless request/response
// endpoint with no reconnection and no subscriptions, one http.Client call
// per dequeued request.
type HTTPDriver struct {
	endpoint types.Endpoint
	sink     types.OutputSink
	client   *http.Client

	inbound chan types.BrokerRequest
	cleanup chan string
}

// NewHTTPDriver returns a driver ready to be started with Run.
func NewHTTPDriver(endpoint types.Endpoint, sink types.OutputSink, tun Tunables) *HTTPDriver {
	tun = tun.withDefaults()
	return &HTTPDriver{
		endpoint: endpoint,
		sink:     sink,
		client:   &http.Client{Timeout: 10 * time.Second},
		inbound:  make(chan types.BrokerRequest, tun.ChannelCapacity),
		cleanup:  make(chan string, tun.ChannelCapacity),
	}
}

// Send enqueues br for the driver's single worker task. Implements
// types.DriverSender.
func (d *HTTPDriver) Send(br types.BrokerRequest) error {
	select {
	case d.inbound <- br:
		return nil
	default:
		return types.NewError(types.CodeSendFailure, "http driver: inbound channel full")
	}
}

// Cleanup is a no-op: the HTTP driver holds no per-session subscription
// state to drain. Implements types.DriverSender.
func (d *HTTPDriver) Cleanup(sessionID string) {
	select {
	case d.cleanup <- sessionID:
	default:
	}
}

// Run processes dequeued requests until ctx is done.
func (d *HTTPDriver) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.cleanup:
			// Nothing to drain; HTTP is stateless.
		case br := <-d.inbound:
			d.handle(ctx, br)
		}
	}
}

func (d *HTTPDriver) handle(ctx context.Context, br types.BrokerRequest) {
	body, err := shapeBody(br.Rule, br.Rpc)
	if err != nil {
		d.sink.Handle(errorOutput(br.Rpc.CallID, err))
		return
	}

	url := fmt.Sprintf("%s/%s", d.endpoint.URL, br.Rule.Alias)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, bytes.NewReader(body))
	if err != nil {
		d.sink.Handle(errorOutput(br.Rpc.CallID, fmt.Errorf("http driver: build request: %w", err)))
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(httpReq)
	if err != nil {
		d.sink.Handle(errorOutput(br.Rpc.CallID, types.Wrap(types.CodeServiceError, "http driver: request failed", err)))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		d.sink.Handle(errorOutput(br.Rpc.CallID, fmt.Errorf("http driver: read body: %w", err)))
		return
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("transport/http: %s returned status %d", url, resp.StatusCode)
		d.sink.Handle(errorOutput(br.Rpc.CallID, types.NewError(types.CodeInvalidInput, fmt.Sprintf("backend returned status %d", resp.StatusCode))))
		return
	}

	if d.endpoint.IsJSONRPC {
		var w wireResponse
		if err := json.Unmarshal(raw, &w); err != nil {
			d.sink.Handle(errorOutput(br.Rpc.CallID, types.Wrap(types.CodeParseError, "http driver: decode response", err)))
			return
		}
		d.sink.Handle(toBrokerOutput(w))
		return
	}

	out := types.BrokerOutput{JSONRPC: "2.0", Result: json.RawMessage(raw)}
	id := br.Rpc.CallID
	out.ID = &id
	if br.Rpc.IsSubscription() {
		out.Method = fmt.Sprintf("%d.%s", br.Rpc.CallID, br.Rpc.Method)
	}
	d.sink.Handle(out)
}
