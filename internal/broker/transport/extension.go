package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/leonletto/brokerd/internal/broker/types"
)

// ExtensionDriver forwards a request to an external process over the
// extension message bus, modeled as an MCP client session. Endpoint.URL
// names the command line to launch the extension process; the rule's alias
// becomes the MCP tool name.
type ExtensionDriver struct {
	endpoint types.Endpoint
	sink     types.OutputSink

	inbound chan types.BrokerRequest
	cleanup chan string

	connect func(ctx context.Context) (*gomcp.ClientSession, error)
}

// NewExtensionDriver returns a driver ready to be started with Run.
func NewExtensionDriver(endpoint types.Endpoint, sink types.OutputSink, tun Tunables) *ExtensionDriver {
	tun = tun.withDefaults()
	return &ExtensionDriver{
		endpoint: endpoint,
		sink:     sink,
		inbound:  make(chan types.BrokerRequest, tun.ChannelCapacity),
		cleanup:  make(chan string, tun.ChannelCapacity),
		connect:  nil,
	}
}

// Send enqueues br for the driver's worker task. Implements
// types.DriverSender.
func (d *ExtensionDriver) Send(br types.BrokerRequest) error {
	select {
	case d.inbound <- br:
		return nil
	default:
		return types.NewError(types.CodeSendFailure, "extension driver: inbound channel full")
	}
}

// Cleanup is a no-op: the extension bus holds no per-session subscription
// state of its own. Implements types.DriverSender.
func (d *ExtensionDriver) Cleanup(sessionID string) {
	select {
	case d.cleanup <- sessionID:
	default:
	}
}

// Run processes dequeued requests until ctx is done, launching one
// extension process per request (the extension bus has no persistent
// connection to keep warm between calls).
func (d *ExtensionDriver) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.cleanup:
			// Nothing to drain; the extension bus is stateless per call.
		case br := <-d.inbound:
			d.handle(ctx, br)
		}
	}
}

func (d *ExtensionDriver) handle(ctx context.Context, br types.BrokerRequest) {
	body, err := shapeBody(br.Rule, br.Rpc)
	if err != nil {
		d.sink.Handle(errorOutput(br.Rpc.CallID, err))
		return
	}

	session, err := d.connectSession(ctx)
	if err != nil {
		d.sink.Handle(errorOutput(br.Rpc.CallID, types.Wrap(types.CodeServiceError, "extension driver: connect", err)))
		return
	}
	defer func() { _ = session.Close() }()

	var args map[string]any
	if len(body) > 0 && string(body) != "null" {
		if err := json.Unmarshal(body, &args); err != nil {
			d.sink.Handle(errorOutput(br.Rpc.CallID, types.Wrap(types.CodeParseError, "extension driver: decode params", err)))
			return
		}
	}

	result, err := session.CallTool(ctx, &gomcp.CallToolParams{
		Name:      br.Rule.Alias,
		Arguments: args,
	})
	if err != nil {
		d.sink.Handle(errorOutput(br.Rpc.CallID, types.Wrap(types.CodeServiceError, "extension driver: call tool", err)))
		return
	}
	if result.IsError {
		d.sink.Handle(errorOutput(br.Rpc.CallID, types.NewError(types.CodeServiceError, extensionErrorText(result))))
		return
	}

	raw, err := json.Marshal(result.StructuredContent)
	if err != nil {
		d.sink.Handle(errorOutput(br.Rpc.CallID, fmt.Errorf("extension driver: encode result: %w", err)))
		return
	}

	id := br.Rpc.CallID
	out := types.BrokerOutput{JSONRPC: "2.0", ID: &id, Result: raw}
	if br.Rpc.IsSubscription() {
		out.Method = fmt.Sprintf("%d.%s", br.Rpc.CallID, br.Rpc.Method)
	}
	d.sink.Handle(out)
}

// connectSession launches the extension process and opens an MCP client
// session over its stdio, or calls the injected test hook if one was set.
func (d *ExtensionDriver) connectSession(ctx context.Context) (*gomcp.ClientSession, error) {
	if d.connect != nil {
		return d.connect(ctx)
	}
	fields := strings.Fields(d.endpoint.URL)
	if len(fields) == 0 {
		return nil, fmt.Errorf("extension driver: empty command for endpoint %q", d.endpoint.Key)
	}
	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	client := gomcp.NewClient(&gomcp.Implementation{Name: "brokerd", Version: "dev"}, nil)
	session, err := client.Connect(ctx, &gomcp.CommandTransport{Command: cmd}, nil)
	if err != nil {
		return nil, err
	}
	return session, nil
}

func extensionErrorText(result *gomcp.CallToolResult) string {
	for _, c := range result.Content {
		if tc, ok := c.(*gomcp.TextContent); ok {
			return tc.Text
		}
	}
	return "extension tool call returned an error with no message"
}
