// Package netdial provides an optional outbound dialer for backend
// endpoints reachable only over a private tailnet. The tsnet.Server is
// used purely for its outbound Dial, wired into a transport driver's dial
// hook instead of a net.Listener.
package netdial

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"
	"tailscale.com/tsnet"

	"github.com/leonletto/brokerd/internal/broker/config"
)

// TailnetDialer opens backend WebSocket connections over a tailnet instead
// of the default network, for endpoints whose config names a Tailscale
// hostname.
type TailnetDialer struct {
	server *tsnet.Server
}

// NewTailnetDialer configures, without starting, a tsnet server using cfg;
// the server starts on its first Dial. Returns an error if Tailscale is not
// enabled or no auth key is set.
func NewTailnetDialer(cfg config.TailscaleConfig) (*TailnetDialer, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("netdial: tailscale is not enabled (no hostname configured)")
	}
	if cfg.AuthKey == "" {
		return nil, fmt.Errorf("netdial: tailscale auth key not set")
	}
	return &TailnetDialer{server: &tsnet.Server{
		Hostname: cfg.Hostname,
		AuthKey:  cfg.AuthKey,
	}}, nil
}

// Dial opens a WebSocket connection to url over the tailnet. Its signature
// matches the transport package's driver dial hook, so a caller wires it in
// with WebSocketDriver.SetDialer / PluginAwareWebSocketDriver.SetDialer.
func (t *TailnetDialer) Dial(ctx context.Context, url string) (*websocket.Conn, error) {
	dialer := &websocket.Dialer{NetDialContext: t.server.Dial}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("netdial: dial %s over tailnet: %w", url, err)
	}
	return conn, nil
}

// Close shuts down the underlying tsnet server and releases its state.
func (t *TailnetDialer) Close() error {
	return t.server.Close()
}
