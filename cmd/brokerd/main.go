// Command brokerd runs the endpoint broker: it loads a declarative rule
// table, brings up one transport driver per configured endpoint, and
// listens for gateway sessions over WebSocket, wiring them all together
// through the dispatcher and response forwarder.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/leonletto/brokerd/internal/broker/config"
	"github.com/leonletto/brokerd/internal/broker/dispatch"
	"github.com/leonletto/brokerd/internal/broker/forward"
	"github.com/leonletto/brokerd/internal/broker/netdial"
	"github.com/leonletto/brokerd/internal/broker/reconnect"
	"github.com/leonletto/brokerd/internal/broker/registry"
	"github.com/leonletto/brokerd/internal/broker/rules"
	"github.com/leonletto/brokerd/internal/broker/telemetry"
	"github.com/leonletto/brokerd/internal/broker/transport"
	"github.com/leonletto/brokerd/internal/broker/types"
	"github.com/leonletto/brokerd/internal/gateway"
)

// Version and Build are set via -ldflags at release build time.
var (
	Version = "dev"
	Build   = "unknown"
)

var (
	flagConfig    string
	flagAddr      string
	flagTelemetry string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "brokerd",
		Short: "JSON-RPC endpoint broker",
		Long: `brokerd routes gateway sessions to backend endpoints over
heterogeneous transports (HTTP, WebSocket, plugin-aware WebSocket, workflow,
extension), applying rule-driven request/response transforms along the way.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("brokerd v{{.Version}} (build: " + Build + ")\n")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newTelemetryCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the broker and accept gateway sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
	cmd.Flags().StringVar(&flagConfig, "config", "brokerd.yaml", "Path to the rule-table YAML file")
	cmd.Flags().StringVar(&flagAddr, "addr", ":8585", "Gateway WebSocket listen address")
	cmd.Flags().StringVar(&flagTelemetry, "telemetry", "", "Path to a SQLite file recording every BrokerOutput (empty disables telemetry)")
	return cmd
}

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the rule-table file without starting the broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			fmt.Printf("ok: %d endpoints, %d rules\n", len(cfg.Endpoints), len(cfg.Rules))
			return nil
		},
	}
	cmd.Flags().StringVar(&flagConfig, "config", "brokerd.yaml", "Path to the rule-table YAML file")
	return cmd
}

func newTelemetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "telemetry",
		Short: "Inspect a telemetry database written by serve --telemetry",
	}

	var tailCount int
	tailCmd := &cobra.Command{
		Use:   "tail",
		Short: "Print the most recent recorded broker outputs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := telemetry.Open(flagTelemetry)
			if err != nil {
				return err
			}
			defer store.Close()

			rows, err := store.Tail(tailCount)
			if err != nil {
				return err
			}
			for _, r := range rows {
				id := "-"
				if r.CallID != nil {
					id = fmt.Sprintf("%d", *r.CallID)
				}
				body := r.ResultJSON
				if r.ErrorJSON != "" {
					body = "error " + r.ErrorJSON
				}
				fmt.Printf("%s id=%s method=%q %s\n", r.RecordedAt.Format(time.RFC3339), id, r.Method, body)
			}
			return nil
		},
	}
	tailCmd.Flags().IntVarP(&tailCount, "count", "n", 20, "Number of rows to print")
	tailCmd.Flags().StringVar(&flagTelemetry, "db", "telemetry.db", "Path to the telemetry SQLite file")

	cmd.AddCommand(tailCmd)
	return cmd
}

// broker bundles every wired component for one running process: build
// everything, then run until signaled.
type broker struct {
	cfg        *config.Config
	requests   *registry.RequestRegistry
	subs       *registry.SubscriptionRegistry
	endpoints  *registry.EndpointRegistry
	forwarder  *forward.Forwarder
	dispatcher *dispatch.Dispatcher
	gatewaySrv *gateway.Server
	supervisor *reconnect.Supervisor
	stateless  []statelessRunner
	telemetry  *telemetry.Store
}

func runServe() error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	b, err := buildBroker(cfg)
	if err != nil {
		return err
	}
	if b.telemetry != nil {
		defer b.telemetry.Close()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go b.supervisor.Run(ctx)
	for _, r := range b.stateless {
		go r.Run(ctx)
	}

	if err := b.gatewaySrv.Start(ctx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}
	printStartupBanner(flagAddr, len(cfg.Endpoints), len(cfg.Rules))

	<-ctx.Done()
	log.Printf("brokerd: shutting down")
	return b.gatewaySrv.Stop()
}

// printStartupBanner reports the broker is up. A TTY stdout gets a
// colorized one-liner; anything else (a log file, a pipe into journald)
// gets the same plain log.Printf line every other brokerd message uses, so
// piped output stays uniform and grep-able.
func printStartupBanner(addr string, endpoints, rules int) {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		log.Printf("brokerd: listening on %s (%d endpoints, %d rules)", addr, endpoints, rules)
		return
	}
	fmt.Printf("\033[32m●\033[0m brokerd listening on \033[1m%s\033[0m (%d endpoints, %d rules)\n", addr, endpoints, rules)
}

// forwarderProxy stands in for the Forwarder while the rest of the broker
// is still being assembled: every transport driver needs a types.OutputSink
// at construction time, but the real Forwarder can't be built until the
// session registry exists and the Dispatcher it calls back into (for
// event_handler_method rules) is itself built from the very endpoint
// registry the drivers are about to populate. set() closes that loop once
// every driver is up.
type forwarderProxy struct {
	f *forward.Forwarder
}

func (p *forwarderProxy) set(f *forward.Forwarder) { p.f = f }

func (p *forwarderProxy) Handle(out types.BrokerOutput) {
	if p.f == nil {
		log.Printf("brokerd: output dropped before forwarder was ready: %+v", out)
		return
	}
	p.f.Handle(out)
}

// statelessRunner is the worker-task half of types.DriverSender for drivers
// with no socket to reconnect (HTTP, Workflow, Extension); the Reconnection
// Supervisor only drives Reconnectables, so buildBroker starts these itself.
type statelessRunner interface {
	Run(ctx context.Context)
}

// buildBroker wires every component: registries first, then one transport
// driver per configured endpoint (sinking into the proxy above), then the
// dispatcher and forwarder that close the loop, then the gateway server
// that sits on top of all of it.
func buildBroker(cfg *config.Config) (*broker, error) {
	requests := registry.NewRequestRegistry()
	subs := registry.NewSubscriptionRegistry()
	endpoints := registry.NewEndpointRegistry()
	sessions := gateway.NewSessionRegistry()

	var store *telemetry.Store
	if flagTelemetry != "" {
		var err error
		store, err = telemetry.Open(flagTelemetry)
		if err != nil {
			return nil, fmt.Errorf("open telemetry store: %w", err)
		}
	}

	var dialer *netdial.TailnetDialer
	if cfg.Tailscale.Enabled() {
		var err error
		dialer, err = netdial.NewTailnetDialer(cfg.Tailscale)
		if err != nil {
			return nil, fmt.Errorf("configure tailnet dialer: %w", err)
		}
	}

	var dispatcher *dispatch.Dispatcher
	invoke := func(method string, params json.RawMessage) (json.RawMessage, error) {
		return dispatcher.Invoke(method, params)
	}

	sink := &forwarderProxy{}
	var reconnectable []reconnect.Reconnectable
	var stateless []statelessRunner

	tun := transport.Tunables{
		ChannelCapacity: cfg.ChannelCapacity,
		CompositeTTL:    cfg.CompositeTTL,
		CompositeSweep:  cfg.CompositeSweep,
	}
	for key, ep := range cfg.Endpoints {
		driver, rec, err := buildDriver(ep, sink, subs, dialer, invoke, tun)
		if err != nil {
			return nil, fmt.Errorf("build driver %q: %w", key, err)
		}
		endpoints.Register(key, driver)
		switch {
		case rec != nil:
			reconnectable = append(reconnectable, rec)
		default:
			// HTTP, Workflow and Extension drivers have no socket to
			// reconnect; the supervisor never sees them, so their
			// worker task is started directly here.
			stateless = append(stateless, driver.(statelessRunner))
		}
	}

	forwarder := forward.New(requests, sessions, invoke)
	sink.set(forwarder)

	re := rules.New(cfg.Rules)
	if store != nil {
		dispatcher = dispatch.New(re, requests, endpoints, sink, nil, store)
	} else {
		dispatcher = dispatch.New(re, requests, endpoints, sink, nil)
	}

	gatewaySrv := gateway.NewServer(flagAddr, dispatcher, sessions, endpoints)

	return &broker{
		cfg:        cfg,
		requests:   requests,
		subs:       subs,
		endpoints:  endpoints,
		forwarder:  forwarder,
		dispatcher: dispatcher,
		gatewaySrv: gatewaySrv,
		supervisor: reconnect.New(reconnectable...),
		stateless:  stateless,
		telemetry:  store,
	}, nil
}

func buildDriver(
	ep types.Endpoint,
	sink types.OutputSink,
	subs *registry.SubscriptionRegistry,
	dialer *netdial.TailnetDialer,
	invoke transport.InvokeFunc,
	tun transport.Tunables,
) (types.DriverSender, reconnect.Reconnectable, error) {
	switch ep.Protocol {
	case types.ProtocolHTTP:
		return transport.NewHTTPDriver(ep, sink, tun), nil, nil
	case types.ProtocolWebsocket:
		d := transport.NewWebSocketDriver(ep, sink, subs, tun)
		if dialer != nil {
			d.SetDialer(dialer.Dial)
		}
		return d, d, nil
	case types.ProtocolPluginAware:
		d := transport.NewPluginAwareWebSocketDriver(ep, sink, subs, tun)
		if dialer != nil {
			d.SetDialer(dialer.Dial)
		}
		return d, d, nil
	case types.ProtocolWorkflow:
		return transport.NewWorkflowDriver(ep, sink, invoke, tun), nil, nil
	case types.ProtocolExtension:
		return transport.NewExtensionDriver(ep, sink, tun), nil, nil
	default:
		return nil, nil, fmt.Errorf("endpoint %q: unknown protocol %s", ep.Key, ep.Protocol)
	}
}
