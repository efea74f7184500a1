// Package config loads the endpoint broker's declarative rule table and
// runtime tunables: a file on disk, environment variables layered on top,
// and a handful of required fields validated once at the end.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/leonletto/brokerd/internal/broker/types"
)

// Defaults applied when neither the file nor the environment overrides a
// tunable.
const (
	DefaultEndpointKey     = types.DefaultEndpointKey
	DefaultChannelCapacity = 10
	DefaultCompositeTTL    = 8 * time.Second
	DefaultCompositeSweep  = 3 * time.Second
)

// Env var names consulted after the file is loaded.
const (
	envChannelCapacity = "BROKERD_CHANNEL_CAPACITY"
	envCompositeTTL    = "BROKERD_COMPOSITE_TTL_SECONDS"
	envCompositeSweep  = "BROKERD_COMPOSITE_SWEEP_SECONDS"
	envTailscale       = "BROKERD_TAILSCALE_HOSTNAME"
	envTailscaleKey    = "BROKERD_TAILSCALE_AUTHKEY"
)

// Config is the resolved, validated configuration for one broker process.
type Config struct {
	Endpoints       map[string]types.Endpoint
	Rules           map[string]types.Rule
	ChannelCapacity int
	CompositeTTL    time.Duration
	CompositeSweep  time.Duration
	Tailscale       TailscaleConfig
}

// TailscaleConfig enables the optional tsnet outbound dialer
// (internal/broker/netdial) for tailnet://-scheme endpoint URLs.
type TailscaleConfig struct {
	Hostname string
	AuthKey  string
}

// Enabled reports whether a tsnet dialer should be constructed.
func (t TailscaleConfig) Enabled() bool { return t.Hostname != "" }

// fileEndpoint and fileRule mirror the YAML document shape; they are kept
// separate from types.Endpoint/types.Rule so the wire tags don't leak into
// the broker's core data model.
type fileEndpoint struct {
	Protocol  string `yaml:"protocol"`
	URL       string `yaml:"url"`
	IsJSONRPC bool   `yaml:"is_jsonrpc"`
}

type fileRule struct {
	Alias              string `yaml:"alias"`
	EndpointKey        string `yaml:"endpoint_key"`
	RequestFilter      string `yaml:"request_filter"`
	ResponseFilter     string `yaml:"response_filter"`
	EventFilter        string `yaml:"event_filter"`
	MatchFilter        string `yaml:"match_filter"`
	EventHandlerMethod string `yaml:"event_handler_method"`
}

type fileTailscale struct {
	Hostname string `yaml:"hostname"`
	AuthKey  string `yaml:"authkey"`
}

// file is the top-level shape of the rule-table YAML document.
type file struct {
	Endpoints map[string]fileEndpoint `yaml:"endpoints"`
	Rules     map[string]fileRule     `yaml:"rules"`
	Tailscale fileTailscale           `yaml:"tailscale"`
}

// Load reads and validates the rule table at path, then layers environment
// overrides for the runtime tunables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return LoadBytes(data)
}

// LoadBytes parses an in-memory rule-table document, used by Load and by
// tests that don't want a temp file for every case.
func LoadBytes(data []byte) (*Config, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	cfg := &Config{
		Endpoints:       make(map[string]types.Endpoint, len(f.Endpoints)),
		Rules:           make(map[string]types.Rule, len(f.Rules)),
		ChannelCapacity: DefaultChannelCapacity,
		CompositeTTL:    DefaultCompositeTTL,
		CompositeSweep:  DefaultCompositeSweep,
		Tailscale:       TailscaleConfig{Hostname: f.Tailscale.Hostname, AuthKey: f.Tailscale.AuthKey},
	}

	for key, e := range f.Endpoints {
		proto, err := parseProtocol(e.Protocol)
		if err != nil {
			return nil, fmt.Errorf("config: endpoint %q: %w", key, err)
		}
		cfg.Endpoints[key] = types.Endpoint{Key: key, Protocol: proto, URL: e.URL, IsJSONRPC: e.IsJSONRPC}
	}

	for method, r := range f.Rules {
		cfg.Rules[method] = types.Rule{
			Alias:              r.Alias,
			EndpointKey:        r.EndpointKey,
			RequestFilter:      r.RequestFilter,
			ResponseFilter:     r.ResponseFilter,
			EventFilter:        r.EventFilter,
			MatchFilter:        r.MatchFilter,
			EventHandlerMethod: r.EventHandlerMethod,
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides layers environment values over the file for channel
// capacity, composite TTL, sweep interval, and the tailnet settings;
// environment wins over file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(envChannelCapacity); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ChannelCapacity = n
		}
	}
	if v := os.Getenv(envCompositeTTL); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CompositeTTL = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv(envCompositeSweep); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CompositeSweep = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv(envTailscale); v != "" {
		cfg.Tailscale.Hostname = v
	}
	if v := os.Getenv(envTailscaleKey); v != "" {
		cfg.Tailscale.AuthKey = v
	}
}

// validate enforces the rule-table invariant: every non-static,
// non-provided rule either names an endpoint_key present in the endpoint
// table or falls back to the default key, which must itself be registered
// if any rule relies on it implicitly.
func (c *Config) validate() error {
	if len(c.Rules) == 0 {
		return fmt.Errorf("config: rule table is empty")
	}
	for method, r := range c.Rules {
		if r.IsStatic() || r.IsProvided() {
			continue
		}
		key := r.EndpointKey
		if key == "" {
			key = DefaultEndpointKey
		}
		if _, ok := c.Endpoints[key]; !ok {
			return fmt.Errorf("config: rule %q routes to unknown endpoint_key %q", method, key)
		}
	}
	return nil
}

func parseProtocol(s string) (types.Protocol, error) {
	switch s {
	case "http":
		return types.ProtocolHTTP, nil
	case "websocket":
		return types.ProtocolWebsocket, nil
	case "plugin_aware":
		return types.ProtocolPluginAware, nil
	case "workflow":
		return types.ProtocolWorkflow, nil
	case "extension":
		return types.ProtocolExtension, nil
	default:
		return types.ProtocolUnknown, fmt.Errorf("unknown protocol %q", s)
	}
}
